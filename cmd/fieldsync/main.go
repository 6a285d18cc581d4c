// Package main implements the unified fieldsync backend binary.
// It can run the sync API, the audit drain worker, and the TTL sweep
// daemon concurrently, or individual services based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fieldsync/fieldsync/internal/app"
	"github.com/fieldsync/fieldsync/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "all", "Service mode: all, serve, audit, sweep")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the sync API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fieldsync - offline-first sync backend\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fieldsync [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fieldsync --data-dir /data/fieldsync\n")
		fmt.Fprintf(os.Stderr, "  fieldsync --mode serve --http-addr :8080\n")
		fmt.Fprintf(os.Stderr, "  fieldsync --config /etc/fieldsync/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FIELDSYNC_MODE          Service mode (all, serve, audit, sweep)\n")
		fmt.Fprintf(os.Stderr, "  FIELDSYNC_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  FIELDSYNC_HTTP_ADDR     HTTP address for the sync API\n")
		fmt.Fprintf(os.Stderr, "  FIELDSYNC_EXPORT_TYPE   Export storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("fieldsync version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A .env file is optional; real environment wins.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags win over file and environment.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("fieldsync %s starting", version)
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Export:   %s", cfg.Export.Type)

	if cfg.ShouldServe() {
		log.Printf("Sync API:")
		log.Printf("  HTTP: %s", cfg.HTTP.Addr)
	}
	if cfg.ShouldRunAudit() {
		log.Printf("Audit Recorder:")
		log.Printf("  Drain Interval: %v", cfg.Audit.DrainInterval)
	}
	if cfg.ShouldRunSweep() {
		log.Printf("Audit Sweep:")
		log.Printf("  Interval: %v", cfg.Audit.SweepInterval)
		log.Printf("  Retention: %v", cfg.Audit.Retention)
	}
}
