// Package main implements the fieldsync-export tool. It exports one
// tenant's audit records as JSON Lines, either to stdout or to the
// configured object storage destination.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldsync/fieldsync/internal/audit"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/storage"
	"github.com/fieldsync/fieldsync/internal/store"
)

func main() {
	var (
		dataDir  string
		tenantID string
		upload   bool
		timeout  time.Duration
	)

	flag.StringVar(&dataDir, "data-dir", "./data/fieldsync", "Base directory for data files")
	flag.StringVar(&tenantID, "tenant", "", "Tenant to export (required)")
	flag.BoolVar(&upload, "upload", false, "Upload to export storage instead of writing to stdout")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall export timeout")
	flag.Parse()

	if tenantID == "" {
		log.Fatalf("--tenant is required")
	}

	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	config.LoadFromEnv(cfg)
	cfg.Resolve()

	st, err := store.Open(cfg.StorePath(), conflict.NewResolver(cfg.Conflict.Window, nil))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !upload {
		exporter := audit.NewExporter(st.ReadDB(), nil)
		n, err := exporter.WriteJSONL(ctx, tenantID, os.Stdout)
		if err != nil {
			log.Fatalf("Export failed after %d records: %v", n, err)
		}
		log.Printf("Exported %d audit records for tenant %s", n, tenantID)
		return
	}

	var dest storage.ObjectStorage
	switch cfg.Export.Type {
	case "local":
		dest, err = storage.NewLocalStorage(cfg.Export.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.Export.S3.Region != "" {
			s3Cfg.Region = cfg.Export.S3.Region
		}
		if cfg.Export.S3.Endpoint != "" {
			s3Cfg.Endpoint = cfg.Export.S3.Endpoint
		}
		dest, err = storage.NewS3Storage(ctx, cfg.Export.S3.Bucket, s3Cfg)
	default:
		log.Fatalf("Unsupported export storage type: %s", cfg.Export.Type)
	}
	if err != nil {
		log.Fatalf("Failed to initialize export storage: %v", err)
	}

	exporter := audit.NewExporter(st.ReadDB(), dest)
	objectPath, err := exporter.Export(ctx, tenantID)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	log.Printf("Exported tenant %s audit records to %s", tenantID, objectPath)
}
