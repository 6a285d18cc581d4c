// Package main implements the fieldsync-sweep tool. It runs one TTL
// sweep pass against a store database and exits, for operators and cron
// schedules that prefer a one-shot over the long-running daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldsync/fieldsync/internal/audit"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/store"
)

func main() {
	var (
		dataDir   string
		batchSize int
		timeout   time.Duration
	)

	flag.StringVar(&dataDir, "data-dir", "./data/fieldsync", "Base directory for data files")
	flag.IntVar(&batchSize, "batch-size", 500, "Deletions per sweep batch")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall sweep timeout")
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Resolve()

	st, err := store.Open(cfg.StorePath(), conflict.NewResolver(cfg.Conflict.Window, nil))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sweeper := audit.NewSweeper(st.WriteDB(), batchSize, time.Hour)
	start := time.Now()
	deleted, err := sweeper.SweepOnce(ctx)
	if err != nil {
		// An interrupted sweep resumes where it left off on the next run.
		log.Fatalf("Sweep stopped after %d deletions: %v", deleted, err)
	}

	log.Printf("Sweep complete: %d expired audit records deleted in %v", deleted, time.Since(start))
}
