// Package app provides the unified application lifecycle management for fieldsync.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/fieldsync/fieldsync/internal/api/http"
	"github.com/fieldsync/fieldsync/internal/audit"
	"github.com/fieldsync/fieldsync/internal/auth"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/sequence"
	"github.com/fieldsync/fieldsync/internal/server"
	"github.com/fieldsync/fieldsync/internal/storage"
	"github.com/fieldsync/fieldsync/internal/store"
)

// App manages all fieldsync backend service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	store     *store.Store
	guard     *auth.Guard
	resolver  *auth.SQLiteResolver
	allocator *sequence.SQLiteAllocator
	storage   storage.ObjectStorage
	exporter  *audit.Exporter
	shutdown  *server.ShutdownManager

	// Service components
	httpServer *http.Server
	recorder   *audit.Recorder
	sweeper    *audit.Sweeper

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldServe() {
		if err := a.startSyncAPI(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start sync API: %w", err)
		}
	}

	if a.cfg.ShouldRunAudit() {
		a.startAuditRecorder(ctx)
	}

	if a.cfg.ShouldRunSweep() {
		a.startAuditSweep(ctx)
	}

	log.Printf("fieldsync started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources initializes the store, guard, allocator, export
// storage, and shutdown manager.
func (a *App) initSharedResources() error {
	resolver := conflict.NewResolver(a.cfg.Conflict.Window, a.cfg.Conflict.AdditiveFields)

	st, err := store.Open(a.cfg.StorePath(), resolver)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	log.Printf("store opened: %s", a.cfg.StorePath())

	a.resolver = auth.NewSQLiteResolver(st.ReadDB(), st.WriteDB())
	a.guard = auth.NewGuard(a.resolver, a.cfg.Auth.MembershipTTL)

	a.allocator = sequence.NewSQLiteAllocator(st.WriteDB(),
		a.cfg.Sequence.MaxAttempts, a.cfg.Sequence.RetryBackoff)

	switch a.cfg.Export.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Export.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Export.S3.Region != "" {
			s3Cfg.Region = a.cfg.Export.S3.Region
		}
		if a.cfg.Export.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Export.S3.Endpoint
		}
		a.storage, err = storage.NewS3Storage(
			context.Background(),
			a.cfg.Export.S3.Bucket,
			s3Cfg,
		)
	default:
		return fmt.Errorf("unsupported export storage type: %s", a.cfg.Export.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize export storage: %w", err)
	}
	log.Printf("export storage initialized: type=%s", a.cfg.Export.Type)

	a.exporter = audit.NewExporter(st.ReadDB(), a.storage)

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	}))

	return nil
}

// startSyncAPI starts the backend HTTP server.
func (a *App) startSyncAPI(ctx context.Context) error {
	syncHandler := httpapi.NewSyncHandler(a.guard, a.store)
	documentHandler := httpapi.NewDocumentHandler(a.guard, a.store)
	sequenceHandler := httpapi.NewSequenceHandler(a.guard, a.allocator)
	reviewsHandler := httpapi.NewReviewsHandler(a.guard, a.store)
	exportHandler := httpapi.NewExportHandler(a.guard, a.exporter)
	membershipHandler := httpapi.NewMembershipHandler(a.guard, a.resolver)

	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	mux.Handle("/v1/sync", middleware(syncHandler))
	mux.Handle("/v1/documents/", middleware(documentHandler))
	mux.Handle("/v1/sequence/next", middleware(sequenceHandler))
	mux.Handle("/v1/reviews", middleware(reviewsHandler))
	mux.Handle("/v1/audit/export", middleware(exportHandler))
	mux.Handle("/v1/admin/memberships", middleware(membershipHandler))
	mux.HandleFunc("/health", a.healthHandler("fieldsync-api"))

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("sync API listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("sync API server error: %v", err)
		}
	}()

	return nil
}

// startAuditRecorder starts the pending-audit drain worker.
func (a *App) startAuditRecorder(ctx context.Context) {
	a.recorder = audit.NewRecorder(a.store.WriteDB(),
		a.cfg.Audit.Retention, a.cfg.Audit.DrainInterval, 100)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.recorder.Run(ctx)
	}()
	log.Printf("audit recorder started: drain_interval=%s retention=%s",
		a.cfg.Audit.DrainInterval, a.cfg.Audit.Retention)
}

// startAuditSweep starts the TTL sweep daemon.
func (a *App) startAuditSweep(ctx context.Context) {
	a.sweeper = audit.NewSweeper(a.store.WriteDB(),
		a.cfg.Audit.SweepBatchSize, a.cfg.Audit.SweepInterval)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sweeper.Run(ctx)
	}()
	log.Printf("audit sweep started: interval=%s batch_size=%d",
		a.cfg.Audit.SweepInterval, a.cfg.Audit.SweepBatchSize)
}

// Guard returns the authorization guard, for seeding memberships.
func (a *App) Guard() *auth.Guard {
	return a.guard
}

// MembershipResolver returns the store-backed membership resolver.
func (a *App) MembershipResolver() *auth.SQLiteResolver {
	return a.resolver
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("sync API shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("fieldsync stopped")
	return nil
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		a.store = nil
	}
}

// healthHandler returns a health check handler for the given service.
func (a *App) healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"%s","mode":"%s"}`, service, a.cfg.Mode)
	}
}
