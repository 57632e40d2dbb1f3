// Package app provides the unified application lifecycle management for Kestrel.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/kestrelsense/kestrel/internal/api/http"
	"github.com/kestrelsense/kestrel/internal/archive"
	"github.com/kestrelsense/kestrel/internal/catalog"
	"github.com/kestrelsense/kestrel/internal/config"
	"github.com/kestrelsense/kestrel/internal/consolidate"
	"github.com/kestrelsense/kestrel/internal/engine"
	"github.com/kestrelsense/kestrel/internal/notify"
	"github.com/kestrelsense/kestrel/internal/observability"
	"github.com/kestrelsense/kestrel/internal/server"
	"github.com/kestrelsense/kestrel/internal/store"
)

// App manages all Kestrel service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	catalog  catalog.Catalog
	metrics  *observability.Metrics
	notifier *notify.Notifier
	shutdown *server.ShutdownManager

	// Engine-side components
	store        *store.Store
	pending      *store.RecordIndex
	sweepDaemon  *store.SweepDaemon
	journal      *consolidate.Journal
	consolidator *consolidate.Consolidator
	retention    *consolidate.RetentionDaemon
	engine       *engine.Engine

	// HTTP servers
	ingestServer *http.Server
	queryServer  *http.Server

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

	if a.cfg.ShouldRunEngine() {
		if err := a.startEngineService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start engine service: %w", err)
		}
	}

	if a.cfg.ShouldRunQuery() {
		if err := a.startQueryService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start query service: %w", err)
		}
	}

	log.Printf("Kestrel started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources initializes the catalog, metrics, notifier, and
// shutdown manager. All modes share the durable catalog.
func (a *App) initSharedResources() error {
	cat, err := catalog.NewCatalog(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	a.catalog = cat
	log.Printf("Catalog initialized: %s", a.cfg.CatalogPath())

	a.metrics = observability.NewMetrics()
	a.notifier = notify.NewNotifier(256)
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	return nil
}

// startEngineService starts the event store, consolidation pipeline,
// correlation engine, and the ingest HTTP server.
func (a *App) startEngineService(ctx context.Context) error {
	a.store = store.New(a.cfg.Store.MemoryBudgetBytes, a.metrics)
	a.pending = store.NewRecordIndex(a.cfg.Persistence.PendingTTL.Std())
	a.sweepDaemon = store.NewSweepDaemon(a.store, a.cfg.Store.SweepInterval.Std())
	a.sweepDaemon.SetRecordIndex(a.pending)
	if err := a.sweepDaemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start store sweep: %w", err)
	}
	log.Printf("Event store initialized: budget=%d bytes, sweep every %v",
		a.cfg.Store.MemoryBudgetBytes, a.cfg.Store.SweepInterval)

	journal, err := consolidate.NewJournal(
		a.cfg.Persistence.JournalDir, a.cfg.Persistence.JournalMaxSegmentBytes)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	a.journal = journal
	log.Printf("Consolidation journal initialized: %s", a.cfg.Persistence.JournalDir)

	exporter, err := a.buildExporter(ctx)
	if err != nil {
		return err
	}

	a.consolidator = consolidate.New(
		a.cfg.Persistence, a.store, a.catalog, a.journal, a.notifier, a.pending, a.metrics)
	if err := a.consolidator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consolidator: %w", err)
	}

	a.retention = consolidate.NewRetentionDaemon(
		a.catalog, exporter,
		a.cfg.Persistence.RetentionHorizon.Std(),
		a.cfg.Persistence.RetentionInterval.Std(),
		a.cfg.Persistence.RetentionBatchLimit,
		a.metrics)
	if err := a.retention.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention daemon: %w", err)
	}
	log.Printf("Retention daemon started: horizon=%v, interval=%v",
		a.cfg.Persistence.RetentionHorizon, a.cfg.Persistence.RetentionInterval)

	a.engine = engine.New(*a.cfg, a.store, a.consolidator, a.metrics)
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Ingest HTTP server
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	streamMiddleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
	)
	mux.Handle("/v1/events", middleware(httpapi.NewIngestHandler(a.engine)))
	mux.Handle("/v1/stream", streamMiddleware(httpapi.NewStreamHandler(a.notifier)))
	mux.Handle("/v1/stats", middleware(httpapi.NewStatsHandler(a.metrics, a.catalog)))
	mux.Handle("/healthz", &httpapi.HealthHandler{})

	a.ingestServer = &http.Server{
		Addr:         a.cfg.HTTP.IngestAddr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: a.cfg.HTTP.WriteTimeout.Std(),
		IdleTimeout:  a.cfg.HTTP.IdleTimeout.Std(),
	}
	a.registerServerCloser(a.ingestServer)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Ingest HTTP server listening on %s", a.cfg.HTTP.IngestAddr)
		if err := a.ingestServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Ingest HTTP server error: %v", err)
		}
	}()

	return nil
}

// registerServerCloser hands the HTTP server to the shutdown manager, which
// closes registered resources in LIFO order after in-flight requests drain.
func (a *App) registerServerCloser(srv *http.Server) {
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))
}

// buildExporter creates the archive exporter, or returns nil when archival
// is disabled.
func (a *App) buildExporter(ctx context.Context) (*archive.Exporter, error) {
	if !a.cfg.Archive.Enabled {
		return nil, nil
	}

	var (
		objects archive.ObjectStore
		err     error
	)
	switch a.cfg.Archive.Type {
	case "local":
		objects, err = archive.NewLocalStore(a.cfg.Archive.Path)
	case "s3":
		objects, err = archive.NewS3Store(ctx, a.cfg.Archive.S3.Bucket, archive.S3Options{
			Region:   a.cfg.Archive.S3.Region,
			Endpoint: a.cfg.Archive.S3.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", a.cfg.Archive.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive store: %w", err)
	}
	log.Printf("Archive initialized: type=%s, prefix=%s", a.cfg.Archive.Type, a.cfg.Archive.Prefix)

	return archive.NewExporter(objects, a.cfg.Archive.Prefix), nil
}

// startQueryService starts the read-only record query HTTP server.
func (a *App) startQueryService(ctx context.Context) error {
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	// a.pending is nil in query mode; unpersisted records live in the
	// engine process and are only visible when it runs here too.
	mux.Handle("/v1/records", middleware(httpapi.NewRecordsHandler(a.catalog, a.pending)))
	mux.Handle("/v1/stats", middleware(httpapi.NewStatsHandler(a.metrics, a.catalog)))
	mux.Handle("/healthz", &httpapi.HealthHandler{})

	a.queryServer = &http.Server{
		Addr:         a.cfg.HTTP.QueryAddr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: a.cfg.HTTP.WriteTimeout.Std(),
		IdleTimeout:  a.cfg.HTTP.IdleTimeout.Std(),
	}
	a.registerServerCloser(a.queryServer)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Query HTTP server listening on %s", a.cfg.HTTP.QueryAddr)
		if err := a.queryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Query HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops all services and releases resources. Producers are
// cut off first so the persistence pipeline can drain into the catalog.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Cut producers off first: the shutdown manager drains in-flight HTTP
	// requests and closes the servers so nothing new enters the pipeline.
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(shutdownCtx, "stop requested"); err != nil {
			log.Printf("Shutdown manager error: %v", err)
		}
	}

	if a.engine != nil {
		if err := a.engine.Stop(); err != nil {
			log.Printf("Engine stop error: %v", err)
		}
	}
	if a.consolidator != nil {
		if err := a.consolidator.Stop(); err != nil {
			log.Printf("Consolidator stop error: %v", err)
		}
	}
	if a.retention != nil {
		if err := a.retention.Stop(); err != nil {
			log.Printf("Retention daemon stop error: %v", err)
		}
	}
	if a.sweepDaemon != nil {
		if err := a.sweepDaemon.Stop(); err != nil {
			log.Printf("Sweep daemon stop error: %v", err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("Kestrel stopped")
	return nil
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Printf("Journal close error: %v", err)
		}
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
