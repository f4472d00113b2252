// Package server wires configuration into a running resolver application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/api"
	"github.com/JakeFAU/icon-resolver/internal/batch"
	"github.com/JakeFAU/icon-resolver/internal/clock/system"
	"github.com/JakeFAU/icon-resolver/internal/config"
	collyfetcher "github.com/JakeFAU/icon-resolver/internal/fetcher/colly"
	"github.com/JakeFAU/icon-resolver/internal/hash/sha256"
	iduuid "github.com/JakeFAU/icon-resolver/internal/id/uuid"
	"github.com/JakeFAU/icon-resolver/internal/identifier"
	"github.com/JakeFAU/icon-resolver/internal/imaging"
	"github.com/JakeFAU/icon-resolver/internal/logging"
	"github.com/JakeFAU/icon-resolver/internal/metrics"
	"github.com/JakeFAU/icon-resolver/internal/policy/ratelimit"
	"github.com/JakeFAU/icon-resolver/internal/progress"
	progresssinks "github.com/JakeFAU/icon-resolver/internal/progress/sinks"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
	gcsstorage "github.com/JakeFAU/icon-resolver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/icon-resolver/internal/storage/local"
	memorystorage "github.com/JakeFAU/icon-resolver/internal/storage/memory"
	"github.com/JakeFAU/icon-resolver/internal/store"
	memorystore "github.com/JakeFAU/icon-resolver/internal/store/memory"
	"github.com/JakeFAU/icon-resolver/internal/store/sqlite"
)

// Options adjusts Build. Every field is optional.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors; defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
	// Sinks are appended to the progress hub after the built-in ones.
	Sinks []progress.Sink
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	coordinator *batch.Coordinator
	apiServer   *api.Server
	progressHub *progress.Hub
	entries     store.EntryRepository
	runs        store.RunRepository
	clock       *system.Clock
	db          *sqlite.DB
	gcs         *gcsstorage.BlobStore

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("sqlite", cfg.DB.Path != ""),
		zap.Int("max_concurrency", cfg.Batch.MaxConcurrency),
	)

	if err := app.build(ctx, opts); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	res, err := setupResolver(a.cfg, a.logger)
	if err != nil {
		return err
	}
	exporter, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	emitter, err := a.setupProgress(opts)
	if err != nil {
		return err
	}

	a.coordinator, err = batch.New(batch.Options{
		Resolver:  res,
		Committer: a.entries,
		Hasher:    sha256.New(),
		Exporter:  exporter,
		Clock:     a.clock,
		IDs:       iduuid.NewUUIDGenerator(),
		Emitter:   emitter,
		Logger:    a.logger.Named("batch"),
		Settings:  Settings(a.cfg),
	})
	if err != nil {
		return fmt.Errorf("batch coordinator init failed: %w", err)
	}

	a.apiServer, err = api.NewServer(api.Options{
		Runner:      a.coordinator,
		Entries:     a.entries,
		Runs:        a.runs,
		IDs:         iduuid.NewUUIDGenerator(),
		Clock:       a.clock,
		Config:      *a.cfg,
		Logger:      a.logger.Named("api"),
		BaseContext: a.baseCtx,
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

// Settings maps configuration onto batch settings.
func Settings(cfg *config.Config) batch.Settings {
	return batch.Settings{
		SkipExisting:       cfg.Resolver.SkipExisting,
		UseTitle:           cfg.Resolver.UseTitleField,
		UpdateLastModified: cfg.Resolver.UpdateLastModified,
		MaxConcurrency:     cfg.Batch.MaxConcurrency,
		IconNamePrefix:     cfg.Resolver.IconNamePrefix,
		CustomTemplate:     cfg.Resolver.CustomProvider,
		UseFallback:        cfg.Resolver.UseFallbackProviders,
		ExportPrefix:       cfg.Storage.Prefix,
	}
}

func setupResolver(cfg *config.Config, logger *zap.Logger) (*resolver.Resolver, error) {
	mapper, err := setupMapper(cfg.Mapping.File)
	if err != nil {
		return nil, err
	}
	logger.Debug("android mapping loaded", zap.Int("packages", mapper.Len()))

	var limiter *ratelimit.Limiter
	if cfg.HTTP.PerHostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.PerHostRPS,
			DefaultBurst: cfg.HTTP.PerHostBurst,
		})
		logger.Info("per-host rate limiter enabled",
			zap.Float64("rps", cfg.HTTP.PerHostRPS),
			zap.Int("burst", cfg.HTTP.PerHostBurst),
		)
	}

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:         cfg.HTTP.UserAgent,
		ConnectTimeout:    cfg.ConnectTimeout(),
		ProxyURL:          cfg.HTTP.ProxyURL,
		AllowInvalidCerts: cfg.HTTP.AllowInvalidCerts,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	if cfg.HTTP.AllowInvalidCerts {
		logger.Warn("TLS certificate verification disabled")
	}

	res, err := resolver.New(resolver.Options{
		NewSession:  func() (resolver.Session, error) { return fetcher.NewSession() },
		Validator:   imaging.New(),
		Mapper:      mapper,
		Logger:      logger.Named("resolver"),
		MaxIconSize: cfg.MaxIconSize(),
		AutoPrefix:  cfg.Resolver.PrefixURLs,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver init failed: %w", err)
	}
	return res, nil
}

func setupMapper(path string) (*identifier.Mapper, error) {
	mapper, err := identifier.NewMapper()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return mapper, nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied mapping file
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer func() { _ = f.Close() }()
	extra, err := identifier.LoadMapping(f)
	if err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}
	return mapper.Merge(extra), nil
}

func (a *App) setupStorage(ctx context.Context) (batch.Exporter, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = blobs
		a.logger.Info("exporting icons to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("exporting icons to local directory", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Debug("exporting icons to memory")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.Path == "" {
		a.logger.Debug("no db.path configured, using in-memory record store")
		a.entries = memorystore.NewEntryStore()
		a.runs = memorystore.NewRunStore()
		return nil
	}
	db, err := sqlite.Open(ctx, a.cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("sqlite init failed: %w", err)
	}
	a.db = db
	a.entries = db.Entries()
	a.runs = db.Runs()
	a.logger.Info("sqlite record store opened", zap.String("path", a.cfg.DB.Path))
	return nil
}

func (a *App) setupProgress(opts Options) (progress.Emitter, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	sinkList = append(sinkList, opts.Sinks...)

	hubCfg := progress.Config{
		BaseContext: a.baseCtx,
		Logger:      a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.progressHub, nil
}

// Coordinator returns the batch coordinator.
func (a *App) Coordinator() *batch.Coordinator { return a.coordinator }

// Entries returns the record store.
func (a *App) Entries() store.EntryRepository { return a.entries }

// Runs returns the batch-run store.
func (a *App) Runs() store.RunRepository { return a.runs }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// ResolveIdentifiers stores one record per identifier and resolves them as
// a single batch.
func (a *App) ResolveIdentifiers(ctx context.Context, identifiers []string, mode resolver.Mode) (*batch.Result, error) {
	batchID, err := iduuid.NewUUIDGenerator().NewRawID()
	if err != nil {
		return nil, fmt.Errorf("generate batch id: %w", err)
	}
	now := a.clock.Now()
	records := make([]batch.Record, 0, len(identifiers))
	for i, ident := range identifiers {
		entry := store.Entry{
			ID:       fmt.Sprintf("%s/%d", batchID, i),
			URL:      strings.TrimSpace(ident),
			Modified: now,
		}
		if err := a.entries.PutEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("store entry %d: %w", i, err)
		}
		records = append(records, entry)
	}
	return a.runBatch(ctx, batchID, records, mode)
}

// ResolveStored resolves every record already in the store.
func (a *App) ResolveStored(ctx context.Context, mode resolver.Mode) (*batch.Result, error) {
	entries, err := a.entries.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	batchID, err := iduuid.NewUUIDGenerator().NewRawID()
	if err != nil {
		return nil, fmt.Errorf("generate batch id: %w", err)
	}
	records := make([]batch.Record, len(entries))
	for i, e := range entries {
		records[i] = e
	}
	return a.runBatch(ctx, batchID, records, mode)
}

func (a *App) runBatch(ctx context.Context, batchID uuid.UUID, records []batch.Record, mode resolver.Mode) (*batch.Result, error) {
	now := a.clock.Now()
	if err := a.runs.CreateRun(ctx, store.BatchRun{
		ID:        batchID,
		Mode:      mode.String(),
		Status:    store.RunQueued,
		Total:     len(records),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	res, err := a.coordinator.Run(ctx, batchID, records, mode)
	if err != nil {
		return nil, fmt.Errorf("run batch %s: %w", batchID, err)
	}
	return res, nil
}

// Run serves the HTTP API and blocks until ctx is canceled or SIGINT/SIGTERM
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close cancels running batches, waits for them and releases every
// resource. The progress hub is flushed before the stores close.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}
	if a.cancelBase != nil {
		a.cancelBase()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
}

// isSyncNoise reports the errors zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
