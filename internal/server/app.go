// Package server builds the application dependency graph from configuration
// and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/api"
	"github.com/JakeFAU/portfolio-monitor/internal/changes"
	"github.com/JakeFAU/portfolio-monitor/internal/clock/system"
	"github.com/JakeFAU/portfolio-monitor/internal/config"
	"github.com/JakeFAU/portfolio-monitor/internal/content"
	"github.com/JakeFAU/portfolio-monitor/internal/detector"
	"github.com/JakeFAU/portfolio-monitor/internal/extract"
	"github.com/JakeFAU/portfolio-monitor/internal/extract/llm"
	collyfetcher "github.com/JakeFAU/portfolio-monitor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/portfolio-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/portfolio-monitor/internal/fetcher/scrapeapi"
	"github.com/JakeFAU/portfolio-monitor/internal/hash/sha256"
	"github.com/JakeFAU/portfolio-monitor/internal/id/uuid"
	"github.com/JakeFAU/portfolio-monitor/internal/notify"
	"github.com/JakeFAU/portfolio-monitor/internal/pacing"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
	memorypublisher "github.com/JakeFAU/portfolio-monitor/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/portfolio-monitor/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/portfolio-monitor/internal/publisher/pubsub"
	"github.com/JakeFAU/portfolio-monitor/internal/scan"
	"github.com/JakeFAU/portfolio-monitor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/portfolio-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/portfolio-monitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/portfolio-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/portfolio-monitor/internal/storage/postgres"
	"github.com/JakeFAU/portfolio-monitor/internal/telemetry"
	"github.com/JakeFAU/portfolio-monitor/internal/textify"
	"github.com/JakeFAU/portfolio-monitor/internal/usage"
)

// Stores groups the persistence collaborators of the engine.
type Stores struct {
	Targets       portfolio.TargetRegistry
	Entities      portfolio.EntityStore
	Changes       portfolio.ChangeLog
	Usage         portfolio.UsageLedger
	Notifications portfolio.NotificationStore
	Ready         api.Pinger
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *scan.Orchestrator
	apiServer    *api.Server
	scheduler    *scheduler.Scheduler
	closers      []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_provider", cfg.DB.Provider),
		zap.String("fetch_provider", cfg.Fetch.Provider),
	)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.addCloser("tracer", shutdown)

	stores, err := app.setupDatabase(ctx)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.orchestrator, err = app.buildOrchestrator(ctx, stores)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}

	app.apiServer = api.NewServer(app.orchestrator, stores.Ready, cfg, logger)
	app.scheduler = scheduler.New(app.orchestrator, cfg.Scan.Interval, portfolio.ScanRequest{}, logger)
	return app, nil
}

// NewWithStores builds an App on caller-provided stores, skipping database
// setup and telemetry.
func NewWithStores(ctx context.Context, cfg config.Config, stores Stores, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	orch, err := app.buildOrchestrator(ctx, stores)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.orchestrator = orch
	app.apiServer = api.NewServer(orch, stores.Ready, cfg, logger)
	app.scheduler = scheduler.New(orch, cfg.Scan.Interval, portfolio.ScanRequest{}, logger)
	return app, nil
}

// Scan runs one batch in the foreground.
func (a *App) Scan(ctx context.Context, req portfolio.ScanRequest) (portfolio.ScanResponse, error) {
	return a.orchestrator.Run(ctx, req)
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and the scheduler until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	return a.Close(shutdownCtx)
}

// Close releases infrastructure in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) setupDatabase(ctx context.Context) (Stores, error) {
	switch a.cfg.DB.Provider {
	case config.DBMemory:
		a.logger.Info("using in-memory store")
		store := memorystorage.NewStore()
		if a.cfg.DB.SeedFile != "" {
			if err := loadSeed(store, a.cfg.DB.SeedFile); err != nil {
				return Stores{}, err
			}
			a.logger.Info("seed loaded", zap.String("path", a.cfg.DB.SeedFile))
		}
		return storesOf(store), nil
	default:
		if a.cfg.DB.AutoMigrate {
			if err := pgstore.Migrate(ctx, a.cfg.DB.DSN, pgstore.MigrateUp, a.logger); err != nil {
				return Stores{}, fmt.Errorf("auto migrate failed: %w", err)
			}
		}
		pool, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return Stores{}, fmt.Errorf("postgres init failed: %w", err)
		}
		store, err := pgstore.NewStore(pool, a.cfg.DB.QueryTimeout)
		if err != nil {
			pool.Close()
			return Stores{}, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
		return storesOf(store), nil
	}
}

type allStores interface {
	portfolio.TargetRegistry
	portfolio.EntityStore
	portfolio.ChangeLog
	portfolio.UsageLedger
	portfolio.NotificationStore
	api.Pinger
}

func storesOf(s allStores) Stores {
	return Stores{Targets: s, Entities: s, Changes: s, Usage: s, Notifications: s, Ready: s}
}

func loadSeed(store *memorystorage.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := store.LoadSeed(f); err != nil {
		return fmt.Errorf("load seed file %s: %w", path, err)
	}
	return nil
}

func (a *App) buildOrchestrator(ctx context.Context, stores Stores) (*scan.Orchestrator, error) {
	clock := system.New()
	ids := uuid.New()
	meter := usage.New(stores.Usage, clock, a.cfg.Scan.Caller, a.logger)

	prober := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Probe.UserAgent,
		RespectRobots: a.cfg.Probe.RespectRobots,
		Timeout:       a.cfg.Probe.Timeout,
	})
	provider, err := a.setupPageProvider(prober)
	if err != nil {
		return nil, err
	}
	fetcher := content.New(provider, meter, textify.New(), sha256.New(), a.logger)
	a.logger.Info("content provider selected", zap.String("provider", provider.Name()))

	chain, err := a.setupExtraction(meter)
	if err != nil {
		return nil, err
	}

	blob, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	pacer, err := pacing.FromConfig(a.cfg.Scan.Pacing.Policy, a.cfg.Scan.Pacing.Delay, a.cfg.Scan.Pacing.RPS, a.cfg.Scan.Pacing.Burst)
	if err != nil {
		return nil, fmt.Errorf("pacing init failed: %w", err)
	}

	orch, err := scan.New(scan.Config{
		DefaultBatchLimit: a.cfg.Scan.DefaultBatchLimit,
		MaxBatchLimit:     a.cfg.Scan.MaxBatchLimit,
		ArchivePrefix:     a.cfg.Storage.Prefix,
		ContentType:       a.cfg.Storage.ContentType,
	}, scan.Dependencies{
		Targets:     stores.Targets,
		Entities:    stores.Entities,
		Changes:     changes.New(stores.Changes, ids, clock, a.logger),
		Fetcher:     fetcher,
		Extractor:   chain,
		Detector:    detector.New(prober, a.logger),
		Pacer:       pacer,
		Notifier:    notify.New(stores.Notifications, ids, clock, a.logger, opts...),
		Blob:        blob,
		Clock:       clock,
		Preflighter: []portfolio.Preflighter{fetcher, chain},
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return orch, nil
}

func (a *App) setupPageProvider(direct *collyfetcher.Fetcher) (portfolio.PageProvider, error) {
	switch a.cfg.Fetch.Provider {
	case config.FetchDirect:
		return direct, nil
	case config.FetchHeadless:
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         a.cfg.Probe.UserAgent,
			NavigationTimeout: a.cfg.Fetch.Headless.NavigationTimeout,
			SettleDelay:       a.cfg.Fetch.Headless.SettleDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.addCloser("headless", func(context.Context) error {
			h.Close()
			return nil
		})
		a.logger.Info("using headless fetcher", zap.Duration("navigation_timeout", a.cfg.Fetch.Headless.NavigationTimeout))
		return h, nil
	default:
		return scrapeapi.New(scrapeapi.Config{
			BaseURL: a.cfg.Fetch.ScrapeAPI.BaseURL,
			APIKey:  a.cfg.Fetch.ScrapeAPI.APIKey,
			Timeout: a.cfg.Fetch.ScrapeAPI.Timeout,
			WaitFor: a.cfg.Fetch.ScrapeAPI.WaitFor,
		}, nil), nil
	}
}

func (a *App) setupExtraction(meter *usage.Logger) (*extract.Chain, error) {
	strategies := make([]extract.Strategy, 0, len(a.cfg.Extract.Providers))
	for _, p := range a.cfg.Extract.Providers {
		s, err := llm.New(llm.Config{
			Name:        p.Name,
			Kind:        llm.Kind(p.Kind),
			Model:       p.Model,
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Region:      p.Region,
			MaxTokens:   a.cfg.Extract.MaxTokens,
			Temperature: a.cfg.Extract.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("extraction provider %q: %w", p.Name, err)
		}
		strategies = append(strategies, s)
		a.logger.Debug("extraction strategy registered",
			zap.String("name", s.Name()),
			zap.String("kind", p.Kind),
			zap.String("model", p.Model),
		)
	}
	return extract.NewChain(strategies, meter, a.cfg.Extract.MaxChars, a.logger), nil
}

func (a *App) setupBlobStore(ctx context.Context) (portfolio.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS snapshot archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot archive", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory snapshot archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("snapshot archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) ([]notify.Option, error) {
	switch a.cfg.Notify.Provider {
	case "pubsub":
		p, err := gcppublisher.Dial(ctx, a.cfg.Notify.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return p.Close() })
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.PubSubProject),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return []notify.Option{notify.WithPublisher(p, a.cfg.Notify.Topic)}, nil
	case "nats":
		p, err := natspublisher.Dial(a.cfg.Notify.NATSURL, a.cfg.Notify.JetStream)
		if err != nil {
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		a.addCloser("nats", func(context.Context) error {
			p.Close()
			return nil
		})
		a.logger.Info("NATS publisher initialized",
			zap.String("subject", a.cfg.Notify.Topic),
			zap.Bool("jetstream", a.cfg.Notify.JetStream),
		)
		return []notify.Option{notify.WithPublisher(p, a.cfg.Notify.Topic)}, nil
	case "memory":
		a.logger.Info("using in-memory publisher", zap.String("topic", a.cfg.Notify.Topic))
		return []notify.Option{notify.WithPublisher(memorypublisher.New(), a.cfg.Notify.Topic)}, nil
	default:
		return nil, nil
	}
}
