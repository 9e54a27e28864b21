/*
Package app wires the settlement engine together.

PURPOSE:
  Builds every component from a config.Config: rails, stores, ledger,
  events, run lock, executor, engine, resolver, scheduler and HTTP router.
  cmd/server only parses flags, calls New, Start and Close.

WIRING:
  - Rails:    catalog file (rails_file) or the built-in sandbox table; every
              adapter shares one sandbox Network
  - Store:    sqlite (settlements, reports, discrepancies, audit log)
  - Ledger:   sqlite transfers table, or postgres when ledger.driver is
              "postgres"
  - Events:   NATS when nats.url is set, otherwise structured logs
  - Run lock: Redis when redis.addr is set, otherwise in-process

RELOAD:
  ReloadRails rebuilds the registry from the catalog file and swaps it in.
  Requests in flight keep the registry they loaded.

SEE ALSO:
  - cmd/server/main.go: Process lifecycle
  - config/config.go: Settings
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/postgres"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/rail/sandbox"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/routing"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

// App is the assembled engine.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Network   *sandbox.Network
	Registry  *rail.RegistryHolder
	Health    *rail.HealthBoard
	Monitor   *rail.HealthMonitor
	Store     *sqlite.Store
	Ledger    ledger.Ledger
	Events    events.Publisher
	Executor  *settlement.Executor
	Engine    *reconcile.Engine
	Resolver  *discrepancy.Resolver
	Scheduler *api.ReconciliationScheduler
	Handler   *api.Handler
	Router    http.Handler

	closers []func() error
}

// New builds the engine. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Network: sandbox.NewNetwork()}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	// Rails
	registry, err := a.buildRegistry()
	if err != nil {
		return nil, err
	}
	a.Registry = rail.NewRegistryHolder(registry)
	a.Health = rail.NewHealthBoard()
	a.Monitor = rail.NewHealthMonitor(a.Registry, a.Health)
	a.Monitor.Interval = cfg.Health.Interval
	a.Monitor.Timeout = cfg.Health.Timeout
	a.Monitor.Logger = logger

	// Storage
	a.Store, err = sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Ledger, err = a.openLedger(ctx); err != nil {
		return nil, err
	}

	// Events and run lock
	if a.Events, err = a.openEvents(); err != nil {
		return nil, err
	}
	lock, err := a.openLock(ctx)
	if err != nil {
		return nil, err
	}

	// Domain
	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}
	rcfg, err := cfg.Reconcile()
	if err != nil {
		return nil, err
	}

	a.Executor = settlement.NewExecutor(a.Registry, a.Store, a.Ledger,
		settlement.WithConfig(cfg.Executor.Settlement()),
		settlement.WithEvents(a.Events),
		settlement.WithLogger(logger),
	)
	a.Resolver = discrepancy.NewResolver(a.Store, a.Events, logger)
	a.Engine = reconcile.NewEngine(reconcile.Deps{
		Registry:   a.Registry,
		Ledger:     a.Ledger,
		Store:      a.Store,
		Classifier: classifier,
		Resolver:   a.Resolver,
		Lock:       lock,
		Events:     a.Events,
		Logger:     logger,
	}, rcfg)

	sweeper := reconcile.NewSweeper(a.Engine, cfg.Reconciliation.Workers, logger)
	a.Scheduler = api.NewReconciliationScheduler(sweeper, a.Executor, a.Registry, cfg.Reconciliation.Tenants)
	a.Scheduler.CheckInterval = cfg.Reconciliation.Interval
	a.Scheduler.Lookback = cfg.Reconciliation.Lookback
	a.Scheduler.Logger = logger

	// HTTP
	a.Handler = api.NewHandler(api.Deps{
		Registry:   a.Registry,
		Health:     a.Health,
		Router:     routing.NewRouter(a.Registry, a.Health),
		Executor:   a.Executor,
		Engine:     a.Engine,
		Resolver:   a.Resolver,
		Store:      a.Store,
		Logger:     logger,
		Sandbox:    a.Network,
		Ledger:     a.Ledger,
		Production: cfg.Server.IsProduction(),
	})
	a.Router = api.NewRouter(a.Handler, api.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
	})
	built = true
	return a, nil
}

// Start launches the health monitor and the reconciliation scheduler.
func (a *App) Start() {
	a.Monitor.Start()
	a.Scheduler.Start()
}

// Close stops background work and releases connections, newest first.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ReloadRails rebuilds the registry from the catalog and swaps it in.
func (a *App) ReloadRails() error {
	registry, err := a.buildRegistry()
	if err != nil {
		return err
	}
	old := a.Registry.Swap(registry)
	a.Logger.Info("[App] rail registry reloaded", "rails", registry.IDs(), "previous", old.Len())
	return nil
}

// =============================================================================
// COMPONENTS
// =============================================================================

func (a *App) buildRegistry() (*rail.Registry, error) {
	caps := sandbox.DefaultCapabilities()
	if path := a.Config.RailsFile; path != "" {
		catalog, err := rail.LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		if caps, err = catalog.CapabilityMap(); err != nil {
			return nil, err
		}
	}
	return sandbox.NewRegistry(a.Network, caps)
}

func (a *App) openLedger(ctx context.Context) (ledger.Ledger, error) {
	if a.Config.Ledger.Driver != "postgres" {
		return a.Store, nil
	}
	pg, err := postgres.Open(ctx, a.Config.Ledger.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	a.Logger.Info("[App] using postgres ledger")
	return pg, nil
}

func (a *App) openEvents() (events.Publisher, error) {
	if a.Config.NATS.URL == "" {
		return events.NewLogPublisher(a.Logger), nil
	}
	pub, err := events.NewNATSPublisher(events.NATSConfig{
		URL:           a.Config.NATS.URL,
		Name:          "settlement-engine",
		SubjectPrefix: a.Config.NATS.SubjectPrefix,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

func (a *App) openLock(ctx context.Context) (reconcile.RunLock, error) {
	if a.Config.Redis.Addr == "" {
		return reconcile.NewLocalLock(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return reconcile.NewRedisLock(client, 0), nil
}
