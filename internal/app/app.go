// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	stdsync "sync"

	"github.com/tildaslashalef/venuesync/internal/auth"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/conflict"
	"github.com/tildaslashalef/venuesync/internal/connectivity"
	"github.com/tildaslashalef/venuesync/internal/database"
	"github.com/tildaslashalef/venuesync/internal/interaction"
	"github.com/tildaslashalef/venuesync/internal/kvstore"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/notify"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/realtime"
	"github.com/tildaslashalef/venuesync/internal/remote"
	"github.com/tildaslashalef/venuesync/internal/remote/couch"
	"github.com/tildaslashalef/venuesync/internal/remote/memstore"
	"github.com/tildaslashalef/venuesync/internal/remote/wsgateway"
	"github.com/tildaslashalef/venuesync/internal/sync"
	"github.com/urfave/cli/v2"
)

// App represents the application instance with its dependencies
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Queue       *queue.Queue
	Applier     *optimistic.Applier
	Monitor     *connectivity.Monitor
	Prober      *connectivity.Prober
	Store       remote.Store
	Session     auth.Session
	Journal     *sync.SQLJournal
	Engine      *sync.Engine
	Router      *realtime.Router
	Interaction *interaction.Service

	dispatcher *notify.Dispatcher
	closers    []func() error
	cancel     context.CancelFunc
	wg         stdsync.WaitGroup
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
		"remote", cfg.Remote.Driver,
		"realtime", cfg.Realtime.Transport,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := database.RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	app, err := initServices(context.Background(), cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires every component on top of an open database
func initServices(ctx context.Context, cfg *config.Config, db *sql.DB) (*App, error) {
	logger := loggy.GetGlobalLogger()
	app := &App{Config: cfg, DB: db}

	q, err := queue.Open(ctx, kvstore.NewSQLStore(db, logger), logger, queue.WithFailedCap(cfg.Sync.FailedCap))
	if err != nil {
		return nil, fmt.Errorf("failed to load action queue: %w", err)
	}
	app.Queue = q

	// pending actions survive restarts, so their effect is shown again
	pending, err := q.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	app.Applier = optimistic.NewApplier(logger)
	app.Applier.Rebuild(pending)

	app.Session, err = initSession(cfg, logger)
	if err != nil {
		return nil, err
	}

	app.Store, err = app.initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opener, err := initOpener(cfg, app.Store, app.Session, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	app.Monitor = connectivity.NewMonitor(true, cfg.Connectivity.Debounce, logger)
	if cfg.Connectivity.ProbeURL != "" {
		app.Prober = connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval,
			cfg.Connectivity.ProbeTimeout, app.Monitor, logger)
	}

	notifier, err := app.initNotifier(ctx, cfg)
	if err != nil {
		// notifications are best effort
		loggy.Warn("Notifications disabled", "error", err)
		notifier = notify.Noop{}
	}
	app.dispatcher = notify.NewDispatcher(notifier, cfg.Remote.Timeout, logger)

	app.Journal = sync.NewSQLJournal(db, logger)
	app.Engine = sync.NewEngine(sync.Deps{
		Queue:    q,
		Store:    app.Store,
		Applier:  app.Applier,
		Resolver: conflict.NewResolver(logger),
		Monitor:  app.Monitor,
		Session:  app.Session,
	}, cfg.Sync, logger,
		sync.WithJournal(app.Journal),
		sync.WithDispatcher(app.dispatcher),
		sync.WithCallTimeout(cfg.Remote.Timeout),
	)

	app.Router = realtime.NewRouter(opener, app.Applier, realtime.NewStoreLoader(app.Store, app.Session),
		app.Session, cfg.Realtime, logger)

	app.Interaction = interaction.NewService(q, app.Applier, app.Session, app.Engine, logger)
	return app, nil
}

// initSession uses the configured access token when there is one
func initSession(cfg *config.Config, logger *loggy.Logger) (auth.Session, error) {
	if cfg.Auth.AccessToken == "" {
		return auth.NewStatic(cfg.Auth.ActorID), nil
	}

	session, err := auth.NewTokenSession(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return session, nil
}

func (app *App) initStore(ctx context.Context, cfg *config.Config, logger *loggy.Logger) (remote.Store, error) {
	switch cfg.Remote.Driver {
	case "memory":
		return memstore.New(), nil
	case "couch":
		store, err := couch.New(ctx, cfg.Remote, cfg.Realtime.Buffer, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to remote store: %w", err)
		}
		app.closers = append(app.closers, store.Close)
		return store, nil
	}
	return nil, fmt.Errorf("unknown remote driver: %s", cfg.Remote.Driver)
}

// initOpener picks the push-change transport. The couch transport uses the
// channels of the remote store itself.
func initOpener(cfg *config.Config, store remote.Store, session auth.Session, logger *loggy.Logger) (remote.ChannelOpener, error) {
	if cfg.Realtime.Transport != "websocket" {
		return store, nil
	}

	tokens, ok := session.(wsgateway.TokenSource)
	if !ok {
		return nil, fmt.Errorf("the websocket transport requires an access token")
	}
	return wsgateway.NewOpener(cfg.Realtime, tokens, logger), nil
}

func (app *App) initNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	if !cfg.Notify.Enabled {
		return notify.Noop{}, nil
	}

	notifier, err := notify.NewRedisNotifier(ctx, cfg.Notify)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, notifier.Close)
	return notifier, nil
}

// Start runs the background sync loop and the connectivity prober until
// Shutdown.
func (app *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if app.Prober != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.Prober.Run(ctx)
		}()
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.Engine.Run(ctx); err != nil {
			loggy.Error("Sync loop stopped", "error", err)
		}
	}()
}

// CheckConnectivity probes the health endpoint once, when one is configured.
// The monitor settles on the result after its debounce window.
func (app *App) CheckConnectivity(ctx context.Context) bool {
	if app.Prober == nil {
		return app.Monitor.IsOnline()
	}
	if err := app.Prober.Probe(ctx); err != nil {
		loggy.Debug("Connectivity probe failed", "error", err)
		app.Monitor.Set(false)
		return false
	}
	app.Monitor.Set(true)
	return true
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()

	app.Router.Close()
	app.dispatcher.Wait()
	app.close()

	if err := app.DB.Close(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

func (app *App) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			loggy.Error("Error closing resource", "error", err)
		}
	}
	app.closers = nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
