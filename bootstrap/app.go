package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"warden/api"
	"warden/config"
	"warden/core"
	"warden/escalation"
	"warden/ingest"
	"warden/notify"
	"warden/soar"
	"warden/util/goroutine"
)

const (
	maintenanceInterval = time.Minute
	shutdownTimeout     = 15 * time.Second
	redisPingTimeout    = 2 * time.Second
)

// Options are the inputs NewApp takes from the command line
type Options struct {
	ConfigPath string
	Version    string
}

// App owns every long-lived component of the engine.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage    *StorageComponents
	NATS       *nats.Conn
	Redis      *core.RedisCache
	Tracer     *sdktrace.TracerProvider
	Dispatcher *notify.Dispatcher
	Engine     *ingest.Engine
	Subscriber *ingest.Subscriber
	APIServer  *api.API

	cancel    context.CancelFunc
	serviceWg *sync.WaitGroup
}

// NewApp loads configuration and builds the engine with its stores and
// transports. Partially built components are released on error.
func NewApp(ctx context.Context, opts Options) (_ *App, err error) {
	cfg, err := InitConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
	}
	defer func() {
		if err != nil {
			app.Shutdown()
		}
	}()

	sugar.Infow("Warden starting", "version", opts.Version)
	logConfigSummary(cfg, sugar)

	if err := EnsureDataDirectory(cfg.Storage.SQLitePath, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	if app.Tracer, err = InitTracing(ctx, cfg, sugar); err != nil {
		return nil, err
	}

	if app.Storage, err = InitStorage(ctx, cfg, sugar); err != nil {
		return nil, err
	}
	if first, err := app.Storage.SQLite.RecordStart(ctx, time.Now(), opts.Version); err != nil {
		sugar.Warnw("Failed to record start", "error", err)
	} else if first {
		sugar.Info("First start against this database")
	}

	if cfg.NATS.Enabled {
		if app.NATS, err = InitNATS(cfg.NATS, sugar); err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
	}

	deps, err := app.engineDependencies(ctx)
	if err != nil {
		return nil, err
	}
	if app.Engine, err = ingest.NewEngine(cfg, deps, sugar); err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	blocks, err := app.Storage.SQLite.LoadBlockedEntities(ctx, time.Now())
	if err != nil {
		sugar.Warnw("Failed to load persisted blocks", "error", err)
	} else {
		sugar.Infow("Block list restored", "active", app.Engine.RestoreBlocks(blocks))
	}

	return app, nil
}

// engineDependencies picks the concrete collaborator for each engine interface
func (a *App) engineDependencies(ctx context.Context) (ingest.Dependencies, error) {
	sqlite := a.Storage.SQLite
	deps := ingest.Dependencies{
		Identity:   sqlite,
		Reputation: sqlite,
		Logins:     sqlite,
		Recorder:   sqlite,
		Sink:       a.Storage.Sink,
	}

	if a.Config.Redis.Enabled {
		a.Redis = core.NewRedisCache(a.Config.Redis.RedisConfig, a.Sugar)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := a.Redis.Ping(pingCtx); err != nil {
			a.Sugar.Warnw("Redis unreachable; identity lookups fall through to SQLite until it recovers",
				"addr", a.Config.Redis.Addr, "error", err)
		}
		cancel()
		deps.Identity = core.NewCachedIdentityStore(sqlite, a.Redis, a.Config.Redis.TTL, a.Sugar)
	}

	// A nil *nats.Conn must not reach the interface parameters
	var publisher notify.Publisher
	if a.NATS != nil {
		publisher = a.NATS
	}
	transports, err := notify.BuildTransports(a.Config.Notify.Channels, publisher, a.Sugar)
	if err != nil {
		return deps, err
	}
	if a.Dispatcher, err = notify.NewDispatcher(a.Config.Notify, transports, a.Sugar); err != nil {
		return deps, err
	}
	deps.Notifier = a.Dispatcher

	if a.NATS != nil && a.Config.Actions.RateLimit.SignalSubject != "" {
		deps.Signals = soar.NewNATSSignalPublisher(a.NATS, a.Config.Actions.RateLimit.SignalSubject)
	}

	if a.Config.Escalation.Enabled {
		if a.NATS == nil {
			a.Sugar.Warn("Escalation enabled but NATS is disabled; every escalation will be declined")
		} else {
			deps.Escalation = escalation.NewNATSService(a.NATS, a.Config.Escalation.Subject)
		}
	}
	return deps, nil
}

// Start launches the background services: maintenance, the NATS subscriber and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.serviceWg.Add(1)
	goroutine.Go("maintenance", a.Sugar, func() {
		defer a.serviceWg.Done()
		a.Engine.RunMaintenance(ctx, maintenanceInterval)
	})

	if a.NATS != nil {
		a.Subscriber = ingest.NewSubscriber(a.NATS, a.Engine, ingest.SubscriberConfig{
			Subject:    a.Config.NATS.EventsSubject,
			QueueGroup: a.Config.NATS.QueueGroup,
		}, a.Sugar)
		if err := a.Subscriber.Start(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", a.Config.NATS.EventsSubject, err)
		}
	}

	if a.Config.Server.Enabled {
		checks := map[string]api.HealthChecker{"sqlite": a.Storage.SQLite}
		if a.Redis != nil {
			checks["redis"] = redisHealth{a.Redis}
		}
		if a.NATS != nil {
			checks["nats"] = natsHealth{a.NATS}
		}
		a.APIServer = api.NewAPI(a.Engine, checks, a.Config, a.Sugar)

		a.serviceWg.Add(1)
		goroutine.Go("api", a.Sugar, func() {
			defer a.serviceWg.Done()
			if err := a.APIServer.Start(); err != nil {
				a.Sugar.Errorw("API server error", "error", err)
			}
		})
	}

	a.Sugar.Info("Warden started")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops intake first, then drains queues, then closes stores and connections.
// It is safe to call on a partially built App.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Sugar.Info("Phase 1: Stopping intake...")
	if a.APIServer != nil {
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}
	if a.Subscriber != nil {
		if err := a.Subscriber.Stop(ctx); err != nil {
			a.Sugar.Errorw("NATS subscriber did not drain", "error", err)
		}
	}

	a.Sugar.Info("Phase 2: Stopping background services...")
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 3: Draining notification and persistence queues...")
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			a.Sugar.Errorw("Notification queues did not drain", "error", err)
		}
	}
	if a.Storage != nil {
		a.Storage.Close(ctx, a.Sugar)
	}

	a.Sugar.Info("Phase 4: Closing connections...")
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis", "error", err)
		}
	}
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			a.Sugar.Errorw("Failed to drain NATS", "error", err)
		}
	}
	if a.Tracer != nil {
		if err := a.Tracer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to flush traces", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

type redisHealth struct{ cache *core.RedisCache }

func (h redisHealth) HealthCheck(ctx context.Context) error { return h.cache.Ping(ctx) }

type natsHealth struct{ nc *nats.Conn }

func (h natsHealth) HealthCheck(context.Context) error {
	if h.nc.IsConnected() {
		return nil
	}
	return fmt.Errorf("nats status %s", h.nc.Status())
}
