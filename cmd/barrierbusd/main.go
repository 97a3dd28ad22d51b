// Command barrierbusd runs the event bus behind its HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/barrierbus/internal/infra/behavior"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
	"github.com/coachpo/barrierbus/internal/infra/config"
	"github.com/coachpo/barrierbus/internal/infra/logging"
	"github.com/coachpo/barrierbus/internal/infra/monitor"
	"github.com/coachpo/barrierbus/internal/infra/persistence"
	"github.com/coachpo/barrierbus/internal/infra/persistence/badgerstore"
	"github.com/coachpo/barrierbus/internal/infra/persistence/migrations"
	"github.com/coachpo/barrierbus/internal/infra/persistence/postgres"
	"github.com/coachpo/barrierbus/internal/infra/ratelimit"
	httpserver "github.com/coachpo/barrierbus/internal/infra/server/http"
	"github.com/coachpo/barrierbus/internal/infra/telemetry"
	"github.com/coachpo/barrierbus/internal/infra/transport/ws"
	libtelemetry "github.com/coachpo/barrierbus/lib/telemetry"
)

const (
	defaultConfigPath         = "config/app.yaml"
	shutdownTimeout           = 30 * time.Second
	busShutdownTimeout        = 5 * time.Second
	hubShutdownTimeout        = 2 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	databaseShutdownTimeout   = 5 * time.Second
	telemetryStartupTimeout   = 10 * time.Second
	migrationsStartupDeadline = time.Minute
)

func main() {
	cfgPath := resolveConfigPath(parseFlags())

	ctx, stop := newSignalContext()
	defer stop()

	appCfg, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	logging.Init(appCfg.Logging.Logging())
	logger := logging.Component("barrierbusd")

	d, err := newDaemon(ctx, cfgPath, appCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build daemon")
	}

	var lifecycle conc.WaitGroup
	if err := d.start(ctx, &lifecycle, stop); err != nil {
		d.shutdown(context.Background(), &lifecycle)
		logger.Fatal().Err(err).Msg("start daemon")
	}
	logger.Info().
		Str("addr", appCfg.APIServer.Addr).
		Str("environment", string(appCfg.Environment)).
		Bool("rate_limit", appCfg.RateLimit.Enabled).
		Bool("monitor", appCfg.Monitor.Enabled).
		Bool("websocket", appCfg.Websocket.Enabled).
		Bool("decision_store", appCfg.Database.Enabled()).
		Bool("decision_log", appCfg.DecisionLog.Enabled && !appCfg.Database.Enabled()).
		Msg("barrierbus started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownStart := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.shutdown(shutdownCtx, &lifecycle)
	logger.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return filepath.Clean(flagValue)
	}
	return filepath.Clean(defaultConfigPath)
}

// daemon owns every long-lived component of the process.
type daemon struct {
	logger zerolog.Logger

	bus         *eventbus.EventBus
	hub         *ws.Hub
	pool        *pgxpool.Pool
	decisionLog *badgerstore.Store
	recorder    *persistence.GuardedRecorder
	server      *http.Server
	store       *config.AppConfigStore
	telemetry   func(context.Context) error

	shutdownTimeout time.Duration
}

func newDaemon(ctx context.Context, cfgPath string, appCfg config.AppConfig, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{logger: logger, shutdownTimeout: appCfg.APIServer.ShutdownTimeout}
	telemetry.SetEnvironment(string(appCfg.Environment))

	if err := d.initTelemetry(ctx, appCfg); err != nil {
		return nil, err
	}

	registry, err := behavior.NewRegistry(appCfg.Behaviors.Rules, behavior.WithLogger(logging.Component("behavior")))
	if err != nil {
		return nil, fmt.Errorf("build behavior registry: %w", err)
	}
	if appCfg.Behaviors.File != "" {
		if err := registry.LoadFile(appCfg.Behaviors.File); err != nil {
			return nil, fmt.Errorf("load behaviors: %w", err)
		}
	}
	store, err := config.NewAppConfigStore(appCfg, registry, func(cfg config.AppConfig) error {
		return config.SaveFile(cfgPath, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("build config store: %w", err)
	}
	d.store = store

	busOpts := []eventbus.Option{
		eventbus.WithBehaviorRegistry(registry),
		eventbus.WithLogger(logging.Component("eventbus")),
	}
	apiOpts := []httpserver.Option{
		httpserver.WithBehaviors(store),
		httpserver.WithEnvironment(string(appCfg.Environment)),
		httpserver.WithLogger(logging.Component("http")),
		httpserver.WithRequestLimit(appCfg.APIServer.RequestLimit, appCfg.APIServer.RequestWindow),
	}

	if appCfg.RateLimit.Enabled {
		limiter := ratelimit.New(appCfg.RateLimit.Config, ratelimit.WithLogger(logging.Component("ratelimit")))
		busOpts = append(busOpts, eventbus.WithRateLimiter(limiter))
	}
	if appCfg.Monitor.Enabled {
		mon := monitor.New(appCfg.Monitor.Config, monitor.WithLogger(logging.Component("monitor")))
		busOpts = append(busOpts, eventbus.WithMonitor(mon))
		apiOpts = append(apiOpts, httpserver.WithPerformance(mon))
	}
	if appCfg.Websocket.Enabled {
		d.hub = ws.NewHub(appCfg.Websocket.Config, ws.WithLogger(logging.Component("ws")))
		busOpts = append(busOpts, eventbus.WithTransport(d.hub))
		apiOpts = append(apiOpts, httpserver.WithSocket(d.hub))
	}
	decisions, err := d.openDecisions(ctx, appCfg)
	if err != nil {
		_ = d.closeDatabase()
		return nil, err
	}
	if decisions != nil {
		d.recorder = persistence.NewGuardedRecorder("decisions", decisions, appCfg.Database.Breaker,
			persistence.WithGuardLogger(logging.Component("decisions")))
		busOpts = append(busOpts, eventbus.WithDecisionRecorder(d.recorder))
		apiOpts = append(apiOpts, httpserver.WithDecisions(decisions))
	}

	d.bus = eventbus.New(appCfg.Eventbus.Bus(), busOpts...)
	if d.hub != nil {
		d.hub.SetResponder(d.bus)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		telemetry.NewBusCollector(d.bus),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	apiOpts = append(apiOpts, httpserver.WithPrometheus(promRegistry))

	d.server = &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(d.bus, apiOpts...),
		ReadHeaderTimeout: appCfg.APIServer.ReadHeaderTimeout,
	}
	return d, nil
}

func (d *daemon) initTelemetry(ctx context.Context, appCfg config.AppConfig) error {
	initCtx, cancel := context.WithTimeout(ctx, telemetryStartupTimeout)
	defer cancel()
	cfg := appCfg.Telemetry.Telemetry(appCfg.Environment)
	_, shutdown, err := libtelemetry.Init(initCtx, cfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	d.telemetry = shutdown
	if cfg.Endpoint != "" {
		d.logger.Info().Str("endpoint", cfg.Endpoint).Str("service", cfg.ServiceName).Msg("telemetry initialized")
	} else {
		d.logger.Info().Msg("telemetry disabled")
	}
	return nil
}

// decisionStore records and serves settled barrier decisions.
type decisionStore interface {
	persistence.Recorder
	httpserver.DecisionReader
}

// openDecisions prefers PostgreSQL and falls back to the embedded log. It
// returns nil when neither is configured.
func (d *daemon) openDecisions(ctx context.Context, appCfg config.AppConfig) (decisionStore, error) {
	switch {
	case appCfg.Database.Enabled():
		if appCfg.DecisionLog.Enabled {
			d.logger.Warn().Msg("database dsn set; embedded decision log ignored")
		}
		return d.openDecisionStore(ctx, appCfg.Database)
	case appCfg.DecisionLog.Enabled:
		store, err := badgerstore.Open(appCfg.DecisionLog.Store())
		if err != nil {
			return nil, err
		}
		d.decisionLog = store
		d.logger.Info().Str("dir", appCfg.DecisionLog.Dir).Msg("embedded decision log opened")
		return store, nil
	default:
		return nil, nil
	}
}

func (d *daemon) openDecisionStore(ctx context.Context, cfg config.DatabaseConfig) (*postgres.DecisionStore, error) {
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, migrationsStartupDeadline)
		err := migrations.Apply(migrateCtx, cfg.DSN, logging.Component("migrate"))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg.Pool())
	if err != nil {
		return nil, fmt.Errorf("connect decision store: %w", err)
	}
	d.pool = pool
	if err := postgres.ObservePoolMetrics(pool, ""); err != nil {
		d.logger.Warn().Err(err).Msg("pool metrics unavailable")
	}
	return postgres.NewDecisionStore(pool), nil
}

// start opens the bus and serves the API. A listener failure calls abort.
func (d *daemon) start(ctx context.Context, lifecycle *conc.WaitGroup, abort context.CancelFunc) error {
	if err := d.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	server := d.server
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Str("addr", server.Addr).Msg("control server")
			if abort != nil {
				abort()
			}
		}
	})
	return nil
}

// shutdown stops components in order: HTTP, bus, hub, lifecycle goroutines,
// database, telemetry. Each step is bounded by its own timeout.
func (d *daemon) shutdown(ctx context.Context, lifecycle *conc.WaitGroup) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		d.logger.Info().Str("step", name).Msg("shutdown step")
		if err := fn(stepCtx); err != nil {
			d.logger.Warn().Err(err).Str("step", name).Msg("shutdown step failed")
		}
	}

	if d.server != nil {
		step("control server", d.serverShutdownTimeout(), d.server.Shutdown)
	}
	if d.bus != nil {
		step("event bus", busShutdownTimeout, d.bus.Stop)
	}
	if d.hub != nil {
		step("socket hub", hubShutdownTimeout, func(context.Context) error {
			return d.hub.Close()
		})
	}
	if lifecycle != nil {
		step("lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}
	if d.pool != nil || d.decisionLog != nil {
		step("decision store", databaseShutdownTimeout, func(context.Context) error {
			return d.closeDatabase()
		})
	}
	if d.telemetry != nil {
		step("telemetry", telemetryShutdownTimeout, d.telemetry)
	}
}

func (d *daemon) serverShutdownTimeout() time.Duration {
	if d.shutdownTimeout > 0 {
		return d.shutdownTimeout
	}
	return busShutdownTimeout
}

func (d *daemon) closeDatabase() error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	if d.decisionLog != nil {
		err := d.decisionLog.Close()
		d.decisionLog = nil
		return err
	}
	return nil
}
