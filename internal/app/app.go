// Package app initializes and holds the long-lived services of the dispatch
// process and supervises their run loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/api"
	"github.com/studypulse/crawldispatch/internal/bus"
	"github.com/studypulse/crawldispatch/internal/cache"
	"github.com/studypulse/crawldispatch/internal/config"
	"github.com/studypulse/crawldispatch/internal/directory"
	"github.com/studypulse/crawldispatch/internal/dispatch"
	"github.com/studypulse/crawldispatch/internal/fanout"
	"github.com/studypulse/crawldispatch/internal/gateway"
	"github.com/studypulse/crawldispatch/internal/health"
	"github.com/studypulse/crawldispatch/internal/metrics"
	"github.com/studypulse/crawldispatch/internal/outbox"
	"github.com/studypulse/crawldispatch/internal/policy"
	"github.com/studypulse/crawldispatch/internal/scheduler"
	"github.com/studypulse/crawldispatch/internal/storage/postgres"
)

// busClient joins the publish surface with the Close every backend carries.
type busClient interface {
	dispatch.BusClient
	Close() error
}

// App owns every service of the dispatch process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	bus       busClient
	cacheConn io.Closer

	scheduler *scheduler.Scheduler
	publisher *outbox.Publisher
	directory *directory.Directory
	sampler   *health.Sampler
	hub       *fanout.Hub
	server    *http.Server
}

// New builds the full service graph. It fails fast when any downstream
// dependency cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	clock := dispatch.SystemClock{}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	jobStore := postgres.NewJobStore(pool)
	agentStore := postgres.NewAgentStore(pool)
	policyStore := postgres.NewPolicyStore(pool)
	outboxStore := postgres.NewOutboxStore(pool)

	busCli, err := newBusClient(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var (
		cacheImpl dispatch.Cache
		cacheConn io.Closer
	)
	if cfg.Cache.Enabled {
		redisCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			pool.Close()
			_ = busCli.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		cacheImpl = redisCache
		cacheConn = redisCache
	} else {
		cacheImpl = cache.NewMemoryCache()
	}

	hub := fanout.NewHub(0, logger.Named("fanout"))
	fan := fanout.New(hub, cacheImpl, clock, logger.Named("fanout"))
	policies := policy.NewEngine(policyStore, logger.Named("policy"))

	transport := gateway.NewHTTPTransport(nil)
	endpoints := make(map[string][]string, len(cfg.Endpoints))
	relays := make(map[string]string, len(cfg.Endpoints))
	for crawlerType, ep := range cfg.Endpoints {
		endpoints[crawlerType] = ep.Endpoints
		if ep.Relay != "" {
			relays[crawlerType] = ep.Relay
		}
	}
	gw := gateway.New(
		gateway.NewEndpointPool(endpoints, relays),
		transport,
		gateway.NewRetryPolicy(),
		clock,
		gateway.Config{
			AttemptTimeout: time.Duration(cfg.Gateway.AttemptTimeoutSeconds) * time.Second,
			Breaker: gateway.BreakerConfig{
				Window:        time.Duration(cfg.Gateway.BreakerWindowSeconds) * time.Second,
				FailureRatio:  cfg.Gateway.BreakerFailureRatio,
				MinThroughput: cfg.Gateway.BreakerMinThroughput,
				Cooldown:      time.Duration(cfg.Gateway.BreakerCooldownSeconds) * time.Second,
			},
		},
		logger.Named("gateway"),
	)

	dir := directory.New(agentStore, transport, clock, directory.Config{
		FailureThreshold: cfg.Directory.FailureThreshold,
		CheckInterval:    time.Duration(cfg.Directory.CheckIntervalSeconds) * time.Second,
		CheckTimeout:     time.Duration(cfg.Directory.CheckTimeoutSeconds) * time.Second,
	}, logger.Named("directory"))

	sched := scheduler.New(jobStore, dir, gw, policies, fan, clock, scheduler.Config{
		PassInterval:      cfg.PassInterval(),
		BatchSize:         cfg.Scheduler.BatchSize,
		HighBandCap:       cfg.Scheduler.HighBandCap,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		RetryBaseDelay:    time.Duration(cfg.Scheduler.RetryBaseDelaySecond) * time.Second,
		RetryMaxDelay:     time.Duration(cfg.Scheduler.RetryMaxDelayMinutes) * time.Minute,
	}, logger.Named("scheduler"))

	pub := outbox.NewPublisher(outboxStore, busCli, clock, outbox.Config{
		Topic:       cfg.Bus.Topic,
		Interval:    time.Duration(cfg.Outbox.IntervalSeconds) * time.Second,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxRetries:  cfg.Outbox.MaxRetries,
		BaseBackoff: time.Duration(cfg.Outbox.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Outbox.MaxBackoffMinutes) * time.Minute,
	}, logger.Named("outbox"))

	sampler := health.NewSampler(jobStore, agentStore, clock, health.Config{
		Interval:         time.Duration(cfg.Health.IntervalMinutes) * time.Minute,
		Window:           time.Duration(cfg.Health.WindowHours) * time.Hour,
		SnapshotTTL:      time.Duration(cfg.Health.SnapshotTTLSeconds) * time.Second,
		SuccessRateFloor: cfg.Health.SuccessRateFloor,
		MinSampleSize:    cfg.Health.MinSampleSize,
	}, logger.Named("health"))

	apiServer := api.NewServer(sched, jobStore, agentStore, hub, sampler, clock, logger.Named("api"), cfg)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		bus:       busCli,
		cacheConn: cacheConn,
		scheduler: sched,
		publisher: pub,
		directory: dir,
		sampler:   sampler,
		hub:       hub,
		server:    srv,
	}, nil
}

func newBusClient(ctx context.Context, cfg config.Config, logger *zap.Logger) (busClient, error) {
	switch cfg.Bus.Backend {
	case "pubsub":
		cli, err := bus.NewPubSubClient(ctx, cfg.Bus.ProjectID, cfg.Bus.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		return cli, nil
	case "nats":
		cli, err := bus.NewNATSClient(cfg.Bus.NatsURL, logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("init nats: %w", err)
		}
		return cli, nil
	case "memory":
		return bus.NewMemoryClient(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

// Run starts every loop and blocks until the context finishes, then shuts
// everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []struct {
		name string
		run  func(context.Context)
	}{
		{"scheduler", a.scheduler.Run},
		{"outbox publisher", a.publisher.Run},
		{"agent health checks", a.directory.RunHealthChecks},
		{"health sampler", a.sampler.Run},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("loop started", zap.String("loop", loop.name))
			loop.run(runCtx)
			a.logger.Info("loop stopped", zap.String("loop", loop.name))
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	a.logger.Info("shutdown initiated")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	// Final outbox pass so events committed during shutdown are not stuck
	// until the next boot.
	a.publisher.Drain(shutdownCtx)

	a.close()
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *App) close() {
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("close bus failed", zap.Error(err))
	}
	if a.cacheConn != nil {
		if err := a.cacheConn.Close(); err != nil {
			a.logger.Warn("close cache failed", zap.Error(err))
		}
	}
	a.pool.Close()
}
