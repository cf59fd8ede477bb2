// Package app is the composition root: it turns Config into a running
// gateway and owns the lifecycle of its background tasks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/llmrelay/relay/internal/apikey"
	"github.com/llmrelay/relay/internal/audit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/forward"
	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/httpapi"
	"github.com/llmrelay/relay/internal/logging"
	"github.com/llmrelay/relay/internal/metrics"
	"github.com/llmrelay/relay/internal/pricing"
	"github.com/llmrelay/relay/internal/providers"
	"github.com/llmrelay/relay/internal/ratelimit"
	"github.com/llmrelay/relay/internal/spend"
	"github.com/llmrelay/relay/internal/store"
	"github.com/llmrelay/relay/internal/tracing"
	"github.com/llmrelay/relay/internal/upstream"
	"github.com/llmrelay/relay/internal/vault"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store     *store.Store
	providers *providers.Registry
	health    *health.Tracker
	spend     spend.Counter
	redis     *spend.Redis
	metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	stopWatch     context.CancelFunc
	shutdownTrace func(context.Context) error
}

// NewServer opens the store, builds every component and starts the health
// tracker and the provider-file watcher. Close releases them.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	v, err := OpenVault(cfg)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("driver", db.Driver()))

	s := &Server{cfg: cfg, store: db, logger: logger, spend: spend.Noop{}}
	if err := s.build(ctx, v); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, v *vault.Vault) error {
	cfg, logger := s.cfg, s.logger

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return err
	}
	s.shutdownTrace = shutdown

	s.providers, err = providers.NewRegistry(cfg.ProvidersFile, logger)
	if err != nil {
		return err
	}

	s.metrics = metrics.New()
	bus := events.NewBus()

	hcfg := health.DefaultConfig()
	hcfg.FlushDelay = cfg.HealthFlushDelay
	hcfg.Retention = cfg.HealthRetention
	hcfg.PruneSchedule = cfg.HealthPruneSchedule
	s.health = health.NewTracker(hcfg,
		health.WithSink(s.store),
		health.WithLogger(logger),
		health.WithEventBus(bus),
		health.WithOnUpdate(func(provider string, st health.State) {
			s.metrics.SetHealth(provider, healthGauge(st))
		}),
	)
	s.metrics.RegisterDropped(func() float64 { return float64(s.health.Dropped()) })
	if err := s.health.Start(ctx); err != nil {
		return fmt.Errorf("start health tracker: %w", err)
	}

	if cfg.RedisAddr != "" {
		s.redis, err = spend.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		s.spend = s.redis
		logger.Info("spend counters enabled", slog.String("redis", cfg.RedisAddr))
	}

	auth := apikey.NewManager(s.store, logger)
	auditLog := audit.New(s.store, audit.WithLogger(logger))
	engine := forward.New(forward.Deps{
		Providers: s.providers,
		Keys:      upstream.NewResolver(s.store, v, logger),
		Models:    s.store,
		Pricer:    pricing.NewEngine(s.store),
		Audit:     auditLog,
		Health:    s.health,
		Spend:     s.spend,
		Metrics:   s.metrics,
		Events:    bus,
		Estimator: providers.NewEstimator(cfg.TokenEstimator),
		Logger:    logger,
	}, forward.Config{
		DefaultTimeout:  cfg.DefaultTimeout,
		MaxRequestBytes: cfg.MaxRequestBytes,
		MaxStreamBytes:  cfg.MaxStreamBytes,
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{forward.HeaderRequestID, forward.HeaderProvider, forward.HeaderModel, forward.HeaderLatencyMs, forward.HeaderCostCents},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var rateLimit func(http.Handler) http.Handler
	if cfg.RateLimitRPS > 0 {
		s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst,
			ratelimit.WithCounter(s.metrics.RateLimited),
			ratelimit.WithRequestID(func(r *http.Request) string { return middleware.GetReqID(r.Context()) }),
		)
		rateLimit = s.limiter.Middleware
		logger.Info("rate limiting enabled", slog.Float64("rps", cfg.RateLimitRPS), slog.Int("burst", cfg.RateLimitBurst))
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Forward:    engine,
		Auth:       auth,
		Providers:  s.providers,
		Health:     s.health,
		Audit:      auditLog,
		Spend:      s.spend,
		Metrics:    s.metrics,
		EventBus:   bus,
		Store:      s.store,
		RateLimit:  rateLimit,
		AdminToken: httpapi.NewAdminToken(cfg.AdminToken),
		Logger:     logger,
	})
	s.r = r

	watchCtx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	go func() {
		if err := s.providers.Watch(watchCtx); err != nil {
			logger.Warn("provider file watch stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// OpenVault builds the secret vault from the configured key or passphrase.
func OpenVault(cfg Config) (*vault.Vault, error) {
	if cfg.EncryptionKey != "" {
		return vault.FromBase64(cfg.EncryptionKey)
	}
	return vault.FromPassphrase(cfg.EncryptionPassphrase, cfg.EncryptionSalt)
}

func healthGauge(st health.State) int {
	switch st {
	case health.StateDegraded:
		return metrics.HealthDegraded
	case health.StateUnhealthy:
		return metrics.HealthUnhealthy
	}
	return metrics.HealthHealthy
}

func (s *Server) Router() http.Handler { return s.r }

// Reload re-reads the provider capability file and the log level.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	if err := s.providers.Reload(); err != nil {
		s.logger.Warn("provider table reload failed, keeping current table", slog.String("error", err.Error()))
	}
}

// Close stops background work, flushes health samples and closes the store.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.health != nil {
		if err := s.health.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop health tracker: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
