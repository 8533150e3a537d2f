package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gopayhook/internal/config"
	gateway "github.com/mihaimyh/gopayhook/pkg/gateway/stripe"
	"github.com/mihaimyh/gopayhook/pkg/notify/email"
	"github.com/mihaimyh/gopayhook/pkg/notify/kafka"
	"github.com/mihaimyh/gopayhook/pkg/payhook"
	zerologadapter "github.com/mihaimyh/gopayhook/pkg/payhook/logger/zerolog"
	prommetrics "github.com/mihaimyh/gopayhook/pkg/payhook/metrics/prometheus"
	"github.com/mihaimyh/gopayhook/storage/firestore"
	"github.com/mihaimyh/gopayhook/storage/memory"
	"github.com/mihaimyh/gopayhook/storage/postgres"
	"github.com/mihaimyh/gopayhook/storage/redis"
	"github.com/mihaimyh/gopayhook/storage/tiered"
)

const (
	productionPath = "/webhooks/stripe"
	restrictedPath = "/webhooks/stripe/restricted"
	healthTimeout  = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	logger     zerolog.Logger
	registry   *prometheus.Registry
	storage    payhook.Storage
	production *payhook.Endpoint
	restricted *payhook.Endpoint

	health  map[string]pinger
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, zl zerolog.Logger) (_ *app, err error) {
	a := &app{
		logger:   zl,
		registry: prometheus.NewRegistry(),
		health:   make(map[string]pinger),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(a.registry, "payhook")
	logger := zerologadapter.NewLogger(zl)

	storage, err := a.openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.storage = storage

	cache, err := a.openCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	breaker := payhook.NewDefaultCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout,
		func(state payhook.CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("ledger circuit breaker state changed", payhook.Field{Key: "state", Value: string(state)})
		})

	ledger, err := payhook.NewLedger(&payhook.LedgerConfig{
		Store:          payhook.NewCircuitBreakerLedgerStore(storage, breaker),
		Cache:          cache,
		ReservationTTL: cfg.Ledger.ReservationTTL,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}

	orchestratorCfg := &payhook.OrchestratorConfig{
		Loyalty: storage,
		Logger:  logger,
		Metrics: metrics,
	}
	if cfg.Email.BaseURL != "" {
		sender, err := email.NewSender(email.Config{
			BaseURL: cfg.Email.BaseURL,
			APIKey:  cfg.Email.APIKey,
			From:    cfg.Email.From,
		})
		if err != nil {
			return nil, err
		}
		orchestratorCfg.Email = sender
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafka.NewPublisher(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		orchestratorCfg.Publisher = publisher
	}

	routerCfg := &payhook.RouterConfig{
		Orders:       storage,
		Payments:     storage,
		Orchestrator: payhook.NewOrchestrator(orchestratorCfg),
		Logger:       logger,
		Metrics:      metrics,
	}
	if cfg.Stripe.APIKey != "" {
		charges, err := gateway.NewChargeFetcher(cfg.Stripe.APIKey)
		if err != nil {
			return nil, err
		}
		routerCfg.Charges = charges
	}
	router, err := payhook.NewRouter(routerCfg)
	if err != nil {
		return nil, err
	}

	verifier := payhook.NewVerifier(payhook.WithTolerance(cfg.Stripe.Tolerance))
	newEndpoint := func(name string, class payhook.EndpointClass, secrets []string) (*payhook.Endpoint, error) {
		return payhook.NewEndpoint(&payhook.EndpointConfig{
			Name:              name,
			Class:             class,
			Secrets:           secrets,
			Allowlist:         cfg.Partition.Allowlist,
			Verifier:          verifier,
			Ledger:            ledger,
			Router:            router,
			MaxBodyBytes:      cfg.Server.MaxBodyBytes,
			RateLimit:         cfg.Server.RateLimit,
			RateLimitWindow:   cfg.Server.RateLimitWindow,
			TrustForwardedFor: cfg.Server.TrustForwardedFor,
			Logger:            logger,
			Metrics:           metrics,
		})
	}

	a.production, err = newEndpoint("production", payhook.ClassProduction, cfg.Stripe.ProductionSecrets)
	if err != nil {
		return nil, fmt.Errorf("production endpoint: %w", err)
	}
	if len(cfg.Stripe.RestrictedSecrets) > 0 {
		a.restricted, err = newEndpoint("restricted", payhook.ClassRestricted, cfg.Stripe.RestrictedSecrets)
		if err != nil {
			return nil, fmt.Errorf("restricted endpoint: %w", err)
		}
	}

	return a, nil
}

// openStorage opens the primary store and, when configured, a separate ledger store.
func (a *app) openStorage(ctx context.Context, cfg *config.Config, logger payhook.Logger) (payhook.Storage, error) {
	var primary payhook.Storage
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Storage.PostgresDSN
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		a.health["postgres"] = store
		primary = store
	default:
		store := memory.New()
		a.health["memory"] = store
		primary = store
	}

	if cfg.Storage.LedgerDriver != config.DriverFirestore {
		return primary, nil
	}

	client, err := gcpfirestore.NewClient(ctx, cfg.Storage.FirestoreProject)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	ledgerStore, err := firestore.New(client, firestore.Config{LedgerCollection: cfg.Storage.FirestoreCollection})
	if err != nil {
		return nil, err
	}

	tieredCfg := tiered.Config{
		Primary: primary,
		Ledger:  ledgerStore,
		AsyncErrorHandler: func(err error) {
			logger.Warn("ledger audit write failed", payhook.Field{Key: "error", Value: err})
		},
	}
	if cfg.Storage.AuditToPrimary {
		tieredCfg.Audit = primary
	}
	store, err := tiered.New(tieredCfg)
	if err != nil {
		return nil, err
	}
	// Closers run in reverse, so the audit queue drains before the primary closes
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) openCache(cfg *config.Config, logger payhook.Logger) (payhook.LedgerCache, error) {
	if cfg.Storage.CacheDriver != config.DriverRedis {
		return payhook.NewLRULedgerCache(cfg.Storage.CacheCapacity), nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr})
	cache, err := redis.New(client, redis.Config{
		KeyPrefix: cfg.Storage.RedisPrefix,
		Capacity:  cfg.Storage.CacheCapacity,
		Logger:    logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, cache.Close)
	a.health["redis"] = cache
	return cache, nil
}

// routes mounts the webhook endpoints plus metrics and health checks.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle(productionPath, a.production)
	if a.restricted != nil {
		r.Handle(restrictedPath, a.restricted)
	}
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", a.handleHealth)
	return r
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(a.health))
	for name, p := range a.health {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": http.StatusText(status), "checks": checks})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
