// Command reconciler serves the Stripe webhook endpoint that keeps
// subscriptions, gateway tokens, households and managed media accounts in
// step with the payment processor, plus the entitlement API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mykidapp/lifecycle/internal/config"
	"github.com/mykidapp/lifecycle/pkg/api"
	"github.com/mykidapp/lifecycle/pkg/billing"
	billingmetrics "github.com/mykidapp/lifecycle/pkg/billing/metrics/prometheus"
	"github.com/mykidapp/lifecycle/pkg/billing/stripe"
	"github.com/mykidapp/lifecycle/pkg/identity"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
	zlogger "github.com/mykidapp/lifecycle/pkg/lifecycle/logger/zerolog"
	lifecyclemetrics "github.com/mykidapp/lifecycle/pkg/lifecycle/metrics/prometheus"
	"github.com/mykidapp/lifecycle/pkg/mediaserver"
	"github.com/mykidapp/lifecycle/storage/memory"
	"github.com/mykidapp/lifecycle/storage/postgres"
	redisstore "github.com/mykidapp/lifecycle/storage/redis"
)

const (
	metricsNamespace = "mykid"
	shutdownTimeout  = 15 * time.Second
	entitlementTTL   = 30 * time.Second
	cacheEntries     = 10000
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
	userIDHeader     = "X-User-ID"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("reconciler stopped")
	}
	zlog.Info().Msg("reconciler stopped")
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "lifecycle-reconciler").Logger()
}

func run(ctx context.Context, cfg *config.Config, zlog zerolog.Logger) error {
	logger := zlogger.NewLogger(zlog)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	lifecycleMetrics := lifecyclemetrics.NewMetrics(reg, metricsNamespace)
	billingMetrics := billingmetrics.NewMetrics(reg, metricsNamespace)

	dbConfig := postgres.DefaultConfig()
	dbConfig.ConnectionString = cfg.Database.URL
	dbConfig.MaxConns = cfg.Database.MaxConns
	dbConfig.Logger = logger
	store, err := postgres.New(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	if cfg.Database.RunMigrations {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	deduper, closeDeduper, err := newDeduper(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeduper()

	httpClient := &http.Client{
		Timeout:   cfg.HTTPClientTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	var provisioner lifecycle.Provisioner
	if cfg.Media.Enabled() {
		breaker := mediaserver.NewBreaker(breakerThreshold, breakerReset, func(state mediaserver.BreakerState) {
			logger.Warn("media server circuit state changed", lifecycle.Field{Key: "state", Value: string(state)})
		})
		media, err := mediaserver.New(mediaserver.Config{
			BaseURL:     cfg.Media.ServerURL,
			AdminAPIKey: cfg.Media.AdminAPIKey,
			HTTPClient:  httpClient,
			Breaker:     breaker,
			Logger:      logger,
			Metrics:     lifecycleMetrics,
		})
		if err != nil {
			return fmt.Errorf("media server client: %w", err)
		}
		provisioner = media
	} else {
		logger.Warn("media server not configured, provisioning disabled")
	}

	var (
		directory lifecycle.Directory
		getUserID = api.FromHeader(userIDHeader)
	)
	if cfg.Identity.Enabled() {
		idClient, err := identity.New(identity.Config{
			BaseURL:    cfg.Identity.URL,
			ServiceKey: cfg.Identity.ServiceRoleKey,
			HTTPClient: httpClient,
			Metrics:    lifecycleMetrics,
		})
		if err != nil {
			return fmt.Errorf("identity client: %w", err)
		}
		directory = idClient
		getUserID = api.FromBearer(idClient)
	} else {
		logger.Warn("identity backend not configured, trusting " + userIDHeader + " header")
	}

	resolvers := lifecycle.ResolverChain{store}
	if customers := stripe.NewCustomerResolver(cfg.Stripe.SecretKey, billingMetrics); customers != nil {
		resolvers = append(resolvers, customers)
	}

	cache := lifecycle.NewLRUCache(cacheEntries)
	reconciler, err := lifecycle.NewReconciler(lifecycle.Config{
		Storage:      store,
		Provisioner:  provisioner,
		Directory:    directory,
		UserResolver: resolvers,
		Cache:        cache,
		Logger:       logger,
		Metrics:      lifecycleMetrics,
	})
	if err != nil {
		return err
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Handler:       reconciler,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			APIKey:        cfg.Stripe.SecretKey,
			Deduper:       deduper,
			RateLimit:     cfg.Stripe.RateLimit,
			Logger:        logger,
			Metrics:       billingMetrics,
		},
		Tolerance:     cfg.Stripe.Tolerance,
		Subscriptions: store,
	})
	if err != nil {
		return err
	}

	apiHandler, err := api.NewHandler(api.Config{
		Checker:        lifecycle.NewEntitlementChecker(store, cache, entitlementTTL),
		GetUserID:      getUserID,
		Tokens:         store,
		RequirePremium: cfg.RequirePremiumForToken,
		Syncer:         provider,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	router := newRouter(provider.WebhookHandler(), apiHandler, store)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "reconciler"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", lifecycle.Field{Key: "addr", Value: cfg.HTTPAddr})
		return serve(server)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", lifecycle.Field{Key: "addr", Value: cfg.MetricsAddr})
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(server.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newDeduper returns the Redis deduper when REDIS_URL is set and an
// in-process one otherwise.
func newDeduper(ctx context.Context, cfg *config.Config, logger lifecycle.Logger) (billing.Deduper, func(), error) {
	if cfg.Redis.URL == "" {
		logger.Warn("redis not configured, webhook deduplication is per process")
		return memory.NewDeduper(cfg.Redis.DedupeTTL), func() {}, nil
	}

	opts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	deduper, err := redisstore.New(client, redisstore.Config{ProcessedTTL: cfg.Redis.DedupeTTL})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	if err := deduper.Ping(ctx); err != nil {
		// Webhooks still process without dedupe while redis is down
		logger.Warn("redis unreachable at start-up", lifecycle.Field{Key: "error", Value: err})
	}
	return deduper, func() { _ = client.Close() }, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newRouter(webhook http.Handler, apiHandler *api.Handler, db pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// The processor is configured with either path
	r.Handle("/functions/v1/stripe-webhook", webhook)
	r.Handle("/webhooks/stripe", webhook)

	r.Get("/v1/entitlement", apiHandler.GetEntitlement)
	r.Handle("/v1/gateway-token", http.HandlerFunc(apiHandler.RotateGatewayToken))
	r.Handle("/v1/subscription/sync", http.HandlerFunc(apiHandler.SyncSubscription))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}
