package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/tradein/internal/di"
	"github.com/hanko-field/tradein/internal/handlers"
	"github.com/hanko-field/tradein/internal/platform/auth"
	"github.com/hanko-field/tradein/internal/platform/config"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/platform/idempotency"
	"github.com/hanko-field/tradein/internal/platform/jobs"
	"github.com/hanko-field/tradein/internal/platform/observability"
	"github.com/hanko-field/tradein/internal/platform/ratelimit"
	"github.com/hanko-field/tradein/internal/platform/secrets"
	"github.com/hanko-field/tradein/internal/repositories"
	firestoreRepo "github.com/hanko-field/tradein/internal/repositories/firestore"
	"github.com/hanko-field/tradein/internal/services"
)

const (
	meterName     = "github.com/hanko-field/tradein/cmd/api"
	drainTimeout  = 10 * time.Second
	cleanupBudget = 5 * time.Second
)

func main() {
	logger, err := observability.NewLogger("tradein-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradein-api: logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, logger.Named("api"))
	stop()
	if err != nil {
		logger.Error("tradein-api exited", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// closers runs cleanup in reverse registration order.
type closers struct {
	logger *zap.Logger
	fns    []func(context.Context) error
	names  []string
}

func (c *closers) add(name string, fn func(context.Context) error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
}

func (c *closers) run() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupBudget)
	defer cancel()
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](ctx); err != nil {
			c.logger.Warn("close "+c.names[i], zap.Error(err))
		}
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.Meter(meterName)
	cleanup := &closers{logger: logger}
	defer cleanup.run()

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(cmp.Or(strings.TrimSpace(env["API_SECRETS_PROJECT_ID"]), strings.TrimSpace(env["API_FIRESTORE_PROJECT_ID"]))),
		secrets.WithMeter(meter),
	)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	cleanup.add("secret manager", func(context.Context) error { return fetcher.Close() })

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		return err
	}
	build := services.BuildInfo{
		Version:     cmp.Or(strings.TrimSpace(env["API_BUILD_VERSION"]), "dev"),
		CommitSHA:   cmp.Or(strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]), strings.TrimSpace(env["K_REVISION"])),
		Environment: cfg.Security.Environment,
		StartedAt:   startedAt,
	}

	store := pfirestore.NewProvider(cfg.Firestore)
	if _, err := store.Client(ctx); err != nil {
		return fmt.Errorf("firestore: %w", err)
	}

	pubsubClient, err := jobs.NewPubSubClient(ctx, cfg.PubSub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	cleanup.add("pubsub", func(context.Context) error { return pubsubClient.Close() })
	eventsTopic := pubsubClient.Topic(cfg.PubSub.EventsTopic)
	cleanup.add("events topic", func(context.Context) error { eventsTopic.Stop(); return nil })
	publisher, err := jobs.NewPubSubTradeInEventPublisher(eventsTopic)
	if err != nil {
		return err
	}

	limiter, probes := newLimiter(cfg.RateLimits, cleanup)
	probes = append(probes,
		repositories.DependencyCheck{Name: "firestore", Check: store.Ping},
		repositories.DependencyCheck{Name: "pubsub", Check: jobs.TopicProbe(eventsTopic)},
	)
	health, err := repositories.NewDependencyHealthRepository(probes)
	if err != nil {
		return err
	}
	registry, err := firestoreRepo.NewRegistry(store, health)
	if err != nil {
		return err
	}
	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithEventPublisher(publisher),
		di.WithEventLogger(observability.EventLogger(logger.Named("tradein"))),
		di.WithMeter(meter),
		di.WithBuildInfo(build),
	)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	cleanup.add("repositories", container.Close)

	keys, err := idempotency.NewFirestoreStore(store, "")
	if err != nil {
		return err
	}

	tradeIn := handlers.NewTradeInHandlers(container.Services.TradeIn,
		handlers.WithTradeInRateLimit(limiter,
			ratelimit.Policy{PerMinute: cfg.RateLimits.PerMinute, Burst: cfg.RateLimits.Burst},
			ratelimit.Policy{PerMinute: cfg.RateLimits.LeadPerMinute, Burst: 1},
		),
		handlers.WithApplyMiddlewares(idempotency.Middleware(keys,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
		)),
	)
	httpLogger := logger.Named("http")
	router := handlers.NewRouter(
		handlers.WithRequestTimeout(cfg.Server.HandlerTimeout),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(httpLogger),
			ratelimit.CallerIdentity,
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID, observability.WithRequestDuration(meter)),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(container.Services.System),
		)),
		handlers.WithTradeInRoutes(tradeIn.Routes),
		handlers.WithInternalRoutes(handlers.NewOrderEventHandlers(container.Services.TradeIn).Routes),
		handlers.WithInternalMiddlewares(pushVerifier(logger.Named("auth"), cfg.Security.OIDC, meter).RequirePushToken()),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return serve(ctx, httpLogger.With(zap.String("addr", server.Addr)), server, cfg.RateLimits.Backend)
}

// serve blocks until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, logger *zap.Logger, server *http.Server, limiterBackend string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("trade-in api listening", zap.String("rate_limit_backend", limiterBackend))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("draining requests")
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return server.Shutdown(drainCtx)
	})
	return g.Wait()
}

// newLimiter picks the configured backend. The redis backend also contributes a readiness probe.
func newLimiter(cfg config.RateLimitConfig, cleanup *closers) (ratelimit.Limiter, []repositories.DependencyCheck) {
	if cfg.Backend != config.RateLimitBackendRedis {
		mem := ratelimit.NewMemoryStore(ratelimit.WithSweep(time.Minute, 10*time.Minute))
		cleanup.add("memory limiter", func(context.Context) error { return mem.Close() })
		return mem, nil
	}
	rdb, closeRedis := ratelimit.NewRedisStore(ratelimit.RedisOptions{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Namespace: cfg.RedisKeyNamespace,
	})
	cleanup.add("redis", func(context.Context) error { return closeRedis() })
	return rdb, []repositories.DependencyCheck{{Name: "redis", Check: rdb.Ping}}
}

func pushVerifier(logger *zap.Logger, oidc config.OIDCConfig, meter metric.Meter) *auth.PushVerifier {
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("oidc audience not configured; internal routes will reject pushes")
	}
	var opts []auth.PushVerifierOption
	if recorder, err := auth.NewMeterRecorder(meter); err != nil {
		logger.Warn("push verifier metrics disabled", zap.Error(err))
	} else {
		opts = append(opts, auth.WithVerifierMetrics(recorder))
	}
	return auth.NewPushVerifier(auth.NewJWKSCache(oidc.JWKSURL, auth.WithJWKSLogger(logger)), auth.PushVerifierConfig{
		Audience:        oidc.Audience,
		Issuers:         oidc.Issuers,
		ServiceAccounts: oidc.ServiceAccounts,
	}, opts...)
}
