package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hanko-field/tradein/internal/di"
	"github.com/hanko-field/tradein/internal/platform/config"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/platform/jobs"
	"github.com/hanko-field/tradein/internal/platform/observability"
	"github.com/hanko-field/tradein/internal/platform/secrets"
	"github.com/hanko-field/tradein/internal/repositories"
	firestoreRepo "github.com/hanko-field/tradein/internal/repositories/firestore"
)

const meterName = "github.com/hanko-field/tradein/cmd/worker"

// The worker pulls orders.placed messages and finalises the matching trade-in requests.
func main() {
	baseLogger, err := observability.NewLogger("tradein-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}
	project := strings.TrimSpace(envValues["API_SECRETS_PROJECT_ID"])
	if project == "" {
		project = strings.TrimSpace(envValues["API_FIRESTORE_PROJECT_ID"])
	}
	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger.Named("secrets")), secrets.WithDefaultProject(project))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		_ = fetcher.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	healthRepo, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "firestore", Check: firestoreProvider.Ping},
	})
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	pubsubClient, err := jobs.NewPubSubClient(ctx, cfg.PubSub)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		_ = pubsubClient.Close()
	}()
	eventsTopic := pubsubClient.Topic(cfg.PubSub.EventsTopic)
	defer eventsTopic.Stop()
	publisher, err := jobs.NewPubSubTradeInEventPublisher(eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithEventPublisher(publisher),
		di.WithEventLogger(observability.EventLogger(logger.Named("tradein"))),
		di.WithMeter(otel.Meter(meterName)),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = container.Close(closeCtx)
	}()

	subscriber, err := jobs.NewOrderPlacedSubscriber(
		pubsubClient.Subscription(cfg.PubSub.OrderSubscription),
		container.Services.TradeIn,
		jobs.WithSubscriberLogger(logger.Named("orders")),
		jobs.WithConcurrency(cfg.PubSub.WorkerConcurrency),
		jobs.WithTraceProject(cfg.PubSub.ProjectID),
	)
	if err != nil {
		logger.Fatal("failed to initialise order subscriber", zap.Error(err))
	}

	logger.Info("order subscriber started",
		zap.String("subscription", cfg.PubSub.OrderSubscription),
		zap.Int("concurrency", cfg.PubSub.WorkerConcurrency),
	)
	if err := subscriber.Run(ctx); err != nil {
		logger.Error("order subscriber stopped", zap.Error(err))
		return
	}
	logger.Info("order subscriber drained")
}
