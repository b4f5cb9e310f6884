package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/hanko-field/tradein/internal/platform/config"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/platform/observability"
	"github.com/hanko-field/tradein/internal/platform/storage"
	firestoreRepo "github.com/hanko-field/tradein/internal/repositories/firestore"
	"github.com/hanko-field/tradein/internal/seed"
)

// seed loads offers and TAC device maps from a YAML file into Firestore.
//
//	seed --file gs://bucket/trade-in/seed.yaml
//	seed --file ./seed.yaml --dry-run
func main() {
	var (
		file    string
		dryRun  bool
		timeout time.Duration
	)
	flag.StringVar(&file, "file", "", "seed file: local path or gs://bucket/object")
	flag.BoolVar(&dryRun, "dry-run", false, "validate the file without writing")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	baseLogger, err := observability.NewLogger("tradein-seed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("seed")

	if err := run(logger, file, dryRun, timeout); err != nil {
		logger.Error("seed failed", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(logger *zap.Logger, file string, dryRun bool, timeout time.Duration) error {
	loc, err := storage.ParseLocation(file)
	if err != nil {
		return fmt.Errorf("--file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil && !dryRun {
		return fmt.Errorf("load configuration: %w", err)
	}

	var gcsClient *cloudstorage.Client
	if loc.Remote() {
		gcsClient, err = cloudstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage client: %w", err)
		}
		defer gcsClient.Close()
	}
	data, err := storage.NewReader(gcsClient).Read(ctx, loc)
	if err != nil {
		return err
	}

	plan, err := seed.Parse(data, seed.Defaults{Brand: cfg.TradeIn.DefaultBrand, Currency: cfg.TradeIn.DefaultCurrency})
	if err != nil {
		return err
	}
	logger.Info("seed file validated",
		zap.String("source", loc.String()),
		zap.Int("offers", len(plan.Offers)),
		zap.Int("device_maps", len(plan.DeviceMaps)),
	)
	if dryRun {
		return nil
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = provider.Close(closeCtx)
	}()
	offers, err := firestoreRepo.NewTradeInOfferRepository(provider)
	if err != nil {
		return err
	}
	maps, err := firestoreRepo.NewTradeInDeviceMapRepository(provider)
	if err != nil {
		return err
	}

	summary, err := seed.Apply(ctx, plan, offers, maps)
	if err != nil {
		logger.Warn("seed partially applied", zap.Int("offers", summary.Offers), zap.Int("device_maps", summary.DeviceMaps))
		return err
	}
	logger.Info("seed applied", zap.Int("offers", summary.Offers), zap.Int("device_maps", summary.DeviceMaps))
	return nil
}
