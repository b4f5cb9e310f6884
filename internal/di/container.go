package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hanko-field/tradein/internal/platform/config"
	"github.com/hanko-field/tradein/internal/repositories"
	"github.com/hanko-field/tradein/internal/services"
)

// Services bundles the service-layer contracts that handlers and workers rely upon.
type Services struct {
	TradeIn services.TradeInService
	System  services.SystemService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

type containerOptions struct {
	events services.TradeInEventPublisher
	logger func(ctx context.Context, event string, fields map[string]any)
	meter  metric.Meter
	build  services.BuildInfo
	clock  func() time.Time
}

// Option customises container assembly.
type Option func(*containerOptions)

// WithEventPublisher sets the lifecycle event sink for the trade-in service.
func WithEventPublisher(pub services.TradeInEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = pub
	}
}

// WithEventLogger sets the structured event logger passed to services.
func WithEventLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithMeter sets the meter used for service metrics.
func WithMeter(meter metric.Meter) Option {
	return func(o *containerOptions) {
		o.meter = meter
	}
}

// WithBuildInfo sets the build metadata reported by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithClock overrides the clock shared by the services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, opts containerOptions) (Services, error) {
	var svc Services

	tradeIn, err := services.NewTradeInService(services.TradeInServiceDeps{
		Products:        reg.Products(),
		Offers:          reg.Offers(),
		DeviceMaps:      reg.DeviceMaps(),
		Carts:           reg.Carts(),
		Promotions:      reg.Promotions(),
		Requests:        reg.Requests(),
		Events:          opts.events,
		Clock:           opts.clock,
		Logger:          opts.logger,
		Meter:           opts.meter,
		DefaultBrand:    cfg.TradeIn.DefaultBrand,
		DefaultCurrency: cfg.TradeIn.DefaultCurrency,
		PromoCodePrefix: cfg.TradeIn.PromoCodePrefix,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build trade-in service: %w", err)
	}
	svc.TradeIn = tradeIn

	if healthRepo := reg.Health(); healthRepo != nil {
		build := opts.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            opts.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
