package di

import (
	"context"
	"strings"
	"testing"

	"github.com/hanko-field/tradein/internal/platform/config"
	"github.com/hanko-field/tradein/internal/repositories"
)

type emptyRegistry struct {
	closed bool
}

func (r *emptyRegistry) Close(context.Context) error { r.closed = true; return nil }

func (r *emptyRegistry) Products() repositories.ProductRepository            { return nil }
func (r *emptyRegistry) Carts() repositories.TradeInCartRepository           { return nil }
func (r *emptyRegistry) Promotions() repositories.TradeInPromotionRepository { return nil }
func (r *emptyRegistry) Offers() repositories.TradeInOfferRepository         { return nil }
func (r *emptyRegistry) DeviceMaps() repositories.TradeInDeviceMapRepository { return nil }
func (r *emptyRegistry) Requests() repositories.TradeInRequestRepository     { return nil }
func (r *emptyRegistry) Health() repositories.HealthRepository               { return nil }

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func TestNewContainerReportsMissingRepositories(t *testing.T) {
	_, err := NewContainer(context.Background(), config.Config{}, &emptyRegistry{})
	if err == nil {
		t.Fatalf("expected error for registry without repositories")
	}
	if !strings.Contains(err.Error(), "build trade-in service") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestContainerCloseDelegatesToRegistry(t *testing.T) {
	reg := &emptyRegistry{}
	c := &Container{Repositories: reg}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !reg.closed {
		t.Fatalf("expected registry to be closed")
	}

	var nilContainer *Container
	if err := nilContainer.Close(context.Background()); err != nil {
		t.Fatalf("nil container close: %v", err)
	}
}

var _ repositories.Registry = (*emptyRegistry)(nil)
