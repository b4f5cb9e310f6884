package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind repositories.Registry.
type Registry struct {
	provider   *pfirestore.Provider
	products   *ProductRepository
	carts      *CartRepository
	promotions *PromotionRepository
	offers     *TradeInOfferRepository
	deviceMaps *TradeInDeviceMapRepository
	requests   *TradeInRequestRepository
	health     repositories.HealthRepository
}

// NewRegistry builds every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}
	if health == nil {
		return nil, errors.New("registry: health repository is required")
	}
	reg := &Registry{provider: provider, health: health}

	var err error
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if reg.promotions, err = NewPromotionRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if reg.offers, err = NewTradeInOfferRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if reg.deviceMaps, err = NewTradeInDeviceMapRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if reg.requests, err = NewTradeInRequestRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Products() repositories.ProductRepository            { return r.products }
func (r *Registry) Carts() repositories.TradeInCartRepository           { return r.carts }
func (r *Registry) Promotions() repositories.TradeInPromotionRepository { return r.promotions }
func (r *Registry) Offers() repositories.TradeInOfferRepository         { return r.offers }
func (r *Registry) DeviceMaps() repositories.TradeInDeviceMapRepository { return r.deviceMaps }
func (r *Registry) Requests() repositories.TradeInRequestRepository     { return r.requests }
func (r *Registry) Health() repositories.HealthRepository               { return r.health }

var _ repositories.Registry = (*Registry)(nil)
