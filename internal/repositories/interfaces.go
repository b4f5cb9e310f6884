package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() TradeInCartRepository
	Promotions() TradeInPromotionRepository
	Offers() TradeInOfferRepository
	DeviceMaps() TradeInDeviceMapRepository
	Requests() TradeInRequestRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository is the read-only catalog view used by the eligibility gate.
type ProductRepository interface {
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
}

// TradeInCartRepository reads carts and mutates the trade-in fields on them.
// UpdateMetadata merges metadata into the cart; nil values delete the key. When guard is set
// the write only happens if the guarded key still holds the expected value, otherwise a
// conflict RepositoryError is returned.
type TradeInCartRepository interface {
	GetCart(ctx context.Context, cartID string) (domain.TradeInCart, error)
	UpdateMetadata(ctx context.Context, cartID string, metadata map[string]any, guard *MetadataGuard) (domain.TradeInCart, error)
	AttachPromotionCode(ctx context.Context, cartID string, code string) error
	DetachPromotionCode(ctx context.Context, cartID string, code string) error
}

// TradeInPromotionRepository creates the single-use discounts backing applied trade-ins.
type TradeInPromotionRepository interface {
	CreateFixedOrderPromotion(ctx context.Context, promotion domain.TradeInPromotion) (domain.TradeInPromotion, error)
}

// TradeInOfferRepository lists curated buy-back offers.
type TradeInOfferRepository interface {
	ListOffers(ctx context.Context, filter TradeInOfferFilter) ([]domain.TradeInOffer, error)
	Upsert(ctx context.Context, offer domain.TradeInOffer) error
}

// TradeInDeviceMapRepository resolves TAC prefixes to model keywords.
type TradeInDeviceMapRepository interface {
	// FindActiveByTAC returns the highest priority active mapping for the exact prefix,
	// or a not-found RepositoryError.
	FindActiveByTAC(ctx context.Context, tacPrefix string) (domain.TradeInDeviceMap, error)
	Upsert(ctx context.Context, mapping domain.TradeInDeviceMap) error
}

// TradeInRequestRepository persists trade-in requests and their status transitions.
type TradeInRequestRepository interface {
	Insert(ctx context.Context, request domain.TradeInRequest) error
	FindByID(ctx context.Context, requestID string) (domain.TradeInRequest, error)
	// MarkOrdered links the request to an order and moves it to ordered. Requests already
	// ordered are rejected with a conflict error.
	MarkOrdered(ctx context.Context, requestID string, orderID string, at time.Time) (domain.TradeInRequest, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// MetadataGuard is a compare-and-swap precondition on one cart metadata key.
// An empty Expected value means the key must be absent.
type MetadataGuard struct {
	Key      string
	Expected string
}

// TradeInOfferFilter narrows offer listings. Empty fields do not filter.
type TradeInOfferFilter struct {
	Brand      string
	DeviceType string
	Condition  domain.TradeInCondition
	ActiveOnly bool
}
