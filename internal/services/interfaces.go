package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	TradeInOffer           = domain.TradeInOffer
	TradeInDeviceMap       = domain.TradeInDeviceMap
	TradeInRequest         = domain.TradeInRequest
	TradeInRequestMetadata = domain.TradeInRequestMetadata
	TradeInCondition       = domain.TradeInCondition
	TradeInStatus          = domain.TradeInStatus
	TradeInCart            = domain.TradeInCart
	TradeInPromotion       = domain.TradeInPromotion
	Product                = domain.Product
	OrderPlacedEvent       = domain.OrderPlacedEvent
	ResolutionSource       = domain.ResolutionSource
	SystemHealthReport     = domain.SystemHealthReport
	TradeInOfferFilter     = repositories.TradeInOfferFilter
)

// TradeInService exposes the trade-in operations consumed by the HTTP layer and the order stream.
type TradeInService interface {
	Estimate(ctx context.Context, cmd EstimateTradeInCommand) (TradeInEstimateResult, error)
	Apply(ctx context.Context, cmd ApplyTradeInCommand) (TradeInApplyResult, error)
	Remove(ctx context.Context, cmd RemoveTradeInCommand) (TradeInCart, error)
	SubmitRequest(ctx context.Context, cmd SubmitTradeInRequestCommand) (TradeInRequest, error)
	ListOffers(ctx context.Context, filter TradeInOfferFilter) ([]TradeInOffer, error)
	HandleOrderPlaced(ctx context.Context, event OrderPlacedEvent)
}

// SystemService reports service health for the readiness endpoint.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// TradeInEventPublisher emits trade-in lifecycle notifications for downstream consumers.
type TradeInEventPublisher interface {
	PublishTradeInEvent(ctx context.Context, event TradeInLifecycleEvent) error
}

// Lifecycle event names published after state changes.
const (
	TradeInEventApplied       = "trade_in.applied"
	TradeInEventLeadSubmitted = "trade_in.lead_submitted"
	TradeInEventOrdered       = "trade_in.ordered"
)

// TradeInLifecycleEvent describes a state change of a trade-in request.
type TradeInLifecycleEvent struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id"`
	CartID       string    `json:"cart_id,omitempty"`
	OrderID      string    `json:"order_id,omitempty"`
	Status       string    `json:"status"`
	Amount       *int64    `json:"amount,omitempty"`
	CurrencyCode string    `json:"currency_code,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// TradeInDeviceInput carries the device description shared by estimate and apply.
type TradeInDeviceInput struct {
	NewProductID       string
	Brand              string
	OldDeviceModel     string
	OldDeviceCondition string
	SerialNumber       string
	// DeviceChecks holds explicit check answers; absent keys pass.
	DeviceChecks map[string]bool
}

// EstimateTradeInCommand asks for a valuation without touching any cart.
type EstimateTradeInCommand struct {
	TradeInDeviceInput
}

// ApplyTradeInCommand applies a valuation to a cart as a one-time discount.
type ApplyTradeInCommand struct {
	TradeInDeviceInput
	CartID string
}

// RemoveTradeInCommand detaches the trade-in discount from a cart.
type RemoveTradeInCommand struct {
	CartID string
}

// SubmitTradeInRequestCommand captures an unauthenticated trade-in lead.
type SubmitTradeInRequestCommand struct {
	CustomerName       string
	Phone              string
	OldDeviceModel     string
	OldDeviceCondition string
	SerialNumber       string
	Note               string
	NewProductID       string
	NewProductHandle   string
	NewProductTitle    string
}

// TradeInValuation is the outcome of the gates, resolver and matcher for one device.
type TradeInValuation struct {
	Matched          bool
	Reason           string
	FailedChecks     []string
	ModelKeyword     string
	ResolutionSource ResolutionSource
	OfferID          string
	Amount           int64
	CurrencyCode     string
	Product          Product
}

// TradeInEstimateResult is returned by Estimate. A no-match outcome is not an error.
type TradeInEstimateResult struct {
	TradeInValuation
}

// TradeInApplyResult is returned by Apply. When Applied is false the cart is untouched.
type TradeInApplyResult struct {
	TradeInValuation
	Applied       bool
	Cart          TradeInCart
	PromotionCode string
	RequestID     string
}
