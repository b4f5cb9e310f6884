package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

const defaultPromoCodePrefix = "TRADEIN"

// NewTradeInPromoCodeGenerator returns a generator of single-use codes shaped
// PREFIX-<8 random base32 chars>-<base36 unix millis>.
func NewTradeInPromoCodeGenerator(prefix string, clock func() time.Time) func() string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = defaultPromoCodePrefix
	}
	if clock == nil {
		clock = time.Now
	}
	return func() string {
		now := clock()
		// The last 16 characters of a ULID encode its 80 random bits.
		id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
		random := id[len(id)-8:]
		suffix := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
		return prefix + "-" + random + "-" + suffix
	}
}

type tradeInPromotionManager struct {
	carts      repositories.TradeInCartRepository
	promotions repositories.TradeInPromotionRepository
	tracker    tradeInTracker
	newID      func() string
	newCode    func() string
	logger     func(context.Context, string, map[string]any)
}

// applyPromotionParams carries everything recorded alongside an applied trade-in.
type applyPromotionParams struct {
	CartID       string
	Offer        TradeInOffer
	Product      Product
	Resolved     ResolvedDevice
	Condition    TradeInCondition
	SerialNumber string
	DeviceChecks map[string]bool
}

// appliedPromotion is the outcome of a successful apply.
type appliedPromotion struct {
	Cart      TradeInCart
	Code      string
	RequestID string
	Estimate  int64
	Currency  string
}

// Apply replaces any trade-in promotion on the cart with a new single-use one.
// Failing to detach the previous code is logged and ignored. Failing to create or attach the
// new promotion aborts before the tracker or the cart metadata are touched. Later failures
// detach the new code on a best-effort basis and leave the unused promotion orphaned.
func (m tradeInPromotionManager) Apply(ctx context.Context, params applyPromotionParams) (appliedPromotion, error) {
	cart, err := m.carts.GetCart(ctx, params.CartID)
	if err != nil {
		return appliedPromotion{}, translateRepoError("get cart", err, ErrTradeInCartNotFound)
	}
	priorCode := cart.MetadataString(domain.CartMetaTradeInPromoCode)
	priorRequestID := cart.MetadataString(domain.CartMetaTradeInRequestID)

	if priorCode != "" {
		if err := m.carts.DetachPromotionCode(ctx, cart.ID, priorCode); err != nil {
			m.logger(ctx, "tradein.promotion.detach_failed", map[string]any{
				"cartId": cart.ID,
				"code":   priorCode,
				"error":  err.Error(),
			})
		}
	}

	code := m.newCode()
	promotion, err := m.promotions.CreateFixedOrderPromotion(ctx, TradeInPromotion{
		Code:         code,
		Kind:         domain.PromotionKindFixed,
		Scope:        domain.PromotionScopeOrder,
		Amount:       params.Offer.Amount,
		CurrencyCode: params.Offer.CurrencyCode,
		UsageLimit:   1,
		IsAutomatic:  false,
	})
	if err != nil {
		return appliedPromotion{}, translateRepoError("create promotion", err, nil)
	}
	if err := m.carts.AttachPromotionCode(ctx, cart.ID, promotion.Code); err != nil {
		m.logOrphan(ctx, cart.ID, promotion.Code, "attach", err)
		return appliedPromotion{}, translateRepoError("attach promotion", err, ErrTradeInCartNotFound)
	}

	estimate := params.Offer.Amount
	request, err := m.tracker.RecordApplied(ctx, TradeInRequest{
		ID:                 m.newID(),
		NewProductID:       optionalText(params.Product.ID),
		NewProductHandle:   optionalText(params.Product.Handle),
		NewProductTitle:    optionalText(params.Product.Title),
		CartID:             optionalText(cart.ID),
		EstimatedAmount:    &estimate,
		CurrencyCode:       params.Offer.CurrencyCode,
		PromotionCode:      optionalText(promotion.Code),
		SerialNumber:       optionalText(params.SerialNumber),
		OldDeviceModel:     params.Resolved.Keyword,
		OldDeviceCondition: params.Condition,
		Metadata: TradeInRequestMetadata{
			DeviceChecks:     cloneChecks(params.DeviceChecks),
			FailedChecks:     []string{},
			MatchedOfferID:   params.Offer.ID,
			ResolutionSource: params.Resolved.Source,
			Source:           "apply",
		},
	})
	if err != nil {
		m.rollbackAttach(ctx, cart.ID, promotion.Code, "record_request", err)
		return appliedPromotion{}, err
	}

	updated, err := m.carts.UpdateMetadata(ctx, cart.ID, map[string]any{
		domain.CartMetaTradeInRequestID:       request.ID,
		domain.CartMetaTradeInPromoCode:       promotion.Code,
		domain.CartMetaTradeInEstimatedAmount: estimate,
		domain.CartMetaTradeInCurrencyCode:    request.CurrencyCode,
		domain.CartMetaTradeInSerialNumber:    strings.TrimSpace(params.SerialNumber),
	}, &repositories.MetadataGuard{Key: domain.CartMetaTradeInRequestID, Expected: priorRequestID})
	if err != nil {
		m.rollbackAttach(ctx, cart.ID, promotion.Code, "write_metadata", err)
		return appliedPromotion{}, translateRepoError("update cart metadata", err, ErrTradeInCartNotFound)
	}

	m.tracker.publish(ctx, TradeInLifecycleEvent{
		Type:         TradeInEventApplied,
		RequestID:    request.ID,
		CartID:       cart.ID,
		Status:       string(request.Status),
		Amount:       &estimate,
		CurrencyCode: request.CurrencyCode,
		OccurredAt:   request.CreatedAt,
	})

	return appliedPromotion{
		Cart:      updated,
		Code:      promotion.Code,
		RequestID: request.ID,
		Estimate:  estimate,
		Currency:  request.CurrencyCode,
	}, nil
}

// Remove detaches the cart's trade-in promotion and clears its pointers. A cart without an
// active trade-in is returned unchanged. The request keeps its applied status.
func (m tradeInPromotionManager) Remove(ctx context.Context, cartID string) (TradeInCart, error) {
	cart, err := m.carts.GetCart(ctx, cartID)
	if err != nil {
		return TradeInCart{}, translateRepoError("get cart", err, ErrTradeInCartNotFound)
	}
	code := cart.MetadataString(domain.CartMetaTradeInPromoCode)
	requestID := cart.MetadataString(domain.CartMetaTradeInRequestID)
	if code == "" && requestID == "" {
		return cart, nil
	}

	if code != "" {
		if err := m.carts.DetachPromotionCode(ctx, cart.ID, code); err != nil {
			return TradeInCart{}, translateRepoError("detach promotion", err, ErrTradeInCartNotFound)
		}
	}

	cleared := make(map[string]any, len(domain.TradeInCartMetadataKeys))
	for _, key := range domain.TradeInCartMetadataKeys {
		cleared[key] = nil
	}
	updated, err := m.carts.UpdateMetadata(ctx, cart.ID, cleared,
		&repositories.MetadataGuard{Key: domain.CartMetaTradeInRequestID, Expected: requestID})
	if err != nil {
		return TradeInCart{}, translateRepoError("clear cart metadata", err, ErrTradeInCartNotFound)
	}
	m.logger(ctx, "tradein.promotion.removed", map[string]any{"cartId": cart.ID, "code": code, "requestId": requestID})
	return updated, nil
}

func (m tradeInPromotionManager) rollbackAttach(ctx context.Context, cartID, code, stage string, cause error) {
	if err := m.carts.DetachPromotionCode(ctx, cartID, code); err != nil {
		m.logger(ctx, "tradein.promotion.rollback_failed", map[string]any{
			"cartId": cartID,
			"code":   code,
			"stage":  stage,
			"error":  err.Error(),
		})
	}
	m.logOrphan(ctx, cartID, code, stage, cause)
}

func (m tradeInPromotionManager) logOrphan(ctx context.Context, cartID, code, stage string, cause error) {
	m.logger(ctx, "tradein.promotion.orphaned", map[string]any{
		"cartId": cartID,
		"code":   code,
		"stage":  stage,
		"error":  fmt.Sprint(cause),
	})
}

func optionalText(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneChecks(checks map[string]bool) map[string]bool {
	if len(checks) == 0 {
		return nil
	}
	out := make(map[string]bool, len(checks))
	for key, value := range checks {
		out[key] = value
	}
	return out
}
