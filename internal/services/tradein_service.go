package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

const tradeInMeterName = "github.com/hanko-field/tradein/internal/services"

// TradeInServiceDeps wires the collaborators of the trade-in service.
type TradeInServiceDeps struct {
	Products   repositories.ProductRepository
	Offers     repositories.TradeInOfferRepository
	DeviceMaps repositories.TradeInDeviceMapRepository
	Carts      repositories.TradeInCartRepository
	Promotions repositories.TradeInPromotionRepository
	Requests   repositories.TradeInRequestRepository
	// Events is optional; lifecycle notifications are skipped when nil.
	Events TradeInEventPublisher

	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	IDGenerator   func() string
	CodeGenerator func() string
	Meter         metric.Meter

	DefaultBrand    string
	DefaultCurrency string
	PromoCodePrefix string
}

type tradeInService struct {
	gate       eligibilityGate
	resolver   deviceResolver
	offers     repositories.TradeInOfferRepository
	promotions tradeInPromotionManager
	tracker    tradeInTracker
	newID      func() string
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)

	evaluations  metric.Int64Counter
	defaultBrand string
	currency     string
}

var _ TradeInService = (*tradeInService)(nil)

// NewTradeInService constructs the trade-in valuation and promotion service.
func NewTradeInService(deps TradeInServiceDeps) (TradeInService, error) {
	switch {
	case deps.Products == nil:
		return nil, errors.New("trade-in service: product repository is required")
	case deps.Offers == nil:
		return nil, errors.New("trade-in service: offer repository is required")
	case deps.DeviceMaps == nil:
		return nil, errors.New("trade-in service: device map repository is required")
	case deps.Carts == nil:
		return nil, errors.New("trade-in service: cart repository is required")
	case deps.Promotions == nil:
		return nil, errors.New("trade-in service: promotion repository is required")
	case deps.Requests == nil:
		return nil, errors.New("trade-in service: request repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time { return clock().UTC() }
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	newCode := deps.CodeGenerator
	if newCode == nil {
		newCode = NewTradeInPromoCodeGenerator(deps.PromoCodePrefix, now)
	}
	currencyCode, err := domain.NormalizeCurrencyCode(deps.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	brand := strings.ToLower(strings.TrimSpace(deps.DefaultBrand))
	if brand == "" {
		brand = domain.DefaultTradeInBrand
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(tradeInMeterName)
	}
	evaluations, err := meter.Int64Counter(
		"tradein.evaluations",
		metric.WithDescription("Trade-in evaluations by operation and outcome"),
	)
	if err != nil {
		logger(context.Background(), "tradein.metric.register_failed", map[string]any{"error": err.Error()})
		evaluations = nil
	}

	tracker := tradeInTracker{
		requests: deps.Requests,
		carts:    deps.Carts,
		events:   deps.Events,
		now:      now,
		logger:   logger,
	}

	return &tradeInService{
		gate:     eligibilityGate{products: deps.Products},
		resolver: deviceResolver{deviceMaps: deps.DeviceMaps},
		offers:   deps.Offers,
		promotions: tradeInPromotionManager{
			carts:      deps.Carts,
			promotions: deps.Promotions,
			tracker:    tracker,
			newID:      newID,
			newCode:    newCode,
			logger:     logger,
		},
		tracker:      tracker,
		newID:        newID,
		now:          now,
		logger:       logger,
		evaluations:  evaluations,
		defaultBrand: brand,
		currency:     currencyCode,
	}, nil
}

type deviceEvaluation struct {
	valuation TradeInValuation
	condition TradeInCondition
	resolved  ResolvedDevice
	offer     *TradeInOffer
}

// evaluate runs gates, resolver and matcher. No-match outcomes are returned in the valuation
// with a nil offer; errors are reserved for invalid input, ineligibility and outages.
func (s *tradeInService) evaluate(ctx context.Context, input TradeInDeviceInput) (deviceEvaluation, error) {
	productID := strings.TrimSpace(input.NewProductID)
	if productID == "" {
		return deviceEvaluation{}, invalidInput("new_product_id is required")
	}
	serial := strings.TrimSpace(input.SerialNumber)
	if serial == "" {
		return deviceEvaluation{}, invalidInput("serial_number is required")
	}
	condition, err := domain.ParseTradeInCondition(input.OldDeviceCondition)
	if err != nil {
		return deviceEvaluation{}, invalidInput("old_device_condition must be one of like_new, good, fair, broken")
	}

	product, eligible, err := s.gate.Evaluate(ctx, productID)
	if err != nil {
		return deviceEvaluation{}, err
	}
	if !eligible {
		return deviceEvaluation{}, ErrTradeInIneligible
	}

	eval := deviceEvaluation{
		condition: condition,
		valuation: TradeInValuation{
			Product:      product,
			FailedChecks: FailedDeviceChecks(input.DeviceChecks),
			CurrencyCode: s.currency,
		},
	}
	if len(eval.valuation.FailedChecks) > 0 {
		eval.valuation.Reason = TradeInReasonDeviceChecksFailed
		return eval, nil
	}

	resolved, err := s.resolver.Resolve(ctx, input.OldDeviceModel, serial)
	if err != nil {
		return deviceEvaluation{}, err
	}
	eval.resolved = resolved
	eval.valuation.ModelKeyword = resolved.Keyword
	eval.valuation.ResolutionSource = resolved.Source
	if resolved.Keyword == "" {
		eval.valuation.Reason = TradeInReasonNoModelMatch
		return eval, nil
	}

	brand := strings.ToLower(strings.TrimSpace(input.Brand))
	if brand == "" {
		brand = resolved.Brand
	}
	if brand == "" {
		brand = s.defaultBrand
	}
	offers, err := s.offers.ListOffers(ctx, TradeInOfferFilter{Brand: brand, Condition: condition, ActiveOnly: true})
	if err != nil {
		return deviceEvaluation{}, translateRepoError("list offers", err, nil)
	}

	offer := MatchTradeInOffer(offers, resolved.Keyword)
	if offer == nil || offer.Amount <= 0 {
		eval.valuation.Reason = TradeInReasonNoOfferMatch
		return eval, nil
	}
	eval.offer = offer
	eval.valuation.Matched = true
	eval.valuation.OfferID = offer.ID
	eval.valuation.Amount = offer.Amount
	eval.valuation.CurrencyCode = offer.CurrencyCode
	return eval, nil
}

// Estimate values a device for a product without side effects.
func (s *tradeInService) Estimate(ctx context.Context, cmd EstimateTradeInCommand) (TradeInEstimateResult, error) {
	eval, err := s.evaluate(ctx, cmd.TradeInDeviceInput)
	s.record(ctx, "estimate", eval.valuation, err)
	if err != nil {
		return TradeInEstimateResult{}, err
	}
	return TradeInEstimateResult{TradeInValuation: eval.valuation}, nil
}

// Apply values a device and, on a match, replaces the cart's trade-in discount.
func (s *tradeInService) Apply(ctx context.Context, cmd ApplyTradeInCommand) (TradeInApplyResult, error) {
	cartID := strings.TrimSpace(cmd.CartID)
	if cartID == "" {
		return TradeInApplyResult{}, invalidInput("cart_id is required")
	}

	eval, err := s.evaluate(ctx, cmd.TradeInDeviceInput)
	if err != nil {
		s.record(ctx, "apply", eval.valuation, err)
		return TradeInApplyResult{}, err
	}
	if eval.offer == nil {
		s.record(ctx, "apply", eval.valuation, nil)
		return TradeInApplyResult{TradeInValuation: eval.valuation}, nil
	}

	applied, err := s.promotions.Apply(ctx, applyPromotionParams{
		CartID:       cartID,
		Offer:        *eval.offer,
		Product:      eval.valuation.Product,
		Resolved:     eval.resolved,
		Condition:    eval.condition,
		SerialNumber: cmd.SerialNumber,
		DeviceChecks: cmd.DeviceChecks,
	})
	s.record(ctx, "apply", eval.valuation, err)
	if err != nil {
		return TradeInApplyResult{}, err
	}

	s.logger(ctx, "tradein.applied", map[string]any{
		"cartId":    cartID,
		"requestId": applied.RequestID,
		"offerId":   eval.offer.ID,
		"amount":    applied.Estimate,
	})
	return TradeInApplyResult{
		TradeInValuation: eval.valuation,
		Applied:          true,
		Cart:             applied.Cart,
		PromotionCode:    applied.Code,
		RequestID:        applied.RequestID,
	}, nil
}

// Remove clears the trade-in discount from a cart.
func (s *tradeInService) Remove(ctx context.Context, cmd RemoveTradeInCommand) (TradeInCart, error) {
	cartID := strings.TrimSpace(cmd.CartID)
	if cartID == "" {
		return TradeInCart{}, invalidInput("cart_id is required")
	}
	return s.promotions.Remove(ctx, cartID)
}

// SubmitRequest records a lead for manual follow-up. No valuation is attempted.
func (s *tradeInService) SubmitRequest(ctx context.Context, cmd SubmitTradeInRequestCommand) (TradeInRequest, error) {
	name := strings.TrimSpace(cmd.CustomerName)
	phone := strings.TrimSpace(cmd.Phone)
	model := strings.TrimSpace(cmd.OldDeviceModel)
	switch {
	case name == "":
		return TradeInRequest{}, invalidInput("customer_name is required")
	case phone == "":
		return TradeInRequest{}, invalidInput("phone is required")
	case model == "":
		return TradeInRequest{}, invalidInput("old_device_model is required")
	}
	condition, err := domain.ParseTradeInCondition(cmd.OldDeviceCondition)
	if err != nil {
		return TradeInRequest{}, invalidInput("old_device_condition must be one of like_new, good, fair, broken")
	}

	request, err := s.tracker.RecordLead(ctx, TradeInRequest{
		ID:                 s.newID(),
		NewProductID:       optionalText(cmd.NewProductID),
		NewProductHandle:   optionalText(cmd.NewProductHandle),
		NewProductTitle:    optionalText(cmd.NewProductTitle),
		CurrencyCode:       s.currency,
		CustomerName:       &name,
		Phone:              &phone,
		SerialNumber:       optionalText(cmd.SerialNumber),
		OldDeviceModel:     model,
		OldDeviceCondition: condition,
		Note:               optionalText(cmd.Note),
		Metadata:           TradeInRequestMetadata{Source: "lead"},
	})
	if err != nil {
		return TradeInRequest{}, err
	}

	s.logger(ctx, "tradein.lead.submitted", map[string]any{"requestId": request.ID})
	s.tracker.publish(ctx, TradeInLifecycleEvent{
		Type:         TradeInEventLeadSubmitted,
		RequestID:    request.ID,
		Status:       string(request.Status),
		CurrencyCode: request.CurrencyCode,
		OccurredAt:   request.CreatedAt,
	})
	return request, nil
}

// ListOffers returns the offer catalog, defaulting the brand when the filter omits it.
func (s *tradeInService) ListOffers(ctx context.Context, filter TradeInOfferFilter) ([]TradeInOffer, error) {
	filter.Brand = strings.ToLower(strings.TrimSpace(filter.Brand))
	if filter.Brand == "" {
		filter.Brand = s.defaultBrand
	}
	filter.DeviceType = strings.ToLower(strings.TrimSpace(filter.DeviceType))
	if filter.Condition != "" {
		condition, err := domain.ParseTradeInCondition(string(filter.Condition))
		if err != nil {
			return nil, invalidInput("condition must be one of like_new, good, fair, broken")
		}
		filter.Condition = condition
	}
	offers, err := s.offers.ListOffers(ctx, filter)
	if err != nil {
		return nil, translateRepoError("list offers", err, nil)
	}
	if offers == nil {
		offers = []TradeInOffer{}
	}
	return offers, nil
}

// HandleOrderPlaced links a cart's trade-in request to its order. It never returns an error.
func (s *tradeInService) HandleOrderPlaced(ctx context.Context, event OrderPlacedEvent) {
	s.tracker.HandleOrderPlaced(ctx, event)
}

func (s *tradeInService) record(ctx context.Context, operation string, valuation TradeInValuation, err error) {
	if s.evaluations == nil {
		return
	}
	outcome := "matched"
	switch {
	case err != nil:
		outcome = "error"
	case !valuation.Matched:
		outcome = "no_match"
	}
	s.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
		attribute.String("reason", valuation.Reason),
	))
}
