package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

const (
	// DefaultTradeInBrand is applied to offers and device maps that omit a brand.
	DefaultTradeInBrand = "apple"
	// DefaultTradeInCurrency is applied to offers and requests that omit a currency.
	DefaultTradeInCurrency = "mnt"
	// TACPrefixLength is the number of leading IMEI digits that identify a device model.
	TACPrefixLength = 8
)

var (
	// ErrInvalidTradeInCondition is returned when a condition is not one of the enumerated values.
	ErrInvalidTradeInCondition = errors.New("domain: invalid trade-in condition")
	// ErrInvalidTradeInStatus is returned when a status is not one of the enumerated values.
	ErrInvalidTradeInStatus = errors.New("domain: invalid trade-in status")
	// ErrInvalidTradeInOffer is returned when an offer fails constructor validation.
	ErrInvalidTradeInOffer = errors.New("domain: invalid trade-in offer")
	// ErrInvalidTradeInDeviceMap is returned when a device map fails constructor validation.
	ErrInvalidTradeInDeviceMap = errors.New("domain: invalid trade-in device map")
	// ErrInvalidTradeInRequest is returned when a request fails constructor validation.
	ErrInvalidTradeInRequest = errors.New("domain: invalid trade-in request")
)

// TradeInCondition grades the physical state of a traded-in device.
type TradeInCondition string

const (
	TradeInConditionLikeNew TradeInCondition = "like_new"
	TradeInConditionGood    TradeInCondition = "good"
	TradeInConditionFair    TradeInCondition = "fair"
	TradeInConditionBroken  TradeInCondition = "broken"
)

// ParseTradeInCondition normalises raw input into a known condition.
func ParseTradeInCondition(raw string) (TradeInCondition, error) {
	switch TradeInCondition(strings.ToLower(strings.TrimSpace(raw))) {
	case TradeInConditionLikeNew:
		return TradeInConditionLikeNew, nil
	case TradeInConditionGood:
		return TradeInConditionGood, nil
	case TradeInConditionFair:
		return TradeInConditionFair, nil
	case TradeInConditionBroken:
		return TradeInConditionBroken, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTradeInCondition, raw)
}

// TradeInStatus is the lifecycle state of a trade-in request.
type TradeInStatus string

const (
	// TradeInStatusNew marks a lead captured without valuation.
	TradeInStatusNew TradeInStatus = "new"
	// TradeInStatusApplied marks a request whose promotion was attached to a cart.
	TradeInStatusApplied TradeInStatus = "applied"
	// TradeInStatusOrdered is terminal: the originating cart became an order.
	TradeInStatusOrdered TradeInStatus = "ordered"
)

// ParseTradeInStatus normalises raw input into a known status.
func ParseTradeInStatus(raw string) (TradeInStatus, error) {
	switch TradeInStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TradeInStatusNew:
		return TradeInStatusNew, nil
	case TradeInStatusApplied:
		return TradeInStatusApplied, nil
	case TradeInStatusOrdered:
		return TradeInStatusOrdered, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTradeInStatus, raw)
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// Nothing leaves ordered, and nothing but the order link enters it.
func (s TradeInStatus) CanTransitionTo(next TradeInStatus) bool {
	switch s {
	case TradeInStatusNew, TradeInStatusApplied:
		return next == TradeInStatusOrdered
	default:
		return false
	}
}

// Device check names evaluated before valuation.
const (
	DeviceCheckPowerOn       = "power_on"
	DeviceCheckButtonsOK     = "buttons_ok"
	DeviceCheckCosmeticsOK   = "cosmetics_ok"
	DeviceCheckFaceIDTouchOK = "face_id_touch_ok"
	DeviceCheckAudioOK       = "audio_ok"
)

// DeviceCheckNames lists the checklist in evaluation order.
var DeviceCheckNames = []string{
	DeviceCheckPowerOn,
	DeviceCheckButtonsOK,
	DeviceCheckCosmeticsOK,
	DeviceCheckFaceIDTouchOK,
	DeviceCheckAudioOK,
}

// ResolutionSource describes how a model keyword was derived from customer input.
type ResolutionSource string

const (
	ResolutionSourceExplicitModel ResolutionSource = "explicit_model"
	ResolutionSourceTAC           ResolutionSource = "tac"
	ResolutionSourceSerial        ResolutionSource = "serial"
)

// Cart metadata keys written by the promotion lifecycle.
const (
	CartMetaTradeInRequestID       = "trade_in_request_id"
	CartMetaTradeInPromoCode       = "trade_in_promo_code"
	CartMetaTradeInEstimatedAmount = "trade_in_estimated_amount"
	CartMetaTradeInCurrencyCode    = "trade_in_currency_code"
	CartMetaTradeInSerialNumber    = "trade_in_serial_number"
)

// TradeInCartMetadataKeys lists every pointer the lifecycle writes and clears together.
var TradeInCartMetadataKeys = []string{
	CartMetaTradeInRequestID,
	CartMetaTradeInPromoCode,
	CartMetaTradeInEstimatedAmount,
	CartMetaTradeInCurrencyCode,
	CartMetaTradeInSerialNumber,
}

// ProductMetaTradeInEligible is the product metadata flag that opts a product into trade-in.
const ProductMetaTradeInEligible = "trade_in_eligible"

// TradeInOffer is a priced buy-back rule.
type TradeInOffer struct {
	ID           string
	Brand        string
	DeviceType   *string
	ModelKeyword string
	Condition    TradeInCondition
	Amount       int64
	CurrencyCode string
	Active       bool
	Priority     int
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TradeInOfferInput carries the raw fields accepted by NewTradeInOffer.
type TradeInOfferInput struct {
	ID           string
	Brand        string
	DeviceType   string
	ModelKeyword string
	Condition    string
	Amount       int64
	CurrencyCode string
	Active       bool
	Priority     int
	Metadata     map[string]any
}

// NewTradeInOffer validates input and applies brand and currency defaults.
func NewTradeInOffer(input TradeInOfferInput) (TradeInOffer, error) {
	keyword := strings.TrimSpace(input.ModelKeyword)
	if keyword == "" {
		return TradeInOffer{}, fmt.Errorf("%w: model keyword is required", ErrInvalidTradeInOffer)
	}
	condition, err := ParseTradeInCondition(input.Condition)
	if err != nil {
		return TradeInOffer{}, fmt.Errorf("%w: %v", ErrInvalidTradeInOffer, err)
	}
	if input.Active && input.Amount <= 0 {
		return TradeInOffer{}, fmt.Errorf("%w: active offer requires a positive amount", ErrInvalidTradeInOffer)
	}
	currencyCode, err := NormalizeCurrencyCode(input.CurrencyCode)
	if err != nil {
		return TradeInOffer{}, fmt.Errorf("%w: %v", ErrInvalidTradeInOffer, err)
	}
	return TradeInOffer{
		ID:           strings.TrimSpace(input.ID),
		Brand:        normalizeBrand(input.Brand),
		DeviceType:   optionalLower(input.DeviceType),
		ModelKeyword: keyword,
		Condition:    condition,
		Amount:       input.Amount,
		CurrencyCode: currencyCode,
		Active:       input.Active,
		Priority:     input.Priority,
		Metadata:     input.Metadata,
	}, nil
}

// TradeInDeviceMap maps a TAC prefix to a model keyword.
type TradeInDeviceMap struct {
	ID           string
	TACPrefix    string
	Brand        string
	DeviceType   *string
	ModelKeyword string
	Priority     int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TradeInDeviceMapInput carries the raw fields accepted by NewTradeInDeviceMap.
type TradeInDeviceMapInput struct {
	ID           string
	TACPrefix    string
	Brand        string
	DeviceType   string
	ModelKeyword string
	Priority     int
	Active       bool
}

// NewTradeInDeviceMap validates that the prefix is an all-digit TAC and the keyword is present.
func NewTradeInDeviceMap(input TradeInDeviceMapInput) (TradeInDeviceMap, error) {
	prefix := strings.TrimSpace(input.TACPrefix)
	if len(prefix) < TACPrefixLength || DigitsOnly(prefix) != prefix {
		return TradeInDeviceMap{}, fmt.Errorf("%w: tac prefix must be at least %d digits", ErrInvalidTradeInDeviceMap, TACPrefixLength)
	}
	keyword := strings.TrimSpace(input.ModelKeyword)
	if keyword == "" {
		return TradeInDeviceMap{}, fmt.Errorf("%w: model keyword is required", ErrInvalidTradeInDeviceMap)
	}
	return TradeInDeviceMap{
		ID:           strings.TrimSpace(input.ID),
		TACPrefix:    prefix,
		Brand:        normalizeBrand(input.Brand),
		DeviceType:   optionalLower(input.DeviceType),
		ModelKeyword: keyword,
		Priority:     input.Priority,
		Active:       input.Active,
	}, nil
}

// TradeInRequestMetadata is the typed metadata bag stored with each request.
type TradeInRequestMetadata struct {
	DeviceChecks     map[string]bool
	FailedChecks     []string
	MatchedOfferID   string
	ResolutionSource ResolutionSource
	Source           string
}

// TradeInRequest is the persistent record of one trade-in attempt.
type TradeInRequest struct {
	ID                 string
	NewProductID       *string
	NewProductHandle   *string
	NewProductTitle    *string
	CartID             *string
	OrderID            *string
	EstimatedAmount    *int64
	FinalAmount        *int64
	CurrencyCode       string
	PromotionCode      *string
	CustomerName       *string
	Phone              *string
	SerialNumber       *string
	OldDeviceModel     string
	OldDeviceCondition TradeInCondition
	Note               *string
	Status             TradeInStatus
	Metadata           TradeInRequestMetadata
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewTradeInRequest validates the enumerated fields and the fields each status requires.
func NewTradeInRequest(req TradeInRequest) (TradeInRequest, error) {
	if strings.TrimSpace(req.ID) == "" {
		return TradeInRequest{}, fmt.Errorf("%w: id is required", ErrInvalidTradeInRequest)
	}
	status, err := ParseTradeInStatus(string(req.Status))
	if err != nil {
		return TradeInRequest{}, fmt.Errorf("%w: %v", ErrInvalidTradeInRequest, err)
	}
	req.Status = status
	condition, err := ParseTradeInCondition(string(req.OldDeviceCondition))
	if err != nil {
		return TradeInRequest{}, fmt.Errorf("%w: %v", ErrInvalidTradeInRequest, err)
	}
	req.OldDeviceCondition = condition
	currencyCode, err := NormalizeCurrencyCode(req.CurrencyCode)
	if err != nil {
		return TradeInRequest{}, fmt.Errorf("%w: %v", ErrInvalidTradeInRequest, err)
	}
	req.CurrencyCode = currencyCode

	switch status {
	case TradeInStatusApplied:
		if req.CartID == nil || req.PromotionCode == nil || req.EstimatedAmount == nil {
			return TradeInRequest{}, fmt.Errorf("%w: applied request requires cart, promotion code and estimate", ErrInvalidTradeInRequest)
		}
	case TradeInStatusNew:
		if req.CustomerName == nil || req.Phone == nil {
			return TradeInRequest{}, fmt.Errorf("%w: lead requires customer name and phone", ErrInvalidTradeInRequest)
		}
	case TradeInStatusOrdered:
		if req.OrderID == nil {
			return TradeInRequest{}, fmt.Errorf("%w: ordered request requires an order id", ErrInvalidTradeInRequest)
		}
	}
	return req, nil
}

// Product is the catalog view consulted by the eligibility gate.
type Product struct {
	ID       string
	Title    string
	Handle   string
	Metadata map[string]any
}

// TradeInCart is the cart view the promotion lifecycle reads and writes.
type TradeInCart struct {
	ID             string
	Currency       string
	Metadata       map[string]any
	PromotionCodes []string
	UpdatedAt      time.Time
}

// MetadataString returns the trimmed string stored under key, or "".
func (c TradeInCart) MetadataString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	switch v := c.Metadata[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	return ""
}

// PromotionKind and scope values for trade-in discounts.
const (
	PromotionKindFixed  = "fixed"
	PromotionScopeOrder = "order"
)

// TradeInPromotion describes the single-use discount created for an applied trade-in.
type TradeInPromotion struct {
	ID           string
	Code         string
	Kind         string
	Scope        string
	Amount       int64
	CurrencyCode string
	UsageLimit   int
	IsAutomatic  bool
	CreatedAt    time.Time
}

// OrderPlacedEvent is delivered by the order stream when a cart completes checkout.
type OrderPlacedEvent struct {
	OrderID  string
	CartID   string
	PlacedAt time.Time
}

// NormalizeCurrencyCode lowercases a currency code after checking it is a known ISO 4217 unit.
// Empty input yields the default currency.
func NormalizeCurrencyCode(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultTradeInCurrency, nil
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("unknown currency code %q", raw)
	}
	return strings.ToLower(unit.String()), nil
}

// DigitsOnly strips every non-digit rune from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeBrand(raw string) string {
	brand := strings.ToLower(strings.TrimSpace(raw))
	if brand == "" {
		return DefaultTradeInBrand
	}
	return brand
}

func optionalLower(raw string) *string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
