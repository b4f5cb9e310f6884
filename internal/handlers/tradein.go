package handlers

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/platform/httpx"
	"github.com/hanko-field/tradein/internal/platform/ratelimit"
	"github.com/hanko-field/tradein/internal/platform/requestctx"
	"github.com/hanko-field/tradein/internal/services"
)

const (
	maxLeadNameLength = 120
	maxLeadNoteLength = 1000
)

// TradeInHandlers exposes the public trade-in endpoints.
type TradeInHandlers struct {
	svc        services.TradeInService
	limiter    ratelimit.Limiter
	policy     ratelimit.Policy
	leadPolicy ratelimit.Policy
	applyChain []func(http.Handler) http.Handler
	textPolicy *bluemonday.Policy
}

// TradeInOption customises TradeInHandlers.
type TradeInOption func(*TradeInHandlers)

// WithTradeInRateLimit throttles valuation routes under policy and lead capture under lead.
func WithTradeInRateLimit(limiter ratelimit.Limiter, policy, lead ratelimit.Policy) TradeInOption {
	return func(h *TradeInHandlers) {
		h.limiter = limiter
		h.policy = policy
		h.leadPolicy = lead
	}
}

// WithApplyMiddlewares wraps only the apply route, e.g. with idempotent replay.
func WithApplyMiddlewares(mw ...func(http.Handler) http.Handler) TradeInOption {
	return func(h *TradeInHandlers) {
		h.applyChain = append(h.applyChain, mw...)
	}
}

func NewTradeInHandlers(svc services.TradeInService, opts ...TradeInOption) *TradeInHandlers {
	h := &TradeInHandlers{svc: svc, textPolicy: bluemonday.StrictPolicy()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the endpoints under /trade-in.
func (h *TradeInHandlers) Routes(r chi.Router) {
	r.Group(func(g chi.Router) {
		g.Use(ratelimit.Middleware("trade-in", h.limiter, h.policy))
		g.Post("/estimate", h.estimate)
		g.With(h.applyChain...).Post("/apply", h.apply)
		g.Post("/remove", h.remove)
		g.Get("/offers", h.listOffers)
	})
	r.With(ratelimit.Middleware("trade-in-lead", h.limiter, h.leadPolicy)).Post("/requests", h.submitRequest)
}

type deviceRequest struct {
	NewProductID       string         `json:"new_product_id"`
	Brand              string         `json:"brand"`
	OldDeviceModel     string         `json:"old_device_model"`
	OldDeviceCondition string         `json:"old_device_condition"`
	SerialNumber       string         `json:"serial_number"`
	DeviceChecks       map[string]any `json:"device_checks"`
}

func (d deviceRequest) input() (services.TradeInDeviceInput, error) {
	checks, err := parseDeviceChecks(d.DeviceChecks)
	if err != nil {
		return services.TradeInDeviceInput{}, err
	}
	return services.TradeInDeviceInput{
		NewProductID:       d.NewProductID,
		Brand:              d.Brand,
		OldDeviceModel:     d.OldDeviceModel,
		OldDeviceCondition: d.OldDeviceCondition,
		SerialNumber:       d.SerialNumber,
		DeviceChecks:       checks,
	}, nil
}

type applyRequest struct {
	deviceRequest
	CartID string `json:"cart_id"`
}

type removeRequest struct {
	CartID string `json:"cart_id"`
}

type leadRequest struct {
	CustomerName       string `json:"customer_name"`
	Phone              string `json:"phone"`
	OldDeviceModel     string `json:"old_device_model"`
	OldDeviceCondition string `json:"old_device_condition"`
	SerialNumber       string `json:"serial_number"`
	Note               string `json:"note"`
	NewProductID       string `json:"new_product_id"`
	NewProductHandle   string `json:"new_product_handle"`
	NewProductTitle    string `json:"new_product_title"`
}

type productPayload struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
	Title  string `json:"title,omitempty"`
}

type valuationPayload struct {
	Matched          bool            `json:"matched"`
	Reason           string          `json:"reason,omitempty"`
	FailedChecks     []string        `json:"failed_checks,omitempty"`
	ModelKeyword     string          `json:"model_keyword,omitempty"`
	ResolutionSource string          `json:"resolution_source,omitempty"`
	OfferID          string          `json:"offer_id,omitempty"`
	EstimatedAmount  *int64          `json:"estimated_amount,omitempty"`
	CurrencyCode     string          `json:"currency_code,omitempty"`
	Product          *productPayload `json:"product,omitempty"`
}

type applyPayload struct {
	valuationPayload
	Applied       bool   `json:"applied"`
	CartID        string `json:"cart_id"`
	PromotionCode string `json:"promotion_code,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

type removePayload struct {
	CartID         string   `json:"cart_id"`
	PromotionCodes []string `json:"promotion_codes"`
}

type leadPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type offerPayload struct {
	ID           string `json:"id"`
	Brand        string `json:"brand"`
	DeviceType   string `json:"device_type,omitempty"`
	ModelKeyword string `json:"model_keyword"`
	Condition    string `json:"condition"`
	Amount       int64  `json:"amount"`
	CurrencyCode string `json:"currency_code"`
	Priority     int    `json:"priority"`
}

func (h *TradeInHandlers) estimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.input()
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	result, err := h.svc.Estimate(ctx, services.EstimateTradeInCommand{TradeInDeviceInput: input})
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildValuationPayload(result.TradeInValuation))
}

func (h *TradeInHandlers) apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req applyRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.input()
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	result, err := h.svc.Apply(ctx, services.ApplyTradeInCommand{TradeInDeviceInput: input, CartID: req.CartID})
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, applyPayload{
		valuationPayload: buildValuationPayload(result.TradeInValuation),
		Applied:          result.Applied,
		CartID:           strings.TrimSpace(req.CartID),
		PromotionCode:    result.PromotionCode,
		RequestID:        result.RequestID,
	})
}

func (h *TradeInHandlers) remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req removeRequest
	if !h.decode(w, r, &req) {
		return
	}
	cart, err := h.svc.Remove(ctx, services.RemoveTradeInCommand{CartID: req.CartID})
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	codes := cart.PromotionCodes
	if codes == nil {
		codes = []string{}
	}
	writeJSONResponse(w, http.StatusOK, removePayload{CartID: cart.ID, PromotionCodes: codes})
}

func (h *TradeInHandlers) submitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req leadRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := h.plainText(req.CustomerName, maxLeadNameLength)
	note := h.plainText(req.Note, maxLeadNoteLength)

	request, err := h.svc.SubmitRequest(ctx, services.SubmitTradeInRequestCommand{
		CustomerName:       name,
		Phone:              req.Phone,
		OldDeviceModel:     req.OldDeviceModel,
		OldDeviceCondition: req.OldDeviceCondition,
		SerialNumber:       req.SerialNumber,
		Note:               note,
		NewProductID:       req.NewProductID,
		NewProductHandle:   req.NewProductHandle,
		NewProductTitle:    req.NewProductTitle,
	})
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, leadPayload{
		RequestID: request.ID,
		Status:    string(request.Status),
		CreatedAt: request.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *TradeInHandlers) listOffers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	offers, err := h.svc.ListOffers(ctx, services.TradeInOfferFilter{
		Brand:      query.Get("brand"),
		DeviceType: query.Get("device_type"),
		Condition:  domain.TradeInCondition(strings.TrimSpace(query.Get("condition"))),
		ActiveOnly: true,
	})
	if err != nil {
		writeTradeInError(ctx, w, err)
		return
	}
	items := make([]offerPayload, 0, len(offers))
	for _, offer := range offers {
		item := offerPayload{
			ID:           offer.ID,
			Brand:        offer.Brand,
			ModelKeyword: offer.ModelKeyword,
			Condition:    string(offer.Condition),
			Amount:       offer.Amount,
			CurrencyCode: offer.CurrencyCode,
			Priority:     offer.Priority,
		}
		if offer.DeviceType != nil {
			item.DeviceType = *offer.DeviceType
		}
		items = append(items, item)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"offers": items})
}

func (h *TradeInHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	if h.svc == nil {
		httpx.WriteError(ctx, w, httpx.NewError("trade_in_unavailable", "trade-in service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	if err := decodeJSONBody(r, defaultMaxBodySize, dst); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

// plainText strips markup from free-form customer input and caps its length in runes.
func (h *TradeInHandlers) plainText(value string, limit int) string {
	cleaned := strings.TrimSpace(html.UnescapeString(h.textPolicy.Sanitize(value)))
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = strings.TrimSpace(string(runes[:limit]))
	}
	return cleaned
}

var errInvalidDeviceChecks = errors.New("device_checks values must be booleans")

func parseDeviceChecks(raw map[string]any) (map[string]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	checks := make(map[string]bool, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case bool:
			checks[key] = v
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, errInvalidDeviceChecks
			}
			checks[key] = parsed
		default:
			return nil, errInvalidDeviceChecks
		}
	}
	return checks, nil
}

func buildValuationPayload(v services.TradeInValuation) valuationPayload {
	payload := valuationPayload{
		Matched:          v.Matched,
		Reason:           v.Reason,
		FailedChecks:     v.FailedChecks,
		ModelKeyword:     v.ModelKeyword,
		ResolutionSource: string(v.ResolutionSource),
		OfferID:          v.OfferID,
		CurrencyCode:     v.CurrencyCode,
	}
	if v.Matched {
		amount := v.Amount
		payload.EstimatedAmount = &amount
	}
	if id := strings.TrimSpace(v.Product.ID); id != "" {
		payload.Product = &productPayload{ID: id, Handle: v.Product.Handle, Title: v.Product.Title}
	}
	return payload
}

// writeTradeInError maps service errors to responses. Missing and ineligible products share one
// 400 so callers cannot probe the catalog through this endpoint.
func writeTradeInError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errInvalidDeviceChecks):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrTradeInInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", strings.TrimPrefix(err.Error(), services.ErrTradeInInvalidInput.Error()+": "), http.StatusBadRequest))
	case errors.Is(err, services.ErrTradeInProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("trade_in_ineligible", "product not found", http.StatusBadRequest))
	case errors.Is(err, services.ErrTradeInIneligible):
		httpx.WriteError(ctx, w, httpx.NewError("trade_in_ineligible", "product is not eligible for trade-in", http.StatusBadRequest))
	case errors.Is(err, services.ErrTradeInCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrTradeInConflict):
		httpx.WriteError(ctx, w, httpx.NewError("trade_in_conflict", "cart trade-in changed concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrTradeInUnavailable):
		requestctx.Logger(ctx).Warn("trade-in dependency unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("trade_in_unavailable", "trade-in service is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("trade-in request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}
