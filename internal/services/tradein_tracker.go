package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

type tradeInTracker struct {
	requests repositories.TradeInRequestRepository
	carts    repositories.TradeInCartRepository
	events   TradeInEventPublisher
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// RecordApplied persists a request whose promotion is attached to a cart.
func (t tradeInTracker) RecordApplied(ctx context.Context, request TradeInRequest) (TradeInRequest, error) {
	request.Status = domain.TradeInStatusApplied
	return t.insert(ctx, request)
}

// RecordLead persists a lead captured without valuation.
func (t tradeInTracker) RecordLead(ctx context.Context, request TradeInRequest) (TradeInRequest, error) {
	request.Status = domain.TradeInStatusNew
	return t.insert(ctx, request)
}

func (t tradeInTracker) insert(ctx context.Context, request TradeInRequest) (TradeInRequest, error) {
	now := t.now()
	request.CreatedAt = now
	request.UpdatedAt = now
	validated, err := domain.NewTradeInRequest(request)
	if err != nil {
		return TradeInRequest{}, fmt.Errorf("%w: %v", ErrTradeInInvalidInput, err)
	}
	if err := t.requests.Insert(ctx, validated); err != nil {
		return TradeInRequest{}, translateRepoError("insert trade-in request", err, nil)
	}
	return validated, nil
}

// HandleOrderPlaced links the cart's trade-in request to the new order. It never fails:
// every problem is logged and swallowed so order placement is never blocked.
func (t tradeInTracker) HandleOrderPlaced(ctx context.Context, event OrderPlacedEvent) {
	cartID := strings.TrimSpace(event.CartID)
	orderID := strings.TrimSpace(event.OrderID)
	if cartID == "" || orderID == "" {
		t.logger(ctx, "tradein.order_link.invalid_event", map[string]any{"cartId": cartID, "orderId": orderID})
		return
	}

	cart, err := t.carts.GetCart(ctx, cartID)
	if err != nil {
		t.logger(ctx, "tradein.order_link.cart_lookup_failed", map[string]any{"cartId": cartID, "orderId": orderID, "error": err.Error()})
		return
	}
	requestID := cart.MetadataString(domain.CartMetaTradeInRequestID)
	if requestID == "" {
		return
	}

	fields := map[string]any{"cartId": cartID, "orderId": orderID, "requestId": requestID}
	current, err := t.requests.FindByID(ctx, requestID)
	switch {
	case isRepoNotFound(err):
		t.logger(ctx, "tradein.order_link.request_missing", fields)
		return
	case err != nil:
		fields["error"] = err.Error()
		t.logger(ctx, "tradein.order_link.request_lookup_failed", fields)
		return
	case current.Status == domain.TradeInStatusOrdered:
		// Pub/Sub redelivers; the same order is not an error.
		if current.OrderID != nil && *current.OrderID == orderID {
			t.logger(ctx, "tradein.order_link.redelivered", fields)
			return
		}
		if current.OrderID != nil {
			fields["linkedOrderId"] = *current.OrderID
		}
		t.logger(ctx, "tradein.order_link.already_ordered", fields)
		return
	}

	at := event.PlacedAt
	if at.IsZero() {
		at = t.now()
	}
	updated, err := t.requests.MarkOrdered(ctx, requestID, orderID, at)
	if err != nil {
		name := "tradein.order_link.update_failed"
		if isRepoConflict(err) {
			name = "tradein.order_link.already_ordered"
		}
		fields["error"] = err.Error()
		t.logger(ctx, name, fields)
		return
	}

	t.logger(ctx, "tradein.order_link.ordered", fields)
	t.publish(ctx, TradeInLifecycleEvent{
		Type:         TradeInEventOrdered,
		RequestID:    updated.ID,
		CartID:       cartID,
		OrderID:      orderID,
		Status:       string(updated.Status),
		Amount:       updated.EstimatedAmount,
		CurrencyCode: updated.CurrencyCode,
		OccurredAt:   at.UTC(),
	})
}

// publish is best-effort; lifecycle notifications never fail the calling operation.
func (t tradeInTracker) publish(ctx context.Context, event TradeInLifecycleEvent) {
	if t.events == nil {
		return
	}
	if err := t.events.PublishTradeInEvent(ctx, event); err != nil {
		t.logger(ctx, "tradein.event.publish_failed", map[string]any{"type": event.Type, "requestId": event.RequestID, "error": err.Error()})
	}
}
