package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
)

// ErrInvalidOrderEvent marks payloads that can never be processed and should not be redelivered.
var ErrInvalidOrderEvent = errors.New("order event: invalid payload")

type orderPlacedPayload struct {
	OrderID  string     `json:"order_id"`
	CartID   string     `json:"cart_id"`
	PlacedAt *time.Time `json:"placed_at"`
}

// DecodeOrderPlaced parses the JSON body of an orders.placed message. Both identifiers are
// required; a missing placed_at is left zero for the tracker to fill in.
func DecodeOrderPlaced(data []byte) (domain.OrderPlacedEvent, error) {
	var payload orderPlacedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.OrderPlacedEvent{}, fmt.Errorf("%w: %v", ErrInvalidOrderEvent, err)
	}
	event := domain.OrderPlacedEvent{
		OrderID: strings.TrimSpace(payload.OrderID),
		CartID:  strings.TrimSpace(payload.CartID),
	}
	if event.OrderID == "" || event.CartID == "" {
		return domain.OrderPlacedEvent{}, fmt.Errorf("%w: order_id and cart_id are required", ErrInvalidOrderEvent)
	}
	if payload.PlacedAt != nil {
		event.PlacedAt = payload.PlacedAt.UTC()
	}
	return event, nil
}
