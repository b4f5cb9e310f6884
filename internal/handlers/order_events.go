package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/tradein/internal/platform/httpx"
	"github.com/hanko-field/tradein/internal/platform/jobs"
	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

const maxPushBodySize = 64 * 1024

// OrderEventHandlers receives orders.placed deliveries pushed by Pub/Sub.
type OrderEventHandlers struct {
	handler jobs.OrderPlacedHandler
}

func NewOrderEventHandlers(handler jobs.OrderPlacedHandler) *OrderEventHandlers {
	return &OrderEventHandlers{handler: handler}
}

// Routes mounts POST /events/order-placed. Authentication is applied by the caller's group.
func (h *OrderEventHandlers) Routes(r chi.Router) {
	r.Post("/events/order-placed", h.orderPlaced)
}

type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// orderPlaced acknowledges every well-formed envelope, including undecodable payloads, since a
// redelivery cannot fix them. Only a broken envelope is rejected.
func (h *OrderEventHandlers) orderPlaced(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.handler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("trade_in_unavailable", "order event handler is unavailable", http.StatusServiceUnavailable))
		return
	}

	var envelope pushEnvelope
	data, err := readLimitedBody(r, maxPushBodySize)
	if err == nil {
		err = json.Unmarshal(data, &envelope)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid push envelope", status))
		return
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("messageId", envelope.Message.MessageID),
		zap.String("subscription", envelope.Subscription),
	)

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope.Message.Data))
	if err != nil {
		logger.Warn("dropping order event", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	event, err := jobs.DecodeOrderPlaced(payload)
	if err != nil {
		logger.Warn("dropping order event", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.handler.HandleOrderPlaced(requestctx.WithLogger(ctx, logger), event)
	w.WriteHeader(http.StatusNoContent)
}
