package jobs

import (
	"context"
	"errors"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/platform/observability"
	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

// OrderPlacedHandler links a placed order to its trade-in request.
type OrderPlacedHandler interface {
	HandleOrderPlaced(ctx context.Context, event domain.OrderPlacedEvent)
}

// OrderPlacedSubscriber pulls orders.placed messages and hands them to the trade-in service.
// Every message is acked: the handler logs its own failures and malformed payloads never heal.
type OrderPlacedSubscriber struct {
	sub         *pubsub.Subscription
	handler     OrderPlacedHandler
	logger      *zap.Logger
	projectID   string
	concurrency int
}

// SubscriberOption customises an OrderPlacedSubscriber.
type SubscriberOption func(*OrderPlacedSubscriber)

// WithSubscriberLogger sets the base logger for received messages.
func WithSubscriberLogger(logger *zap.Logger) SubscriberOption {
	return func(s *OrderPlacedSubscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConcurrency bounds the number of messages processed at once.
func WithConcurrency(n int) SubscriberOption {
	return func(s *OrderPlacedSubscriber) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithTraceProject sets the project used to format trace ids in logs.
func WithTraceProject(projectID string) SubscriberOption {
	return func(s *OrderPlacedSubscriber) {
		s.projectID = projectID
	}
}

// NewOrderPlacedSubscriber validates its collaborators.
func NewOrderPlacedSubscriber(sub *pubsub.Subscription, handler OrderPlacedHandler, opts ...SubscriberOption) (*OrderPlacedSubscriber, error) {
	if sub == nil {
		return nil, errors.New("order subscriber: subscription is required")
	}
	if handler == nil {
		return nil, errors.New("order subscriber: handler is required")
	}
	s := &OrderPlacedSubscriber{
		sub:         sub,
		handler:     handler,
		logger:      zap.NewNop(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run receives until ctx is cancelled or the subscription fails.
func (s *OrderPlacedSubscriber) Run(ctx context.Context) error {
	s.sub.ReceiveSettings.NumGoroutines = 1
	s.sub.ReceiveSettings.MaxOutstandingMessages = s.concurrency
	err := s.sub.Receive(ctx, s.process)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *OrderPlacedSubscriber) process(ctx context.Context, msg *pubsub.Message) {
	defer msg.Ack()

	ctx, span := observability.StartSpan(ctx, s.projectID, "tradein.order_placed",
		attribute.String("messaging.system", "gcp_pubsub"),
		attribute.String("messaging.message.id", msg.ID),
	)
	defer span.End()

	logger := s.logger.With(
		zap.String("messageId", msg.ID),
		zap.String("trace_id", requestctx.TraceID(ctx)),
	)
	ctx = requestctx.WithLogger(ctx, logger)

	event, err := DecodeOrderPlaced(msg.Data)
	if err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		logger.Warn("dropping order event", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.String("tradein.cart_id", event.CartID), attribute.String("tradein.order_id", event.OrderID))

	s.handler.HandleOrderPlaced(ctx, event)
}
