package cachesync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/marketplace-orders/internal/kafka"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

// Topics whose events change what GET /orders/{id} returns.
var Topics = []string{
	orders.TopicOrderPaid,
	orders.TopicOrderExpired,
	orders.TopicOrderStatus,
}

type Invalidator interface {
	Invalidate(ctx context.Context, orderID int64) error
}

// Handler evicts the cached status of the order named by the envelope's
// correlation id, or by the payload's order_id when the envelope has none.
// It lets API replicas that did not perform a write converge.
func Handler(cache Invalidator, logger *zap.Logger) func(ctx context.Context, m kafka.Message) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, m kafka.Message) error {
		var env orders.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			// poison message, nothing to retry
			logger.Warn("skip undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
			return nil
		}
		orderID, ok := orderOf(env)
		if !ok {
			logger.Warn("skip event without order id", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))
			return nil
		}
		if err := cache.Invalidate(ctx, orderID); err != nil {
			return fmt.Errorf("invalidate order %d: %w", orderID, err)
		}
		logger.Debug("status cache invalidated",
			zap.Int64("order_id", orderID),
			zap.String("event_type", env.EventType),
			zap.String("trace_id", env.TraceID))
		return nil
	}
}

// every order payload carries order_id
type orderRef struct {
	OrderID int64 `json:"order_id"`
}

func orderOf(env orders.Envelope) (int64, bool) {
	if env.CorrelationID != "" {
		id, err := strconv.ParseInt(env.CorrelationID, 10, 64)
		return id, err == nil && id > 0
	}
	ref, err := kafkax.UnwrapPayload[orderRef](env.Payload)
	return ref.OrderID, err == nil && ref.OrderID > 0
}
