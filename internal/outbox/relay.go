package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/marketplace-orders/internal/kafka"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
)

// Publisher is implemented by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Relay drains committed outbox rows to Kafka. Rows are marked sent only after
// the broker acknowledged them, so delivery is at least once.
type Relay struct {
	DB        Beginner
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Interval  time.Duration
	Batch     int
}

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger().Error("outbox relay failed", zap.Error(err))
		}
		// keep draining while full batches come back
		if err == nil && n == r.Batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many records went out.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		recs, err := FetchPending(ctx, tx, r.Batch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}

		if err := r.Publisher.Publish(ctx, Messages(recs)...); err != nil {
			return err
		}

		ids := make([]int64, len(recs))
		perTopic := map[string]int{}
		for i, rec := range recs {
			ids[i] = rec.ID
			perTopic[rec.Topic]++
		}
		if err := MarkSent(ctx, tx, ids); err != nil {
			return err
		}
		for topic, c := range perTopic {
			r.Metrics.Published(topic, c)
		}
		n = len(recs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger().Debug("outbox relayed", zap.Int("records", n))
	}
	return n, nil
}

// Messages converts records to Kafka messages keyed by order id, carrying the
// envelope metadata as headers.
func Messages(recs []Record) []kafka.Message {
	out := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		var meta struct {
			EventType    string `json:"event_type"`
			EventVersion int    `json:"event_version"`
		}
		_ = json.Unmarshal(rec.Payload, &meta)

		out = append(out, kafka.Message{
			Topic: rec.Topic,
			Key:   []byte(rec.Key),
			Value: rec.Payload,
			Headers: []kafka.Header{
				{Key: kafkax.HeaderEventID, Value: []byte(rec.EventID)},
				{Key: kafkax.HeaderEventType, Value: []byte(meta.EventType)},
				{Key: kafkax.HeaderEventVersion, Value: []byte(strconv.Itoa(meta.EventVersion))},
			},
		})
	}
	return out
}

func (r *Relay) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
