package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// IdempotencyKeys maps a buyer's Idempotency-Key header to the order it produced.
type IdempotencyKeys struct {
	client *redis.Client
}

func NewIdempotencyKeys(client *redis.Client) *IdempotencyKeys {
	return &IdempotencyKeys{client: client}
}

func (k *IdempotencyKeys) Lookup(ctx context.Context, buyerID int64, key string) (int64, bool, error) {
	id, err := k.client.Get(ctx, fmt.Sprintf(KeyIdemReservation, buyerID, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}
	return id, true, nil
}

// Remember stores the mapping unless the key is already taken.
func (k *IdempotencyKeys) Remember(ctx context.Context, buyerID int64, key string, orderID int64) error {
	if err := k.client.SetNX(ctx, fmt.Sprintf(KeyIdemReservation, buyerID, key), orderID, TTLIdempotency).Err(); err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	return nil
}
