package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OrderSnapshot is what the status cache keeps per order; the buyer id lets
// ownership be checked without a database round trip.
type OrderSnapshot struct {
	Status  string `json:"status"`
	BuyerID int64  `json:"buyer_id"`
}

var ErrCacheMiss = errors.New("cache miss")

// StatusCache is a cache-aside view of order statuses. Postgres stays the
// source of truth; every mutation invalidates the key.
//
// Fills are guarded by a per-order generation: read Version before loading
// from Postgres and pass it to Set. An invalidation in between bumps the
// generation and the stale fill is dropped.
type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

func (c *StatusCache) Get(ctx context.Context, orderID int64) (OrderSnapshot, error) {
	data, err := c.client.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return OrderSnapshot{}, ErrCacheMiss
	}
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("redis get failed: %w", err)
	}
	var s OrderSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return OrderSnapshot{}, fmt.Errorf("unmarshal snapshot failed: %w", err)
	}
	return s, nil
}

// Version returns the current invalidation generation of the order.
func (c *StatusCache) Version(ctx context.Context, orderID int64) (int64, error) {
	v, err := c.client.Get(ctx, genKey(orderID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return v, nil
}

// Set stores the snapshot if the order was not invalidated since version was
// read. It reports whether the snapshot was stored.
func (c *StatusCache) Set(ctx context.Context, orderID, version int64, s OrderSnapshot) (bool, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot failed: %w", err)
	}
	gen := genKey(orderID)
	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gen).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, statusKey(orderID), b, TTLStatusCache)
			return nil
		})
		stored = err == nil
		return err
	}, gen)
	if errors.Is(err, redis.TxFailedErr) {
		// invalidated while we were writing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set failed: %w", err)
	}
	return stored, nil
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID int64) error {
	gen := genKey(orderID)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, statusKey(orderID))
		p.Incr(ctx, gen)
		p.Expire(ctx, gen, TTLStatusGen)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

func statusKey(orderID int64) string {
	return fmt.Sprintf(KeyOrderStatus, orderID)
}

func genKey(orderID int64) string {
	return fmt.Sprintf(KeyOrderStatusGen, orderID)
}
