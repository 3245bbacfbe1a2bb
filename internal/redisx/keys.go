package redisx

import "time"

const (
	// Cached order status: order_status:{order_id} -> {"status": "...", "buyer_id": ...}
	KeyOrderStatus = "order_status:%d"
	// Invalidation generation: order_status_gen:{order_id} -> counter bumped on every invalidate
	KeyOrderStatusGen = "order_status_gen:%d"
	// Checkout idempotency: idem:reservation:{buyer_id}:{Idempotency-Key} -> order_id
	KeyIdemReservation = "idem:reservation:%d:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLStatusGen   = 2 * TTLStatusCache
	TTLIdempotency = 24 * time.Hour
)
