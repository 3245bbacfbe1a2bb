package expiry

import (
	"context"
	"time"

	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"go.uber.org/zap"
)

// Store is implemented by *orders.Repo.
type Store interface {
	ListOverdueReservations(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	ExpireReservation(ctx context.Context, orderID int64, reason string) (bool, error)
}

// Invalidator drops cached order state after an expiry; may be nil.
type Invalidator interface {
	Invalidate(ctx context.Context, orderID int64) error
}

// Sweeper periodically reverts Pending orders older than the reservation
// window. All state lives in Postgres, so a restarted sweeper picks up where
// the last one stopped and several sweepers may run side by side.
type Sweeper struct {
	Store    Store
	Cache    Invalidator
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Window   time.Duration
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger().Info("expiry sweeper started",
		zap.Duration("window", s.Window),
		zap.Duration("interval", s.Interval),
		zap.Int("batch", s.Batch))
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires up to one batch of overdue reservations and returns how
// many were actually expired. Orders paid in the meantime are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ids, err := s.Store.ListOverdueReservations(ctx, now().Add(-s.Window), s.Batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		ok, err := s.Store.ExpireReservation(ctx, id, orders.ReasonExpired)
		if err != nil {
			s.logger().Error("expire reservation failed", zap.Int64("order_id", id), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		expired++
		s.Metrics.Expiration(orders.ReasonExpired)
		if s.Cache != nil {
			if err := s.Cache.Invalidate(ctx, id); err != nil {
				s.logger().Warn("status cache invalidate failed", zap.Int64("order_id", id), zap.Error(err))
			}
		}
		s.logger().Info("reservation expired", zap.Int64("order_id", id))
	}
	return expired, nil
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
