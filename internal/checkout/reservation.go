package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"go.uber.org/zap"
)

const maxIdempotencyKey = 255

// CreateReservation checks out the buyer's cart. Repeated clicks while a
// reservation is Pending return that reservation; a repeated idempotency key
// returns the order it created even after the order moved on.
func (s *Service) CreateReservation(ctx context.Context, actor Actor, idemKey string) (orders.Reservation, error) {
	if err := requireRole(actor, RoleBuyer); err != nil {
		return orders.Reservation{}, err
	}
	if len(idemKey) > maxIdempotencyKey {
		return orders.Reservation{}, fmt.Errorf("%w: idempotency key longer than %d bytes", orders.ErrValidation, maxIdempotencyKey)
	}
	if res, ok := s.replay(ctx, actor, idemKey); ok {
		s.metrics.Reservation("replayed")
		return res, nil
	}

	res, err := s.store.CreateReservedOrder(ctx, actor.UserID)
	if err != nil {
		var stockErr *orders.StockError
		switch {
		case errors.As(err, &stockErr):
			s.metrics.Reservation("insufficient_stock")
			s.logger.Info("reservation rejected",
				zap.Int64("buyer_id", actor.UserID),
				zap.Int64("product_id", stockErr.ProductID),
				zap.Int("requested", stockErr.Requested),
				zap.Int("available", stockErr.Available))
		case errors.Is(err, orders.ErrEmptyCart):
			s.metrics.Reservation("empty_cart")
		default:
			s.metrics.Reservation("error")
			s.logger.Error("reservation failed", zap.Int64("buyer_id", actor.UserID), zap.Error(err))
		}
		return orders.Reservation{}, classify(err)
	}

	if s.idem != nil && idemKey != "" {
		if err := s.idem.Remember(ctx, actor.UserID, idemKey, res.Order.ID); err != nil {
			s.logger.Warn("idempotency key not stored", zap.Int64("order_id", res.Order.ID), zap.Error(err))
		}
	}

	if res.Existing {
		s.metrics.Reservation("existing")
	} else {
		s.metrics.Reservation("created")
		s.logger.Info("reservation created",
			zap.Int64("order_id", res.Order.ID),
			zap.Int64("buyer_id", actor.UserID),
			zap.String("total", res.Order.Total.StringFixed(2)),
			zap.Int("lines", len(res.Lines)))
	}
	return res, nil
}

// replay returns the order an idempotency key already produced. Lookup
// failures fall through to a normal checkout.
func (s *Service) replay(ctx context.Context, actor Actor, key string) (orders.Reservation, bool) {
	if s.idem == nil || key == "" {
		return orders.Reservation{}, false
	}
	orderID, ok, err := s.idem.Lookup(ctx, actor.UserID, key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.Int64("buyer_id", actor.UserID), zap.Error(err))
		return orders.Reservation{}, false
	}
	if !ok {
		return orders.Reservation{}, false
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil || o.BuyerID != actor.UserID {
		return orders.Reservation{}, false
	}
	lines, err := s.store.OrderLines(ctx, orderID)
	if err != nil {
		return orders.Reservation{}, false
	}
	return orders.Reservation{Order: o, Lines: lines, Existing: true}, true
}

// CancelOrder reverts a Pending reservation owned by the caller.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID int64) error {
	o, err := s.loadOwned(ctx, orderID, actor.UserID)
	if err != nil {
		return err
	}
	if o.Status != orders.StatusPending {
		return orders.ErrNotPending
	}
	if err := s.store.CancelReservation(ctx, orderID); err != nil {
		return classify(err)
	}
	s.metrics.Expiration(orders.ReasonCancelled)
	s.invalidate(ctx, orderID)
	s.logger.Info("reservation cancelled", zap.Int64("order_id", orderID), zap.Int64("buyer_id", actor.UserID))
	return nil
}
