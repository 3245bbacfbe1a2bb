package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
	"go.uber.org/zap"
)

func (s *Service) SubOrdersByOrder(ctx context.Context, actor Actor, orderID int64) ([]orders.SubOrder, error) {
	if !actor.IsAdmin() {
		if _, err := s.loadOwned(ctx, orderID, actor.UserID); err != nil {
			return nil, err
		}
	}
	subs, err := s.store.SubOrdersByOrder(ctx, orderID)
	if err != nil {
		return nil, classify(err)
	}
	return subs, nil
}

func (s *Service) SubOrdersByVendor(ctx context.Context, actor Actor, vendorID int64) ([]orders.SubOrder, error) {
	if !actor.IsAdmin() && (actor.Role != RoleVendor || actor.UserID != vendorID) {
		return nil, fmt.Errorf("%w: vendor %d", orders.ErrForbidden, vendorID)
	}
	subs, err := s.store.SubOrdersByVendor(ctx, vendorID)
	if err != nil {
		return nil, classify(err)
	}
	return subs, nil
}

type SubOrderUpdate struct {
	SubOrder    orders.SubOrder
	OrderStatus orders.Status
}

// UpdateSubOrderStatus is called by the vendor owning the suborder (or an admin).
func (s *Service) UpdateSubOrderStatus(ctx context.Context, actor Actor, orderID, vendorID int64, raw string) (SubOrderUpdate, error) {
	status, err := orders.ParseSubOrderStatus(raw)
	if err != nil {
		return SubOrderUpdate{}, err
	}
	if !actor.IsAdmin() && (actor.Role != RoleVendor || actor.UserID != vendorID) {
		return SubOrderUpdate{}, fmt.Errorf("%w: suborder of vendor %d", orders.ErrForbidden, vendorID)
	}

	sub, orderStatus, err := s.store.UpdateSubOrderStatus(ctx, orderID, vendorID, status)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			s.logger.Error("update suborder failed",
				zap.Int64("order_id", orderID), zap.Int64("vendor_id", vendorID), zap.Error(err))
		}
		return SubOrderUpdate{}, classify(err)
	}
	s.invalidate(ctx, orderID)
	s.logger.Info("suborder updated",
		zap.Int64("order_id", orderID),
		zap.Int64("vendor_id", vendorID),
		zap.String("status", string(status)),
		zap.String("order_status", string(orderStatus)))
	return SubOrderUpdate{SubOrder: sub, OrderStatus: orderStatus}, nil
}

// OrderStatus serves the order status cache-aside, checking ownership on the
// snapshot so hits never reach Postgres. A fill is skipped when the order was
// invalidated while it was being loaded.
func (s *Service) OrderStatus(ctx context.Context, actor Actor, orderID int64) (orders.Status, error) {
	fill := false
	var version int64
	if s.cache != nil {
		if snap, err := s.cache.Get(ctx, orderID); err == nil {
			if !actor.IsAdmin() && snap.BuyerID != actor.UserID {
				return "", fmt.Errorf("%w: order %d", orders.ErrForbidden, orderID)
			}
			return orders.Status(snap.Status), nil
		} else if !errors.Is(err, redisx.ErrCacheMiss) {
			s.logger.Warn("status cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
		} else if version, err = s.cache.Version(ctx, orderID); err == nil {
			fill = true
		}
	}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", classify(err)
	}
	if !actor.IsAdmin() && o.BuyerID != actor.UserID {
		return "", fmt.Errorf("%w: order %d", orders.ErrForbidden, orderID)
	}
	if fill {
		snap := redisx.OrderSnapshot{Status: string(o.Status), BuyerID: o.BuyerID}
		if stored, err := s.cache.Set(ctx, orderID, version, snap); err != nil {
			s.logger.Warn("status cache write failed", zap.Int64("order_id", orderID), zap.Error(err))
		} else if !stored {
			s.logger.Debug("status cache fill skipped, order changed", zap.Int64("order_id", orderID))
		}
	}
	return o.Status, nil
}
