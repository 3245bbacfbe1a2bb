package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/payments"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
	"go.uber.org/zap"
)

// Store is the transactional side of the engine, implemented by *orders.Repo.
type Store interface {
	CreateReservedOrder(ctx context.Context, buyerID int64) (orders.Reservation, error)
	GetOrder(ctx context.Context, orderID int64) (orders.Order, error)
	OrderLines(ctx context.Context, orderID int64) ([]orders.OrderLine, error)
	SetPaymentSession(ctx context.Context, orderID int64, sessionID string) error
	ConfirmPayment(ctx context.Context, in orders.PaymentConfirmation) (orders.ConfirmResult, error)
	ExpireReservation(ctx context.Context, orderID int64, reason string) (bool, error)
	CancelReservation(ctx context.Context, orderID int64) error
	UpdateSubOrderStatus(ctx context.Context, orderID, vendorID int64, status orders.SubOrderStatus) (orders.SubOrder, orders.Status, error)
	SubOrdersByOrder(ctx context.Context, orderID int64) ([]orders.SubOrder, error)
	SubOrdersByVendor(ctx context.Context, vendorID int64) ([]orders.SubOrder, error)
}

// StatusCache is implemented by *redisx.StatusCache.
type StatusCache interface {
	Get(ctx context.Context, orderID int64) (redisx.OrderSnapshot, error)
	Version(ctx context.Context, orderID int64) (int64, error)
	Set(ctx context.Context, orderID, version int64, s redisx.OrderSnapshot) (bool, error)
	Invalidate(ctx context.Context, orderID int64) error
}

// Idempotency is implemented by *redisx.IdempotencyKeys.
type Idempotency interface {
	Lookup(ctx context.Context, buyerID int64, key string) (int64, bool, error)
	Remember(ctx context.Context, buyerID int64, key string, orderID int64) error
}

type Settings struct {
	ReservationWindow time.Duration
	Currency          string
	SuccessURL        string
	CancelURL         string
}

type Service struct {
	store    Store
	gateway  payments.Gateway
	cache    StatusCache
	idem     Idempotency
	metrics  *metrics.Metrics
	logger   *zap.Logger
	settings Settings
	now      func() time.Time
}

func NewService(store Store, gateway payments.Gateway, cache StatusCache, m *metrics.Metrics, logger *zap.Logger, s Settings) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		cache:    cache,
		metrics:  m,
		logger:   logger,
		settings: s,
		now:      time.Now,
	}
}

// WithIdempotency enables Idempotency-Key handling on checkout.
func (s *Service) WithIdempotency(idem Idempotency) *Service {
	s.idem = idem
	return s
}

// classify keeps known error classes and folds everything else into ErrInternal.
func classify(err error) error {
	for _, known := range []error{orders.ErrValidation, orders.ErrNotFound, orders.ErrForbidden, orders.ErrConflict, orders.ErrInternal} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", orders.ErrInternal, err)
}

func (s *Service) invalidate(ctx context.Context, orderID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, orderID); err != nil {
		s.logger.Warn("status cache invalidate failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) loadOwned(ctx context.Context, orderID, userID int64) (orders.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, classify(err)
	}
	if o.BuyerID != userID {
		return orders.Order{}, fmt.Errorf("%w: order %d", orders.ErrForbidden, orderID)
	}
	return o, nil
}

func requireRole(a Actor, roles ...Role) error {
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q not allowed", orders.ErrForbidden, a.Role)
}
