package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/payments"
	"go.uber.org/zap"
)

type Verification struct {
	OrderID       int64
	Status        orders.Status
	SessionStatus string
	PaymentStatus string
	PaymentMethod string // set once a payment is recorded
}

// VerifyPayment reconciles the local order with the gateway's view of the
// session. The gateway is authoritative; the call is safe to repeat.
func (s *Service) VerifyPayment(ctx context.Context, sessionID string, userID int64) (Verification, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Verification{}, fmt.Errorf("%w: session_id is required", orders.ErrValidation)
	}

	sess, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		s.metrics.Verification("gateway_error")
		if errors.Is(err, payments.ErrSessionNotFound) {
			return Verification{}, fmt.Errorf("%w: payment session %s", orders.ErrNotFound, sessionID)
		}
		s.logger.Error("retrieve payment session failed", zap.String("session_id", sessionID), zap.Error(err))
		return Verification{}, fmt.Errorf("%w: %w: %v", orders.ErrInternal, orders.ErrGateway, err)
	}

	orderID, err := strconv.ParseInt(strings.TrimSpace(sess.Reference), 10, 64)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: session order reference %q", orders.ErrValidation, sess.Reference)
	}
	o, err := s.loadOwned(ctx, orderID, userID)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{OrderID: o.ID, Status: o.Status, SessionStatus: sess.Status, PaymentStatus: sess.PaymentStatus}
	switch {
	case sess.Paid():
		res, err := s.confirm(ctx, o, sess)
		if err != nil {
			s.metrics.Verification("error")
			return Verification{}, err
		}
		v.Status = res.Status
		v.PaymentMethod = res.Payment.Method
		if res.Advanced {
			s.metrics.Verification("paid")
		} else {
			s.metrics.Verification("replay")
		}

	case sess.Terminal():
		if o.Status != orders.StatusPending {
			s.metrics.Verification("terminal_noop")
			break
		}
		expired, err := s.store.ExpireReservation(ctx, o.ID, orders.ReasonPaymentIncomplete)
		if err != nil {
			s.metrics.Verification("error")
			s.logger.Error("expire unpaid order failed", zap.Int64("order_id", o.ID), zap.Error(err))
			return Verification{}, classify(err)
		}
		if expired {
			v.Status = orders.StatusExpired
			s.metrics.Verification("expired")
			s.metrics.Expiration(orders.ReasonPaymentIncomplete)
			s.invalidate(ctx, o.ID)
		} else if cur, err := s.store.GetOrder(ctx, o.ID); err == nil {
			v.Status = cur.Status
		}

	default:
		s.metrics.Verification("open")
	}
	return v, nil
}

func (s *Service) confirm(ctx context.Context, o orders.Order, sess payments.Session) (orders.ConfirmResult, error) {
	method := payments.UnknownMethod
	intentID := sess.PaymentIntentID
	if intentID == "" {
		// no_payment_required sessions carry no intent; key them by session id
		intentID = sess.ID
	} else if m, err := s.gateway.PaymentMethodType(ctx, intentID); err != nil {
		s.logger.Warn("payment method lookup failed, using sentinel",
			zap.Int64("order_id", o.ID), zap.String("payment_intent_id", intentID), zap.Error(err))
	} else {
		method = m
	}

	res, err := s.store.ConfirmPayment(ctx, orders.PaymentConfirmation{
		OrderID:         o.ID,
		PaymentIntentID: intentID,
		Amount:          sess.Amount(),
		Currency:        sess.Currency,
		GatewayStatus:   sess.PaymentStatus,
		Method:          method,
	})
	if err != nil {
		s.logger.Error("confirm payment failed", zap.Int64("order_id", o.ID), zap.Error(err))
		return orders.ConfirmResult{}, classify(err)
	}
	s.invalidate(ctx, o.ID)

	switch {
	case res.Advanced:
		s.logger.Info("payment confirmed",
			zap.Int64("order_id", o.ID),
			zap.String("payment_intent_id", intentID),
			zap.String("method", method),
			zap.Int64s("vendor_ids", res.VendorIDs))
	case !res.Status.Paid():
		s.logger.Warn("payment received for an order that is no longer payable, refund required",
			zap.Int64("order_id", o.ID),
			zap.String("status", string(res.Status)),
			zap.String("payment_intent_id", intentID))
	}
	return res, nil
}

// StartPayment opens (or reuses) a gateway checkout session for a Pending order.
func (s *Service) StartPayment(ctx context.Context, actor Actor, orderID int64) (payments.Session, error) {
	o, err := s.loadOwned(ctx, orderID, actor.UserID)
	if err != nil {
		return payments.Session{}, err
	}
	if o.Status != orders.StatusPending {
		return payments.Session{}, orders.ErrNotPending
	}

	if o.PaymentSessionID != "" {
		sess, err := s.gateway.RetrieveSession(ctx, o.PaymentSessionID)
		if err == nil && sess.Status == payments.SessionOpen {
			return sess, nil
		}
	}

	sess, err := s.gateway.CreateSession(ctx, payments.CreateSessionInput{
		OrderID:     o.ID,
		Description: fmt.Sprintf("Order #%d", o.ID),
		Amount:      o.Total,
		Currency:    s.settings.Currency,
		SuccessURL:  s.settings.SuccessURL,
		CancelURL:   s.settings.CancelURL,
		ExpiresAt:   s.sessionExpiry(o.CreatedAt).Unix(),
	})
	if err != nil {
		s.logger.Error("create payment session failed", zap.Int64("order_id", o.ID), zap.Error(err))
		return payments.Session{}, fmt.Errorf("%w: %w: %v", orders.ErrInternal, orders.ErrGateway, err)
	}
	if err := s.store.SetPaymentSession(ctx, o.ID, sess.ID); err != nil {
		return payments.Session{}, classify(err)
	}
	return sess, nil
}

// minSessionLifetime is the shortest expiry the gateway accepts.
const minSessionLifetime = 31 * time.Minute

// sessionExpiry aligns the gateway session with the reservation window, bounded
// below by what the gateway accepts.
func (s *Service) sessionExpiry(reservedAt time.Time) time.Time {
	exp := reservedAt.Add(s.settings.ReservationWindow)
	if earliest := s.now().Add(minSessionLifetime); exp.Before(earliest) {
		return earliest
	}
	return exp
}
