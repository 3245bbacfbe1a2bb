package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerGateway stops calling the gateway after repeated failures so that
// requests fail fast instead of piling up on a dead upstream.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[any]
}

func WithBreaker(next Gateway, name string, failures uint32, openFor time.Duration) *BreakerGateway {
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// a missing session is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSessionNotFound)
		},
	})
	return &BreakerGateway{next: next, cb: cb}
}

func (b *BreakerGateway) State() gobreaker.State { return b.cb.State() }

func (b *BreakerGateway) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	return execute(b.cb, func() (Session, error) { return b.next.CreateSession(ctx, in) })
}

func (b *BreakerGateway) RetrieveSession(ctx context.Context, id string) (Session, error) {
	return execute(b.cb, func() (Session, error) { return b.next.RetrieveSession(ctx, id) })
}

func (b *BreakerGateway) PaymentMethodType(ctx context.Context, paymentIntentID string) (string, error) {
	return execute(b.cb, func() (string, error) { return b.next.PaymentMethodType(ctx, paymentIntentID) })
}

func execute[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return zero, err
	}
	return v.(T), nil
}
