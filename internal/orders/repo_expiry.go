package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ExpireReservation moves a Pending order to Expired and gives its stock back.
// It reports false when the order was no longer Pending once locked.
func (r *Repo) ExpireReservation(ctx context.Context, orderID int64, reason string) (bool, error) {
	var expired bool
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		var err error
		expired, err = r.expireTx(ctx, tx, orderID, reason)
		return err
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// CancelReservation is the buyer-initiated variant; a non-Pending order is a conflict.
func (r *Repo) CancelReservation(ctx context.Context, orderID int64) error {
	ok, err := r.ExpireReservation(ctx, orderID, ReasonCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

func (r *Repo) expireTx(ctx context.Context, tx pgx.Tx, orderID int64, reason string) (bool, error) {
	var status string
	var deleted bool
	err := tx.QueryRow(ctx, `SELECT status, deleted FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock order %d: %w", orderID, err)
	}
	// a payment confirmation may have won the lock
	if Status(status) != StatusPending || deleted {
		return false, nil
	}

	lines, err := orderLines(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	restored := make([]ItemQty, 0, len(lines))
	for _, l := range lines {
		if _, err := tx.Exec(ctx, `UPDATE products SET quantity = quantity + $2, updated_at = now() WHERE id=$1`,
			l.ProductID, l.Quantity); err != nil {
			return false, fmt.Errorf("restore product %d: %w", l.ProductID, err)
		}
		restored = append(restored, ItemQty{ProductID: l.ProductID, Qty: l.Quantity})
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, StatusExpired); err != nil {
		return false, fmt.Errorf("expire order %d: %w", orderID, err)
	}
	if err := r.emit(ctx, tx, TopicOrderExpired, EventOrderExpired, orderID, OrderExpiredPayload{
		OrderID: orderID, Reason: reason, Restored: restored,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ListOverdueReservations returns Pending orders created before cutoff, oldest first.
func (r *Repo) ListOverdueReservations(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := r.DB.Query(ctx, `SELECT id FROM orders
		WHERE status=$1 AND NOT deleted AND created_at < $2
		ORDER BY created_at LIMIT $3`, StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query overdue reservations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
