package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx, so read helpers can run
// inside or outside the caller's unit of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct {
	DB       *pgxpool.Pool
	Producer string // stamped on outbox envelopes
}

const orderColumns = `id, buyer_id, total, status, deleted, COALESCE(payment_session_id, ''), created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	if err := row.Scan(&o.ID, &o.BuyerID, &o.Total, &status, &o.Deleted, &o.PaymentSessionID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	return getOrder(ctx, r.DB, orderID, false)
}

func getOrder(ctx context.Context, q querier, orderID int64, lock bool) (Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1 AND NOT deleted`
	if lock {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order %d: %w", orderID, err)
	}
	return o, nil
}

func findPendingOrder(ctx context.Context, q querier, buyerID int64) (Order, bool, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id=$1 AND status=$2 AND NOT deleted`, buyerID, StatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, fmt.Errorf("query pending order: %w", err)
	}
	return o, true, nil
}

func (r *Repo) OrderLines(ctx context.Context, orderID int64) ([]OrderLine, error) {
	return orderLines(ctx, r.DB, orderID)
}

func orderLines(ctx context.Context, q querier, orderID int64) ([]OrderLine, error) {
	rows, err := q.Query(ctx, `SELECT order_id, product_id, quantity, unit_price
		FROM order_lines WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetPaymentSession records the gateway session reference on a pending order.
func (r *Repo) SetPaymentSession(ctx context.Context, orderID int64, sessionID string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET payment_session_id=$2, updated_at=now()
		WHERE id=$1 AND status=$3 AND NOT deleted`, orderID, sessionID, StatusPending)
	if err != nil {
		return fmt.Errorf("set payment session: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return ErrNotPending
	}
	return nil
}

func (r *Repo) emit(ctx context.Context, tx pgx.Tx, topic, eventType string, orderID int64, payload any) error {
	b, err := marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      r.Producer,
		TraceID:       logging.TraceID(ctx),
		CorrelationID: PartitionKey(orderID),
		Payload:       b,
	}
	if err := outbox.Insert(ctx, tx, env.EventID, topic, PartitionKey(orderID), env); err != nil {
		return fmt.Errorf("outbox %s: %w", eventType, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
