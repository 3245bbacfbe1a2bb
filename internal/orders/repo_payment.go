package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type PaymentConfirmation struct {
	OrderID         int64
	PaymentIntentID string
	Amount          decimal.Decimal
	Currency        string
	GatewayStatus   string
	Method          string
}

type ConfirmResult struct {
	Status    Status
	Advanced  bool // this call moved the order out of Pending/PaymentFailed
	VendorIDs []int64
	Payment   Payment // the stored row; on replay the one recorded first
}

// ConfirmPayment applies a paid gateway session to the order. Every write is
// safe to replay: the status update is guarded, the payment row and suborders
// are conflict-safe inserts. The cart is cleared only by the call that advances
// the order, so a replay never touches items added after the payment.
func (r *Repo) ConfirmPayment(ctx context.Context, in PaymentConfirmation) (ConfirmResult, error) {
	var res ConfirmResult
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, in.OrderID, true)
		if err != nil {
			return err
		}

		if o.Status == StatusPending || o.Status == StatusPaymentFailed {
			if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`,
				o.ID, StatusAwaitingShipment); err != nil {
				return fmt.Errorf("advance order %d: %w", o.ID, err)
			}
			res.Advanced = true
			o.Status = StatusAwaitingShipment
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO payments(order_id, payment_intent_id, amount, currency, status, method)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (payment_intent_id) DO NOTHING`,
			o.ID, in.PaymentIntentID, in.Amount, in.Currency, in.GatewayStatus, in.Method); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if res.Payment, err = scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+`
			FROM payments WHERE payment_intent_id=$1`, in.PaymentIntentID)); err != nil {
			return fmt.Errorf("reload payment: %w", err)
		}

		// expired before the money arrived: keep the payment record, nothing to fulfil
		if !o.Status.Paid() {
			res.Status = o.Status
			return nil
		}

		if res.VendorIDs, err = createSubOrdersForOrder(ctx, tx, o.ID); err != nil {
			return err
		}
		if res.Status, err = r.syncMainOrderStatus(ctx, tx, o.ID); err != nil {
			return err
		}
		if !res.Advanced {
			return nil
		}
		if err := clearCart(ctx, tx, o.BuyerID); err != nil {
			return err
		}
		return r.emit(ctx, tx, TopicOrderPaid, EventOrderPaid, o.ID, OrderPaidPayload{
			OrderID:         o.ID,
			BuyerID:         o.BuyerID,
			PaymentIntentID: in.PaymentIntentID,
			Amount:          in.Amount,
			Currency:        in.Currency,
			Method:          in.Method,
			VendorIDs:       res.VendorIDs,
		})
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	return res, nil
}

const paymentColumns = `order_id, payment_intent_id, amount, currency, status, method, created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.OrderID, &p.PaymentIntentID, &p.Amount, &p.Currency, &p.Status, &p.Method, &p.CreatedAt)
	return p, err
}

// Payments lists the payment rows recorded for the order, oldest first.
func (r *Repo) Payments(ctx context.Context, orderID int64) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	out := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
