package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// createSubOrdersForOrder inserts one AwaitingShipment suborder per distinct vendor
// on the order. Vendors already represented are left alone.
func createSubOrdersForOrder(ctx context.Context, tx pgx.Tx, orderID int64) ([]int64, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO suborders(order_id, vendor_id, status)
		SELECT DISTINCT ol.order_id, p.vendor_id, $2::text
		FROM order_lines ol JOIN products p ON p.id = ol.product_id
		WHERE ol.order_id = $1
		ON CONFLICT (order_id, vendor_id) DO NOTHING`, orderID, SubOrderAwaitingShipment); err != nil {
		return nil, fmt.Errorf("fan out suborders: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT vendor_id FROM suborders WHERE order_id=$1 ORDER BY vendor_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query suborder vendors: %w", err)
	}
	defer rows.Close()
	var vendors []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

// syncMainOrderStatus recomputes the order status from its suborders on the
// caller's transaction. Orders without suborders are not touched.
func (r *Repo) syncMainOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64) (Status, error) {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock order %d: %w", orderID, err)
	}

	rows, err := tx.Query(ctx, `SELECT status FROM suborders WHERE order_id=$1`, orderID)
	if err != nil {
		return "", fmt.Errorf("query suborder statuses: %w", err)
	}
	var subs []SubOrderStatus
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return "", err
		}
		subs = append(subs, SubOrderStatus(s))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	next, ok := AggregateStatus(subs)
	if !ok || next == Status(current) || !CanTransition(Status(current), next) {
		return Status(current), nil
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, next); err != nil {
		return "", fmt.Errorf("update order status: %w", err)
	}
	if err := r.emit(ctx, tx, TopicOrderStatus, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID: orderID, From: Status(current), To: next,
	}); err != nil {
		return "", err
	}
	return next, nil
}

// UpdateSubOrderStatus changes one vendor's suborder and resyncs the parent order
// in the same transaction. The order row is locked before the suborder row.
func (r *Repo) UpdateSubOrderStatus(ctx context.Context, orderID, vendorID int64, status SubOrderStatus) (SubOrder, Status, error) {
	var sub SubOrder
	var orderStatus Status
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		if _, err := getOrder(ctx, tx, orderID, true); err != nil {
			return err
		}
		var from string
		err := tx.QueryRow(ctx, `SELECT status FROM suborders WHERE order_id=$1 AND vendor_id=$2 FOR UPDATE`,
			orderID, vendorID).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubOrderMissing
		}
		if err != nil {
			return fmt.Errorf("lock suborder: %w", err)
		}

		if SubOrderStatus(from) != status {
			if _, err := tx.Exec(ctx, `UPDATE suborders SET status=$3, updated_at=now()
				WHERE order_id=$1 AND vendor_id=$2`, orderID, vendorID, status); err != nil {
				return fmt.Errorf("update suborder: %w", err)
			}
			if err := r.emit(ctx, tx, TopicSubOrderStatus, EventSubOrderStatusChanged, orderID, SubOrderStatusChangedPayload{
				OrderID: orderID, VendorID: vendorID, From: SubOrderStatus(from), To: status,
			}); err != nil {
				return err
			}
		}

		sub, err = scanSubOrder(tx.QueryRow(ctx, `SELECT `+subOrderColumns+` FROM suborders
			WHERE order_id=$1 AND vendor_id=$2`, orderID, vendorID))
		if err != nil {
			return fmt.Errorf("reload suborder: %w", err)
		}
		orderStatus, err = r.syncMainOrderStatus(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return SubOrder{}, "", err
	}
	return sub, orderStatus, nil
}

const subOrderColumns = `order_id, vendor_id, status, created_at, updated_at`

func scanSubOrder(row pgx.Row) (SubOrder, error) {
	var s SubOrder
	var status string
	if err := row.Scan(&s.OrderID, &s.VendorID, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return SubOrder{}, err
	}
	s.Status = SubOrderStatus(status)
	return s, nil
}

func (r *Repo) SubOrdersByOrder(ctx context.Context, orderID int64) ([]SubOrder, error) {
	return r.listSubOrders(ctx, `SELECT `+subOrderColumns+` FROM suborders WHERE order_id=$1 ORDER BY vendor_id`, orderID)
}

func (r *Repo) SubOrdersByVendor(ctx context.Context, vendorID int64) ([]SubOrder, error) {
	return r.listSubOrders(ctx, `SELECT `+subOrderColumns+` FROM suborders WHERE vendor_id=$1 ORDER BY created_at DESC, order_id DESC`, vendorID)
}

func (r *Repo) listSubOrders(ctx context.Context, sql string, id int64) ([]SubOrder, error) {
	rows, err := r.DB.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("query suborders: %w", err)
	}
	defer rows.Close()

	out := []SubOrder{}
	for rows.Next() {
		s, err := scanSubOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suborder: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
