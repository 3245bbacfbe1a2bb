package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CreateReservedOrder turns the buyer's cart into a Pending order and takes the
// stock for it. A buyer holding a Pending order gets that order back instead.
// Product rows are locked in id order; a shortfall on any line rolls back everything.
func (r *Repo) CreateReservedOrder(ctx context.Context, buyerID int64) (Reservation, error) {
	if o, ok, err := findPendingOrder(ctx, r.DB, buyerID); err != nil {
		return Reservation{}, err
	} else if ok {
		return r.existingReservation(ctx, o)
	}

	var res Reservation
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		cart, err := cartLines(ctx, tx, buyerID)
		if err != nil {
			return err
		}
		if len(cart) == 0 {
			return ErrEmptyCart
		}

		total := decimal.Zero
		lines := make([]OrderLine, 0, len(cart))
		for _, cl := range cart {
			var p Product
			err := tx.QueryRow(ctx, `SELECT id, vendor_id, name, price, quantity, deleted
				FROM products WHERE id=$1 FOR UPDATE`, cl.ProductID).
				Scan(&p.ID, &p.VendorID, &p.Name, &p.Price, &p.Quantity, &p.Deleted)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && p.Deleted) {
				return fmt.Errorf("%w: id=%d", ErrProductNotFound, cl.ProductID)
			}
			if err != nil {
				return fmt.Errorf("lock product %d: %w", cl.ProductID, err)
			}
			if cl.Quantity > p.Quantity {
				return &StockError{ProductID: p.ID, ProductName: p.Name, Requested: cl.Quantity, Available: p.Quantity}
			}
			// current catalog price, not the one cached in the cart
			total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(cl.Quantity))))
			lines = append(lines, OrderLine{ProductID: p.ID, Quantity: cl.Quantity, UnitPrice: p.Price})
		}

		o, err := scanOrder(tx.QueryRow(ctx, `INSERT INTO orders(buyer_id, total, status)
			VALUES ($1, $2, $3) RETURNING `+orderColumns, buyerID, total, StatusPending))
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		items := make([]ItemQty, 0, len(lines))
		for i := range lines {
			lines[i].OrderID = o.ID
			ct, err := tx.Exec(ctx, `UPDATE products SET quantity = quantity - $2, updated_at = now()
				WHERE id=$1 AND quantity >= $2`, lines[i].ProductID, lines[i].Quantity)
			if err != nil {
				return fmt.Errorf("decrement product %d: %w", lines[i].ProductID, err)
			}
			if ct.RowsAffected() != 1 {
				return fmt.Errorf("%w: stock changed for product %d", ErrConflict, lines[i].ProductID)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO order_lines(order_id, product_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4)`, o.ID, lines[i].ProductID, lines[i].Quantity, lines[i].UnitPrice); err != nil {
				return fmt.Errorf("insert order line: %w", err)
			}
			items = append(items, ItemQty{ProductID: lines[i].ProductID, Qty: lines[i].Quantity})
		}

		if err := clearCart(ctx, tx, buyerID); err != nil {
			return err
		}
		if err := r.emit(ctx, tx, TopicOrderReserved, EventOrderReserved, o.ID, OrderReservedPayload{
			OrderID: o.ID, BuyerID: buyerID, Total: total, Items: items,
		}); err != nil {
			return err
		}
		res = Reservation{Order: o, Lines: lines}
		return nil
	})
	if err != nil {
		// a concurrent checkout of the same buyer committed first
		if isUniqueViolation(err) {
			if o, ok, ferr := findPendingOrder(ctx, r.DB, buyerID); ferr == nil && ok {
				return r.existingReservation(ctx, o)
			}
		}
		return Reservation{}, err
	}
	return res, nil
}

func (r *Repo) existingReservation(ctx context.Context, o Order) (Reservation, error) {
	lines, err := orderLines(ctx, r.DB, o.ID)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Order: o, Lines: lines, Existing: true}, nil
}

func cartLines(ctx context.Context, q querier, buyerID int64) ([]CartLine, error) {
	rows, err := q.Query(ctx, `SELECT buyer_id, product_id, quantity, price
		FROM cart_lines WHERE buyer_id=$1 ORDER BY product_id`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	var out []CartLine
	for rows.Next() {
		var cl CartLine
		if err := rows.Scan(&cl.BuyerID, &cl.ProductID, &cl.Quantity, &cl.Price); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func clearCart(ctx context.Context, q querier, buyerID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM cart_lines WHERE buyer_id=$1`, buyerID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
