package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/postgres/pgtest"
)

func setupRepo(t *testing.T) (*Repo, *pgxpool.Pool) {
	db := pgtest.New(t)
	return &Repo{DB: db, Producer: "orders-test"}, db
}

func insertProduct(t *testing.T, db *pgxpool.Pool, vendorID int64, name, price string, qty int) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(context.Background(),
		`INSERT INTO products(vendor_id, name, price, quantity) VALUES ($1, $2, $3, $4) RETURNING id`,
		vendorID, name, decimal.RequireFromString(price), qty).Scan(&id)
	require.NoError(t, err)
	return id
}

func addToCart(t *testing.T, db *pgxpool.Pool, buyerID, productID int64, qty int, price string) {
	t.Helper()
	_, err := db.Exec(context.Background(),
		`INSERT INTO cart_lines(buyer_id, product_id, quantity, price) VALUES ($1, $2, $3, $4)`,
		buyerID, productID, qty, decimal.RequireFromString(price))
	require.NoError(t, err)
}

func stockOf(t *testing.T, db *pgxpool.Pool, productID int64) int {
	t.Helper()
	var q int
	require.NoError(t, db.QueryRow(context.Background(), `SELECT quantity FROM products WHERE id=$1`, productID).Scan(&q))
	return q
}

func count(t *testing.T, db *pgxpool.Pool, sql string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), sql, args...).Scan(&n))
	return n
}

func paid(orderID int64, intent string) PaymentConfirmation {
	return PaymentConfirmation{
		OrderID:         orderID,
		PaymentIntentID: intent,
		Amount:          decimal.RequireFromString("31.98"),
		Currency:        "eur",
		GatewayStatus:   "paid",
		Method:          "card",
	}
}

func TestCreateReservedOrder_ReservesStock(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	// cart price is stale; the catalog price wins
	addToCart(t, db, 7, mug, 2, "12.00")

	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)

	assert.False(t, res.Existing)
	assert.Equal(t, StatusPending, res.Order.Status)
	assert.Equal(t, "31.98", res.Order.Total.StringFixed(2))
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "15.99", res.Lines[0].UnitPrice.StringFixed(2))
	assert.Equal(t, 8, stockOf(t, db, mug))
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM cart_lines WHERE buyer_id=7`))
	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM outbox WHERE topic=$1 AND key=$2`,
		TopicOrderReserved, PartitionKey(res.Order.ID)))

	lines, err := repo.OrderLines(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestCreateReservedOrder_ReturnsPendingOrder(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	addToCart(t, db, 7, mug, 2, "15.99")

	first, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)
	second, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Len(t, second.Lines, 1)
	assert.Equal(t, 8, stockOf(t, db, mug), "stock is taken once")
}

func TestCreateReservedOrder_InsufficientStockRollsBack(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	lamp := insertProduct(t, db, 200, "Lamp", "40.00", 1)
	addToCart(t, db, 7, mug, 2, "15.99")
	addToCart(t, db, 7, lamp, 3, "40.00")

	_, err := repo.CreateReservedOrder(ctx, 7)

	var stockErr *StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, lamp, stockErr.ProductID)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)
	assert.Contains(t, err.Error(), "Lamp")

	assert.Equal(t, 10, stockOf(t, db, mug))
	assert.Equal(t, 1, stockOf(t, db, lamp))
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM orders`))
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM outbox`))
	assert.Equal(t, 2, count(t, db, `SELECT COUNT(*) FROM cart_lines WHERE buyer_id=7`))
}

func TestCreateReservedOrder_EmptyCartAndDeletedProduct(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()

	_, err := repo.CreateReservedOrder(ctx, 7)
	assert.ErrorIs(t, err, ErrEmptyCart)

	gone := insertProduct(t, db, 100, "Retired", "5.00", 3)
	addToCart(t, db, 8, gone, 1, "5.00")
	_, err = db.Exec(ctx, `UPDATE products SET deleted=true WHERE id=$1`, gone)
	require.NoError(t, err)

	_, err = repo.CreateReservedOrder(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 3, stockOf(t, db, gone))
}

func TestCreateReservedOrder_ConcurrentBuyersNeverOversell(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	const stock, buyers = 5, 20
	mug := insertProduct(t, db, 100, "Mug", "15.99", stock)
	for b := int64(1); b <= buyers; b++ {
		addToCart(t, db, b, mug, 1, "15.99")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for b := int64(1); b <= buyers; b++ {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()
			_, err := repo.CreateReservedOrder(ctx, buyerID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			successes++
		}(b)
	}
	wg.Wait()

	assert.Equal(t, stock, successes)
	assert.Zero(t, stockOf(t, db, mug))
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, stock, count(t, db, `SELECT COUNT(*) FROM orders WHERE status='Pending'`))
}

func TestExpireReservation_RestoresExactQuantities(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	lamp := insertProduct(t, db, 200, "Lamp", "40.00", 7)
	addToCart(t, db, 7, mug, 2, "15.99")
	addToCart(t, db, 7, lamp, 3, "40.00")

	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 8, stockOf(t, db, mug))
	require.Equal(t, 4, stockOf(t, db, lamp))

	ok, err := repo.ExpireReservation(ctx, res.Order.ID, ReasonExpired)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10, stockOf(t, db, mug))
	assert.Equal(t, 7, stockOf(t, db, lamp))

	o, err := repo.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, o.Status)

	// second run is a no-op and restores nothing
	ok, err = repo.ExpireReservation(ctx, res.Order.ID, ReasonExpired)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 10, stockOf(t, db, mug))
	assert.ErrorIs(t, repo.CancelReservation(ctx, res.Order.ID), ErrConflict)

	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM outbox WHERE topic=$1`, TopicOrderExpired))

	_, err = repo.ExpireReservation(ctx, 999999, ReasonExpired)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOverdueReservations(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	addToCart(t, db, 7, mug, 1, "15.99")
	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)

	ids, err := repo.ListOverdueReservations(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{res.Order.ID}, ids)

	ids, err = repo.ListOverdueReservations(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConfirmPayment_IsIdempotent(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	lamp := insertProduct(t, db, 200, "Lamp", "40.00", 10)
	cup := insertProduct(t, db, 100, "Cup", "3.00", 10)
	addToCart(t, db, 7, mug, 1, "15.99")
	addToCart(t, db, 7, lamp, 1, "40.00")
	addToCart(t, db, 7, cup, 1, "3.00")
	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)
	// added while the payment page was open
	addToCart(t, db, 7, cup, 2, "3.00")

	first, err := repo.ConfirmPayment(ctx, paid(res.Order.ID, "pi_1"))
	require.NoError(t, err)
	assert.True(t, first.Advanced)
	assert.Equal(t, StatusAwaitingShipment, first.Status)
	assert.Equal(t, []int64{100, 200}, first.VendorIDs)
	assert.Equal(t, "pi_1", first.Payment.PaymentIntentID)
	assert.Equal(t, "card", first.Payment.Method)
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM cart_lines WHERE buyer_id=$1`, int64(7)))

	again := paid(res.Order.ID, "pi_1")
	again.Method = "unknown"
	second, err := repo.ConfirmPayment(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Advanced)
	assert.Equal(t, StatusAwaitingShipment, second.Status)
	assert.Equal(t, "card", second.Payment.Method, "replay reports the payment recorded first")

	pays, err := repo.Payments(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, "31.98", pays[0].Amount.StringFixed(2))

	subs, err := repo.SubOrdersByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, s := range subs {
		assert.Equal(t, SubOrderAwaitingShipment, s.Status)
	}
	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM outbox WHERE topic=$1`, TopicOrderPaid))
	assert.Equal(t, 10-1, stockOf(t, db, mug), "payment does not touch stock again")
}

func TestConfirmPayment_AfterExpiryRecordsOnly(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	addToCart(t, db, 7, mug, 2, "15.99")
	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)
	_, err = repo.ExpireReservation(ctx, res.Order.ID, ReasonExpired)
	require.NoError(t, err)

	out, err := repo.ConfirmPayment(ctx, paid(res.Order.ID, "pi_late"))
	require.NoError(t, err)

	assert.False(t, out.Advanced)
	assert.Equal(t, StatusExpired, out.Status)
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM suborders WHERE order_id=$1`, res.Order.ID))
	pays, err := repo.Payments(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Len(t, pays, 1)
	assert.Equal(t, 10, stockOf(t, db, mug))
}

func TestConfirmPayment_ReplayKeepsNewCart(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	lamp := insertProduct(t, db, 200, "Lamp", "40.00", 10)
	addToCart(t, db, 7, mug, 1, "15.99")
	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)

	_, err = repo.ConfirmPayment(ctx, paid(res.Order.ID, "pi_1"))
	require.NoError(t, err)

	// next shopping trip, then the success page is reloaded
	addToCart(t, db, 7, lamp, 1, "40.00")
	out, err := repo.ConfirmPayment(ctx, paid(res.Order.ID, "pi_1"))
	require.NoError(t, err)

	assert.False(t, out.Advanced)
	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM cart_lines WHERE buyer_id=$1 AND product_id=$2`, int64(7), lamp))
	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM outbox WHERE topic=$1`, TopicOrderPaid))
}

func TestUpdateSubOrderStatus_AggregatesParent(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	lamp := insertProduct(t, db, 200, "Lamp", "40.00", 10)
	addToCart(t, db, 7, mug, 1, "15.99")
	addToCart(t, db, 7, lamp, 1, "40.00")
	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)
	_, err = repo.ConfirmPayment(ctx, paid(res.Order.ID, "pi_1"))
	require.NoError(t, err)
	id := res.Order.ID

	sub, st, err := repo.UpdateSubOrderStatus(ctx, id, 100, SubOrderShipped)
	require.NoError(t, err)
	assert.Equal(t, SubOrderShipped, sub.Status)
	assert.Equal(t, StatusAwaitingShipment, st)

	_, st, err = repo.UpdateSubOrderStatus(ctx, id, 200, SubOrderShipped)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, st)

	_, st, err = repo.UpdateSubOrderStatus(ctx, id, 100, SubOrderDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, st)

	_, st, err = repo.UpdateSubOrderStatus(ctx, id, 200, SubOrderDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, st)

	o, err := repo.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)

	// same status again changes nothing and emits nothing new
	before := count(t, db, `SELECT COUNT(*) FROM outbox`)
	_, st, err = repo.UpdateSubOrderStatus(ctx, id, 200, SubOrderDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, st)
	assert.Equal(t, before, count(t, db, `SELECT COUNT(*) FROM outbox`))

	_, _, err = repo.UpdateSubOrderStatus(ctx, id, 300, SubOrderShipped)
	assert.True(t, errors.Is(err, ErrNotFound))

	vendorSubs, err := repo.SubOrdersByVendor(ctx, 200)
	require.NoError(t, err)
	require.Len(t, vendorSubs, 1)
	assert.Equal(t, SubOrderDelivered, vendorSubs[0].Status)

	none, err := repo.SubOrdersByVendor(ctx, 999)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSetPaymentSession(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	addToCart(t, db, 7, mug, 1, "15.99")
	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, repo.SetPaymentSession(ctx, res.Order.ID, "cs_1"))
	o, err := repo.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", o.PaymentSessionID)

	_, err = repo.ExpireReservation(ctx, res.Order.ID, ReasonCancelled)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.SetPaymentSession(ctx, res.Order.ID, "cs_2"), ErrNotPending)
}

func TestEmittedEventsCarryTraceID(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := logging.ContextWithTraceID(context.Background(), "req-77")
	mug := insertProduct(t, db, 100, "Mug", "15.99", 10)
	addToCart(t, db, 7, mug, 1, "15.99")

	res, err := repo.CreateReservedOrder(ctx, 7)
	require.NoError(t, err)

	var trace, correlation string
	require.NoError(t, db.QueryRow(context.Background(),
		`SELECT payload->>'trace_id', payload->>'correlation_id' FROM outbox WHERE topic=$1`, TopicOrderReserved).
		Scan(&trace, &correlation))
	assert.Equal(t, "req-77", trace)
	assert.Equal(t, PartitionKey(res.Order.ID), correlation)
}
