package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/payments"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
)

type fakeStore struct {
	mu sync.Mutex

	orders map[int64]orders.Order
	lines  map[int64][]orders.OrderLine
	subs   map[int64][]orders.SubOrder

	reserveFn   func(buyerID int64) (orders.Reservation, error)
	updateSubFn func(orderID, vendorID int64, st orders.SubOrderStatus) (orders.SubOrder, orders.Status, error)
	confirmErr  error
	afterGet    func(o orders.Order) // runs once GetOrder has read the order

	getCalls     int
	reserveCalls int
	confirmed    []orders.PaymentConfirmation
	payments     map[string]orders.Payment
	expired      []string
	sessions     map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   map[int64]orders.Order{},
		lines:    map[int64][]orders.OrderLine{},
		subs:     map[int64][]orders.SubOrder{},
		sessions: map[int64]string{},
		payments: map[string]orders.Payment{},
	}
}

func (f *fakeStore) put(o orders.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
}

func (f *fakeStore) status(id int64) orders.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].Status
}

func (f *fakeStore) CreateReservedOrder(_ context.Context, buyerID int64) (orders.Reservation, error) {
	f.mu.Lock()
	f.reserveCalls++
	f.mu.Unlock()
	if f.reserveFn == nil {
		return orders.Reservation{}, orders.ErrEmptyCart
	}
	return f.reserveFn(buyerID)
}

func (f *fakeStore) GetOrder(_ context.Context, id int64) (orders.Order, error) {
	f.mu.Lock()
	f.getCalls++
	o, ok := f.orders[id]
	hook := f.afterGet
	f.mu.Unlock()
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if hook != nil {
		hook(o)
	}
	return o, nil
}

func (f *fakeStore) OrderLines(_ context.Context, id int64) ([]orders.OrderLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines[id], nil
}

func (f *fakeStore) SetPaymentSession(_ context.Context, id int64, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	if o.Status != orders.StatusPending {
		return orders.ErrNotPending
	}
	o.PaymentSessionID = sessionID
	f.orders[id] = o
	f.sessions[id] = sessionID
	return nil
}

// ConfirmPayment mirrors the repository: only Pending/PaymentFailed advance.
func (f *fakeStore) ConfirmPayment(_ context.Context, in orders.PaymentConfirmation) (orders.ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return orders.ConfirmResult{}, f.confirmErr
	}
	f.confirmed = append(f.confirmed, in)
	o, ok := f.orders[in.OrderID]
	if !ok {
		return orders.ConfirmResult{}, orders.ErrOrderNotFound
	}
	var res orders.ConfirmResult
	p, ok := f.payments[in.PaymentIntentID]
	if !ok {
		p = orders.Payment{OrderID: o.ID, PaymentIntentID: in.PaymentIntentID, Amount: in.Amount,
			Currency: in.Currency, Status: in.GatewayStatus, Method: in.Method}
		f.payments[in.PaymentIntentID] = p
	}
	res.Payment = p
	if o.Status == orders.StatusPending || o.Status == orders.StatusPaymentFailed {
		o.Status = orders.StatusAwaitingShipment
		f.orders[o.ID] = o
		res.Advanced = true
	}
	res.Status = o.Status
	if o.Status.Paid() {
		res.VendorIDs = []int64{1, 2}
	}
	return res, nil
}

func (f *fakeStore) ExpireReservation(_ context.Context, id int64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return false, orders.ErrOrderNotFound
	}
	if o.Status != orders.StatusPending {
		return false, nil
	}
	o.Status = orders.StatusExpired
	f.orders[id] = o
	f.expired = append(f.expired, reason)
	return true, nil
}

func (f *fakeStore) CancelReservation(ctx context.Context, id int64) error {
	ok, err := f.ExpireReservation(ctx, id, orders.ReasonCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return orders.ErrNotPending
	}
	return nil
}

func (f *fakeStore) UpdateSubOrderStatus(_ context.Context, orderID, vendorID int64, st orders.SubOrderStatus) (orders.SubOrder, orders.Status, error) {
	if f.updateSubFn == nil {
		return orders.SubOrder{}, "", orders.ErrSubOrderMissing
	}
	return f.updateSubFn(orderID, vendorID, st)
}

func (f *fakeStore) SubOrdersByOrder(_ context.Context, orderID int64) ([]orders.SubOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orders.SubOrder{}, f.subs[orderID]...), nil
}

func (f *fakeStore) SubOrdersByVendor(_ context.Context, vendorID int64) ([]orders.SubOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []orders.SubOrder{}
	for _, subs := range f.subs {
		for _, s := range subs {
			if s.VendorID == vendorID {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

type fakeGateway struct {
	sessions    map[string]payments.Session
	retrieveErr error
	createErr   error
	method      string
	methodErr   error

	retrieveCalls int
	methodCalls   int
	created       []payments.CreateSessionInput
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: map[string]payments.Session{}, method: "card"}
}

func (g *fakeGateway) CreateSession(_ context.Context, in payments.CreateSessionInput) (payments.Session, error) {
	if g.createErr != nil {
		return payments.Session{}, g.createErr
	}
	g.created = append(g.created, in)
	s := payments.Session{
		ID:            "cs_new",
		URL:           "https://checkout.example/cs_new",
		Status:        payments.SessionOpen,
		PaymentStatus: payments.PaymentUnpaid,
		AmountTotal:   payments.MinorUnits(in.Amount, in.Currency),
		Currency:      in.Currency,
	}
	g.sessions[s.ID] = s
	return s, nil
}

func (g *fakeGateway) RetrieveSession(_ context.Context, id string) (payments.Session, error) {
	g.retrieveCalls++
	if g.retrieveErr != nil {
		return payments.Session{}, g.retrieveErr
	}
	s, ok := g.sessions[id]
	if !ok {
		return payments.Session{}, payments.ErrSessionNotFound
	}
	return s, nil
}

func (g *fakeGateway) PaymentMethodType(_ context.Context, _ string) (string, error) {
	g.methodCalls++
	if g.methodErr != nil {
		return "", g.methodErr
	}
	return g.method, nil
}

type fakeIdem struct {
	keys map[string]int64
}

func (f *fakeIdem) Lookup(_ context.Context, _ int64, key string) (int64, bool, error) {
	id, ok := f.keys[key]
	return id, ok, nil
}

func (f *fakeIdem) Remember(_ context.Context, _ int64, key string, orderID int64) error {
	if _, ok := f.keys[key]; !ok {
		f.keys[key] = orderID
	}
	return nil
}

// recordingCache records invalidations and delegates to next when set.
type recordingCache struct {
	next        StatusCache
	invalidated []int64
}

func (c *recordingCache) Get(ctx context.Context, id int64) (redisx.OrderSnapshot, error) {
	if c.next == nil {
		return redisx.OrderSnapshot{}, redisx.ErrCacheMiss
	}
	return c.next.Get(ctx, id)
}

func (c *recordingCache) Version(ctx context.Context, id int64) (int64, error) {
	if c.next == nil {
		return 0, nil
	}
	return c.next.Version(ctx, id)
}

func (c *recordingCache) Set(ctx context.Context, id, version int64, s redisx.OrderSnapshot) (bool, error) {
	if c.next == nil {
		return false, nil
	}
	return c.next.Set(ctx, id, version, s)
}

func (c *recordingCache) Invalidate(ctx context.Context, id int64) error {
	c.invalidated = append(c.invalidated, id)
	if c.next == nil {
		return nil
	}
	return c.next.Invalidate(ctx, id)
}

type fixture struct {
	svc     *Service
	store   *fakeStore
	gateway *fakeGateway
	cache   *recordingCache
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	gw := newFakeGateway()
	cache := &recordingCache{}
	m := metrics.New(prometheus.NewRegistry(), "test")
	svc := NewService(store, gw, cache, m, nil, Settings{
		ReservationWindow: 15 * time.Minute,
		Currency:          "eur",
		SuccessURL:        "https://shop.example/success",
		CancelURL:         "https://shop.example/cancel",
	})
	require.NotNil(t, svc)
	return &fixture{svc: svc, store: store, gateway: gw, cache: cache, metrics: m}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	buyer  = Actor{UserID: 7, Role: RoleBuyer}
	other  = Actor{UserID: 8, Role: RoleBuyer}
	admin  = Actor{UserID: 1, Role: RoleAdmin}
	vendor = Actor{UserID: 100, Role: RoleVendor}
)
