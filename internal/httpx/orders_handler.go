package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/marketplace-orders/internal/checkout"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/payments"
)

// Checkout is implemented by *checkout.Service.
type Checkout interface {
	CreateReservation(ctx context.Context, actor checkout.Actor, idemKey string) (orders.Reservation, error)
	StartPayment(ctx context.Context, actor checkout.Actor, orderID int64) (payments.Session, error)
	VerifyPayment(ctx context.Context, sessionID string, userID int64) (checkout.Verification, error)
	CancelOrder(ctx context.Context, actor checkout.Actor, orderID int64) error
	OrderStatus(ctx context.Context, actor checkout.Actor, orderID int64) (orders.Status, error)
	SubOrdersByOrder(ctx context.Context, actor checkout.Actor, orderID int64) ([]orders.SubOrder, error)
	SubOrdersByVendor(ctx context.Context, actor checkout.Actor, vendorID int64) ([]orders.SubOrder, error)
	UpdateSubOrderStatus(ctx context.Context, actor checkout.Actor, orderID, vendorID int64, raw string) (checkout.SubOrderUpdate, error)
}

type OrdersHandler struct {
	Checkout       Checkout
	Timeout        time.Duration
	PaymentTimeout time.Duration // routes that call the payment gateway
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Identity)
		r.Post("/orders", h.createReservation)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/payment-session", h.startPayment)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Get("/orders/{id}/suborders", h.subOrdersByOrder)
		r.Patch("/orders/{id}/suborders/{vendorID}", h.updateSubOrder)
		r.Get("/vendors/{id}/suborders", h.subOrdersByVendor)
		r.Post("/payments/verify", h.verifyPayment)
	})
}

type orderLineResp struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type reservationResp struct {
	OrderID   int64           `json:"order_id"`
	BuyerID   int64           `json:"buyer_id"`
	Total     decimal.Decimal `json:"total"`
	Status    orders.Status   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Existing  bool            `json:"existing"`
	Lines     []orderLineResp `json:"lines"`
}

type subOrderResp struct {
	OrderID   int64                 `json:"order_id"`
	VendorID  int64                 `json:"vendor_id"`
	Status    orders.SubOrderStatus `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type verifyReq struct {
	SessionID string `json:"session_id"`
}

type updateSubOrderReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) createReservation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.Timeout)
	defer cancel()

	res, err := h.Checkout.CreateReservation(ctx, actor, strings.TrimSpace(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := reservationResp{
		OrderID:   res.Order.ID,
		BuyerID:   res.Order.BuyerID,
		Total:     res.Order.Total,
		Status:    res.Order.Status,
		CreatedAt: res.Order.CreatedAt,
		Existing:  res.Existing,
		Lines:     make([]orderLineResp, 0, len(res.Lines)),
	}
	for _, l := range res.Lines {
		out.Lines = append(out.Lines, orderLineResp{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	code := http.StatusCreated
	if res.Existing {
		code = http.StatusOK
	}
	writeJSON(w, code, out)
}

func (h *OrdersHandler) startPayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.PaymentTimeout)
	defer cancel()

	sess, err := h.Checkout.StartPayment(ctx, actor, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   orderID,
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}

func (h *OrdersHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyReq
	// the gateway redirect carries the id as a query parameter
	req.SessionID = r.URL.Query().Get("session_id")
	if req.SessionID == "" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
			return
		}
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.PaymentTimeout)
	defer cancel()

	v, err := h.Checkout.VerifyPayment(ctx, req.SessionID, actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       v.OrderID,
		"status":         v.Status,
		"session_status": v.SessionStatus,
		"payment_status": v.PaymentStatus,
		"payment_method": v.PaymentMethod,
	})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.Timeout)
	defer cancel()

	if err := h.Checkout.CancelOrder(ctx, actor, orderID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": orders.StatusExpired})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.Timeout)
	defer cancel()

	status, err := h.Checkout.OrderStatus(ctx, actor, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": status})
}

func (h *OrdersHandler) subOrdersByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.Timeout)
	defer cancel()

	subs, err := h.Checkout.SubOrdersByOrder(ctx, actor, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubOrders(subs))
}

func (h *OrdersHandler) subOrdersByVendor(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.Timeout)
	defer cancel()

	subs, err := h.Checkout.SubOrdersByVendor(ctx, actor, vendorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubOrders(subs))
}

func (h *OrdersHandler) updateSubOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	vendorID, ok := pathID(w, r, "vendorID")
	if !ok {
		return
	}
	var req updateSubOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	actor, _ := actorFrom(r.Context())
	ctx, cancel := h.withTimeout(r.Context(), h.Timeout)
	defer cancel()

	up, err := h.Checkout.UpdateSubOrderStatus(ctx, actor, orderID, vendorID, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suborder":     toSubOrder(up.SubOrder),
		"order_status": up.OrderStatus,
	})
}

func toSubOrders(subs []orders.SubOrder) []subOrderResp {
	out := make([]subOrderResp, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubOrder(s))
	}
	return out
}

func toSubOrder(s orders.SubOrder) subOrderResp {
	return subOrderResp{OrderID: s.OrderID, VendorID: s.VendorID, Status: s.Status, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return id, true
}

func (h *OrdersHandler) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
