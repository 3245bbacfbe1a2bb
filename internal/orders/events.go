package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderReserved         = "OrderReserved"
	EventOrderPaid             = "OrderPaid"
	EventOrderExpired          = "OrderExpired"
	EventOrderStatusChanged    = "OrderStatusChanged"
	EventSubOrderStatusChanged = "SubOrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID int64 `json:"product_id"`
	Qty       int   `json:"qty"`
}

type OrderReservedPayload struct {
	OrderID int64           `json:"order_id"`
	BuyerID int64           `json:"buyer_id"`
	Total   decimal.Decimal `json:"total"`
	Items   []ItemQty       `json:"items"`
}

type OrderPaidPayload struct {
	OrderID         int64           `json:"order_id"`
	BuyerID         int64           `json:"buyer_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Method          string          `json:"method"`
	VendorIDs       []int64         `json:"vendor_ids"`
}

type OrderExpiredPayload struct {
	OrderID  int64     `json:"order_id"`
	Reason   string    `json:"reason"` // expired | cancelled | payment_incomplete
	Restored []ItemQty `json:"restored"`
}

type OrderStatusChangedPayload struct {
	OrderID int64  `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

type SubOrderStatusChangedPayload struct {
	OrderID  int64          `json:"order_id"`
	VendorID int64          `json:"vendor_id"`
	From     SubOrderStatus `json:"from"`
	To       SubOrderStatus `json:"to"`
}

const (
	ReasonExpired           = "expired"
	ReasonCancelled         = "cancelled"
	ReasonPaymentIncomplete = "payment_incomplete"
)

func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
