package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID       int64
	VendorID int64
	Name     string
	Price    decimal.Decimal
	Quantity int
	Deleted  bool
}

// CartLine.Price is the price seen when the item was added; totals never use it.
type CartLine struct {
	BuyerID   int64
	ProductID int64
	Quantity  int
	Price     decimal.Decimal
}

type Order struct {
	ID               int64
	BuyerID          int64
	Total            decimal.Decimal
	Status           Status
	Deleted          bool
	PaymentSessionID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderLine struct {
	OrderID   int64
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

type SubOrder struct {
	OrderID   int64
	VendorID  int64
	Status    SubOrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Payment struct {
	OrderID         int64
	PaymentIntentID string
	Amount          decimal.Decimal
	Currency        string
	Status          string
	Method          string
	CreatedAt       time.Time
}

// Reservation is the result of a checkout attempt.
type Reservation struct {
	Order    Order
	Lines    []OrderLine
	Existing bool
}
