package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Session states as reported by the gateway.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"

	PaymentPaid              = "paid"
	PaymentUnpaid            = "unpaid"
	PaymentNoPaymentRequired = "no_payment_required"
)

// UnknownMethod is recorded when the payment method lookup fails.
const UnknownMethod = "unknown"

// MetadataOrderID is the session metadata key carrying the local order id.
const MetadataOrderID = "order_id"

var (
	ErrSessionNotFound = errors.New("payment session not found")
	ErrUnavailable     = errors.New("payment gateway unavailable")
)

type Session struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	AmountTotal     int64 // minor units
	Currency        string
	Reference       string // metadata order_id, unparsed
	PaymentIntentID string
}

// Terminal reports whether the session can no longer be paid.
func (s Session) Terminal() bool {
	return s.Status == SessionComplete || s.Status == SessionExpired
}

// Paid reports whether the session settled. A fully discounted session needs
// no payment and settles without a payment intent.
func (s Session) Paid() bool {
	return s.PaymentStatus == PaymentPaid || s.PaymentStatus == PaymentNoPaymentRequired
}

// Amount converts the minor-unit total to a decimal amount.
func (s Session) Amount() decimal.Decimal {
	return decimal.New(s.AmountTotal, -Exponent(s.Currency))
}

type CreateSessionInput struct {
	OrderID     int64
	Description string
	Amount      decimal.Decimal
	Currency    string
	SuccessURL  string
	CancelURL   string
	ExpiresAt   int64 // unix seconds, 0 for the gateway default
}

// Gateway is the authoritative source of payment state.
type Gateway interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (Session, error)
	RetrieveSession(ctx context.Context, id string) (Session, error)
	PaymentMethodType(ctx context.Context, paymentIntentID string) (string, error)
}

// Currencies the gateway does not count in hundredths.
var (
	zeroDecimal  = map[string]bool{"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true}
	threeDecimal = map[string]bool{"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true}
)

// Exponent is the number of minor-unit digits of an ISO currency code.
func Exponent(currency string) int32 {
	c := strings.ToLower(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	}
	return 2
}

// MinorUnits converts an amount to the currency's minor units, rounding half
// away from zero.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(Exponent(currency)).Round(0).IntPart()
}
