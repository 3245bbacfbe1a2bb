package orders

import "fmt"

type Status string

const (
	StatusPending          Status = "Pending"
	StatusPaymentFailed    Status = "PaymentFailed"
	StatusAwaitingShipment Status = "AwaitingShipment"
	StatusShipped          Status = "Shipped"
	StatusDelivered        Status = "Delivered"
	StatusExpired          Status = "Expired"
)

// SubOrderStatus is the three-state lifecycle of a per-vendor fulfillment unit.
type SubOrderStatus string

const (
	SubOrderAwaitingShipment SubOrderStatus = "AwaitingShipment"
	SubOrderShipped          SubOrderStatus = "Shipped"
	SubOrderDelivered        SubOrderStatus = "Delivered"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:          {StatusAwaitingShipment: true, StatusExpired: true, StatusPaymentFailed: true},
	StatusPaymentFailed:    {StatusAwaitingShipment: true, StatusExpired: true},
	StatusAwaitingShipment: {StatusShipped: true, StatusDelivered: true},
	StatusShipped:          {StatusAwaitingShipment: true, StatusDelivered: true},
	StatusDelivered:        {StatusAwaitingShipment: true, StatusShipped: true},
	StatusExpired:          {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Paid reports whether the order has moved past payment confirmation.
func (s Status) Paid() bool {
	switch s {
	case StatusAwaitingShipment, StatusShipped, StatusDelivered:
		return true
	}
	return false
}

func ParseSubOrderStatus(s string) (SubOrderStatus, error) {
	switch v := SubOrderStatus(s); v {
	case SubOrderAwaitingShipment, SubOrderShipped, SubOrderDelivered:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown suborder status %q", ErrValidation, s)
}

// AggregateStatus maps the statuses of an order's suborders to the order status.
// It returns false when there are no suborders; the order is then left untouched.
func AggregateStatus(subs []SubOrderStatus) (Status, bool) {
	if len(subs) == 0 {
		return "", false
	}
	delivered, shipped := 0, 0
	for _, s := range subs {
		switch s {
		case SubOrderDelivered:
			delivered++
		case SubOrderShipped:
			shipped++
		}
	}
	switch {
	case delivered == len(subs):
		return StatusDelivered, true
	case delivered+shipped == len(subs):
		return StatusShipped, true
	default:
		return StatusAwaitingShipment, true
	}
}
