package orders

import "strconv"

const (
	TopicOrderReserved  = "marketplace.order.reserved"
	TopicOrderPaid      = "marketplace.order.paid"
	TopicOrderExpired   = "marketplace.order.expired"
	TopicOrderStatus    = "marketplace.order.status"
	TopicSubOrderStatus = "marketplace.suborder.status"
)

// Topics lists every topic the outbox may publish to.
var Topics = []string{TopicOrderReserved, TopicOrderPaid, TopicOrderExpired, TopicOrderStatus, TopicSubOrderStatus}

// Partition key = order id, so every event of one order keeps its order.
func PartitionKey(orderID int64) string { return strconv.FormatInt(orderID, 10) }
