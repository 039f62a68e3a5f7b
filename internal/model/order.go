package model

// OrderStatus описывает состояние заказа в жизненном цикле бронирования.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusReserved        OrderStatus = "RESERVED"
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPaid            OrderStatus = "PAID"
	OrderStatusCompleted       OrderStatus = "COMPLETED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// BlockingOrderStatuses перечисляет статусы, в которых заказ занимает ячейку.
var BlockingOrderStatuses = []OrderStatus{
	OrderStatusReserved,
	OrderStatusAwaitingPayment,
	OrderStatusPaid,
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Blocks сообщает, занимает ли заказ в этом статусе ячейку на свой период.
func (s OrderStatus) Blocks() bool {
	for _, b := range BlockingOrderStatuses {
		if s == b {
			return true
		}
	}
	return false
}
