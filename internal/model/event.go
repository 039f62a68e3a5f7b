package model

import "time"

// EventName идентифицирует тип доменного события.
type EventName string

const (
	EventOrderCreated         EventName = "order.created"
	EventOrderReserved        EventName = "order.reserved"
	EventOrderAwaitingPayment EventName = "order.awaiting_payment"
	EventOrderPaid            EventName = "order.paid"
	EventOrderCompleted       EventName = "order.completed"
	EventOrderCancelled       EventName = "order.cancelled"
	EventOrderExpired         EventName = "order.expired"

	EventRecurringPaymentCharged   EventName = "recurring_payment.charged"
	EventRecurringPaymentFailed    EventName = "recurring_payment.failed"
	EventRecurringPaymentCancelled EventName = "recurring_payment.cancelled"

	EventContractSigned     EventName = "contract.signed"
	EventContractTerminated EventName = "contract.terminated"

	EventSelfBillingInvoiceIssued EventName = "self_billing_invoice.issued"
)

// Event описывает доменное событие. События возвращаются командами и
// отправляются вызывающей стороной только после фиксации транзакции.
type Event struct {
	Name        EventName         `json:"name"`
	AggregateID string            `json:"aggregate_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// NewEvent создаёт событие; attrs задаются парами ключ-значение.
func NewEvent(name EventName, aggregateID string, at time.Time, attrs ...string) Event {
	e := Event{Name: name, AggregateID: aggregateID, OccurredAt: at}
	if len(attrs) > 1 {
		e.Attrs = make(map[string]string, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			e.Attrs[attrs[i]] = attrs[i+1]
		}
	}
	return e
}
