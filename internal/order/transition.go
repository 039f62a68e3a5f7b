// Package order реализует жизненный цикл заказа на аренду ячейки.
package order

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// Command описывает действие над заказом.
type Command string

const (
	CmdReserve  Command = "reserve"
	CmdAwaitPay Command = "await payment"
	CmdPay      Command = "pay"
	CmdComplete Command = "complete"
	CmdCancel   Command = "cancel"
	CmdExpire   Command = "expire"
)

// ErrInvalidTransition возвращается, если действие недопустимо в текущем статусе.
var ErrInvalidTransition = errors.New("invalid order transition")

// TransitionError описывает отклонённый переход.
type TransitionError struct {
	From    model.OrderStatus
	Command Command
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s order in status %s", e.Command, e.From)
}

// Is позволяет сравнивать ошибку с ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition возвращает статус, в который переходит заказ из from по команде cmd.
func Transition(from model.OrderStatus, cmd Command) (model.OrderStatus, error) {
	switch cmd {
	case CmdReserve:
		if from == model.OrderStatusCreated {
			return model.OrderStatusReserved, nil
		}
	case CmdAwaitPay:
		switch from {
		case model.OrderStatusCreated, model.OrderStatusReserved, model.OrderStatusAwaitingPayment:
			return model.OrderStatusAwaitingPayment, nil
		}
	case CmdPay:
		switch from {
		case model.OrderStatusCreated, model.OrderStatusReserved, model.OrderStatusAwaitingPayment:
			return model.OrderStatusPaid, nil
		}
	case CmdComplete:
		if from == model.OrderStatusPaid {
			return model.OrderStatusCompleted, nil
		}
	case CmdCancel:
		if !from.IsTerminal() {
			return model.OrderStatusCancelled, nil
		}
	case CmdExpire:
		if !from.IsTerminal() && from != model.OrderStatusPaid {
			return model.OrderStatusExpired, nil
		}
	}
	return from, &TransitionError{From: from, Command: cmd}
}

// CanBePaid сообщает, допускает ли статус оплату.
func CanBePaid(s model.OrderStatus) bool {
	_, err := Transition(s, CmdPay)
	return err == nil
}

// CanBeCancelled сообщает, допускает ли статус отмену.
func CanBeCancelled(s model.OrderStatus) bool {
	_, err := Transition(s, CmdCancel)
	return err == nil
}
