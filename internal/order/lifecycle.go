package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storage-rental/internal/availability"
	"github.com/mmeshcher/storage-rental/internal/commission"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

var (
	// ErrUnitTaken возвращается, если ячейку заняли между подбором и резервированием.
	ErrUnitTaken = errors.New("unit was taken by a concurrent reservation")
	// ErrNotExpired возвращается при попытке просрочить заказ до окончания окна резервирования.
	ErrNotExpired = errors.New("order reservation window has not elapsed")
)

// Lifecycle выполняет переходы заказа в рамках уже открытой транзакции.
type Lifecycle struct {
	st    storage.Store
	rates *commission.RateResolver
}

// Within привязывает переходы заказа к транзакции st.
func Within(st storage.Store) *Lifecycle {
	return &Lifecycle{st: st, rates: defaultRates}
}

var defaultRates = commission.NewRateResolver(decimal.Zero)

// WithRates задаёт резолвер ставки, фиксируемой в платеже заказа.
func (l *Lifecycle) WithRates(rates *commission.RateResolver) *Lifecycle {
	if rates != nil {
		l.rates = rates
	}
	return l
}

// Reserve переводит заказ CREATED → RESERVED и резервирует ячейку.
func (l *Lifecycle) Reserve(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	o, err := l.move(ctx, orderID, CmdReserve)
	if err != nil {
		return nil, nil, err
	}
	return o, []model.Event{model.NewEvent(model.EventOrderReserved, o.ID, now, "unit_id", o.UnitID)}, nil
}

// MarkAwaitingPayment переводит заказ в ожидание оплаты и сохраняет ссылку на платёж.
func (l *Lifecycle) MarkAwaitingPayment(ctx context.Context, orderID, paymentRef string, now time.Time) (*model.Order, []model.Event, error) {
	o, err := l.move(ctx, orderID, CmdAwaitPay, func(o *model.Order) {
		if paymentRef != "" {
			o.PaymentRef = paymentRef
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return o, []model.Event{model.NewEvent(model.EventOrderAwaitingPayment, o.ID, now, "payment_ref", o.PaymentRef)}, nil
}

// MarkPaid фиксирует оплату заказа и регистрирует платёж для расчётов с владельцем.
func (l *Lifecycle) MarkPaid(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	o, err := l.move(ctx, orderID, CmdPay, func(o *model.Order) {
		o.PaidAt = &now
	})
	if err != nil {
		return nil, nil, err
	}

	unit, err := l.st.GetUnit(ctx, o.UnitID)
	if err != nil {
		return nil, nil, err
	}
	rate, err := l.rates.Rate(ctx, l.st, unit)
	if err != nil {
		return nil, nil, err
	}

	payment := &model.Payment{
		ID:             model.NewID(),
		UnitID:         o.UnitID,
		OrderID:        o.ID,
		Amount:         o.TotalPrice,
		PaidAt:         now,
		CommissionRate: &rate,
	}
	if err := l.st.CreatePayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("record payment for order %s: %w", o.ID, err)
	}

	return o, []model.Event{model.NewEvent(model.EventOrderPaid, o.ID, now,
		"payment_id", payment.ID, "amount", fmt.Sprint(o.TotalPrice))}, nil
}

// Complete переводит оплаченный заказ PAID → COMPLETED и занимает ячейку.
func (l *Lifecycle) Complete(ctx context.Context, orderID, contractID string, now time.Time) (*model.Order, []model.Event, error) {
	o, err := l.move(ctx, orderID, CmdComplete, func(o *model.Order) {
		o.ContractID = contractID
	})
	if err != nil {
		return nil, nil, err
	}
	if err := l.setUnitStatus(ctx, o.UnitID, model.UnitStatusOccupied); err != nil {
		return nil, nil, err
	}
	return o, []model.Event{model.NewEvent(model.EventOrderCompleted, o.ID, now, "contract_id", contractID)}, nil
}

// Cancel отменяет незавершённый заказ и освобождает ячейку.
func (l *Lifecycle) Cancel(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	o, err := l.move(ctx, orderID, CmdCancel)
	if err != nil {
		return nil, nil, err
	}
	if err := ReleaseUnit(ctx, l.st, o.UnitID, availability.Exclusions{OrderID: o.ID}, now); err != nil {
		return nil, nil, err
	}
	return o, []model.Event{model.NewEvent(model.EventOrderCancelled, o.ID, now, "unit_id", o.UnitID)}, nil
}

// Expire просрочивает заказ, окно резервирования которого истекло.
func (l *Lifecycle) Expire(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	o, err := l.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !o.IsExpired(now) {
		if _, terr := Transition(o.Status, CmdExpire); terr != nil {
			return nil, nil, terr
		}
		return nil, nil, fmt.Errorf("order %s expires at %s: %w", o.ID, o.ExpiresAt.Format(time.RFC3339), ErrNotExpired)
	}

	o, err = l.move(ctx, orderID, CmdExpire)
	if err != nil {
		return nil, nil, err
	}
	if err := ReleaseUnit(ctx, l.st, o.UnitID, availability.Exclusions{OrderID: o.ID}, now); err != nil {
		return nil, nil, err
	}
	return o, []model.Event{model.NewEvent(model.EventOrderExpired, o.ID, now, "unit_id", o.UnitID)}, nil
}

// move применяет команду к заказу. Переход из CREATED в занимающий ячейку статус
// блокирует строку ячейки и заново проверяет доступность.
func (l *Lifecycle) move(ctx context.Context, orderID string, cmd Command, mutate ...func(*model.Order)) (*model.Order, error) {
	o, err := l.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	to, err := Transition(o.Status, cmd)
	if err != nil {
		return nil, err
	}

	if o.Status == model.OrderStatusCreated && to.Blocks() {
		if err := l.claim(ctx, o); err != nil {
			return nil, err
		}
	}

	o.Status = to
	for _, m := range mutate {
		m(o)
	}

	if err := l.st.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return o, nil
}

func (l *Lifecycle) claim(ctx context.Context, o *model.Order) error {
	unit, err := l.st.LockUnit(ctx, o.UnitID)
	if err != nil {
		return fmt.Errorf("lock unit %s: %w", o.UnitID, err)
	}

	ok, err := availability.New(l.st).IsAvailable(ctx, unit, o.Period, availability.Exclusions{OrderID: o.ID})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unit %s for %s: %w", unit.ID, o.Period, ErrUnitTaken)
	}

	if unit.Status == model.UnitStatusAvailable {
		if err := l.st.UpdateUnitStatus(ctx, unit, model.UnitStatusReserved); err != nil {
			return fmt.Errorf("reserve unit %s: %w", unit.ID, err)
		}
	}
	return nil
}

func (l *Lifecycle) setUnitStatus(ctx context.Context, unitID string, status model.UnitStatus) error {
	unit, err := l.st.LockUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("lock unit %s: %w", unitID, err)
	}
	if unit.Status == status || unit.Status == model.UnitStatusManuallyUnavailable {
		return nil
	}
	if err := l.st.UpdateUnitStatus(ctx, unit, status); err != nil {
		return fmt.Errorf("set unit %s to %s: %w", unitID, status, err)
	}
	return nil
}

// ReleaseUnit возвращает ячейку в AVAILABLE, если на текущую дату её больше
// ничего не занимает. Статус MANUALLY_UNAVAILABLE не изменяется.
func ReleaseUnit(ctx context.Context, st storage.Store, unitID string, ex availability.Exclusions, now time.Time) error {
	unit, err := st.LockUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("lock unit %s: %w", unitID, err)
	}
	if unit.Status == model.UnitStatusAvailable || unit.Status == model.UnitStatusManuallyUnavailable {
		return nil
	}

	today := model.Day(now)
	free, err := availability.New(st).IsAvailable(ctx, unit, model.Between(today, today), ex)
	if err != nil {
		return err
	}
	if !free {
		return nil
	}

	if err := st.UpdateUnitStatus(ctx, unit, model.UnitStatusAvailable); err != nil {
		return fmt.Errorf("release unit %s: %w", unitID, err)
	}
	return nil
}
