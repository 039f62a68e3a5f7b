// Package service объединяет операции бронирования, договоров и расчётов с владельцами
// и отправляет доменные события после успешного завершения каждой операции.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/assignment"
	"github.com/mmeshcher/storage-rental/internal/availability"
	"github.com/mmeshcher/storage-rental/internal/commission"
	"github.com/mmeshcher/storage-rental/internal/contract"
	"github.com/mmeshcher/storage-rental/internal/events"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/order"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

// ErrForbidden возвращается, если сущность принадлежит другому пользователю.
var ErrForbidden = errors.New("resource belongs to another user")

// DefaultSyncBatch ограничивает число заказов, которое проверяется в шлюзе за один запуск синхронизации.
const DefaultSyncBatch = 100

// Service содержит прикладную логику сервиса аренды.
type Service struct {
	tx         storage.Transactor
	orders     *order.Service
	contracts  *contract.Service
	billing    *commission.SelfBilling
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewService создаёт сервис поверх доменных сервисов и диспетчера событий.
func NewService(
	tx storage.Transactor,
	orders *order.Service,
	contracts *contract.Service,
	billing *commission.SelfBilling,
	dispatcher events.Dispatcher,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:         tx,
		orders:     orders,
		contracts:  contracts,
		billing:    billing,
		dispatcher: dispatcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник текущего времени.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) emit(ctx context.Context, evs []model.Event) {
	events.Emit(ctx, s.dispatcher, s.logger, evs)
}

func (s *Service) ownOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	var o *model.Order
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		o, err = st.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrForbidden)
	}
	return o, nil
}

func (s *Service) ownContract(ctx context.Context, userID, contractID string) (*model.Contract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, fmt.Errorf("contract %s: %w", contractID, ErrForbidden)
	}
	return c, nil
}

// CreateOrder создаёт заказ пользователя.
func (s *Service) CreateOrder(ctx context.Context, req order.CreateRequest) (*model.Order, error) {
	o, evs, err := s.orders.Create(ctx, req, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return o, nil
}

// GetOrder возвращает заказ пользователя.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	return s.ownOrder(ctx, userID, orderID)
}

// ReserveOrder резервирует ячейку под заказ пользователя.
func (s *Service) ReserveOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if _, err := s.ownOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	o, evs, err := s.orders.Reserve(ctx, orderID, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return o, nil
}

// StartPayment создаёт платёж в шлюзе по заказу пользователя.
func (s *Service) StartPayment(ctx context.Context, userID, orderID, returnURL string) (*order.PaymentSession, error) {
	if _, err := s.ownOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	session, evs, err := s.orders.StartPayment(ctx, orderID, returnURL, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return session, nil
}

// CancelOrder отменяет заказ пользователя.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if _, err := s.ownOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	o, evs, err := s.orders.Cancel(ctx, orderID, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return o, nil
}

// Availability описывает свободные ячейки типа на период.
type Availability struct {
	UnitTypeID string
	Period     model.Period
	UnitIDs    []string
}

// CheckAvailability возвращает свободные ячейки типа на период.
func (s *Service) CheckAvailability(ctx context.Context, unitTypeID string, p model.Period) (*Availability, error) {
	res := &Availability{UnitTypeID: unitTypeID, Period: p, UnitIDs: []string{}}
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		if _, err := st.GetUnitType(ctx, unitTypeID); err != nil {
			return err
		}
		units, err := assignment.New(st).FindAllAvailable(ctx, unitTypeID, p)
		if err != nil {
			return err
		}
		for _, u := range units {
			res.UnitIDs = append(res.UnitIDs, u.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BlockingReasons перечисляет причины занятости ячейки на период.
func (s *Service) BlockingReasons(ctx context.Context, unitID string, p model.Period) ([]availability.Reason, error) {
	var reasons []availability.Reason
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		unit, err := st.GetUnit(ctx, unitID)
		if err != nil {
			return err
		}
		reasons, err = availability.New(st).BlockingReasons(ctx, unit, p, availability.Exclusions{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return reasons, nil
}

// BlockUnit создаёт ручную блокировку ячейки.
func (s *Service) BlockUnit(ctx context.Context, unitID string, p model.Period, reason string) (*model.ManualBlock, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	b := &model.ManualBlock{
		ID:        model.NewID(),
		UnitID:    unitID,
		Period:    p,
		Reason:    reason,
		CreatedAt: s.now(),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		if _, err := st.LockUnit(ctx, unitID); err != nil {
			return err
		}
		return st.CreateManualBlock(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("unit blocked", zap.String("unit", unitID), zap.Stringer("period", p), zap.String("reason", reason))
	return b, nil
}

// UnblockUnit удаляет ручную блокировку.
func (s *Service) UnblockUnit(ctx context.Context, blockID string) error {
	return s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		return st.DeleteManualBlock(ctx, blockID)
	})
}

// GetContract возвращает договор пользователя.
func (s *Service) GetContract(ctx context.Context, userID, contractID string) (*model.Contract, error) {
	return s.ownContract(ctx, userID, contractID)
}

// CancelRecurringPayment отключает рекуррентную оплату договора пользователя.
func (s *Service) CancelRecurringPayment(ctx context.Context, userID, contractID string) (*model.Contract, error) {
	if _, err := s.ownContract(ctx, userID, contractID); err != nil {
		return nil, err
	}
	c, evs, err := s.contracts.CancelRecurringPayment(ctx, contractID, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return c, nil
}

// SignContract фиксирует подписание договора пользователем.
func (s *Service) SignContract(ctx context.Context, userID, contractID string) (*model.Contract, error) {
	if _, err := s.ownContract(ctx, userID, contractID); err != nil {
		return nil, err
	}
	c, evs, err := s.contracts.Sign(ctx, contractID, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return c, nil
}

// TerminateContract расторгает договор пользователя.
func (s *Service) TerminateContract(ctx context.Context, userID, contractID string) (*model.Contract, error) {
	if _, err := s.ownContract(ctx, userID, contractID); err != nil {
		return nil, err
	}
	c, evs, err := s.contracts.Terminate(ctx, contractID, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, evs)
	return c, nil
}

// Settle формирует акты самовыставления за месяц.
func (s *Service) Settle(ctx context.Context, year, month int) ([]*model.SelfBillingInvoice, error) {
	invoices, evs, err := s.billing.SettleMonth(ctx, year, month, s.now())
	s.emit(ctx, evs)
	return invoices, err
}

// ExpireOrders просрочивает заказы с истёкшим окном резервирования.
func (s *Service) ExpireOrders(ctx context.Context) error {
	evs, err := s.orders.ExpireOverdueOrders(ctx, s.now())
	s.emit(ctx, evs)
	if len(evs) > 0 {
		s.logger.Info("orders expired", zap.Int("count", len(evs)))
	}
	return err
}

// SyncPayments забирает статусы платежей из шлюза и открывает договоры по оплаченным заказам.
func (s *Service) SyncPayments(ctx context.Context) error {
	evs, syncErr := s.orders.SyncPayments(ctx, s.now(), DefaultSyncBatch)
	s.emit(ctx, evs)

	return errors.Join(syncErr, s.OpenPaidContracts(ctx))
}

// OpenPaidContracts открывает договоры по всем оплаченным заказам.
func (s *Service) OpenPaidContracts(ctx context.Context) error {
	var paid []model.Order
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		paid, err = st.OrdersByStatus(ctx, model.OrderStatusPaid, DefaultSyncBatch)
		return err
	})
	if err != nil {
		return fmt.Errorf("find paid orders: %w", err)
	}

	var errs []error
	for _, o := range paid {
		c, evs, err := s.contracts.OpenFromOrder(ctx, o.ID, s.now())
		if err != nil {
			if errors.Is(err, contract.ErrContractExists) || errors.Is(err, order.ErrInvalidTransition) {
				continue
			}
			s.logger.Error("open contract error", zap.String("order", o.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		s.logger.Info("contract opened", zap.String("order", o.ID), zap.String("contract", c.ID))
		s.emit(ctx, evs)
	}
	return errors.Join(errs...)
}

// ChargeRecurring проводит рекуррентные списания по договорам.
func (s *Service) ChargeRecurring(ctx context.Context) error {
	evs, err := s.contracts.ChargeDue(ctx, s.now())
	s.emit(ctx, evs)
	return err
}

// SettlePreviousMonth формирует акты за прошедший месяц.
func (s *Service) SettlePreviousMonth(ctx context.Context) error {
	year, month := commission.PreviousMonth(s.now())
	invoices, err := s.Settle(ctx, year, month)
	if len(invoices) > 0 {
		s.logger.Info("monthly settlement done", zap.Int("year", year), zap.Int("month", month), zap.Int("invoices", len(invoices)))
	}
	return err
}
