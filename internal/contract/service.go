package contract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/availability"
	"github.com/mmeshcher/storage-rental/internal/commission"
	"github.com/mmeshcher/storage-rental/internal/gateway"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/order"
	"github.com/mmeshcher/storage-rental/internal/pricing"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

// ErrContractExists возвращается при повторном создании договора по заказу.
var ErrContractExists = storage.ErrContractExists

// Gateway описывает операции платёжного шлюза, нужные договорам.
type Gateway interface {
	CreateRecurrence(ctx context.Context, parentRef string, amount int64, reference, description string) (*gateway.Payment, error)
	VoidRecurrence(ctx context.Context, parentRef string) error
}

// Service выполняет операции над договорами.
type Service struct {
	tx      storage.Transactor
	gateway Gateway
	policy  RetryPolicy
	rates   *commission.RateResolver
	logger  *zap.Logger
}

// NewService создаёт сервис договоров.
func NewService(tx storage.Transactor, gw Gateway, policy RetryPolicy, logger *zap.Logger) *Service {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:      tx,
		gateway: gw,
		policy:  policy,
		rates:   commission.NewRateResolver(decimal.Zero),
		logger:  logger,
	}
}

// WithRates задаёт резолвер ставок, которыми помечаются рекуррентные платежи.
func (s *Service) WithRates(rates *commission.RateResolver) *Service {
	if rates != nil {
		s.rates = rates
	}
	return s
}

// Policy возвращает действующую политику повторов.
func (s *Service) Policy() RetryPolicy {
	return s.policy
}

// OpenFromOrder создаёт договор по оплаченному заказу и завершает заказ.
// Для бессрочной аренды платёж заказа становится родительским для рекуррентных списаний.
func (s *Service) OpenFromOrder(ctx context.Context, orderID string, now time.Time) (*model.Contract, []model.Event, error) {
	var (
		c      *model.Contract
		events []model.Event
	)
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		o, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}

		if _, err := st.ContractByOrder(ctx, o.ID); err == nil {
			return fmt.Errorf("order %s: %w", o.ID, ErrContractExists)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("find contract of order %s: %w", o.ID, err)
		}

		if _, err := order.Transition(o.Status, order.CmdComplete); err != nil {
			return err
		}

		c = &model.Contract{
			ID:        model.NewID(),
			OrderID:   o.ID,
			UserID:    o.UserID,
			UnitID:    o.UnitID,
			Kind:      o.Kind,
			Period:    o.Period,
			CreatedAt: now,
		}
		if o.Kind == model.RentalUnlimited && o.PaymentRef != "" {
			next := model.BillingMonthly.Advance(o.Period.Start)
			if err := c.SetRecurringPayment(o.PaymentRef, model.BillingMonthly, next); err != nil {
				return err
			}
		}
		if err := st.CreateContract(ctx, c); err != nil {
			return fmt.Errorf("create contract: %w", err)
		}

		_, events, err = order.Within(st).Complete(ctx, o.ID, c.ID, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return c, events, nil
}

func (s *Service) update(ctx context.Context, id string, fn func(st storage.Store, c *model.Contract) ([]model.Event, error)) (*model.Contract, []model.Event, error) {
	var (
		c      *model.Contract
		events []model.Event
	)
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		c, err = st.GetContract(ctx, id)
		if err != nil {
			return err
		}
		events, err = fn(st, c)
		if err != nil {
			return err
		}
		if err := st.UpdateContract(ctx, c); err != nil {
			return fmt.Errorf("update contract %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, events, nil
}

// Get возвращает договор по идентификатору.
func (s *Service) Get(ctx context.Context, id string) (*model.Contract, error) {
	var c *model.Contract
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		c, err = st.GetContract(ctx, id)
		return err
	})
	return c, err
}

// Sign фиксирует подписание договора. Повторное подписание возвращает ErrAlreadySigned.
func (s *Service) Sign(ctx context.Context, id string, now time.Time) (*model.Contract, []model.Event, error) {
	return s.update(ctx, id, func(_ storage.Store, c *model.Contract) ([]model.Event, error) {
		if err := c.Sign(now); err != nil {
			return nil, fmt.Errorf("sign contract %s: %w", c.ID, err)
		}
		return []model.Event{model.NewEvent(model.EventContractSigned, c.ID, now, "user_id", c.UserID)}, nil
	})
}

// AttachDocument сохраняет путь к документу договора.
func (s *Service) AttachDocument(ctx context.Context, id, path string) (*model.Contract, error) {
	c, _, err := s.update(ctx, id, func(_ storage.Store, c *model.Contract) ([]model.Event, error) {
		return nil, c.AttachDocument(path)
	})
	return c, err
}

// SetRecurringPayment инициализирует рекуррентную оплату договора.
func (s *Service) SetRecurringPayment(ctx context.Context, id, parentRef string, freq model.BillingFrequency, next time.Time) (*model.Contract, error) {
	c, _, err := s.update(ctx, id, func(_ storage.Store, c *model.Contract) ([]model.Event, error) {
		return nil, c.SetRecurringPayment(parentRef, freq, next)
	})
	return c, err
}

// CancelRecurringPayment отменяет рекуррентные списания в шлюзе и сбрасывает их состояние.
func (s *Service) CancelRecurringPayment(ctx context.Context, id string, now time.Time) (*model.Contract, []model.Event, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !c.HasRecurringPayment() {
		return nil, nil, fmt.Errorf("contract %s: %w", id, model.ErrNoRecurringPayment)
	}
	if err := s.gateway.VoidRecurrence(ctx, c.Recurring.ParentRef); err != nil {
		return nil, nil, fmt.Errorf("void recurrence of contract %s: %w", id, err)
	}

	return s.update(ctx, id, func(_ storage.Store, c *model.Contract) ([]model.Event, error) {
		ref := ""
		if c.Recurring != nil {
			ref = c.Recurring.ParentRef
		}
		if err := c.CancelRecurringPayment(); err != nil {
			return nil, err
		}
		return []model.Event{model.NewEvent(model.EventRecurringPaymentCancelled, c.ID, now, "parent_ref", ref)}, nil
	})
}

// Terminate расторгает договор. Активная рекуррентная оплата сначала отменяется в шлюзе;
// при ошибке шлюза договор остаётся действующим.
func (s *Service) Terminate(ctx context.Context, id string, now time.Time) (*model.Contract, []model.Event, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.IsTerminated() {
		return nil, nil, fmt.Errorf("terminate contract %s: %w", id, model.ErrAlreadyTerminated)
	}
	if c.HasRecurringPayment() {
		if err := s.gateway.VoidRecurrence(ctx, c.Recurring.ParentRef); err != nil {
			return nil, nil, fmt.Errorf("void recurrence of contract %s: %w", id, err)
		}
	}

	return s.update(ctx, id, func(st storage.Store, c *model.Contract) ([]model.Event, error) {
		var events []model.Event
		if c.HasRecurringPayment() {
			ref := c.Recurring.ParentRef
			if err := c.CancelRecurringPayment(); err != nil {
				return nil, err
			}
			events = append(events, model.NewEvent(model.EventRecurringPaymentCancelled, c.ID, now, "parent_ref", ref))
		}
		if err := c.Terminate(now); err != nil {
			return nil, fmt.Errorf("terminate contract %s: %w", c.ID, err)
		}
		if err := order.ReleaseUnit(ctx, st, c.UnitID, availability.Exclusions{ContractID: c.ID}, now); err != nil {
			return nil, err
		}
		events = append(events, model.NewEvent(model.EventContractTerminated, c.ID, now, "unit_id", c.UnitID))
		return events, nil
	})
}

// ChargeDue проводит рекуррентные списания по всем договорам, для которых
// наступила дата оплаты или разрешён повтор. Ошибки шлюза фиксируются в договоре
// и возвращаются объединённой ошибкой для оповещения.
func (s *Service) ChargeDue(ctx context.Context, now time.Time) ([]model.Event, error) {
	var contracts []model.Contract
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		contracts, err = st.ContractsWithRecurringBilling(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find recurring contracts: %w", err)
	}

	var (
		events []model.Event
		errs   []error
	)
	for i := range contracts {
		c := &contracts[i]
		if !s.policy.ShouldCharge(c, now) {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		evs, err := s.charge(ctx, c, now)
		events = append(events, evs...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return events, errors.Join(errs...)
}

// errStaleCharge означает, что период уже обработан параллельным запуском.
var errStaleCharge = errors.New("billing period already processed")

// billingAttempt фиксирует период и число неудач, прочитанные перед обращением к шлюзу.
type billingAttempt struct {
	due      time.Time
	failures int
}

func attemptOf(c *model.Contract) billingAttempt {
	return billingAttempt{due: c.Recurring.NextBillingDate, failures: c.Recurring.FailureCount}
}

// current сообщает, что договор всё ещё находится в состоянии, прочитанном перед списанием.
func (a billingAttempt) current(c *model.Contract) bool {
	return c.Recurring != nil && !c.IsTerminated() &&
		c.Recurring.NextBillingDate.Equal(a.due) && c.Recurring.FailureCount == a.failures
}

func (s *Service) charge(ctx context.Context, snapshot *model.Contract, now time.Time) ([]model.Event, error) {
	attempt := attemptOf(snapshot)

	var (
		c      *model.Contract
		amount int64
	)
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		c, err = st.GetContract(ctx, snapshot.ID)
		if err != nil {
			return err
		}
		if !attempt.current(c) || !s.policy.ShouldCharge(c, now) {
			return errStaleCharge
		}
		unit, err := st.GetUnit(ctx, c.UnitID)
		if err != nil {
			return err
		}
		ut, err := st.GetUnitType(ctx, unit.UnitTypeID)
		if err != nil {
			return err
		}
		amount = pricing.RecurringAmount(ut, c.Recurring.Frequency)
		return nil
	})
	if errors.Is(err, errStaleCharge) {
		s.logger.Info("recurring charge skipped, period processed by another run", zap.String("contract", snapshot.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("price recurring charge of contract %s: %w", snapshot.ID, err)
	}

	reference := fmt.Sprintf("%s-%s", c.ID, attempt.due.Format("2006-01-02"))
	description := fmt.Sprintf("Storage unit rent from %s", attempt.due.Format("2006-01-02"))

	payment, chargeErr := s.gateway.CreateRecurrence(ctx, c.Recurring.ParentRef, amount, reference, description)
	if chargeErr != nil {
		return s.recordFailure(ctx, c.ID, attempt, now, chargeErr)
	}

	_, events, err := s.update(ctx, c.ID, func(st storage.Store, c *model.Contract) ([]model.Event, error) {
		if !attempt.current(c) {
			return nil, errStaleCharge
		}
		if err := c.RecordBillingCharge(now); err != nil {
			return nil, err
		}
		rate, err := s.rateOf(ctx, st, c.UnitID)
		if err != nil {
			return nil, err
		}
		p := &model.Payment{
			ID:             model.NewID(),
			UnitID:         c.UnitID,
			ContractID:     c.ID,
			Amount:         amount,
			PaidAt:         now,
			CommissionRate: &rate,
		}
		if err := st.CreatePayment(ctx, p); err != nil {
			return nil, fmt.Errorf("record recurring payment: %w", err)
		}
		return []model.Event{model.NewEvent(model.EventRecurringPaymentCharged, c.ID, now,
			"payment_id", p.ID, "gateway_ref", payment.Ref, "amount", strconv.FormatInt(amount, 10),
			"next_billing_date", c.Recurring.NextBillingDate.Format("2006-01-02"))}, nil
	})
	if errors.Is(err, errStaleCharge) {
		s.logger.Info("recurring charge already recorded by another run",
			zap.String("contract", c.ID), zap.String("gatewayRef", payment.Ref), zap.String("reference", reference))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("recurring charge succeeded but was not recorded",
			zap.String("contract", c.ID), zap.String("gatewayRef", payment.Ref), zap.Error(err))
		return nil, fmt.Errorf("record charge of contract %s: %w", c.ID, err)
	}
	return events, nil
}

func (s *Service) rateOf(ctx context.Context, st storage.Store, unitID string) (decimal.Decimal, error) {
	unit, err := st.GetUnit(ctx, unitID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return s.rates.Rate(ctx, st, unit)
}

func (s *Service) recordFailure(ctx context.Context, contractID string, attempt billingAttempt, now time.Time, chargeErr error) ([]model.Event, error) {
	c, events, err := s.update(ctx, contractID, func(_ storage.Store, c *model.Contract) ([]model.Event, error) {
		if !attempt.current(c) {
			return nil, errStaleCharge
		}
		if err := c.RecordFailedBillingAttempt(now); err != nil {
			return nil, err
		}
		return []model.Event{model.NewEvent(model.EventRecurringPaymentFailed, c.ID, now,
			"attempt", strconv.Itoa(c.Recurring.FailureCount), "error", chargeErr.Error())}, nil
	})
	if errors.Is(err, errStaleCharge) {
		s.logger.Info("recurring charge failure ignored, period processed by another run",
			zap.String("contract", contractID), zap.Error(chargeErr))
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("charge contract %s: %w", contractID, chargeErr),
			fmt.Errorf("record failed attempt: %w", err),
		)
	}

	fields := []zap.Field{zap.String("contract", contractID), zap.Int("failures", c.Recurring.FailureCount), zap.Error(chargeErr)}
	if s.policy.Exhausted(c) {
		s.logger.Error("recurring billing gave up, manual intervention required", fields...)
	} else {
		s.logger.Warn("recurring charge failed, will retry", append(fields, zap.Duration("backoff", s.policy.Backoff))...)
	}
	return events, fmt.Errorf("charge contract %s: %w", contractID, chargeErr)
}
