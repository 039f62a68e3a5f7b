package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/assignment"
	"github.com/mmeshcher/storage-rental/internal/commission"
	"github.com/mmeshcher/storage-rental/internal/gateway"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/pricing"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

// DefaultReservationWindow задаёт срок, в течение которого созданный заказ ожидает оплаты.
const DefaultReservationWindow = 7 * 24 * time.Hour

// ErrInvalidRequest возвращается при некорректных параметрах заказа.
var ErrInvalidRequest = errors.New("invalid order request")

// Gateway описывает операции платёжного шлюза, нужные заказам.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Payment, error)
	CreateRecurringPayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Payment, error)
	GetStatus(ctx context.Context, ref string) (gateway.Status, error)
}

// Service выполняет операции жизненного цикла заказа, каждая в своей транзакции.
// Возвращаемые события отправляются вызывающей стороной после успешного завершения.
type Service struct {
	tx      storage.Transactor
	gateway Gateway
	logger  *zap.Logger
	window  time.Duration
	rates   *commission.RateResolver
}

// NewService создаёт сервис заказов.
func NewService(tx storage.Transactor, gw Gateway, logger *zap.Logger, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultReservationWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tx:      tx,
		gateway: gw,
		logger:  logger,
		window:  window,
	}
}

// WithRates задаёт резолвер ставок, которыми помечаются платежи по заказам.
func (s *Service) WithRates(rates *commission.RateResolver) *Service {
	s.rates = rates
	return s
}

// CreateRequest описывает запрос на аренду ячейки заданного типа.
type CreateRequest struct {
	UserID     string
	UnitTypeID string
	Kind       model.RentalKind
	Start      time.Time
	End        *time.Time
}

func (r CreateRequest) period() (model.Period, error) {
	if !r.Kind.Valid() {
		return model.Period{}, fmt.Errorf("%w: unknown rental kind %q", ErrInvalidRequest, r.Kind)
	}
	if r.Kind == model.RentalLimited && r.End == nil {
		return model.Period{}, fmt.Errorf("%w: limited rental requires an end date", ErrInvalidRequest)
	}
	if r.Kind == model.RentalUnlimited && r.End != nil {
		return model.Period{}, fmt.Errorf("%w: unlimited rental must not have an end date", ErrInvalidRequest)
	}
	p := model.NewPeriod(r.Start, r.End)
	if err := p.Validate(); err != nil {
		return model.Period{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return p, nil
}

// Create подбирает ячейку, рассчитывает стоимость и создаёт заказ в статусе CREATED.
func (s *Service) Create(ctx context.Context, req CreateRequest, now time.Time) (*model.Order, []model.Event, error) {
	p, err := req.period()
	if err != nil {
		return nil, nil, err
	}

	var o *model.Order
	err = s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		ut, err := st.GetUnitType(ctx, req.UnitTypeID)
		if err != nil {
			return err
		}

		unit, err := assignment.New(st).Assign(ctx, ut.ID, p, req.UserID)
		if err != nil {
			return err
		}

		o = &model.Order{
			ID:         model.NewID(),
			UserID:     req.UserID,
			UnitID:     unit.ID,
			Kind:       req.Kind,
			Period:     p,
			TotalPrice: pricing.Calculate(ut, p),
			Status:     model.OrderStatusCreated,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.window),
		}
		if err := st.CreateOrder(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return o, []model.Event{model.NewEvent(model.EventOrderCreated, o.ID, now,
		"unit_id", o.UnitID, "user_id", o.UserID, "total_price", fmt.Sprint(o.TotalPrice))}, nil
}

type step func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error)

func (s *Service) run(ctx context.Context, fn step) (*model.Order, []model.Event, error) {
	var (
		o      *model.Order
		events []model.Event
	)
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		o, events, err = fn(ctx, Within(st).WithRates(s.rates))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return o, events, nil
}

// Reserve резервирует ячейку под заказ.
func (s *Service) Reserve(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	return s.run(ctx, func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error) {
		return l.Reserve(ctx, orderID, now)
	})
}

// MarkAwaitingPayment переводит заказ в ожидание оплаты.
func (s *Service) MarkAwaitingPayment(ctx context.Context, orderID, paymentRef string, now time.Time) (*model.Order, []model.Event, error) {
	return s.run(ctx, func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error) {
		return l.MarkAwaitingPayment(ctx, orderID, paymentRef, now)
	})
}

// MarkPaid фиксирует оплату заказа.
func (s *Service) MarkPaid(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	return s.run(ctx, func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error) {
		return l.MarkPaid(ctx, orderID, now)
	})
}

// Complete завершает оплаченный заказ.
func (s *Service) Complete(ctx context.Context, orderID, contractID string, now time.Time) (*model.Order, []model.Event, error) {
	return s.run(ctx, func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error) {
		return l.Complete(ctx, orderID, contractID, now)
	})
}

// Cancel отменяет заказ.
func (s *Service) Cancel(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	return s.run(ctx, func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error) {
		return l.Cancel(ctx, orderID, now)
	})
}

// Expire просрочивает заказ.
func (s *Service) Expire(ctx context.Context, orderID string, now time.Time) (*model.Order, []model.Event, error) {
	return s.run(ctx, func(ctx context.Context, l *Lifecycle) (*model.Order, []model.Event, error) {
		return l.Expire(ctx, orderID, now)
	})
}

// ExpireOverdueOrders просрочивает все заказы с истёкшим окном резервирования.
// Каждый заказ обрабатывается в отдельной транзакции; заказы, которые успели
// оплатить или отменить параллельно, пропускаются.
func (s *Service) ExpireOverdueOrders(ctx context.Context, now time.Time) ([]model.Event, error) {
	var overdue []model.Order
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		overdue, err = st.OrdersExpiredBefore(ctx, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find overdue orders: %w", err)
	}

	var (
		events []model.Event
		errs   []error
	)
	for _, o := range overdue {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, evs, err := s.Expire(ctx, o.ID, now)
		switch {
		case err == nil:
			events = append(events, evs...)
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotExpired):
			s.logger.Debug("order no longer eligible for expiry", zap.String("order", o.ID), zap.Error(err))
		default:
			s.logger.Error("expire order error", zap.String("order", o.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("expire order %s: %w", o.ID, err))
		}
	}

	return events, errors.Join(errs...)
}

// PaymentSession описывает созданный в шлюзе платёж по заказу.
type PaymentSession struct {
	Order       *model.Order
	PaymentRef  string
	RedirectURL string
}

// StartPayment создаёт платёж в шлюзе и переводит заказ в ожидание оплаты.
// Для бессрочной аренды создаётся родительский рекуррентный платёж.
func (s *Service) StartPayment(ctx context.Context, orderID, returnURL string, now time.Time) (*PaymentSession, []model.Event, error) {
	var current *model.Order
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		current, err = st.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if _, err := Transition(current.Status, CmdAwaitPay); err != nil {
		return nil, nil, err
	}

	req := gateway.PaymentRequest{
		Amount:      current.TotalPrice,
		Reference:   current.ID,
		Description: fmt.Sprintf("Storage unit rental %s", current.Period),
		ReturnURL:   returnURL,
	}

	var payment *gateway.Payment
	if current.Kind == model.RentalUnlimited {
		req.Frequency = string(model.BillingMonthly)
		payment, err = s.gateway.CreateRecurringPayment(ctx, req)
	} else {
		payment, err = s.gateway.CreatePayment(ctx, req)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create gateway payment for order %s: %w", orderID, err)
	}

	o, events, err := s.MarkAwaitingPayment(ctx, orderID, payment.Ref, now)
	if err != nil {
		return nil, nil, err
	}
	return &PaymentSession{Order: o, PaymentRef: payment.Ref, RedirectURL: payment.RedirectURL}, events, nil
}

// SyncPayments опрашивает шлюз по заказам, ожидающим оплаты, и фиксирует оплату
// или отмену. При ответе 429 обработка пачки прерывается до следующего запуска.
func (s *Service) SyncPayments(ctx context.Context, now time.Time, limit int) ([]model.Event, error) {
	var pending []model.Order
	err := s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		pending, err = st.OrdersByStatus(ctx, model.OrderStatusAwaitingPayment, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find orders awaiting payment: %w", err)
	}

	var (
		events []model.Event
		errs   []error
	)
	for _, o := range pending {
		if o.PaymentRef == "" {
			continue
		}

		status, err := s.gateway.GetStatus(ctx, o.PaymentRef)
		if err != nil {
			var rl *gateway.RateLimitError
			if errors.As(err, &rl) {
				s.logger.Warn("payment gateway rate limited", zap.Duration("retryAfter", rl.RetryAfter))
				break
			}
			s.logger.Error("get payment status error", zap.String("order", o.ID), zap.Error(err))
			continue
		}

		var evs []model.Event
		switch status {
		case gateway.StatusPaid:
			_, evs, err = s.MarkPaid(ctx, o.ID, now)
		case gateway.StatusCanceled:
			_, evs, err = s.Cancel(ctx, o.ID, now)
		default:
			continue
		}
		if err != nil {
			s.logger.Error("apply payment status error", zap.String("order", o.ID), zap.String("status", string(status)), zap.Error(err))
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		events = append(events, evs...)
	}

	return events, errors.Join(errs...)
}
