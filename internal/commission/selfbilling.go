package commission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

// DefaultInvoicePrefix используется в номере акта, если префикс не задан.
const DefaultInvoicePrefix = "SB"

var (
	// ErrNoPaymentsForPeriod возвращается, если за период нет невыставленных платежей.
	ErrNoPaymentsForPeriod = errors.New("no unbilled payments for period")
	// ErrInvalidPeriod возвращается при некорректном годе или месяце.
	ErrInvalidPeriod = errors.New("invalid settlement period")
)

// Invoicer регистрирует акты в бухгалтерском сервисе.
type Invoicer interface {
	CreateSelfBillingInvoice(ctx context.Context, inv *model.SelfBillingInvoice) (string, error)
	DownloadInvoicePdf(ctx context.Context, externalID string) ([]byte, error)
}

// SelfBilling формирует акты самовыставления. Для каждой пары (владелец, месяц)
// акт создаётся не более одного раза.
type SelfBilling struct {
	tx       storage.Transactor
	rates    *RateResolver
	prefix   string
	invoicer Invoicer
	pdfDir   string
	logger   *zap.Logger
}

// NewSelfBilling создаёт сервис актов самовыставления.
func NewSelfBilling(tx storage.Transactor, rates *RateResolver, prefix string, logger *zap.Logger) *SelfBilling {
	if rates == nil {
		rates = NewRateResolver(DefaultRate)
	}
	if prefix == "" {
		prefix = DefaultInvoicePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelfBilling{
		tx:     tx,
		rates:  rates,
		prefix: prefix,
		logger: logger,
	}
}

// WithInvoicer включает регистрацию актов в бухгалтерском сервисе. Если pdfDir
// не пуст, PDF акта сохраняется в этот каталог.
func (s *SelfBilling) WithInvoicer(inv Invoicer, pdfDir string) *SelfBilling {
	s.invoicer = inv
	s.pdfDir = pdfDir
	return s
}

// MonthBounds возвращает полуинтервал [from, to) календарного месяца в UTC.
func MonthBounds(year, month int) (time.Time, time.Time, error) {
	if month < 1 || month > 12 || year < 1 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d-%02d", ErrInvalidPeriod, year, month)
	}
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0), nil
}

// PreviousMonth возвращает год и месяц, предшествующие now.
func PreviousMonth(now time.Time) (int, int) {
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return prev.Year(), int(prev.Month())
}

// InvoiceNumber форматирует номер акта как PREFIX-YYYY-NNNN.
func InvoiceNumber(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%04d-%04d", prefix, year, seq)
}

type totals struct {
	gross    int64
	net      int64
	weighted decimal.Decimal
	ids      []string
}

// summarize рассчитывает выплату по каждому платежу отдельно, по его собственной ставке.
func (s *SelfBilling) summarize(ctx context.Context, st storage.Store, payments []model.Payment) (totals, error) {
	t := totals{weighted: decimal.Zero, ids: make([]string, 0, len(payments))}
	unitRates := make(map[string]decimal.Decimal)

	for _, p := range payments {
		rate, err := s.paymentRate(ctx, st, p, unitRates)
		if err != nil {
			return totals{}, err
		}
		t.gross += p.Amount
		t.net += NetAmount(p.Amount, rate)
		t.weighted = t.weighted.Add(decimal.NewFromInt(p.Amount).Mul(rate))
		t.ids = append(t.ids, p.ID)
	}
	return t, nil
}

func (s *SelfBilling) paymentRate(ctx context.Context, st storage.Store, p model.Payment, cache map[string]decimal.Decimal) (decimal.Decimal, error) {
	if p.CommissionRate != nil {
		return *p.CommissionRate, nil
	}
	if rate, ok := cache[p.UnitID]; ok {
		return rate, nil
	}
	unit, err := st.GetUnit(ctx, p.UnitID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	rate, err := s.rates.Rate(ctx, st, unit)
	if err != nil {
		return decimal.Decimal{}, err
	}
	cache[p.UnitID] = rate
	return rate, nil
}

// averageRate возвращает средневзвешенную ставку с точностью до 4 знаков.
// Используется только для отображения, выплата из неё не пересчитывается.
func (s *SelfBilling) averageRate(t totals) decimal.Decimal {
	if t.gross == 0 {
		return s.rates.Default().Round(4)
	}
	return t.weighted.Div(decimal.NewFromInt(t.gross)).Round(4)
}

// GetOrCreateInvoice возвращает акт владельца за месяц, создавая его при отсутствии.
// Существующий акт возвращается без пересчёта, даже если появились новые платежи.
func (s *SelfBilling) GetOrCreateInvoice(ctx context.Context, landlordID string, year, month int, now time.Time) (*model.SelfBillingInvoice, []model.Event, error) {
	from, to, err := MonthBounds(year, month)
	if err != nil {
		return nil, nil, err
	}

	var (
		inv     *model.SelfBillingInvoice
		created bool
	)
	err = s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		created = false
		if err := st.LockInvoicePeriod(ctx, landlordID, year, month); err != nil {
			return fmt.Errorf("lock invoice period: %w", err)
		}

		existing, err := st.InvoiceByPeriod(ctx, landlordID, year, month)
		if err == nil {
			inv = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("find invoice: %w", err)
		}

		payments, err := st.UnbilledPaymentsByLandlord(ctx, landlordID, from, to)
		if err != nil {
			return fmt.Errorf("find unbilled payments: %w", err)
		}
		if len(payments) == 0 {
			return fmt.Errorf("landlord %s %d-%02d: %w", landlordID, year, month, ErrNoPaymentsForPeriod)
		}

		t, err := s.summarize(ctx, st, payments)
		if err != nil {
			return err
		}

		seq, err := st.NextInvoiceSequence(ctx, landlordID, year)
		if err != nil {
			return fmt.Errorf("next invoice sequence: %w", err)
		}

		inv = &model.SelfBillingInvoice{
			ID:             model.NewID(),
			LandlordID:     landlordID,
			Year:           year,
			Month:          month,
			Number:         InvoiceNumber(s.prefix, year, seq),
			GrossAmount:    t.gross,
			NetAmount:      t.net,
			CommissionRate: s.averageRate(t),
			IssuedAt:       now,
			PaymentIDs:     t.ids,
		}
		if err := st.CreateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		if err := st.LinkPaymentsToInvoice(ctx, inv.ID, t.ids); err != nil {
			return fmt.Errorf("link payments: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !created {
		return inv, nil, nil
	}

	s.logger.Info("self-billing invoice issued",
		zap.String("landlord", landlordID),
		zap.String("number", inv.Number),
		zap.Int64("gross", inv.GrossAmount),
		zap.Int64("net", inv.NetAmount))
	s.publish(ctx, inv)

	return inv, []model.Event{model.NewEvent(model.EventSelfBillingInvoiceIssued, inv.ID, now,
		"landlord_id", landlordID, "number", inv.Number,
		"gross_amount", strconv.FormatInt(inv.GrossAmount, 10),
		"net_amount", strconv.FormatInt(inv.NetAmount, 10))}, nil
}

// publish регистрирует акт в бухгалтерском сервисе и сохраняет PDF. Ошибки только логируются.
func (s *SelfBilling) publish(ctx context.Context, inv *model.SelfBillingInvoice) {
	if s.invoicer == nil {
		return
	}

	externalID, err := s.invoicer.CreateSelfBillingInvoice(ctx, inv)
	if err != nil {
		s.logger.Warn("register invoice in accounting failed", zap.String("number", inv.Number), zap.Error(err))
		return
	}
	if s.pdfDir == "" {
		return
	}

	pdf, err := s.invoicer.DownloadInvoicePdf(ctx, externalID)
	if err != nil {
		s.logger.Warn("download invoice pdf failed", zap.String("number", inv.Number), zap.Error(err))
		return
	}
	path := filepath.Join(s.pdfDir, inv.Number+".pdf")
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		s.logger.Warn("save invoice pdf failed", zap.String("path", path), zap.Error(err))
	}
}

// SettleMonth формирует акты за месяц для всех владельцев с невыставленными платежами.
func (s *SelfBilling) SettleMonth(ctx context.Context, year, month int, now time.Time) ([]*model.SelfBillingInvoice, []model.Event, error) {
	from, to, err := MonthBounds(year, month)
	if err != nil {
		return nil, nil, err
	}

	var landlords []string
	err = s.tx.InTx(ctx, func(ctx context.Context, st storage.Store) error {
		var err error
		landlords, err = st.LandlordsWithUnbilledPayments(ctx, from, to)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("find landlords to settle: %w", err)
	}

	var (
		invoices []*model.SelfBillingInvoice
		events   []model.Event
		errs     []error
	)
	for _, id := range landlords {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		inv, evs, err := s.GetOrCreateInvoice(ctx, id, year, month, now)
		switch {
		case err == nil:
			invoices = append(invoices, inv)
			events = append(events, evs...)
		case errors.Is(err, ErrNoPaymentsForPeriod):
			s.logger.Debug("nothing to settle", zap.String("landlord", id))
		default:
			s.logger.Error("settle landlord error", zap.String("landlord", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("landlord %s: %w", id, err))
		}
	}

	return invoices, events, errors.Join(errs...)
}
