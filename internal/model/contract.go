package model

import (
	"errors"
	"time"
)

var (
	// ErrAlreadySigned возвращается при повторном подписании договора.
	ErrAlreadySigned = errors.New("contract already signed")
	// ErrAlreadyTerminated возвращается при операции над расторгнутым договором.
	ErrAlreadyTerminated = errors.New("contract already terminated")
	// ErrNoRecurringPayment возвращается, если у договора нет активной рекуррентной оплаты.
	ErrNoRecurringPayment = errors.New("no active recurring payment")
	// ErrRecurringPaymentExists возвращается при повторной инициализации рекуррентной оплаты.
	ErrRecurringPaymentExists = errors.New("recurring payment already active")
)

// BillingFrequency определяет периодичность рекуррентных списаний.
type BillingFrequency string

const (
	BillingMonthly BillingFrequency = "MONTHLY"
	BillingYearly  BillingFrequency = "YEARLY"
)

// Advance возвращает следующую дату списания после from.
func (f BillingFrequency) Advance(from time.Time) time.Time {
	if f == BillingYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// RecurringBilling хранит состояние рекуррентной оплаты бессрочного договора.
type RecurringBilling struct {
	ParentRef       string
	Frequency       BillingFrequency
	NextBillingDate time.Time
	LastBilledAt    *time.Time
	LastFailureAt   *time.Time
	FailureCount    int
}

// Contract описывает договор аренды, заключённый по завершённому заказу.
type Contract struct {
	ID           string
	OrderID      string
	UserID       string
	UnitID       string
	Kind         RentalKind
	Period       Period
	CreatedAt    time.Time
	SignedAt     *time.Time
	TerminatedAt *time.Time
	DocumentPath string
	Recurring    *RecurringBilling
	Version      int64
}

// IsTerminated сообщает, расторгнут ли договор.
func (c *Contract) IsTerminated() bool {
	return c.TerminatedAt != nil
}

// HasRecurringPayment сообщает, активна ли рекуррентная оплата.
func (c *Contract) HasRecurringPayment() bool {
	return c.Recurring != nil
}

// Sign фиксирует подписание договора.
func (c *Contract) Sign(now time.Time) error {
	if c.IsTerminated() {
		return ErrAlreadyTerminated
	}
	if c.SignedAt != nil {
		return ErrAlreadySigned
	}
	c.SignedAt = &now
	return nil
}

// AttachDocument сохраняет путь к сформированному документу договора.
func (c *Contract) AttachDocument(path string) error {
	if c.IsTerminated() {
		return ErrAlreadyTerminated
	}
	c.DocumentPath = path
	return nil
}

// Terminate расторгает договор. Рекуррентная оплата должна быть отменена до вызова.
func (c *Contract) Terminate(now time.Time) error {
	if c.IsTerminated() {
		return ErrAlreadyTerminated
	}
	c.TerminatedAt = &now
	return nil
}

// SetRecurringPayment инициализирует рекуррентную оплату.
func (c *Contract) SetRecurringPayment(parentRef string, freq BillingFrequency, next time.Time) error {
	if c.IsTerminated() {
		return ErrAlreadyTerminated
	}
	if c.Recurring != nil {
		return ErrRecurringPaymentExists
	}
	if freq == "" {
		freq = BillingMonthly
	}
	c.Recurring = &RecurringBilling{
		ParentRef:       parentRef,
		Frequency:       freq,
		NextBillingDate: Day(next),
	}
	return nil
}

// IsDueBilling сообщает, наступила ли дата очередного списания.
func (c *Contract) IsDueBilling(now time.Time) bool {
	return c.Recurring != nil && !now.Before(c.Recurring.NextBillingDate)
}

// RecordBillingCharge фиксирует успешное списание и переносит дату следующего.
func (c *Contract) RecordBillingCharge(now time.Time) error {
	if c.Recurring == nil {
		return ErrNoRecurringPayment
	}
	r := c.Recurring
	r.LastBilledAt = &now
	r.FailureCount = 0
	r.LastFailureAt = nil
	r.NextBillingDate = r.Frequency.Advance(r.NextBillingDate)
	return nil
}

// RecordFailedBillingAttempt фиксирует неудачную попытку списания.
func (c *Contract) RecordFailedBillingAttempt(now time.Time) error {
	if c.Recurring == nil {
		return ErrNoRecurringPayment
	}
	c.Recurring.FailureCount++
	c.Recurring.LastFailureAt = &now
	return nil
}

// CancelRecurringPayment сбрасывает состояние рекуррентной оплаты.
func (c *Contract) CancelRecurringPayment() error {
	if c.Recurring == nil {
		return ErrNoRecurringPayment
	}
	c.Recurring = nil
	return nil
}
