// Package model содержит доменные сущности сервиса аренды складских ячеек.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID генерирует глобально уникальный идентификатор сущности.
func NewID() string {
	return uuid.NewString()
}

// UnitStatus описывает текущее состояние складской ячейки.
type UnitStatus string

const (
	UnitStatusAvailable           UnitStatus = "AVAILABLE"
	UnitStatusReserved            UnitStatus = "RESERVED"
	UnitStatusOccupied            UnitStatus = "OCCUPIED"
	UnitStatusManuallyUnavailable UnitStatus = "MANUALLY_UNAVAILABLE"
)

// Landlord описывает владельца ячеек, которому платформа выплачивает доход.
type Landlord struct {
	ID   string
	Name string
	// CommissionRate переопределяет ставку по умолчанию для всех ячеек владельца.
	CommissionRate *decimal.Decimal
}

// UnitType описывает категорию ячеек с общими размерами и тарифами.
type UnitType struct {
	ID          string
	Name        string
	WidthCm     int
	DepthCm     int
	HeightCm    int
	WeeklyRate  int64
	MonthlyRate int64
}

// Unit описывает конкретную ячейку, доступную для аренды.
type Unit struct {
	ID         string
	UnitTypeID string
	LandlordID string
	Number     int
	Status     UnitStatus
	// CommissionRate переопределяет ставку владельца для этой ячейки.
	CommissionRate *decimal.Decimal
	Version        int64
}

// ManualBlock описывает период недоступности ячейки, заданный владельцем.
type ManualBlock struct {
	ID        string
	UnitID    string
	Period    Period
	Reason    string
	CreatedAt time.Time
}

// RentalKind определяет вид аренды.
type RentalKind string

const (
	// RentalLimited означает аренду с фиксированной датой окончания.
	RentalLimited RentalKind = "LIMITED"
	// RentalUnlimited означает бессрочную аренду с рекуррентной оплатой.
	RentalUnlimited RentalKind = "UNLIMITED"
)

// Valid сообщает, является ли значение допустимым видом аренды.
func (k RentalKind) Valid() bool {
	return k == RentalLimited || k == RentalUnlimited
}

// Order описывает заказ на аренду ячейки.
type Order struct {
	ID         string
	UserID     string
	UnitID     string
	Kind       RentalKind
	Period     Period
	TotalPrice int64
	Status     OrderStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	PaidAt     *time.Time
	PaymentRef string
	ContractID string
	Version    int64
}

// IsExpired сообщает, истекло ли окно резервирования заказа.
func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt) && !o.Status.IsTerminal() && o.Status != OrderStatusPaid
}

// Payment описывает поступивший платёж за аренду ячейки.
type Payment struct {
	ID         string
	UnitID     string
	OrderID    string
	ContractID string
	Amount     int64
	PaidAt     time.Time
	// InvoiceID пуст, пока платёж не включён в акт самовыставления.
	InvoiceID string
	// CommissionRate фиксирует ставку, действовавшую на момент платежа.
	CommissionRate *decimal.Decimal
}

// SelfBillingInvoice описывает ежемесячный акт выплаты владельцу.
type SelfBillingInvoice struct {
	ID          string
	LandlordID  string
	Year        int
	Month       int
	Number      string
	GrossAmount int64
	NetAmount   int64
	// CommissionRate содержит средневзвешенную ставку, только для отображения.
	CommissionRate decimal.Decimal
	IssuedAt       time.Time
	PaymentIDs     []string
}
