// Package storage описывает контракты хранилища, которые использует ядро бронирования и биллинга.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/storage-rental/internal/model"
)

var (
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict возвращается, если сущность была изменена параллельной операцией.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvoiceExists возвращается при попытке создать второй акт за тот же период.
	ErrInvoiceExists = errors.New("self-billing invoice already exists for period")
	// ErrContractExists возвращается при повторном создании договора по заказу.
	ErrContractExists = errors.New("contract already exists for order")
)

// Catalog предоставляет доступ к ячейкам, их типам и владельцам.
type Catalog interface {
	GetUnit(ctx context.Context, id string) (*model.Unit, error)
	// LockUnit читает ячейку с блокировкой строки до конца транзакции.
	LockUnit(ctx context.Context, id string) (*model.Unit, error)
	// UnitsByType возвращает ячейки типа в порядке возрастания номера.
	UnitsByType(ctx context.Context, unitTypeID string) ([]model.Unit, error)
	UpdateUnitStatus(ctx context.Context, unit *model.Unit, status model.UnitStatus) error
	GetUnitType(ctx context.Context, id string) (*model.UnitType, error)
	GetLandlord(ctx context.Context, id string) (*model.Landlord, error)
}

// Occupancy предоставляет три независимых источника занятости ячейки.
type Occupancy interface {
	ManualBlocksOverlapping(ctx context.Context, unitID string, p model.Period) ([]model.ManualBlock, error)
	OrdersOverlapping(ctx context.Context, unitID string, p model.Period, statuses []model.OrderStatus) ([]model.Order, error)
	// ContractsOverlapping возвращает нерасторгнутые договоры, пересекающие период.
	ContractsOverlapping(ctx context.Context, unitID string, p model.Period) ([]model.Contract, error)
}

// ManualBlocks управляет ручными блокировками ячеек.
type ManualBlocks interface {
	CreateManualBlock(ctx context.Context, b *model.ManualBlock) error
	DeleteManualBlock(ctx context.Context, id string) error
}

// Orders предоставляет доступ к заказам.
type Orders interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// UpdateOrder сохраняет заказ, если его версия не изменилась с момента чтения.
	UpdateOrder(ctx context.Context, o *model.Order) error
	// OrdersExpiredBefore возвращает незавершённые неоплаченные заказы с истёкшим сроком.
	OrdersExpiredBefore(ctx context.Context, now time.Time) ([]model.Order, error)
	OrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
}

// Contracts предоставляет доступ к договорам.
type Contracts interface {
	CreateContract(ctx context.Context, c *model.Contract) error
	GetContract(ctx context.Context, id string) (*model.Contract, error)
	ContractByOrder(ctx context.Context, orderID string) (*model.Contract, error)
	UpdateContract(ctx context.Context, c *model.Contract) error
	// ActiveContractsByUser возвращает нерасторгнутые договоры пользователя на ячейки заданного типа.
	ActiveContractsByUser(ctx context.Context, userID, unitTypeID string) ([]model.Contract, error)
	ContractsWithRecurringBilling(ctx context.Context) ([]model.Contract, error)
}

// Payments предоставляет доступ к платежам и актам самовыставления.
type Payments interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	// UnbilledPaymentsByLandlord возвращает не включённые в акты платежи за [from, to).
	UnbilledPaymentsByLandlord(ctx context.Context, landlordID string, from, to time.Time) ([]model.Payment, error)
	LandlordsWithUnbilledPayments(ctx context.Context, from, to time.Time) ([]string, error)
	// LockInvoicePeriod сериализует выставление актов по (владелец, год, месяц).
	LockInvoicePeriod(ctx context.Context, landlordID string, year, month int) error
	InvoiceByPeriod(ctx context.Context, landlordID string, year, month int) (*model.SelfBillingInvoice, error)
	NextInvoiceSequence(ctx context.Context, landlordID string, year int) (int, error)
	CreateInvoice(ctx context.Context, inv *model.SelfBillingInvoice) error
	LinkPaymentsToInvoice(ctx context.Context, invoiceID string, paymentIDs []string) error
}

// Store объединяет все операции хранилища, доступные внутри транзакции.
type Store interface {
	Catalog
	Occupancy
	ManualBlocks
	Orders
	Contracts
	Payments
}

// Transactor выполняет fn в рамках одной транзакции. Ошибка fn откатывает изменения.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error
}
