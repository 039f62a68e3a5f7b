// Package availability определяет, свободна ли ячейка на заданный период.
package availability

import (
	"context"
	"fmt"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// Lookup описывает источники занятости ячейки.
type Lookup interface {
	ManualBlocksOverlapping(ctx context.Context, unitID string, p model.Period) ([]model.ManualBlock, error)
	OrdersOverlapping(ctx context.Context, unitID string, p model.Period, statuses []model.OrderStatus) ([]model.Order, error)
	ContractsOverlapping(ctx context.Context, unitID string, p model.Period) ([]model.Contract, error)
}

// Exclusions исключает из проверки заказ или договор, период которого пересчитывается.
type Exclusions struct {
	OrderID    string
	ContractID string
}

// ReasonKind классифицирует причину недоступности.
type ReasonKind string

const (
	ReasonManualStatus ReasonKind = "MANUAL_STATUS"
	ReasonManualBlock  ReasonKind = "MANUAL_BLOCK"
	ReasonOrder        ReasonKind = "ORDER"
	ReasonContract     ReasonKind = "CONTRACT"
)

// Reason описывает одну причину недоступности ячейки.
type Reason struct {
	Kind        ReasonKind
	ReferenceID string
	Period      model.Period
	Detail      string
}

// Engine отвечает на вопрос о доступности ячейки.
type Engine struct {
	lookup Lookup
}

// New создаёт движок доступности поверх источников занятости.
func New(lookup Lookup) *Engine {
	return &Engine{lookup: lookup}
}

// IsAvailable сообщает, свободна ли ячейка на период p. Проверки выполняются
// по порядку и прерываются на первой найденной занятости.
func (e *Engine) IsAvailable(ctx context.Context, unit *model.Unit, p model.Period, ex Exclusions) (bool, error) {
	if unit.Status == model.UnitStatusManuallyUnavailable {
		return false, nil
	}

	blocks, err := e.lookup.ManualBlocksOverlapping(ctx, unit.ID, p)
	if err != nil {
		return false, fmt.Errorf("manual blocks for unit %s: %w", unit.ID, err)
	}
	if len(blocks) > 0 {
		return false, nil
	}

	orders, err := e.blockingOrders(ctx, unit.ID, p, ex.OrderID)
	if err != nil {
		return false, err
	}
	if len(orders) > 0 {
		return false, nil
	}

	contracts, err := e.activeContracts(ctx, unit.ID, p, ex.ContractID)
	if err != nil {
		return false, err
	}
	return len(contracts) == 0, nil
}

// BlockingReasons перечисляет все причины недоступности ячейки. Результат носит
// справочный характер; решение принимает только IsAvailable.
func (e *Engine) BlockingReasons(ctx context.Context, unit *model.Unit, p model.Period, ex Exclusions) ([]Reason, error) {
	var reasons []Reason

	if unit.Status == model.UnitStatusManuallyUnavailable {
		reasons = append(reasons, Reason{Kind: ReasonManualStatus, ReferenceID: unit.ID, Detail: "unit is marked unavailable"})
	}

	blocks, err := e.lookup.ManualBlocksOverlapping(ctx, unit.ID, p)
	if err != nil {
		return nil, fmt.Errorf("manual blocks for unit %s: %w", unit.ID, err)
	}
	for _, b := range blocks {
		reasons = append(reasons, Reason{Kind: ReasonManualBlock, ReferenceID: b.ID, Period: b.Period, Detail: b.Reason})
	}

	orders, err := e.blockingOrders(ctx, unit.ID, p, ex.OrderID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		reasons = append(reasons, Reason{Kind: ReasonOrder, ReferenceID: o.ID, Period: o.Period, Detail: string(o.Status)})
	}

	contracts, err := e.activeContracts(ctx, unit.ID, p, ex.ContractID)
	if err != nil {
		return nil, err
	}
	for _, c := range contracts {
		reasons = append(reasons, Reason{Kind: ReasonContract, ReferenceID: c.ID, Period: c.Period, Detail: string(c.Kind)})
	}

	return reasons, nil
}

func (e *Engine) blockingOrders(ctx context.Context, unitID string, p model.Period, exclude string) ([]model.Order, error) {
	orders, err := e.lookup.OrdersOverlapping(ctx, unitID, p, model.BlockingOrderStatuses)
	if err != nil {
		return nil, fmt.Errorf("orders for unit %s: %w", unitID, err)
	}
	res := orders[:0]
	for _, o := range orders {
		if o.ID != exclude && o.Status.Blocks() && o.Period.Overlaps(p) {
			res = append(res, o)
		}
	}
	return res, nil
}

func (e *Engine) activeContracts(ctx context.Context, unitID string, p model.Period, exclude string) ([]model.Contract, error) {
	contracts, err := e.lookup.ContractsOverlapping(ctx, unitID, p)
	if err != nil {
		return nil, fmt.Errorf("contracts for unit %s: %w", unitID, err)
	}
	res := contracts[:0]
	for _, c := range contracts {
		if c.ID != exclude && !c.IsTerminated() && c.Period.Overlaps(p) {
			res = append(res, c)
		}
	}
	return res, nil
}
