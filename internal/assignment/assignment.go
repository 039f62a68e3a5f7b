// Package assignment подбирает конкретную ячейку под запрошенный тип и период.
package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/storage-rental/internal/availability"
	"github.com/mmeshcher/storage-rental/internal/model"
)

// ErrNoUnitAvailable возвращается, если свободной ячейки нужного типа нет.
var ErrNoUnitAvailable = errors.New("no unit available")

// NoUnitAvailableError содержит параметры запроса, для которого не нашлось ячейки.
type NoUnitAvailableError struct {
	UnitTypeID string
	Period     model.Period
}

func (e *NoUnitAvailableError) Error() string {
	return fmt.Sprintf("no unit of type %s available for %s", e.UnitTypeID, e.Period)
}

// Is позволяет сравнивать ошибку с ErrNoUnitAvailable.
func (e *NoUnitAvailableError) Is(target error) bool {
	return target == ErrNoUnitAvailable
}

// Lookup описывает данные, необходимые для подбора ячейки.
type Lookup interface {
	availability.Lookup
	GetUnit(ctx context.Context, id string) (*model.Unit, error)
	UnitsByType(ctx context.Context, unitTypeID string) ([]model.Unit, error)
	ActiveContractsByUser(ctx context.Context, userID, unitTypeID string) ([]model.Contract, error)
}

// Assigner выбирает ячейку, используя движок доступности.
type Assigner struct {
	lookup Lookup
	engine *availability.Engine
}

// New создаёт Assigner поверх хранилища.
func New(lookup Lookup) *Assigner {
	return &Assigner{
		lookup: lookup,
		engine: availability.New(lookup),
	}
}

// Assign подбирает ячейку. Сначала проверяется продление: ячейки действующих
// договоров пользователя того же типа, без учёта занятости самим договором.
// Затем первая свободная ячейка по возрастанию номера.
func (a *Assigner) Assign(ctx context.Context, unitTypeID string, p model.Period, userID string) (*model.Unit, error) {
	if userID != "" {
		unit, err := a.extension(ctx, unitTypeID, p, userID)
		if err != nil {
			return nil, err
		}
		if unit != nil {
			return unit, nil
		}
	}

	units, err := a.scan(ctx, unitTypeID, p, 1)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, &NoUnitAvailableError{UnitTypeID: unitTypeID, Period: p}
	}
	return &units[0], nil
}

func (a *Assigner) extension(ctx context.Context, unitTypeID string, p model.Period, userID string) (*model.Unit, error) {
	contracts, err := a.lookup.ActiveContractsByUser(ctx, userID, unitTypeID)
	if err != nil {
		return nil, fmt.Errorf("active contracts of user %s: %w", userID, err)
	}

	for _, c := range contracts {
		unit, err := a.lookup.GetUnit(ctx, c.UnitID)
		if err != nil {
			return nil, fmt.Errorf("unit of contract %s: %w", c.ID, err)
		}
		if unit.UnitTypeID != unitTypeID {
			continue
		}
		ok, err := a.engine.IsAvailable(ctx, unit, p, availability.Exclusions{ContractID: c.ID})
		if err != nil {
			return nil, err
		}
		if ok {
			return unit, nil
		}
	}
	return nil, nil
}

// scan возвращает до limit свободных ячеек типа; limit <= 0 снимает ограничение.
func (a *Assigner) scan(ctx context.Context, unitTypeID string, p model.Period, limit int) ([]model.Unit, error) {
	units, err := a.lookup.UnitsByType(ctx, unitTypeID)
	if err != nil {
		return nil, fmt.Errorf("units of type %s: %w", unitTypeID, err)
	}

	var free []model.Unit
	for i := range units {
		ok, err := a.engine.IsAvailable(ctx, &units[i], p, availability.Exclusions{})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		free = append(free, units[i])
		if limit > 0 && len(free) == limit {
			break
		}
	}
	return free, nil
}

// HasAvailable сообщает, есть ли хотя бы одна свободная ячейка типа.
func (a *Assigner) HasAvailable(ctx context.Context, unitTypeID string, p model.Period) (bool, error) {
	units, err := a.scan(ctx, unitTypeID, p, 1)
	if err != nil {
		return false, err
	}
	return len(units) > 0, nil
}

// CountAvailable возвращает число свободных ячеек типа.
func (a *Assigner) CountAvailable(ctx context.Context, unitTypeID string, p model.Period) (int, error) {
	units, err := a.scan(ctx, unitTypeID, p, 0)
	if err != nil {
		return 0, err
	}
	return len(units), nil
}

// FindAllAvailable возвращает все свободные ячейки типа по возрастанию номера.
func (a *Assigner) FindAllAvailable(ctx context.Context, unitTypeID string, p model.Period) ([]model.Unit, error) {
	return a.scan(ctx, unitTypeID, p, 0)
}
