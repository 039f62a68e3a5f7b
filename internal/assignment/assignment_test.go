package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/repository/memory"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newStore() *memory.Store {
	st := memory.New()
	st.AddUnitType(model.UnitType{ID: "small", WeeklyRate: 10000, MonthlyRate: 30000})
	st.AddUnitType(model.UnitType{ID: "large", WeeklyRate: 20000, MonthlyRate: 60000})
	// Порядок добавления не совпадает с номерами: выбор должен идти по номеру.
	st.AddUnit(model.Unit{ID: "C", UnitTypeID: "small", Number: 3})
	st.AddUnit(model.Unit{ID: "A", UnitTypeID: "small", Number: 1})
	st.AddUnit(model.Unit{ID: "B", UnitTypeID: "small", Number: 2})
	st.AddUnit(model.Unit{ID: "L", UnitTypeID: "large", Number: 1})
	return st
}

func assign(t *testing.T, st *memory.Store, unitTypeID string, p model.Period, userID string) (*model.Unit, error) {
	t.Helper()
	var unit *model.Unit
	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		var err error
		unit, err = New(tx).Assign(ctx, unitTypeID, p, userID)
		return err
	})
	return unit, err
}

func TestAssign_FirstFitThenNextUnit(t *testing.T) {
	st := newStore()
	request := model.Between(day("2024-03-01"), day("2024-03-10"))

	unit, err := assign(t, st, "small", request, "")
	require.NoError(t, err)
	assert.Equal(t, "A", unit.ID)

	err = st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		return tx.CreateOrder(ctx, &model.Order{
			ID:     "o1",
			UnitID: "A",
			Status: model.OrderStatusPaid,
			Period: model.Between(day("2024-03-05"), day("2024-03-15")),
		})
	})
	require.NoError(t, err)

	unit, err = assign(t, st, "small", request, "")
	require.NoError(t, err)
	assert.Equal(t, "B", unit.ID)
}

func TestAssign_NoUnitAvailable(t *testing.T) {
	st := newStore()
	request := model.Since(day("2024-03-01"))

	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		return tx.CreateManualBlock(ctx, &model.ManualBlock{ID: "b1", UnitID: "L", Period: model.Since(day("2024-01-01"))})
	})
	require.NoError(t, err)

	_, err = assign(t, st, "large", request, "")
	require.ErrorIs(t, err, ErrNoUnitAvailable)

	var noUnit *NoUnitAvailableError
	require.True(t, errors.As(err, &noUnit))
	assert.Equal(t, "large", noUnit.UnitTypeID)
	assert.Equal(t, request, noUnit.Period)
}

func TestAssign_PrefersUnitOfActiveContract(t *testing.T) {
	st := newStore()

	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		return tx.CreateContract(ctx, &model.Contract{
			ID:     "c1",
			UserID: "user-1",
			UnitID: "C",
			Kind:   model.RentalLimited,
			Period: model.Between(day("2024-02-01"), day("2024-03-05")),
		})
	})
	require.NoError(t, err)

	renewal := model.Between(day("2024-03-05"), day("2024-04-05"))

	unit, err := assign(t, st, "small", renewal, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "C", unit.ID, "own contract must not block its renewal")

	unit, err = assign(t, st, "small", renewal, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "A", unit.ID)
}

func TestCountAndFindAvailable(t *testing.T) {
	st := newStore()
	request := model.Between(day("2024-03-01"), day("2024-03-10"))

	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		return tx.CreateOrder(ctx, &model.Order{
			ID:     "o1",
			UnitID: "B",
			Status: model.OrderStatusReserved,
			Period: request,
		})
	})
	require.NoError(t, err)

	err = st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		a := New(tx)

		n, err := a.CountAvailable(ctx, "small", request)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		units, err := a.FindAllAvailable(ctx, "small", request)
		require.NoError(t, err)
		require.Len(t, units, 2)
		assert.Equal(t, "A", units[0].ID)
		assert.Equal(t, "C", units[1].ID)

		ok, err := a.HasAvailable(ctx, "large", request)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}
