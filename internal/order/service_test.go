package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storage-rental/internal/assignment"
	"github.com/mmeshcher/storage-rental/internal/gateway"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/repository/memory"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

var now = time.Date(2024, 2, 20, 10, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

type stubGateway struct {
	created   []gateway.PaymentRequest
	recurring []gateway.PaymentRequest
	statuses  map[string]gateway.Status
	statusErr error
}

func (g *stubGateway) CreatePayment(_ context.Context, req gateway.PaymentRequest) (*gateway.Payment, error) {
	g.created = append(g.created, req)
	return &gateway.Payment{Ref: "pay-" + req.Reference, RedirectURL: "https://pay.example/" + req.Reference}, nil
}

func (g *stubGateway) CreateRecurringPayment(_ context.Context, req gateway.PaymentRequest) (*gateway.Payment, error) {
	g.recurring = append(g.recurring, req)
	return &gateway.Payment{Ref: "parent-" + req.Reference}, nil
}

func (g *stubGateway) GetStatus(_ context.Context, ref string) (gateway.Status, error) {
	if g.statusErr != nil {
		return "", g.statusErr
	}
	if st, ok := g.statuses[ref]; ok {
		return st, nil
	}
	return gateway.StatusPending, nil
}

func newFixture(t *testing.T) (*Service, *memory.Store, *stubGateway) {
	t.Helper()

	st := memory.New()
	st.AddUnitType(model.UnitType{ID: "small", WeeklyRate: 10000, MonthlyRate: 30000})
	st.AddUnit(model.Unit{ID: "A", UnitTypeID: "small", Number: 1})
	st.AddUnit(model.Unit{ID: "B", UnitTypeID: "small", Number: 2})

	gw := &stubGateway{statuses: map[string]gateway.Status{}}
	return NewService(st, gw, nil, 0), st, gw
}

func limited(start, end string) CreateRequest {
	return CreateRequest{
		UserID:     "user-1",
		UnitTypeID: "small",
		Kind:       model.RentalLimited,
		Start:      day(start),
		End:        ptr(day(end)),
	}
}

func unitStatus(t *testing.T, st *memory.Store, id string) model.UnitStatus {
	t.Helper()
	var status model.UnitStatus
	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		u, err := tx.GetUnit(ctx, id)
		if err != nil {
			return err
		}
		status = u.Status
		return nil
	})
	require.NoError(t, err)
	return status
}

func TestCreate(t *testing.T) {
	svc, _, _ := newFixture(t)

	o, events, err := svc.Create(context.Background(), limited("2024-03-01", "2024-03-11"), now)
	require.NoError(t, err)

	assert.Equal(t, "A", o.UnitID)
	assert.Equal(t, model.OrderStatusCreated, o.Status)
	assert.Equal(t, int64(14286), o.TotalPrice)
	assert.Equal(t, now.Add(7*24*time.Hour), o.ExpiresAt)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventOrderCreated, events[0].Name)
}

func TestCreate_InvalidRequest(t *testing.T) {
	svc, _, _ := newFixture(t)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{name: "limited without end", req: CreateRequest{UnitTypeID: "small", Kind: model.RentalLimited, Start: day("2024-03-01")}},
		{name: "unlimited with end", req: CreateRequest{UnitTypeID: "small", Kind: model.RentalUnlimited, Start: day("2024-03-01"), End: ptr(day("2024-04-01"))}},
		{name: "end before start", req: limited("2024-03-10", "2024-03-01")},
		{name: "unknown kind", req: CreateRequest{UnitTypeID: "small", Kind: "WEEKEND", Start: day("2024-03-01")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Create(context.Background(), tt.req, now)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreate_NoUnitAvailable(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		o, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-10"), now)
		require.NoError(t, err)
		_, _, err = svc.Reserve(ctx, o.ID, now)
		require.NoError(t, err)
	}

	_, _, err := svc.Create(ctx, limited("2024-03-05", "2024-03-06"), now)
	require.ErrorIs(t, err, assignment.ErrNoUnitAvailable)
}

func TestCancelFromReserved(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	o, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-10"), now)
	require.NoError(t, err)

	_, _, err = svc.Reserve(ctx, o.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.UnitStatusReserved, unitStatus(t, st, o.UnitID))

	cancelled, events, err := svc.Cancel(ctx, o.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, model.UnitStatusAvailable, unitStatus(t, st, o.UnitID))
	require.Len(t, events, 1)
	assert.Equal(t, model.EventOrderCancelled, events[0].Name)

	_, _, err = svc.MarkPaid(ctx, o.ID, now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = svc.Cancel(ctx, o.ID, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReserve_ConcurrentClaimLoses(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	first, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-10"), now)
	require.NoError(t, err)
	second, _, err := svc.Create(ctx, limited("2024-03-05", "2024-03-12"), now)
	require.NoError(t, err)
	require.Equal(t, first.UnitID, second.UnitID, "created orders do not block the unit")

	_, _, err = svc.Reserve(ctx, first.ID, now)
	require.NoError(t, err)

	_, _, err = svc.Reserve(ctx, second.ID, now)
	require.ErrorIs(t, err, ErrUnitTaken)

	_, _, err = svc.MarkPaid(ctx, second.ID, now)
	require.ErrorIs(t, err, ErrUnitTaken)
}

func TestMarkPaidRecordsPaymentAndComplete(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	o, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-08"), now)
	require.NoError(t, err)

	paid, events, err := svc.MarkPaid(ctx, o.ID, now)
	require.NoError(t, err)
	require.NotNil(t, paid.PaidAt)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventOrderPaid, events[0].Name)

	payments := st.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, int64(10000), payments[0].Amount)
	assert.Equal(t, o.UnitID, payments[0].UnitID)

	done, _, err := svc.Complete(ctx, o.ID, "contract-1", now)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, done.Status)
	assert.Equal(t, "contract-1", done.ContractID)
	assert.Equal(t, model.UnitStatusOccupied, unitStatus(t, st, o.UnitID))
}

func TestExpire(t *testing.T) {
	svc, st, _ := newFixture(t)
	ctx := context.Background()

	o, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-10"), now)
	require.NoError(t, err)
	_, _, err = svc.Reserve(ctx, o.ID, now)
	require.NoError(t, err)

	_, _, err = svc.Expire(ctx, o.ID, now.Add(24*time.Hour))
	require.ErrorIs(t, err, ErrNotExpired)

	later := o.ExpiresAt.Add(time.Minute)
	expired, events, err := svc.Expire(ctx, o.ID, later)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, expired.Status)
	assert.Equal(t, model.EventOrderExpired, events[0].Name)
	assert.Equal(t, model.UnitStatusAvailable, unitStatus(t, st, o.UnitID))
}

func TestExpireOverdueOrders(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	stale, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-10"), now)
	require.NoError(t, err)
	paid, _, err := svc.Create(ctx, limited("2024-04-01", "2024-04-10"), now)
	require.NoError(t, err)
	_, _, err = svc.MarkPaid(ctx, paid.ID, now)
	require.NoError(t, err)
	fresh, _, err := svc.Create(ctx, limited("2024-05-01", "2024-05-10"), now.Add(6*24*time.Hour))
	require.NoError(t, err)

	events, err := svc.ExpireOverdueOrders(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stale.ID, events[0].AggregateID)
	assert.NotEqual(t, fresh.ID, events[0].AggregateID)
}

func TestStartPaymentAndSync(t *testing.T) {
	svc, st, gw := newFixture(t)
	ctx := context.Background()

	o, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-08"), now)
	require.NoError(t, err)

	session, events, err := svc.StartPayment(ctx, o.ID, "https://app.example/return", now)
	require.NoError(t, err)
	assert.Equal(t, "pay-"+o.ID, session.PaymentRef)
	assert.Equal(t, model.OrderStatusAwaitingPayment, session.Order.Status)
	assert.Equal(t, model.EventOrderAwaitingPayment, events[0].Name)
	require.Len(t, gw.created, 1)
	assert.Equal(t, int64(10000), gw.created[0].Amount)

	events, err = svc.SyncPayments(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, events, "pending payment changes nothing")

	gw.statuses[session.PaymentRef] = gateway.StatusPaid
	events, err = svc.SyncPayments(ctx, now.Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventOrderPaid, events[0].Name)
	assert.Len(t, st.Payments(), 1)
}

func TestStartPayment_UnlimitedUsesRecurringParent(t *testing.T) {
	svc, _, gw := newFixture(t)
	ctx := context.Background()

	o, _, err := svc.Create(ctx, CreateRequest{
		UserID:     "user-1",
		UnitTypeID: "small",
		Kind:       model.RentalUnlimited,
		Start:      day("2024-03-01"),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), o.TotalPrice)

	session, _, err := svc.StartPayment(ctx, o.ID, "", now)
	require.NoError(t, err)
	assert.Equal(t, "parent-"+o.ID, session.PaymentRef)
	require.Len(t, gw.recurring, 1)
	assert.Equal(t, string(model.BillingMonthly), gw.recurring[0].Frequency)
}

func TestSyncPayments_StopsOnRateLimit(t *testing.T) {
	svc, _, gw := newFixture(t)
	ctx := context.Background()

	o, _, err := svc.Create(ctx, limited("2024-03-01", "2024-03-08"), now)
	require.NoError(t, err)
	_, _, err = svc.MarkAwaitingPayment(ctx, o.ID, "ref-1", now)
	require.NoError(t, err)

	gw.statusErr = &gateway.RateLimitError{RetryAfter: time.Second}
	events, err := svc.SyncPayments(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	gw.statusErr = errors.New("gateway down")
	_, err = svc.SyncPayments(ctx, now, 10)
	require.NoError(t, err, "status lookup failures are logged and retried on the next run")
}
