package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/assignment"
	"github.com/mmeshcher/storage-rental/internal/availability"
	"github.com/mmeshcher/storage-rental/internal/gateway"
	"github.com/mmeshcher/storage-rental/internal/middleware"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/order"
	"github.com/mmeshcher/storage-rental/internal/service"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

const adminToken = "admin-token"

type stubService struct {
	createReq order.CreateRequest
	orderResp *model.Order
	orderErr  error

	session    *order.PaymentSession
	paymentErr error
	returnURL  string

	availResp *service.Availability
	availErr  error
	period    model.Period

	reasons  []availability.Reason
	block    *model.ManualBlock
	blockErr error

	contractResp *model.Contract
	contractErr  error

	invoices  []*model.SelfBillingInvoice
	settleErr error
	settled   [2]int

	lastUserID string
}

func (s *stubService) CreateOrder(_ context.Context, req order.CreateRequest) (*model.Order, error) {
	s.createReq = req
	return s.orderResp, s.orderErr
}

func (s *stubService) orderCall(userID string) (*model.Order, error) {
	s.lastUserID = userID
	return s.orderResp, s.orderErr
}

func (s *stubService) GetOrder(_ context.Context, userID, _ string) (*model.Order, error) {
	return s.orderCall(userID)
}

func (s *stubService) ReserveOrder(_ context.Context, userID, _ string) (*model.Order, error) {
	return s.orderCall(userID)
}

func (s *stubService) StartPayment(_ context.Context, userID, _ string, returnURL string) (*order.PaymentSession, error) {
	s.lastUserID = userID
	s.returnURL = returnURL
	return s.session, s.paymentErr
}

func (s *stubService) CancelOrder(_ context.Context, userID, _ string) (*model.Order, error) {
	return s.orderCall(userID)
}

func (s *stubService) CheckAvailability(_ context.Context, _ string, p model.Period) (*service.Availability, error) {
	s.period = p
	return s.availResp, s.availErr
}

func (s *stubService) BlockingReasons(_ context.Context, _ string, p model.Period) ([]availability.Reason, error) {
	s.period = p
	return s.reasons, nil
}

func (s *stubService) BlockUnit(_ context.Context, _ string, p model.Period, _ string) (*model.ManualBlock, error) {
	s.period = p
	return s.block, s.blockErr
}

func (s *stubService) UnblockUnit(context.Context, string) error {
	return s.blockErr
}

func (s *stubService) contractCall(userID string) (*model.Contract, error) {
	s.lastUserID = userID
	return s.contractResp, s.contractErr
}

func (s *stubService) GetContract(_ context.Context, userID, _ string) (*model.Contract, error) {
	return s.contractCall(userID)
}

func (s *stubService) SignContract(_ context.Context, userID, _ string) (*model.Contract, error) {
	return s.contractCall(userID)
}

func (s *stubService) TerminateContract(_ context.Context, userID, _ string) (*model.Contract, error) {
	return s.contractCall(userID)
}

func (s *stubService) CancelRecurringPayment(_ context.Context, userID, _ string) (*model.Contract, error) {
	return s.contractCall(userID)
}

func (s *stubService) Settle(_ context.Context, year, month int) ([]*model.SelfBillingInvoice, error) {
	s.settled = [2]int{year, month}
	return s.invoices, s.settleErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret", adminToken)

	return NewHandler(svc, logger, auth)
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleOrder() *model.Order {
	end := day("2024-03-10")
	return &model.Order{
		ID:         "order-1",
		UserID:     "user-1",
		UnitID:     "A",
		Kind:       model.RentalLimited,
		Period:     model.Between(day("2024-03-01"), end),
		TotalPrice: 12857,
		Status:     model.OrderStatusCreated,
		CreatedAt:  time.Date(2024, 2, 20, 10, 0, 0, 0, time.UTC),
		ExpiresAt:  time.Date(2024, 2, 20, 10, 30, 0, 0, time.UTC),
	}
}

// serve прогоняет запрос через роутер от имени пользователя userID; пустой userID означает анонимный запрос.
func serve(t *testing.T, h *Handler, method, target, userID string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	if userID != "" {
		rec := httptest.NewRecorder()
		h.authMiddleware.SetAuthCookie(rec, userID)
		req.AddCookie(rec.Result().Cookies()[0])
	}
	if userID == "admin" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func decodeBody(t *testing.T, res *http.Response, dst any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateOrder_Success(t *testing.T) {
	svc := &stubService{orderResp: sampleOrder()}
	h := newTestHandler(t, svc)

	res := serve(t, h, http.MethodPost, "/api/orders", "user-1", createOrderRequest{
		UnitTypeID: "small",
		Kind:       "LIMITED",
		StartDate:  "2024-03-01",
		EndDate:    "2024-03-10",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var got orderResponse
	decodeBody(t, res, &got)
	if got.ID != "order-1" || got.EndDate != "2024-03-10" || got.TotalPrice != 12857 {
		t.Fatalf("unexpected response %+v", got)
	}

	if svc.createReq.UserID != "user-1" || svc.createReq.End == nil || !svc.createReq.Start.Equal(day("2024-03-01")) {
		t.Fatalf("unexpected service request %+v", svc.createReq)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{name: "missing unit type", body: createOrderRequest{Kind: "LIMITED", StartDate: "2024-03-01"}},
		{name: "unknown kind", body: createOrderRequest{UnitTypeID: "small", Kind: "WEEKLY", StartDate: "2024-03-01"}},
		{name: "bad start date", body: createOrderRequest{UnitTypeID: "small", Kind: "LIMITED", StartDate: "01.03.2024"}},
		{name: "unknown field", body: map[string]string{"unit_type_id": "small", "kind": "LIMITED", "start_date": "2024-03-01", "promo": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{orderResp: sampleOrder()})

			res := serve(t, h, http.MethodPost, "/api/orders", "user-1", tt.body)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestCreateOrder_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := serve(t, h, http.MethodPost, "/api/orders", "", createOrderRequest{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestOrderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: fmt.Errorf("order x: %w", storage.ErrNotFound), want: http.StatusNotFound},
		{name: "foreign order", err: service.ErrForbidden, want: http.StatusForbidden},
		{name: "invalid transition", err: &order.TransitionError{From: model.OrderStatusPaid, Command: order.CmdReserve}, want: http.StatusConflict},
		{name: "unit taken", err: order.ErrUnitTaken, want: http.StatusConflict},
		{name: "no unit", err: &assignment.NoUnitAvailableError{UnitTypeID: "small"}, want: http.StatusConflict},
		{name: "unexpected", err: errors.New("connection reset"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{orderErr: tt.err})

			res := serve(t, h, http.MethodPost, "/api/orders/order-1/reserve", "user-1", nil)
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestPayOrder(t *testing.T) {
	o := sampleOrder()
	o.Status = model.OrderStatusAwaitingPayment
	svc := &stubService{session: &order.PaymentSession{Order: o, PaymentRef: "pay-1", RedirectURL: "https://pay.example/1"}}
	h := newTestHandler(t, svc)

	res := serve(t, h, http.MethodPost, "/api/orders/order-1/pay", "user-1", payRequest{ReturnURL: "https://app.example/done"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got payResponse
	decodeBody(t, res, &got)
	if got.PaymentRef != "pay-1" || got.RedirectURL != "https://pay.example/1" || got.Order.Status != "AWAITING_PAYMENT" {
		t.Fatalf("unexpected response %+v", got)
	}
	if svc.returnURL != "https://app.example/done" {
		t.Fatalf("return url = %q", svc.returnURL)
	}

	res = serve(t, h, http.MethodPost, "/api/orders/order-1/pay", "user-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status without body = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestPayOrder_RateLimited(t *testing.T) {
	h := newTestHandler(t, &stubService{paymentErr: &gateway.RateLimitError{RetryAfter: 30 * time.Second}})

	res := serve(t, h, http.MethodPost, "/api/orders/order-1/pay", "user-1", nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
	if res.Header.Get("Retry-After") != "30" {
		t.Fatalf("Retry-After = %q, want 30", res.Header.Get("Retry-After"))
	}
}

func TestCheckAvailability(t *testing.T) {
	svc := &stubService{availResp: &service.Availability{
		UnitTypeID: "small",
		Period:     model.Since(day("2024-03-01")),
		UnitIDs:    []string{"A", "B"},
	}}
	h := newTestHandler(t, svc)

	res := serve(t, h, http.MethodGet, "/api/unit-types/small/availability?start=2024-03-01", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got availabilityResponse
	decodeBody(t, res, &got)
	if !got.Available || got.Count != 2 || got.EndDate != "" {
		t.Fatalf("unexpected response %+v", got)
	}
	if !svc.period.IsOpen() {
		t.Fatalf("period %s must be open", svc.period)
	}

	res = serve(t, h, http.MethodGet, "/api/unit-types/small/availability?start=2024-03-10&end=2024-03-01", "", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("reversed period status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestAdminRoutes(t *testing.T) {
	svc := &stubService{
		block: &model.ManualBlock{ID: "b-1", UnitID: "A", Period: model.Between(day("2024-03-01"), day("2024-03-05")), Reason: "repairs"},
		reasons: []availability.Reason{
			{Kind: availability.ReasonManualBlock, ReferenceID: "b-1", Period: model.Between(day("2024-03-01"), day("2024-03-05"))},
		},
	}
	h := newTestHandler(t, svc)

	res := serve(t, h, http.MethodPost, "/api/admin/units/A/blocks", "user-1", blockRequest{StartDate: "2024-03-01", EndDate: "2024-03-05"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("non-admin status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	res = serve(t, h, http.MethodPost, "/api/admin/units/A/blocks", "admin", blockRequest{StartDate: "2024-03-01", EndDate: "2024-03-05", Reason: "repairs"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("block status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var block blockResponse
	decodeBody(t, res, &block)
	if block.ID != "b-1" || block.EndDate != "2024-03-05" {
		t.Fatalf("unexpected block %+v", block)
	}

	res = serve(t, h, http.MethodGet, "/api/admin/units/A/blocking-reasons?start=2024-03-02&end=2024-03-03", "admin", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reasons status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var reasons []reasonResponse
	decodeBody(t, res, &reasons)
	if len(reasons) != 1 || reasons[0].Kind != "MANUAL_BLOCK" {
		t.Fatalf("unexpected reasons %+v", reasons)
	}

	res = serve(t, h, http.MethodDelete, "/api/admin/blocks/b-1", "admin", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("unblock status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestSettle(t *testing.T) {
	svc := &stubService{invoices: []*model.SelfBillingInvoice{{
		ID:             "inv-1",
		LandlordID:     "l-1",
		Number:         "SB-2024-0001",
		Year:           2024,
		Month:          2,
		GrossAmount:    15001,
		NetAmount:      13251,
		CommissionRate: decimal.RequireFromString("0.8833"),
		PaymentIDs:     []string{"p-1", "p-2"},
	}}}
	h := newTestHandler(t, svc)

	res := serve(t, h, http.MethodPost, "/api/admin/settlements", "admin", settleRequest{Year: 2024, Month: 2})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []invoiceResponse
	decodeBody(t, res, &got)
	if len(got) != 1 || got[0].Number != "SB-2024-0001" || got[0].CommissionRate != "0.8833" || got[0].Payments != 2 {
		t.Fatalf("unexpected response %+v", got)
	}
	if svc.settled != [2]int{2024, 2} {
		t.Fatalf("settled %v", svc.settled)
	}

	res = serve(t, h, http.MethodPost, "/api/admin/settlements", "admin", settleRequest{Year: 2024, Month: 13})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid month status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestContractActions(t *testing.T) {
	signed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &model.Contract{
		ID:       "c-1",
		OrderID:  "order-1",
		UserID:   "user-1",
		UnitID:   "A",
		Kind:     model.RentalUnlimited,
		Period:   model.Since(day("2024-03-01")),
		SignedAt: &signed,
		Recurring: &model.RecurringBilling{
			ParentRef:       "parent-1",
			Frequency:       model.BillingMonthly,
			NextBillingDate: day("2024-04-01"),
		},
	}
	svc := &stubService{contractResp: c}
	h := newTestHandler(t, svc)

	res := serve(t, h, http.MethodPost, "/api/contracts/c-1/sign", "user-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got contractResponse
	decodeBody(t, res, &got)
	if got.Recurring == nil || got.Recurring.NextBillingDate != "2024-04-01" || got.SignedAt == "" {
		t.Fatalf("unexpected response %+v", got)
	}
	if svc.lastUserID != "user-1" {
		t.Fatalf("service called for %q", svc.lastUserID)
	}

	svc.contractErr = model.ErrAlreadyTerminated
	res = serve(t, h, http.MethodPost, "/api/contracts/c-1/terminate", "user-1", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("terminate status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	svc.contractErr = model.ErrNoRecurringPayment
	res = serve(t, h, http.MethodDelete, "/api/contracts/c-1/recurring-payment", "user-1", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel recurring status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}
