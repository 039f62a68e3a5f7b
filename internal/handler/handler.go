// Package handler содержит HTTP-обработчики API сервиса аренды ячеек.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/assignment"
	"github.com/mmeshcher/storage-rental/internal/availability"
	"github.com/mmeshcher/storage-rental/internal/commission"
	"github.com/mmeshcher/storage-rental/internal/contract"
	"github.com/mmeshcher/storage-rental/internal/gateway"
	"github.com/mmeshcher/storage-rental/internal/middleware"
	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/order"
	"github.com/mmeshcher/storage-rental/internal/service"
	"github.com/mmeshcher/storage-rental/internal/storage"
	"github.com/mmeshcher/storage-rental/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req order.CreateRequest) (*model.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	ReserveOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	StartPayment(ctx context.Context, userID, orderID, returnURL string) (*order.PaymentSession, error)
	CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error)

	CheckAvailability(ctx context.Context, unitTypeID string, p model.Period) (*service.Availability, error)
	BlockingReasons(ctx context.Context, unitID string, p model.Period) ([]availability.Reason, error)
	BlockUnit(ctx context.Context, unitID string, p model.Period, reason string) (*model.ManualBlock, error)
	UnblockUnit(ctx context.Context, blockID string) error

	GetContract(ctx context.Context, userID, contractID string) (*model.Contract, error)
	SignContract(ctx context.Context, userID, contractID string) (*model.Contract, error)
	TerminateContract(ctx context.Context, userID, contractID string) (*model.Contract, error)
	CancelRecurringPayment(ctx context.Context, userID, contractID string) (*model.Contract, error)

	Settle(ctx context.Context, year, month int) ([]*model.SelfBillingInvoice, error)
}

// Handler реализует HTTP-обработчики API сервиса аренды ячеек.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(validation.DateLayout)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError переводит доменную ошибку в HTTP-статус. Неизвестные ошибки пишутся в журнал.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	var rl *gateway.RateLimitError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeMessage(w, http.StatusForbidden, http.StatusText(http.StatusForbidden))
	case errors.Is(err, assignment.ErrNoUnitAvailable):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrUnitTaken),
		errors.Is(err, contract.ErrContractExists),
		errors.Is(err, model.ErrAlreadySigned),
		errors.Is(err, model.ErrAlreadyTerminated),
		errors.Is(err, model.ErrNoRecurringPayment),
		errors.Is(err, model.ErrRecurringPaymentExists),
		errors.Is(err, storage.ErrVersionConflict):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrInvalidRequest),
		errors.Is(err, model.ErrInvalidPeriod),
		errors.Is(err, validation.ErrInvalidDate),
		errors.Is(err, commission.ErrInvalidPeriod):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
		writeMessage(w, http.StatusServiceUnavailable, "payment gateway is busy")
	case errors.Is(err, gateway.ErrNotConfigured):
		writeMessage(w, http.StatusServiceUnavailable, "payment gateway is not configured")
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := validation.Struct(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

type createOrderRequest struct {
	UnitTypeID string `json:"unit_type_id" validate:"required,max=64"`
	Kind       string `json:"kind" validate:"required,rentalkind"`
	StartDate  string `json:"start_date" validate:"required,date"`
	EndDate    string `json:"end_date,omitempty" validate:"omitempty,date"`
}

type orderResponse struct {
	ID         string `json:"id"`
	UnitID     string `json:"unit_id"`
	Kind       string `json:"kind"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date,omitempty"`
	TotalPrice int64  `json:"total_price"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
	PaidAt     string `json:"paid_at,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`
	ContractID string `json:"contract_id,omitempty"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		UnitID:     o.UnitID,
		Kind:       string(o.Kind),
		StartDate:  o.Period.Start.Format(validation.DateLayout),
		EndDate:    formatDate(o.Period.End),
		TotalPrice: o.TotalPrice,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
		ExpiresAt:  o.ExpiresAt.Format(time.RFC3339),
		PaidAt:     formatTime(o.PaidAt),
		PaymentRef: o.PaymentRef,
		ContractID: o.ContractID,
	}
}

// CreateOrder создаёт заказ на аренду ячейки для текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decode(w, r, &req) {
		return
	}

	start, _ := validation.ParseDate(req.StartDate)
	end, _ := validation.ParseOptionalDate(req.EndDate)

	o, err := h.service.CreateOrder(r.Context(), order.CreateRequest{
		UserID:     userID,
		UnitTypeID: req.UnitTypeID,
		Kind:       model.RentalKind(req.Kind),
		Start:      start,
		End:        end,
	})
	if err != nil {
		h.writeError(w, err, "create order", zap.String("userID", userID), zap.String("unitType", req.UnitTypeID))
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(o))
}

type orderAction func(ctx context.Context, userID, orderID string) (*model.Order, error)

func (h *Handler) orderAction(op string, action orderAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}

		orderID := chi.URLParam(r, "id")
		o, err := action(r.Context(), userID, orderID)
		if err != nil {
			h.writeError(w, err, op, zap.String("userID", userID), zap.String("order", orderID))
			return
		}

		writeJSON(w, http.StatusOK, newOrderResponse(o))
	}
}

// GetOrder возвращает заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("get order", h.service.GetOrder)(w, r)
}

// ReserveOrder резервирует ячейку под заказ.
func (h *Handler) ReserveOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("reserve order", h.service.ReserveOrder)(w, r)
}

// CancelOrder отменяет заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("cancel order", h.service.CancelOrder)(w, r)
}

type payRequest struct {
	ReturnURL string `json:"return_url,omitempty" validate:"omitempty,url"`
}

type payResponse struct {
	Order       orderResponse `json:"order"`
	PaymentRef  string        `json:"payment_ref"`
	RedirectURL string        `json:"redirect_url,omitempty"`
}

// PayOrder создаёт платёж в шлюзе и возвращает адрес страницы оплаты.
func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req payRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	orderID := chi.URLParam(r, "id")
	session, err := h.service.StartPayment(r.Context(), userID, orderID, req.ReturnURL)
	if err != nil {
		h.writeError(w, err, "start payment", zap.String("userID", userID), zap.String("order", orderID))
		return
	}

	writeJSON(w, http.StatusOK, payResponse{
		Order:       newOrderResponse(session.Order),
		PaymentRef:  session.PaymentRef,
		RedirectURL: session.RedirectURL,
	})
}

type availabilityResponse struct {
	UnitTypeID string   `json:"unit_type_id"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date,omitempty"`
	Available  bool     `json:"available"`
	Count      int      `json:"count"`
	UnitIDs    []string `json:"unit_ids"`
}

func periodFromQuery(r *http.Request) (model.Period, error) {
	q := r.URL.Query()
	return validation.ParsePeriod(q.Get("start"), q.Get("end"))
}

// CheckAvailability возвращает свободные ячейки типа на период из параметров start и end.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	p, err := periodFromQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	unitTypeID := chi.URLParam(r, "id")
	res, err := h.service.CheckAvailability(r.Context(), unitTypeID, p)
	if err != nil {
		h.writeError(w, err, "check availability", zap.String("unitType", unitTypeID))
		return
	}

	writeJSON(w, http.StatusOK, availabilityResponse{
		UnitTypeID: res.UnitTypeID,
		StartDate:  res.Period.Start.Format(validation.DateLayout),
		EndDate:    formatDate(res.Period.End),
		Available:  len(res.UnitIDs) > 0,
		Count:      len(res.UnitIDs),
		UnitIDs:    res.UnitIDs,
	})
}

type reasonResponse struct {
	Kind        string `json:"kind"`
	ReferenceID string `json:"reference_id,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// BlockingReasons перечисляет причины, по которым ячейка занята на период.
func (h *Handler) BlockingReasons(w http.ResponseWriter, r *http.Request) {
	p, err := periodFromQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	unitID := chi.URLParam(r, "id")
	reasons, err := h.service.BlockingReasons(r.Context(), unitID, p)
	if err != nil {
		h.writeError(w, err, "blocking reasons", zap.String("unit", unitID))
		return
	}

	resp := make([]reasonResponse, 0, len(reasons))
	for _, rs := range reasons {
		item := reasonResponse{
			Kind:        string(rs.Kind),
			ReferenceID: rs.ReferenceID,
			EndDate:     formatDate(rs.Period.End),
			Detail:      rs.Detail,
		}
		if !rs.Period.Start.IsZero() {
			item.StartDate = rs.Period.Start.Format(validation.DateLayout)
		}
		resp = append(resp, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

type blockRequest struct {
	StartDate string `json:"start_date" validate:"required,date"`
	EndDate   string `json:"end_date,omitempty" validate:"omitempty,date"`
	Reason    string `json:"reason" validate:"max=500"`
}

type blockResponse struct {
	ID        string `json:"id"`
	UnitID    string `json:"unit_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BlockUnit создаёт ручную блокировку ячейки.
func (h *Handler) BlockUnit(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := validation.ParsePeriod(req.StartDate, req.EndDate)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	unitID := chi.URLParam(r, "id")
	b, err := h.service.BlockUnit(r.Context(), unitID, p, req.Reason)
	if err != nil {
		h.writeError(w, err, "block unit", zap.String("unit", unitID))
		return
	}

	writeJSON(w, http.StatusCreated, blockResponse{
		ID:        b.ID,
		UnitID:    b.UnitID,
		StartDate: b.Period.Start.Format(validation.DateLayout),
		EndDate:   formatDate(b.Period.End),
		Reason:    b.Reason,
	})
}

// UnblockUnit удаляет ручную блокировку.
func (h *Handler) UnblockUnit(w http.ResponseWriter, r *http.Request) {
	blockID := chi.URLParam(r, "id")
	if err := h.service.UnblockUnit(r.Context(), blockID); err != nil {
		h.writeError(w, err, "unblock unit", zap.String("block", blockID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recurringResponse struct {
	Frequency       string `json:"frequency"`
	NextBillingDate string `json:"next_billing_date"`
	LastBilledAt    string `json:"last_billed_at,omitempty"`
	FailureCount    int    `json:"failure_count"`
}

type contractResponse struct {
	ID           string             `json:"id"`
	OrderID      string             `json:"order_id"`
	UnitID       string             `json:"unit_id"`
	Kind         string             `json:"kind"`
	StartDate    string             `json:"start_date"`
	EndDate      string             `json:"end_date,omitempty"`
	SignedAt     string             `json:"signed_at,omitempty"`
	TerminatedAt string             `json:"terminated_at,omitempty"`
	DocumentPath string             `json:"document_path,omitempty"`
	Recurring    *recurringResponse `json:"recurring,omitempty"`
}

func newContractResponse(c *model.Contract) contractResponse {
	resp := contractResponse{
		ID:           c.ID,
		OrderID:      c.OrderID,
		UnitID:       c.UnitID,
		Kind:         string(c.Kind),
		StartDate:    c.Period.Start.Format(validation.DateLayout),
		EndDate:      formatDate(c.Period.End),
		SignedAt:     formatTime(c.SignedAt),
		TerminatedAt: formatTime(c.TerminatedAt),
		DocumentPath: c.DocumentPath,
	}
	if c.Recurring != nil {
		resp.Recurring = &recurringResponse{
			Frequency:       string(c.Recurring.Frequency),
			NextBillingDate: formatDate(&c.Recurring.NextBillingDate),
			LastBilledAt:    formatTime(c.Recurring.LastBilledAt),
			FailureCount:    c.Recurring.FailureCount,
		}
	}
	return resp
}

type contractAction func(ctx context.Context, userID, contractID string) (*model.Contract, error)

func (h *Handler) contractAction(op string, action contractAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}

		contractID := chi.URLParam(r, "id")
		c, err := action(r.Context(), userID, contractID)
		if err != nil {
			h.writeError(w, err, op, zap.String("userID", userID), zap.String("contract", contractID))
			return
		}

		writeJSON(w, http.StatusOK, newContractResponse(c))
	}
}

// GetContract возвращает договор текущего пользователя.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	h.contractAction("get contract", h.service.GetContract)(w, r)
}

// SignContract фиксирует подписание договора.
func (h *Handler) SignContract(w http.ResponseWriter, r *http.Request) {
	h.contractAction("sign contract", h.service.SignContract)(w, r)
}

// TerminateContract расторгает договор и освобождает ячейку.
func (h *Handler) TerminateContract(w http.ResponseWriter, r *http.Request) {
	h.contractAction("terminate contract", h.service.TerminateContract)(w, r)
}

// CancelRecurringPayment отключает рекуррентную оплату договора.
func (h *Handler) CancelRecurringPayment(w http.ResponseWriter, r *http.Request) {
	h.contractAction("cancel recurring payment", h.service.CancelRecurringPayment)(w, r)
}

type settleRequest struct {
	Year  int `json:"year" validate:"required,min=2000,max=9999"`
	Month int `json:"month" validate:"required,min=1,max=12"`
}

type invoiceResponse struct {
	ID             string `json:"id"`
	LandlordID     string `json:"landlord_id"`
	Number         string `json:"number"`
	Year           int    `json:"year"`
	Month          int    `json:"month"`
	GrossAmount    int64  `json:"gross_amount"`
	NetAmount      int64  `json:"net_amount"`
	CommissionRate string `json:"commission_rate"`
	IssuedAt       string `json:"issued_at"`
	Payments       int    `json:"payments"`
}

// Settle формирует акты самовыставления владельцам за указанный месяц.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decode(w, r, &req) {
		return
	}

	invoices, err := h.service.Settle(r.Context(), req.Year, req.Month)
	if err != nil && len(invoices) == 0 {
		h.writeError(w, err, "settle month", zap.Int("year", req.Year), zap.Int("month", req.Month))
		return
	}
	if err != nil {
		h.logger.Warn("settlement finished with errors", zap.Int("year", req.Year), zap.Int("month", req.Month), zap.Error(err))
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		resp = append(resp, invoiceResponse{
			ID:             inv.ID,
			LandlordID:     inv.LandlordID,
			Number:         inv.Number,
			Year:           inv.Year,
			Month:          inv.Month,
			GrossAmount:    inv.GrossAmount,
			NetAmount:      inv.NetAmount,
			CommissionRate: inv.CommissionRate.StringFixed(4),
			IssuedAt:       inv.IssuedAt.Format(time.RFC3339),
			Payments:       len(inv.PaymentIDs),
		})
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}
