// Package memory содержит хранилище в памяти процесса. Используется без DATABASE_URI и в тестах.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

type state struct {
	landlords map[string]model.Landlord
	unitTypes map[string]model.UnitType
	units     map[string]model.Unit
	blocks    map[string]model.ManualBlock
	orders    map[string]model.Order
	contracts map[string]model.Contract
	payments  map[string]model.Payment
	invoices  map[string]model.SelfBillingInvoice
	sequences map[string]int
}

func newState() *state {
	return &state{
		landlords: map[string]model.Landlord{},
		unitTypes: map[string]model.UnitType{},
		units:     map[string]model.Unit{},
		blocks:    map[string]model.ManualBlock{},
		orders:    map[string]model.Order{},
		contracts: map[string]model.Contract{},
		payments:  map[string]model.Payment{},
		invoices:  map[string]model.SelfBillingInvoice{},
		sequences: map[string]int{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.landlords {
		c.landlords[k] = v
	}
	for k, v := range s.unitTypes {
		c.unitTypes[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.blocks {
		c.blocks[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.contracts {
		c.contracts[k] = cloneContract(v)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.invoices {
		v.PaymentIDs = append([]string(nil), v.PaymentIDs...)
		c.invoices[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

func cloneContract(c model.Contract) model.Contract {
	if c.Recurring != nil {
		r := *c.Recurring
		c.Recurring = &r
	}
	return c
}

// Store хранит данные в памяти. Транзакции выполняются строго последовательно
// над копией состояния, которая публикуется только при успехе.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{state: newState()}
}

// InTx выполняет fn в изолированной транзакции.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, st storage.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &txStore{s: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.s
	return nil
}

// AddLandlord добавляет владельца.
func (s *Store) AddLandlord(l model.Landlord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.landlords[l.ID] = l
}

// AddUnitType добавляет тип ячеек.
func (s *Store) AddUnitType(t model.UnitType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.unitTypes[t.ID] = t
}

// AddUnit добавляет ячейку.
func (s *Store) AddUnit(u model.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = model.UnitStatusAvailable
	}
	s.state.units[u.ID] = u
}

// Invoices возвращает все выставленные акты.
func (s *Store) Invoices() []model.SelfBillingInvoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.SelfBillingInvoice, 0, len(s.state.invoices))
	for _, inv := range s.state.invoices {
		res = append(res, inv)
	}
	return res
}

// Payments возвращает все платежи в порядке поступления.
func (s *Store) Payments() []model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.Payment, 0, len(s.state.payments))
	for _, p := range s.state.payments {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PaidAt.Before(res[j].PaidAt) })
	return res
}

type txStore struct {
	s *state
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
}

func (t *txStore) GetUnit(_ context.Context, id string) (*model.Unit, error) {
	u, ok := t.s.units[id]
	if !ok {
		return nil, notFound("unit", id)
	}
	return &u, nil
}

func (t *txStore) LockUnit(ctx context.Context, id string) (*model.Unit, error) {
	return t.GetUnit(ctx, id)
}

func (t *txStore) UnitsByType(_ context.Context, unitTypeID string) ([]model.Unit, error) {
	var res []model.Unit
	for _, u := range t.s.units {
		if u.UnitTypeID == unitTypeID {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Number < res[j].Number })
	return res, nil
}

func (t *txStore) UpdateUnitStatus(_ context.Context, unit *model.Unit, status model.UnitStatus) error {
	cur, ok := t.s.units[unit.ID]
	if !ok {
		return notFound("unit", unit.ID)
	}
	if cur.Version != unit.Version {
		return fmt.Errorf("unit %s: %w", unit.ID, storage.ErrVersionConflict)
	}
	unit.Status = status
	unit.Version++
	t.s.units[unit.ID] = *unit
	return nil
}

func (t *txStore) GetUnitType(_ context.Context, id string) (*model.UnitType, error) {
	ut, ok := t.s.unitTypes[id]
	if !ok {
		return nil, notFound("unit type", id)
	}
	return &ut, nil
}

func (t *txStore) GetLandlord(_ context.Context, id string) (*model.Landlord, error) {
	l, ok := t.s.landlords[id]
	if !ok {
		return nil, notFound("landlord", id)
	}
	return &l, nil
}

func (t *txStore) ManualBlocksOverlapping(_ context.Context, unitID string, p model.Period) ([]model.ManualBlock, error) {
	var res []model.ManualBlock
	for _, b := range t.s.blocks {
		if b.UnitID == unitID && b.Period.Overlaps(p) {
			res = append(res, b)
		}
	}
	return res, nil
}

func (t *txStore) OrdersOverlapping(_ context.Context, unitID string, p model.Period, statuses []model.OrderStatus) ([]model.Order, error) {
	var res []model.Order
	for _, o := range t.s.orders {
		if o.UnitID != unitID || !o.Period.Overlaps(p) {
			continue
		}
		for _, st := range statuses {
			if o.Status == st {
				res = append(res, o)
				break
			}
		}
	}
	return res, nil
}

func (t *txStore) ContractsOverlapping(_ context.Context, unitID string, p model.Period) ([]model.Contract, error) {
	var res []model.Contract
	for _, c := range t.s.contracts {
		if c.UnitID == unitID && !c.IsTerminated() && c.Period.Overlaps(p) {
			res = append(res, cloneContract(c))
		}
	}
	return res, nil
}

func (t *txStore) CreateManualBlock(_ context.Context, b *model.ManualBlock) error {
	if _, ok := t.s.units[b.UnitID]; !ok {
		return notFound("unit", b.UnitID)
	}
	t.s.blocks[b.ID] = *b
	return nil
}

func (t *txStore) DeleteManualBlock(_ context.Context, id string) error {
	if _, ok := t.s.blocks[id]; !ok {
		return notFound("manual block", id)
	}
	delete(t.s.blocks, id)
	return nil
}

func (t *txStore) CreateOrder(_ context.Context, o *model.Order) error {
	t.s.orders[o.ID] = *o
	return nil
}

func (t *txStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return &o, nil
}

func (t *txStore) UpdateOrder(_ context.Context, o *model.Order) error {
	cur, ok := t.s.orders[o.ID]
	if !ok {
		return notFound("order", o.ID)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("order %s: %w", o.ID, storage.ErrVersionConflict)
	}
	o.Version++
	t.s.orders[o.ID] = *o
	return nil
}

func (t *txStore) OrdersExpiredBefore(_ context.Context, now time.Time) ([]model.Order, error) {
	var res []model.Order
	for _, o := range t.s.orders {
		if o.IsExpired(now) {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ExpiresAt.Before(res[j].ExpiresAt) })
	return res, nil
}

func (t *txStore) OrdersByStatus(_ context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	var res []model.Order
	for _, o := range t.s.orders {
		if o.Status == status {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (t *txStore) CreateContract(_ context.Context, c *model.Contract) error {
	for _, existing := range t.s.contracts {
		if existing.OrderID == c.OrderID {
			return fmt.Errorf("order %s: %w", c.OrderID, storage.ErrContractExists)
		}
	}
	t.s.contracts[c.ID] = cloneContract(*c)
	return nil
}

func (t *txStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	c, ok := t.s.contracts[id]
	if !ok {
		return nil, notFound("contract", id)
	}
	c = cloneContract(c)
	return &c, nil
}

func (t *txStore) ContractByOrder(_ context.Context, orderID string) (*model.Contract, error) {
	for _, c := range t.s.contracts {
		if c.OrderID == orderID {
			c = cloneContract(c)
			return &c, nil
		}
	}
	return nil, notFound("contract for order", orderID)
}

func (t *txStore) UpdateContract(_ context.Context, c *model.Contract) error {
	cur, ok := t.s.contracts[c.ID]
	if !ok {
		return notFound("contract", c.ID)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("contract %s: %w", c.ID, storage.ErrVersionConflict)
	}
	c.Version++
	t.s.contracts[c.ID] = cloneContract(*c)
	return nil
}

func (t *txStore) ActiveContractsByUser(_ context.Context, userID, unitTypeID string) ([]model.Contract, error) {
	var res []model.Contract
	for _, c := range t.s.contracts {
		if c.UserID != userID || c.IsTerminated() {
			continue
		}
		if u, ok := t.s.units[c.UnitID]; ok && u.UnitTypeID == unitTypeID {
			res = append(res, cloneContract(c))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (t *txStore) ContractsWithRecurringBilling(_ context.Context) ([]model.Contract, error) {
	var res []model.Contract
	for _, c := range t.s.contracts {
		if c.Recurring != nil && !c.IsTerminated() {
			res = append(res, cloneContract(c))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *txStore) CreatePayment(_ context.Context, p *model.Payment) error {
	t.s.payments[p.ID] = *p
	return nil
}

func (t *txStore) landlordUnits(landlordID string) map[string]struct{} {
	res := map[string]struct{}{}
	for _, u := range t.s.units {
		if u.LandlordID == landlordID {
			res[u.ID] = struct{}{}
		}
	}
	return res
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

func (t *txStore) UnbilledPaymentsByLandlord(_ context.Context, landlordID string, from, to time.Time) ([]model.Payment, error) {
	units := t.landlordUnits(landlordID)
	var res []model.Payment
	for _, p := range t.s.payments {
		if _, ok := units[p.UnitID]; !ok {
			continue
		}
		if p.InvoiceID == "" && inRange(p.PaidAt, from, to) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PaidAt.Before(res[j].PaidAt) })
	return res, nil
}

func (t *txStore) LandlordsWithUnbilledPayments(_ context.Context, from, to time.Time) ([]string, error) {
	seen := map[string]struct{}{}
	var res []string
	for _, p := range t.s.payments {
		if p.InvoiceID != "" || !inRange(p.PaidAt, from, to) {
			continue
		}
		u, ok := t.s.units[p.UnitID]
		if !ok {
			continue
		}
		if _, dup := seen[u.LandlordID]; !dup {
			seen[u.LandlordID] = struct{}{}
			res = append(res, u.LandlordID)
		}
	}
	sort.Strings(res)
	return res, nil
}

// LockInvoicePeriod не требует действий: транзакции уже выполняются последовательно.
func (t *txStore) LockInvoicePeriod(context.Context, string, int, int) error {
	return nil
}

func (t *txStore) InvoiceByPeriod(_ context.Context, landlordID string, year, month int) (*model.SelfBillingInvoice, error) {
	for _, inv := range t.s.invoices {
		if inv.LandlordID == landlordID && inv.Year == year && inv.Month == month {
			return &inv, nil
		}
	}
	return nil, notFound("invoice", fmt.Sprintf("%s/%d-%02d", landlordID, year, month))
}

func (t *txStore) NextInvoiceSequence(_ context.Context, landlordID string, year int) (int, error) {
	key := fmt.Sprintf("%s/%d", landlordID, year)
	t.s.sequences[key]++
	return t.s.sequences[key], nil
}

func (t *txStore) CreateInvoice(_ context.Context, inv *model.SelfBillingInvoice) error {
	for _, existing := range t.s.invoices {
		if existing.LandlordID == inv.LandlordID && existing.Year == inv.Year && existing.Month == inv.Month {
			return storage.ErrInvoiceExists
		}
	}
	t.s.invoices[inv.ID] = *inv
	return nil
}

func (t *txStore) LinkPaymentsToInvoice(_ context.Context, invoiceID string, paymentIDs []string) error {
	for _, id := range paymentIDs {
		p, ok := t.s.payments[id]
		if !ok {
			return notFound("payment", id)
		}
		if p.InvoiceID != "" {
			return fmt.Errorf("payment %s already linked to invoice %s", id, p.InvoiceID)
		}
		p.InvoiceID = invoiceID
		t.s.payments[id] = p
	}
	return nil
}
