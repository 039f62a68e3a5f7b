package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storage-rental/internal/model"
)

const orderColumns = `id, user_id, unit_id, kind, start_date, end_date, total_price, status,
	created_at, expires_at, paid_at, payment_ref, contract_id, row_version`

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.UnitID, &o.Kind, &o.Period.Start, &o.Period.End, &o.TotalPrice, &o.Status,
		&o.CreatedAt, &o.ExpiresAt, &o.PaidAt, &o.PaymentRef, &o.ContractID, &o.Version)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func statusStrings(statuses []model.OrderStatus) []string {
	res := make([]string, 0, len(statuses))
	for _, st := range statuses {
		res = append(res, string(st))
	}
	return res
}

func (s *pgStore) OrdersOverlapping(ctx context.Context, unitID string, p model.Period, statuses []model.OrderStatus) ([]model.Order, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE unit_id = $1 AND status = ANY($4) AND `+overlapCondition+`
		 ORDER BY start_date`,
		unitID, p.Start, p.End, statusStrings(statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("select overlapping orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *pgStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, unit_id, kind, start_date, end_date, total_price, status,
			created_at, expires_at, paid_at, payment_ref, contract_id, row_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.UserID, o.UnitID, string(o.Kind), o.Period.Start, o.Period.End, o.TotalPrice, string(o.Status),
		o.CreatedAt, o.ExpiresAt, o.PaidAt, o.PaymentRef, o.ContractID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *pgStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("order", id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *pgStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, paid_at = $3, payment_ref = $4, contract_id = $5, row_version = row_version + 1
		 WHERE id = $1 AND row_version = $6`,
		o.ID, string(o.Status), o.PaidAt, o.PaymentRef, o.ContractID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.versionMiss(ctx, "orders", "order", o.ID)
	}
	o.Version++
	return nil
}

func (s *pgStore) OrdersExpiredBefore(ctx context.Context, now time.Time) ([]model.Order, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE expires_at < $1 AND status = ANY($2)
		 ORDER BY expires_at`,
		now, statusStrings([]model.OrderStatus{
			model.OrderStatusCreated,
			model.OrderStatusReserved,
			model.OrderStatusAwaitingPayment,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("select expired orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *pgStore) OrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(status), lim,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders by status: %w", err)
	}
	return collectOrders(rows)
}
