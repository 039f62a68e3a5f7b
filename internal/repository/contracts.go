package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storage-rental/internal/model"
	"github.com/mmeshcher/storage-rental/internal/storage"
)

const contractColumns = `c.id, c.order_id, c.user_id, c.unit_id, c.kind, c.start_date, c.end_date, c.created_at,
	c.signed_at, c.terminated_at, c.document_path, c.recurring_parent_ref, c.recurring_frequency,
	c.next_billing_date, c.last_billed_at, c.last_failure_at, c.failure_count, c.row_version`

func scanContract(row rowScanner) (*model.Contract, error) {
	var (
		c            model.Contract
		parentRef    *string
		frequency    *string
		nextBilling  *time.Time
		lastBilled   *time.Time
		lastFailure  *time.Time
		failureCount int
	)
	err := row.Scan(&c.ID, &c.OrderID, &c.UserID, &c.UnitID, &c.Kind, &c.Period.Start, &c.Period.End, &c.CreatedAt,
		&c.SignedAt, &c.TerminatedAt, &c.DocumentPath, &parentRef, &frequency,
		&nextBilling, &lastBilled, &lastFailure, &failureCount, &c.Version)
	if err != nil {
		return nil, err
	}

	if parentRef != nil {
		r := &model.RecurringBilling{
			ParentRef:     *parentRef,
			Frequency:     model.BillingMonthly,
			LastBilledAt:  lastBilled,
			LastFailureAt: lastFailure,
			FailureCount:  failureCount,
		}
		if frequency != nil {
			r.Frequency = model.BillingFrequency(*frequency)
		}
		if nextBilling != nil {
			r.NextBillingDate = *nextBilling
		}
		c.Recurring = r
	}
	return &c, nil
}

// recurringArgs раскладывает рекуррентную оплату по колонкам; без неё все колонки NULL.
func recurringArgs(c *model.Contract) []any {
	r := c.Recurring
	if r == nil {
		return []any{nil, nil, nil, nil, nil, 0}
	}
	return []any{r.ParentRef, string(r.Frequency), r.NextBillingDate, r.LastBilledAt, r.LastFailureAt, r.FailureCount}
}

func collectContracts(rows pgx.Rows) ([]model.Contract, error) {
	defer rows.Close()

	var res []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		res = append(res, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (s *pgStore) ContractsOverlapping(ctx context.Context, unitID string, p model.Period) ([]model.Contract, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+contractColumns+`
		 FROM contracts c
		 WHERE c.unit_id = $1 AND c.terminated_at IS NULL AND `+overlapCondition+`
		 ORDER BY c.start_date`,
		unitID, p.Start, p.End,
	)
	if err != nil {
		return nil, fmt.Errorf("select overlapping contracts: %w", err)
	}
	return collectContracts(rows)
}

func (s *pgStore) CreateContract(ctx context.Context, c *model.Contract) error {
	args := []any{c.ID, c.OrderID, c.UserID, c.UnitID, string(c.Kind), c.Period.Start, c.Period.End, c.CreatedAt,
		c.SignedAt, c.TerminatedAt, c.DocumentPath}
	args = append(args, recurringArgs(c)...)
	args = append(args, c.Version)

	_, err := s.tx.Exec(ctx,
		`INSERT INTO contracts (id, order_id, user_id, unit_id, kind, start_date, end_date, created_at,
			signed_at, terminated_at, document_path, recurring_parent_ref, recurring_frequency,
			next_billing_date, last_billed_at, last_failure_at, failure_count, row_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", c.OrderID, storage.ErrContractExists)
		}
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *pgStore) getContract(ctx context.Context, where, id string) (*model.Contract, error) {
	c, err := scanContract(s.tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts c WHERE `+where, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("contract", id)
		}
		return nil, fmt.Errorf("get contract: %w", err)
	}
	return c, nil
}

func (s *pgStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	return s.getContract(ctx, "c.id = $1", id)
}

func (s *pgStore) ContractByOrder(ctx context.Context, orderID string) (*model.Contract, error) {
	return s.getContract(ctx, "c.order_id = $1", orderID)
}

func (s *pgStore) UpdateContract(ctx context.Context, c *model.Contract) error {
	args := []any{c.ID, c.SignedAt, c.TerminatedAt, c.DocumentPath}
	args = append(args, recurringArgs(c)...)
	args = append(args, c.Version)

	tag, err := s.tx.Exec(ctx,
		`UPDATE contracts
		 SET signed_at = $2, terminated_at = $3, document_path = $4,
			recurring_parent_ref = $5, recurring_frequency = $6, next_billing_date = $7,
			last_billed_at = $8, last_failure_at = $9, failure_count = $10,
			row_version = row_version + 1
		 WHERE id = $1 AND row_version = $11`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.versionMiss(ctx, "contracts", "contract", c.ID)
	}
	c.Version++
	return nil
}

func (s *pgStore) ActiveContractsByUser(ctx context.Context, userID, unitTypeID string) ([]model.Contract, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+contractColumns+`
		 FROM contracts c
		 JOIN units u ON u.id = c.unit_id
		 WHERE c.user_id = $1 AND u.unit_type_id = $2 AND c.terminated_at IS NULL
		 ORDER BY c.created_at`,
		userID, unitTypeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user contracts: %w", err)
	}
	return collectContracts(rows)
}

func (s *pgStore) ContractsWithRecurringBilling(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+contractColumns+`
		 FROM contracts c
		 WHERE c.recurring_parent_ref IS NOT NULL AND c.terminated_at IS NULL
		 ORDER BY c.next_billing_date, c.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select recurring contracts: %w", err)
	}
	return collectContracts(rows)
}

var _ storage.Store = (*pgStore)(nil)
