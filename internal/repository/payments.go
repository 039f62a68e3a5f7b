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

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *pgStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO payments (id, unit_id, order_id, contract_id, amount, paid_at, invoice_id, commission_rate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric)`,
		p.ID, p.UnitID, nullIfEmpty(p.OrderID), nullIfEmpty(p.ContractID), p.Amount, p.PaidAt,
		nullIfEmpty(p.InvoiceID), rateArg(p.CommissionRate),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *pgStore) UnbilledPaymentsByLandlord(ctx context.Context, landlordID string, from, to time.Time) ([]model.Payment, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT p.id, p.unit_id, COALESCE(p.order_id, ''), COALESCE(p.contract_id, ''), p.amount, p.paid_at,
			p.commission_rate::text
		 FROM payments p
		 JOIN units u ON u.id = p.unit_id
		 WHERE u.landlord_id = $1 AND p.invoice_id IS NULL AND p.paid_at >= $2 AND p.paid_at < $3
		 ORDER BY p.paid_at
		 FOR UPDATE OF p`,
		landlordID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select unbilled payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		var (
			p    model.Payment
			rate *string
		)
		if err := rows.Scan(&p.ID, &p.UnitID, &p.OrderID, &p.ContractID, &p.Amount, &p.PaidAt, &rate); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.CommissionRate, err = parseRate(rate); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (s *pgStore) LandlordsWithUnbilledPayments(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT DISTINCT u.landlord_id
		 FROM payments p
		 JOIN units u ON u.id = p.unit_id
		 WHERE u.landlord_id IS NOT NULL AND p.invoice_id IS NULL AND p.paid_at >= $1 AND p.paid_at < $2
		 ORDER BY u.landlord_id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select landlords: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan landlord: %w", err)
		}
		res = append(res, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// LockInvoicePeriod берёт транзакционную advisory-блокировку на (владелец, год, месяц).
func (s *pgStore) LockInvoicePeriod(ctx context.Context, landlordID string, year, month int) error {
	key := fmt.Sprintf("self-billing:%s:%04d-%02d", landlordID, year, month)
	if _, err := s.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (s *pgStore) InvoiceByPeriod(ctx context.Context, landlordID string, year, month int) (*model.SelfBillingInvoice, error) {
	var (
		inv  model.SelfBillingInvoice
		rate string
	)
	err := s.tx.QueryRow(ctx,
		`SELECT i.id, i.landlord_id, i.year, i.month, i.number, i.gross_amount, i.net_amount,
			i.commission_rate::text, i.issued_at,
			ARRAY(SELECT p.id FROM payments p WHERE p.invoice_id = i.id ORDER BY p.paid_at)
		 FROM self_billing_invoices i
		 WHERE i.landlord_id = $1 AND i.year = $2 AND i.month = $3`,
		landlordID, year, month,
	).Scan(&inv.ID, &inv.LandlordID, &inv.Year, &inv.Month, &inv.Number, &inv.GrossAmount, &inv.NetAmount,
		&rate, &inv.IssuedAt, &inv.PaymentIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("invoice", fmt.Sprintf("%s/%d-%02d", landlordID, year, month))
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	parsed, err := parseRate(&rate)
	if err != nil {
		return nil, err
	}
	inv.CommissionRate = *parsed
	return &inv, nil
}

// NextInvoiceSequence атомарно увеличивает счётчик актов владельца за год.
func (s *pgStore) NextInvoiceSequence(ctx context.Context, landlordID string, year int) (int, error) {
	var next int
	err := s.tx.QueryRow(ctx,
		`INSERT INTO invoice_sequences (landlord_id, year, last_value) VALUES ($1, $2, 1)
		 ON CONFLICT (landlord_id, year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		 RETURNING last_value`,
		landlordID, year,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next invoice sequence: %w", err)
	}
	return next, nil
}

func (s *pgStore) CreateInvoice(ctx context.Context, inv *model.SelfBillingInvoice) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO self_billing_invoices (id, landlord_id, year, month, number, gross_amount, net_amount,
			commission_rate, issued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9)`,
		inv.ID, inv.LandlordID, inv.Year, inv.Month, inv.Number, inv.GrossAmount, inv.NetAmount,
		inv.CommissionRate.String(), inv.IssuedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice %s: %w", inv.Number, storage.ErrInvoiceExists)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *pgStore) LinkPaymentsToInvoice(ctx context.Context, invoiceID string, paymentIDs []string) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE payments SET invoice_id = $1 WHERE id = ANY($2) AND invoice_id IS NULL`,
		invoiceID, paymentIDs,
	)
	if err != nil {
		return fmt.Errorf("link payments: %w", err)
	}
	if tag.RowsAffected() != int64(len(paymentIDs)) {
		return fmt.Errorf("link payments: %d of %d payments were already billed",
			int64(len(paymentIDs))-tag.RowsAffected(), len(paymentIDs))
	}
	return nil
}
