package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storage-rental/internal/model"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func parseRate(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate %q: %w", *v, err)
	}
	return &d, nil
}

func rateArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

const unitColumns = `id, unit_type_id, COALESCE(landlord_id, ''), number, status, commission_rate::text, row_version`

func scanUnit(row rowScanner) (*model.Unit, error) {
	var (
		u    model.Unit
		rate *string
	)
	if err := row.Scan(&u.ID, &u.UnitTypeID, &u.LandlordID, &u.Number, &u.Status, &rate, &u.Version); err != nil {
		return nil, err
	}
	var err error
	if u.CommissionRate, err = parseRate(rate); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *pgStore) getUnit(ctx context.Context, id, suffix string) (*model.Unit, error) {
	u, err := scanUnit(s.tx.QueryRow(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("unit", id)
		}
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func (s *pgStore) GetUnit(ctx context.Context, id string) (*model.Unit, error) {
	return s.getUnit(ctx, id, "")
}

// LockUnit блокирует строку ячейки до конца транзакции.
func (s *pgStore) LockUnit(ctx context.Context, id string) (*model.Unit, error) {
	return s.getUnit(ctx, id, " FOR UPDATE")
}

func (s *pgStore) UnitsByType(ctx context.Context, unitTypeID string) ([]model.Unit, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT `+unitColumns+` FROM units WHERE unit_type_id = $1 ORDER BY number`,
		unitTypeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select units: %w", err)
	}
	defer rows.Close()

	var res []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		res = append(res, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (s *pgStore) UpdateUnitStatus(ctx context.Context, unit *model.Unit, status model.UnitStatus) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE units SET status = $2, row_version = row_version + 1 WHERE id = $1 AND row_version = $3`,
		unit.ID, string(status), unit.Version,
	)
	if err != nil {
		return fmt.Errorf("update unit status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.versionMiss(ctx, "units", "unit", unit.ID)
	}
	unit.Status = status
	unit.Version++
	return nil
}

func (s *pgStore) GetUnitType(ctx context.Context, id string) (*model.UnitType, error) {
	var ut model.UnitType
	err := s.tx.QueryRow(ctx,
		`SELECT id, name, width_cm, depth_cm, height_cm, weekly_rate, monthly_rate FROM unit_types WHERE id = $1`,
		id,
	).Scan(&ut.ID, &ut.Name, &ut.WidthCm, &ut.DepthCm, &ut.HeightCm, &ut.WeeklyRate, &ut.MonthlyRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("unit type", id)
		}
		return nil, fmt.Errorf("get unit type: %w", err)
	}
	return &ut, nil
}

func (s *pgStore) GetLandlord(ctx context.Context, id string) (*model.Landlord, error) {
	var (
		l    model.Landlord
		rate *string
	)
	err := s.tx.QueryRow(ctx,
		`SELECT id, name, commission_rate::text FROM landlords WHERE id = $1`,
		id,
	).Scan(&l.ID, &l.Name, &rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("landlord", id)
		}
		return nil, fmt.Errorf("get landlord: %w", err)
	}
	if l.CommissionRate, err = parseRate(rate); err != nil {
		return nil, err
	}
	return &l, nil
}

// overlapCondition проверяет пересечение периодов с включёнными границами; NULL в конце означает бессрочный период.
const overlapCondition = `start_date <= COALESCE($3::date, 'infinity'::date) AND COALESCE(end_date, 'infinity'::date) >= $2::date`

func (s *pgStore) ManualBlocksOverlapping(ctx context.Context, unitID string, p model.Period) ([]model.ManualBlock, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT id, unit_id, start_date, end_date, reason, created_at
		 FROM manual_blocks
		 WHERE unit_id = $1 AND `+overlapCondition+`
		 ORDER BY start_date`,
		unitID, p.Start, p.End,
	)
	if err != nil {
		return nil, fmt.Errorf("select manual blocks: %w", err)
	}
	defer rows.Close()

	var res []model.ManualBlock
	for rows.Next() {
		var b model.ManualBlock
		if err := rows.Scan(&b.ID, &b.UnitID, &b.Period.Start, &b.Period.End, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan manual block: %w", err)
		}
		res = append(res, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (s *pgStore) CreateManualBlock(ctx context.Context, b *model.ManualBlock) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO manual_blocks (id, unit_id, start_date, end_date, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.UnitID, b.Period.Start, b.Period.End, b.Reason, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert manual block: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteManualBlock(ctx context.Context, id string) error {
	tag, err := s.tx.Exec(ctx, `DELETE FROM manual_blocks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete manual block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("manual block", id)
	}
	return nil
}
