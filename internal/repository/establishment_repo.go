package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
)

type EstablishmentRepo struct {
	db *sql.DB
}

func NewEstablishmentRepo(db *sql.DB) *EstablishmentRepo {
	return &EstablishmentRepo{db: db}
}

const establishmentColumns = `id, name, kind, currency, commission_rate_percent, fixed_fee,
	connected_account_id, created_at, updated_at`

func (r *EstablishmentRepo) Insert(ctx context.Context, e *domain.Establishment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO establishments (`+establishmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, string(e.Kind), e.Currency, e.CommissionRatePercent.String(),
		money.Format(e.FixedFee), e.ConnectedAccountID,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("establishment %s: %w", e.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert establishment: %w", err)
	}
	return nil
}

func (r *EstablishmentRepo) GetByID(ctx context.Context, id string) (*domain.Establishment, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+establishmentColumns+" FROM establishments WHERE id = ?", id)
	e, err := scanEstablishment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("establishment %s: %w", id, ErrNotFound)
	}
	return e, err
}

// UpdateCommission changes the rate and fee applied to future bookings.
// Existing bookings keep the snapshot they were confirmed with.
func (r *EstablishmentRepo) UpdateCommission(ctx context.Context, id string, cfg domain.CommissionConfig, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE establishments SET commission_rate_percent = ?, fixed_fee = ?, updated_at = ? WHERE id = ?`,
		cfg.RatePercent.String(), money.Format(cfg.FixedFee), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("update commission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("establishment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *EstablishmentRepo) List(ctx context.Context) ([]domain.Establishment, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+establishmentColumns+" FROM establishments ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.Establishment
	for rows.Next() {
		e, err := scanEstablishment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEstablishment(s scanner) (*domain.Establishment, error) {
	var e domain.Establishment
	var kind, createdAt, updatedAt string
	err := s.Scan(
		&e.ID, &e.Name, &kind, &e.Currency, &e.CommissionRatePercent, &e.FixedFee,
		&e.ConnectedAccountID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.EstablishmentKind(kind)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}
