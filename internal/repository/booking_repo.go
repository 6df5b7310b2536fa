package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
	"github.com/shopspring/decimal"
)

type BookingRepo struct {
	db *sql.DB
}

func NewBookingRepo(db *sql.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

const bookingColumns = `id, establishment_id, reference, guest_email, currency,
	gross_amount, commission_amount, net_amount, commission_rate_percent, fixed_fee,
	amount_minor_units, commission_minor_units, processor_charge_id,
	observed_processor_fee, observed_application_fee, status, confirmed_at, settled_at`

// Insert stores a confirmed booking. The split and the commission snapshot
// are written once here and never updated.
func (r *BookingRepo) Insert(ctx context.Context, b *domain.Booking) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.EstablishmentID, b.Reference, b.GuestEmail, b.Currency,
		money.Format(b.GrossAmount), money.Format(b.CommissionAmount), money.Format(b.NetAmount),
		b.CommissionRatePercent.String(), money.Format(b.FixedFee),
		b.AmountMinorUnits, b.CommissionMinorUnits, nullableString(b.ProcessorChargeID),
		nullableAmount(b.ObservedProcessorFee), nullableAmount(b.ObservedApplicationFee),
		string(b.Status), formatTime(b.ConfirmedAt), formatNullableTime(b.SettledAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("booking %s/%s: %w", b.EstablishmentID, b.Reference, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *BookingRepo) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ?", id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return b, err
}

func (r *BookingRepo) GetByChargeID(ctx context.Context, chargeID string) (*domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE processor_charge_id = ?", chargeID)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("charge %s: %w", chargeID, ErrNotFound)
	}
	return b, err
}

// AttachCharge records the processor charge created for a confirmed booking.
// A booking gets exactly one charge.
func (r *BookingRepo) AttachCharge(ctx context.Context, id, chargeID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET processor_charge_id = ?
		 WHERE id = ? AND processor_charge_id IS NULL AND status = ?`,
		chargeID, id, string(domain.BookingConfirmed),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("charge %s: %w", chargeID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("attach charge: %w", err)
	}
	return r.requireUpdated(ctx, res, id)
}

// Cancel marks a confirmed booking cancelled. Amounts are left as confirmed.
func (r *BookingRepo) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE bookings SET status = ? WHERE id = ? AND status = ?",
		string(domain.BookingCancelled), id, string(domain.BookingConfirmed),
	)
	if err != nil {
		return fmt.Errorf("cancel booking: %w", err)
	}
	return r.requireUpdated(ctx, res, id)
}

func (r *BookingRepo) requireUpdated(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookings WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("booking %s: %w", id, ErrConflict)
}

type BookingFilter struct {
	EstablishmentID string
	Status          string
	Currency        string
	From            *time.Time
	To              *time.Time
	Page            int
	Limit           int
}

func (r *BookingRepo) List(ctx context.Context, f BookingFilter) ([]domain.Booking, int, error) {
	where, args := buildBookingWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookings"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	q := "SELECT " + bookingColumns + " FROM bookings" + where + " ORDER BY confirmed_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	bookings, err := r.query(ctx, q, args...)
	return bookings, total, err
}

// All returns every booking in confirmation order, for the commission audit.
func (r *BookingRepo) All(ctx context.Context) ([]domain.Booking, error) {
	return r.query(ctx, "SELECT "+bookingColumns+" FROM bookings ORDER BY confirmed_at, id")
}

// ConfirmedWithoutSettlement returns charged bookings confirmed before cutoff
// for which no processor record has been matched.
func (r *BookingRepo) ConfirmedWithoutSettlement(ctx context.Context, cutoff time.Time) ([]domain.Booking, error) {
	return r.query(ctx, `
		SELECT `+prefixed("b", bookingColumns)+` FROM bookings b
		LEFT JOIN processor_records pr ON pr.booking_id = b.id
		WHERE b.status = ?
		  AND b.processor_charge_id IS NOT NULL
		  AND b.confirmed_at < ?
		  AND pr.id IS NULL
		ORDER BY b.confirmed_at`,
		string(domain.BookingConfirmed), formatTime(cutoff),
	)
}

func (r *BookingRepo) query(ctx context.Context, q string, args ...any) ([]domain.Booking, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// CurrencyTotals aggregates bookings per currency in minor units.
type CurrencyTotals struct {
	Currency             string `json:"currency"`
	Bookings             int    `json:"bookings"`
	Settled              int    `json:"settled"`
	PendingSettlement    int    `json:"pending_settlement"`
	Cancelled            int    `json:"cancelled"`
	GrossMinorUnits      int64  `json:"gross_minor_units"`
	CommissionMinorUnits int64  `json:"commission_minor_units"`
	NetMinorUnits        int64  `json:"net_minor_units"`
}

// TotalsByCurrency sums non-cancelled bookings. Amounts in different
// currencies are never added together.
func (r *BookingRepo) TotalsByCurrency(ctx context.Context) ([]CurrencyTotals, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT currency,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'settled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != 'cancelled' THEN amount_minor_units ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != 'cancelled' THEN commission_minor_units ELSE 0 END), 0)
		FROM bookings GROUP BY currency ORDER BY currency
	`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []CurrencyTotals
	for rows.Next() {
		var t CurrencyTotals
		if err := rows.Scan(&t.Currency, &t.Bookings, &t.Settled, &t.PendingSettlement, &t.Cancelled,
			&t.GrossMinorUnits, &t.CommissionMinorUnits); err != nil {
			return nil, err
		}
		t.NetMinorUnits = t.GrossMinorUnits - t.CommissionMinorUnits
		out = append(out, t)
	}
	return out, rows.Err()
}

func buildBookingWhere(f BookingFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.EstablishmentID != "" {
		clauses = append(clauses, "establishment_id = ?")
		args = append(args, f.EstablishmentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Currency != "" {
		clauses = append(clauses, "currency = ?")
		args = append(args, f.Currency)
	}
	if f.From != nil {
		clauses = append(clauses, "confirmed_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "confirmed_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullableAmount(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return money.Format(*d)
}

func scanBooking(s scanner) (*domain.Booking, error) {
	var b domain.Booking
	var status, confirmedAt string
	var chargeID, settledAt sql.NullString
	var processorFee, applicationFee decimal.NullDecimal

	err := s.Scan(
		&b.ID, &b.EstablishmentID, &b.Reference, &b.GuestEmail, &b.Currency,
		&b.GrossAmount, &b.CommissionAmount, &b.NetAmount, &b.CommissionRatePercent, &b.FixedFee,
		&b.AmountMinorUnits, &b.CommissionMinorUnits, &chargeID,
		&processorFee, &applicationFee, &status, &confirmedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = domain.BookingStatus(status)
	b.ConfirmedAt = parseTime(confirmedAt)
	if chargeID.Valid {
		b.ProcessorChargeID = chargeID.String
	}
	if processorFee.Valid {
		fee := processorFee.Decimal
		b.ObservedProcessorFee = &fee
	}
	if applicationFee.Valid {
		fee := applicationFee.Decimal
		b.ObservedApplicationFee = &fee
	}
	if settledAt.Valid {
		t := parseTime(settledAt.String)
		b.SettledAt = &t
	}
	return &b, nil
}
