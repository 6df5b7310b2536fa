package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
)

type DiscrepancyRepo struct {
	db *sql.DB
}

func NewDiscrepancyRepo(db *sql.DB) *DiscrepancyRepo {
	return &DiscrepancyRepo{db: db}
}

const discrepancyColumns = `id, type, booking_id, record_id, establishment_id, expected, actual,
	difference, difference_minor, currency, severity, description, detected_at`

// BulkInsert stores discrepancies, ignoring IDs already present so that
// repeated detection runs are idempotent.
func (r *DiscrepancyRepo) BulkInsert(ctx context.Context, discs []domain.Discrepancy) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO discrepancies (`+discrepancyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range discs {
		d := &discs[i]
		diffMinor, err := money.ToMinorUnits(d.Difference)
		if err != nil {
			return 0, fmt.Errorf("discrepancy %s difference: %w", d.ID, err)
		}
		res, err := stmt.ExecContext(ctx,
			d.ID, string(d.Type), nullableString(d.BookingID), nullableString(d.RecordID),
			nullableString(d.EstablishmentID), money.Format(d.Expected), money.Format(d.Actual),
			money.Format(d.Difference), diffMinor, d.Currency,
			string(d.Severity), d.Description, formatTime(d.DetectedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ByBookingID returns all discrepancies related to a booking.
func (r *DiscrepancyRepo) ByBookingID(ctx context.Context, bookingID string) ([]domain.Discrepancy, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+discrepancyColumns+" FROM discrepancies WHERE booking_id = ? ORDER BY detected_at DESC, id", bookingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscrepancies(rows)
}

type DiscrepancyFilter struct {
	Type            string
	Severity        string
	EstablishmentID string
	From            *time.Time
	To              *time.Time
	Page            int
	Limit           int
}

func (r *DiscrepancyRepo) List(ctx context.Context, f DiscrepancyFilter) ([]domain.Discrepancy, int, error) {
	where, args := buildDiscrepancyWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM discrepancies"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	q := "SELECT " + discrepancyColumns + " FROM discrepancies" + where + " ORDER BY detected_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	discs, err := scanDiscrepancies(rows)
	return discs, total, err
}

// DiscrepancySummary groups discrepancies. Impact is the sum of absolute
// differences per currency in minor units.
type DiscrepancySummary struct {
	TotalCount       int              `json:"total_count"`
	ByType           map[string]int   `json:"by_type"`
	BySeverity       map[string]int   `json:"by_severity"`
	ImpactMinorUnits map[string]int64 `json:"impact_minor_units_by_currency"`
}

func (r *DiscrepancyRepo) Summary(ctx context.Context) (*DiscrepancySummary, error) {
	s := &DiscrepancySummary{
		ByType:           make(map[string]int),
		BySeverity:       make(map[string]int),
		ImpactMinorUnits: make(map[string]int64),
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM discrepancies").Scan(&s.TotalCount); err != nil {
		return nil, err
	}
	if err := scanGroupCount(ctx, r.db, "type", s.ByType); err != nil {
		return nil, err
	}
	if err := scanGroupCount(ctx, r.db, "severity", s.BySeverity); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT currency, COALESCE(SUM(ABS(difference_minor)),0) FROM discrepancies GROUP BY currency",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		var v int64
		if err := rows.Scan(&c, &v); err != nil {
			return nil, err
		}
		s.ImpactMinorUnits[c] = v
	}
	return s, rows.Err()
}

// ClearAll removes all discrepancies before a full reconciliation run.
func (r *DiscrepancyRepo) ClearAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM discrepancies")
	return err
}

// ClearBookingFindings removes discrepancies of the given types that are not
// tied to a processor record, so the commission audit can be re-run without
// discarding reconciliation findings.
func (r *DiscrepancyRepo) ClearBookingFindings(ctx context.Context, types ...domain.DiscrepancyType) error {
	if len(types) == 0 {
		return nil
	}
	placeholders := make([]string, len(types))
	args := make([]any, len(types))
	for i, t := range types {
		placeholders[i] = "?"
		args[i] = string(t)
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM discrepancies WHERE record_id IS NULL AND type IN ("+strings.Join(placeholders, ",")+")", args...,
	)
	return err
}

type EstablishmentDiscrepancyStat struct {
	EstablishmentID  string `json:"establishment_id"`
	Currency         string `json:"currency"`
	DiscrepancyCount int    `json:"discrepancy_count"`
	ImpactMinorUnits int64  `json:"impact_minor_units"`
}

func (r *DiscrepancyRepo) StatsByEstablishment(ctx context.Context) ([]EstablishmentDiscrepancyStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(establishment_id, ''), currency, COUNT(*), COALESCE(SUM(ABS(difference_minor)),0)
		FROM discrepancies GROUP BY establishment_id, currency ORDER BY establishment_id, currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []EstablishmentDiscrepancyStat
	for rows.Next() {
		var s EstablishmentDiscrepancyStat
		if err := rows.Scan(&s.EstablishmentID, &s.Currency, &s.DiscrepancyCount, &s.ImpactMinorUnits); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func buildDiscrepancyWhere(f DiscrepancyFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.EstablishmentID != "" {
		clauses = append(clauses, "establishment_id = ?")
		args = append(args, f.EstablishmentID)
	}
	if f.From != nil {
		clauses = append(clauses, "detected_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "detected_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanGroupCount(ctx context.Context, db *sql.DB, col string, m map[string]int) error {
	rows, err := db.QueryContext(ctx,
		"SELECT "+col+", COUNT(*) FROM discrepancies GROUP BY "+col,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return rows.Err()
}

func scanDiscrepancies(rows *sql.Rows) ([]domain.Discrepancy, error) {
	var discs []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var dtype, sev, detectedAt string
		var bookingID, recordID, establishmentID sql.NullString
		var diffMinor int64

		err := rows.Scan(
			&d.ID, &dtype, &bookingID, &recordID, &establishmentID,
			&d.Expected, &d.Actual, &d.Difference, &diffMinor,
			&d.Currency, &sev, &d.Description, &detectedAt,
		)
		if err != nil {
			return nil, err
		}

		d.Type = domain.DiscrepancyType(dtype)
		d.Severity = domain.Severity(sev)
		d.DetectedAt = parseTime(detectedAt)
		d.BookingID = bookingID.String
		d.RecordID = recordID.String
		d.EstablishmentID = establishmentID.String
		discs = append(discs, d)
	}
	return discs, rows.Err()
}
