package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	ErrConflict  = errors.New("conflict")
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dsn == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return db, nil
}

// Amount columns are TEXT holding two-decimal strings; integer minor-unit
// columns exist where SQL aggregation is needed.
func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS establishments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			currency TEXT NOT NULL,
			commission_rate_percent TEXT NOT NULL,
			fixed_fee TEXT NOT NULL,
			connected_account_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			establishment_id TEXT NOT NULL,
			reference TEXT NOT NULL,
			guest_email TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL,
			gross_amount TEXT NOT NULL,
			commission_amount TEXT NOT NULL,
			net_amount TEXT NOT NULL,
			commission_rate_percent TEXT NOT NULL,
			fixed_fee TEXT NOT NULL,
			amount_minor_units INTEGER NOT NULL,
			commission_minor_units INTEGER NOT NULL,
			processor_charge_id TEXT UNIQUE,
			observed_processor_fee TEXT,
			observed_application_fee TEXT,
			status TEXT NOT NULL,
			confirmed_at DATETIME NOT NULL,
			settled_at DATETIME,
			UNIQUE (establishment_id, reference),
			FOREIGN KEY (establishment_id) REFERENCES establishments(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_establishment ON bookings(establishment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_confirmed_at ON bookings(confirmed_at)`,

		`CREATE TABLE IF NOT EXISTS processor_reports (
			id TEXT PRIMARY KEY,
			processor TEXT NOT NULL,
			payout_id TEXT NOT NULL,
			report_date DATETIME NOT NULL,
			file_hash TEXT UNIQUE NOT NULL,
			record_count INTEGER NOT NULL,
			ingested_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS processor_records (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			processor TEXT NOT NULL,
			charge_id TEXT NOT NULL,
			connected_account_id TEXT NOT NULL DEFAULT '',
			booking_id TEXT,
			gross_amount TEXT NOT NULL,
			application_fee TEXT NOT NULL,
			processor_fee TEXT NOT NULL,
			net_amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			available_on DATETIME NOT NULL,
			payout_id TEXT NOT NULL,
			FOREIGN KEY (report_id) REFERENCES processor_reports(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processor_records_report ON processor_records(report_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processor_records_charge ON processor_records(charge_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processor_records_booking ON processor_records(booking_id)`,

		`CREATE TABLE IF NOT EXISTS discrepancies (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			booking_id TEXT,
			record_id TEXT,
			establishment_id TEXT,
			expected TEXT NOT NULL,
			actual TEXT NOT NULL,
			difference TEXT NOT NULL,
			difference_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_type ON discrepancies(type)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_severity ON discrepancies(severity)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_establishment ON discrepancies(establishment_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
