package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
)

type SettlementRepo struct {
	db *sql.DB
}

func NewSettlementRepo(db *sql.DB) *SettlementRepo {
	return &SettlementRepo{db: db}
}

// ReportExistsByHash checks whether a report with the given file hash has
// already been ingested.
func (r *SettlementRepo) ReportExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processor_reports WHERE file_hash = ?", hash,
	).Scan(&count)
	return count > 0, err
}

// ReportInsert counts what InsertReport did with each record.
type ReportInsert struct {
	Inserted int
	// Corrected records already existed for the charge with different
	// amounts; the newer report's amounts replaced them.
	Corrected int
	Unchanged int
}

// InsertReport stores the report and its records in one transaction. A
// record for a charge that is already stored replaces the stored amounts
// when they differ and is counted unchanged otherwise. The booking link of
// a corrected record is kept.
func (r *SettlementRepo) InsertReport(ctx context.Context, rpt *domain.ProcessorReport, records []domain.ProcessorRecord) (ReportInsert, error) {
	var out ReportInsert
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processor_reports
		(id, processor, payout_id, report_date, file_hash, record_count, ingested_at)
		VALUES (?,?,?,?,?,?,?)`,
		rpt.ID, string(rpt.Processor), rpt.PayoutID, formatTime(rpt.ReportDate),
		rpt.FileHash, rpt.RecordCount, formatTime(rpt.IngestedAt),
	)
	if isUniqueViolation(err) {
		return out, fmt.Errorf("report %s: %w", rpt.FileHash, ErrDuplicate)
	}
	if err != nil {
		return out, fmt.Errorf("insert report: %w", err)
	}

	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO processor_records
		(id, report_id, processor, charge_id, connected_account_id, booking_id,
		 gross_amount, application_fee, processor_fee, net_amount, currency,
		 available_on, payout_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		return out, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	correct, err := tx.PrepareContext(ctx,
		`UPDATE processor_records SET report_id = ?, connected_account_id = ?,
		 gross_amount = ?, application_fee = ?, processor_fee = ?, net_amount = ?,
		 currency = ?, available_on = ?, payout_id = ?
		 WHERE id = ?`,
	)
	if err != nil {
		return out, fmt.Errorf("prepare correction: %w", err)
	}
	defer correct.Close()

	for i := range records {
		rec := &records[i]
		gross, appFee := money.Format(rec.GrossAmount), money.Format(rec.ApplicationFee)
		procFee, net := money.Format(rec.ProcessorFee), money.Format(rec.NetAmount)

		var stored [5]string
		err := tx.QueryRowContext(ctx,
			`SELECT gross_amount, application_fee, processor_fee, net_amount, currency
			 FROM processor_records WHERE id = ?`, rec.ID,
		).Scan(&stored[0], &stored[1], &stored[2], &stored[3], &stored[4])
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := insert.ExecContext(ctx,
				rec.ID, rec.ReportID, string(rec.Processor), rec.ChargeID, rec.ConnectedAccountID,
				nullableString(rec.BookingID), gross, appFee, procFee, net, rec.Currency,
				formatTime(rec.AvailableOn), rec.PayoutID,
			); err != nil {
				return out, fmt.Errorf("insert record %d: %w", i, err)
			}
			out.Inserted++
		case err != nil:
			return out, fmt.Errorf("read record %d: %w", i, err)
		case stored == [5]string{gross, appFee, procFee, net, rec.Currency}:
			out.Unchanged++
		default:
			if _, err := correct.ExecContext(ctx,
				rec.ReportID, rec.ConnectedAccountID, gross, appFee, procFee, net, rec.Currency,
				formatTime(rec.AvailableOn), rec.PayoutID, rec.ID,
			); err != nil {
				return out, fmt.Errorf("correct record %d: %w", i, err)
			}
			out.Corrected++
		}
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// UnmatchedRecords returns records not yet linked to a booking.
func (r *SettlementRepo) UnmatchedRecords(ctx context.Context) ([]domain.ProcessorRecord, error) {
	return r.query(ctx, "SELECT "+recordColumns+" FROM processor_records WHERE booking_id IS NULL ORDER BY available_on, id")
}

// MatchedRecords returns records linked to a booking.
func (r *SettlementRepo) MatchedRecords(ctx context.Context) ([]domain.ProcessorRecord, error) {
	return r.query(ctx, "SELECT "+recordColumns+" FROM processor_records WHERE booking_id IS NOT NULL ORDER BY available_on, id")
}

// Settle links a processor record to its booking and stores the fees the
// processor observed on the booking, in one transaction. Settling an
// already linked record again overwrites the observed fees. A cancelled
// booking keeps its status.
func (r *SettlementRepo) Settle(ctx context.Context, recordID, bookingID string, processorFee, applicationFee decimal.Decimal, settledAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE processor_records SET booking_id = ? WHERE id = ?", bookingID, recordID,
	)
	if err != nil {
		return fmt.Errorf("link record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE bookings SET observed_processor_fee = ?, observed_application_fee = ?,
		 status = CASE WHEN status = ? THEN status ELSE ? END, settled_at = ?
		 WHERE id = ?`,
		money.Format(processorFee), money.Format(applicationFee),
		string(domain.BookingCancelled), string(domain.BookingSettled), formatTime(settledAt), bookingID,
	)
	if err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	return tx.Commit()
}

func (r *SettlementRepo) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM processor_records").Scan(&n)
	return n, err
}

type RecordFilter struct {
	Processor string
	Currency  string
	Matched   *bool
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

func (r *SettlementRepo) ListRecords(ctx context.Context, f RecordFilter) ([]domain.ProcessorRecord, int, error) {
	where, args := buildRecordWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM processor_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageBounds(f.Page, f.Limit)
	q := "SELECT " + recordColumns + " FROM processor_records" + where + " ORDER BY available_on DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	records, err := r.query(ctx, q, args...)
	return records, total, err
}

const recordColumns = `id, report_id, processor, charge_id, connected_account_id, booking_id,
	gross_amount, application_fee, processor_fee, net_amount, currency, available_on, payout_id`

func (r *SettlementRepo) query(ctx context.Context, q string, args ...any) ([]domain.ProcessorRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ProcessorRecord
	for rows.Next() {
		rec, err := scanProcessorRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func buildRecordWhere(f RecordFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Processor != "" {
		clauses = append(clauses, "processor = ?")
		args = append(args, f.Processor)
	}
	if f.Currency != "" {
		clauses = append(clauses, "currency = ?")
		args = append(args, f.Currency)
	}
	if f.Matched != nil {
		if *f.Matched {
			clauses = append(clauses, "booking_id IS NOT NULL")
		} else {
			clauses = append(clauses, "booking_id IS NULL")
		}
	}
	if f.From != nil {
		clauses = append(clauses, "available_on >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "available_on <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanProcessorRecord(s scanner) (*domain.ProcessorRecord, error) {
	var rec domain.ProcessorRecord
	var proc, availableOn string
	var bookingID sql.NullString

	err := s.Scan(
		&rec.ID, &rec.ReportID, &proc, &rec.ChargeID, &rec.ConnectedAccountID, &bookingID,
		&rec.GrossAmount, &rec.ApplicationFee, &rec.ProcessorFee, &rec.NetAmount,
		&rec.Currency, &availableOn, &rec.PayoutID,
	)
	if err != nil {
		return nil, err
	}

	rec.Processor = domain.Processor(proc)
	rec.AvailableOn = parseTime(availableOn)
	if bookingID.Valid {
		rec.BookingID = bookingID.String
	}
	return &rec, nil
}
