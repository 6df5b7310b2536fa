// Package reconciliation compares what bookings predicted against what the
// payment processor reported, and audits persisted commission splits.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/config"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/metrics"
	"github.com/selfkey/settlement/internal/money"
	"github.com/selfkey/settlement/internal/repository"
)

// Result summarises a full reconciliation run.
type Result struct {
	MatchedCount         int          `json:"matched_count"`
	CorrectedSettlements int          `json:"corrected_settlements"`
	MissingSettlements   int          `json:"missing_settlements"`
	CommissionMismatches int          `json:"commission_mismatches"`
	GrossMismatches      int          `json:"gross_mismatches"`
	InvalidRecords       int          `json:"invalid_records"`
	OrphanedRecords      int          `json:"orphaned_records"`
	Audit                *AuditResult `json:"audit"`
	TotalDiscrepancies   int          `json:"total_discrepancies"`
}

type BookingStore interface {
	GetByID(ctx context.Context, id string) (*domain.Booking, error)
	GetByChargeID(ctx context.Context, chargeID string) (*domain.Booking, error)
	ConfirmedWithoutSettlement(ctx context.Context, cutoff time.Time) ([]domain.Booking, error)
	All(ctx context.Context) ([]domain.Booking, error)
}

type RecordStore interface {
	UnmatchedRecords(ctx context.Context) ([]domain.ProcessorRecord, error)
	MatchedRecords(ctx context.Context) ([]domain.ProcessorRecord, error)
	Settle(ctx context.Context, recordID, bookingID string, processorFee, applicationFee decimal.Decimal, settledAt time.Time) error
}

type DiscrepancyStore interface {
	BulkInsert(ctx context.Context, discs []domain.Discrepancy) (int, error)
	ClearAll(ctx context.Context) error
	ClearBookingFindings(ctx context.Context, types ...domain.DiscrepancyType) error
}

type Options struct {
	// SettlementWindow is how long a charged booking may wait for its
	// processor record before it is reported missing.
	SettlementWindow time.Duration
	Thresholds       config.Reconcile
}

// Service performs reconciliation and the commission audit.
type Service struct {
	bookings BookingStore
	records  RecordStore
	discs    DiscrepancyStore
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// Serialises runs: each run starts by clearing previous findings.
	mu sync.Mutex
}

func NewService(bookings BookingStore, records RecordStore, discs DiscrepancyStore, opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		bookings: bookings,
		records:  records,
		discs:    discs,
		opts:     opts,
		log:      log.With(slog.String("component", "reconciliation")),
		metrics:  m,
		now:      time.Now,
	}
}

// RunFull clears previous discrepancies and runs every detection step from
// scratch.
func (s *Service) RunFull(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	res, err := s.runFull(ctx)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.metrics.ReconcileRun(metrics.ResultError, elapsed)
		return nil, err
	}
	s.metrics.ReconcileRun(metrics.ResultSuccess, elapsed)

	s.log.InfoContext(ctx, "reconciliation complete",
		slog.Int("matched", res.MatchedCount),
		slog.Int("corrected", res.CorrectedSettlements),
		slog.Int("missing", res.MissingSettlements),
		slog.Int("commission_mismatches", res.CommissionMismatches),
		slog.Int("gross_mismatches", res.GrossMismatches),
		slog.Int("invalid_records", res.InvalidRecords),
		slog.Int("orphaned", res.OrphanedRecords),
		slog.Int("audit_findings", res.Audit.Inserted),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

func (s *Service) runFull(ctx context.Context) (*Result, error) {
	if err := s.discs.ClearAll(ctx); err != nil {
		return nil, fmt.Errorf("clear discrepancies: %w", err)
	}

	res := &Result{}
	var err error
	if res.MatchedCount, err = s.MatchRecords(ctx); err != nil {
		return nil, fmt.Errorf("match records: %w", err)
	}
	if res.CorrectedSettlements, err = s.RefreshSettlements(ctx); err != nil {
		return nil, fmt.Errorf("refresh settlements: %w", err)
	}
	if res.MissingSettlements, err = s.DetectMissingSettlements(ctx); err != nil {
		return nil, fmt.Errorf("detect missing: %w", err)
	}
	fees, err := s.DetectFeeMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect fee mismatches: %w", err)
	}
	res.CommissionMismatches = fees.CommissionMismatches
	res.GrossMismatches = fees.GrossMismatches
	res.InvalidRecords = fees.InvalidRecords
	if res.OrphanedRecords, err = s.DetectOrphanedRecords(ctx); err != nil {
		return nil, fmt.Errorf("detect orphaned: %w", err)
	}
	if res.Audit, err = s.auditCommissions(ctx); err != nil {
		return nil, fmt.Errorf("audit commissions: %w", err)
	}

	res.TotalDiscrepancies = res.MissingSettlements + res.CommissionMismatches + res.GrossMismatches +
		res.InvalidRecords + res.OrphanedRecords + res.Audit.Inserted
	return res, nil
}

// MatchRecords links unmatched processor records to bookings by charge ID
// and stores the fees the processor observed on the booking. Commission and
// net amounts are never rewritten.
func (s *Service) MatchRecords(ctx context.Context) (int, error) {
	unmatched, err := s.records.UnmatchedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("get unmatched: %w", err)
	}

	matched := 0
	for _, rec := range unmatched {
		b, err := s.bookings.GetByChargeID(ctx, rec.ChargeID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				s.log.WarnContext(ctx, "lookup by charge failed",
					slog.String("charge_id", rec.ChargeID), slog.Any("error", err))
			}
			continue
		}

		// A failed settlement leaves the record unmatched for the next run.
		if err := s.records.Settle(ctx, rec.ID, b.ID, rec.ProcessorFee, rec.ApplicationFee, rec.AvailableOn); err != nil {
			s.log.WarnContext(ctx, "settle record failed",
				slog.String("record_id", rec.ID), slog.String("booking_id", b.ID), slog.Any("error", err))
			continue
		}

		s.log.DebugContext(ctx, "record matched",
			slog.String("charge_id", rec.ChargeID),
			slog.String("booking_id", b.ID),
			slog.String("application_fee", money.Format(rec.ApplicationFee)),
			slog.String("predicted_commission", money.Format(b.CommissionAmount)))
		matched++
	}
	return matched, nil
}

// RefreshSettlements re-applies matched records whose fees no longer agree
// with what the booking observed, which happens when a later report
// corrects a charge.
func (s *Service) RefreshSettlements(ctx context.Context) (int, error) {
	matched, err := s.records.MatchedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("get matched: %w", err)
	}

	corrected := 0
	for _, rec := range matched {
		b, err := s.bookings.GetByID(ctx, rec.BookingID)
		if err != nil {
			s.log.WarnContext(ctx, "matched booking unreadable",
				slog.String("record_id", rec.ID), slog.String("booking_id", rec.BookingID), slog.Any("error", err))
			continue
		}
		if sameAmount(b.ObservedProcessorFee, rec.ProcessorFee) && sameAmount(b.ObservedApplicationFee, rec.ApplicationFee) {
			continue
		}
		if err := s.records.Settle(ctx, rec.ID, b.ID, rec.ProcessorFee, rec.ApplicationFee, rec.AvailableOn); err != nil {
			s.log.WarnContext(ctx, "refresh settlement failed",
				slog.String("record_id", rec.ID), slog.String("booking_id", b.ID), slog.Any("error", err))
			continue
		}
		s.log.InfoContext(ctx, "settlement corrected",
			slog.String("charge_id", rec.ChargeID),
			slog.String("booking_id", b.ID),
			slog.String("processor_fee", money.Format(rec.ProcessorFee)),
			slog.String("application_fee", money.Format(rec.ApplicationFee)))
		corrected++
	}
	return corrected, nil
}

func sameAmount(observed *decimal.Decimal, reported decimal.Decimal) bool {
	return observed != nil && observed.Equal(reported)
}

// DetectMissingSettlements reports charged bookings older than the
// settlement window that no processor record has been matched to.
func (s *Service) DetectMissingSettlements(ctx context.Context) (int, error) {
	now := s.now().UTC()
	bookings, err := s.bookings.ConfirmedWithoutSettlement(ctx, now.Add(-s.opts.SettlementWindow))
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}

	discs := make([]domain.Discrepancy, 0, len(bookings))
	for _, b := range bookings {
		discs = append(discs, domain.Discrepancy{
			ID:              "DISC-MS-" + b.ID,
			Type:            domain.DiscrepancyMissingSettlement,
			BookingID:       b.ID,
			EstablishmentID: b.EstablishmentID,
			Expected:        b.GrossAmount,
			Actual:          decimal.Zero,
			Difference:      b.GrossAmount,
			Currency:        b.Currency,
			Severity:        s.thresholds(b.EstablishmentID).Severity(b.GrossAmount),
			Description: fmt.Sprintf("Booking %s (%s %s, charge %s) has no processor record after %s",
				b.ID, money.Format(b.GrossAmount), b.Currency, b.ProcessorChargeID, s.opts.SettlementWindow),
			DetectedAt: now,
		})
	}
	return s.insert(ctx, domain.DiscrepancyMissingSettlement, discs)
}

type FeeMismatches struct {
	CommissionMismatches int
	GrossMismatches      int
	InvalidRecords       int
}

// DetectFeeMismatches compares each matched record against its booking: the
// application fee the processor kept must equal the predicted commission to
// the minor unit, and the reported gross must equal the booking gross.
// Records whose own amounts do not add up are reported as invalid.
func (s *Service) DetectFeeMismatches(ctx context.Context) (FeeMismatches, error) {
	var out FeeMismatches
	matched, err := s.records.MatchedRecords(ctx)
	if err != nil {
		return out, fmt.Errorf("get matched: %w", err)
	}

	now := s.now().UTC()
	var commission, gross, invalid []domain.Discrepancy
	for _, rec := range matched {
		b, err := s.bookings.GetByID(ctx, rec.BookingID)
		if err != nil {
			s.log.WarnContext(ctx, "matched booking unreadable",
				slog.String("record_id", rec.ID), slog.String("booking_id", rec.BookingID), slog.Any("error", err))
			continue
		}
		t := s.thresholds(b.EstablishmentID)

		units, d, ok := checkRecordArithmetic(rec, b, now)
		if !ok {
			invalid = append(invalid, d)
			continue
		}

		if units.applicationFee != b.CommissionMinorUnits {
			diff := money.FromMinorUnits(units.applicationFee - b.CommissionMinorUnits)
			commission = append(commission, domain.Discrepancy{
				ID:              "DISC-CM-" + rec.ID,
				Type:            domain.DiscrepancyCommissionMismatch,
				BookingID:       b.ID,
				RecordID:        rec.ID,
				EstablishmentID: b.EstablishmentID,
				Expected:        b.CommissionAmount,
				Actual:          rec.ApplicationFee,
				Difference:      diff,
				Currency:        b.Currency,
				Severity:        atLeast(t.Severity(diff), domain.SeverityMedium),
				Description: fmt.Sprintf("Application fee for %s is %s %s, booking %s predicted %s",
					rec.ChargeID, money.Format(rec.ApplicationFee), rec.Currency, b.ID, money.Format(b.CommissionAmount)),
				DetectedAt: now,
			})
		}

		if units.gross != b.AmountMinorUnits || rec.Currency != b.Currency {
			diff := money.FromMinorUnits(units.gross - b.AmountMinorUnits)
			sev := atLeast(t.Severity(diff), domain.SeverityMedium)
			if rec.Currency != b.Currency {
				sev = domain.SeverityCritical
			}
			gross = append(gross, domain.Discrepancy{
				ID:              "DISC-GM-" + rec.ID,
				Type:            domain.DiscrepancyGrossMismatch,
				BookingID:       b.ID,
				RecordID:        rec.ID,
				EstablishmentID: b.EstablishmentID,
				Expected:        b.GrossAmount,
				Actual:          rec.GrossAmount,
				Difference:      diff,
				Currency:        b.Currency,
				Severity:        sev,
				Description: fmt.Sprintf("Charge %s reported gross %s %s, booking %s charged %s %s",
					rec.ChargeID, money.Format(rec.GrossAmount), rec.Currency,
					b.ID, money.Format(b.GrossAmount), b.Currency),
				DetectedAt: now,
			})
		}
	}

	if out.CommissionMismatches, err = s.insert(ctx, domain.DiscrepancyCommissionMismatch, commission); err != nil {
		return out, err
	}
	if out.GrossMismatches, err = s.insert(ctx, domain.DiscrepancyGrossMismatch, gross); err != nil {
		return out, err
	}
	if out.InvalidRecords, err = s.insert(ctx, domain.DiscrepancyInvalidAmount, invalid); err != nil {
		return out, err
	}
	return out, nil
}

// recordUnits holds a record's amounts in minor units.
type recordUnits struct {
	gross, applicationFee, processorFee, net int64
}

// checkRecordArithmetic verifies gross - application fee - processor fee ==
// net on the processor's own numbers. A record with an amount that does not
// fit in minor units is invalid.
func checkRecordArithmetic(rec domain.ProcessorRecord, b *domain.Booking, now time.Time) (recordUnits, domain.Discrepancy, bool) {
	var u recordUnits
	var err error
	if u.gross, err = money.ToMinorUnits(rec.GrossAmount); err == nil {
		if u.applicationFee, err = money.ToMinorUnits(rec.ApplicationFee); err == nil {
			if u.processorFee, err = money.ToMinorUnits(rec.ProcessorFee); err == nil {
				u.net, err = money.ToMinorUnits(rec.NetAmount)
			}
		}
	}
	if err == nil && u.gross-u.applicationFee-u.processorFee == u.net {
		return u, domain.Discrepancy{}, true
	}
	want := money.FromMinorUnits(u.gross - u.applicationFee - u.processorFee)
	diff := rec.NetAmount.Sub(want)
	if err != nil {
		want, diff = decimal.Zero, decimal.Zero
	}
	return u, domain.Discrepancy{
		ID:              "DISC-IR-" + rec.ID,
		Type:            domain.DiscrepancyInvalidAmount,
		BookingID:       b.ID,
		RecordID:        rec.ID,
		EstablishmentID: b.EstablishmentID,
		Expected:        want,
		Actual:          rec.NetAmount,
		Difference:      diff,
		Currency:        rec.Currency,
		Severity:        domain.SeverityHigh,
		Description: fmt.Sprintf("Record %s: gross %s - fees %s/%s does not equal net %s",
			rec.ID, money.Format(rec.GrossAmount), money.Format(rec.ApplicationFee),
			money.Format(rec.ProcessorFee), money.Format(rec.NetAmount)),
		DetectedAt: now,
	}, false
}

// DetectOrphanedRecords reports processor records whose charge belongs to
// no known booking.
func (s *Service) DetectOrphanedRecords(ctx context.Context) (int, error) {
	unmatched, err := s.records.UnmatchedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("get unmatched: %w", err)
	}

	now := s.now().UTC()
	discs := make([]domain.Discrepancy, 0, len(unmatched))
	for _, rec := range unmatched {
		discs = append(discs, domain.Discrepancy{
			ID:         "DISC-OR-" + rec.ID,
			Type:       domain.DiscrepancyOrphaned,
			RecordID:   rec.ID,
			Expected:   decimal.Zero,
			Actual:     rec.GrossAmount,
			Difference: rec.GrossAmount,
			Currency:   rec.Currency,
			Severity:   domain.SeverityHigh,
			Description: fmt.Sprintf("Charge %s on account %s (%s %s) matches no booking",
				rec.ChargeID, rec.ConnectedAccountID, money.Format(rec.GrossAmount), rec.Currency),
			DetectedAt: now,
		})
	}
	return s.insert(ctx, domain.DiscrepancyOrphaned, discs)
}

func (s *Service) thresholds(establishmentID string) config.Thresholds {
	return s.opts.Thresholds.ThresholdsFor(establishmentID)
}

func (s *Service) insert(ctx context.Context, t domain.DiscrepancyType, discs []domain.Discrepancy) (int, error) {
	if len(discs) == 0 {
		return 0, nil
	}
	n, err := s.discs.BulkInsert(ctx, discs)
	if err != nil {
		return 0, fmt.Errorf("insert %s discrepancies: %w", t, err)
	}
	s.metrics.Discrepancies(string(t), n)
	s.log.InfoContext(ctx, "discrepancies detected", slog.String("type", string(t)), slog.Int("count", n))
	return n, nil
}

func atLeast(sev, floor domain.Severity) domain.Severity {
	if sev.AtLeast(floor) {
		return sev
	}
	return floor
}
