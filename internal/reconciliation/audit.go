package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
)

var auditTypes = []domain.DiscrepancyType{
	domain.DiscrepancySplitInvariantBroken,
	domain.DiscrepancyCommissionExceedsGross,
	domain.DiscrepancyLegacyRoundingDrift,
	domain.DiscrepancyCommissionDrift,
	domain.DiscrepancyInvalidAmount,
}

// AuditResult summarises one commission audit pass.
type AuditResult struct {
	Audited  int                            `json:"audited"`
	Failed   int                            `json:"failed"`
	Inserted int                            `json:"inserted"`
	ByType   map[domain.DiscrepancyType]int `json:"by_type"`
	// Worst is the highest severity found, empty when the audit is clean.
	Worst domain.Severity `json:"worst,omitempty"`
}

// AuditCommissions re-checks every persisted booking against its own rate
// snapshot. Previous audit findings are replaced; record-level findings from
// reconciliation are kept.
func (s *Service) AuditCommissions(ctx context.Context) (*AuditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.discs.ClearBookingFindings(ctx, auditTypes...); err != nil {
		return nil, fmt.Errorf("clear audit findings: %w", err)
	}
	return s.auditCommissions(ctx)
}

func (s *Service) auditCommissions(ctx context.Context) (*AuditResult, error) {
	bookings, err := s.bookings.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	now := s.now().UTC()
	res := &AuditResult{ByType: make(map[domain.DiscrepancyType]int)}
	var discs []domain.Discrepancy
	for i := range bookings {
		b := &bookings[i]
		res.Audited++

		found, err := s.auditBooking(b, now)
		if err != nil {
			// One bad row must not stop the batch.
			res.Failed++
			s.log.ErrorContext(ctx, "commission audit failed",
				slog.String("booking_id", b.ID), slog.Any("error", err))
			found = []domain.Discrepancy{invalidBooking(b, err, now)}
		}
		discs = append(discs, found...)
	}

	for _, d := range discs {
		res.ByType[d.Type]++
		if res.Worst == "" || d.Severity.AtLeast(res.Worst) {
			res.Worst = d.Severity
		}
	}

	if len(discs) > 0 {
		n, err := s.discs.BulkInsert(ctx, discs)
		if err != nil {
			return nil, fmt.Errorf("insert audit findings: %w", err)
		}
		res.Inserted = n
		for t, c := range res.ByType {
			s.metrics.Discrepancies(string(t), c)
		}
	}

	s.log.InfoContext(ctx, "commission audit complete",
		slog.Int("audited", res.Audited),
		slog.Int("failed", res.Failed),
		slog.Int("findings", len(discs)))
	return res, nil
}

// auditBooking returns the findings for one booking. An error means the
// stored amounts could not be evaluated at all.
func (s *Service) auditBooking(b *domain.Booking, now time.Time) ([]domain.Discrepancy, error) {
	var out []domain.Discrepancy
	base := domain.Discrepancy{
		BookingID:       b.ID,
		EstablishmentID: b.EstablishmentID,
		Currency:        b.Currency,
		DetectedAt:      now,
	}

	err := money.VerifySplit(b.GrossAmount, b.CommissionAmount, b.NetAmount, b.AmountMinorUnits, b.CommissionMinorUnits)
	switch {
	case errors.Is(err, money.ErrSplitMismatch):
		d := base
		d.ID = "DISC-SI-" + b.ID
		d.Type = domain.DiscrepancySplitInvariantBroken
		d.Expected = b.GrossAmount
		d.Actual = b.CommissionAmount.Add(b.NetAmount)
		d.Difference = d.Actual.Sub(d.Expected)
		d.Severity = domain.SeverityCritical
		d.Description = fmt.Sprintf("Booking %s: %v", b.ID, err)
		out = append(out, d)
	case err != nil:
		return nil, err
	}

	if b.CommissionAmount.GreaterThan(b.GrossAmount) {
		d := base
		d.ID = "DISC-EG-" + b.ID
		d.Type = domain.DiscrepancyCommissionExceedsGross
		d.Expected = b.GrossAmount
		d.Actual = b.CommissionAmount
		d.Difference = b.CommissionAmount.Sub(b.GrossAmount)
		d.Severity = domain.SeverityHigh
		d.Description = fmt.Sprintf("Booking %s: commission %s exceeds gross %s",
			b.ID, money.Format(b.CommissionAmount), money.Format(b.GrossAmount))
		out = append(out, d)
	}

	snap := b.Snapshot()
	recomputed, err := money.CalculateCommission(b.GrossAmount, snap.RatePercent, snap.FixedFee)
	if err != nil {
		return nil, err
	}
	if recomputed.CommissionAmount.Equal(b.CommissionAmount) {
		return out, nil
	}

	legacy, err := money.LegacyCommission(b.GrossAmount, snap.RatePercent, snap.FixedFee)
	if err != nil {
		return nil, err
	}
	diff := b.CommissionAmount.Sub(recomputed.CommissionAmount)

	d := base
	d.Expected = recomputed.CommissionAmount
	d.Actual = b.CommissionAmount
	d.Difference = diff
	if legacy.Equal(b.CommissionAmount) {
		d.ID = "DISC-LD-" + b.ID
		d.Type = domain.DiscrepancyLegacyRoundingDrift
		d.Severity = domain.SeverityLow
		d.Description = fmt.Sprintf("Booking %s: stored commission %s follows the float formula, exact split gives %s",
			b.ID, money.Format(b.CommissionAmount), money.Format(recomputed.CommissionAmount))
	} else {
		d.ID = "DISC-CD-" + b.ID
		d.Type = domain.DiscrepancyCommissionDrift
		d.Severity = atLeast(s.thresholds(b.EstablishmentID).Severity(diff), domain.SeverityMedium)
		d.Description = fmt.Sprintf("Booking %s: stored commission %s, %s%% + %s on %s gives %s",
			b.ID, money.Format(b.CommissionAmount), snap.RatePercent.String(),
			money.Format(snap.FixedFee), money.Format(b.GrossAmount), money.Format(recomputed.CommissionAmount))
	}
	return append(out, d), nil
}

func invalidBooking(b *domain.Booking, cause error, now time.Time) domain.Discrepancy {
	return domain.Discrepancy{
		ID:              "DISC-IA-" + b.ID,
		Type:            domain.DiscrepancyInvalidAmount,
		BookingID:       b.ID,
		EstablishmentID: b.EstablishmentID,
		Expected:        decimal.Zero,
		Actual:          decimal.Zero,
		Difference:      decimal.Zero,
		Currency:        b.Currency,
		Severity:        domain.SeverityHigh,
		Description:     fmt.Sprintf("Booking %s could not be audited: %v", b.ID, cause),
		DetectedAt:      now,
	}
}
