package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscrepancyType string

const (
	DiscrepancyMissingSettlement      DiscrepancyType = "MISSING_SETTLEMENT"
	DiscrepancyCommissionMismatch     DiscrepancyType = "COMMISSION_MISMATCH"
	DiscrepancyGrossMismatch          DiscrepancyType = "GROSS_MISMATCH"
	DiscrepancyOrphaned               DiscrepancyType = "ORPHANED_RECORD"
	DiscrepancyCommissionExceedsGross DiscrepancyType = "COMMISSION_EXCEEDS_GROSS"
	DiscrepancySplitInvariantBroken   DiscrepancyType = "SPLIT_INVARIANT_BROKEN"
	DiscrepancyLegacyRoundingDrift    DiscrepancyType = "LEGACY_ROUNDING_DRIFT"
	DiscrepancyCommissionDrift        DiscrepancyType = "COMMISSION_DRIFT"
	DiscrepancyInvalidAmount          DiscrepancyType = "INVALID_AMOUNT"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AtLeast orders severities LOW < MEDIUM < HIGH < CRITICAL.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

type Discrepancy struct {
	ID              string          `json:"id"`
	Type            DiscrepancyType `json:"type"`
	BookingID       string          `json:"booking_id,omitempty"`
	RecordID        string          `json:"record_id,omitempty"`
	EstablishmentID string          `json:"establishment_id,omitempty"`
	Expected        decimal.Decimal `json:"expected"`
	Actual          decimal.Decimal `json:"actual"`
	Difference      decimal.Decimal `json:"difference"`
	Currency        string          `json:"currency"`
	Severity        Severity        `json:"severity"`
	Description     string          `json:"description"`
	DetectedAt      time.Time       `json:"detected_at"`
}
