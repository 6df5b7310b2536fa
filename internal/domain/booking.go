package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingSettled   BookingStatus = "settled"
	BookingCancelled BookingStatus = "cancelled"
)

// Booking carries the commission split computed at confirmation together
// with the rate and fee it was computed from. The split is never recomputed.
type Booking struct {
	ID                    string          `json:"id"`
	EstablishmentID       string          `json:"establishment_id"`
	Reference             string          `json:"reference"`
	GuestEmail            string          `json:"guest_email,omitempty"`
	Currency              string          `json:"currency"`
	GrossAmount           decimal.Decimal `json:"gross_amount"`
	CommissionAmount      decimal.Decimal `json:"commission_amount"`
	NetAmount             decimal.Decimal `json:"net_amount"`
	CommissionRatePercent decimal.Decimal `json:"commission_rate_percent"`
	FixedFee              decimal.Decimal `json:"fixed_fee"`
	AmountMinorUnits      int64           `json:"amount_minor_units"`
	CommissionMinorUnits  int64           `json:"commission_minor_units"`
	ProcessorChargeID     string          `json:"processor_charge_id,omitempty"`

	// Observed values from the processor's balance report. Nil until matched.
	ObservedProcessorFee   *decimal.Decimal `json:"observed_processor_fee,omitempty"`
	ObservedApplicationFee *decimal.Decimal `json:"observed_application_fee,omitempty"`

	Status      BookingStatus `json:"status"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
	SettledAt   *time.Time    `json:"settled_at,omitempty"`
}

func (b Booking) Snapshot() CommissionConfig {
	return CommissionConfig{RatePercent: b.CommissionRatePercent, FixedFee: b.FixedFee}
}
