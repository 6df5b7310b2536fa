package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/selfkey/settlement/internal/currency"
	"github.com/selfkey/settlement/internal/money"
	"github.com/shopspring/decimal"
)

var ErrInvalidEstablishment = errors.New("invalid establishment")

type EstablishmentKind string

const (
	KindHotel   EstablishmentKind = "hotel"
	KindCamping EstablishmentKind = "camping"
	KindParking EstablishmentKind = "parking"
)

func (k EstablishmentKind) Valid() bool {
	switch k {
	case KindHotel, KindCamping, KindParking:
		return true
	}
	return false
}

var maxRatePercent = decimal.NewFromInt(100)

// Establishment is a hotel, campsite or parking operator taking bookings
// through the platform. Its commission settings apply to bookings confirmed
// after they change, never retroactively.
type Establishment struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Kind                  EstablishmentKind `json:"kind"`
	Currency              string            `json:"currency"`
	CommissionRatePercent decimal.Decimal   `json:"commission_rate_percent"`
	FixedFee              decimal.Decimal   `json:"fixed_fee"`
	ConnectedAccountID    string            `json:"connected_account_id"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// CommissionConfig is the rate and fee read once for a single booking.
type CommissionConfig struct {
	RatePercent decimal.Decimal `json:"rate_percent"`
	FixedFee    decimal.Decimal `json:"fixed_fee"`
}

func (e Establishment) Snapshot() CommissionConfig {
	return CommissionConfig{RatePercent: e.CommissionRatePercent, FixedFee: e.FixedFee}
}

func (e Establishment) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEstablishment)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEstablishment, e.Kind)
	}
	if err := currency.Validate(e.Currency); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEstablishment, err)
	}
	return e.Snapshot().Validate()
}

// Validate bounds the rate to [0, 100] and requires a non-negative fee in
// whole minor units.
func (c CommissionConfig) Validate() error {
	if c.RatePercent.IsNegative() || c.RatePercent.GreaterThan(maxRatePercent) {
		return fmt.Errorf("%w: %w: %s%% is outside [0, 100]", ErrInvalidEstablishment, money.ErrInvalidRate, c.RatePercent)
	}
	if c.FixedFee.IsNegative() || !money.IsValidMoneyAmount(c.FixedFee) {
		return fmt.Errorf("%w: %w: fixed fee %s", ErrInvalidEstablishment, money.ErrInvalidAmount, c.FixedFee)
	}
	return nil
}
