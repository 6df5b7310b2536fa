package money

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// CommissionResult is the split of one guest charge between the platform and
// the establishment. GrossAmount == CommissionAmount + NetAmount exactly.
type CommissionResult struct {
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	PercentagePart   decimal.Decimal `json:"percentage_part"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	NetAmount        decimal.Decimal `json:"net_amount"`

	// Minor units for the processor's connected-account charge.
	AmountMinorUnits     int64 `json:"amount_minor_units"`
	CommissionMinorUnits int64 `json:"commission_minor_units"`
}

// CalculateCommission splits grossAmount into the platform commission
// (ratePercent of gross, rounded, plus fixedFee) and the owner payout.
//
// The percentage term is rounded once before the fixed fee is added; the net
// is an integer subtraction so the split always sums back to gross. The net
// may be negative when the fixed fee exceeds the gross.
func CalculateCommission(grossAmount, ratePercent, fixedFee decimal.Decimal) (CommissionResult, error) {
	if err := checkRate(ratePercent); err != nil {
		return CommissionResult{}, err
	}
	if _, err := requireMoney("gross amount", grossAmount); err != nil {
		return CommissionResult{}, err
	}
	if _, err := requireMoney("fixed fee", fixedFee); err != nil {
		return CommissionResult{}, err
	}

	percentagePart, err := PercentageOf(grossAmount, ratePercent)
	if err != nil {
		return CommissionResult{}, err
	}
	commission, err := Add(percentagePart, fixedFee)
	if err != nil {
		return CommissionResult{}, err
	}
	net, err := Sub(grossAmount, commission)
	if err != nil {
		return CommissionResult{}, err
	}

	amountMinor, err := ToMinorUnits(grossAmount)
	if err != nil {
		return CommissionResult{}, err
	}
	commissionMinor, err := ToMinorUnits(commission)
	if err != nil {
		return CommissionResult{}, err
	}

	return CommissionResult{
		GrossAmount:          FromMinorUnits(amountMinor),
		PercentagePart:       percentagePart,
		CommissionAmount:     commission,
		NetAmount:            net,
		AmountMinorUnits:     amountMinor,
		CommissionMinorUnits: commissionMinor,
	}, nil
}

// MarshalJSON writes every amount with two fractional digits.
func (r CommissionResult) MarshalJSON() ([]byte, error) {
	type plain CommissionResult
	return json.Marshal(struct {
		plain
		GrossAmount      string `json:"gross_amount"`
		PercentagePart   string `json:"percentage_part"`
		CommissionAmount string `json:"commission_amount"`
		NetAmount        string `json:"net_amount"`
	}{
		plain:            plain(r),
		GrossAmount:      Format(r.GrossAmount),
		PercentagePart:   Format(r.PercentagePart),
		CommissionAmount: Format(r.CommissionAmount),
		NetAmount:        Format(r.NetAmount),
	})
}

// NetMinorUnits is what the connected account receives before processor fees.
func (r CommissionResult) NetMinorUnits() int64 {
	return r.AmountMinorUnits - r.CommissionMinorUnits
}

// ExceedsGross reports a commission larger than the charge, which happens
// when a fixed fee is configured on a near-zero booking.
func (r CommissionResult) ExceedsGross() bool {
	return r.CommissionAmount.GreaterThan(r.GrossAmount)
}

// Verify checks that the major-unit split sums exactly and that the
// minor-unit fields agree with an independent conversion of each amount.
func (r CommissionResult) Verify() error {
	return VerifySplit(r.GrossAmount, r.CommissionAmount, r.NetAmount, r.AmountMinorUnits, r.CommissionMinorUnits)
}

// VerifySplit is Verify for amounts read back from storage.
func VerifySplit(gross, commission, net decimal.Decimal, amountMinor, commissionMinor int64) error {
	g, err := ToMinorUnitsExact(gross)
	if err != nil {
		return err
	}
	c, err := ToMinorUnitsExact(commission)
	if err != nil {
		return err
	}
	n, err := ToMinorUnitsExact(net)
	if err != nil {
		return err
	}
	if c+n != g {
		return fmt.Errorf("%w: %s + %s != %s", ErrSplitMismatch, Format(commission), Format(net), Format(gross))
	}
	if amountMinor != g || commissionMinor != c {
		return fmt.Errorf("%w: minor units %d/%d do not match %d/%d",
			ErrSplitMismatch, amountMinor, commissionMinor, g, c)
	}
	return nil
}

// LegacyCommission reproduces the float formula older bookings were persisted
// with: Math.round((gross*rate/100 + fixedFee) * 100) / 100 evaluated in
// binary floating point. It is only used to explain historical drift.
func LegacyCommission(grossAmount, ratePercent, fixedFee decimal.Decimal) (decimal.Decimal, error) {
	if err := checkRate(ratePercent); err != nil {
		return decimal.Zero, err
	}
	if _, err := requireMoney("gross amount", grossAmount); err != nil {
		return decimal.Zero, err
	}
	if _, err := requireMoney("fixed fee", fixedFee); err != nil {
		return decimal.Zero, err
	}
	g, _ := grossAmount.Float64()
	r, _ := ratePercent.Float64()
	f, _ := fixedFee.Float64()
	units := math.Floor((g*r/100+f)*100 + 0.5)
	if math.IsNaN(units) || math.IsInf(units, 0) || units > math.MaxInt64/2 {
		return decimal.Zero, fmt.Errorf("%w: legacy commission out of range", ErrInvalidAmount)
	}
	return FromMinorUnits(int64(units)), nil
}
