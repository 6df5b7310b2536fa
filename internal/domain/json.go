package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/money"
)

// Amounts are written with exactly two fractional digits ("16.80", not
// "16.8"). Rates keep their own precision. Decoding uses the default
// decimal parsing, which accepts both forms.

func formatOptional(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := money.Format(*d)
	return &s
}

func (b Booking) MarshalJSON() ([]byte, error) {
	type plain Booking
	return json.Marshal(struct {
		plain
		GrossAmount            string  `json:"gross_amount"`
		CommissionAmount       string  `json:"commission_amount"`
		NetAmount              string  `json:"net_amount"`
		FixedFee               string  `json:"fixed_fee"`
		ObservedProcessorFee   *string `json:"observed_processor_fee,omitempty"`
		ObservedApplicationFee *string `json:"observed_application_fee,omitempty"`
	}{
		plain:                  plain(b),
		GrossAmount:            money.Format(b.GrossAmount),
		CommissionAmount:       money.Format(b.CommissionAmount),
		NetAmount:              money.Format(b.NetAmount),
		FixedFee:               money.Format(b.FixedFee),
		ObservedProcessorFee:   formatOptional(b.ObservedProcessorFee),
		ObservedApplicationFee: formatOptional(b.ObservedApplicationFee),
	})
}

func (r ProcessorRecord) MarshalJSON() ([]byte, error) {
	type plain ProcessorRecord
	return json.Marshal(struct {
		plain
		GrossAmount    string `json:"gross_amount"`
		ApplicationFee string `json:"application_fee"`
		ProcessorFee   string `json:"processor_fee"`
		NetAmount      string `json:"net_amount"`
	}{
		plain:          plain(r),
		GrossAmount:    money.Format(r.GrossAmount),
		ApplicationFee: money.Format(r.ApplicationFee),
		ProcessorFee:   money.Format(r.ProcessorFee),
		NetAmount:      money.Format(r.NetAmount),
	})
}

func (d Discrepancy) MarshalJSON() ([]byte, error) {
	type plain Discrepancy
	return json.Marshal(struct {
		plain
		Expected   string `json:"expected"`
		Actual     string `json:"actual"`
		Difference string `json:"difference"`
	}{
		plain:      plain(d),
		Expected:   money.Format(d.Expected),
		Actual:     money.Format(d.Actual),
		Difference: money.Format(d.Difference),
	})
}

func (e Establishment) MarshalJSON() ([]byte, error) {
	type plain Establishment
	return json.Marshal(struct {
		plain
		FixedFee string `json:"fixed_fee"`
	}{
		plain:    plain(e),
		FixedFee: money.Format(e.FixedFee),
	})
}

func (c CommissionConfig) MarshalJSON() ([]byte, error) {
	type plain CommissionConfig
	return json.Marshal(struct {
		plain
		FixedFee string `json:"fixed_fee"`
	}{
		plain:    plain(c),
		FixedFee: money.Format(c.FixedFee),
	})
}
