package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Processor string

const ProcessorStripe Processor = "stripe"

// ProcessorReport is one ingested balance-transaction file.
type ProcessorReport struct {
	ID          string    `json:"id"`
	Processor   Processor `json:"processor"`
	PayoutID    string    `json:"payout_id"`
	ReportDate  time.Time `json:"report_date"`
	FileHash    string    `json:"file_hash"`
	RecordCount int       `json:"record_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// ProcessorRecord is the processor's view of one destination charge: what the
// guest paid, the application fee the platform kept and the processor's own fee.
type ProcessorRecord struct {
	ID                 string          `json:"id"`
	ReportID           string          `json:"report_id"`
	Processor          Processor       `json:"processor"`
	ChargeID           string          `json:"charge_id"`
	ConnectedAccountID string          `json:"connected_account_id"`
	BookingID          string          `json:"booking_id,omitempty"`
	GrossAmount        decimal.Decimal `json:"gross_amount"`
	ApplicationFee     decimal.Decimal `json:"application_fee"`
	ProcessorFee       decimal.Decimal `json:"processor_fee"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	Currency           string          `json:"currency"`
	AvailableOn        time.Time       `json:"available_on"`
	PayoutID           string          `json:"payout_id"`
}
