package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/selfkey/settlement/internal/currency"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
)

// balanceFile is the JSON payout export: timestamps are unix seconds and
// amounts are integer minor units.
type balanceFile struct {
	PayoutID    string         `json:"payout_id"`
	AvailableOn int64          `json:"available_on"`
	Records     []balanceEntry `json:"records"`
}

type balanceEntry struct {
	Charge         string `json:"charge"`
	Account        string `json:"account"`
	Amount         *int64 `json:"amount"`
	ApplicationFee int64  `json:"application_fee"`
	Fee            int64  `json:"fee"`
	Net            *int64 `json:"net"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

// ParseBalanceJSON parses the JSON payout export.
func ParseBalanceJSON(data []byte, reportID string, processor domain.Processor) ([]domain.ProcessorRecord, string, error) {
	var file balanceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("unmarshal: %w", err)
	}
	if file.AvailableOn <= 0 {
		return nil, "", fmt.Errorf("available_on is required")
	}
	availableOn := time.Unix(file.AvailableOn, 0).UTC()

	records := make([]domain.ProcessorRecord, 0, len(file.Records))
	for i, entry := range file.Records {
		if entry.Charge == "" {
			return nil, "", fmt.Errorf("record %d: empty charge", i)
		}
		if entry.Amount == nil || entry.Net == nil {
			return nil, "", fmt.Errorf("record %d: amount and net are required", i)
		}
		cur := currency.Normalize(entry.Currency)
		if err := currency.Validate(cur); err != nil {
			return nil, "", fmt.Errorf("record %d: %w", i, err)
		}

		records = append(records, domain.ProcessorRecord{
			ID:                 recordID(processor, entry.Charge),
			ReportID:           reportID,
			Processor:          processor,
			ChargeID:           entry.Charge,
			ConnectedAccountID: entry.Account,
			GrossAmount:        money.FromMinorUnits(*entry.Amount),
			ApplicationFee:     money.FromMinorUnits(entry.ApplicationFee),
			ProcessorFee:       money.FromMinorUnits(entry.Fee),
			NetAmount:          money.FromMinorUnits(*entry.Net),
			Currency:           cur,
			AvailableOn:        availableOn,
			PayoutID:           file.PayoutID,
		})
	}
	return records, file.PayoutID, nil
}
