package ingestion

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/selfkey/settlement/internal/currency"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
)

var csvColumns = []string{
	"charge_id", "account", "available_on", "gross_minor", "application_fee_minor",
	"processor_fee_minor", "net_minor", "currency", "payout_id",
}

// ParseBalanceCSV parses a balance-transaction export with one row per
// destination charge. Amounts are integer minor units. Columns are located
// by header name, so extra columns and reordering are tolerated.
//
// Expected header:
//
//	charge_id,account,available_on,gross_minor,application_fee_minor,processor_fee_minor,net_minor,currency,payout_id
func ParseBalanceCSV(data []byte, reportID string, processor domain.Processor, delimiter rune) ([]domain.ProcessorRecord, string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, "", fmt.Errorf("read header: %w", err)
	}
	col, err := indexColumns(header)
	if err != nil {
		return nil, "", err
	}

	var records []domain.ProcessorRecord
	var payoutID string
	lineNum := 1

	for {
		lineNum++
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("line %d: %w", lineNum, err)
		}
		if isBlank(row) {
			continue
		}
		if len(row) < len(header) {
			return nil, "", fmt.Errorf("line %d: expected %d columns, got %d", lineNum, len(header), len(row))
		}
		field := func(name string) string { return strings.TrimSpace(row[col[name]]) }

		chargeID := field("charge_id")
		if chargeID == "" {
			return nil, "", fmt.Errorf("line %d: empty charge_id", lineNum)
		}

		var amounts [4]int64
		for i, name := range []string{"gross_minor", "application_fee_minor", "processor_fee_minor", "net_minor"} {
			amounts[i], err = strconv.ParseInt(field(name), 10, 64)
			if err != nil {
				return nil, "", fmt.Errorf("line %d %s: %w", lineNum, name, err)
			}
		}

		availableOn, err := parseDate(field("available_on"))
		if err != nil {
			return nil, "", fmt.Errorf("line %d available_on: %w", lineNum, err)
		}
		cur := currency.Normalize(field("currency"))
		if err := currency.Validate(cur); err != nil {
			return nil, "", fmt.Errorf("line %d: %w", lineNum, err)
		}

		payoutID = field("payout_id")
		records = append(records, domain.ProcessorRecord{
			ID:                 recordID(processor, chargeID),
			ReportID:           reportID,
			Processor:          processor,
			ChargeID:           chargeID,
			ConnectedAccountID: field("account"),
			GrossAmount:        money.FromMinorUnits(amounts[0]),
			ApplicationFee:     money.FromMinorUnits(amounts[1]),
			ProcessorFee:       money.FromMinorUnits(amounts[2]),
			NetAmount:          money.FromMinorUnits(amounts[3]),
			Currency:           cur,
			AvailableOn:        availableOn,
			PayoutID:           payoutID,
		})
	}

	return records, payoutID, nil
}

func indexColumns(header []string) (map[string]int, error) {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range csvColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return col, nil
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// recordID is derived from the charge so the same charge reported in two
// files is stored once.
func recordID(processor domain.Processor, chargeID string) string {
	return fmt.Sprintf("REC-%s-%s", processor, chargeID)
}
