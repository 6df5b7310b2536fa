package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
	"github.com/selfkey/settlement/internal/seed"
)

var (
	processorRate = decimal.RequireFromString("2.9")
	processorFee  = decimal.RequireFromString("0.30")
)

// charge is a seeded booking as the processor would report it.
type charge struct {
	ChargeID string
	Account  string
	Currency string
	Gross    int64
	AppFee   int64
	Created  time.Time
}

// reportRow is one balance line in minor units.
type reportRow struct {
	ChargeID     string
	Account      string
	Currency     string
	Gross        int64
	AppFee       int64
	ProcessorFee int64
	Net          int64
	Created      time.Time
}

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	// Bookings between 2024-07-01 and 2024-07-14, paid out on 2024-07-17.
	startDate := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	availableOn := time.Date(2024, 7, 17, 0, 0, 0, 0, time.UTC)

	establishments := []domain.Establishment{
		newEstablishment("EST-001", "Hotel Alpenblick", domain.KindHotel, "CHF", "8.5", "3.50", "acct_1PalpenblickCH"),
		newEstablishment("EST-002", "Camping Seeufer", domain.KindCamping, "CHF", "12", "0", "acct_1PseeuferCH"),
		newEstablishment("EST-003", "Parkhaus Altstadt", domain.KindParking, "CHF", "5", "2.00", "acct_1PaltstadtCH"),
		newEstablishment("EST-004", "Gasthof zur Post", domain.KindHotel, "EUR", "10", "0", "acct_1PzurpostAT"),
		newEstablishment("EST-005", "Campingplatz Waldrand", domain.KindCamping, "EUR", "7.25", "1.00", "acct_1PwaldrandDE"),
		newEstablishment("EST-006", "Park & Ride Nord", domain.KindParking, "EUR", "15", "0.50", "acct_1PparknordDE"),
	}

	var bookings []seed.Booking
	var charges []charge

	for i := 1; i <= 120; i++ {
		est := establishments[rng.Intn(len(establishments))]
		created := startDate.Add(time.Duration(rng.Intn(14*24*60)) * time.Minute)

		req := booking.ConfirmRequest{
			EstablishmentID: est.ID,
			Reference:       fmt.Sprintf("SK-2024-%04d", i),
			GuestEmail:      fmt.Sprintf("guest%03d@example.com", i),
		}

		var gross decimal.Decimal
		if rng.Float64() < 0.5 {
			req.LineItems = lineItems(rng, est.Kind)
			gross = lineTotal(req.LineItems)
		} else {
			// 20.00 to 800.00 in minor units.
			g := money.FromMinorUnits(2000 + rng.Int63n(78001))
			req.GrossAmount = &g
			gross = g
		}

		b := seed.Booking{ConfirmRequest: req}

		// 5% of bookings are confirmed but never charged.
		if rng.Float64() >= 0.05 {
			b.ChargeID = fmt.Sprintf("ch_3P%06d", i)
			res, err := money.CalculateCommission(gross, est.CommissionRatePercent, est.FixedFee)
			if err != nil {
				panic(err)
			}
			charges = append(charges, charge{
				ChargeID: b.ChargeID,
				Account:  est.ConnectedAccountID,
				Currency: est.Currency,
				Gross:    res.AmountMinorUnits,
				AppFee:   res.CommissionMinorUnits,
				Created:  created,
			})
		}
		bookings = append(bookings, b)
	}

	writeJSONFile(filepath.Join(baseDir, "seed.json"), seed.File{
		Establishments: establishments,
		Bookings:       bookings,
	})
	fmt.Printf("Generated %d establishments and %d bookings -> seed.json\n", len(establishments), len(bookings))

	// Each charge appears in exactly one of the three exports.
	var parts [3][]charge
	for i, c := range charges {
		parts[i%3] = append(parts[i%3], c)
	}

	generateBalanceCSV(rng, parts[0], availableOn, baseDir, "stripe_balance.csv", ',', "po_1PcommaA")
	generateBalanceCSV(rng, parts[1], availableOn, baseDir, "stripe_balance_pipe.csv", '|', "po_1PpipeB")
	generateBalanceJSON(rng, parts[2], availableOn, baseDir, "stripe_balance.json", "po_1PjsonC")

	fmt.Println("Test data generation complete.")
}

func newEstablishment(id, name string, kind domain.EstablishmentKind, cur, rate, fee, account string) domain.Establishment {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return domain.Establishment{
		ID:                    id,
		Name:                  name,
		Kind:                  kind,
		Currency:              cur,
		CommissionRatePercent: decimal.RequireFromString(rate),
		FixedFee:              decimal.RequireFromString(fee),
		ConnectedAccountID:    account,
		CreatedAt:             created,
		UpdatedAt:             created,
	}
}

func lineItems(rng *rand.Rand, kind domain.EstablishmentKind) []booking.LineItem {
	nights := int64(1 + rng.Intn(7))
	guests := int64(1 + rng.Intn(4))
	switch kind {
	case domain.KindParking:
		return []booking.LineItem{
			{Description: "parking day", UnitPrice: money.FromMinorUnits(800 + rng.Int63n(2200)), Quantity: nights},
		}
	case domain.KindCamping:
		return []booking.LineItem{
			{Description: "pitch per night", UnitPrice: money.FromMinorUnits(1800 + rng.Int63n(2500)), Quantity: nights},
			{Description: "adult per night", UnitPrice: money.FromMinorUnits(650 + rng.Int63n(400)), Quantity: nights * guests},
			{Description: "tourist tax", UnitPrice: decimal.RequireFromString("2.50"), Quantity: nights * guests},
		}
	default:
		return []booking.LineItem{
			{Description: "room per night", UnitPrice: money.FromMinorUnits(8990 + rng.Int63n(15000)), Quantity: nights},
			{Description: "tourist tax", UnitPrice: decimal.RequireFromString("3.50"), Quantity: nights * guests},
		}
	}
}

func lineTotal(items []booking.LineItem) decimal.Decimal {
	lines := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		line, err := money.MultiplyInt(item.UnitPrice, item.Quantity)
		if err != nil {
			panic(err)
		}
		lines = append(lines, line)
	}
	total, err := money.Add(lines...)
	if err != nil {
		panic(err)
	}
	return total
}

// reportRows turns charges into balance lines with the usual anomalies:
// 8% missing, 3% application fee off by one minor unit, 3% gross
// mismatch, and two orphaned charges at the top of the file.
func reportRows(rng *rand.Rand, charges []charge, prefix string) []reportRow {
	var rows []reportRow
	for i, c := range charges {
		roll := rng.Float64()
		if roll > 0.92 {
			continue
		}

		row := reportRow{
			ChargeID: c.ChargeID,
			Account:  c.Account,
			Currency: strings.ToLower(c.Currency),
			Gross:    c.Gross,
			AppFee:   c.AppFee,
			Created:  c.Created,
		}
		switch {
		case roll > 0.89:
			row.AppFee++
		case roll > 0.86:
			// The processor charged 3-5% more than the booking total.
			row.Gross += row.Gross * int64(3+rng.Intn(3)) / 100
		}
		if i < 2 {
			row.ChargeID = fmt.Sprintf("ch_orphan_%s_%03d", prefix, i+1)
		}

		row.ProcessorFee = stripeFee(row.Gross)
		row.Net = row.Gross - row.AppFee - row.ProcessorFee
		rows = append(rows, row)
	}
	return rows
}

func stripeFee(grossMinor int64) int64 {
	pct, err := money.PercentageOf(money.FromMinorUnits(grossMinor), processorRate)
	if err != nil {
		panic(err)
	}
	fee, err := money.Add(pct, processorFee)
	if err != nil {
		panic(err)
	}
	units, err := money.ToMinorUnits(fee)
	if err != nil {
		panic(err)
	}
	return units
}

func generateBalanceCSV(rng *rand.Rand, charges []charge, availableOn time.Time, baseDir, name string, comma rune, payoutID string) {
	f, err := os.Create(filepath.Join(baseDir, name))
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = comma
	defer w.Flush()

	w.Write([]string{
		"charge_id", "account", "available_on", "gross_minor", "application_fee_minor",
		"processor_fee_minor", "net_minor", "currency", "payout_id",
	})

	rows := reportRows(rng, charges, strings.TrimSuffix(name, filepath.Ext(name)))
	for _, r := range rows {
		w.Write([]string{
			r.ChargeID,
			r.Account,
			availableOn.Format("2006-01-02"),
			strconv.FormatInt(r.Gross, 10),
			strconv.FormatInt(r.AppFee, 10),
			strconv.FormatInt(r.ProcessorFee, 10),
			strconv.FormatInt(r.Net, 10),
			r.Currency,
			payoutID,
		})
	}

	fmt.Printf("Generated %d balance rows -> %s\n", len(rows), name)
}

func generateBalanceJSON(rng *rand.Rand, charges []charge, availableOn time.Time, baseDir, name, payoutID string) {
	type entry struct {
		Charge         string `json:"charge"`
		Account        string `json:"account"`
		Amount         int64  `json:"amount"`
		ApplicationFee int64  `json:"application_fee"`
		Fee            int64  `json:"fee"`
		Net            int64  `json:"net"`
		Currency       string `json:"currency"`
		Created        int64  `json:"created"`
	}

	type fileFormat struct {
		PayoutID    string  `json:"payout_id"`
		AvailableOn int64   `json:"available_on"`
		Records     []entry `json:"records"`
	}

	rows := reportRows(rng, charges, "json")
	entries := make([]entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, entry{
			Charge:         r.ChargeID,
			Account:        r.Account,
			Amount:         r.Gross,
			ApplicationFee: r.AppFee,
			Fee:            r.ProcessorFee,
			Net:            r.Net,
			Currency:       r.Currency,
			Created:        r.Created.Unix(),
		})
	}

	writeJSONFile(filepath.Join(baseDir, name), fileFormat{
		PayoutID:    payoutID,
		AvailableOn: availableOn.Unix(),
		Records:     entries,
	})
	fmt.Printf("Generated %d balance records -> %s\n", len(entries), name)
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "."} {
		if info, err := os.Stat(filepath.Join(c, "generate")); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
