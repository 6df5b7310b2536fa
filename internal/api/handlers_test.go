package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/config"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/ingestion"
	"github.com/selfkey/settlement/internal/logging"
	"github.com/selfkey/settlement/internal/metrics"
	"github.com/selfkey/settlement/internal/money"
	"github.com/selfkey/settlement/internal/reconciliation"
	"github.com/selfkey/settlement/internal/repository"
)

type testEnv struct {
	router   http.Handler
	bookings *repository.BookingRepo
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ests := repository.NewEstablishmentRepo(db)
	bookings := repository.NewBookingRepo(db)
	records := repository.NewSettlementRepo(db)
	discs := repository.NewDiscrepancyRepo(db)

	recon := reconciliation.NewService(bookings, records, discs, reconciliation.Options{
		SettlementWindow: 48 * time.Hour,
		Thresholds:       config.DefaultReconcile(),
	}, log, m)

	deps := Deps{
		DB:             db,
		Establishments: ests,
		Bookings:       bookings,
		Records:        records,
		Discrepancies:  discs,
		BookingSvc:     booking.NewService(ests, bookings, log, m),
		Ingestion:      ingestion.NewService(records, recon, log, m),
		Reconciliation: recon,
		Gatherer:       reg,
		Logger:         log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testEnv{router: NewRouter(deps), bookings: bookings}
}

func (env *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, want, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	var resp errorResponse
	decodeBody(t, rr, &resp)
	if resp.Error != code {
		t.Errorf("error = %q, want %q (%s)", resp.Error, code, resp.Message)
	}
}

func (env *testEnv) createEstablishment(t *testing.T, id string) {
	t.Helper()
	rr := env.doJSON(t, http.MethodPost, "/api/v1/establishments", map[string]any{
		"id":                      id,
		"name":                    "Camping Seeblick",
		"kind":                    "camping",
		"currency":                "chf",
		"commission_rate_percent": "8.5",
		"fixed_fee":               "3.50",
		"connected_account_id":    "acct_" + id,
	})
	expectStatus(t, rr, http.StatusCreated)
}

type confirmationResponse struct {
	Booking    domain.Booking         `json:"booking"`
	Commission money.CommissionResult `json:"commission"`
	Handoff    booking.ChargeHandoff  `json:"handoff"`
}

func (env *testEnv) confirm(t *testing.T, establishmentID, ref, gross string) confirmationResponse {
	t.Helper()
	rr := env.doJSON(t, http.MethodPost, "/api/v1/bookings", map[string]any{
		"establishment_id": establishmentID,
		"reference":        ref,
		"gross_amount":     gross,
	})
	expectStatus(t, rr, http.StatusCreated)
	var conf confirmationResponse
	decodeBody(t, rr, &conf)
	return conf
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	env.createEstablishment(t, "est-1")
	env.confirm(t, "est-1", "R-1", "156.78")

	rr = env.doJSON(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `selfkey_settlement_commission_minor_units_total{currency="CHF"} 1683`) {
		t.Errorf("metrics output missing commission counter:\n%s", rr.Body.String())
	}
}

func TestEstablishments(t *testing.T) {
	env := newTestEnv(t)
	env.createEstablishment(t, "est-1")

	rr := env.doJSON(t, http.MethodGet, "/api/v1/establishments/est-1", nil)
	expectStatus(t, rr, http.StatusOK)
	var est domain.Establishment
	decodeBody(t, rr, &est)
	if est.Currency != "CHF" || !est.CommissionRatePercent.Equal(decimal.RequireFromString("8.5")) {
		t.Errorf("establishment = %+v", est)
	}

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"duplicate", map[string]any{"id": "est-1", "name": "x", "kind": "hotel", "currency": "CHF",
			"commission_rate_percent": "5", "fixed_fee": "0"}, http.StatusConflict, "duplicate"},
		{"negative rate", map[string]any{"name": "x", "kind": "hotel", "currency": "CHF",
			"commission_rate_percent": "-1", "fixed_fee": "0"}, http.StatusUnprocessableEntity, "invalid_rate"},
		{"fee with three digits", map[string]any{"name": "x", "kind": "hotel", "currency": "CHF",
			"commission_rate_percent": "5", "fixed_fee": "0.125"}, http.StatusUnprocessableEntity, "invalid_amount"},
		{"unknown kind", map[string]any{"name": "x", "kind": "castle", "currency": "CHF",
			"commission_rate_percent": "5", "fixed_fee": "0"}, http.StatusBadRequest, "invalid_request"},
		{"unsupported currency", map[string]any{"name": "x", "kind": "hotel", "currency": "USD",
			"commission_rate_percent": "5", "fixed_fee": "0"}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", map[string]any{"name": "x", "vat": "7.7"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doJSON(t, http.MethodPost, "/api/v1/establishments", tt.body)
			expectError(t, rr, tt.status, tt.code)
		})
	}

	rr = env.doJSON(t, http.MethodGet, "/api/v1/establishments/nope", nil)
	expectError(t, rr, http.StatusNotFound, "not_found")
}

func TestConfirmBooking(t *testing.T) {
	env := newTestEnv(t)
	env.createEstablishment(t, "est-1")

	conf := env.confirm(t, "est-1", "R-1", "156.78")
	if !conf.Booking.CommissionAmount.Equal(decimal.RequireFromString("16.83")) ||
		!conf.Booking.NetAmount.Equal(decimal.RequireFromString("139.95")) {
		t.Errorf("split = %s/%s, want 16.83/139.95", conf.Booking.CommissionAmount, conf.Booking.NetAmount)
	}
	want := booking.ChargeHandoff{AmountMinorUnits: 15678, ApplicationFeeMinorUnits: 1683, Currency: "chf", Destination: "acct_est-1"}
	if conf.Handoff != want {
		t.Errorf("handoff = %+v, want %+v", conf.Handoff, want)
	}

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"negative gross", map[string]any{"establishment_id": "est-1", "reference": "R-2", "gross_amount": "-5"},
			http.StatusUnprocessableEntity, "invalid_amount"},
		{"sub-minor gross", map[string]any{"establishment_id": "est-1", "reference": "R-3", "gross_amount": "100.005"},
			http.StatusUnprocessableEntity, "invalid_amount"},
		{"missing reference", map[string]any{"establishment_id": "est-1", "gross_amount": "10"},
			http.StatusBadRequest, "invalid_request"},
		{"unknown establishment", map[string]any{"establishment_id": "nope", "reference": "R-4", "gross_amount": "10"},
			http.StatusNotFound, "not_found"},
		{"duplicate reference", map[string]any{"establishment_id": "est-1", "reference": "R-1", "gross_amount": "10"},
			http.StatusConflict, "duplicate"},
		{"malformed amount", map[string]any{"establishment_id": "est-1", "reference": "R-5", "gross_amount": "12,50"},
			http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doJSON(t, http.MethodPost, "/api/v1/bookings", tt.body)
			expectError(t, rr, tt.status, tt.code)
		})
	}

	rr := env.doJSON(t, http.MethodGet, "/api/v1/bookings?establishment_id=est-1", nil)
	expectStatus(t, rr, http.StatusOK)
	var list struct {
		Total int `json:"total"`
	}
	decodeBody(t, rr, &list)
	if list.Total != 1 {
		t.Errorf("total = %d, want 1", list.Total)
	}
}

func TestCommissionChangeIsNotRetroactive(t *testing.T) {
	env := newTestEnv(t)
	env.createEstablishment(t, "est-1")
	before := env.confirm(t, "est-1", "R-1", "100.00")

	rr := env.doJSON(t, http.MethodPut, "/api/v1/establishments/est-1/commission",
		map[string]any{"rate_percent": "20", "fixed_fee": "0"})
	expectStatus(t, rr, http.StatusOK)

	after := env.confirm(t, "est-1", "R-2", "100.00")
	if !after.Booking.CommissionAmount.Equal(decimal.RequireFromString("20.00")) {
		t.Errorf("new booking commission = %s, want 20.00", after.Booking.CommissionAmount)
	}

	rr = env.doJSON(t, http.MethodGet, "/api/v1/bookings/"+before.Booking.ID, nil)
	expectStatus(t, rr, http.StatusOK)
	var got struct {
		Booking domain.Booking `json:"booking"`
	}
	decodeBody(t, rr, &got)
	if !got.Booking.CommissionAmount.Equal(decimal.RequireFromString("12.00")) ||
		!got.Booking.CommissionRatePercent.Equal(decimal.RequireFromString("8.5")) {
		t.Errorf("old booking = %s at %s%%, want 12.00 at 8.5%%", got.Booking.CommissionAmount, got.Booking.CommissionRatePercent)
	}

	rr = env.doJSON(t, http.MethodPut, "/api/v1/establishments/est-1/commission",
		map[string]any{"rate_percent": "101", "fixed_fee": "0"})
	expectError(t, rr, http.StatusUnprocessableEntity, "invalid_rate")
	rr = env.doJSON(t, http.MethodPut, "/api/v1/establishments/nope/commission",
		map[string]any{"rate_percent": "5", "fixed_fee": "0"})
	expectError(t, rr, http.StatusNotFound, "not_found")
}

func TestQuoteCommission(t *testing.T) {
	env := newTestEnv(t)
	env.createEstablishment(t, "est-1")

	rr := env.doJSON(t, http.MethodPost, "/api/v1/commission/quote",
		map[string]any{"gross_amount": "156.78", "commission_rate_percent": "8.5", "fixed_fee": "3.50"})
	expectStatus(t, rr, http.StatusOK)
	var res money.CommissionResult
	decodeBody(t, rr, &res)
	if res.CommissionMinorUnits != 1683 || !res.PercentagePart.Equal(decimal.RequireFromString("13.33")) {
		t.Errorf("quote = %+v", res)
	}

	rr = env.doJSON(t, http.MethodPost, "/api/v1/commission/quote",
		map[string]any{"establishment_id": "est-1", "gross_amount": "0"})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &res)
	if !res.NetAmount.Equal(decimal.RequireFromString("-3.50")) {
		t.Errorf("zero-gross net = %s, want -3.50", res.NetAmount)
	}

	rr = env.doJSON(t, http.MethodPost, "/api/v1/commission/quote",
		map[string]any{"gross_amount": "10", "commission_rate_percent": "-2"})
	expectError(t, rr, http.StatusUnprocessableEntity, "invalid_rate")

	rr = env.doJSON(t, http.MethodPost, "/api/v1/commission/quote", map[string]any{"gross_amount": "10"})
	expectError(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestChargeAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.createEstablishment(t, "est-1")
	conf := env.confirm(t, "est-1", "R-1", "156.78")
	path := "/api/v1/bookings/" + conf.Booking.ID

	rr := env.doJSON(t, http.MethodPost, path+"/charge", map[string]any{"charge_id": "ch_1"})
	expectStatus(t, rr, http.StatusOK)

	rr = env.doJSON(t, http.MethodPost, path+"/charge", map[string]any{"charge_id": "ch_2"})
	expectError(t, rr, http.StatusConflict, "conflict")

	rr = env.doJSON(t, http.MethodPost, path+"/cancel", nil)
	expectStatus(t, rr, http.StatusOK)
	var b domain.Booking
	decodeBody(t, rr, &b)
	if b.Status != domain.BookingCancelled || !b.CommissionAmount.Equal(decimal.RequireFromString("16.83")) {
		t.Errorf("cancelled booking = %s %s", b.Status, b.CommissionAmount)
	}

	rr = env.doJSON(t, http.MethodPost, path+"/cancel", nil)
	expectError(t, rr, http.StatusConflict, "conflict")
	rr = env.doJSON(t, http.MethodPost, "/api/v1/bookings/nope/cancel", nil)
	expectError(t, rr, http.StatusNotFound, "not_found")
}

func (env *testEnv) ingest(t *testing.T, format, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("processor", "stripe")
	_ = mw.WriteField("format", format)
	fw, err := mw.CreateFormFile("file", "report.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func TestIngestAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	env.createEstablishment(t, "est-1")
	conf := env.confirm(t, "est-1", "R-1", "156.78")
	rr := env.doJSON(t, http.MethodPost, "/api/v1/bookings/"+conf.Booking.ID+"/charge", map[string]any{"charge_id": "ch_1"})
	expectStatus(t, rr, http.StatusOK)

	report := "charge_id,account,available_on,gross_minor,application_fee_minor,processor_fee_minor,net_minor,currency,payout_id\n" +
		"ch_1,acct_est-1,2024-07-03,15678,1683,485,13510,CHF,po_1\n" +
		"ch_x,acct_other,2024-07-03,5000,500,175,4325,CHF,po_1\n"

	rr = env.ingest(t, "csv", report)
	expectStatus(t, rr, http.StatusCreated)
	var res ingestion.IngestResult
	decodeBody(t, rr, &res)
	if res.RecordsIngested != 2 || res.DiscrepanciesDetected != 1 {
		t.Errorf("ingest = %+v, want 2 records 1 discrepancy", res)
	}

	rr = env.ingest(t, "csv", report)
	expectStatus(t, rr, http.StatusOK)

	rr = env.ingest(t, "xlsx", report+"\n")
	expectError(t, rr, http.StatusBadRequest, "invalid_request")
	rr = env.ingest(t, "json", "not json")
	expectError(t, rr, http.StatusUnprocessableEntity, "invalid_report")

	b, err := env.bookings.GetByID(context.Background(), conf.Booking.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if b.Status != domain.BookingSettled || b.ObservedProcessorFee == nil || !b.ObservedProcessorFee.Equal(decimal.RequireFromString("4.85")) {
		t.Errorf("booking after settlement = %s fee %v", b.Status, b.ObservedProcessorFee)
	}

	rr = env.doJSON(t, http.MethodGet, "/api/v1/records?matched=false", nil)
	expectStatus(t, rr, http.StatusOK)
	var records struct {
		Records []domain.ProcessorRecord `json:"records"`
		Total   int                      `json:"total"`
	}
	decodeBody(t, rr, &records)
	if records.Total != 1 || records.Records[0].ChargeID != "ch_x" {
		t.Errorf("unmatched records = %+v", records)
	}

	rr = env.doJSON(t, http.MethodGet, "/api/v1/discrepancies?type=ORPHANED_RECORD", nil)
	expectStatus(t, rr, http.StatusOK)
	var discs struct {
		Total  int               `json:"total"`
		Impact map[string]string `json:"impact"`
	}
	decodeBody(t, rr, &discs)
	if discs.Total != 1 || discs.Impact["CHF"] != "50.00" {
		t.Errorf("discrepancies = %+v", discs)
	}

	rr = env.doJSON(t, http.MethodPost, "/api/v1/reconciliation/run", nil)
	expectStatus(t, rr, http.StatusOK)
	var run reconciliation.Result
	decodeBody(t, rr, &run)
	if run.TotalDiscrepancies != 1 || run.OrphanedRecords != 1 {
		t.Errorf("run = %+v", run)
	}

	rr = env.doJSON(t, http.MethodPost, "/api/v1/reconciliation/audit", nil)
	expectStatus(t, rr, http.StatusOK)
	var audit reconciliation.AuditResult
	decodeBody(t, rr, &audit)
	if audit.Audited != 1 || audit.Inserted != 0 {
		t.Errorf("audit = %+v", audit)
	}

	rr = env.doJSON(t, http.MethodGet, "/api/v1/dashboard", nil)
	expectStatus(t, rr, http.StatusOK)
	var dash struct {
		ByCurrency []currencyVolume `json:"by_currency"`
		Records    int              `json:"processor_records"`
	}
	decodeBody(t, rr, &dash)
	if len(dash.ByCurrency) != 1 || dash.ByCurrency[0].Commission != "16.83" || dash.ByCurrency[0].Settled != 1 || dash.Records != 2 {
		t.Errorf("dashboard = %+v", dash)
	}

	rr = env.doJSON(t, http.MethodGet, "/api/v1/discrepancies/summary", nil)
	expectStatus(t, rr, http.StatusOK)
	var summary repository.DiscrepancySummary
	decodeBody(t, rr, &summary)
	if summary.TotalCount != 1 || summary.ImpactMinorUnits["CHF"] != 5000 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestDashboardCache(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.DashboardTTL = time.Hour })
	env.createEstablishment(t, "est-1")
	first := env.confirm(t, "est-1", "R-1", "100.00")

	dashboard := func() currencyVolume {
		t.Helper()
		rr := env.doJSON(t, http.MethodGet, "/api/v1/dashboard", nil)
		expectStatus(t, rr, http.StatusOK)
		var dash struct {
			ByCurrency []currencyVolume `json:"by_currency"`
		}
		decodeBody(t, rr, &dash)
		if len(dash.ByCurrency) != 1 {
			t.Fatalf("by_currency = %+v", dash.ByCurrency)
		}
		return dash.ByCurrency[0]
	}

	if got := dashboard().Bookings; got != 1 {
		t.Fatalf("bookings = %d, want 1", got)
	}

	// A write through the API drops the cached dashboard.
	env.confirm(t, "est-1", "R-2", "50.00")
	if got := dashboard().Bookings; got != 2 {
		t.Fatalf("bookings after confirm = %d, want 2", got)
	}

	// A change made behind the API stays hidden until the entry expires.
	if err := env.bookings.Cancel(context.Background(), first.Booking.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := dashboard().Cancelled; got != 0 {
		t.Errorf("cached cancelled = %d, want 0", got)
	}
}

func TestWriteThrottle(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.WriteRate = 0.001
		d.WriteBurst = 1
	})

	rr := env.doJSON(t, http.MethodPost, "/api/v1/reconciliation/run", nil)
	expectStatus(t, rr, http.StatusOK)

	rr = env.doJSON(t, http.MethodPost, "/api/v1/reconciliation/audit", nil)
	expectError(t, rr, http.StatusTooManyRequests, "rate_limited")
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// Reads are never throttled.
	rr = env.doJSON(t, http.MethodGet, "/api/v1/discrepancies", nil)
	expectStatus(t, rr, http.StatusOK)
}
