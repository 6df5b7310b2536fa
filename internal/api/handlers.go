package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/currency"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/ingestion"
	"github.com/selfkey/settlement/internal/money"
	"github.com/selfkey/settlement/internal/reconciliation"
	"github.com/selfkey/settlement/internal/repository"
)

// maxUploadBytes bounds a report upload.
const maxUploadBytes = 32 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	db             Pinger
	establishments *repository.EstablishmentRepo
	bookings       *repository.BookingRepo
	records        *repository.SettlementRepo
	discs          *repository.DiscrepancyRepo
	bookingSvc     *booking.Service
	ingestion      *ingestion.Service
	recon          *reconciliation.Service
	log            *slog.Logger
	now            func() time.Time
	// dashboard is nil when caching is disabled.
	dashboard *dashboardCache
}

// --- helpers ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("encode response", slog.Any("error", err))
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeServiceError maps domain and storage errors to HTTP responses.
// Money errors are checked first: they may be wrapped in request errors.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repository.ErrDuplicate):
		h.writeError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, repository.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, money.ErrSplitMismatch):
		h.log.ErrorContext(r.Context(), "split invariant violated", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "split_mismatch", err.Error())
	case errors.Is(err, money.ErrInvalidRate):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_rate", err.Error())
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrPrecisionLoss):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_amount", err.Error())
	case errors.Is(err, ingestion.ErrParse):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_report", err.Error())
	case errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidEstablishment),
		errors.Is(err, currency.ErrUnsupported),
		errors.Is(err, ingestion.ErrUnsupportedFormat),
		errors.Is(err, ingestion.ErrUnsupportedProcessor):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.log.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// decimal.Decimal reports unparsable amounts through the decoder.
		h.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func parseQueryTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseBool(s string) *bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &v
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- IngestReport ---

func (h *Handlers) IngestReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form: "+err.Error())
		return
	}

	processor := r.FormValue("processor")
	format := r.FormValue("format")
	if processor == "" || format == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "processor and format are required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "read file: "+err.Error())
		return
	}

	result, err := h.ingestion.IngestReport(r.Context(), data, processor, format)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.ReportID == ingestion.AlreadyIngested {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// --- ListRecords ---

func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RecordFilter{
		Processor: q.Get("processor"),
		Currency:  currency.Normalize(q.Get("currency")),
		Matched:   parseBool(q.Get("matched")),
		From:      parseQueryTime(q.Get("from")),
		To:        parseQueryTime(q.Get("to")),
		Page:      parseIntDefault(q.Get("page"), 1),
		Limit:     parseIntDefault(q.Get("limit"), 50),
	}

	records, total, err := h.records.ListRecords(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// --- ListDiscrepancies ---

func (h *Handlers) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DiscrepancyFilter{
		Type:            q.Get("type"),
		Severity:        q.Get("severity"),
		EstablishmentID: q.Get("establishment_id"),
		From:            parseQueryTime(q.Get("from")),
		To:              parseQueryTime(q.Get("to")),
		Page:            parseIntDefault(q.Get("page"), 1),
		Limit:           parseIntDefault(q.Get("limit"), 50),
	}

	discs, total, err := h.discs.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Impact of the page per currency; currencies are never summed together.
	impact := make(map[string]string)
	for cur, units := range pageImpact(discs) {
		impact[cur] = money.Format(money.FromMinorUnits(units))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": discs,
		"total":         total,
		"page":          filter.Page,
		"limit":         filter.Limit,
		"impact":        impact,
	})
}

func pageImpact(discs []domain.Discrepancy) map[string]int64 {
	out := make(map[string]int64)
	for _, d := range discs {
		units, err := money.ToMinorUnits(d.Difference.Abs())
		if err != nil {
			continue
		}
		out[d.Currency] += units
	}
	return out
}

func (h *Handlers) GetDiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.discs.Summary(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// --- Reconciliation ---

func (h *Handlers) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	res, err := h.recon.RunFull(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) RunAudit(w http.ResponseWriter, r *http.Request) {
	res, err := h.recon.AuditCommissions(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// --- GetDashboard ---

type currencyVolume struct {
	Currency          string `json:"currency"`
	Bookings          int    `json:"bookings"`
	Settled           int    `json:"settled"`
	PendingSettlement int    `json:"pending_settlement"`
	Cancelled         int    `json:"cancelled"`
	Gross             string `json:"gross"`
	Commission        string `json:"commission"`
	Net               string `json:"net"`
	DiscrepancyImpact string `json:"discrepancy_impact"`
}

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.dashboard.get(); ok {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}
	ctx := r.Context()
	gen := h.dashboard.begin()

	totals, err := h.bookings.TotalsByCurrency(ctx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	summary, err := h.discs.Summary(ctx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	byEstablishment, err := h.discs.StatsByEstablishment(ctx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	recordCount, err := h.records.CountRecords(ctx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	volumes := make([]currencyVolume, 0, len(totals))
	for _, t := range totals {
		volumes = append(volumes, currencyVolume{
			Currency:          t.Currency,
			Bookings:          t.Bookings,
			Settled:           t.Settled,
			PendingSettlement: t.PendingSettlement,
			Cancelled:         t.Cancelled,
			Gross:             money.Format(money.FromMinorUnits(t.GrossMinorUnits)),
			Commission:        money.Format(money.FromMinorUnits(t.CommissionMinorUnits)),
			Net:               money.Format(money.FromMinorUnits(t.NetMinorUnits)),
			DiscrepancyImpact: money.Format(money.FromMinorUnits(summary.ImpactMinorUnits[t.Currency])),
		})
	}

	dash := map[string]any{
		"generated_at":      h.now().UTC().Format(time.RFC3339),
		"by_currency":       volumes,
		"processor_records": recordCount,
		"discrepancies": map[string]any{
			"total":    summary.TotalCount,
			"critical": summary.BySeverity[string(domain.SeverityCritical)],
			"high":     summary.BySeverity[string(domain.SeverityHigh)],
			"medium":   summary.BySeverity[string(domain.SeverityMedium)],
			"low":      summary.BySeverity[string(domain.SeverityLow)],
			"by_type":  summary.ByType,
		},
		"by_establishment": byEstablishment,
	}
	h.dashboard.store(gen, dash)
	h.writeJSON(w, http.StatusOK, dash)
}
