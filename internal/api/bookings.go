package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/currency"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/money"
	"github.com/selfkey/settlement/internal/repository"
)

type establishmentRequest struct {
	ID                    string                   `json:"id"`
	Name                  string                   `json:"name"`
	Kind                  domain.EstablishmentKind `json:"kind"`
	Currency              string                   `json:"currency"`
	CommissionRatePercent decimal.Decimal          `json:"commission_rate_percent"`
	FixedFee              decimal.Decimal          `json:"fixed_fee"`
	ConnectedAccountID    string                   `json:"connected_account_id"`
}

func (h *Handlers) CreateEstablishment(w http.ResponseWriter, r *http.Request) {
	var req establishmentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	now := h.now().UTC()
	est := &domain.Establishment{
		ID:                    strings.TrimSpace(req.ID),
		Name:                  strings.TrimSpace(req.Name),
		Kind:                  req.Kind,
		Currency:              currency.Normalize(req.Currency),
		CommissionRatePercent: req.CommissionRatePercent,
		FixedFee:              req.FixedFee,
		ConnectedAccountID:    strings.TrimSpace(req.ConnectedAccountID),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if est.ID == "" {
		est.ID = "EST-" + uuid.NewString()
	}
	if err := est.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.establishments.Insert(r.Context(), est); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, est)
}

func (h *Handlers) ListEstablishments(w http.ResponseWriter, r *http.Request) {
	ests, err := h.establishments.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"establishments": ests, "total": len(ests)})
}

func (h *Handlers) GetEstablishment(w http.ResponseWriter, r *http.Request) {
	est, err := h.establishments.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, est)
}

// UpdateCommission changes the rate and fee for future bookings only.
func (h *Handlers) UpdateCommission(w http.ResponseWriter, r *http.Request) {
	var cfg domain.CommissionConfig
	if !h.decodeJSON(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.establishments.UpdateCommission(r.Context(), id, cfg, h.now().UTC()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	est, err := h.establishments.GetByID(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, est)
}

type quoteRequest struct {
	EstablishmentID       string           `json:"establishment_id"`
	GrossAmount           decimal.Decimal  `json:"gross_amount"`
	CommissionRatePercent *decimal.Decimal `json:"commission_rate_percent"`
	FixedFee              *decimal.Decimal `json:"fixed_fee"`
}

// QuoteCommission previews a split either for an establishment's current
// settings or for an explicit rate and fee. Nothing is stored.
func (h *Handlers) QuoteCommission(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	var (
		result money.CommissionResult
		err    error
	)
	switch {
	case req.EstablishmentID != "":
		result, err = h.bookingSvc.Quote(r.Context(), req.EstablishmentID, req.GrossAmount)
	case req.CommissionRatePercent != nil:
		fee := decimal.Zero
		if req.FixedFee != nil {
			fee = *req.FixedFee
		}
		result, err = money.CalculateCommission(req.GrossAmount, *req.CommissionRatePercent, fee)
	default:
		err = fmt.Errorf("%w: establishment_id or commission_rate_percent is required", booking.ErrInvalidRequest)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.ConfirmRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	conf, err := h.bookingSvc.Confirm(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, conf)
}

func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.BookingFilter{
		EstablishmentID: q.Get("establishment_id"),
		Status:          q.Get("status"),
		Currency:        currency.Normalize(q.Get("currency")),
		From:            parseQueryTime(q.Get("from")),
		To:              parseQueryTime(q.Get("to")),
		Page:            parseIntDefault(q.Get("page"), 1),
		Limit:           parseIntDefault(q.Get("limit"), 50),
	}

	bookings, total, err := h.bookings.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"bookings": bookings,
		"total":    total,
		"page":     filter.Page,
		"limit":    filter.Limit,
	})
}

// GetBooking returns the booking with its settlement discrepancies.
func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := h.bookingSvc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	discs, err := h.discs.ByBookingID(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"booking":       b,
		"discrepancies": discs,
	})
}

type attachChargeRequest struct {
	ChargeID string `json:"charge_id"`
}

func (h *Handlers) AttachCharge(w http.ResponseWriter, r *http.Request) {
	var req attachChargeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	b, err := h.bookingSvc.AttachCharge(r.Context(), chi.URLParam(r, "id"), req.ChargeID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookingSvc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}
