package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/ingestion"
	"github.com/selfkey/settlement/internal/reconciliation"
	"github.com/selfkey/settlement/internal/repository"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services and repositories the HTTP layer reads from.
type Deps struct {
	DB             Pinger
	Establishments *repository.EstablishmentRepo
	Bookings       *repository.BookingRepo
	Records        *repository.SettlementRepo
	Discrepancies  *repository.DiscrepancyRepo
	BookingSvc     *booking.Service
	Ingestion      *ingestion.Service
	Reconciliation *reconciliation.Service
	// Gatherer backs /metrics; the route is not mounted when nil.
	Gatherer prometheus.Gatherer
	// WriteRate limits ingestion and reconciliation requests per second;
	// zero means unlimited.
	WriteRate  rate.Limit
	WriteBurst int
	// DashboardTTL caches the dashboard between writes; zero disables it.
	DashboardTTL time.Duration
	Logger       *slog.Logger
}

// NewRouter creates the chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	log := d.Logger.With(slog.String("component", "api"))
	h := &Handlers{
		db:             d.DB,
		establishments: d.Establishments,
		bookings:       d.Bookings,
		records:        d.Records,
		discs:          d.Discrepancies,
		bookingSvc:     d.BookingSvc,
		ingestion:      d.Ingestion,
		recon:          d.Reconciliation,
		log:            log,
		now:            time.Now,
	}
	h.dashboard = newDashboardCache(d.DashboardTTL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogging(log))
	r.Use(middleware.Recoverer)

	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/healthz", h.Health)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(h.invalidateOnWrite)

			r.Post("/establishments", h.CreateEstablishment)
			r.Get("/establishments", h.ListEstablishments)
			r.Get("/establishments/{id}", h.GetEstablishment)
			r.Put("/establishments/{id}/commission", h.UpdateCommission)

			r.Post("/commission/quote", h.QuoteCommission)

			r.Post("/bookings", h.ConfirmBooking)
			r.Get("/bookings", h.ListBookings)
			r.Get("/bookings/{id}", h.GetBooking)
			r.Post("/bookings/{id}/charge", h.AttachCharge)
			r.Post("/bookings/{id}/cancel", h.CancelBooking)

			r.Get("/records", h.ListRecords)
			r.Get("/discrepancies", h.ListDiscrepancies)
			r.Get("/discrepancies/summary", h.GetDiscrepancySummary)

			r.Group(func(r chi.Router) {
				if d.WriteRate > 0 {
					r.Use(h.throttle(rate.NewLimiter(d.WriteRate, max(d.WriteBurst, 1))))
				}
				r.Post("/reports/ingest", h.IngestReport)
				r.Post("/reconciliation/run", h.RunReconciliation)
				r.Post("/reconciliation/audit", h.RunAudit)
			})

			r.Get("/dashboard", h.GetDashboard)
		})
	})

	return r
}

// requestLogging logs method, path, status and duration of each request.
func requestLogging(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.InfoContext(r.Context(), "request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

// throttle rejects requests the limiter has no token for.
func (h *Handlers) throttle(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				h.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many ingestion or reconciliation requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// invalidateOnWrite drops the cached dashboard around any non-GET request.
func (h *Handlers) invalidateOnWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		h.dashboard.invalidate()
		defer h.dashboard.invalidate()
		next.ServeHTTP(w, r)
	})
}
