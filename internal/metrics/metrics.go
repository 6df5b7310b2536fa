package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "selfkey_settlement_"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics bundles settlement collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	BookingsTotal         *prometheus.CounterVec
	CommissionMinorUnits  *prometheus.CounterVec
	ReportsIngestedTotal  *prometheus.CounterVec
	RecordsIngestedTotal  prometheus.Counter
	ReconcileRunsTotal    *prometheus.CounterVec
	ReconcileDuration     prometheus.Histogram
	DiscrepanciesDetected *prometheus.CounterVec
}

// New constructs the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bookings_total",
				Help: "Booking confirmations by result",
			},
			[]string{"result"},
		),
		CommissionMinorUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commission_minor_units_total",
				Help: "Platform commission of confirmed bookings in minor units",
			},
			[]string{"currency"},
		),
		ReportsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reports_ingested_total",
				Help: "Processor reports ingested by format and result",
			},
			[]string{"format", "result"},
		),
		RecordsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "records_ingested_total",
			Help: "Processor records stored",
		}),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_runs_total",
				Help: "Reconciliation runs by result",
			},
			[]string{"result"},
		),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "reconcile_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		DiscrepanciesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discrepancies_detected_total",
				Help: "Discrepancies detected by type",
			},
			[]string{"type"},
		),
	}
	reg.MustRegister(
		m.BookingsTotal,
		m.CommissionMinorUnits,
		m.ReportsIngestedTotal,
		m.RecordsIngestedTotal,
		m.ReconcileRunsTotal,
		m.ReconcileDuration,
		m.DiscrepanciesDetected,
	)
	return m
}

func (m *Metrics) BookingConfirmed(currency string, commissionMinorUnits int64) {
	if m == nil {
		return
	}
	m.BookingsTotal.WithLabelValues(ResultSuccess).Inc()
	if commissionMinorUnits > 0 {
		m.CommissionMinorUnits.WithLabelValues(currency).Add(float64(commissionMinorUnits))
	}
}

func (m *Metrics) BookingFailed() {
	if m == nil {
		return
	}
	m.BookingsTotal.WithLabelValues(ResultError).Inc()
}

func (m *Metrics) ReportIngested(format, result string, records int) {
	if m == nil {
		return
	}
	m.ReportsIngestedTotal.WithLabelValues(format, result).Inc()
	if records > 0 {
		m.RecordsIngestedTotal.Add(float64(records))
	}
}

func (m *Metrics) ReconcileRun(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(result).Inc()
	m.ReconcileDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Discrepancies(discrepancyType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DiscrepanciesDetected.WithLabelValues(discrepancyType).Add(float64(n))
}
