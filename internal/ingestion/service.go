// Package ingestion turns processor balance-transaction reports into stored
// processor records and triggers reconciliation.
package ingestion

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/metrics"
	"github.com/selfkey/settlement/internal/reconciliation"
	"github.com/selfkey/settlement/internal/repository"
)

const (
	FormatCSV     = "csv"
	FormatCSVPipe = "csv_pipe"
	FormatJSON    = "json"
)

var (
	ErrUnsupportedFormat    = errors.New("unsupported report format")
	ErrUnsupportedProcessor = errors.New("unsupported processor")
	ErrParse                = errors.New("report parse failed")
)

// AlreadyIngested is the report ID returned when a file's hash is known.
const AlreadyIngested = "already-ingested"

// IngestResult is returned from a successful ingestion.
type IngestResult struct {
	ReportID              string `json:"report_id"`
	RecordsIngested       int    `json:"records_ingested"`
	RecordsCorrected      int    `json:"records_corrected"`
	DuplicatesSkipped     int    `json:"duplicates_skipped"`
	DiscrepanciesDetected int    `json:"discrepancies_detected"`
}

type ReportStore interface {
	ReportExistsByHash(ctx context.Context, hash string) (bool, error)
	InsertReport(ctx context.Context, rpt *domain.ProcessorReport, records []domain.ProcessorRecord) (repository.ReportInsert, error)
}

type Reconciler interface {
	RunFull(ctx context.Context) (*reconciliation.Result, error)
}

// Service handles ingestion of processor reports.
type Service struct {
	reports ReportStore
	recon   Reconciler
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(reports ReportStore, recon Reconciler, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		reports: reports,
		recon:   recon,
		log:     log.With(slog.String("component", "ingestion")),
		metrics: m,
		now:     time.Now,
	}
}

// IngestReport parses a report file, stores its records and runs a full
// reconciliation. The same file bytes are only ingested once.
func (s *Service) IngestReport(ctx context.Context, data []byte, processor, format string) (*IngestResult, error) {
	res, err := s.ingest(ctx, data, processor, format)
	if err != nil {
		s.metrics.ReportIngested(format, metrics.ResultError, 0)
		s.log.WarnContext(ctx, "report rejected",
			slog.String("processor", processor), slog.String("format", format), slog.Any("error", err))
		return nil, err
	}
	s.metrics.ReportIngested(format, metrics.ResultSuccess, res.RecordsIngested)
	return res, nil
}

func (s *Service) ingest(ctx context.Context, data []byte, processor, format string) (*IngestResult, error) {
	proc := domain.Processor(processor)
	if proc != domain.ProcessorStripe {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProcessor, processor)
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	exists, err := s.reports.ReportExistsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check hash: %w", err)
	}
	if exists {
		s.log.InfoContext(ctx, "report already ingested", slog.String("hash", hash))
		return &IngestResult{ReportID: AlreadyIngested}, nil
	}

	now := s.now().UTC()
	reportID := fmt.Sprintf("RPT-%s-%s", processor, uuid.NewString())

	var records []domain.ProcessorRecord
	var payoutID string
	switch format {
	case FormatCSV:
		records, payoutID, err = ParseBalanceCSV(data, reportID, proc, ',')
	case FormatCSVPipe:
		records, payoutID, err = ParseBalanceCSV(data, reportID, proc, '|')
	case FormatJSON:
		records, payoutID, err = ParseBalanceJSON(data, reportID, proc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, format, err)
	}

	report := &domain.ProcessorReport{
		ID:          reportID,
		Processor:   proc,
		PayoutID:    payoutID,
		ReportDate:  reportDate(records, now),
		FileHash:    hash,
		RecordCount: len(records),
		IngestedAt:  now,
	}
	inserted, err := s.reports.InsertReport(ctx, report, records)
	if err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}

	s.log.InfoContext(ctx, "report ingested",
		slog.String("report_id", reportID),
		slog.String("payout_id", payoutID),
		slog.Int("records", len(records)),
		slog.Int("new", inserted.Inserted),
		slog.Int("corrected", inserted.Corrected))

	result := &IngestResult{
		ReportID:          reportID,
		RecordsIngested:   inserted.Inserted,
		RecordsCorrected:  inserted.Corrected,
		DuplicatesSkipped: inserted.Unchanged,
	}

	// A failed reconciliation leaves the records stored; the next run picks them up.
	recon, err := s.recon.RunFull(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "reconciliation after ingest failed",
			slog.String("report_id", reportID), slog.Any("error", err))
		return result, nil
	}
	result.DiscrepanciesDetected = recon.TotalDiscrepancies
	return result, nil
}

// reportDate is the latest available-on date in the file, or now for an
// empty report.
func reportDate(records []domain.ProcessorRecord, now time.Time) time.Time {
	var latest time.Time
	for _, r := range records {
		if r.AvailableOn.After(latest) {
			latest = r.AvailableOn
		}
	}
	if latest.IsZero() {
		return now
	}
	return latest
}
