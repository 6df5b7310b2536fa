// Command audit re-checks every persisted booking split and exits non-zero
// when a HIGH or CRITICAL finding is stored.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/selfkey/settlement/internal/config"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/logging"
	"github.com/selfkey/settlement/internal/reconciliation"
	"github.com/selfkey/settlement/internal/repository"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		os.Exit(2)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		return 0, fmt.Errorf("init db: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := reconciliation.NewService(
		repository.NewBookingRepo(db),
		repository.NewSettlementRepo(db),
		repository.NewDiscrepancyRepo(db),
		reconciliation.Options{SettlementWindow: cfg.SettlementWindow, Thresholds: cfg.Reconcile},
		logger, nil,
	)

	res, err := svc.AuditCommissions(ctx)
	if err != nil {
		return 0, err
	}

	types := make([]string, 0, len(res.ByType))
	for t := range res.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	fmt.Printf("audited %d bookings, %d failed, %d findings\n", res.Audited, res.Failed, res.Inserted)
	for _, t := range types {
		fmt.Printf("  %-26s %d\n", t, res.ByType[domain.DiscrepancyType(t)])
	}

	if res.Worst.AtLeast(domain.SeverityHigh) {
		logger.Warn("audit found blocking discrepancies", slog.String("worst", string(res.Worst)))
		return 1, nil
	}
	return 0, nil
}
