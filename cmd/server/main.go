package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/selfkey/settlement/internal/api"
	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/config"
	"github.com/selfkey/settlement/internal/ingestion"
	"github.com/selfkey/settlement/internal/logging"
	"github.com/selfkey/settlement/internal/metrics"
	"github.com/selfkey/settlement/internal/reconciliation"
	"github.com/selfkey/settlement/internal/repository"
	"github.com/selfkey/settlement/internal/seed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "settlement: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	logger.Info("initializing database", slog.String("path", cfg.DBPath))
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer db.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	ests := repository.NewEstablishmentRepo(db)
	bookings := repository.NewBookingRepo(db)
	records := repository.NewSettlementRepo(db)
	discs := repository.NewDiscrepancyRepo(db)

	bookingSvc := booking.NewService(ests, bookings, logger, m)
	reconSvc := reconciliation.NewService(bookings, records, discs, reconciliation.Options{
		SettlementWindow: cfg.SettlementWindow,
		Thresholds:       cfg.Reconcile,
	}, logger, m)
	ingestionSvc := ingestion.NewService(records, reconSvc, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SeedFile != "" {
		seedDatabase(ctx, cfg.SeedFile, ests, bookingSvc, logger)
	}

	router := api.NewRouter(api.Deps{
		DB:             db,
		Establishments: ests,
		Bookings:       bookings,
		Records:        records,
		Discrepancies:  discs,
		BookingSvc:     bookingSvc,
		Ingestion:      ingestionSvc,
		Reconciliation: reconSvc,
		Gatherer:       prometheus.DefaultGatherer,
		WriteRate:      rate.Limit(cfg.WriteRate),
		WriteBurst:     cfg.WriteBurst,
		DashboardTTL:   cfg.DashboardTTL,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", srv.Addr),
			slog.String("api_base", fmt.Sprintf("http://localhost:%d/api/v1", cfg.Port)),
			slog.Duration("settlement_window", cfg.SettlementWindow))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// seedDatabase loads demo data into an empty database. A missing or broken
// seed file is logged and the server starts anyway.
func seedDatabase(ctx context.Context, path string, ests *repository.EstablishmentRepo, svc *booking.Service, logger *slog.Logger) {
	f, err := seed.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("seed file not found", slog.String("path", path))
		return
	}
	if err != nil {
		logger.Warn("seed file unreadable", slog.String("path", path), slog.Any("error", err))
		return
	}
	if _, err := seed.Apply(ctx, f, ests, svc, logger); err != nil {
		logger.Warn("seeding failed", slog.Any("error", err))
	}
}
