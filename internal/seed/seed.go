// Package seed loads demo establishments and bookings into an empty database.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/selfkey/settlement/internal/booking"
	"github.com/selfkey/settlement/internal/domain"
)

// File is the seed format written by testdata/generate.
type File struct {
	Establishments []domain.Establishment `json:"establishments"`
	Bookings       []Booking              `json:"bookings"`
}

// Booking is a confirmation request plus the processor charge the demo
// reports refer to.
type Booking struct {
	booking.ConfirmRequest
	ChargeID string `json:"charge_id,omitempty"`
}

type EstablishmentStore interface {
	Insert(ctx context.Context, e *domain.Establishment) error
	List(ctx context.Context) ([]domain.Establishment, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, req booking.ConfirmRequest) (*booking.Confirmation, error)
	AttachCharge(ctx context.Context, bookingID, chargeID string) (*domain.Booking, error)
}

type Stats struct {
	Establishments int
	Bookings       int
	Skipped        int
	ChargesSkipped int
}

func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// Apply inserts the seed when no establishment exists yet. Establishments
// are validated before any is written. Bookings go through the
// confirmation service so their splits are computed exactly as in
// production; a booking the service rejects is logged and skipped.
func Apply(ctx context.Context, f *File, ests EstablishmentStore, bookings Confirmer, log *slog.Logger) (Stats, error) {
	var st Stats
	existing, err := ests.List(ctx)
	if err != nil {
		return st, fmt.Errorf("list establishments: %w", err)
	}
	if len(existing) > 0 {
		log.Info("database already seeded", slog.Int("establishments", len(existing)))
		return st, nil
	}

	for i := range f.Establishments {
		if err := f.Establishments[i].Validate(); err != nil {
			return st, fmt.Errorf("establishment %s: %w", f.Establishments[i].ID, err)
		}
	}
	for i := range f.Establishments {
		e := &f.Establishments[i]
		if err := ests.Insert(ctx, e); err != nil {
			return st, fmt.Errorf("establishment %s: %w", e.ID, err)
		}
		st.Establishments++
	}

	for _, b := range f.Bookings {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		conf, err := bookings.Confirm(ctx, b.ConfirmRequest)
		if err != nil {
			log.Warn("seed booking skipped",
				slog.String("reference", b.Reference), slog.Any("error", err))
			st.Skipped++
			continue
		}
		st.Bookings++
		if b.ChargeID == "" {
			continue
		}
		if _, err := bookings.AttachCharge(ctx, conf.Booking.ID, b.ChargeID); err != nil {
			log.Warn("seed charge not attached",
				slog.String("reference", b.Reference),
				slog.String("charge_id", b.ChargeID),
				slog.Any("error", err))
			st.ChargesSkipped++
		}
	}

	log.Info("seed applied",
		slog.Int("establishments", st.Establishments),
		slog.Int("bookings", st.Bookings),
		slog.Int("skipped", st.Skipped),
		slog.Int("charges_skipped", st.ChargesSkipped))
	return st, nil
}
