// Package booking confirms guest bookings: it takes one snapshot of the
// establishment's commission settings, splits the gross amount through the
// money package and persists the split before any payment is attempted.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/metrics"
	"github.com/selfkey/settlement/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest = errors.New("invalid booking request")
	// ErrCommission wraps any money error raised while splitting a booking.
	ErrCommission = errors.New("commission calculation failed")
)

type EstablishmentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Establishment, error)
}

type BookingStore interface {
	Insert(ctx context.Context, b *domain.Booking) error
	GetByID(ctx context.Context, id string) (*domain.Booking, error)
	AttachCharge(ctx context.Context, id, chargeID string) error
	Cancel(ctx context.Context, id string) error
}

// LineItem is one priced component of a booking, e.g. a room for n nights
// or a tourist tax per guest.
type LineItem struct {
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int64           `json:"quantity"`
}

type ConfirmRequest struct {
	EstablishmentID string           `json:"establishment_id"`
	Reference       string           `json:"reference"`
	GuestEmail      string           `json:"guest_email,omitempty"`
	GrossAmount     *decimal.Decimal `json:"gross_amount,omitempty"`
	LineItems       []LineItem       `json:"line_items,omitempty"`
}

// ChargeHandoff is what the payment processor's destination charge needs:
// the guest charge and the platform's application fee in minor units.
type ChargeHandoff struct {
	AmountMinorUnits         int64  `json:"amount_minor_units"`
	ApplicationFeeMinorUnits int64  `json:"application_fee_minor_units"`
	Currency                 string `json:"currency"`
	Destination              string `json:"destination"`
}

type Confirmation struct {
	Booking    domain.Booking         `json:"booking"`
	Commission money.CommissionResult `json:"commission"`
	Handoff    ChargeHandoff          `json:"handoff"`
}

type Service struct {
	establishments EstablishmentReader
	bookings       BookingStore
	log            *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	newID          func() string
}

func NewService(establishments EstablishmentReader, bookings BookingStore, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		establishments: establishments,
		bookings:       bookings,
		log:            log.With(slog.String("component", "booking")),
		metrics:        m,
		now:            time.Now,
		newID:          func() string { return "BK-" + uuid.NewString() },
	}
}

// Quote previews the split for an establishment without persisting anything.
func (s *Service) Quote(ctx context.Context, establishmentID string, gross decimal.Decimal) (money.CommissionResult, error) {
	est, err := s.establishments.GetByID(ctx, establishmentID)
	if err != nil {
		return money.CommissionResult{}, err
	}
	snap := est.Snapshot()
	result, err := money.CalculateCommission(gross, snap.RatePercent, snap.FixedFee)
	if err != nil {
		return money.CommissionResult{}, fmt.Errorf("%w: %w", ErrCommission, err)
	}
	return result, nil
}

// Confirm computes and persists the commission split of a new booking. Any
// money error aborts before the booking is stored.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
	conf, err := s.confirm(ctx, req)
	if err != nil {
		s.metrics.BookingFailed()
		s.log.Warn("booking rejected",
			slog.String("establishment_id", req.EstablishmentID),
			slog.String("reference", req.Reference),
			slog.Any("error", err))
		return nil, err
	}
	s.metrics.BookingConfirmed(conf.Booking.Currency, conf.Commission.CommissionMinorUnits)
	return conf, nil
}

func (s *Service) confirm(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
	if strings.TrimSpace(req.EstablishmentID) == "" {
		return nil, fmt.Errorf("%w: establishment_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}
	gross, err := grossAmount(req)
	if err != nil {
		return nil, err
	}

	est, err := s.establishments.GetByID(ctx, req.EstablishmentID)
	if err != nil {
		return nil, err
	}
	if est.ConnectedAccountID == "" {
		return nil, fmt.Errorf("%w: establishment %s has no connected account", ErrInvalidRequest, est.ID)
	}
	snap := est.Snapshot()

	result, err := money.CalculateCommission(gross, snap.RatePercent, snap.FixedFee)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommission, err)
	}
	if err := result.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommission, err)
	}
	handoff, err := newHandoff(result, est)
	if err != nil {
		return nil, err
	}

	b := domain.Booking{
		ID:                    s.newID(),
		EstablishmentID:       est.ID,
		Reference:             strings.TrimSpace(req.Reference),
		GuestEmail:            req.GuestEmail,
		Currency:              est.Currency,
		GrossAmount:           result.GrossAmount,
		CommissionAmount:      result.CommissionAmount,
		NetAmount:             result.NetAmount,
		CommissionRatePercent: snap.RatePercent,
		FixedFee:              snap.FixedFee,
		AmountMinorUnits:      result.AmountMinorUnits,
		CommissionMinorUnits:  result.CommissionMinorUnits,
		Status:                domain.BookingConfirmed,
		ConfirmedAt:           s.now().UTC(),
	}
	if err := s.bookings.Insert(ctx, &b); err != nil {
		return nil, fmt.Errorf("store booking: %w", err)
	}

	if result.ExceedsGross() {
		s.log.Warn("commission exceeds gross",
			slog.String("booking_id", b.ID),
			slog.String("establishment_id", est.ID),
			slog.String("gross", money.Format(result.GrossAmount)),
			slog.String("commission", money.Format(result.CommissionAmount)))
	}
	s.log.Info("booking confirmed",
		slog.String("booking_id", b.ID),
		slog.String("establishment_id", est.ID),
		slog.Int64("amount_minor_units", result.AmountMinorUnits),
		slog.Int64("commission_minor_units", result.CommissionMinorUnits))

	return &Confirmation{Booking: b, Commission: result, Handoff: handoff}, nil
}

// grossAmount resolves the booking total from the explicit amount, the line
// items, or both when they agree.
func grossAmount(req ConfirmRequest) (decimal.Decimal, error) {
	if len(req.LineItems) == 0 {
		if req.GrossAmount == nil {
			return decimal.Zero, fmt.Errorf("%w: gross_amount or line_items is required", ErrInvalidRequest)
		}
		return *req.GrossAmount, nil
	}

	lines := make([]decimal.Decimal, 0, len(req.LineItems))
	for i, item := range req.LineItems {
		if item.Quantity <= 0 {
			return decimal.Zero, fmt.Errorf("%w: line item %d: quantity must be positive", ErrInvalidRequest, i)
		}
		if item.UnitPrice.IsNegative() || !money.IsValidMoneyAmount(item.UnitPrice) {
			return decimal.Zero, fmt.Errorf("%w: line item %d: %w: unit price %s", ErrCommission, i, money.ErrInvalidAmount, item.UnitPrice)
		}
		line, err := money.MultiplyInt(item.UnitPrice, item.Quantity)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: line item %d: %w", ErrCommission, i, err)
		}
		lines = append(lines, line)
	}
	total, err := money.Add(lines...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrCommission, err)
	}
	if req.GrossAmount != nil && !req.GrossAmount.Equal(total) {
		return decimal.Zero, fmt.Errorf("%w: gross_amount %s does not match line items total %s",
			ErrInvalidRequest, req.GrossAmount, money.Format(total))
	}
	return total, nil
}

func newHandoff(result money.CommissionResult, est *domain.Establishment) (ChargeHandoff, error) {
	netMinor, err := money.ToMinorUnits(result.NetAmount)
	if err != nil {
		return ChargeHandoff{}, fmt.Errorf("%w: %w", ErrCommission, err)
	}
	if result.AmountMinorUnits-result.CommissionMinorUnits != netMinor {
		return ChargeHandoff{}, fmt.Errorf("%w: %w: %d - %d != %d", ErrCommission, money.ErrSplitMismatch,
			result.AmountMinorUnits, result.CommissionMinorUnits, netMinor)
	}
	return ChargeHandoff{
		AmountMinorUnits:         result.AmountMinorUnits,
		ApplicationFeeMinorUnits: result.CommissionMinorUnits,
		Currency:                 strings.ToLower(est.Currency),
		Destination:              est.ConnectedAccountID,
	}, nil
}

// AttachCharge records the processor charge ID created from a handoff.
func (s *Service) AttachCharge(ctx context.Context, bookingID, chargeID string) (*domain.Booking, error) {
	if strings.TrimSpace(chargeID) == "" {
		return nil, fmt.Errorf("%w: charge_id is required", ErrInvalidRequest)
	}
	if err := s.bookings.AttachCharge(ctx, bookingID, chargeID); err != nil {
		return nil, err
	}
	s.log.Info("charge attached", slog.String("booking_id", bookingID), slog.String("charge_id", chargeID))
	return s.bookings.GetByID(ctx, bookingID)
}

// Cancel marks a booking cancelled. The persisted split is kept.
func (s *Service) Cancel(ctx context.Context, bookingID string) (*domain.Booking, error) {
	if err := s.bookings.Cancel(ctx, bookingID); err != nil {
		return nil, err
	}
	s.log.Info("booking cancelled", slog.String("booking_id", bookingID))
	return s.bookings.GetByID(ctx, bookingID)
}

func (s *Service) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return s.bookings.GetByID(ctx, bookingID)
}
