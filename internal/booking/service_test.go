package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/selfkey/settlement/internal/domain"
	"github.com/selfkey/settlement/internal/logging"
	"github.com/selfkey/settlement/internal/money"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

var errNotFound = errors.New("not found")

type fakeEstablishments struct {
	mu    sync.Mutex
	items map[string]domain.Establishment
}

func (f *fakeEstablishments) GetByID(_ context.Context, id string) (*domain.Establishment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.items[id]
	if !ok {
		return nil, errNotFound
	}
	return &e, nil
}

func (f *fakeEstablishments) set(e domain.Establishment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[e.ID] = e
}

type fakeBookings struct {
	mu    sync.Mutex
	items map[string]domain.Booking
}

func (f *fakeBookings) Insert(_ context.Context, b *domain.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[b.ID] = *b
	return nil
}

func (f *fakeBookings) GetByID(_ context.Context, id string) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.items[id]
	if !ok {
		return nil, errNotFound
	}
	return &b, nil
}

func (f *fakeBookings) AttachCharge(_ context.Context, id, chargeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.items[id]
	if !ok {
		return errNotFound
	}
	b.ProcessorChargeID = chargeID
	f.items[id] = b
	return nil
}

func (f *fakeBookings) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.items[id]
	if !ok {
		return errNotFound
	}
	b.Status = domain.BookingCancelled
	f.items[id] = b
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func newTestService(t *testing.T) (*Service, *fakeEstablishments, *fakeBookings) {
	t.Helper()
	ests := &fakeEstablishments{items: map[string]domain.Establishment{}}
	ests.set(domain.Establishment{
		ID:                    "est-1",
		Name:                  "Camping Seeblick",
		Kind:                  domain.KindCamping,
		Currency:              "CHF",
		CommissionRatePercent: dec("8.5"),
		FixedFee:              dec("3.50"),
		ConnectedAccountID:    "acct_1",
	})
	bookings := &fakeBookings{items: map[string]domain.Booking{}}
	svc := NewService(ests, bookings, logging.Discard(), nil)
	var n int
	svc.newID = func() string {
		n++
		return fmt.Sprintf("BK-%d", n)
	}
	svc.now = func() time.Time { return time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC) }
	return svc, ests, bookings
}

func TestConfirm_PersistsSplitAndHandoff(t *testing.T) {
	svc, _, bookings := newTestService(t)

	conf, err := svc.Confirm(context.Background(), ConfirmRequest{
		EstablishmentID: "est-1",
		Reference:       "R-100",
		GrossAmount:     ptr(dec("156.78")),
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	b := conf.Booking
	if money.Format(b.CommissionAmount) != "16.83" || money.Format(b.NetAmount) != "139.95" {
		t.Errorf("split = %s/%s, want 16.83/139.95", money.Format(b.CommissionAmount), money.Format(b.NetAmount))
	}
	if !b.CommissionRatePercent.Equal(dec("8.5")) || !b.FixedFee.Equal(dec("3.50")) {
		t.Errorf("snapshot = %s/%s", b.CommissionRatePercent, b.FixedFee)
	}
	if b.Status != domain.BookingConfirmed || b.Currency != "CHF" {
		t.Errorf("booking = %+v", b)
	}

	h := conf.Handoff
	want := ChargeHandoff{AmountMinorUnits: 15678, ApplicationFeeMinorUnits: 1683, Currency: "chf", Destination: "acct_1"}
	if h != want {
		t.Errorf("handoff = %+v, want %+v", h, want)
	}

	stored, err := bookings.GetByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("booking not stored: %v", err)
	}
	if !stored.CommissionAmount.Add(stored.NetAmount).Equal(stored.GrossAmount) {
		t.Errorf("stored split does not sum: %+v", stored)
	}
}

func TestConfirm_LineItems(t *testing.T) {
	svc, _, _ := newTestService(t)

	items := []LineItem{
		{Description: "pitch", UnitPrice: dec("32.40"), Quantity: 3},
		{Description: "tourist tax", UnitPrice: dec("2.50"), Quantity: 6},
	}
	conf, err := svc.Confirm(context.Background(), ConfirmRequest{
		EstablishmentID: "est-1", Reference: "R-1", LineItems: items,
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if money.Format(conf.Booking.GrossAmount) != "112.20" {
		t.Errorf("gross = %s, want 112.20", money.Format(conf.Booking.GrossAmount))
	}

	_, err = svc.Confirm(context.Background(), ConfirmRequest{
		EstablishmentID: "est-1", Reference: "R-2", LineItems: items, GrossAmount: ptr(dec("112.19")),
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for disagreeing total, got %v", err)
	}

	_, err = svc.Confirm(context.Background(), ConfirmRequest{
		EstablishmentID: "est-1", Reference: "R-3", LineItems: items, GrossAmount: ptr(dec("112.2")),
	})
	if err != nil {
		t.Errorf("agreeing total rejected: %v", err)
	}
}

func TestConfirm_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     ConfirmRequest
		wantErr error
	}{
		{"missing establishment id", ConfirmRequest{Reference: "R", GrossAmount: ptr(dec("10"))}, ErrInvalidRequest},
		{"missing reference", ConfirmRequest{EstablishmentID: "est-1", GrossAmount: ptr(dec("10"))}, ErrInvalidRequest},
		{"missing amount", ConfirmRequest{EstablishmentID: "est-1", Reference: "R"}, ErrInvalidRequest},
		{"unknown establishment", ConfirmRequest{EstablishmentID: "nope", Reference: "R", GrossAmount: ptr(dec("10"))}, errNotFound},
		{"negative gross", ConfirmRequest{EstablishmentID: "est-1", Reference: "R", GrossAmount: ptr(dec("-10"))}, money.ErrInvalidAmount},
		{"sub-rappen gross", ConfirmRequest{EstablishmentID: "est-1", Reference: "R", GrossAmount: ptr(dec("10.005"))}, ErrCommission},
		{"zero quantity", ConfirmRequest{EstablishmentID: "est-1", Reference: "R",
			LineItems: []LineItem{{UnitPrice: dec("10"), Quantity: 0}}}, ErrInvalidRequest},
		{"sub-rappen unit price", ConfirmRequest{EstablishmentID: "est-1", Reference: "R",
			LineItems: []LineItem{{UnitPrice: dec("10.001"), Quantity: 2}}}, money.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, bookings := newTestService(t)
			_, err := svc.Confirm(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(bookings.items) != 0 {
				t.Errorf("booking persisted despite error")
			}
		})
	}
}

func TestConfirm_NegativeRateAbortsBeforePersistence(t *testing.T) {
	svc, ests, bookings := newTestService(t)
	e, _ := ests.GetByID(context.Background(), "est-1")
	e.CommissionRatePercent = dec("-1")
	ests.set(*e)

	_, err := svc.Confirm(context.Background(), ConfirmRequest{EstablishmentID: "est-1", Reference: "R", GrossAmount: ptr(dec("10"))})
	if !errors.Is(err, ErrCommission) || !errors.Is(err, money.ErrInvalidRate) {
		t.Fatalf("expected ErrCommission wrapping ErrInvalidRate, got %v", err)
	}
	if len(bookings.items) != 0 {
		t.Error("booking persisted despite invalid rate")
	}
}

func TestConfirm_CommissionExceedingGrossIsAllowed(t *testing.T) {
	svc, _, _ := newTestService(t)
	conf, err := svc.Confirm(context.Background(), ConfirmRequest{EstablishmentID: "est-1", Reference: "R", GrossAmount: ptr(dec("0"))})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if money.Format(conf.Booking.NetAmount) != "-3.50" {
		t.Errorf("net = %s, want -3.50", money.Format(conf.Booking.NetAmount))
	}
	if !conf.Commission.ExceedsGross() {
		t.Error("expected ExceedsGross")
	}
}

func TestConfirm_SettingsChangeIsNotRetroactive(t *testing.T) {
	svc, ests, bookings := newTestService(t)
	conf, err := svc.Confirm(context.Background(), ConfirmRequest{EstablishmentID: "est-1", Reference: "R-1", GrossAmount: ptr(dec("100.00"))})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	e, _ := ests.GetByID(context.Background(), "est-1")
	e.CommissionRatePercent = dec("20")
	e.FixedFee = decimal.Zero
	ests.set(*e)

	second, err := svc.Confirm(context.Background(), ConfirmRequest{EstablishmentID: "est-1", Reference: "R-2", GrossAmount: ptr(dec("100.00"))})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	first, _ := bookings.GetByID(context.Background(), conf.Booking.ID)
	if money.Format(first.CommissionAmount) != "12.00" {
		t.Errorf("first booking commission = %s, want 12.00", money.Format(first.CommissionAmount))
	}
	if money.Format(second.Booking.CommissionAmount) != "20.00" {
		t.Errorf("second booking commission = %s, want 20.00", money.Format(second.Booking.CommissionAmount))
	}
}

func TestQuote(t *testing.T) {
	svc, _, bookings := newTestService(t)
	r, err := svc.Quote(context.Background(), "est-1", dec("156.78"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if r.CommissionMinorUnits != 1683 {
		t.Errorf("CommissionMinorUnits = %d, want 1683", r.CommissionMinorUnits)
	}
	if len(bookings.items) != 0 {
		t.Error("quote persisted a booking")
	}
	if _, err := svc.Quote(context.Background(), "est-1", dec("-1")); !errors.Is(err, ErrCommission) {
		t.Errorf("expected ErrCommission, got %v", err)
	}
}

func TestAttachChargeAndCancel(t *testing.T) {
	svc, _, _ := newTestService(t)
	conf, err := svc.Confirm(context.Background(), ConfirmRequest{EstablishmentID: "est-1", Reference: "R", GrossAmount: ptr(dec("50"))})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.AttachCharge(context.Background(), conf.Booking.ID, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	b, err := svc.AttachCharge(context.Background(), conf.Booking.ID, "ch_1")
	if err != nil || b.ProcessorChargeID != "ch_1" {
		t.Fatalf("AttachCharge = %+v, %v", b, err)
	}

	b, err = svc.Cancel(context.Background(), conf.Booking.ID)
	if err != nil || b.Status != domain.BookingCancelled {
		t.Fatalf("Cancel = %+v, %v", b, err)
	}
	if !b.CommissionAmount.Equal(conf.Booking.CommissionAmount) {
		t.Errorf("cancel changed commission")
	}
}

func TestProperty_ConfirmedBookingsAlwaysBalance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, ests, _ := newTestService(t)
		e, _ := ests.GetByID(context.Background(), "est-1")
		e.CommissionRatePercent = decimal.New(rapid.Int64Range(0, 10_000).Draw(rt, "rate_centi"), -2)
		e.FixedFee = money.FromMinorUnits(rapid.Int64Range(0, 2_000).Draw(rt, "fee_cents"))
		ests.set(*e)

		gross := money.FromMinorUnits(rapid.Int64Range(0, 5_000_000).Draw(rt, "gross_cents"))
		conf, err := svc.Confirm(context.Background(), ConfirmRequest{EstablishmentID: "est-1", Reference: "R", GrossAmount: &gross})
		if err != nil {
			rt.Fatalf("Confirm: %v", err)
		}
		b := conf.Booking
		if !b.CommissionAmount.Add(b.NetAmount).Equal(b.GrossAmount) {
			rt.Fatalf("%s + %s != %s", b.CommissionAmount, b.NetAmount, b.GrossAmount)
		}
		h := conf.Handoff
		netMinor, _ := money.ToMinorUnits(b.NetAmount)
		if h.AmountMinorUnits-h.ApplicationFeeMinorUnits != netMinor {
			rt.Fatalf("handoff %d - %d != %d", h.AmountMinorUnits, h.ApplicationFeeMinorUnits, netMinor)
		}
	})
}
