// Package phone resolves inbound phone numbers to guests and their bookings.
//
// Numbers are canonicalized to E.164 digits without the leading plus
// ("+1 (415) 555-0100" becomes "14155550100"), the form stored in guests.phone.
package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/store"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "US"

// Normalize parses raw in the default region and returns its canonical digits-only form.
func Normalize(raw string) (string, error) {
	return NormalizeInRegion(raw, DefaultRegion)
}

// NormalizeInRegion is Normalize with an explicit default region.
func NormalizeInRegion(raw, region string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty phone number: %w", models.ErrInvalidPhoneFormat)
	}
	// WhatsApp and Twilio prefix channel addresses ("whatsapp:+1415...").
	if i := strings.LastIndex(trimmed, ":"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	num, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return "", fmt.Errorf("parse %q: %v: %w", raw, err, models.ErrInvalidPhoneFormat)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%q is not a possible phone number: %w", raw, models.ErrInvalidPhoneFormat)
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}

// E164 returns the canonical form with a leading plus, as SMS providers expect.
func E164(canonical string) string {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" || strings.HasPrefix(canonical, "+") {
		return canonical
	}
	return "+" + canonical
}

// Opts holds configuration for a Resolver.
type Opts struct {
	Region string
	Now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Opts)

// WithRegion sets the default region for numbers without a country code.
func WithRegion(region string) Option {
	return func(o *Opts) {
		o.Region = region
	}
}

// WithClock overrides the time source used to pick the next booking.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Resolver maps phone numbers to guests and bookings.
type Resolver struct {
	store  store.Store
	region string
	now    func() time.Time
}

// NewResolver creates a Resolver over st.
func NewResolver(st store.Store, opts ...Option) *Resolver {
	cfg := Opts{Region: DefaultRegion, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{store: st, region: cfg.Region, now: cfg.Now}
}

// Normalize canonicalizes raw using the resolver's region.
func (r *Resolver) Normalize(raw string) (string, error) {
	return NormalizeInRegion(raw, r.region)
}

// Resolve returns the guest registered under raw. Unknown numbers yield models.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, raw string) (models.Guest, error) {
	canonical, err := r.Normalize(raw)
	if err != nil {
		slog.Debug("Resolver.Resolve: invalid phone", "raw", raw, "error", err)
		return models.Guest{}, err
	}
	return r.store.GetGuestByPhone(ctx, canonical)
}

// FindOrCreateGuest returns the guest for raw, creating it if needed. Names are only
// applied on creation; an existing guest is returned unchanged.
func (r *Resolver) FindOrCreateGuest(ctx context.Context, raw, firstName, lastName string) (models.Guest, error) {
	canonical, err := r.Normalize(raw)
	if err != nil {
		return models.Guest{}, err
	}
	g, err := r.store.GetGuestByPhone(ctx, canonical)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Guest{}, err
	}
	g, err = r.store.CreateGuest(ctx, models.Guest{Phone: canonical, FirstName: firstName, LastName: lastName})
	if errors.Is(err, models.ErrGuestPhoneConflict) {
		// Lost a race with a concurrent create; the winner's row is authoritative.
		return r.store.GetGuestByPhone(ctx, canonical)
	}
	if err != nil {
		return models.Guest{}, err
	}
	slog.Info("Resolver.FindOrCreateGuest: created guest", "guestID", g.ID, "phone", canonical)
	return g, nil
}

// ResolveActiveBooking returns the booking with the soonest check-in after now among
// the bookings of the guest with this phone. No such booking yields models.ErrNotFound.
func (r *Resolver) ResolveActiveBooking(ctx context.Context, raw string) (models.Booking, error) {
	_, b, err := r.ResolveGuestBooking(ctx, raw)
	return b, err
}

// ResolveGuestBooking resolves both the guest and its next booking.
func (r *Resolver) ResolveGuestBooking(ctx context.Context, raw string) (models.Guest, models.Booking, error) {
	g, err := r.Resolve(ctx, raw)
	if err != nil {
		return models.Guest{}, models.Booking{}, err
	}
	b, err := r.store.NextBookingForGuest(ctx, g.ID, r.now())
	if err != nil {
		return g, models.Booking{}, err
	}
	return g, b, nil
}
