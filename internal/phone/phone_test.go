package phone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/store"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"+14155550100":          "14155550100",
		"(415) 555-0100":        "14155550100",
		"415.555.0100":          "14155550100",
		"1 415 555 0100":        "14155550100",
		"whatsapp:+14155550100": "14155550100",
		"+44 20 7946 0958":      "442079460958",
	}
	for raw, want := range cases {
		got, err := Normalize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)

		again, err := Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, got, again, "normalization must be stable")
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a number", "12"} {
		_, err := Normalize(raw)
		assert.ErrorIs(t, err, models.ErrInvalidPhoneFormat, raw)
	}
}

func TestE164(t *testing.T) {
	assert.Equal(t, "+14155550100", E164("14155550100"))
	assert.Equal(t, "+14155550100", E164("+14155550100"))
	assert.Equal(t, "+14155550100", E164(" 14155550100 "))
	assert.Equal(t, "", E164(""))
}

func TestFindOrCreateGuestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(store.NewInMemoryStore())

	first, err := r.FindOrCreateGuest(ctx, "+1 415 555 0100", "Ada", "Lovelace")
	require.NoError(t, err)
	second, err := r.FindOrCreateGuest(ctx, "(415) 555-0100", "Grace", "Hopper")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada", second.FirstName)
	assert.Equal(t, "Lovelace", second.LastName)
	assert.Equal(t, "14155550100", second.Phone)
}

func TestResolveUnknownPhone(t *testing.T) {
	r := NewResolver(store.NewInMemoryStore())
	_, err := r.Resolve(context.Background(), "+14155550100")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrInvalidPhoneFormat)
}

func TestResolveActiveBookingPicksSoonestFutureCheckIn(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	r := NewResolver(st, WithClock(func() time.Time { return now }))

	g, err := r.FindOrCreateGuest(ctx, "+14155550100", "", "")
	require.NoError(t, err)
	p, err := st.CreateProperty(ctx, models.Property{OwnerID: "o", Name: "Beautiful Beach House", Address: "9 Dune Ln"})
	require.NoError(t, err)

	mk := func(offset time.Duration) models.Booking {
		b, err := st.CreateBooking(ctx, models.Booking{PropertyID: p.ID, CheckIn: now.Add(offset), CheckOut: now.Add(offset + 48*time.Hour)})
		require.NoError(t, err)
		require.NoError(t, st.AddBookingGuest(ctx, b.ID, g.ID))
		return b
	}
	mk(-24 * time.Hour) // current stay, check-in already passed
	far := mk(20 * 24 * time.Hour)
	near := mk(3 * 24 * time.Hour)

	b, err := r.ResolveActiveBooking(ctx, "415-555-0100")
	require.NoError(t, err)
	assert.Equal(t, near.ID, b.ID)

	now = near.CheckIn
	b, err = r.ResolveActiveBooking(ctx, "415-555-0100")
	require.NoError(t, err)
	assert.Equal(t, far.ID, b.ID, "check-in equal to now is not upcoming")
}

func TestResolveActiveBookingNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	r := NewResolver(st)
	_, err := r.FindOrCreateGuest(ctx, "+14155550199", "", "")
	require.NoError(t, err)

	_, err = r.ResolveActiveBooking(ctx, "+14155550199")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
