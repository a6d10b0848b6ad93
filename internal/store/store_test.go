package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/Concierge/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state", "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeFactories returns every backend the contract tests run against.
// PostgreSQL joins when CONCIERGE_TEST_POSTGRES_DSN is set.
func storeFactories() map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}
	if dsn := os.Getenv("CONCIERGE_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			require.NoError(t, err)
			for _, table := range []string{"inbound_dedup", "messages", "booking_guests", "bookings", "guests", "property_documents", "property_information", "properties", "model_params"} {
				_, err := s.db.Exec(`DELETE FROM ` + table)
				require.NoError(t, err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func seedBooking(t *testing.T, s Store, checkIn time.Time) (models.Property, models.Booking) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProperty(ctx, models.Property{OwnerID: "owner-1", Name: "Lake House", Address: "1 Shore Rd"})
	require.NoError(t, err)
	b, err := s.CreateBooking(ctx, models.Booking{PropertyID: p.ID, CheckIn: checkIn, CheckOut: checkIn.Add(72 * time.Hour)})
	require.NoError(t, err)
	return p, b
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://user@localhost/db":   "postgres",
		"postgresql://user@localhost/db": "postgres",
		"host=localhost dbname=concierge": "postgres",
		"/var/lib/concierge/state.db":     "sqlite",
		"file:test.db?cache=shared":       "sqlite",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, DetectDSNType(dsn), dsn)
	}
}

func TestOpenWithoutDSNReturnsInMemoryStore(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	_, ok := s.(*InMemoryStore)
	assert.True(t, ok)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	pg := &sqlStore{d: postgresDialect}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &sqlStore{d: sqliteDialect}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestStore_PropertyLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		lat, lng := 47.6, -122.3
		p, err := s.CreateProperty(ctx, models.Property{
			OwnerID: "owner-1", Name: "Cabin", Address: "2 Pine Way",
			URL: "https://example.com/cabin", Latitude: &lat, Longitude: &lng,
		})
		require.NoError(t, err)
		require.NotEmpty(t, p.ID)

		got, err := s.GetProperty(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Cabin", got.Name)
		require.True(t, got.HasCoordinates())
		assert.InDelta(t, lat, *got.Latitude, 1e-9)

		_, err = s.AddPropertyInformation(ctx, models.PropertyInformation{PropertyID: p.ID, Name: "WiFi", Detail: "pw: trout"})
		require.NoError(t, err)
		docs, err := s.ReplacePropertyDocuments(ctx, p.ID, []models.PropertyDocument{{SourceURL: p.URL, Content: "Cozy cabin"}})
		require.NoError(t, err)
		require.Len(t, docs, 1)

		// Same URL keeps documents.
		got.Description = "Updated"
		_, err = s.UpdateProperty(ctx, got)
		require.NoError(t, err)
		docs, err = s.ListPropertyDocuments(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, docs, 1)

		// A new URL drops them.
		got.URL = "https://example.com/cabin-v2"
		_, err = s.UpdateProperty(ctx, got)
		require.NoError(t, err)
		docs, err = s.ListPropertyDocuments(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, docs)

		list, err := s.ListProperties(ctx, "owner-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
		list, err = s.ListProperties(ctx, "someone-else")
		require.NoError(t, err)
		assert.Empty(t, list)

		require.NoError(t, s.DeleteProperty(ctx, p.ID))
		_, err = s.GetProperty(ctx, p.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_DeletePropertyWithBookingsFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		p, _ := seedBooking(t, s, time.Now().Add(24*time.Hour))
		err := s.DeleteProperty(context.Background(), p.ID)
		assert.ErrorIs(t, err, models.ErrPropertyHasBookings)
	})
}

func TestStore_GuestPhoneIsUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		g, err := s.CreateGuest(ctx, models.Guest{Phone: "15551234567", FirstName: "Ada"})
		require.NoError(t, err)

		_, err = s.CreateGuest(ctx, models.Guest{Phone: "15551234567", FirstName: "Other"})
		assert.ErrorIs(t, err, models.ErrGuestPhoneConflict)

		byPhone, err := s.GetGuestByPhone(ctx, "15551234567")
		require.NoError(t, err)
		assert.Equal(t, g.ID, byPhone.ID)
		assert.Equal(t, "Ada", byPhone.FirstName)

		_, err = s.GetGuestByPhone(ctx, "19998887777")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_NextBookingForPhone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		g, err := s.CreateGuest(ctx, models.Guest{Phone: "15551234567"})
		require.NoError(t, err)

		_, past := seedBooking(t, s, now.Add(-48*time.Hour))
		_, later := seedBooking(t, s, now.Add(30*24*time.Hour))
		_, soon := seedBooking(t, s, now.Add(2*24*time.Hour))
		for _, b := range []models.Booking{past, later, soon} {
			require.NoError(t, s.AddBookingGuest(ctx, b.ID, g.ID))
		}
		// Linking twice is a no-op.
		require.NoError(t, s.AddBookingGuest(ctx, soon.ID, g.ID))

		got, err := s.NextBookingForPhone(ctx, "15551234567", now)
		require.NoError(t, err)
		assert.Equal(t, soon.ID, got.ID)

		got, err = s.NextBookingForGuest(ctx, g.ID, now)
		require.NoError(t, err)
		assert.Equal(t, soon.ID, got.ID)

		guests, err := s.ListBookingGuests(ctx, soon.ID)
		require.NoError(t, err)
		require.Len(t, guests, 1)
		assert.Equal(t, g.ID, guests[0].ID)

		_, err = s.NextBookingForPhone(ctx, "15551234567", now.Add(365*24*time.Hour))
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = s.NextBookingForPhone(ctx, "10000000000", now)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_MessageOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, b := seedBooking(t, s, time.Now().Add(24*time.Hour))
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

		// Two rows share a timestamp; insertion order breaks the tie.
		inputs := []models.Message{
			{BookingID: b.ID, SenderID: "g", SenderType: models.SenderGuest, Content: "first", CreatedAt: base},
			{BookingID: b.ID, SenderID: "a", SenderType: models.SenderAssistant, Content: "second", CreatedAt: base},
			{BookingID: b.ID, SenderID: "g", SenderType: models.SenderGuest, Content: "third", CreatedAt: base.Add(time.Second)},
			{BookingID: b.ID, SenderID: "o", SenderType: models.SenderOwner, Content: "fourth", CreatedAt: base.Add(2 * time.Second)},
		}
		for _, m := range inputs {
			_, err := s.AddMessage(ctx, m)
			require.NoError(t, err)
		}

		all, err := s.ListMessages(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []string{"first", "second", "third", "fourth"}, contents(all))
		assert.Equal(t, models.SenderOwner, all[3].SenderType)

		recent, err := s.ListRecentMessages(ctx, b.ID, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"fourth", "third", "second"}, contents(recent))

		none, err := s.ListRecentMessages(ctx, b.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func contents(ms []models.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}

func TestStore_SetMessageSMSID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, b := seedBooking(t, s, time.Now().Add(24*time.Hour))
		m, err := s.AddMessage(ctx, models.Message{BookingID: b.ID, SenderID: "g", SenderType: models.SenderGuest, Content: "hi"})
		require.NoError(t, err)
		assert.Empty(t, m.SMSID)

		require.NoError(t, s.SetMessageSMSID(ctx, m.ID, "SM123"))
		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "SM123", got.SMSID)

		assert.ErrorIs(t, s.SetMessageSMSID(ctx, "missing", "SM1"), models.ErrNotFound)
	})
}

func TestStore_DeleteBookingWithMessagesFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, b := seedBooking(t, s, time.Now().Add(24*time.Hour))
		_, empty := seedBooking(t, s, time.Now().Add(48*time.Hour))
		_, err := s.AddMessage(ctx, models.Message{BookingID: b.ID, SenderID: "g", SenderType: models.SenderGuest, Content: "hi"})
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteBooking(ctx, b.ID), models.ErrBookingHasMessages)
		require.NoError(t, s.DeleteBooking(ctx, empty.ID))
		_, err = s.GetBooking(ctx, empty.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_ActivateModelParams(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateModelParams(ctx, models.ModelParams{SystemPrompt: "A", Temperature: 0.7, TopP: 0.9, Active: true})
		require.NoError(t, err)
		b, err := s.CreateModelParams(ctx, models.ModelParams{SystemPrompt: "B", Temperature: 0.2, TopP: 1, Active: true})
		require.NoError(t, err)

		// Creation does not enforce the single-active rule.
		active, err := s.ListActiveModelParams(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		require.NoError(t, s.ActivateModelParams(ctx, b.ID))
		active, err = s.ListActiveModelParams(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, b.ID, active[0].ID)

		require.NoError(t, s.ActivateModelParams(ctx, a.ID))
		active, err = s.ListActiveModelParams(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "A", active[0].SystemPrompt)

		assert.ErrorIs(t, s.ActivateModelParams(ctx, "missing"), models.ErrNotFound)
	})
}

func TestStore_RecordInboundDeduplicates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.RecordInbound(ctx, "sms", "SM-abc")
		require.NoError(t, err)
		assert.True(t, first)

		again, err := s.RecordInbound(ctx, "sms", "SM-abc")
		require.NoError(t, err)
		assert.False(t, again)

		otherChannel, err := s.RecordInbound(ctx, "whatsapp", "SM-abc")
		require.NoError(t, err)
		assert.True(t, otherChannel)

		require.NoError(t, s.MarkInboundProcessed(ctx, "sms", "SM-abc"))
	})
}

func TestSQLiteDialect_UniqueViolation(t *testing.T) {
	assert.True(t, sqliteDialect.isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, sqliteDialect.isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.False(t, sqliteDialect.isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}))
	assert.False(t, sqliteDialect.isUniqueViolation(context.Canceled))
}

func TestStore_ForgetInboundOnlyDropsUnprocessed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.RecordInbound(ctx, "sms", "SM-aborted")
		require.NoError(t, err)
		require.NoError(t, s.ForgetInbound(ctx, "sms", "SM-aborted"))
		retry, err := s.RecordInbound(ctx, "sms", "SM-aborted")
		require.NoError(t, err)
		assert.True(t, retry, "forgotten id should be accepted again")

		_, err = s.RecordInbound(ctx, "sms", "SM-done")
		require.NoError(t, err)
		require.NoError(t, s.MarkInboundProcessed(ctx, "sms", "SM-done"))
		require.NoError(t, s.ForgetInbound(ctx, "sms", "SM-done"))
		again, err := s.RecordInbound(ctx, "sms", "SM-done")
		require.NoError(t, err)
		assert.False(t, again, "processed id must stay recorded")
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	g, err := s.CreateGuest(context.Background(), models.Guest{Phone: "15550001111"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetGuest(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, "15550001111", got.Phone)
}
