// Package store provides storage backends for Concierge.
//
// It exposes typed read/write access to properties, bookings, guests, messages and
// model params. An in-memory store backs tests and DSN-less runs; SQLite and
// PostgreSQL stores share one database/sql implementation.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
)

// Store is the datastore adapter used by the conversation pipeline and the API.
// Missing rows are reported as models.ErrNotFound.
type Store interface {
	CreateProperty(ctx context.Context, p models.Property) (models.Property, error)
	GetProperty(ctx context.Context, id string) (models.Property, error)
	ListProperties(ctx context.Context, ownerID string) ([]models.Property, error)
	// UpdateProperty replaces the property row. A changed URL drops the property's documents.
	UpdateProperty(ctx context.Context, p models.Property) (models.Property, error)
	DeleteProperty(ctx context.Context, id string) error

	AddPropertyInformation(ctx context.Context, info models.PropertyInformation) (models.PropertyInformation, error)
	ListPropertyInformation(ctx context.Context, propertyID string) ([]models.PropertyInformation, error)
	DeletePropertyInformation(ctx context.Context, propertyID, id string) error

	ReplacePropertyDocuments(ctx context.Context, propertyID string, docs []models.PropertyDocument) ([]models.PropertyDocument, error)
	ListPropertyDocuments(ctx context.Context, propertyID string) ([]models.PropertyDocument, error)

	// CreateGuest inserts a guest, failing with models.ErrGuestPhoneConflict if the phone exists.
	CreateGuest(ctx context.Context, g models.Guest) (models.Guest, error)
	GetGuest(ctx context.Context, id string) (models.Guest, error)
	GetGuestByPhone(ctx context.Context, phone string) (models.Guest, error)
	ListGuests(ctx context.Context) ([]models.Guest, error)

	CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error)
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	ListBookings(ctx context.Context, propertyID string) ([]models.Booking, error)
	UpdateBooking(ctx context.Context, b models.Booking) (models.Booking, error)
	// DeleteBooking fails with models.ErrBookingHasMessages while messages reference the booking.
	DeleteBooking(ctx context.Context, id string) error
	AddBookingGuest(ctx context.Context, bookingID, guestID string) error
	ListBookingGuests(ctx context.Context, bookingID string) ([]models.Guest, error)
	// NextBookingForPhone returns the booking with the soonest check-in strictly after now
	// among bookings linked to the guest with this canonical phone.
	NextBookingForPhone(ctx context.Context, phone string, now time.Time) (models.Booking, error)
	NextBookingForGuest(ctx context.Context, guestID string, now time.Time) (models.Booking, error)

	AddMessage(ctx context.Context, m models.Message) (models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	// ListRecentMessages returns at most limit messages, newest first.
	ListRecentMessages(ctx context.Context, bookingID string, limit int) ([]models.Message, error)
	// ListMessages returns every message of the booking, oldest first.
	ListMessages(ctx context.Context, bookingID string) ([]models.Message, error)
	SetMessageSMSID(ctx context.Context, messageID, smsID string) error

	CreateModelParams(ctx context.Context, p models.ModelParams) (models.ModelParams, error)
	ListModelParams(ctx context.Context) ([]models.ModelParams, error)
	ListActiveModelParams(ctx context.Context) ([]models.ModelParams, error)
	// ActivateModelParams marks id active and every other row inactive.
	ActivateModelParams(ctx context.Context, id string) error

	DedupRepo

	Close() error
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Opts holds configuration options for opening a store.
type Opts struct {
	DSN    string
	Driver string // "postgres" or "sqlite"
}

// Option defines a configuration option for opening a store.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL store with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithSQLiteDSN selects the SQLite store with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite"
	}
}

// Open returns the store selected by opts. Without a DSN it returns an InMemoryStore.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no database DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.Open: opening store", "driver", driver)
	if driver == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(trimmed, "host=") || strings.Contains(trimmed, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
