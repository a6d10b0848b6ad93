package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
)

// dialect captures the differences between the SQLite and PostgreSQL schemas.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
	// column giving insertion order of messages within equal timestamps
	messageSeq        string
	isUniqueViolation func(error) bool
}

// sqlStore implements Store over database/sql. SQLiteStore and PostgresStore embed it.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// rebind rewrites '?' placeholders for dialects that use numbered parameters.
func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, s *sqlStore, query string, scan func(rowScanner) (T, error), args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// notFound maps sql.ErrNoRows to models.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return err
}

// requireAffected returns models.ErrNotFound when res changed no rows.
func requireAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("sqlStore.withTx: rollback failed", "dialect", s.d.name, "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "dialect", s.d.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "dialect", s.d.name, "error", err)
	}
	return err
}

// --- properties ---

func (s *sqlStore) CreateProperty(ctx context.Context, p models.Property) (models.Property, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = stamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	_, err := s.exec(ctx, s.db, `INSERT INTO properties (`+propertyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Address, p.Description, p.URL, nullFloat(p.Latitude), nullFloat(p.Longitude), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("sqlStore.CreateProperty failed", "error", err, "propertyID", p.ID)
		return p, fmt.Errorf("failed to insert property %s: %w", p.ID, err)
	}
	slog.Debug("sqlStore.CreateProperty succeeded", "propertyID", p.ID)
	return p, nil
}

func (s *sqlStore) GetProperty(ctx context.Context, id string) (models.Property, error) {
	p, err := scanProperty(s.queryRow(ctx, s.db, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, id))
	if err != nil {
		return p, notFound(err, "property", id)
	}
	return p, nil
}

func (s *sqlStore) ListProperties(ctx context.Context, ownerID string) ([]models.Property, error) {
	if ownerID == "" {
		return queryAll(ctx, s, `SELECT `+propertyColumns+` FROM properties ORDER BY created_at, id`, scanProperty)
	}
	return queryAll(ctx, s, `SELECT `+propertyColumns+` FROM properties WHERE owner_id = ? ORDER BY created_at, id`, scanProperty, ownerID)
}

func (s *sqlStore) UpdateProperty(ctx context.Context, p models.Property) (models.Property, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanProperty(s.queryRow(ctx, tx, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, p.ID))
		if err != nil {
			return notFound(err, "property", p.ID)
		}
		p.CreatedAt = current.CreatedAt
		p.UpdatedAt = time.Now().UTC()
		if _, err := s.exec(ctx, tx, `UPDATE properties SET owner_id = ?, name = ?, address = ?, description = ?, url = ?, lat = ?, lng = ?, updated_at = ? WHERE id = ?`,
			p.OwnerID, p.Name, p.Address, p.Description, p.URL, nullFloat(p.Latitude), nullFloat(p.Longitude), p.UpdatedAt, p.ID); err != nil {
			return fmt.Errorf("failed to update property %s: %w", p.ID, err)
		}
		if current.URL != p.URL {
			if _, err := s.exec(ctx, tx, `DELETE FROM property_documents WHERE property_id = ?`, p.ID); err != nil {
				return fmt.Errorf("failed to drop documents of property %s: %w", p.ID, err)
			}
			slog.Info("sqlStore.UpdateProperty: source URL changed, documents dropped", "propertyID", p.ID)
		}
		return nil
	})
	if err != nil {
		slog.Error("sqlStore.UpdateProperty failed", "error", err, "propertyID", p.ID)
		return p, err
	}
	return p, nil
}

func (s *sqlStore) DeleteProperty(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM bookings WHERE property_id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("property %s: %w", id, models.ErrPropertyHasBookings)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM property_information WHERE property_id = ?`, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM property_documents WHERE property_id = ?`, id); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `DELETE FROM properties WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "property", id)
	})
}

// --- property information and documents ---

func (s *sqlStore) AddPropertyInformation(ctx context.Context, info models.PropertyInformation) (models.PropertyInformation, error) {
	if info.ID == "" {
		info.ID = newID()
	}
	info.CreatedAt = stamp(info.CreatedAt)
	_, err := s.exec(ctx, s.db, `INSERT INTO property_information (`+propertyInformationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.PropertyID, info.Name, info.Detail, info.Category, info.CreatedAt)
	if err != nil {
		slog.Error("sqlStore.AddPropertyInformation failed", "error", err, "propertyID", info.PropertyID)
		return info, fmt.Errorf("failed to insert property information for %s: %w", info.PropertyID, err)
	}
	return info, nil
}

func (s *sqlStore) ListPropertyInformation(ctx context.Context, propertyID string) ([]models.PropertyInformation, error) {
	return queryAll(ctx, s, `SELECT `+propertyInformationColumns+` FROM property_information WHERE property_id = ? ORDER BY created_at, id`, scanPropertyInformation, propertyID)
}

func (s *sqlStore) DeletePropertyInformation(ctx context.Context, propertyID, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM property_information WHERE property_id = ? AND id = ?`, propertyID, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "property information", id)
}

func (s *sqlStore) ReplacePropertyDocuments(ctx context.Context, propertyID string, docs []models.PropertyDocument) ([]models.PropertyDocument, error) {
	out := make([]models.PropertyDocument, 0, len(docs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM property_documents WHERE property_id = ?`, propertyID); err != nil {
			return err
		}
		for _, d := range docs {
			if d.ID == "" {
				d.ID = newID()
			}
			d.PropertyID = propertyID
			d.CreatedAt = stamp(d.CreatedAt)
			if _, err := s.exec(ctx, tx, `INSERT INTO property_documents (`+propertyDocumentColumns+`) VALUES (?, ?, ?, ?, ?)`,
				d.ID, d.PropertyID, d.SourceURL, d.Content, d.CreatedAt); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		slog.Error("sqlStore.ReplacePropertyDocuments failed", "error", err, "propertyID", propertyID)
		return nil, fmt.Errorf("failed to replace documents of property %s: %w", propertyID, err)
	}
	return out, nil
}

func (s *sqlStore) ListPropertyDocuments(ctx context.Context, propertyID string) ([]models.PropertyDocument, error) {
	return queryAll(ctx, s, `SELECT `+propertyDocumentColumns+` FROM property_documents WHERE property_id = ? ORDER BY created_at, id`, scanPropertyDocument, propertyID)
}

// --- guests ---

func (s *sqlStore) CreateGuest(ctx context.Context, g models.Guest) (models.Guest, error) {
	if g.ID == "" {
		g.ID = newID()
	}
	g.CreatedAt = stamp(g.CreatedAt)
	_, err := s.exec(ctx, s.db, `INSERT INTO guests (`+guestColumns+`) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Phone, g.FirstName, g.LastName, g.CreatedAt)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return g, fmt.Errorf("guest phone %s: %w", g.Phone, models.ErrGuestPhoneConflict)
		}
		slog.Error("sqlStore.CreateGuest failed", "error", err, "phone", g.Phone)
		return g, fmt.Errorf("failed to insert guest %s: %w", g.Phone, err)
	}
	return g, nil
}

func (s *sqlStore) GetGuest(ctx context.Context, id string) (models.Guest, error) {
	g, err := scanGuest(s.queryRow(ctx, s.db, `SELECT `+guestColumns+` FROM guests WHERE id = ?`, id))
	if err != nil {
		return g, notFound(err, "guest", id)
	}
	return g, nil
}

func (s *sqlStore) GetGuestByPhone(ctx context.Context, phone string) (models.Guest, error) {
	g, err := scanGuest(s.queryRow(ctx, s.db, `SELECT `+guestColumns+` FROM guests WHERE phone = ?`, phone))
	if err != nil {
		return g, notFound(err, "guest with phone", phone)
	}
	return g, nil
}

func (s *sqlStore) ListGuests(ctx context.Context) ([]models.Guest, error) {
	return queryAll(ctx, s, `SELECT `+guestColumns+` FROM guests ORDER BY created_at, id`, scanGuest)
}

// --- bookings ---

func (s *sqlStore) CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error) {
	if b.ID == "" {
		b.ID = newID()
	}
	b.CreatedAt = stamp(b.CreatedAt)
	b.UpdatedAt = b.CreatedAt
	b.CheckIn = b.CheckIn.UTC()
	b.CheckOut = b.CheckOut.UTC()
	_, err := s.exec(ctx, s.db, `INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.PropertyID, b.CheckIn, b.CheckOut, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		slog.Error("sqlStore.CreateBooking failed", "error", err, "propertyID", b.PropertyID)
		return b, fmt.Errorf("failed to insert booking for property %s: %w", b.PropertyID, err)
	}
	return b, nil
}

func (s *sqlStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	b, err := scanBooking(s.queryRow(ctx, s.db, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		return b, notFound(err, "booking", id)
	}
	return b, nil
}

func (s *sqlStore) ListBookings(ctx context.Context, propertyID string) ([]models.Booking, error) {
	if propertyID == "" {
		return queryAll(ctx, s, `SELECT `+bookingColumns+` FROM bookings ORDER BY check_in, id`, scanBooking)
	}
	return queryAll(ctx, s, `SELECT `+bookingColumns+` FROM bookings WHERE property_id = ? ORDER BY check_in, id`, scanBooking, propertyID)
}

func (s *sqlStore) UpdateBooking(ctx context.Context, b models.Booking) (models.Booking, error) {
	b.UpdatedAt = time.Now().UTC()
	b.CheckIn = b.CheckIn.UTC()
	b.CheckOut = b.CheckOut.UTC()
	res, err := s.exec(ctx, s.db, `UPDATE bookings SET property_id = ?, check_in = ?, check_out = ?, updated_at = ? WHERE id = ?`,
		b.PropertyID, b.CheckIn, b.CheckOut, b.UpdatedAt, b.ID)
	if err != nil {
		return b, fmt.Errorf("failed to update booking %s: %w", b.ID, err)
	}
	if err := requireAffected(res, "booking", b.ID); err != nil {
		return b, err
	}
	return s.GetBooking(ctx, b.ID)
}

func (s *sqlStore) DeleteBooking(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM messages WHERE booking_id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("booking %s: %w", id, models.ErrBookingHasMessages)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM booking_guests WHERE booking_id = ?`, id); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `DELETE FROM bookings WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "booking", id)
	})
}

func (s *sqlStore) AddBookingGuest(ctx context.Context, bookingID, guestID string) error {
	var exists int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM booking_guests WHERE booking_id = ? AND guest_id = ?`, bookingID, guestID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	if _, err := s.exec(ctx, s.db, `INSERT INTO booking_guests (booking_id, guest_id, created_at) VALUES (?, ?, ?)`,
		bookingID, guestID, time.Now().UTC()); err != nil {
		slog.Error("sqlStore.AddBookingGuest failed", "error", err, "bookingID", bookingID, "guestID", guestID)
		return fmt.Errorf("failed to link guest %s to booking %s: %w", guestID, bookingID, err)
	}
	return nil
}

func (s *sqlStore) ListBookingGuests(ctx context.Context, bookingID string) ([]models.Guest, error) {
	return queryAll(ctx, s, `SELECT g.id, g.phone, g.first_name, g.last_name, g.created_at
		FROM guests g JOIN booking_guests bg ON bg.guest_id = g.id
		WHERE bg.booking_id = ? ORDER BY bg.created_at, g.id`, scanGuest, bookingID)
}

const nextBookingSelect = `SELECT b.id, b.property_id, b.check_in, b.check_out, b.created_at, b.updated_at
	FROM bookings b
	JOIN booking_guests bg ON bg.booking_id = b.id
	JOIN guests g ON g.id = bg.guest_id`

func (s *sqlStore) NextBookingForPhone(ctx context.Context, phone string, now time.Time) (models.Booking, error) {
	b, err := scanBooking(s.queryRow(ctx, s.db, nextBookingSelect+`
		WHERE g.phone = ? AND b.check_in > ?
		ORDER BY b.check_in ASC, b.id ASC LIMIT 1`, phone, now.UTC()))
	if err != nil {
		return b, notFound(err, "upcoming booking for phone", phone)
	}
	return b, nil
}

func (s *sqlStore) NextBookingForGuest(ctx context.Context, guestID string, now time.Time) (models.Booking, error) {
	b, err := scanBooking(s.queryRow(ctx, s.db, nextBookingSelect+`
		WHERE g.id = ? AND b.check_in > ?
		ORDER BY b.check_in ASC, b.id ASC LIMIT 1`, guestID, now.UTC()))
	if err != nil {
		return b, notFound(err, "upcoming booking for guest", guestID)
	}
	return b, nil
}

// --- messages ---

func (s *sqlStore) AddMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = stamp(m.CreatedAt)
	_, err := s.exec(ctx, s.db, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.BookingID, m.SenderID, int(m.SenderType), m.Content, nilIfEmpty(m.SMSID), nilIfEmpty(m.QuestionID), m.CreatedAt)
	if err != nil {
		slog.Error("sqlStore.AddMessage failed", "error", err, "bookingID", m.BookingID, "senderType", m.SenderType.String())
		return m, fmt.Errorf("failed to insert message for booking %s: %w", m.BookingID, err)
	}
	slog.Debug("sqlStore.AddMessage succeeded", "messageID", m.ID, "bookingID", m.BookingID)
	return m, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (models.Message, error) {
	m, err := scanMessage(s.queryRow(ctx, s.db, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return m, notFound(err, "message", id)
	}
	return m, nil
}

func (s *sqlStore) ListRecentMessages(ctx context.Context, bookingID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	return queryAll(ctx, s, `SELECT `+messageColumns+` FROM messages WHERE booking_id = ?
		ORDER BY created_at DESC, `+s.d.messageSeq+` DESC LIMIT ?`, scanMessage, bookingID, limit)
}

func (s *sqlStore) ListMessages(ctx context.Context, bookingID string) ([]models.Message, error) {
	return queryAll(ctx, s, `SELECT `+messageColumns+` FROM messages WHERE booking_id = ?
		ORDER BY created_at ASC, `+s.d.messageSeq+` ASC`, scanMessage, bookingID)
}

func (s *sqlStore) SetMessageSMSID(ctx context.Context, messageID, smsID string) error {
	res, err := s.exec(ctx, s.db, `UPDATE messages SET sms_id = ? WHERE id = ?`, smsID, messageID)
	if err != nil {
		return fmt.Errorf("failed to set sms id on message %s: %w", messageID, err)
	}
	return requireAffected(res, "message", messageID)
}

// --- model params ---

func (s *sqlStore) CreateModelParams(ctx context.Context, p models.ModelParams) (models.ModelParams, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = stamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	_, err := s.exec(ctx, s.db, `INSERT INTO model_params (`+modelParamsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SystemPrompt, p.Temperature, p.TopP, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("sqlStore.CreateModelParams failed", "error", err)
		return p, fmt.Errorf("failed to insert model params: %w", err)
	}
	return p, nil
}

func (s *sqlStore) ListModelParams(ctx context.Context) ([]models.ModelParams, error) {
	return queryAll(ctx, s, `SELECT `+modelParamsColumns+` FROM model_params ORDER BY created_at, id`, scanModelParams)
}

func (s *sqlStore) ListActiveModelParams(ctx context.Context) ([]models.ModelParams, error) {
	return queryAll(ctx, s, `SELECT `+modelParamsColumns+` FROM model_params WHERE active = ? ORDER BY created_at, id`, scanModelParams, true)
}

func (s *sqlStore) ActivateModelParams(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := s.exec(ctx, tx, `UPDATE model_params SET active = ?, updated_at = ? WHERE id = ?`, true, now, id)
		if err != nil {
			return err
		}
		if err := requireAffected(res, "model params", id); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE model_params SET active = ?, updated_at = ? WHERE id <> ? AND active = ?`, false, now, id, true)
		return err
	})
}
