package store

import (
	"database/sql"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/google/uuid"
)

// newID returns a time-ordered UUIDv7 string, falling back to v4 if the clock source fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// stamp returns t in UTC, or the current UTC time when t is zero.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullFloat converts an optional coordinate to a nullable column value.
func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const propertyColumns = `id, owner_id, name, address, description, url, lat, lng, created_at, updated_at`

func scanProperty(row rowScanner) (models.Property, error) {
	var p models.Property
	var lat, lng sql.NullFloat64
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Address, &p.Description, &p.URL, &lat, &lng, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if lat.Valid {
		p.Latitude = &lat.Float64
	}
	if lng.Valid {
		p.Longitude = &lng.Float64
	}
	return p, nil
}

const propertyInformationColumns = `id, property_id, name, detail, category, created_at`

func scanPropertyInformation(row rowScanner) (models.PropertyInformation, error) {
	var info models.PropertyInformation
	err := row.Scan(&info.ID, &info.PropertyID, &info.Name, &info.Detail, &info.Category, &info.CreatedAt)
	return info, err
}

const propertyDocumentColumns = `id, property_id, source_url, content, created_at`

func scanPropertyDocument(row rowScanner) (models.PropertyDocument, error) {
	var d models.PropertyDocument
	err := row.Scan(&d.ID, &d.PropertyID, &d.SourceURL, &d.Content, &d.CreatedAt)
	return d, err
}

const guestColumns = `id, phone, first_name, last_name, created_at`

func scanGuest(row rowScanner) (models.Guest, error) {
	var g models.Guest
	err := row.Scan(&g.ID, &g.Phone, &g.FirstName, &g.LastName, &g.CreatedAt)
	return g, err
}

const bookingColumns = `id, property_id, check_in, check_out, created_at, updated_at`

func scanBooking(row rowScanner) (models.Booking, error) {
	var b models.Booking
	err := row.Scan(&b.ID, &b.PropertyID, &b.CheckIn, &b.CheckOut, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

const messageColumns = `id, booking_id, sender_id, sender_type, content, sms_id, question_id, created_at`

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var smsID, questionID sql.NullString
	var senderType int
	if err := row.Scan(&m.ID, &m.BookingID, &m.SenderID, &senderType, &m.Content, &smsID, &questionID, &m.CreatedAt); err != nil {
		return m, err
	}
	m.SenderType = models.SenderType(senderType)
	m.SMSID = smsID.String
	m.QuestionID = questionID.String
	return m, nil
}

const modelParamsColumns = `id, system_prompt, temperature, top_p, active, created_at, updated_at`

func scanModelParams(row rowScanner) (models.ModelParams, error) {
	var p models.ModelParams
	err := row.Scan(&p.ID, &p.SystemPrompt, &p.Temperature, &p.TopP, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
