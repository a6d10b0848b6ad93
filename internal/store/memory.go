package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
)

// InMemoryStore keeps every table in maps guarded by one mutex.
// It is used by tests and when no database DSN is configured.
type InMemoryStore struct {
	mu            sync.RWMutex
	properties    map[string]models.Property
	information   map[string]models.PropertyInformation
	documents     map[string][]models.PropertyDocument
	guests        map[string]models.Guest
	guestsByPhone map[string]string
	bookings      map[string]models.Booking
	bookingGuests map[string][]models.BookingGuest
	messages      []storedMessage
	modelParams   map[string]models.ModelParams
	inbound       map[dedupKey]*time.Time
	seq           int64
}

type storedMessage struct {
	seq int64
	msg models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		properties:    map[string]models.Property{},
		information:   map[string]models.PropertyInformation{},
		documents:     map[string][]models.PropertyDocument{},
		guests:        map[string]models.Guest{},
		guestsByPhone: map[string]string{},
		bookings:      map[string]models.Booking{},
		bookingGuests: map[string][]models.BookingGuest{},
		modelParams:   map[string]models.ModelParams{},
		inbound:       map[dedupKey]*time.Time{},
	}
}

func missing(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
}

func (s *InMemoryStore) CreateProperty(_ context.Context, p models.Property) (models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = stamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	s.properties[p.ID] = p
	return p, nil
}

func (s *InMemoryStore) GetProperty(_ context.Context, id string) (models.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[id]
	if !ok {
		return p, missing("property", id)
	}
	return p, nil
}

func (s *InMemoryStore) ListProperties(_ context.Context, ownerID string) ([]models.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Property{}
	for _, p := range s.properties {
		if ownerID == "" || p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) UpdateProperty(_ context.Context, p models.Property) (models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.properties[p.ID]
	if !ok {
		return p, missing("property", p.ID)
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	if current.URL != p.URL {
		delete(s.documents, p.ID)
	}
	s.properties[p.ID] = p
	return p, nil
}

func (s *InMemoryStore) DeleteProperty(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[id]; !ok {
		return missing("property", id)
	}
	for _, b := range s.bookings {
		if b.PropertyID == id {
			return fmt.Errorf("property %s: %w", id, models.ErrPropertyHasBookings)
		}
	}
	for infoID, info := range s.information {
		if info.PropertyID == id {
			delete(s.information, infoID)
		}
	}
	delete(s.documents, id)
	delete(s.properties, id)
	return nil
}

func (s *InMemoryStore) AddPropertyInformation(_ context.Context, info models.PropertyInformation) (models.PropertyInformation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[info.PropertyID]; !ok {
		return info, missing("property", info.PropertyID)
	}
	if info.ID == "" {
		info.ID = newID()
	}
	info.CreatedAt = stamp(info.CreatedAt)
	s.information[info.ID] = info
	return info, nil
}

func (s *InMemoryStore) ListPropertyInformation(_ context.Context, propertyID string) ([]models.PropertyInformation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.PropertyInformation{}
	for _, info := range s.information {
		if info.PropertyID == propertyID {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) DeletePropertyInformation(_ context.Context, propertyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.information[id]
	if !ok || info.PropertyID != propertyID {
		return missing("property information", id)
	}
	delete(s.information, id)
	return nil
}

func (s *InMemoryStore) ReplacePropertyDocuments(_ context.Context, propertyID string, docs []models.PropertyDocument) ([]models.PropertyDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[propertyID]; !ok {
		return nil, missing("property", propertyID)
	}
	out := make([]models.PropertyDocument, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			d.ID = newID()
		}
		d.PropertyID = propertyID
		d.CreatedAt = stamp(d.CreatedAt)
		out = append(out, d)
	}
	s.documents[propertyID] = out
	return append([]models.PropertyDocument(nil), out...), nil
}

func (s *InMemoryStore) ListPropertyDocuments(_ context.Context, propertyID string) ([]models.PropertyDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.PropertyDocument{}, s.documents[propertyID]...), nil
}

func (s *InMemoryStore) CreateGuest(_ context.Context, g models.Guest) (models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.guestsByPhone[g.Phone]; exists {
		return g, fmt.Errorf("guest phone %s: %w", g.Phone, models.ErrGuestPhoneConflict)
	}
	if g.ID == "" {
		g.ID = newID()
	}
	g.CreatedAt = stamp(g.CreatedAt)
	s.guests[g.ID] = g
	s.guestsByPhone[g.Phone] = g.ID
	return g, nil
}

func (s *InMemoryStore) GetGuest(_ context.Context, id string) (models.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guests[id]
	if !ok {
		return g, missing("guest", id)
	}
	return g, nil
}

func (s *InMemoryStore) GetGuestByPhone(_ context.Context, phone string) (models.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.guestsByPhone[phone]
	if !ok {
		return models.Guest{}, missing("guest with phone", phone)
	}
	return s.guests[id], nil
}

func (s *InMemoryStore) ListGuests(_ context.Context) ([]models.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Guest, 0, len(s.guests))
	for _, g := range s.guests {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) CreateBooking(_ context.Context, b models.Booking) (models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[b.PropertyID]; !ok {
		return b, missing("property", b.PropertyID)
	}
	if b.ID == "" {
		b.ID = newID()
	}
	b.CreatedAt = stamp(b.CreatedAt)
	b.UpdatedAt = b.CreatedAt
	b.CheckIn = b.CheckIn.UTC()
	b.CheckOut = b.CheckOut.UTC()
	s.bookings[b.ID] = b
	return b, nil
}

func (s *InMemoryStore) GetBooking(_ context.Context, id string) (models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return b, missing("booking", id)
	}
	return b, nil
}

func (s *InMemoryStore) ListBookings(_ context.Context, propertyID string) ([]models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Booking{}
	for _, b := range s.bookings {
		if propertyID == "" || b.PropertyID == propertyID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func sortBookings(bs []models.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].CheckIn.Equal(bs[j].CheckIn) {
			return bs[i].CheckIn.Before(bs[j].CheckIn)
		}
		return bs[i].ID < bs[j].ID
	})
}

func (s *InMemoryStore) UpdateBooking(_ context.Context, b models.Booking) (models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bookings[b.ID]
	if !ok {
		return b, missing("booking", b.ID)
	}
	b.CreatedAt = current.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	b.CheckIn = b.CheckIn.UTC()
	b.CheckOut = b.CheckOut.UTC()
	s.bookings[b.ID] = b
	return b, nil
}

func (s *InMemoryStore) DeleteBooking(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[id]; !ok {
		return missing("booking", id)
	}
	for _, sm := range s.messages {
		if sm.msg.BookingID == id {
			return fmt.Errorf("booking %s: %w", id, models.ErrBookingHasMessages)
		}
	}
	delete(s.bookingGuests, id)
	delete(s.bookings, id)
	return nil
}

func (s *InMemoryStore) AddBookingGuest(_ context.Context, bookingID, guestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[bookingID]; !ok {
		return missing("booking", bookingID)
	}
	if _, ok := s.guests[guestID]; !ok {
		return missing("guest", guestID)
	}
	for _, bg := range s.bookingGuests[bookingID] {
		if bg.GuestID == guestID {
			return nil
		}
	}
	s.bookingGuests[bookingID] = append(s.bookingGuests[bookingID], models.BookingGuest{
		BookingID: bookingID,
		GuestID:   guestID,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *InMemoryStore) ListBookingGuests(_ context.Context, bookingID string) ([]models.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Guest{}
	for _, bg := range s.bookingGuests[bookingID] {
		if g, ok := s.guests[bg.GuestID]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *InMemoryStore) NextBookingForPhone(ctx context.Context, phone string, now time.Time) (models.Booking, error) {
	s.mu.RLock()
	guestID, ok := s.guestsByPhone[phone]
	s.mu.RUnlock()
	if !ok {
		return models.Booking{}, missing("upcoming booking for phone", phone)
	}
	return s.NextBookingForGuest(ctx, guestID, now)
}

func (s *InMemoryStore) NextBookingForGuest(_ context.Context, guestID string, now time.Time) (models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []models.Booking
	for bookingID, links := range s.bookingGuests {
		for _, bg := range links {
			if bg.GuestID != guestID {
				continue
			}
			if b, ok := s.bookings[bookingID]; ok && b.CheckIn.After(now) {
				candidates = append(candidates, b)
			}
		}
	}
	if len(candidates) == 0 {
		return models.Booking{}, missing("upcoming booking for guest", guestID)
	}
	sortBookings(candidates)
	return candidates[0], nil
}

func (s *InMemoryStore) AddMessage(_ context.Context, m models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[m.BookingID]; !ok {
		return m, missing("booking", m.BookingID)
	}
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = stamp(m.CreatedAt)
	s.seq++
	s.messages = append(s.messages, storedMessage{seq: s.seq, msg: m})
	return m, nil
}

func (s *InMemoryStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sm := range s.messages {
		if sm.msg.ID == id {
			return sm.msg, nil
		}
	}
	return models.Message{}, missing("message", id)
}

// bookingMessages returns the messages of a booking oldest first. Caller holds the lock.
func (s *InMemoryStore) bookingMessages(bookingID string) []models.Message {
	var rows []storedMessage
	for _, sm := range s.messages {
		if sm.msg.BookingID == bookingID {
			rows = append(rows, sm)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].msg.CreatedAt.Equal(rows[j].msg.CreatedAt) {
			return rows[i].msg.CreatedAt.Before(rows[j].msg.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]models.Message, len(rows))
	for i, sm := range rows {
		out[i] = sm.msg
	}
	return out
}

func (s *InMemoryStore) ListRecentMessages(_ context.Context, bookingID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return []models.Message{}, nil
	}
	all := s.bookingMessages(bookingID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Message, len(all))
	for i, m := range all {
		out[len(all)-1-i] = m
	}
	return out, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, bookingID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.bookingMessages(bookingID)
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

func (s *InMemoryStore) SetMessageSMSID(_ context.Context, messageID, smsID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].msg.ID == messageID {
			s.messages[i].msg.SMSID = smsID
			return nil
		}
	}
	return missing("message", messageID)
}

func (s *InMemoryStore) CreateModelParams(_ context.Context, p models.ModelParams) (models.ModelParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = stamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	s.modelParams[p.ID] = p
	return p, nil
}

func (s *InMemoryStore) listModelParams(activeOnly bool) []models.ModelParams {
	out := []models.ModelParams{}
	for _, p := range s.modelParams {
		if !activeOnly || p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) ListModelParams(_ context.Context) ([]models.ModelParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listModelParams(false), nil
}

func (s *InMemoryStore) ListActiveModelParams(_ context.Context) ([]models.ModelParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listModelParams(true), nil
}

func (s *InMemoryStore) ActivateModelParams(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modelParams[id]; !ok {
		return missing("model params", id)
	}
	now := time.Now().UTC()
	for pid, p := range s.modelParams {
		want := pid == id
		if p.Active != want {
			p.Active = want
			p.UpdatedAt = now
			s.modelParams[pid] = p
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
