package models

import (
	"fmt"
	"time"
)

// SenderType discriminates who wrote a Message. The numeric values are persisted.
type SenderType int

const (
	// SenderGuest marks a message written by a guest on the booking.
	SenderGuest SenderType = 0
	// SenderAssistant marks a reply generated by the model.
	SenderAssistant SenderType = 1
	// SenderOwner marks a message written by the property owner.
	SenderOwner SenderType = 2
)

// String returns the lowercase name of the sender type.
func (s SenderType) String() string {
	switch s {
	case SenderGuest:
		return "guest"
	case SenderAssistant:
		return "assistant"
	case SenderOwner:
		return "owner"
	default:
		return fmt.Sprintf("sender(%d)", int(s))
	}
}

// IsValid reports whether s is one of the known sender types.
func (s SenderType) IsValid() bool {
	return s == SenderGuest || s == SenderAssistant || s == SenderOwner
}

// Property is a rentable place owned by a host.
type Property struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	Latitude    *float64  `json:"lat,omitempty"`
	Longitude   *float64  `json:"lng,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasCoordinates reports whether the property has been geocoded.
func (p Property) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// PropertyInformation is a free-text fact attached to a property, e.g. "Pool Access".
type PropertyInformation struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	Name       string    `json:"name"`
	Detail     string    `json:"detail"`
	Category   string    `json:"category,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PropertyDocument holds bulk text scraped from the property's source URL.
type PropertyDocument struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	SourceURL  string    `json:"source_url,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Guest is a person staying at a property. Phone is canonical digits-only E.164.
type Guest struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Booking is a reserved stay at a property.
type Booking struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	CheckIn    time.Time `json:"check_in"`
	CheckOut   time.Time `json:"check_out"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BookingGuest links a guest to a booking.
type BookingGuest struct {
	BookingID string    `json:"booking_id"`
	GuestID   string    `json:"guest_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry in a booking's conversation.
//
// QuestionID is only set on assistant messages and points at the guest or owner
// message being answered. SMSID carries the provider message id of the SMS reply.
type Message struct {
	ID         string     `json:"id"`
	BookingID  string     `json:"booking_id"`
	SenderID   string     `json:"sender_id,omitempty"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	SMSID      string     `json:"sms_id,omitempty"`
	QuestionID string     `json:"question_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ModelParams is a model configuration row. Exactly one row is expected to be active.
type ModelParams struct {
	ID           string    `json:"id"`
	SystemPrompt string    `json:"system_prompt"`
	Temperature  float64   `json:"temperature"`
	TopP         float64   `json:"top_p"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
