package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message        string `json:"message" validate:"required,max=4096"`
	BookingID      string `json:"booking_id,omitempty"`
	RenterID       string `json:"renter_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Validate checks the chat request fields.
func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// ChatResponse is the body returned by POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// SMSWebhookRequest is the JSON body delivered by the inbound SMS webhook.
type SMSWebhookRequest struct {
	Phone     string `json:"phone" validate:"required"`
	Message   string `json:"message" validate:"required"`
	MessageID string `json:"message_id,omitempty"`
}

// Validate checks the webhook payload fields.
func (r *SMSWebhookRequest) Validate() error {
	return validate.Struct(r)
}

// PropertyRequest creates or replaces a property.
type PropertyRequest struct {
	OwnerID     string   `json:"owner_id" validate:"required"`
	Name        string   `json:"name" validate:"required,max=200"`
	Address     string   `json:"address" validate:"required,max=500"`
	Description string   `json:"description,omitempty" validate:"max=10000"`
	URL         string   `json:"url,omitempty" validate:"omitempty,url"`
	Latitude    *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"lng,omitempty" validate:"omitempty,longitude"`
}

// Validate checks the property fields.
func (r *PropertyRequest) Validate() error {
	return validate.Struct(r)
}

// PropertyInformationRequest attaches a fact to a property.
type PropertyInformationRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Detail   string `json:"detail" validate:"required,max=4000"`
	Category string `json:"category,omitempty" validate:"max=100"`
}

// Validate checks the property information fields.
func (r *PropertyInformationRequest) Validate() error {
	return validate.Struct(r)
}

// PropertyDocumentInput is one scraped document in a PropertyDocumentsRequest.
type PropertyDocumentInput struct {
	SourceURL string `json:"source_url,omitempty" validate:"omitempty,url"`
	Content   string `json:"content" validate:"required"`
}

// PropertyDocumentsRequest replaces the scraped documents of a property.
type PropertyDocumentsRequest struct {
	Documents []PropertyDocumentInput `json:"documents" validate:"dive"`
}

// Validate checks every document in the request.
func (r *PropertyDocumentsRequest) Validate() error {
	return validate.Struct(r)
}

// GuestRequest finds or creates a guest by phone number.
type GuestRequest struct {
	Phone     string `json:"phone" validate:"required"`
	FirstName string `json:"first_name,omitempty" validate:"max=100"`
	LastName  string `json:"last_name,omitempty" validate:"max=100"`
}

// Validate checks the guest fields.
func (r *GuestRequest) Validate() error {
	return validate.Struct(r)
}

// BookingRequest creates or updates a booking.
type BookingRequest struct {
	PropertyID string    `json:"property_id" validate:"required"`
	CheckIn    time.Time `json:"check_in" validate:"required"`
	CheckOut   time.Time `json:"check_out" validate:"required"`
	GuestIDs   []string  `json:"guest_ids,omitempty" validate:"dive,required"`
}

// Validate checks the booking fields and the date range.
func (r *BookingRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if !r.CheckOut.After(r.CheckIn) {
		return ErrInvalidDateRange
	}
	return nil
}

// BookingGuestRequest links an existing guest to a booking.
type BookingGuestRequest struct {
	GuestID string `json:"guest_id" validate:"required"`
}

// Validate checks the guest id.
func (r *BookingGuestRequest) Validate() error {
	return validate.Struct(r)
}

// ModelParamsRequest creates a model params row.
type ModelParamsRequest struct {
	SystemPrompt string  `json:"system_prompt" validate:"required"`
	Temperature  float64 `json:"temperature" validate:"gte=0,lte=2"`
	TopP         float64 `json:"top_p" validate:"gte=0,lte=1"`
	Active       bool    `json:"active"`
}

// Validate checks the model params fields.
func (r *ModelParamsRequest) Validate() error {
	return validate.Struct(r)
}
