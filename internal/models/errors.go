package models

import "errors"

// Errors shared by the store, the resolver and the conversation pipeline.
var (
	// ErrNotFound is returned when a requested row does not exist, or when a phone
	// number has no upcoming booking. It is an expected outcome.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPhoneFormat is returned when a phone number cannot be parsed.
	ErrInvalidPhoneFormat = errors.New("invalid phone format")
	// ErrPersistence is returned when the inbound message could not be stored.
	ErrPersistence = errors.New("failed to persist inbound message")
	// ErrUnrecognizedResponseFormat marks a model response matching no known shape.
	ErrUnrecognizedResponseFormat = errors.New("unrecognized model response format")
	// ErrReplyPersistenceGap marks a reply that was generated but not stored.
	ErrReplyPersistenceGap = errors.New("reply persistence gap")
	// ErrActiveModelParamsInvariant is returned when zero or several model params rows are active.
	ErrActiveModelParamsInvariant = errors.New("exactly one active model params row is required")
	// ErrBookingHasMessages is returned when deleting a booking that messages still reference.
	ErrBookingHasMessages = errors.New("booking has messages")
	// ErrPropertyHasBookings is returned when deleting a property that still has bookings.
	ErrPropertyHasBookings = errors.New("property has bookings")
	// ErrBookingBusy is returned when the per-booking lock could not be acquired in time.
	ErrBookingBusy = errors.New("booking conversation is busy")
	// ErrGuestPhoneConflict is returned when creating a guest whose phone already exists.
	ErrGuestPhoneConflict = errors.New("guest with this phone already exists")
	// ErrEmptyMessage is returned for inbound messages without text.
	ErrEmptyMessage = errors.New("message text is required")
	// ErrInvalidDateRange is returned when check-out is not after check-in.
	ErrInvalidDateRange = errors.New("check_out must be after check_in")
)

// ErrDuplicateInbound marks an inbound provider message id that was already handled.
var ErrDuplicateInbound = errors.New("inbound message already handled")
