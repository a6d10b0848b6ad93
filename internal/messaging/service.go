// Package messaging adapts the SMS and WhatsApp providers to a common channel service.
package messaging

import (
	"context"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/phone"
)

// Constants for channel service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Service defines a pluggable reply channel.
// It sends replies to guests and, where the provider pushes events, emits inbound messages.
type Service interface {
	// Channel reports which conversation channel the service delivers on.
	Channel() models.Channel

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient phone number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient and returns the provider message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of guest messages received by the provider.
	Inbound() <-chan models.InboundMessage
}

// canonicalRecipient is shared by the phone channels.
func canonicalRecipient(recipient string) (string, error) {
	return phone.Normalize(recipient)
}
