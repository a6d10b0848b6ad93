package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/twiliosms"
)

// SMSService implements Service over Twilio Programmable Messaging.
// Inbound SMS reaches the server through the webhook handler, so Inbound never
// yields a message and is closed on Stop.
type SMSService struct {
	client  twiliosms.Sender
	inbound chan models.InboundMessage
	mu      sync.Mutex
	stopped bool
}

// NewSMSService creates a new SMSService wrapping the given Twilio sender.
func NewSMSService(client twiliosms.Sender) *SMSService {
	return &SMSService{
		client:  client,
		inbound: make(chan models.InboundMessage),
	}
}

// Channel returns models.ChannelSMS.
func (s *SMSService) Channel() models.Channel {
	return models.ChannelSMS
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *SMSService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start is a no-op for SMS.
func (s *SMSService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel. It is safe to call more than once.
func (s *SMSService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	slog.Info("SMSService stopped")
	return nil
}

// SendMessage sends an SMS and returns the Twilio message SID.
func (s *SMSService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	slog.Debug("SMSService SendMessage invoked", "to", to, "body_length", len(body))
	sid, err := s.client.SendSMS(ctx, to, body)
	if err != nil {
		slog.Error("SMSService SendMessage error", "error", err, "to", to)
		return "", err
	}
	slog.Info("SMSService message sent", "to", to, "sid", sid)
	return sid, nil
}

// Inbound returns the (always empty) inbound channel.
func (s *SMSService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}
