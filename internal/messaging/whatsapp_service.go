package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
	mu       sync.Mutex
	stopped  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// Channel returns models.ChannelWhatsApp.
func (s *WhatsAppService) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start registers the whatsmeow event handler when a live client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the inbound channel. It is safe to call more than once.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.inbound)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a WhatsApp text and returns its message id.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "body_length", len(body))
	id, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return "", err
	}
	slog.Info("WhatsAppService message sent", "to", to, "id", id)
	return id, nil
}

// Inbound returns a channel of incoming guest messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// messageText extracts plain text from a WhatsApp message, if it carries any.
func messageText(msg *waE2E.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	if msg.Conversation != nil {
		return msg.GetConversation(), true
	}
	if msg.ExtendedTextMessage != nil && msg.ExtendedTextMessage.Text != nil {
		return msg.GetExtendedTextMessage().GetText(), true
	}
	return "", false
}

// handleIncomingMessage forwards text messages from guests to the inbound channel.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text, ok := messageText(evt.Message)
	if !ok {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	received := evt.Info.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	s.deliver(models.InboundMessage{
		Channel:    models.ChannelWhatsApp,
		Phone:      evt.Info.Sender.User,
		Text:       text,
		ExternalID: string(evt.Info.ID),
		ReceivedAt: received.UTC(),
	})
}

// deliver pushes msg to the inbound channel, dropping it if the consumer is stalled.
func (s *WhatsAppService) deliver(msg models.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		slog.Warn("WhatsAppService stopped, dropping inbound message", "from", msg.Phone)
		return
	}
	select {
	case s.inbound <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.Phone, "id", msg.ExternalID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.Phone, "timeout", DefaultChannelTimeout)
	}
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Message:
		return "Message"
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
