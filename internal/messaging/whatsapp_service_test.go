package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/whatsapp"
)

func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*SMSService)(nil)
}

func TestWhatsAppService_SendMessageReturnsID(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	id, err := svc.SendMessage(context.Background(), "14155550100", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "14155550100", sent[0].To)
	assert.Equal(t, id, sent[0].ID)
}

func TestWhatsAppService_SendMessageError(t *testing.T) {
	mock := whatsapp.NewMockClient()
	mock.Err = errors.New("socket closed")
	svc := NewWhatsAppService(mock)

	_, err := svc.SendMessage(context.Background(), "14155550100", "hello")
	assert.Error(t, err)
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())

	_, ok := <-svc.Inbound()
	assert.False(t, ok, "inbound channel should be closed")
}

func textEvent(sender, id, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID(sender, types.DefaultUserServer),
			},
			ID:        types.MessageID(id),
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		Message: &waE2E.Message{Conversation: &text},
	}
}

func TestWhatsAppService_HandleIncomingMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.handleIncomingMessage(textEvent("14155550100", "ABC123", "What is the wifi password?"))

	select {
	case msg := <-svc.Inbound():
		assert.Equal(t, models.ChannelWhatsApp, msg.Channel)
		assert.Equal(t, "14155550100", msg.Phone)
		assert.Equal(t, "What is the wifi password?", msg.Text)
		assert.Equal(t, "ABC123", msg.ExternalID)
		assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), msg.ReceivedAt)
	default:
		t.Fatal("expected inbound message")
	}
}

func TestWhatsAppService_HandleExtendedText(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	text := "Late check-out?"
	evt := textEvent("14155550100", "X1", "")
	evt.Message = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: &text}}
	svc.handleIncomingMessage(evt)

	msg := <-svc.Inbound()
	assert.Equal(t, text, msg.Text)
}

func TestWhatsAppService_IgnoresNonText(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	evt := textEvent("14155550100", "IMG", "")
	evt.Message = &waE2E.Message{}
	svc.handleIncomingMessage(evt)

	fromMe := textEvent("14155550100", "ME", "hi")
	fromMe.Info.IsFromMe = true
	svc.handleIncomingMessage(fromMe)

	select {
	case msg := <-svc.Inbound():
		t.Fatalf("unexpected inbound message %+v", msg)
	default:
	}
}

func TestWhatsAppService_DropsAfterStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	require.NoError(t, svc.Stop())
	assert.NotPanics(t, func() {
		svc.handleIncomingMessage(textEvent("14155550100", "late", "hello"))
	})
}
