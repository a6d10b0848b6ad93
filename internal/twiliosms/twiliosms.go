// Package twiliosms wraps the Twilio REST API for outbound guest SMS and inbound
// webhook signature checks.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/Concierge/internal/phone"
)

// Sender delivers an SMS and returns the provider-assigned message id.
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to verify webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number in E.164 form.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithMessagingServiceSID sends through a messaging service instead of a fixed number.
func WithMessagingServiceSID(sid string) Option {
	return func(o *Opts) { o.MessagingServiceSID = sid }
}

// messageCreator is the part of the Twilio API service the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends SMS through Twilio.
type Client struct {
	api                 messageCreator
	validator           twilioClient.RequestValidator
	fromNumber          string
	messagingServiceSID string
}

// NewClient creates a Twilio SMS client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and TWILIO_MESSAGING_SERVICE_SID.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.MessagingServiceSID == "" {
		cfg.MessagingServiceSID = os.Getenv("TWILIO_MESSAGING_SERVICE_SID")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"MessagingServiceSID_set", cfg.MessagingServiceSID != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" && cfg.MessagingServiceSID == "" {
		return nil, fmt.Errorf("from number or messaging service SID must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{
		api:                 rest.Api,
		validator:           twilioClient.NewRequestValidator(cfg.AuthToken),
		fromNumber:          cfg.FromNumber,
		messagingServiceSID: cfg.MessagingServiceSID,
	}, nil
}

// SendSMS sends body to the given number and returns the Twilio message SID.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(phone.E164(to))
	if c.messagingServiceSID != "" {
		params.SetMessagingServiceSid(c.messagingServiceSID)
	} else {
		params.SetFrom(phone.E164(c.fromNumber))
	}
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio SMS sent", "to", to, "sid", sid)
	return sid, nil
}

// ValidateSignature checks the X-Twilio-Signature header of an inbound webhook.
// url is the full public URL Twilio called; params are the posted form values.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// MockClient records sent messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// Err, when set, is returned by every SendSMS call.
	Err error
	seq int
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
	SID  string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendSMS records the message and returns a sequential fake SID. A cancelled ctx
// fails the send, as it does for Client.
func (m *MockClient) SendSMS(ctx context.Context, to string, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.seq++
	sid := fmt.Sprintf("SM%032d", m.seq)
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, SID: sid})
	return sid, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)
