package twiliosms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	params *twilioApi.CreateMessageParams
	sid    string
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{Sid: &f.sid}, nil
}

func TestSendSMSReturnsSID(t *testing.T) {
	fake := &fakeCreator{sid: "SM123"}
	c := &Client{api: fake, fromNumber: "15550001111"}

	sid, err := c.SendSMS(context.Background(), "14155550100", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)
	require.NotNil(t, fake.params.To)
	assert.Equal(t, "+14155550100", *fake.params.To)
	assert.Equal(t, "+15550001111", *fake.params.From)
	assert.Equal(t, "Hello", *fake.params.Body)
	assert.Nil(t, fake.params.MessagingServiceSid)
}

func TestSendSMSWithMessagingService(t *testing.T) {
	fake := &fakeCreator{sid: "SM9"}
	c := &Client{api: fake, messagingServiceSID: "MG42"}

	_, err := c.SendSMS(context.Background(), "+14155550100", "Hi")
	require.NoError(t, err)
	assert.Equal(t, "MG42", *fake.params.MessagingServiceSid)
	assert.Nil(t, fake.params.From)
}

func TestSendSMSError(t *testing.T) {
	c := &Client{api: &fakeCreator{err: errors.New("twilio down")}, fromNumber: "+15550001111"}
	_, err := c.SendSMS(context.Background(), "14155550100", "Hi")
	assert.ErrorContains(t, err, "twilio down")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	t.Setenv("TWILIO_MESSAGING_SERVICE_SID", "")

	_, err := NewClient()
	assert.Error(t, err)

	_, err = NewClient(WithAccountSID("AC1"), WithAuthToken("tok"))
	assert.Error(t, err, "a sender identity is required")

	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestValidateSignatureRejectsForgery(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	require.NoError(t, err)
	assert.False(t, c.ValidateSignature("https://example.com/twilio/sms", map[string]string{"Body": "hi"}, "bogus"))
}

func TestMockClient_SendSMS(t *testing.T) {
	mock := NewMockClient()
	sid, err := mock.SendSMS(context.Background(), "12345", "Hello Test")
	require.NoError(t, err)
	assert.NotEmpty(t, sid)
	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello Test", sent[0].Body)
	assert.Equal(t, sid, sent[0].SID)

	mock.Err = errors.New("fail")
	_, err = mock.SendSMS(context.Background(), "12345", "again")
	assert.Error(t, err)
	assert.Len(t, mock.Sent(), 1)
}

func TestMockClient_SendSMSCancelled(t *testing.T) {
	mock := NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mock.SendSMS(ctx, "12345", "Hello")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mock.Sent())
}
