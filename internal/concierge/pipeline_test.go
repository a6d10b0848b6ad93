package concierge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/Concierge/internal/genai"
	"github.com/BTreeMap/Concierge/internal/messaging"
	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/prompt"
	"github.com/BTreeMap/Concierge/internal/store"
	"github.com/BTreeMap/Concierge/internal/twiliosms"
	"github.com/BTreeMap/Concierge/internal/whatsapp"
)

var testNow = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

const guestPhone = "+14155550100"

type fakeGateway struct {
	mu    sync.Mutex
	calls []prompt.PromptContext
	reply genai.ModelReply
}

func newFakeGateway(text string) *fakeGateway {
	return &fakeGateway{reply: genai.ModelReply{Text: text, Shape: genai.ShapeChatCompletion}}
}

func (f *fakeGateway) Complete(ctx context.Context, pc prompt.PromptContext) genai.ModelReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pc)
	return f.reply
}

func (f *fakeGateway) Calls() []prompt.PromptContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prompt.PromptContext(nil), f.calls...)
}

type fixture struct {
	store    store.Store
	property models.Property
	booking  models.Booking
	guest    models.Guest
	params   models.ModelParams
	sms      *twiliosms.MockClient
	wa       *whatsapp.MockClient
	router   *messaging.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewInMemoryStore())
}

// newSQLiteFixture seeds a SQLite file store, which honours ctx and persists dedup rows.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "concierge.db")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newFixtureWithStore(t, st)
}

func newFixtureWithStore(t *testing.T, st store.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	prop, err := st.CreateProperty(ctx, models.Property{OwnerID: "owner-1", Name: "Beautiful Beach House", Address: "1 Ocean Ave"})
	require.NoError(t, err)
	booking, err := st.CreateBooking(ctx, models.Booking{
		PropertyID: prop.ID,
		CheckIn:    time.Date(2026, 8, 14, 16, 0, 0, 0, time.UTC),
		CheckOut:   time.Date(2026, 8, 18, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	guest, err := st.CreateGuest(ctx, models.Guest{Phone: "14155550100", FirstName: "Ada", LastName: "Lovelace"})
	require.NoError(t, err)
	require.NoError(t, st.AddBookingGuest(ctx, booking.ID, guest.ID))
	params, err := st.CreateModelParams(ctx, models.ModelParams{SystemPrompt: "You are a helpful concierge.", Temperature: 0.7, TopP: 0.9, Active: true})
	require.NoError(t, err)

	sms := twiliosms.NewMockClient()
	wa := whatsapp.NewMockClient()
	return &fixture{
		store:    st,
		property: prop,
		booking:  booking,
		guest:    guest,
		params:   params,
		sms:      sms,
		wa:       wa,
		router:   messaging.NewRouter(messaging.NewSMSService(sms), messaging.NewWhatsAppService(wa)),
	}
}

func (f *fixture) pipeline(st store.Store, gw genai.ClientInterface, opts ...Option) *Pipeline {
	if st == nil {
		st = f.store
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewPipeline(st, gw, f.router, opts...)
}

func (f *fixture) messages(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.booking.ID)
	require.NoError(t, err)
	return msgs
}

func smsIn(text, externalID string) models.InboundMessage {
	return models.InboundMessage{Channel: models.ChannelSMS, Phone: guestPhone, Text: text, ExternalID: externalID, ReceivedAt: testNow}
}

func TestHandleSMS_RepliesAndLinksMessages(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("Pets are welcome with a small fee.")
	p := f.pipeline(nil, gw)

	result, err := p.HandleSMS(context.Background(), smsIn("Can I bring my pet?", ""))
	require.NoError(t, err)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	inbound, reply := msgs[0], msgs[1]
	assert.Equal(t, models.SenderGuest, inbound.SenderType)
	assert.Equal(t, f.guest.ID, inbound.SenderID)
	assert.Equal(t, "Can I bring my pet?", inbound.Content)
	assert.Empty(t, inbound.QuestionID)
	assert.Equal(t, models.SenderAssistant, reply.SenderType)
	assert.Equal(t, inbound.ID, reply.QuestionID)
	assert.Equal(t, "Pets are welcome with a small fee.", reply.Content)

	sent := f.sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "14155550100", sent[0].To)
	assert.Equal(t, "Pets are welcome with a small fee.", sent[0].Body)

	assert.Equal(t, sent[0].SID, inbound.SMSID, "provider id is linked back to the inbound row")
	assert.True(t, result.Delivered)
	assert.Equal(t, sent[0].SID, result.ProviderMessageID)
	assert.Equal(t, inbound.ID, result.InboundMessageID)
	assert.Equal(t, reply.ID, result.ReplyMessageID)
	assert.Empty(t, result.Gaps)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemContent, "Beautiful Beach House")
	assert.Equal(t, "Can I bring my pet?", calls[0].UserText)
	assert.Empty(t, calls[0].History, "the inbound message is not repeated as history")
	assert.Equal(t, 0.7, calls[0].Temperature)
}

func TestHandleSMS_UnknownPhoneGetsCannedReply(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("unused")
	p := f.pipeline(nil, gw)

	in := smsIn("Hello?", "")
	in.Phone = "+14155550199"
	result, err := p.HandleSMS(context.Background(), in)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Empty(t, f.messages(t))
	assert.Empty(t, gw.Calls())
	sent := f.sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "14155550199", sent[0].To)
	assert.Equal(t, NotFoundReply, sent[0].Body)
	assert.True(t, result.Delivered)
}

func TestHandleSMS_PastBookingIsNotFound(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("unused")
	later := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	p := f.pipeline(nil, gw, WithClock(func() time.Time { return later }))

	_, err := p.HandleSMS(context.Background(), smsIn("Still there?", ""))
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, gw.Calls())
}

func TestHandleSMS_MalformedModelResponseStillReplies(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"generated_text": `))
	}))
	defer srv.Close()
	gw, err := genai.NewClient(genai.WithStyle(genai.StyleInputs), genai.WithEndpointURL(srv.URL))
	require.NoError(t, err)
	p := f.pipeline(nil, gw)

	result, err := p.HandleSMS(context.Background(), smsIn("Is there parking?", ""))
	require.NoError(t, err)
	assert.True(t, result.Degraded)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, genai.FallbackReply, msgs[1].Content)
	sent := f.sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, genai.FallbackReply, sent[0].Body)
}

func TestHandleSMS_ActiveParamsInvariant(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateModelParams(context.Background(), models.ModelParams{SystemPrompt: "second", Active: true})
	require.NoError(t, err)
	gw := newFakeGateway("unused")
	p := f.pipeline(nil, gw)

	_, err = p.HandleSMS(context.Background(), smsIn("Hi", ""))
	assert.ErrorIs(t, err, models.ErrActiveModelParamsInvariant)
	assert.Empty(t, f.messages(t))
	assert.Empty(t, gw.Calls())
	assert.Empty(t, f.sms.Sent())
}

func TestHandleSMS_InvalidPhoneDroppedSilently(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("unused")
	p := f.pipeline(nil, gw)

	in := smsIn("hi", "")
	in.Phone = "not a number"
	_, err := p.HandleSMS(context.Background(), in)
	assert.ErrorIs(t, err, models.ErrInvalidPhoneFormat)
	assert.Empty(t, f.sms.Sent())
	assert.Empty(t, gw.Calls())
	assert.Empty(t, f.messages(t))
}

func TestHandleSMS_DuplicateDeliveryHandledOnce(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("Check-in is at 4pm.")
	p := f.pipeline(nil, gw)

	_, err := p.HandleSMS(context.Background(), smsIn("When is check-in?", "SM0001"))
	require.NoError(t, err)
	_, err = p.HandleSMS(context.Background(), smsIn("When is check-in?", "SM0001"))
	assert.ErrorIs(t, err, models.ErrDuplicateInbound)

	assert.Len(t, gw.Calls(), 1)
	assert.Len(t, f.messages(t), 2)
	assert.Len(t, f.sms.Sent(), 1)
}

func TestHandleSMS_DuplicateDeliveryHandledOnceOnSQLite(t *testing.T) {
	f := newSQLiteFixture(t)
	gw := newFakeGateway("Check-in is at 4pm.")
	p := f.pipeline(nil, gw)

	_, err := p.HandleSMS(context.Background(), smsIn("When is check-in?", "SM0101"))
	require.NoError(t, err)
	result, err := p.HandleSMS(context.Background(), smsIn("When is check-in?", "SM0101"))
	assert.ErrorIs(t, err, models.ErrDuplicateInbound)
	assert.Equal(t, OutcomeDuplicate, Outcome(result, err))

	assert.Len(t, gw.Calls(), 1)
	assert.Len(t, f.messages(t), 2)
	assert.Len(t, f.sms.Sent(), 1)
}

// cancellingGateway cancels the caller's context while the model call is in flight,
// as a webhook provider does when it stops waiting.
type cancellingGateway struct {
	*fakeGateway
	cancel context.CancelFunc
}

func (g *cancellingGateway) Complete(ctx context.Context, pc prompt.PromptContext) genai.ModelReply {
	g.cancel()
	return g.fakeGateway.Complete(ctx, pc)
}

func TestHandleSMS_CallerCancellationAfterInboundStillReplies(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &cancellingGateway{fakeGateway: newFakeGateway("Late checkout is available until noon."), cancel: cancel}
	p := f.pipeline(nil, gw)

	result, err := p.HandleSMS(ctx, smsIn("Can we check out late?", "SM0102"))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.True(t, result.Delivered)
	assert.Empty(t, result.Gaps)
	assert.NotEmpty(t, result.ReplyMessageID)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Late checkout is available until noon.", msgs[1].Content)
	sent := f.sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].SID, msgs[0].SMSID)

	// A processed record survives ForgetInbound, so a provider retry stays a duplicate.
	require.NoError(t, f.store.ForgetInbound(context.Background(), "sms", "SM0102"))
	_, err = p.HandleSMS(context.Background(), smsIn("Can we check out late?", "SM0102"))
	assert.ErrorIs(t, err, models.ErrDuplicateInbound)
	assert.Len(t, gw.Calls(), 1)
}

func TestHandleSMS_CancelledBeforeInboundWritesNothing(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gw := newFakeGateway("unused")
	p := f.pipeline(nil, gw)

	_, err := p.HandleSMS(ctx, smsIn("Hello?", ""))
	require.Error(t, err)
	assert.Empty(t, gw.Calls())
	assert.Empty(t, f.messages(t))
	assert.Empty(t, f.sms.Sent())
}

func TestHandleSMS_RetryAfterAbortIsServed(t *testing.T) {
	f := newFixture(t)
	second, err := f.store.CreateModelParams(context.Background(), models.ModelParams{SystemPrompt: "second", Active: true})
	require.NoError(t, err)
	gw := newFakeGateway("ok")
	p := f.pipeline(nil, gw)

	_, err = p.HandleSMS(context.Background(), smsIn("Hi", "SM0002"))
	require.ErrorIs(t, err, models.ErrActiveModelParamsInvariant)

	require.NoError(t, f.store.ActivateModelParams(context.Background(), second.ID))
	_, err = p.HandleSMS(context.Background(), smsIn("Hi", "SM0002"))
	require.NoError(t, err)
	assert.Len(t, gw.Calls(), 1)
}

func TestHandleSMS_WhatsAppRepliesOnWhatsApp(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, newFakeGateway("The wifi password is on the fridge."))

	in := smsIn("wifi?", "WA-1")
	in.Channel = models.ChannelWhatsApp
	in.Phone = "14155550100"
	result, err := p.HandleSMS(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, models.ChannelWhatsApp, result.Channel)
	assert.Empty(t, f.sms.Sent())
	sent := f.wa.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "14155550100", sent[0].To)
	assert.Equal(t, sent[0].ID, result.ProviderMessageID)
}

// faultyStore fails selected writes.
type faultyStore struct {
	store.Store
	failInbound bool
	failReply   bool
	failSMSID   bool
}

func (s *faultyStore) AddMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.SenderType == models.SenderAssistant && s.failReply {
		return m, errors.New("disk full")
	}
	if m.SenderType != models.SenderAssistant && s.failInbound {
		return m, errors.New("disk full")
	}
	return s.Store.AddMessage(ctx, m)
}

func (s *faultyStore) SetMessageSMSID(ctx context.Context, messageID, smsID string) error {
	if s.failSMSID {
		return errors.New("connection reset")
	}
	return s.Store.SetMessageSMSID(ctx, messageID, smsID)
}

func TestHandle_InboundPersistenceFailureAborts(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("unused")
	p := f.pipeline(&faultyStore{Store: f.store, failInbound: true}, gw)

	_, err := p.HandleSMS(context.Background(), smsIn("Hello", ""))
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.Empty(t, gw.Calls())
	assert.Empty(t, f.sms.Sent())
}

func TestHandle_ReplyPersistenceGapStillDelivers(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(&faultyStore{Store: f.store, failReply: true}, newFakeGateway("Towels are in the hall closet."))

	result, err := p.HandleSMS(context.Background(), smsIn("Towels?", ""))
	require.NoError(t, err)
	assert.True(t, result.HasGap(models.GapReplyPersistence))
	assert.Empty(t, result.ReplyMessageID)
	assert.True(t, result.Delivered)
	require.Len(t, f.sms.Sent(), 1)
	assert.Len(t, f.messages(t), 1)
}

func TestHandle_SMSIDBackfillGap(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(&faultyStore{Store: f.store, failSMSID: true}, newFakeGateway("Yes."))

	result, err := p.HandleSMS(context.Background(), smsIn("Is there a crib?", ""))
	require.NoError(t, err)
	assert.True(t, result.HasGap(models.GapSMSIDBackfill))
	assert.True(t, result.Delivered)
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[0].SMSID)
}

func TestHandle_DeliveryGap(t *testing.T) {
	f := newFixture(t)
	f.sms.Err = errors.New("twilio unavailable")
	p := f.pipeline(nil, newFakeGateway("Checkout is at 11."))

	result, err := p.HandleSMS(context.Background(), smsIn("Checkout time?", ""))
	require.NoError(t, err)
	assert.True(t, result.HasGap(models.GapDelivery))
	assert.False(t, result.Delivered)
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Checkout is at 11.", msgs[1].Content)
	assert.Empty(t, msgs[0].SMSID)
}

func TestHandle_HistoryFeedsPrompt(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("Sure.")
	p := f.pipeline(nil, gw)
	ctx := context.Background()

	_, err := p.HandleSMS(ctx, smsIn("First question", ""))
	require.NoError(t, err)
	in := smsIn("Second question", "")
	in.ReceivedAt = testNow.Add(time.Minute)
	_, err = p.HandleSMS(ctx, in)
	require.NoError(t, err)

	calls := gw.Calls()
	require.Len(t, calls, 2)
	history := calls[1].History
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleGuest, history[0].Role)
	assert.Equal(t, "First question", history[0].Text)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, "Second question", calls[1].UserText)
}

func TestHandle_RejectsEmptyText(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil, newFakeGateway("unused"))
	_, err := p.Handle(context.Background(), HandleRequest{BookingID: f.booking.ID, Text: "  ", Channel: models.ChannelChat})
	assert.ErrorIs(t, err, models.ErrEmptyMessage)
}

func TestHandleChat(t *testing.T) {
	f := newFixture(t)
	gw := newFakeGateway("The pool opens at 8am.")
	p := f.pipeline(nil, gw)
	ctx := context.Background()

	t.Run("booking id marks owner", func(t *testing.T) {
		result, err := p.HandleChat(ctx, models.ChatRequest{Message: "When does the pool open?", BookingID: f.booking.ID})
		require.NoError(t, err)
		assert.Equal(t, "The pool opens at 8am.", result.ReplyText)
		assert.True(t, result.Delivered)
		msg, err := f.store.GetMessage(ctx, result.InboundMessageID)
		require.NoError(t, err)
		assert.Equal(t, models.SenderOwner, msg.SenderType)
		assert.Equal(t, "owner-1", msg.SenderID)
	})

	t.Run("renter id marks guest", func(t *testing.T) {
		result, err := p.HandleChat(ctx, models.ChatRequest{Message: "And the gym?", RenterID: f.guest.ID})
		require.NoError(t, err)
		assert.Equal(t, f.booking.ID, result.BookingID)
		msg, err := f.store.GetMessage(ctx, result.InboundMessageID)
		require.NoError(t, err)
		assert.Equal(t, models.SenderGuest, msg.SenderType)
		assert.Equal(t, f.guest.ID, msg.SenderID)
	})

	t.Run("conversation id", func(t *testing.T) {
		result, err := p.HandleChat(ctx, models.ChatRequest{Message: "Thanks", ConversationID: f.booking.ID})
		require.NoError(t, err)
		assert.Equal(t, f.booking.ID, result.BookingID)
	})

	t.Run("renter must be a guest of the named booking", func(t *testing.T) {
		other, err := f.store.CreateGuest(ctx, models.Guest{Phone: "12125550100", FirstName: "Grace"})
		require.NoError(t, err)
		before := len(f.messages(t))

		_, err = p.HandleChat(ctx, models.ChatRequest{Message: "Door code?", BookingID: f.booking.ID, RenterID: other.ID})
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.Len(t, f.messages(t), before)

		result, err := p.HandleChat(ctx, models.ChatRequest{Message: "Door code?", BookingID: f.booking.ID, RenterID: f.guest.ID})
		require.NoError(t, err)
		msg, err := f.store.GetMessage(ctx, result.InboundMessageID)
		require.NoError(t, err)
		assert.Equal(t, models.SenderGuest, msg.SenderType)
	})

	t.Run("no identifiers", func(t *testing.T) {
		_, err := p.HandleChat(ctx, models.ChatRequest{Message: "Hello"})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("unknown booking", func(t *testing.T) {
		_, err := p.HandleChat(ctx, models.ChatRequest{Message: "Hello", BookingID: "missing"})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	assert.Empty(t, f.sms.Sent(), "chat replies are returned, not sent")
}

func TestHandle_SerializesPerBooking(t *testing.T) {
	f := newFixture(t)
	locker := NewMemoryLocker()
	unlock, err := locker.Lock(context.Background(), f.booking.ID, time.Second)
	require.NoError(t, err)

	p := f.pipeline(nil, newFakeGateway("ok"), WithLocker(locker), WithLockWait(20*time.Millisecond))
	_, err = p.HandleSMS(context.Background(), smsIn("busy?", "SM-busy"))
	assert.ErrorIs(t, err, models.ErrBookingBusy)
	assert.Empty(t, f.messages(t))

	unlock()
	_, err = p.HandleSMS(context.Background(), smsIn("busy?", "SM-busy"))
	require.NoError(t, err, "aborted delivery is served on retry")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeReplied, Outcome(models.DispatchResult{}, nil))
	assert.Equal(t, OutcomeDegraded, Outcome(models.DispatchResult{Degraded: true}, nil))
	assert.Equal(t, OutcomeNotFound, Outcome(models.DispatchResult{}, models.ErrNotFound))
	assert.Equal(t, OutcomeDuplicate, Outcome(models.DispatchResult{}, models.ErrDuplicateInbound))
	assert.Equal(t, OutcomeDropped, Outcome(models.DispatchResult{}, models.ErrInvalidPhoneFormat))
	assert.Equal(t, OutcomeBusy, Outcome(models.DispatchResult{}, models.ErrBookingBusy))
	assert.Equal(t, OutcomeFailed, Outcome(models.DispatchResult{}, models.ErrPersistence))
}
