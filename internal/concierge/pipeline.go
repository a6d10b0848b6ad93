// Package concierge answers guest and owner messages about a booking.
//
// A Pipeline stores the inbound message, builds the model context from the booking's
// property and history, asks the model gateway for a reply, stores the reply and
// delivers it over the channel the message arrived on.
package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/Concierge/internal/genai"
	"github.com/BTreeMap/Concierge/internal/history"
	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/phone"
	"github.com/BTreeMap/Concierge/internal/prompt"
	"github.com/BTreeMap/Concierge/internal/store"
)

// NotFoundReply is sent back over SMS when the number has no upcoming booking.
const NotFoundReply = "Sorry, we couldn't find your booking for this number. Please contact your host directly."

var tracer = otel.Tracer("github.com/BTreeMap/Concierge/internal/concierge")

// Sender delivers a reply over a phone channel and returns the provider message id.
// *messaging.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, channel models.Channel, to, body string) (string, error)
}

// Opts holds configuration for a Pipeline.
type Opts struct {
	HistoryLimit  int
	Locker        BookingLocker
	LockWait      time.Duration
	Now           func() time.Time
	NotFoundReply string
	Region        string
}

// Option defines a configuration option for the Pipeline.
type Option func(*Opts)

// WithHistoryLimit sets how many stored messages are loaded as history.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// WithLocker sets the per-booking locker. The default is a MemoryLocker.
func WithLocker(l BookingLocker) Option {
	return func(o *Opts) {
		o.Locker = l
	}
}

// WithLockWait bounds the wait for a busy booking.
func WithLockWait(d time.Duration) Option {
	return func(o *Opts) {
		o.LockWait = d
	}
}

// WithClock sets the time source used for booking selection and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithNotFoundReply overrides NotFoundReply.
func WithNotFoundReply(text string) Option {
	return func(o *Opts) {
		o.NotFoundReply = text
	}
}

// WithRegion sets the default phone region used by the resolver.
func WithRegion(region string) Option {
	return func(o *Opts) {
		o.Region = region
	}
}

// Pipeline handles inbound messages end to end.
type Pipeline struct {
	store         store.Store
	resolver      *phone.Resolver
	history       *history.Loader
	gateway       genai.ClientInterface
	sender        Sender
	locker        BookingLocker
	lockWait      time.Duration
	now           func() time.Time
	notFoundReply string
}

// NewPipeline wires a Pipeline. sender may be nil when only the chat channel is served;
// replies on phone channels are then recorded as delivery gaps.
func NewPipeline(st store.Store, gateway genai.ClientInterface, sender Sender, opts ...Option) *Pipeline {
	cfg := Opts{
		HistoryLimit:  history.DefaultHistoryLimit,
		LockWait:      DefaultLockWait,
		Now:           time.Now,
		NotFoundReply: NotFoundReply,
		Region:        phone.DefaultRegion,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMemoryLocker()
	}
	return &Pipeline{
		store:         st,
		resolver:      phone.NewResolver(st, phone.WithRegion(cfg.Region), phone.WithClock(cfg.Now)),
		history:       history.NewLoader(st, cfg.HistoryLimit),
		gateway:       gateway,
		sender:        sender,
		locker:        cfg.Locker,
		lockWait:      cfg.LockWait,
		now:           cfg.Now,
		notFoundReply: cfg.NotFoundReply,
	}
}

// Resolver returns the pipeline's phone resolver.
func (p *Pipeline) Resolver() *phone.Resolver {
	return p.resolver
}

// HandleRequest is one inbound message for a known booking.
type HandleRequest struct {
	BookingID  string
	SenderID   string
	SenderType models.SenderType
	Text       string
	Channel    models.Channel
	// ReplyTo is the phone number replies are sent to on phone channels.
	ReplyTo    string
	ReceivedAt time.Time
}

// Handle stores the inbound message, generates a reply, stores it and delivers it.
//
// Only three failures abort: an invalid request, a broken active model params
// configuration, and a failed inbound write. Everything after the inbound write is
// best effort and reported through DispatchResult.Gaps.
func (p *Pipeline) Handle(ctx context.Context, req HandleRequest) (models.DispatchResult, error) {
	ctx, span := tracer.Start(ctx, "concierge.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("concierge.booking_id", req.BookingID),
		attribute.String("concierge.channel", string(req.Channel)),
		attribute.String("concierge.sender_type", req.SenderType.String()),
	)

	result := models.DispatchResult{BookingID: req.BookingID, Channel: req.Channel}
	if strings.TrimSpace(req.Text) == "" {
		return result, models.ErrEmptyMessage
	}
	if req.SenderType != models.SenderGuest && req.SenderType != models.SenderOwner {
		return result, fmt.Errorf("sender type %s cannot start a conversation turn", req.SenderType)
	}

	unlock, err := p.locker.Lock(ctx, req.BookingID, p.lockWait)
	if err != nil {
		slog.Warn("Pipeline.Handle: booking lock not acquired", "bookingID", req.BookingID, "error", err)
		return result, err
	}
	defer unlock()

	params, err := p.activeParams(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model params")
		return result, err
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}
	inbound, err := p.store.AddMessage(ctx, models.Message{
		BookingID:  req.BookingID,
		SenderID:   req.SenderID,
		SenderType: req.SenderType,
		Content:    req.Text,
		CreatedAt:  receivedAt,
	})
	if err != nil {
		slog.Error("Pipeline.Handle: inbound message not stored", "bookingID", req.BookingID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbound persistence")
		return result, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	result.InboundMessageID = inbound.ID

	// The inbound row exists, so the reply must be stored and sent even if the
	// caller goes away. The gateway bounds the model call with its own timeout.
	ctx = context.WithoutCancel(ctx)

	pc := p.buildContext(ctx, params, inbound, req.Text)
	reply := p.complete(ctx, pc)
	result.ReplyText = reply.Text
	result.Degraded = reply.Degraded

	stored, err := p.store.AddMessage(ctx, models.Message{
		BookingID:  req.BookingID,
		SenderType: models.SenderAssistant,
		Content:    reply.Text,
		QuestionID: inbound.ID,
		CreatedAt:  p.replyTime(receivedAt),
	})
	if err != nil {
		p.recordGap(span, &result, models.GapReplyPersistence, fmt.Errorf("%w: %v", models.ErrReplyPersistenceGap, err))
	} else {
		result.ReplyMessageID = stored.ID
	}

	if !req.Channel.IsPhoneChannel() {
		result.Delivered = true
		return result, nil
	}

	providerID, err := p.deliver(ctx, req.Channel, req.ReplyTo, reply.Text)
	if err != nil {
		p.recordGap(span, &result, models.GapDelivery, err)
		return result, nil
	}
	result.Delivered = true
	result.ProviderMessageID = providerID
	if providerID != "" {
		if err := p.store.SetMessageSMSID(ctx, inbound.ID, providerID); err != nil {
			p.recordGap(span, &result, models.GapSMSIDBackfill, err)
		}
	}
	return result, nil
}

// activeParams loads and checks the active model params rows.
func (p *Pipeline) activeParams(ctx context.Context) (models.ModelParams, error) {
	rows, err := p.store.ListActiveModelParams(ctx)
	if err != nil {
		return models.ModelParams{}, fmt.Errorf("load active model params: %w", err)
	}
	params, err := prompt.SelectActive(rows)
	if err != nil {
		slog.Error("Pipeline.Handle: active model params misconfigured", "rows", len(rows), "error", err)
		return models.ModelParams{}, err
	}
	return params, nil
}

// buildContext gathers everything the assembler needs. Read failures drop the
// affected part; the reply is still generated.
func (p *Pipeline) buildContext(ctx context.Context, params models.ModelParams, inbound models.Message, text string) prompt.PromptContext {
	ctx, span := tracer.Start(ctx, "concierge.build_context")
	defer span.End()

	in := prompt.Input{UserText: text}
	booking, err := p.store.GetBooking(ctx, inbound.BookingID)
	if err != nil {
		slog.Warn("Pipeline.buildContext: booking not loaded", "bookingID", inbound.BookingID, "error", err)
	} else {
		in.Booking = &booking
		if prop, err := p.store.GetProperty(ctx, booking.PropertyID); err != nil {
			slog.Warn("Pipeline.buildContext: property not loaded", "propertyID", booking.PropertyID, "error", err)
		} else {
			in.Property = &prop
		}
		if info, err := p.store.ListPropertyInformation(ctx, booking.PropertyID); err != nil {
			slog.Warn("Pipeline.buildContext: property information not loaded", "propertyID", booking.PropertyID, "error", err)
		} else {
			in.Information = info
		}
		if docs, err := p.store.ListPropertyDocuments(ctx, booking.PropertyID); err != nil {
			slog.Warn("Pipeline.buildContext: property documents not loaded", "propertyID", booking.PropertyID, "error", err)
		} else {
			in.Documents = docs
		}
	}

	turns, err := p.history.LoadExcluding(ctx, inbound.BookingID, p.history.Limit(), inbound.ID)
	if err != nil {
		slog.Warn("Pipeline.buildContext: history not loaded", "bookingID", inbound.BookingID, "error", err)
	} else {
		in.History = turns
	}

	pc := prompt.AssembleWithParams(params, in)
	span.SetAttributes(
		attribute.Int("concierge.history_turns", len(pc.History)),
		attribute.Bool("concierge.truncated", pc.Truncated),
	)
	return pc
}

func (p *Pipeline) complete(ctx context.Context, pc prompt.PromptContext) genai.ModelReply {
	ctx, span := tracer.Start(ctx, "concierge.model")
	defer span.End()

	start := time.Now()
	reply := p.gateway.Complete(ctx, pc)
	modelLatency.Observe(time.Since(start).Seconds())
	modelRepliesTotal.WithLabelValues(string(reply.Shape)).Inc()

	span.SetAttributes(
		attribute.String("concierge.shape", string(reply.Shape)),
		attribute.Bool("concierge.degraded", reply.Degraded),
	)
	if reply.Err != nil {
		span.RecordError(reply.Err)
	}
	return reply
}

func (p *Pipeline) deliver(ctx context.Context, channel models.Channel, to, body string) (string, error) {
	if p.sender == nil {
		return "", fmt.Errorf("no sender configured for %s", channel)
	}
	ctx, span := tracer.Start(ctx, "concierge.deliver", trace.WithAttributes(attribute.String("concierge.channel", string(channel))))
	defer span.End()
	id, err := p.sender.Send(ctx, channel, to, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
	}
	return id, err
}

// replyTime keeps the reply strictly after the inbound message it answers.
func (p *Pipeline) replyTime(inboundAt time.Time) time.Time {
	now := p.now()
	if !now.After(inboundAt) {
		return inboundAt.Add(time.Millisecond)
	}
	return now
}

func (p *Pipeline) recordGap(span trace.Span, result *models.DispatchResult, gap models.Gap, err error) {
	result.Gaps = append(result.Gaps, gap)
	reconciliationGapsTotal.WithLabelValues(string(gap)).Inc()
	span.AddEvent("reconciliation_gap", trace.WithAttributes(attribute.String("concierge.gap", string(gap))))
	slog.Warn("Pipeline.Handle: reconciliation gap", "gap", gap, "bookingID", result.BookingID,
		"inboundMessageID", result.InboundMessageID, "error", err)
}

// Outcome maps a handling result to the outcome label used in metrics and webhook replies.
func Outcome(result models.DispatchResult, err error) string {
	switch {
	case err == nil && result.Degraded:
		return OutcomeDegraded
	case err == nil:
		return OutcomeReplied
	case errors.Is(err, models.ErrDuplicateInbound):
		return OutcomeDuplicate
	case errors.Is(err, models.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, models.ErrInvalidPhoneFormat), errors.Is(err, models.ErrEmptyMessage):
		return OutcomeDropped
	case errors.Is(err, models.ErrBookingBusy):
		return OutcomeBusy
	default:
		return OutcomeFailed
	}
}
