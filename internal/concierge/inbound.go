package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Concierge/internal/models"
)

// HandleSMS handles a guest message received over SMS or WhatsApp.
//
// An unparseable number is dropped without a reply (models.ErrInvalidPhoneFormat).
// A number without an upcoming booking gets NotFoundReply and no rows are written
// (models.ErrNotFound). A provider id seen before yields models.ErrDuplicateInbound.
func (p *Pipeline) HandleSMS(ctx context.Context, msg models.InboundMessage) (result models.DispatchResult, err error) {
	if msg.Channel == "" {
		msg.Channel = models.ChannelSMS
	}
	result = models.DispatchResult{Channel: msg.Channel}
	defer func() {
		inboundMessagesTotal.WithLabelValues(string(msg.Channel), Outcome(result, err)).Inc()
	}()

	if !msg.Channel.IsPhoneChannel() {
		return result, fmt.Errorf("channel %q is not a phone channel", msg.Channel)
	}
	canonical, err := p.resolver.Normalize(msg.Phone)
	if err != nil {
		slog.Warn("Pipeline.HandleSMS: dropping message from invalid phone", "phone", msg.Phone, "channel", msg.Channel, "error", err)
		return result, err
	}
	if strings.TrimSpace(msg.Text) == "" {
		slog.Info("Pipeline.HandleSMS: dropping empty message", "phone", canonical, "channel", msg.Channel)
		return result, models.ErrEmptyMessage
	}

	if msg.ExternalID != "" {
		first, derr := p.store.RecordInbound(ctx, string(msg.Channel), msg.ExternalID)
		if derr != nil {
			// Dedup is an optimization; handle the message anyway.
			slog.Warn("Pipeline.HandleSMS: dedup record failed", "externalID", msg.ExternalID, "error", derr)
		} else if !first {
			slog.Info("Pipeline.HandleSMS: duplicate delivery ignored", "externalID", msg.ExternalID, "channel", msg.Channel)
			return result, fmt.Errorf("%s %s: %w", msg.Channel, msg.ExternalID, models.ErrDuplicateInbound)
		}
	}

	guest, booking, err := p.resolver.ResolveGuestBooking(ctx, canonical)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("Pipeline.HandleSMS: no upcoming booking for phone", "phone", canonical, "channel", msg.Channel)
		p.finishInbound(ctx, msg)
		providerID, serr := p.deliver(context.WithoutCancel(ctx), msg.Channel, canonical, p.notFoundReply)
		result.ReplyText = p.notFoundReply
		if serr != nil {
			slog.Warn("Pipeline.HandleSMS: not-found reply not delivered", "phone", canonical, "error", serr)
		} else {
			result.Delivered = true
			result.ProviderMessageID = providerID
		}
		return result, err
	}
	if err != nil {
		p.forgetInbound(ctx, msg)
		slog.Error("Pipeline.HandleSMS: resolve failed", "phone", canonical, "error", err)
		return result, err
	}

	result, err = p.Handle(ctx, HandleRequest{
		BookingID:  booking.ID,
		SenderID:   guest.ID,
		SenderType: models.SenderGuest,
		Text:       msg.Text,
		Channel:    msg.Channel,
		ReplyTo:    canonical,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil && result.InboundMessageID == "" {
		// Nothing was stored, so a provider retry should be served.
		p.forgetInbound(ctx, msg)
		return result, err
	}
	p.finishInbound(ctx, msg)
	return result, err
}

func (p *Pipeline) finishInbound(ctx context.Context, msg models.InboundMessage) {
	if msg.ExternalID == "" {
		return
	}
	if err := p.store.MarkInboundProcessed(context.WithoutCancel(ctx), string(msg.Channel), msg.ExternalID); err != nil {
		slog.Warn("Pipeline.HandleSMS: dedup mark failed", "externalID", msg.ExternalID, "error", err)
	}
}

func (p *Pipeline) forgetInbound(ctx context.Context, msg models.InboundMessage) {
	if msg.ExternalID == "" {
		return
	}
	if err := p.store.ForgetInbound(context.WithoutCancel(ctx), string(msg.Channel), msg.ExternalID); err != nil {
		slog.Warn("Pipeline.HandleSMS: dedup forget failed", "externalID", msg.ExternalID, "error", err)
	}
}

// HandleChat handles a synchronous chat message and returns the reply in the result.
//
// The booking comes from booking_id, then conversation_id, then the soonest upcoming
// booking of renter_id. A renter_id marks the sender as the guest; otherwise the
// message is written by the property owner.
func (p *Pipeline) HandleChat(ctx context.Context, req models.ChatRequest) (result models.DispatchResult, err error) {
	result = models.DispatchResult{Channel: models.ChannelChat}
	defer func() {
		inboundMessagesTotal.WithLabelValues(string(models.ChannelChat), Outcome(result, err)).Inc()
	}()

	booking, err := p.chatBooking(ctx, req)
	if err != nil {
		slog.Info("Pipeline.HandleChat: booking not resolved", "bookingID", req.BookingID,
			"conversationID", req.ConversationID, "renterID", req.RenterID, "error", err)
		return result, err
	}

	hr := HandleRequest{
		BookingID:  booking.ID,
		SenderType: models.SenderOwner,
		Text:       req.Message,
		Channel:    models.ChannelChat,
	}
	if req.RenterID != "" {
		if err := p.checkRenterOnBooking(ctx, req, booking.ID); err != nil {
			slog.Info("Pipeline.HandleChat: renter not on booking", "bookingID", booking.ID, "renterID", req.RenterID)
			return result, err
		}
		hr.SenderType = models.SenderGuest
		hr.SenderID = req.RenterID
	} else if prop, perr := p.store.GetProperty(ctx, booking.PropertyID); perr == nil {
		hr.SenderID = prop.OwnerID
	}
	return p.Handle(ctx, hr)
}

func (p *Pipeline) chatBooking(ctx context.Context, req models.ChatRequest) (models.Booking, error) {
	switch {
	case req.BookingID != "":
		return p.store.GetBooking(ctx, req.BookingID)
	case req.ConversationID != "":
		return p.store.GetBooking(ctx, req.ConversationID)
	case req.RenterID != "":
		if _, err := p.store.GetGuest(ctx, req.RenterID); err != nil {
			return models.Booking{}, err
		}
		return p.store.NextBookingForGuest(ctx, req.RenterID, p.now())
	default:
		return models.Booking{}, fmt.Errorf("booking_id, conversation_id or renter_id is required: %w", models.ErrNotFound)
	}
}

// checkRenterOnBooking requires renter_id to be a guest of an explicitly named booking.
// A booking found through renter_id itself needs no check.
func (p *Pipeline) checkRenterOnBooking(ctx context.Context, req models.ChatRequest, bookingID string) error {
	if req.BookingID == "" && req.ConversationID == "" {
		return nil
	}
	guests, err := p.store.ListBookingGuests(ctx, bookingID)
	if err != nil {
		return err
	}
	for _, g := range guests {
		if g.ID == req.RenterID {
			return nil
		}
	}
	return fmt.Errorf("renter %s on booking %s: %w", req.RenterID, bookingID, models.ErrNotFound)
}
