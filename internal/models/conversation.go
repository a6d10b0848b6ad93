package models

import "time"

// Role is the speaker of a ChatTurn.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleAssistant Role = "assistant"
	RoleOwner     Role = "owner"
)

// RoleForSender maps a stored sender type to a conversation role.
func RoleForSender(s SenderType) Role {
	switch s {
	case SenderAssistant:
		return RoleAssistant
	case SenderOwner:
		return RoleOwner
	default:
		return RoleGuest
	}
}

// IsUserSide reports whether the role speaks on the user side of a model conversation.
// Guests and owners both address the assistant.
func (r Role) IsUserSide() bool {
	return r != RoleAssistant
}

// ChatTurn is one normalized unit of conversation history.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	// Synthetic is set on turns injected to keep user/assistant alternation.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Channel identifies where an inbound message arrived and where its reply goes.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelChat     Channel = "chat"
)

// IsPhoneChannel reports whether replies on this channel are pushed to a phone number.
func (c Channel) IsPhoneChannel() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// InboundMessage is the channel-neutral form of a guest message received over SMS or WhatsApp.
type InboundMessage struct {
	Channel    Channel   `json:"channel"`
	Phone      string    `json:"phone"`
	Text       string    `json:"text"`
	ExternalID string    `json:"external_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Gap names a best-effort step that failed after the inbound message was stored.
type Gap string

const (
	// GapReplyPersistence: the reply was generated but its row was not stored.
	GapReplyPersistence Gap = "reply_persistence"
	// GapSMSIDBackfill: the provider message id could not be linked to the inbound row.
	GapSMSIDBackfill Gap = "sms_id_backfill"
	// GapDelivery: the reply could not be sent over the channel.
	GapDelivery Gap = "delivery"
)

// DispatchResult describes the outcome of handling one inbound message.
type DispatchResult struct {
	BookingID         string  `json:"booking_id,omitempty"`
	InboundMessageID  string  `json:"inbound_message_id,omitempty"`
	ReplyMessageID    string  `json:"reply_message_id,omitempty"`
	ReplyText         string  `json:"reply_text,omitempty"`
	Channel           Channel `json:"channel"`
	Delivered         bool    `json:"delivered"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	// Degraded is set when the reply is the fallback apology.
	Degraded bool  `json:"degraded,omitempty"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

// HasGap reports whether g was recorded on the result.
func (r DispatchResult) HasGap(g Gap) bool {
	for _, x := range r.Gaps {
		if x == g {
			return true
		}
	}
	return false
}
