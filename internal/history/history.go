// Package history loads a booking's stored messages as chat turns ready for a model.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/store"
)

// DefaultHistoryLimit is the number of most recent messages loaded per booking.
const DefaultHistoryLimit = 20

// Text of turns injected to keep strict user/assistant alternation.
const (
	SyntheticLeadingUserText = "(Earlier messages in this conversation are not shown.)"
	SyntheticAckText         = "Understood."
)

// MessageReader is the slice of store.Store the loader needs.
type MessageReader interface {
	ListRecentMessages(ctx context.Context, bookingID string, limit int) ([]models.Message, error)
}

var _ MessageReader = (store.Store)(nil)

// Loader reads recent messages and normalizes them into alternating turns.
type Loader struct {
	messages MessageReader
	limit    int
}

// NewLoader creates a loader. A non-positive limit selects DefaultHistoryLimit.
func NewLoader(messages MessageReader, limit int) *Loader {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Loader{messages: messages, limit: limit}
}

// Limit returns the configured history window.
func (l *Loader) Limit() int {
	return l.limit
}

// Load returns up to limit messages of the booking as normalized turns, oldest first.
// A non-positive limit uses the loader's default.
func (l *Loader) Load(ctx context.Context, bookingID string, limit int) ([]models.ChatTurn, error) {
	return l.LoadExcluding(ctx, bookingID, limit, "")
}

// LoadExcluding is Load without the message whose id is excludeID. The pipeline passes the
// inbound message it just stored, since that text is appended to the prompt separately.
func (l *Loader) LoadExcluding(ctx context.Context, bookingID string, limit int, excludeID string) ([]models.ChatTurn, error) {
	if limit <= 0 {
		limit = l.limit
	}
	fetch := limit
	if excludeID != "" {
		fetch++
	}
	recent, err := l.messages.ListRecentMessages(ctx, bookingID, fetch)
	if err != nil {
		return nil, fmt.Errorf("load history for booking %s: %w", bookingID, err)
	}

	turns := make([]models.ChatTurn, 0, len(recent))
	// Storage returns newest first; walk backwards for chronological order.
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if excludeID != "" && m.ID == excludeID {
			continue
		}
		turns = append(turns, models.ChatTurn{
			Role:      models.RoleForSender(m.SenderType),
			Text:      m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	normalized := Normalize(turns)
	slog.Debug("Loader.Load: history loaded", "bookingID", bookingID, "messages", len(turns), "turns", len(normalized))
	return normalized, nil
}

// Normalize enforces strict user/assistant alternation on chronologically ordered turns.
//
// Guest and owner turns are both user side. Consecutive same-side turns are merged with a
// newline and keep the first turn's role and timestamp. A synthetic user turn is injected
// before a leading assistant turn, and a synthetic assistant acknowledgment after a trailing
// user turn. This rewrites observed history to satisfy chat models that reject repeated
// roles; it is not a data correction.
func Normalize(turns []models.ChatTurn) []models.ChatTurn {
	out := make([]models.ChatTurn, 0, len(turns)+2)
	for _, t := range turns {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role.IsUserSide() == t.Role.IsUserSide() {
			out[n-1].Text += "\n" + t.Text
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return out
	}
	if !out[0].Role.IsUserSide() {
		lead := models.ChatTurn{Role: models.RoleGuest, Text: SyntheticLeadingUserText, CreatedAt: out[0].CreatedAt, Synthetic: true}
		out = append([]models.ChatTurn{lead}, out...)
	}
	if last := out[len(out)-1]; last.Role.IsUserSide() {
		out = append(out, models.ChatTurn{Role: models.RoleAssistant, Text: SyntheticAckText, CreatedAt: last.CreatedAt, Synthetic: true})
	}
	return out
}
