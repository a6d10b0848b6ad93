// Package prompt assembles the bounded model context for one inbound message.
//
// System content is built in fixed precedence: system prompt, property facts,
// booking facts, property information, scraped documents. The result is cut to
// MaxSystemContentChars by plain suffix truncation, so the lowest-precedence
// text is always dropped first. History and the new user text are carried
// separately and never truncated.
package prompt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
)

// MaxSystemContentChars caps the system content in characters (runes).
const MaxSystemContentChars = 8000

// Layout used for check-in and check-out in the booking section.
const bookingTimeLayout = "Monday, January 2, 2006 15:04 MST"

// Input carries everything the assembler may use. Nil or empty parts are skipped.
type Input struct {
	Property    *models.Property
	Booking     *models.Booking
	Information []models.PropertyInformation
	Documents   []models.PropertyDocument
	History     []models.ChatTurn
	UserText    string
}

// PromptContext is the assembled model input.
type PromptContext struct {
	ParamsID      string
	SystemContent string
	// Truncated reports whether SystemContent was cut at MaxSystemContentChars.
	Truncated   bool
	History     []models.ChatTurn
	UserText    string
	Temperature float64
	TopP        float64
}

// SelectActive returns the single active row of active. Zero or several rows violate
// the configuration invariant.
func SelectActive(active []models.ModelParams) (models.ModelParams, error) {
	var found []models.ModelParams
	for _, p := range active {
		if p.Active {
			found = append(found, p)
		}
	}
	if len(found) != 1 {
		return models.ModelParams{}, fmt.Errorf("%d active model params rows: %w", len(found), models.ErrActiveModelParamsInvariant)
	}
	return found[0], nil
}

// Assemble selects the active params from active and builds the context from in.
func Assemble(active []models.ModelParams, in Input) (PromptContext, error) {
	params, err := SelectActive(active)
	if err != nil {
		return PromptContext{}, err
	}
	return AssembleWithParams(params, in), nil
}

// AssembleWithParams builds the context using params as the active configuration.
func AssembleWithParams(params models.ModelParams, in Input) PromptContext {
	full := SystemContent(params, in)
	system, truncated := Truncate(full, MaxSystemContentChars)
	if truncated {
		slog.Warn("prompt.Assemble: system content truncated", "paramsID", params.ID, "chars", len([]rune(full)), "limit", MaxSystemContentChars)
	}
	history := in.History
	if history == nil {
		history = []models.ChatTurn{}
	}
	return PromptContext{
		ParamsID:      params.ID,
		SystemContent: system,
		Truncated:     truncated,
		History:       history,
		UserText:      in.UserText,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
	}
}

// SystemContent renders the uncapped system content.
func SystemContent(params models.ModelParams, in Input) string {
	var sections []string
	if s := strings.TrimSpace(params.SystemPrompt); s != "" {
		sections = append(sections, s)
	}
	if in.Property != nil {
		sections = append(sections, propertySection(*in.Property))
	}
	if in.Booking != nil {
		sections = append(sections, bookingSection(*in.Booking))
	}
	if len(in.Information) > 0 {
		var b strings.Builder
		b.WriteString("Property information:")
		for _, info := range in.Information {
			b.WriteString("\n- ")
			b.WriteString(info.Name)
			b.WriteString(": ")
			b.WriteString(info.Detail)
		}
		sections = append(sections, b.String())
	}
	var docs []string
	for _, d := range in.Documents {
		if c := strings.TrimSpace(d.Content); c != "" {
			docs = append(docs, c)
		}
	}
	if len(docs) > 0 {
		sections = append(sections, "Property documents:\n"+strings.Join(docs, "\n\n"))
	}
	return strings.Join(sections, "\n\n")
}

func propertySection(p models.Property) string {
	lines := []string{"Property: " + p.Name}
	if p.Address != "" {
		lines = append(lines, "Address: "+p.Address)
	}
	if p.Description != "" {
		lines = append(lines, "Description: "+p.Description)
	}
	if p.HasCoordinates() {
		lines = append(lines, "Coordinates: "+
			strconv.FormatFloat(*p.Latitude, 'f', -1, 64)+", "+
			strconv.FormatFloat(*p.Longitude, 'f', -1, 64))
	}
	return strings.Join(lines, "\n")
}

func bookingSection(b models.Booking) string {
	return "Booking:\nCheck-in: " + formatTime(b.CheckIn) + "\nCheck-out: " + formatTime(b.CheckOut)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(bookingTimeLayout)
}

// Truncate cuts s to at most limit runes. The result is always a prefix of s.
func Truncate(s string, limit int) (string, bool) {
	if limit < 0 {
		limit = 0
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
