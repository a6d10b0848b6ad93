package genai

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/Concierge/internal/models"
)

// ResponseShape tags which known response layout a model reply matched.
type ResponseShape string

const (
	// ShapeChatCompletion: {"choices": [{"message": {"content": "..."}}]}
	ShapeChatCompletion ResponseShape = "chat_completion"
	// ShapeGeneratedTextList: [{"generated_text": "..."}]
	ShapeGeneratedTextList ResponseShape = "generated_text_list"
	// ShapeGeneratedText: {"generated_text": "..."}
	ShapeGeneratedText ResponseShape = "generated_text"
	// ShapeUnrecognized: valid transport, unknown or empty body.
	ShapeUnrecognized ResponseShape = "unrecognized"
	// ShapeTransportError: the call itself failed.
	ShapeTransportError ResponseShape = "transport_error"
)

// shapeProbes are tried in order; the first path holding a non-empty string wins.
var shapeProbes = []struct {
	shape ResponseShape
	path  string
}{
	{ShapeChatCompletion, "choices.0.message.content"},
	{ShapeGeneratedTextList, "0.generated_text"},
	{ShapeGeneratedText, "generated_text"},
}

// ParseResponse extracts the reply text from raw. It fails with
// models.ErrUnrecognizedResponseFormat for invalid JSON, unknown layouts and empty text.
func ParseResponse(raw []byte) (string, ResponseShape, error) {
	if !gjson.ValidBytes(raw) {
		return "", ShapeUnrecognized, fmt.Errorf("invalid JSON body: %w", models.ErrUnrecognizedResponseFormat)
	}
	doc := gjson.ParseBytes(raw)
	for _, probe := range shapeProbes {
		if probe.shape == ShapeGeneratedTextList && !doc.IsArray() {
			continue
		}
		if probe.shape != ShapeGeneratedTextList && !doc.IsObject() {
			continue
		}
		v := doc.Get(probe.path)
		if v.Type != gjson.String {
			continue
		}
		if text := strings.TrimSpace(v.String()); text != "" {
			return text, probe.shape, nil
		}
	}
	return "", ShapeUnrecognized, fmt.Errorf("no reply text in response: %w", models.ErrUnrecognizedResponseFormat)
}
