package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxResponseBytes bounds how much of a model response body is read.
const maxResponseBytes = 4 << 20

// HTTPBackend posts JSON to a hosted model endpoint in the inputs or messages style.
type HTTPBackend struct {
	url    string
	style  PayloadStyle
	apiKey string
	client *http.Client
}

// NewHTTPBackend creates a hosted-endpoint backend. A nil client uses http.DefaultClient;
// the gateway applies its own per-call timeout through the context.
func NewHTTPBackend(url string, style PayloadStyle, apiKey string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{url: url, style: style, apiKey: apiKey, client: client}
}

type samplingParams struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type inputsPayload struct {
	Inputs     string         `json:"inputs"`
	Parameters samplingParams `json:"parameters"`
}

type messagesPayload struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	samplingParams
}

// positive returns a pointer to v, or nil when v is zero or negative so the
// endpoint's own default applies.
func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

// Payload renders the JSON body for req in the backend's style.
func (b *HTTPBackend) Payload(req Request) ([]byte, error) {
	params := samplingParams{MaxTokens: req.MaxTokens, Temperature: positive(req.Temperature), TopP: positive(req.TopP)}
	switch b.style {
	case StyleInputs:
		return json.Marshal(inputsPayload{Inputs: req.Prompt, Parameters: params})
	case StyleMessages:
		return json.Marshal(messagesPayload{Model: req.Model, Messages: req.Messages, samplingParams: params})
	}
	return nil, fmt.Errorf("unsupported payload style %q", b.style)
}

// Send posts req and returns the raw response body. Non-2xx answers yield a StatusError.
func (b *HTTPBackend) Send(ctx context.Context, req Request) ([]byte, error) {
	body, err := b.Payload(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Debug("HTTPBackend.Send: non-2xx response", "status", resp.StatusCode, "bytes", len(raw))
		snippet := raw
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return raw, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return raw, nil
}
