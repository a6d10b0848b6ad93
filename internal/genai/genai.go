// Package genai is the model gateway: it sends an assembled prompt to the configured
// model endpoint and always returns a ModelReply, substituting a fixed apology when the
// endpoint fails or answers in an unknown shape.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/prompt"
)

// FallbackReply is sent when no usable model output is available.
const FallbackReply = "I apologize, but I couldn't generate a proper response."

// Defaults for the gateway configuration.
const (
	DefaultModel     = "gpt-4o-mini"
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 512
)

// PayloadStyle selects the request format sent to the model endpoint.
type PayloadStyle string

const (
	// StyleOpenAI calls an OpenAI-compatible chat completions API through openai-go.
	StyleOpenAI PayloadStyle = "openai"
	// StyleInputs posts {"inputs": "<transcript>", "parameters": {...}}.
	StyleInputs PayloadStyle = "inputs"
	// StyleMessages posts {"messages": [...], "max_tokens": ..., ...}.
	StyleMessages PayloadStyle = "messages"
)

// ParsePayloadStyle maps a configuration string to a PayloadStyle.
func ParsePayloadStyle(s string) (PayloadStyle, error) {
	switch PayloadStyle(strings.ToLower(strings.TrimSpace(s))) {
	case "", StyleOpenAI:
		return StyleOpenAI, nil
	case StyleInputs:
		return StyleInputs, nil
	case StyleMessages:
		return StyleMessages, nil
	}
	return "", fmt.Errorf("unknown model endpoint style %q", s)
}

// ModelReply is the outcome of one model call.
type ModelReply struct {
	// Text is never empty: it holds the model output or FallbackReply.
	Text  string
	Raw   []byte
	Shape ResponseShape
	// Degraded is set when Text is FallbackReply.
	Degraded bool
	// Err records why the reply is degraded. It is informational only.
	Err error
}

// Message is one chat message sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the backend-neutral form of a model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Backend performs the transport for one payload style and returns the raw response body.
type Backend interface {
	Send(ctx context.Context, req Request) ([]byte, error)
}

// ClientInterface is implemented by Client and by test doubles.
type ClientInterface interface {
	Complete(ctx context.Context, pc prompt.PromptContext) ModelReply
}

// Opts holds configuration for the gateway.
type Opts struct {
	APIKey      string
	EndpointURL string
	Style       PayloadStyle
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	HTTPClient  *http.Client
	Backend     Backend
	DebugMode   bool
	StateDir    string
}

// Option configures the gateway.
type Option func(*Opts)

// WithAPIKey sets the bearer key for the model endpoint.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithEndpointURL sets the hosted endpoint URL, or the base URL for StyleOpenAI.
func WithEndpointURL(url string) Option {
	return func(o *Opts) {
		o.EndpointURL = url
	}
}

// WithStyle selects the payload style.
func WithStyle(style PayloadStyle) Option {
	return func(o *Opts) {
		o.Style = style
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// WithHTTPClient overrides the HTTP client used by the hosted-endpoint backend.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithBackend injects a backend directly, bypassing style selection.
func WithBackend(b Backend) Option {
	return func(o *Opts) {
		o.Backend = b
	}
}

// WithDebug writes every request and raw response to stateDir/debug.
func WithDebug(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// Client is the model gateway. It is safe for concurrent use.
type Client struct {
	backend   Backend
	style     PayloadStyle
	model     string
	timeout   time.Duration
	maxTokens int
	debugMode bool
	stateDir  string
}

var _ ClientInterface = (*Client)(nil)

// NewClient builds the gateway. StyleOpenAI needs an API key (falling back to
// OPENAI_API_KEY); the hosted styles need an endpoint URL.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Style: StyleOpenAI, Model: DefaultModel, Timeout: DefaultTimeout, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	backend := cfg.Backend
	if backend == nil {
		switch cfg.Style {
		case StyleOpenAI:
			if cfg.APIKey == "" {
				cfg.APIKey = os.Getenv("OPENAI_API_KEY")
			}
			if cfg.APIKey == "" {
				return nil, fmt.Errorf("OPENAI_API_KEY not set")
			}
			backend = newOpenAIBackend(cfg.APIKey, cfg.EndpointURL)
		case StyleInputs, StyleMessages:
			if cfg.EndpointURL == "" {
				return nil, fmt.Errorf("model endpoint URL not set for style %q", cfg.Style)
			}
			backend = NewHTTPBackend(cfg.EndpointURL, cfg.Style, cfg.APIKey, cfg.HTTPClient)
		default:
			return nil, fmt.Errorf("unknown model endpoint style %q", cfg.Style)
		}
	}
	slog.Debug("genai.NewClient: gateway configured", "style", cfg.Style, "model", cfg.Model, "timeout", cfg.Timeout, "maxTokens", cfg.MaxTokens)
	return &Client{
		backend:   backend,
		style:     cfg.Style,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		maxTokens: cfg.MaxTokens,
		debugMode: cfg.DebugMode,
		stateDir:  cfg.StateDir,
	}, nil
}

// Complete sends pc to the model and returns its reply. It never fails: transport
// errors and unrecognized responses produce a degraded reply carrying FallbackReply.
// Each call reaches the backend at most once.
func (c *Client) Complete(ctx context.Context, pc prompt.PromptContext) ModelReply {
	req := c.buildRequest(pc)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.backend.Send(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		terr := classify(err)
		slog.Error("Client.Complete: model call failed", "kind", terr.Kind, "status", terr.StatusCode, "elapsed", elapsed, "error", terr.Err)
		reply := ModelReply{Text: FallbackReply, Raw: raw, Shape: ShapeTransportError, Degraded: true, Err: terr}
		c.logDebug("Complete", req, reply)
		return reply
	}

	text, shape, perr := ParseResponse(raw)
	if perr != nil {
		slog.Warn("Client.Complete: unrecognized model response", "bytes", len(raw), "elapsed", elapsed, "error", perr)
		reply := ModelReply{Text: FallbackReply, Raw: raw, Shape: ShapeUnrecognized, Degraded: true, Err: perr}
		c.logDebug("Complete", req, reply)
		return reply
	}
	slog.Debug("Client.Complete: model replied", "shape", shape, "chars", len(text), "elapsed", elapsed)
	reply := ModelReply{Text: text, Raw: raw, Shape: shape}
	c.logDebug("Complete", req, reply)
	return reply
}

func (c *Client) buildRequest(pc prompt.PromptContext) Request {
	msgs := make([]Message, 0, len(pc.History)+2)
	if pc.SystemContent != "" {
		msgs = append(msgs, Message{Role: "system", Content: pc.SystemContent})
	}
	for _, t := range pc.History {
		msgs = append(msgs, Message{Role: chatRole(t.Role), Content: t.Text})
	}
	msgs = append(msgs, Message{Role: "user", Content: pc.UserText})
	return Request{
		Model:       c.model,
		System:      pc.SystemContent,
		Messages:    msgs,
		Prompt:      RenderTranscript(pc),
		MaxTokens:   c.maxTokens,
		Temperature: pc.Temperature,
		TopP:        pc.TopP,
	}
}

func chatRole(r models.Role) string {
	if r.IsUserSide() {
		return "user"
	}
	return "assistant"
}

// RenderTranscript flattens pc into a single prompt string for completion-style endpoints.
func RenderTranscript(pc prompt.PromptContext) string {
	var b strings.Builder
	if pc.SystemContent != "" {
		b.WriteString(pc.SystemContent)
		b.WriteString("\n\n")
	}
	for _, t := range pc.History {
		if t.Role.IsUserSide() {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(pc.UserText)
	b.WriteString("\nAssistant:")
	return b.String()
}
