package genai

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openai/openai-go"
)

// TransportErrorKind classifies a failed model call.
type TransportErrorKind string

const (
	TransportTimeout    TransportErrorKind = "timeout"
	TransportStatus     TransportErrorKind = "status"
	TransportConnection TransportErrorKind = "connection"
)

// TransportError is a model call that did not produce a response body.
type TransportError struct {
	Kind       TransportErrorKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Kind == TransportStatus {
		return fmt.Sprintf("model endpoint returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model endpoint %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is returned by the hosted-endpoint backend for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// classify maps a backend error to a TransportError.
func classify(err error) *TransportError {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return &TransportError{Kind: TransportStatus, StatusCode: statusErr.StatusCode, Err: err}
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &TransportError{Kind: TransportStatus, StatusCode: apiErr.StatusCode, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	return &TransportError{Kind: TransportConnection, Err: err}
}

// IsTransportError reports whether err is a TransportError of kind k.
func IsTransportError(err error, k TransportErrorKind) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Kind == k
}
