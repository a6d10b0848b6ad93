package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Concierge/internal/models"
)

// ErrNoService is returned when no service is registered for a channel.
var ErrNoService = errors.New("no messaging service for channel")

// Router picks the Service registered for a reply channel.
type Router struct {
	mu       sync.RWMutex
	services map[models.Channel]Service
}

// NewRouter creates a Router holding the given services, keyed by their channel.
func NewRouter(services ...Service) *Router {
	r := &Router{services: make(map[models.Channel]Service)}
	for _, s := range services {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the service for its channel.
func (r *Router) Register(s Service) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.Channel()] = s
	slog.Debug("Router.Register: service registered", "channel", s.Channel())
}

// Service returns the service for channel, if any.
func (r *Router) Service(channel models.Channel) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[channel]
	return s, ok
}

// Services returns every registered service.
func (r *Router) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// Send canonicalizes to and delivers body over channel, returning the provider message id.
func (r *Router) Send(ctx context.Context, channel models.Channel, to, body string) (string, error) {
	s, ok := r.Service(channel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoService, channel)
	}
	recipient, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	return s.SendMessage(ctx, recipient, body)
}
