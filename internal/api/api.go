// Package api provides the HTTP server for Concierge.
//
// It exposes the chat endpoint, the inbound SMS webhooks, CRUD for properties,
// guests, bookings and model params, and health and metrics endpoints. WhatsApp
// messages arrive through the messaging services and are consumed here as well.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/Concierge/internal/concierge"
	"github.com/BTreeMap/Concierge/internal/messaging"
	"github.com/BTreeMap/Concierge/internal/phone"
	"github.com/BTreeMap/Concierge/internal/store"
)

// Constants for server configuration
const (
	// DefaultServerAddress is the default HTTP listen address
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultWriteTimeout leaves room for one model call under the booking lock
	DefaultWriteTimeout = 2 * time.Minute
	// maxRequestBody caps JSON and form bodies
	maxRequestBody = 1 << 20
)

// SignatureValidator checks Twilio webhook signatures. *twiliosms.Client satisfies it.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// Geocoder resolves a street address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (lat, lng float64, err error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Services        []messaging.Service
	TwilioValidator SignatureValidator
	PublicURL       string
	Geocoder        Geocoder
	Gatherer        prometheus.Gatherer
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithServices sets the messaging services whose inbound messages the server consumes.
func WithServices(services ...messaging.Service) Option {
	return func(o *Opts) {
		o.Services = services
	}
}

// WithTwilioValidator enables signature checks on the Twilio form webhook. publicURL is
// the externally visible base URL Twilio signs, e.g. "https://concierge.example.com".
func WithTwilioValidator(v SignatureValidator, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioValidator = v
		o.PublicURL = publicURL
	}
}

// WithGeocoder sets the geocoder used when a property address changes.
func WithGeocoder(g Geocoder) Option {
	return func(o *Opts) {
		o.Geocoder = g
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) {
		o.Gatherer = g
	}
}

// Server serves the Concierge HTTP API.
type Server struct {
	store           store.Store
	pipeline        *concierge.Pipeline
	resolver        *phone.Resolver
	services        []messaging.Service
	validator       SignatureValidator
	publicURL       string
	geocoder        Geocoder
	gatherer        prometheus.Gatherer
	addr            string
	shutdownTimeout time.Duration
	now             func() time.Time
	wg              sync.WaitGroup
}

// NewServer creates a Server around the store and the conversation pipeline.
func NewServer(st store.Store, pipeline *concierge.Pipeline, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		store:           st,
		pipeline:        pipeline,
		resolver:        pipeline.Resolver(),
		services:        cfg.Services,
		validator:       cfg.TwilioValidator,
		publicURL:       cfg.PublicURL,
		geocoder:        cfg.Geocoder,
		gatherer:        cfg.Gatherer,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		now:             time.Now,
	}
}

// Handler returns the router with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.chatHandler)
	mux.HandleFunc("POST /sms/inbound", s.smsInboundHandler)
	mux.HandleFunc("POST /twilio/sms", s.twilioSMSHandler)

	mux.HandleFunc("POST /properties", s.createPropertyHandler)
	mux.HandleFunc("GET /properties", s.listPropertiesHandler)
	mux.HandleFunc("GET /properties/{id}", s.getPropertyHandler)
	mux.HandleFunc("PUT /properties/{id}", s.updatePropertyHandler)
	mux.HandleFunc("DELETE /properties/{id}", s.deletePropertyHandler)
	mux.HandleFunc("POST /properties/{id}/information", s.addInformationHandler)
	mux.HandleFunc("GET /properties/{id}/information", s.listInformationHandler)
	mux.HandleFunc("DELETE /properties/{id}/information/{infoID}", s.deleteInformationHandler)
	mux.HandleFunc("PUT /properties/{id}/documents", s.replaceDocumentsHandler)
	mux.HandleFunc("GET /properties/{id}/documents", s.listDocumentsHandler)

	mux.HandleFunc("POST /guests", s.createGuestHandler)
	mux.HandleFunc("GET /guests", s.listGuestsHandler)
	mux.HandleFunc("GET /guests/{id}", s.getGuestHandler)

	mux.HandleFunc("POST /bookings", s.createBookingHandler)
	mux.HandleFunc("GET /bookings", s.listBookingsHandler)
	mux.HandleFunc("GET /bookings/{id}", s.getBookingHandler)
	mux.HandleFunc("PUT /bookings/{id}", s.updateBookingHandler)
	mux.HandleFunc("DELETE /bookings/{id}", s.deleteBookingHandler)
	mux.HandleFunc("POST /bookings/{id}/guests", s.addBookingGuestHandler)
	mux.HandleFunc("GET /bookings/{id}/guests", s.listBookingGuestsHandler)
	mux.HandleFunc("GET /bookings/{id}/messages", s.listBookingMessagesHandler)

	mux.HandleFunc("POST /model-params", s.createModelParamsHandler)
	mux.HandleFunc("GET /model-params", s.listModelParamsHandler)
	mux.HandleFunc("POST /model-params/{id}/activate", s.activateModelParamsHandler)

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Run starts the messaging services, consumes their inbound messages and serves HTTP
// until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	for _, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.consumeInbound(ctx, svc)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutdown requested")
	case serveErr = <-errCh:
		slog.Error("Server.Run: listener failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
	}
	for _, svc := range s.services {
		if err := svc.Stop(); err != nil {
			slog.Warn("Server.Run: service stop failed", "channel", svc.Channel(), "error", err)
		}
	}
	s.wg.Wait()
	slog.Info("Server.Run: stopped")
	return serveErr
}

// consumeInbound hands every message from svc to the pipeline until the channel closes.
func (s *Server) consumeInbound(ctx context.Context, svc messaging.Service) {
	defer s.wg.Done()
	for msg := range svc.Inbound() {
		result, err := s.pipeline.HandleSMS(ctx, msg)
		outcome := concierge.Outcome(result, err)
		if err != nil {
			slog.Info("Server.consumeInbound: message not answered", "channel", msg.Channel, "phone", msg.Phone, "outcome", outcome, "error", err)
			continue
		}
		slog.Debug("Server.consumeInbound: message answered", "channel", msg.Channel, "bookingID", result.BookingID, "outcome", outcome)
	}
}
