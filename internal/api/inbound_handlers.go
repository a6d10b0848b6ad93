package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/Concierge/internal/concierge"
	"github.com/BTreeMap/Concierge/internal/models"
)

// emptyTwiML acknowledges a Twilio webhook without sending a message; replies go out
// through the REST API so their SIDs can be recorded.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// chatHandler answers a synchronous chat message.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ChatRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.pipeline.HandleChat(r.Context(), req)
	if err != nil {
		slog.Warn("Server.chatHandler: chat not answered", "bookingID", req.BookingID, "renterID", req.RenterID, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.chatHandler: chat answered", "bookingID", result.BookingID, "degraded", result.Degraded, "gaps", result.Gaps)
	writeJSONResponse(w, http.StatusOK, models.ChatResponse{Response: result.ReplyText})
}

// smsInboundHandler receives the JSON inbound SMS webhook.
func (s *Server) smsInboundHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.SMSWebhookRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	s.handleInboundSMS(w, models.InboundMessage{
		Channel:    models.ChannelSMS,
		Phone:      req.Phone,
		Text:       req.Message,
		ExternalID: req.MessageID,
		ReceivedAt: s.now().UTC(),
	}, r, false)
}

// twilioSMSHandler receives Twilio's form-encoded inbound SMS webhook.
func (s *Server) twilioSMSHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioSMSHandler: invalid form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		url := strings.TrimSuffix(s.publicURL, "/") + r.URL.RequestURI()
		if !s.validator.ValidateSignature(url, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioSMSHandler: signature rejected", "url", url)
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}
	s.handleInboundSMS(w, models.InboundMessage{
		Channel:    models.ChannelSMS,
		Phone:      r.PostForm.Get("From"),
		Text:       r.PostForm.Get("Body"),
		ExternalID: r.PostForm.Get("MessageSid"),
		ReceivedAt: s.now().UTC(),
	}, r, true)
}

// handleInboundSMS runs the pipeline and acknowledges the webhook. Outcomes that a
// provider retry cannot change are acknowledged with 200; transient failures are not.
func (s *Server) handleInboundSMS(w http.ResponseWriter, msg models.InboundMessage, r *http.Request, twiml bool) {
	result, err := s.pipeline.HandleSMS(r.Context(), msg)
	outcome := concierge.Outcome(result, err)

	status := http.StatusOK
	if err != nil && !acknowledged(err) {
		status = statusForError(err)
		slog.Error("Server.handleInboundSMS: inbound message failed", "phone", msg.Phone, "outcome", outcome, "error", err)
	} else {
		slog.Info("Server.handleInboundSMS: inbound message handled", "phone", msg.Phone, "outcome", outcome,
			"bookingID", result.BookingID, "gaps", result.Gaps)
	}

	if twiml {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(emptyTwiML))
		}
		return
	}
	if status != http.StatusOK {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, status, models.Accepted(outcome, result))
}

// acknowledged reports whether err is a final outcome for an inbound webhook.
func acknowledged(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrInvalidPhoneFormat) ||
		errors.Is(err, models.ErrEmptyMessage) ||
		errors.Is(err, models.ErrDuplicateInbound)
}
