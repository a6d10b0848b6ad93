package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Concierge/internal/models"
)

// geocode fills coordinates from the geocoder when the request carries none.
// Failures leave the property without coordinates.
func (s *Server) geocode(ctx context.Context, p *models.Property) {
	if s.geocoder == nil || p.HasCoordinates() || p.Address == "" {
		return
	}
	lat, lng, err := s.geocoder.Geocode(ctx, p.Address)
	if err != nil {
		slog.Warn("Server.geocode: address not geocoded", "address", p.Address, "error", err)
		return
	}
	p.Latitude, p.Longitude = &lat, &lng
}

func propertyFromRequest(req models.PropertyRequest) models.Property {
	return models.Property{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Address:     req.Address,
		Description: req.Description,
		URL:         req.URL,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	}
}

func (s *Server) createPropertyHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.PropertyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p := propertyFromRequest(req)
	s.geocode(r.Context(), &p)
	created, err := s.store.CreateProperty(r.Context(), p)
	if err != nil {
		slog.Error("Server.createPropertyHandler: create failed", "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.createPropertyHandler: property created", "propertyID", created.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(created))
}

func (s *Server) listPropertiesHandler(w http.ResponseWriter, r *http.Request) {
	props, err := s.store.ListProperties(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(props))
}

func (s *Server) getPropertyHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := s.store.GetProperty(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// updatePropertyHandler replaces a property. A changed address is geocoded again
// unless the request supplies coordinates.
func (s *Server) updatePropertyHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req models.PropertyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	current, err := s.store.GetProperty(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	p := propertyFromRequest(req)
	p.ID = id
	if p.Address == current.Address && !p.HasCoordinates() {
		p.Latitude, p.Longitude = current.Latitude, current.Longitude
	}
	s.geocode(r.Context(), &p)
	updated, err := s.store.UpdateProperty(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	if updated.URL != current.URL {
		slog.Info("Server.updatePropertyHandler: url changed, documents dropped", "propertyID", id)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}

func (s *Server) deletePropertyHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteProperty(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.deletePropertyHandler: property deleted", "propertyID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Property deleted", nil))
}

func (s *Server) addInformationHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req models.PropertyInformationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	info, err := s.store.AddPropertyInformation(r.Context(), models.PropertyInformation{
		PropertyID: id,
		Name:       req.Name,
		Detail:     req.Detail,
		Category:   req.Category,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(info))
}

func (s *Server) listInformationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetProperty(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.store.ListPropertyInformation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(info))
}

func (s *Server) deleteInformationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	infoID, ok := pathID(w, r, "infoID")
	if !ok {
		return
	}
	if err := s.store.DeletePropertyInformation(r.Context(), id, infoID); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Property information deleted", nil))
}

// replaceDocumentsHandler stores scraped text for a property, replacing what was there.
func (s *Server) replaceDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req models.PropertyDocumentsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	docs := make([]models.PropertyDocument, 0, len(req.Documents))
	for _, d := range req.Documents {
		docs = append(docs, models.PropertyDocument{PropertyID: id, SourceURL: d.SourceURL, Content: d.Content})
	}
	stored, err := s.store.ReplacePropertyDocuments(r.Context(), id, docs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stored))
}

func (s *Server) listDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetProperty(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	docs, err := s.store.ListPropertyDocuments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(docs))
}

// createGuestHandler finds or creates a guest by normalized phone number.
func (s *Server) createGuestHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.GuestRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	g, err := s.resolver.FindOrCreateGuest(r.Context(), req.Phone, req.FirstName, req.LastName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(g))
}

func (s *Server) listGuestsHandler(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("phone"); raw != "" {
		g, err := s.resolver.Resolve(r.Context(), raw)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success([]models.Guest{g}))
		return
	}
	guests, err := s.store.ListGuests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(guests))
}

func (s *Server) getGuestHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	g, err := s.store.GetGuest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(g))
}

func (s *Server) createBookingHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.BookingRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	b, err := s.store.CreateBooking(r.Context(), models.Booking{PropertyID: req.PropertyID, CheckIn: req.CheckIn, CheckOut: req.CheckOut})
	if err != nil {
		writeError(w, err)
		return
	}
	for _, guestID := range req.GuestIDs {
		if err := s.store.AddBookingGuest(r.Context(), b.ID, guestID); err != nil {
			slog.Warn("Server.createBookingHandler: guest not linked", "bookingID", b.ID, "guestID", guestID, "error", err)
			writeError(w, err)
			return
		}
	}
	slog.Info("Server.createBookingHandler: booking created", "bookingID", b.ID, "guests", len(req.GuestIDs))
	writeJSONResponse(w, http.StatusCreated, models.Success(b))
}

func (s *Server) listBookingsHandler(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.store.ListBookings(r.Context(), r.URL.Query().Get("property_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(bookings))
}

func (s *Server) getBookingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := s.store.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(b))
}

func (s *Server) updateBookingHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req models.BookingRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	b, err := s.store.UpdateBooking(r.Context(), models.Booking{ID: id, PropertyID: req.PropertyID, CheckIn: req.CheckIn, CheckOut: req.CheckOut})
	if err != nil {
		writeError(w, err)
		return
	}
	for _, guestID := range req.GuestIDs {
		if err := s.store.AddBookingGuest(r.Context(), id, guestID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(b))
}

func (s *Server) deleteBookingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteBooking(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.deleteBookingHandler: booking deleted", "bookingID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Booking deleted", nil))
}

func (s *Server) addBookingGuestHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req models.BookingGuestRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.store.AddBookingGuest(r.Context(), id, req.GuestID); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Guest linked to booking", nil))
}

func (s *Server) listBookingGuestsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetBooking(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	guests, err := s.store.ListBookingGuests(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(guests))
}

// listBookingMessagesHandler returns the booking's conversation, oldest first.
func (s *Server) listBookingMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetBooking(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// createModelParamsHandler adds a model params row. An active row becomes the only
// active one.
func (s *Server) createModelParamsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ModelParamsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := s.store.CreateModelParams(r.Context(), models.ModelParams{
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Active {
		if err := s.store.ActivateModelParams(r.Context(), p.ID); err != nil {
			writeError(w, err)
			return
		}
		p.Active = true
	}
	slog.Info("Server.createModelParamsHandler: model params created", "id", p.ID, "active", p.Active)
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

func (s *Server) listModelParamsHandler(w http.ResponseWriter, r *http.Request) {
	params, err := s.store.ListModelParams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(params))
}

func (s *Server) activateModelParamsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.ActivateModelParams(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.activateModelParamsHandler: model params activated", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Model params activated", nil))
}
