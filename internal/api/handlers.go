package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Concierge/internal/models"
	"github.com/BTreeMap/Concierge/internal/prompt"
)

// healthHandler provides a health check endpoint for monitoring and load balancing.
// A broken active model params configuration reports degraded.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}

	active, err := s.store.ListActiveModelParams(ctx)
	if err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to read model params"
	} else if params, err := prompt.SelectActive(active); err != nil {
		slog.Warn("Server.healthHandler: model params misconfigured", "active", len(active), "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = models.ErrActiveModelParamsInvariant.Error()
		healthData["active_model_params"] = len(active)
	} else {
		healthData["model_params_id"] = params.ID
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// pathID returns the named path value or writes 400 when it is empty.
func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := r.PathValue(name)
	if id == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(name+" is required"))
		return "", false
	}
	return id, true
}
