package handler

import (
	"log/slog"
	"net/http"

	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/web/response"
)

type HealthHandler struct {
	Logger   *slog.Logger
	Database *database.Database
}

func NewHealthHandler(logger *slog.Logger, db *database.Database) HealthHandler {
	return HealthHandler{Logger: logger, Database: db}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Database != nil && h.Database.Pool != nil {
		if err := h.Database.Ping(r.Context()); err != nil {
			h.Logger.ErrorContext(r.Context(), "health check failed", "error", err)
			response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
