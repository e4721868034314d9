package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/config"
	"github.com/auroraai/profile-broker/internal/transfer"
	"github.com/auroraai/profile-broker/internal/web/middleware"
	"github.com/auroraai/profile-broker/internal/web/response"
	"github.com/google/uuid"
)

type SessionHandler struct {
	Config          config.Config
	Logger          *slog.Logger
	TransferService *transfer.Service
}

func NewSessionHandler(cfg config.Config, logger *slog.Logger, transferService *transfer.Service) SessionHandler {
	return SessionHandler{
		Config:          cfg,
		Logger:          logger,
		TransferService: transferService,
	}
}

func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	apiKey := middleware.APIKeyAuth(h.Config.Security.APIKeys, h.Logger)

	mux.Handle("POST /v1/session_attributes", apiKey(http.HandlerFunc(h.HandleAddSessionAttributes)))
	mux.Handle("GET /v1/session_attributes", apiKey(http.HandlerFunc(h.HandleGetSessionAttributes)))
}

type addSessionAttributesRequest struct {
	PTVServiceChannelID string         `json:"ptvServiceChannelId"`
	SessionAttributes   map[string]any `json:"sessionAttributes"`
}

func (h *SessionHandler) HandleAddSessionAttributes(w http.ResponseWriter, r *http.Request) {
	var body addSessionAttributesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Malformed request body", err))
		return
	}

	channelID, err := uuid.Parse(body.PTVServiceChannelID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("ptvServiceChannelId must be a UUID", err))
		return
	}
	if len(body.SessionAttributes) == 0 {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("sessionAttributes must not be empty", nil))
		return
	}

	result, err := h.TransferService.AddSessionAttributes(r.Context(), channelID, body.SessionAttributes)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

func (h *SessionHandler) HandleGetSessionAttributes(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Missing access_token parameter", nil))
		return
	}

	attributes, err := h.TransferService.GetSessionAttributes(r.Context(), token)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, err)
		return
	}
	response.JSON(w, http.StatusOK, attributes)
}
