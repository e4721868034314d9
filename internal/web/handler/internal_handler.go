package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/attribute"
	"github.com/auroraai/profile-broker/internal/config"
	"github.com/auroraai/profile-broker/internal/contact"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/auroraai/profile-broker/internal/transfer"
	"github.com/auroraai/profile-broker/internal/web/middleware"
	"github.com/auroraai/profile-broker/internal/web/response"
	"github.com/google/uuid"
)

// InternalHandler serves the API-key guarded operator surface: service
// registration, code issuance on behalf of the identity provider, the
// maintenance sweeps and connection management.
type InternalHandler struct {
	Config          config.Config
	Logger          *slog.Logger
	Registry        *registry.Registry
	OAuthService    *oauth.Service
	Broker          *attribute.Broker
	TransferService *transfer.Service
	Contact         *contact.Client
}

func NewInternalHandler(cfg config.Config, logger *slog.Logger, reg *registry.Registry, oauthService *oauth.Service, broker *attribute.Broker, transferService *transfer.Service, contactClient *contact.Client) InternalHandler {
	return InternalHandler{
		Config:          cfg,
		Logger:          logger,
		Registry:        reg,
		OAuthService:    oauthService,
		Broker:          broker,
		TransferService: transferService,
		Contact:         contactClient,
	}
}

func (h *InternalHandler) RegisterRoutes(mux *http.ServeMux) {
	apiKey := middleware.APIKeyAuth(h.Config.Security.APIKeys, h.Logger)

	mux.Handle("POST /internal/v1/cron/{action}", apiKey(http.HandlerFunc(h.HandleCron)))
	mux.Handle("POST /internal/v1/services", apiKey(http.HandlerFunc(h.HandleCreateService)))
	mux.Handle("PUT /internal/v1/services/{id}/secret", apiKey(http.HandlerFunc(h.HandleRotateSecret)))
	mux.Handle("POST /internal/v1/authorization_codes", apiKey(http.HandlerFunc(h.HandleCreateAuthorizationCode)))
	mux.Handle("GET /internal/v1/session_transfer_supports", apiKey(http.HandlerFunc(h.HandleSessionTransferSupports)))
	mux.Handle("GET /internal/v1/users/{user_id}/services", apiKey(http.HandlerFunc(h.HandleListAuthorizedServices)))
	mux.Handle("GET /internal/v1/users/{user_id}/services/{service_id}/scopes", apiKey(http.HandlerFunc(h.HandleGetGrantedScopes)))
	mux.Handle("POST /internal/v1/token_replacements", apiKey(http.HandlerFunc(h.HandleReplaceTokens)))
	mux.Handle("DELETE /internal/v1/service_connections", apiKey(http.HandlerFunc(h.HandleRemoveServiceConnection)))
}

// HandleCron triggers one of the idempotent maintenance sweeps.
func (h *InternalHandler) HandleCron(w http.ResponseWriter, r *http.Request) {
	var err error
	action := r.PathValue("action")

	switch action {
	case "remove_expired_authorization_codes":
		err = h.OAuthService.RemoveExpiredAuthorizationCodes(r.Context())
	case "remove_expired_token_pairs":
		err = h.OAuthService.RemoveExpiredTokenPairs(r.Context())
	case "remove_expired_session_attributes":
		err = h.TransferService.RemoveExpiredSessions(r.Context())
	case "retry_pending_attribute_deletions":
		err = h.Broker.RetryPendingDeletions(r.Context())
	default:
		response.Error(r.Context(), w, h.Logger, apperrors.NotFound("Unknown cron action "+action, nil))
		return
	}

	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Cron action "+action+" failed", err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createServiceRequest struct {
	PTVServiceChannelID                 *string                     `json:"ptvServiceChannelId"`
	AllowedScopes                       []string                    `json:"allowedScopes"`
	AllowedRedirectURIs                 []string                    `json:"allowedRedirectUris"`
	DefaultRedirectURI                  string                      `json:"defaultRedirectUri"`
	DataProviderURL                     string                      `json:"dataProviderUrl"`
	SessionTransferReceivableAttributes []string                    `json:"sessionTransferReceivableAttributes"`
	Name                                registry.TranslatableString `json:"name"`
	Provider                            registry.TranslatableString `json:"provider"`
	Description                         registry.TranslatableString `json:"description"`
	Link                                registry.TranslatableString `json:"link"`
}

type createServiceResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
}

func (h *InternalHandler) HandleCreateService(w http.ResponseWriter, r *http.Request) {
	var body createServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Malformed request body", err))
		return
	}

	service := registry.Service{
		AllowedScopes:                       body.AllowedScopes,
		AllowedRedirectURIs:                 body.AllowedRedirectURIs,
		DefaultRedirectURI:                  body.DefaultRedirectURI,
		DataProviderURL:                     body.DataProviderURL,
		SessionTransferReceivableAttributes: body.SessionTransferReceivableAttributes,
		Name:                                body.Name,
		Provider:                            body.Provider,
		Description:                         body.Description,
		Link:                                body.Link,
	}
	if body.PTVServiceChannelID != nil {
		channelID, err := uuid.Parse(*body.PTVServiceChannelID)
		if err != nil {
			response.Error(r.Context(), w, h.Logger, apperrors.Validation("ptvServiceChannelId must be a UUID", err))
			return
		}
		service.PTVServiceChannelID = &channelID
	}

	created, secret, err := h.Registry.RegisterService(r.Context(), service)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Creating service failed", err))
		return
	}
	response.JSON(w, http.StatusOK, createServiceResponse{
		ID:           created.ID.String(),
		ClientSecret: secret,
	})
}

func (h *InternalHandler) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Service id must be a UUID", err))
		return
	}

	secret, err := h.Registry.RotateSecret(r.Context(), id)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"clientSecret": secret})
}

type createAuthorizationCodeRequest struct {
	UserID      string   `json:"userId"`
	ServiceID   string   `json:"serviceId"`
	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirectUri"`
}

// HandleCreateAuthorizationCode issues a code for a user the external
// identity provider has already authenticated.
func (h *InternalHandler) HandleCreateAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	var body createAuthorizationCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Malformed request body", err))
		return
	}

	username, err := uuid.Parse(body.UserID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("userId must be a UUID", err))
		return
	}
	serviceID, err := uuid.Parse(body.ServiceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("serviceId must be a UUID", err))
		return
	}

	service, err := h.Registry.Store().GetService(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			response.Error(r.Context(), w, h.Logger, apperrors.NotFound("Service "+serviceID.String()+" not found", err))
			return
		}
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Looking up service failed", err))
		return
	}

	for _, scope := range body.Scopes {
		if scope != oauth.ScopeOpenID && !oauth.HasScope(service.AllowedScopes, scope) {
			response.Error(r.Context(), w, h.Logger, apperrors.Validation("Scope "+scope+" is not allowed for the service", nil))
			return
		}
	}

	code, err := h.OAuthService.CreateAuthorizationCode(r.Context(), username, serviceID, body.Scopes, body.RedirectURI)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Creating authorization code failed", err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *InternalHandler) HandleSessionTransferSupports(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Query().Get("ptv_service_channel_ids")
	if param == "" {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Missing ptv_service_channel_ids parameter", nil))
		return
	}

	var channelIDs []uuid.UUID
	for _, part := range strings.Split(param, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			response.Error(r.Context(), w, h.Logger, apperrors.Validation("ptv_service_channel_ids must be UUIDs", err))
			return
		}
		channelIDs = append(channelIDs, id)
	}

	supported, err := h.TransferService.CheckSupport(r.Context(), channelIDs)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Checking session transfer support failed", err))
		return
	}

	body := make(map[string]bool, len(supported))
	for id, ok := range supported {
		body[id.String()] = ok
	}
	response.JSON(w, http.StatusOK, body)
}

// HandleListAuthorizedServices lists the services holding a live grant
// for the user.
func (h *InternalHandler) HandleListAuthorizedServices(w http.ResponseWriter, r *http.Request) {
	username, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("user_id must be a UUID", err))
		return
	}

	serviceIDs, err := h.OAuthService.GetAuthorizedServiceIDs(r.Context(), username)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Listing authorized services failed", err))
		return
	}

	ids := make([]string, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		ids = append(ids, id.String())
	}
	response.JSON(w, http.StatusOK, map[string][]string{"serviceIds": ids})
}

// HandleGetGrantedScopes returns the union of scopes the user's live
// tokens grant to the service.
func (h *InternalHandler) HandleGetGrantedScopes(w http.ResponseWriter, r *http.Request) {
	username, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("user_id must be a UUID", err))
		return
	}
	serviceID, err := uuid.Parse(r.PathValue("service_id"))
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("service_id must be a UUID", err))
		return
	}

	scopes, err := h.OAuthService.GetGrantedScopes(r.Context(), username, serviceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Listing granted scopes failed", err))
		return
	}
	if scopes == nil {
		scopes = []string{}
	}
	response.JSON(w, http.StatusOK, map[string][]string{"scopes": scopes})
}

type replaceTokensRequest struct {
	UserID    string   `json:"userId"`
	ServiceID string   `json:"serviceId"`
	Scopes    []string `json:"scopes"`
}

// HandleReplaceTokens mints a replacement token set for a user at a
// service and pushes it to the service's provider endpoint. When the push
// fails, the previous pairs are restored so the service keeps its working
// tokens. Sources for store scopes dropped by the replacement are removed.
func (h *InternalHandler) HandleReplaceTokens(w http.ResponseWriter, r *http.Request) {
	var body replaceTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Malformed request body", err))
		return
	}

	username, err := uuid.Parse(body.UserID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("userId must be a UUID", err))
		return
	}
	serviceID, err := uuid.Parse(body.ServiceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("serviceId must be a UUID", err))
		return
	}

	service, err := h.Registry.Store().GetService(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			response.Error(r.Context(), w, h.Logger, apperrors.NotFound("Service "+serviceID.String()+" not found", err))
			return
		}
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Looking up service failed", err))
		return
	}

	previousPairs, err := h.OAuthService.GetUserTokenPairs(r.Context(), username, serviceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Capturing current tokens failed", err))
		return
	}

	tokens, err := h.OAuthService.ReplaceUserTokens(r.Context(), username, service, body.Scopes)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Replacing tokens failed", err))
		return
	}

	if err := h.Contact.PushTokens(r.Context(), username, serviceID, tokens); err != nil {
		if restoreErr := h.OAuthService.RestoreUserTokens(r.Context(), username, serviceID, previousPairs); restoreErr != nil {
			h.Logger.ErrorContext(r.Context(), "restoring previous tokens failed",
				"service_id", serviceID, "error", restoreErr)
		}
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Delivering replacement tokens failed", err))
		return
	}

	if dropped := droppedStoreAttributes(previousPairs, strings.Fields(tokens.Scope)); len(dropped) > 0 {
		if err := h.Broker.RemoveSources(r.Context(), username, serviceID, dropped); err != nil {
			h.Logger.ErrorContext(r.Context(), "removing sources for dropped scopes failed",
				"service_id", serviceID, "error", err)
		}
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// droppedStoreAttributes lists attributes whose store scope was granted
// before the replacement but is absent from the new scopes.
func droppedStoreAttributes(previousPairs []oauth.TokenPair, newScopes []string) []string {
	seen := make(map[string]bool)
	var dropped []string
	for _, pair := range previousPairs {
		for _, scope := range pair.RefreshTokenScopes {
			if !strings.HasPrefix(scope, oauth.ScopeStorePrefix) || seen[scope] {
				continue
			}
			seen[scope] = true
			if !oauth.HasScope(newScopes, scope) {
				dropped = append(dropped, strings.TrimPrefix(scope, oauth.ScopeStorePrefix))
			}
		}
	}
	sort.Strings(dropped)
	return dropped
}

type removeServiceConnectionRequest struct {
	UserID    string `json:"userId"`
	ServiceID string `json:"serviceId"`
}

// HandleRemoveServiceConnection disconnects a user from a service: grants
// are dropped, the service is asked to delete the user's attributes and
// its source registrations are removed.
func (h *InternalHandler) HandleRemoveServiceConnection(w http.ResponseWriter, r *http.Request) {
	var body removeServiceConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Malformed request body", err))
		return
	}

	username, err := uuid.Parse(body.UserID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("userId must be a UUID", err))
		return
	}
	serviceID, err := uuid.Parse(body.ServiceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("serviceId must be a UUID", err))
		return
	}

	if err := h.OAuthService.RemoveGrants(r.Context(), username, serviceID); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Removing grants failed", err))
		return
	}
	if err := h.Broker.DisconnectService(r.Context(), username, serviceID); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Disconnecting service failed", err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
