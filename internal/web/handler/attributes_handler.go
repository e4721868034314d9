package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/attribute"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/auroraai/profile-broker/internal/web/middleware"
	"github.com/auroraai/profile-broker/internal/web/response"
	"github.com/google/uuid"
)

const (
	attributeStatusSuccess      = "SUCCESS"
	attributeStatusNotAvailable = "NOT_AVAILABLE"
)

// AttributeResult reports a single attribute's resolution outcome.
type AttributeResult struct {
	Status string `json:"status"`
	Value  any    `json:"value,omitempty"`
}

type AttributesHandler struct {
	Logger       *slog.Logger
	OAuthService *oauth.Service
	Broker       *attribute.Broker
	Registry     *registry.Registry
}

func NewAttributesHandler(logger *slog.Logger, oauthService *oauth.Service, broker *attribute.Broker, reg *registry.Registry) AttributesHandler {
	return AttributesHandler{
		Logger:       logger,
		OAuthService: oauthService,
		Broker:       broker,
		Registry:     reg,
	}
}

func (h *AttributesHandler) RegisterRoutes(mux *http.ServeMux) {
	bearer := middleware.BearerAuth(h.OAuthService, h.Logger)
	basic := middleware.BasicClientAuth(h.Registry, h.Logger)

	mux.Handle("PATCH /profile-management/v1/user_attributes", bearer(http.HandlerFunc(h.HandleRegisterSources)))
	mux.Handle("DELETE /profile-management/v1/user_attributes", basic(http.HandlerFunc(h.HandleRemoveSources)))
	mux.Handle("GET /profile-management/v1/user_attributes/all_authorized", bearer(http.HandlerFunc(h.HandleGetAllAuthorized)))
	mux.Handle("GET /profile-management/v1/user_attributes/{attribute_name}", bearer(http.HandlerFunc(h.HandleGetAttribute)))
}

// HandleRegisterSources lets a service declare itself a source for the
// attributes listed in the body. Every attribute needs a matching
// store:<attribute> scope on the presented token.
func (h *AttributesHandler) HandleRegisterSources(w http.ResponseWriter, r *http.Request) {
	pair, _ := middleware.TokenFromContext(r.Context())

	var attributes []string
	if err := json.NewDecoder(r.Body).Decode(&attributes); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Request body must be a JSON array of attribute names", err))
		return
	}
	if len(attributes) == 0 {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Request body must name at least one attribute", nil))
		return
	}

	for _, attr := range attributes {
		if !oauth.HasScope(pair.AccessTokenScopes, oauth.StoreScope(attr)) {
			response.Error(r.Context(), w, h.Logger, apperrors.InsufficientScopeBearer("The access token does not cover scope "+oauth.StoreScope(attr)))
			return
		}
	}

	if err := h.Broker.RegisterSources(r.Context(), pair.Username, pair.ServiceID, attributes); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Registering attribute sources failed", err))
		return
	}
	response.JSON(w, http.StatusOK, nil)
}

type removeSourcesRequest struct {
	UserAttributes []string `json:"user_attributes"`
	UserID         string   `json:"user_id"`
}

// HandleRemoveSources lets a service withdraw its source registrations.
// The service identifies the user by the pseudonym it knows them by.
func (h *AttributesHandler) HandleRemoveSources(w http.ResponseWriter, r *http.Request) {
	client, _ := middleware.ClientFromContext(r.Context())

	var body removeSourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("Malformed request body", err))
		return
	}
	if len(body.UserAttributes) == 0 {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("user_attributes must name at least one attribute", nil))
		return
	}

	pseudonymID, err := uuid.Parse(body.UserID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("user_id must be a UUID", err))
		return
	}

	username, err := h.OAuthService.ReversePseudonym(pseudonymID, client.ID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Validation("user_id is not a valid pseudonym", err))
		return
	}

	if err := h.Broker.RemoveSources(r.Context(), username, client.ID, body.UserAttributes); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Removing attribute sources failed", err))
		return
	}
	response.JSON(w, http.StatusOK, nil)
}

// HandleGetAllAuthorized resolves every attribute the user has a source
// for, other services only.
func (h *AttributesHandler) HandleGetAllAuthorized(w http.ResponseWriter, r *http.Request) {
	pair, _ := middleware.TokenFromContext(r.Context())

	values, attributes, err := h.Broker.GetAllAuthorized(r.Context(), pair.Username, pair.ServiceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Resolving attributes failed", err))
		return
	}

	body := make(map[string]AttributeResult, len(attributes))
	for _, attr := range attributes {
		if value, ok := values[attr]; ok {
			body[attr] = AttributeResult{Status: attributeStatusSuccess, Value: value}
		} else {
			body[attr] = AttributeResult{Status: attributeStatusNotAvailable}
		}
	}
	response.JSON(w, http.StatusOK, body)
}

// HandleGetAttribute resolves a single attribute the token is scoped for.
func (h *AttributesHandler) HandleGetAttribute(w http.ResponseWriter, r *http.Request) {
	pair, _ := middleware.TokenFromContext(r.Context())
	attributeName := r.PathValue("attribute_name")

	if !oauth.HasScope(pair.AccessTokenScopes, attributeName) {
		response.Error(r.Context(), w, h.Logger, apperrors.InsufficientScopeBearer("The access token does not cover scope "+attributeName))
		return
	}

	values, err := h.Broker.GetAttributes(r.Context(), pair.Username, []string{attributeName}, pair.ServiceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Resolving attribute failed", err))
		return
	}

	result := AttributeResult{Status: attributeStatusNotAvailable}
	if value, ok := values[attributeName]; ok {
		result = AttributeResult{Status: attributeStatusSuccess, Value: value}
	}
	response.JSON(w, http.StatusOK, map[string]AttributeResult{attributeName: result})
}
