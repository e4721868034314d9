package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/config"
	"github.com/auroraai/profile-broker/internal/jwks"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/auroraai/profile-broker/internal/web/middleware"
	"github.com/auroraai/profile-broker/internal/web/response"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

type UserInfoResponse struct {
	Sub   string `json:"sub"`
	Scope string `json:"scope"`
}

type ClientInfoResponse struct {
	ID                  string                      `json:"id"`
	PTVServiceChannelID *string                     `json:"ptvServiceChannelId,omitempty"`
	Name                registry.TranslatableString `json:"name"`
	Provider            registry.TranslatableString `json:"provider"`
	Description         registry.TranslatableString `json:"description"`
	Link                registry.TranslatableString `json:"link"`
}

type OpenIDConfigurationResponse struct {
	Issuer                           string   `json:"issuer"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
}

type OAuthHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	OAuthService *oauth.Service
	Registry     *registry.Registry
	Signer       *jwks.Signer
	RateLimiter  *middleware.InMemoryRateLimiter
}

func NewOAuthHandler(cfg config.Config, logger *slog.Logger, oauthService *oauth.Service, reg *registry.Registry, signer *jwks.Signer, rateLimiter *middleware.InMemoryRateLimiter) OAuthHandler {
	return OAuthHandler{
		Config:       cfg,
		Logger:       logger,
		OAuthService: oauthService,
		Registry:     reg,
		Signer:       signer,
		RateLimiter:  rateLimiter,
	}
}

func (h *OAuthHandler) RegisterRoutes(mux *http.ServeMux) {
	guard := func(next http.Handler) http.Handler { return next }
	if h.Config.RateLimit.Enabled && h.RateLimiter != nil {
		guard = middleware.RateLimitMiddleware(h.RateLimiter, middleware.RateLimit{
			Requests: h.Config.RateLimit.OAuthRequests,
			Window:   h.Config.RateLimit.WindowDuration,
		}, h.Logger)
	}

	basicAuth := middleware.BasicClientAuth(h.Registry, h.Logger)
	bearerOpenID := middleware.BearerAuth(h.OAuthService, h.Logger, oauth.ScopeOpenID)

	mux.Handle("POST /oauth/token", middleware.Chain(guard, basicAuth)(http.HandlerFunc(h.HandleToken)))
	mux.Handle("POST /oauth/revoke", middleware.Chain(guard, basicAuth)(http.HandlerFunc(h.HandleRevoke)))
	mux.Handle("GET /oauth/userinfo", bearerOpenID(http.HandlerFunc(h.HandleUserInfo)))
	mux.Handle("GET /oauth/client_info", basicAuth(http.HandlerFunc(h.HandleClientInfo)))
	mux.HandleFunc("GET /oauth/.well-known/openid-configuration", h.HandleOpenIDConfiguration)
	mux.HandleFunc("GET /oauth/.well-known/jwks.json", h.HandleJWKS)
}

func (h *OAuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	client, _ := middleware.ClientFromContext(r.Context())

	if err := r.ParseForm(); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.InvalidRequestOAuth("Malformed request body"))
		return
	}

	switch r.PostFormValue("grant_type") {
	case grantTypeAuthorizationCode:
		tokens, err := h.OAuthService.AuthenticateWithAuthorizationCode(
			r.Context(), client, r.PostFormValue("code"), r.PostFormValue("redirect_uri"))
		if err != nil {
			response.Error(r.Context(), w, h.Logger, err)
			return
		}
		response.JSON(w, http.StatusOK, tokens)

	case grantTypeRefreshToken:
		var requestedScopes []string
		if scope := r.PostFormValue("scope"); scope != "" {
			requestedScopes = strings.Fields(scope)
		}
		tokens, err := h.OAuthService.AuthenticateWithRefreshToken(
			r.Context(), client, r.PostFormValue("refresh_token"), requestedScopes)
		if err != nil {
			response.Error(r.Context(), w, h.Logger, err)
			return
		}
		response.JSON(w, http.StatusOK, tokens)

	default:
		response.Error(r.Context(), w, h.Logger, apperrors.UnsupportedGrantTypeOAuth("Supported grant types: authorization_code, refresh_token"))
	}
}

func (h *OAuthHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	client, _ := middleware.ClientFromContext(r.Context())

	if err := r.ParseForm(); err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.InvalidRequestOAuth("Malformed request body"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		response.Error(r.Context(), w, h.Logger, apperrors.InvalidRequestOAuth("Missing token parameter"))
		return
	}

	if err := h.OAuthService.RevokeToken(r.Context(), client, token); err != nil {
		response.Error(r.Context(), w, h.Logger, err)
		return
	}
	response.JSON(w, http.StatusOK, nil)
}

func (h *OAuthHandler) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	pair, _ := middleware.TokenFromContext(r.Context())

	sub, err := h.OAuthService.Pseudonym(pair.Username, pair.ServiceID)
	if err != nil {
		response.Error(r.Context(), w, h.Logger, err)
		return
	}

	response.JSON(w, http.StatusOK, UserInfoResponse{
		Sub:   sub.String(),
		Scope: oauth.JoinScopes(pair.AccessTokenScopes),
	})
}

func (h *OAuthHandler) HandleClientInfo(w http.ResponseWriter, r *http.Request) {
	client, _ := middleware.ClientFromContext(r.Context())

	body := ClientInfoResponse{
		ID:          client.ID.String(),
		Name:        client.Name,
		Provider:    client.Provider,
		Description: client.Description,
		Link:        client.Link,
	}
	if client.PTVServiceChannelID != nil {
		channelID := client.PTVServiceChannelID.String()
		body.PTVServiceChannelID = &channelID
	}
	response.JSON(w, http.StatusOK, body)
}

func (h *OAuthHandler) HandleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.Registry.Store().UnionAllowedScopes(r.Context())
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Listing supported scopes failed", err))
		return
	}

	issuer := h.Config.Issuer()
	response.JSON(w, http.StatusOK, OpenIDConfigurationResponse{
		Issuer:                           issuer,
		TokenEndpoint:                    issuer + "/token",
		RevocationEndpoint:               issuer + "/revoke",
		UserInfoEndpoint:                 issuer + "/userinfo",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		TokenEndpointAuthMethods:         []string{"client_secret_basic"},
		SubjectTypesSupported:            []string{"pairwise"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		ScopesSupported:                  scopes,
	})
}

func (h *OAuthHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Signer.PublicJWKS()
	if err != nil {
		response.Error(r.Context(), w, h.Logger, apperrors.Internal("Rendering JWKS failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
