package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/auroraai/profile-broker/internal/attribute"
	"github.com/auroraai/profile-broker/internal/config"
	"github.com/auroraai/profile-broker/internal/contact"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/jwks"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/pseudonym"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/auroraai/profile-broker/internal/transfer"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// In-memory stores backing the real services under test.

type memOAuthStore struct {
	codes map[string]oauth.AuthorizationCode
	pairs map[string]oauth.TokenPair
}

func newMemOAuthStore() *memOAuthStore {
	return &memOAuthStore{
		codes: make(map[string]oauth.AuthorizationCode),
		pairs: make(map[string]oauth.TokenPair),
	}
}

func (s *memOAuthStore) CreateAuthorizationCode(ctx context.Context, code oauth.AuthorizationCode) error {
	s.codes[string(code.Code)] = code
	return nil
}

func (s *memOAuthStore) GetAuthorizationCode(ctx context.Context, code []byte) (oauth.AuthorizationCode, error) {
	stored, ok := s.codes[string(code)]
	if !ok || !stored.ExpirationTime.After(time.Now()) {
		return oauth.AuthorizationCode{}, database.ErrNoRows
	}
	return stored, nil
}

func (s *memOAuthStore) DeleteAuthorizationCode(ctx context.Context, code []byte) error {
	delete(s.codes, string(code))
	return nil
}

func (s *memOAuthStore) DeleteAuthorizationCodesForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	for key, code := range s.codes {
		if code.Username == username && code.ServiceID == serviceID {
			delete(s.codes, key)
		}
	}
	return nil
}

func (s *memOAuthStore) RemoveExpiredAuthorizationCodes(ctx context.Context) error {
	for key, code := range s.codes {
		if !code.ExpirationTime.After(time.Now()) {
			delete(s.codes, key)
		}
	}
	return nil
}

func (s *memOAuthStore) CreateTokenPair(ctx context.Context, pair oauth.TokenPair) error {
	s.pairs[string(pair.RefreshToken)] = pair
	return nil
}

func (s *memOAuthStore) GetTokenPairByRefreshToken(ctx context.Context, refreshToken []byte) (oauth.TokenPair, error) {
	pair, ok := s.pairs[string(refreshToken)]
	if !ok || !pair.RefreshExpirationTime.After(time.Now()) {
		return oauth.TokenPair{}, database.ErrNoRows
	}
	return pair, nil
}

func (s *memOAuthStore) GetTokenPairByAccessToken(ctx context.Context, accessToken []byte) (oauth.TokenPair, error) {
	for _, pair := range s.pairs {
		if string(pair.AccessToken) == string(accessToken) && pair.AccessExpirationTime.After(time.Now()) {
			return pair, nil
		}
	}
	return oauth.TokenPair{}, database.ErrNoRows
}

func (s *memOAuthStore) GetTokenPairByAnyToken(ctx context.Context, token []byte) (oauth.TokenPair, error) {
	for _, pair := range s.pairs {
		if string(pair.RefreshToken) == string(token) || string(pair.AccessToken) == string(token) {
			return pair, nil
		}
	}
	return oauth.TokenPair{}, database.ErrNoRows
}

func (s *memOAuthStore) ExpireTokenPair(ctx context.Context, refreshToken []byte) error {
	pair, ok := s.pairs[string(refreshToken)]
	if !ok {
		return nil
	}
	now := time.Now()
	pair.RefreshExpirationTime = now
	pair.AccessExpirationTime = now
	s.pairs[string(refreshToken)] = pair
	return nil
}

func (s *memOAuthStore) RotateTokenPair(ctx context.Context, rotatedRefreshToken []byte, replacement oauth.TokenPair) error {
	s.pairs[string(replacement.RefreshToken)] = replacement
	return s.ExpireTokenPair(ctx, rotatedRefreshToken)
}

func (s *memOAuthStore) DeleteTokenPairAndSources(ctx context.Context, refreshToken []byte, username uuid.UUID, serviceID uuid.UUID) error {
	delete(s.pairs, string(refreshToken))
	return nil
}

func (s *memOAuthStore) DeleteTokenPairsForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	for key, pair := range s.pairs {
		if pair.Username == username && pair.ServiceID == serviceID {
			delete(s.pairs, key)
		}
	}
	return nil
}

func (s *memOAuthStore) GetTokenPairsForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]oauth.TokenPair, error) {
	var pairs []oauth.TokenPair
	for _, pair := range s.pairs {
		if pair.Username == username && pair.ServiceID == serviceID && pair.RefreshExpirationTime.After(time.Now()) {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

func (s *memOAuthStore) GetGrantedScopes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]string, error) {
	seen := make(map[string]bool)
	var scopes []string
	for _, pair := range s.pairs {
		if pair.Username != username || pair.ServiceID != serviceID || !pair.RefreshExpirationTime.After(time.Now()) {
			continue
		}
		for _, scope := range append(append([]string{}, pair.RefreshTokenScopes...), pair.AccessTokenScopes...) {
			if !seen[scope] {
				seen[scope] = true
				scopes = append(scopes, scope)
			}
		}
	}
	return scopes, nil
}

func (s *memOAuthStore) GetAuthorizedServiceIDs(ctx context.Context, username uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var serviceIDs []uuid.UUID
	for _, pair := range s.pairs {
		if pair.Username == username && pair.RefreshExpirationTime.After(time.Now()) && !seen[pair.ServiceID] {
			seen[pair.ServiceID] = true
			serviceIDs = append(serviceIDs, pair.ServiceID)
		}
	}
	return serviceIDs, nil
}

func (s *memOAuthStore) RemoveExpiredTokenPairs(ctx context.Context) error {
	return nil
}

type memRegistryStore struct {
	services map[uuid.UUID]registry.Service
}

func newMemRegistryStore() *memRegistryStore {
	return &memRegistryStore{services: make(map[uuid.UUID]registry.Service)}
}

func (s *memRegistryStore) GetService(ctx context.Context, id uuid.UUID) (registry.Service, error) {
	service, ok := s.services[id]
	if !ok {
		return registry.Service{}, database.ErrNoRows
	}
	return service, nil
}

func (s *memRegistryStore) GetServiceByChannelID(ctx context.Context, channelID uuid.UUID) (registry.Service, error) {
	for _, service := range s.services {
		if service.PTVServiceChannelID != nil && *service.PTVServiceChannelID == channelID {
			return service, nil
		}
	}
	return registry.Service{}, database.ErrNoRows
}

func (s *memRegistryStore) FilterSupportedChannelIDs(ctx context.Context, channelIDs []uuid.UUID) ([]uuid.UUID, error) {
	var supported []uuid.UUID
	for _, id := range channelIDs {
		if _, err := s.GetServiceByChannelID(ctx, id); err == nil {
			supported = append(supported, id)
		}
	}
	return supported, nil
}

func (s *memRegistryStore) UnionAllowedScopes(ctx context.Context) ([]string, error) {
	return []string{"age", "openid"}, nil
}

func (s *memRegistryStore) CreateService(ctx context.Context, service registry.Service) error {
	s.services[service.ID] = service
	return nil
}

func (s *memRegistryStore) UpdateServiceSecret(ctx context.Context, id uuid.UUID, secretHash string) error {
	service := s.services[id]
	service.SecretHash = secretHash
	s.services[id] = service
	return nil
}

type memSourceStore struct {
	sources map[string][]uuid.UUID
}

func (s *memSourceStore) GetSources(ctx context.Context, username uuid.UUID) (map[string][]uuid.UUID, error) {
	return s.sources, nil
}

func (s *memSourceStore) AddSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error {
	if s.sources == nil {
		s.sources = make(map[string][]uuid.UUID)
	}
	for _, attr := range attributes {
		s.sources[attr] = append(s.sources[attr], serviceID)
	}
	return nil
}

func (s *memSourceStore) RemoveSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error {
	for _, attr := range attributes {
		delete(s.sources, attr)
	}
	return nil
}

func (s *memSourceStore) RemoveAllSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	return nil
}

func (s *memSourceStore) InsertDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	return nil
}

func (s *memSourceStore) ListPendingDeletions(ctx context.Context) ([]attribute.PendingDeletion, error) {
	return nil, nil
}

func (s *memSourceStore) RemoveDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	return nil
}

type stubContact struct {
	responses map[uuid.UUID]map[string]any
}

func (c *stubContact) FetchAttributes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) (map[string]any, error) {
	return c.responses[serviceID], nil
}

func (c *stubContact) RequestAttributeDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, scheduleRetryOnFailure bool) bool {
	return true
}

type acceptAllValidator struct{}

func (acceptAllValidator) Valid(ctx context.Context, attributeName string, value any) bool {
	return true
}

type memTransferStore struct {
	sessions map[string]map[string]any
}

func (s *memTransferStore) CreateSession(ctx context.Context, attributes map[string]any, token []byte, serviceID uuid.UUID, expiration time.Time) error {
	if s.sessions == nil {
		s.sessions = make(map[string]map[string]any)
	}
	s.sessions[string(token)] = attributes
	return nil
}

func (s *memTransferStore) GetSessionAttributes(ctx context.Context, token []byte) (map[string]any, error) {
	attributes, ok := s.sessions[string(token)]
	if !ok {
		return nil, database.ErrNoRows
	}
	return attributes, nil
}

func (s *memTransferStore) RemoveExpiredSessions(ctx context.Context) error {
	return nil
}

// testEnv wires real services over the in-memory stores and registers
// every handler on a mux.
type testEnv struct {
	mux           *http.ServeMux
	oauthService  *oauth.Service
	registry      *registry.Registry
	registryStore *memRegistryStore
	oauthStore    *memOAuthStore
	sourceStore   *memSourceStore
	stubContact   *stubContact

	clientID     uuid.UUID
	clientSecret string
	channelID    uuid.UUID
	apiKey       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	rawKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	key, err := jwk.FromRaw(rawKey)
	if err != nil {
		t.Fatalf("building JWK: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatalf("setting kid: %v", err)
	}
	encodedKey, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("marshalling JWK: %v", err)
	}
	signer, err := jwks.NewSigner(string(encodedKey))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	pseudonymizer, err := pseudonym.New("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("pseudonym.New failed: %v", err)
	}

	cfg := config.Config{
		Server:   config.Server{Port: 7000},
		Security: config.Security{APIKeys: []string{"test-api-key"}},
	}

	registryStore := newMemRegistryStore()
	reg := registry.NewRegistry(registryStore)

	channelID := uuid.New()
	secret := "s3cret"
	secretHash, err := registry.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	client := registry.Service{
		ID:                                  uuid.New(),
		PTVServiceChannelID:                 &channelID,
		SecretHash:                          secretHash,
		AllowedScopes:                       []string{"openid", "age", "store:age"},
		SessionTransferReceivableAttributes: []string{"age"},
		Name:                                registry.TranslatableString{Fi: "Testipalvelu", En: "Test service"},
	}
	registryStore.services[client.ID] = client

	oauthStore := newMemOAuthStore()
	oauthService := oauth.NewService(oauthStore, signer, pseudonymizer, cfg.Issuer(), logger)

	sourceStore := &memSourceStore{}
	contactStub := &stubContact{responses: make(map[uuid.UUID]map[string]any)}
	broker := attribute.NewBroker(sourceStore, contactStub, acceptAllValidator{}, logger)

	transferService := transfer.NewService(&memTransferStore{}, registryStore, logger)

	mux := http.NewServeMux()

	oauthHandler := NewOAuthHandler(cfg, logger, oauthService, reg, signer, nil)
	oauthHandler.RegisterRoutes(mux)

	attributesHandler := NewAttributesHandler(logger, oauthService, broker, reg)
	attributesHandler.RegisterRoutes(mux)

	sessionHandler := NewSessionHandler(cfg, logger, transferService)
	sessionHandler.RegisterRoutes(mux)

	contactClient := contact.NewClient(registryStore, signer, pseudonymizer, cfg.Issuer(), sourceStore, 5*time.Second, logger)

	internalHandler := NewInternalHandler(cfg, logger, reg, oauthService, broker, transferService, contactClient)
	internalHandler.RegisterRoutes(mux)

	return &testEnv{
		mux:           mux,
		oauthService:  oauthService,
		registry:      reg,
		registryStore: registryStore,
		oauthStore:    oauthStore,
		sourceStore:   sourceStore,
		stubContact:   contactStub,
		clientID:     client.ID,
		clientSecret: secret,
		channelID:    channelID,
		apiKey:       "test-api-key",
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	return rr
}

func (env *testEnv) tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.clientID.String(), env.clientSecret)
	return req
}

func (env *testEnv) issueTokens(t *testing.T, username uuid.UUID, scopes []string) oauth.TokenResponse {
	t.Helper()

	code, err := env.oauthService.CreateAuthorizationCode(context.Background(), username, env.clientID, scopes, "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode failed: %v", err)
	}

	rr := env.do(env.tokenRequest(url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("token endpoint status = %d, body %s", rr.Code, rr.Body)
	}

	var tokens oauth.TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&tokens); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	return tokens
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func TestTokenEndpointAuthorizationCodeGrant(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t, uuid.New(), []string{"openid", "age"})

	if tokens.TokenType != "bearer" || tokens.ExpiresIn != 3600 {
		t.Errorf("token response = %+v", tokens)
	}
	if tokens.IDToken == "" {
		t.Error("no id_token in response")
	}
	if tokens.Scope != "openid age" {
		t.Errorf("scope = %q, want %q", tokens.Scope, "openid age")
	}
}

func TestTokenEndpointInvalidClient(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token",
		strings.NewReader("grant_type=authorization_code&code=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.clientID.String(), "wrong-secret")

	rr := env.do(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if got := decodeError(t, rr); got != "invalid_client" {
		t.Errorf("error = %q, want invalid_client", got)
	}
}

func TestTokenEndpointUnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(env.tokenRequest(url.Values{"grant_type": {"password"}}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if got := decodeError(t, rr); got != "unsupported_grant_type" {
		t.Errorf("error = %q, want unsupported_grant_type", got)
	}
}

func TestTokenEndpointExpiredRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t, uuid.New(), []string{"openid"})

	// Rotate once; the old refresh token is then dead.
	rr := env.do(env.tokenRequest(url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("rotation status = %d", rr.Code)
	}

	rr = env.do(env.tokenRequest(url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if got := decodeError(t, rr); got != "invalid_grant" {
		t.Errorf("error = %q, want invalid_grant", got)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t, uuid.New(), []string{"openid"})

	req := httptest.NewRequest(http.MethodPost, "/oauth/revoke",
		strings.NewReader(url.Values{"token": {tokens.RefreshToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(env.clientID.String(), env.clientSecret)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}

	// The pair is gone.
	req = httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rr = env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("userinfo after revoke status = %d, want 401", rr.Code)
	}
}

func TestUserInfo(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()
	tokens := env.issueTokens(t, username, []string{"openid", "age"})

	req := httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var body UserInfoResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Sub == username.String() {
		t.Error("sub is the raw username, want the pseudonym")
	}
	if body.Scope != "openid age" {
		t.Errorf("scope = %q", body.Scope)
	}
}

func TestUserInfoRequiresOpenIDScope(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()

	// Forge a pair without openid by narrowing is impossible (openid is
	// forced in), so build one directly in the store.
	pair := oauth.TokenPair{
		RefreshToken:          []byte("refresh-raw"),
		AccessToken:           []byte("access-raw"),
		Username:              username,
		ServiceID:             env.clientID,
		RefreshTokenScopes:    []string{"age"},
		AccessTokenScopes:     []string{"age"},
		AuthTime:              time.Now(),
		CreatedAt:             time.Now(),
		RefreshExpirationTime: time.Now().Add(time.Hour),
		AccessExpirationTime:  time.Now().Add(time.Hour),
	}
	env.oauthStore.pairs[string(pair.RefreshToken)] = pair

	req := httptest.NewRequest(http.MethodGet, "/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+oauth.EncodeToken(pair.AccessToken))

	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestRegisterSourcesScopeCheck(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t, uuid.New(), []string{"openid", "store:age"})

	// municipality_code is not covered by any store scope on the token.
	body, _ := json.Marshal([]string{"age", "municipality_code"})
	req := httptest.NewRequest(http.MethodPatch, "/profile-management/v1/user_attributes", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if len(env.sourceStore.sources) != 0 {
		t.Error("sources registered despite scope failure")
	}

	// With only covered attributes it succeeds.
	body, _ = json.Marshal([]string{"age"})
	req = httptest.NewRequest(http.MethodPatch, "/profile-management/v1/user_attributes", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rr = env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body)
	}
	if len(env.sourceStore.sources["age"]) != 1 {
		t.Error("source not registered")
	}
}

func TestGetAttributeRequiresScope(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t, uuid.New(), []string{"openid", "age"})

	req := httptest.NewRequest(http.MethodGet, "/profile-management/v1/user_attributes/municipality_code", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestGetAttributeResolvesFromOtherService(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()
	tokens := env.issueTokens(t, username, []string{"openid", "age"})

	source := uuid.New()
	env.sourceStore.sources = map[string][]uuid.UUID{"age": {source}}
	env.stubContact.responses[source] = map[string]any{"age": float64(30)}

	req := httptest.NewRequest(http.MethodGet, "/profile-management/v1/user_attributes/age", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var body map[string]AttributeResult
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["age"].Status != "SUCCESS" || body["age"].Value != float64(30) {
		t.Errorf("body = %+v", body)
	}
}

func TestSessionAttributesRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(map[string]any{
		"ptvServiceChannelId": env.channelID.String(),
		"sessionAttributes": map[string]any{
			"age":                   30,
			"life_situation_meters": map[string]any{"health": 5},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/session_attributes", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var result transfer.Result
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if result.AccessToken == "" {
		t.Fatal("no access token issued")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/session_attributes?access_token="+result.AccessToken, nil)
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr = env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var attributes map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&attributes); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if attributes["age"] != float64(30) {
		t.Errorf("age = %v, want 30", attributes["age"])
	}
	if _, ok := attributes["life_situation_meters"]; ok {
		t.Error("attribute outside the whitelist was transferred")
	}
}

func TestSessionAttributesRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session_attributes?access_token=abc", nil)
	rr := env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestInternalCronUnknownAction(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/cron/defragment_disk", nil)
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestInternalCreateAuthorizationCode(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()

	payload, _ := json.Marshal(map[string]any{
		"userId":    username.String(),
		"serviceId": env.clientID.String(),
		"scopes":    []string{"openid", "age"},
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/authorization_codes", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}

	// The issued code is redeemable at the token endpoint.
	rr = env.do(env.tokenRequest(url.Values{
		"grant_type": {"authorization_code"},
		"code":       {body["code"]},
	}))
	if rr.Code != http.StatusOK {
		t.Errorf("token status = %d, body %s", rr.Code, rr.Body)
	}
}

func TestInternalCreateAuthorizationCodeRejectsDisallowedScope(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(map[string]any{
		"userId":    uuid.NewString(),
		"serviceId": env.clientID.String(),
		"scopes":    []string{"municipality_code"},
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/authorization_codes", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestInternalSessionTransferSupports(t *testing.T) {
	env := newTestEnv(t)
	unknown := uuid.New()

	req := httptest.NewRequest(http.MethodGet,
		"/internal/v1/session_transfer_supports?ptv_service_channel_ids="+env.channelID.String()+","+unknown.String(), nil)
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var body map[string]bool
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !body[env.channelID.String()] {
		t.Error("registered channel reported unsupported")
	}
	if body[unknown.String()] {
		t.Error("unknown channel reported supported")
	}
}

func TestInternalAuthorizedServicesAndScopes(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()
	env.issueTokens(t, username, []string{"openid", "age"})

	req := httptest.NewRequest(http.MethodGet, "/internal/v1/users/"+username.String()+"/services", nil)
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var services map[string][]string
	if err := json.NewDecoder(rr.Body).Decode(&services); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(services["serviceIds"]) != 1 || services["serviceIds"][0] != env.clientID.String() {
		t.Errorf("serviceIds = %v", services["serviceIds"])
	}

	req = httptest.NewRequest(http.MethodGet,
		"/internal/v1/users/"+username.String()+"/services/"+env.clientID.String()+"/scopes", nil)
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr = env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var scopes map[string][]string
	if err := json.NewDecoder(rr.Body).Decode(&scopes); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	got := make(map[string]bool)
	for _, scope := range scopes["scopes"] {
		got[scope] = true
	}
	if !got["openid"] || !got["age"] {
		t.Errorf("scopes = %v", scopes["scopes"])
	}
}

// pointProviderAt sets the test client's data provider URL so token
// pushes land on the given server.
func (env *testEnv) pointProviderAt(serverURL string) {
	service := env.registryStore.services[env.clientID]
	service.DataProviderURL = serverURL
	env.registryStore.services[env.clientID] = service
}

func (env *testEnv) replaceTokensRequest(username uuid.UUID, scopes []string) *http.Request {
	payload, _ := json.Marshal(map[string]any{
		"userId":    username.String(),
		"serviceId": env.clientID.String(),
		"scopes":    scopes,
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/token_replacements", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Key "+env.apiKey)
	return req
}

func TestInternalReplaceTokens(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()
	old := env.issueTokens(t, username, []string{"openid", "age", "store:age"})
	env.sourceStore.sources = map[string][]uuid.UUID{"age": {env.clientID}}

	var pushed oauth.TokenResponse
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auroraai/profile-management/v1/token" {
			t.Errorf("provider got %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&pushed); err != nil {
			t.Errorf("decoding pushed tokens: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer provider.Close()
	env.pointProviderAt(provider.URL)

	rr := env.do(env.replaceTokensRequest(username, []string{"age"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	if pushed.AccessToken == "" || pushed.RefreshToken == "" {
		t.Errorf("pushed tokens = %+v, want a full token set", pushed)
	}
	if _, err := env.oauthService.AuthenticateBearer(context.Background(), old.AccessToken); err == nil {
		t.Error("old access token survived replacement")
	}
	// store:age was dropped by the replacement, so its source is gone.
	if _, ok := env.sourceStore.sources["age"]; ok {
		t.Error("source for dropped store scope not removed")
	}
}

func TestInternalReplaceTokensRestoresOnPushFailure(t *testing.T) {
	env := newTestEnv(t)
	username := uuid.New()
	old := env.issueTokens(t, username, []string{"openid", "age"})

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer provider.Close()
	env.pointProviderAt(provider.URL)

	rr := env.do(env.replaceTokensRequest(username, []string{"age"}))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}

	// The rejected replacement must not strand the service without working
	// tokens: the previous pair is back and nothing else is.
	if len(env.oauthStore.pairs) != 1 {
		t.Fatalf("%d pairs after failed push, want 1", len(env.oauthStore.pairs))
	}
	if _, err := env.oauthService.AuthenticateBearer(context.Background(), old.AccessToken); err != nil {
		t.Errorf("previous access token unusable after failed push: %v", err)
	}
}

func TestInternalCreateService(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(map[string]any{
		"allowedScopes": []string{"openid", "age"},
		"name":          map[string]string{"fi": "Uusi palvelu", "en": "New service"},
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/services", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Key "+env.apiKey)

	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	var body createServiceResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.ClientSecret) != 36 {
		t.Errorf("client secret length = %d, want 36", len(body.ClientSecret))
	}

	// The fresh credentials authenticate.
	if _, err := env.registry.Authenticate(context.Background(), body.ID, body.ClientSecret); err != nil {
		t.Errorf("new service credentials rejected: %v", err)
	}
}
