package contact

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/jwks"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/pseudonym"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const testIssuer = "http://localhost:7000/oauth"

type fakeRegistry struct {
	services map[uuid.UUID]registry.Service
}

func (r *fakeRegistry) GetService(ctx context.Context, id uuid.UUID) (registry.Service, error) {
	service, ok := r.services[id]
	if !ok {
		return registry.Service{}, database.ErrNoRows
	}
	return service, nil
}

func (r *fakeRegistry) GetServiceByChannelID(ctx context.Context, channelID uuid.UUID) (registry.Service, error) {
	return registry.Service{}, database.ErrNoRows
}

func (r *fakeRegistry) FilterSupportedChannelIDs(ctx context.Context, channelIDs []uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (r *fakeRegistry) UnionAllowedScopes(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (r *fakeRegistry) CreateService(ctx context.Context, service registry.Service) error {
	r.services[service.ID] = service
	return nil
}

func (r *fakeRegistry) UpdateServiceSecret(ctx context.Context, id uuid.UUID, secretHash string) error {
	return nil
}

type fakeQueue struct {
	inserted []uuid.UUID
}

func (q *fakeQueue) InsertDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	q.inserted = append(q.inserted, serviceID)
	return nil
}

func testSigner(t *testing.T) *jwks.Signer {
	t.Helper()

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
	encoded, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("marshalling JWK: %v", err)
	}

	signer, err := jwks.NewSigner(string(encoded))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return signer
}

func testClient(t *testing.T, providerURL string) (*Client, *fakeQueue, uuid.UUID) {
	t.Helper()

	p, err := pseudonym.New("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("pseudonym.New failed: %v", err)
	}

	serviceID := uuid.New()
	reg := &fakeRegistry{services: map[uuid.UUID]registry.Service{
		serviceID: {ID: serviceID, DataProviderURL: providerURL},
	}}
	queue := &fakeQueue{}

	client := NewClient(reg, testSigner(t), p, testIssuer, queue, 5*time.Second, slog.New(slog.DiscardHandler))
	client.retryDelay = 0
	return client, queue, serviceID
}

func TestFetchAttributes(t *testing.T) {
	username := uuid.New()
	var gotToken string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/auroraai/profile-management/v1/user_attributes" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotToken = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"age":            30,
			"life_situation": nil,
			"unrequested":    "extra",
		})
	}))
	defer server.Close()

	client, _, serviceID := testClient(t, server.URL)

	values, err := client.FetchAttributes(context.Background(), username, serviceID, []string{"age", "life_situation"})
	if err != nil {
		t.Fatalf("FetchAttributes failed: %v", err)
	}

	if values["age"] != float64(30) {
		t.Errorf("age = %v, want 30", values["age"])
	}
	if _, ok := values["life_situation"]; ok {
		t.Error("null attribute included in result")
	}
	if _, ok := values["unrequested"]; ok {
		t.Error("unrequested attribute included in result")
	}

	// The bearer token identifies the user by pseudonym and is scoped to
	// the requested attributes.
	tokenString, found := func() (string, bool) {
		const prefix = "Bearer "
		if len(gotToken) > len(prefix) && gotToken[:len(prefix)] == prefix {
			return gotToken[len(prefix):], true
		}
		return "", false
	}()
	if !found {
		t.Fatalf("Authorization header = %q, want a bearer token", gotToken)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		t.Fatalf("parsing contact token: %v", err)
	}
	if claims["iss"] != testIssuer {
		t.Errorf("iss = %v, want %s", claims["iss"], testIssuer)
	}
	if claims["sub"] == username.String() {
		t.Error("contact token carries the raw username")
	}
	if claims["aud"] != server.URL {
		t.Errorf("aud = %v, want %s", claims["aud"], server.URL)
	}
	if claims["scope"] != "age life_situation" {
		t.Errorf("scope = %v, want %q", claims["scope"], "age life_situation")
	}
}

func TestFetchAttributesProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _, serviceID := testClient(t, server.URL)

	if _, err := client.FetchAttributes(context.Background(), uuid.New(), serviceID, []string{"age"}); err == nil {
		t.Error("FetchAttributes succeeded against a failing provider")
	}
}

func TestFetchAttributesUnknownService(t *testing.T) {
	client, _, _ := testClient(t, "http://localhost:1")

	if _, err := client.FetchAttributes(context.Background(), uuid.New(), uuid.New(), []string{"age"}); err == nil {
		t.Error("FetchAttributes succeeded for an unknown service")
	}
}

func TestRequestAttributeDeletionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, queue, serviceID := testClient(t, server.URL)

	if !client.RequestAttributeDeletion(context.Background(), uuid.New(), serviceID, true) {
		t.Error("deletion reported failure despite eventual success")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("%d attempts, want 3", got)
	}
	if len(queue.inserted) != 0 {
		t.Error("retry queued despite success")
	}
}

func TestRequestAttributeDeletionQueuesAfterPersistentFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, queue, serviceID := testClient(t, server.URL)

	if client.RequestAttributeDeletion(context.Background(), uuid.New(), serviceID, true) {
		t.Error("deletion reported success despite persistent failure")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("%d attempts, want 3", got)
	}
	if len(queue.inserted) != 1 || queue.inserted[0] != serviceID {
		t.Errorf("queued retries = %v, want one for the service", queue.inserted)
	}
}

func TestRequestAttributeDeletionDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no", http.StatusBadRequest)
	}))
	defer server.Close()

	client, queue, serviceID := testClient(t, server.URL)

	if client.RequestAttributeDeletion(context.Background(), uuid.New(), serviceID, true) {
		t.Error("deletion reported success on rejection")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("%d attempts, want 1", got)
	}
	if len(queue.inserted) != 0 {
		t.Error("rejection queued for retry")
	}
}

func TestPushTokens(t *testing.T) {
	var gotBody oauth.TokenResponse
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/auroraai/profile-management/v1/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, _, serviceID := testClient(t, server.URL)

	tokens := oauth.TokenResponse{AccessToken: "at", TokenType: "bearer", ExpiresIn: 3600, RefreshToken: "rt", Scope: "openid"}
	if err := client.PushTokens(context.Background(), uuid.New(), serviceID, tokens); err != nil {
		t.Fatalf("PushTokens failed: %v", err)
	}
	if gotBody.AccessToken != "at" || gotBody.RefreshToken != "rt" {
		t.Errorf("pushed body = %+v", gotBody)
	}
}
