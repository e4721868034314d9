package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TranslatableString carries the Finnish, Swedish and English variants of
// a piece of service metadata.
type TranslatableString struct {
	Fi string `json:"fi"`
	Sv string `json:"sv"`
	En string `json:"en"`
}

// Service is a registered AuroraAI service. Its ID doubles as the OAuth
// client_id and as the IV of the per-service pseudonym.
type Service struct {
	ID                                  uuid.UUID
	PTVServiceChannelID                 *uuid.UUID
	SecretHash                          string
	AllowedScopes                       []string
	AllowedRedirectURIs                 []string
	DefaultRedirectURI                  string
	DataProviderURL                     string
	SessionTransferReceivableAttributes []string
	Name                                TranslatableString
	Provider                            TranslatableString
	Description                         TranslatableString
	Link                                TranslatableString
	CreatedAt                           time.Time
}

// Store is the persistence boundary for the service registry.
type Store interface {
	GetService(ctx context.Context, id uuid.UUID) (Service, error)
	GetServiceByChannelID(ctx context.Context, channelID uuid.UUID) (Service, error)
	// FilterSupportedChannelIDs returns the subset of channelIDs that belong
	// to a registered service.
	FilterSupportedChannelIDs(ctx context.Context, channelIDs []uuid.UUID) ([]uuid.UUID, error)
	// UnionAllowedScopes returns every scope any registered service may
	// request, deduplicated and sorted.
	UnionAllowedScopes(ctx context.Context) ([]string, error)
	CreateService(ctx context.Context, service Service) error
	UpdateServiceSecret(ctx context.Context, id uuid.UUID, secretHash string) error
}

// Registry authenticates services and manages their credentials.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) Store() Store {
	return r.store
}

// Authenticate checks the client_id/client_secret pair carried in HTTP
// Basic credentials. Any failure collapses to invalid_client so callers
// cannot probe which part was wrong.
func (r *Registry) Authenticate(ctx context.Context, clientID string, clientSecret string) (Service, error) {
	id, err := uuid.Parse(clientID)
	if err != nil {
		return Service{}, apperrors.InvalidClientOAuth("Client authentication failed")
	}

	service, err := r.store.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return Service{}, apperrors.InvalidClientOAuth("Client authentication failed")
		}
		return Service{}, fmt.Errorf("looking up service %s: %w", id, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(service.SecretHash), []byte(clientSecret)) != nil {
		return Service{}, apperrors.InvalidClientOAuth("Client authentication failed")
	}
	return service, nil
}

// RegisterService creates a new service with a fresh ID and secret. The
// plaintext secret is returned exactly once; only its hash is stored.
func (r *Registry) RegisterService(ctx context.Context, service Service) (Service, string, error) {
	secret, err := NewClientSecret()
	if err != nil {
		return Service{}, "", err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return Service{}, "", err
	}

	service.ID = uuid.New()
	service.SecretHash = hash
	service.CreatedAt = time.Now()

	if err := r.store.CreateService(ctx, service); err != nil {
		return Service{}, "", fmt.Errorf("creating service: %w", err)
	}
	return service, secret, nil
}

// RotateSecret replaces a service's secret and returns the new plaintext.
func (r *Registry) RotateSecret(ctx context.Context, id uuid.UUID) (string, error) {
	if _, err := r.store.GetService(ctx, id); err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return "", apperrors.NotFound(fmt.Sprintf("Service %s not found", id), err)
		}
		return "", fmt.Errorf("looking up service %s: %w", id, err)
	}

	secret, err := NewClientSecret()
	if err != nil {
		return "", err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateServiceSecret(ctx, id, hash); err != nil {
		return "", fmt.Errorf("rotating secret for service %s: %w", id, err)
	}
	return secret, nil
}

// NewClientSecret returns 18 random bytes as 36 hex characters.
func NewClientSecret() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashSecret hashes a client secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing client secret: %w", err)
	}
	return string(hash), nil
}
