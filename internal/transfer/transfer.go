package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/google/uuid"
)

const (
	// SessionTokenTTL bounds how long a transferred session stays
	// retrievable.
	SessionTokenTTL = time.Hour

	// Session tokens are 32 random bytes, transported as 64 hex chars.
	sessionTokenByteLength = 32
)

// Store persists transferred session blobs and their access tokens.
type Store interface {
	// CreateSession stores the attribute blob and its access token
	// atomically.
	CreateSession(ctx context.Context, attributes map[string]any, token []byte, serviceID uuid.UUID, expiration time.Time) error
	// GetSessionAttributes returns the blob for a live token or
	// database.ErrNoRows.
	GetSessionAttributes(ctx context.Context, token []byte) (map[string]any, error)
	RemoveExpiredSessions(ctx context.Context) error
}

// Result is the outcome of a session transfer hand-off. AccessToken is
// empty when the receiving service accepts no transferred attributes.
type Result struct {
	PTVServiceChannelID uuid.UUID `json:"ptvServiceChannelId"`
	AccessToken         string    `json:"accessToken,omitempty"`
}

// Service brokers one-time session hand-offs between AuroraAI services.
type Service struct {
	store    Store
	registry registry.Store
	logger   *slog.Logger
}

func NewService(store Store, registryStore registry.Store, logger *slog.Logger) *Service {
	return &Service{store: store, registry: registryStore, logger: logger}
}

// AddSessionAttributes stages session attributes for the service behind a
// PTV service channel. Attributes outside the receiver's whitelist are
// dropped; when nothing survives, no token is issued.
func (s *Service) AddSessionAttributes(ctx context.Context, channelID uuid.UUID, attributes map[string]any) (Result, error) {
	service, err := s.registry.GetServiceByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return Result{}, apperrors.Validation(
				fmt.Sprintf("Session transfer not allowed. PTV-service-channel %s is not registered to any AuroraAI service.", channelID), err)
		}
		return Result{}, fmt.Errorf("looking up service for channel %s: %w", channelID, err)
	}

	accepted := make(map[string]any)
	for _, attribute := range service.SessionTransferReceivableAttributes {
		if value, ok := attributes[attribute]; ok {
			accepted[attribute] = value
		}
	}
	if len(accepted) == 0 {
		return Result{PTVServiceChannelID: channelID}, nil
	}

	token := make([]byte, sessionTokenByteLength)
	if _, err := rand.Read(token); err != nil {
		return Result{}, fmt.Errorf("generating session token: %w", err)
	}

	if err := s.store.CreateSession(ctx, accepted, token, service.ID, time.Now().Add(SessionTokenTTL)); err != nil {
		return Result{}, fmt.Errorf("storing session attributes: %w", err)
	}

	return Result{
		PTVServiceChannelID: channelID,
		AccessToken:         hex.EncodeToString(token),
	}, nil
}

// GetSessionAttributes retrieves a staged session blob by its token.
func (s *Service) GetSessionAttributes(ctx context.Context, tokenHex string) (map[string]any, error) {
	token, err := hex.DecodeString(tokenHex)
	if err != nil || len(token) != sessionTokenByteLength {
		return nil, apperrors.NotFound("Access token not found", err)
	}

	attributes, err := s.store.GetSessionAttributes(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, apperrors.NotFound("Access token not found", err)
		}
		return nil, fmt.Errorf("looking up session attributes: %w", err)
	}
	return attributes, nil
}

// CheckSupport reports which of the given channels belong to a registered
// service and can receive a session transfer.
func (s *Service) CheckSupport(ctx context.Context, channelIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	supported, err := s.registry.FilterSupportedChannelIDs(ctx, channelIDs)
	if err != nil {
		return nil, fmt.Errorf("checking session transfer support: %w", err)
	}

	result := make(map[uuid.UUID]bool, len(channelIDs))
	for _, id := range channelIDs {
		result[id] = false
	}
	for _, id := range supported {
		result[id] = true
	}
	return result, nil
}

// RemoveExpiredSessions deletes session blobs whose tokens have expired.
func (s *Service) RemoveExpiredSessions(ctx context.Context) error {
	return s.store.RemoveExpiredSessions(ctx)
}
