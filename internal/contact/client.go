package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/auroraai/profile-broker/internal/jwks"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/pseudonym"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ContactTokenTTL bounds how long a signed contact token stays usable.
	ContactTokenTTL = time.Minute

	userAttributesPath = "/auroraai/profile-management/v1/user_attributes"
	tokenPath          = "/auroraai/profile-management/v1/token"

	deletionAttempts = 3
)

// DeletionQueue records deletion requests that must be retried later.
type DeletionQueue interface {
	InsertDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error
}

// Client speaks the signed service-to-service contact protocol: fetching
// attribute values from provider services, asking them to delete a user's
// data and pushing replacement tokens.
type Client struct {
	registry      registry.Store
	signer        *jwks.Signer
	pseudonymizer *pseudonym.Pseudonymizer
	issuer        string
	queue         DeletionQueue
	httpClient    *http.Client
	logger        *slog.Logger

	// retryDelay between deletion attempts, shortened in tests.
	retryDelay time.Duration
}

func NewClient(registryStore registry.Store, signer *jwks.Signer, pseudonymizer *pseudonym.Pseudonymizer, issuer string, queue DeletionQueue, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		registry:      registryStore,
		signer:        signer,
		pseudonymizer: pseudonymizer,
		issuer:        issuer,
		queue:         queue,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
		retryDelay:    500 * time.Millisecond,
	}
}

// signContactToken mints a short-lived JWT identifying the user to the
// provider by pseudonym. The audience is the provider's base URL and the
// scope claim carries the attributes being acted on.
func (c *Client) signContactToken(username uuid.UUID, service registry.Service, attributes []string) (string, error) {
	sub, err := c.pseudonymizer.Pseudonymize(username, service.ID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.issuer,
		"sub": sub.String(),
		"aud": strings.TrimSuffix(service.DataProviderURL, "/"),
		"exp": now.Add(ContactTokenTTL).Unix(),
		"iat": now.Unix(),
	}
	if len(attributes) > 0 {
		claims["scope"] = strings.Join(attributes, " ")
	}
	return c.signer.Sign(claims)
}

func (c *Client) providerService(ctx context.Context, serviceID uuid.UUID) (registry.Service, error) {
	service, err := c.registry.GetService(ctx, serviceID)
	if err != nil {
		return registry.Service{}, fmt.Errorf("looking up service %s: %w", serviceID, err)
	}
	if service.DataProviderURL == "" {
		return registry.Service{}, fmt.Errorf("service %s has no data provider URL", serviceID)
	}
	return service, nil
}

// FetchAttributes asks a provider service for the user's attribute
// values. It returns the provider's non-null values for the requested
// attributes, or an error when the provider produced no usable data.
func (c *Client) FetchAttributes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) (map[string]any, error) {
	service, err := c.providerService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	token, err := c.signContactToken(username, service, attributes)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(service.DataProviderURL, "/") + userAttributesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s returned status %d", serviceID, resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}

	values := make(map[string]any)
	for _, attribute := range attributes {
		if value, ok := body[attribute]; ok && value != nil {
			values[attribute] = value
		}
	}
	return values, nil
}

// RequestAttributeDeletion asks a provider service to delete everything
// it stores for the user. Server-side failures are retried a few times;
// if they persist and scheduleRetryOnFailure is set, the request is
// queued for the background sweep. Returns whether the provider
// acknowledged the deletion.
func (c *Client) RequestAttributeDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, scheduleRetryOnFailure bool) bool {
	service, err := c.providerService(ctx, serviceID)
	if err != nil {
		c.logger.WarnContext(ctx, "attribute deletion skipped", "service_id", serviceID, "error", err)
		return false
	}

	token, err := c.signContactToken(username, service, nil)
	if err != nil {
		c.logger.ErrorContext(ctx, "signing contact token failed", "service_id", serviceID, "error", err)
		return false
	}

	url := strings.TrimSuffix(service.DataProviderURL, "/") + userAttributesPath
	for attempt := 1; attempt <= deletionAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			c.logger.ErrorContext(ctx, "building deletion request failed", "service_id", serviceID, "error", err)
			return false
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.WarnContext(ctx, "attribute deletion request failed", "service_id", serviceID, "error", err)
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
			if resp.StatusCode < http.StatusInternalServerError {
				c.logger.WarnContext(ctx, "attribute deletion rejected",
					"service_id", serviceID, "status", resp.StatusCode)
				return false
			}
			c.logger.WarnContext(ctx, "attribute deletion failed",
				"service_id", serviceID, "status", resp.StatusCode)
		}

		if attempt < deletionAttempts {
			time.Sleep(c.retryDelay)
		}
	}

	if scheduleRetryOnFailure {
		if err := c.queue.InsertDeletion(ctx, username, serviceID); err != nil {
			c.logger.ErrorContext(ctx, "queueing deletion retry failed", "service_id", serviceID, "error", err)
		}
	}
	return false
}

// PushTokens delivers a replacement token set to the provider service.
func (c *Client) PushTokens(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, tokens oauth.TokenResponse) error {
	service, err := c.providerService(ctx, serviceID)
	if err != nil {
		return err
	}

	token, err := c.signContactToken(username, service, nil)
	if err != nil {
		return err
	}

	body, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding token payload: %w", err)
	}

	url := strings.TrimSuffix(service.DataProviderURL, "/") + tokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushing tokens to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider %s returned status %d for token push", serviceID, resp.StatusCode)
	}
	return nil
}
