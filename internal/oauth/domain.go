package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AccessTokenTTL       = time.Hour
	IdentityTokenTTL     = 10 * time.Hour
	RefreshTokenTTL      = 30 * 24 * time.Hour
	AuthorizationCodeTTL = 10 * time.Minute

	// Codes and tokens are 128 random bytes, transported base64url
	// without padding.
	tokenByteLength = 128

	ScopeOpenID      = "openid"
	ScopeStorePrefix = "store:"
)

// AuthorizationCode is a single-use grant issued after the user has
// authenticated, redeemable for a token pair.
type AuthorizationCode struct {
	Code           []byte
	Username       uuid.UUID
	ServiceID      uuid.UUID
	RedirectURI    string
	Scopes         []string
	AuthTime       time.Time
	ExpirationTime time.Time
}

// TokenPair couples a refresh token with its current access token. The
// refresh token's scopes are fixed at issuance; the access token's scopes
// may be a narrowed subset chosen at refresh time.
type TokenPair struct {
	RefreshToken          []byte
	AccessToken           []byte
	Username              uuid.UUID
	ServiceID             uuid.UUID
	RefreshTokenScopes    []string
	AccessTokenScopes     []string
	AuthTime              time.Time
	CreatedAt             time.Time
	RefreshExpirationTime time.Time
	AccessExpirationTime  time.Time
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`
}

// EncodeToken renders raw token bytes in their transport form.
func EncodeToken(token []byte) string {
	return base64.RawURLEncoding.EncodeToString(token)
}

// DecodeToken parses a transported token back into raw bytes.
func DecodeToken(token string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(token)
}

func newToken() ([]byte, error) {
	token := make([]byte, tokenByteLength)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// JoinScopes renders a scope list as the space-separated wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether scope is present in scopes.
func HasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// StoreScope returns the scope that authorizes storing the attribute.
func StoreScope(attribute string) string {
	return ScopeStorePrefix + attribute
}
