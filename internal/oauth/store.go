package oauth

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary for authorization codes and token
// pairs. Lookups that say "live" exclude expired rows; RemoveExpired*
// sweeps delete them for good.
type Store interface {
	CreateAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	// GetAuthorizationCode returns a live code or database.ErrNoRows.
	GetAuthorizationCode(ctx context.Context, code []byte) (AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code []byte) error
	DeleteAuthorizationCodesForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error
	RemoveExpiredAuthorizationCodes(ctx context.Context) error

	CreateTokenPair(ctx context.Context, pair TokenPair) error
	// GetTokenPairByRefreshToken returns a pair whose refresh token is live.
	GetTokenPairByRefreshToken(ctx context.Context, refreshToken []byte) (TokenPair, error)
	// GetTokenPairByAccessToken returns a pair whose access token is live.
	GetTokenPairByAccessToken(ctx context.Context, accessToken []byte) (TokenPair, error)
	// GetTokenPairByAnyToken matches either token of a pair, expired or not.
	GetTokenPairByAnyToken(ctx context.Context, token []byte) (TokenPair, error)
	// ExpireTokenPair sets both expiration times to now, a soft delete that
	// keeps the row visible to revocation until the sweep runs.
	ExpireTokenPair(ctx context.Context, refreshToken []byte) error
	// RotateTokenPair stores the replacement pair and expires the rotated
	// one in a single transaction. Neither half applies without the other.
	RotateTokenPair(ctx context.Context, rotatedRefreshToken []byte, replacement TokenPair) error
	// DeleteTokenPairAndSources removes the pair and, in the same
	// transaction, the user's attribute sources held by the service.
	DeleteTokenPairAndSources(ctx context.Context, refreshToken []byte, username uuid.UUID, serviceID uuid.UUID) error
	DeleteTokenPairsForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error
	// GetTokenPairsForUserService returns the user's pairs at the service
	// whose refresh token is still live.
	GetTokenPairsForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]TokenPair, error)
	// GetGrantedScopes returns the union of live refresh and access token
	// scopes the user has granted to the service.
	GetGrantedScopes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]string, error)
	// GetAuthorizedServiceIDs lists services holding a live token pair for
	// the user.
	GetAuthorizedServiceIDs(ctx context.Context, username uuid.UUID) ([]uuid.UUID, error)
	RemoveExpiredTokenPairs(ctx context.Context) error
}
