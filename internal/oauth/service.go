package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/jwks"
	"github.com/auroraai/profile-broker/internal/pseudonym"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Service implements the token engine: issuing authorization codes,
// exchanging them for token pairs, rotating pairs on refresh and revoking
// them.
type Service struct {
	store         Store
	signer        *jwks.Signer
	pseudonymizer *pseudonym.Pseudonymizer
	issuer        string
	logger        *slog.Logger
}

func NewService(store Store, signer *jwks.Signer, pseudonymizer *pseudonym.Pseudonymizer, issuer string, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		signer:        signer,
		pseudonymizer: pseudonymizer,
		issuer:        issuer,
		logger:        logger,
	}
}

// Pseudonym returns the user's service-scoped pseudonym, the sub claim of
// every token issued to the service.
func (s *Service) Pseudonym(username uuid.UUID, serviceID uuid.UUID) (uuid.UUID, error) {
	return s.pseudonymizer.Pseudonymize(username, serviceID)
}

// ReversePseudonym maps a service-scoped pseudonym back to the username.
func (s *Service) ReversePseudonym(pseudonym uuid.UUID, serviceID uuid.UUID) (uuid.UUID, error) {
	return s.pseudonymizer.Reverse(pseudonym, serviceID)
}

// CreateAuthorizationCode issues a fresh code for a user that the external
// identity provider has already authenticated.
func (s *Service) CreateAuthorizationCode(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, scopes []string, redirectURI string) (string, error) {
	raw, err := newToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	code := AuthorizationCode{
		Code:           raw,
		Username:       username,
		ServiceID:      serviceID,
		RedirectURI:    redirectURI,
		Scopes:         scopes,
		AuthTime:       now,
		ExpirationTime: now.Add(AuthorizationCodeTTL),
	}
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}
	return EncodeToken(raw), nil
}

// AuthenticateWithAuthorizationCode redeems a code for a token pair plus an
// identity token. The code is single use and removed on success.
func (s *Service) AuthenticateWithAuthorizationCode(ctx context.Context, service registry.Service, codeParam string, redirectURI string) (TokenResponse, error) {
	raw, err := DecodeToken(codeParam)
	if err != nil {
		return TokenResponse{}, apperrors.InvalidGrantOAuth("Authorization code not found or expired")
	}

	code, err := s.store.GetAuthorizationCode(ctx, raw)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return TokenResponse{}, apperrors.InvalidGrantOAuth("Authorization code not found or expired")
		}
		return TokenResponse{}, fmt.Errorf("looking up authorization code: %w", err)
	}

	if code.ServiceID != service.ID {
		return TokenResponse{}, apperrors.InvalidGrantOAuth("Authorization code was granted to another client")
	}
	if code.RedirectURI != "" && code.RedirectURI != redirectURI {
		return TokenResponse{}, apperrors.InvalidGrantOAuth("Redirect URI does not match the authorization request")
	}

	idToken, err := s.identityToken(code.Username, service.ID, code.AuthTime)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := s.store.DeleteAuthorizationCode(ctx, raw); err != nil {
		return TokenResponse{}, fmt.Errorf("removing authorization code: %w", err)
	}

	pair, err := s.createTokenPair(ctx, code.Username, service.ID, code.Scopes, code.Scopes, code.AuthTime)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  EncodeToken(pair.AccessToken),
		TokenType:    "bearer",
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
		RefreshToken: EncodeToken(pair.RefreshToken),
		Scope:        JoinScopes(code.Scopes),
		IDToken:      idToken,
	}, nil
}

// AuthenticateWithRefreshToken rotates a token pair. The replacement pair
// keeps the refresh token's scopes; the access token gets the validated
// requested scopes. Storing the replacement and expiring the old pair
// happen in one store transaction, so a failure never leaves both pairs
// active or neither.
func (s *Service) AuthenticateWithRefreshToken(ctx context.Context, service registry.Service, refreshTokenParam string, requestedScopes []string) (TokenResponse, error) {
	raw, err := DecodeToken(refreshTokenParam)
	if err != nil {
		return TokenResponse{}, apperrors.InvalidGrantOAuth("Refresh token not found or expired")
	}

	pair, err := s.store.GetTokenPairByRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return TokenResponse{}, apperrors.InvalidGrantOAuth("Refresh token not found or expired")
		}
		return TokenResponse{}, fmt.Errorf("looking up refresh token: %w", err)
	}

	if pair.ServiceID != service.ID {
		return TokenResponse{}, apperrors.InvalidGrantOAuth("Refresh token was granted to another client")
	}

	accessScopes, err := validateAccessTokenScopes(requestedScopes, pair.RefreshTokenScopes)
	if err != nil {
		return TokenResponse{}, err
	}

	idToken, err := s.identityToken(pair.Username, service.ID, pair.AuthTime)
	if err != nil {
		return TokenResponse{}, err
	}

	replacement, err := newTokenPair(pair.Username, service.ID, pair.RefreshTokenScopes, accessScopes, pair.AuthTime)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := s.store.RotateTokenPair(ctx, raw, replacement); err != nil {
		return TokenResponse{}, fmt.Errorf("rotating token pair: %w", err)
	}

	return TokenResponse{
		AccessToken:  EncodeToken(replacement.AccessToken),
		TokenType:    "bearer",
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
		RefreshToken: EncodeToken(replacement.RefreshToken),
		Scope:        JoinScopes(accessScopes),
		IDToken:      idToken,
	}, nil
}

// RevokeToken deletes the pair the token belongs to, whichever of the two
// tokens was presented, together with the attribute sources the service
// held for the user. Unknown tokens revoke successfully.
func (s *Service) RevokeToken(ctx context.Context, service registry.Service, tokenParam string) error {
	raw, err := DecodeToken(tokenParam)
	if err != nil {
		return nil
	}

	pair, err := s.store.GetTokenPairByAnyToken(ctx, raw)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("looking up token: %w", err)
	}

	if pair.ServiceID != service.ID {
		return apperrors.InvalidGrantOAuth("Token was granted to another client")
	}

	if err := s.store.DeleteTokenPairAndSources(ctx, pair.RefreshToken, pair.Username, pair.ServiceID); err != nil {
		return fmt.Errorf("revoking token pair: %w", err)
	}
	return nil
}

// AuthenticateBearer resolves a presented access token to its live pair.
func (s *Service) AuthenticateBearer(ctx context.Context, accessTokenParam string) (TokenPair, error) {
	raw, err := DecodeToken(accessTokenParam)
	if err != nil {
		return TokenPair{}, apperrors.InvalidTokenBearer("The access token is invalid or has expired")
	}

	pair, err := s.store.GetTokenPairByAccessToken(ctx, raw)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return TokenPair{}, apperrors.InvalidTokenBearer("The access token is invalid or has expired")
		}
		return TokenPair{}, fmt.Errorf("looking up access token: %w", err)
	}
	return pair, nil
}

// ReplaceUserTokens mints a new token set for the user at a service,
// outside the code flow, dropping any existing pairs first.
func (s *Service) ReplaceUserTokens(ctx context.Context, username uuid.UUID, service registry.Service, scopes []string) (TokenResponse, error) {
	if err := s.store.DeleteTokenPairsForUserService(ctx, username, service.ID); err != nil {
		return TokenResponse{}, fmt.Errorf("removing existing token pairs: %w", err)
	}

	now := time.Now()
	tokenScopes := ensureOpenIDScope(scopes)

	idToken, err := s.identityToken(username, service.ID, now)
	if err != nil {
		return TokenResponse{}, err
	}

	pair, err := s.createTokenPair(ctx, username, service.ID, tokenScopes, tokenScopes, now)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  EncodeToken(pair.AccessToken),
		TokenType:    "bearer",
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
		RefreshToken: EncodeToken(pair.RefreshToken),
		Scope:        JoinScopes(tokenScopes),
		IDToken:      idToken,
	}, nil
}

// GetUserTokenPairs lists the user's live token pairs at a service, so
// callers replacing them can restore the previous state on failure.
func (s *Service) GetUserTokenPairs(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]TokenPair, error) {
	return s.store.GetTokenPairsForUserService(ctx, username, serviceID)
}

// RestoreUserTokens drops whatever pairs the user currently has at the
// service and puts back previously captured ones.
func (s *Service) RestoreUserTokens(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, pairs []TokenPair) error {
	if err := s.store.DeleteTokenPairsForUserService(ctx, username, serviceID); err != nil {
		return fmt.Errorf("removing replacement token pairs: %w", err)
	}
	for _, pair := range pairs {
		if err := s.store.CreateTokenPair(ctx, pair); err != nil {
			return fmt.Errorf("restoring token pair: %w", err)
		}
	}
	return nil
}

// RemoveGrants drops every code and token pair the user has at a service.
func (s *Service) RemoveGrants(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	if err := s.store.DeleteAuthorizationCodesForUserService(ctx, username, serviceID); err != nil {
		return fmt.Errorf("removing authorization codes: %w", err)
	}
	if err := s.store.DeleteTokenPairsForUserService(ctx, username, serviceID); err != nil {
		return fmt.Errorf("removing token pairs: %w", err)
	}
	return nil
}

// GetGrantedScopes returns the union of scopes live tokens grant the
// service for the user.
func (s *Service) GetGrantedScopes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]string, error) {
	return s.store.GetGrantedScopes(ctx, username, serviceID)
}

// GetAuthorizedServiceIDs lists services the user still has live grants at.
func (s *Service) GetAuthorizedServiceIDs(ctx context.Context, username uuid.UUID) ([]uuid.UUID, error) {
	return s.store.GetAuthorizedServiceIDs(ctx, username)
}

// RemoveExpiredAuthorizationCodes deletes codes past their expiry.
func (s *Service) RemoveExpiredAuthorizationCodes(ctx context.Context) error {
	return s.store.RemoveExpiredAuthorizationCodes(ctx)
}

// RemoveExpiredTokenPairs deletes pairs where both tokens have expired.
func (s *Service) RemoveExpiredTokenPairs(ctx context.Context) error {
	return s.store.RemoveExpiredTokenPairs(ctx)
}

func (s *Service) createTokenPair(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, refreshScopes []string, accessScopes []string, authTime time.Time) (TokenPair, error) {
	pair, err := newTokenPair(username, serviceID, refreshScopes, accessScopes, authTime)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.CreateTokenPair(ctx, pair); err != nil {
		return TokenPair{}, fmt.Errorf("storing token pair: %w", err)
	}
	return pair, nil
}

func newTokenPair(username uuid.UUID, serviceID uuid.UUID, refreshScopes []string, accessScopes []string, authTime time.Time) (TokenPair, error) {
	refreshToken, err := newToken()
	if err != nil {
		return TokenPair{}, err
	}
	accessToken, err := newToken()
	if err != nil {
		return TokenPair{}, err
	}

	now := time.Now()
	return TokenPair{
		RefreshToken:          refreshToken,
		AccessToken:           accessToken,
		Username:              username,
		ServiceID:             serviceID,
		RefreshTokenScopes:    refreshScopes,
		AccessTokenScopes:     accessScopes,
		AuthTime:              authTime,
		CreatedAt:             now,
		RefreshExpirationTime: now.Add(RefreshTokenTTL),
		AccessExpirationTime:  now.Add(AccessTokenTTL),
	}, nil
}

func (s *Service) identityToken(username uuid.UUID, serviceID uuid.UUID, authTime time.Time) (string, error) {
	sub, err := s.pseudonymizer.Pseudonymize(username, serviceID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	return s.signer.Sign(jwt.MapClaims{
		"iss":       s.issuer,
		"sub":       sub.String(),
		"aud":       serviceID.String(),
		"exp":       now.Add(IdentityTokenTTL).Unix(),
		"iat":       now.Unix(),
		"auth_time": authTime.Unix(),
	})
}

// validateAccessTokenScopes narrows a refresh grant. An absent or empty
// request means the full refresh scopes; otherwise every requested scope
// must be openid or covered by the refresh token. openid is always
// included in the result.
func validateAccessTokenScopes(requested []string, refreshScopes []string) ([]string, error) {
	if len(requested) == 0 {
		return refreshScopes, nil
	}
	for _, scope := range requested {
		if scope == ScopeOpenID {
			continue
		}
		if !HasScope(refreshScopes, scope) {
			return nil, apperrors.InvalidScopeOAuth(fmt.Sprintf("Scope %s not within the scopes of the refresh token", scope))
		}
	}
	return ensureOpenIDScope(requested), nil
}

func ensureOpenIDScope(scopes []string) []string {
	if HasScope(scopes, ScopeOpenID) {
		return scopes
	}
	return append([]string{ScopeOpenID}, scopes...)
}
