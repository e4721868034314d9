package oauth

import (
	"context"

	"github.com/auroraai/profile-broker/internal/database"
	"github.com/google/uuid"
)

// PostgresStore implements Store on oauth_authorization_code and
// oauth_token_pair.
type PostgresStore struct {
	db *database.Database
}

func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAuthorizationCode(ctx context.Context, code AuthorizationCode) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO oauth_authorization_code
			(code, username, aurora_ai_service_id, redirect_uri, scopes, auth_time, expiration_time)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		code.Code, code.Username, code.ServiceID, code.RedirectURI,
		code.Scopes, code.AuthTime, code.ExpirationTime)
	return err
}

func (s *PostgresStore) GetAuthorizationCode(ctx context.Context, code []byte) (AuthorizationCode, error) {
	var out AuthorizationCode
	err := s.db.QueryRow(ctx,
		`SELECT code, username, aurora_ai_service_id, COALESCE(redirect_uri, ''), scopes, auth_time, expiration_time
		 FROM oauth_authorization_code
		 WHERE code = $1 AND expiration_time > NOW()`, code).
		Scan(&out.Code, &out.Username, &out.ServiceID, &out.RedirectURI,
			&out.Scopes, &out.AuthTime, &out.ExpirationTime)
	return out, err
}

func (s *PostgresStore) DeleteAuthorizationCode(ctx context.Context, code []byte) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM oauth_authorization_code WHERE code = $1`, code)
	return err
}

func (s *PostgresStore) DeleteAuthorizationCodesForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM oauth_authorization_code WHERE username = $1 AND aurora_ai_service_id = $2`,
		username, serviceID)
	return err
}

func (s *PostgresStore) RemoveExpiredAuthorizationCodes(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM oauth_authorization_code WHERE expiration_time <= NOW()`)
	return err
}

const tokenPairColumns = `refresh_token, access_token, username, aurora_ai_service_id,
	refresh_token_scopes, access_token_scopes, auth_time, created_at,
	refresh_expiration_time, access_expiration_time`

func scanTokenPair(row interface{ Scan(dest ...any) error }) (TokenPair, error) {
	var pair TokenPair
	err := row.Scan(
		&pair.RefreshToken, &pair.AccessToken, &pair.Username, &pair.ServiceID,
		&pair.RefreshTokenScopes, &pair.AccessTokenScopes, &pair.AuthTime, &pair.CreatedAt,
		&pair.RefreshExpirationTime, &pair.AccessExpirationTime)
	return pair, err
}

func (s *PostgresStore) CreateTokenPair(ctx context.Context, pair TokenPair) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO oauth_token_pair (`+tokenPairColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pair.RefreshToken, pair.AccessToken, pair.Username, pair.ServiceID,
		pair.RefreshTokenScopes, pair.AccessTokenScopes, pair.AuthTime, pair.CreatedAt,
		pair.RefreshExpirationTime, pair.AccessExpirationTime)
	return err
}

func (s *PostgresStore) GetTokenPairByRefreshToken(ctx context.Context, refreshToken []byte) (TokenPair, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tokenPairColumns+` FROM oauth_token_pair
		 WHERE refresh_token = $1 AND refresh_expiration_time > NOW()`, refreshToken)
	return scanTokenPair(row)
}

func (s *PostgresStore) GetTokenPairByAccessToken(ctx context.Context, accessToken []byte) (TokenPair, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tokenPairColumns+` FROM oauth_token_pair
		 WHERE access_token = $1 AND access_expiration_time > NOW()`, accessToken)
	return scanTokenPair(row)
}

func (s *PostgresStore) GetTokenPairByAnyToken(ctx context.Context, token []byte) (TokenPair, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tokenPairColumns+` FROM oauth_token_pair
		 WHERE refresh_token = $1 OR access_token = $1`, token)
	return scanTokenPair(row)
}

func (s *PostgresStore) ExpireTokenPair(ctx context.Context, refreshToken []byte) error {
	_, err := s.db.Exec(ctx,
		`UPDATE oauth_token_pair
		 SET refresh_expiration_time = NOW(), access_expiration_time = NOW()
		 WHERE refresh_token = $1`, refreshToken)
	return err
}

func (s *PostgresStore) RotateTokenPair(ctx context.Context, rotatedRefreshToken []byte, replacement TokenPair) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO oauth_token_pair (`+tokenPairColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		replacement.RefreshToken, replacement.AccessToken, replacement.Username, replacement.ServiceID,
		replacement.RefreshTokenScopes, replacement.AccessTokenScopes, replacement.AuthTime, replacement.CreatedAt,
		replacement.RefreshExpirationTime, replacement.AccessExpirationTime); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE oauth_token_pair
		 SET refresh_expiration_time = NOW(), access_expiration_time = NOW()
		 WHERE refresh_token = $1`, rotatedRefreshToken); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteTokenPairAndSources(ctx context.Context, refreshToken []byte, username uuid.UUID, serviceID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM oauth_token_pair WHERE refresh_token = $1`, refreshToken); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM attribute_source WHERE username = $1 AND aurora_ai_service_id = $2`,
		username, serviceID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteTokenPairsForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM oauth_token_pair WHERE username = $1 AND aurora_ai_service_id = $2`,
		username, serviceID)
	return err
}

func (s *PostgresStore) GetTokenPairsForUserService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]TokenPair, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tokenPairColumns+` FROM oauth_token_pair
		 WHERE username = $1 AND aurora_ai_service_id = $2 AND refresh_expiration_time > NOW()`,
		username, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []TokenPair
	for rows.Next() {
		pair, err := scanTokenPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

func (s *PostgresStore) GetGrantedScopes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT scope FROM (
			SELECT UNNEST(refresh_token_scopes) AS scope FROM oauth_token_pair
			 WHERE username = $1 AND aurora_ai_service_id = $2 AND refresh_expiration_time > NOW()
			UNION ALL
			SELECT UNNEST(access_token_scopes) AS scope FROM oauth_token_pair
			 WHERE username = $1 AND aurora_ai_service_id = $2 AND access_expiration_time > NOW()
		 ) AS scopes ORDER BY scope`, username, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func (s *PostgresStore) GetAuthorizedServiceIDs(ctx context.Context, username uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT aurora_ai_service_id FROM oauth_token_pair
		 WHERE username = $1 AND refresh_expiration_time > NOW()`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RemoveExpiredTokenPairs(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM oauth_token_pair
		 WHERE refresh_expiration_time <= NOW() AND access_expiration_time <= NOW()`)
	return err
}
