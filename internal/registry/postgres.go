package registry

import (
	"context"

	"github.com/auroraai/profile-broker/internal/database"
	"github.com/google/uuid"
)

const serviceColumns = `id, ptv_service_channel_id, secret_hash, allowed_scopes,
	allowed_redirect_uris, COALESCE(default_redirect_uri, ''), COALESCE(data_provider_url, ''),
	session_transfer_receivable_attributes,
	name_fi, name_sv, name_en,
	provider_fi, provider_sv, provider_en,
	description_fi, description_sv, description_en,
	link_fi, link_sv, link_en,
	created_at`

// PostgresStore implements Store on top of the aurora_ai_service table.
type PostgresStore struct {
	db *database.Database
}

func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) scanService(row interface{ Scan(dest ...any) error }) (Service, error) {
	var service Service
	err := row.Scan(
		&service.ID,
		&service.PTVServiceChannelID,
		&service.SecretHash,
		&service.AllowedScopes,
		&service.AllowedRedirectURIs,
		&service.DefaultRedirectURI,
		&service.DataProviderURL,
		&service.SessionTransferReceivableAttributes,
		&service.Name.Fi, &service.Name.Sv, &service.Name.En,
		&service.Provider.Fi, &service.Provider.Sv, &service.Provider.En,
		&service.Description.Fi, &service.Description.Sv, &service.Description.En,
		&service.Link.Fi, &service.Link.Sv, &service.Link.En,
		&service.CreatedAt,
	)
	return service, err
}

func (s *PostgresStore) GetService(ctx context.Context, id uuid.UUID) (Service, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM aurora_ai_service WHERE id = $1`, id)
	return s.scanService(row)
}

func (s *PostgresStore) GetServiceByChannelID(ctx context.Context, channelID uuid.UUID) (Service, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM aurora_ai_service WHERE ptv_service_channel_id = $1`, channelID)
	return s.scanService(row)
}

func (s *PostgresStore) FilterSupportedChannelIDs(ctx context.Context, channelIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT ptv_service_channel_id FROM aurora_ai_service
		 WHERE ptv_service_channel_id = ANY($1)`, channelIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var supported []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		supported = append(supported, id)
	}
	return supported, rows.Err()
}

func (s *PostgresStore) UnionAllowedScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT UNNEST(allowed_scopes) AS scope FROM aurora_ai_service ORDER BY scope`)
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

func (s *PostgresStore) CreateService(ctx context.Context, service Service) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO aurora_ai_service (
			id, ptv_service_channel_id, secret_hash, allowed_scopes,
			allowed_redirect_uris, default_redirect_uri, data_provider_url,
			session_transfer_receivable_attributes,
			name_fi, name_sv, name_en,
			provider_fi, provider_sv, provider_en,
			description_fi, description_sv, description_en,
			link_fi, link_sv, link_en,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		service.ID,
		service.PTVServiceChannelID,
		service.SecretHash,
		service.AllowedScopes,
		service.AllowedRedirectURIs,
		service.DefaultRedirectURI,
		service.DataProviderURL,
		service.SessionTransferReceivableAttributes,
		service.Name.Fi, service.Name.Sv, service.Name.En,
		service.Provider.Fi, service.Provider.Sv, service.Provider.En,
		service.Description.Fi, service.Description.Sv, service.Description.En,
		service.Link.Fi, service.Link.Sv, service.Link.En,
		service.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateServiceSecret(ctx context.Context, id uuid.UUID, secretHash string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE aurora_ai_service SET secret_hash = $1 WHERE id = $2`, secretHash, id)
	return err
}
