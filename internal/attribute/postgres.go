package attribute

import (
	"context"

	"github.com/auroraai/profile-broker/internal/database"
	"github.com/google/uuid"
)

// PostgresStore implements SourceStore on attribute_source and
// attribute_deletion.
type PostgresStore struct {
	db *database.Database
}

func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetSources joins registrations against live token pairs so a service
// only counts as a source while the user's store:<attribute> grant to it
// is still alive.
func (s *PostgresStore) GetSources(ctx context.Context, username uuid.UUID) (map[string][]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT src.attribute, ARRAY_AGG(DISTINCT src.aurora_ai_service_id)
		 FROM attribute_source src
		 JOIN oauth_token_pair pair
		   ON pair.username = src.username
		  AND pair.aurora_ai_service_id = src.aurora_ai_service_id
		  AND 'store:' || src.attribute = ANY(pair.refresh_token_scopes)
		  AND pair.refresh_expiration_time > NOW()
		 WHERE src.username = $1
		 GROUP BY src.attribute`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make(map[string][]uuid.UUID)
	for rows.Next() {
		var attribute string
		var serviceIDs []uuid.UUID
		if err := rows.Scan(&attribute, &serviceIDs); err != nil {
			return nil, err
		}
		sources[attribute] = serviceIDs
	}
	return sources, rows.Err()
}

func (s *PostgresStore) AddSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO attribute_source (username, aurora_ai_service_id, attribute)
		 SELECT $1, $2, UNNEST($3::TEXT[])
		 ON CONFLICT DO NOTHING`,
		username, serviceID, attributes)
	return err
}

func (s *PostgresStore) RemoveSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM attribute_source
		 WHERE username = $1 AND aurora_ai_service_id = $2 AND attribute = ANY($3)`,
		username, serviceID, attributes)
	return err
}

func (s *PostgresStore) RemoveAllSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM attribute_source WHERE username = $1 AND aurora_ai_service_id = $2`,
		username, serviceID)
	return err
}

func (s *PostgresStore) InsertDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO attribute_deletion (username, aurora_ai_service_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		username, serviceID)
	return err
}

func (s *PostgresStore) ListPendingDeletions(ctx context.Context) ([]PendingDeletion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT username, aurora_ai_service_id, initiated_time FROM attribute_deletion`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingDeletion
	for rows.Next() {
		var deletion PendingDeletion
		if err := rows.Scan(&deletion.Username, &deletion.ServiceID, &deletion.InitiatedTime); err != nil {
			return nil, err
		}
		pending = append(pending, deletion)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) RemoveDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM attribute_deletion WHERE username = $1 AND aurora_ai_service_id = $2`,
		username, serviceID)
	return err
}
