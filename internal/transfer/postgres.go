package transfer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/auroraai/profile-broker/internal/database"
	"github.com/google/uuid"
)

// PostgresStore implements Store on session_attributes and
// session_access_token.
type PostgresStore struct {
	db *database.Database
}

func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, attributes map[string]any, token []byte, serviceID uuid.UUID, expiration time.Time) error {
	blob, err := json.Marshal(attributes)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var sessionID uuid.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO session_attributes (session_attributes) VALUES ($1::JSONB) RETURNING id`,
		string(blob)).Scan(&sessionID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO session_access_token (access_token, session_attributes_id, aurora_ai_service_id, expiration_time)
		 VALUES ($1, $2, $3, $4)`,
		token, sessionID, serviceID, expiration); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSessionAttributes(ctx context.Context, token []byte) (map[string]any, error) {
	var blob []byte
	err := s.db.QueryRow(ctx,
		`SELECT sa.session_attributes
		 FROM session_access_token sat
		 JOIN session_attributes sa ON sa.id = sat.session_attributes_id
		 WHERE sat.access_token = $1 AND sat.expiration_time >= NOW()`, token).
		Scan(&blob)
	if err != nil {
		return nil, err
	}

	var attributes map[string]any
	if err := json.Unmarshal(blob, &attributes); err != nil {
		return nil, err
	}
	return attributes, nil
}

func (s *PostgresStore) RemoveExpiredSessions(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM session_attributes
		 WHERE id IN (
			SELECT session_attributes_id FROM session_access_token
			WHERE expiration_time < NOW()
		 )`)
	return err
}
