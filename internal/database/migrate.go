package database

import (
	"context"
	"errors"
)

var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS aurora_ai_service (
		id UUID PRIMARY KEY,
		ptv_service_channel_id UUID UNIQUE,
		secret_hash TEXT NOT NULL,
		allowed_scopes TEXT[] NOT NULL DEFAULT '{}',
		allowed_redirect_uris TEXT[] NOT NULL DEFAULT '{}',
		default_redirect_uri TEXT,
		data_provider_url TEXT,
		session_transfer_receivable_attributes TEXT[] NOT NULL DEFAULT '{}',
		name_fi TEXT NOT NULL DEFAULT '',
		name_sv TEXT NOT NULL DEFAULT '',
		name_en TEXT NOT NULL DEFAULT '',
		provider_fi TEXT NOT NULL DEFAULT '',
		provider_sv TEXT NOT NULL DEFAULT '',
		provider_en TEXT NOT NULL DEFAULT '',
		description_fi TEXT NOT NULL DEFAULT '',
		description_sv TEXT NOT NULL DEFAULT '',
		description_en TEXT NOT NULL DEFAULT '',
		link_fi TEXT NOT NULL DEFAULT '',
		link_sv TEXT NOT NULL DEFAULT '',
		link_en TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS oauth_authorization_code (
		code BYTEA PRIMARY KEY,
		username UUID NOT NULL,
		aurora_ai_service_id UUID NOT NULL REFERENCES aurora_ai_service (id),
		redirect_uri TEXT,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		auth_time TIMESTAMPTZ NOT NULL,
		expiration_time TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS oauth_token_pair (
		refresh_token BYTEA PRIMARY KEY,
		access_token BYTEA NOT NULL UNIQUE,
		username UUID NOT NULL,
		aurora_ai_service_id UUID NOT NULL REFERENCES aurora_ai_service (id),
		refresh_token_scopes TEXT[] NOT NULL DEFAULT '{}',
		access_token_scopes TEXT[] NOT NULL DEFAULT '{}',
		auth_time TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		refresh_expiration_time TIMESTAMPTZ NOT NULL,
		access_expiration_time TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS oauth_token_pair_user_service_idx
		ON oauth_token_pair (username, aurora_ai_service_id)`,

	`CREATE TABLE IF NOT EXISTS attribute_source (
		username UUID NOT NULL,
		aurora_ai_service_id UUID NOT NULL REFERENCES aurora_ai_service (id),
		attribute TEXT NOT NULL,
		PRIMARY KEY (username, aurora_ai_service_id, attribute)
	)`,

	`CREATE TABLE IF NOT EXISTS attribute_deletion (
		username UUID NOT NULL,
		aurora_ai_service_id UUID NOT NULL REFERENCES aurora_ai_service (id),
		initiated_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (username, aurora_ai_service_id)
	)`,

	`CREATE TABLE IF NOT EXISTS session_attributes (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_attributes JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS session_access_token (
		access_token BYTEA PRIMARY KEY,
		session_attributes_id UUID NOT NULL REFERENCES session_attributes (id) ON DELETE CASCADE,
		aurora_ai_service_id UUID NOT NULL REFERENCES aurora_ai_service (id),
		expiration_time TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate bootstraps the schema. Every statement is idempotent so it is
// safe to run on every startup.
func Migrate(ctx context.Context, db *Database) error {
	for _, stmt := range createTableStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.Join(errors.New("migration failed"), err)
		}
	}
	return nil
}
