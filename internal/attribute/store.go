package attribute

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingDeletion is a queued request to ask a service to delete a user's
// attributes after the synchronous attempt failed.
type PendingDeletion struct {
	Username      uuid.UUID
	ServiceID     uuid.UUID
	InitiatedTime time.Time
}

// SourceStore tracks which services hold which attributes for a user, and
// the deletion retry queue.
type SourceStore interface {
	// GetSources returns, per attribute, the services registered as a
	// source that still hold a live store:<attribute> refresh grant.
	// Registrations without a live grant are invisible here.
	GetSources(ctx context.Context, username uuid.UUID) (map[string][]uuid.UUID, error)
	AddSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error
	RemoveSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error
	RemoveAllSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error

	InsertDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error
	ListPendingDeletions(ctx context.Context) ([]PendingDeletion, error)
	RemoveDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error
}
