package attribute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// deletionRetryWindow bounds how long a failed deletion request stays in
// the retry queue.
const deletionRetryWindow = 3 * 24 * time.Hour

// ContactClient is the broker's view of the service contact protocol.
type ContactClient interface {
	// FetchAttributes asks a source service for attribute values. A nil
	// map means the source produced no usable data.
	FetchAttributes(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) (map[string]any, error)
	// RequestAttributeDeletion asks a service to delete everything it
	// stores for the user and reports whether it acknowledged.
	RequestAttributeDeletion(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, scheduleRetryOnFailure bool) bool
}

// SourceGroup assigns a batch of attributes to the service that will be
// asked for them.
type SourceGroup struct {
	ServiceID  uuid.UUID
	Attributes []string
}

// Broker resolves attribute values by picking sources, contacting them
// and validating what they return.
type Broker struct {
	store     SourceStore
	contact   ContactClient
	validator Validator
	logger    *slog.Logger
}

func NewBroker(store SourceStore, contact ContactClient, validator Validator, logger *slog.Logger) *Broker {
	return &Broker{
		store:     store,
		contact:   contact,
		validator: validator,
		logger:    logger,
	}
}

// GroupAttributesByOptimalSource covers the requested attributes with as
// few sources as possible: repeatedly pick the service covering the most
// still-missing attributes, earlier-seen services winning ties. Groups
// come back in pick order; attributes nobody covers are left out.
func GroupAttributesByOptimalSource(sources map[string][]uuid.UUID) []SourceGroup {
	missing := make([]string, 0, len(sources))
	for attribute := range sources {
		missing = append(missing, attribute)
	}
	sort.Strings(missing)

	// Candidate services in first-seen order for deterministic ties.
	var candidates []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, attribute := range missing {
		for _, serviceID := range sources[attribute] {
			if !seen[serviceID] {
				seen[serviceID] = true
				candidates = append(candidates, serviceID)
			}
		}
	}

	var groups []SourceGroup
	for len(missing) > 0 {
		coverage := make(map[uuid.UUID]int)
		for _, attribute := range missing {
			for _, serviceID := range sources[attribute] {
				coverage[serviceID]++
			}
		}

		best := uuid.Nil
		bestCount := 0
		for _, serviceID := range candidates {
			if coverage[serviceID] > bestCount {
				best = serviceID
				bestCount = coverage[serviceID]
			}
		}
		if bestCount == 0 {
			break
		}

		var covered, remaining []string
		for _, attribute := range missing {
			if containsService(sources[attribute], best) {
				covered = append(covered, attribute)
			} else {
				remaining = append(remaining, attribute)
			}
		}
		groups = append(groups, SourceGroup{ServiceID: best, Attributes: covered})
		missing = remaining
	}
	return groups
}

func containsService(serviceIDs []uuid.UUID, serviceID uuid.UUID) bool {
	for _, id := range serviceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

// GetAttributes resolves values for the requested attributes. Sources that
// fail or return invalid values are struck off per attribute and the
// leftovers retried against the next best source, until nothing is left
// to try. Attributes that never resolve are absent from the result.
// excludeServiceID is struck off everywhere up front, so a service never
// answers its own request.
func (b *Broker) GetAttributes(ctx context.Context, username uuid.UUID, attributes []string, excludeServiceID uuid.UUID) (map[string]any, error) {
	allSources, err := b.store.GetSources(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up attribute sources: %w", err)
	}

	excluded := make(map[string]map[uuid.UUID]bool)
	pending := attributes

	// Every round strikes off at least one source per pending attribute,
	// so the distinct source count bounds the rounds.
	maxRounds := 0
	seen := make(map[uuid.UUID]bool)
	for _, serviceIDs := range allSources {
		for _, serviceID := range serviceIDs {
			if !seen[serviceID] {
				seen[serviceID] = true
				maxRounds++
			}
		}
	}

	result := make(map[string]any)
	for round := 0; len(pending) > 0 && round < maxRounds; round++ {
		candidates := make(map[string][]uuid.UUID)
		for _, attribute := range pending {
			for _, serviceID := range allSources[attribute] {
				if serviceID == excludeServiceID || excluded[attribute][serviceID] {
					continue
				}
				candidates[attribute] = append(candidates[attribute], serviceID)
			}
		}

		groups := GroupAttributesByOptimalSource(candidates)
		if len(groups) == 0 {
			break
		}

		var retry []string
		for _, group := range groups {
			values, err := b.contact.FetchAttributes(ctx, username, group.ServiceID, group.Attributes)
			if err != nil {
				b.logger.WarnContext(ctx, "attribute source contact failed",
					"service_id", group.ServiceID, "error", err)
			}

			for _, attribute := range group.Attributes {
				if excluded[attribute] == nil {
					excluded[attribute] = make(map[uuid.UUID]bool)
				}
				excluded[attribute][group.ServiceID] = true

				value, ok := values[attribute]
				if err != nil || values == nil || !ok || value == nil {
					retry = append(retry, attribute)
					continue
				}
				if !b.validator.Valid(ctx, attribute, value) {
					retry = append(retry, attribute)
					continue
				}
				result[attribute] = value
			}
		}
		pending = retry
	}
	return result, nil
}

// GetAllAuthorized resolves every attribute the user has a source for,
// excluding the requesting service as a source. It returns the resolved
// values and the full sorted attribute list, so callers can report the
// unresolved ones as unavailable.
func (b *Broker) GetAllAuthorized(ctx context.Context, username uuid.UUID, excludeServiceID uuid.UUID) (map[string]any, []string, error) {
	sources, err := b.store.GetSources(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up attribute sources: %w", err)
	}

	attributes := make([]string, 0, len(sources))
	for attribute := range sources {
		attributes = append(attributes, attribute)
	}
	sort.Strings(attributes)

	values, err := b.GetAttributes(ctx, username, attributes, excludeServiceID)
	if err != nil {
		return nil, nil, err
	}
	return values, attributes, nil
}

// RegisterSources records that the service stores the given attributes
// for the user.
func (b *Broker) RegisterSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error {
	return b.store.AddSources(ctx, username, serviceID, attributes)
}

// RemoveSources drops the service's registration for the given attributes.
func (b *Broker) RemoveSources(ctx context.Context, username uuid.UUID, serviceID uuid.UUID, attributes []string) error {
	return b.store.RemoveSources(ctx, username, serviceID, attributes)
}

// DisconnectService asks the service to delete the user's attributes and
// drops its source registrations. The deletion request queues a retry on
// failure.
func (b *Broker) DisconnectService(ctx context.Context, username uuid.UUID, serviceID uuid.UUID) error {
	b.contact.RequestAttributeDeletion(ctx, username, serviceID, true)
	return b.store.RemoveAllSources(ctx, username, serviceID)
}

// RetryPendingDeletions replays queued deletion requests. Entries are
// dropped on success and given up on after the retry window passes.
func (b *Broker) RetryPendingDeletions(ctx context.Context) error {
	pending, err := b.store.ListPendingDeletions(ctx)
	if err != nil {
		return fmt.Errorf("listing pending deletions: %w", err)
	}

	for _, deletion := range pending {
		success := b.contact.RequestAttributeDeletion(ctx, deletion.Username, deletion.ServiceID, false)
		if success || time.Since(deletion.InitiatedTime) > deletionRetryWindow {
			if err := b.store.RemoveDeletion(ctx, deletion.Username, deletion.ServiceID); err != nil {
				return fmt.Errorf("removing pending deletion: %w", err)
			}
		}
	}
	return nil
}
