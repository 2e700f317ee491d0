package store

import (
	"context"
	"time"

	"github.com/sells-group/entity-ledger/internal/model"
)

// ObservationQuery filters and paginates the observation ledger.
// Results are always ordered observed_at ascending, then id ascending,
// so identical queries over a fixed ledger return identical pages.
type ObservationQuery struct {
	ObservedAtMax *time.Time `json:"observed_at_max,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// RelationshipQuery filters and paginates relationship listings.
type RelationshipQuery struct {
	Direction model.Direction    `json:"direction,omitempty"`
	Type      model.RelationType `json:"type,omitempty"`
	Limit     int                `json:"limit,omitempty"`
	Offset    int                `json:"offset,omitempty"`
}

// Store defines the persistence interface for the observation ledger,
// entities, relationships, and derived timeline events.
type Store interface {
	// Source material
	RegisterSource(ctx context.Context, sm model.SourceMaterial) (*model.SourceMaterial, bool, error)
	GetSource(ctx context.Context, id string) (*model.SourceMaterial, error)

	// Entities
	EnsureEntity(ctx context.Context, e model.Entity) (*model.Entity, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)

	// Observation ledger (append-only)
	AppendObservation(ctx context.Context, obs model.Observation) (string, error)
	AppendObservations(ctx context.Context, obs []model.Observation) ([]string, error)
	ListObservations(ctx context.Context, entityID string, q ObservationQuery) ([]model.Observation, error)
	// ListAllObservations returns the entity's full candidate set for
	// reduction, without pagination.
	ListAllObservations(ctx context.Context, entityID string, observedAtMax *time.Time) ([]model.Observation, error)

	// Merge (atomic, idempotent by request id)
	MergeEntities(ctx context.Context, fromID, toID, requestID, reason string) (*model.MergeReceipt, error)

	// Relationships
	CreateRelationship(ctx context.Context, rel model.Relationship) (string, error)
	ListRelationships(ctx context.Context, entityID string, q RelationshipQuery) ([]model.Relationship, error)
	ListRelationshipsByType(ctx context.Context, relType model.RelationType) ([]model.Relationship, error)

	// Timeline events (idempotent by deterministic id)
	PutTimelineEvent(ctx context.Context, ev model.TimelineEvent) (bool, error)
	ListTimelineEvents(ctx context.Context, entityID string, limit, offset int) ([]model.TimelineEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// defaultLimit bounds list results when the caller does not supply one.
const defaultLimit = 100

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}
