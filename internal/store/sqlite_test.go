package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-ledger/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEntity(t *testing.T, s *SQLiteStore, id, entityType string) {
	t.Helper()
	_, err := s.EnsureEntity(context.Background(), model.Entity{
		ID:            id,
		Type:          entityType,
		CanonicalName: id,
	})
	require.NoError(t, err)
}

func testObs(entityID string, observedAt time.Time, fields map[string]model.Value) model.Observation {
	return model.Observation{
		EntityID:      entityID,
		EntityType:    "company",
		SchemaVersion: 1,
		Source:        model.SourceRef{SourceID: "src-1", InterpretationRunID: "run-1"},
		ObservedAt:    observedAt,
		Specificity:   0.5,
		Priority:      model.PriorityExtraction,
		Fields:        fields,
	}
}

func TestSQLiteStore_RegisterSource_Dedup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, deduped, err := s.RegisterSource(ctx, model.SourceMaterial{
		OwnerID:     "owner-1",
		ContentHash: "abc123",
		MimeType:    "application/pdf",
	})
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEmpty(t, first.ID)

	second, deduped, err := s.RegisterSource(ctx, model.SourceMaterial{
		OwnerID:     "owner-1",
		ContentHash: "abc123",
	})
	require.NoError(t, err)
	assert.True(t, deduped, "same owner and hash must dedupe")
	assert.Equal(t, first.ID, second.ID)

	// A different owner with the same hash is a distinct source.
	third, deduped, err := s.RegisterSource(ctx, model.SourceMaterial{
		OwnerID:     "owner-2",
		ContentHash: "abc123",
	})
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, first.ID, third.ID)

	got, err := s.GetSource(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", got.MimeType)

	_, err = s.GetSource(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestSQLiteStore_EnsureEntity_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureEntity(ctx, model.Entity{
		ID:            "ent-1",
		Type:          "company",
		CanonicalName: "acme corp",
		Aliases:       []string{"Acme Corp"},
	})
	require.NoError(t, err)

	// Re-ensuring returns the existing row untouched.
	second, err := s.EnsureEntity(ctx, model.Entity{
		ID:            "ent-1",
		Type:          "company",
		CanonicalName: "different name",
	})
	require.NoError(t, err)
	assert.Equal(t, first.CanonicalName, second.CanonicalName)
	assert.Equal(t, []string{"Acme Corp"}, second.Aliases)

	_, err = s.GetEntity(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "company")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	// Insert out of chronological order to prove ordering comes from
	// observed_at, not insertion order.
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		id, err := s.AppendObservation(ctx, testObs("ent-1", base.Add(offset), map[string]model.Value{
			"name": model.String("acme"),
		}))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Len(t, ids, 3)

	got, err := s.ListObservations(ctx, "ent-1", ObservationQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].ObservedAt.Before(got[1].ObservedAt))
	assert.True(t, got[1].ObservedAt.Before(got[2].ObservedAt))

	t.Run("pagination is stable", func(t *testing.T) {
		page1, err := s.ListObservations(ctx, "ent-1", ObservationQuery{Limit: 2})
		require.NoError(t, err)
		page2, err := s.ListObservations(ctx, "ent-1", ObservationQuery{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)
		require.Len(t, page2, 1)
		assert.Equal(t, got[0].ID, page1[0].ID)
		assert.Equal(t, got[2].ID, page2[0].ID)
	})

	t.Run("observed_at cutoff", func(t *testing.T) {
		cutoff := base.Add(time.Hour)
		got, err := s.ListObservations(ctx, "ent-1", ObservationQuery{ObservedAtMax: &cutoff})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("fields round trip", func(t *testing.T) {
		assert.Equal(t, model.String("acme"), got[0].Fields["name"])
	})

	t.Run("list all ignores default limit", func(t *testing.T) {
		all, err := s.ListAllObservations(ctx, "ent-1", nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestSQLiteStore_AppendObservations_Bulk(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "company")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []model.Observation{
		testObs("ent-1", base, map[string]model.Value{"a": model.Number(1)}),
		testObs("ent-1", base.Add(time.Hour), map[string]model.Value{"b": model.Number(2)}),
	}
	ids, err := s.AppendObservations(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	got, err := s.ListAllObservations(ctx, "ent-1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// An invalid observation aborts the whole batch.
	bad := testObs("ent-1", base, nil)
	_, err = s.AppendObservations(ctx, []model.Observation{
		testObs("ent-1", base.Add(2*time.Hour), map[string]model.Value{"c": model.Number(3)}),
		bad,
	})
	assert.True(t, model.IsValidation(err))

	got, err = s.ListAllObservations(ctx, "ent-1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2, "failed batch must not partially apply")
}

func TestSQLiteStore_MergeEntities(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "from", "company")
	seedEntity(t, s, "to", "company")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := s.AppendObservation(ctx, testObs("from", base.Add(time.Duration(i)*time.Hour),
			map[string]model.Value{"a": model.Number(float64(i))}))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.AppendObservation(ctx, testObs("to", base.Add(time.Duration(i)*time.Minute),
			map[string]model.Value{"b": model.Number(float64(i))}))
		require.NoError(t, err)
	}

	receipt, err := s.MergeEntities(ctx, "from", "to", "req-1", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.ObservationsMoved)

	all, err := s.ListAllObservations(ctx, "to", nil)
	require.NoError(t, err)
	assert.Len(t, all, 5, "surviving entity owns every observation")

	orphaned, err := s.ListAllObservations(ctx, "from", nil)
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	from, err := s.GetEntity(ctx, "from")
	require.NoError(t, err)
	require.True(t, from.Merged())
	assert.Equal(t, "to", *from.MergedInto)

	t.Run("replayed request returns original receipt", func(t *testing.T) {
		again, err := s.MergeEntities(ctx, "from", "to", "req-1", "duplicate")
		require.NoError(t, err)
		assert.Equal(t, receipt.ObservationsMoved, again.ObservationsMoved)
		assert.WithinDuration(t, receipt.MergedAt, again.MergedAt, time.Second)
	})

	t.Run("request id reuse with different pair rejected", func(t *testing.T) {
		seedEntity(t, s, "other", "company")
		_, err := s.MergeEntities(ctx, "other", "to", "req-1", "")
		assert.True(t, model.IsValidation(err))
	})

	t.Run("merging an already merged entity fails", func(t *testing.T) {
		seedEntity(t, s, "third", "company")
		_, err := s.MergeEntities(ctx, "from", "third", "req-2", "")
		assert.True(t, model.IsMerged(err))
	})
}

func TestSQLiteStore_MergeEntities_Validation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "a", "company")
	seedEntity(t, s, "p", "person")

	_, err := s.MergeEntities(ctx, "a", "a", "req-1", "")
	assert.True(t, model.IsValidation(err))

	_, err = s.MergeEntities(ctx, "a", "p", "req-2", "")
	assert.True(t, model.IsValidation(err), "cross-type merges are rejected")

	_, err = s.MergeEntities(ctx, "a", "missing", "req-3", "")
	assert.True(t, model.IsNotFound(err))

	_, err = s.MergeEntities(ctx, "a", "p", "", "")
	assert.True(t, model.IsValidation(err))
}

func TestSQLiteStore_Relationships(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "a", "company")
	seedEntity(t, s, "b", "company")
	seedEntity(t, s, "c", "company")

	id, err := s.CreateRelationship(ctx, model.Relationship{
		Type:     model.RelationDependsOn,
		SourceID: "a",
		TargetID: "b",
		Metadata: map[string]string{"note": "build order"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.CreateRelationship(ctx, model.Relationship{
		Type:     model.RelationDependsOn,
		SourceID: "b",
		TargetID: "c",
	})
	require.NoError(t, err)

	t.Run("duplicate edge rejected", func(t *testing.T) {
		_, err := s.CreateRelationship(ctx, model.Relationship{
			Type:     model.RelationDependsOn,
			SourceID: "a",
			TargetID: "b",
		})
		assert.True(t, model.IsValidation(err))
	})

	t.Run("unknown entity rejected", func(t *testing.T) {
		_, err := s.CreateRelationship(ctx, model.Relationship{
			Type:     model.RelationRelatedTo,
			SourceID: "a",
			TargetID: "missing",
		})
		assert.True(t, model.IsNotFound(err))
	})

	t.Run("direction filters", func(t *testing.T) {
		out, err := s.ListRelationships(ctx, "b", RelationshipQuery{Direction: model.DirectionOut})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "c", out[0].TargetID)

		in, err := s.ListRelationships(ctx, "b", RelationshipQuery{Direction: model.DirectionIn})
		require.NoError(t, err)
		require.Len(t, in, 1)
		assert.Equal(t, "a", in[0].SourceID)

		both, err := s.ListRelationships(ctx, "b", RelationshipQuery{})
		require.NoError(t, err)
		assert.Len(t, both, 2)
	})

	t.Run("type filter", func(t *testing.T) {
		got, err := s.ListRelationships(ctx, "a", RelationshipQuery{Type: model.RelationRelatedTo})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("metadata round trip", func(t *testing.T) {
		got, err := s.ListRelationships(ctx, "a", RelationshipQuery{Direction: model.DirectionOut})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "build order", got[0].Metadata["note"])
	})

	t.Run("list by type sees every edge", func(t *testing.T) {
		got, err := s.ListRelationshipsByType(ctx, model.RelationDependsOn)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestSQLiteStore_TimelineEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ev := model.TimelineEvent{
		ID:         "ev-1",
		Type:       "field_date",
		OccurredAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Source:     model.SourceRef{SourceID: "src-1"},
		EntityIDs:  []string{"ent-1", "ent-2"},
		Properties: map[string]string{"field": "founded_at"},
	}

	created, err := s.PutTimelineEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	// Same deterministic id: no-op.
	created, err = s.PutTimelineEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)

	for _, entityID := range []string{"ent-1", "ent-2"} {
		got, err := s.ListTimelineEvents(ctx, entityID, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ev-1", got[0].ID)
		assert.Equal(t, "founded_at", got[0].Properties["field"])
	}

	got, err := s.ListTimelineEvents(ctx, "ent-3", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.PutTimelineEvent(ctx, model.TimelineEvent{})
	assert.True(t, model.IsValidation(err))
}
