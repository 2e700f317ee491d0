package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-ledger/internal/identity"
	"github.com/sells-group/entity-ledger/internal/model"
	"github.com/sells-group/entity-ledger/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return New(s, Options{}), s
}

func appendReq(name string, observedAt time.Time, specificity float64, fields map[string]model.Value) AppendRequest {
	return AppendRequest{
		EntityType:  "company",
		Name:        name,
		Source:      model.SourceRef{SourceID: "src-1", InterpretationRunID: "run-1"},
		ObservedAt:  observedAt,
		Specificity: specificity,
		Fields:      fields,
	}
}

func TestEngine_Append_IdentityHint(t *testing.T) {
	t.Parallel()
	e, s := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Append(ctx, appendReq("Acme Corp", base, 0.5,
		map[string]model.Value{"name": model.String("Acme Corp")}))
	require.NoError(t, err)

	// A normalization-equivalent name lands on the same entity.
	_, err = e.Append(ctx, appendReq(" acme   corp ", base.Add(time.Hour), 0.5,
		map[string]model.Value{"city": model.String("austin")}))
	require.NoError(t, err)

	ent, err := e.Resolve(ctx, mustEntityID(t, "company", "Acme Corp"))
	require.NoError(t, err)
	assert.Equal(t, "acme corp", ent.CanonicalName)

	all, err := s.ListAllObservations(ctx, ent.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEngine_Append_Validation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Append(ctx, AppendRequest{EntityType: "company", Name: "acme"})
	assert.True(t, model.IsValidation(err), "observed_at and fields are required")

	_, err = e.Append(ctx, appendReq("", time.Now(), 0.5,
		map[string]model.Value{"name": model.String("x")}))
	assert.True(t, model.IsValidation(err))
}

func TestEngine_Snapshot_ReadAfterWrite(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Append(ctx, appendReq("acme", base, 0.5,
		map[string]model.Value{"headcount": model.Number(40)}))
	require.NoError(t, err)
	id := mustEntityID(t, "company", "acme")

	snap, err := e.CurrentSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Number(40), snap.Fields["headcount"])

	// A later, more specific observation is visible immediately even
	// though the first snapshot was cached.
	_, err = e.Append(ctx, appendReq("acme", base.Add(time.Hour), 0.9,
		map[string]model.Value{"headcount": model.Number(45)}))
	require.NoError(t, err)

	snap, err = e.CurrentSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Number(45), snap.Fields["headcount"])
	assert.Equal(t, 2, snap.ObservationCount)
}

func TestEngine_Correct_WinsReduction(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Append(ctx, appendReq("acme", base, 0.9,
		map[string]model.Value{"headcount": model.Number(40), "city": model.String("austin")}))
	require.NoError(t, err)
	id := mustEntityID(t, "company", "acme")

	corrID, err := e.Correct(ctx, id, "", "headcount", model.Number(38))
	require.NoError(t, err)

	snap, err := e.CurrentSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Number(38), snap.Fields["headcount"])
	assert.Equal(t, corrID, snap.Provenance["headcount"])
	assert.Equal(t, model.String("austin"), snap.Fields["city"], "other fields untouched")

	// Later ordinary observations never displace the correction.
	_, err = e.Append(ctx, appendReq("acme", base.AddDate(0, 1, 0), 1.0,
		map[string]model.Value{"headcount": model.Number(50)}))
	require.NoError(t, err)

	snap, err = e.CurrentSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Number(38), snap.Fields["headcount"])

	_, err = e.Correct(ctx, id, "", "", model.Number(1))
	assert.True(t, model.IsValidation(err))
}

func TestEngine_SnapshotAt_Stable(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Append(ctx, appendReq("acme", base, 0.5,
		map[string]model.Value{"name": model.String("acme")}))
	require.NoError(t, err)
	id := mustEntityID(t, "company", "acme")

	cutoff := base.AddDate(0, 0, 10)
	before, err := e.SnapshotAt(ctx, id, cutoff)
	require.NoError(t, err)

	_, err = e.Append(ctx, appendReq("acme", base.AddDate(0, 1, 0), 1.0,
		map[string]model.Value{"name": model.String("acme corp")}))
	require.NoError(t, err)

	after, err := e.SnapshotAt(ctx, id, cutoff)
	require.NoError(t, err)
	assert.Equal(t, before.Fields, after.Fields, "as-of snapshots never change as the ledger grows")
	assert.Equal(t, before.Provenance, after.Provenance)

	current, err := e.CurrentSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.String("acme corp"), current.Fields["name"])
}

func TestEngine_Merge(t *testing.T) {
	t.Parallel()
	e, s := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		_, err := e.Append(ctx, appendReq("acme", base.Add(time.Duration(i)*time.Hour), 0.5,
			map[string]model.Value{"a": model.Number(float64(i))}))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := e.Append(ctx, appendReq("acme corporation", base.Add(time.Duration(i)*time.Minute), 0.5,
			map[string]model.Value{"b": model.Number(float64(i))}))
		require.NoError(t, err)
	}

	fromID := mustEntityID(t, "company", "acme")
	toID := mustEntityID(t, "company", "acme corporation")

	receipt, err := e.Merge(ctx, MergeRequest{FromID: fromID, ToID: toID, RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.ObservationsMoved)

	snap, err := e.CurrentSnapshot(ctx, toID)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.ObservationCount, "survivor reduces over the union")

	t.Run("merged id reads fail with redirect", func(t *testing.T) {
		_, err := e.CurrentSnapshot(ctx, fromID)
		require.True(t, model.IsMerged(err))

		_, err = e.ListObservations(ctx, fromID, 0, 0)
		assert.True(t, model.IsMerged(err))
	})

	t.Run("merged id writes redirect to survivor", func(t *testing.T) {
		_, err := e.Append(ctx, AppendRequest{
			EntityID:    fromID,
			Source:      model.SourceRef{SourceID: "src-2"},
			ObservedAt:  base.AddDate(0, 2, 0),
			Specificity: 0.5,
			Fields:      map[string]model.Value{"c": model.Number(9)},
		})
		require.NoError(t, err)

		all, err := s.ListAllObservations(ctx, toID, nil)
		require.NoError(t, err)
		assert.Len(t, all, 6)
	})

	t.Run("identity hint for the merged name redirects", func(t *testing.T) {
		ent, err := e.resolveForWrite(ctx, "", "company", "acme")
		require.NoError(t, err)
		assert.Equal(t, toID, ent.ID)
	})

	t.Run("replay returns original receipt", func(t *testing.T) {
		again, err := e.Merge(ctx, MergeRequest{FromID: fromID, ToID: toID, RequestID: "req-1"})
		require.NoError(t, err)
		assert.Equal(t, receipt.ObservationsMoved, again.ObservationsMoved)
	})
}

func TestEngine_Merge_ConcurrentSamePair(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Append(ctx, appendReq("left", base, 0.5, map[string]model.Value{"a": model.Number(1)}))
	require.NoError(t, err)
	_, err = e.Append(ctx, appendReq("right", base, 0.5, map[string]model.Value{"b": model.Number(2)}))
	require.NoError(t, err)

	fromID := mustEntityID(t, "company", "left")
	toID := mustEntityID(t, "company", "right")

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct request ids: only the first merge may succeed.
			_, errs[i] = e.Merge(ctx, MergeRequest{FromID: fromID, ToID: toID})
		}(i)
	}
	wg.Wait()

	var ok, merged int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case model.IsMerged(err):
			merged++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one concurrent merge wins")
	assert.Equal(t, n-1, merged)
}

func TestEngine_Merge_Validation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Merge(ctx, MergeRequest{FromID: "", ToID: "x"})
	assert.True(t, model.IsValidation(err))

	_, err = e.Merge(ctx, MergeRequest{FromID: "missing", ToID: "also-missing", RequestID: "r"})
	assert.True(t, model.IsNotFound(err))
}

func TestEngine_FieldProvenance(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Append(ctx, appendReq("acme", base, 0.2,
		map[string]model.Value{"headcount": model.Number(40)}))
	require.NoError(t, err)
	winID, err := e.Append(ctx, appendReq("acme", base.Add(time.Hour), 0.9,
		map[string]model.Value{"headcount": model.Number(45)}))
	require.NoError(t, err)
	id := mustEntityID(t, "company", "acme")

	obs, err := e.FieldProvenance(ctx, id, "headcount")
	require.NoError(t, err)
	assert.Equal(t, winID, obs.ID)
	assert.Equal(t, "src-1", obs.Source.SourceID)
	assert.Equal(t, 0.9, obs.Specificity)

	_, err = e.FieldProvenance(ctx, id, "revenue")
	assert.True(t, model.IsNotFound(err))

	_, err = e.FieldProvenance(ctx, id, "")
	assert.True(t, model.IsValidation(err))
}

func TestEngine_Timeline_Derivation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	founded := time.Date(2009, 6, 1, 0, 0, 0, 0, time.UTC)

	req := appendReq("acme", base, 0.5, map[string]model.Value{
		"name":       model.String("acme"),
		"founded_at": model.Timestamp(founded),
	})
	_, err := e.Append(ctx, req)
	require.NoError(t, err)
	id := mustEntityID(t, "company", "acme")

	events, err := e.Timeline(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "only timestamp fields derive events")
	assert.Equal(t, "field_date", events[0].Type)
	assert.True(t, events[0].OccurredAt.Equal(founded))
	assert.Equal(t, "founded_at", events[0].Properties["field"])

	// The same fact from the same source re-observed is one event, even
	// when the timestamp differs within the same calendar date.
	req.ObservedAt = base.Add(time.Hour)
	req.Fields["founded_at"] = model.Timestamp(founded.Add(3 * time.Hour))
	_, err = e.Append(ctx, req)
	require.NoError(t, err)

	events, err = e.Timeline(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEngine_RegisterSource(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, deduped, err := e.RegisterSource(ctx, model.SourceMaterial{
		OwnerID:     "owner-1",
		ContentHash: "hash-1",
	})
	require.NoError(t, err)
	assert.False(t, deduped)

	second, deduped, err := e.RegisterSource(ctx, model.SourceMaterial{
		OwnerID:     "owner-1",
		ContentHash: "hash-1",
	})
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, first.ID, second.ID)
}

func TestPairLocks_OrderIndependent(t *testing.T) {
	t.Parallel()
	locks := newPairLocks()

	// (a,b) and (b,a) share a lock: the second acquire must block until
	// the first releases.
	unlock := locks.lockPair("a", "b")
	acquired := make(chan struct{})
	go func() {
		u := locks.lockPair("b", "a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("reversed pair acquired the lock while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reversed pair never acquired the lock")
	}
}

func mustEntityID(t *testing.T, entityType, name string) string {
	t.Helper()
	id, err := identity.EntityID(entityType, name)
	require.NoError(t, err)
	return id
}
