package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-ledger/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func entityRow(id, entityType string, mergedInto any) *pgxmock.Rows {
	// pgxmock scans into a *string destination only from a *string value,
	// so wrap plain strings in a pointer.
	if s, ok := mergedInto.(string); ok {
		mergedInto = &s
	}
	return pgxmock.NewRows([]string{"id", "entity_type", "canonical_name", "aliases", "merged_into", "created_at"}).
		AddRow(id, entityType, id, []byte(`[]`), mergedInto, time.Now().UTC())
}

func TestPostgresStore_GetEntity(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at FROM entities`).
		WithArgs("ent-1").
		WillReturnRows(entityRow("ent-1", "company", nil))

	got, err := s.GetEntity(context.Background(), "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "company", got.Type)
	assert.False(t, got.Merged())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at FROM entities`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetEntity(context.Background(), "missing")
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterSource_Dedup(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO source_materials`).
		WithArgs(pgxmock.AnyArg(), "owner-1", "hash-1", "text/html", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id, owner_id, content_hash, mime_type, created_at FROM source_materials`).
		WithArgs("owner-1", "hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "owner_id", "content_hash", "mime_type", "created_at"}).
			AddRow("existing-id", "owner-1", "hash-1", "text/html", time.Now().UTC()))

	got, deduped, err := s.RegisterSource(context.Background(), model.SourceMaterial{
		OwnerID:     "owner-1",
		ContentHash: "hash-1",
		MimeType:    "text/html",
	})
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, "existing-id", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendObservation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO observations`).
		WithArgs(pgxmock.AnyArg(), "ent-1", "company", 1, "src-1", "run-1",
			pgxmock.AnyArg(), 0.5, 100, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.AppendObservation(context.Background(), testObs("ent-1",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		map[string]model.Value{"name": model.String("acme")}))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendObservations_Copy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"observations"}, observationColumns).WillReturnResult(2)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids, err := s.AppendObservations(context.Background(), []model.Observation{
		testObs("ent-1", base, map[string]model.Value{"a": model.Number(1)}),
		testObs("ent-1", base.Add(time.Hour), map[string]model.Value{"b": model.Number(2)}),
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeEntities(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT request_id, from_id, to_id, reason, observations_moved, merged_at`).
		WithArgs("req-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at`).
		WithArgs("from").
		WillReturnRows(entityRow("from", "company", nil))
	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at`).
		WithArgs("to").
		WillReturnRows(entityRow("to", "company", nil))
	mock.ExpectExec(`UPDATE observations SET entity_id`).
		WithArgs("to", "from").
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	mock.ExpectExec(`UPDATE entities SET merged_into`).
		WithArgs("to", "from").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO merge_receipts`).
		WithArgs("req-1", "from", "to", "dup", 4, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	receipt, err := s.MergeEntities(context.Background(), "from", "to", "req-1", "dup")
	require.NoError(t, err)
	assert.Equal(t, 4, receipt.ObservationsMoved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeEntities_ReplayReturnsReceipt(t *testing.T) {
	s, mock := newMockStore(t)

	mergedAt := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT request_id, from_id, to_id, reason, observations_moved, merged_at`).
		WithArgs("req-1").
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "from_id", "to_id", "reason", "observations_moved", "merged_at"}).
			AddRow("req-1", "from", "to", "dup", 4, mergedAt))
	mock.ExpectRollback()

	receipt, err := s.MergeEntities(context.Background(), "from", "to", "req-1", "dup")
	require.NoError(t, err)
	assert.Equal(t, 4, receipt.ObservationsMoved)
	assert.True(t, mergedAt.Equal(receipt.MergedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeEntities_MergedSourceRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT request_id, from_id, to_id, reason, observations_moved, merged_at`).
		WithArgs("req-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at`).
		WithArgs("from").
		WillReturnRows(entityRow("from", "company", "elsewhere"))
	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at`).
		WithArgs("to").
		WillReturnRows(entityRow("to", "company", nil))
	mock.ExpectRollback()

	_, err := s.MergeEntities(context.Background(), "from", "to", "req-1", "")
	require.True(t, model.IsMerged(err))
	var merged *model.MergedError
	require.ErrorAs(t, err, &merged)
	assert.Equal(t, "elsewhere", merged.MergedInto)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRelationship_DuplicateRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at`).
		WithArgs("a").
		WillReturnRows(entityRow("a", "company", nil))
	mock.ExpectQuery(`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at`).
		WithArgs("b").
		WillReturnRows(entityRow("b", "company", nil))
	mock.ExpectExec(`INSERT INTO relationships`).
		WithArgs(pgxmock.AnyArg(), "depends_on", "a", "b", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateRelationship(context.Background(), model.Relationship{
		Type:     model.RelationDependsOn,
		SourceID: "a",
		TargetID: "b",
	})
	assert.True(t, model.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListObservations(t *testing.T) {
	s, mock := newMockStore(t)

	fields, err := json.Marshal(map[string]model.Value{"name": model.String("acme")})
	require.NoError(t, err)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, entity_id, entity_type, schema_version`).
		WithArgs("ent-1", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "entity_id", "entity_type", "schema_version", "source_id",
			"interpretation_run_id", "observed_at", "specificity", "priority", "fields", "created_at",
		}).AddRow("o1", "ent-1", "company", 1, "src-1", "run-1", now, 0.5, 100, fields, now))

	got, err := s.ListObservations(context.Background(), "ent-1", ObservationQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.String("acme"), got[0].Fields["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutTimelineEvent_Idempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO timeline_events`).
		WithArgs("ev-1", "field_date", pgxmock.AnyArg(), "src-1", pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.PutTimelineEvent(context.Background(), model.TimelineEvent{
		ID:         "ev-1",
		Type:       "field_date",
		OccurredAt: time.Now().UTC(),
		Source:     model.SourceRef{SourceID: "src-1"},
		EntityIDs:  []string{"ent-1"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
