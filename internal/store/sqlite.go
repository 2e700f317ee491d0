package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/entity-ledger/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_materials (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	mime_type    TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	UNIQUE(owner_id, content_hash)
);

CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	aliases        TEXT NOT NULL DEFAULT '[]',
	merged_into    TEXT REFERENCES entities(id),
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id                    TEXT PRIMARY KEY,
	entity_id             TEXT NOT NULL REFERENCES entities(id),
	entity_type           TEXT NOT NULL,
	schema_version        INTEGER NOT NULL DEFAULT 1,
	source_id             TEXT NOT NULL,
	interpretation_run_id TEXT NOT NULL DEFAULT '',
	observed_at           DATETIME NOT NULL,
	specificity           REAL NOT NULL,
	priority              INTEGER NOT NULL,
	fields                TEXT NOT NULL,
	created_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS relationships (
	id         TEXT PRIMARY KEY,
	rel_type   TEXT NOT NULL,
	source_id  TEXT NOT NULL REFERENCES entities(id),
	target_id  TEXT NOT NULL REFERENCES entities(id),
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	UNIQUE(rel_type, source_id, target_id)
);

CREATE TABLE IF NOT EXISTS timeline_events (
	id                    TEXT PRIMARY KEY,
	event_type            TEXT NOT NULL,
	occurred_at           DATETIME NOT NULL,
	source_id             TEXT NOT NULL,
	interpretation_run_id TEXT NOT NULL DEFAULT '',
	entity_ids            TEXT NOT NULL,
	properties            TEXT NOT NULL DEFAULT '{}',
	created_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_receipts (
	request_id         TEXT PRIMARY KEY,
	from_id            TEXT NOT NULL REFERENCES entities(id),
	to_id              TEXT NOT NULL REFERENCES entities(id),
	reason             TEXT NOT NULL DEFAULT '',
	observations_moved INTEGER NOT NULL,
	merged_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id, observed_at, id);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(rel_type);
CREATE INDEX IF NOT EXISTS idx_timeline_events_occurred ON timeline_events(occurred_at, id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RegisterSource(ctx context.Context, sm model.SourceMaterial) (*model.SourceMaterial, bool, error) {
	if err := sm.Validate(); err != nil {
		return nil, false, err
	}
	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}
	sm.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO source_materials (id, owner_id, content_hash, mime_type, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, content_hash) DO NOTHING`,
		sm.ID, sm.OwnerID, sm.ContentHash, sm.MimeType, sm.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: register source")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, content_hash, mime_type, created_at FROM source_materials
		 WHERE owner_id = ? AND content_hash = ?`,
		sm.OwnerID, sm.ContentHash,
	)
	var got model.SourceMaterial
	if err := row.Scan(&got.ID, &got.OwnerID, &got.ContentHash, &got.MimeType, &got.CreatedAt); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: scan source")
	}
	return &got, n == 0, nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.SourceMaterial, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, content_hash, mime_type, created_at FROM source_materials WHERE id = ?`,
		id,
	)
	var sm model.SourceMaterial
	err := row.Scan(&sm.ID, &sm.OwnerID, &sm.ContentHash, &sm.MimeType, &sm.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Kind: "source", ID: id}
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get source")
	}
	return &sm, nil
}

func (s *SQLiteStore) EnsureEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	if e.ID == "" {
		return nil, &model.ValidationError{Msg: "entity id is required"}
	}
	aliasJSON, err := json.Marshal(orEmpty(e.Aliases))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal aliases")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, entity_type, canonical_name, aliases, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Type, e.CanonicalName, string(aliasJSON), time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: ensure entity")
	}
	return s.GetEntity(ctx, e.ID)
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at FROM entities WHERE id = ?`,
		id,
	)
	return scanEntity(row, id)
}

func (s *SQLiteStore) AppendObservation(ctx context.Context, obs model.Observation) (string, error) {
	if err := obs.Validate(); err != nil {
		return "", err
	}
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	obs.CreatedAt = time.Now().UTC()

	fieldsJSON, err := json.Marshal(obs.Fields)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO observations
		 (id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
		  observed_at, specificity, priority, fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.EntityID, obs.EntityType, obs.SchemaVersion,
		obs.Source.SourceID, obs.Source.InterpretationRunID,
		obs.ObservedAt.UTC(), obs.Specificity, obs.Priority, string(fieldsJSON), obs.CreatedAt,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: append observation for entity %s", obs.EntityID)
	}
	return obs.ID, nil
}

func (s *SQLiteStore) AppendObservations(ctx context.Context, obs []model.Observation) ([]string, error) {
	if len(obs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: bulk append begin tx")
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(obs))
	for _, o := range obs {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		fieldsJSON, err := json.Marshal(o.Fields)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal fields")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observations
			 (id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
			  observed_at, specificity, priority, fields, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.EntityID, o.EntityType, o.SchemaVersion,
			o.Source.SourceID, o.Source.InterpretationRunID,
			o.ObservedAt.UTC(), o.Specificity, o.Priority, string(fieldsJSON), time.Now().UTC(),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: bulk append observation for entity %s", o.EntityID)
		}
		ids = append(ids, o.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: bulk append commit")
	}
	return ids, nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, entityID string, q ObservationQuery) ([]model.Observation, error) {
	query := `SELECT id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
	          observed_at, specificity, priority, fields, created_at
	          FROM observations WHERE entity_id = ?`
	args := []any{entityID}

	if q.ObservedAtMax != nil {
		query += ` AND observed_at <= ?`
		args = append(args, q.ObservedAtMax.UTC())
	}
	query += ` ORDER BY observed_at ASC, id ASC LIMIT ?`
	args = append(args, effectiveLimit(q.Limit))
	if q.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list observations iterate")
}

func (s *SQLiteStore) ListAllObservations(ctx context.Context, entityID string, observedAtMax *time.Time) ([]model.Observation, error) {
	query := `SELECT id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
	          observed_at, specificity, priority, fields, created_at
	          FROM observations WHERE entity_id = ?`
	args := []any{entityID}
	if observedAtMax != nil {
		query += ` AND observed_at <= ?`
		args = append(args, observedAtMax.UTC())
	}
	query += ` ORDER BY observed_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list all observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list all observations iterate")
}

func (s *SQLiteStore) MergeEntities(ctx context.Context, fromID, toID, requestID, reason string) (*model.MergeReceipt, error) {
	if requestID == "" {
		return nil, &model.ValidationError{Msg: "merge request id is required"}
	}
	if fromID == toID {
		return nil, &model.ValidationError{Msg: "cannot merge an entity into itself"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: merge begin tx")
	}
	defer tx.Rollback()

	// Replayed request: return the original receipt untouched.
	if r, err := scanReceipt(tx.QueryRowContext(ctx,
		`SELECT request_id, from_id, to_id, reason, observations_moved, merged_at
		 FROM merge_receipts WHERE request_id = ?`, requestID)); err == nil {
		if r.FromID != fromID || r.ToID != toID {
			return nil, &model.ValidationError{Msg: "merge request id reused with a different entity pair"}
		}
		return r, nil
	} else if err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: merge lookup receipt")
	}

	from, err := scanEntity(tx.QueryRowContext(ctx,
		`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at FROM entities WHERE id = ?`, fromID), fromID)
	if err != nil {
		return nil, err
	}
	to, err := scanEntity(tx.QueryRowContext(ctx,
		`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at FROM entities WHERE id = ?`, toID), toID)
	if err != nil {
		return nil, err
	}
	if from.Merged() {
		return nil, &model.MergedError{EntityID: from.ID, MergedInto: *from.MergedInto}
	}
	if to.Merged() {
		return nil, &model.MergedError{EntityID: to.ID, MergedInto: *to.MergedInto}
	}
	if from.Type != to.Type {
		return nil, &model.ValidationError{Msg: "cannot merge entities of different types"}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE observations SET entity_id = ? WHERE entity_id = ?`, toID, fromID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: merge move observations")
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: merge rows affected")
	}

	receipt := &model.MergeReceipt{
		RequestID:         requestID,
		FromID:            fromID,
		ToID:              toID,
		Reason:            reason,
		ObservationsMoved: int(moved),
		MergedAt:          time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET merged_into = ? WHERE id = ?`, toID, fromID); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge mark entity")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merge_receipts (request_id, from_id, to_id, reason, observations_moved, merged_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		receipt.RequestID, receipt.FromID, receipt.ToID, receipt.Reason,
		receipt.ObservationsMoved, receipt.MergedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge insert receipt")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge commit")
	}
	return receipt, nil
}

func (s *SQLiteStore) CreateRelationship(ctx context.Context, rel model.Relationship) (string, error) {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	metaJSON, err := json.Marshal(orEmptyMap(rel.Metadata))
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal metadata")
	}

	for _, id := range []string{rel.SourceID, rel.TargetID} {
		if _, err := s.GetEntity(ctx, id); err != nil {
			return "", err
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relationships (id, rel_type, source_id, target_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rel.ID, string(rel.Type), rel.SourceID, rel.TargetID, string(metaJSON), time.Now().UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", &model.ValidationError{Msg: "relationship already exists"}
		}
		return "", eris.Wrap(err, "sqlite: create relationship")
	}
	return rel.ID, nil
}

func (s *SQLiteStore) ListRelationships(ctx context.Context, entityID string, q RelationshipQuery) ([]model.Relationship, error) {
	query := `SELECT id, rel_type, source_id, target_id, metadata, created_at FROM relationships WHERE `
	var args []any

	switch q.Direction {
	case model.DirectionOut:
		query += `source_id = ?`
		args = append(args, entityID)
	case model.DirectionIn:
		query += `target_id = ?`
		args = append(args, entityID)
	default:
		query += `(source_id = ? OR target_id = ?)`
		args = append(args, entityID, entityID)
	}
	if q.Type != "" {
		query += ` AND rel_type = ?`
		args = append(args, string(q.Type))
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, effectiveLimit(q.Limit))
	if q.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, q.Offset)
	}

	return s.queryRelationships(ctx, query, args...)
}

func (s *SQLiteStore) ListRelationshipsByType(ctx context.Context, relType model.RelationType) ([]model.Relationship, error) {
	return s.queryRelationships(ctx,
		`SELECT id, rel_type, source_id, target_id, metadata, created_at FROM relationships
		 WHERE rel_type = ? ORDER BY created_at ASC, id ASC`,
		string(relType),
	)
}

func (s *SQLiteStore) queryRelationships(ctx context.Context, query string, args ...any) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list relationships")
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var metaJSON string
		if err := rows.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &metaJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan relationship")
		}
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list relationships iterate")
}

func (s *SQLiteStore) PutTimelineEvent(ctx context.Context, ev model.TimelineEvent) (bool, error) {
	if ev.ID == "" {
		return false, &model.ValidationError{Msg: "timeline event id is required"}
	}
	idsJSON, err := json.Marshal(orEmpty(ev.EntityIDs))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal entity ids")
	}
	propsJSON, err := json.Marshal(orEmptyMap(ev.Properties))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal properties")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timeline_events
		 (id, event_type, occurred_at, source_id, interpretation_run_id, entity_ids, properties, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Type, ev.OccurredAt.UTC(), ev.Source.SourceID, ev.Source.InterpretationRunID,
		string(idsJSON), string(propsJSON), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: put timeline event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListTimelineEvents(ctx context.Context, entityID string, limit, offset int) ([]model.TimelineEvent, error) {
	query := `SELECT id, event_type, occurred_at, source_id, interpretation_run_id, entity_ids, properties, created_at
	          FROM timeline_events
	          WHERE EXISTS (SELECT 1 FROM json_each(timeline_events.entity_ids) WHERE json_each.value = ?)
	          ORDER BY occurred_at ASC, id ASC LIMIT ?`
	args := []any{entityID, effectiveLimit(limit)}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list timeline events")
	}
	defer rows.Close()

	var out []model.TimelineEvent
	for rows.Next() {
		var ev model.TimelineEvent
		var idsJSON, propsJSON string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.OccurredAt, &ev.Source.SourceID,
			&ev.Source.InterpretationRunID, &idsJSON, &propsJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan timeline event")
		}
		if err := json.Unmarshal([]byte(idsJSON), &ev.EntityIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal entity ids")
		}
		if err := json.Unmarshal([]byte(propsJSON), &ev.Properties); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal properties")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list timeline events iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable, id string) (*model.Entity, error) {
	var e model.Entity
	var aliasJSON string
	var mergedInto sql.NullString

	err := row.Scan(&e.ID, &e.Type, &e.CanonicalName, &aliasJSON, &mergedInto, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &model.NotFoundError{Kind: "entity", ID: id}
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entity")
	}
	if err := json.Unmarshal([]byte(aliasJSON), &e.Aliases); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal aliases")
	}
	if mergedInto.Valid && mergedInto.String != "" {
		e.MergedInto = &mergedInto.String
	}
	return &e, nil
}

func scanObservation(row scannable) (*model.Observation, error) {
	var o model.Observation
	var fieldsJSON string
	err := row.Scan(&o.ID, &o.EntityID, &o.EntityType, &o.SchemaVersion,
		&o.Source.SourceID, &o.Source.InterpretationRunID,
		&o.ObservedAt, &o.Specificity, &o.Priority, &fieldsJSON, &o.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan observation")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &o.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal fields")
	}
	o.ObservedAt = o.ObservedAt.UTC()
	return &o, nil
}

func scanReceipt(row scannable) (*model.MergeReceipt, error) {
	var r model.MergeReceipt
	err := row.Scan(&r.RequestID, &r.FromID, &r.ToID, &r.Reason, &r.ObservationsMoved, &r.MergedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
