package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-ledger/internal/db"
	"github.com/sells-group/entity-ledger/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"append_observation": `INSERT INTO observations
		(id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
		 observed_at, specificity, priority, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	"get_entity": `SELECT id, entity_type, canonical_name, aliases, merged_into, created_at
		FROM entities WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_materials (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	mime_type    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(owner_id, content_hash)
);

CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	aliases        JSONB NOT NULL DEFAULT '[]',
	merged_into    TEXT REFERENCES entities(id),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS observations (
	id                    TEXT PRIMARY KEY,
	entity_id             TEXT NOT NULL REFERENCES entities(id),
	entity_type           TEXT NOT NULL,
	schema_version        INTEGER NOT NULL DEFAULT 1,
	source_id             TEXT NOT NULL,
	interpretation_run_id TEXT NOT NULL DEFAULT '',
	observed_at           TIMESTAMPTZ NOT NULL,
	specificity           DOUBLE PRECISION NOT NULL,
	priority              INTEGER NOT NULL,
	fields                JSONB NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relationships (
	id         TEXT PRIMARY KEY,
	rel_type   TEXT NOT NULL,
	source_id  TEXT NOT NULL REFERENCES entities(id),
	target_id  TEXT NOT NULL REFERENCES entities(id),
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(rel_type, source_id, target_id)
);

CREATE TABLE IF NOT EXISTS timeline_events (
	id                    TEXT PRIMARY KEY,
	event_type            TEXT NOT NULL,
	occurred_at           TIMESTAMPTZ NOT NULL,
	source_id             TEXT NOT NULL,
	interpretation_run_id TEXT NOT NULL DEFAULT '',
	entity_ids            JSONB NOT NULL,
	properties            JSONB NOT NULL DEFAULT '{}',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS merge_receipts (
	request_id         TEXT PRIMARY KEY,
	from_id            TEXT NOT NULL REFERENCES entities(id),
	to_id              TEXT NOT NULL REFERENCES entities(id),
	reason             TEXT NOT NULL DEFAULT '',
	observations_moved INTEGER NOT NULL,
	merged_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id, observed_at, id);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(rel_type);
CREATE INDEX IF NOT EXISTS idx_timeline_events_entity_ids ON timeline_events USING GIN (entity_ids);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) RegisterSource(ctx context.Context, sm model.SourceMaterial) (*model.SourceMaterial, bool, error) {
	if err := sm.Validate(); err != nil {
		return nil, false, err
	}
	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO source_materials (id, owner_id, content_hash, mime_type, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id, content_hash) DO NOTHING`,
		sm.ID, sm.OwnerID, sm.ContentHash, sm.MimeType, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: register source")
	}

	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, content_hash, mime_type, created_at FROM source_materials
		 WHERE owner_id = $1 AND content_hash = $2`,
		sm.OwnerID, sm.ContentHash,
	)
	var got model.SourceMaterial
	if err := row.Scan(&got.ID, &got.OwnerID, &got.ContentHash, &got.MimeType, &got.CreatedAt); err != nil {
		return nil, false, eris.Wrap(err, "postgres: scan source")
	}
	return &got, tag.RowsAffected() == 0, nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.SourceMaterial, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, content_hash, mime_type, created_at FROM source_materials WHERE id = $1`,
		id,
	)
	var sm model.SourceMaterial
	err := row.Scan(&sm.ID, &sm.OwnerID, &sm.ContentHash, &sm.MimeType, &sm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "source", ID: id}
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get source")
	}
	return &sm, nil
}

func (s *PostgresStore) EnsureEntity(ctx context.Context, e model.Entity) (*model.Entity, error) {
	if e.ID == "" {
		return nil, &model.ValidationError{Msg: "entity id is required"}
	}
	aliasJSON, err := json.Marshal(orEmpty(e.Aliases))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal aliases")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, entity_type, canonical_name, aliases, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, e.CanonicalName, aliasJSON, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: ensure entity")
	}
	return s.GetEntity(ctx, e.ID)
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at FROM entities WHERE id = $1`,
		id,
	)
	return scanEntityPG(row, id)
}

func (s *PostgresStore) AppendObservation(ctx context.Context, obs model.Observation) (string, error) {
	if err := obs.Validate(); err != nil {
		return "", err
	}
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}

	fieldsJSON, err := json.Marshal(obs.Fields)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO observations
		 (id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
		  observed_at, specificity, priority, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		obs.ID, obs.EntityID, obs.EntityType, obs.SchemaVersion,
		obs.Source.SourceID, obs.Source.InterpretationRunID,
		obs.ObservedAt.UTC(), obs.Specificity, obs.Priority, fieldsJSON, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: append observation for entity %s", obs.EntityID)
	}
	return obs.ID, nil
}

// observationColumns matches the COPY column order in AppendObservations.
var observationColumns = []string{
	"id", "entity_id", "entity_type", "schema_version", "source_id",
	"interpretation_run_id", "observed_at", "specificity", "priority",
	"fields", "created_at",
}

func (s *PostgresStore) AppendObservations(ctx context.Context, obs []model.Observation) ([]string, error) {
	if len(obs) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	ids := make([]string, 0, len(obs))
	rows := make([][]any, 0, len(obs))
	for _, o := range obs {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		fieldsJSON, err := json.Marshal(o.Fields)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal fields")
		}
		rows = append(rows, []any{
			o.ID, o.EntityID, o.EntityType, o.SchemaVersion, o.Source.SourceID,
			o.Source.InterpretationRunID, o.ObservedAt.UTC(), o.Specificity,
			o.Priority, fieldsJSON, now,
		})
		ids = append(ids, o.ID)
	}

	if _, err := db.CopyFrom(ctx, s.pool, "observations", observationColumns, rows); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) ListObservations(ctx context.Context, entityID string, q ObservationQuery) ([]model.Observation, error) {
	query := `SELECT id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
	          observed_at, specificity, priority, fields, created_at
	          FROM observations WHERE entity_id = $1`
	args := []any{entityID}

	if q.ObservedAtMax != nil {
		args = append(args, q.ObservedAtMax.UTC())
		query += ` AND observed_at <= $2`
	}
	query += ` ORDER BY observed_at ASC, id ASC`
	args = append(args, effectiveLimit(q.Limit))
	query += placeholder(` LIMIT`, len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += placeholder(` OFFSET`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var fieldsJSON []byte
		if err := rows.Scan(&o.ID, &o.EntityID, &o.EntityType, &o.SchemaVersion,
			&o.Source.SourceID, &o.Source.InterpretationRunID,
			&o.ObservedAt, &o.Specificity, &o.Priority, &fieldsJSON, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if err := json.Unmarshal(fieldsJSON, &o.Fields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fields")
		}
		o.ObservedAt = o.ObservedAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list observations iterate")
}

func (s *PostgresStore) ListAllObservations(ctx context.Context, entityID string, observedAtMax *time.Time) ([]model.Observation, error) {
	query := `SELECT id, entity_id, entity_type, schema_version, source_id, interpretation_run_id,
	          observed_at, specificity, priority, fields, created_at
	          FROM observations WHERE entity_id = $1`
	args := []any{entityID}
	if observedAtMax != nil {
		args = append(args, observedAtMax.UTC())
		query += ` AND observed_at <= $2`
	}
	query += ` ORDER BY observed_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list all observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var fieldsJSON []byte
		if err := rows.Scan(&o.ID, &o.EntityID, &o.EntityType, &o.SchemaVersion,
			&o.Source.SourceID, &o.Source.InterpretationRunID,
			&o.ObservedAt, &o.Specificity, &o.Priority, &fieldsJSON, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if err := json.Unmarshal(fieldsJSON, &o.Fields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fields")
		}
		o.ObservedAt = o.ObservedAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list all observations iterate")
}

func (s *PostgresStore) MergeEntities(ctx context.Context, fromID, toID, requestID, reason string) (*model.MergeReceipt, error) {
	if requestID == "" {
		return nil, &model.ValidationError{Msg: "merge request id is required"}
	}
	if fromID == toID {
		return nil, &model.ValidationError{Msg: "cannot merge an entity into itself"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: merge begin tx")
	}
	defer tx.Rollback(ctx)

	var existing model.MergeReceipt
	err = tx.QueryRow(ctx,
		`SELECT request_id, from_id, to_id, reason, observations_moved, merged_at
		 FROM merge_receipts WHERE request_id = $1`, requestID,
	).Scan(&existing.RequestID, &existing.FromID, &existing.ToID, &existing.Reason,
		&existing.ObservationsMoved, &existing.MergedAt)
	if err == nil {
		if existing.FromID != fromID || existing.ToID != toID {
			return nil, &model.ValidationError{Msg: "merge request id reused with a different entity pair"}
		}
		return &existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: merge lookup receipt")
	}

	// Row locks on both entities serialize concurrent merges touching
	// the same ids, in addition to the engine's pair locks.
	from, err := scanEntityPG(tx.QueryRow(ctx,
		`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at
		 FROM entities WHERE id = $1 FOR UPDATE`, fromID), fromID)
	if err != nil {
		return nil, err
	}
	to, err := scanEntityPG(tx.QueryRow(ctx,
		`SELECT id, entity_type, canonical_name, aliases, merged_into, created_at
		 FROM entities WHERE id = $1 FOR UPDATE`, toID), toID)
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

	tag, err := tx.Exec(ctx, `UPDATE observations SET entity_id = $1 WHERE entity_id = $2`, toID, fromID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: merge move observations")
	}

	receipt := &model.MergeReceipt{
		RequestID:         requestID,
		FromID:            fromID,
		ToID:              toID,
		Reason:            reason,
		ObservationsMoved: int(tag.RowsAffected()),
		MergedAt:          time.Now().UTC(),
	}

	if _, err := tx.Exec(ctx, `UPDATE entities SET merged_into = $1 WHERE id = $2`, toID, fromID); err != nil {
		return nil, eris.Wrap(err, "postgres: merge mark entity")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO merge_receipts (request_id, from_id, to_id, reason, observations_moved, merged_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		receipt.RequestID, receipt.FromID, receipt.ToID, receipt.Reason,
		receipt.ObservationsMoved, receipt.MergedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: merge insert receipt")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: merge commit")
	}
	return receipt, nil
}

func (s *PostgresStore) CreateRelationship(ctx context.Context, rel model.Relationship) (string, error) {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	metaJSON, err := json.Marshal(orEmptyMap(rel.Metadata))
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal metadata")
	}

	for _, id := range []string{rel.SourceID, rel.TargetID} {
		if _, err := s.GetEntity(ctx, id); err != nil {
			return "", err
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO relationships (id, rel_type, source_id, target_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rel.ID, string(rel.Type), rel.SourceID, rel.TargetID, metaJSON, time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", &model.ValidationError{Msg: "relationship already exists"}
		}
		return "", eris.Wrap(err, "postgres: create relationship")
	}
	return rel.ID, nil
}

func (s *PostgresStore) ListRelationships(ctx context.Context, entityID string, q RelationshipQuery) ([]model.Relationship, error) {
	query := `SELECT id, rel_type, source_id, target_id, metadata, created_at FROM relationships WHERE `
	var args []any

	switch q.Direction {
	case model.DirectionOut:
		args = append(args, entityID)
		query += `source_id = $1`
	case model.DirectionIn:
		args = append(args, entityID)
		query += `target_id = $1`
	default:
		args = append(args, entityID)
		query += `(source_id = $1 OR target_id = $1)`
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		query += placeholder(` AND rel_type =`, len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	args = append(args, effectiveLimit(q.Limit))
	query += placeholder(` LIMIT`, len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += placeholder(` OFFSET`, len(args))
	}

	return s.queryRelationshipsPG(ctx, query, args...)
}

func (s *PostgresStore) ListRelationshipsByType(ctx context.Context, relType model.RelationType) ([]model.Relationship, error) {
	return s.queryRelationshipsPG(ctx,
		`SELECT id, rel_type, source_id, target_id, metadata, created_at FROM relationships
		 WHERE rel_type = $1 ORDER BY created_at ASC, id ASC`,
		string(relType),
	)
}

func (s *PostgresStore) queryRelationshipsPG(ctx context.Context, query string, args ...any) ([]model.Relationship, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list relationships")
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &metaJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan relationship")
		}
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list relationships iterate")
}

func (s *PostgresStore) PutTimelineEvent(ctx context.Context, ev model.TimelineEvent) (bool, error) {
	if ev.ID == "" {
		return false, &model.ValidationError{Msg: "timeline event id is required"}
	}
	idsJSON, err := json.Marshal(orEmpty(ev.EntityIDs))
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal entity ids")
	}
	propsJSON, err := json.Marshal(orEmptyMap(ev.Properties))
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal properties")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO timeline_events
		 (id, event_type, occurred_at, source_id, interpretation_run_id, entity_ids, properties, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.OccurredAt.UTC(), ev.Source.SourceID, ev.Source.InterpretationRunID,
		idsJSON, propsJSON, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: put timeline event")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListTimelineEvents(ctx context.Context, entityID string, limit, offset int) ([]model.TimelineEvent, error) {
	query := `SELECT id, event_type, occurred_at, source_id, interpretation_run_id, entity_ids, properties, created_at
	          FROM timeline_events WHERE entity_ids @> to_jsonb(ARRAY[$1])
	          ORDER BY occurred_at ASC, id ASC LIMIT $2`
	args := []any{entityID, effectiveLimit(limit)}
	if offset > 0 {
		query += ` OFFSET $3`
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list timeline events")
	}
	defer rows.Close()

	var out []model.TimelineEvent
	for rows.Next() {
		var ev model.TimelineEvent
		var idsJSON, propsJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.OccurredAt, &ev.Source.SourceID,
			&ev.Source.InterpretationRunID, &idsJSON, &propsJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan timeline event")
		}
		if err := json.Unmarshal(idsJSON, &ev.EntityIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal entity ids")
		}
		if err := json.Unmarshal(propsJSON, &ev.Properties); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal properties")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list timeline events iterate")
}

// helpers

func scanEntityPG(row pgx.Row, id string) (*model.Entity, error) {
	var e model.Entity
	var aliasJSON []byte
	var mergedInto *string

	err := row.Scan(&e.ID, &e.Type, &e.CanonicalName, &aliasJSON, &mergedInto, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "entity", ID: id}
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan entity")
	}
	if err := json.Unmarshal(aliasJSON, &e.Aliases); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal aliases")
	}
	if mergedInto != nil && *mergedInto != "" {
		e.MergedInto = mergedInto
	}
	return &e, nil
}

func placeholder(prefix string, n int) string {
	return fmt.Sprintf("%s $%d", prefix, n)
}
