// Package engine orchestrates the observation ledger: appends with
// identity resolution, corrections, entity merges, and snapshot queries
// with strong read-after-write consistency.
package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sells-group/entity-ledger/internal/identity"
	"github.com/sells-group/entity-ledger/internal/model"
	"github.com/sells-group/entity-ledger/internal/reducer"
	"github.com/sells-group/entity-ledger/internal/resilience"
	"github.com/sells-group/entity-ledger/internal/store"
)

// maxMergeDepth bounds merged-into chain traversal. Chains are short in
// practice; the bound guards against a corrupted cycle in the entity table.
const maxMergeDepth = 32

// correctionSourceID labels the synthetic source of manual corrections.
const correctionSourceID = "manual-correction"

// Engine is the single entry point for mutations and snapshot reads.
type Engine struct {
	store store.Store
	retry resilience.RetryConfig

	// Snapshot cache. Keys embed a per-entity generation counter that is
	// bumped on every write touching the entity, so a read issued after
	// a successful write can never see a pre-write snapshot.
	cache *gocache.Cache
	gens  sync.Map // entity id -> *atomic.Uint64

	merges *pairLocks
}

// Options tunes engine behavior.
type Options struct {
	SnapshotCacheTTL time.Duration
	Retry            resilience.RetryConfig
}

// New creates an Engine on top of the given store.
func New(s store.Store, opts Options) *Engine {
	ttl := opts.SnapshotCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &Engine{
		store:  s,
		retry:  retry,
		cache:  gocache.New(ttl, 2*ttl),
		merges: newPairLocks(),
	}
}

// AppendRequest carries a new observation. Either EntityID or an
// identity hint (EntityType + Name) must be supplied; hints are resolved
// through the identity deriver and the merged-into chain before append.
type AppendRequest struct {
	EntityID      string                 `json:"entity_id,omitempty"`
	EntityType    string                 `json:"entity_type"`
	Name          string                 `json:"name,omitempty"`
	SchemaVersion int                    `json:"schema_version,omitempty"`
	Source        model.SourceRef        `json:"source"`
	ObservedAt    time.Time              `json:"observed_at"`
	Specificity   float64                `json:"specificity"`
	Priority      int                    `json:"priority,omitempty"`
	Fields        map[string]model.Value `json:"fields"`
}

// Append resolves the target entity, appends the observation, and
// derives timeline events from timestamp-kind fields.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (string, error) {
	ent, err := e.resolveForWrite(ctx, req.EntityID, req.EntityType, req.Name)
	if err != nil {
		return "", err
	}

	priority := req.Priority
	if priority == 0 {
		priority = model.PriorityExtraction
	}
	schemaVersion := req.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	obs := model.Observation{
		EntityID:      ent.ID,
		EntityType:    ent.Type,
		SchemaVersion: schemaVersion,
		Source:        req.Source,
		ObservedAt:    req.ObservedAt.UTC(),
		Specificity:   req.Specificity,
		Priority:      priority,
		Fields:        req.Fields,
	}
	if err := obs.Validate(); err != nil {
		return "", err
	}

	id, err := resilience.DoVal(ctx, e.withLog("append"), func(ctx context.Context) (string, error) {
		return e.store.AppendObservation(ctx, obs)
	})
	if err != nil {
		return "", err
	}
	e.bumpGeneration(ent.ID)

	obs.ID = id
	e.deriveTimeline(ctx, obs)

	zap.L().Debug("engine: observation appended",
		zap.String("entity", ent.ID),
		zap.String("observation", id),
		zap.Int("fields", len(obs.Fields)),
	)
	return id, nil
}

// Correct appends a priority-1000, maximum-specificity observation
// carrying exactly the corrected field. Prior observations are never
// touched; the correction wins reduction by the priority rule.
func (e *Engine) Correct(ctx context.Context, entityID, entityType, field string, value model.Value) (string, error) {
	if field == "" {
		return "", &model.ValidationError{Msg: "correction field is required"}
	}
	ent, err := e.resolveForWrite(ctx, entityID, entityType, "")
	if err != nil {
		return "", err
	}

	obs := model.Observation{
		EntityID:      ent.ID,
		EntityType:    ent.Type,
		SchemaVersion: 1,
		Source: model.SourceRef{
			SourceID:            correctionSourceID,
			InterpretationRunID: uuid.New().String(),
		},
		ObservedAt:  time.Now().UTC(),
		Specificity: math.MaxFloat64,
		Priority:    model.PriorityCorrection,
		Fields:      map[string]model.Value{field: value},
	}

	id, err := resilience.DoVal(ctx, e.withLog("correct"), func(ctx context.Context) (string, error) {
		return e.store.AppendObservation(ctx, obs)
	})
	if err != nil {
		return "", err
	}
	e.bumpGeneration(ent.ID)

	zap.L().Info("engine: correction applied",
		zap.String("entity", ent.ID),
		zap.String("field", field),
		zap.String("observation", id),
	)
	return id, nil
}

// MergeRequest asks to re-attribute every observation of From to To.
// RequestID makes retries idempotent; one is generated when absent.
type MergeRequest struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Merge atomically re-points all of From's observations to To and marks
// From merged. Concurrent merges touching either entity serialize on
// per-entity locks; replaying the same RequestID returns the original
// receipt.
func (e *Engine) Merge(ctx context.Context, req MergeRequest) (*model.MergeReceipt, error) {
	if req.FromID == "" || req.ToID == "" {
		return nil, &model.ValidationError{Msg: "merge requires both entity ids"}
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	unlock := e.merges.lockPair(req.FromID, req.ToID)
	defer unlock()

	receipt, err := e.store.MergeEntities(ctx, req.FromID, req.ToID, requestID, req.Reason)
	if err != nil {
		return nil, err
	}
	e.bumpGeneration(req.FromID)
	e.bumpGeneration(req.ToID)

	zap.L().Info("engine: entities merged",
		zap.String("from", receipt.FromID),
		zap.String("to", receipt.ToID),
		zap.Int("observations_moved", receipt.ObservationsMoved),
	)
	return receipt, nil
}

// CurrentSnapshot reduces all observations of the entity. Querying a
// merged-away id fails with a MergedError carrying the surviving id.
func (e *Engine) CurrentSnapshot(ctx context.Context, entityID string) (*model.EntitySnapshot, error) {
	return e.snapshot(ctx, entityID, nil)
}

// SnapshotAt reduces the observations with observed_at <= at. The result
// for a fixed cutoff never changes as later observations arrive.
func (e *Engine) SnapshotAt(ctx context.Context, entityID string, at time.Time) (*model.EntitySnapshot, error) {
	at = at.UTC()
	return e.snapshot(ctx, entityID, &at)
}

func (e *Engine) snapshot(ctx context.Context, entityID string, cutoff *time.Time) (*model.EntitySnapshot, error) {
	ent, err := e.requireLive(ctx, entityID)
	if err != nil {
		return nil, err
	}

	key := e.cacheKey(ent.ID, cutoff)
	if cached, ok := e.cache.Get(key); ok {
		return cached.(*model.EntitySnapshot), nil
	}

	observations, err := resilience.DoVal(ctx, e.withLog("snapshot"), func(ctx context.Context) ([]model.Observation, error) {
		return e.store.ListAllObservations(ctx, ent.ID, cutoff)
	})
	if err != nil {
		return nil, err
	}

	snap, err := reducer.Reduce(ent.ID, observations, nil)
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(key, snap)
	return snap, nil
}

// FieldProvenance returns the observation that supplied the current
// value of field, or a field NotFoundError when no observation defines it.
func (e *Engine) FieldProvenance(ctx context.Context, entityID, field string) (*model.Observation, error) {
	if field == "" {
		return nil, &model.ValidationError{Msg: "field name is required"}
	}
	snap, err := e.CurrentSnapshot(ctx, entityID)
	if err != nil {
		return nil, err
	}
	winnerID, ok := snap.Provenance[field]
	if !ok {
		return nil, &model.NotFoundError{Kind: "field", ID: field}
	}

	observations, err := e.store.ListAllObservations(ctx, snap.EntityID, nil)
	if err != nil {
		return nil, err
	}
	for i := range observations {
		if observations[i].ID == winnerID {
			return &observations[i], nil
		}
	}
	return nil, &model.NotFoundError{Kind: "field", ID: field}
}

// ListObservations pages through the entity's ledger in stable order.
func (e *Engine) ListObservations(ctx context.Context, entityID string, limit, offset int) ([]model.Observation, error) {
	ent, err := e.requireLive(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return e.store.ListObservations(ctx, ent.ID, store.ObservationQuery{Limit: limit, Offset: offset})
}

// Timeline pages through derived timeline events for the entity.
func (e *Engine) Timeline(ctx context.Context, entityID string, limit, offset int) ([]model.TimelineEvent, error) {
	ent, err := e.requireLive(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return e.store.ListTimelineEvents(ctx, ent.ID, limit, offset)
}

// RegisterSource records source material, deduplicating on
// (owner, content hash).
func (e *Engine) RegisterSource(ctx context.Context, sm model.SourceMaterial) (*model.SourceMaterial, bool, error) {
	got, deduped, err := e.store.RegisterSource(ctx, sm)
	if err != nil {
		return nil, false, err
	}
	if deduped {
		zap.L().Debug("engine: source deduplicated",
			zap.String("owner", got.OwnerID),
			zap.String("source", got.ID),
		)
	}
	return got, deduped, nil
}

// Resolve follows the merged-into chain from id to the surviving entity.
func (e *Engine) Resolve(ctx context.Context, entityID string) (*model.Entity, error) {
	ent, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for depth := 0; ent.Merged(); depth++ {
		if depth >= maxMergeDepth {
			return nil, fmt.Errorf("merge chain too deep starting at %s", entityID)
		}
		ent, err = e.store.GetEntity(ctx, *ent.MergedInto)
		if err != nil {
			return nil, err
		}
	}
	return ent, nil
}

// resolveForWrite resolves the append/correct target: an explicit id is
// followed through the merged-into chain (merges are permanent
// redirects); an identity hint derives the id and creates the entity on
// first use.
func (e *Engine) resolveForWrite(ctx context.Context, entityID, entityType, name string) (*model.Entity, error) {
	if entityID != "" {
		return e.Resolve(ctx, entityID)
	}

	id, err := identity.EntityID(entityType, name)
	if err != nil {
		return nil, err
	}
	// A known id that was merged away redirects instead of recreating
	// the entity.
	if existing, err := e.store.GetEntity(ctx, id); err == nil {
		if existing.Merged() {
			return e.Resolve(ctx, id)
		}
		return existing, nil
	} else if !model.IsNotFound(err) {
		return nil, err
	}

	return e.store.EnsureEntity(ctx, model.Entity{
		ID:            id,
		Type:          entityType,
		CanonicalName: identity.NormalizeName(name),
		Aliases:       []string{name},
	})
}

// requireLive returns the entity if it has not been merged away, or a
// MergedError carrying the redirect target.
func (e *Engine) requireLive(ctx context.Context, entityID string) (*model.Entity, error) {
	if entityID == "" {
		return nil, &model.ValidationError{Msg: "entity id is required"}
	}
	ent, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if ent.Merged() {
		target, err := e.Resolve(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return nil, &model.MergedError{EntityID: entityID, MergedInto: target.ID}
	}
	return ent, nil
}

// deriveTimeline creates timeline events for timestamp-kind fields.
// Event ids are deterministic, so re-deriving from the same observation
// inputs is a no-op.
func (e *Engine) deriveTimeline(ctx context.Context, obs model.Observation) {
	if obs.Source.SourceID == "" {
		return
	}
	for field, v := range obs.Fields {
		if v.Kind != model.KindTimestamp {
			continue
		}
		id, err := identity.EventID(obs.Source, field, v.Time)
		if err != nil {
			continue
		}
		ev := model.TimelineEvent{
			ID:         id,
			Type:       "field_date",
			OccurredAt: v.Time,
			Source:     obs.Source,
			EntityIDs:  []string{obs.EntityID},
			Properties: map[string]string{"field": field},
		}
		if _, err := e.store.PutTimelineEvent(ctx, ev); err != nil {
			zap.L().Warn("engine: timeline derivation failed",
				zap.String("entity", obs.EntityID),
				zap.String("field", field),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) cacheKey(entityID string, cutoff *time.Time) string {
	gen := e.generation(entityID).Load()
	at := "current"
	if cutoff != nil {
		at = cutoff.UTC().Format(time.RFC3339Nano)
	}
	return strconv.FormatUint(gen, 10) + "|" + entityID + "|" + at
}

func (e *Engine) generation(entityID string) *atomic.Uint64 {
	g, _ := e.gens.LoadOrStore(entityID, &atomic.Uint64{})
	return g.(*atomic.Uint64)
}

func (e *Engine) bumpGeneration(entityID string) {
	e.generation(entityID).Add(1)
}

func (e *Engine) withLog(operation string) resilience.RetryConfig {
	cfg := e.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(operation)
	}
	return cfg
}
