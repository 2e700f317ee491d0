// Package reducer implements the pure reduction of an entity's
// observations into a snapshot with per-field provenance.
package reducer

import (
	"sort"
	"time"

	"github.com/sells-group/entity-ledger/internal/model"
)

// Reduce computes the snapshot for entityID from the given observations,
// optionally capped at cutoff (observations with observed_at after the
// cutoff are excluded). The result depends only on the set of candidate
// observations, never on their arrival or slice order.
//
// For each field the winning observation is chosen by a strict total
// order: priority desc, specificity desc, observed_at desc, then id asc
// as a final tie-break with no semantic meaning.
func Reduce(entityID string, observations []model.Observation, cutoff *time.Time) (*model.EntitySnapshot, error) {
	candidates := make([]model.Observation, 0, len(observations))
	for _, o := range observations {
		if cutoff != nil && o.ObservedAt.After(*cutoff) {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return nil, &model.NotFoundError{Kind: "entity", ID: entityID}
	}

	snap := &model.EntitySnapshot{
		EntityID:         entityID,
		Fields:           make(map[string]model.Value),
		Provenance:       make(map[string]string),
		ComputedAt:       time.Now().UTC(),
		ObservationCount: len(candidates),
	}

	fieldSet := make(map[string]bool)
	for _, o := range candidates {
		if o.ObservedAt.After(snap.LastObservationAt) {
			snap.LastObservationAt = o.ObservedAt
		}
		if o.SchemaVersion > snap.SchemaVersion {
			snap.SchemaVersion = o.SchemaVersion
		}
		if snap.EntityType == "" {
			snap.EntityType = o.EntityType
		}
		for f := range o.Fields {
			fieldSet[f] = true
		}
	}

	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		var winner *model.Observation
		for i := range candidates {
			o := &candidates[i]
			if _, ok := o.Fields[field]; !ok {
				continue
			}
			if winner == nil || beats(o, winner) {
				winner = o
			}
		}
		snap.Fields[field] = winner.Fields[field]
		snap.Provenance[field] = winner.ID
	}

	return snap, nil
}

// beats reports whether a outranks b under the winner selection order.
func beats(a, b *model.Observation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Specificity != b.Specificity {
		return a.Specificity > b.Specificity
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ID < b.ID
}
