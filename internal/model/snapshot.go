package model

import "time"

// EntitySnapshot is the deterministically computed current-truth view of
// an entity. It is never persisted as authoritative state: field values
// and provenance are a pure projection of the observation ledger and can
// be recomputed at any cutoff. ComputedAt is informational only.
type EntitySnapshot struct {
	EntityID          string            `json:"entity_id"`
	EntityType        string            `json:"entity_type"`
	SchemaVersion     int               `json:"schema_version"`
	Fields            map[string]Value  `json:"fields"`
	Provenance        map[string]string `json:"provenance"`
	ComputedAt        time.Time         `json:"computed_at"`
	ObservationCount  int               `json:"observation_count"`
	LastObservationAt time.Time         `json:"last_observation_at"`
}
