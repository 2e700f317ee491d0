package model

import "time"

// Source priorities. Corrections outrank every ordinary extraction in
// the reducer's winner selection.
const (
	PriorityExtraction = 100
	PriorityCorrection = 1000
)

// SourceRef points an observation back at the source material it was
// extracted from, and the interpretation run that produced it.
type SourceRef struct {
	SourceID            string `json:"source_id"`
	InterpretationRunID string `json:"interpretation_run_id,omitempty"`
}

// Key returns a stable string form used for deterministic event ids.
func (r SourceRef) Key() string {
	if r.InterpretationRunID == "" {
		return r.SourceID
	}
	return r.SourceID + "/" + r.InterpretationRunID
}

// Observation is one immutable fact about one entity. Observations are
// never mutated or deleted after append; the only permitted change is
// re-pointing EntityID during an entity merge.
type Observation struct {
	ID            string           `json:"id"`
	EntityID      string           `json:"entity_id"`
	EntityType    string           `json:"entity_type"`
	SchemaVersion int              `json:"schema_version"`
	Source        SourceRef        `json:"source"`
	ObservedAt    time.Time        `json:"observed_at"`
	Specificity   float64          `json:"specificity"`
	Priority      int              `json:"priority"`
	Fields        map[string]Value `json:"fields"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Validate checks the fields required before append.
func (o *Observation) Validate() error {
	if o.EntityID == "" {
		return &ValidationError{Msg: "observation entity id is required"}
	}
	if o.EntityType == "" {
		return &ValidationError{Msg: "observation entity type is required"}
	}
	if o.ObservedAt.IsZero() {
		return &ValidationError{Msg: "observation observed_at is required"}
	}
	if len(o.Fields) == 0 {
		return &ValidationError{Msg: "observation must carry at least one field"}
	}
	for k := range o.Fields {
		if k == "" {
			return &ValidationError{Msg: "observation field name must not be empty"}
		}
	}
	return nil
}
