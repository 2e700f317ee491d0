package model

import "time"

// TimelineEvent is a derived fact with a deterministic id (digest of
// source ref + field name + event date). Re-deriving from the same
// inputs yields the same id, so creation is idempotent.
type TimelineEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Source     SourceRef         `json:"source"`
	EntityIDs  []string          `json:"entity_ids"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
