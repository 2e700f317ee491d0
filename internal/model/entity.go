package model

import "time"

// Entity is a canonical real-world object. Its id is a deterministic
// digest of (type, normalized canonical name), so re-resolving the same
// name always lands on the same row. Entities are never deleted; a merge
// sets MergedInto and the entity becomes terminal.
type Entity struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CanonicalName string    `json:"canonical_name"`
	Aliases       []string  `json:"aliases,omitempty"`
	MergedInto    *string   `json:"merged_into,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Merged reports whether the entity has been merged away.
func (e *Entity) Merged() bool {
	return e.MergedInto != nil && *e.MergedInto != ""
}

// SourceMaterial is an immutable record of ingested content, consumed
// read-only here. (OwnerID, ContentHash) is unique: re-registration of
// identical content for the same owner returns the existing record.
type SourceMaterial struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ContentHash string    `json:"content_hash"`
	MimeType    string    `json:"mime_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the fields required before registration.
func (s *SourceMaterial) Validate() error {
	if s.OwnerID == "" {
		return &ValidationError{Msg: "source owner id is required"}
	}
	if s.ContentHash == "" {
		return &ValidationError{Msg: "source content hash is required"}
	}
	return nil
}

// MergeReceipt records the outcome of an entity merge, keyed by the
// caller-supplied request id so retries return the original result.
type MergeReceipt struct {
	RequestID         string    `json:"request_id"`
	FromID            string    `json:"from_id"`
	ToID              string    `json:"to_id"`
	Reason            string    `json:"reason,omitempty"`
	ObservationsMoved int       `json:"observations_moved"`
	MergedAt          time.Time `json:"merged_at"`
}
