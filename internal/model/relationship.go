package model

import "time"

// RelationType enumerates the typed edges between entities.
type RelationType string

const (
	RelationSupersedes  RelationType = "supersedes"
	RelationDependsOn   RelationType = "depends_on"
	RelationRelatedTo   RelationType = "related_to"
	RelationSameAs      RelationType = "same_as"
	RelationDerivedFrom RelationType = "derived_from"
)

var relationTypes = map[RelationType]bool{
	RelationSupersedes:  true,
	RelationDependsOn:   true,
	RelationRelatedTo:   true,
	RelationSameAs:      true,
	RelationDerivedFrom: true,
}

// ParseRelationType validates a relation type string.
func ParseRelationType(s string) (RelationType, error) {
	t := RelationType(s)
	if !relationTypes[t] {
		return "", &ValidationError{Msg: "unknown relationship type: " + s}
	}
	return t, nil
}

// Ordered reports whether edges of this type carry strict-ordering
// semantics. The graph restricted to an ordered type must stay acyclic.
func (t RelationType) Ordered() bool {
	return t == RelationSupersedes || t == RelationDependsOn
}

// Relationship is a typed directed edge between two entities.
// (Type, SourceID, TargetID) is unique.
type Relationship struct {
	ID        string            `json:"id"`
	Type      RelationType      `json:"type"`
	SourceID  string            `json:"source_id"`
	TargetID  string            `json:"target_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Direction selects which side of a relationship an entity sits on when
// listing edges.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// ParseDirection validates a direction string, defaulting to both.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", string(DirectionBoth):
		return DirectionBoth, nil
	case string(DirectionOut):
		return DirectionOut, nil
	case string(DirectionIn):
		return DirectionIn, nil
	default:
		return "", &ValidationError{Msg: "unknown direction: " + s}
	}
}
