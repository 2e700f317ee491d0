// Package identity derives deterministic identifiers for entities and
// timeline events. Derivation is a pure function of normalized input:
// the same (type, name) or (source, field, date) always yields the same
// id across processes and time.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/entity-ledger/internal/model"
)

var folder = cases.Fold()

// NormalizeName canonicalizes an entity name: Unicode NFKC, case fold,
// trim, collapse internal whitespace.
func NormalizeName(name string) string {
	s := norm.NFKC.String(name)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// EntityID derives the deterministic id for an entity from its type and
// canonical name. Fails with a ValidationError on empty input.
func EntityID(entityType, name string) (string, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return "", &model.ValidationError{Msg: "entity type is required"}
	}
	normalized := NormalizeName(name)
	if normalized == "" {
		return "", &model.ValidationError{Msg: "entity name is required"}
	}
	return digest(entityType, normalized), nil
}

// EventID derives the deterministic id for a timeline event from its
// source reference, field name, and event date (UTC calendar date).
func EventID(source model.SourceRef, field string, date time.Time) (string, error) {
	if source.SourceID == "" {
		return "", &model.ValidationError{Msg: "event source id is required"}
	}
	if strings.TrimSpace(field) == "" {
		return "", &model.ValidationError{Msg: "event field is required"}
	}
	if date.IsZero() {
		return "", &model.ValidationError{Msg: "event date is required"}
	}
	return digest(source.Key(), field, date.UTC().Format(time.DateOnly)), nil
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
