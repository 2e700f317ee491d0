package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Kind identifies the type of a field value.
type Kind string

const (
	KindString    Kind = "string"
	KindNumber    Kind = "number"
	KindBool      Kind = "bool"
	KindTimestamp Kind = "timestamp"
	KindNull      Kind = "null"
)

// Value is a tagged field value. Observations carry field maps of Values
// so the reducer's comparisons and serialization stay type-safe instead
// of shuttling untyped bags around.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
}

// String returns a string-kind value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a number-kind value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Boolean returns a bool-kind value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Timestamp returns a timestamp-kind value, normalized to UTC.
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t.UTC()} }

// Null returns a null-kind value.
func Null() Value { return Value{Kind: KindNull} }

// Any returns the underlying Go value for display and JSON responses.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindTimestamp:
		return v.Time.Equal(o.Time)
	default:
		return true
	}
}

type valueJSON struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	var err error
	switch v.Kind {
	case KindString:
		raw, err = json.Marshal(v.Str)
	case KindNumber:
		raw, err = json.Marshal(v.Num)
	case KindBool:
		raw, err = json.Marshal(v.Bool)
	case KindTimestamp:
		raw, err = json.Marshal(v.Time.Format(time.RFC3339Nano))
	case KindNull:
		raw = nil
	default:
		return nil, eris.Errorf("model: marshal value: unknown kind %q", v.Kind)
	}
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal value")
	}
	return json.Marshal(valueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes a tagged value, validating the kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	var vj valueJSON
	if err := json.Unmarshal(data, &vj); err != nil {
		return eris.Wrap(err, "model: unmarshal value")
	}
	switch vj.Kind {
	case KindString:
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return eris.Wrap(err, "model: unmarshal string value")
		}
		*v = String(s)
	case KindNumber:
		var f float64
		if err := json.Unmarshal(vj.Value, &f); err != nil {
			return eris.Wrap(err, "model: unmarshal number value")
		}
		*v = Number(f)
	case KindBool:
		var b bool
		if err := json.Unmarshal(vj.Value, &b); err != nil {
			return eris.Wrap(err, "model: unmarshal bool value")
		}
		*v = Boolean(b)
	case KindTimestamp:
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return eris.Wrap(err, "model: unmarshal timestamp value")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return eris.Wrap(err, "model: parse timestamp value")
		}
		*v = Timestamp(t)
	case KindNull:
		*v = Null()
	default:
		return eris.Errorf("model: unmarshal value: unknown kind %q", vj.Kind)
	}
	return nil
}

// ParseValue converts a loosely typed input (from JSON request bodies or
// CLI flags) into a tagged Value. Strings that parse as RFC 3339 stay
// strings; callers that mean timestamps pass time.Time.
func ParseValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case bool:
		return Boolean(x), nil
	case float64:
		return Number(x), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case time.Time:
		return Timestamp(x), nil
	case Value:
		return x, nil
	default:
		return Value{}, &ValidationError{Msg: fmt.Sprintf("unsupported value type %T", raw)}
	}
}
