package tuple

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingTenant is returned when an operation lacks a tenant id. The
	// tenant filter is mandatory, never defaulted.
	ErrMissingTenant = errors.New("tenant id is required")

	// ErrInvalidTuple is returned for malformed subject, relation or object
	// shapes, before anything is persisted.
	ErrInvalidTuple = errors.New("invalid tuple")
)

// ValueKind discriminates the closed set of metadata value variants.
type ValueKind int

const (
	StringValue ValueKind = iota
	IntValue
	FloatValue
	BoolValue
)

// Value is one metadata value: a string, int64, float64 or bool. The typed
// accessors avoid unsafe casts at the consumer.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
}

func String(s string) Value { return Value{kind: StringValue, s: s} }
func Int(i int64) Value     { return Value{kind: IntValue, i: i} }
func Float(f float64) Value { return Value{kind: FloatValue, f: f} }
func Bool(b bool) Value     { return Value{kind: BoolValue, b: b} }

// Kind returns the variant held by the value.
func (v Value) Kind() ValueKind { return v.kind }

// StringVal returns the string variant and whether the value holds one.
func (v Value) StringVal() (string, bool) { return v.s, v.kind == StringValue }

// IntVal returns the int variant and whether the value holds one.
func (v Value) IntVal() (int64, bool) { return v.i, v.kind == IntValue }

// FloatVal returns the float variant and whether the value holds one.
func (v Value) FloatVal() (float64, bool) { return v.f, v.kind == FloatValue }

// BoolVal returns the bool variant and whether the value holds one.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == BoolValue }

// Native returns the underlying value as an any, for handing to evaluation
// environments that take untyped activations.
func (v Value) Native() any {
	switch v.kind {
	case IntValue:
		return v.i
	case FloatValue:
		return v.f
	case BoolValue:
		return v.b
	default:
		return v.s
	}
}

// FromNative converts a plain Go value into a Value. Integral types map to
// the int variant, json.Number picks int or float by its literal form.
func FromNative(v any) (Value, error) {
	switch t := v.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: metadata number %q", ErrInvalidTuple, t.String())
		}
		return Float(f), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported metadata value type %T", ErrInvalidTuple, v)
	}
}

// MarshalJSON encodes the value as its native JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes a JSON scalar into the matching variant. Integral
// numbers become the int variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MetadataFromNative converts a map of untyped values into a Metadata bag.
func MetadataFromNative(m map[string]any) (Metadata, error) {
	if m == nil {
		return nil, nil
	}
	out := make(Metadata, len(m))
	for k, raw := range m {
		v, err := FromNative(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Metadata is an open key/value bag carried by a tuple, e.g. the role label
// on a membership tuple.
type Metadata map[string]Value

// Clone returns a copy of the metadata map. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Native converts the bag into a map of untyped values.
func (m Metadata) Native() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}
