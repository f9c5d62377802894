// Package seed models structured fuzzing seeds as ordered field maps,
// where each field is a tagged variant carrying fixed/type/bounds
// metadata, and provides the SeedCorpus that stores, selects, and
// bookkeeps them: a seed is a named set of typed fields mutated
// independently.
package seed

import (
	"encoding/json"
	"fmt"
)

// FieldType names the dynamic type a non-fixed field carries.
type FieldType string

const (
	TypeInt FieldType = "int"
	TypeHex FieldType = "hex"
	TypeStr FieldType = "str"
)

// Field is one entry of a seed's field map: a tagged variant of
// {fixed: true, value} or {fixed: false, type, value, min_len?, max_len?, mutator?}.
type Field struct {
	Order   int       `json:"order"`
	Fixed   bool      `json:"fixed"`
	Type    FieldType `json:"type,omitempty"`
	Value   string    `json:"value"`
	MinLen  int       `json:"min_len,omitempty"`
	MaxLen  int       `json:"max_len,omitempty"`
	Mutator string    `json:"mutator,omitempty"`
}

// Clone returns a deep copy of the field (Field has no pointer members
// beyond strings/ints so a value copy suffices, but Clone documents
// the intent at call sites that build new seeds from a parent).
func (f Field) Clone() Field {
	return f
}

// Map is an ordered-by-key field-name -> Field mapping. Go maps have no
// intrinsic order; canonical ordering for hashing is derived separately
// via CanonicalJSON, and presentation ordering uses each field's Order.
type Map map[string]Field

// Clone returns a deep copy of the seed field map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether two seed field maps are identical.
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// CanonicalJSON renders the field map with sorted keys, matching the
// original tool's canonical-json hashing input.
func (m Map) CanonicalJSON() ([]byte, error) {
	// json.Marshal on a Go map already sorts keys lexicographically.
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("seed: failed to canonicalize field map: %w", err)
	}
	return b, nil
}
