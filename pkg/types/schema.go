package types

import (
	"encoding/json"
	"fmt"
)

// FieldType is the logical type of a schema field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"

	// TypeJSON is the fallback for nested objects and arrays; values are
	// stored as their JSON text.
	TypeJSON FieldType = "json"
)

// Valid reports whether t is a known logical type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTimestamp, TypeJSON:
		return true
	}
	return false
}

// Field is a single named, typed schema entry.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is the ordered field layout of a table. Field order is stable:
// existing fields keep their position and new fields are appended, so a
// partition written under an older schema can be null-filled on read.
type Schema struct {
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// FieldType returns the type of the named field and whether it exists.
func (s *Schema) FieldType(name string) (FieldType, bool) {
	if i := s.FieldIndex(name); i >= 0 {
		return s.Fields[i].Type, true
	}
	return "", false
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() Schema {
	out := Schema{Version: s.Version, Fields: make([]Field, len(s.Fields))}
	copy(out.Fields, s.Fields)
	return out
}

// Widen reconciles the established type of a field with a newly observed
// one. It returns the type the schema should carry afterwards and whether
// the combination is allowed.
//
// The widening order is int ⊂ float ⊂ string: an observed value whose type
// sits below the established type is coerced losslessly on write, and an
// established int widens to float when a float is observed. Observing a
// string for a numeric field is rejected, as is any change involving the
// terminal types bool, timestamp, and json.
func Widen(established, observed FieldType) (FieldType, bool) {
	if established == observed {
		return established, true
	}
	switch established {
	case TypeInt:
		if observed == TypeFloat {
			return TypeFloat, true
		}
	case TypeFloat:
		if observed == TypeInt {
			return TypeFloat, true
		}
	case TypeString:
		if observed == TypeInt || observed == TypeFloat {
			return TypeString, true
		}
	}
	return established, false
}

// CoerceValue converts a decoded JSON value of type observed into the Go
// representation of the target schema type. Callers must only pass
// combinations accepted by Widen.
func CoerceValue(v interface{}, observed, target FieldType) interface{} {
	if v == nil {
		return nil
	}
	if observed == target {
		return v
	}
	switch target {
	case TypeFloat:
		if i, ok := v.(int64); ok {
			return float64(i)
		}
	case TypeString:
		switch n := v.(type) {
		case int64:
			return fmt.Sprintf("%d", n)
		case float64:
			return formatFloat(n)
		}
	}
	return v
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
