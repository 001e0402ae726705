package dicom

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Value is a normalized leaf value: a UTF-8 string, or a null marker for
// binary and unsupported VRs.
type Value struct {
	Null bool
	Str  string
}

// StringValue wraps a string as a non-null Value.
func StringValue(s string) Value {
	return Value{Str: s}
}

// NullValue marks a tag that is present but carries no indexable text.
func NullValue() Value {
	return Value{Null: true}
}

// Map is the flat tag→value summary of a dataset. Sequences are excluded;
// they only survive in the JSON projection.
type Map map[tag.Tag]Value

// GetString returns the textual value of t, if present and non-null.
func (m Map) GetString(t tag.Tag) (string, bool) {
	v, ok := m[t]
	if !ok || v.Null {
		return "", false
	}
	return v.Str, true
}

// Has reports whether the map carries a non-null value for t.
func (m Map) Has(t tag.Tag) bool {
	_, ok := m.GetString(t)
	return ok
}

// Extract restricts the map to the main tags of the given level. Missing
// tags are simply absent from the result; Extract never fails.
func (m Map) Extract(level Level) Map {
	out := make(Map)
	for _, t := range MainTags(level) {
		if v, ok := m[t]; ok {
			out[t] = v
		}
	}
	return out
}

// Clone returns a copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
