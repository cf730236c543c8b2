// Package params holds the nested parameter trees handed to sub-workflows
// (the pw.x namelists, for example) together with the two write operations
// used to derive a stage's effective parameters.
package params

import "strings"

// Map is a nested parameter tree. Sections are Map or map[string]any values.
type Map map[string]any

// Path addresses a value inside a Map, outermost section first.
type Path []string

// P builds a Path from a dotted string such as "SYSTEM.degauss".
func P(dotted string) Path {
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, ".")
}

func (p Path) String() string { return strings.Join(p, ".") }

// Clone returns a deep copy of m. A nil map clones to an empty one.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Map:
		return t.Clone()
	case map[string]any:
		return Map(t).Clone()
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Get returns the value stored at path.
func (m Map) Get(path Path) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur := m
	for i, key := range path {
		v, ok := cur[key]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		next, ok := asMap(v)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Has reports whether a value is stored at path.
func (m Map) Has(path Path) bool {
	_, ok := m.Get(path)
	return ok
}

// Section returns the section at path, if there is one.
func (m Map) Section(path Path) (Map, bool) {
	v, ok := m.Get(path)
	if !ok {
		return nil, false
	}
	return asMap(v)
}

// ForceSet writes v at path, overwriting whatever was there. Missing
// sections along the path are created; a non-section value in the way is
// replaced by a new section.
func (m Map) ForceSet(path Path, v any) {
	if len(path) == 0 {
		return
	}
	m.parent(path)[path[len(path)-1]] = v
}

// SetIfAbsent writes v at path only when no value is stored there yet and
// reports whether it wrote.
func (m Map) SetIfAbsent(path Path, v any) bool {
	if len(path) == 0 || m.Has(path) {
		return false
	}
	m.parent(path)[path[len(path)-1]] = v
	return true
}

// parent returns the section holding the last element of path, creating
// sections as needed.
func (m Map) parent(path Path) Map {
	cur := m
	for _, key := range path[:len(path)-1] {
		next, ok := asMap(cur[key])
		if !ok {
			next = Map{}
			cur[key] = next
		}
		cur = next
	}
	return cur
}

func asMap(v any) (Map, bool) {
	switch t := v.(type) {
	case Map:
		return t, t != nil
	case map[string]any:
		return Map(t), t != nil
	}
	return nil, false
}

// Int reads an integer at path, accepting the numeric types YAML and JSON
// decoders produce.
func (m Map) Int(path Path) (int, bool) {
	v, ok := m.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// Float reads a number at path as a float64.
func (m Map) Float(path Path) (float64, bool) {
	v, ok := m.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
