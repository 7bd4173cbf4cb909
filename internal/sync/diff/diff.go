// Package diff computes structural differences between two JSON-encoded
// entity states and reads or writes individual field paths.
//
// Field paths are dotted, with numeric segments indexing into lists:
// "ability_scores.strength", "inventory.2.quantity".
package diff

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Delta is one field-level difference between two states.
type Delta struct {
	Path string
	Old  any
	New  any
}

// Negated returns the delta with sides swapped.
func (d Delta) Negated() Delta {
	return Delta{Path: d.Path, Old: d.New, New: d.Old}
}

// Changes walks base and current and returns one Delta per field path whose
// value differs. Objects are compared key-by-key; lists and scalars are
// compared as whole values. Paths are emitted in sorted order, so
// Changes(a, b) and Changes(b, a) mirror each other exactly.
func Changes(base, current []byte) []Delta {
	var out []Delta
	walk("", parse(base), parse(current), &out)
	return out
}

func parse(data []byte) gjson.Result {
	if len(data) == 0 {
		return gjson.Result{}
	}
	return gjson.ParseBytes(data)
}

func walk(prefix string, base, current gjson.Result, out *[]Delta) {
	if base.IsObject() && current.IsObject() {
		keys := map[string]bool{}
		base.ForEach(func(key, _ gjson.Result) bool {
			keys[key.String()] = true
			return true
		})
		current.ForEach(func(key, _ gjson.Result) bool {
			keys[key.String()] = true
			return true
		})
		sorted := make([]string, 0, len(keys))
		for key := range keys {
			sorted = append(sorted, key)
		}
		sort.Strings(sorted)
		for _, key := range sorted {
			walk(join(prefix, key), base.Get(key), current.Get(key), out)
		}
		return
	}

	if valueEqual(base, current) {
		return
	}
	*out = append(*out, Delta{Path: prefix, Old: base.Value(), New: current.Value()})
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func valueEqual(a, b gjson.Result) bool {
	if !a.Exists() && !b.Exists() {
		return true
	}
	if a.Exists() != b.Exists() {
		return false
	}
	return reflect.DeepEqual(a.Value(), b.Value())
}

// Value reads the value at fieldPath. The second return reports whether the
// path exists in the state.
func Value(state []byte, fieldPath string) (any, bool) {
	result := gjson.GetBytes(state, fieldPath)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// Apply writes value at fieldPath and returns the updated state. A nil value
// deletes the path.
func Apply(state []byte, fieldPath string, value any) ([]byte, error) {
	if fieldPath == "" {
		return nil, fmt.Errorf("field path is required")
	}
	if value == nil {
		updated, err := sjson.DeleteBytes(state, fieldPath)
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", fieldPath, err)
		}
		return updated, nil
	}
	updated, err := sjson.SetBytes(state, fieldPath, value)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", fieldPath, err)
	}
	return updated, nil
}

// ApplyAll applies a set of path/value pairs and returns the updated state.
func ApplyAll(state []byte, values map[string]any) ([]byte, error) {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	updated := state
	var err error
	for _, p := range paths {
		updated, err = Apply(updated, p, values[p])
		if err != nil {
			return nil, err
		}
	}
	return updated, nil
}
