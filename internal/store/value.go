package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Normalize converts an arbitrary Go value into its JSON-shaped form and
// drops empty containers. Structs are converted through their json tags.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return prune(out)
}

func prune(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if !ValidKey(k) {
				return nil, fmt.Errorf("store: invalid key %q", k)
			}
			pc, err := prune(child)
			if err != nil {
				return nil, err
			}
			if pc == nil {
				delete(t, k)
				continue
			}
			t[k] = pc
		}
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	case []any:
		if len(t) == 0 {
			return nil, nil
		}
		for i, child := range t {
			pc, err := prune(child)
			if err != nil {
				return nil, err
			}
			t[i] = pc
		}
		return t, nil
	default:
		return v, nil
	}
}

// Clone deep-copies a JSON-shaped value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Children returns the keyed children of a container value. Lists are keyed
// by their index, the way the realtime database stores them.
func Children(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		out := make(map[string]any, len(t))
		for i, child := range t {
			if child != nil {
				out[strconv.Itoa(i)] = child
			}
		}
		return out
	default:
		return nil
	}
}

// Arrayify turns maps keyed exactly "0".."n-1" back into lists, recursively.
// Backends that store lists as indexed children use it when reading.
func Arrayify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = Arrayify(child)
	}
	list := make([]any, len(m))
	for k, child := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) || strconv.Itoa(i) != k {
			return m
		}
		list[i] = child
	}
	return list
}

// Lookup walks segs from root and returns the value found, or nil.
func Lookup(root any, segs []string) any {
	cur := root
	for _, seg := range segs {
		children := Children(cur)
		if children == nil {
			return nil
		}
		cur = children[seg]
	}
	return cur
}

// Assign stores value at segs below root and returns the new root. Maps
// along the way are modified in place; a scalar in the way is replaced.
func Assign(root any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	var m map[string]any
	switch t := root.(type) {
	case map[string]any:
		m = t
	case []any:
		m = Children(t)
	default:
		m = make(map[string]any)
	}
	child := Assign(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
