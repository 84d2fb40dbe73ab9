package kreactor

import "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

// Patch is a partial-body accumulator. Handler code and the engine itself
// only ever write into a Patch; the engine flushes it as a single
// JSON-merge-patch API call per cycle, never exposing a partial patch to the
// API.
type Patch struct {
	Content map[string]interface{}
}

// NewPatch returns an empty Patch.
func NewPatch() Patch {
	return Patch{Content: map[string]interface{}{}}
}

// IsEmpty reports whether nothing has been written to the patch yet.
func (p Patch) IsEmpty() bool {
	return len(p.Content) == 0
}

// SetField writes a value at the given nested path, creating intermediate
// maps as needed.
func (p Patch) SetField(value interface{}, fields ...string) error {
	return unstructured.SetNestedField(p.Content, value, fields...)
}

// GetField reads back a value previously written to this patch (used so
// later handlers in the same cycle observe earlier handlers' in-memory
// writes without round-tripping through the API).
func (p Patch) GetField(fields ...string) (interface{}, bool, error) {
	return unstructured.NestedFieldNoCopy(p.Content, fields...)
}

// RemoveField deletes a nested path from the patch, if present.
func (p Patch) RemoveField(fields ...string) {
	unstructured.RemoveNestedField(p.Content, fields...)
}

// MergeInto applies this patch's fields onto a plain map, following the same
// shallow-recursive merge semantics as a JSON merge patch (RFC 7386): nested
// maps are merged key-by-key, any other value (including a slice) replaces
// the destination wholesale.
func MergeInto(dst map[string]interface{}, patch map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = map[string]interface{}{}
	}
	for k, v := range patch {
		if vm, ok := v.(map[string]interface{}); ok {
			dm, _ := dst[k].(map[string]interface{})
			dst[k] = MergeInto(dm, vm)
			continue
		}
		dst[k] = v
	}
	return dst
}
