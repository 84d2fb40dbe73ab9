package kreactor

import (
	"reflect"
	"sort"
	"strings"
)

// DiffOp classifies a single difference between an old and new essence.
type DiffOp string

const (
	DiffAdd    DiffOp = "add"
	DiffRemove DiffOp = "remove"
	DiffChange DiffOp = "change"
)

// DiffItem is one entry of a Diff: a change at Path, from Old to New. Old is
// nil for DiffAdd, New is nil for DiffRemove.
type DiffItem struct {
	Op   DiffOp
	Path []string
	Old  interface{}
	New  interface{}
}

// Diff is a stable-ordered sequence of differences, sorted by path tuple so
// that repeated computation over equal inputs is deterministic (tests rely
// on this for exact-match assertions).
type Diff []DiffItem

// Reduce selects only the entries under the given path prefix, rewriting
// each surviving entry's Path to be relative to it. Used to narrow a
// whole-object Diff down to a single field handler's concern.
func (d Diff) Reduce(path []string) Diff {
	if len(path) == 0 {
		return d
	}
	out := make(Diff, 0, len(d))
	for _, item := range d {
		if len(item.Path) < len(path) {
			continue
		}
		match := true
		for i, p := range path {
			if item.Path[i] != p {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, DiffItem{
			Op:   item.Op,
			Path: append([]string{}, item.Path[len(path):]...),
			Old:  item.Old,
			New:  item.New,
		})
	}
	return out
}

// ComputeDiff walks old and new (arbitrary JSON-shaped values, typically
// map[string]interface{}) and returns their differences, sorted by path
// tuple for stable ordering.
func ComputeDiff(old, new interface{}) Diff {
	var items Diff
	diffRecurse(old, new, nil, &items)
	sort.Slice(items, func(i, j int) bool {
		return strings.Join(items[i].Path, "\x00") < strings.Join(items[j].Path, "\x00")
	})
	return items
}

func diffRecurse(old, new interface{}, path []string, out *Diff) {
	oldMap, oldIsMap := old.(map[string]interface{})
	newMap, newIsMap := new.(map[string]interface{})

	if oldIsMap && newIsMap {
		keys := map[string]struct{}{}
		for k := range oldMap {
			keys[k] = struct{}{}
		}
		for k := range newMap {
			keys[k] = struct{}{}
		}
		for k := range keys {
			diffRecurse(oldMap[k], newMap[k], append(append([]string{}, path...), k), out)
		}
		return
	}

	switch {
	case old == nil && new == nil:
		return
	case old == nil:
		*out = append(*out, DiffItem{Op: DiffAdd, Path: append([]string{}, path...), New: new})
	case new == nil:
		*out = append(*out, DiffItem{Op: DiffRemove, Path: append([]string{}, path...), Old: old})
	case !reflect.DeepEqual(old, new):
		*out = append(*out, DiffItem{Op: DiffChange, Path: append([]string{}, path...), Old: old, New: new})
	}
}
