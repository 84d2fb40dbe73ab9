package kreactor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/itchyny/gojq"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// LastSeenAnnotation is the annotation the framework uses to persist the
// essential subset of the previous observation, the baseline for diff
// computation on the next one.
const LastSeenAnnotation = "kreactor.io/last-handled-configuration"

// FieldPath selects an extra essence field beyond "spec". A plain value is
// treated as a dotted path ("spec.replicas"); a value prefixed with "." is
// parsed and evaluated as a github.com/itchyny/gojq program against the
// body, letting operator authors select dynamic sub-paths a static dotted
// path cannot express (e.g. ".metadata.labels | keys[]").
type FieldPath string

func (f FieldPath) isQuery() bool {
	return strings.HasPrefix(string(f), ".")
}

func (f FieldPath) dotted() []string {
	return strings.Split(string(f), ".")
}

// Essence returns the comparable subset of body: everything except
// metadata (barring user-declared extra annotations/labels), status, and
// status.kopf.
func Essence(body Body, extra []FieldPath) (map[string]interface{}, error) {
	essence := map[string]interface{}{}
	if spec, found, _ := unstructured.NestedMap(body.Content, "spec"); found {
		essence["spec"] = spec
	}

	for _, fp := range extra {
		if fp.isQuery() {
			values, err := evalQuery(fp, body)
			if err != nil {
				return nil, fmt.Errorf("evaluating extra essence field %q: %w", fp, err)
			}
			essence[string(fp)] = values
			continue
		}
		path := fp.dotted()
		v, found, _ := unstructured.NestedFieldCopy(body.Content, path...)
		if found {
			setEssencePath(essence, path, v)
		}
	}

	return essence, nil
}

func setEssencePath(dst map[string]interface{}, path []string, value interface{}) {
	m := dst
	for i, p := range path {
		if i == len(path)-1 {
			m[p] = value
			return
		}
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[p] = next
		}
		m = next
	}
}

func evalQuery(fp FieldPath, body Body) ([]interface{}, error) {
	query, err := gojq.Parse(string(fp))
	if err != nil {
		return nil, fmt.Errorf("parsing gojq expression: %w", err)
	}
	iter := query.Run(body.Content)
	var results []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("evaluating gojq expression: %w", err)
		}
		results = append(results, v)
	}
	return results, nil
}

// CanonicalJSON serializes a value with sorted map keys, so repeated
// observations of an unchanged body always produce byte-identical
// annotations (important for NOOP idempotence: §8 invariant 5).
func CanonicalJSON(v interface{}) (string, error) {
	canon := canonicalize(v)
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedEntry{Key: k, Value: canonicalize(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

// orderedMap/orderedEntry implement json.Marshaler to emit a map's entries
// in a fixed (sorted) key order, since encoding/json otherwise randomizes
// nothing but Go's own map iteration is unspecified within Marshal.
type orderedEntry struct {
	Key   string
	Value interface{}
}

type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// RefreshEssence overwrites the last-seen annotation in patch with the
// canonical JSON of body's current essence.
func RefreshEssence(body Body, patch Patch, extra []FieldPath) error {
	essence, err := Essence(body, extra)
	if err != nil {
		return err
	}
	encoded, err := CanonicalJSON(essence)
	if err != nil {
		return fmt.Errorf("encoding essence: %w", err)
	}

	annotations := map[string]interface{}{}
	for k, v := range body.Annotations() {
		annotations[k] = v
	}
	annotations[LastSeenAnnotation] = encoded
	return patch.SetField(toInterfaceMap(annotations), "metadata", "annotations")
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	return m
}

// GetEssentialDiffs decodes the stored last-seen annotation as old,
// recomputes new from body's current essence, and returns their diff. If no
// last-seen annotation is present, old is nil and the caller should treat
// this as a first observation.
func GetEssentialDiffs(body Body, extra []FieldPath) (old, new map[string]interface{}, diff Diff, err error) {
	new, err = Essence(body, extra)
	if err != nil {
		return nil, nil, nil, err
	}

	raw, ok := body.Annotations()[LastSeenAnnotation]
	if !ok || raw == "" {
		return nil, new, ComputeDiff(nil, toGeneric(new)), nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, nil, nil, fmt.Errorf("decoding last-seen annotation: %w", err)
	}
	old = decoded
	diff = ComputeDiff(toGeneric(old), toGeneric(new))
	return old, new, diff, nil
}

func toGeneric(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return map[string]interface{}(m)
}
