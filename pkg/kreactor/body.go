package kreactor

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
)

// Body is the observed object, represented the same way client-go's
// dynamic client represents it: a nested map under an unstructured.Content
// envelope. Treated as opaque JSON except for the reserved status.kopf
// sub-path owned by the framework.
type Body struct {
	Content map[string]interface{}
}

// NewBody wraps a raw content map as a Body. A nil map is normalized to an
// empty map so that callers never need a nil check before navigating it.
func NewBody(content map[string]interface{}) Body {
	if content == nil {
		content = map[string]interface{}{}
	}
	return Body{Content: content}
}

// FromUnstructured adapts a client-go unstructured object into a Body.
func FromUnstructured(obj *unstructured.Unstructured) Body {
	if obj == nil {
		return NewBody(nil)
	}
	return NewBody(obj.Object)
}

// Unstructured returns the Body as an *unstructured.Unstructured, suitable
// for passing back into client-go/dynamic calls.
func (b Body) Unstructured() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: b.Content}
}

// DeepCopy returns an independent copy of the Body's content.
func (b Body) DeepCopy() Body {
	return NewBody(runtimeDeepCopyJSON(b.Content))
}

// UID returns metadata.uid, or the empty UID if absent.
func (b Body) UID() types.UID {
	v, _, _ := unstructured.NestedString(b.Content, "metadata", "uid")
	return types.UID(v)
}

// Name returns metadata.name.
func (b Body) Name() string {
	v, _, _ := unstructured.NestedString(b.Content, "metadata", "name")
	return v
}

// Namespace returns metadata.namespace.
func (b Body) Namespace() string {
	v, _, _ := unstructured.NestedString(b.Content, "metadata", "namespace")
	return v
}

// Finalizers returns the ordered metadata.finalizers slice.
func (b Body) Finalizers() []string {
	v, found, _ := unstructured.NestedStringSlice(b.Content, "metadata", "finalizers")
	if !found {
		return nil
	}
	return v
}

// DeletionTimestamp returns the raw metadata.deletionTimestamp string and
// whether it is present and non-empty. Kopf-style semantics treat an
// explicitly-null deletionTimestamp the same as an absent one.
func (b Body) DeletionTimestamp() (string, bool) {
	v, found, _ := unstructured.NestedString(b.Content, "metadata", "deletionTimestamp")
	if !found || v == "" {
		return "", false
	}
	return v, true
}

// Annotations returns metadata.annotations.
func (b Body) Annotations() map[string]string {
	v, found, _ := unstructured.NestedStringMap(b.Content, "metadata", "annotations")
	if !found {
		return nil
	}
	return v
}

// Labels returns metadata.labels.
func (b Body) Labels() map[string]string {
	v, found, _ := unstructured.NestedStringMap(b.Content, "metadata", "labels")
	if !found {
		return nil
	}
	return v
}

// Spec returns the spec sub-map.
func (b Body) Spec() map[string]interface{} {
	v, found, _ := unstructured.NestedMap(b.Content, "spec")
	if !found {
		return nil
	}
	return v
}

// Status returns the status sub-map.
func (b Body) Status() map[string]interface{} {
	v, found, _ := unstructured.NestedMap(b.Content, "status")
	if !found {
		return nil
	}
	return v
}

// runtimeDeepCopyJSON deep-copies a JSON-representable map using the same
// recursive-copy helper apimachinery's runtime package relies on.
func runtimeDeepCopyJSON(m map[string]interface{}) map[string]interface{} {
	return runtime.DeepCopyJSON(m)
}
