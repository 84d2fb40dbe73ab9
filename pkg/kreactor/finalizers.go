package kreactor

// Finalizer is the framework's own token appended to metadata.finalizers,
// delaying actual deletion until the object's delete handlers complete.
const Finalizer = "kreactor.io/finalizer"

// HasFinalizer reports whether the body carries the framework's finalizer.
func HasFinalizer(body Body) bool {
	for _, f := range body.Finalizers() {
		if f == Finalizer {
			return true
		}
	}
	return false
}

// AppendFinalizer writes metadata.finalizers with the framework's
// finalizer appended, if it is not already present. The full finalizer
// slice, not just the framework's entry, is written into the patch, since a
// JSON merge patch replaces the whole list rather than appending to it.
func AppendFinalizer(body Body, patch Patch) error {
	if HasFinalizer(body) {
		return nil
	}
	finalizers := append(append([]string{}, body.Finalizers()...), Finalizer)
	return patch.SetField(toInterfaceSlice(finalizers), "metadata", "finalizers")
}

// RemoveFinalizer writes metadata.finalizers with the framework's finalizer
// removed, if present.
func RemoveFinalizer(body Body, patch Patch) error {
	existing := body.Finalizers()
	if !HasFinalizer(body) {
		return nil
	}
	kept := make([]string, 0, len(existing))
	for _, f := range existing {
		if f != Finalizer {
			kept = append(kept, f)
		}
	}
	return patch.SetField(toInterfaceSlice(kept), "metadata", "finalizers")
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
