// Package kreactor implements the reactor core: the per-object pipeline that
// turns a raw stream of Kubernetes-style watch events into high-level
// causes, dispatches them to registered handlers, persists handler progress
// onto the resource itself, and schedules retries and delays.
package kreactor

import (
	"k8s.io/apimachinery/pkg/watch"
)

// Resource identifies a Kubernetes-style resource kind by its API group,
// version and plural name. It is comparable and usable as a map key, which
// the OperatorRegistry and the demultiplexer both rely on.
type Resource struct {
	Group   string
	Version string
	Plural  string
}

func (r Resource) String() string {
	if r.Group == "" {
		return r.Version + "/" + r.Plural
	}
	return r.Group + "/" + r.Version + "/" + r.Plural
}

// WatchEvent is a single item yielded by a WatchSource. Type follows the
// conventions of k8s.io/apimachinery/pkg/watch.EventType; any type other
// than Added/Modified/Deleted/Bookmark is treated as Modified-compatible by
// the cause detector, matching the source framework's forward-compatibility
// stance on unrecognized event types.
type WatchEvent struct {
	Type   watch.EventType
	Object Body

	// Initial marks an object delivered during the watch source's initial
	// listing phase (before its closing bookmark), which drives the Resume
	// reason instead of Create/Update/Noop on first contact after a
	// restart.
	Initial bool
}
