package kreactor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Present is the sentinel label/annotation selector value meaning "key
// must be present, value irrelevant".
const Present = "kreactor.io/present"

var registryValidator = validator.New()

// HandlerFunc is the user-supplied callback invoked for a matched cause.
// A non-nil result is merged into status.kopf.<handler.ID>; a non-nil
// error is classified per the error taxonomy in errors.go.
type HandlerFunc func(ctx context.Context, hctx *Context) (interface{}, error)

// Handler is one registered callback together with its selection
// criteria. Validated at registration time, never mutated afterward.
type Handler struct {
	ID          string `validate:"required"`
	Fn          HandlerFunc
	Reason      Reason
	Field       []string
	Timeout     time.Duration `validate:"gte=0"`
	Initial     bool
	Labels      map[string]string
	Annotations map[string]string
	Blocking    bool
}

func (h Handler) matchesReason(reason Reason) bool {
	return h.Reason == "" || h.Reason == reason
}

func (h Handler) matchesSelectors(body Body) bool {
	if !matchesSelector(h.Labels, body.Labels()) {
		return false
	}
	return matchesSelector(h.Annotations, body.Annotations())
}

func matchesSelector(want, have map[string]string) bool {
	for k, v := range want {
		actual, ok := have[k]
		if !ok {
			return false
		}
		if v != Present && actual != v {
			return false
		}
	}
	return true
}

// Option configures a Handler at registration time.
type Option func(*Handler)

// WithID overrides the auto-assigned handler ID.
func WithID(id string) Option { return func(h *Handler) { h.ID = id } }

// WithReason restricts the handler to a single reason; the zero value
// leaves it reason-agnostic (matches Create/Update/Delete/Resume alike).
func WithReason(reason Reason) Option { return func(h *Handler) { h.Reason = reason } }

// WithField restricts the handler to changes under the given dotted path,
// and reduces Cause.Diff/Old/New to that path before invocation.
func WithField(path ...string) Option { return func(h *Handler) { h.Field = path } }

// WithTimeout bounds the handler's runtime; exceeding it is reported as a
// permanent HandlerTimeoutError.
func WithTimeout(d time.Duration) Option { return func(h *Handler) { h.Timeout = d } }

// WithInitial additionally registers the handler against Resume causes
// produced on operator startup for pre-existing objects.
func WithInitial() Option { return func(h *Handler) { h.Initial = true } }

// WithLabels restricts the handler to objects matching all given label
// selectors (Present matches any value).
func WithLabels(labels map[string]string) Option {
	return func(h *Handler) { h.Labels = labels }
}

// WithAnnotations restricts the handler to objects matching all given
// annotation selectors (Present matches any value).
func WithAnnotations(annotations map[string]string) Option {
	return func(h *Handler) { h.Annotations = annotations }
}

// WithBlocking dispatches the handler onto the blocking worker pool rather
// than running it inline on the object's own goroutine, for handlers that
// perform long synchronous I/O that would otherwise stall the UID's cycle.
func WithBlocking() Option { return func(h *Handler) { h.Blocking = true } }

// ResourceRegistry holds every handler registered for one Resource.
type ResourceRegistry struct {
	resource Resource
	changing []Handler
	watching []Handler
	extra    []FieldPath
	seq      int
}

// NewResourceRegistry returns an empty registry for resource.
func NewResourceRegistry(resource Resource) *ResourceRegistry {
	return &ResourceRegistry{resource: resource}
}

// Register adds a resource-changing handler (one that participates in
// the Create/Update/Delete/Resume cause lifecycle and progress tracking).
func (r *ResourceRegistry) Register(fn HandlerFunc, opts ...Option) (Handler, error) {
	return r.register(&r.changing, fn, opts...)
}

// RegisterBlocking adds a resource-changing handler dispatched onto the
// invoker's bounded blocking worker pool rather than run inline on the
// object's own goroutine, so a slow synchronous handler for one object
// never stalls the workers of unrelated objects.
func (r *ResourceRegistry) RegisterBlocking(fn HandlerFunc, opts ...Option) (Handler, error) {
	opts = append(opts, WithBlocking())
	return r.register(&r.changing, fn, opts...)
}

// RegisterWatcher adds a resource-watching (silent, on.event-style)
// handler: fired on every raw delivery, without progress tracking,
// retries, or finalizer bookkeeping.
func (r *ResourceRegistry) RegisterWatcher(fn HandlerFunc, opts ...Option) (Handler, error) {
	return r.register(&r.watching, fn, opts...)
}

func (r *ResourceRegistry) register(into *[]Handler, fn HandlerFunc, opts ...Option) (Handler, error) {
	r.seq++
	h := Handler{
		ID: fmt.Sprintf("%s/handler-%d", r.resource.Plural, r.seq),
		Fn: fn,
	}
	for _, opt := range opts {
		opt(&h)
	}
	if err := registryValidator.Struct(h); err != nil {
		return Handler{}, fmt.Errorf("registering handler for %s: %w", r.resource, err)
	}
	if len(h.Field) > 0 {
		r.extra = append(r.extra, FieldPath(joinDotted(h.Field)))
	}
	*into = append(*into, h)
	return h, nil
}

func joinDotted(path []string) string {
	out := path[0]
	for _, p := range path[1:] {
		out += "." + p
	}
	return out
}

// GetResourceChangingHandlers returns every registered changing handler
// that matches cause's reason and object selectors, with Field handlers
// further filtered to a non-empty reduced diff.
func (r *ResourceRegistry) GetResourceChangingHandlers(cause Cause) []Handler {
	var matched []Handler
	for _, h := range r.changing {
		if cause.Reason == ReasonResume && !h.Initial && h.Reason != ReasonResume {
			continue
		}
		if !h.matchesReason(cause.Reason) {
			continue
		}
		if !h.matchesSelectors(cause.Body) {
			continue
		}
		if len(h.Field) > 0 && len(cause.Diff.Reduce(h.Field)) == 0 {
			continue
		}
		matched = append(matched, h)
	}
	return matched
}

// GetResourceWatchingHandlers returns every registered watching handler
// matching cause's selectors (reason is ignored: these fire on any event).
func (r *ResourceRegistry) GetResourceWatchingHandlers(cause Cause) []Handler {
	var matched []Handler
	for _, h := range r.watching {
		if !h.matchesSelectors(cause.Body) {
			continue
		}
		matched = append(matched, h)
	}
	return matched
}

// HasResourceChangingHandlers reports whether any changing handler is
// registered for this resource at all (independent of a specific cause).
func (r *ResourceRegistry) HasResourceChangingHandlers() bool {
	return len(r.changing) > 0
}

// HasResourceWatchingHandlers reports whether any watching handler is
// registered for this resource.
func (r *ResourceRegistry) HasResourceWatchingHandlers() bool {
	return len(r.watching) > 0
}

// RequiresFinalizer reports whether body, as currently observed, matches
// at least one Delete-reason handler — the condition that drives ACQUIRE
// vs RELEASE classification in DetectResourceChangingCause.
func (r *ResourceRegistry) RequiresFinalizer(body Body) bool {
	for _, h := range r.changing {
		if h.Reason != "" && h.Reason != ReasonDelete {
			continue
		}
		if !h.matchesSelectors(body) {
			continue
		}
		return true
	}
	return false
}

// GetExtraFields returns the union of every Field-handler path and any
// explicitly configured extra essence fields, for use by Essence().
func (r *ResourceRegistry) GetExtraFields() []FieldPath {
	return r.extra
}

// OperatorRegistry maps a Resource to its ResourceRegistry.
type OperatorRegistry struct {
	resources map[Resource]*ResourceRegistry
}

// NewOperatorRegistry returns an empty OperatorRegistry.
func NewOperatorRegistry() *OperatorRegistry {
	return &OperatorRegistry{resources: map[Resource]*ResourceRegistry{}}
}

// ForResource returns (creating if necessary) the ResourceRegistry for
// resource.
func (o *OperatorRegistry) ForResource(resource Resource) *ResourceRegistry {
	rr, ok := o.resources[resource]
	if !ok {
		rr = NewResourceRegistry(resource)
		o.resources[resource] = rr
	}
	return rr
}

// Resources returns every resource with at least one registered handler.
func (o *OperatorRegistry) Resources() []Resource {
	out := make([]Resource, 0, len(o.resources))
	for r := range o.resources {
		out = append(out, r)
	}
	return out
}
