package kreactor

import (
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/watch"
)

// Reason is the closed set of causes a cycle can classify an observation as.
// Only Create, Update, Delete, and Resume carry user handlers; the rest are
// housekeeping reasons the engine acts on without consulting the registry.
type Reason string

const (
	ReasonCreate  Reason = "create"
	ReasonUpdate  Reason = "update"
	ReasonDelete  Reason = "delete"
	ReasonResume  Reason = "resume"
	ReasonAcquire Reason = "acquire"
	ReasonRelease Reason = "release"
	ReasonGone    Reason = "gone"
	ReasonFree    Reason = "free"
	ReasonNoop    Reason = "noop"
)

// HasHandlers reports whether this reason is ever matched against the
// registry. Gone/Free/Acquire/Release/Noop are handled internally by the
// engine and never dispatch to user code.
func (r Reason) HasHandlers() bool {
	switch r {
	case ReasonCreate, ReasonUpdate, ReasonDelete, ReasonResume:
		return true
	default:
		return false
	}
}

// Cause is the classification of one observed watch event: a reason plus
// the decoded old/new essence and diff, and the fields every handler
// invocation needs regardless of reason.
type Cause struct {
	Reason   Reason
	Resource Resource
	Body     Body
	Old      map[string]interface{}
	New      map[string]interface{}
	Diff     Diff
	Patch    Patch
	Logger   logr.Logger
	Initial  bool
}

// DetectResourceChangingCause classifies a single watch event against the
// decision table: DELETED events are always GONE; a set deletionTimestamp
// without our finalizer is FREE (someone else's finalizer blocks deletion,
// nothing for us to do), with our finalizer present it is DELETE; an unset
// deletionTimestamp with requiresFinalizer true and no finalizer yet is
// ACQUIRE, with a finalizer present but requiresFinalizer now false it is
// RELEASE; otherwise the reason is driven by the last-seen comparison:
// absent annotation is CREATE, an equal essence is NOOP, anything else is
// UPDATE. A RESUME is reported instead of NOOP/UPDATE exactly once, for a
// pre-existing object delivered on the initial watch listing.
func DetectResourceChangingCause(
	event WatchEvent,
	resource Resource,
	requiresFinalizer bool,
	patch Patch,
	extra []FieldPath,
	logger logr.Logger,
) Cause {
	body := event.Object
	cause := Cause{
		Resource: resource,
		Body:     body,
		Patch:    patch,
		Logger:   logger,
		Initial:  event.Initial,
	}

	if event.Type == watch.Deleted {
		cause.Reason = ReasonGone
		return cause
	}

	hasFinalizer := HasFinalizer(body)
	_, deletionSet := body.DeletionTimestamp()

	switch {
	case deletionSet && !hasFinalizer:
		cause.Reason = ReasonFree
		return cause
	case deletionSet && hasFinalizer:
		cause.Reason = ReasonDelete
		return cause
	case !deletionSet && !hasFinalizer && requiresFinalizer:
		cause.Reason = ReasonAcquire
		return cause
	case !deletionSet && hasFinalizer && !requiresFinalizer:
		cause.Reason = ReasonRelease
		return cause
	}

	old, new, diff, err := GetEssentialDiffs(body, extra)
	if err != nil {
		logger.Error(err, "computing essential diff, treating observation as UPDATE")
		cause.Reason = ReasonUpdate
		cause.New = new
		return cause
	}

	cause.Old = old
	cause.New = new
	cause.Diff = diff

	switch {
	case old == nil:
		cause.Reason = ReasonCreate
	case len(diff) == 0:
		cause.Reason = ReasonNoop
	default:
		cause.Reason = ReasonUpdate
	}

	if event.Initial && cause.Reason != ReasonCreate {
		cause.Reason = ReasonResume
	}

	return cause
}

// DetectResourceWatchingCause classifies an event for silent on.event
// handlers, which fire on every raw watch delivery (including resync
// replays) without last-seen comparison or finalizer bookkeeping.
func DetectResourceWatchingCause(event WatchEvent, resource Resource, logger logr.Logger) Cause {
	reason := ReasonUpdate
	if event.Type == watch.Deleted {
		reason = ReasonGone
	} else if event.Initial {
		reason = ReasonResume
	}
	return Cause{
		Reason:   reason,
		Resource: resource,
		Body:     event.Object,
		Logger:   logger,
		Initial:  event.Initial,
	}
}
