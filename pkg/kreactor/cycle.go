package kreactor

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// PatchClient applies a single accumulated Patch to an object. A 404 from
// the underlying API must be swallowed as nil — object-gone is not an
// error, the next watch delivery naturally yields Gone.
type PatchClient interface {
	Patch(ctx context.Context, resource Resource, body Body, patch Patch) error
}

// OutcomeSink is notified when a handler's outcome is a permanent failure
// or a timeout. Implementations must not block the reactor cycle for
// long; Notify is called synchronously from the cycle goroutine.
type OutcomeSink interface {
	Notify(ctx context.Context, resource Resource, body Body, handlerID string, err error) error
}

// Reactor wires together a registry, a patch client, a lifecycle policy,
// and one Demultiplexer per registered resource, and is the unit Run is
// called on to drive the whole system until ctx is cancelled.
type Reactor struct {
	registry *OperatorRegistry
	patch    PatchClient
	policy   LifecyclePolicy
	clock    clock.Clock
	logger   logr.Logger
	config   WorkerConfig
	pool     *blockingPool
	sink     OutcomeSink
	metrics  *Metrics

	demuxes map[Resource]*Demultiplexer
}

// NewReactor constructs a Reactor. policy defaults to AllAtOnce if nil;
// clk defaults to clock.RealClock{} if nil.
func NewReactor(registry *OperatorRegistry, patchClient PatchClient, policy LifecyclePolicy, clk clock.Clock, logger logr.Logger, config WorkerConfig) *Reactor {
	if policy == nil {
		policy = AllAtOnce
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reactor{
		registry: registry,
		patch:    patchClient,
		policy:   policy,
		clock:    clk,
		logger:   logger,
		config:   config,
		pool:     newBlockingPool(config.BlockingPoolSize),
		demuxes:  map[Resource]*Demultiplexer{},
	}
}

// WithMetrics attaches a Metrics bundle the reactor records cycle counts,
// durations, and handler outcomes into.
func (r *Reactor) WithMetrics(m *Metrics) *Reactor {
	r.metrics = m
	return r
}

// WithOutcomeSink attaches an OutcomeSink notified on permanent handler
// failures and timeouts.
func (r *Reactor) WithOutcomeSink(sink OutcomeSink) *Reactor {
	r.sink = sink
	return r
}

// Run watches every resource the registry has handlers for, using source
// to establish each resource's watch, and blocks until ctx is cancelled or
// an unrecoverable error occurs.
func (r *Reactor) Run(ctx context.Context, source WatchSource, namespace string) error {
	defer r.pool.close()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, resource := range r.registry.Resources() {
		resource := resource
		demux := NewDemultiplexer(source, resource, namespace, r.runCycle, r.dummyPatch, r.config, r.clock, r.logger)
		r.demuxes[resource] = demux
		group.Go(func() error {
			return demux.Run(groupCtx)
		})
	}
	return group.Wait()
}

// ActiveStreamCounts reports the live per-UID worker count for every
// watched resource, for the admin server's /debug/streams endpoint.
func (r *Reactor) ActiveStreamCounts() map[Resource]int {
	out := make(map[Resource]int, len(r.demuxes))
	for resource, demux := range r.demuxes {
		out[resource] = demux.ActiveStreamCount()
	}
	return out
}

// runCycle is the CycleFunc handed to every Demultiplexer: it classifies
// the event into a Cause, runs the handler execution engine, applies the
// accumulated patch, and reports the delay (if any) the Worker should
// interruptibly sleep before provoking a dummy patch — the accumulated
// patch itself is skipped as a sleep trigger whenever it is non-empty,
// since applying it already provokes a fresh watch delivery.
func (r *Reactor) runCycle(ctx context.Context, resource Resource, event WatchEvent) (*time.Duration, error) {
	cycleStart := r.clock.Now()
	registry := r.registry.ForResource(resource)
	patch := NewPatch()
	logger := r.logger.WithValues("resource", resource.String(), "name", event.Object.Name(), "namespace", event.Object.Namespace())

	cause := DetectResourceChangingCause(event, resource, registry.RequiresFinalizer(event.Object), patch, registry.GetExtraFields(), logger)

	if r.metrics != nil {
		r.metrics.CyclesTotal.WithLabelValues(resource.String(), string(cause.Reason)).Inc()
		defer func() {
			r.metrics.CycleDuration.WithLabelValues(resource.String()).Observe(r.clock.Now().Sub(cycleStart).Seconds())
		}()
	}

	if err := r.runWatchingHandlers(ctx, registry, cause); err != nil {
		logger.Error(err, "resource-watching handler failed")
	}

	var result executeResult
	var execErr error
	if cause.Reason.HasHandlers() {
		result, execErr = runExecute(ctx, registry, cause, r.policy, r.clock, r.pool, r.config)
		if execErr != nil {
			return nil, execErr
		}
		r.notifyFailures(ctx, registry, cause)
		r.recordOutcomes(registry, cause)
	} else {
		result = executeResult{done: true}
	}

	r.finalizeCause(cause, result, registry)

	if err := r.patch.Patch(ctx, resource, event.Object, cause.Patch); err != nil {
		return nil, err
	}

	if !cause.Patch.IsEmpty() || result.done || result.delay == nil {
		return nil, nil
	}
	return result.delay, nil
}

// dummyPatch is the Demultiplexer's DummyPatchFunc: it writes an
// ISO-8601 UTC timestamp into status.kopf.dummy, solely to provoke the
// next watch delivery for an object whose cause is still retrying.
func (r *Reactor) dummyPatch(ctx context.Context, resource Resource, body Body) error {
	dummy := NewPatch()
	if err := dummy.SetField(r.clock.Now().UTC().Format(time.RFC3339Nano), "status", "kopf", "dummy"); err != nil {
		return err
	}
	return r.patch.Patch(ctx, resource, body, dummy)
}

func (r *Reactor) runWatchingHandlers(ctx context.Context, registry *ResourceRegistry, cause Cause) error {
	for _, h := range registry.GetResourceWatchingHandlers(cause) {
		hctx := newContext(cause, h, r.policy, r.clock, r.pool, r.config, 0, r.clock.Now())
		hctx.children = nil
		if _, err := invoke(ctx, h, hctx); err != nil {
			return err
		}
	}
	return nil
}

// notifyFailures reports handlers that failed permanently *this cycle*:
// it reads straight from cause.Patch (not the merged body+patch view
// GetProgress normally uses) so a handler that already failed in a prior
// cycle, and is merely sitting in "done" this time, is never re-notified.
func (r *Reactor) notifyFailures(ctx context.Context, registry *ResourceRegistry, cause Cause) {
	if r.sink == nil {
		return
	}
	for _, h := range registry.GetResourceChangingHandlers(cause) {
		raw, found, _ := cause.Patch.GetField(append(append([]string{}, progressRoot...), h.ID)...)
		m, ok := raw.(map[string]interface{})
		if !found || !ok {
			continue
		}
		entry := decodeProgress(m)
		if entry.Failure != nil && *entry.Failure && entry.Message != "" {
			if err := r.sink.Notify(ctx, cause.Resource, cause.Body, h.ID, errString(entry.Message)); err != nil {
				r.logger.Error(err, "outcome sink notification failed", "handler", h.ID)
			}
		}
	}
}

// recordOutcomes increments HandlerOutcomes for every handler whose
// progress entry was written *this cycle* (present in cause.Patch).
func (r *Reactor) recordOutcomes(registry *ResourceRegistry, cause Cause) {
	if r.metrics == nil {
		return
	}
	for _, h := range registry.GetResourceChangingHandlers(cause) {
		raw, found, _ := cause.Patch.GetField(append(append([]string{}, progressRoot...), h.ID)...)
		m, ok := raw.(map[string]interface{})
		if !found || !ok {
			continue
		}
		entry := decodeProgress(m)
		outcome := outcomeRetry
		switch {
		case entry.Success != nil && *entry.Success:
			outcome = outcomeSuccess
		case entry.Failure != nil && *entry.Failure:
			outcome = outcomeFailure
		}
		r.metrics.HandlerOutcomes.WithLabelValues(cause.Resource.String(), h.ID, outcome).Inc()
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// finalizeCause applies the cycle-boundary bookkeeping that sits outside
// the handler execution engine: last-seen refresh, progress purge, and
// finalizer add/remove, keyed off the cause's reason and whether the
// engine considers it fully done.
func (r *Reactor) finalizeCause(cause Cause, result executeResult, registry *ResourceRegistry) {
	switch cause.Reason {
	case ReasonGone, ReasonFree:
		// The object is gone or has no handlers of interest this cycle; any
		// status.kopf bookkeeping left behind by a prior, now-orphaned cycle
		// no longer corresponds to anything this reactor is still tracking.
		_ = PurgeProgress(cause.Patch)
		return
	case ReasonNoop:
		return
	case ReasonAcquire:
		_ = AppendFinalizer(cause.Body, cause.Patch)
		return
	case ReasonRelease:
		_ = RemoveFinalizer(cause.Body, cause.Patch)
		return
	}

	if !result.done {
		return
	}

	_ = PurgeProgress(cause.Patch)
	_ = RefreshEssence(cause.Body, cause.Patch, registry.GetExtraFields())

	if cause.Reason == ReasonDelete {
		_ = RemoveFinalizer(cause.Body, cause.Patch)
	}
}
