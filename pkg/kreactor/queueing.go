package kreactor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
)

// WatchSource is the external collaborator a Demultiplexer consumes: a
// long-lived watch stream over a single Resource, optionally scoped to a
// namespace (empty meaning cluster-wide).
type WatchSource interface {
	Watch(ctx context.Context, resource Resource, namespace string) (<-chan WatchEvent, error)
}

// CycleFunc runs one reactor cycle for a single delivered event. The
// Demultiplexer guarantees CycleFunc is never called concurrently for the
// same object UID. A non-nil returned duration requests an interruptible
// post-cycle sleep (the cause isn't done yet, but the cycle's patch was
// empty so nothing will otherwise provoke a retry); the Worker sleeps on
// its own stream's replenished edge and, if uninterrupted, calls
// DummyPatch to provoke one.
type CycleFunc func(ctx context.Context, resource Resource, event WatchEvent) (*time.Duration, error)

// DummyPatchFunc writes a self-provoking dummy patch to body once an
// interruptible post-cycle sleep completes without a fresh event arriving.
type DummyPatchFunc func(ctx context.Context, resource Resource, body Body) error

// stream is one object's private event queue, owned exclusively by its
// Worker goroutine once created; the Demultiplexer only ever sends to it
// or (under streamsMu) deletes the map entry after the worker exits.
type stream struct {
	events      chan WatchEvent
	replenished chan struct{}
}

func newStream(capacity int) *stream {
	return &stream{
		events:      make(chan WatchEvent, capacity),
		replenished: make(chan struct{}, 1),
	}
}

func (s *stream) notifyReplenished() {
	select {
	case s.replenished <- struct{}{}:
	default:
	}
}

// Demultiplexer fans a single WatchSource's events into one per-UID
// Worker, each serializing CycleFunc calls for its own object.
type Demultiplexer struct {
	source     WatchSource
	resource   Resource
	namespace  string
	cycle      CycleFunc
	dummyPatch DummyPatchFunc
	config     WorkerConfig
	clock      clock.Clock
	logger     logr.Logger

	streamsMu sync.Mutex
	streams   map[types.UID]*stream
}

// NewDemultiplexer constructs a Demultiplexer over source for resource,
// optionally scoped to namespace (empty for cluster-wide).
func NewDemultiplexer(source WatchSource, resource Resource, namespace string, cycle CycleFunc, dummyPatch DummyPatchFunc, config WorkerConfig, clk clock.Clock, logger logr.Logger) *Demultiplexer {
	return &Demultiplexer{
		source:     source,
		resource:   resource,
		namespace:  namespace,
		cycle:      cycle,
		dummyPatch: dummyPatch,
		config:     config,
		clock:      clk,
		logger:     logger,
		streams:    map[types.UID]*stream{},
	}
}

// Run consumes the watch source until ctx is cancelled or the source
// permanently fails, re-establishing the watch after WatcherRetryDelay on
// a recoverable channel closure. It blocks until every worker has exited.
func (d *Demultiplexer) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for {
		events, err := d.source.Watch(groupCtx, d.resource, d.namespace)
		if err != nil {
			d.logger.Error(err, "establishing watch, retrying", "resource", d.resource.String())
			if !d.sleepRetry(groupCtx) {
				break
			}
			continue
		}

		if !d.drain(groupCtx, events, group) {
			break
		}
	}

	d.closeAllStreams()
	return group.Wait()
}

func (d *Demultiplexer) sleepRetry(ctx context.Context) bool {
	timer := d.clock.NewTimer(d.config.WatcherRetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// drain pumps events from the watch channel until it closes or ctx is
// cancelled, returning false when the caller should stop re-watching.
func (d *Demultiplexer) drain(ctx context.Context, events <-chan WatchEvent, group *errgroup.Group) bool {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return true
			}
			d.dispatch(ctx, group, event)
		case <-ctx.Done():
			return false
		}
	}
}

func (d *Demultiplexer) dispatch(ctx context.Context, group *errgroup.Group, event WatchEvent) {
	uid := event.Object.UID()

	d.streamsMu.Lock()
	s, exists := d.streams[uid]
	if !exists {
		s = newStream(d.config.QueueCapacity)
		d.streams[uid] = s
		group.Go(func() error {
			d.runWorker(ctx, uid, s)
			return nil
		})
	}
	d.streamsMu.Unlock()

	select {
	case s.events <- event:
		s.notifyReplenished()
	case <-ctx.Done():
	}
}

// runWorker is the per-UID event loop: idle-timeout exit, batch-collapse
// of rapidly queued events, and sequential CycleFunc invocation.
func (d *Demultiplexer) runWorker(ctx context.Context, uid types.UID, s *stream) {
	defer d.deleteStream(uid)

	for {
		event, ok := d.receiveNext(ctx, s)
		if !ok {
			return
		}

		delay, err := d.cycle(ctx, d.resource, event)
		if err != nil {
			d.logger.Error(err, "reactor cycle failed", "resource", d.resource.String(), "uid", string(uid))
			continue
		}
		if delay == nil {
			continue
		}

		if SleepOrWait(ctx, d.clock, *delay, s.replenished) {
			continue
		}
		if err := d.dummyPatch(ctx, d.resource, event.Object); err != nil {
			d.logger.Error(err, "dummy patch failed", "resource", d.resource.String(), "uid", string(uid))
		}
	}
}

func (d *Demultiplexer) receiveNext(ctx context.Context, s *stream) (WatchEvent, bool) {
	idleTimer := d.clock.NewTimer(d.config.WorkerIdleTimeout)
	defer idleTimer.Stop()

	select {
	case event, ok := <-s.events:
		if !ok {
			return WatchEvent{}, false
		}
		return d.collapseBatch(ctx, s, event), true
	case <-idleTimer.C():
		return WatchEvent{}, false
	case <-ctx.Done():
		return WatchEvent{}, false
	}
}

// collapseBatch keeps draining already-queued events for up to
// WorkerBatchWindow, returning only the last one observed.
func (d *Demultiplexer) collapseBatch(ctx context.Context, s *stream, latest WatchEvent) WatchEvent {
	if d.config.WorkerBatchWindow <= 0 {
		return latest
	}
	deadline := d.clock.Now().Add(d.config.WorkerBatchWindow)
	for {
		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			return latest
		}
		timer := d.clock.NewTimer(remaining)
		select {
		case event, ok := <-s.events:
			timer.Stop()
			if !ok {
				return latest
			}
			latest = event
		case <-timer.C():
			return latest
		case <-ctx.Done():
			timer.Stop()
			return latest
		}
	}
}

func (d *Demultiplexer) deleteStream(uid types.UID) {
	d.streamsMu.Lock()
	delete(d.streams, uid)
	d.streamsMu.Unlock()
}

func (d *Demultiplexer) closeAllStreams() {
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	for _, s := range d.streams {
		close(s.events)
	}
}

// ActiveStreamCount reports how many UIDs currently have a live worker,
// exposed for the admin server's /debug/streams endpoint.
func (d *Demultiplexer) ActiveStreamCount() int {
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	return len(d.streams)
}
