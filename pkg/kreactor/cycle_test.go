package kreactor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/apimachinery/pkg/watch"
	clocktesting "k8s.io/utils/clock/testing"
)

type recordingPatchClient struct {
	mu      sync.Mutex
	applied []Patch
}

func (c *recordingPatchClient) Patch(ctx context.Context, resource Resource, body Body, patch Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, patch)
	return nil
}

func (c *recordingPatchClient) last() Patch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[len(c.applied)-1]
}

func (c *recordingPatchClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) Notify(ctx context.Context, resource Resource, body Body, handlerID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, handlerID)
	return nil
}

var _ = Describe("Reactor.runCycle", func() {
	var (
		operator *OperatorRegistry
		client   *recordingPatchClient
		reactor  *Reactor
	)

	BeforeEach(func() {
		operator = NewOperatorRegistry()
		client = &recordingPatchClient{}
	})

	newReactor := func() *Reactor {
		return NewReactor(operator, client, AllAtOnce, nil, logr.Discard(), DefaultWorkerConfig())
	}

	It("refreshes the last-seen annotation and purges progress once a Create cause finishes", func() {
		_, err := operator.ForResource(widgetResourceTest).Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/sync"), WithReason(ReasonCreate))
		Expect(err).NotTo(HaveOccurred())
		reactor = newReactor()

		event := WatchEvent{Type: watch.Added, Object: widgetBody("w1", map[string]interface{}{"replicas": float64(3)})}
		delay, err := reactor.runCycle(context.Background(), widgetResourceTest, event)
		Expect(err).NotTo(HaveOccurred())
		Expect(delay).To(BeNil())

		applied := client.last()
		annotations, found, _ := applied.GetField("metadata", "annotations")
		Expect(found).To(BeTrue())
		annotationsMap, ok := annotations.(map[string]interface{})
		Expect(ok).To(BeTrue())
		Expect(annotationsMap[LastSeenAnnotation]).NotTo(BeEmpty())

		progress, found, _ := applied.GetField("status", "kopf", "progress")
		Expect(found).To(BeTrue())
		Expect(progress).To(BeNil())
	})

	It("truly clears a progress entry persisted by a prior cycle, not just the current cycle's own patch", func() {
		clk := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

		var attempts int
		var mu sync.Mutex
		_, err := operator.ForResource(widgetResourceTest).Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return nil, NewTemporaryError(errString("not ready yet"), time.Second)
			}
			return nil, nil
		}, WithID("widgets/sync"), WithReason(ReasonCreate))
		Expect(err).NotTo(HaveOccurred())

		reactor = NewReactor(operator, client, AllAtOnce, clk, logr.Discard(), DefaultWorkerConfig())

		body := widgetBody("w1", nil)
		_, err = reactor.runCycle(context.Background(), widgetResourceTest, WatchEvent{Type: watch.Added, Object: body})
		Expect(err).NotTo(HaveOccurred())

		// Simulate the PatchClient persisting cycle 1's patch onto the live
		// object, the way a real merge-patch apply would.
		persisted := NewBody(MergeInto(body.Content, client.last().Content))
		progress := GetProgress(persisted, NewPatch(), "widgets/sync")
		Expect(progress.IsStarted()).To(BeTrue())
		Expect(progress.IsFinished()).To(BeFalse())

		clk.Step(2 * time.Second)

		_, err = reactor.runCycle(context.Background(), widgetResourceTest, WatchEvent{Type: watch.Modified, Object: persisted})
		Expect(err).NotTo(HaveOccurred())

		persisted = NewBody(MergeInto(persisted.Content, client.last().Content))
		finalProgress := GetProgress(persisted, NewPatch(), "widgets/sync")
		Expect(finalProgress.IsStarted()).To(BeFalse())
		Expect(finalProgress.IsFinished()).To(BeFalse())
	})

	It("acquires the finalizer when a Delete-reason handler requires it and none is present yet", func() {
		_, err := operator.ForResource(widgetResourceTest).Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/cleanup"), WithReason(ReasonDelete))
		Expect(err).NotTo(HaveOccurred())
		reactor = newReactor()

		event := WatchEvent{Type: watch.Modified, Object: widgetBody("w1", nil)}
		_, err = reactor.runCycle(context.Background(), widgetResourceTest, event)
		Expect(err).NotTo(HaveOccurred())

		applied := client.last()
		finalizers, found, _ := applied.GetField("metadata", "finalizers")
		Expect(found).To(BeTrue())
		Expect(finalizers).To(ConsistOf(Finalizer))
	})

	It("removes the finalizer once every Delete handler has finished", func() {
		_, err := operator.ForResource(widgetResourceTest).Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/cleanup"), WithReason(ReasonDelete))
		Expect(err).NotTo(HaveOccurred())
		reactor = newReactor()

		body := widgetBody("w1", nil)
		meta := body.Content["metadata"].(map[string]interface{})
		meta["deletionTimestamp"] = "2026-01-01T00:00:00Z"
		meta["finalizers"] = []interface{}{Finalizer}

		event := WatchEvent{Type: watch.Modified, Object: body}
		_, err = reactor.runCycle(context.Background(), widgetResourceTest, event)
		Expect(err).NotTo(HaveOccurred())

		applied := client.last()
		finalizers, found, _ := applied.GetField("metadata", "finalizers")
		Expect(found).To(BeTrue())
		Expect(finalizers).To(BeEmpty())
	})

	It("tombstones any stray progress, but touches neither last-seen nor finalizers, for a Gone cause", func() {
		reactor = newReactor()
		event := WatchEvent{Type: watch.Deleted, Object: widgetBody("w1", nil)}
		_, err := reactor.runCycle(context.Background(), widgetResourceTest, event)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.count()).To(Equal(1))

		applied := client.last()
		_, found, _ := applied.GetField("metadata", "annotations")
		Expect(found).To(BeFalse())
		_, found, _ = applied.GetField("metadata", "finalizers")
		Expect(found).To(BeFalse())

		progress, found, _ := applied.GetField("status", "kopf", "progress")
		Expect(found).To(BeTrue())
		Expect(progress).To(BeNil())
	})

	It("notifies the outcome sink for a handler that fails permanently this cycle", func() {
		_, err := operator.ForResource(widgetResourceTest).Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, NewPermanentError(errString("bad config"))
		}, WithID("widgets/sync"), WithReason(ReasonCreate))
		Expect(err).NotTo(HaveOccurred())

		sink := &recordingSink{}
		reactor = newReactor().WithOutcomeSink(sink)

		event := WatchEvent{Type: watch.Added, Object: widgetBody("w1", nil)}
		_, err = reactor.runCycle(context.Background(), widgetResourceTest, event)
		Expect(err).NotTo(HaveOccurred())

		Expect(sink.calls).To(ConsistOf("widgets/sync"))
	})

	It("records a success outcome metric for a handler that completes this cycle", func() {
		_, err := operator.ForResource(widgetResourceTest).Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/sync"), WithReason(ReasonCreate))
		Expect(err).NotTo(HaveOccurred())

		metrics := NewMetrics()
		reactor = newReactor().WithMetrics(metrics)

		event := WatchEvent{Type: watch.Added, Object: widgetBody("w1", nil)}
		_, err = reactor.runCycle(context.Background(), widgetResourceTest, event)
		Expect(err).NotTo(HaveOccurred())

		count := testutil.ToFloat64(metrics.HandlerOutcomes.WithLabelValues(widgetResourceTest.String(), "widgets/sync", outcomeSuccess))
		Expect(count).To(Equal(1.0))

		cycleCount := testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(widgetResourceTest.String(), string(ReasonCreate)))
		Expect(cycleCount).To(Equal(1.0))
	})
})
