package kreactor

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"
)

var _ = Describe("runExecute", func() {
	var (
		registry *ResourceRegistry
		clk      *clocktesting.FakeClock
		cause    Cause
	)

	BeforeEach(func() {
		registry = NewResourceRegistry(widgetResourceTest)
		clk = clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		cause = Cause{
			Reason:   ReasonUpdate,
			Resource: widgetResourceTest,
			Body:     widgetBody("w1", nil),
			Patch:    NewPatch(),
			Logger:   logr.Discard(),
		}
	})

	It("reports done immediately when no handler matches the cause", func() {
		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeTrue())
	})

	It("runs a successful handler to completion in one pass", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		}, WithID("widgets/sync"))
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeTrue())

		entry := GetProgress(cause.Body, cause.Patch, "widgets/sync")
		Expect(entry.IsFinished()).To(BeTrue())
	})

	It("is not done, and requests the default retry delay, when a handler fails temporarily", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, NewTemporaryError(errors.New("not ready yet"), 30*time.Second)
		}, WithID("widgets/sync"))
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeFalse())

		entry := GetProgress(cause.Body, cause.Patch, "widgets/sync")
		Expect(entry.IsFinished()).To(BeFalse())
		Expect(entry.Retries).To(Equal(1))
	})

	It("marks a permanently-failing handler as finished (failed) rather than retried", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, NewPermanentError(errors.New("bad config"))
		}, WithID("widgets/sync"))
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeTrue())

		entry := GetProgress(cause.Body, cause.Patch, "widgets/sync")
		Expect(entry.IsFinished()).To(BeTrue())
		Expect(*entry.Failure).To(BeTrue())
	})

	It("reports a bounded keepalive delay when every todo handler is sleeping", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, NewTemporaryError(errors.New("not ready yet"), time.Hour)
		}, WithID("widgets/sync"))
		Expect(err).NotTo(HaveOccurred())

		_, err = runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeFalse())
		Expect(result.delay).NotTo(BeNil())
		Expect(*result.delay).To(Equal(WaitingKeepaliveInterval))
	})

	It("treats an unknown error as permanent when strictErrors is set", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, errors.New("unclassified failure")
		}, WithID("widgets/sync"))
		Expect(err).NotTo(HaveOccurred())

		strictConfig := DefaultWorkerConfig()
		strictConfig.StrictErrors = true
		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, strictConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeTrue())

		entry := GetProgress(cause.Body, cause.Patch, "widgets/sync")
		Expect(*entry.Failure).To(BeTrue())
	})

	It("enforces a handler's declared timeout as a permanent failure", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			time.Sleep(time.Hour)
			return nil, nil
		}, WithID("widgets/slow"), WithTimeout(10*time.Millisecond))
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeTrue())

		entry := GetProgress(cause.Body, cause.Patch, "widgets/slow")
		Expect(*entry.Failure).To(BeTrue())
		Expect(entry.Message).To(ContainSubstring("exceeded its timeout"))
	})

	It("dispatches a Blocking handler onto the blocking pool and still completes", func() {
		pool := newBlockingPool(1)
		defer pool.close()

		_, err := registry.RegisterBlocking(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/blocking"))
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, AllAtOnce, clk, pool, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeTrue())
	})

	It("applies OneByOne to leave remaining todo handlers unplanned, reporting not done", func() {
		_, err := registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/first"))
		Expect(err).NotTo(HaveOccurred())
		_, err = registry.Register(func(ctx context.Context, hctx *Context) (interface{}, error) {
			return nil, nil
		}, WithID("widgets/second"))
		Expect(err).NotTo(HaveOccurred())

		result, err := runExecute(context.Background(), registry, cause, OneByOne, clk, nil, DefaultWorkerConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.done).To(BeFalse())

		firstEntry := GetProgress(cause.Body, cause.Patch, "widgets/first")
		secondEntry := GetProgress(cause.Body, cause.Patch, "widgets/second")
		Expect(firstEntry.IsFinished() || secondEntry.IsFinished()).To(BeTrue())
		Expect(firstEntry.IsFinished() && secondEntry.IsFinished()).To(BeFalse())
	})
})
