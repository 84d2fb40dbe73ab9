package kreactor

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func noopHandler(ctx context.Context, hctx *Context) (interface{}, error) { return nil, nil }

var _ = Describe("ResourceRegistry", func() {
	var registry *ResourceRegistry

	BeforeEach(func() {
		registry = NewResourceRegistry(widgetResourceTest)
	})

	Describe("Register", func() {
		It("assigns an auto-generated ID when none is supplied", func() {
			h, err := registry.Register(noopHandler)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.ID).To(Equal("widgets/handler-1"))
		})

		It("honors an explicit WithID", func() {
			h, err := registry.Register(noopHandler, WithID("widgets/sync"))
			Expect(err).NotTo(HaveOccurred())
			Expect(h.ID).To(Equal("widgets/sync"))
		})

		It("rejects a negative timeout", func() {
			_, err := registry.Register(noopHandler, WithTimeout(-1))
			Expect(err).To(HaveOccurred())
		})

		It("marks the handler as blocking via RegisterBlocking", func() {
			h, err := registry.RegisterBlocking(noopHandler)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Blocking).To(BeTrue())
		})

		It("tracks a Field handler's path as an extra essence field", func() {
			_, err := registry.Register(noopHandler, WithField("spec", "replicas"))
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.GetExtraFields()).To(ContainElement(FieldPath("spec.replicas")))
		})
	})

	Describe("GetResourceChangingHandlers", func() {
		BeforeEach(func() {
			_, err := registry.Register(noopHandler, WithID("widgets/any"))
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Register(noopHandler, WithID("widgets/on-delete"), WithReason(ReasonDelete))
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Register(noopHandler, WithID("widgets/on-replicas"), WithField("spec", "replicas"))
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Register(noopHandler, WithID("widgets/on-create-only"), WithInitial())
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Register(noopHandler, WithID("widgets/on-resume"), WithReason(ReasonResume))
			Expect(err).NotTo(HaveOccurred())
		})

		It("matches reason-agnostic handlers against any reason", func() {
			cause := Cause{Reason: ReasonUpdate, Body: widgetBody("w1", nil)}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/any"))
			Expect(ids).NotTo(ContainElement("widgets/on-delete"))
		})

		It("matches a reason-scoped handler only against its reason", func() {
			cause := Cause{Reason: ReasonDelete, Body: widgetBody("w1", nil)}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/on-delete"))
		})

		It("excludes a Field handler when the reduced diff is empty", func() {
			cause := Cause{
				Reason: ReasonUpdate,
				Body:   widgetBody("w1", nil),
				Diff:   Diff{{Op: DiffChange, Path: []string{"spec", "image"}, Old: "a", New: "b"}},
			}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).NotTo(ContainElement("widgets/on-replicas"))
		})

		It("includes a Field handler when the reduced diff is non-empty", func() {
			cause := Cause{
				Reason: ReasonUpdate,
				Body:   widgetBody("w1", nil),
				Diff:   Diff{{Op: DiffChange, Path: []string{"spec", "replicas"}, Old: float64(1), New: float64(2)}},
			}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/on-replicas"))
		})

		It("excludes a non-Initial handler on a Resume cause", func() {
			cause := Cause{Reason: ReasonResume, Body: widgetBody("w1", nil)}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).NotTo(ContainElement("widgets/any"))
			Expect(ids).To(ContainElement("widgets/on-create-only"))
		})

		It("includes a handler explicitly registered with WithReason(ReasonResume) even without WithInitial", func() {
			cause := Cause{Reason: ReasonResume, Body: widgetBody("w1", nil)}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/on-resume"))
		})
	})

	Describe("selector matching", func() {
		BeforeEach(func() {
			_, err := registry.Register(noopHandler, WithID("widgets/labeled"), WithLabels(map[string]string{"team": "payments"}))
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Register(noopHandler, WithID("widgets/present"), WithAnnotations(map[string]string{"kreactor.io/enabled": Present}))
			Expect(err).NotTo(HaveOccurred())
		})

		It("excludes a label-scoped handler when the label is absent", func() {
			cause := Cause{Reason: ReasonUpdate, Body: widgetBody("w1", nil)}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).NotTo(ContainElement("widgets/labeled"))
		})

		It("includes a label-scoped handler when the label value matches", func() {
			body := widgetBody("w1", nil)
			body.Content["metadata"].(map[string]interface{})["labels"] = map[string]interface{}{"team": "payments"}
			cause := Cause{Reason: ReasonUpdate, Body: body}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/labeled"))
		})

		It("matches the Present sentinel against any annotation value", func() {
			body := widgetBody("w1", nil)
			body.Content["metadata"].(map[string]interface{})["annotations"] = map[string]interface{}{"kreactor.io/enabled": "anything"}
			cause := Cause{Reason: ReasonUpdate, Body: body}
			ids := handlerIDs(registry.GetResourceChangingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/present"))
		})
	})

	Describe("RequiresFinalizer", func() {
		It("is false with no Delete-reason handler registered", func() {
			_, err := registry.Register(noopHandler, WithReason(ReasonUpdate))
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.RequiresFinalizer(widgetBody("w1", nil))).To(BeFalse())
		})

		It("is true once a matching Delete-reason handler is registered", func() {
			_, err := registry.Register(noopHandler, WithReason(ReasonDelete))
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.RequiresFinalizer(widgetBody("w1", nil))).To(BeTrue())
		})

		It("is true for a reason-agnostic handler too, since it also runs on Delete", func() {
			_, err := registry.Register(noopHandler)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.RequiresFinalizer(widgetBody("w1", nil))).To(BeTrue())
		})
	})

	Describe("RegisterWatcher", func() {
		It("registers into the watching set, invisible to GetResourceChangingHandlers", func() {
			_, err := registry.RegisterWatcher(noopHandler, WithID("widgets/on-event"))
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.HasResourceWatchingHandlers()).To(BeTrue())
			Expect(registry.HasResourceChangingHandlers()).To(BeFalse())

			cause := Cause{Reason: ReasonUpdate, Body: widgetBody("w1", nil)}
			ids := handlerIDs(registry.GetResourceWatchingHandlers(cause))
			Expect(ids).To(ContainElement("widgets/on-event"))
		})
	})
})

var _ = Describe("OperatorRegistry", func() {
	It("lazily creates and reuses one ResourceRegistry per Resource", func() {
		operator := NewOperatorRegistry()
		first := operator.ForResource(widgetResourceTest)
		second := operator.ForResource(widgetResourceTest)
		Expect(first).To(BeIdenticalTo(second))
		Expect(operator.Resources()).To(ConsistOf(widgetResourceTest))
	})
})

func handlerIDs(handlers []Handler) []string {
	ids := make([]string, len(handlers))
	for i, h := range handlers {
		ids[i] = h.ID
	}
	return ids
}
