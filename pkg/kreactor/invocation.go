package kreactor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Context is passed to every handler invocation. It carries the decoded
// cause plus per-handler reductions (Old/New/Diff narrowed to the
// handler's Field, if any) and the machinery a handler needs to run
// sub-handlers explicitly via Execute.
type Context struct {
	Cause     Cause
	Reason    Reason
	Body      Body
	Spec      map[string]interface{}
	Meta      map[string]interface{}
	Status    map[string]interface{}
	UID       string
	Name      string
	Namespace string
	Patch     Patch
	Logger    logr.Logger
	Diff      Diff
	Old       interface{}
	New       interface{}
	Retry     int
	Started   time.Time
	Runtime   time.Duration

	handler  Handler
	clock    clock.Clock
	policy   LifecyclePolicy
	pool     *blockingPool
	config   WorkerConfig
	children *ResourceRegistry
	executed bool
}

// ExecuteOption configures a sub-handler Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	fns   []HandlerFunc
	regs  []*ResourceRegistry
	opts  []Option
	clock clock.Clock
}

// WithHandlerFuncs adds bare functions as ad-hoc children of the current
// invocation, each registered under a sub-ID derived from the parent
// handler's ID.
func WithHandlerFuncs(fns ...HandlerFunc) ExecuteOption {
	return func(o *executeOptions) { o.fns = append(o.fns, fns...) }
}

// WithChildRegistry runs every handler already accumulated in reg as
// children of the current invocation.
func WithChildRegistry(reg *ResourceRegistry) ExecuteOption {
	return func(o *executeOptions) { o.regs = append(o.regs, reg) }
}

// newContext builds the per-handler invocation context for cause,
// reducing Old/New/Diff to handler.Field when set.
func newContext(cause Cause, handler Handler, policy LifecyclePolicy, clk clock.Clock, pool *blockingPool, config WorkerConfig, retry int, started time.Time) *Context {
	ctx := &Context{
		Cause:     cause,
		Reason:    cause.Reason,
		Body:      cause.Body,
		Spec:      cause.Body.Spec(),
		Meta:      metadataOf(cause.Body),
		Status:    cause.Body.Status(),
		UID:       string(cause.Body.UID()),
		Name:      cause.Body.Name(),
		Namespace: cause.Body.Namespace(),
		Patch:     cause.Patch,
		Logger:    cause.Logger,
		Old:       cause.Old,
		New:       cause.New,
		Diff:      cause.Diff,
		Retry:     retry,
		Started:   started,

		handler:  handler,
		clock:    clk,
		policy:   policy,
		pool:     pool,
		config:   config,
		children: NewResourceRegistry(cause.Resource),
	}
	if len(handler.Field) > 0 {
		reduced := cause.Diff.Reduce(handler.Field)
		ctx.Diff = reduced
		ctx.Old = reducePathValue(cause.Old, handler.Field)
		ctx.New = reducePathValue(cause.New, handler.Field)
	}
	return ctx
}

func metadataOf(body Body) map[string]interface{} {
	m, ok := body.Content["metadata"].(map[string]interface{})
	if !ok {
		return nil
	}
	return m
}

func reducePathValue(v interface{}, path []string) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	cur := interface{}(m)
	for _, p := range path {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = asMap[p]
	}
	return cur
}

// Execute runs child handlers registered via opts (or, if none call
// WithHandlerFuncs/WithChildRegistry, any handlers the invoking handler
// registered on its children registry before calling Execute). It reuses
// the current cycle's Patch and clock, and returns childrenRetryError if
// any child did not finish. Only available for change-type causes —
// event-type (resource-watching) causes never build a Context with a
// children registry and reject Execute.
func (c *Context) Execute(ctx context.Context, opts ...ExecuteOption) error {
	if c.children == nil {
		return fmt.Errorf("kreactor: Execute is not available for resource-watching handlers")
	}
	c.executed = true

	var o executeOptions
	o.clock = c.clock
	for _, opt := range opts {
		opt(&o)
	}

	reg := c.children
	if len(o.fns) > 0 || len(o.regs) > 0 {
		reg = NewResourceRegistry(c.Cause.Resource)
		for i, fn := range o.fns {
			if _, err := reg.Register(fn, WithID(fmt.Sprintf("%s/%d", c.handler.ID, i))); err != nil {
				return err
			}
		}
		for _, src := range o.regs {
			reg.changing = append(reg.changing, src.changing...)
		}
	}

	return runChildren(ctx, reg, c.Cause, c.policy, o.clock, c.pool, c.config)
}

// runImplicitChildren is invoked by the engine after a handler returns
// without calling Execute, if the handler accumulated any children on its
// own registry via WithChildRegistry-style composition during Fn.
func runImplicitChildren(ctx context.Context, hctx *Context) error {
	if hctx.executed || hctx.children == nil || len(hctx.children.changing) == 0 {
		return nil
	}
	return runChildren(ctx, hctx.children, hctx.Cause, hctx.policy, hctx.clock, hctx.pool, hctx.config)
}

func runChildren(ctx context.Context, reg *ResourceRegistry, cause Cause, policy LifecyclePolicy, clk clock.Clock, pool *blockingPool, config WorkerConfig) error {
	result, err := runExecute(ctx, reg, cause, policy, clk, pool, config)
	if err != nil {
		return err
	}
	if !result.done {
		delay := result.delay
		return &childrenRetryError{Delay: delay}
	}
	return nil
}
