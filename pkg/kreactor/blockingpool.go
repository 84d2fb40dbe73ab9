package kreactor

import "context"

// blockingPool is the bounded `chan func()` worker pool that Blocking
// handlers dispatch onto, so a slow synchronous handler for one object
// never stalls the workers of unrelated objects. A nil *blockingPool runs
// submitted work inline on the caller's own goroutine, the fallback used
// when an engine is built without a configured pool size.
type blockingPool struct {
	jobs chan func()
	done chan struct{}
}

// newBlockingPool starts size worker goroutines draining a shared job
// queue of depth size*4, bounded so a burst of blocking handlers applies
// backpressure rather than spawning unbounded goroutines.
func newBlockingPool(size int) *blockingPool {
	if size <= 0 {
		size = 1
	}
	p := &blockingPool{
		jobs: make(chan func(), size*4),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p
}

func (p *blockingPool) loop() {
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		case <-p.done:
			return
		}
	}
}

func (p *blockingPool) close() {
	close(p.done)
}

type blockingOutcome struct {
	result interface{}
	err    error
}

func (p *blockingPool) run(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	resultCh := make(chan blockingOutcome, 1)
	job := func() {
		result, err := fn()
		resultCh <- blockingOutcome{result: result, err: err}
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case o := <-resultCh:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func invokeBlocking(ctx context.Context, h Handler, hctx *Context) (interface{}, error) {
	if hctx.pool == nil {
		return h.Fn(ctx, hctx)
	}
	return hctx.pool.run(ctx, func() (interface{}, error) {
		return h.Fn(ctx, hctx)
	})
}
