package kreactor

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// executeResult summarizes one runExecute pass over a cause's handlers.
type executeResult struct {
	done  bool
	delay *time.Duration
}

// runExecute implements the reactor cycle's handler execution engine: it
// enumerates the handlers matching cause, partitions them into done/wait/
// todo, consults policy for the subset to run this pass, stamps start
// times, runs the plan sequentially, and reports whether the cause is
// fully done or needs to be retried (and after how long).
func runExecute(
	ctx context.Context,
	registry *ResourceRegistry,
	cause Cause,
	policy LifecyclePolicy,
	clk clock.Clock,
	pool *blockingPool,
	config WorkerConfig,
) (executeResult, error) {
	matched := registry.GetResourceChangingHandlers(cause)
	if len(matched) == 0 {
		return executeResult{done: true}, nil
	}

	var done, wait, todo []Handler
	for _, h := range matched {
		progress := GetProgress(cause.Body, cause.Patch, h.ID)
		switch {
		case progress.IsFinished():
			done = append(done, h)
		case progress.IsSleeping(clk):
			wait = append(wait, h)
		default:
			todo = append(todo, h)
		}
	}

	for _, h := range matched {
		progress := GetProgress(cause.Body, cause.Patch, h.ID)
		if !progress.IsStarted() {
			if err := SetStartTime(cause.Patch, h.ID, clk); err != nil {
				return executeResult{}, err
			}
		}
	}

	plan := policy(todo, cause)
	planned := map[string]bool{}
	for _, h := range plan {
		planned[h.ID] = true
	}

	var retried []Handler
	for _, h := range plan {
		finished, err := runOneHandler(ctx, h, cause, policy, clk, pool, config)
		if err != nil {
			return executeResult{}, err
		}
		if !finished {
			retried = append(retried, h)
		}
	}

	var left []Handler
	for _, h := range todo {
		if !planned[h.ID] {
			left = append(left, h)
			continue
		}
	}
	left = append(left, retried...)

	if len(left) > 0 {
		return executeResult{done: false, delay: nil}, nil
	}

	if len(wait) > 0 {
		ids := make([]string, len(wait))
		for i, h := range wait {
			ids[i] = h.ID
		}
		keepaliveInterval := config.keepaliveInterval()
		awake, found := GetAwakeTime(cause.Body, cause.Patch, ids)
		if found {
			delay := awake.Sub(clk.Now())
			if delay < 0 {
				delay = 0
			}
			if delay > keepaliveInterval {
				delay = keepaliveInterval
			}
			return executeResult{done: false, delay: &delay}, nil
		}
		keepalive := keepaliveInterval
		return executeResult{done: false, delay: &keepalive}, nil
	}

	return executeResult{done: true}, nil
}

// runOneHandler invokes a single handler and records its outcome into
// cause.Patch, returning whether it reached a terminal state this pass.
func runOneHandler(
	ctx context.Context,
	h Handler,
	cause Cause,
	policy LifecyclePolicy,
	clk clock.Clock,
	pool *blockingPool,
	config WorkerConfig,
) (bool, error) {
	progress := GetProgress(cause.Body, cause.Patch, h.ID)
	started := clk.Now()
	if progress.Started != nil {
		started = *progress.Started
	}

	hctx := newContext(cause, h, policy, clk, pool, config, progress.Retries, started)
	hctx.Runtime = clk.Now().Sub(started)

	result, handlerErr := invoke(ctx, h, hctx)
	if handlerErr == nil {
		if err := runImplicitChildren(ctx, hctx); err != nil {
			handlerErr = err
		}
	}

	if handlerErr == nil {
		if err := StoreSuccess(cause.Body, cause.Patch, h.ID, result, clk); err != nil {
			return false, err
		}
		return true, nil
	}

	retryDelay := config.retryDelay()
	delay, permanent := classifyOutcome(handlerErr, config.StrictErrors, retryDelay)
	if permanent {
		if err := StoreFailure(cause.Body, cause.Patch, h.ID, handlerErr, clk); err != nil {
			return false, err
		}
		return true, nil
	}

	effectiveDelay := retryDelay
	if delay != nil {
		effectiveDelay = *delay
	}
	if err := SetRetryTime(cause.Body, cause.Patch, h.ID, effectiveDelay, clk); err != nil {
		return false, err
	}
	return false, nil
}

// invoke runs the handler's function, enforcing its declared Timeout (if
// any) as a permanent HandlerTimeoutError, and routing Blocking handlers
// onto the shared blocking worker pool.
func invoke(ctx context.Context, h Handler, hctx *Context) (interface{}, error) {
	if h.Timeout <= 0 {
		if h.Blocking {
			return invokeBlocking(ctx, h, hctx)
		}
		return h.Fn(ctx, hctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if h.Blocking {
			o.result, o.err = invokeBlocking(timeoutCtx, h, hctx)
		} else {
			o.result, o.err = h.Fn(timeoutCtx, hctx)
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timeoutCtx.Done():
		return nil, &HandlerTimeoutError{HandlerID: h.ID, Timeout: h.Timeout}
	}
}
