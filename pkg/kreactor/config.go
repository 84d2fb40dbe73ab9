package kreactor

import "time"

// WorkerConfig bounds a Demultiplexer's per-UID worker lifecycle and the
// engine's default retry timing. Loaded from YAML by internal/config and
// passed in verbatim; the zero value is not valid — use
// DefaultWorkerConfig as a base.
type WorkerConfig struct {
	// WorkerIdleTimeout is how long a Worker waits for an event on its
	// stream before exiting and releasing its UID slot.
	WorkerIdleTimeout time.Duration
	// WorkerBatchWindow bounds how long a Worker keeps draining
	// already-queued events after the first, collapsing to the last.
	WorkerBatchWindow time.Duration
	// WorkerExitTimeout bounds how long shutdown waits for in-flight
	// workers to drain before giving up.
	WorkerExitTimeout time.Duration
	// WatcherRetryDelay is how long the Demultiplexer waits before
	// re-establishing a watch after the source's channel closes with an
	// error.
	WatcherRetryDelay time.Duration
	// QueueCapacity bounds each per-UID stream's buffered channel depth.
	QueueCapacity int
	// BlockingPoolSize bounds the shared worker pool Blocking handlers
	// dispatch onto.
	BlockingPoolSize int
	// DefaultRetryDelay overrides the package constant of the same
	// meaning, if non-zero.
	DefaultRetryDelay time.Duration
	// WaitingKeepaliveInterval overrides the package constant of the
	// same meaning, if non-zero.
	WaitingKeepaliveInterval time.Duration
	// StrictErrors, when true, treats an unrecognized handler error as
	// PermanentError rather than TemporaryError(DefaultRetryDelay).
	StrictErrors bool
}

// DefaultWorkerConfig returns the framework's built-in defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerIdleTimeout:        10 * time.Minute,
		WorkerBatchWindow:        100 * time.Millisecond,
		WorkerExitTimeout:        30 * time.Second,
		WatcherRetryDelay:        5 * time.Second,
		QueueCapacity:            32,
		BlockingPoolSize:         8,
		DefaultRetryDelay:        DefaultRetryDelay,
		WaitingKeepaliveInterval: WaitingKeepaliveInterval,
		StrictErrors:             false,
	}
}

func (c WorkerConfig) retryDelay() time.Duration {
	if c.DefaultRetryDelay > 0 {
		return c.DefaultRetryDelay
	}
	return DefaultRetryDelay
}

func (c WorkerConfig) keepaliveInterval() time.Duration {
	if c.WaitingKeepaliveInterval > 0 {
		return c.WaitingKeepaliveInterval
	}
	return WaitingKeepaliveInterval
}
