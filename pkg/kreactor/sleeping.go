package kreactor

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// SleepOrWait blocks for delay, woken early by ctx cancellation or a send
// on replenished (new events arrived for this UID, so the sleep is moot).
// It reports true if it woke because of replenished rather than because
// the full delay elapsed.
func SleepOrWait(ctx context.Context, clk clock.Clock, delay time.Duration, replenished <-chan struct{}) (interrupted bool) {
	if delay <= 0 {
		return false
	}
	timer := clk.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C():
		return false
	case <-replenished:
		return true
	case <-ctx.Done():
		return true
	}
}
