package kreactor

import (
	"math/rand/v2"
	"sort"
)

// LifecyclePolicy narrows the set of awakened ("todo") handlers down to
// the subset that should actually run this cycle. Every builtin policy is
// a deterministic function of its inputs up to explicit randomness, and
// always returns a subset of the handlers it was given.
type LifecyclePolicy func(handlers []Handler, cause Cause) []Handler

// AllAtOnce runs every todo handler in the same cycle.
func AllAtOnce(handlers []Handler, _ Cause) []Handler {
	return handlers
}

// OneByOne runs only the first todo handler, the most conservative policy
// and the safest default for handlers with side effects that shouldn't
// interleave.
func OneByOne(handlers []Handler, _ Cause) []Handler {
	if len(handlers) == 0 {
		return nil
	}
	return handlers[:1]
}

// ASAP runs the handler with the fewest prior retries first, giving
// starved handlers priority over ones already making progress.
func ASAP(handlers []Handler, cause Cause) []Handler {
	if len(handlers) == 0 {
		return nil
	}
	ordered := append([]Handler{}, handlers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri := GetProgress(cause.Body, cause.Patch, ordered[i].ID).Retries
		rj := GetProgress(cause.Body, cause.Patch, ordered[j].ID).Retries
		return ri < rj
	})
	return ordered[:1]
}

// Randomized runs a random non-empty subset of the todo handlers.
func Randomized(handlers []Handler, _ Cause) []Handler {
	if len(handlers) == 0 {
		return nil
	}
	n := 1 + rand.IntN(len(handlers))
	shuffled := Shuffled(handlers, Cause{})
	return shuffled[:n]
}

// Shuffled runs every todo handler, in a random order.
func Shuffled(handlers []Handler, _ Cause) []Handler {
	out := append([]Handler{}, handlers...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
