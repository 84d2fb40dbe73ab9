package kreactor

import (
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"
)

// progressRoot is the reserved status sub-path the framework owns.
var progressRoot = []string{"status", "kopf", "progress"}

// ProgressEntry mirrors one handler's bookkeeping at
// status.kopf.progress[handlerID]. Success and Failure are terminal and
// mutually exclusive; once either is non-nil, the handler is finished and
// never re-invoked for the same cause.
type ProgressEntry struct {
	Started *time.Time
	Stopped *time.Time
	Delayed *time.Time
	Retries int
	Success *bool
	Failure *bool
	Message string
}

// GetProgress reads a handler's progress entry, consulting the patch first
// (so handlers within the same cycle observe each other's in-memory
// writes) and falling back to the persisted body.
func GetProgress(body Body, patch Patch, handlerID string) ProgressEntry {
	raw, found, _ := patch.GetField(append(progressRoot, handlerID)...)
	if !found {
		raw, found, _ = unstructured.NestedFieldNoCopy(body.Content, append(progressRoot, handlerID)...)
	}
	m, ok := raw.(map[string]interface{})
	if !found || !ok {
		return ProgressEntry{}
	}
	return decodeProgress(m)
}

func decodeProgress(m map[string]interface{}) ProgressEntry {
	var entry ProgressEntry
	entry.Started = parseTimePtr(m["started"])
	entry.Stopped = parseTimePtr(m["stopped"])
	entry.Delayed = parseTimePtr(m["delayed"])
	if retries, ok := m["retries"].(int64); ok {
		entry.Retries = int(retries)
	} else if retries, ok := m["retries"].(float64); ok {
		entry.Retries = int(retries)
	}
	entry.Success = parseBoolPtr(m["success"])
	entry.Failure = parseBoolPtr(m["failure"])
	if msg, ok := m["message"].(string); ok {
		entry.Message = msg
	}
	return entry
}

func parseTimePtr(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func parseBoolPtr(v interface{}) *bool {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

// IsStarted reports whether the entry has recorded a start time.
func (e ProgressEntry) IsStarted() bool {
	return e.Started != nil
}

// IsFinished reports whether the handler reached a terminal outcome.
func (e ProgressEntry) IsFinished() bool {
	return (e.Success != nil && *e.Success) || (e.Failure != nil && *e.Failure)
}

// IsSleeping reports whether the entry has a future delayed time per clk.
func (e ProgressEntry) IsSleeping(clk clock.Clock) bool {
	return e.Delayed != nil && e.Delayed.After(clk.Now())
}

// IsAwakened reports whether the handler has started, is not finished, and
// is not currently sleeping — i.e. it is due to run this cycle.
func (e ProgressEntry) IsAwakened(clk clock.Clock) bool {
	return e.IsStarted() && !e.IsFinished() && !e.IsSleeping(clk)
}

// SetStartTime writes started=now into the patch, if absent.
func SetStartTime(patch Patch, handlerID string, clk clock.Clock) error {
	existing := GetProgress(Body{}, patch, handlerID)
	if existing.IsStarted() {
		return nil
	}
	return patch.SetField(formatTime(clk.Now()), append(progressRoot, handlerID, "started")...)
}

// SetRetryTime writes delayed = now+delay and increments retries.
func SetRetryTime(body Body, patch Patch, handlerID string, delay time.Duration, clk clock.Clock) error {
	entry := GetProgress(body, patch, handlerID)
	if err := patch.SetField(formatTime(clk.Now().Add(delay)), append(progressRoot, handlerID, "delayed")...); err != nil {
		return err
	}
	return patch.SetField(int64(entry.Retries+1), append(progressRoot, handlerID, "retries")...)
}

// StoreSuccess marks the handler finished successfully and, if result is
// non-nil, merges it under status.kopf.<handlerID>.
func StoreSuccess(body Body, patch Patch, handlerID string, result interface{}, clk clock.Clock) error {
	entry := GetProgress(body, patch, handlerID)
	if err := patch.SetField(true, append(progressRoot, handlerID, "success")...); err != nil {
		return err
	}
	if err := patch.SetField(formatTime(clk.Now()), append(progressRoot, handlerID, "stopped")...); err != nil {
		return err
	}
	if err := patch.SetField(int64(entry.Retries+1), append(progressRoot, handlerID, "retries")...); err != nil {
		return err
	}
	if result != nil {
		if err := patch.SetField(result, "status", "kopf", handlerID); err != nil {
			return err
		}
	}
	return nil
}

// StoreFailure marks the handler permanently failed.
func StoreFailure(body Body, patch Patch, handlerID string, cause error, clk clock.Clock) error {
	entry := GetProgress(body, patch, handlerID)
	if err := patch.SetField(true, append(progressRoot, handlerID, "failure")...); err != nil {
		return err
	}
	if err := patch.SetField(formatTime(clk.Now()), append(progressRoot, handlerID, "stopped")...); err != nil {
		return err
	}
	if err := patch.SetField(int64(entry.Retries+1), append(progressRoot, handlerID, "retries")...); err != nil {
		return err
	}
	return patch.SetField(cause.Error(), append(progressRoot, handlerID, "message")...)
}

// PurgeProgress tombstones status.kopf.progress, called once every handler
// of a cause has finished. This must write an explicit JSON null rather
// than simply remove the key from the patch's own map: the patch is
// applied as an RFC 7386 JSON merge patch, under which an absent key means
// "leave the live object's field alone", not "delete it" — only a present
// key with a null value actually clears status.kopf.progress on the server.
func PurgeProgress(patch Patch) error {
	return patch.SetField(nil, "status", "kopf", "progress")
}

// GetAwakeTime returns the earliest delayed time among the given handler
// IDs' progress entries, the moment the cycle should next wake to recheck
// a sleeping handler's timer.
func GetAwakeTime(body Body, patch Patch, handlerIDs []string) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, id := range handlerIDs {
		entry := GetProgress(body, patch, id)
		if entry.Delayed == nil {
			continue
		}
		if !found || entry.Delayed.Before(earliest) {
			earliest = *entry.Delayed
			found = true
		}
	}
	return earliest, found
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
