// Package trace records reader pipeline activity as Chrome Trace Event
// JSON so chrome://tracing (or Perfetto) can visualize chunk download and
// sample decode stalls on a timeline, the same way the teacher's
// structured transfer events let an operator see where a send stalled,
// just shaped for a trace viewer instead of a log stream.
package trace

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ltdc/ltdc/internal/errs"
)

// Event is one Chrome Trace Event "complete event" (phase "X"): it spans
// [Timestamp, Timestamp+Duration) on one pid/tid track.
type Event struct {
	Name      string            `json:"name"`
	Category  string            `json:"cat"`
	Phase     string            `json:"ph"`
	Timestamp int64             `json:"ts"`  // microseconds since recorder start
	Duration  int64             `json:"dur"` // microseconds
	PID       int               `json:"pid"`
	TID       int               `json:"tid"`
	Args      map[string]any    `json:"args,omitempty"`
}

// Track identifies a tid within the trace; chunk downloads and sample
// decodes are kept on separate tracks so the viewer lanes them apart.
const (
	TrackDownload = 0
	TrackDecode   = 1
)

// Recorder buffers events in memory and writes them to path as a Chrome
// Trace Event JSON object (see traceFile) on Close. It is safe for concurrent use by the
// prefetcher's download goroutines and its single decode path.
type Recorder struct {
	mu     sync.Mutex
	path   string
	start  time.Time
	events []Event
	limit  int // 0 means unlimited
}

// NewRecorder creates a Recorder that writes to path on Close, keeping at
// most limit events (0 for unlimited) to bound memory on a long-running
// reader left profiling by accident.
func NewRecorder(path string, limit int) *Recorder {
	return &Recorder{path: path, start: time.Now(), limit: limit}
}

// Record appends one complete event spanning [start, start+dur) on the
// given track. A no-op once the recorder has reached its event limit.
func (r *Recorder) Record(track int, name, category string, start time.Time, dur time.Duration, args map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.events) >= r.limit {
		return
	}
	r.events = append(r.events, Event{
		Name:      name,
		Category:  category,
		Phase:     "X",
		Timestamp: start.Sub(r.start).Microseconds(),
		Duration:  dur.Microseconds(),
		PID:       1,
		TID:       track,
		Args:      args,
	})
}

// Len reports how many events have been recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// traceFile is the top-level Chrome Trace Event JSON object; using the
// object form (rather than a bare array) leaves room for displayTimeUnit
// without breaking any viewer that only reads traceEvents.
type traceFile struct {
	TraceEvents     []Event `json:"traceEvents"`
	DisplayTimeUnit string  `json:"displayTimeUnit"`
}

// Close writes the buffered events to the recorder's path. Safe to call
// even if no events were ever recorded, producing an empty trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Create(r.path)
	if err != nil {
		return errs.IO(r.path, 0, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(traceFile{TraceEvents: r.events, DisplayTimeUnit: "ms"}); err != nil {
		return errs.IO(r.path, 0, err)
	}
	return nil
}
