package tasks

import "time"

// Timed buffer defaults, shared by the log and task-output streamers.
const (
	DefaultFlushCount    = 10
	DefaultFlushInterval = 100 * time.Millisecond
)

// TimedBuffer batches output lines until either a count threshold is
// reached or the oldest pending line exceeds the flush interval. It is not
// safe for concurrent use; each stream worker owns exactly one.
type TimedBuffer struct {
	maxCount int
	maxAge   time.Duration
	pending  []OutputLine
	oldest   time.Time
}

// NewTimedBuffer creates a timed buffer. Non-positive thresholds fall back
// to the defaults.
func NewTimedBuffer(maxCount int, maxAge time.Duration) *TimedBuffer {
	if maxCount <= 0 {
		maxCount = DefaultFlushCount
	}
	if maxAge <= 0 {
		maxAge = DefaultFlushInterval
	}
	return &TimedBuffer{maxCount: maxCount, maxAge: maxAge}
}

// Add buffers a line. If the count threshold is reached, the whole batch is
// returned and the buffer reset; otherwise Add returns nil.
func (t *TimedBuffer) Add(line OutputLine) []OutputLine {
	if len(t.pending) == 0 {
		t.oldest = time.Now()
	}
	t.pending = append(t.pending, line)
	if len(t.pending) >= t.maxCount {
		return t.Flush()
	}
	return nil
}

// FlushIfStale returns the pending batch when the oldest buffered line is
// older than the flush interval, nil otherwise.
func (t *TimedBuffer) FlushIfStale() []OutputLine {
	if len(t.pending) > 0 && time.Since(t.oldest) >= t.maxAge {
		return t.Flush()
	}
	return nil
}

// Flush returns all pending lines and resets the buffer. Returns nil when
// empty.
func (t *TimedBuffer) Flush() []OutputLine {
	if len(t.pending) == 0 {
		return nil
	}
	batch := t.pending
	t.pending = nil
	return batch
}

// Len returns the number of pending lines.
func (t *TimedBuffer) Len() int {
	return len(t.pending)
}
