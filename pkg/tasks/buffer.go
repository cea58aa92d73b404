// Package tasks supervises external command executions and captures their
// output into bounded, sequenced buffers that can be replayed and tailed.
package tasks

import (
	"sync"
	"time"
	"unicode/utf8"
)

// truncationMarker is appended to lines cut at MaxLineLength.
const truncationMarker = "...[truncated]"

// Default output buffer caps.
const (
	DefaultMaxLines      = 10000
	DefaultMaxLineLength = 4096
)

// StreamKind identifies the origin of an output line.
type StreamKind string

const (
	StreamStdout      StreamKind = "stdout"
	StreamStderr      StreamKind = "stderr"
	StreamStatus      StreamKind = "status"
	StreamStatusError StreamKind = "status_error"
	StreamProgress    StreamKind = "progress"
	StreamInfo        StreamKind = "info"
)

// OutputLine is a single captured line. Sequence numbers are assigned by the
// owning buffer, start at 0 and are never reused within a task.
type OutputLine struct {
	Timestamp time.Time  `json:"timestamp"`
	Stream    StreamKind `json:"stream"`
	Content   string     `json:"content"`
	Sequence  uint64     `json:"sequence"`
}

// OutputSettings configures the caps of a task output buffer.
type OutputSettings struct {
	MaxLines      int `yaml:"max_lines" json:"max_lines"`
	MaxLineLength int `yaml:"max_line_length" json:"max_line_length"`
}

// DefaultOutputSettings returns the standard buffer caps.
func DefaultOutputSettings() OutputSettings {
	return OutputSettings{
		MaxLines:      DefaultMaxLines,
		MaxLineLength: DefaultMaxLineLength,
	}
}

// Buffer is a bounded ring of output lines. Appends evict the oldest lines
// once MaxLines is exceeded; overlong lines are truncated at a UTF-8
// character boundary. Safe for concurrent use.
type Buffer struct {
	mu             sync.RWMutex
	lines          []OutputLine
	maxLines       int
	maxLineLength  int
	nextSequence   uint64
	totalProcessed uint64
}

// NewBuffer creates a buffer with the given caps. Non-positive values fall
// back to the defaults.
func NewBuffer(settings OutputSettings) *Buffer {
	if settings.MaxLines <= 0 {
		settings.MaxLines = DefaultMaxLines
	}
	if settings.MaxLineLength <= 0 {
		settings.MaxLineLength = DefaultMaxLineLength
	}
	return &Buffer{
		lines:         make([]OutputLine, 0, 64),
		maxLines:      settings.MaxLines,
		maxLineLength: settings.MaxLineLength,
	}
}

// Append stores a line, assigning the next sequence number, and returns the
// stored line.
func (b *Buffer) Append(stream StreamKind, content string) OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := OutputLine{
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Content:   truncateLine(content, b.maxLineLength),
		Sequence:  b.nextSequence,
	}
	b.nextSequence++
	b.totalProcessed++

	b.lines = append(b.lines, line)
	if overflow := len(b.lines) - b.maxLines; overflow > 0 {
		b.lines = append(b.lines[:0], b.lines[overflow:]...)
	}
	return line
}

// Recent returns up to limit of the newest lines, oldest first. A
// non-positive limit returns the full snapshot.
func (b *Buffer) Recent(limit int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if limit > 0 && len(b.lines) > limit {
		start = len(b.lines) - limit
	}
	out := make([]OutputLine, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

// Snapshot returns a copy of every buffered line, oldest first.
func (b *Buffer) Snapshot() []OutputLine {
	return b.Recent(0)
}

// Filter returns all buffered lines of the given stream kind.
func (b *Buffer) Filter(stream StreamKind) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]OutputLine, 0, len(b.lines))
	for _, l := range b.lines {
		if l.Stream == stream {
			out = append(out, l)
		}
	}
	return out
}

// Since returns all buffered lines with sequence >= seq, oldest first.
func (b *Buffer) Since(seq uint64) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]OutputLine, 0)
	for _, l := range b.lines {
		if l.Sequence >= seq {
			out = append(out, l)
		}
	}
	return out
}

// Clear drops all buffered lines. Sequence numbering continues where it
// left off.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
}

// Len returns the number of currently buffered lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// TotalProcessed returns the count of lines ever appended, including
// evicted ones.
func (b *Buffer) TotalProcessed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalProcessed
}

// HasTruncatedHistory reports whether eviction has dropped lines.
func (b *Buffer) HasTruncatedHistory() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalProcessed > uint64(len(b.lines))
}

// truncateLine cuts content to at most maxLen bytes, ending with the
// truncation marker. The cut happens at the largest UTF-8 character
// boundary that leaves room for the marker.
func truncateLine(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	room := maxLen - len(truncationMarker)
	if room < 0 {
		room = 0
	}
	cut := room
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + truncationMarker
}
