// Package logring implements the kernel's fixed-capacity log ring buffer
// (spec §3 "Log ring buffer"): a spinlock-guarded ring of line records that
// any hart may append to, where the oldest record is silently overwritten
// on capacity overflow and readers never mutate the buffer.
//
// The encode/decode and source-indexing shape is grounded on the teacher's
// binary structured logger (tinyrange/cc internal/debug), adapted from an
// append-only indexed file format to a fixed-size in-memory ring keyed by
// level and target rather than by arbitrary source strings.
package logring

import (
	"fmt"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// Level is the severity of a log line.
type Level uint8

const (
	LevelTrace Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Target selects which log file klogd eventually flushes a line to (spec §6
// "Log target selector").
type Target uint8

const (
	TargetKernel Target = iota
	TargetSysmond
	TargetUser
)

func (t Target) String() string {
	switch t {
	case TargetKernel:
		return "kernel"
	case TargetSysmond:
		return "sysmond"
	case TargetUser:
		return "user"
	default:
		return "unknown"
	}
}

// Line is one record in the ring buffer.
type Line struct {
	TimestampMs int64
	Level       Level
	Target      Target
	Text        string
}

// DefaultCapacity is the ring size used when Buffer is constructed with
// NewBuffer(0).
const DefaultCapacity = 512

// Buffer is a fixed-capacity, spinlock-guarded ring of Line records. Oldest
// entries are overwritten once the ring fills; readers (Each, Snapshot) never
// remove or reorder entries they observe.
type Buffer struct {
	mu       lockprim.Spinlock
	lines    []Line
	head     int // index of the oldest valid entry
	count    int // number of valid entries, <= len(lines)
	appended uint64
}

// NewBuffer constructs a ring buffer with the given capacity. A capacity of
// zero uses DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]Line, capacity)}
}

// Append adds a line to the buffer, evicting the oldest entry if full.
func (b *Buffer) Append(timestampMs int64, level Level, target Target, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.lines)
	writeAt := (b.head + b.count) % n
	if b.count == n {
		// full: overwrite oldest, advance head
		writeAt = b.head
		b.head = (b.head + 1) % n
	} else {
		b.count++
	}
	b.lines[writeAt] = Line{TimestampMs: timestampMs, Level: level, Target: target, Text: text}
	b.appended++
}

// Appendf formats a message and appends it.
func (b *Buffer) Appendf(timestampMs int64, level Level, target Target, format string, args ...any) {
	b.Append(timestampMs, level, target, fmt.Sprintf(format, args...))
}

// Len reports the number of live entries currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// TotalAppended reports the lifetime count of Append calls, including ones
// that were since evicted — useful for detecting overflow in tests.
func (b *Buffer) TotalAppended() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended
}

// Snapshot returns a copy of all live entries, oldest first. It is
// non-destructive: the buffer is unaffected by the call.
func (b *Buffer) Snapshot() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Line, b.count)
	n := len(b.lines)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.head+i)%n]
	}
	return out
}

// Each non-destructively iterates live entries oldest-first, stopping early
// if fn returns false.
func (b *Buffer) Each(fn func(Line) bool) {
	for _, line := range b.Snapshot() {
		if !fn(line) {
			return
		}
	}
}

// ByTarget returns a copy of live entries matching the given target,
// oldest-first, suitable for klogd's per-target flush (spec §6).
func (b *Buffer) ByTarget(target Target) []Line {
	var out []Line
	b.Each(func(l Line) bool {
		if l.Target == target {
			out = append(out, l)
		}
		return true
	})
	return out
}
