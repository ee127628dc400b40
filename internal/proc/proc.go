// Package proc implements the process table and PID allocator (spec §3
// "Process record", §9 "arena+index design"): the table owns every Record,
// and every other subsystem references a process only by PID, resolved
// back through this table. Grounded on the teacher's handle-table pattern
// for device/process records (tinyrange/cc internal/hv VirtualCPU handles)
// generalized to a monotonic, never-reused PID space.
package proc

import (
	"errors"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// ErrCannotKill is returned by Kill for PID 1 (init), which spec §3 reserves
// and forbids killing regardless of caller hart.
var ErrCannotKill = errors.New("proc: cannot kill init (pid 1)")

// ErrNotFound is returned when a PID does not resolve to a live record.
var ErrNotFound = errors.New("proc: process not found")

// ErrInvalidPID is returned for PID 0, which is never a valid process id.
var ErrInvalidPID = errors.New("proc: invalid pid 0")

// MaxNameBytes is the process name cap spec §3 specifies ("≤31 byte UTF-8").
const MaxNameBytes = 31

// State is a process's lifecycle stage (spec §4.5 state machine).
type State uint8

const (
	StateRunnable State = iota
	StateRunning
	StateSleeping
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Kind distinguishes ordinary user tasks from cadence-scheduled daemons
// (sysmond, klogd).
type Kind uint8

const (
	KindUserTask Kind = iota
	KindDaemon
)

// OwnerAny is the sentinel OwnerHart value meaning "any hart may run this
// process" (spec §3 "owner-hart-or-any").
const OwnerAny = -1

// EntryPoint is a process's entry function, the Go analogue of spec §6's
// "function accepting no arguments" user-process entry contract.
type EntryPoint func()

// Record is the process table entry spec §3 names.
type Record struct {
	PID              uint32
	Name             string
	State            State
	Entry            EntryPoint
	Kind             Kind
	OwnerHart        int
	AccumulatedCPUMs int64
	LastScheduledMs  int64
	SleepUntilMs     int64
}

// Table is the arena+index process table: it owns every Record, keyed by
// PID, and is the only place PIDs are allocated (spec §9).
type Table struct {
	mu       lockprim.Spinlock
	records  map[uint32]*Record
	everUsed map[uint32]bool
	nextPID  uint32
}

// NewTable constructs an empty process table. PID 1 is reserved for the
// caller to install as init (spec §3).
func NewTable() *Table {
	return &Table{
		records:  make(map[uint32]*Record),
		everUsed: make(map[uint32]bool),
		nextPID:  1,
	}
}

// Create allocates a fresh, never-before-used PID and inserts a record for
// it in StateRunnable. name is truncated to MaxNameBytes.
func (t *Table) Create(name string, entry EntryPoint, kind Kind, ownerHart int) (*Record, error) {
	if len(name) > MaxNameBytes {
		name = name[:MaxNameBytes]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pid := t.nextPID
	t.nextPID++
	t.everUsed[pid] = true

	rec := &Record{
		PID:       pid,
		Name:      name,
		State:     StateRunnable,
		Entry:     entry,
		Kind:      kind,
		OwnerHart: ownerHart,
	}
	t.records[pid] = rec
	return rec, nil
}

// Get resolves a PID to its live record. Returns ErrNotFound once a process
// has been reaped, and ErrInvalidPID for pid 0 (spec §3 "pid nonzero").
func (t *Table) Get(pid uint32) (*Record, error) {
	if pid == 0 {
		return nil, ErrInvalidPID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// SetState transitions pid's record to a new state.
func (t *Table) SetState(pid uint32, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	if !ok {
		return ErrNotFound
	}
	rec.State = state
	return nil
}

// Kill transitions pid to zombie at its next scheduling point (spec §5
// "Cancellation"). PID 1 can never be killed (spec §3, §8 scenario 6).
func (t *Table) Kill(pid uint32) error {
	if pid == 0 {
		return ErrInvalidPID
	}
	if pid == 1 {
		return ErrCannotKill
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	if !ok {
		return ErrNotFound
	}
	rec.State = StateZombie
	return nil
}

// Reap releases pid's record if it is a zombie, while keeping its PID in
// the "ever-used" set so a stale handle never resolves to a new process
// (spec §4.5 "Reaping"). Reports whether a record was actually released.
func (t *Table) Reap(pid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	if !ok || rec.State != StateZombie {
		return false
	}
	delete(t.records, pid)
	return true
}

// Zombies returns the PIDs of every record currently in StateZombie, for
// sysmond's reaping pass (spec §4.5).
func (t *Table) Zombies() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for pid, rec := range t.records {
		if rec.State == StateZombie {
			out = append(out, pid)
		}
	}
	return out
}

// List returns a snapshot copy of every live record, for ps_list (spec §6).
func (t *Table) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}

// EverUsed reports whether pid has ever been allocated during this boot,
// the "ever-used set" spec §4.5/§9 names.
func (t *Table) EverUsed(pid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.everUsed[pid]
}
