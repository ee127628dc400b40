// Package hart implements the per-hart record table and the cross-hart
// online barrier (spec §3 "Hart record", §4.7 "HARTS_ONLINE"). Grounded on
// the teacher's per-vCPU record arrays (tinyrange/cc internal/hv
// VirtualCPU table) generalized from "one record per hypervisor vCPU" to
// "one record per simulated hart".
package hart

import (
	"fmt"
	"sync/atomic"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// Role distinguishes the hart that runs the boot orchestrator from every
// other hart.
type Role uint8

const (
	RolePrimary Role = iota
	RoleSecondary
)

// State is a hart's lifecycle stage (spec §3).
type State uint8

const (
	StateStarting State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Record is the fixed-size per-hart scratch entry spec §3 names.
type Record struct {
	ID             int
	Role           Role
	State          State
	Idle           bool
	CurrentProcess uint32 // PID, 0 meaning "none"
}

// Table holds one Record per expected hart, plus the process-wide
// HARTS_ONLINE barrier counter (spec §4.7). Guarded by a single spinlock;
// per spec §5 every cross-hart flag here uses acquire/release semantics —
// Go's sync/atomic load/store on a shared int64 already provides that on
// every supported platform.
type Table struct {
	mu          lockprim.Spinlock
	records     []Record
	onlineCount atomic.Int64
	initDone    atomic.Bool
}

// NewTable constructs a Table sized for expectedHarts, all entries starting
// as {state: starting, idle: true} with hart 0 as primary and the rest
// secondary (spec §4.7 step 9).
func NewTable(expectedHarts int) (*Table, error) {
	if expectedHarts <= 0 {
		return nil, fmt.Errorf("hart: invalid expected hart count %d", expectedHarts)
	}
	records := make([]Record, expectedHarts)
	for i := range records {
		role := RoleSecondary
		if i == 0 {
			role = RolePrimary
		}
		records[i] = Record{ID: i, Role: role, State: StateStarting, Idle: true}
	}
	return &Table{records: records}, nil
}

// Len reports the expected hart count.
func (t *Table) Len() int { return len(t.records) }

// Get returns a copy of hart id's record.
func (t *Table) Get(id int) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.records) {
		return Record{}, fmt.Errorf("hart: id %d out of range [0,%d)", id, len(t.records))
	}
	return t.records[id], nil
}

// MarkOnline transitions hart id to online and increments HARTS_ONLINE. It
// is idempotent: calling it twice for the same hart only increments the
// counter once.
func (t *Table) MarkOnline(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.records) {
		return fmt.Errorf("hart: id %d out of range [0,%d)", id, len(t.records))
	}
	if t.records[id].State == StateOnline {
		return nil
	}
	t.records[id].State = StateOnline
	t.onlineCount.Add(1)
	return nil
}

// MarkOffline transitions hart id to offline (exception halt, spec §4.4).
// It does not decrement HARTS_ONLINE: the barrier counts harts that have
// ever passed the init barrier, per spec §8's invariant.
func (t *Table) MarkOffline(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.records) {
		return fmt.Errorf("hart: id %d out of range [0,%d)", id, len(t.records))
	}
	t.records[id].State = StateOffline
	return nil
}

// SetIdle updates hart id's idle flag, used by the scheduler's idle loop.
func (t *Table) SetIdle(id int, idle bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.records) {
		return fmt.Errorf("hart: id %d out of range [0,%d)", id, len(t.records))
	}
	t.records[id].Idle = idle
	return nil
}

// SetCurrentProcess records which PID hart id is currently running, 0
// meaning none.
func (t *Table) SetCurrentProcess(id int, pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.records) {
		return fmt.Errorf("hart: id %d out of range [0,%d)", id, len(t.records))
	}
	t.records[id].CurrentProcess = pid
	return nil
}

// HartsOnline loads HARTS_ONLINE with acquire semantics (spec §5).
func (t *Table) HartsOnline() int64 { return t.onlineCount.Load() }

// PublishInitComplete release-stores the boot orchestrator's "init
// complete" flag (spec §4.7 step 11). Secondary harts spin on
// WaitInitComplete with acquire semantics.
func (t *Table) PublishInitComplete() { t.initDone.Store(true) }

// WaitInitComplete reports whether init-complete has been published,
// loaded with acquire semantics; callers spin on this (spec §4.7).
func (t *Table) WaitInitComplete() bool { return t.initDone.Load() }
