// Package sched implements the per-hart cooperative scheduler: one FIFO run
// queue per hart, the process state machine, daemon cadence dispatch, zombie
// reaping, and the release-ordered diagnostics snapshot (spec §4.5).
// Grounded on the teacher's per-vCPU dispatch loop (tinyrange/cc
// internal/hv exit-handling loop) generalized from "one loop per vCPU
// exit" to "one loop per hart scheduling tick", and on gVisor's sentry
// scheduler's use of atomicbitops for run-state fields, the closest
// real-world analogue to a per-hart cooperative run queue.
package sched

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
	"github.com/trust0-project/havy-os-go/internal/mmiobus"
	"github.com/trust0-project/havy-os-go/internal/proc"
)

// DefaultCapacity is the run-queue capacity used when New is given a
// capacity of 0; a negative capacity makes New return ErrInvalidCapacity
// (spec §9 Open Question (a)).
const DefaultCapacity = 256

// ErrInvalidCapacity is returned by New when Capacity is configured
// negative, a configuration error caught at construction time rather than
// silently dropping an enqueue later (spec §9 Open Question (a)).
var ErrInvalidCapacity = errors.New("sched: invalid run queue capacity")

// ErrQueueFull is returned by Enqueue when a hart's run queue has no
// remaining capacity (spec §4.5 "Failure").
var ErrQueueFull = errors.New("sched: run queue full")

// ErrNoSuchHart is returned for an out-of-range hart id.
var ErrNoSuchHart = errors.New("sched: no such hart")

// DaemonCadence records how often a daemon process (sysmond, klogd) is
// eligible to run (spec §4.5 "Pick rule").
type DaemonCadence struct {
	IntervalMs int64
	lastRunMs  int64
}

// runQueue is one hart's FIFO of runnable PIDs, capacity-bounded by a
// semaphore so overflow is reported rather than silently dropped.
type runQueue struct {
	mu    lockprim.Spinlock
	pids  []uint32
	sem   *semaphore.Weighted
}

func newRunQueue(capacity int) *runQueue {
	return &runQueue{sem: semaphore.NewWeighted(int64(capacity))}
}

func (q *runQueue) enqueue(pid uint32) error {
	if !q.sem.TryAcquire(1) {
		return ErrQueueFull
	}
	q.mu.Lock()
	q.pids = append(q.pids, pid)
	q.mu.Unlock()
	return nil
}

func (q *runQueue) dequeue() (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pids) == 0 {
		return 0, false
	}
	pid := q.pids[0]
	q.pids = q.pids[1:]
	q.sem.Release(1)
	return pid, true
}

func (q *runQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pids)
}

type sleepEntry struct {
	deadlineMs int64
	pid        uint32
}

func sleepLess(a, b sleepEntry) bool {
	if a.deadlineMs != b.deadlineMs {
		return a.deadlineMs < b.deadlineMs
	}
	return a.pid < b.pid
}

// diagnostics holds one hart's scheduler diagnostic fields with
// release-ordered stores, matching spec §4.5's requirement that a reader
// never observes a torn tuple. The fields are flushed to an mmiobus
// snapshot under a single lock (mmiobus.Bus.ReadSchedDiag already does
// this) so the tuple stays externally consistent.
type diagnostics struct {
	hartID      atomicbitops.Uint32
	pickCount   atomicbitops.Uint32
	pickResult  atomicbitops.Uint32 // 0=none, 1=some
	pid         atomicbitops.Uint32
	canSchedule atomicbitops.Bool
	requeueOK   atomicbitops.Bool
	queueDepth  atomicbitops.Uint32

	nameMu lockprim.Spinlock
	name   string
}

func (d *diagnostics) setName(name string) {
	d.nameMu.Lock()
	d.name = name
	d.nameMu.Unlock()
}

func (d *diagnostics) getName() string {
	d.nameMu.Lock()
	defer d.nameMu.Unlock()
	return d.name
}

// Scheduler owns one run queue per hart, the sleep-deadline index shared
// across all harts, and daemon cadence state.
type Scheduler struct {
	procs    *proc.Table
	bus      *mmiobus.Bus // optional; nil means diagnostics are in-memory only
	capacity int

	queues []*runQueue
	diags  []*diagnostics

	sleepMu    lockprim.Spinlock
	sleepIndex *btree.BTreeG[sleepEntry]

	daemonMu lockprim.Spinlock
	daemons  map[uint32]*DaemonCadence
}

// New constructs a Scheduler with expectedHarts run queues, each bounded by
// capacity (DefaultCapacity if capacity is 0, ErrInvalidCapacity if it is
// negative). bus may be nil to keep
// diagnostics purely in-memory (useful for tests).
func New(procs *proc.Table, bus *mmiobus.Bus, expectedHarts, capacity int) (*Scheduler, error) {
	if expectedHarts <= 0 {
		return nil, fmt.Errorf("sched: invalid expected hart count %d", expectedHarts)
	}
	if capacity < 0 {
		return nil, ErrInvalidCapacity
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	s := &Scheduler{
		procs:      procs,
		bus:        bus,
		capacity:   capacity,
		queues:     make([]*runQueue, expectedHarts),
		diags:      make([]*diagnostics, expectedHarts),
		sleepIndex: btree.NewG(32, sleepLess),
		daemons:    make(map[uint32]*DaemonCadence),
	}
	for i := 0; i < expectedHarts; i++ {
		s.queues[i] = newRunQueue(capacity)
		d := &diagnostics{}
		d.hartID.Store(uint32(i))
		s.diags[i] = d
	}
	return s, nil
}

// HartCount reports the number of run queues.
func (s *Scheduler) HartCount() int { return len(s.queues) }

// QueueDepth reports the current depth of hart id's run queue.
func (s *Scheduler) QueueDepth(hartID int) (int, error) {
	q, err := s.queueFor(hartID)
	if err != nil {
		return 0, err
	}
	return q.depth(), nil
}

func (s *Scheduler) queueFor(hartID int) (*runQueue, error) {
	if hartID < 0 || hartID >= len(s.queues) {
		return nil, ErrNoSuchHart
	}
	return s.queues[hartID], nil
}

// RegisterDaemon marks pid as a daemon with the given cadence (spec §4.5).
// A newly registered daemon is eligible on its first pick.
func (s *Scheduler) RegisterDaemon(pid uint32, intervalMs int64) {
	s.daemonMu.Lock()
	defer s.daemonMu.Unlock()
	s.daemons[pid] = &DaemonCadence{IntervalMs: intervalMs, lastRunMs: -intervalMs}
}

// Enqueue appends pid to the tail of hartID's run queue (spec §4.5
// "Requeue rule": voluntary yield appends to the same hart's queue tail).
func (s *Scheduler) Enqueue(hartID int, pid uint32) error {
	q, err := s.queueFor(hartID)
	if err != nil {
		return err
	}
	if err := s.procs.SetState(pid, proc.StateRunnable); err != nil {
		return err
	}
	return q.enqueue(pid)
}

// Sleep removes pid from scheduling and records a wake deadline. Once the
// deadline passes, the next Pick on any hart moves pid onto that hart's run
// queue (spec §4.5); hartID does not select the queue.
func (s *Scheduler) Sleep(hartID int, pid uint32, wakeAtMs int64) error {
	if err := s.procs.SetState(pid, proc.StateSleeping); err != nil {
		return err
	}
	rec, err := s.procs.Get(pid)
	if err != nil {
		return err
	}
	rec.SleepUntilMs = wakeAtMs
	_ = hartID // the sleeper re-enters via Pick's wake scan on whichever hart picks next

	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()
	s.sleepIndex.ReplaceOrInsert(sleepEntry{deadlineMs: wakeAtMs, pid: pid})
	return nil
}

// wakeDueSleepers moves every sleeper whose deadline has passed back onto
// the given hart's run queue (spec §4.4 "advance tick counter, check
// per-process sleep deadlines").
func (s *Scheduler) wakeDueSleepers(hartID int, nowMs int64) {
	s.sleepMu.Lock()
	var due []sleepEntry
	s.sleepIndex.AscendLessThan(sleepEntry{deadlineMs: nowMs + 1}, func(e sleepEntry) bool {
		due = append(due, e)
		return true
	})
	for _, e := range due {
		s.sleepIndex.Delete(e)
	}
	s.sleepMu.Unlock()

	for _, e := range due {
		_ = s.Enqueue(hartID, e.pid)
	}
}

// Pick runs one scheduler entry for hartID at wall-clock time nowMs: it
// wakes due sleepers, then consults the run queue head. A daemon whose
// cadence has not elapsed is re-queued unchanged without CPU accounting
// (spec §4.5 "Pick rule"). Returns the PID picked, or ok=false if nothing
// was runnable this tick.
func (s *Scheduler) Pick(hartID int, nowMs int64) (pid uint32, ok bool, err error) {
	q, err := s.queueFor(hartID)
	if err != nil {
		return 0, false, err
	}

	s.wakeDueSleepers(hartID, nowMs)

	d := s.diags[hartID]
	d.pickCount.Add(1)

	// Bound the search to the queue's size at tick start: a deferred daemon
	// is requeued at the tail, so without this bound a queue holding only
	// not-yet-due daemons would spin forever within a single tick.
	attemptsRemaining := q.depth()

	for attemptsRemaining > 0 {
		candidate, got := q.dequeue()
		if !got {
			break
		}
		attemptsRemaining--

		s.daemonMu.Lock()
		cadence, isDaemon := s.daemons[candidate]
		s.daemonMu.Unlock()

		if isDaemon && nowMs-cadence.lastRunMs < cadence.IntervalMs {
			// cadence not elapsed: requeue unchanged, no CPU accounted,
			// try the next candidate this tick.
			_ = q.enqueue(candidate)
			continue
		}

		rec, err := s.procs.Get(candidate)
		if err != nil {
			// stale handle (already reaped); drop it and keep looking.
			continue
		}
		if err := s.procs.SetState(candidate, proc.StateRunning); err != nil {
			continue
		}
		rec.LastScheduledMs = nowMs
		if isDaemon {
			cadence.lastRunMs = nowMs
		}

		s.publishDiag(hartID, true, candidate, rec.Name, q.depth())
		return candidate, true, nil
	}

	s.publishDiag(hartID, false, 0, "", q.depth())
	return 0, false, nil
}

func (s *Scheduler) publishDiag(hartID int, some bool, pid uint32, name string, depth int) {
	d := s.diags[hartID]
	result := uint32(0)
	if some {
		result = 1
	}
	d.pid.Store(pid)
	d.setName(name)
	d.canSchedule.Store(some)
	d.queueDepth.Store(uint32(depth))
	d.pickResult.Store(result)

	if s.bus == nil {
		return
	}
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagHartID, uint32(hartID))
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagPickCount, d.pickCount.Load())
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagPickResult, result)
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagPID, pid)
	s.bus.WriteSchedDiagName(name)
	canSchedule := uint32(0)
	if some {
		canSchedule = 1
	}
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagCanSchedule, canSchedule)
	requeueOK := uint32(0)
	if d.requeueOK.Load() {
		requeueOK = 1
	}
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagRequeueOK, requeueOK)
	s.bus.WriteSchedDiagU32(mmiobus.SchedDiagQueueDepth, uint32(depth))
}

// Yield implements voluntary yield: pid's accumulated CPU time is updated
// and it is requeued at the tail of hartID's queue (spec §4.5 "Requeue
// rule").
func (s *Scheduler) Yield(hartID int, pid uint32, ranForMs int64) error {
	rec, err := s.procs.Get(pid)
	if err != nil {
		d := s.diags[hartID]
		d.requeueOK.Store(false)
		return err
	}
	rec.AccumulatedCPUMs += ranForMs
	if err := s.Enqueue(hartID, pid); err != nil {
		s.diags[hartID].requeueOK.Store(false)
		return err
	}
	s.diags[hartID].requeueOK.Store(true)
	return nil
}

// ReapZombies scans the process table for zombies and releases their
// records, run from sysmond's cadence (spec §4.5 "Reaping").
func (s *Scheduler) ReapZombies() int {
	reaped := 0
	for _, pid := range s.procs.Zombies() {
		if s.procs.Reap(pid) {
			reaped++
		}
	}
	return reaped
}

// Diagnostics returns a snapshot of hartID's in-memory diagnostic tuple,
// usable without an mmiobus.Bus (e.g. in tests).
func (s *Scheduler) Diagnostics(hartID int) (mmiobus.SchedDiagSnapshot, error) {
	if hartID < 0 || hartID >= len(s.diags) {
		return mmiobus.SchedDiagSnapshot{}, ErrNoSuchHart
	}
	d := s.diags[hartID]
	return mmiobus.SchedDiagSnapshot{
		HartID:      d.hartID.Load(),
		PickCount:   d.pickCount.Load(),
		PickResult:  d.pickResult.Load(),
		PID:         d.pid.Load(),
		Name:        d.getName(),
		CanSchedule: d.canSchedule.Load(),
		RequeueOK:   d.requeueOK.Load(),
		QueueDepth:  d.queueDepth.Load(),
	}, nil
}
