// Package daemon implements the kernel's two built-in daemon processes:
// sysmond (periodic stats logging and zombie reaping) and klogd (log ring
// flush to per-target files). Grounded on
// original_source/kernel/src/services/sysmond.rs's sysmond_tick/
// sysmond_service pair, generalized from a free-standing static-state
// function to a struct bound to this kernel's Table/Scheduler/Buffer
// handles; the 10-second cadence check itself now lives in
// internal/sched.Scheduler's daemon-cadence dispatch (spec §4.5 "Pick
// rule"), so Sysmond's Run need not re-check timing the way the original
// service entry point did.
package daemon

import (
	"fmt"
	"sort"

	"github.com/trust0-project/havy-os-go/internal/device"
	"github.com/trust0-project/havy-os-go/internal/logring"
	"github.com/trust0-project/havy-os-go/internal/mmiobus"
	"github.com/trust0-project/havy-os-go/internal/proc"
	"github.com/trust0-project/havy-os-go/internal/sched"
)

// Sysmond reaps zombies and appends one stats line to the log ring each time
// the scheduler's daemon cadence admits it (spec §4.5, cadence grounded on
// original_source sysmond_tick's 10-second interval).
type Sysmond struct {
	procs  *proc.Table
	sch    *sched.Scheduler
	logs   *logring.Buffer
	bus    *mmiobus.Bus
	hartID int
	tick   uint64
}

// NewSysmond constructs a Sysmond bound to hartID's run queue.
func NewSysmond(procs *proc.Table, sch *sched.Scheduler, logs *logring.Buffer, bus *mmiobus.Bus, hartID int) *Sysmond {
	return &Sysmond{procs: procs, sch: sch, logs: logs, bus: bus, hartID: hartID}
}

// Run performs one sysmond pass: reap zombies and log a stats line. It is
// meant to be installed as a process's proc.EntryPoint and scheduled as a
// daemon via sched.Scheduler.RegisterDaemon.
func (s *Sysmond) Run() {
	now := s.bus.GetTimeMs()
	reaped := s.sch.ReapZombies()
	s.tick++

	procCount := len(s.procs.List())
	queueDepth, _ := s.sch.QueueDepth(s.hartID)

	line := fmt.Sprintf("sysmond[%d]: procs=%d queued=%d reaped=%d", s.tick, procCount, queueDepth, reaped)
	s.logs.Appendf(now, logring.LevelInfo, logring.TargetSysmond, "%s", line)
}

// Klogd flushes internal/logring.Buffer entries to per-target files under
// /var/log through a device.FileSystem, matching spec §6's "Log target
// selector" (kernel.log, sysmond.log, user.log). Unlike the original's
// queue-and-append model, each Flush re-renders the target's full live
// backlog and replaces the file in one step, since simplefs has no
// append-in-place primitive.
type Klogd struct {
	logs *logring.Buffer
	fs   device.FileSystem
}

// NewKlogd constructs a Klogd writing through fs.
func NewKlogd(logs *logring.Buffer, fs device.FileSystem) *Klogd {
	return &Klogd{logs: logs, fs: fs}
}

func logPath(target logring.Target) string {
	return "/var/log/" + target.String() + ".log"
}

// Flush writes target's current backlog to its log file, replacing any
// prior contents.
func (k *Klogd) Flush(target logring.Target) error {
	lines := k.logs.ByTarget(target)
	var blob []byte
	for _, l := range lines {
		blob = append(blob, fmt.Sprintf("[%d] %s %s\n", l.TimestampMs, l.Level, l.Text)...)
	}

	path := logPath(target)
	if _, err := k.fs.ReadFile(path); err == nil {
		if rmErr := k.fs.Remove(path); rmErr != nil {
			return fmt.Errorf("daemon: klogd removing stale %s: %w", path, rmErr)
		}
	}
	if len(blob) == 0 {
		return nil
	}
	if err := k.fs.WriteFile(path, blob); err != nil {
		return fmt.Errorf("daemon: klogd writing %s: %w", path, err)
	}
	return nil
}

// FlushAll flushes every log target in a stable order (kernel, sysmond,
// user).
func (k *Klogd) FlushAll() error {
	targets := []logring.Target{logring.TargetKernel, logring.TargetSysmond, logring.TargetUser}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, t := range targets {
		if err := k.Flush(t); err != nil {
			return err
		}
	}
	return nil
}

// Run is Klogd's proc.EntryPoint body: one FlushAll pass per cadence tick.
func (k *Klogd) Run() {
	_ = k.FlushAll()
}
