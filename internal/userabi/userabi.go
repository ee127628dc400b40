// Package userabi implements the user process entry contract (spec §6): the
// small set of kernel-provided primitives a user process's entry function
// may call. Since the kernel runs processes as plain Go functions rather
// than trapping through an MMU syscall boundary (a Non-goal), Syscalls is a
// struct of bound function values injected into a process's EntryPoint
// closure at creation time, grounded on the teacher's request/response
// handle pattern (tinyrange/cc internal/hv.VirtualCPU) generalized from "one
// hypervisor call" to "one kernel primitive per method".
package userabi

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trust0-project/havy-os-go/internal/mmiobus"
	"github.com/trust0-project/havy-os-go/internal/proc"
	"github.com/trust0-project/havy-os-go/internal/sched"
)

// KillResult mirrors spec §6's kill_process outcome enum.
type KillResult int

const (
	KillSuccess KillResult = iota
	KillCannotKill
	KillNotFound
	KillInvalidPID
)

func (r KillResult) String() string {
	switch r {
	case KillSuccess:
		return "success"
	case KillCannotKill:
		return "cannot_kill"
	case KillNotFound:
		return "not_found"
	case KillInvalidPID:
		return "invalid_pid"
	default:
		return "unknown"
	}
}

// Environment is a process's env_get backing table, loaded from a YAML
// manifest (SPEC_FULL §3 — the spec leaves env var sourcing unspecified, so
// this fills the gap the way the teacher's config loader fills tinyrange's
// image manifests).
type Environment map[string]string

// LoadEnvironment parses a YAML environment manifest such as:
//
//	PATH: /bin
//	HOME: /root
func LoadEnvironment(data []byte) (Environment, error) {
	var env Environment
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("userabi: parsing environment manifest: %w", err)
	}
	if env == nil {
		env = Environment{}
	}
	return env, nil
}

// Syscalls is the set of kernel primitives bound to one process's context
// (its own PID, owner hart, argv, cwd, and environment). A process's
// EntryPoint closes over a *Syscalls to invoke them.
type Syscalls struct {
	PID       uint32
	OwnerHart int

	procs *proc.Table
	sched *sched.Scheduler
	bus   *mmiobus.Bus

	argv []string
	cwd  string
	env  Environment

	output func(string)
}

// New constructs a Syscalls bound to pid, running on ownerHart, with the
// given argv and environment. output receives bytes written via Print
// (stood in for the real console UART write).
func New(pid uint32, ownerHart int, procs *proc.Table, s *sched.Scheduler, bus *mmiobus.Bus, argv []string, env Environment, output func(string)) *Syscalls {
	if output == nil {
		output = func(string) {}
	}
	return &Syscalls{
		PID: pid, OwnerHart: ownerHart,
		procs: procs, sched: s, bus: bus,
		argv: argv, env: env, output: output,
	}
}

// Print writes text to the process's console sink (spec §6 print(ptr, len)).
func (s *Syscalls) Print(text string) {
	s.output(text)
}

// Argc reports the process's argument count.
func (s *Syscalls) Argc() int { return len(s.argv) }

// Argv returns argument i, or an error if out of range (spec §6
// argv(i, buf, cap) → length, reimagined without a caller-owned buffer since
// Go strings need no destination arena).
func (s *Syscalls) Argv(i int) (string, error) {
	if i < 0 || i >= len(s.argv) {
		return "", fmt.Errorf("userabi: argv index %d out of range [0,%d)", i, len(s.argv))
	}
	return s.argv[i], nil
}

// CwdSet sets the process's working directory string (spec §6 cwd_set).
func (s *Syscalls) CwdSet(path string) error {
	if path == "" {
		return fmt.Errorf("userabi: cwd_set rejects empty path")
	}
	s.cwd = path
	return nil
}

// Cwd reports the process's current working directory.
func (s *Syscalls) Cwd() string { return s.cwd }

// EnvGet looks up key in the process's environment (spec §6 env_get).
func (s *Syscalls) EnvGet(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}

// KillProcess requests termination of pid (spec §6 kill_process).
func (s *Syscalls) KillProcess(pid uint32) KillResult {
	err := s.procs.Kill(pid)
	switch {
	case err == nil:
		return KillSuccess
	case err == proc.ErrCannotKill:
		return KillCannotKill
	case err == proc.ErrNotFound:
		return KillNotFound
	case err == proc.ErrInvalidPID:
		return KillInvalidPID
	default:
		return KillNotFound
	}
}

// Poweroff signals the simulated test-finisher MMIO register to halt the
// machine (spec §6 poweroff()).
func (s *Syscalls) Poweroff() {
	s.bus.WriteTestFinisher(0)
}

// GetTimeMs returns milliseconds elapsed since boot (spec §6 get_time()).
func (s *Syscalls) GetTimeMs() int64 {
	return s.bus.GetTimeMs()
}

// PsList formats a line per live process, sorted by PID ascending, the Go
// stand-in for spec §6's ps_list(buf, cap) → written-bytes-or-negative-error
// (here returning the formatted text directly rather than writing into a
// caller buffer, since there is no such buffer to overflow in this runtime).
func (s *Syscalls) PsList() string {
	records := s.procs.List()
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })

	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "%d\t%s\t%s\thart%d\n", r.PID, r.Name, r.State, r.OwnerHart)
	}
	return b.String()
}
