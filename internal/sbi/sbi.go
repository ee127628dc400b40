// Package sbi encodes and decodes the firmware ABI (Supervisor Binary
// Interface) calls the kernel issues to start harts, raise IPIs, arm the
// timer, and talk to the console (spec §4.3). The calling-convention shape —
// error code plus value, translated into a discriminated result — mirrors
// original_source/kernel/src/sbi/mod.rs and the request/response shape of
// the teacher's hv.Hypervisor/VirtualCPU boundary (tinyrange/cc internal/hv).
package sbi

import "fmt"

// ErrorKind classifies an SBI failure the same way the firmware's numeric
// error codes would, without leaking raw a0 values into caller code.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrNotSupported
	ErrInvalidParam
	ErrDenied
	ErrInvalidAddress
	ErrAlreadyAvailable
	ErrAlreadyStarted
	ErrAlreadyStopped
	ErrFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrNotSupported:
		return "not-supported"
	case ErrInvalidParam:
		return "invalid-param"
	case ErrDenied:
		return "denied"
	case ErrInvalidAddress:
		return "invalid-address"
	case ErrAlreadyAvailable:
		return "already-available"
	case ErrAlreadyStarted:
		return "already-started"
	case ErrAlreadyStopped:
		return "already-stopped"
	case ErrFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the discriminated {ok(u64) | sbi-error(kind)} the wrapper
// returns for every call (spec §4.3).
type Result struct {
	Value uint64
	Err   ErrorKind
}

// IsOK reports whether the call succeeded.
func (r Result) IsOK() bool { return r.Err == ErrNone }

func ok(value uint64) Result { return Result{Value: value} }

func fail(kind ErrorKind) Result { return Result{Err: kind} }

// Firmware is implemented by whatever stands in for M-mode firmware: a real
// SBI trap in bare-metal code, or — in this simulation — the mmiobus-backed
// virtual machine harness that plays the owner of hart lifecycle, IPI lines,
// the timer comparator, and the console sink.
type Firmware interface {
	// HartStartFirmware brings up hart hartID. startAddr of 0 requests that
	// the hart resume at the same entry point as the primary hart
	// (PRESERVE_BOOT_PC semantics).
	HartStartFirmware(hartID int, startAddr uint64, opaque uint64) ErrorKind
	SendIPIFirmware(hartMask uint64) ErrorKind
	SetTimerFirmware(absoluteTicks uint64) ErrorKind
	ConsolePutcharFirmware(b byte) ErrorKind
	SystemResetFirmware(resetType, reason uint32) ErrorKind
}

// Wrapper translates Firmware calls into SBI-style Results.
type Wrapper struct {
	fw Firmware
}

// New constructs a Wrapper over the given firmware shim.
func New(fw Firmware) *Wrapper {
	return &Wrapper{fw: fw}
}

// HartStart requests that hartID begin executing at startAddr (0 preserves
// the primary hart's boot PC), passing opaque through unchanged.
func (w *Wrapper) HartStart(hartID int, startAddr, opaque uint64) Result {
	if hartID < 0 {
		return fail(ErrInvalidParam)
	}
	if kind := w.fw.HartStartFirmware(hartID, startAddr, opaque); kind != ErrNone {
		return fail(kind)
	}
	return ok(0)
}

// SendIPI raises a software interrupt on every hart set in hartMask.
func (w *Wrapper) SendIPI(hartMask uint64) Result {
	if kind := w.fw.SendIPIFirmware(hartMask); kind != ErrNone {
		return fail(kind)
	}
	return ok(0)
}

// SetTimer arms the timer comparator for absoluteTicks.
func (w *Wrapper) SetTimer(absoluteTicks uint64) Result {
	if kind := w.fw.SetTimerFirmware(absoluteTicks); kind != ErrNone {
		return fail(kind)
	}
	return ok(0)
}

// ConsolePutchar writes a single byte to the firmware debug console.
func (w *Wrapper) ConsolePutchar(b byte) Result {
	if kind := w.fw.ConsolePutcharFirmware(b); kind != ErrNone {
		return fail(kind)
	}
	return ok(0)
}

// Reset type/reason values per the SBI System Reset extension.
const (
	ResetTypeShutdown    = 0
	ResetTypeColdReboot  = 1
	ResetTypeWarmReboot  = 2
	ResetReasonNone      = 0
	ResetReasonSystemFan = 1
)

// SystemReset asks firmware to reset or shut down the machine.
func (w *Wrapper) SystemReset(resetType, reason uint32) Result {
	if kind := w.fw.SystemResetFirmware(resetType, reason); kind != ErrNone {
		return fail(kind)
	}
	return ok(0)
}

// Error adapts a Result into a Go error for callers that want the %w chain,
// e.g. boot-fatal propagation (spec §7).
func (r Result) Error() error {
	if r.IsOK() {
		return nil
	}
	return fmt.Errorf("sbi: call failed: %s", r.Err)
}
