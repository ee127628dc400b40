package mmiobus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/trust0-project/havy-os-go/internal/sbi"
)

// HartLauncher is supplied by the boot orchestrator so the simulated
// firmware can actually bring a secondary hart online when SBI HartStart is
// called (spec §4.7 step 12). It returns an error only for genuinely
// invalid requests (e.g. unknown hart id); "already running" is the
// firmware's problem, signaled via sbi.ErrAlreadyStarted.
type HartLauncher interface {
	LaunchHart(hartID int, startAddr uint64) error
}

// Bus is the in-process stand-in for the physical MMIO peripherals spec §6
// names. bootTime anchors ClintMtime's monotonic count to process start so
// get_time_ms is monotonic and roughly wall-clock scaled without depending
// on any real hardware timer.
type Bus struct {
	mu sync.Mutex

	bootTime time.Time
	launcher HartLauncher
	started  map[int]bool

	msip map[int]bool // per-hart pending software interrupt

	sysinfo   [0x30]byte
	schedDiag [0x3C]byte

	testFinisherWritten bool
	testFinisherValue   uint32

	hostRTCSeconds uint64 // 0 means "RTC absent", per spec §6
}

// New constructs a Bus. Call SetLauncher before any SBI HartStart request.
func New() *Bus {
	return &Bus{
		bootTime: time.Now(),
		started:  make(map[int]bool),
		msip:     make(map[int]bool),
	}
}

// SetLauncher wires the boot orchestrator's hart-launch callback.
func (b *Bus) SetLauncher(l HartLauncher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launcher = l
}

// SetHostRTCSeconds sets the simulated RTC's Unix-epoch-seconds value. Tests
// and cmd/kerneld call this once at startup; 0 simulates an absent RTC.
func (b *Bus) SetHostRTCSeconds(seconds uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hostRTCSeconds = seconds
}

// GetTimeMs reads the CLINT mtime register divided down to milliseconds
// (spec §6), derived from wall-clock time elapsed since Bus construction.
func (b *Bus) GetTimeMs() int64 {
	return time.Since(b.bootTime).Milliseconds()
}

// RawMtimeTicks reports the raw (undivided) CLINT mtime value, useful for
// SetTimer deadline arithmetic expressed in ticks rather than milliseconds.
func (b *Bus) RawMtimeTicks() uint64 {
	return uint64(time.Since(b.bootTime)) / (uint64(time.Millisecond) / TicksPerMillisecond)
}

// HostRTCWords returns the two little-endian u32 words spec §6 describes for
// the host RTC MMIO region.
func (b *Bus) HostRTCWords() (low, high uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(b.hostRTCSeconds), uint32(b.hostRTCSeconds >> 32)
}

// RaiseIPI sets the pending-software-interrupt flag for hartID, the
// MMIO-write-one-to-MSIP-word equivalent (spec §6).
func (b *Bus) RaiseIPI(hartID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msip[hartID] = true
}

// ConsumeIPI clears and reports whether hartID had a pending software
// interrupt, the acknowledge step of spec §4.4's IPI handler.
func (b *Bus) ConsumeIPI(hartID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.msip[hartID]
	b.msip[hartID] = false
	return pending
}

// WriteSysinfo updates one of the little-endian u64 fields of the sysinfo
// region (spec §6).
func (b *Bus) WriteSysinfo(offset int, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.LittleEndian.PutUint64(b.sysinfo[offset-SysinfoBase:], value)
}

// ReadSysinfo reads back a u64 field written via WriteSysinfo.
func (b *Bus) ReadSysinfo(offset int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.LittleEndian.Uint64(b.sysinfo[offset-SysinfoBase:])
}

// WriteSchedDiagU32 updates a u32 field of the scheduler diagnostics region.
// Per spec §4.5, callers must use release ordering; Bus serializes every
// write and read behind its own mutex, which is at least as strong.
func (b *Bus) WriteSchedDiagU32(offset int, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.LittleEndian.PutUint32(b.schedDiag[offset-SchedDiagBase:], value)
}

// WriteSchedDiagName writes the 32-byte process-name field, truncating or
// zero-padding to fit.
func (b *Bus) WriteSchedDiagName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	field := b.schedDiag[SchedDiagName-SchedDiagBase : SchedDiagName-SchedDiagBase+32]
	for i := range field {
		field[i] = 0
	}
	copy(field, name)
}

// ReadSchedDiag returns a snapshot of the whole scheduler diagnostics
// region, read under a single lock acquisition so the tuple is internally
// consistent (spec §8 "Scheduler diagnostics are a consistent tuple").
func (b *Bus) ReadSchedDiag() SchedDiagSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	get32 := func(off int) uint32 {
		return binary.LittleEndian.Uint32(b.schedDiag[off-SchedDiagBase:])
	}
	nameBytes := b.schedDiag[SchedDiagName-SchedDiagBase : SchedDiagName-SchedDiagBase+32]
	nameLen := 0
	for nameLen < len(nameBytes) && nameBytes[nameLen] != 0 {
		nameLen++
	}

	return SchedDiagSnapshot{
		HartID:      get32(SchedDiagHartID),
		PickCount:   get32(SchedDiagPickCount),
		PickResult:  get32(SchedDiagPickResult),
		PID:         get32(SchedDiagPID),
		Name:        string(nameBytes[:nameLen]),
		CanSchedule: get32(SchedDiagCanSchedule) != 0,
		RequeueOK:   get32(SchedDiagRequeueOK) != 0,
		QueueDepth:  get32(SchedDiagQueueDepth),
	}
}

// SchedDiagSnapshot is a decoded, internally consistent read of the
// scheduler diagnostics MMIO region (spec §6, §4.5, §8).
type SchedDiagSnapshot struct {
	HartID      uint32
	PickCount   uint32
	PickResult  uint32
	PID         uint32
	Name        string
	CanSchedule bool
	RequeueOK   bool
	QueueDepth  uint32
}

// WriteTestFinisher signals the emulator to shut down (spec §6).
func (b *Bus) WriteTestFinisher(value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.testFinisherWritten = true
	b.testFinisherValue = value
}

// TestFinisherState reports whether shutdown was signaled and with what
// value, for tests asserting poweroff behavior.
func (b *Bus) TestFinisherState() (written bool, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.testFinisherWritten, b.testFinisherValue
}

// Firmware adapts Bus to sbi.Firmware, the simulated M-mode boundary.
type Firmware struct {
	bus *Bus
}

// Firmware returns an sbi.Firmware backed by this bus.
func (b *Bus) Firmware() sbi.Firmware {
	return &Firmware{bus: b}
}

func (f *Firmware) HartStartFirmware(hartID int, startAddr, opaque uint64) sbi.ErrorKind {
	_ = opaque
	b := f.bus
	b.mu.Lock()
	if b.started[hartID] {
		b.mu.Unlock()
		return sbi.ErrAlreadyStarted
	}
	launcher := b.launcher
	b.started[hartID] = true
	b.mu.Unlock()

	if launcher == nil {
		return sbi.ErrNotSupported
	}
	if err := launcher.LaunchHart(hartID, startAddr); err != nil {
		return sbi.ErrFailed
	}
	return sbi.ErrNone
}

func (f *Firmware) SendIPIFirmware(hartMask uint64) sbi.ErrorKind {
	for id := 0; id < 64; id++ {
		if hartMask&(1<<uint(id)) != 0 {
			f.bus.RaiseIPI(id)
		}
	}
	return sbi.ErrNone
}

func (f *Firmware) SetTimerFirmware(absoluteTicks uint64) sbi.ErrorKind {
	// Modeled as a no-op acknowledgement: the simulated timer is
	// wall-clock-derived (Bus.GetTimeMs), so there is no comparator
	// register to program. A bare-metal port would arm CLINT mtimecmp here.
	_ = absoluteTicks
	return sbi.ErrNone
}

func (f *Firmware) ConsolePutcharFirmware(b byte) sbi.ErrorKind {
	fmt.Printf("%c", b)
	return sbi.ErrNone
}

func (f *Firmware) SystemResetFirmware(resetType, reason uint32) sbi.ErrorKind {
	_ = reason
	f.bus.WriteTestFinisher(resetType)
	return sbi.ErrNone
}
