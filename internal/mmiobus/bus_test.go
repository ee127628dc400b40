package mmiobus

import (
	"errors"
	"sync"
	"testing"

	"github.com/trust0-project/havy-os-go/internal/sbi"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launched map[int]uint64
	failID   int
}

func newRecordingLauncher() *recordingLauncher {
	return &recordingLauncher{launched: make(map[int]uint64)}
}

func (l *recordingLauncher) LaunchHart(hartID int, startAddr uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hartID == l.failID {
		return errors.New("launch refused")
	}
	l.launched[hartID] = startAddr
	return nil
}

func TestHartStartLaunchesOnce(t *testing.T) {
	bus := New()
	launcher := newRecordingLauncher()
	bus.SetLauncher(launcher)

	w := sbi.New(bus.Firmware())
	if r := w.HartStart(1, 0x8020_0000, 0); !r.IsOK() {
		t.Fatalf("HartStart: %v", r.Error())
	}
	if addr, ok := launcher.launched[1]; !ok || addr != 0x8020_0000 {
		t.Fatalf("hart 1 was not launched at expected address, got %+v", launcher.launched)
	}

	if r := w.HartStart(1, 0x8020_0000, 0); r.IsOK() || r.Err != sbi.ErrAlreadyStarted {
		t.Fatalf("second HartStart = %+v, want ErrAlreadyStarted", r)
	}
}

func TestHartStartWithoutLauncherFails(t *testing.T) {
	bus := New()
	w := sbi.New(bus.Firmware())
	if r := w.HartStart(2, 0, 0); r.IsOK() || r.Err != sbi.ErrNotSupported {
		t.Fatalf("got %+v, want ErrNotSupported", r)
	}
}

func TestHartStartPropagatesLaunchFailure(t *testing.T) {
	bus := New()
	launcher := newRecordingLauncher()
	launcher.failID = 3
	bus.SetLauncher(launcher)

	w := sbi.New(bus.Firmware())
	if r := w.HartStart(3, 0, 0); r.IsOK() || r.Err != sbi.ErrFailed {
		t.Fatalf("got %+v, want ErrFailed", r)
	}
}

func TestSendIPIAndConsume(t *testing.T) {
	bus := New()
	w := sbi.New(bus.Firmware())

	if r := w.SendIPI((1 << 0) | (1 << 2)); !r.IsOK() {
		t.Fatalf("SendIPI: %v", r.Error())
	}
	if !bus.ConsumeIPI(0) {
		t.Fatal("hart 0 expected pending IPI")
	}
	if bus.ConsumeIPI(0) {
		t.Fatal("hart 0 IPI should be cleared after consume")
	}
	if !bus.ConsumeIPI(2) {
		t.Fatal("hart 2 expected pending IPI")
	}
	if bus.ConsumeIPI(1) {
		t.Fatal("hart 1 should have no pending IPI")
	}
}

func TestSysinfoRoundTrip(t *testing.T) {
	bus := New()
	bus.WriteSysinfo(SysinfoHeapUsed, 4096)
	bus.WriteSysinfo(SysinfoCPUCount, 4)
	if got := bus.ReadSysinfo(SysinfoHeapUsed); got != 4096 {
		t.Fatalf("SysinfoHeapUsed = %d, want 4096", got)
	}
	if got := bus.ReadSysinfo(SysinfoCPUCount); got != 4 {
		t.Fatalf("SysinfoCPUCount = %d, want 4", got)
	}
}

func TestSchedDiagSnapshotConsistency(t *testing.T) {
	bus := New()
	bus.WriteSchedDiagU32(SchedDiagHartID, 2)
	bus.WriteSchedDiagU32(SchedDiagPickCount, 10)
	bus.WriteSchedDiagU32(SchedDiagPID, 42)
	bus.WriteSchedDiagName("init")
	bus.WriteSchedDiagU32(SchedDiagCanSchedule, 1)
	bus.WriteSchedDiagU32(SchedDiagQueueDepth, 3)

	snap := bus.ReadSchedDiag()
	if snap.HartID != 2 || snap.PickCount != 10 || snap.PID != 42 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Name != "init" {
		t.Fatalf("Name = %q, want %q", snap.Name, "init")
	}
	if !snap.CanSchedule || snap.QueueDepth != 3 {
		t.Fatalf("unexpected flags: %+v", snap)
	}
}

func TestSystemResetWritesTestFinisher(t *testing.T) {
	bus := New()
	w := sbi.New(bus.Firmware())
	if r := w.SystemReset(sbi.ResetTypeShutdown, sbi.ResetReasonNone); !r.IsOK() {
		t.Fatalf("SystemReset: %v", r.Error())
	}
	written, value := bus.TestFinisherState()
	if !written || value != sbi.ResetTypeShutdown {
		t.Fatalf("got written=%v value=%d", written, value)
	}
}

func TestHostRTCWords(t *testing.T) {
	bus := New()
	bus.SetHostRTCSeconds(0x1_0000_0005)
	low, high := bus.HostRTCWords()
	if low != 5 || high != 1 {
		t.Fatalf("got low=%d high=%d, want low=5 high=1", low, high)
	}
}
