package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/trust0-project/havy-os-go/internal/bootconsole"
	"github.com/trust0-project/havy-os-go/internal/device"
	"github.com/trust0-project/havy-os-go/internal/hart"
	"github.com/trust0-project/havy-os-go/internal/iorouter"
	"github.com/trust0-project/havy-os-go/internal/netstack"
)

func newTestKernel() *Kernel {
	return New(DefaultConfig(), bootconsole.NewPlainConsole(io.Discard))
}

func TestParseMACValidAndFallback(t *testing.T) {
	mac := parseMAC("aa:bb:cc:dd:ee:ff")
	want := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if mac != want {
		t.Fatalf("parseMAC = %v, want %v", mac, want)
	}

	fallback := parseMAC("not-a-mac")
	if fallback != [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56} {
		t.Fatalf("parseMAC fallback = %v", fallback)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	yamlDoc := []byte("expected_harts: 2\nheap_bytes: 2048\nmac: \"00:11:22:33:44:55\"\n")
	cfg, err := LoadConfig(yamlDoc)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ExpectedHarts != 2 {
		t.Fatalf("ExpectedHarts = %d, want 2", cfg.ExpectedHarts)
	}
	if cfg.HeapBytes != 2048 {
		t.Fatalf("HeapBytes = %d, want 2048", cfg.HeapBytes)
	}
	if cfg.MAC != "00:11:22:33:44:55" {
		t.Fatalf("MAC = %q", cfg.MAC)
	}
	// Fields absent from the document keep DefaultConfig's values.
	if cfg.DirSectors != DefaultConfig().DirSectors {
		t.Fatalf("DirSectors = %d, want default %d", cfg.DirSectors, DefaultConfig().DirSectors)
	}
}

func TestLoadConfigInvalidYAMLReturnsError(t *testing.T) {
	if _, err := LoadConfig([]byte("expected_harts: [unterminated")); err == nil {
		t.Fatal("LoadConfig accepted malformed YAML")
	}
}

func TestLoadConfigZeroExpectedHartsFallsBackToOne(t *testing.T) {
	cfg, err := LoadConfig([]byte("expected_harts: 0\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ExpectedHarts != 1 {
		t.Fatalf("ExpectedHarts = %d, want 1", cfg.ExpectedHarts)
	}
}

func TestBootSingleHartSucceeds(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if k.Harts().Len() != 1 {
		t.Fatalf("Harts().Len() = %d, want 1", k.Harts().Len())
	}
	if !k.Harts().WaitInitComplete() {
		t.Fatal("init-complete flag not published")
	}
	if k.Scheduler().HartCount() != 1 {
		t.Fatalf("Scheduler().HartCount() = %d, want 1", k.Scheduler().HartCount())
	}

	depth, err := k.Scheduler().QueueDepth(0)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("QueueDepth(0) = %d, want 3 (init, sysmond, klogd)", depth)
	}
}

func TestTickRunsInitProcess(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if ran := k.Tick(0); !ran {
		t.Fatal("Tick(0) did not run any process")
	}
}

func TestBootTwoHartsLaunchesSecondary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpectedHarts = 2
	k := New(cfg, bootconsole.NewPlainConsole(io.Discard))
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var rec hart.Record
	var err error
	for time.Now().Before(deadline) {
		rec, err = k.Harts().Get(1)
		if err == nil && rec.State == hart.StateOnline {
			break
		}
		runtime.Gosched()
	}
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if rec.State != hart.StateOnline {
		t.Fatalf("hart 1 state = %v, want online", rec.State)
	}

	if err := k.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownStopsPrimaryHartLoop(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- k.StartPrimary() }()
	runtime.Gosched()

	if err := k.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartPrimary returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartPrimary did not return after Shutdown")
	}
}

func TestBlockExecuteRoundTripThroughRouter(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	sector := make([]byte, device.SectorSize)
	copy(sector, []byte("hello sector"))
	writeOp := iorouter.Op{Kind: "write_sector", Payload: append([]byte("3\n"), sector...)}
	res := k.Router().Call(context.Background(), 0, iorouter.DeviceBlock, writeOp, 0)
	if !res.OK {
		t.Fatalf("write_sector failed: %v", res.ErrKind)
	}

	readOp := iorouter.Op{Kind: "read_sector", Payload: []byte("3")}
	res = k.Router().Call(context.Background(), 0, iorouter.DeviceBlock, readOp, 0)
	if !res.OK {
		t.Fatalf("read_sector failed: %v", res.ErrKind)
	}
	if !bytes.HasPrefix(res.Bytes, []byte("hello sector")) {
		t.Fatalf("read back = %q", res.Bytes)
	}
}

func TestFsExecuteRoundTripThroughRouter(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	payload := append([]byte("/greeting.txt\x00"), []byte("hi there")...)
	res := k.Router().Call(context.Background(), 0, iorouter.DeviceFilesystem,
		iorouter.Op{Kind: "write_file", Payload: payload}, 0)
	if !res.OK {
		t.Fatalf("write_file failed: %v", res.ErrKind)
	}

	res = k.Router().Call(context.Background(), 0, iorouter.DeviceFilesystem,
		iorouter.Op{Kind: "read_file", Payload: []byte("/greeting.txt")}, 0)
	if !res.OK || string(res.Bytes) != "hi there" {
		t.Fatalf("read_file = %+v", res)
	}
}

func TestNetExecuteTransmitThenReceiveRoundTrip(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	frame := []byte("ethernet-frame")
	res := k.Router().Call(context.Background(), 0, iorouter.DeviceNetwork,
		iorouter.Op{Kind: "transmit", Payload: frame}, 0)
	if !res.OK {
		t.Fatalf("transmit failed: %v", res.ErrKind)
	}

	res = k.Router().Call(context.Background(), 0, iorouter.DeviceNetwork,
		iorouter.Op{Kind: "has_packet"}, 0)
	if !res.OK || len(res.Bytes) != 1 || res.Bytes[0] != 1 {
		t.Fatalf("has_packet = %+v", res)
	}

	res = k.Router().Call(context.Background(), 0, iorouter.DeviceNetwork,
		iorouter.Op{Kind: "receive"}, 0)
	if !res.OK || string(res.Bytes) != string(frame) {
		t.Fatalf("receive = %+v", res)
	}
}

func TestNetExecuteGetIPFastPathOnOwningHart(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	res := k.Router().Call(context.Background(), 0, iorouter.DeviceNetwork,
		iorouter.Op{Kind: "get_ip"}, 0)
	if !res.OK || len(res.Bytes) != 4 {
		t.Fatalf("get_ip = %+v", res)
	}
	if got := [4]byte{res.Bytes[0], res.Bytes[1], res.Bytes[2], res.Bytes[3]}; got != netstack.DefaultIPAddr {
		t.Fatalf("get_ip = %v, want %v", got, netstack.DefaultIPAddr)
	}
}

func TestNetExecuteGetIPSlowPathFromNonOwningHart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpectedHarts = 2
	k := New(cfg, bootconsole.NewPlainConsole(io.Discard))
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer k.Shutdown()

	// Hart 0's own tick loop must be running for it to drain hart 1's
	// request; Boot only launches secondary harts, so the primary loop is
	// started here.
	go k.StartPrimary()

	// Hart 1 never owns the network device; Call must route the request to
	// hart 0's inbox and wait for it to be drained and served.
	res := k.Router().Call(context.Background(), 1, iorouter.DeviceNetwork,
		iorouter.Op{Kind: "get_ip"}, 2*time.Second)
	if !res.OK || len(res.Bytes) != 4 {
		t.Fatalf("get_ip from hart 1 = %+v", res)
	}
	if got := [4]byte{res.Bytes[0], res.Bytes[1], res.Bytes[2], res.Bytes[3]}; got != netstack.DefaultIPAddr {
		t.Fatalf("get_ip from hart 1 = %v, want %v", got, netstack.DefaultIPAddr)
	}
}

func TestNetExecutePollAdvancesDeviceState(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, 42)
	res := k.Router().Call(context.Background(), 0, iorouter.DeviceNetwork,
		iorouter.Op{Kind: "poll", Payload: payload}, 0)
	if !res.OK {
		t.Fatalf("poll failed: %v", res.ErrKind)
	}

	netDev, err := k.net.Get()
	if err != nil {
		t.Fatalf("net.Get: %v", err)
	}
	loop, ok := netDev.(*netstack.LoopbackDevice)
	if !ok {
		t.Fatalf("net device is %T, want *netstack.LoopbackDevice", netDev)
	}
	if got := loop.LastPollMs(); got != 42 {
		t.Fatalf("LastPollMs() = %d, want 42", got)
	}
}

func TestBlockExecuteUnknownOpReturnsError(t *testing.T) {
	k := newTestKernel()
	if err := k.Boot(nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	res := k.Router().Call(context.Background(), 0, iorouter.DeviceBlock,
		iorouter.Op{Kind: "not_a_real_op"}, 0)
	if res.OK || res.ErrKind == nil {
		t.Fatalf("expected error result, got %+v", res)
	}
}
