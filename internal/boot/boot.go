// Package boot implements the strict boot orchestrator (spec §4.7): the
// thirteen-step primary-hart sequence that brings up the heap, logger,
// device singletons, CPU table, scheduler, trap vectors, and finally
// secondary harts, plus the per-hart idle loop every hart (primary and
// secondary) runs afterward. Grounded on the teacher's hypervisor bring-up
// sequencing (tinyrange/cc internal/hv.Hypervisor construction order) and
// original_source/kernel/src/boot/console.rs's phased boot log, generalized
// from "one VM, one bring-up" to "N harts, one shared orchestrator".
package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/trust0-project/havy-os-go/internal/bootconsole"
	"github.com/trust0-project/havy-os-go/internal/daemon"
	"github.com/trust0-project/havy-os-go/internal/device"
	"github.com/trust0-project/havy-os-go/internal/fdt"
	"github.com/trust0-project/havy-os-go/internal/hart"
	"github.com/trust0-project/havy-os-go/internal/heap"
	"github.com/trust0-project/havy-os-go/internal/iorouter"
	"github.com/trust0-project/havy-os-go/internal/logring"
	"github.com/trust0-project/havy-os-go/internal/mmiobus"
	"github.com/trust0-project/havy-os-go/internal/netstack"
	"github.com/trust0-project/havy-os-go/internal/proc"
	"github.com/trust0-project/havy-os-go/internal/sbi"
	"github.com/trust0-project/havy-os-go/internal/sched"
	"github.com/trust0-project/havy-os-go/internal/simplefs"
	"github.com/trust0-project/havy-os-go/internal/state"
	"github.com/trust0-project/havy-os-go/internal/trap"
)

// Config is the boot orchestrator's YAML-driven configuration (SPEC_FULL §2
// "Configuration"), the Go analogue of original_source's compile-time boot
// constants.
type Config struct {
	ExpectedHarts    int    `yaml:"expected_harts"`
	HeapBytes        int    `yaml:"heap_bytes"`
	LogCapacity      int    `yaml:"log_capacity"`
	BlockSectors     uint64 `yaml:"block_sectors"`
	DirSectors       uint64 `yaml:"dir_sectors"`
	RunQueueCapacity int    `yaml:"run_queue_capacity"`
	RouterCapacity   int    `yaml:"router_capacity"`
	EnableGPU        bool   `yaml:"enable_gpu"`
	MAC              string `yaml:"mac"`
}

// DefaultConfig returns sane defaults for a single-hart simulated boot.
func DefaultConfig() Config {
	return Config{
		ExpectedHarts:    1,
		HeapBytes:        1 << 20,
		LogCapacity:      logring.DefaultCapacity,
		BlockSectors:     2048,
		DirSectors:       4,
		RunQueueCapacity: sched.DefaultCapacity,
		RouterCapacity:   iorouter.DefaultCapacity,
		MAC:              "52:54:00:12:34:56",
	}
}

// LoadConfig parses a YAML Config document, filling unset fields from
// DefaultConfig.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("boot: parsing config: %w", err)
	}
	if cfg.ExpectedHarts <= 0 {
		cfg.ExpectedHarts = 1
	}
	return cfg, nil
}

func parseMAC(s string) [6]byte {
	var mac [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	}
	return mac
}

// ErrBootFatal wraps an error that halts the whole system (spec §7
// "boot-fatal"), as distinct from a hart-fatal error confined to one hart.
type ErrBootFatal struct {
	Step string
	Err  error
}

func (e *ErrBootFatal) Error() string {
	return fmt.Sprintf("boot: fatal during step %q: %v", e.Step, e.Err)
}

func (e *ErrBootFatal) Unwrap() error { return e.Err }

// Kernel owns every subsystem the orchestrator wires together and is the
// HartLauncher mmiobus.Bus calls into for SBI hart_start (spec §4.7 step
// 12).
type Kernel struct {
	cfg     Config
	console bootconsole.Output

	heap *heap.Allocator
	logs *logring.Buffer
	bus  *mmiobus.Bus
	fw   *sbi.Wrapper

	harts  *hart.Table
	procs  *proc.Table
	sched  *sched.Scheduler
	router *iorouter.Router

	block state.Device[device.BlockDevice]
	fs    state.Device[device.FileSystem]
	net   state.Device[device.NetworkDevice]

	vectors []*trap.Vector

	sysmond *daemon.Sysmond
	klogd   *daemon.Klogd

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	started map[int]bool
}

// New constructs a Kernel over cfg, rendering boot messages to console.
func New(cfg Config, console bootconsole.Output) *Kernel {
	return &Kernel{
		cfg:     cfg,
		console: console,
		bus:     mmiobus.New(),
		procs:   proc.NewTable(),
		started: make(map[int]bool),
	}
}

// Bus exposes the kernel's MMIO bus, primarily for tests and cmd/kerneld's
// RTC seeding.
func (k *Kernel) Bus() *mmiobus.Bus { return k.bus }

// Scheduler exposes the scheduler once Boot has run.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Procs exposes the process table.
func (k *Kernel) Procs() *proc.Table { return k.procs }

// Harts exposes the hart table once Boot has run.
func (k *Kernel) Harts() *hart.Table { return k.harts }

// Router exposes the I/O router once Boot has run.
func (k *Kernel) Router() *iorouter.Router { return k.router }

func (k *Kernel) fail(step string, err error) error {
	k.console.PrintStatus(step, false)
	return &ErrBootFatal{Step: step, Err: err}
}

// Boot runs the strict thirteen-step primary-hart sequence (spec §4.7,
// steps 1-12; step 13 "enter the hart loop" is the caller's job via
// StartPrimary/LaunchHart). dtbBlob may be nil or empty, in which case
// expected-harts falls back to cfg.ExpectedHarts (spec §4.7 step 4, "fall
// back to 1").
func (k *Kernel) Boot(dtbBlob []byte) error {
	// Step 1: console ready.
	k.console.PrintSection("boot")
	k.console.PrintStatus("console", true)

	// Step 2: heap.
	k.heap = heap.New()
	if err := k.heap.Init(k.cfg.HeapBytes); err != nil {
		return k.fail("heap", err)
	}
	k.console.PrintStatus("heap", true)

	// Step 3: logger.
	k.logs = logring.NewBuffer(k.cfg.LogCapacity)
	k.console.PrintStatus("logger", true)

	// Step 4: DTB parse, falling back to cfg.ExpectedHarts then 1.
	expected := k.cfg.ExpectedHarts
	if len(dtbBlob) > 0 {
		if root, err := fdt.Parse(dtbBlob); err == nil {
			if n, ok := fdt.HartCount(root); ok && n > 0 {
				expected = n
			}
		}
	}
	if expected <= 0 {
		expected = 1
	}
	k.console.PrintInfo("expected_harts", fmt.Sprint(expected))

	// Step 5: memory subsystem status.
	k.console.PrintInfo("heap_bytes", fmt.Sprint(k.cfg.HeapBytes))

	// Step 6: storage probe -> block device -> mounted filesystem.
	blk := device.NewMemBlock(k.cfg.BlockSectors)
	blk.MarkReady()
	if err := k.block.Set(device.BlockDevice(blk)); err != nil {
		return k.fail("storage", err)
	}
	rootFS := simplefs.New(blk, k.cfg.DirSectors)
	if err := rootFS.Mount(); err != nil {
		return k.fail("storage", err)
	}
	if err := k.fs.Set(device.FileSystem(rootFS)); err != nil {
		return k.fail("storage", err)
	}
	k.console.PrintStatus("storage", true)

	// Step 7: network probe -> device -> published network state.
	netDev := netstack.NewLoopbackDevice(parseMAC(k.cfg.MAC))
	netDev.SetLinkUp(true)
	if err := k.net.Set(device.NetworkDevice(netDev)); err != nil {
		return k.fail("network", err)
	}
	k.console.PrintStatus("network", true)

	// Step 8: GPU/display probe. This simulation never has a framebuffer, so
	// the second console sink is never attached; recorded as a skipped
	// status rather than silently omitted (spec §4.7 step 8).
	k.console.PrintStatus("gpu", false)

	// Step 9: CPU table sized for expected-hart-count.
	harts, err := hart.NewTable(expected)
	if err != nil {
		return k.fail("cpu_table", err)
	}
	k.harts = harts
	k.console.PrintStatus("cpu_table", true)

	// Step 10: scheduler with expected-hart-count run queues.
	sc, err := sched.New(k.procs, k.bus, expected, k.cfg.RunQueueCapacity)
	if err != nil {
		return k.fail("scheduler", err)
	}
	k.sched = sc
	k.console.PrintStatus("scheduler", true)

	router, err := iorouter.New(k.cfg.RouterCapacity)
	if err != nil {
		return k.fail("router", err)
	}
	k.router = router
	k.wireRouterOwners(blk, rootFS, netDev)

	if err := k.installProcesses(); err != nil {
		return k.fail("processes", err)
	}

	// Step 11: trap vectors installed; release-store "init complete".
	k.vectors = make([]*trap.Vector, expected)
	for i := 0; i < expected; i++ {
		k.vectors[i] = k.buildVector(i)
	}
	k.fw = sbi.New(k.bus.Firmware())
	k.bus.SetLauncher(k)
	k.harts.PublishInitComplete()
	k.console.PrintStatus("trap_vector", true)

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	k.group = group
	k.groupCtx = gctx

	// Step 12: secondary harts started via SBI hart_start, IPI fallback if
	// SBI reports not-supported (spec §4.7 step 12).
	for id := 1; id < expected; id++ {
		res := k.fw.HartStart(id, 0, 0)
		if res.IsOK() {
			continue
		}
		if res.Err == sbi.ErrNotSupported {
			k.bus.RaiseIPI(id)
			k.startHartGoroutine(id)
			continue
		}
		return k.fail("secondary_harts", res.Error())
	}
	k.console.PrintStatus("secondary_harts", true)

	return nil
}

// LaunchHart implements mmiobus.HartLauncher: it is called synchronously
// from inside Firmware.HartStartFirmware (itself called from k.fw.HartStart
// above), so it only needs to record that the hart was launched and start
// its goroutine.
func (k *Kernel) LaunchHart(hartID int, startAddr uint64) error {
	_ = startAddr
	k.startHartGoroutine(hartID)
	return nil
}

func (k *Kernel) startHartGoroutine(hartID int) {
	k.mu.Lock()
	if k.started[hartID] {
		k.mu.Unlock()
		return
	}
	k.started[hartID] = true
	k.mu.Unlock()

	k.group.Go(func() error {
		return k.HartLoop(k.groupCtx, hartID)
	})
}

// StartPrimary runs hart 0's loop in the calling goroutine, the step-13
// finale of spec §4.7 ("primary hart enters the hart loop"). It returns once
// Shutdown cancels the hart loops' context or the hart loop errors.
func (k *Kernel) StartPrimary() error {
	return k.HartLoop(k.groupCtx, 0)
}

// Shutdown cancels every hart's loop and waits for the secondary-hart
// goroutines started by Boot's step 12 to exit. It does not wait for
// StartPrimary, which runs in its caller's goroutine.
func (k *Kernel) Shutdown() error {
	if k.cancel != nil {
		k.cancel()
	}
	if k.group != nil {
		return k.group.Wait()
	}
	return nil
}

// RunAll runs hart 0's loop inline (secondary harts' loops were already
// started by Boot's step 12), returning when Shutdown is called or hart 0's
// loop errors.
func (k *Kernel) RunAll() error {
	return k.StartPrimary()
}

// HartLoop is the per-hart idle loop every hart (primary and secondary)
// enters after boot (spec §4.7 "Secondary harts spin on the init-complete
// flag... then enter the hart loop"). Hart 0 skips the spin since Boot
// already ran on it.
func (k *Kernel) HartLoop(ctx context.Context, hartID int) error {
	if hartID != 0 {
		for !k.harts.WaitInitComplete() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				runtime.Gosched()
			}
		}
	}
	if err := k.harts.MarkOnline(hartID); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = k.harts.MarkOffline(hartID)
			return nil
		default:
		}
		k.Tick(hartID)
		runtime.Gosched()
	}
}

// Tick runs exactly one scheduler step for hartID: pick a runnable process,
// run its entry function to completion, then yield it back onto the queue
// (spec §5 "no preemption of user processes" — Entry runs until it returns
// or blocks on one of its own suspension points). Exported so tests can
// drive a bounded number of scheduling rounds without an infinite loop.
func (k *Kernel) Tick(hartID int) (ran bool) {
	now := k.bus.GetTimeMs()
	k.vectors[hartID].OnTimer(hartID, now)
	// A hart with no real CSR-level software interrupt drains its owned
	// router inboxes once per tick instead (spec §4.6 "Router slow path" —
	// some hart must service a non-owner's queued request for Call to ever
	// return).
	k.vectors[hartID].OnSoftware(hartID)

	pid, ok, err := k.sched.Pick(hartID, now)
	if err != nil || !ok {
		return false
	}
	rec, err := k.procs.Get(pid)
	if err != nil {
		return false
	}
	if rec.Entry != nil {
		rec.Entry()
	}
	// A killed or self-suspended process has already left the runnable set
	// (proc.StateZombie, proc.StateSleeping); re-enqueuing it here would
	// stomp that transition back to runnable.
	if rec.State == proc.StateZombie || rec.State == proc.StateSleeping {
		return true
	}
	_ = k.sched.Yield(hartID, pid, 0)
	return true
}

func (k *Kernel) buildVector(hartID int) *trap.Vector {
	return &trap.Vector{
		OnTimer: func(id int, nowMs int64) {
			// Timer traps only wake sleepers and advance daemon cadence
			// (spec §9 Open Question (b)): Pick() does both as a side
			// effect, so the handler itself has nothing further to do.
		},
		OnSoftware: func(id int) {
			for _, d := range []iorouter.Device{iorouter.DeviceBlock, iorouter.DeviceNetwork, iorouter.DeviceFilesystem} {
				if owner, err := k.router.OwnerHart(d); err == nil && owner == id {
					k.router.Drain(d)
				}
			}
		},
		OnExternal: func(id int, sourceID int) {
			_ = k.bus.ConsumeIPI(id)
		},
		OnException: func(id int, reason error) {
			_ = k.harts.MarkOffline(id)
		},
	}
}

func (k *Kernel) wireRouterOwners(blk device.BlockDevice, fs device.FileSystem, net device.NetworkDevice) {
	k.router.RegisterOwner(iorouter.DeviceBlock, 0, func(op iorouter.Op) iorouter.Result {
		return blockExecute(blk, op)
	})
	k.router.RegisterOwner(iorouter.DeviceFilesystem, 0, func(op iorouter.Op) iorouter.Result {
		return fsExecute(fs, op)
	})
	k.router.RegisterOwner(iorouter.DeviceNetwork, 0, func(op iorouter.Op) iorouter.Result {
		return netExecute(net, op)
	})
}

// blockExecute translates one cross-hart block request into a
// device.BlockDevice call. Op.Kind selects the operation; Payload carries
// ASCII-encoded parameters, matching the byte-payload I/O result shape
// spec §3 names for cross-hart results.
func blockExecute(blk device.BlockDevice, op iorouter.Op) iorouter.Result {
	switch op.Kind {
	case "read_sector":
		index, err := strconv.ParseUint(string(op.Payload), 10, 64)
		if err != nil {
			return iorouter.Result{ErrKind: device.ErrInvalidSector}
		}
		buf := make([]byte, device.SectorSize)
		if err := blk.ReadSector(index, buf); err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true, Bytes: buf}
	case "write_sector":
		parts := bytes.SplitN(op.Payload, []byte("\n"), 2)
		if len(parts) != 2 {
			return iorouter.Result{ErrKind: device.ErrBufferSize}
		}
		index, err := strconv.ParseUint(string(parts[0]), 10, 64)
		if err != nil {
			return iorouter.Result{ErrKind: device.ErrInvalidSector}
		}
		if err := blk.WriteSector(index, parts[1]); err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true}
	case "sector_count":
		return iorouter.Result{OK: true, Bytes: []byte(strconv.FormatUint(blk.SectorCount(), 10))}
	case "flush":
		if err := blk.Flush(); err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true}
	default:
		return iorouter.Result{ErrKind: fmt.Errorf("boot: unknown block op %q", op.Kind)}
	}
}

// fsExecute translates one cross-hart filesystem request into a
// device.FileSystem call. write_file's payload is "path\x00data" since a
// path may not contain a NUL byte but file contents are arbitrary bytes.
func fsExecute(fs device.FileSystem, op iorouter.Op) iorouter.Result {
	switch op.Kind {
	case "read_file":
		data, err := fs.ReadFile(string(op.Payload))
		if err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true, Bytes: data}
	case "write_file":
		parts := bytes.SplitN(op.Payload, []byte("\x00"), 2)
		if len(parts) != 2 {
			return iorouter.Result{ErrKind: fmt.Errorf("boot: malformed write_file payload")}
		}
		if err := fs.WriteFile(string(parts[0]), parts[1]); err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true}
	case "list_dir":
		names, err := fs.ListDir(string(op.Payload))
		if err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true, Bytes: []byte(strings.Join(names, "\n"))}
	case "remove":
		if err := fs.Remove(string(op.Payload)); err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true}
	default:
		return iorouter.Result{ErrKind: fmt.Errorf("boot: unknown fs op %q", op.Kind)}
	}
}

// netExecute translates one cross-hart network request into a
// device.NetworkDevice call.
func netExecute(net device.NetworkDevice, op iorouter.Op) iorouter.Result {
	switch op.Kind {
	case "transmit":
		if err := net.Transmit(op.Payload); err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true}
	case "receive":
		buf := make([]byte, net.MTU())
		n, err := net.Receive(buf)
		if err != nil {
			return iorouter.Result{ErrKind: err}
		}
		return iorouter.Result{OK: true, Bytes: buf[:n]}
	case "has_packet":
		v := byte(0)
		if net.HasPacket() {
			v = 1
		}
		return iorouter.Result{OK: true, Bytes: []byte{v}}
	case "mac":
		mac := net.MAC()
		return iorouter.Result{OK: true, Bytes: mac[:]}
	case "poll":
		var nowMs int64
		if len(op.Payload) == 8 {
			nowMs = int64(binary.BigEndian.Uint64(op.Payload))
		}
		net.Poll(nowMs)
		return iorouter.Result{OK: true}
	case "get_ip":
		ip := net.GetIP()
		return iorouter.Result{OK: true, Bytes: ip[:]}
	default:
		return iorouter.Result{ErrKind: fmt.Errorf("boot: unknown network op %q", op.Kind)}
	}
}

func (k *Kernel) installProcesses() error {
	initRec, err := k.procs.Create("init", func() {}, proc.KindUserTask, proc.OwnerAny)
	if err != nil || initRec.PID != 1 {
		return fmt.Errorf("boot: init did not receive pid 1")
	}
	if err := k.sched.Enqueue(0, initRec.PID); err != nil {
		return err
	}

	k.sysmond = daemon.NewSysmond(k.procs, k.sched, k.logs, k.bus, 0)
	sysmondRec, err := k.procs.Create("sysmond", k.sysmond.Run, proc.KindDaemon, 0)
	if err != nil {
		return err
	}
	k.sched.RegisterDaemon(sysmondRec.PID, 10_000)
	if err := k.sched.Enqueue(0, sysmondRec.PID); err != nil {
		return err
	}

	if fsVal, err := k.fs.Get(); err == nil {
		k.klogd = daemon.NewKlogd(k.logs, fsVal)
		klogdRec, err := k.procs.Create("klogd", k.klogd.Run, proc.KindDaemon, 0)
		if err != nil {
			return err
		}
		k.sched.RegisterDaemon(klogdRec.PID, 5_000)
		if err := k.sched.Enqueue(0, klogdRec.PID); err != nil {
			return err
		}
	}
	return nil
}
