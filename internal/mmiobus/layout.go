// Package mmiobus stands in for the physical memory-mapped peripherals spec
// §6 names by physical address: CLINT (timer + software-interrupt lines),
// the sysinfo region, the scheduler diagnostics region, the emulator
// test-finisher word, and the host RTC. Every address and field offset below
// is carried unchanged from spec §6; only the storage (an in-process,
// lock-guarded struct instead of real MMIO) differs, the same substitution
// the teacher's internal/chipset makes for PCI/virtio device registers.
package mmiobus

// Physical addresses from spec §6, kept as named constants even though
// nothing here dereferences real memory — they document the wire contract a
// bare-metal port would honor exactly.
const (
	ClintMtime    = 0x0200_BFF8
	ClintMsipBase = 0x0200_0000

	SysinfoBase      = 0x0011_0000
	SysinfoHeapUsed  = SysinfoBase + 0x00
	SysinfoHeapTotal = SysinfoBase + 0x08
	SysinfoDiskUsed  = SysinfoBase + 0x10
	SysinfoDiskTotal = SysinfoBase + 0x18
	SysinfoCPUCount  = SysinfoBase + 0x20
	SysinfoUptime    = SysinfoBase + 0x28

	SchedDiagBase        = 0x0011_1000
	SchedDiagHartID      = SchedDiagBase + 0x00
	SchedDiagPickCount   = SchedDiagBase + 0x04
	SchedDiagPickResult  = SchedDiagBase + 0x08
	SchedDiagPID         = SchedDiagBase + 0x0C
	SchedDiagName        = SchedDiagBase + 0x10 // 32 bytes
	SchedDiagCanSchedule = SchedDiagBase + 0x30
	SchedDiagRequeueOK   = SchedDiagBase + 0x34
	SchedDiagQueueDepth  = SchedDiagBase + 0x38

	TestFinisher = 0x0010_0000

	RTCBase = 0x1010_0000
)

// TicksPerMillisecond is the CLINT mtime divisor spec §6 specifies
// ("divided by 10,000 to yield milliseconds").
const TicksPerMillisecond = 10_000
