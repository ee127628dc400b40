package device

import (
	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// SectorSize is the fixed sector size MemBlock uses, matching the 512-byte
// sectors the teacher's virtio block backend assumes
// (tinyrange/cc internal/devices/virtio blk.go).
const SectorSize = 512

// MemBlock is an in-memory BlockDevice backing the simulated virt machine's
// disk, grounded on the teacher's virtio block device (read/write/flush over
// a byte-addressable backing store, generalized from a host file to a
// plain []byte arena).
type MemBlock struct {
	mu      lockprim.ReadWriteLock
	storage []byte
	ready   bool
}

// NewMemBlock allocates a MemBlock of sectorCount sectors, not yet marked
// ready (spec §9 "initialised once during boot by the hart that owns the
// peripheral").
func NewMemBlock(sectorCount uint64) *MemBlock {
	return &MemBlock{storage: make([]byte, sectorCount*SectorSize)}
}

// MarkReady flips the device into the ready state, called once by the boot
// orchestrator's storage-probe step (spec §4.7 step 6).
func (m *MemBlock) MarkReady() {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
}

// ReadSector copies one sector into buf.
func (m *MemBlock) ReadSector(index uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return ErrDeviceNotReady
	}
	if len(buf) != SectorSize {
		return ErrBufferSize
	}
	start := index * SectorSize
	if start+SectorSize > uint64(len(m.storage)) {
		return ErrInvalidSector
	}
	copy(buf, m.storage[start:start+SectorSize])
	return nil
}

// WriteSector copies data into one sector.
func (m *MemBlock) WriteSector(index uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return ErrDeviceNotReady
	}
	if len(data) != SectorSize {
		return ErrBufferSize
	}
	start := index * SectorSize
	if start+SectorSize > uint64(len(m.storage)) {
		return ErrInvalidSector
	}
	copy(m.storage[start:start+SectorSize], data)
	return nil
}

// SectorCount reports the device's total sector count.
func (m *MemBlock) SectorCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.storage)) / SectorSize
}

// Flush is a no-op for an in-memory backing store; present to satisfy
// BlockDevice.
func (m *MemBlock) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return ErrDeviceNotReady
	}
	return nil
}

var _ BlockDevice = (*MemBlock)(nil)
