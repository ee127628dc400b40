// Package simplefs implements a block-backed flat filesystem: a fixed
// directory region of file entries followed by a data region allocated
// sector-at-a-time. Grounded on original_source/kernel/src/fs/mod.rs's SFS
// (Simple File System) concept — a directory-plus-data-region layout on a
// block device — reimplemented from scratch in Go rather than translated.
// ListDir returns file names only, as device.FileSystem requires.
package simplefs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/trust0-project/havy-os-go/internal/device"
	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// DirEntrySize is the fixed on-disk size of one directory entry: a 32-byte
// name field, a u64 start sector, and a u64 byte length.
const DirEntrySize = 48

const (
	nameFieldLen   = 32
	entryStartOff  = 32
	entryLengthOff = 40
)

// ErrNotMounted is returned by every operation before Mount succeeds.
var ErrNotMounted = errors.New("simplefs: not mounted")

// ErrNotFound is returned when path has no directory entry.
var ErrNotFound = errors.New("simplefs: file not found")

// ErrExists is returned by WriteFile when path already has an entry and
// the write would change its length (simplefs has no in-place truncate).
var ErrExists = errors.New("simplefs: file already exists with a different size")

// ErrNameTooLong is returned for a path longer than 31 bytes: the whole path
// is the entry's name, and the 32-byte name field keeps a terminating NUL.
var ErrNameTooLong = errors.New("simplefs: name exceeds directory entry capacity")

// ErrDiskFull is returned when there is no contiguous free region in the
// data area large enough for a write.
var ErrDiskFull = errors.New("simplefs: disk full")

// FileInfo describes one directory entry. ListDir does not return it; it
// returns names only.
type FileInfo struct {
	Name string
	Size uint64
}

// FS is a block-backed flat filesystem over a device.BlockDevice. DirSectors
// reserves the first N sectors as the directory table; everything after
// that is the data region, allocated as a simple bump allocator. Remove
// frees only the directory slot and nothing compacts the data region; Mount
// sets the next free sector just past the highest-ending live entry, so
// only space after the last live file becomes reusable, and only on the
// next Mount.
type FS struct {
	mu         lockprim.ReadWriteLock
	dev        device.BlockDevice
	dirSectors uint64
	mounted    bool
	nextFree   uint64 // first unallocated data sector
}

// New constructs an unmounted FS over dev, reserving dirSectors sectors for
// the directory table.
func New(dev device.BlockDevice, dirSectors uint64) *FS {
	return &FS{dev: dev, dirSectors: dirSectors}
}

// Mount scans the directory region to find the first free data sector,
// then marks the filesystem usable (spec §4.7 step 6 "filesystem mounted
// (read-write)").
func (f *FS) Mount() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readDirLocked()
	if err != nil {
		return err
	}
	maxEnd := f.dirSectors
	for _, e := range entries {
		end := e.startSector + sectorsFor(e.length)
		if end > maxEnd {
			maxEnd = end
		}
	}
	f.nextFree = maxEnd
	f.mounted = true
	return nil
}

type rawEntry struct {
	name        string
	startSector uint64
	length      uint64
}

func sectorsFor(byteLen uint64) uint64 {
	if byteLen == 0 {
		return 0
	}
	return (byteLen + device.SectorSize - 1) / device.SectorSize
}

func (f *FS) readDirLocked() ([]rawEntry, error) {
	entriesPerSector := device.SectorSize / DirEntrySize
	var out []rawEntry
	buf := make([]byte, device.SectorSize)
	for s := uint64(0); s < f.dirSectors; s++ {
		if err := f.dev.ReadSector(s, buf); err != nil {
			return nil, fmt.Errorf("simplefs: reading directory sector %d: %w", s, err)
		}
		for i := 0; i < entriesPerSector; i++ {
			rec := buf[i*DirEntrySize : (i+1)*DirEntrySize]
			nameBytes := rec[:nameFieldLen]
			nullAt := bytes.IndexByte(nameBytes, 0)
			if nullAt == 0 {
				continue // empty slot
			}
			name := string(nameBytes)
			if nullAt > 0 {
				name = string(nameBytes[:nullAt])
			}
			start := beU64(rec[entryStartOff:entryStartOff+8])
			length := beU64(rec[entryLengthOff : entryLengthOff+8])
			out = append(out, rawEntry{name: name, startSector: start, length: length})
		}
	}
	return out, nil
}

func (f *FS) findLocked(path string) (*rawEntry, int, error) {
	entries, err := f.readDirLocked()
	if err != nil {
		return nil, 0, err
	}
	for i, e := range entries {
		if e.name == path {
			return &e, i, nil
		}
	}
	return nil, 0, ErrNotFound
}

func (f *FS) writeDirEntryLocked(slot int, name string, startSector, length uint64) error {
	entriesPerSector := device.SectorSize / DirEntrySize
	sector := uint64(slot / entriesPerSector)
	offsetInSector := (slot % entriesPerSector) * DirEntrySize

	buf := make([]byte, device.SectorSize)
	if err := f.dev.ReadSector(sector, buf); err != nil {
		return fmt.Errorf("simplefs: reading directory sector %d: %w", sector, err)
	}
	rec := buf[offsetInSector : offsetInSector+DirEntrySize]
	for i := range rec {
		rec[i] = 0
	}
	copy(rec[:nameFieldLen], name)
	putBeU64(rec[entryStartOff:entryStartOff+8], startSector)
	putBeU64(rec[entryLengthOff:entryLengthOff+8], length)
	return f.dev.WriteSector(sector, buf)
}

func (f *FS) firstFreeSlotLocked() (int, error) {
	entries, err := f.readDirLocked()
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(entries))
	entriesPerSector := device.SectorSize / DirEntrySize
	totalSlots := int(f.dirSectors) * entriesPerSector

	// Re-scan raw slots (readDirLocked already skips empty slots, so
	// reconstruct occupied slot indices the same way it iterates).
	buf := make([]byte, device.SectorSize)
	slot := 0
	for s := uint64(0); s < f.dirSectors; s++ {
		if err := f.dev.ReadSector(s, buf); err != nil {
			return 0, err
		}
		for i := 0; i < entriesPerSector; i++ {
			rec := buf[i*DirEntrySize : (i+1)*DirEntrySize]
			if rec[0] != 0 {
				used[slot] = true
			}
			slot++
		}
	}
	for i := 0; i < totalSlots; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("simplefs: directory region full")
}

// ReadFile returns path's contents.
func (f *FS) ReadFile(path string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.mounted {
		return nil, ErrNotMounted
	}
	entry, _, err := f.findLocked(path)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, entry.length)
	remaining := entry.length
	sector := entry.startSector
	buf := make([]byte, device.SectorSize)
	for remaining > 0 {
		if err := f.dev.ReadSector(sector, buf); err != nil {
			return nil, fmt.Errorf("simplefs: reading data sector %d: %w", sector, err)
		}
		n := uint64(device.SectorSize)
		if remaining < n {
			n = remaining
		}
		out = append(out, buf[:n]...)
		remaining -= n
		sector++
	}
	return out, nil
}

// WriteFile creates path with data, or overwrites it in place if the new
// length matches the existing entry's length exactly (simplefs has no
// truncate/extend-in-place; a length change requires Remove then
// WriteFile).
func (f *FS) WriteFile(path string, data []byte) error {
	if len(path) == 0 || len(path) > nameFieldLen-1 {
		return ErrNameTooLong
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return ErrNotMounted
	}

	if existing, slot, err := f.findLocked(path); err == nil {
		if existing.length != uint64(len(data)) {
			return ErrExists
		}
		return f.writeDataLocked(existing.startSector, data, slot, path)
	}

	needed := sectorsFor(uint64(len(data)))
	start := f.nextFree
	slot, err := f.firstFreeSlotLocked()
	if err != nil {
		return err
	}
	if err := f.writeDataLocked(start, data, slot, path); err != nil {
		return err
	}
	f.nextFree = start + needed
	return nil
}

func (f *FS) writeDataLocked(startSector uint64, data []byte, slot int, name string) error {
	buf := make([]byte, device.SectorSize)
	sector := startSector
	for off := 0; off < len(data); off += device.SectorSize {
		end := off + device.SectorSize
		if end > len(data) {
			end = len(data)
		}
		for i := range buf {
			buf[i] = 0
		}
		copy(buf, data[off:end])
		if err := f.dev.WriteSector(sector, buf); err != nil {
			if errors.Is(err, device.ErrInvalidSector) {
				return ErrDiskFull
			}
			return fmt.Errorf("simplefs: writing data sector %d: %w", sector, err)
		}
		sector++
	}
	return f.writeDirEntryLocked(slot, name, startSector, uint64(len(data)))
}

// ListDir returns every file present; simplefs is flat, so path is
// currently ignored (there are no subdirectories), matching spec's
// Non-goal scope (no fd tables, no nested namespace was ever specified).
func (f *FS) ListDir(path string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.mounted {
		return nil, ErrNotMounted
	}
	entries, err := f.readDirLocked()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names, nil
}

// Remove deletes path's directory entry. The underlying data sectors are
// not reclaimed (see FS doc comment).
func (f *FS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return ErrNotMounted
	}
	_, slot, err := f.findLocked(path)
	if err != nil {
		return err
	}
	return f.writeDirEntryLocked(slot, "", 0, 0)
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

var _ device.FileSystem = (*FS)(nil)
