// Package heap implements the kernel's single locked free-list allocator
// over a linker-provided byte range (spec §4.2). In this simulation the
// "linker range" is an ordinary []byte arena sized at Init time.
package heap

import (
	"errors"
	"fmt"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// ErrAlreadyInitialized is returned by Init when called more than once on
// the same Allocator, matching spec §4.2 "init is called exactly once".
var ErrAlreadyInitialized = errors.New("heap: already initialized")

// ErrOutOfMemory is returned by Allocate when no free block is large enough.
var ErrOutOfMemory = errors.New("heap: out of memory")

// ErrInvalidFree is returned by Deallocate when ptr does not match a live
// allocation made by this Allocator.
var ErrInvalidFree = errors.New("heap: invalid free")

type block struct {
	offset int
	size   int
}

// Allocator is a single free-list allocator guarded by a spinlock, safe to
// call from any hart including interrupt context (spec §4.2 "thread-safe via
// an internal spinlock").
type Allocator struct {
	mu          lockprim.Spinlock
	initialized bool
	cap         int
	free        []block     // sorted by offset, coalesced
	live        map[int]int // offset -> size, for allocations currently outstanding
	used        int
}

// New constructs an uninitialized Allocator. Call Init before any Allocate.
func New() *Allocator {
	return &Allocator{live: make(map[int]int)}
}

// Init sizes the heap to capacity bytes and must be called exactly once,
// before any allocation, on the primary hart (spec §4.2, §4.7 step 2).
func (a *Allocator) Init(capacity int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return ErrAlreadyInitialized
	}
	if capacity <= 0 {
		return fmt.Errorf("heap: invalid capacity %d", capacity)
	}
	a.initialized = true
	a.cap = capacity
	a.free = []block{{offset: 0, size: capacity}}
	return nil
}

// align rounds n up to the next multiple of alignment (alignment must be a
// power of two).
func align(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) &^ (alignment - 1)
}

// Allocate reserves size bytes aligned to align (a power of two), returning
// the byte offset into the arena. Failure reports ErrOutOfMemory; per spec
// §4.2, callers may choose to panic-halt on this.
func (a *Allocator) Allocate(size, alignment int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("heap: invalid allocation size %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, b := range a.free {
		start := align(b.offset, alignment)
		padding := start - b.offset
		if padding+size > b.size {
			continue
		}
		end := start + size
		// Shrink or split the free block, leaving only genuinely free
		// remainder(s) behind.
		remainderOffset := end
		remainderSize := b.offset + b.size - end
		newFree := make([]block, 0, len(a.free)+1)
		newFree = append(newFree, a.free[:i]...)
		if padding > 0 {
			newFree = append(newFree, block{offset: b.offset, size: padding})
		}
		if remainderSize > 0 {
			newFree = append(newFree, block{offset: remainderOffset, size: remainderSize})
		}
		newFree = append(newFree, a.free[i+1:]...)
		a.free = newFree

		a.live[start] = size
		a.used += size
		return start, nil
	}
	return 0, ErrOutOfMemory
}

// Deallocate releases a previously allocated block back to the free list,
// coalescing with adjacent free blocks.
func (a *Allocator) Deallocate(ptr, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	liveSize, ok := a.live[ptr]
	if !ok || liveSize != size {
		return ErrInvalidFree
	}
	delete(a.live, ptr)
	a.used -= size

	a.free = append(a.free, block{offset: ptr, size: size})
	sortBlocks(a.free)
	a.free = coalesce(a.free)
	return nil
}

func sortBlocks(blocks []block) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].offset < blocks[j-1].offset; j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

func coalesce(blocks []block) []block {
	if len(blocks) == 0 {
		return blocks
	}
	out := make([]block, 0, len(blocks))
	cur := blocks[0]
	for _, b := range blocks[1:] {
		if cur.offset+cur.size == b.offset {
			cur.size += b.size
		} else {
			out = append(out, cur)
			cur = b
		}
	}
	out = append(out, cur)
	return out
}

// Used reports the number of bytes currently allocated.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Free reports the number of bytes currently available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cap - a.used
}

// Capacity reports the total arena size.
func (a *Allocator) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cap
}
