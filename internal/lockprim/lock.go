// Package lockprim implements the kernel's three interrupt-aware mutual
// exclusion primitives (spec §4.1): a test-and-set Spinlock, a FIFO
// TicketLock, and a writer-preferring ReadWriteLock. None of the three may
// block a goroutine standing in for a hart indefinitely without making
// forward progress observable to other harts — they are non-blocking
// critical-section markers, not condition variables.
//
// No lock call in this package ever returns an error: per spec §4.1,
// deadlock is a program bug, not a reportable failure.
package lockprim

import (
	"runtime"
	"sync/atomic"
)

// relax yields the current goroutine's timeslice without parking it,
// standing in for a hart's "pause"/"wfi-lite" instruction between spin
// attempts (spec §5 "Busy-wait loops ... must include a no-op relax").
func relax() {
	runtime.Gosched()
}

// Spinlock is a test-and-set lock with no fairness guarantee. Use it where
// critical sections are bounded and short.
type Spinlock struct {
	state atomic.Bool
}

// Lock spins until the lock is acquired.
func (l *Spinlock) Lock() {
	for !l.state.CompareAndSwap(false, true) {
		relax()
	}
}

// Unlock releases the lock. Unlock on an unheld lock is a caller bug, like
// the original's release-store assumption.
func (l *Spinlock) Unlock() {
	l.state.Store(false)
}

// TryLock attempts to acquire the lock without spinning.
func (l *Spinlock) TryLock() bool {
	return l.state.CompareAndSwap(false, true)
}

// TicketLock grants FIFO acquisition order across harts via a
// now-serving/next-ticket pair, avoiding the convoy effect a plain spinlock
// can produce under contention.
type TicketLock struct {
	nowServing atomic.Uint64
	nextTicket atomic.Uint64
}

// Lock draws a ticket and spins until it is the one being served.
func (l *TicketLock) Lock() {
	ticket := l.nextTicket.Add(1) - 1
	for l.nowServing.Load() != ticket {
		relax()
	}
}

// Unlock advances service to the next ticket holder.
func (l *TicketLock) Unlock() {
	l.nowServing.Add(1)
}

// rwWriterBit marks that a writer holds or wants the lock; it is set the
// instant a writer starts waiting so new readers block immediately, which is
// what makes the lock writer-preferring. The remaining bits count active
// readers.
const rwWriterBit = uint64(1) << 63

// ReadWriteLock is writer-preferring: once a writer is waiting, new readers
// block until it has run, so writers cannot be starved by a steady stream of
// readers. State is a single packed word so a reader's "is a writer
// waiting?" check and its reader-count increment happen as one atomic step.
type ReadWriteLock struct {
	state atomic.Uint64 // rwWriterBit | readerCount
}

// RLock acquires a shared (read) hold. It blocks while a writer is holding
// or waiting for the lock.
func (l *ReadWriteLock) RLock() {
	for {
		cur := l.state.Load()
		if cur&rwWriterBit != 0 {
			relax()
			continue
		}
		if l.state.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// RUnlock releases a shared hold.
func (l *ReadWriteLock) RUnlock() {
	l.state.Add(^uint64(0)) // -1
}

// Lock acquires exclusive (write) access, draining existing readers first.
func (l *ReadWriteLock) Lock() {
	for {
		cur := l.state.Load()
		if cur&rwWriterBit != 0 {
			relax()
			continue
		}
		if l.state.CompareAndSwap(cur, cur|rwWriterBit) {
			break
		}
	}
	for l.state.Load()&^rwWriterBit > 0 {
		relax()
	}
}

// Unlock releases exclusive access.
func (l *ReadWriteLock) Unlock() {
	l.state.Store(0)
}
