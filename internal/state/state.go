// Package state implements the shared device singleton registry (spec §3
// "Shared device singleton"): read-write-lock-guarded optional slots for
// the block device, network state, and filesystem state, each initialised
// once by the hart that owns the peripheral and thereafter mutated only by
// that owner. Grounded on the teacher's generic handle/slot pattern
// (tinyrange/cc internal/hv common device registration), expressed with Go
// generics so one type serves all three singleton kinds.
package state

import (
	"errors"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// ErrAlreadySet is returned by Set when the slot has already been
// initialised, enforcing spec §3's "initialised once during boot" rule.
var ErrAlreadySet = errors.New("state: device already initialised")

// ErrUnset is returned by Get before the owning hart has published a value.
var ErrUnset = errors.New("state: device not yet initialised")

// Device is a read-write-lock-guarded optional slot holding a value of type
// T. Set is called exactly once (by the boot orchestrator, on the owning
// hart); Get may be called from any hart under the RW lock's "multiple
// readers" discipline (spec §5 "Shared-resource discipline").
type Device[T any] struct {
	mu  lockprim.ReadWriteLock
	val T
	set bool
}

// Set publishes the device's value. Returns ErrAlreadySet on a second call.
func (d *Device[T]) Set(v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set {
		return ErrAlreadySet
	}
	d.val = v
	d.set = true
	return nil
}

// Get returns the published value, or ErrUnset if Set has not yet run.
func (d *Device[T]) Get() (T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.set {
		var zero T
		return zero, ErrUnset
	}
	return d.val, nil
}

// Ready reports whether Set has published a value.
func (d *Device[T]) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.set
}

// Mutate applies fn to the current value under the write lock, for the
// owning hart's in-place updates (e.g. network state refresh). Returns
// ErrUnset if no value has been published yet.
func (d *Device[T]) Mutate(fn func(current T) T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.set {
		return ErrUnset
	}
	d.val = fn(d.val)
	return nil
}
