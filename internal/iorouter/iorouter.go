// Package iorouter implements the cross-hart I/O router (spec §4.6): one
// MPSC inbox per owner hart, a fast path when the caller already owns the
// device, deadline-based timeouts, and the consumed/abandoned bits a late
// result needs so the owner can detect and skip it. Grounded on the
// teacher's request/response exit-handling shape (tinyrange/cc
// internal/hv.ExitContext and internal/chipset dispatch), generalized from
// "one vCPU exit routed to a device handler" to "one cross-hart request
// routed to the owning hart's inbox".
package iorouter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// Device identifies which peripheral a request targets (spec §3).
type Device uint8

const (
	DeviceNetwork Device = iota
	DeviceFilesystem
	DeviceBlock
)

// ErrInboxFull is returned by Submit when the owner's inbox has no spare
// capacity (spec §4.6 "Failure").
var ErrInboxFull = errors.New("iorouter: inbox full")

// ErrTimeout is returned when a request's deadline passes before the owner
// writes a result (spec §4.6 "Timeouts").
var ErrTimeout = errors.New("iorouter: timeout")

// ErrNoOwner is returned when Submit/fast-path execution targets a device
// with no registered owner hart.
var ErrNoOwner = errors.New("iorouter: device has no owner hart")

// ErrAlreadyExecuting is returned by Cancel once the owner has begun
// executing the request (spec §4.6 "Cancellation").
var ErrAlreadyExecuting = errors.New("iorouter: request already executing")

// DefaultCapacity is the inbox capacity used when New is given a capacity
// of 0; New rejects a negative capacity (spec §9 Open Question (a)).
const DefaultCapacity = 256

// DefaultTimeout is the deadline used when a Request's Deadline is zero
// (spec §4.6 "default 5 s").
const DefaultTimeout = 5 * time.Second

// Op is a device operation's tagged payload. Kind names the operation;
// Payload carries op-specific bytes (ASCII for simplicity, matching the
// byte-payload shape of spec §3's I/O result).
type Op struct {
	Kind    string
	Payload []byte
}

// Result is the tagged {ok(bytes) | err(kind)} spec §3 names.
type Result struct {
	OK      bool
	Bytes   []byte
	ErrKind error
}

// Executor performs one Op against the peripheral it owns, called either
// inline (fast path) or from the owner hart's inbox-drain loop.
type Executor func(op Op) Result

type requestState int32

const (
	stateQueued requestState = iota
	stateExecuting
	stateCompleted
	stateCancelled
)

// request is one in-flight entry in an owner's inbox.
type request struct {
	id         uint64
	originHart int
	device     Device
	op         Op

	state atomic.Int32 // requestState

	resultMu  lockprim.Spinlock
	result    Result
	written   bool
	consumed  bool
	abandoned bool
	done      chan struct{}
}

// inbox is one owner hart's MPSC queue for a single device.
type inbox struct {
	mu      lockprim.Spinlock
	pending []*request
	sem     *semaphore.Weighted
}

func newInbox(capacity int) *inbox {
	return &inbox{sem: semaphore.NewWeighted(int64(capacity))}
}

// Router owns one inbox per {device, owner hart}, dispatches fast-path
// calls inline, and serializes slow-path calls through the owner's inbox.
type Router struct {
	capacity int

	mu      lockprim.Spinlock
	owners  map[Device]int
	execs   map[Device]Executor
	inboxes map[Device]*inbox

	nextID atomic.Uint64
}

// New constructs a Router with the given per-device inbox capacity
// (DefaultCapacity if capacity is 0; an error if it is negative).
func New(capacity int) (*Router, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("iorouter: invalid capacity %d", capacity)
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Router{
		capacity: capacity,
		owners:   make(map[Device]int),
		execs:    make(map[Device]Executor),
		inboxes:  make(map[Device]*inbox),
	}, nil
}

// RegisterOwner assigns device to ownerHart and installs the Executor that
// runs on that hart's inbox-drain loop and fast path (spec §4.6 "Topology").
func (r *Router) RegisterOwner(device Device, ownerHart int, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[device] = ownerHart
	r.execs[device] = exec
	r.inboxes[device] = newInbox(r.capacity)
}

// OwnerHart reports which hart owns device.
func (r *Router) OwnerHart(device Device) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hart, ok := r.owners[device]
	if !ok {
		return 0, ErrNoOwner
	}
	return hart, nil
}

// Call performs op against device on behalf of callerHart. If callerHart
// owns device, it executes inline (spec §4.6 "Fast path"); otherwise it
// enqueues a request on the owner's inbox and busy-waits with relax for a
// result or deadline (spec §4.6 "Topology", "Timeouts"). deadline of zero
// uses DefaultTimeout.
func (r *Router) Call(ctx context.Context, callerHart int, device Device, op Op, deadline time.Duration) Result {
	r.mu.Lock()
	ownerHart, ok := r.owners[device]
	exec := r.execs[device]
	r.mu.Unlock()
	if !ok {
		return Result{ErrKind: ErrNoOwner}
	}

	if callerHart == ownerHart {
		return exec(op)
	}

	if deadline <= 0 {
		deadline = DefaultTimeout
	}

	ticket, err := r.submit(callerHart, device, op)
	if err != nil {
		return Result{ErrKind: err}
	}
	return ticket.wait(ctx, deadline)
}

// Ticket is a handle to a request queued on a non-owner hart's behalf,
// returned by Router.Submit so a caller may Cancel before execution begins
// (spec §4.6 "Cancellation").
type Ticket struct {
	inbox *inbox
	req   *request
}

// Submit enqueues op for device on behalf of callerHart without waiting for
// a result, for callers that want the option to Cancel before the owner
// begins executing it.
func (r *Router) Submit(callerHart int, device Device, op Op) (*Ticket, error) {
	r.mu.Lock()
	_, ok := r.owners[device]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoOwner
	}
	return r.submit(callerHart, device, op)
}

func (r *Router) submit(callerHart int, device Device, op Op) (*Ticket, error) {
	r.mu.Lock()
	ib := r.inboxes[device]
	r.mu.Unlock()

	if !ib.sem.TryAcquire(1) {
		return nil, ErrInboxFull
	}

	req := &request{
		id:         r.nextID.Add(1),
		originHart: callerHart,
		device:     device,
		op:         op,
		done:       make(chan struct{}),
	}

	ib.mu.Lock()
	ib.pending = append(ib.pending, req)
	ib.mu.Unlock()

	return &Ticket{inbox: ib, req: req}, nil
}

// Cancel withdraws the request from its inbox, but only before the owner
// has begun executing it (spec §4.6 "Cancellation"). Returns
// ErrAlreadyExecuting once execution has started; the caller must then
// Wait or let the deadline expire.
func (t *Ticket) Cancel() error {
	req := t.req
	if !req.state.CompareAndSwap(int32(stateQueued), int32(stateCancelled)) {
		return ErrAlreadyExecuting
	}
	t.inbox.mu.Lock()
	defer t.inbox.mu.Unlock()
	for i, p := range t.inbox.pending {
		if p == req {
			t.inbox.pending = append(t.inbox.pending[:i], t.inbox.pending[i+1:]...)
			break
		}
	}
	t.inbox.sem.Release(1)
	return nil
}

// wait busy-waits with relax for the owner to write a result or the
// deadline to expire (spec §4.6, spec §5 "Suspension points").
func (t *Ticket) wait(ctx context.Context, deadline time.Duration) Result {
	req := t.req
	timeoutCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		select {
		case <-req.done:
			req.resultMu.Lock()
			req.consumed = true
			res := req.result
			req.resultMu.Unlock()
			return res
		case <-timeoutCtx.Done():
			req.resultMu.Lock()
			alreadyWritten := req.written
			res := req.result
			if !alreadyWritten {
				req.abandoned = true
			} else {
				req.consumed = true
			}
			req.resultMu.Unlock()
			if alreadyWritten {
				return res
			}
			return Result{ErrKind: ErrTimeout}
		default:
			runtime.Gosched()
		}
	}
}

// Drain serves every request currently queued for device, in submission
// order, executing each against exec and writing exactly one result per
// request (spec §4.6 "Ordering", spec §3 "exactly one result write"). It is
// called from the owner hart's software-interrupt handler (spec §4.4).
func (r *Router) Drain(device Device) int {
	r.mu.Lock()
	exec, ok := r.execs[device]
	ib := r.inboxes[device]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	ib.mu.Lock()
	batch := ib.pending
	ib.pending = nil
	ib.mu.Unlock()

	served := 0
	for _, req := range batch {
		if !req.state.CompareAndSwap(int32(stateQueued), int32(stateExecuting)) {
			// cancelled before execution began; nothing to serve.
			ib.sem.Release(1)
			continue
		}

		res := exec(req.op)

		req.resultMu.Lock()
		if req.abandoned {
			// originator already timed out; record the write as skipped
			// for the owner's own bookkeeping, matching spec's
			// "consumed"/"abandoned" bit pair, but still release capacity.
			req.resultMu.Unlock()
			req.state.Store(int32(stateCompleted))
			ib.sem.Release(1)
			served++
			continue
		}
		req.result = res
		req.written = true
		req.resultMu.Unlock()
		req.state.Store(int32(stateCompleted))
		close(req.done)
		ib.sem.Release(1)
		served++
	}
	return served
}

// PendingCount reports how many requests are currently queued for device,
// for tests asserting "hart 0's inbox shows exactly one request served"
// (spec §8 scenario 4).
func (r *Router) PendingCount(device Device) int {
	r.mu.Lock()
	ib := r.inboxes[device]
	r.mu.Unlock()
	if ib == nil {
		return 0
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.pending)
}
