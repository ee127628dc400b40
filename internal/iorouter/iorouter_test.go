package iorouter

import (
	"context"
	"testing"
	"time"
)

func ipEchoExecutor(ip [4]byte) Executor {
	return func(op Op) Result {
		if op.Kind != "get_ip" {
			return Result{ErrKind: ErrNoOwner}
		}
		return Result{OK: true, Bytes: []byte{ip[0], ip[1], ip[2], ip[3]}}
	}
}

func TestFastPathSkipsInbox(t *testing.T) {
	r, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.RegisterOwner(DeviceNetwork, 0, ipEchoExecutor([4]byte{10, 0, 2, 15}))

	res := r.Call(context.Background(), 0, DeviceNetwork, Op{Kind: "get_ip"}, 0)
	if !res.OK {
		t.Fatalf("Call: %+v", res)
	}
	if string(res.Bytes) != string([]byte{10, 0, 2, 15}) {
		t.Fatalf("Bytes = %v, want [10 0 2 15]", res.Bytes)
	}
	if got := r.PendingCount(DeviceNetwork); got != 0 {
		t.Fatalf("PendingCount = %d, want 0 (fast path never touches inbox)", got)
	}
}

func TestSlowPathServedAfterDrain(t *testing.T) {
	r, _ := New(4)
	r.RegisterOwner(DeviceNetwork, 0, ipEchoExecutor([4]byte{10, 0, 2, 15}))

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- r.Call(context.Background(), 1, DeviceNetwork, Op{Kind: "get_ip"}, time.Second)
	}()

	// Give the caller goroutine a moment to enqueue before draining.
	deadline := time.Now().Add(time.Second)
	for r.PendingCount(DeviceNetwork) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := r.PendingCount(DeviceNetwork); got != 1 {
		t.Fatalf("PendingCount before drain = %d, want 1", got)
	}

	served := r.Drain(DeviceNetwork)
	if served != 1 {
		t.Fatalf("Drain served = %d, want 1", served)
	}

	select {
	case res := <-resultCh:
		if !res.OK || string(res.Bytes) != string([]byte{10, 0, 2, 15}) {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Call to return")
	}
}

func TestTimeoutDiscardsLateResult(t *testing.T) {
	r, _ := New(4)
	release := make(chan struct{})
	r.RegisterOwner(DeviceBlock, 0, func(op Op) Result {
		<-release
		return Result{OK: true, Bytes: []byte("late")}
	})

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- r.Call(context.Background(), 1, DeviceBlock, Op{Kind: "read"}, 30*time.Millisecond)
	}()

	// Wait for the request to land in the inbox, then drain it — the
	// executor blocks on release, simulating hart 0 being spin-stalled
	// past the caller's deadline.
	for r.PendingCount(DeviceBlock) == 0 {
		time.Sleep(time.Millisecond)
	}
	drained := make(chan struct{})
	go func() {
		r.Drain(DeviceBlock)
		close(drained)
	}()

	select {
	case res := <-resultCh:
		if res.ErrKind != ErrTimeout {
			t.Fatalf("Call result = %+v, want ErrTimeout", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Call to time out")
	}

	close(release)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Drain never completed")
	}
}

func TestSubmitThenCancelBeforeDrain(t *testing.T) {
	r, _ := New(4)
	r.RegisterOwner(DeviceFilesystem, 0, func(op Op) Result { return Result{OK: true} })

	ticket, err := r.Submit(1, DeviceFilesystem, Op{Kind: "read_file"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := r.PendingCount(DeviceFilesystem); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	if err := ticket.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := r.PendingCount(DeviceFilesystem); got != 0 {
		t.Fatalf("PendingCount after cancel = %d, want 0", got)
	}

	if served := r.Drain(DeviceFilesystem); served != 0 {
		t.Fatalf("Drain served = %d, want 0 (cancelled request)", served)
	}
}

func TestCancelAfterExecutionStartsFails(t *testing.T) {
	r, _ := New(4)
	started := make(chan struct{})
	release := make(chan struct{})
	r.RegisterOwner(DeviceBlock, 0, func(op Op) Result {
		close(started)
		<-release
		return Result{OK: true}
	})

	ticket, err := r.Submit(1, DeviceBlock, Op{Kind: "read"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go r.Drain(DeviceBlock)
	<-started

	if err := ticket.Cancel(); err != ErrAlreadyExecuting {
		t.Fatalf("Cancel = %v, want ErrAlreadyExecuting", err)
	}
	close(release)
}

func TestInboxFullReturnsError(t *testing.T) {
	r, _ := New(1)
	block := make(chan struct{})
	r.RegisterOwner(DeviceBlock, 0, func(op Op) Result {
		<-block
		return Result{OK: true}
	})

	if _, err := r.Submit(1, DeviceBlock, Op{Kind: "read"}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := r.Submit(1, DeviceBlock, Op{Kind: "read"}); err != ErrInboxFull {
		t.Fatalf("second Submit = %v, want ErrInboxFull", err)
	}
	close(block)
}

func TestCallUnknownDeviceReturnsNoOwner(t *testing.T) {
	r, _ := New(4)
	res := r.Call(context.Background(), 0, DeviceNetwork, Op{Kind: "get_ip"}, 0)
	if res.ErrKind != ErrNoOwner {
		t.Fatalf("Call = %+v, want ErrNoOwner", res)
	}
}
