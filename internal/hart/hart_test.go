package hart

import (
	"sync"
	"testing"
)

func TestNewTableAssignsPrimaryRole(t *testing.T) {
	tbl, err := NewTable(4)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	r0, err := tbl.Get(0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if r0.Role != RolePrimary {
		t.Fatalf("hart 0 role = %v, want primary", r0.Role)
	}
	r1, err := tbl.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if r1.Role != RoleSecondary {
		t.Fatalf("hart 1 role = %v, want secondary", r1.Role)
	}
}

func TestNewTableRejectsNonPositiveCount(t *testing.T) {
	if _, err := NewTable(0); err == nil {
		t.Fatal("NewTable(0) succeeded, want error")
	}
}

func TestMarkOnlineIncrementsOnce(t *testing.T) {
	tbl, _ := NewTable(2)
	if err := tbl.MarkOnline(0); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	if err := tbl.MarkOnline(0); err != nil {
		t.Fatalf("MarkOnline (second): %v", err)
	}
	if got := tbl.HartsOnline(); got != 1 {
		t.Fatalf("HartsOnline() = %d, want 1", got)
	}
}

func TestBootSingleHartScenario(t *testing.T) {
	tbl, err := NewTable(1)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if err := tbl.MarkOnline(0); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	tbl.PublishInitComplete()

	if got := tbl.HartsOnline(); got != 1 {
		t.Fatalf("HartsOnline() = %d, want 1", got)
	}
	if !tbl.WaitInitComplete() {
		t.Fatal("WaitInitComplete() = false, want true")
	}
}

func TestBootFourHartsScenario(t *testing.T) {
	tbl, err := NewTable(4)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	tbl.PublishInitComplete()

	var wg sync.WaitGroup
	for id := 0; id < 4; id++ {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !tbl.WaitInitComplete() {
			}
			if err := tbl.MarkOnline(id); err != nil {
				t.Errorf("MarkOnline(%d): %v", id, err)
			}
		}()
	}
	wg.Wait()

	if got := tbl.HartsOnline(); got != 4 {
		t.Fatalf("HartsOnline() = %d, want 4", got)
	}
	for id := 0; id < 4; id++ {
		r, err := tbl.Get(id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if r.ID != id {
			t.Fatalf("record %d has ID %d", id, r.ID)
		}
		if r.State != StateOnline {
			t.Fatalf("hart %d state = %v, want online", id, r.State)
		}
	}
}

func TestGetOutOfRange(t *testing.T) {
	tbl, _ := NewTable(2)
	if _, err := tbl.Get(5); err == nil {
		t.Fatal("Get(5) succeeded, want error")
	}
}

func TestSetIdleAndCurrentProcess(t *testing.T) {
	tbl, _ := NewTable(1)
	if err := tbl.SetIdle(0, false); err != nil {
		t.Fatalf("SetIdle: %v", err)
	}
	if err := tbl.SetCurrentProcess(0, 7); err != nil {
		t.Fatalf("SetCurrentProcess: %v", err)
	}
	r, _ := tbl.Get(0)
	if r.Idle {
		t.Fatal("Idle = true, want false")
	}
	if r.CurrentProcess != 7 {
		t.Fatalf("CurrentProcess = %d, want 7", r.CurrentProcess)
	}
}

func TestMarkOfflineDoesNotDecrementHartsOnline(t *testing.T) {
	tbl, _ := NewTable(2)
	_ = tbl.MarkOnline(0)
	_ = tbl.MarkOnline(1)
	if err := tbl.MarkOffline(0); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if got := tbl.HartsOnline(); got != 2 {
		t.Fatalf("HartsOnline() = %d, want 2 (offline must not decrement)", got)
	}
	r, _ := tbl.Get(0)
	if r.State != StateOffline {
		t.Fatalf("hart 0 state = %v, want offline", r.State)
	}
}
