package env

import (
	"testing"

	"exokernel/kerr"
	"exokernel/mem"
)

func newTestTable(t *testing.T, n uint32) *Table {
	t.Helper()
	return NewTable(n, mem.New(64))
}

func TestAllocAssignsDistinctIDsAndStatus(t *testing.T) {
	tb := newTestTable(t, 8)
	e1, err := tb.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if e1.Status != StatusNotRunnable {
		t.Fatalf("Status = %v, want NOT_RUNNABLE", e1.Status)
	}
	e2, _ := tb.Alloc(e1.ID)
	if e1.ID == e2.ID {
		t.Fatalf("Alloc returned duplicate ids")
	}
	if e2.ParentID != e1.ID {
		t.Fatalf("ParentID = %v, want %v", e2.ParentID, e1.ID)
	}
}

func TestAllocExhaustionReturnsNoFreeEnv(t *testing.T) {
	tb := newTestTable(t, 2)
	tb.Alloc(0)
	tb.Alloc(0)
	if _, err := tb.Alloc(0); err != kerr.NoFreeEnv {
		t.Fatalf("Alloc on exhausted table = %v, want NoFreeEnv", err)
	}
}

func TestEnvid2EnvZeroIsSelf(t *testing.T) {
	tb := newTestTable(t, 8)
	e, _ := tb.Alloc(0)
	got, err := tb.Envid2Env(0, e, true)
	if err != nil || got != e {
		t.Fatalf("Envid2Env(0) = %v, %v, want caller, nil", got, err)
	}
}

func TestEnvid2EnvStaleIDFailsAfterFree(t *testing.T) {
	tb := newTestTable(t, 8)
	e, _ := tb.Alloc(0)
	staleID := e.ID
	tb.Free(e)
	if _, err := tb.Envid2Env(staleID, e, false); err != kerr.BadEnv {
		t.Fatalf("Envid2Env on stale id = %v, want BadEnv", err)
	}
}

func TestEnvid2EnvGenerationDistinguishesReusedSlot(t *testing.T) {
	tb := newTestTable(t, 1)
	e1, _ := tb.Alloc(0)
	id1 := e1.ID
	tb.Free(e1)
	e2, _ := tb.Alloc(0)
	if e2.ID == id1 {
		t.Fatalf("reused slot kept the same id across a free/alloc cycle")
	}
	if _, err := tb.Envid2Env(id1, e2, false); err != kerr.BadEnv {
		t.Fatalf("stale pre-reuse id resolved successfully, want BadEnv")
	}
}

func TestEnvid2EnvPermissionChecksParentage(t *testing.T) {
	tb := newTestTable(t, 8)
	parent, _ := tb.Alloc(0)
	child, _ := tb.Alloc(parent.ID)
	stranger, _ := tb.Alloc(0)

	if _, err := tb.Envid2Env(child.ID, parent, true); err != nil {
		t.Fatalf("parent resolving child with checkPerm failed: %v", err)
	}
	if _, err := tb.Envid2Env(child.ID, stranger, true); err != kerr.BadEnv {
		t.Fatalf("stranger resolving child with checkPerm = %v, want BadEnv", err)
	}
}

func TestForEachFromAfterWrapsOnce(t *testing.T) {
	tb := newTestTable(t, 4)
	var visited []int
	tb.ForEachFromAfter(1, func(idx int) bool {
		visited = append(visited, idx)
		return false
	})
	want := []int{2, 3, 0, 1}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited %v, want %v", visited, want)
		}
	}
}

func TestForEachFromAfterStopsEarly(t *testing.T) {
	tb := newTestTable(t, 4)
	var visited []int
	tb.ForEachFromAfter(0, func(idx int) bool {
		visited = append(visited, idx)
		return idx == 2
	})
	if len(visited) != 2 {
		t.Fatalf("visited %v, want exactly 2 entries", visited)
	}
}
