package hal

import (
	"testing"
	"time"
)

func TestHaltBlocksUntilWake(t *testing.T) {
	cpus := NewCPUs(1)
	c := cpus[0]
	done := make(chan struct{})
	go func() {
		c.Halt()
		close(done)
	}()
	time.Sleep(2 * time.Millisecond)
	if !c.Halted() {
		t.Fatalf("expected core to report halted")
	}
	c.Wake()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("Halt did not return after Wake")
	}
}

func TestKernelLockAcquireRelease(t *testing.T) {
	l := NewKernelLock()
	l.Acquire(0)
	if l.Owner() != 0 {
		t.Fatalf("Owner() = %d, want 0", l.Owner())
	}
	l.Release(0)
	if l.Owner() != noOwner {
		t.Fatalf("Owner() after Release = %d, want %d", l.Owner(), noOwner)
	}
}

func TestKernelLockRecursiveAcquirePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on recursive acquire")
		}
	}()
	l := NewKernelLock()
	l.Acquire(0)
	l.Acquire(0)
}

func TestKernelLockReleaseByWrongOwnerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic releasing a lock held by another core")
		}
	}()
	l := NewKernelLock()
	l.Acquire(0)
	l.Release(1)
}

func TestHaltAllWakesEveryCPU(t *testing.T) {
	cpus := NewCPUs(3)
	dones := make([]chan struct{}, len(cpus))
	for i, c := range cpus {
		dones[i] = make(chan struct{})
		go func(c *CPU, done chan struct{}) {
			c.Halt()
			close(done)
		}(c, dones[i])
	}
	time.Sleep(2 * time.Millisecond)
	HaltAllFn(cpus)
	for _, d := range dones {
		select {
		case <-d:
		case <-time.After(50 * time.Millisecond):
			t.Fatalf("a core did not wake after HaltAllFn")
		}
	}
}
