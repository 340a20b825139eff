// Package hal is the platform layer: the handful of primitives that, on
// real hardware, are architecture-specific (enabling/disabling
// interrupts, halting a core until the next interrupt, signalling
// end-of-interrupt, the big kernel lock every entry path must hold). This
// core never runs on bare metal, so each primitive is a simulated
// stand-in wired through a package-level function variable, letting
// sched and ktrap's tests substitute their own — there is no assembly
// backend to swap between, only a simulated one and a test one.
//
// The spinlock is an atomic compare-and-swap state word, extended with
// owner tracking: acquiring it while already held by the same core is a
// kernel bug, not a recursive lock, and is treated as fatal rather than
// deadlocking silently.
package hal

import (
	"sync/atomic"
	"time"
)

// NumCPU is a default simulated core count. The boot harness sizes its
// cores from kconfig.Config.NCPU and neither reads nor sets NumCPU.
var NumCPU = 4

// CPU identifies one simulated processor running the scheduler loop.
type CPU struct {
	ID      int
	wake    chan struct{}
	halted  int32
}

// NewCPUs returns n simulated cores, ready to be driven by one goroutine
// each.
func NewCPUs(n int) []*CPU {
	cpus := make([]*CPU, n)
	for i := range cpus {
		cpus[i] = &CPU{ID: i, wake: make(chan struct{}, 1)}
	}
	return cpus
}

// HaltFn is invoked by the scheduler when a core has no runnable
// environment. The default blocks until Wake is called or a polling
// interval elapses, standing in for a real `hlt` instruction waiting on
// the next interrupt. Tests substitute an instrumented stub.
var HaltFn = func(c *CPU) {
	atomic.StoreInt32(&c.halted, 1)
	select {
	case <-c.wake:
	case <-time.After(10 * time.Millisecond):
	}
	atomic.StoreInt32(&c.halted, 0)
}

// Halt stands in for a core executing `hlt`.
func (c *CPU) Halt() { HaltFn(c) }

// Halted reports whether the core is currently parked in Halt.
func (c *CPU) Halted() bool { return atomic.LoadInt32(&c.halted) != 0 }

// Wake unblocks a core parked in Halt, standing in for the interrupt that
// would resume a real `hlt`.
func (c *CPU) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// EOIFn signals end-of-interrupt to the (simulated) local APIC. Overridden
// only in tests that assert it was called.
var EOIFn = func(*CPU) {}

// KernelLock is the one lock every trap/syscall entry path acquires
// before touching shared kernel state, and releases before returning to
// user mode or halting. Acquiring a lock already held by the same core is
// a kernel bug (recursive acquire of a non-reentrant lock), not a thing
// to spin forever on.
type KernelLock struct {
	state int32
	owner int32
}

const noOwner = -1

// NewKernelLock returns an unlocked lock.
func NewKernelLock() *KernelLock { return &KernelLock{owner: noOwner} }

// Acquire blocks until the lock is free, then takes it on behalf of cpu.
func (l *KernelLock) Acquire(cpu int) {
	if atomic.LoadInt32(&l.owner) == int32(cpu) && atomic.LoadInt32(&l.state) == 1 {
		panic("hal: recursive acquire of the kernel lock by the same core")
	}
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		// spin; a real core would pause here, this one yields the goroutine
		time.Sleep(0)
	}
	atomic.StoreInt32(&l.owner, int32(cpu))
}

// Release gives up the lock. Releasing a lock not held by cpu is a
// kernel bug.
func (l *KernelLock) Release(cpu int) {
	if atomic.LoadInt32(&l.owner) != int32(cpu) {
		panic("hal: release of the kernel lock by a core that does not hold it")
	}
	atomic.StoreInt32(&l.owner, noOwner)
	atomic.StoreInt32(&l.state, 0)
}

// Owner reports which core currently holds the lock, or -1 if free.
func (l *KernelLock) Owner() int { return int(atomic.LoadInt32(&l.owner)) }

// HaltAllFn wakes every simulated core parked in Halt, and is installed as
// klog's fatal-error sink at boot. It does not stop a running core, and a
// woken core goes on scheduling as before.
var HaltAllFn = func(cpus []*CPU) {
	for _, c := range cpus {
		c.Wake()
	}
}
