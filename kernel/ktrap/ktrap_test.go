package ktrap

import (
	"testing"

	"exokernel/env"
	"exokernel/hal"
	"exokernel/kconfig"
	"exokernel/klog"
	"exokernel/ksys"
	"exokernel/mem"
	"exokernel/sched"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *env.Table, kconfig.Config) {
	t.Helper()
	cfg := kconfig.Default()
	phys := mem.New(64)
	tbl := env.NewTable(4, phys)
	lock := hal.NewKernelLock()
	cpu := hal.NewCPUs(1)[0]
	sc := sched.New(tbl, lock, cpu)
	sys := &ksys.Syscalls{Table: tbl, Phys: phys, Config: cfg}
	return New(tbl, lock, cpu, sc, sys, cfg), tbl, cfg
}

func TestFatalOnUserTrapWithNoCurrentEnvironment(t *testing.T) {
	halted := false
	klog.SetHaltAll(func() { halted = true })
	defer klog.SetHaltAll(func() {})

	d, _, _ := newTestDispatcher(t)
	d.Trap(Event{Vector: TSyscall, FromUser: true})
	if !halted {
		t.Fatalf("expected Fatalf to fire for a user trap with no curenv")
	}
}

func TestSyscallDispatchesAndWritesReturnValue(t *testing.T) {
	d, tbl, _ := newTestDispatcher(t)
	caller, _ := tbl.Alloc(0)
	caller.Status = env.StatusRunning
	d.SetCurenv(caller)

	frame := env.TrapFrame{Regs: [8]uint32{uint32(ksys.SysGetenvid)}}
	d.Trap(Event{Vector: TSyscall, Frame: frame, FromUser: true})

	if env.ID(caller.Tf.Regs[0]) != caller.ID {
		t.Fatalf("Regs[0] after getenvid = %v, want %v", caller.Tf.Regs[0], caller.ID)
	}
	if d.Lock.Owner() != -1 {
		t.Fatalf("lock should be released resuming a still-RUNNING caller")
	}
}

func TestTimerForcesYieldEvenIfCurenvStillRunning(t *testing.T) {
	d, tbl, _ := newTestDispatcher(t)
	running, _ := tbl.Alloc(0)
	running.Status = env.StatusRunning
	runnable, _ := tbl.Alloc(0)
	runnable.Status = env.StatusRunnable
	d.SetCurenv(running)

	eoiCalled := false
	origEOI := hal.EOIFn
	hal.EOIFn = func(*hal.CPU) { eoiCalled = true }
	defer func() { hal.EOIFn = origEOI }()

	d.Lock.Acquire(d.CPU.ID) // kernel-mode entry: the lock is already held
	d.Trap(Event{Vector: IRQOffset + IRQTimer, FromUser: false})

	if !eoiCalled {
		t.Fatalf("expected EOIFn to be called on a timer tick")
	}
	if d.Curenv() != runnable {
		t.Fatalf("timer tick should have preempted to the other runnable environment")
	}
	if running.Status != env.StatusRunning {
		// preemption only reschedules; it does not itself change the
		// preempted environment's own status.
		t.Fatalf("preempted environment status = %v, want unchanged RUNNING", running.Status)
	}
}

func TestUnhandledUserFaultDestroysAndYields(t *testing.T) {
	d, tbl, _ := newTestDispatcher(t)
	caller, _ := tbl.Alloc(0)
	caller.Status = env.StatusRunning
	d.SetCurenv(caller)

	d.Trap(Event{Vector: TGpflt, FromUser: true})

	if caller.Status != env.StatusDying {
		t.Fatalf("caller.Status = %v, want DYING after an unhandled fault", caller.Status)
	}
}

func TestUnhandledKernelTrapIsFatal(t *testing.T) {
	halted := false
	klog.SetHaltAll(func() { halted = true })
	defer klog.SetHaltAll(func() {})

	d, tbl, _ := newTestDispatcher(t)
	caller, _ := tbl.Alloc(0)
	caller.Status = env.StatusRunning
	d.SetCurenv(caller)

	d.Lock.Acquire(d.CPU.ID) // kernel-mode entry: the lock is already held
	d.Trap(Event{Vector: TGpflt, FromUser: false})
	if !halted {
		t.Fatalf("expected a kernel-mode fault to be fatal")
	}
}

func TestPageFaultDeliversUpcallWithoutForcingYield(t *testing.T) {
	d, tbl, cfg := newTestDispatcher(t)
	caller, _ := tbl.Alloc(0)
	caller.Status = env.StatusRunning
	caller.PgFaultUpcall = 0x00801000
	pa, _, _ := d.Syscalls.Phys.Alloc()
	caller.AddrSpace.Insert(cfg.UXSTACKTOP-cfg.PageSize, pa, mem.PTE_U|mem.PTE_P|mem.PTE_W)
	d.SetCurenv(caller)

	frame := env.TrapFrame{ESP: cfg.USTACKTOP}
	d.Trap(Event{Vector: TPgflt, Frame: frame, FaultVA: 0x00900000, FromUser: true})

	if caller.Tf.EIP != caller.PgFaultUpcall {
		t.Fatalf("Tf.EIP = %#x, want upcall %#x", caller.Tf.EIP, caller.PgFaultUpcall)
	}
	if d.Lock.Owner() != -1 {
		t.Fatalf("a resolved page fault should resume the caller and release the lock")
	}
}

func TestIdlePicksUpFirstRunnableEnvironment(t *testing.T) {
	d, tbl, _ := newTestDispatcher(t)
	first, _ := tbl.Alloc(0)
	first.Status = env.StatusRunnable

	d.Idle()

	if d.Curenv() != first {
		t.Fatalf("Idle did not pick up the only runnable environment")
	}
	if first.Status != env.StatusRunning {
		t.Fatalf("first.Status = %v, want RUNNING", first.Status)
	}
	if d.Lock.Owner() != -1 {
		t.Fatalf("Idle should release the lock once an environment is resumed")
	}
}

func TestIdleHaltsWithNothingRunnable(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	origHalt := hal.HaltFn
	haltCalled := false
	hal.HaltFn = func(c *hal.CPU) { haltCalled = true }
	defer func() { hal.HaltFn = origHalt }()

	d.Idle()

	if !haltCalled {
		t.Fatalf("Idle with nothing runnable should halt the core")
	}
	if d.Lock.Owner() != d.CPU.ID {
		t.Fatalf("Idle should reacquire the lock after halting")
	}
}

func TestReapsRemotelyDyingCurenvBeforeDispatch(t *testing.T) {
	d, tbl, _ := newTestDispatcher(t)
	caller, _ := tbl.Alloc(0)
	caller.Status = env.StatusDying // as if another CPU destroyed it mid-flight
	d.SetCurenv(caller)

	d.Trap(Event{Vector: TSyscall, FromUser: true})

	if _, err := tbl.Envid2Env(caller.ID, nil, false); err == nil {
		t.Fatalf("a DYING curenv observed at trap entry should have been freed")
	}
	if d.Curenv() == caller {
		t.Fatalf("dispatcher should no longer consider the freed environment current")
	}
}
