// Package sched is the round-robin scheduler: search the environment
// table starting just after the calling core's previous environment,
// run the first RUNNABLE one found, fall back to re-running the caller
// if it is still RUNNING, otherwise halt the core.
//
// The search deliberately starts at the slot after the caller's own,
// rather than at the caller's slot itself: starting inclusive would let
// an otherwise-idle core immediately re-pick the environment it just ran
// ahead of every other runnable one, which is not round-robin fairness.
package sched

import (
	"time"

	"exokernel/env"
	"exokernel/hal"
	"exokernel/klog"
	"exokernel/kstats"
)

var log = klog.Component("sched")

// Sched drives one simulated CPU's scheduling loop over a shared
// environment table.
type Sched struct {
	Table *env.Table
	Lock  *hal.KernelLock
	CPU   *hal.CPU

	lastPick int64 // UnixNano when the currently-running environment was picked
}

// New returns a scheduler for the given table, kernel lock, and core.
func New(table *env.Table, lock *hal.KernelLock, cpu *hal.CPU) *Sched {
	return &Sched{Table: table, Lock: lock, CPU: cpu}
}

// Run is invoked with the kernel lock already held and curenv set to
// whatever this core was last running (nil if none yet). It either hands
// control to EnvRun for the chosen environment (which the caller is
// expected to treat as "never returns" by looping straight back into its
// own trap/dispatch cycle) or halts the core and returns once woken, so
// the caller can re-enter the trap path.
//
// EnvRun is supplied by the caller (kernel/ktrap, which owns what running
// an environment means for this core: updating curenv, flipping status,
// releasing the lock) rather than being a method on Sched, since actually
// resuming an environment is inseparable from the trap-entry/exit
// discipline in package kernel/ktrap.
func (s *Sched) Run(curenv *env.Env, envRun func(*env.Env)) {
	kstats.Global.SchedPicks.Inc()

	now := time.Now().UnixNano()
	if curenv != nil && s.lastPick != 0 {
		curenv.Accnt.Systadd(int(now - s.lastPick))
	}

	after := 0
	if curenv != nil {
		after = s.Table.IndexOf(curenv)
	}

	picked := (*env.Env)(nil)
	s.Table.ForEachFromAfter(after, func(idx int) bool {
		e := s.Table.At(idx)
		if e.Status == env.StatusRunnable {
			picked = e
			return true
		}
		return false
	})
	if picked != nil {
		s.lastPick = time.Now().UnixNano()
		envRun(picked)
		return
	}

	if curenv != nil && curenv.Status == env.StatusRunning {
		s.lastPick = time.Now().UnixNano()
		envRun(curenv)
		return
	}

	s.halt()
}

// halt releases the kernel lock, parks the core, and reacquires the lock
// once woken, so that a timer interrupt waking a halted core serializes
// correctly with the rest of the kernel instead of racing it.
func (s *Sched) halt() {
	kstats.Global.SchedHalts.Inc()
	log.Infof("cpu %d halting: no runnable environment", s.CPU.ID)
	s.Lock.Release(s.CPU.ID)
	s.CPU.Halt()
	s.Lock.Acquire(s.CPU.ID)
}
