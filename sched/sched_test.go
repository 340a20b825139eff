package sched

import (
	"testing"
	"time"

	"exokernel/env"
	"exokernel/hal"
	"exokernel/mem"
)

func TestRunPicksFirstRunnableAfterCaller(t *testing.T) {
	tb := env.NewTable(4, mem.New(16))
	envs := make([]*env.Env, 4)
	for i := range envs {
		envs[i], _ = tb.Alloc(0)
	}
	envs[0].Status = env.StatusRunning
	envs[1].Status = env.StatusRunnable
	envs[3].Status = env.StatusRunnable

	lock := hal.NewKernelLock()
	lock.Acquire(0)
	s := New(tb, lock, hal.NewCPUs(1)[0])

	var picked *env.Env
	s.Run(envs[0], func(e *env.Env) { picked = e })
	if picked != envs[1] {
		t.Fatalf("Run picked %v, want envs[1]", picked)
	}
}

func TestRunWrapsAroundTable(t *testing.T) {
	tb := env.NewTable(4, mem.New(16))
	envs := make([]*env.Env, 4)
	for i := range envs {
		envs[i], _ = tb.Alloc(0)
	}
	envs[2].Status = env.StatusRunning
	envs[1].Status = env.StatusRunnable // before envs[2] in table order

	lock := hal.NewKernelLock()
	lock.Acquire(0)
	s := New(tb, lock, hal.NewCPUs(1)[0])

	var picked *env.Env
	s.Run(envs[2], func(e *env.Env) { picked = e })
	if picked != envs[1] {
		t.Fatalf("Run picked %v, want envs[1] after wrapping", picked)
	}
}

func TestRunFallsBackToStillRunningCaller(t *testing.T) {
	tb := env.NewTable(4, mem.New(16))
	envs := make([]*env.Env, 4)
	for i := range envs {
		envs[i], _ = tb.Alloc(0)
	}
	envs[0].Status = env.StatusRunning

	lock := hal.NewKernelLock()
	lock.Acquire(0)
	s := New(tb, lock, hal.NewCPUs(1)[0])

	var picked *env.Env
	s.Run(envs[0], func(e *env.Env) { picked = e })
	if picked != envs[0] {
		t.Fatalf("Run picked %v, want the still-RUNNING caller", picked)
	}
}

func TestRunGivesEveryRunnableEnvAtLeastOneTurn(t *testing.T) {
	const n = 4
	tb := env.NewTable(n, mem.New(16))
	envs := make([]*env.Env, n)
	for i := range envs {
		envs[i], _ = tb.Alloc(0)
		envs[i].Status = env.StatusRunnable
	}

	lock := hal.NewKernelLock()
	lock.Acquire(0)
	s := New(tb, lock, hal.NewCPUs(1)[0])

	picks := make(map[*env.Env]int)
	var curenv *env.Env
	for i := 0; i < 4*n; i++ {
		var picked *env.Env
		s.Run(curenv, func(e *env.Env) { picked = e })
		picks[picked]++
		// each env "yields in a loop": stays RUNNABLE so it competes
		// again on the next round instead of dropping out.
		curenv = picked
	}

	for i, e := range envs {
		if picks[e] == 0 {
			t.Fatalf("env %d was never scheduled across %d yields", i, 4*n)
		}
	}
}

func TestRunHaltsReleasingAndReacquiringTheLock(t *testing.T) {
	tb := env.NewTable(4, mem.New(16))
	cpu := hal.NewCPUs(1)[0]
	lock := hal.NewKernelLock()
	lock.Acquire(cpu.ID)
	s := New(tb, lock, cpu)

	done := make(chan struct{})
	go func() {
		s.Run(nil, func(*env.Env) { t.Errorf("envRun should not be called when nothing is runnable") })
		close(done)
	}()

	time.Sleep(2 * time.Millisecond)
	if lock.Owner() != -1 {
		t.Fatalf("Owner() while halted = %d, want -1 (released)", lock.Owner())
	}
	cpu.Wake()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("Run did not return after Wake")
	}
	if lock.Owner() != cpu.ID {
		t.Fatalf("Owner() after reacquire = %d, want %d", lock.Owner(), cpu.ID)
	}
}
