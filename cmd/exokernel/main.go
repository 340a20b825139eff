// Command exokernel boots the simulated core: one environment table and
// frame arena shared by every simulated CPU, one scheduler/dispatcher
// pair per CPU, and a fixed boot environment to give the scheduler
// something to find on its first idle pass.
//
// Each simulated CPU runs as its own goroutine, coordinated with
// golang.org/x/sync/errgroup rather than a hand-rolled sync.WaitGroup:
// nothing here can itself fail, but Wait's first-error propagation and
// context-cancellation-on-error are exactly the shutdown discipline a
// boot harness wants once any one core's loop returns an error.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"exokernel/env"
	"exokernel/hal"
	"exokernel/kconfig"
	"exokernel/kernel/ktrap"
	"exokernel/klog"
	"exokernel/ksys"
	"exokernel/mem"
	"exokernel/sched"
	"exokernel/ulib"
)

var log = klog.Component("boot")

// bootPages is the simulated physical memory size, in pages.
const bootPages = 4096

// tickInterval stands in for the local APIC's periodic timer interrupt.
const tickInterval = time.Millisecond

func main() {
	klog.SetOutputSink(os.Stdout)
	cfg := kconfig.Default()

	phys := mem.New(bootPages)
	table := env.NewTable(cfg.NENV, phys)
	lock := hal.NewKernelLock()
	cpus := hal.NewCPUs(int(cfg.NCPU))
	klog.SetHaltAll(func() { hal.HaltAllFn(cpus) })

	syscalls := &ksys.Syscalls{Table: table, Phys: phys, Config: cfg, Console: os.Stdout}
	runtime := &ulib.Runtime{Syscalls: syscalls, Config: cfg}

	if _, err := bootEnv(table, runtime); err != nil {
		log.Fatalf("boot environment setup failed: %v", err)
		fmt.Fprint(os.Stderr, klog.History())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*tickInterval)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, cpu := range cpus {
		cpu := cpu
		sc := sched.New(table, lock, cpu)
		disp := ktrap.New(table, lock, cpu, sc, syscalls, cfg)
		disp.SetRuntime(runtime)
		g.Go(func() error { return runCPU(ctx, disp) })
	}

	if err := g.Wait(); err != nil {
		log.Errorf("boot harness stopped: %v", err)
	}
	fmt.Print(klog.History())
}

// bootEnv allocates the first environment, gives it a fresh zeroed page
// at its text address (UTEXT) and a mapped exception stack, and
// marks it RUNNABLE. A real loader would populate this from an ELF
// image; that loader is out of scope here, so the mapping below is the
// minimum a dispatcher needs before it can ever take a page fault or
// syscall trap on this environment's behalf.
func bootEnv(table *env.Table, runtime *ulib.Runtime) (*env.Env, error) {
	root, err := table.Alloc(0)
	if err != nil {
		return nil, err
	}
	root.Type = env.TypeService

	cfg := runtime.Config
	perm := mem.PTE_U | mem.PTE_P | mem.PTE_W
	if res := runtime.Syscalls.Dispatch(root, ksys.SysPageAlloc,
		[5]uint32{uint32(root.ID), cfg.UTEXT, perm, 0, 0}); int32(res.Value) != 0 {
		return nil, fmt.Errorf("mapping boot text page: %d", int32(res.Value))
	}
	if res := runtime.Syscalls.Dispatch(root, ksys.SysPageAlloc,
		[5]uint32{uint32(root.ID), cfg.UXSTACKTOP - cfg.PageSize, perm, 0, 0}); int32(res.Value) != 0 {
		return nil, fmt.Errorf("mapping boot exception stack: %d", int32(res.Value))
	}
	root.Tf.EIP = cfg.UTEXT
	root.Tf.ESP = cfg.USTACKTOP
	root.Status = env.StatusRunnable
	return root, nil
}

// runCPU drives one simulated core: it first falls into the scheduler
// with no trap at all (disp.Idle, the boot-time env_run path), then on
// every subsequent tick either delivers a timer interrupt to whatever it
// is running or, if it picked up nothing, idles again rather than
// delivering a trap no environment exists to receive.
func runCPU(ctx context.Context, disp *ktrap.Dispatcher) error {
	disp.Idle()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if disp.Curenv() == nil {
				disp.Idle()
				continue
			}
			disp.Trap(ktrap.Event{Vector: ktrap.IRQOffset + ktrap.IRQTimer, FromUser: true})
		}
	}
}
