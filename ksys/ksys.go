// Package ksys implements the thirteen system-call primitives, wired
// directly onto the environment table, the shared frame arena, and each
// caller's address space.
//
// A handler returns a (result, yield) pair instead of invoking the
// scheduler directly — package kernel/ktrap owns the scheduler and
// performs the actual yield once a handler asks for one, keeping ksys
// free of any dependency on the scheduler or the platform HAL.
package ksys

import (
	"io"

	"exokernel/accnt"
	"exokernel/env"
	"exokernel/kconfig"
	"exokernel/kerr"
	"exokernel/klog"
	"exokernel/kstats"
	"exokernel/mem"
)

var log = klog.Component("ksys")

// Wire-stable syscall numbers.
const (
	SysCputs = iota
	SysCgetc
	SysGetenvid
	SysEnvDestroy
	SysPageAlloc
	SysPageMap
	SysPageUnmap
	SysExofork
	SysEnvSetStatus
	SysEnvSetPgfaultUpcall
	SysYield
	SysIpcTrySend
	SysIpcRecv
)

// permMask is the set of permission bits a syscall argument is allowed to
// set; anything else is rejected rather than silently masked off.
const permMask = mem.PTE_U | mem.PTE_P | mem.PTE_W | mem.PTE_COW

// Result is what a syscall handler hands back to the trap dispatcher:
// the value to write into the caller's return-value register, and
// whether the caller is no longer immediately resumable and the
// scheduler must run before anything else does.
type Result struct {
	Value uint32
	Yield bool
}

func ok(v uint32) Result      { return Result{Value: v} }
func okYield(v uint32) Result { return Result{Value: v, Yield: true} }
func fail(c kerr.Code) Result { return Result{Value: uint32(c.Int32())} }

// Syscalls holds every collaborator the thirteen primitives need.
type Syscalls struct {
	Table   *env.Table
	Phys    *mem.Physmem
	Config  kconfig.Config
	Console io.Writer
	// Keyboard is polled by cgetc; it returns 0 when no character is
	// waiting, matching cons_getc's non-blocking contract.
	Keyboard func() byte
}

func validateVA(va uint32, cfg kconfig.Config) error {
	if va >= cfg.UTOP || !cfg.PageAligned(va) {
		return kerr.Inval
	}
	return nil
}

func validatePerm(perm uint32) error {
	if perm&(mem.PTE_U|mem.PTE_P) != mem.PTE_U|mem.PTE_P {
		return kerr.Inval
	}
	if perm&^uint32(permMask) != 0 {
		return kerr.Inval
	}
	return nil
}

// Dispatch routes a syscall number and its five argument words to the
// matching handler.
func (s *Syscalls) Dispatch(caller *env.Env, syscallNo uint32, a [5]uint32) Result {
	kstats.Global.Syscalls.Inc()
	switch syscallNo {
	case SysCputs:
		return s.cputs(caller, a[0], a[1])
	case SysCgetc:
		return s.cgetc()
	case SysGetenvid:
		return ok(uint32(caller.ID))
	case SysEnvDestroy:
		return s.envDestroy(caller, env.ID(a[0]))
	case SysPageAlloc:
		return s.pageAlloc(caller, env.ID(a[0]), a[1], a[2])
	case SysPageMap:
		return s.pageMap(caller, env.ID(a[0]), a[1], env.ID(a[2]), a[3], a[4])
	case SysPageUnmap:
		return s.pageUnmap(caller, env.ID(a[0]), a[1])
	case SysExofork:
		return s.exofork(caller)
	case SysEnvSetStatus:
		return s.envSetStatus(caller, env.ID(a[0]), env.Status(a[1]))
	case SysEnvSetPgfaultUpcall:
		return s.envSetPgfaultUpcall(caller, env.ID(a[0]), a[1])
	case SysYield:
		return okYield(0)
	case SysIpcTrySend:
		return s.ipcTrySend(caller, env.ID(a[0]), a[1], a[2], a[3])
	case SysIpcRecv:
		return s.ipcRecv(caller, a[0])
	default:
		return fail(kerr.Inval)
	}
}

// cputs prints a user-supplied buffer to the console. A bad buffer
// destroys the caller rather than returning a negative value it never
// gets a chance to see, since corrupted arguments here mean its own
// address-space bookkeeping is already broken.
func (s *Syscalls) cputs(caller *env.Env, va, n uint32) Result {
	buf, err := caller.AddrSpace.ReadBytes(va, int(n))
	if err != nil {
		log.Warnf("env %08x: bad cputs buffer at %#x len %d", caller.ID, va, n)
		caller.Status = env.StatusDying
		return okYield(0)
	}
	if s.Console != nil {
		s.Console.Write(buf)
	}
	return ok(0)
}

func (s *Syscalls) cgetc() Result {
	if s.Keyboard == nil {
		return ok(0)
	}
	return ok(uint32(s.Keyboard()))
}

// envDestroy destroys envid, with care for the environment currently
// running on some CPU (including this one, for a self-destroy): it is
// marked DYING rather than freed outright, since its resources may still
// be in use by the kernel entry path that has it as curenv; everything
// else is free to reclaim immediately.
func (s *Syscalls) envDestroy(caller *env.Env, id env.ID) Result {
	target, err := s.Table.Envid2Env(id, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	if target.Status == env.StatusRunning {
		target.Status = env.StatusDying
		if target == caller {
			return okYield(0)
		}
		return ok(0)
	}
	s.Table.Free(target)
	kstats.Global.EnvDestroys.Inc()
	return ok(0)
}

func (s *Syscalls) exofork(caller *env.Env) Result {
	child, err := s.Table.Alloc(caller.ID)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	child.Tf = caller.Tf
	child.Tf.Regs[0] = 0 // child observes exofork() returning 0
	child.Accnt = accnt.Accnt{}
	return ok(uint32(child.ID))
}

func (s *Syscalls) envSetStatus(caller *env.Env, id env.ID, status env.Status) Result {
	if status != env.StatusRunnable && status != env.StatusNotRunnable {
		return fail(kerr.Inval)
	}
	target, err := s.Table.Envid2Env(id, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	target.Status = status
	return ok(0)
}

func (s *Syscalls) envSetPgfaultUpcall(caller *env.Env, id env.ID, upcall uint32) Result {
	target, err := s.Table.Envid2Env(id, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	target.PgFaultUpcall = upcall
	return ok(0)
}

func (s *Syscalls) pageAlloc(caller *env.Env, id env.ID, va, perm uint32) Result {
	target, err := s.Table.Envid2Env(id, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	if err := validateVA(va, s.Config); err != nil {
		return fail(err.(kerr.Code))
	}
	if err := validatePerm(perm); err != nil {
		return fail(err.(kerr.Code))
	}
	pa, _, merr := s.Phys.Alloc()
	if merr != nil {
		return fail(merr.(kerr.Code))
	}
	target.AddrSpace.Insert(va, pa, perm)
	return ok(0)
}

func (s *Syscalls) pageMap(caller *env.Env, srcID env.ID, srcva uint32, dstID env.ID, dstva, perm uint32) Result {
	src, err := s.Table.Envid2Env(srcID, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	dst, err := s.Table.Envid2Env(dstID, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	if err := validateVA(srcva, s.Config); err != nil {
		return fail(err.(kerr.Code))
	}
	if err := validateVA(dstva, s.Config); err != nil {
		return fail(err.(kerr.Code))
	}
	if err := validatePerm(perm); err != nil {
		return fail(err.(kerr.Code))
	}
	entry, found := src.AddrSpace.Lookup(srcva)
	if !found {
		return fail(kerr.Inval)
	}
	if perm&mem.PTE_W != 0 && entry.Perm&mem.PTE_W == 0 {
		return fail(kerr.Inval)
	}
	dst.AddrSpace.Insert(dstva, entry.PA, perm)
	return ok(0)
}

func (s *Syscalls) pageUnmap(caller *env.Env, id env.ID, va uint32) Result {
	target, err := s.Table.Envid2Env(id, caller, true)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	if err := validateVA(va, s.Config); err != nil {
		return fail(err.(kerr.Code))
	}
	target.AddrSpace.Remove(va)
	return ok(0)
}

// ipcTrySend is all-or-nothing: every check must pass before any field
// of dst is mutated, so a rejected send never leaves dst half-updated.
func (s *Syscalls) ipcTrySend(caller *env.Env, dstID env.ID, value, srcva, perm uint32) Result {
	kstats.Global.IPCSends.Inc()
	dst, err := s.Table.Envid2Env(dstID, caller, false)
	if err != nil {
		return fail(err.(kerr.Code))
	}
	if !dst.IPCRecving {
		return fail(kerr.IpcNotRecv)
	}

	wantsPage := srcva < s.Config.UTOP && dst.IPCDstVA < s.Config.UTOP
	sendPerm := uint32(0)
	var srcPA mem.Pa_t
	if wantsPage {
		if !s.Config.PageAligned(srcva) {
			return fail(kerr.Inval)
		}
		p := perm | mem.PTE_P
		if err := validatePerm(p); err != nil {
			return fail(err.(kerr.Code))
		}
		entry, found := caller.AddrSpace.Lookup(srcva)
		if !found {
			return fail(kerr.Inval)
		}
		if p&mem.PTE_W != 0 && entry.Perm&mem.PTE_W == 0 {
			return fail(kerr.Inval)
		}
		sendPerm = p
		srcPA = entry.PA
	}

	// every check has passed: now, and only now, mutate dst.
	if wantsPage {
		dst.AddrSpace.Insert(dst.IPCDstVA, srcPA, sendPerm)
	}
	dst.IPCPerm = sendPerm
	dst.IPCFrom = caller.ID
	dst.IPCValue = value
	dst.IPCRecving = false
	dst.Status = env.StatusRunnable
	dst.Tf.Regs[0] = 0
	return ok(0)
}

func (s *Syscalls) ipcRecv(caller *env.Env, dstva uint32) Result {
	kstats.Global.IPCRecvs.Inc()
	if dstva < s.Config.UTOP {
		if !s.Config.PageAligned(dstva) {
			return fail(kerr.Inval)
		}
		caller.IPCDstVA = dstva
	} else {
		caller.IPCDstVA = s.Config.UTOP
	}
	caller.IPCRecving = true
	caller.Status = env.StatusNotRunnable
	return okYield(0)
}
