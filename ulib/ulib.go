// Package ulib is the user-space runtime every environment links against:
// fork() with copy-on-write, the page-fault handler that resolves a COW
// fault once the kernel delivers it, and the ipc_send/ipc_recv wrappers
// around the raw IPC syscalls.
//
// This core never runs real user-mode code (env.TrapFrame's doc comment
// explains why), so these functions operate directly on the *env.Env
// records a caller already holds, at the same level of simulation the
// rest of the kernel uses, rather than trapping through hand-written
// assembly stubs. One consequence: IPCSend's retry loop cannot itself
// block until rescheduled the way a real sys_yield would, so it takes an
// explicit yield callback the caller supplies to make progress between
// retries; and IPCRecv issues the syscall and reports whatever is already
// in the environment's IPC fields, mirroring the real ipc_recv's return
// point after the kernel has resumed the caller, not the syscall's own
// (non-blocking, in this simulation) return.
package ulib

import (
	"exokernel/env"
	"exokernel/kconfig"
	"exokernel/kerr"
	"exokernel/ksys"
	"exokernel/mem"
	"exokernel/pgfault"
)

// Runtime is the syscall table and configuration every wrapper below
// calls through.
type Runtime struct {
	Syscalls *ksys.Syscalls
	Config   kconfig.Config
}

// NoPage is the sentinel for "no page wanted or offered": any address at
// or above UTOP, since UTOP itself is never a valid place to map user
// memory.
func (r *Runtime) NoPage() uint32 { return r.Config.UTOP }

func asErr(v uint32) error {
	if int32(v) == 0 {
		return nil
	}
	return kerr.Code(int32(v))
}

// Fork creates a child of parent: sharing of every page currently mapped
// between UTEXT and USTACKTOP (writable and COW pages copy-on-write,
// read-only pages read-only; see duppage), a fresh exception
// stack, and the parent's page-fault upcall carried over, then marks
// the child RUNNABLE. It returns the id fork() returns to the parent;
// the child's own observation of fork() returning 0 is already recorded
// in the child's saved register file by sys_exofork, for whenever the
// child is next resumed.
func (r *Runtime) Fork(parent *env.Env) (env.ID, error) {
	res := r.Syscalls.Dispatch(parent, ksys.SysExofork, [5]uint32{})
	if int32(res.Value) < 0 {
		return 0, kerr.Code(int32(res.Value))
	}
	childID := env.ID(res.Value)

	excStack := r.Config.UXSTACKTOP - r.Config.PageSize
	res = r.Syscalls.Dispatch(parent, ksys.SysPageAlloc,
		[5]uint32{uint32(childID), excStack, mem.PTE_U | mem.PTE_P | mem.PTE_W, 0, 0})
	if err := asErr(res.Value); err != nil {
		return 0, err
	}

	res = r.Syscalls.Dispatch(parent, ksys.SysEnvSetPgfaultUpcall,
		[5]uint32{uint32(childID), parent.PgFaultUpcall, 0, 0, 0})
	if err := asErr(res.Value); err != nil {
		return 0, err
	}

	for va := r.Config.UTEXT; va < r.Config.USTACKTOP; va += r.Config.PageSize {
		if err := r.duppage(parent, childID, va); err != nil {
			return 0, err
		}
	}

	res = r.Syscalls.Dispatch(parent, ksys.SysEnvSetStatus,
		[5]uint32{uint32(childID), uint32(env.StatusRunnable), 0, 0, 0})
	if err := asErr(res.Value); err != nil {
		return 0, err
	}
	return childID, nil
}

// duppage maps one page of parent's address space into childID. An
// unmapped va is a silent no-op.
// A writable or already-COW page is mapped into the child COW, then
// remapped into the parent COW as well — the parent's own mapping must
// be downgraded too, or it would keep writing directly to a page the
// child believes it shares copy-on-write. A read-only page is mapped
// into the child as plain read-only; the parent's mapping is untouched.
func (r *Runtime) duppage(parent *env.Env, childID env.ID, va uint32) error {
	entry, ok := parent.AddrSpace.Lookup(va)
	if !ok {
		return nil
	}
	if entry.Perm&(mem.PTE_U|mem.PTE_P) != mem.PTE_U|mem.PTE_P {
		return kerr.Inval
	}

	if entry.Perm&(mem.PTE_W|mem.PTE_COW) != 0 {
		cow := mem.PTE_COW | mem.PTE_U | mem.PTE_P
		res := r.Syscalls.Dispatch(parent, ksys.SysPageMap,
			[5]uint32{uint32(parent.ID), va, uint32(childID), va, cow})
		if err := asErr(res.Value); err != nil {
			return err
		}
		res = r.Syscalls.Dispatch(parent, ksys.SysPageMap,
			[5]uint32{uint32(parent.ID), va, uint32(parent.ID), va, cow})
		return asErr(res.Value)
	}

	res := r.Syscalls.Dispatch(parent, ksys.SysPageMap,
		[5]uint32{uint32(parent.ID), va, uint32(childID), va, mem.PTE_U | mem.PTE_P})
	return asErr(res.Value)
}

// IPCSend delivers val (and, if srcva is not r.NoPage(), the page
// mapped there under perm) to toEnv, retrying until the destination is
// receiving. Any error other than "destination not receiving" is
// returned to the caller rather than treated as fatal, since a library
// call failing is a caller's problem to handle, not a kernel invariant
// violation.
func (r *Runtime) IPCSend(sender *env.Env, toEnv env.ID, val, srcva, perm uint32, yield func()) error {
	if srcva != r.NoPage() {
		perm |= mem.PTE_P
	} else {
		perm = 0
	}
	for {
		res := r.Syscalls.Dispatch(sender, ksys.SysIpcTrySend, [5]uint32{uint32(toEnv), val, srcva, perm, 0})
		if int32(res.Value) == 0 {
			return nil
		}
		if code := kerr.Code(int32(res.Value)); code != kerr.IpcNotRecv {
			return code
		}
		yield()
	}
}

// IPCRecv issues the ipc_recv syscall for caller — registering it as
// receiving, with any transferred page to land at pg (pass r.NoPage()
// for none) — and returns whatever is already present in its IPC
// fields. A real ipc_recv call only actually observes a value once the
// kernel resumes caller after a matching send; call this again (or read
// caller's fields directly) once that has happened.
func (r *Runtime) IPCRecv(caller *env.Env, pg uint32) (from env.ID, value, perm uint32, err error) {
	res := r.Syscalls.Dispatch(caller, ksys.SysIpcRecv, [5]uint32{pg, 0, 0, 0, 0})
	if int32(res.Value) < 0 {
		return 0, 0, 0, kerr.Code(int32(res.Value))
	}
	return caller.IPCFrom, caller.IPCValue, caller.IPCPerm, nil
}

// FindEnv returns the id of the first non-free environment of the given
// type, or 0 if none exists — a linear scan for locating a well-known
// service by type rather than id.
func (r *Runtime) FindEnv(typ env.Type) env.ID {
	n := r.Syscalls.Table.Len()
	for i := 0; i < n; i++ {
		e := r.Syscalls.Table.At(i)
		if e.Status != env.StatusFree && e.Type == typ {
			return e.ID
		}
	}
	return 0
}

// scratchVA is the virtual address Fixup uses as scratch space while
// resolving a COW fault: a page just below user text, never otherwise
// mapped.
func (r *Runtime) scratchVA() uint32 { return r.Config.UTEXT - r.Config.PageSize }

// Fixup is the page-fault handler a COW-using environment registers as
// its upcall, and that pgfault.Deliver redirects execution to. It is the
// only thing that ever resolves a copy-on-write fault: on a write to a
// page mapped PTE_COW, it allocates a fresh page at a scratch address,
// copies the faulting page's current contents into it, maps the scratch
// page over the faulting address with the COW bit cleared, and unmaps
// the scratch slot. Anything other than a write fault against a COW
// page is not something this handler knows how to fix, and is returned
// as an error rather than silently ignored.
func (r *Runtime) Fixup(caller *env.Env, faultVA, errCode uint32) error {
	if errCode&pgfault.FECWrite == 0 {
		return kerr.Fault
	}
	base := faultVA &^ (r.Config.PageSize - 1)
	entry, ok := caller.AddrSpace.Lookup(base)
	if !ok || entry.Perm&mem.PTE_COW == 0 {
		return kerr.Fault
	}

	scratch := r.scratchVA()
	perm := mem.PTE_P | mem.PTE_U | mem.PTE_W
	res := r.Syscalls.Dispatch(caller, ksys.SysPageAlloc, [5]uint32{0, scratch, perm, 0, 0})
	if err := asErr(res.Value); err != nil {
		return err
	}

	data, err := caller.AddrSpace.ReadBytes(base, int(r.Config.PageSize))
	if err != nil {
		return err
	}
	if err := caller.AddrSpace.WriteBytes(scratch, data); err != nil {
		return err
	}

	res = r.Syscalls.Dispatch(caller, ksys.SysPageMap, [5]uint32{0, scratch, 0, base, perm})
	if err := asErr(res.Value); err != nil {
		return err
	}

	res = r.Syscalls.Dispatch(caller, ksys.SysPageUnmap, [5]uint32{0, scratch, 0, 0, 0})
	return asErr(res.Value)
}
