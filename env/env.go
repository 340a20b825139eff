// Package env is the environment table: a fixed-size arena of schedulable
// units, an intrusive free list threaded through unused slots, and the
// id-generation scheme that lets a stale id fail safely instead of
// aliasing a reused slot.
package env

import (
	"math/bits"
	"sync"

	"exokernel/accnt"
	"exokernel/addrspace"
	"exokernel/kerr"
	"exokernel/mem"
)

// ID is a 32-bit environment identifier: low bits are the table index,
// high bits a generation counter. id 0 means "none/self". Wrap-around of
// the generation counter is not detected or handled.
type ID uint32

// Status is the environment's place in the scheduling state machine.
type Status int

const (
	StatusFree Status = iota
	StatusDying
	StatusRunnable
	StatusRunning
	StatusNotRunnable
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusDying:
		return "DYING"
	case StatusRunnable:
		return "RUNNABLE"
	case StatusRunning:
		return "RUNNING"
	case StatusNotRunnable:
		return "NOT_RUNNABLE"
	default:
		return "UNKNOWN"
	}
}

// Type distinguishes ordinary user environments from well-known service
// environments, looked up by type rather than id.
type Type int

const (
	TypeUser Type = iota
	TypeService
)

// NoUpcall is the sentinel PgFaultUpcall value meaning "destroy on fault".
const NoUpcall uint32 = 0

// TrapFrame is the register snapshot saved on every trap, and restored
// into user mode when an environment resumes. It stands in for a real x86
// trap frame (segment selectors, 8 general registers, trap number, error
// code, eip, cs, eflags, and — only present for traps from user mode —
// esp/ss); this core runs no real user-mode code, so the fields exist to
// be copied, compared, and handed to the page-fault upcall machinery, not
// to be `iret`-ed through by hardware.
type TrapFrame struct {
	Regs     [8]uint32
	TrapNo   uint32
	ErrCode  uint32
	EIP      uint32
	EFlags   uint32
	ESP      uint32
	FromUser bool
}

// Env is one schedulable unit.
type Env struct {
	ID       ID
	ParentID ID
	Status   Status
	Type     Type

	Tf TrapFrame

	AddrSpace     *addrspace.AddrSpace
	PgFaultUpcall uint32

	IPCRecving bool
	IPCFrom    ID
	IPCValue   uint32
	IPCPerm    uint32
	IPCDstVA   uint32

	Accnt accnt.Accnt

	next uint32 // free-list link; valid only while Status == StatusFree
}

const freeSentinel = ^uint32(0)

// Table is the fixed-size environment array plus its free list.
type Table struct {
	mu       sync.Mutex
	envs     []Env
	freei    uint32
	genShift uint
	indexMsk uint32
	phys     *mem.Physmem
}

// NewTable allocates a table of n slots (n must be a power of two) backed
// by phys for each environment's address space.
func NewTable(n uint32, phys *mem.Physmem) *Table {
	if n == 0 || n&(n-1) != 0 {
		panic("env: NewTable size must be a power of two")
	}
	t := &Table{
		envs:     make([]Env, n),
		genShift: uint(bits.Len32(n - 1)),
		indexMsk: n - 1,
		phys:     phys,
	}
	for i := range t.envs {
		if uint32(i) == n-1 {
			t.envs[i].next = freeSentinel
		} else {
			t.envs[i].next = uint32(i + 1)
		}
	}
	return t
}

// Len returns the table's fixed slot count.
func (t *Table) Len() int { return len(t.envs) }

func (t *Table) makeID(index, generation uint32) ID {
	return ID(index | (generation << t.genShift))
}

func (t *Table) index(id ID) uint32 { return uint32(id) & t.indexMsk }

// Alloc pops a slot off the free list, assigns it a fresh id (bumping
// that slot's generation so a stale id referring to the slot's previous
// occupant never matches again), and returns it in StatusNotRunnable with
// a fresh empty address space.
func (t *Table) Alloc(parent ID) (*Env, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freei == freeSentinel {
		return nil, kerr.NoFreeEnv
	}
	idx := t.freei
	e := &t.envs[idx]
	t.freei = e.next

	generation := (uint32(e.ID) >> t.genShift) + 1
	*e = Env{
		ID:        t.makeID(idx, generation),
		ParentID:  parent,
		Status:    StatusNotRunnable,
		Type:      TypeUser,
		AddrSpace: addrspace.New(t.phys),
		IPCDstVA:  ^uint32(0),
	}
	return e, nil
}

// Free returns a destroyed environment's resources (address space, and
// the slot itself) to their respective free lists.
func (t *Table) Free(e *Env) {
	e.AddrSpace.Teardown()
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.index(e.ID)
	e.Status = StatusFree
	e.next = t.freei
	t.freei = idx
}

// Envid2Env resolves id to its environment record: id 0 means the
// caller's own record (no permission check applies); a non-zero id must
// index a non-free slot whose stored id matches exactly (the generation
// check that makes a stale id fail instead of aliasing whatever now
// occupies that slot); and, if checkPerm is set, the resolved environment
// must be the caller or a direct child of the caller.
func (t *Table) Envid2Env(id ID, caller *Env, checkPerm bool) (*Env, error) {
	if id == 0 {
		return caller, nil
	}
	idx := t.index(id)
	e := &t.envs[idx]
	if e.Status == StatusFree || e.ID != id {
		return nil, kerr.BadEnv
	}
	if checkPerm && e != caller && e.ParentID != caller.ID {
		return nil, kerr.BadEnv
	}
	return e, nil
}

// ForEachFromAfter visits every slot once, starting at the slot after
// `after` and wrapping around the table, calling fn(index) until fn
// returns true (meaning "stop, this is the one") or every slot has been
// visited. It is the traversal order the scheduler's round-robin search
// uses.
func (t *Table) ForEachFromAfter(after int, fn func(idx int) bool) {
	n := len(t.envs)
	for offset := 1; offset <= n; offset++ {
		idx := (after + offset) % n
		if fn(idx) {
			return
		}
	}
}

// At returns the slot at the given table index, for callers (the
// scheduler) that already hold an index from ForEachFromAfter.
func (t *Table) At(idx int) *Env { return &t.envs[idx] }

// IndexOf returns e's table index.
func (t *Table) IndexOf(e *Env) int { return int(t.index(e.ID)) }
