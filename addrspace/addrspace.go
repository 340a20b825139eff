// Package addrspace is one environment's page table: a map from virtual
// page number to physical frame plus permission bits, with the refcount
// bookkeeping that makes mapping a frame into two address spaces (fork's
// COW sharing) and later tearing either one down safe.
//
// The kernel itself never resolves a page fault; a mapping only ever
// changes when an environment asks for it via page_alloc/page_map/
// page_unmap, including a COW fault, which the faulting environment's own
// upcall handler resolves by calling those same syscalls. So this package
// holds only the page-table bookkeeping primitives; fault delivery lives
// in package pgfault and the user-space fixup itself in package ulib.
package addrspace

import (
	"sync"

	"exokernel/kerr"
	"exokernel/mem"
	"exokernel/util"
)

// Entry is one page-table mapping.
type Entry struct {
	PA   mem.Pa_t
	Perm uint32
}

// AddrSpace is one environment's page table, backed by a shared frame
// arena. Several AddrSpaces may hold an Entry for the same PA at once
// (fork's COW sharing); the arena's refcount is what makes this safe to
// tear down independently.
type AddrSpace struct {
	mu    sync.Mutex
	phys  *mem.Physmem
	table map[uint32]Entry
}

// New returns an empty address space over the given frame arena.
func New(phys *mem.Physmem) *AddrSpace {
	return &AddrSpace{phys: phys, table: make(map[uint32]Entry)}
}

func vpn(va uint32) uint32 { return va >> mem.PGSHIFT }

// Insert maps va to pa with the given permission bits, replacing and
// unmapping whatever va previously pointed at. Insert always succeeds
// once called — it takes a reference on pa, so the caller must already
// own it.
func (a *AddrSpace) Insert(va uint32, pa mem.Pa_t, perm uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := vpn(va)
	if old, ok := a.table[key]; ok {
		if old.PA == pa {
			old.Perm = perm
			a.table[key] = old
			return
		}
		a.phys.Refdown(old.PA)
	}
	a.phys.Refup(pa)
	a.table[key] = Entry{PA: pa, Perm: perm}
}

// Lookup returns the mapping for va, if any.
func (a *AddrSpace) Lookup(va uint32) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.table[vpn(va)]
	return e, ok
}

// Remove unmaps va, dropping the frame's reference count and freeing it
// if this was the last mapping. A no-op if va was not mapped.
func (a *AddrSpace) Remove(va uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := vpn(va)
	e, ok := a.table[key]
	if !ok {
		return
	}
	delete(a.table, key)
	a.phys.Refdown(e.PA)
}

// Teardown unmaps every page in the address space, for env_destroy.
func (a *AddrSpace) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, e := range a.table {
		delete(a.table, key)
		a.phys.Refdown(e.PA)
	}
}

// ReadBytes copies n bytes starting at user virtual address va out of the
// address space, failing if any page in the range is unmapped. It
// translates one page at a time, copying only the portion of each page
// that falls within the requested range.
func (a *AddrSpace) ReadBytes(va uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		e, ok := a.Lookup(va)
		if !ok {
			return nil, kerr.Fault
		}
		off := va & uint32(mem.PGSIZE-1)
		pg := a.phys.At(e.PA)
		take := util.Min(mem.PGSIZE-int(off), n-len(out))
		out = append(out, pg[off:int(off)+take]...)
		va += uint32(take)
	}
	return out, nil
}

// WriteBytes copies data into the address space starting at user virtual
// address va, failing if any page in the range is unmapped or not
// writable.
func (a *AddrSpace) WriteBytes(va uint32, data []byte) error {
	written := 0
	for written < len(data) {
		e, ok := a.Lookup(va)
		if !ok {
			return kerr.Fault
		}
		if e.Perm&mem.PTE_W == 0 {
			return kerr.Fault
		}
		off := va & uint32(mem.PGSIZE-1)
		pg := a.phys.At(e.PA)
		take := util.Min(mem.PGSIZE-int(off), len(data)-written)
		copy(pg[off:int(off)+take], data[written:written+take])
		written += take
		va += uint32(take)
	}
	return nil
}
