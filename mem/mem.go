// Package mem is the simulated physical frame allocator: a flat arena of
// page frames with reference counts, handed out to the environment table
// and page-table code by index rather than by a real physical address.
//
// This core never runs on bare metal, so there is no per-CPU free-list
// split and no direct-map window onto physical memory — one global free
// list over one Go-allocated arena serves both purposes, and frames are
// addressed by opaque Pa_t index. The refcount-on-shared-frame discipline
// (Refup/Refdown, freed only at zero) is load-bearing: the page_map/
// duppage copy-on-write protocol depends on a frame surviving exactly as
// long as something still maps it.
package mem

import (
	"sync"
	"sync/atomic"

	"exokernel/kerr"
)

// PGSHIFT is the base-2 exponent of the simulated page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single simulated page, in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET uint32 = uint32(PGSIZE) - 1

// PTE_P marks a page-table entry present.
const PTE_P uint32 = 1 << 0

// PTE_W marks a page-table entry writable.
const PTE_W uint32 = 1 << 1

// PTE_U marks a page-table entry user-accessible.
const PTE_U uint32 = 1 << 2

// PTE_COW marks a page-table entry copy-on-write, a software-defined bit
// real hardware ignores: it exists purely as a convention between the
// page-fault upcall handler and whatever set it.
const PTE_COW uint32 = 1 << 9

// PTE_ADDR masks a PTE down to its frame address (a Pa_t, the frame index
// shifted left by PGSHIFT).
const PTE_ADDR uint32 = ^(uint32(PGSIZE) - 1)

// Pa_t is a simulated physical address: a frame index shifted by PGSHIFT,
// exactly as a real PTE would encode it, even though no frame is ever
// mapped through a host virtual address.
type Pa_t uint32

// Page is one page frame's storage.
type Page [PGSIZE]byte

type frame struct {
	Refcnt int32
	nexti  uint32 // index of next frame on the free list, or sentinel
}

const freeSentinel = ^uint32(0)

// Physmem is the arena: a fixed number of frames, an intrusive free list
// threaded through unused frames, and one lock guarding list surgery.
// Refcounts are atomic so Refup/Refdown/Refcnt need not take the lock.
type Physmem struct {
	mu     sync.Mutex
	frames []frame
	pages  []Page
	freei  uint32
	nfree  int
}

// New creates an arena of npages frames, all initially free.
func New(npages int) *Physmem {
	p := &Physmem{
		frames: make([]frame, npages),
		pages:  make([]Page, npages),
		nfree:  npages,
	}
	for i := range p.frames {
		if i == npages-1 {
			p.frames[i].nexti = freeSentinel
		} else {
			p.frames[i].nexti = uint32(i + 1)
		}
	}
	p.freei = 0
	if npages == 0 {
		p.freei = freeSentinel
	}
	return p
}

func (p *Physmem) idx(pa Pa_t) uint32 { return uint32(pa) >> PGSHIFT }

// Alloc hands out a zeroed frame with refcount zero; the caller is
// expected to Refup it once it is actually mapped somewhere.
func (p *Physmem) Alloc() (Pa_t, *Page, error) {
	pa, pg, ok := p.alloc()
	if !ok {
		return 0, nil, kerr.NoMem
	}
	for i := range pg {
		pg[i] = 0
	}
	return pa, pg, nil
}

// AllocNoZero is Alloc without the zero-fill, for callers about to
// overwrite the whole frame anyway.
func (p *Physmem) AllocNoZero() (Pa_t, *Page, error) {
	pa, pg, ok := p.alloc()
	if !ok {
		return 0, nil, kerr.NoMem
	}
	return pa, pg, nil
}

func (p *Physmem) alloc() (Pa_t, *Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == freeSentinel {
		return 0, nil, false
	}
	idx := p.freei
	p.freei = p.frames[idx].nexti
	p.nfree--
	p.frames[idx].Refcnt = 0
	pa := Pa_t(idx) << PGSHIFT
	return pa, &p.pages[idx], true
}

// At returns the frame backing pa.
func (p *Physmem) At(pa Pa_t) *Page {
	return &p.pages[p.idx(pa)]
}

// Refcnt returns the current reference count of the frame backing pa.
func (p *Physmem) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&p.frames[p.idx(pa)].Refcnt))
}

// Refup increments the reference count of the frame backing pa.
func (p *Physmem) Refup(pa Pa_t) {
	c := atomic.AddInt32(&p.frames[p.idx(pa)].Refcnt, 1)
	if c <= 0 {
		panic("mem: Refup brought refcount to a non-positive value")
	}
}

// Refdown decrements the reference count of the frame backing pa and
// returns the frame to the free list once it reaches zero, returning true
// when that happened.
func (p *Physmem) Refdown(pa Pa_t) bool {
	idx := p.idx(pa)
	c := atomic.AddInt32(&p.frames[idx].Refcnt, -1)
	if c < 0 {
		panic("mem: Refdown brought refcount negative")
	}
	if c != 0 {
		return false
	}
	p.mu.Lock()
	p.frames[idx].nexti = p.freei
	p.freei = idx
	p.nfree++
	p.mu.Unlock()
	return true
}

// Free reports the number of unallocated frames remaining.
func (p *Physmem) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// Total reports the arena's fixed frame count.
func (p *Physmem) Total() int { return len(p.frames) }
