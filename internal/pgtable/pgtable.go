// Package pgtable is a hosted mirror of kernel/pagetable.go's Sv39
// walk/Map/Translate/Unmap logic, built for the same reason pgalloc mirrors
// kernel/pagealloc.go: the freestanding kernel package's go:linkname externs
// keep it from ever compiling as a `go test` binary, so the algorithm gets
// re-expressed here against a host-mmap'd byte arena standing in for
// physical RAM.
//
// Every trick kernel/pagetable.go relies on survives the move: PX's
// level-indexed bit-shift, PA2PTE/PTE2PA's >>12<<10 round trip, and walking
// each level through a raw unsafe.Pointer read rather than an indexed slice.
// Only the memory backing the "physical" pages changes — a host anonymous
// mapping obtained via golang.org/x/sys/unix.Mmap, the same mechanism
// pgalloc.go uses, instead of QEMU guest RAM. Superpage leaves are left out:
// they're the same per-page arithmetic run at a coarser stride, and the
// invariants this package exists to test (kernel-mapping consistency,
// map/translate/unmap round-tripping) don't need them to fail if broken.
package pgtable

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const PageSize = uintptr(4096)

// maxVA mirrors kernel/riscv.go's MAXVA (1 << 38, Sv39's user/kernel split
// point for a 3-level table).
const maxVA = uintptr(1) << 38

const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
)

func px(level int, va uintptr) uintptr { return (va >> (12 + uintptr(level)*9)) & 0x1FF }
func pte2pa(pte uintptr) uintptr       { return (pte >> 10) << 12 }
func pa2pte(pa uintptr) uintptr        { return (pa >> 12) << 10 }

func pgroundDown(a uintptr) uintptr { return a &^ (PageSize - 1) }

// PageAllocator hands out zeroed, page-aligned addresses out of one
// host-mmap'd arena, mirroring kernel/pagealloc.go's role for
// AddressSpace: a real, dereferenceable base address rather than a slice
// index, since AddressSpace's page-table walk dereferences these addresses
// directly through unsafe.Pointer exactly like the freestanding kernel does.
type PageAllocator struct {
	mu       sync.Mutex
	arena    []byte
	base     uintptr
	numPages int
	used     []bool
}

// NewPageAllocator reserves an anonymous mapping large enough for numPages
// pages, all initially free.
func NewPageAllocator(numPages int) (*PageAllocator, error) {
	if numPages <= 0 {
		return nil, fmt.Errorf("pgtable.NewPageAllocator: numPages must be positive, got %d", numPages)
	}
	arena, err := unix.Mmap(-1, 0, numPages*int(PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pgtable.NewPageAllocator: mmap %d pages: %w", numPages, err)
	}
	return &PageAllocator{
		arena:    arena,
		base:     uintptr(unsafe.Pointer(&arena[0])),
		numPages: numPages,
		used:     make([]bool, numPages),
	}, nil
}

// Close releases the backing mapping. A PageAllocator, and every
// AddressSpace built on it, must not be used after Close returns.
func (a *PageAllocator) Close() error {
	return unix.Munmap(a.arena)
}

// Alloc returns the address of a free, zeroed page, or (0, false) if the
// arena is exhausted.
func (a *PageAllocator) Alloc() (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, u := range a.used {
		if u {
			continue
		}
		a.used[i] = true
		base := i * int(PageSize)
		clear(a.arena[base : base+int(PageSize)])
		return a.base + uintptr(base), true
	}
	return 0, false
}

// Free returns pa's page to the pool, zeroing it. It panics if pa does not
// name a currently-used page, matching pagealloc.go's Free treating that as
// an assertion failure.
func (a *PageAllocator) Free(pa uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(pa)
	if !a.used[idx] {
		panic("pgtable.PageAllocator.Free: page is not allocated")
	}
	a.used[idx] = false
	base := idx * int(PageSize)
	clear(a.arena[base : base+int(PageSize)])
}

func (a *PageAllocator) indexOf(pa uintptr) int {
	if pa < a.base || (pa-a.base)%PageSize != 0 {
		panic("pgtable.PageAllocator: address not owned by this arena")
	}
	idx := int((pa - a.base) / PageSize)
	if idx >= a.numPages {
		panic("pgtable.PageAllocator: address out of range")
	}
	return idx
}

// UsedCount reports how many pages are currently allocated, mirroring
// pagealloc.go's UsedCount.
func (a *PageAllocator) UsedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, u := range a.used {
		if u {
			n++
		}
	}
	return n
}

// Perm mirrors kernel/pagetable.go's closed permission set.
type Perm int

const (
	PermReadOnly Perm = iota
	PermReadWrite
	PermExecute
	PermReadExecute
	PermReadWriteExecute
)

func (p Perm) bits() uintptr {
	switch p {
	case PermReadOnly:
		return pteR
	case PermReadWrite:
		return pteR | pteW
	case PermExecute:
		return pteX
	case PermReadExecute:
		return pteR | pteX
	case PermReadWriteExecute:
		return pteR | pteW | pteX
	default:
		panic("pgtable.Perm: invalid permission value")
	}
}

type region struct {
	va, size uintptr
	tag      string
	owned    bool
}

// AddressSpace is the hosted twin of kernel/pagetable.go's AddressSpace: a
// root Sv39 table plus the region list Unmap needs to reverse a mapping
// precisely. Unlike the freestanding kernel's regions/ptPages, this test
// package keeps them as ordinary Go slices — there is no frozen-runtime
// constraint on a `go test` binary, the same reasoning pgalloc.go's own use
// of make()/append() already rests on.
type AddressSpace struct {
	mu      sync.Mutex
	alloc   *PageAllocator
	root    uintptr
	regions []region
	ptPages []uintptr
}

// NewAddressSpace allocates a fresh, empty root table.
func NewAddressSpace(alloc *PageAllocator) (*AddressSpace, error) {
	root, ok := alloc.Alloc()
	if !ok {
		return nil, fmt.Errorf("pgtable.NewAddressSpace: out of memory for root table")
	}
	return &AddressSpace{alloc: alloc, root: root, ptPages: []uintptr{root}}, nil
}

// walkLocked mirrors kernel/pagetable.go's walk: it descends levels 2 and 1
// of the root table, allocating non-leaf pages on demand when alloc is
// true, and returns a pointer to the level-0 PTE slot for va. Callers must
// hold as.mu.
func (as *AddressSpace) walkLocked(va uintptr, alloc bool) *uintptr {
	if va >= maxVA {
		panic("pgtable.AddressSpace.walkLocked: va exceeds maxVA")
	}
	table := as.root
	for level := 2; level > 0; level-- {
		idx := px(level, va)
		ptePtr := (*uintptr)(unsafe.Pointer(table + idx*8))
		if *ptePtr&pteV != 0 {
			table = pte2pa(*ptePtr)
			continue
		}
		if !alloc {
			return nil
		}
		newPage, ok := as.alloc.Alloc()
		if !ok {
			return nil
		}
		as.ptPages = append(as.ptPages, newPage)
		*ptePtr = pa2pte(newPage) | pteV
		table = newPage
	}
	idx0 := px(0, va)
	return (*uintptr)(unsafe.Pointer(table + idx0*8))
}

func (as *AddressSpace) overlapsLocked(va, size uintptr) bool {
	end := va + size
	for _, r := range as.regions {
		rEnd := r.va + r.size
		if va < rEnd && end > r.va {
			return true
		}
	}
	return false
}

// Map writes leaf PTEs covering [va, va+size) at 4 KiB granularity and
// records the region under tag, exactly as kernel/pagetable.go's Map does
// for its non-superpage case. It returns false on overlap with an existing
// region or on page-table exhaustion.
func (as *AddressSpace) Map(va, pa, size uintptr, perm Perm, user bool, tag string) bool {
	if size == 0 || va%PageSize != 0 || pa%PageSize != 0 || size%PageSize != 0 {
		panic("pgtable.AddressSpace.Map: misaligned region")
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.overlapsLocked(va, size) {
		return false
	}

	bits := perm.bits() | pteV
	if user {
		bits |= pteU
	}

	for off := uintptr(0); off < size; off += PageSize {
		pte := as.walkLocked(va+off, true)
		if pte == nil {
			return false
		}
		if *pte&pteV != 0 {
			panic("pgtable.AddressSpace.Map: remap")
		}
		*pte = pa2pte(pa+off) | bits
	}

	as.regions = append(as.regions, region{va: va, size: size, tag: tag})
	return true
}

// MapOwned is Map plus marking the region as backed by pages this address
// space allocated, so Unmap frees them.
func (as *AddressSpace) MapOwned(va, pa, size uintptr, perm Perm, user bool, tag string) bool {
	ok := as.Map(va, pa, size, perm, user, tag)
	if ok {
		as.mu.Lock()
		as.regions[len(as.regions)-1].owned = true
		as.mu.Unlock()
	}
	return ok
}

// Translate returns the physical address for va, or (0, false) if any
// level's V bit is clear.
func (as *AddressSpace) Translate(va uintptr) (uintptr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte := as.walkLocked(pgroundDown(va), false)
	if pte == nil || *pte&pteV == 0 {
		return 0, false
	}
	return pte2pa(*pte) + va%PageSize, true
}

// Unmap precisely reverses a region previously recorded by Map/MapOwned,
// freeing any pages it owned back to alloc, and returns the page count
// freed (0 if no such region starts exactly at va with that size).
func (as *AddressSpace) Unmap(va, size uintptr) int {
	as.mu.Lock()
	idx := -1
	for i, r := range as.regions {
		if r.va == va && r.size == size {
			idx = i
			break
		}
	}
	if idx == -1 {
		as.mu.Unlock()
		return 0
	}
	r := as.regions[idx]
	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)

	freed := 0
	for off := uintptr(0); off < r.size; off += PageSize {
		pte := as.walkLocked(r.va+off, false)
		if pte != nil && *pte&pteV != 0 {
			pa := pte2pa(*pte)
			*pte = 0
			if r.owned {
				as.alloc.Free(pa)
				freed++
			}
		}
	}
	as.mu.Unlock()
	return freed
}
