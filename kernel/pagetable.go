package main

import "unsafe"

// Sv39 page tables and per-process address spaces (C4). Grounded on the
// teacher's vm.go (walk/kvmmap/mappages over a single global
// kernel_pagetable), generalized into a per-address-space type that owns
// its root table tree, records every region it maps so unmap can reverse
// it precisely, and supports 2 MiB/1 GiB superpage leaves when alignment
// allows (the teacher only ever used 4 KiB leaves).
//
// The AddressSpace record itself, and the region/page-table-page
// bookkeeping it carries, are allocated from the C3 kernel heap
// (kmalloc/kmfree) rather than the Go allocator: regions and ptPages are
// singly linked lists of kmalloc'd nodes instead of append-grown slices,
// so a process's address-space bookkeeping never touches Go's garbage
// collector, matching the fixed/kmalloc-backed discipline the rest of the
// kernel's tables now follow.

// Perm is the closed permission set from spec.md §4.4. Raw integer
// encodings never reach a leaf entry without going through PermFromBits.
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
		return PTE_R
	case PermReadWrite:
		return PTE_R | PTE_W
	case PermExecute:
		return PTE_X
	case PermReadExecute:
		return PTE_R | PTE_X
	case PermReadWriteExecute:
		return PTE_R | PTE_W | PTE_X
	default:
		kpanic("Perm: invalid permission value %d", int(p))
		return 0
	}
}

// PermFromBits validates a raw R/W/X bit pattern against the closed set.
func PermFromBits(bits uintptr) (Perm, bool) {
	switch bits & (PTE_R | PTE_W | PTE_X) {
	case PTE_R:
		return PermReadOnly, true
	case PTE_R | PTE_W:
		return PermReadWrite, true
	case PTE_X:
		return PermExecute, true
	case PTE_R | PTE_X:
		return PermReadExecute, true
	case PTE_R | PTE_W | PTE_X:
		return PermReadWriteExecute, true
	default:
		return 0, false
	}
}

type mappedRegion struct {
	va    uintptr
	size  uintptr
	tag   string
	owned bool // true if this AddressSpace allocated the backing physical pages
}

// regionNode and ptPageNode are the kmalloc-backed list nodes replacing
// []mappedRegion/[]uintptr. Both are allocated and freed exclusively
// through kmalloc/kmfree (heap.go), never new/append.
type regionNode struct {
	r    mappedRegion
	next *regionNode
}

type ptPageNode struct {
	pa   uintptr
	next *ptPageNode
}

// AddressSpace is a process's root Sv39 table together with the physical
// pages it owns (spec.md §3). The root table must never be dropped while
// installed in any hart's satp; Drop asserts this.
//
// refcount starts at 1 (the owning process) and is bumped to 2 for the
// lifetime of a CLONE_VM|CLONE_VFORK child sharing this same table (see
// sys_proc.go's sysCloneHandler): the child's eventual execve or exit calls
// Drop exactly like any other process exit would, but Drop only actually
// tears the table down once refcount reaches zero, so the still-running
// parent's mappings survive the child's exit or exec.
type AddressSpace struct {
	root     pagetable_t
	regions  *regionNode
	ptPages  *ptPageNode // non-leaf table pages (plus root) this AddressSpace allocated
	lock     SpinLock
	refcount int32
}

var kernelAddressSpace OnceCell[*AddressSpace]

// allocAddressSpace pulls the AddressSpace record itself out of the kernel
// heap instead of the Go allocator.
func allocAddressSpace() *AddressSpace {
	p := kmalloc(int(unsafe.Sizeof(AddressSpace{})))
	if p == 0 {
		kpanic("allocAddressSpace: kernel heap exhausted")
	}
	as := (*AddressSpace)(unsafe.Pointer(p))
	*as = AddressSpace{}
	return as
}

func (as *AddressSpace) pushPTPage(pa uintptr) {
	n := (*ptPageNode)(unsafe.Pointer(kmalloc(int(unsafe.Sizeof(ptPageNode{})))))
	if n == nil {
		kpanic("AddressSpace.pushPTPage: kernel heap exhausted")
	}
	n.pa = pa
	n.next = as.ptPages
	as.ptPages = n
}

// pushRegion links a new region node onto the head of as.regions and
// returns it so MapOwned can flip its owned bit in place.
func (as *AddressSpace) pushRegion(r mappedRegion) *regionNode {
	n := (*regionNode)(unsafe.Pointer(kmalloc(int(unsafe.Sizeof(regionNode{})))))
	if n == nil {
		kpanic("AddressSpace.pushRegion: kernel heap exhausted")
	}
	n.r = r
	n.next = as.regions
	as.regions = n
	return n
}

// popRegion unlinks and frees the node describing exactly [va, va+size),
// returning the region it held. ok is false if no such region is mapped.
func (as *AddressSpace) popRegion(va, size uintptr) (r mappedRegion, ok bool) {
	var prev *regionNode
	for n := as.regions; n != nil; n = n.next {
		if n.r.va == va && n.r.size == size {
			if prev == nil {
				as.regions = n.next
			} else {
				prev.next = n.next
			}
			r = n.r
			kmfree(uintptr(unsafe.Pointer(n)))
			return r, true
		}
		prev = n
	}
	return mappedRegion{}, false
}

// newBareAddressSpace allocates and zeroes a fresh root table with no
// mappings at all — used both for the kernel address space itself and as
// the first step of NewAddressSpace.
func newBareAddressSpace() *AddressSpace {
	root := kalloc(1)
	if root == 0 {
		kpanic("newBareAddressSpace: out of memory for root table")
	}
	as := allocAddressSpace()
	as.root = pagetable_t(root)
	as.refcount = 1
	as.pushPTPage(root)
	return as
}

// NewAddressSpace allocates a root table and copies in the canonical
// kernel mappings (spec.md §3), ready for a process's user mappings to be
// added on top.
func NewAddressSpace() *AddressSpace {
	as := newBareAddressSpace()
	copyKernelMappings(as)
	return as
}

func (as *AddressSpace) walk(va uintptr, alloc bool) *pte_t {
	if va >= MAXVA {
		kpanic("AddressSpace.walk: va %x exceeds MAXVA", uint64(va))
	}
	pagetable := as.root
	for level := 2; level > 0; level-- {
		idx := PX(level, va)
		ptePtr := (*pte_t)(unsafe.Pointer(uintptr(pagetable) + idx*8))
		if *ptePtr&PTE_V != 0 {
			pagetable = pagetable_t(PTE2PA(*ptePtr))
			continue
		}
		if !alloc {
			return nil
		}
		newPage := kalloc(1)
		if newPage == 0 {
			return nil
		}
		as.pushPTPage(newPage)
		*ptePtr = PA2PTE(newPage) | PTE_V
		pagetable = pagetable_t(newPage)
	}
	idx0 := PX(0, va)
	return (*pte_t)(unsafe.Pointer(uintptr(pagetable) + idx0*8))
}

// superpageLevel returns the largest leaf level (2 = 1 GiB, 1 = 2 MiB, 0 =
// 4 KiB) that va, pa, and the remaining size all support.
func superpageLevel(va, pa, remaining uintptr) int {
	const gib = uintptr(1) << 30
	const mib = uintptr(1) << 21
	if va%gib == 0 && pa%gib == 0 && remaining >= gib {
		return 2
	}
	if va%mib == 0 && pa%mib == 0 && remaining >= mib {
		return 1
	}
	return 0
}

func (as *AddressSpace) walkLevel(va uintptr, level int, alloc bool) *pte_t {
	if level == 0 {
		return as.walk(va, alloc)
	}
	pagetable := as.root
	for l := 2; l > level; l-- {
		idx := PX(l, va)
		ptePtr := (*pte_t)(unsafe.Pointer(uintptr(pagetable) + idx*8))
		if *ptePtr&PTE_V != 0 {
			pagetable = pagetable_t(PTE2PA(*ptePtr))
			continue
		}
		if !alloc {
			return nil
		}
		newPage := kalloc(1)
		if newPage == 0 {
			return nil
		}
		as.pushPTPage(newPage)
		*ptePtr = PA2PTE(newPage) | PTE_V
		pagetable = pagetable_t(newPage)
	}
	idx := PX(level, va)
	return (*pte_t)(unsafe.Pointer(uintptr(pagetable) + idx*8))
}

// Map walks VA bits [38:30]/[29:21]/[20:12], allocating non-leaf tables
// lazily, and writes leaf entries covering [va, va+size). size must be a
// multiple of 4 KiB. The region is recorded under tag so Unmap can reverse
// it precisely and overlapping mappings can be detected.
func (as *AddressSpace) Map(va, pa, size uintptr, perm Perm, user bool, tag string) bool {
	if size == 0 || va%PGSIZE != 0 || pa%PGSIZE != 0 || size%PGSIZE != 0 {
		kpanic("AddressSpace.Map: misaligned region va=%x pa=%x size=%x", uint64(va), uint64(pa), uint64(size))
	}
	as.lock.Lock()
	defer as.lock.Unlock()

	if as.overlapsLocked(va, size) {
		return false
	}

	bits := perm.bits() | PTE_V
	if user {
		bits |= PTE_U
	}

	a, p, remaining := va, pa, size
	for remaining > 0 {
		level := superpageLevel(a, p, remaining)
		leafSize := PGSIZE
		switch level {
		case 2:
			leafSize = 1 << 30
		case 1:
			leafSize = 1 << 21
		}
		pte := as.walkLevel(a, level, true)
		if pte == nil {
			return false
		}
		if *pte&PTE_V != 0 {
			kpanic("AddressSpace.Map: remap at %x", uint64(a))
		}
		*pte = PA2PTE(p) | pte_t(bits)
		a += uintptr(leafSize)
		p += uintptr(leafSize)
		remaining -= uintptr(leafSize)
	}

	as.pushRegion(mappedRegion{va: va, size: size, tag: tag})
	return true
}

// MapOwned is Map plus marking the region as backed by pages this address
// space itself allocated, so Drop/Unmap know to free them.
func (as *AddressSpace) MapOwned(va, pa, size uintptr, perm Perm, user bool, tag string) bool {
	ok := as.Map(va, pa, size, perm, user, tag)
	if ok {
		as.lock.Lock()
		as.regions.r.owned = true
		as.lock.Unlock()
	}
	return ok
}

func (as *AddressSpace) overlapsLocked(va, size uintptr) bool {
	end := va + size
	for n := as.regions; n != nil; n = n.next {
		rEnd := n.r.va + n.r.size
		if va < rEnd && end > n.r.va {
			return true
		}
	}
	return false
}

// Translate returns the physical address for va, or (0, false) if any
// level's V bit is clear.
func (as *AddressSpace) Translate(va uintptr) (uintptr, bool) {
	as.lock.Lock()
	defer as.lock.Unlock()
	level := as.leafLevel(va)
	pte := as.walkLevel(PGGROUNDDOWN(va), level, false)
	if pte == nil || *pte&PTE_V == 0 {
		return 0, false
	}
	leafSize := uintptr(PGSIZE) << (9 * uint(level))
	return PTE2PA(*pte) + (va % leafSize), true
}

// unmapRange tears down the leaf PTEs covering [va, va+size), freeing the
// backing physical pages when owned is true, and returns the page count
// freed. It operates directly on the page table and never consults
// as.regions, so it works equally whether the caller found the region via
// popRegion (Unmap) or is walking an already-detached list (Drop) — the
// two callers used to diverge here, and Drop's detach-then-search-the-now-
// nil-list ordering silently freed nothing.
func (as *AddressSpace) unmapRange(va, size uintptr, owned bool) int {
	freed := 0
	a := va
	for a < va+size {
		level := as.leafLevel(a)
		leafSize := uintptr(PGSIZE)
		switch level {
		case 2:
			leafSize = 1 << 30
		case 1:
			leafSize = 1 << 21
		}
		pte := as.walkLevel(a, level, false)
		if pte != nil && *pte&PTE_V != 0 {
			pa := PTE2PA(*pte)
			*pte = 0
			if owned {
				freed += kfreeUnchecked(pa, int(leafSize/PGSIZE))
			}
		}
		a += leafSize
	}
	return freed
}

// Unmap precisely reverses a region previously recorded by Map/MapOwned,
// freeing any pages it owned, and returns the page count freed (0 if no
// such region is found starting exactly at va).
func (as *AddressSpace) Unmap(va, size uintptr) int {
	as.lock.Lock()
	r, ok := as.popRegion(va, size)
	as.lock.Unlock()
	if !ok {
		return 0
	}
	return as.unmapRange(r.va, r.size, r.owned)
}

// leafLevel reports which level currently holds the leaf entry for va, by
// walking without allocating and checking each level's V bit before
// descending further — non-leaf entries point at more tables, leaf entries
// carry R/W/X bits.
func (as *AddressSpace) leafLevel(va uintptr) int {
	pagetable := as.root
	for level := 2; level > 0; level-- {
		idx := PX(level, va)
		ptePtr := (*pte_t)(unsafe.Pointer(uintptr(pagetable) + idx*8))
		if *ptePtr&PTE_V == 0 {
			return 0
		}
		if *ptePtr&(PTE_R|PTE_W|PTE_X) != 0 {
			return level
		}
		pagetable = pagetable_t(PTE2PA(*ptePtr))
	}
	return 0
}

// satpValue computes the value this address space's Activate will write.
func (as *AddressSpace) satpValue() uintptr {
	return satpSv39(as.root)
}

// Activate installs this address space in the current hart's satp and
// issues the fence required before any memory first mapped in it is
// touched (spec.md §4.4, §5).
func (as *AddressSpace) Activate() {
	w_satp(as.satpValue())
	sfence_vma()
}

// Share bumps refcount for a second owner of this same table — used only by
// a CLONE_VM|CLONE_VFORK child, which runs in the parent's address space
// until it execve's or exits.
func (as *AddressSpace) Share() {
	as.lock.Lock()
	as.refcount++
	as.lock.Unlock()
}

// Drop releases one reference; the table and its pages are only actually
// torn down once refcount reaches zero, so a vfork child dropping its
// (shared) reference on execve or exit never frees memory the parent still
// has mapped. It is an assertion failure to drop an address space installed
// in any hart's satp.
//
// Every owned region is unmapped via unmapRange directly off the detached
// list node (not by re-searching as.regions, which is already empty by the
// time this runs) so exiting a process actually frees its owned physical
// pages instead of silently leaking them.
func (as *AddressSpace) Drop() {
	as.lock.Lock()
	as.refcount--
	remaining := as.refcount
	as.lock.Unlock()
	if remaining > 0 {
		return
	}

	if satpNamesRoot(as.root) {
		kpanic("AddressSpace.Drop: root table is still installed in some hart's satp")
	}
	as.lock.Lock()
	regions := as.regions
	as.regions = nil
	as.lock.Unlock()

	for n := regions; n != nil; {
		next := n.next
		if n.r.owned {
			as.unmapRange(n.r.va, n.r.size, true)
		}
		kmfree(uintptr(unsafe.Pointer(n)))
		n = next
	}

	as.lock.Lock()
	pages := as.ptPages
	as.ptPages = nil
	as.lock.Unlock()

	for n := pages; n != nil; {
		next := n.next
		kfreeUnchecked(n.pa, 1)
		kmfree(uintptr(unsafe.Pointer(n)))
		n = next
	}

	kmfree(uintptr(unsafe.Pointer(as)))
}

func kfreeUnchecked(pa uintptr, n int) int {
	total := 0
	for i := 0; i < n; i++ {
		total += pageAllocator.Get().Free(pa + uintptr(i)*PGSIZE)
	}
	return total
}
