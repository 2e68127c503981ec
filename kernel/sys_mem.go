package main

import "github.com/sysheap/sentientos/internal/errno"

// Memory-management syscalls (C12). No teacher or original_source
// equivalent (xv6 has no mmap; original_source's brk.rs is text-only in the
// filtered pack), built from spec.md §6's arena-watermark model: mmap
// bumps a monotonic anonymous-mapping watermark, munmap unmaps page by page
// (mmap maps one single-page region per page, and AddressSpace.Unmap only
// reverses a region that starts exactly at the given address with the given
// size), and brk grows/shrinks a second watermark seeded just past the last
// loaded segment.

const (
	mapFixed = 0x10
	protRead = 0x1
	protWrite = 0x2
	protExec = 0x4
)

// sysMmapHandler implements anonymous, watermark-bumped mmap. MAP_FIXED is
// EINVAL (spec.md §9's resolved open question — this core never lets
// userspace dictate the exact virtual address, only the size).
func sysMmapHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	length := uintptr(tf.Arg(1))
	prot := uint32(tf.Arg(2))
	flags := uint32(tf.Arg(3))

	if flags&mapFixed != 0 {
		return errno.EINVAL.Negate(), nil
	}
	if length == 0 {
		return errno.EINVAL.Negate(), nil
	}

	size := PGGROUNDUP(length)
	perm := protToPerm(prot)

	p := t.Process
	va := p.mmapWatermark
	if va+size < va || va+size > MMAP_ARENA_TOP {
		return errno.ENOMEM.Negate(), nil
	}
	if !mapOwnedPages(p.AS, va, int(size/PGSIZE), nil, perm, "mmap") {
		return errno.ENOMEM.Negate(), nil
	}
	p.mmapWatermark += size
	return int64(va), nil
}

func protToPerm(prot uint32) Perm {
	bits := uintptr(0)
	if prot&protRead != 0 {
		bits |= PTE_R
	}
	if prot&protWrite != 0 {
		bits |= PTE_W
	}
	if prot&protExec != 0 {
		bits |= PTE_X
	}
	if bits == 0 {
		bits = PTE_R
	}
	perm, ok := PermFromBits(bits)
	if !ok {
		return PermReadOnly
	}
	return perm
}

// sysMunmapHandler unmaps [addr, addr+length) one page at a time, the same
// single-page granularity mmap maps at; it is EINVAL if no page in the
// range was mapped as its own single-page region.
func sysMunmapHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	addr := uintptr(tf.Arg(0))
	length := PGGROUNDUP(uintptr(tf.Arg(1)))
	if addr%PGSIZE != 0 || length == 0 {
		return errno.EINVAL.Negate(), nil
	}
	freed := 0
	for va := addr; va < addr+length; va += PGSIZE {
		freed += t.Process.AS.Unmap(va, PGSIZE)
	}
	if freed == 0 {
		return errno.EINVAL.Negate(), nil
	}
	return 0, nil
}

// sysBrkHandler implements Linux's "brk as a query-or-set, never fails"
// contract: addr==0 returns the current break unchanged; addr above the
// current break allocates and maps the difference RW; addr below it (but
// not below brkStart, the break's initial value) unmaps and frees the
// difference. Either way the exact requested address becomes the new break
// and is returned, clamped only by brkStart and by allocation failure on
// growth.
func sysBrkHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	requested := uintptr(tf.Arg(0))
	p := t.Process

	if requested == 0 {
		return int64(p.brkWatermark), nil
	}
	if requested < p.brkStart {
		requested = p.brkStart
	}

	switch {
	case requested > p.brkWatermark:
		newTop := PGGROUNDUP(requested)
		oldTop := PGGROUNDUP(p.brkWatermark)
		if growth := newTop - oldTop; growth > 0 {
			if !mapOwnedPages(p.AS, oldTop, int(growth/PGSIZE), nil, PermReadWrite, "brk") {
				return int64(p.brkWatermark), nil
			}
		}

	case requested < p.brkWatermark:
		newTop := PGGROUNDUP(requested)
		oldTop := PGGROUNDUP(p.brkWatermark)
		for va := newTop; va < oldTop; va += PGSIZE {
			p.AS.Unmap(va, PGSIZE)
		}
	}

	p.brkWatermark = requested
	return int64(p.brkWatermark), nil
}
