package main

import "unsafe"

// Physical page allocator (C2). Grounded on the teacher's kalloc.go
// (kinit/freerange/kfree/kalloc over a linked free list), generalized into
// the bitmap-of-statuses allocator spec.md §4.2 requires: every page handed
// back by Alloc is zeroed (zeroed once up front for a never-touched page,
// zeroed again on every Free thereafter so a Free page is always already
// zero — mirroring original_source/kernel/src/memory/page.rs's Page::zero()
// being invoked on every allocation), multi-page contiguous runs, and an
// explicit Last marker so deallocation can walk forward from any run's
// head.

type PageStatus int8

const (
	PageFirstUse PageStatus = iota
	PageFree
	PageUsed
	PageLast
)

type pageAllocatorState struct {
	lock      SpinLock
	status    []PageStatus // one entry per page, backed by the metadata region
	base      uintptr      // physical address of the first page this bitmap covers
	numPages  int
	metaBytes uintptr
}

var pageAllocator OnceCell[pageAllocatorState]

// PageRange describes a reserved sub-range passed at boot (device tree
// blob, the kernel image itself, etc.) — pages overlapping it are marked
// Used without zeroing, per spec.md §4.2.
type PageRange struct {
	Start uintptr
	End   uintptr // exclusive
}

// InitPageAllocator carves the first N bytes of [heapStart, heapStart+heapSize)
// into one status byte per page, aligns the remainder down to a page
// boundary, and marks every page FirstUse except those overlapping a
// reserved range (marked Used).
func InitPageAllocator(heapStart uintptr, heapSize uintptr, reserved []PageRange) {
	maxPages := int(heapSize / PGSIZE)
	metaBytes := uintptr(maxPages)

	dataStart := PGGROUNDUP(heapStart + metaBytes)
	numPages := int((heapStart + heapSize - dataStart) / PGSIZE)
	if numPages <= 0 {
		kpanic("InitPageAllocator: heap too small for its own metadata")
	}

	status := unsafe.Slice((*PageStatus)(unsafe.Pointer(heapStart)), numPages)
	for i := range status {
		status[i] = PageFirstUse
	}

	st := pageAllocatorState{
		status:    status,
		base:      dataStart,
		numPages:  numPages,
		metaBytes: metaBytes,
	}

	for i := 0; i < numPages; i++ {
		pageAddr := dataStart + uintptr(i)*PGSIZE
		pageEnd := pageAddr + PGSIZE
		for _, r := range reserved {
			if pageAddr < r.End && pageEnd > r.Start {
				st.status[i] = PageUsed
				break
			}
		}
	}

	pageAllocator.Init(st)
}

// Alloc finds the first run of n contiguous non-Used pages, marks the first
// n-1 Used and the last Last, and returns the physical address of the first
// page. Every page in the run is guaranteed zeroed on return: a candidate
// page is either FirstUse (never written, zeroed here on its first claim)
// or Free (zeroed already, by Free). Returns 0 ("none") if no such run
// exists. Runs are allocated atomically — Alloc never splits a would-be run
// across a gap.
func (s *pageAllocatorState) Alloc(n int) uintptr {
	if n <= 0 {
		kpanic("pageAllocator.Alloc: n must be positive")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	runStart := -1
	runLen := 0
	for i := 0; i < s.numPages; i++ {
		if s.status[i] == PageUsed || s.status[i] == PageLast {
			runStart = -1
			runLen = 0
			continue
		}
		if runStart == -1 {
			runStart = i
		}
		runLen++
		if runLen == n {
			for j := 0; j < n-1; j++ {
				idx := runStart + j
				if s.status[idx] == PageFirstUse {
					memzeroPage(s.base + uintptr(idx)*PGSIZE)
				}
				s.status[idx] = PageUsed
			}
			last := runStart + n - 1
			if s.status[last] == PageFirstUse {
				memzeroPage(s.base + uintptr(last)*PGSIZE)
			}
			s.status[last] = PageLast
			return s.base + uintptr(runStart)*PGSIZE
		}
	}
	return 0
}

// Free walks forward from head, zeroing each page and setting it Free,
// stopping after the Last page is zeroed and freed. It returns the number
// of pages freed. Freeing a pointer that is not currently Used or Last is
// an assertion failure — deallocation in the middle of a run is fatal
// (spec.md §4.2).
//
// Zeroing here rather than deferring it to the next Alloc is what keeps
// "Free means already zeroed" (spec.md §3) actually true: a page's status
// only ever reads PageFree once its contents are gone, so Alloc can hand a
// Free page straight back out without touching it. FirstUse pages (never
// yet written by anything) are the one case Free never sees, so Alloc
// still zeroes those itself the first time they're claimed.
func (s *pageAllocatorState) Free(head uintptr) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	idx := s.indexOf(head)
	if s.status[idx] != PageUsed && s.status[idx] != PageLast {
		kpanic("pageAllocator.Free: head is not the start of a live run")
	}

	count := 0
	for {
		wasLast := s.status[idx] == PageLast
		memzeroPage(s.base + uintptr(idx)*PGSIZE)
		s.status[idx] = PageFree
		count++
		if wasLast {
			break
		}
		idx++
		if idx >= s.numPages {
			kpanic("pageAllocator.Free: ran off the end of the bitmap without a Last marker")
		}
	}
	return count
}

func (s *pageAllocatorState) indexOf(pa uintptr) int {
	if pa < s.base || (pa-s.base)%PGSIZE != 0 {
		kpanic("pageAllocator: misaligned physical address %x", uint64(pa))
	}
	idx := int((pa - s.base) / PGSIZE)
	if idx < 0 || idx >= s.numPages {
		kpanic("pageAllocator: address %x out of range", uint64(pa))
	}
	return idx
}

// UsedCount reports the number of pages currently Used or Last, for the
// accounting invariants in spec.md §8 (property 1, 7).
func (s *pageAllocatorState) UsedCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, st := range s.status {
		if st == PageUsed || st == PageLast {
			n++
		}
	}
	return n
}

func kalloc(n int) uintptr {
	return pageAllocator.Get().Alloc(n)
}

func kfree(pa uintptr, n int) {
	freed := pageAllocator.Get().Free(pa)
	if freed != n {
		kpanic("kfree: expected to free %d pages, freed %d", n, freed)
	}
}
