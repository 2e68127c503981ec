// Package pgalloc is a hosted mirror of kernel/pagealloc.go's
// bitmap-of-statuses physical page allocator (C2), built so the allocation
// algorithm spec.md §4.2 describes can be exercised by `go test` without
// dragging in the freestanding kernel package's go:linkname externs.
//
// The freestanding allocator carves its status bitmap and page arena out of
// physical RAM handed to it at boot; this mirror carves both out of a real
// anonymous mapping obtained from the host kernel via unix.Mmap, the same
// role golang.org/x/sys/unix plays in yaumn-gvisor__pgalloc.go's MemoryFile
// (there backing pages with a memfd-mapped region; here a plain anonymous
// one, since there is no cross-process sharing to support). The status
// tracking, run-finding, and lazy zero-on-first-use logic are copied
// verbatim from pagealloc.go's algorithm — only the backing store differs.
package pgalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type pageStatus int8

const (
	pageFirstUse pageStatus = iota
	pageFree
	pageUsed
	pageLast
)

// PageSize matches the kernel's PGSIZE (riscv.go); the mirror doesn't need
// to be page-size-portable, it needs to reproduce the kernel's arithmetic.
const PageSize = 4096

// Allocator is the hosted twin of kernel/pagealloc.go's pageAllocatorState.
type Allocator struct {
	mu       sync.Mutex
	arena    []byte // host-mmap'd backing store, len == numPages*PageSize
	status   []pageStatus
	numPages int
}

// New reserves an anonymous mapping large enough for numPages pages and
// returns an Allocator with every page initially FirstUse.
func New(numPages int) (*Allocator, error) {
	if numPages <= 0 {
		return nil, fmt.Errorf("pgalloc.New: numPages must be positive, got %d", numPages)
	}
	arena, err := unix.Mmap(-1, 0, numPages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pgalloc.New: mmap %d pages: %w", numPages, err)
	}
	status := make([]pageStatus, numPages)
	for i := range status {
		status[i] = pageFirstUse
	}
	return &Allocator{arena: arena, status: status, numPages: numPages}, nil
}

// Close releases the backing mapping. An Allocator must not be used after
// Close returns.
func (a *Allocator) Close() error {
	return unix.Munmap(a.arena)
}

// Alloc finds the first run of n contiguous non-used pages and marks them
// used, returning the byte offset of the run's first page into the arena.
// Every returned page is zeroed: a pageFirstUse page is zeroed here on its
// first claim, and a pageFree page is already zeroed (Free zeroes on the
// way out). It returns -1 if no run of that length is free, mirroring
// pagealloc.go returning physical address 0 for "none" (0 isn't a usable
// sentinel here since offset 0 is valid).
func (a *Allocator) Alloc(n int) int {
	if n <= 0 {
		panic("pgalloc.Alloc: n must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	runStart := -1
	runLen := 0
	for i := 0; i < a.numPages; i++ {
		if a.status[i] == pageUsed || a.status[i] == pageLast {
			runStart, runLen = -1, 0
			continue
		}
		if runStart == -1 {
			runStart = i
		}
		runLen++
		if runLen == n {
			for j := 0; j < n-1; j++ {
				idx := runStart + j
				a.zeroIfFirstUse(idx)
				a.status[idx] = pageUsed
			}
			last := runStart + n - 1
			a.zeroIfFirstUse(last)
			a.status[last] = pageLast
			return runStart * PageSize
		}
	}
	return -1
}

func (a *Allocator) zeroIfFirstUse(idx int) {
	if a.status[idx] != pageFirstUse {
		return
	}
	base := idx * PageSize
	clear(a.arena[base : base+PageSize])
}

// Free walks forward from the run starting at offset, zeroing each page and
// marking it free, until it passes the Last marker, and returns the number
// of pages freed. It panics if offset does not name the head of a live run,
// matching pagealloc.go's Free treating that as an assertion failure rather
// than a recoverable error.
//
// Zeroing on Free (not lazily on the next Alloc) is what makes "Free means
// already zeroed" hold for every page in the pageFree state, matching
// pagealloc.go's Free.
func (a *Allocator) Free(offset int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOf(offset)
	if a.status[idx] != pageUsed && a.status[idx] != pageLast {
		panic("pgalloc.Free: offset is not the start of a live run")
	}
	if idx > 0 && a.status[idx-1] == pageUsed {
		panic("pgalloc.Free: offset is not the start of a live run")
	}

	count := 0
	for {
		wasLast := a.status[idx] == pageLast
		base := idx * PageSize
		clear(a.arena[base : base+PageSize])
		a.status[idx] = pageFree
		count++
		if wasLast {
			return count
		}
		idx++
		if idx >= a.numPages {
			panic("pgalloc.Free: ran off the end of the bitmap without a Last marker")
		}
	}
}

func (a *Allocator) indexOf(offset int) int {
	if offset < 0 || offset%PageSize != 0 {
		panic(fmt.Sprintf("pgalloc: misaligned offset %#x", offset))
	}
	idx := offset / PageSize
	if idx < 0 || idx >= a.numPages {
		panic(fmt.Sprintf("pgalloc: offset %#x out of range", offset))
	}
	return idx
}

// UsedCount reports the number of pages currently allocated, mirroring
// pagealloc.go's UsedCount used by spec.md §8's page-accounting properties.
func (a *Allocator) UsedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, st := range a.status {
		if st == pageUsed || st == pageLast {
			n++
		}
	}
	return n
}

// Page returns the arena bytes backing the page at idx, for tests that want
// to observe zero-on-first-use or write-then-read behavior directly.
func (a *Allocator) Page(idx int) []byte {
	return a.arena[idx*PageSize : (idx+1)*PageSize]
}
