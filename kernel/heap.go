package main

import "unsafe"

// Kernel heap (C3). No teacher file covers this — xv6-in-go's kalloc.go
// only ever hands out whole pages. Block layout and coalescing-on-free are
// grounded on the free-list shape in other_examples/CongLeSolutionX-go_community__mheap.go
// and __mbitmap.go, adapted down to a single arena grown in whole pages
// from C2 rather than the Go runtime's span classes.

type heapBlock struct {
	size int    // usable bytes, excluding this header
	free bool
	next *heapBlock
	prev *heapBlock
}

const heapHeaderSize = unsafe.Sizeof(heapBlock{})

type kernelHeapState struct {
	lock  SpinLock
	first *heapBlock
}

var kheap OnceCell[kernelHeapState]

func InitHeap() {
	kheap.Init(kernelHeapState{})
}

func blockAt(addr uintptr) *heapBlock {
	return (*heapBlock)(unsafe.Pointer(addr))
}

func blockAddr(b *heapBlock) uintptr {
	return uintptr(unsafe.Pointer(b))
}

func blockData(b *heapBlock) uintptr {
	return blockAddr(b) + heapHeaderSize
}

// growHeap pulls whole pages from C2 and links them in as one free block.
// The heap is unavailable before InitPageAllocator has run; calling this
// first is a programming error in this package, not a user-triggerable one.
func (h *kernelHeapState) growHeap(minBytes int) *heapBlock {
	need := uintptr(minBytes) + heapHeaderSize
	pages := int((need + PGSIZE - 1) / PGSIZE)
	pa := kalloc(pages)
	if pa == 0 {
		return nil
	}

	b := blockAt(pa)
	b.size = int(uintptr(pages)*PGSIZE) - int(heapHeaderSize)
	b.free = true
	b.next = h.first
	b.prev = nil
	if h.first != nil {
		h.first.prev = b
	}
	h.first = b
	return b
}

// Alloc finds or splits a sufficient free block. size is rounded up to a
// multiple of 8 so every block header, and so every returned pointer, stays
// 8-byte aligned; align <= 8 is therefore always satisfied. align values
// above 8 are not honored: the result is only guaranteed 8-byte aligned.
func (h *kernelHeapState) Alloc(size int, align int) uintptr {
	if size <= 0 {
		return 0
	}
	size = (size + 7) &^ 7
	h.lock.Lock()
	defer h.lock.Unlock()

	for {
		for b := h.first; b != nil; b = b.next {
			if !b.free || b.size < size {
				continue
			}
			h.splitAndTake(b, size)
			return blockData(b)
		}
		if h.growHeap(size) == nil {
			return 0
		}
	}
}

func (h *kernelHeapState) splitAndTake(b *heapBlock, size int) {
	const minRemainder = 32
	remainder := b.size - size
	if remainder > int(heapHeaderSize)+minRemainder {
		newBlockAddr := blockData(b) + uintptr(size)
		nb := blockAt(newBlockAddr)
		nb.size = remainder - int(heapHeaderSize)
		nb.free = true
		nb.next = b.next
		nb.prev = b
		if b.next != nil {
			b.next.prev = nb
		}
		b.next = nb
		b.size = size
	}
	b.free = false
}

// Dealloc inserts the block back into the free list and coalesces with its
// immediate physical neighbor if it is also free.
func (h *kernelHeapState) Dealloc(ptr uintptr) {
	if ptr == 0 {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()

	b := blockAt(ptr - heapHeaderSize)
	b.free = true

	if next := b.next; next != nil && next.free && blockAddr(next) == blockData(b)+uintptr(b.size) {
		b.size += int(heapHeaderSize) + next.size
		b.next = next.next
		if b.next != nil {
			b.next.prev = b
		}
	}
	if prev := b.prev; prev != nil && prev.free && blockAddr(b) == blockData(prev)+uintptr(prev.size) {
		prev.size += int(heapHeaderSize) + b.size
		prev.next = b.next
		if b.next != nil {
			b.next.prev = prev
		}
	}
}

func kmalloc(size int) uintptr {
	return kheap.Get().Alloc(size, 8)
}

func kmallocAligned(size, align int) uintptr {
	return kheap.Get().Alloc(size, align)
}

func kmfree(ptr uintptr) {
	kheap.Get().Dealloc(ptr)
}
