package main

import (
	"unsafe"

	"github.com/sysheap/sentientos/internal/errno"
)

// ELF64 program loading (C12). Grounded on
// original_source/kernel/src/processes/loader.rs: a stack mapped at the top
// of the address space with argv/name packed at its very top, then every
// PT_LOAD segment mapped at its p_vaddr. Header parsing is hand-rolled
// (freestanding — no debug/elf) matching the original's own minimal
// klibc/elf.rs reader; each backing page is allocated individually via
// kalloc(1) and mapped with its own single-page region so AddressSpace.Drop
// can free it precisely (the convention every MapOwned caller in this
// kernel follows).

const (
	elfMagic0 = 0x7f
	elfMagic1 = 'E'
	elfMagic2 = 'L'
	elfMagic3 = 'F'

	etExec = 2
	ptLoad = 1

	pfX = 1
	pfW = 2
	pfR = 4
)

type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// The stack sits just below the mmap arena, per memlayout.go's
// USTACK_TOP/USTACK_PAGES (the Sv39-canonical analogue of the
// original's usize::MAX-based STACK_START, which assumed a flat 64-bit
// space no Sv39 implementation actually has).
const (
	stackSizePages = USTACK_PAGES
	stackSize      = uintptr(stackSizePages) * PGSIZE
	stackTop       = USTACK_TOP
	stackBottom    = stackTop - stackSize
)

// maxBinaryImages bounds the embedded-program table; this core boots a
// handful of fixed userspace binaries (init, a shell, coreutils), never an
// open-ended filesystem of them.
const maxBinaryImages = 16

type binaryImageEntry struct {
	name string
	data []byte
}

// binaryImages is the embedded name -> ELF bytes table execve looks up
// against. A real build populates it from cmd/mkimage's embedded blob at
// link time; tests populate it directly. Linear-scanned like every other
// bounded kernel table instead of kept in a Go map.
var binaryImages [maxBinaryImages]binaryImageEntry
var binaryImageCount int

func RegisterBinaryImage(name string, elf []byte) {
	for i := 0; i < binaryImageCount; i++ {
		if binaryImages[i].name == name {
			binaryImages[i].data = elf
			return
		}
	}
	if binaryImageCount >= maxBinaryImages {
		kpanic("RegisterBinaryImage: image table exhausted (max %d)", maxBinaryImages)
	}
	binaryImages[binaryImageCount] = binaryImageEntry{name: name, data: elf}
	binaryImageCount++
}

func lookupBinaryImage(name string) ([]byte, bool) {
	for i := 0; i < binaryImageCount; i++ {
		if binaryImages[i].name == name {
			return binaryImages[i].data, true
		}
	}
	return nil, false
}

func parseELFHeader(data []byte) (*elf64Header, errno.Errno) {
	if len(data) < int(unsafe.Sizeof(elf64Header{})) {
		return nil, errno.EINVAL
	}
	if data[0] != elfMagic0 || data[1] != elfMagic1 || data[2] != elfMagic2 || data[3] != elfMagic3 {
		return nil, errno.EINVAL
	}
	h := (*elf64Header)(unsafe.Pointer(&data[0]))
	if h.Type != etExec {
		return nil, errno.EINVAL
	}
	return h, 0
}

func programHeaders(data []byte, h *elf64Header) []elf64ProgramHeader {
	out := make([]elf64ProgramHeader, h.Phnum)
	for i := 0; i < int(h.Phnum); i++ {
		off := uintptr(h.Phoff) + uintptr(i)*uintptr(h.Phentsize)
		out[i] = *(*elf64ProgramHeader)(unsafe.Pointer(&data[off]))
	}
	return out
}

func permFromFlags(flags uint32) Perm {
	perm, ok := PermFromBits(flagsToPTE(flags))
	if !ok {
		return PermReadOnly
	}
	return perm
}

func flagsToPTE(flags uint32) uintptr {
	var bits uintptr
	if flags&pfR != 0 {
		bits |= PTE_R
	}
	if flags&pfW != 0 {
		bits |= PTE_W
	}
	if flags&pfX != 0 {
		bits |= PTE_X
	}
	return bits
}

// mapOwnedPages allocates count individually-owned pages starting at va,
// filling each from data (zero-padded past len(data)), and maps each as its
// own single-page region under tag.
func mapOwnedPages(as *AddressSpace, va uintptr, count int, data []byte, perm Perm, tag string) bool {
	for i := 0; i < count; i++ {
		pa := kalloc(1)
		if pa == 0 {
			return false
		}
		lo := i * int(PGSIZE)
		hi := lo + int(PGSIZE)
		if lo < len(data) {
			end := hi
			if end > len(data) {
				end = len(data)
			}
			memcpy(pa, uintptr(unsafe.Pointer(&data[lo])), uint(end-lo))
		}
		if !as.MapOwned(va+uintptr(i)*PGSIZE, pa, PGSIZE, perm, true, tag) {
			kfreeUnchecked(pa, 1)
			return false
		}
	}
	return true
}

// setUpArguments packs name and args as NUL-terminated strings at the very
// top of the stack image, name first and then args in order, so the last
// arg ends up closest to the top, and returns the offset into the stack image where the packed
// block begins.
func setUpArguments(stack []byte, name string, args []string) (int, bool) {
	total := len(name) + 1
	for _, a := range args {
		total += len(a) + 1
	}
	if total >= len(stack) {
		return 0, false
	}
	offset := len(stack) - total
	n := copy(stack[offset:], name)
	stack[offset+n] = 0
	offset += n + 1
	for _, a := range args {
		n := copy(stack[offset:], a)
		stack[offset+n] = 0
		offset += n + 1
	}
	return len(stack) - total, true
}

type loadedImage struct {
	as            *AddressSpace
	entry         uintptr
	sp            uintptr
	argsStart     uintptr
	mmapWatermark uintptr
}

// loadImageIntoAddressSpace builds a fresh address space (kernel mappings
// plus a mapped stack with argv packed at its top plus every PT_LOAD
// segment) without touching any Process or Thread bookkeeping — the shared
// core between initial process creation (LoadELF) and execve, which must
// swap an already-running process's address space out from under it.
func loadImageIntoAddressSpace(data []byte, name string, args []string) (*loadedImage, errno.Errno) {
	header, errc := parseELFHeader(data)
	if errc != 0 {
		return nil, errc
	}

	as := NewAddressSpace()

	stackImage := make([]byte, stackSize)
	argsOffset, ok := setUpArguments(stackImage, name, args)
	if !ok {
		as.Drop()
		return nil, errno.EINVAL
	}
	if !mapOwnedPages(as, stackBottom, stackSizePages, stackImage, PermReadWrite, "stack") {
		as.Drop()
		return nil, errno.ENOMEM
	}
	argsStart := stackBottom + uintptr(argsOffset)

	watermark := uintptr(0)
	for _, ph := range programHeaders(data, header) {
		if ph.Type != ptLoad {
			continue
		}
		size := PGGROUNDUP(uintptr(ph.Memsz))
		pageCount := int(size / PGSIZE)
		if pageCount == 0 {
			continue
		}
		var segData []byte
		if ph.Filesz > 0 {
			segData = data[ph.Offset : ph.Offset+ph.Filesz]
		}
		if !mapOwnedPages(as, uintptr(ph.Vaddr), pageCount, segData, permFromFlags(ph.Flags), "LOAD") {
			as.Drop()
			return nil, errno.ENOMEM
		}
		if top := uintptr(ph.Vaddr) + size; top > watermark {
			watermark = PGGROUNDUP(top)
		}
	}

	return &loadedImage{
		as:            as,
		entry:         uintptr(header.Entry),
		sp:            argsStart &^ 0xf,
		argsStart:     argsStart,
		mmapWatermark: watermark,
	}, 0
}

// LoadELF builds a fresh process and its single initial thread, ready for
// the scheduler to enqueue.
func LoadELF(data []byte, name string, args []string, parentPID int) (*Process, *Thread, errno.Errno) {
	img, errc := loadImageIntoAddressSpace(data, name, args)
	if errc != 0 {
		return nil, nil, errc
	}

	p := newProcess(name, parentPID)
	p.AS.Drop() // discard the bare AS newProcess allocated; img.as replaces it
	p.AS = img.as
	p.mmapWatermark = MMAP_ARENA_BASE
	p.brkStart = img.mmapWatermark
	p.brkWatermark = img.mmapWatermark

	t := newThread(allocTID(), p)
	t.SavedPC = img.entry
	t.Registers.GPR[2] = uint64(img.sp)        // sp (x2)
	t.Registers.GPR[10] = uint64(img.argsStart) // a0
	p.addThread(t)

	return p, t, 0
}
