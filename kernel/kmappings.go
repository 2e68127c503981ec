package main

// Canonical kernel mappings (spec.md §3 "Kernel mappings"): code RX,
// everything from the end of text to the end of bss RW, device MMIO RW, and
// one kernel-stack window per hart. Read-only data is not given a region of
// its own: it falls inside the RW range and is mapped writable. Recorded once as a list so every address space — kernel's own and
// every process's — can replay it identically (spec.md §3: "Each user
// address space is created with these kernel mappings plus user-specific
// mappings"). The trap-entry code must remain mapped in whichever address
// space is active at the instant a trap fires, before the handler's satp
// switch takes effect, which is why these regions are copied rather than
// left kernel-pagetable-only.

type kernelRegionKind int

const (
	krCode kernelRegionKind = iota
	krRodata
	krData
	krMMIO
	krKStack
)

type kernelRegion struct {
	va, pa, size uintptr
	perm         Perm
	user         bool // PTE_U set — only the sigreturn trampoline needs this
	tag          string
}

// maxKernelRegions bounds the fixed region list below: the 7 static
// mappings, one kernel-stack window per hart, and the sigreturn trampoline.
const maxKernelRegions = 7 + NHART + 1

var kernelRegions [maxKernelRegions]kernelRegion
var kernelRegionCount int
var kstackPAs [NHART]uintptr

func addKernelRegion(r kernelRegion) {
	kernelRegions[kernelRegionCount] = r
	kernelRegionCount++
}

func buildKernelRegions() {
	textStart := KERNBASE
	textEnd := get_etext()
	bssEnd := get_end()

	addKernelRegion(kernelRegion{va: textStart, pa: textStart, size: PGGROUNDUP(textEnd - textStart), perm: PermReadExecute, tag: "kernel-text"})
	addKernelRegion(kernelRegion{va: PGGROUNDUP(textEnd), pa: PGGROUNDUP(textEnd), size: PGGROUNDUP(bssEnd) - PGGROUNDUP(textEnd), perm: PermReadWrite, tag: "kernel-data-bss"})
	addKernelRegion(kernelRegion{va: UART0, pa: UART0, size: PGSIZE, perm: PermReadWrite, tag: "uart0"})
	addKernelRegion(kernelRegion{va: VIRTIO0, pa: VIRTIO0, size: PGSIZE, perm: PermReadWrite, tag: "virtio0"})
	addKernelRegion(kernelRegion{va: PLIC, pa: PLIC, size: 0x400000, perm: PermReadWrite, tag: "plic"})
	addKernelRegion(kernelRegion{va: CLINT, pa: CLINT, size: 0x10000, perm: PermReadWrite, tag: "clint"})
	addKernelRegion(kernelRegion{va: TEST0, pa: TEST0, size: PGSIZE, perm: PermReadWrite, tag: "test-finisher"})

	for i := 0; i < NHART; i++ {
		pa := kalloc(KSTACK_PAGES)
		if pa == 0 {
			kpanic("buildKernelRegions: out of memory for hart %d kernel stack", i)
		}
		kstackPAs[i] = pa
		addKernelRegion(kernelRegion{va: KSTACK(i), pa: pa, size: KSTACK_PAGES * PGSIZE, perm: PermReadWrite, tag: "kstack"})
	}

	trampolinePA := kalloc(1)
	if trampolinePA == 0 {
		kpanic("buildKernelRegions: out of memory for sigreturn trampoline")
	}
	writeSigreturnTrampoline(trampolinePA)
	addKernelRegion(kernelRegion{va: SIGTRAMPOLINE_VA, pa: trampolinePA, size: PGSIZE, perm: PermReadExecute, user: true, tag: "sigreturn-trampoline"})
}

func copyKernelMappings(as *AddressSpace) {
	for _, r := range kernelRegions[:kernelRegionCount] {
		if !as.Map(r.va, r.pa, r.size, r.perm, r.user, r.tag) {
			kpanic("copyKernelMappings: failed to map %s", r.tag)
		}
	}
}

// InitKernelAddressSpace builds the region list once and constructs the
// kernel's own address space (activated on every hart before it enables
// interrupts).
func InitKernelAddressSpace() {
	buildKernelRegions()
	as := newBareAddressSpace()
	copyKernelMappings(as)
	kernelAddressSpace.Init(as)
}
