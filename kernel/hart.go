package main

import "unsafe"

// Per-hart execution context (C5). Grounded on the teacher's main.go/vm.go
// (a single global kernel_pagetable activated via kvminithart), generalized
// to N harts each with their own HartContext reachable through sscratch.
//
// TrapFrame's offset inside HartContext is a compile-time constant the
// assembly trap entry/exit stubs rely on; nothing else about this struct's
// layout is assumed by assembly (spec.md §4.5).

type TrapFrame struct {
	// GPR[n] holds xn (GPR[0] is unused padding for x0, which is hardwired
	// zero and never saved), so assembly can index by register number * 8
	// without a lookup table: sp is GPR[2], ra is GPR[1], a0..a7 are
	// GPR[10..17] via Register_a0 below.
	GPR [32]uint64
	FPR [32]uint64
}

const Register_a0 = 10
const Register_a1 = 11
const Register_a2 = 12
const Register_a3 = 13
const Register_a4 = 14
const Register_a5 = 15
const Register_a6 = 16
const Register_a7 = 17

func (tf *TrapFrame) Arg(n int) uint64 {
	return tf.GPR[Register_a0+n]
}

func (tf *TrapFrame) SetReturn(v int64) {
	tf.GPR[Register_a0] = uint64(v)
}

type HartContext struct {
	trapFrame    TrapFrame // offset 0; trapFrameOffset below must track this
	kernelSatp   uintptr
	hartID       int
	numHarts     int
	kstackBottom uintptr
	kstackTop    uintptr
	idleThread   *Thread
	scheduler    hartScheduler
}

const trapFrameOffset = 0

var hartContexts [NHART]*HartContext
var numHarts int

// satpOwners[i] records which root page-table physical address (0 if none)
// hart i currently has installed, so AddressSpace.Drop's invariant check
// (spec.md §4.4) has something to consult. Updated only by the scheduler's
// activation step (activate), where each hart writes its own entry without
// taking any lock.
var satpOwners [NHART]uintptr

func satpNamesRoot(root pagetable_t) bool {
	for i := 0; i < numHarts; i++ {
		if satpOwners[i] == uintptr(root) {
			return true
		}
	}
	return false
}

//go:linkname get_end get_end
func get_end() uintptr

//go:linkname get_etext get_etext
func get_etext() uintptr

// InitBootHart is called exactly once, on the hart that comes up first. It
// brings up the allocator, heap, kernel address space, and this hart's own
// context, then returns with supervisor mode ready to enable interrupts.
func InitBootHart(hartID int, expectedHarts int) *HartContext {
	numHarts = expectedHarts

	bssEnd := get_end()
	InitPageAllocator(bssEnd, PHYSTOP-bssEnd, []PageRange{
		{Start: KERNBASE, End: get_etext()},
	})
	InitHeap()

	InitKernelAddressSpace()

	hc := newHartContext(hartID)
	hartContexts[hartID] = hc
	w_sscratch(uintptr(unsafe.Pointer(hc)))
	(*kernelAddressSpace.Get()).Activate()
	satpOwners[hartID] = uintptr((*kernelAddressSpace.Get()).root)

	InitPLIC(hartID)
	InitTimer(hartID)
	InitProcessTable()
	InitScheduler(hc)

	return hc
}

// InitSecondaryHart mirrors InitBootHart for every hart started via the
// platform hart-start service; it must run after InitBootHart has
// published the kernel address space and process table.
func InitSecondaryHart(hartID int) *HartContext {
	hc := newHartContext(hartID)
	hartContexts[hartID] = hc
	w_sscratch(uintptr(unsafe.Pointer(hc)))
	(*kernelAddressSpace.Get()).Activate()
	satpOwners[hartID] = uintptr((*kernelAddressSpace.Get()).root)

	InitPLIC(hartID)
	InitTimer(hartID)
	InitScheduler(hc)
	return hc
}

func newHartContext(hartID int) *HartContext {
	hc := &HartContext{
		kernelSatp: (*kernelAddressSpace.Get()).satpValue(),
		hartID:     hartID,
		numHarts:   numHarts,
	}
	stackPA := kalloc(KSTACK_PAGES)
	if stackPA == 0 {
		kpanic("newHartContext: out of memory for kernel stack")
	}
	hc.kstackBottom = stackPA
	hc.kstackTop = stackPA + KSTACK_PAGES*PGSIZE
	return hc
}

func currentHart() *HartContext {
	return (*HartContext)(unsafe.Pointer(r_sscratch()))
}
