package main

// Physical memory layout
// a go version of memlayout.h

// qemu -machine virt is set up like this,
// based on qemu's hw/riscv/virt.c:
//
// 00001000 -- boot ROM, provided by qemu
// 02000000 -- CLINT
// 0C000000 -- PLIC
// 10000000 -- uart0 
// 10001000 -- virtio disk 
// 80000000 -- boot ROM jumps here in machine mode
//             -kernel loads the kernel here
// unused RAM after 80000000.

// the kernel uses physical memory thus:
// 80000000 -- entry.S, then kernel text and data
// end -- start of kernel page allocation area
// PHYSTOP -- end RAM used by the kernel

// qemu puts UART registers here in physical memory.
const (
	UART0 = uintptr(0x10000000)
	UART0_IRQ = 10
)

// virtio mmio interface
const (
	VIRTIO0 = uintptr(0x10001000)
	VIRTIO0_IRQ = 1
)

// core local interruptor (CLINT), which contains the timer.
const (
	CLINT = uintptr(0x2000000)
	CLINT_MTIME = CLINT + 0xBFF8
)
func CLINT_MTIMECMP(hartid int) uintptr { return CLINT + 0x4000 + 8*uintptr(hartid) }

// qemu puts platform-level interrupt controller (PLIC) here.
const (
	PLIC = uintptr(0x0c000000)
	PLIC_PRIORITY = PLIC + 0x0
	PLIC_PENDING = PLIC + 0x1000
) 
func PLIC_MENABLE(hart int) uintptr { return PLIC + 0x2000 + uintptr(hart)*0x100 }
func PLIC_SENABLE(hart int) uintptr { return PLIC + 0x2080 + uintptr(hart)*0x100 }
func PLIC_MPRIORITY(hart int) uintptr { return PLIC + 0x200000 + uintptr(hart)*0x2000 }
func PLIC_SPRIORITY(hart int) uintptr { return PLIC + 0x201000 + uintptr(hart)*0x2000 }
func PLIC_MCLAIM(hart int) uintptr { return PLIC + 0x200004 + uintptr(hart)*0x2000 }
func PLIC_SCLAIM(hart int) uintptr { return PLIC + 0x201004 + uintptr(hart)*0x2000 }

// QEMU virt's "syscon" test/finisher device, used by the panic path and by
// the host-test harness to end a QEMU run deterministically.
const (
	TEST0 = uintptr(0x100000)
)

// the kernel expects there to be RAM
// for use by the kernel and user pages
// from physical address 0x80000000 to PHYSTOP.
const (
	KERNBASE = uintptr(0x80000000)
	PHYSTOP  = KERNBASE + 128*1024*1024
)

// Maximum number of harts the scheduler and PLIC claim tables are sized for.
const NHART = 8

// Every address space maps the kernel identically, plus a small
// per-hart kernel-stack window near the top of the address space so a trap
// taken while already in an unrelated user address space still has
// somewhere supervisor-mode-only to run. Each stack is one page, guarded
// above and below by an unmapped page (spec.md §3 "Kernel mappings").
const KSTACK_PAGES = 1

func KSTACK(hart int) uintptr {
	return MAXVA - uintptr(hart+1)*2*PGSIZE
}

// SIGTRAMPOLINE_VA is a single page mapped read+execute *and* user-accessible
// (unlike every other kernel region, which is supervisor-only) at the first
// unused kernel-stack-window slot past the last real hart, so it never
// collides with an actual KSTACK(hart) window regardless of NHART. It holds
// the fixed rt_sigreturn trampoline every process's signal frame points its
// return address at (signal.go).
var SIGTRAMPOLINE_VA = KSTACK(NHART)

// Per-process user memory layout. Address zero first: text, data/bss, a
// fixed-size stack immediately below the mmap arena, then an expandable
// brk heap growing up from the end of the loaded image.
const (
	USTACK_PAGES = 8
	USTACK_TOP   = uintptr(0x0000_0030_0000_0000)

	// mmap arena watermark starting point (spec.md §3, "a chosen high user
	// address"); grows upward, capped well below the kernel stack window.
	MMAP_ARENA_BASE = uintptr(0x0000_0030_0000_0000)
	MMAP_ARENA_TOP  = uintptr(0x0000_0038_0000_0000)
)
