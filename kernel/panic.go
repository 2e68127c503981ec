package main

import "unsafe"

// Panic handling (spec.md §5 "Panic handling", §7 "Internal invariant
// violation"). No teacher file covers this; the shape follows the
// original's panic.rs: disable further interrupts, force-unlock the UART so
// the message can actually get out, print, then halt every hart with wfi.

//go:linkname hart_halt_forever hart_halt_forever
func hart_halt_forever()

// kpanic is the single entry point every invariant violation in this
// package goes through. Userspace errors never call it (spec.md §7 policy).
func kpanic(format string, args ...interface{}) {
	w_sstatus(r_sstatus() &^ sstatusSIE)
	uartLock.ForceUnlock()

	printf("\n*** kernel panic: ")
	printf(format, args...)
	printf("\n")
	printBacktrace()

	haltAllHarts()
}

// printBacktrace is a best-effort return-address walk. DWARF symbolization
// and a real frame-pointer unwinder are out of scope (spec.md §1); this
// prints raw return addresses only, which is enough for the panic message
// to be actionable against the kernel's own symbol table offline.
func printBacktrace() {
	printf("backtrace:\n")
	fp := framePointer()
	for depth := 0; depth < 32 && fp != 0; depth++ {
		ra := *(*uintptr)(unsafe.Pointer(unsafeAdd(fp, -8)))
		if ra == 0 {
			break
		}
		printf("  #%d %x\n", depth, uint64(ra))
		prevFP := *(*uintptr)(unsafe.Pointer(unsafeAdd(fp, -16)))
		if prevFP <= fp {
			break
		}
		fp = prevFP
	}
}

//go:linkname framePointer framePointer
func framePointer() uintptr

func haltAllHarts() {
	sendHaltIPI()
	for {
		wfi()
	}
}
