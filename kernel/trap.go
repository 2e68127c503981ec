package main

import _ "unsafe"

// Trap dispatch (C6). Grounded on the teacher's trap.go, expanded from the
// single "timer interrupt or print-and-hang" switch into the full cause
// table spec.md §4.6 names. The assembly entry/exit stubs (outside this
// package's reach, same boundary as the teacher's Kerneltrap export) save
// GP/FP registers into the current hart's TrapFrame, switch satp to the
// kernel address space, set sp to the kernel stack top, and call
// KernelTrap; on return they reload whichever thread's TrapFrame the
// scheduler left active (possibly not the one that trapped), reload its
// address space, restore sepc from the thread's saved PC, and sret.

//go:linkname trapinithart trapinithart
func trapinithart()

func intrOn() {
	w_sstatus(r_sstatus() | sstatusSIE)
}

func intrOff() {
	w_sstatus(r_sstatus() &^ sstatusSIE)
}

//export KernelTrap
func KernelTrap() {
	hc := currentHart()
	cause := r_scause()
	sepc := r_sepc()

	switch cause {
	case scauseSTimerInterrupt:
		w_sip(r_sip() &^ (1 << 5))
		HandleTimer(hc.hartID)
		schedule(hc)

	case scauseSExternalInterrupt:
		HandlePLIC(hc.hartID)

	case scauseSSoftwareInterrupt:
		handleIPI(hc)

	case scauseEcallFromU:
		handleSyscallTrap(hc, sepc)

	default:
		handleFault(hc, cause, sepc)
	}
}

// handleIPI clears the pending software interrupt; the only IPI this core
// sends is the panic-path halt request, so there is nothing further to
// dispatch on.
func handleIPI(hc *HartContext) {
	w_sip(r_sip() &^ (1 << 1))
}

// handleFault implements spec.md §4.6's fault policy: a user-mode fault
// kills the offending thread and lets the scheduler move on; a kernel-mode
// fault is unrecoverable.
func handleFault(hc *HartContext, cause uintptr, sepc uintptr) {
	t := hc.scheduler.current
	if t == nil || !t.wasInUserMode {
		kpanic("unhandled trap in kernel mode: cause=%x sepc=%x", uint64(cause), uint64(sepc))
	}

	printf("killing thread %d: fault cause=%x sepc=%x\n", t.TID, uint64(cause), uint64(sepc))
	killThread(t, terminationFault)
	schedule(hc)
}

// handleSyscallTrap is the ecall-from-U entry point (C11's front door). On
// synchronous completion it advances the thread's saved PC past the ecall
// so re-entry does not re-execute it; on suspension the saved PC is left
// exactly where it is, since re-poll on the same thread never re-runs the
// ecall instruction at all (the attached future is what gets polled next).
func handleSyscallTrap(hc *HartContext, sepc uintptr) {
	t := hc.scheduler.current
	if t == nil {
		kpanic("ecall trap with no current thread")
	}
	t.wasInUserMode = true
	t.SavedPC = sepc

	result, fut := Dispatch(t, &hc.trapFrame)
	if fut == nil {
		hc.trapFrame.SetReturn(result)
		t.SavedPC += 4
		w_sepc(t.SavedPC)
		return
	}

	t.AttachFuture(fut)
	suspendCurrentAndSchedule(hc)
}
