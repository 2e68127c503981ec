package main

import "unsafe"

// Signal state and delivery (C12 tail end + spec.md §4.12 "Signal
// semantics for the core"). Neither the teacher nor original_source
// implement signal delivery in the files retrieved for this spec (the
// closest original_source gets is debugging/backtrace.rs, unrelated), so
// this is built directly from spec.md's textual description: a Ctrl+C
// byte raises a process-group interrupt on the foreground process, whose
// default action terminates it, observable to the parent via wait4's
// termination-by-signal status (scenario S5).

const (
	SIGINT  = 2
	SIGKILL = 9
	SIGSEGV = 11
	SIGCHLD = 17
)

// sigsegvDefault is the wait4 status recorded for a thread killed by a
// hardware fault (page fault, illegal instruction, misaligned access) that
// never routed through the signal path at all — the closest Linux
// equivalent a debugging parent would expect to see.
const sigsegvDefault = SIGSEGV

type SigDisposition int

const (
	SigDefault SigDisposition = iota
	SigIgnore
	SigHandler
)

type SigAction struct {
	Disposition SigDisposition
	HandlerVA   uintptr
	Mask        uint64
	Flags       uint64
}

type altStack struct {
	addr   uintptr
	size   uintptr
	active bool
}

// SignalState is a Thread field (spec.md §3): pending mask, blocked mask,
// per-signal action table, altstack, and a robust-list pointer that this
// core only stores and never walks (robust futexes are out of scope).
//
// frameAddr is the user-stack address of the most recently pushed, not yet
// unwound signal frame — set by pushSignalFrame, consumed and cleared by
// sysRtSigreturnHandler. A thread only ever has one outstanding frame
// (nested handlers are not supported): a second SigHandler delivery before
// the first returns would overwrite it, matching this core's single-signal-
// at-a-time delivery loop in deliverPendingSignals.
type SignalState struct {
	pending    uint64
	blocked    uint64
	actions    [64]SigAction
	altstack   altStack
	robustList uintptr
	frameAddr  uintptr
}

func newSignalState() SignalState {
	return SignalState{}
}

var foregroundLock SpinLock
var foregroundPID int

func setForegroundProcess(pid int) {
	foregroundLock.Lock()
	foregroundPID = pid
	foregroundLock.Unlock()
}

// raiseForegroundInterrupt implements the UART contract's ETX handling
// (spec.md §6): every thread of the foreground process receives SIGINT.
func raiseForegroundInterrupt() {
	foregroundLock.Lock()
	pid := foregroundPID
	foregroundLock.Unlock()

	p, ok := lookupProcess(pid)
	if !ok {
		return
	}
	p.forEachThread(func(t *Thread) {
		t.raiseSignal(SIGINT)
	})
}

func (t *Thread) raiseSignal(sig int) {
	t.lock.Lock()
	t.sig.pending |= 1 << uint(sig)
	action := t.sig.actions[sig]
	t.lock.Unlock()

	if action.Disposition != SigIgnore {
		wakeThread(t)
	}
}

// deliverableSignal returns the lowest-numbered pending, unblocked signal
// and clears it from pending, or ok=false if none is deliverable.
func (t *Thread) deliverableSignal() (sig int, action SigAction, ok bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	deliverable := t.sig.pending &^ t.sig.blocked
	if deliverable == 0 {
		return 0, SigAction{}, false
	}
	for i := 0; i < 64; i++ {
		if deliverable&(1<<uint(i)) != 0 {
			t.sig.pending &^= 1 << uint(i)
			return i, t.sig.actions[i], true
		}
	}
	return 0, SigAction{}, false
}

// deliverPendingSignals runs immediately before a thread resumes in user
// mode (called from schedule()). A default-disposition signal terminates
// the thread; SigIgnore drops it; a user handler pushes a signal frame on
// the (alt)stack and redirects the saved PC, arranging a sigreturn-style
// restore. Returns false if delivering this signal terminated the thread,
// in which case the caller must pick a different thread to run.
//
// Only one SigHandler frame is pushed per call: SignalState tracks a single
// outstanding frameAddr, so stacking a second handler on top before the
// first has sigreturn'd would overwrite it and leak the first frame's stack
// space. Any other pending, unblocked signals are picked up the next time
// this thread is scheduled — including immediately after the handler's own
// rt_sigreturn, since that re-enters user mode via the same activate() path.
func deliverPendingSignals(t *Thread) bool {
	for {
		sig, action, ok := t.deliverableSignal()
		if !ok {
			return true
		}
		switch action.Disposition {
		case SigIgnore:
			continue
		case SigDefault:
			t.exitSignal = sig
			killThread(t, terminationSignal)
			return false
		case SigHandler:
			pushSignalFrame(t, sig, action)
			return true
		}
	}
}

// pushSignalFrame writes a minimal signal frame (saved registers + saved
// PC) onto the thread's stack (altstack if SA_ONSTACK and one is
// registered, else the current user stack), then redirects execution to
// the handler with ra pointed at the sigreturn trampoline (memlayout.go's
// SIGTRAMPOLINE_VA) so the handler's own "ret" drops straight into
// rt_sigreturn instead of falling off into whatever ra held at signal
// delivery time.
func pushSignalFrame(t *Thread, sig int, action SigAction) {
	// Rounded up from unsafe.Sizeof(savedSignalFrame{}) (528 bytes: a 512-byte
	// TrapFrame plus pc and sig) to a 16-byte multiple (528 already is one),
	// so the write below never spills past the region actually carved out of
	// the stack.
	frameSize := (uintptr(unsafe.Sizeof(savedSignalFrame{})) + 0xf) &^ 0xf
	sp := uintptr(t.Registers.GPR[2]) // x2/sp
	if t.sig.altstack.active {
		sp = t.sig.altstack.addr + t.sig.altstack.size
	}
	sp = (sp - frameSize) &^ 0xf

	frame := savedSignalFrame{
		regs: t.Registers,
		pc:   t.SavedPC,
		sig:  sig,
	}
	if !writeUserspaceBytes(t.Process, sp, frameBytes(&frame)) {
		killThread(t, terminationFault)
		return
	}

	t.sig.frameAddr = sp
	t.Registers.GPR[1] = uint64(SIGTRAMPOLINE_VA) // ra (x1)
	t.Registers.GPR[2] = uint64(sp)                // sp (x2)
	t.Registers.GPR[10] = uint64(sig)              // a0 = signal number
	t.SavedPC = action.HandlerVA
}

// writeSigreturnTrampoline encodes two RISC-V instructions directly into the
// physical page at pa: `addi a7, zero, sysRtSigreturn` then `ecall`. There
// is no assembler available to this freestanding build (no .s files, only
// go:linkname bridges into the teacher's existing hand-written asm), so the
// encoding is done by hand once, at boot, the same way pushSignalFrame's
// caller writes raw bytes for a frame it never interprets as Go structs
// from userspace's side.
func writeSigreturnTrampoline(pa uintptr) {
	// addi a7, x0, 139: imm[11:0]=139 rs1=0 funct3=000 rd=17(a7) opcode=0010011
	const addiA7SysRtSigreturn = uint32(sysRtSigreturn)<<20 | 17<<7 | 0x13
	const ecall = uint32(0x00000073)

	buf := unsafe.Slice((*byte)(unsafe.Pointer(pa)), 8)
	putLE32(buf[0:4], addiA7SysRtSigreturn)
	putLE32(buf[4:8], ecall)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

type savedSignalFrame struct {
	regs TrapFrame
	pc   uintptr
	sig  int
}

// frameBytes reinterprets f as raw bytes. A real ABI-precise layout is out
// of this core's scope (there is no libc sigreturn trampoline to
// interoperate with here); the bytes are opaque to the kernel and only
// meaningful to a matching rt_sigreturn implementation in the same build.
func frameBytes(f *savedSignalFrame) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f)), unsafe.Sizeof(*f))
}
