package main

import (
	"unsafe"

	"github.com/sysheap/sentientos/internal/errno"
)

// Signal-configuration syscalls (C12 tail end). No original_source
// equivalent (signal.go's own header explains why); the wire layout below
// is kept deliberately narrow — this core's userspace never talks to a real
// libc's struct sigaction, only to test programs built against its own
// headers, so only what pushSignalFrame/deliverPendingSignals actually
// consult is read back.

const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

// struct sigaction layout this core defines for itself: handler VA (8),
// flags (8), mask (8) — 24 bytes, disposition inferred from handler VA
// (0 = SIG_DFL, 1 = SIG_IGN, anything else = a handler address).
const (
	sigDFL = 0
	sigIGN = 1
)

func sysRtSigactionHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	sig := int(tf.Arg(0))
	newAddr := uintptr(tf.Arg(1))
	oldAddr := uintptr(tf.Arg(2))

	if sig <= 0 || sig >= 64 {
		return errno.EINVAL.Negate(), nil
	}

	if oldAddr != 0 {
		old := t.sig.actions[sig]
		if !writeSigAction(t.Process, oldAddr, old) {
			return errno.EFAULT.Negate(), nil
		}
	}

	if newAddr != 0 {
		action, ok := readSigAction(t.Process, newAddr)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		t.lock.Lock()
		t.sig.actions[sig] = action
		t.lock.Unlock()
	}

	return 0, nil
}

func readSigAction(p *Process, addr uintptr) (SigAction, bool) {
	handler, ok := readUserspaceU64(p, addr)
	if !ok {
		return SigAction{}, false
	}
	flags, ok := readUserspaceU64(p, addr+8)
	if !ok {
		return SigAction{}, false
	}
	mask, ok := readUserspaceU64(p, addr+16)
	if !ok {
		return SigAction{}, false
	}
	action := SigAction{HandlerVA: uintptr(handler), Flags: flags, Mask: mask}
	switch handler {
	case sigDFL:
		action.Disposition = SigDefault
	case sigIGN:
		action.Disposition = SigIgnore
	default:
		action.Disposition = SigHandler
	}
	return action, true
}

func writeSigAction(p *Process, addr uintptr, action SigAction) bool {
	handler := uint64(action.HandlerVA)
	switch action.Disposition {
	case SigDefault:
		handler = sigDFL
	case SigIgnore:
		handler = sigIGN
	}
	var buf [24]byte
	putU64(buf[0:8], handler)
	putU64(buf[8:16], action.Flags)
	putU64(buf[16:24], action.Mask)
	return writeUserspaceBytes(p, addr, buf[:])
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// sysRtSigreturnHandler unwinds the frame pushSignalFrame pushed, restoring
// every register (not just a0) the interrupted thread had at signal
// delivery. tf is the live trap frame handleSyscallTrap will hand back to
// hardware, so restoring registers means writing *tf directly rather than
// going through the handler's normal (result, Future) return path — the
// only field that path still gets to set is a0, via the returned result,
// which is why it's set here to the frame's own saved a0 instead of 0.
//
// A thread with no outstanding frame calling this (spoofed or repeated
// sigreturn) is treated as fatal, matching killThread's handling of any
// other unrecoverable-fault-class condition in this core.
func sysRtSigreturnHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	t.lock.Lock()
	addr := t.sig.frameAddr
	t.lock.Unlock()
	if addr == 0 {
		killThread(t, terminationFault)
		return 0, nil
	}

	raw, ok := readUserspaceBytes(t.Process, addr, int(unsafe.Sizeof(savedSignalFrame{})))
	if !ok {
		killThread(t, terminationFault)
		return 0, nil
	}
	var frame savedSignalFrame
	copy(frameBytes(&frame), raw)

	t.lock.Lock()
	t.sig.frameAddr = 0
	t.lock.Unlock()

	*tf = frame.regs
	// handleSyscallTrap advances SavedPC by 4 on a synchronous return; back
	// up by 4 here so the net effect restores exactly frame.pc.
	t.SavedPC = frame.pc - 4
	return int64(frame.regs.GPR[Register_a0]), nil
}

func sysRtSigprocmaskHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	how := int(tf.Arg(0))
	setAddr := uintptr(tf.Arg(1))
	oldAddr := uintptr(tf.Arg(2))

	t.lock.Lock()
	old := t.sig.blocked
	t.lock.Unlock()

	if oldAddr != 0 {
		if !writeUserspaceBytes(t.Process, oldAddr, u64Bytes(old)) {
			return errno.EFAULT.Negate(), nil
		}
	}

	if setAddr == 0 {
		return 0, nil
	}
	set, ok := readUserspaceU64(t.Process, setAddr)
	if !ok {
		return errno.EFAULT.Negate(), nil
	}

	t.lock.Lock()
	switch how {
	case sigBlock:
		t.sig.blocked |= set
	case sigUnblock:
		t.sig.blocked &^= set
	case sigSetmask:
		t.sig.blocked = set
	default:
		t.lock.Unlock()
		return errno.EINVAL.Negate(), nil
	}
	t.lock.Unlock()

	return 0, nil
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	putU64(b[:], v)
	return b[:]
}

func sysSigaltstackHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	newAddr := uintptr(tf.Arg(0))
	oldAddr := uintptr(tf.Arg(1))

	if oldAddr != 0 {
		var buf [24]byte
		putU64(buf[0:8], uint64(t.sig.altstack.addr))
		flags := uint64(0)
		if !t.sig.altstack.active {
			flags = 2 // SS_DISABLE
		}
		putU64(buf[8:16], flags)
		putU64(buf[16:24], uint64(t.sig.altstack.size))
		if !writeUserspaceBytes(t.Process, oldAddr, buf[:]) {
			return errno.EFAULT.Negate(), nil
		}
	}

	if newAddr != 0 {
		addr, ok := readUserspaceU64(t.Process, newAddr)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		flags, ok := readUserspaceU64(t.Process, newAddr+8)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		size, ok := readUserspaceU64(t.Process, newAddr+16)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		t.lock.Lock()
		t.sig.altstack = altStack{addr: uintptr(addr), size: uintptr(size), active: flags&2 == 0}
		t.lock.Unlock()
	}

	return 0, nil
}
