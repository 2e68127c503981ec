package main

import "github.com/sysheap/sentientos/internal/errno"

// Process/thread-lifecycle syscalls (C12). clone/execve/wait4 shapes follow
// original_source/kernel/src/processes/{process,thread}.rs's process/thread
// split; exit_group and set_tid_address follow
// original_source/kernel/src/syscalls/linux.rs's handle_exit_group and
// handle_set_tid_address (there stubbed as "NOT IMPLEMENTED" — here made
// real since clear_child_tid is load-bearing for pthread join in C12).

const (
	cloneVM            = 0x00000100
	cloneVFork         = 0x00004000
	cloneThread        = 0x00010000
	cloneChildSetTID   = 0x00100000
	cloneChildClearTID = 0x00200000
)

// sysCloneHandler supports the two combinations this core's userspace ABI
// needs (spec.md's clone syscall requirement): CLONE_VM|CLONE_THREAD (a new
// thread in the calling process, pthread-style) and CLONE_VM|CLONE_VFORK (a
// new process sharing the caller's address space until it execve's or
// exits, blocking the caller meanwhile). Any other combination — a genuine
// fork with copy-on-write address spaces — is ENOSYS; spec.md's general
// process-creation path is execve, not fork.
func sysCloneHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	flags := tf.Arg(0)
	childStack := uintptr(tf.Arg(1))
	ptid := uintptr(tf.Arg(2))
	tls := uintptr(tf.Arg(3))
	ctid := uintptr(tf.Arg(4))

	switch {
	case flags&(cloneVM|cloneThread) == cloneVM|cloneThread:
		child := newThread(allocTID(), t.Process)
		child.Registers = t.Registers
		child.Registers.GPR[2] = uint64(childStack) // sp
		child.Registers.GPR[4] = uint64(tls)         // tp (x4)
		child.Registers.SetReturn(0)
		child.SavedPC = t.SavedPC + 4

		if flags&cloneChildSetTID != 0 {
			writeUserspaceU32(t.Process, ptid, uint32(child.TID))
		}
		if flags&cloneChildClearTID != 0 {
			child.clearChildTID = ctid
		}

		t.Process.addThread(child)
		child.state = ThreadRunnable
		enqueueRunnable(child)

		return int64(child.TID), nil

	case flags&(cloneVM|cloneVFork) == cloneVM|cloneVFork:
		return sysCloneVfork(t, childStack, ptid, tls, ctid, flags)

	default:
		return errno.ENOSYS.Negate(), nil
	}
}

// sysCloneVfork implements the CLONE_VM|CLONE_VFORK branch: a new process is
// created sharing the parent's AddressSpace (AddressSpace.Share bumps its
// refcount so the child's later execve/exit Drop doesn't tear it down out
// from under the parent) and the parent's file descriptor table (a shallow
// FdTable.Clone, matching fork/vfork's duplicated-table-shared-files
// semantics). The calling thread blocks on a VforkFuture until the child
// process calls sysExecveHandler successfully or its last thread exits,
// per original_source/userspace/src/spawn.rs's spawn() contract (there is no
// kernel-side original_source file for this blocking mechanism itself).
func sysCloneVfork(t *Thread, childStack, ptid, tls, ctid uintptr, flags uint64) (int64, Future) {
	parent := t.Process

	child := allocProcessSlot()
	child.PID = allocPID()
	child.Name = parent.Name
	child.AS = parent.AS
	child.ParentPID = parent.PID
	child.Fds = parent.Fds.Clone()
	child.mmapWatermark = parent.mmapWatermark
	child.brkStart = parent.brkStart
	child.brkWatermark = parent.brkWatermark
	parent.AS.Share()

	ct := newThread(allocTID(), child)
	ct.Registers = t.Registers
	if childStack != 0 {
		ct.Registers.GPR[2] = uint64(childStack) // sp
	}
	ct.Registers.GPR[4] = uint64(tls) // tp (x4)
	ct.Registers.SetReturn(0)
	ct.SavedPC = t.SavedPC + 4

	if flags&cloneChildSetTID != 0 {
		writeUserspaceU32(child, ptid, uint32(ct.TID))
	}
	if flags&cloneChildClearTID != 0 {
		ct.clearChildTID = ctid
	}

	child.addThread(ct)
	ct.state = ThreadRunnable
	enqueueRunnable(ct)

	return 0, NewVforkFuture(child, ct.TID)
}

// sysExecveHandler replaces the calling process's address space with a
// freshly loaded image, collapsing any sibling threads first (POSIX's
// exec-kills-the-thread-group rule) since only the calling thread survives
// into the new image.
func sysExecveHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	pathAddr := uintptr(tf.Arg(0))
	argvAddr := uintptr(tf.Arg(1))

	path, errc := readUserspaceString(t.Process, pathAddr, 256)
	if errc != 0 {
		return errc.Negate(), nil
	}
	args, errc := readUserspaceArgv(t.Process, argvAddr)
	if errc != 0 {
		return errc.Negate(), nil
	}

	data, ok := lookupBinaryImage(path)
	if !ok {
		return errno.ENOENT.Negate(), nil
	}

	img, errc := loadImageIntoAddressSpace(data, path, args)
	if errc != 0 {
		return errc.Negate(), nil
	}

	p := t.Process
	p.forEachThread(func(sibling *Thread) {
		if sibling.TID != t.TID {
			killThread(sibling, terminationSignal)
		}
	})

	oldAS := p.AS
	p.AS = img.as
	oldAS.Drop()
	p.mainTIDVal = t.TID
	p.mmapWatermark = MMAP_ARENA_BASE
	p.brkStart = img.mmapWatermark
	p.brkWatermark = img.mmapWatermark

	t.Registers = TrapFrame{}
	t.Registers.GPR[2] = uint64(img.sp)
	t.Registers.GPR[10] = uint64(img.argsStart)
	// tf is the live frame handed back to hardware (see
	// sysRtSigreturnHandler); the returned result becomes a0.
	*tf = t.Registers

	// handleSyscallTrap always advances SavedPC by 4 past the ecall on a
	// synchronous return; back the entry point up by 4 here so the net
	// effect lands exactly on img.entry instead of img.entry+4.
	t.SavedPC = img.entry - 4

	// If p was a CLONE_VFORK child still sharing its parent's address space,
	// this exec just replaced p.AS with a private one and the Drop above
	// released the shared reference — the parent blocked in sysCloneVfork's
	// VforkFuture can now be woken.
	p.releaseVfork()

	return int64(img.argsStart), nil
}

// readUserspaceArgv reads at most MaxArgv NUL-terminated pointers out of a
// userspace argv array. A program passing more than that is rejected with
// E2BIG rather than growing an unbounded slice to hold them.
func readUserspaceArgv(p *Process, argvAddr uintptr) ([]string, errno.Errno) {
	var args [MaxArgv]string
	n := 0
	for i := 0; ; i++ {
		ptr, ok := readUserspaceU64(p, argvAddr+uintptr(i)*8)
		if !ok {
			return nil, errno.EFAULT
		}
		if ptr == 0 {
			return args[:n], 0
		}
		if n >= MaxArgv {
			return nil, errno.E2BIG
		}
		s, errc := readUserspaceString(p, uintptr(ptr), 4096)
		if errc != 0 {
			return nil, errc
		}
		args[n] = s
		n++
	}
}

// sysExitGroupHandler terminates every thread in the calling process with
// the given status, per original_source's handle_exit_group/sys_exit.
func sysExitGroupHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	status := int(int32(tf.Arg(0)))
	p := t.Process
	p.setExitStatus(status, 0)

	p.forEachThread(func(th *Thread) {
		killThread(th, terminationNormal)
	})
	return 0, nil
}

const wnohang = 0x00000001

func sysWait4Handler(t *Thread, tf *TrapFrame) (int64, Future) {
	pid := int(int32(tf.Arg(0)))
	statusAddr := uintptr(tf.Arg(1))
	options := tf.Arg(2)
	noHang := options&wnohang != 0
	return 0, NewWaitFuture(t.Process, pid, statusAddr, noHang)
}

// sysSetTidAddressHandler records addr as the word to zero (and futex-wake)
// when this thread exits.
func sysSetTidAddressHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	t.clearChildTID = uintptr(tf.Arg(0))
	return int64(t.TID), nil
}
