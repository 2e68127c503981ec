package main

// Process model (C8). Grounded on
// original_source/kernel/src/processes/process.rs: address space, owned
// page runs, mmap/brk watermarks, fd table, parent PID, exit-status cell,
// and a thread set keyed by TID. The teacher has no process concept at all
// (its KProc is both process and thread in one); this is where the spec's
// richer model replaces the teacher's flat one.
//
// Process records live in the fixed processSlots table below, allocated
// by linear scan exactly the way the teacher's allocProc scans proc[NPROC]
// — no *Process is ever handed out by the Go allocator.

type Process struct {
	inUse bool

	PID  int
	Name string

	AS *AddressSpace

	mmapWatermark uintptr
	brkStart      uintptr
	brkWatermark  uintptr

	Fds FdTable

	ParentPID int

	exitLock   SpinLock
	exited     bool
	exitStatus int
	exitSignal int

	threadsLock SpinLock
	threads     [MaxThreadsPerProc]*Thread
	mainTIDVal  int

	childExitWaiters ThreadQueue

	// vforkLock/vforkDone/vforkWaiters implement clone(CLONE_VM|CLONE_VFORK)'s
	// "parent blocks until child execve or exit" contract (spec.md's clone
	// syscall requirement): vforkDone is set exactly once, by whichever of
	// sysExecveHandler or the child's process teardown gets there first, and
	// any thread blocked in a VforkFuture waiting on it is woken.
	vforkLock    SpinLock
	vforkDone    bool
	vforkWaiters ThreadQueue
}

// releaseVfork wakes any thread blocked waiting for this process (the vfork
// child) to either execve or exit. Idempotent: only the first caller finds
// vforkDone false and actually wakes anyone.
func (p *Process) releaseVfork() {
	p.vforkLock.Lock()
	if p.vforkDone {
		p.vforkLock.Unlock()
		return
	}
	p.vforkDone = true
	head := p.vforkWaiters.DrainAll()
	p.vforkLock.Unlock()
	WakeChain(head)
}

// registerVforkWaiter attaches t to be woken by releaseVfork. If the vfork
// child has already execve'd or exited by the time this runs, it returns
// false so the caller's Future can complete immediately instead of
// registering into a wakeup that already happened.
func (p *Process) registerVforkWaiter(t *Thread) bool {
	p.vforkLock.Lock()
	defer p.vforkLock.Unlock()
	if p.vforkDone {
		return false
	}
	p.vforkWaiters.Add(t)
	return true
}

// mainTID returns the TID futex callers should key against (Linux keys a
// futex by (main thread TID, address); this core only ever needs it to be
// stable and shared by every thread of the process, not literally the
// thread-group leader's kernel identity).
func (p *Process) mainTID() int {
	return p.mainTIDVal
}

var processTableLock SpinLock
var processSlots [MaxProcs]Process
var nextPID = 1
var nextTID = 1

func InitProcessTable() {}

func allocPID() int {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	pid := nextPID
	nextPID++
	return pid
}

// allocTID allocates a process-wide-unique, in fact kernel-wide-unique,
// thread id (spec.md §3: "thread IDs are globally unique").
func allocTID() int {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	tid := nextTID
	nextTID++
	return tid
}

// allocProcessSlot linear-scans processSlots for a free entry, the process
// analogue of newThread's scan over threadTable.
func allocProcessSlot() *Process {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	for i := range processSlots {
		if processSlots[i].inUse {
			continue
		}
		processSlots[i] = Process{inUse: true}
		return &processSlots[i]
	}
	kpanic("allocProcessSlot: process table exhausted (max %d)", MaxProcs)
	return nil
}

func lookupProcess(pid int) (*Process, bool) {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	for i := range processSlots {
		if processSlots[i].inUse && processSlots[i].PID == pid {
			return &processSlots[i], true
		}
	}
	return nil, false
}

func unregisterProcess(pid int) {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	for i := range processSlots {
		if processSlots[i].inUse && processSlots[i].PID == pid {
			processSlots[i].inUse = false
			return
		}
	}
}

// newProcess allocates the bookkeeping shell for a process; the caller
// (LoadELF) still has to populate the address space and create the main
// thread.
func newProcess(name string, parentPID int) *Process {
	p := allocProcessSlot()
	p.PID = allocPID()
	p.Name = name
	p.AS = NewAddressSpace()
	p.ParentPID = parentPID
	p.Fds = newFdTable()
	p.mmapWatermark = MMAP_ARENA_BASE
	return p
}

func (p *Process) addThread(t *Thread) {
	p.threadsLock.Lock()
	defer p.threadsLock.Unlock()
	empty := true
	for _, s := range p.threads {
		if s != nil {
			empty = false
			break
		}
	}
	if empty {
		p.mainTIDVal = t.TID
	}
	for i := range p.threads {
		if p.threads[i] == nil {
			p.threads[i] = t
			return
		}
	}
	kpanic("Process.addThread: thread table exhausted for pid %d (max %d)", p.PID, MaxThreadsPerProc)
}

func (p *Process) threadCount() int {
	p.threadsLock.Lock()
	defer p.threadsLock.Unlock()
	n := 0
	for _, s := range p.threads {
		if s != nil {
			n++
		}
	}
	return n
}

// forEachThread calls fn once per live thread of p, snapshotted into a
// fixed local buffer first so fn (typically killThread, which mutates
// p.threads) never runs while threadsLock is held.
func (p *Process) forEachThread(fn func(*Thread)) {
	var snapshot [MaxThreadsPerProc]*Thread
	n := 0
	p.threadsLock.Lock()
	for _, s := range p.threads {
		if s != nil {
			snapshot[n] = s
			n++
		}
	}
	p.threadsLock.Unlock()
	for _, t := range snapshot[:n] {
		fn(t)
	}
}

// removeThread drops t from the process's thread set. If it was the last
// thread, the process's address space and owned pages are freed (spec.md
// §4.8 "Process lifetime ends when its last thread exits or is killed") and
// an exit status is recorded if exit_group hasn't already set one — but the
// process record itself stays in the process table as a zombie until its
// parent reaps it via wait4, otherwise an exited child's status would be
// unobservable the moment the last thread finished. A parentless (or
// already-gone-parent) process has no one to reap it and is unregistered
// immediately instead of leaking forever.
func (p *Process) removeThread(t *Thread) {
	p.threadsLock.Lock()
	remaining := -1
	for i := range p.threads {
		if p.threads[i] == t {
			p.threads[i] = nil
		}
	}
	for _, s := range p.threads {
		if s != nil {
			if remaining < 0 {
				remaining = 0
			}
			remaining++
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	p.threadsLock.Unlock()

	if remaining == 0 {
		switch t.exitReason {
		case terminationFault:
			p.setExitStatus(0, sigsegvDefault)
		case terminationSignal:
			p.setExitStatus(0, t.exitSignal)
		default:
			p.setExitStatus(0, 0)
		}

		p.AS.Drop()
		p.releaseVfork()
		parent, hasParent := lookupProcess(p.ParentPID)
		if !hasParent {
			unregisterProcess(p.PID)
			return
		}
		parent.notifyChildExited()
	}
}

// findExitedChild scans the process table for a zombie child of parent
// matching pid (pid<=0 matches any child), reaping and returning it. This
// is the only place a zombie is ever removed from the process table.
func findExitedChild(parent *Process, pid int) (childPID int, status int, signal int, ok bool) {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	for i := range processSlots {
		p := &processSlots[i]
		if !p.inUse || p.ParentPID != parent.PID {
			continue
		}
		if pid > 0 && p.PID != pid {
			continue
		}
		p.exitLock.Lock()
		exited, st, sig := p.exited, p.exitStatus, p.exitSignal
		p.exitLock.Unlock()
		if exited {
			cpid := p.PID
			p.inUse = false
			return cpid, st, sig, true
		}
	}
	return 0, 0, 0, false
}

// hasLiveChild reports whether parent has any not-yet-reaped child matching
// pid (pid<=0 matches any), zombie or still running — used to distinguish
// "nothing to reap yet" (keep waiting) from "no such child" (ECHILD).
func hasLiveChild(parent *Process, pid int) bool {
	processTableLock.Lock()
	defer processTableLock.Unlock()
	for i := range processSlots {
		p := &processSlots[i]
		if !p.inUse || p.ParentPID != parent.PID {
			continue
		}
		if pid > 0 && p.PID != pid {
			continue
		}
		return true
	}
	return false
}

// encodeWaitStatus matches Linux's wait4 status word: a fatal signal
// occupies the low 7 bits, a normal exit shifts the 8-bit status into bits
// 8-15.
func encodeWaitStatus(status, signal int) uint32 {
	if signal != 0 {
		return uint32(signal & 0x7f)
	}
	return uint32(status&0xff) << 8
}

func (p *Process) setExitStatus(status int, signal int) {
	p.exitLock.Lock()
	if !p.exited {
		p.exited = true
		p.exitStatus = status
		p.exitSignal = signal
	}
	p.exitLock.Unlock()
}

func (p *Process) notifyChildExited() {
	p.exitLock.Lock()
	head := p.childExitWaiters.DrainAll()
	p.exitLock.Unlock()
	WakeChain(head)
}

func (p *Process) registerChildExitWaiter(t *Thread) {
	p.exitLock.Lock()
	p.childExitWaiters.Add(t)
	p.exitLock.Unlock()
}

// killThread terminates t: any thread waiting on its exit is woken, its
// clear_child_tid word is zeroed and futex-woken if set, its attached future (if any) is
// dropped so registered wakers are released, and the scheduler's strong
// reference to it is dropped by simply never re-enqueuing it. Its thread
// table slot is only returned to the pool once all of that has happened.
func killThread(t *Thread, reason terminationReason) {
	t.dropFuture()

	t.lock.Lock()
	t.exited = true
	t.exitReason = reason
	t.lock.Unlock()

	if t.clearChildTID != 0 {
		writeUserspaceU32(t.Process, t.clearChildTID, 0)
		futexWakeSyscall(t.Process.mainTID(), t.clearChildTID, 1)
	}

	t.lock.Lock()
	head := t.exitWaiters.DrainAll()
	t.lock.Unlock()
	WakeChain(head)

	t.Process.removeThread(t)
	freeThread(t)
}
