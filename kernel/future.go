package main

import "github.com/sysheap/sentientos/internal/errno"

// Concrete futures (C10). Grounded on original_source/kernel/src/processes/
// {task,waker}.rs's poll-driven model, adapted from an allocator-backed
// Pin<Box<dyn Future>> plus a Waker abstraction into value types whose
// Poll method is called directly by the scheduler — there is no executor
// indirection to build since schedule() already is the executor.
//
// Every future here follows the same shape: Poll checks whether the
// operation can complete without blocking; if not, it registers the thread
// as a waiter (once — the registered flag makes registration idempotent
// across repeated Pending polls) and returns Pending. Release undoes
// whatever registration Poll made, so a killed or cancelled thread does not
// leave a stale waiter entry behind.

// SleepFuture completes once the wake-queue's clock passes Until.
type SleepFuture struct {
	hartID     int
	until      Tick
	registered bool
	waiter     *Thread
}

func NewSleepFuture(hartID int, until Tick) *SleepFuture {
	return &SleepFuture{hartID: hartID, until: until}
}

func (f *SleepFuture) Poll(t *Thread) (int64, bool) {
	if now() >= f.until {
		return 0, false
	}
	if !f.registered {
		ScheduleWake(f.hartID, t, f.until)
		f.registered = true
		f.waiter = t
	}
	return 0, true
}

func (f *SleepFuture) Release() {
	if f.waiter != nil {
		CancelWake(f.hartID, f.waiter)
	}
}

// ReadStdinFuture completes once at least one byte is available, copying up
// to length bytes into the calling process's userAddr and returning the
// count read. The scratch buffer lives in the future rather than on the
// stack because it must survive across polls spanning multiple scheduler
// quanta.
type ReadStdinFuture struct {
	process    *Process
	userAddr   uintptr
	scratch    []byte
	registered bool
	waiter     *Thread
}

func NewReadStdinFuture(p *Process, userAddr uintptr, length int) *ReadStdinFuture {
	return &ReadStdinFuture{process: p, userAddr: userAddr, scratch: make([]byte, length)}
}

func (f *ReadStdinFuture) Poll(t *Thread) (int64, bool) {
	if stdinEmpty() {
		if !f.registered {
			stdinRegisterWaiter(t)
			f.registered = true
			f.waiter = t
		}
		return 0, true
	}
	n := stdinRead(f.scratch)
	if !writeUserspaceBytes(f.process, f.userAddr, f.scratch[:n]) {
		return errno.EFAULT.Negate(), false
	}
	return int64(n), false
}

func (f *ReadStdinFuture) Release() {
	if f.waiter != nil {
		stdinForgetWaiter(f.waiter)
	}
}

// RecvfromFuture completes once a datagram is queued on sock, or the socket
// is closed out from under it (EBADF).
type RecvfromFuture struct {
	sock       *UDPSocket
	buf        []byte
	fromIP     *[4]byte
	fromPort   *uint16
	registered bool
	waiter     *Thread
}

func NewRecvfromFuture(sock *UDPSocket, buf []byte, fromIP *[4]byte, fromPort *uint16) *RecvfromFuture {
	return &RecvfromFuture{sock: sock, buf: buf, fromIP: fromIP, fromPort: fromPort}
}

func (f *RecvfromFuture) Poll(t *Thread) (int64, bool) {
	n, ip, port, ok := f.sock.TryRecv(f.buf)
	if ok {
		if f.fromIP != nil {
			*f.fromIP = ip
		}
		if f.fromPort != nil {
			*f.fromPort = port
		}
		return int64(n), false
	}
	f.sock.lock.Lock()
	closed := f.sock.closed
	f.sock.lock.Unlock()
	if closed {
		return errno.EBADF.Negate(), false
	}
	if !f.registered {
		f.sock.registerWaiter(t)
		f.waiter = t
		f.registered = true
	}
	return 0, true
}

func (f *RecvfromFuture) Release() {
	if f.waiter != nil {
		f.sock.forgetWaiter(f.waiter)
	}
}

// WaitFuture implements wait4: completes once one of the target children
// (pid, or any child if pid<=0) has exited. statusAddr, if non-zero, is
// where the encoded status word is written on completion.
type WaitFuture struct {
	parent     *Process
	pid        int
	statusAddr uintptr
	noHang     bool
	registered bool
}

func NewWaitFuture(parent *Process, pid int, statusAddr uintptr, noHang bool) *WaitFuture {
	return &WaitFuture{parent: parent, pid: pid, statusAddr: statusAddr, noHang: noHang}
}

func (f *WaitFuture) Poll(t *Thread) (int64, bool) {
	childPID, status, signal, ok := findExitedChild(f.parent, f.pid)
	if ok {
		if f.statusAddr != 0 {
			writeUserspaceU32(f.parent, f.statusAddr, encodeWaitStatus(status, signal))
		}
		return int64(childPID), false
	}
	if !hasLiveChild(f.parent, f.pid) {
		return errno.ECHILD.Negate(), false
	}
	if f.noHang {
		return 0, false
	}
	if !f.registered {
		f.parent.registerChildExitWaiter(t)
		f.registered = true
	}
	return 0, true
}

func (f *WaitFuture) Release() {}

// VforkFuture implements clone(CLONE_VM|CLONE_VFORK)'s "parent blocks until
// child execve or exit" contract: it completes, returning the child's TID to
// the parent, once child.releaseVfork has been called by either
// sysExecveHandler (successful exec) or the child process's teardown path
// (exit without ever exec'ing). There is no original_source kernel file for
// this blocking mechanism (only the userspace-side clone/spawn contract in
// original_source/userspace/src/spawn.rs); it is built from this codebase's
// own WaitFuture/childExitWaiters idiom instead.
type VforkFuture struct {
	child      *Process
	childTID   int
	registered bool
}

func NewVforkFuture(child *Process, childTID int) *VforkFuture {
	return &VforkFuture{child: child, childTID: childTID}
}

func (f *VforkFuture) Poll(t *Thread) (int64, bool) {
	f.child.vforkLock.Lock()
	done := f.child.vforkDone
	f.child.vforkLock.Unlock()
	if done {
		return int64(f.childTID), false
	}
	if !f.registered {
		if !f.child.registerVforkWaiter(t) {
			// releaseVfork already ran between our done check and here.
			return int64(f.childTID), false
		}
		f.registered = true
	}
	return 0, true
}

func (f *VforkFuture) Release() {}

// PollFuture implements ppoll over a fixed set of readiness sources
// (spec.md §6's stdin/socket/pipe fds), completing once any is ready or the
// deadline (if any) passes.
type PollFuture struct {
	sources    [MaxPollFds]pollSource
	nsources   int
	deadline   Tick
	hasTimeout bool
	registered bool
}

type pollSource struct {
	fd    int
	ready func() bool
	arm   func(*Thread)
	// events written back to the caller's pollfd table on completion
	revents *int16
}

func NewPollFuture(sources [MaxPollFds]pollSource, nsources int, deadline Tick, hasTimeout bool) *PollFuture {
	return &PollFuture{sources: sources, nsources: nsources, deadline: deadline, hasTimeout: hasTimeout}
}

const pollIn = int16(0x0001)

func (f *PollFuture) Poll(t *Thread) (int64, bool) {
	ready := int64(0)
	for i := 0; i < f.nsources; i++ {
		if f.sources[i].ready() {
			*f.sources[i].revents = pollIn
			ready++
		}
	}
	if ready > 0 {
		return ready, false
	}
	if f.hasTimeout && now() >= f.deadline {
		return 0, false
	}
	if !f.registered {
		for i := 0; i < f.nsources; i++ {
			f.sources[i].arm(t)
		}
		if f.hasTimeout {
			ScheduleWake(t.runningOnHart, t, f.deadline)
		}
		f.registered = true
	}
	return 0, true
}

func (f *PollFuture) Release() {}

// PipeReadFuture completes once the pipe has data or its write end closes
// (EOF, a zero-length read rather than an error).
type PipeReadFuture struct {
	pipe       *Pipe
	process    *Process
	userAddr   uintptr
	count      int
	registered bool
	waiter     *Thread
}

func NewPipeReadFuture(p *Pipe, process *Process, userAddr uintptr, count int) *PipeReadFuture {
	return &PipeReadFuture{pipe: p, process: process, userAddr: userAddr, count: count}
}

func (f *PipeReadFuture) Poll(t *Thread) (int64, bool) {
	data, errc := f.pipe.TryRead(f.count)
	if errc == errno.EAGAIN {
		if !f.registered {
			f.pipe.registerReadWaiter(t)
			f.registered = true
			f.waiter = t
		}
		return 0, true
	}
	if errc != 0 {
		return errc.Negate(), false
	}
	if !writeUserspaceBytes(f.process, f.userAddr, data) {
		return errno.EFAULT.Negate(), false
	}
	return int64(len(data)), false
}

func (f *PipeReadFuture) Release() {
	if f.waiter != nil {
		f.pipe.forgetReadWaiter(f.waiter)
	}
}
