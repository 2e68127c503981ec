package main

// Thread model (C8). Grounded on the teacher's proc.go (KProc with
// state/context/kstack), generalized per
// original_source/kernel/src/processes/thread.rs into a standalone Thread
// owned by exactly one Process, with the scheduler holding the only
// strong reference while it sits in the run set (spec.md §3, §9 "Cyclic
// process↔thread references"). Go has no first-class weak pointer usable
// here (the corpus spans go1.14–go1.22, predating the `weak` package), so
// Thread.Process is a plain pointer documented as conceptually weak: code
// outside the scheduler/process-table must never be the only thing
// keeping a Thread reachable.
//
// Records live in the fixed threadTable below, exactly the way the
// teacher's proc[NPROC] does — newThread linear-scans for a free slot
// instead of asking the Go allocator for a fresh *Thread.

type ThreadState int

const (
	ThreadRunnable ThreadState = iota
	ThreadRunning
	ThreadWaiting
)

type terminationReason int

const (
	terminationNormal terminationReason = iota
	terminationFault
	terminationSignal
)

type Thread struct {
	TID     int
	Process *Process

	Registers TrapFrame
	SavedPC   uintptr

	lock          SpinLock
	state         ThreadState
	runningOnHart int

	inKernel      bool
	wasInUserMode bool

	future        Future
	wakeupPending bool

	sig SignalState

	clearChildTID uintptr
	exited        bool
	exitReason    terminationReason
	exitSignal    int

	inUse bool

	// queueLink threads this record into whichever ThreadQueue it is
	// currently waiting on (run set, pipe, socket, stdin, futex, ...).
	queueLink *Thread

	// exitWaiters holds threads blocked wanting to know when this thread
	// exits, keyed naturally by owning the queue on the object it is
	// about — no global map from TID to waiter list is needed.
	exitWaiters ThreadQueue
}

var threadTableLock SpinLock
var threadTable [MaxThreads]Thread

// newThread allocates a Thread record from the fixed thread table by
// linear scan — the same strategy the teacher's allocProc uses over
// proc[NPROC] — so a Thread's backing memory is never taken from the Go
// heap. Slots are not reclaimed until freeThread is called once the
// thread's teardown is complete (killThread), and the table's size bounds
// how many threads (across every process, plus one idle thread per hart)
// can be live at once, matching a fixed-ulimit kernel rather than
// generation-counted slot reuse.
func newThread(tid int, p *Process) *Thread {
	threadTableLock.Lock()
	defer threadTableLock.Unlock()
	for i := range threadTable {
		if threadTable[i].inUse {
			continue
		}
		t := &threadTable[i]
		*t = Thread{
			TID:     tid,
			Process: p,
			state:   ThreadRunnable,
			sig:     newSignalState(),
			inUse:   true,
		}
		return t
	}
	kpanic("newThread: thread table exhausted (max %d)", MaxThreads)
	return nil
}

// freeThread returns t's slot to the table. Called only from killThread,
// after every waiter has already been notified and its future released,
// so nothing can still be holding a TID-based reference to it.
func freeThread(t *Thread) {
	threadTableLock.Lock()
	t.inUse = false
	threadTableLock.Unlock()
}

// AttachFuture records fut as the syscall the thread suspended in and
// marks it Waiting, handling the lost-wakeup hazard from spec.md §4.10: if
// a waker already fired between the Pending return and this call, the
// wakeup-pending flag set by that waker immediately flips the thread back
// to Runnable instead of leaving it stuck Waiting forever.
func (t *Thread) AttachFuture(fut Future) {
	t.lock.Lock()
	t.future = fut
	if t.wakeupPending {
		t.wakeupPending = false
		t.state = ThreadRunnable
		t.lock.Unlock()
		enqueueRunnable(t)
		return
	}
	t.state = ThreadWaiting
	t.lock.Unlock()
}

// wakeThread transitions t Waiting -> Runnable and enqueues it. Idempotent
// and safe to call from interrupt context (spec.md §4.10): if t is not
// currently Waiting, the wakeup is remembered via wakeupPending so a
// wakeup racing a Pending-but-not-yet-Waiting transition is not lost.
func wakeThread(t *Thread) {
	t.lock.Lock()
	if t.state != ThreadWaiting {
		t.wakeupPending = true
		t.lock.Unlock()
		return
	}
	t.state = ThreadRunnable
	t.lock.Unlock()
	enqueueRunnable(t)
}

// dropFuture releases whatever future t has attached, asking it to release
// any wakers it registered (cancellation, spec.md §4.10).
func (t *Thread) dropFuture() {
	t.lock.Lock()
	fut := t.future
	t.future = nil
	t.lock.Unlock()
	if fut != nil {
		fut.Release()
	}
}
