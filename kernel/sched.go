package main

import _ "unsafe"

// Scheduler (C9). Grounded on the teacher's proc.go scheduler()/yield/swtch
// trio, generalized per original_source/kernel/src/processes/scheduler.rs
// from xv6's per-hart round-robin over a fixed proc table into a single
// global FIFO run set shared by every hart, with an idle thread standing in
// for "nothing runnable" instead of xv6's wfi-in-scheduler-loop spin.
//
// A thread is in exactly one of three places at any moment: the run set
// (Runnable), some hart's HartContext.scheduler.current (Running), or
// neither (Waiting, reachable only via whatever future or waiter list it
// registered with). The run set never holds a Waiting thread.

// Future is a suspended syscall's continuation (C10). Poll is only ever
// called from schedule(), which already holds no thread lock across the
// call; a future that needs to inspect thread state takes t.lock itself.
// Release runs when the thread owning this future is killed or the future
// completes, so any waker registration it made (wake queues, socket
// waiters, pipe waiters, child-exit waiters) must be undone here.
type Future interface {
	Poll(t *Thread) (result int64, pending bool)
	Release()
}

type hartScheduler struct {
	current *Thread
}

var runSetLock SpinLock
var runSet ThreadQueue
var runSetCount int

// getIdleLoopAddr mirrors the teacher's GetTaskStubAddr/TaskStub pair: the
// assembly side hands back the entry address of the exported IdleLoop
// function below, which context-switch machinery can drop straight into a
// thread's saved PC the same way the teacher seeds a fresh KProc's context.
//
//go:linkname getIdleLoopAddr getIdleLoopAddr
func getIdleLoopAddr() uintptr

// IdleLoop is what a hart's idle thread "runs": interrupts on, wfi, repeat.
// It never touches user memory and is mapped identically in every address
// space via the kernel region set, so it needs no address space of its own.
//
//export IdleLoop
func IdleLoop() {
	for {
		intrOn()
		wfi()
	}
}

// InitScheduler creates hc's idle thread, seeded to enter IdleLoop the first
// time it is scheduled. The idle thread never appears in the run set;
// schedule() falls back to it directly when the run set is empty or every
// runnable thread's future is still pending.
func InitScheduler(hc *HartContext) {
	idle := newThread(allocTID(), nil)
	idle.state = ThreadRunning
	idle.SavedPC = getIdleLoopAddr()
	hc.idleThread = idle
	hc.scheduler.current = idle
}

// enqueueRunnable appends t to the tail of the global run set. Called with
// t already marked Runnable by the caller (wakeThread, AttachFuture's
// lost-wakeup path, or schedule() demoting the outgoing thread).
func enqueueRunnable(t *Thread) {
	runSetLock.Lock()
	runSet.Add(t)
	runSetCount++
	runSetLock.Unlock()
}

// runSetLen reports how many threads are currently Runnable, for
// diagnostics (uart.go's dumpDiagnostics).
func runSetLen() int {
	runSetLock.Lock()
	defer runSetLock.Unlock()
	return runSetCount
}

func popRunnable() (*Thread, bool) {
	runSetLock.Lock()
	defer runSetLock.Unlock()
	if runSet.Empty() {
		return nil, false
	}
	head, _ := runSet.PopUpTo(1)
	runSetCount--
	return head, true
}

// suspendCurrentAndSchedule is called from handleSyscallTrap once the
// current thread has attached a pending future: the outgoing thread is
// already Waiting (AttachFuture set that), so schedule() must not re-enqueue
// it as Runnable the way it would an interrupted-but-still-runnable thread.
func suspendCurrentAndSchedule(hc *HartContext) {
	scheduleFrom(hc, false)
}

// schedule is called after a timer interrupt or a fault kills the current
// thread: the outgoing thread is still Running (or dead) and, if merely
// preempted, goes back to the tail of the run set.
func schedule(hc *HartContext) {
	scheduleFrom(hc, true)
}

// scheduleFrom implements spec.md §4.9's scheduling algorithm. requeue
// distinguishes preemption (the outgoing thread is still runnable, put it
// back at the tail) from voluntary suspension (the outgoing thread already
// recorded itself as Waiting and must not be touched here).
func scheduleFrom(hc *HartContext, requeue bool) {
	outgoing := hc.scheduler.current
	if outgoing != nil {
		outgoing.lock.Lock()
		outgoing.Registers = hc.trapFrame
		outgoing.SavedPC = r_sepc()
		outgoing.lock.Unlock()

		if outgoing != hc.idleThread && requeue && !outgoing.exited {
			outgoing.lock.Lock()
			if outgoing.state == ThreadRunning {
				outgoing.state = ThreadRunnable
				outgoing.lock.Unlock()
				enqueueRunnable(outgoing)
			} else {
				outgoing.lock.Unlock()
			}
		}
	}

	chosen := pickNext(hc)
	activate(hc, chosen)
}

// pickNext pops candidates off the run set head, polling any attached
// future in place: a future that completes hands the thread its syscall
// return value and is dispatched next; one still pending goes right back to
// Waiting (it is not re-enqueued — its waker will do that), unless a waker
// already raced it into wakeupPending, in which case it goes straight back
// onto the run set instead (spec.md §4.10's wakeup-pending check applies at
// every Waiting transition, not just the first one out of AttachFuture).
// The loop then tries the next candidate. Falls back to the idle thread
// when the run set is exhausted.
func pickNext(hc *HartContext) *Thread {
	for {
		cand, ok := popRunnable()
		if !ok {
			return hc.idleThread
		}

		cand.lock.Lock()
		fut := cand.future
		if fut == nil {
			cand.lock.Unlock()
			return cand
		}
		cand.lock.Unlock()

		result, pending := fut.Poll(cand)
		if pending {
			// Same lost-wakeup hazard AttachFuture guards against: a waker
			// can fire between fut.Poll returning pending and this lock
			// acquisition. If it did, wakeupPending is already set here,
			// and the thread must go straight back to Runnable instead of
			// being left Waiting with no one left to wake it.
			cand.lock.Lock()
			if cand.wakeupPending {
				cand.wakeupPending = false
				cand.state = ThreadRunnable
				cand.lock.Unlock()
				enqueueRunnable(cand)
				continue
			}
			cand.state = ThreadWaiting
			cand.lock.Unlock()
			continue
		}

		fut.Release()
		cand.lock.Lock()
		cand.future = nil
		cand.Registers.SetReturn(result)
		cand.SavedPC += 4
		cand.lock.Unlock()
		return cand
	}
}

// activate installs chosen as hc's current thread: its address space, saved
// register file, and program counter, then delivers any pending signals
// before letting it resume in user mode. Delivering a signal can kill
// chosen outright (default disposition), in which case activate picks the
// next candidate instead of installing a dead thread.
func activate(hc *HartContext, chosen *Thread) {
	for chosen != hc.idleThread && !deliverPendingSignals(chosen) {
		chosen = pickNext(hc)
	}

	hc.scheduler.current = chosen
	chosen.lock.Lock()
	chosen.state = ThreadRunning
	chosen.runningOnHart = hc.hartID
	hc.trapFrame = chosen.Registers
	sepc := chosen.SavedPC
	chosen.lock.Unlock()

	if chosen == hc.idleThread {
		(*kernelAddressSpace.Get()).Activate()
		satpOwners[hc.hartID] = uintptr((*kernelAddressSpace.Get()).root)
	} else {
		chosen.Process.AS.Activate()
		satpOwners[hc.hartID] = uintptr(chosen.Process.AS.root)
	}
	w_sepc(sepc)

	programQuantum(hc.hartID, chosen == hc.idleThread)
}
