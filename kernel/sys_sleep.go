package main

import "github.com/sysheap/sentientos/internal/errno"

// sysNanosleepHandler (C12). Grounded on
// original_source/kernel/src/syscalls/linux.rs's handle_nanosleep, which
// reads a struct timespec (tv_sec, tv_nsec as two i64s) and suspends via the
// timer's wake queue; ClocksPerMs resolution means sub-millisecond requests
// round up to one tick rather than being silently dropped.
func sysNanosleepHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	reqAddr := uintptr(tf.Arg(0))

	secs, ok := readUserspaceU64(t.Process, reqAddr)
	if !ok {
		return errno.EFAULT.Negate(), nil
	}
	nsecs, ok := readUserspaceU64(t.Process, reqAddr+8)
	if !ok {
		return errno.EFAULT.Negate(), nil
	}

	ms := Tick(secs)*1000 + Tick((nsecs+999_999)/1_000_000)
	if ms == 0 {
		return 0, nil
	}

	until := now() + ms
	return 0, NewSleepFuture(t.runningOnHart, until)
}
