package main

import "github.com/sysheap/sentientos/internal/errno"

// sysPpollHandler (C12). Grounded on
// original_source/kernel/src/syscalls/linux.rs's handle_ppoll, one of the
// four syscalls the filtered original actually implements: an array of
// struct pollfd (fd int32, events int16, revents int16, 8 bytes each) plus
// an optional struct timespec timeout. The sigmask argument (a4/a5) is
// accepted and ignored — this core has no signal-mask-swap-during-poll
// semantics to honor.

type pollfdEntry struct {
	addr uintptr
	fd   int32
}

func sysPpollHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	fdsAddr := uintptr(tf.Arg(0))
	nfds := int(tf.Arg(1))
	timeoutAddr := uintptr(tf.Arg(2))

	if nfds > MaxPollFds {
		return errno.EINVAL.Negate(), nil
	}

	var entries [MaxPollFds]pollfdEntry
	var sourceBuf [MaxPollFds]pollSource
	var revents [MaxPollFds]int16
	nsrc := 0

	for i := 0; i < nfds; i++ {
		entryAddr := fdsAddr + uintptr(i)*8
		raw, ok := readUserspaceU64(t.Process, entryAddr)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		fd := int32(raw)
		entries[i] = pollfdEntry{addr: entryAddr, fd: fd}

		d, ok := t.Process.Fds.Get(int(fd))
		if !ok {
			continue
		}

		revents[i] = 0
		src := pollSource{fd: int(fd), revents: &revents[i]}
		switch d.kind {
		case fdStdin:
			src.ready = func() bool { return !stdinEmpty() }
			src.arm = stdinRegisterWaiter
		case fdUDPSocket:
			sock := d.socket
			if sock == nil {
				continue
			}
			src.ready = sock.HasDatagram
			src.arm = sock.registerWaiter
		case fdPipe:
			pipe := d.pipe
			src.ready = pipe.HasData
			src.arm = pipe.registerReadWaiter
		default:
			continue
		}
		sourceBuf[nsrc] = src
		nsrc++
	}

	var deadline Tick
	hasTimeout := timeoutAddr != 0
	if hasTimeout {
		secs, ok := readUserspaceU64(t.Process, timeoutAddr)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		nsecs, ok := readUserspaceU64(t.Process, timeoutAddr+8)
		if !ok {
			return errno.EFAULT.Negate(), nil
		}
		ms := Tick(secs)*1000 + Tick((nsecs+999_999)/1_000_000)
		deadline = now() + ms
	}

	fut := NewPollFuture(sourceBuf, nsrc, deadline, hasTimeout)
	return 0, &ppollWriteback{inner: fut, process: t.Process, entries: entries, nfds: nfds, revents: &revents}
}

// ppollWriteback copies revents back into the caller's pollfd array once
// PollFuture completes, so PollFuture itself stays free of userspace
// addressing concerns.
type ppollWriteback struct {
	inner   *PollFuture
	process *Process
	entries [MaxPollFds]pollfdEntry
	nfds    int
	revents *[MaxPollFds]int16 // the array PollFuture's sources write into
}

func (w *ppollWriteback) Poll(t *Thread) (int64, bool) {
	n, pending := w.inner.Poll(t)
	if pending {
		return 0, true
	}
	for i := 0; i < w.nfds; i++ {
		e := w.entries[i]
		if w.revents[i] == 0 {
			continue
		}
		var buf [8]byte
		buf[0] = byte(e.fd)
		buf[1] = byte(e.fd >> 8)
		buf[2] = byte(e.fd >> 16)
		buf[3] = byte(e.fd >> 24)
		buf[6] = byte(w.revents[i])
		buf[7] = byte(w.revents[i] >> 8)
		writeUserspaceBytes(w.process, e.addr, buf[:])
	}
	return n, false
}

func (w *ppollWriteback) Release() { w.inner.Release() }
