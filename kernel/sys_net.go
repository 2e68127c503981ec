package main

import "github.com/sysheap/sentientos/internal/errno"

// UDP socket syscalls (C12). Grounded on original_source's
// OpenSockets/AssignedSocket (net.go carries the port table itself); the
// sockaddr_in layout below matches Linux's struct sockaddr_in exactly
// (family, then network-byte-order port and address) since that is the
// only representation any userspace libc this core could ever run against
// will produce.

const (
	afINET     = 2
	sockDGRAM  = 2
	sockaddrInSize = 16
)

func sysSocketHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	family := int(int32(tf.Arg(0)))
	sockType := int(int32(tf.Arg(1))) &^ 0x800 // mask off SOCK_NONBLOCK

	if family != afINET || sockType != sockDGRAM {
		return errno.ENOSYS.Negate(), nil
	}

	d := &FileDescriptor{kind: fdUDPSocket}
	fd := t.Process.Fds.Allocate(d)
	if fd < 0 {
		return errno.EMFILE.Negate(), nil
	}
	return int64(fd), nil
}

// parseSockaddrIn reads a sockaddr_in's port (host order) and IPv4 address.
func parseSockaddrIn(p *Process, addr uintptr) (port uint16, ip [4]byte, ok bool) {
	b, ok := readUserspaceBytes(p, addr, sockaddrInSize)
	if !ok {
		return 0, ip, false
	}
	port = uint16(b[2])<<8 | uint16(b[3])
	copy(ip[:], b[4:8])
	return port, ip, true
}

func sysBindHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	fd := int(tf.Arg(0))
	addr := uintptr(tf.Arg(1))

	d, ok := t.Process.Fds.Get(fd)
	if !ok || d.kind != fdUDPSocket {
		return errno.EBADF.Negate(), nil
	}
	if d.socket != nil {
		return errno.EINVAL.Negate(), nil
	}

	port, _, ok := parseSockaddrIn(t.Process, addr)
	if !ok {
		return errno.EFAULT.Negate(), nil
	}

	sock, ok := (*portTable.Get()).Acquire(port)
	if !ok {
		return errno.EADDRINUSE.Negate(), nil
	}
	d.socket = sock
	return 0, nil
}

func sysSendtoHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	fd := int(tf.Arg(0))
	buf := uintptr(tf.Arg(1))
	length := int(tf.Arg(2))
	destAddr := uintptr(tf.Arg(4))

	d, ok := t.Process.Fds.Get(fd)
	if !ok || d.kind != fdUDPSocket || d.socket == nil {
		return errno.EBADF.Negate(), nil
	}

	data, ok := readUserspaceBytes(t.Process, buf, length)
	if !ok {
		return errno.EFAULT.Negate(), nil
	}

	destPort, destIP, ok := parseSockaddrIn(t.Process, destAddr)
	if !ok {
		return errno.EFAULT.Negate(), nil
	}

	if err := d.socket.Send(destIP, destPort, data); err != nil {
		return errno.EIO.Negate(), nil
	}
	return int64(len(data)), nil
}

func sysRecvfromHandler(t *Thread, tf *TrapFrame) (int64, Future) {
	fd := int(tf.Arg(0))
	buf := uintptr(tf.Arg(1))
	length := int(tf.Arg(2))
	srcAddr := uintptr(tf.Arg(4))

	d, ok := t.Process.Fds.Get(fd)
	if !ok || d.kind != fdUDPSocket || d.socket == nil {
		return errno.EBADF.Negate(), nil
	}

	out := make([]byte, length)
	n, fromIP, fromPort, ok := d.socket.TryRecv(out)
	if ok {
		if !writeUserspaceBytes(t.Process, buf, out[:n]) {
			return errno.EFAULT.Negate(), nil
		}
		writeSockaddrIn(t.Process, srcAddr, fromPort, fromIP)
		return int64(n), nil
	}

	var fromIPBox [4]byte
	var fromPortBox uint16
	fut := NewRecvfromFuture(d.socket, out, &fromIPBox, &fromPortBox)
	return 0, &recvfromWriteback{inner: fut, process: t.Process, buf: buf, srcAddr: srcAddr, fromIP: &fromIPBox, fromPort: &fromPortBox}
}

// recvfromWriteback wraps RecvfromFuture to copy its result into the
// caller's buffer/sockaddr once it completes; RecvfromFuture itself writes
// into a plain Go buffer so it stays reusable for a future in-kernel netcat
// diagnostic that doesn't have a userspace destination at all.
type recvfromWriteback struct {
	inner   *RecvfromFuture
	process *Process
	buf     uintptr
	srcAddr uintptr
	fromIP  *[4]byte
	fromPort *uint16
}

func (w *recvfromWriteback) Poll(t *Thread) (int64, bool) {
	n, pending := w.inner.Poll(t)
	if pending {
		return 0, true
	}
	if n < 0 {
		return n, false
	}
	if !writeUserspaceBytes(w.process, w.buf, w.inner.buf[:n]) {
		return errno.EFAULT.Negate(), false
	}
	writeSockaddrIn(w.process, w.srcAddr, *w.fromPort, *w.fromIP)
	return n, false
}

func (w *recvfromWriteback) Release() { w.inner.Release() }

func writeSockaddrIn(p *Process, addr uintptr, port uint16, ip [4]byte) {
	if addr == 0 {
		return
	}
	var b [sockaddrInSize]byte
	b[0] = afINET
	b[1] = 0
	b[2] = byte(port >> 8)
	b[3] = byte(port)
	copy(b[4:8], ip[:])
	writeUserspaceBytes(p, addr, b[:])
}
