package main

import _ "unsafe"

// UART output serialization and the stdin byte queue (§6 "UART and stdin").
// The actual 16550 register poking lives outside this package's reach, same
// boundary as the teacher's bare uart_putc extern; everything here is the
// kernel-side contract the excluded UART driver pushes bytes into.

//go:linkname uart_putc uart_putc
func uart_putc(c byte)

// uartLock serializes access to the UART transmit path. It is acquired both
// from ordinary kernel code (printf) and from the trap path that drains a
// write syscall's buffer, so it must never be held across anything that can
// itself trap — the "trap-safe only" contract from spec.md §5.
var uartLock SpinLock

func uartPutByte(b byte) {
	uartLock.Lock()
	uart_putc(b)
	uartLock.Unlock()
}

func uartWrite(data []byte) {
	uartLock.Lock()
	for _, b := range data {
		uart_putc(b)
	}
	uartLock.Unlock()
}

const stdinBufCap = 256

// stdinRing is the kernel-global byte queue the excluded UART driver pushes
// received bytes into (§6). It is trap-safe: the driver's interrupt handler
// pushes directly, never blocking on anything that could itself trap.
type stdinRing struct {
	lock    SpinLock
	buf     [stdinBufCap]byte
	head    int
	tail    int
	count   int
	waiters ThreadQueue
}

var stdin stdinRing

// stdinPush is called from the UART interrupt path (C7) for every received
// byte. ETX (0x03) and EOT (0x04) are intercepted before reaching the
// buffer, per §6.
func stdinPush(b byte) {
	switch b {
	case 0x03:
		raiseForegroundInterrupt()
		return
	case 0x04:
		dumpDiagnostics()
		return
	}

	stdin.lock.Lock()
	if stdin.count < stdinBufCap {
		stdin.buf[stdin.tail] = b
		stdin.tail = (stdin.tail + 1) % stdinBufCap
		stdin.count++
	}
	head := stdin.waiters.DrainAll()
	stdin.lock.Unlock()

	WakeChain(head)
}

// stdinRead drains up to len(out) buffered bytes, returning the count
// actually copied. Used both by the non-blocking EAGAIN path and by the
// ReadStdin future once it has been woken.
func stdinRead(out []byte) int {
	stdin.lock.Lock()
	defer stdin.lock.Unlock()
	n := 0
	for n < len(out) && stdin.count > 0 {
		out[n] = stdin.buf[stdin.head]
		stdin.head = (stdin.head + 1) % stdinBufCap
		stdin.count--
		n++
	}
	return n
}

func stdinEmpty() bool {
	stdin.lock.Lock()
	defer stdin.lock.Unlock()
	return stdin.count == 0
}

// stdinRegisterWaiter attaches t so it is woken the next time a byte
// arrives. Idempotent per the waker contract in spec.md §4.10.
func stdinRegisterWaiter(t *Thread) {
	stdin.lock.Lock()
	stdin.waiters.Remove(t)
	stdin.waiters.Add(t)
	stdin.lock.Unlock()
}

func stdinForgetWaiter(t *Thread) {
	stdin.lock.Lock()
	stdin.waiters.Remove(t)
	stdin.lock.Unlock()
}

func dumpDiagnostics() {
	printf("-- diagnostic dump --\n")
	printf("runnable=%d harts=%d\n", runSetLen(), int(numHarts))
}
