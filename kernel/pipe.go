package main

import "github.com/sysheap/sentientos/internal/errno"

// Pipe supplement — grounded on original_source/kernel/src/io/pipe.rs. Not
// named by a spec.md operation, but the fd-table data model (§3) names
// "pipes" as a possible non-stdio entry alongside UDP sockets, and it is a
// natural home for the async-read pattern the rest of C12 already uses.
//
// data is a fixed MaxPipeData-byte ring buffer, the same shape as uart.go's
// stdinRing, instead of an append-grown []byte — a write to a full pipe
// does not block: it returns a short count, or EAGAIN when nothing fits
// (mirroring TryRead's already-established EAGAIN/EOF contract), rather
// than growing without bound.

type pipeBuffer struct {
	lock        SpinLock
	buf         [MaxPipeData]byte
	head        int
	tail        int
	count       int
	readWaiters ThreadQueue
	writeClosed bool
	readClosed  bool
}

type Pipe struct {
	buf *pipeBuffer
}

func newPipePair() (*Pipe, *Pipe) {
	buf := &pipeBuffer{}
	return &Pipe{buf: buf}, &Pipe{buf: buf}
}

// Write copies as much of data as fits in the remaining ring capacity,
// returning EAGAIN if none of it fits rather than growing the buffer to
// accept it all — the caller (sysWriteHandler) hands the short count or
// EAGAIN straight back to userspace without retrying.
func (p *Pipe) Write(data []byte) (int, errno.Errno) {
	p.buf.lock.Lock()
	if p.buf.readClosed {
		p.buf.lock.Unlock()
		return 0, errno.EBADF
	}
	n := 0
	for n < len(data) && p.buf.count < MaxPipeData {
		p.buf.buf[p.buf.tail] = data[n]
		p.buf.tail = (p.buf.tail + 1) % MaxPipeData
		p.buf.count++
		n++
	}
	head := p.buf.readWaiters.DrainAll()
	p.buf.lock.Unlock()

	WakeChain(head)
	if n == 0 && len(data) > 0 {
		return 0, errno.EAGAIN
	}
	return n, 0
}

// TryRead returns buffered bytes immediately, or (nil, EAGAIN) if empty
// and the write end is still open, or (nil, 0) (EOF) if the write end has
// closed.
func (p *Pipe) TryRead(count int) ([]byte, errno.Errno) {
	p.buf.lock.Lock()
	defer p.buf.lock.Unlock()
	if p.buf.count > 0 {
		n := count
		if n > p.buf.count {
			n = p.buf.count
		}
		out := make([]byte, n)
		for i := 0; i < n; i++ {
			out[i] = p.buf.buf[p.buf.head]
			p.buf.head = (p.buf.head + 1) % MaxPipeData
			p.buf.count--
		}
		return out, 0
	}
	if p.buf.writeClosed {
		return []byte{}, 0
	}
	return nil, errno.EAGAIN
}

// HasData reports whether a read would return immediately (data queued, or
// EOF once the write end has closed) — used by ppoll's readiness check.
func (p *Pipe) HasData() bool {
	p.buf.lock.Lock()
	defer p.buf.lock.Unlock()
	return p.buf.count > 0 || p.buf.writeClosed
}

func (p *Pipe) registerReadWaiter(t *Thread) {
	p.buf.lock.Lock()
	p.buf.readWaiters.Remove(t)
	p.buf.readWaiters.Add(t)
	p.buf.lock.Unlock()
}

func (p *Pipe) forgetReadWaiter(t *Thread) {
	p.buf.lock.Lock()
	p.buf.readWaiters.Remove(t)
	p.buf.lock.Unlock()
}

func (p *Pipe) CloseWrite() {
	p.buf.lock.Lock()
	p.buf.writeClosed = true
	head := p.buf.readWaiters.DrainAll()
	p.buf.lock.Unlock()
	WakeChain(head)
}

func (p *Pipe) CloseRead() {
	p.buf.lock.Lock()
	p.buf.readClosed = true
	p.buf.lock.Unlock()
}
