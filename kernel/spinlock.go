package main

import _ "unsafe"

// SpinLock and OnceCell (C1). Grounded on the teacher's spinlock.go: the CAS
// primitive is reached through the same three go:linkname externs the
// teacher already declares, generalized from package-level functions into
// methods so every lock in the kernel (page allocator, heap, run set,
// per-port socket table, wake queue, UART) is the same type.
//
// Holding a SpinLock does not itself disable interrupts (spec.md §4.1):
// supervisor-mode trap handlers already run with interrupts masked, so the
// only locks that need to be "trap-safe" are ones also acquired from
// non-trap kernel code, and those are documented at their declaration site.

//go:linkname sync_test_and_set sync_test_and_set
func sync_test_and_set(addr *uint32) uint32

//go:linkname sync_release sync_release
func sync_release(addr *uint32)

//go:linkname sync_barrier sync_barrier
func sync_barrier()

type SpinLock struct {
	locked uint32
}

func (l *SpinLock) Lock() {
	for sync_test_and_set(&l.locked) == 1 {
	}
	sync_barrier()
}

func (l *SpinLock) Unlock() {
	sync_release(&l.locked)
}

// ForceUnlock exists only for the panic path (spec.md §5): it drops the
// lock state unconditionally so the panic printer can still reach the UART
// even if some other hart died holding it.
func (l *SpinLock) ForceUnlock() {
	l.locked = 0
}

func (l *SpinLock) TryLock() bool {
	return sync_test_and_set(&l.locked) == 0
}

// OnceCell initializes exactly once under the same CAS primitive and
// thereafter hands out pointers to the stored value. A second Init is an
// invariant violation, not a recoverable error (spec.md §7).
type OnceCell[T any] struct {
	state uint32
	value T
}

const (
	cellEmpty = 0
	cellReady = 1
)

func (c *OnceCell[T]) Init(v T) {
	if sync_test_and_set(&c.state) != 0 {
		kpanic("OnceCell: double initialization")
	}
	c.value = v
	sync_barrier()
	c.state = cellReady
}

func (c *OnceCell[T]) Get() *T {
	if c.state != cellReady {
		kpanic("OnceCell: read before initialization")
	}
	return &c.value
}

func (c *OnceCell[T]) Initialized() bool {
	return c.state == cellReady
}
