package main

import (
	"unsafe"

	"github.com/sysheap/sentientos/internal/errno"
)

// Userspace pointer validation (C11, spec.md §4.11). Every syscall argument
// that names a user address is walked through the calling process's address
// space before the kernel dereferences it — a fault taken on a bad user
// pointer while already in supervisor mode is unrecoverable, so validation
// happens up front and turns it into EFAULT instead. Grounded on
// original_source/kernel/src/syscalls/validator.rs.

// validateUserRange checks that every page in [addr, addr+size) is mapped
// with the required permission bits in p's address space, without assuming
// the range lies on a single leaf (a checked range may span a page
// boundary).
func validateUserRange(p *Process, addr uintptr, size uintptr, needWrite bool) bool {
	if size == 0 {
		return true
	}
	if addr+size < addr {
		return false // overflow
	}
	start := PGGROUNDDOWN(addr)
	end := PGGROUNDDOWN(addr+size-1) + PGSIZE
	for va := start; va < end; va += PGSIZE {
		pte := p.AS.walk(va, false)
		if pte == nil || *pte&PTE_V == 0 || *pte&PTE_U == 0 {
			return false
		}
		if needWrite && *pte&PTE_W == 0 {
			return false
		}
	}
	return true
}

// readUserspaceBytes copies count bytes starting at addr out of p's address
// space, or reports ok=false (EFAULT) if any page in the range is unmapped
// or not user-accessible.
func readUserspaceBytes(p *Process, addr uintptr, count int) ([]byte, bool) {
	if !validateUserRange(p, addr, uintptr(count), false) {
		return nil, false
	}
	out := make([]byte, count)
	for i := 0; i < count; {
		va := addr + uintptr(i)
		pa, ok := p.AS.Translate(va)
		if !ok {
			return nil, false
		}
		n := int(PGSIZE) - int(va%PGSIZE)
		if n > count-i {
			n = count - i
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(pa)), n)
		copy(out[i:i+n], src)
		i += n
	}
	return out, true
}

// writeUserspaceBytes copies data into p's address space starting at addr.
// Returns false (EFAULT) if any touched page is unmapped, not
// user-accessible, or not writable.
func writeUserspaceBytes(p *Process, addr uintptr, data []byte) bool {
	if !validateUserRange(p, addr, uintptr(len(data)), true) {
		return false
	}
	for i := 0; i < len(data); {
		va := addr + uintptr(i)
		pa, ok := p.AS.Translate(va)
		if !ok {
			return false
		}
		n := int(PGSIZE) - int(va%PGSIZE)
		if n > len(data)-i {
			n = len(data) - i
		}
		dst := unsafe.Slice((*byte)(unsafe.Pointer(pa)), n)
		copy(dst, data[i:i+n])
		i += n
	}
	return true
}

// writeUserspaceU32 writes a single little-endian u32, used for the
// clear_child_tid futex wakeup word. A misaligned or unmapped address is
// silently ignored, matching Linux's own clear_child_tid contract (the
// thread is exiting regardless).
func writeUserspaceU32(p *Process, addr uintptr, val uint32) {
	if addr == 0 {
		return
	}
	var buf [4]byte
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
	writeUserspaceBytes(p, addr, buf[:])
}

func readUserspaceU32(p *Process, addr uintptr) (uint32, bool) {
	b, ok := readUserspaceBytes(p, addr, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func readUserspaceU64(p *Process, addr uintptr) (uint64, bool) {
	b, ok := readUserspaceBytes(p, addr, 8)
	if !ok {
		return 0, false
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, true
}

// readUserspaceString reads a NUL-terminated string of at most max bytes
// (execve argv/envp entries and path-like arguments never exceed this).
func readUserspaceString(p *Process, addr uintptr, max int) (string, errno.Errno) {
	for n := 1; n <= max; n++ {
		b, ok := readUserspaceBytes(p, addr, n)
		if !ok {
			return "", errno.EFAULT
		}
		if b[n-1] == 0 {
			return string(b[:n-1]), 0
		}
	}
	return "", errno.EINVAL
}
