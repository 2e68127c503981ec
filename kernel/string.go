package main

import "unsafe"

func memset(dst uintptr, c int, n uint) {
	for i := uint(0); i < n; i++ {
		*(*byte)(unsafe.Pointer(dst + uintptr(i))) = byte(c)
	}
}

func memzeroPage(pa uintptr) {
	memset(pa, 0, uint(PGSIZE))
}

func memcpy(dst, src uintptr, n uint) {
	for i := uint(0); i < n; i++ {
		*(*byte)(unsafe.Pointer(dst + uintptr(i))) = *(*byte)(unsafe.Pointer(src + uintptr(i)))
	}
}

func unsafeAdd(p uintptr, off int) uintptr {
	return uintptr(int64(p) + int64(off))
}

func strlenUser(bytes []byte) int {
	for i, b := range bytes {
		if b == 0 {
			return i
		}
	}
	return -1
}
