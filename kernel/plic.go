package main

import "unsafe"

// PLIC driver (C7). Grounded on original_source/kernel/src/interrupts/plic.rs
// (per-hart context = hartID*2+1 for S-mode, enable/threshold/claim-complete
// register layout) and the teacher's memlayout.go address constants.

func mmioWrite32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}

func mmioRead32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

// InitPLIC sets UART0's priority above zero, enables it for this hart's
// S-mode context, and sets the claim threshold to 0 so every priority gets
// through (spec.md §4.7).
func InitPLIC(hartID int) {
	mmioWrite32(PLIC_PRIORITY+uintptr(UART0_IRQ)*4, 1)
	mmioWrite32(PLIC_PRIORITY+uintptr(VIRTIO0_IRQ)*4, 1)
	mmioWrite32(PLIC_SENABLE(hartID), (1<<UART0_IRQ)|(1<<VIRTIO0_IRQ))
	mmioWrite32(PLIC_SPRIORITY(hartID), 0)
}

// HandlePLIC claims the pending interrupt, dispatches it, and completes it.
// UART is the only source the core itself handles; VirtIO-net is dispatched
// to the external network layer's registered handler if one exists.
func HandlePLIC(hartID int) {
	irq := mmioRead32(PLIC_SCLAIM(hartID))
	if irq == 0 {
		return
	}

	switch irq {
	case UART0_IRQ:
		handleUARTInterrupt()
	case VIRTIO0_IRQ:
		if netDeviceIRQHandler != nil {
			netDeviceIRQHandler()
		}
	default:
		printf("HandlePLIC: unknown irq %d\n", int(irq))
	}

	mmioWrite32(PLIC_SCLAIM(hartID), irq)
}

// netDeviceIRQHandler is set by the (out-of-scope) VirtIO-net bring-up if
// and when it registers itself; nil means no network device is attached.
var netDeviceIRQHandler func()

// handleUARTInterrupt is the kernel-side half of the UART contract (§6):
// the real register draining happens in the excluded driver, which is
// expected to call stdinPush for every byte it reads off the FIFO before
// returning here.
func handleUARTInterrupt() {
}
