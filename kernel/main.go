package main

import _ "unsafe"

// Boot sequence (C5/C7 tail end). Grounded on the teacher's main.go
// (kinit -> kvminit -> kvminithart -> trapinithart, one call per line with a
// printed "OK") generalized to the full multi-hart bring-up spec.md §4.1
// and §4.9 name: the boot hart brings up the allocator and kernel address
// space once, starts every other hart via SBI, and only then does any hart
// enable interrupts and fall into its trap-driven scheduling loop.
//
// KMain and SecondaryMain never return: control passes to whichever thread
// the first timer interrupt schedules, and every hart lives out its life
// inside KernelTrap/IdleLoop from that point on.

//go:linkname getSecondaryEntryAddr getSecondaryEntryAddr
func getSecondaryEntryAddr() uintptr

const bootHartID = 0

//export KMain
func KMain() {
	hc := InitBootHart(bootHartID, NHART)

	printf("sentientos: boot hart %d up, starting %d additional harts\n", bootHartID, NHART-1)
	StartSecondaryHarts()

	startInitProcess()

	printf("sentientos: entering scheduler on hart %d\n", bootHartID)
	enterScheduler(hc)
}

// startInitProcess loads the "init" binary cmd/mkimage embeds (if any) as
// the first user process, parentless (spec.md §4.8: a parentless process is
// unregistered the moment its last thread exits, exactly right for a root
// process no one will ever wait4 on). Its own children are the ones spec.md
// §8's scenarios actually wait4 on.
func startInitProcess() {
	data, ok := lookupBinaryImage("init")
	if !ok {
		printf("sentientos: no init image embedded\n")
		return
	}
	_, t, errc := LoadELF(data, "init", nil, 0)
	if errc != 0 {
		printf("sentientos: failed to load init image: errno %d\n", int(errc))
		return
	}
	enqueueRunnable(t)
}

// StartSecondaryHarts asks SBI to start every hart other than the boot hart
// at the shared secondary-entry address; a nonzero SBI return is logged and
// skipped rather than panicking, since a partially-populated hart set is
// still a bootable (if smaller) machine.
func StartSecondaryHarts() {
	entry := getSecondaryEntryAddr()
	for h := 0; h < NHART; h++ {
		if h == bootHartID {
			continue
		}
		if err := sbi_hart_start(h, entry, uintptr(h)); err != 0 {
			printf("sentientos: hart %d failed to start (sbi error %d)\n", h, int(err))
		}
	}
}

// SecondaryMain is the Go-side entry point the (external) secondary-hart
// assembly trampoline calls once it has set up a stack and put its hart ID
// where InitSecondaryHart can find it in a1.
//
//export SecondaryMain
func SecondaryMain(hartID int) {
	hc := InitSecondaryHart(hartID)
	enterScheduler(hc)
}

// enterScheduler enables interrupts and idles this hart until the first
// timer interrupt hands it a real thread; the idle thread set up by
// InitScheduler is what actually runs from here on, driven entirely by
// KernelTrap.
func enterScheduler(hc *HartContext) {
	activate(hc, hc.idleThread)
	intrOn()
	IdleLoop()
}

func main() {}
