package pgalloc

import "testing"

func TestAllocContiguousRun(t *testing.T) {
	a, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off := a.Alloc(4)
	if off != 0 {
		t.Fatalf("Alloc(4) = %d, want 0", off)
	}
	if got := a.UsedCount(); got != 4 {
		t.Fatalf("UsedCount() = %d, want 4", got)
	}

	off2 := a.Alloc(2)
	if off2 != 4*PageSize {
		t.Fatalf("Alloc(2) = %d, want %d", off2, 4*PageSize)
	}
}

func TestAllocZeroesOnFirstUse(t *testing.T) {
	a, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off := a.Alloc(1)
	page := a.Page(off / PageSize)
	for i, b := range page {
		if b != 0 {
			t.Fatalf("page byte %d = %d, want 0 on first use", i, b)
		}
	}
}

// TestFreeZeroesBeforeReuse asserts the allocator's actual contract: every
// page Alloc returns is zeroed, regardless of whether this is its first
// claim or a reallocation of previously-freed memory. A freed-and-realloc'd
// page must never leak its previous tenant's data.
func TestFreeZeroesBeforeReuse(t *testing.T) {
	a, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off := a.Alloc(1)
	page := a.Page(off / PageSize)
	page[0] = 0xff
	freed := a.Free(off)
	if freed != 1 {
		t.Fatalf("Free returned %d, want 1", freed)
	}

	off2 := a.Alloc(1)
	if off2 != off {
		t.Fatalf("second Alloc(1) = %d, want reuse of %d", off2, off)
	}
	for i, b := range a.Page(off2 / PageSize) {
		if b != 0 {
			t.Fatalf("reallocated page byte %d = %d, want 0 (Free must zero before reuse)", i, b)
		}
	}
}

func TestFreeAcrossRun(t *testing.T) {
	a, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off := a.Alloc(3)
	if freed := a.Free(off); freed != 3 {
		t.Fatalf("Free(head of 3-run) = %d, want 3", freed)
	}
	if got := a.UsedCount(); got != 0 {
		t.Fatalf("UsedCount() after Free = %d, want 0", got)
	}
}

func TestFreeMiddleOfRunPanics(t *testing.T) {
	a, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off := a.Alloc(3)
	defer func() {
		if recover() == nil {
			t.Fatalf("Free(middle of run) did not panic")
		}
	}()
	a.Free(off + PageSize)
}

func TestAllocExhaustion(t *testing.T) {
	a, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if off := a.Alloc(2); off != 0 {
		t.Fatalf("Alloc(2) = %d, want 0", off)
	}
	if off := a.Alloc(1); off != -1 {
		t.Fatalf("Alloc(1) on exhausted arena = %d, want -1", off)
	}
}

// TestMmapMunmapAccounting mirrors spec.md §8 scenario S3's used-page
// accounting property using the hosted allocator directly: after an 8KiB
// (2-page) allocation is released, the used-page count must return exactly
// to its baseline, and a second allocation of the same size must land the
// count at baseline+2 again.
func TestMmapMunmapAccounting(t *testing.T) {
	a, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	baseline := a.UsedCount()
	off := a.Alloc(2)
	a.Free(off)
	if got := a.UsedCount(); got != baseline {
		t.Fatalf("UsedCount() after free = %d, want baseline %d", got, baseline)
	}

	off2 := a.Alloc(2)
	if got := a.UsedCount(); got != baseline+2 {
		t.Fatalf("UsedCount() after second alloc = %d, want %d", got, baseline+2)
	}
	a.Free(off2)
}
