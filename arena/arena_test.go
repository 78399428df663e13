package arena

import "testing"

func TestAllocFailsCleanlyWhenOutOfBudget(t *testing.T) {
	ctx := NewContext(8)
	h := Alloc(ctx, 16)
	if h.Valid() {
		t.Fatal("expected Alloc to fail when request exceeds capacity")
	}
}

func TestOutOfMemoryCallbackFires(t *testing.T) {
	ctx := NewContext(4)
	var requested, available int
	calls := 0
	ctx.SetOutOfMemoryCallback(func(req, avail int) {
		calls++
		requested, available = req, avail
	})

	Alloc(ctx, 64)
	if calls != 1 {
		t.Fatalf("expected 1 OOM callback, got %d", calls)
	}
	if requested != 64 || available != 4 {
		t.Errorf("got requested=%d available=%d", requested, available)
	}
}

func TestRetainIncrementsRefCount(t *testing.T) {
	ctx := NewContext(64)
	h := Alloc(ctx, 8)
	if h.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", h.RefCount())
	}

	h2 := h.Retain()
	if h.RefCount() != 2 || h2.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Retain, got h=%d h2=%d", h.RefCount(), h2.RefCount())
	}
}

func TestReleaseFreesAtZeroRefCount(t *testing.T) {
	ctx := NewContext(8)
	h := Alloc(ctx, 8)
	if ctx.AvailableMemory() != 0 {
		t.Fatalf("expected pool fully consumed, got %d bytes free", ctx.AvailableMemory())
	}

	h2 := h.Retain()
	h.Release()
	if ctx.AvailableMemory() != 0 {
		t.Fatal("expected memory still held after releasing only one of two references")
	}

	h2.Release()
	if ctx.AvailableMemory() != 8 {
		t.Fatalf("expected memory reclaimed after last release, got %d free", ctx.AvailableMemory())
	}
}

func TestReleaseOnZeroHandleIsNoOp(t *testing.T) {
	var h Handle
	h.Release() // must not panic
	if h.Valid() {
		t.Fatal("zero Handle must be invalid")
	}
}

func TestAllocAfterFreeSucceeds(t *testing.T) {
	ctx := NewContext(8)
	h := Alloc(ctx, 8)
	h.Release()

	h2 := Alloc(ctx, 8)
	if !h2.Valid() {
		t.Fatal("expected allocation to succeed once prior allocation freed its budget")
	}
}
