package fragment

import (
	"testing"
	"time"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/frame"
	"github.com/brandonbraun653/ripple-go/phy"
)

func TestPackSplitsIntoExpectedFragmentCount(t *testing.T) {
	ctx := arena.NewContext(4096)
	data := make([]byte, frame.MaxPayload*3+5)

	p, err := Pack(ctx, data)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if p.Count != 4 {
		t.Fatalf("expected 4 fragments, got %d", p.Count)
	}

	n := 0
	for f := p.Head; f != nil; f = f.Next {
		n++
	}
	if n != 4 {
		t.Fatalf("expected 4 linked fragments, got %d", n)
	}
}

func TestPackSharesOneUUIDAcrossFragments(t *testing.T) {
	ctx := arena.NewContext(4096)
	data := make([]byte, frame.MaxPayload*2)

	p, err := Pack(ctx, data)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	for f := p.Head; f != nil; f = f.Next {
		if f.UUID != p.UUID {
			t.Errorf("fragment UUID %d does not match packet UUID %d", f.UUID, p.UUID)
		}
	}
}

func TestPackRejectsTooManyFragments(t *testing.T) {
	ctx := arena.NewContext(1 << 20)
	data := make([]byte, frame.MaxPayload*(MaxFragmentsPerPacket+1))

	_, err := Pack(ctx, data)
	if err != ErrTooManyFragments {
		t.Fatalf("expected ErrTooManyFragments, got %v", err)
	}
}

func TestPackFailsWhenContextBudgetExhausted(t *testing.T) {
	ctx := arena.NewContext(10)
	data := make([]byte, frame.MaxPayload)

	_, err := Pack(ctx, data)
	if err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestFlattenReproducesOriginalBytes(t *testing.T) {
	ctx := arena.NewContext(4096)
	data := []byte("the quick brown fox jumps over the lazy dog, several times over")

	p, err := Pack(ctx, data)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	Sort(p)

	got := Flatten(p)
	if string(got) != string(data) {
		t.Fatalf("Flatten mismatch:\ngot:  %q\nwant: %q", got, data)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := arena.NewContext(4096)
	p, err := Pack(ctx, []byte("hello world"))
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if err := Verify(p); err != nil {
		t.Fatalf("expected fresh packet to verify, got %v", err)
	}

	p.Head.Data.Bytes()[0] ^= 0xFF
	if err := Verify(p); err != ErrCRCMismatch {
		t.Fatalf("expected ErrCRCMismatch after corrupting payload, got %v", err)
	}
}

func TestSortOrdersOutOfOrderFragments(t *testing.T) {
	ctx := arena.NewContext(4096)
	mk := func(n uint16) *Fragment {
		h := arena.Alloc(ctx, 1)
		return &Fragment{Number: n, Data: h}
	}

	// Build list 3 -> 1 -> 4 -> 0 -> 2 (unsorted).
	f3, f1, f4, f0, f2 := mk(3), mk(1), mk(4), mk(0), mk(2)
	f3.Next = f1
	f1.Next = f4
	f4.Next = f0
	f0.Next = f2

	p := &Packet{Head: f3, Count: 5}
	Sort(p)

	var order []uint16
	for f := p.Head; f != nil; f = f.Next {
		order = append(order, f.Number)
	}
	for i, n := range order {
		if int(n) != i {
			t.Fatalf("expected sorted order 0..4, got %v", order)
		}
	}
}

func TestReassemblerReconstructsPacketFromFrames(t *testing.T) {
	ctx := arena.NewContext(4096)
	src := arena.NewContext(4096)

	data := make([]byte, frame.MaxPayload*2+3)
	for i := range data {
		data[i] = byte(i)
	}
	sent, err := Pack(src, data)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	Sort(sent)

	r := NewReassembler(ctx)

	var got *Packet
	fragNum := uint16(0)
	for f := sent.Head; f != nil; f = f.Next {
		last := f.Next == nil
		got, err = r.Feed(phy.PipeNum3, fragNum, last, f.Payload(), sent.CRC)
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		fragNum++
	}

	if got == nil {
		t.Fatal("expected a completed packet after feeding all fragments")
	}
	Sort(got)
	if string(Flatten(got)) != string(data) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestReassemblerOverwritesDuplicateFragment(t *testing.T) {
	ctx := arena.NewContext(4096)
	r := NewReassembler(ctx)

	crc := uint32(0) // not checked until the final fragment arrives
	r.Feed(phy.PipeNum3, 0, false, []byte("AAAA"), crc)
	got, err := r.Feed(phy.PipeNum3, 0, false, []byte("BBBB"), crc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("packet should not complete after only fragment 0 arrives twice")
	}

	// The overwritten "AAAA" fragment should have released its handle back
	// to ctx, leaving only "BBBB" (4 bytes) outstanding.
	if avail := ctx.AvailableMemory(); avail != 4096-4 {
		t.Fatalf("expected 4 bytes outstanding after the duplicate overwrite, AvailableMemory() = %d", avail)
	}
}

func TestReassemblerDropsStaleAssemblyOnTimeout(t *testing.T) {
	ctx := arena.NewContext(4096)
	r := NewReassembler(ctx)
	r.SetTimeout(10 * time.Millisecond)

	dropped := 0
	r.SetTimeoutCallback(func(phy.PipeNumber) { dropped++ })

	now := time.Now()
	r.nowFn = func() time.Time { return now }
	r.Feed(phy.PipeNum3, 0, false, []byte("AAAA"), 0)

	now = now.Add(20 * time.Millisecond)
	r.Feed(phy.PipeNum3, 1, true, []byte("BBBB"), 0)

	if dropped != 1 {
		t.Fatalf("expected the stale assembly to be dropped once, got %d", dropped)
	}
	// The dropped assembly's fragment must have returned its arena handle;
	// otherwise a long-running reassembler would monotonically shrink its
	// budget across every timed-out pipe.
	if avail := ctx.AvailableMemory(); avail != 4096 {
		t.Fatalf("expected AvailableMemory to return to capacity after the drop, got %d", avail)
	}
}

// TestReassemblerSweepDropsStaleAssemblyWithoutNewTraffic exercises the
// silent-pipe case: fragment 1 never arrives after fragment 0, and no
// further Feed call ever happens on that pipe. Only an explicit Sweep can
// notice and release it.
func TestReassemblerSweepDropsStaleAssemblyWithoutNewTraffic(t *testing.T) {
	ctx := arena.NewContext(4096)
	r := NewReassembler(ctx)
	r.SetTimeout(10 * time.Millisecond)

	dropped := 0
	r.SetTimeoutCallback(func(phy.PipeNumber) { dropped++ })

	now := time.Now()
	r.nowFn = func() time.Time { return now }
	r.Feed(phy.PipeNum3, 0, false, []byte("AAAA"), 0)

	if avail := ctx.AvailableMemory(); avail != 4096-4 {
		t.Fatalf("expected 4 bytes outstanding for the in-progress assembly, got %d", avail)
	}

	r.Sweep(now.Add(20 * time.Millisecond))

	if dropped != 1 {
		t.Fatalf("expected Sweep to drop the stale assembly once, got %d", dropped)
	}
	if avail := ctx.AvailableMemory(); avail != 4096 {
		t.Fatalf("expected AvailableMemory to return to capacity after Sweep, got %d", avail)
	}
}
