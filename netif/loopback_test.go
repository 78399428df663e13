package netif

import (
	"testing"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/arp"
	"github.com/brandonbraun653/ripple-go/frame"
	"github.com/brandonbraun653/ripple-go/fragment"
)

func TestLoopbackSingleFragmentRoundTrip(t *testing.T) {
	medium := NewMedium()
	aCtx := arena.NewContext(4096)
	bCtx := arena.NewContext(4096)

	a := NewLoopback(medium, 0x0A000001, 8, 8)
	b := NewLoopback(medium, 0x0A000002, 8, 8)
	a.PowerUp(aCtx)
	b.PowerUp(bCtx)

	if !a.AddARP(0x0A000002, [5]byte{0xC2, 0xC2, 0xC2, 0xC2, 0xC2}) {
		t.Fatal("AddARP failed")
	}

	p, err := fragment.Pack(aCtx, []byte("hello"))
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if status := a.Send(p, 0x0A000002, frame.EndpointApplicationData0, false); status.String() != "Ok" {
		t.Fatalf("Send failed: %v", status)
	}

	got, ok := b.Recv()
	if !ok {
		t.Fatal("expected B to have a packet queued")
	}
	fragment.Sort(got)
	if string(fragment.Flatten(got)) != "hello" {
		t.Fatalf("payload mismatch: got %q", fragment.Flatten(got))
	}

	// Send takes ownership of p and releases it regardless of outcome; the
	// delivered copy (cp in Send) is allocated from the same context (a
	// Handle always credits whichever Context it was drawn from, see
	// arena.Handle.Release), so until B consumes it aCtx is still down by
	// the payload size.
	if avail := aCtx.AvailableMemory(); avail != 4096-len("hello") {
		t.Fatalf("expected 5 bytes outstanding for the in-flight copy, aCtx.AvailableMemory() = %d", avail)
	}

	got.Release()
	if avail := aCtx.AvailableMemory(); avail != 4096 {
		t.Fatalf("expected aCtx to return to capacity after Release, got %d", avail)
	}
}

func TestLoopbackSendFailsWithoutARPEntry(t *testing.T) {
	medium := NewMedium()
	aCtx := arena.NewContext(4096)

	a := NewLoopback(medium, 0x0A000001, 8, 8)
	a.PowerUp(aCtx)

	p, err := fragment.Pack(aCtx, []byte("x"))
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if status := a.Send(p, 0x0A000099, frame.EndpointApplicationData0, false); status.String() == "Ok" {
		t.Fatal("expected Send to fail without a resolved ARP entry")
	}
}

func TestLoopbackRxQueueOverflowFiresCallback(t *testing.T) {
	medium := NewMedium()
	aCtx := arena.NewContext(1 << 16)

	a := NewLoopback(medium, 0x0A000001, 8, 8)
	b := NewLoopback(medium, 0x0A000002, 8, 3)
	a.PowerUp(aCtx)
	b.PowerUp(arena.NewContext(4096))

	a.AddARP(0x0A000002, [5]byte{0xC2, 0xC2, 0xC2, 0xC2, 0xC2})

	overflowed := 0
	b.SetRxQueueFullCallback(func() { overflowed++ })

	delivered := 0
	for i := 0; i < 5; i++ {
		p, err := fragment.Pack(aCtx, []byte("x"))
		if err != nil {
			t.Fatalf("Pack failed: %v", err)
		}
		if a.Send(p, 0x0A000002, frame.EndpointApplicationData0, false).String() == "Ok" {
			delivered++
		}
	}

	received := 0
	for {
		p, ok := b.Recv()
		if !ok {
			break
		}
		p.Release()
		received++
	}

	if received != 3 {
		t.Fatalf("expected 3 packets delivered to B's queue, got %d", received)
	}
	if overflowed == 0 {
		t.Fatal("expected the RX-queue-full callback to fire at least once")
	}

	// The 3 delivered copies were just released; the 2 overflowed copies
	// should have been released at drop time by enqueueInbound. Either way
	// aCtx, which backs every copy regardless of which node drains or drops
	// it, should show nothing outstanding.
	if avail := aCtx.AvailableMemory(); avail != 1<<16 {
		t.Fatalf("expected aCtx to return to capacity once every copy is accounted for, got %d", avail)
	}
}

func TestLoopbackARPCapacity(t *testing.T) {
	medium := NewMedium()
	a := NewLoopback(medium, 0x0A000001, 1, 8)

	if !a.AddARP(0x0A000002, [5]byte{1, 2, 3, 4, 5}) {
		t.Fatal("first ARP insert should succeed")
	}
	if a.AddARP(0x0A000003, [5]byte{5, 4, 3, 2, 1}) {
		t.Fatal("second ARP insert should fail: cache is full")
	}

	mac, ok := a.ARPLookup(0x0A000002)
	if !ok || mac != (arp.MACAddress{1, 2, 3, 4, 5}) {
		t.Fatalf("lookup mismatch: got %v, %v", mac, ok)
	}

	a.DropARP(0x0A000002)
	if _, ok := a.ARPLookup(0x0A000002); ok {
		t.Fatal("expected lookup to miss after DropARP")
	}
}
