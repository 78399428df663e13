package fragment

import (
	"math/rand"
	"time"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/phy"
)

// DefaultAssemblyTimeout is how long an in-progress reassembly may run,
// measured from its first fragment, before being discarded.
const DefaultAssemblyTimeout = 750 * time.Millisecond

// assembly tracks one in-progress reassembly for a single pipe. Because the
// wire frame carries no UUID (see the package doc comment and the decision
// recorded alongside it), at most one reassembly is tracked per pipe at a
// time — consistent with the half-duplex, single-TCB nature of the link
// this protocol runs over.
type assembly struct {
	packet       *Packet
	expectedSize int // -1 until the FragmentLast frame sets it
	received     int
	seen         map[uint16]bool
	startTime    time.Time
}

// Reassembler reconstitutes Packets from a stream of incoming Frames, one
// in-flight assembly per pipe. It is not internally synchronized; the
// Data-Link Service serializes access the same way it does its TX/RX
// queues and ARP cache.
type Reassembler struct {
	ctx        *arena.Context
	inflight   map[phy.PipeNumber]*assembly
	timeout    time.Duration
	nowFn      func() time.Time
	onTimeout  func(pipe phy.PipeNumber)
	onCRCFail  func(pipe phy.PipeNumber)
	verifyCRC  bool
}

// NewReassembler creates a Reassembler drawing fragment storage from ctx.
// CRC verification is enabled by default: it is meaningful whenever the
// caller threads the Pack-computed CRC through to Feed, as fragment's own
// tests do. See
// DisableCRCVerification for the one caller that can't.
func NewReassembler(ctx *arena.Context) *Reassembler {
	return &Reassembler{
		ctx:       ctx,
		inflight:  make(map[phy.PipeNumber]*assembly),
		timeout:   DefaultAssemblyTimeout,
		nowFn:     time.Now,
		verifyCRC: true,
	}
}

// DisableCRCVerification turns off the post-reassembly CRC check. The live
// NRF24 wire frame (frame.Size, 3-byte control field + 29 payload bytes) has
// no spare bytes to carry a 32-bit packet CRC alongside its FragmentLast bit,
// so the data-link service — the one caller that reassembles from frames
// that actually crossed the radio — has no transmitted CRC to check against
// and calls this. Link-level integrity for those frames is the hardware's
// own CRC (configured via the PHY's crc-length option), not this one.
func (r *Reassembler) DisableCRCVerification() {
	r.verifyCRC = false
}

// SetTimeout overrides DefaultAssemblyTimeout.
func (r *Reassembler) SetTimeout(d time.Duration) {
	r.timeout = d
}

// SetTimeoutCallback registers the function invoked when an in-progress
// assembly is dropped for exceeding its timeout.
func (r *Reassembler) SetTimeoutCallback(fn func(pipe phy.PipeNumber)) {
	r.onTimeout = fn
}

// SetCRCFailureCallback registers the function invoked when a completed
// assembly fails its CRC check.
func (r *Reassembler) SetCRCFailureCallback(fn func(pipe phy.PipeNumber)) {
	r.onCRCFail = fn
}

// Feed accepts one Frame received on pipe. last marks the frame carrying the
// packet's highest fragment number (frame.Frame.FragmentLast on the wire) —
// the wire format has no room for a packet-wide fragment count, so this is
// the only signal the reassembler has for when an assembly is complete (see
// DESIGN.md's resolution of the UUID wire-format question). It returns the
// reassembled Packet, under a fresh local UUID, once every fragment
// 0..fragmentNumber has arrived, verified against its CRC unless
// DisableCRCVerification was called.
func (r *Reassembler) Feed(pipe phy.PipeNumber, fragmentNumber uint16, last bool, payload []byte, crc uint32) (*Packet, error) {
	now := r.nowFn()

	a, ok := r.inflight[pipe]
	if !ok {
		a = &assembly{
			packet:       &Packet{CRC: crc, Count: -1},
			expectedSize: -1,
			seen:         make(map[uint16]bool),
			startTime:    now,
		}
		r.inflight[pipe] = a
	}

	if now.Sub(a.startTime) > r.timeout {
		r.dropExpired(pipe, a)
		return nil, nil
	}

	h := arena.Alloc(r.ctx, len(payload))
	if !h.Valid() {
		return nil, ErrOutOfMemory
	}
	copy(h.Bytes(), payload)

	frag := &Fragment{Number: fragmentNumber, Data: h}
	if !a.seen[fragmentNumber] {
		a.received++
	}
	a.seen[fragmentNumber] = true
	insertSorted(a.packet, frag)

	if last {
		a.expectedSize = int(fragmentNumber) + 1
		a.packet.Count = a.expectedSize
	}

	if a.expectedSize < 0 || a.received < a.expectedSize {
		return nil, nil
	}

	delete(r.inflight, pipe)
	if r.verifyCRC {
		if err := Verify(a.packet); err != nil {
			a.packet.Release()
			if r.onCRCFail != nil {
				r.onCRCFail(pipe)
			}
			return nil, err
		}
	}

	uuid := uint16(rand.Intn(1 << 16))
	a.packet.UUID = uuid
	for f := a.packet.Head; f != nil; f = f.Next {
		f.UUID = uuid
	}
	return a.packet, nil
}

// Sweep drops and releases every in-flight assembly that has exceeded its
// timeout, independent of whether any further fragment has arrived on its
// pipe. Feed only notices a stale assembly when the next fragment for that
// pipe shows up; a pipe that goes silent after a partial delivery needs this
// called on its own to free the memory within one event-loop iteration of
// the deadline.
func (r *Reassembler) Sweep(now time.Time) {
	for pipe, a := range r.inflight {
		if now.Sub(a.startTime) > r.timeout {
			r.dropExpired(pipe, a)
		}
	}
}

// dropExpired discards a's in-progress packet, returning its fragments'
// arena handles and firing the timeout callback.
func (r *Reassembler) dropExpired(pipe phy.PipeNumber, a *assembly) {
	delete(r.inflight, pipe)
	a.packet.Release()
	if r.onTimeout != nil {
		r.onTimeout(pipe)
	}
}

// insertSorted inserts frag into p's list, replacing any existing fragment
// with the same number (duplicates overwrite silently, releasing the
// superseded fragment's arena handle), then re-sorts.
func insertSorted(p *Packet, frag *Fragment) {
	var prev *Fragment
	cur := p.Head
	for cur != nil {
		if cur.Number == frag.Number {
			frag.Next = cur.Next
			if prev == nil {
				p.Head = frag
			} else {
				prev.Next = frag
			}
			cur.Data.Release()
			Sort(p)
			return
		}
		prev = cur
		cur = cur.Next
	}

	frag.Next = p.Head
	p.Head = frag
	Sort(p)
}
