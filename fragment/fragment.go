// Package fragment splits application payloads into the radio's 29-byte
// frame payload size and reassembles them on the other end. A Packet is a
// singly linked list of Fragments sharing one randomly drawn 16-bit UUID;
// the UUID never crosses the air (the wire control field has no room for
// it, see the frame package), so it only ever identifies a packet's
// fragments to the sender building it. Reassembly on the receive side keys
// on pipe number instead, the one piece of per-frame provenance the wire
// format actually carries.
package fragment

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math/rand"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/frame"
)

// MaxFragmentsPerPacket is the largest fragment count a packet can be split
// into: the 5-bit fragment-number field on the wire cannot address more.
const MaxFragmentsPerPacket = 32

// headerSize is the per-fragment bookkeeping overhead counted against a
// Context's memory budget alongside the raw payload bytes.
const headerSize = 8

// ErrTooManyFragments is returned by Pack when the payload would need more
// than MaxFragmentsPerPacket fragments.
var ErrTooManyFragments = errors.New("fragment: payload requires too many fragments")

// ErrOutOfMemory is returned by Pack when the context's budget can't cover
// the fragments and their headers.
var ErrOutOfMemory = errors.New("fragment: insufficient context memory")

// ErrCRCMismatch is returned by a completed reassembly whose recomputed CRC
// doesn't match the one carried in the packet header.
var ErrCRCMismatch = errors.New("fragment: CRC mismatch")

// Fragment is one piece of a Packet: a single fragment's worth of payload
// bytes, its position in the packet, and the packet's UUID.
type Fragment struct {
	Next   *Fragment
	Data   arena.Handle
	Number uint16
	UUID   uint16
}

// Payload returns the fragment's payload bytes.
func (f *Fragment) Payload() []byte {
	return f.Data.Bytes()
}

// Packet is the reassembled or about-to-be-sent application payload: a
// linked list of Fragments, its shared UUID, and the integrity CRC computed
// over the header and the concatenated payloads.
type Packet struct {
	Head  *Fragment
	UUID  uint16
	Count int
	CRC   uint32
}

// Pack splits data into a chain of Fragments of at most frame.MaxPayload
// bytes each, allocated from ctx. It fails if the split would need more
// than MaxFragmentsPerPacket fragments or ctx's budget can't cover it.
func Pack(ctx *arena.Context, data []byte) (*Packet, error) {
	n := len(data)
	k := (n + frame.MaxPayload - 1) / frame.MaxPayload
	if k == 0 {
		k = 1
	}
	if k > MaxFragmentsPerPacket {
		return nil, ErrTooManyFragments
	}

	needed := n + k*headerSize
	if ctx.AvailableMemory() < needed {
		return nil, ErrOutOfMemory
	}

	uuid := uint16(rand.Intn(1 << 16))

	var head, tail *Fragment
	for i := 0; i < k; i++ {
		start := i * frame.MaxPayload
		end := start + frame.MaxPayload
		if end > n {
			end = n
		}

		h := arena.Alloc(ctx, end-start)
		if !h.Valid() {
			return nil, ErrOutOfMemory
		}
		copy(h.Bytes(), data[start:end])

		frag := &Fragment{Data: h, Number: uint16(i), UUID: uuid}
		if head == nil {
			head = frag
		} else {
			tail.Next = frag
		}
		tail = frag
	}

	p := &Packet{Head: head, UUID: uuid, Count: k}
	p.CRC = calcCRC(p)
	return p, nil
}

// calcCRC computes the 32-bit CRC over the packet's fragment count followed
// by the concatenation of every fragment's payload in fragment-number
// order. It must be called only after Sort.
//
// The UUID deliberately plays no part in this: it never crosses the air (see
// the package doc comment), and a reassembled Packet is assigned a fresh
// local UUID rather than recovering the sender's, so a CRC keyed on it could
// never verify on the receive side.
func calcCRC(p *Packet) uint32 {
	crc := crc32.NewIEEE()
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(p.Count))
	crc.Write(header[:])

	for f := p.Head; f != nil; f = f.Next {
		crc.Write(f.Payload())
	}
	return crc.Sum32()
}

// Verify recomputes the packet's CRC and compares it against the stored
// value, returning ErrCRCMismatch on a mismatch.
func Verify(p *Packet) error {
	if calcCRC(p) != p.CRC {
		return ErrCRCMismatch
	}
	return nil
}

// Release returns every fragment's backing storage to the arena it was
// allocated from. Callers that finish consuming a Packet — after handing its
// fragments off to the wire, or after draining one from an RX queue — must
// call this so the context's memory budget actually comes back down; see
// arena.Handle.Release. Safe to call more than once: Release nils out Head,
// so a repeat call walks an empty list.
func (p *Packet) Release() {
	for f := p.Head; f != nil; {
		next := f.Next
		f.Data.Release()
		f = next
	}
	p.Head = nil
}

// Flatten concatenates a packet's fragments, in list order, into a single
// byte slice. The caller is expected to have sorted the list first.
func Flatten(p *Packet) []byte {
	total := 0
	for f := p.Head; f != nil; f = f.Next {
		total += len(f.Payload())
	}

	out := make([]byte, 0, total)
	for f := p.Head; f != nil; f = f.Next {
		out = append(out, f.Payload()...)
	}
	return out
}
