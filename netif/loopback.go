package netif

import (
	"sync"
	"time"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/arp"
	"github.com/brandonbraun653/ripple-go/frame"
	"github.com/brandonbraun653/ripple-go/fragment"
	"github.com/brandonbraun653/ripple-go/phy"
)

// Medium is the shared "ether" a set of Loopback interfaces register
// themselves on, keyed by IP address. It exists purely for tests: it lets
// several Loopback nodes exchange Packets without any real transport.
type Medium struct {
	mu    sync.Mutex
	nodes map[arp.IPAddress]*Loopback
}

// NewMedium creates an empty shared medium.
func NewMedium() *Medium {
	return &Medium{nodes: make(map[arp.IPAddress]*Loopback)}
}

func (m *Medium) register(ip arp.IPAddress, l *Loopback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[ip] = l
}

func (m *Medium) deliver(ip arp.IPAddress, p *fragment.Packet) phy.Status {
	m.mu.Lock()
	dst, ok := m.nodes[ip]
	m.mu.Unlock()
	if !ok {
		return phy.StatusFail
	}
	return dst.enqueueInbound(p)
}

// Loopback is a netif.Interface implementation that exchanges Packets
// in-memory through a Medium instead of any real transceiver. It is the
// test backend referenced by netif's design: useful for exercising the
// fragmentation and ARP contract end to end without hardware.
type Loopback struct {
	medium *Medium
	self   arp.IPAddress
	ctx    *arena.Context

	arpMu  sync.Mutex
	arpTbl *arp.Cache

	queueMu sync.Mutex
	rxQueue []*fragment.Packet
	rxCap   int

	lastActiveMu sync.Mutex
	lastActive   time.Time

	onRxQueueFull func()
}

// NewLoopback creates a Loopback node bound to self on medium, with an ARP
// cache of the given capacity and an inbound queue of rxQueueCap packets.
func NewLoopback(medium *Medium, self arp.IPAddress, arpCapacity, rxQueueCap int) *Loopback {
	l := &Loopback{
		medium: medium,
		self:   self,
		arpTbl: arp.New(arpCapacity),
		rxCap:  rxQueueCap,
	}
	medium.register(self, l)
	return l
}

// SetRxQueueFullCallback registers fn, invoked whenever an inbound Packet is
// dropped because the RX queue is already full.
func (l *Loopback) SetRxQueueFullCallback(fn func()) {
	l.onRxQueueFull = fn
}

func (l *Loopback) PowerUp(ctx *arena.Context) phy.Status {
	l.ctx = ctx
	return phy.StatusOk
}

func (l *Loopback) PowerDown() {}

// Send copies packet's fragment chain into this interface's own Context
// before handing it to the medium — per the design's resolution of the
// loopback ownership question, the send queue takes ownership of a copy,
// never the caller's original fragment list.
func (l *Loopback) Send(packet *fragment.Packet, dst arp.IPAddress, endpoint frame.Endpoint, requireAck bool) phy.Status {
	defer packet.Release()
	if l.ctx == nil {
		return phy.StatusNotAvailable
	}
	if _, ok := l.ARPLookup(dst); !ok {
		return phy.StatusFail
	}

	cp, err := copyPacket(l.ctx, packet)
	if err != nil {
		return phy.StatusMemory
	}

	l.touchLastActive()
	return l.medium.deliver(dst, cp)
}

func (l *Loopback) enqueueInbound(p *fragment.Packet) phy.Status {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()

	if len(l.rxQueue) >= l.rxCap {
		if l.onRxQueueFull != nil {
			l.onRxQueueFull()
		}
		p.Release()
		return phy.StatusFull
	}
	l.rxQueue = append(l.rxQueue, p)
	l.touchLastActive()
	return phy.StatusOk
}

func (l *Loopback) Recv() (*fragment.Packet, bool) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.rxQueue) == 0 {
		return nil, false
	}
	p := l.rxQueue[0]
	l.rxQueue = l.rxQueue[1:]
	return p, true
}

func (l *Loopback) MaxTransferSize() int { return frame.MaxPayload }
func (l *Loopback) MaxFragments() int    { return fragment.MaxFragmentsPerPacket }
func (l *Loopback) LinkSpeed() int       { return 1_000_000 / 8 }

func (l *Loopback) LastActive() time.Time {
	l.lastActiveMu.Lock()
	defer l.lastActiveMu.Unlock()
	return l.lastActive
}

func (l *Loopback) touchLastActive() {
	l.lastActiveMu.Lock()
	l.lastActive = time.Now()
	l.lastActiveMu.Unlock()
}

func (l *Loopback) AddARP(ip arp.IPAddress, mac arp.MACAddress) bool {
	l.arpMu.Lock()
	defer l.arpMu.Unlock()
	return l.arpTbl.Insert(ip, mac)
}

func (l *Loopback) DropARP(ip arp.IPAddress) {
	l.arpMu.Lock()
	defer l.arpMu.Unlock()
	l.arpTbl.Remove(ip)
}

func (l *Loopback) ARPLookup(ip arp.IPAddress) (arp.MACAddress, bool) {
	l.arpMu.Lock()
	defer l.arpMu.Unlock()
	return l.arpTbl.Lookup(ip)
}

// copyPacket deep-copies src's fragment chain into ctx, preserving UUID,
// fragment numbers, and the packet CRC.
func copyPacket(ctx *arena.Context, src *fragment.Packet) (*fragment.Packet, error) {
	dst := &fragment.Packet{UUID: src.UUID, Count: src.Count, CRC: src.CRC}

	var tail *fragment.Fragment
	for f := src.Head; f != nil; f = f.Next {
		payload := f.Payload()
		h := arena.Alloc(ctx, len(payload))
		if !h.Valid() {
			dst.Release()
			return nil, fragment.ErrOutOfMemory
		}
		copy(h.Bytes(), payload)

		cf := &fragment.Fragment{Data: h, Number: f.Number, UUID: f.UUID}
		if dst.Head == nil {
			dst.Head = cf
		} else {
			tail.Next = cf
		}
		tail = cf
	}
	return dst, nil
}
