// Package netif defines the uniform network-interface facade the upper
// network layers consume, independent of the physical transport underneath.
// datalink.Service implements Interface against the live radio; Loopback
// implements it in memory for tests.
package netif

import (
	"time"

	"github.com/brandonbraun653/ripple-go/arena"
	"github.com/brandonbraun653/ripple-go/arp"
	"github.com/brandonbraun653/ripple-go/frame"
	"github.com/brandonbraun653/ripple-go/fragment"
	"github.com/brandonbraun653/ripple-go/phy"
)

// ARP is the address-resolution surface embedded in every network
// interface: add, drop, and look up the IP->MAC mapping the interface
// consults to steer outbound traffic.
type ARP interface {
	AddARP(ip arp.IPAddress, mac arp.MACAddress) bool
	DropARP(ip arp.IPAddress)
	ARPLookup(ip arp.IPAddress) (arp.MACAddress, bool)
}

// Interface is the minimal polymorphic surface §4.7 describes: every
// network-interface implementation, physical or loopback, exposes exactly
// this and nothing more to the layers above it.
type Interface interface {
	ARP

	PowerUp(ctx *arena.Context) phy.Status
	PowerDown()

	// Send takes ownership of packet regardless of the returned Status: it
	// always releases packet's fragments back to their arena before
	// returning. Callers must not touch packet again after calling Send.
	Send(packet *fragment.Packet, dst arp.IPAddress, endpoint frame.Endpoint, requireAck bool) phy.Status
	// Recv hands ownership of the returned Packet to the caller, who must
	// call Packet.Release once done with it to return its memory.
	Recv() (*fragment.Packet, bool)

	MaxTransferSize() int
	MaxFragments() int
	LinkSpeed() int
	LastActive() time.Time
}
