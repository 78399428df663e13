// Package arp implements the address resolution cache mapping logical IP
// addresses to the 5-byte hardware MAC of the pipe that owns them. Entries
// are never auto-learned: callers explicitly insert and remove them.
package arp

import "github.com/brandonbraun653/ripple-go/phy"

// IPAddress is the 32-bit logical node identifier used as the cache key.
type IPAddress uint32

// MACAddress is the 5-byte hardware pipe address. It is phy.Address under
// the hood so entries can be handed straight to the PHY I/O layer.
type MACAddress = phy.Address

// MissFunc is invoked on a Lookup miss, if registered.
type MissFunc func(ip IPAddress)

// Cache is a fixed-capacity IP->MAC table. It is NOT internally
// synchronized: the Data-Link Service wraps all access under its own lock,
// the same way it owns the TX/RX queues.
type Cache struct {
	entries  map[IPAddress]MACAddress
	capacity int
	onMiss   MissFunc
}

// New creates a Cache that holds at most capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		entries:  make(map[IPAddress]MACAddress, capacity),
		capacity: capacity,
	}
}

// SetMissCallback registers the function invoked whenever Lookup misses.
// Passing nil disables the callback.
func (c *Cache) SetMissCallback(fn MissFunc) {
	c.onMiss = fn
}

// Lookup returns the MAC mapped to ip, if present. On a miss it invokes the
// registered miss callback (if any) and returns false.
func (c *Cache) Lookup(ip IPAddress) (MACAddress, bool) {
	mac, ok := c.entries[ip]
	if !ok && c.onMiss != nil {
		c.onMiss(ip)
	}
	return mac, ok
}

// Insert adds ip->mac. It fails if the cache is full or ip is already
// present; there is no implicit update of an existing entry.
func (c *Cache) Insert(ip IPAddress, mac MACAddress) bool {
	if _, exists := c.entries[ip]; exists {
		return false
	}
	if len(c.entries) >= c.capacity {
		return false
	}
	c.entries[ip] = mac
	return true
}

// Remove drops ip from the cache. Absent keys are silently accepted.
func (c *Cache) Remove(ip IPAddress) {
	delete(c.entries, ip)
}

// Clear empties every entry but preserves the miss callback registration.
func (c *Cache) Clear() {
	c.entries = make(map[IPAddress]MACAddress, c.capacity)
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Cap reports the maximum number of entries the cache will hold.
func (c *Cache) Cap() int {
	return c.capacity
}
