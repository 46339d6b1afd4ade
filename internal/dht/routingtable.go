package dht

import (
	"net"
	"sync"
	"time"
)

// K is the Kademlia bucket size: each bucket holds at most K contacts,
// fixed at 8 by convention across mainline DHT implementations.
const K = 8

// NumBuckets is the number of buckets in the routing table, one per bit
// of the 160-bit ID space.
const NumBuckets = IDLen * 8

// Contact is one routing-table entry: a node's identity, address, and
// last-seen time used to prefer long-lived ("good") nodes per BEP 5.
type Contact struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

type bucket struct {
	contacts []Contact // ordered oldest (front) to newest (back), per Kademlia LRU convention
}

// RoutingTable is a 160-bucket Kademlia routing table keyed relative to
// a fixed local node ID.
type RoutingTable struct {
	mu      sync.Mutex
	self    NodeID
	buckets [NumBuckets]bucket
}

// NewRoutingTable returns an empty routing table for the given local ID.
func NewRoutingTable(self NodeID) *RoutingTable {
	return &RoutingTable{self: self}
}

// Insert adds or refreshes a contact. If the contact's bucket is already
// at capacity and the contact is new, the oldest contact in the bucket
// is evicted — a simplified version of BEP 5's ping-oldest-first policy,
// since this system does not need mainline's full node-liveness probing
// to serve its single purpose of peer discovery.
func (rt *RoutingTable) Insert(c Contact) {
	if c.ID == rt.self {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := bucketIndex(rt.self, c.ID)
	b := &rt.buckets[idx]
	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return
		}
	}
	if len(b.contacts) >= K {
		b.contacts = b.contacts[1:] // evict oldest
	}
	b.contacts = append(b.contacts, c)
}

// Remove drops a contact, e.g. after it fails to respond to a query.
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := bucketIndex(rt.self, id)
	b := &rt.buckets[idx]
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

// Len returns the total number of contacts held across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].contacts)
	}
	return n
}

// Closest returns up to n contacts closest to target by XOR distance,
// chosen by sorting the contacts of every bucket, so the result is not
// limited to the target's own bucket when that bucket is undersized.
func (rt *RoutingTable) Closest(target NodeID, n int) []Contact {
	rt.mu.Lock()
	var all []Contact
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].contacts...)
	}
	rt.mu.Unlock()

	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(contacts []Contact, target NodeID) {
	// Insertion sort: routing tables are small (at most K*NumBuckets).
	for i := 1; i < len(contacts); i++ {
		for j := i; j > 0 && Less(target, contacts[j].ID, contacts[j-1].ID); j-- {
			contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
		}
	}
}
