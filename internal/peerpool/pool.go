// Package peerpool maintains a bounded set of live peer connections,
// keyed by address, so the swarm orchestrator can reuse connections
// across successive chunk fetches instead of dialing fresh TCP sockets
// per request. Eviction is LRU: when the pool is at capacity and a new
// address needs a slot, the least-recently-used connection is closed
// and removed first.
package peerpool

import (
	"container/list"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/peerconn"
)

// Key packs an IPv4 address and port into a comparable uint64, the same
// packing the compact peer wire format uses, so pool lookups stay
// allocation-free on the hot path.
type Key uint64

// KeyFromAddr packs an IPv4 net.TCPAddr into a Key. It returns an error
// for non-IPv4 addresses since BEP 3/5 compact peer formats are IPv4-only
// in this system's scope.
func KeyFromAddr(addr *net.TCPAddr) (Key, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return 0, errors.Errorf("peerpool: non-IPv4 address %s", addr.IP)
	}
	ipBits := binary.BigEndian.Uint32(ip4)
	return Key(uint64(ipBits)<<16 | uint64(uint16(addr.Port))), nil
}

func (k Key) String() string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, uint32(k>>16))
	port := uint16(k)
	return (&net.TCPAddr{IP: ip, Port: int(port)}).String()
}

type entry struct {
	key  Key
	conn *peerconn.Conn
	elem *list.Element
}

// Pool is a bounded, LRU-evicting set of live peer connections.
type Pool struct {
	mu       sync.Mutex
	capacity int
	entries  map[Key]*entry
	lru      *list.List // front = most recently used

	infoHash   [20]byte
	localPeer  [20]byte
	listenPort int
	log        logger.Logger
}

// New creates a Pool bounded to capacity connections for the given
// swarm's info_hash.
func New(capacity int, infoHash, localPeerID [20]byte, listenPort int, log logger.Logger) *Pool {
	return &Pool{
		capacity:   capacity,
		entries:    make(map[Key]*entry),
		lru:        list.New(),
		infoHash:   infoHash,
		localPeer:  localPeerID,
		listenPort: listenPort,
		log:        log,
	}
}

// Len returns the number of connections currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// GetOrConnect returns an existing connection for addr if one is live,
// or dials a new one. The dial itself happens outside the pool lock so a
// slow or hanging peer cannot stall other callers; only the bookkeeping
// (insert, evict) is done under the lock.
func (p *Pool) GetOrConnect(addr string, dialTimeout time.Duration) (*Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "peerpool: resolve address")
	}
	key, err := KeyFromAddr(tcpAddr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		return &Conn{Conn: e.conn, key: key, pool: p}, nil
	}
	p.mu.Unlock()

	raw, err := peerconn.Dial(addr, p.infoHash, p.localPeer, p.listenPort, dialTimeout, p.log)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		// Lost a race with a concurrent GetOrConnect for the same address;
		// keep the one already registered and discard the extra dial.
		raw.Close()
		p.lru.MoveToFront(e.elem)
		return &Conn{Conn: e.conn, key: key, pool: p}, nil
	}
	p.evictForSpaceLocked()
	elem := p.lru.PushFront(key)
	p.entries[key] = &entry{key: key, conn: raw, elem: elem}
	return &Conn{Conn: raw, key: key, pool: p}, nil
}

// evictForSpaceLocked closes and removes the least-recently-used
// connection if the pool is at capacity. Must be called with p.mu held.
func (p *Pool) evictForSpaceLocked() {
	if p.capacity <= 0 || len(p.entries) < p.capacity {
		return
	}
	back := p.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(Key)
	p.removeLocked(key)
}

// Remove closes and evicts the connection for addr, if present. Callers
// use this after a connection proves unusable (e.g. a chunk request
// errors with a transport failure) so the next GetOrConnect redials.
func (p *Pool) Remove(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "peerpool: resolve address")
	}
	key, err := KeyFromAddr(tcpAddr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key)
	return nil
}

func (p *Pool) removeLocked(key Key) {
	e, ok := p.entries[key]
	if !ok {
		return
	}
	p.lru.Remove(e.elem)
	delete(p.entries, key)
	if e.conn != nil {
		e.conn.Close()
	}
}

// CloseAll closes every held connection, for shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.conn != nil {
			e.conn.Close()
		}
	}
	p.entries = make(map[Key]*entry)
	p.lru.Init()
}

// Conn is a handle to a pooled connection; touching it via GetOrConnect
// bumps its LRU recency. It embeds *peerconn.Conn so callers can call
// RequestChunk directly.
type Conn struct {
	*peerconn.Conn
	key  Key
	pool *Pool
}

// Evict removes this connection from its pool immediately, e.g. after a
// transport-level failure that makes the connection unusable.
func (c *Conn) Evict() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.pool.removeLocked(c.key)
}
