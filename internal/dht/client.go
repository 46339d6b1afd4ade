package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/praveer13/zest-swarm/internal/bencode"
	"github.com/praveer13/zest-swarm/internal/logger"
)

// GetPeersTimeout bounds a single get_peers round including its fan-out
// to the K closest known nodes. Fixed at 5 seconds: generous enough for
// WAN round-trips to several nodes in parallel, short enough that the
// swarm orchestrator's waterfall does not stall noticeably behind
// a DHT lookup before falling through to the tracker or CDN tier.
const GetPeersTimeout = 5 * time.Second

// queryTimeout bounds one individual UDP round-trip.
const queryTimeout = 2 * time.Second

// Node is a participant in the Kademlia DHT: it owns a UDP transport, a
// routing table, and the query logic used to bootstrap and to resolve
// get_peers/announce_peer for a swarm.
type Node struct {
	self      NodeID
	transport *Transport
	table     *RoutingTable
	log       logger.Logger
}

// New creates a DHT node bound to the given UDP port.
func New(port int, log logger.Logger) (*Node, error) {
	self := RandomNodeID()
	transport, err := NewTransport(port, log)
	if err != nil {
		return nil, err
	}
	return &Node{
		self:      self,
		transport: transport,
		table:     NewRoutingTable(self),
		log:       log,
	}, nil
}

// SelfID returns this node's random identity.
func (n *Node) SelfID() NodeID { return n.self }

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() *net.UDPAddr { return n.transport.LocalAddr() }

// Close shuts down the node's transport.
func (n *Node) Close() error { return n.transport.Close() }

// RoutingTableSize returns the number of known contacts, for metrics.
func (n *Node) RoutingTableSize() int { return n.table.Len() }

// LoadStore warm-starts the routing table from a previously persisted
// Store, skipping contacts older than maxAge. Best-effort: a missing or
// corrupt store is reported to the caller but never prevents the node
// from starting cold instead.
func (n *Node) LoadStore(store *Store, maxAge time.Duration) error {
	return store.Load(n.table, maxAge)
}

// SaveStore persists the current routing table to store. Best-effort:
// failures are the caller's to log, not to propagate as a fetch error.
func (n *Node) SaveStore(store *Store) error {
	return store.Save(n.table)
}

func idArg(id NodeID) bencode.Value { return bencode.String(id[:]) }

// Ping queries addr's liveness and, on success, inserts it into the
// routing table.
func (n *Node) Ping(addr *net.UDPAddr) error {
	reply, err := n.transport.QueryRaw(addr, Msg{
		Query: QueryPing,
		Args:  map[string]bencode.Value{"id": idArg(n.self)},
	}, queryTimeout)
	if err != nil {
		return err
	}
	remoteID, ok := extractID(reply.Response)
	if !ok {
		return errors.New("dht: ping reply missing id")
	}
	n.table.Insert(Contact{ID: remoteID, Addr: addr, LastSeen: time.Now()})
	return nil
}

func extractID(resp map[string]bencode.Value) (NodeID, bool) {
	v, ok := resp["id"]
	if !ok || len(v.Str) != IDLen {
		return NodeID{}, false
	}
	var id NodeID
	copy(id[:], v.Str)
	return id, true
}

// FindNode asks addr for the nodes it knows closest to target.
func (n *Node) FindNode(addr *net.UDPAddr, target NodeID) ([]Contact, error) {
	reply, err := n.transport.QueryRaw(addr, Msg{
		Query: QueryFindNode,
		Args: map[string]bencode.Value{
			"id":     idArg(n.self),
			"target": idArg(target),
		},
	}, queryTimeout)
	if err != nil {
		return nil, err
	}
	nodesVal, ok := reply.Response["nodes"]
	if !ok {
		return nil, nil
	}
	contacts, err := DecodeCompactNodes(nodesVal.Str)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		n.table.Insert(c)
	}
	return contacts, nil
}

// Bootstrap pings each seed address and, for any that answer, runs a
// find_node for our own ID to populate the routing table.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range seeds {
		s := s
		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp", s)
			if err != nil {
				n.log.Warnf("dht: bad bootstrap address %q: %v", s, err)
				return nil
			}
			if err := n.Ping(addr); err != nil {
				n.log.Debugf("dht: bootstrap ping %s failed: %v", s, err)
				return nil
			}
			if _, err := n.FindNode(addr, n.self); err != nil {
				n.log.Debugf("dht: bootstrap find_node %s failed: %v", s, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetPeersResult is the outcome of a get_peers lookup: peers found
// directly, plus the closer nodes discovered along the way (unused by
// callers that only want peers, but kept for iterative-lookup callers).
type GetPeersResult struct {
	Peers []*net.UDPAddr
	Nodes []Contact
}

// GetPeers queries the K closest known nodes in parallel for peers
// announcing infoHash, within GetPeersTimeout. It does not perform
// further iterative rounds past the first — zest treats the DHT as one
// of several waterfall tiers, not as the sole discovery
// mechanism, so a single round against the best-known nodes is
// sufficient rather than a full recursive Kademlia lookup.
func (n *Node) GetPeers(ctx context.Context, infoHash NodeID) (GetPeersResult, error) {
	ctx, cancel := context.WithTimeout(ctx, GetPeersTimeout)
	defer cancel()

	closest := n.table.Closest(infoHash, K)
	if len(closest) == 0 {
		return GetPeersResult{}, errors.New("dht: routing table empty, cannot get_peers")
	}

	var mu sync.Mutex
	var allPeers []*net.UDPAddr
	var allNodes []Contact

	g, _ := errgroup.WithContext(ctx)
	for _, c := range closest {
		c := c
		g.Go(func() error {
			reply, err := n.queryGetPeers(c.Addr, infoHash)
			if err != nil {
				n.log.Debugf("dht: get_peers to %s failed: %v", c.Addr, err)
				return nil
			}
			mu.Lock()
			allPeers = append(allPeers, reply.Peers...)
			allNodes = append(allNodes, reply.Nodes...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return GetPeersResult{}, err
	}
	return GetPeersResult{Peers: allPeers, Nodes: allNodes}, nil
}

func (n *Node) queryGetPeers(addr *net.UDPAddr, infoHash NodeID) (GetPeersResult, error) {
	reply, err := n.transport.QueryRaw(addr, Msg{
		Query: QueryGetPeers,
		Args: map[string]bencode.Value{
			"id":        idArg(n.self),
			"info_hash": idArg(infoHash),
		},
	}, queryTimeout)
	if err != nil {
		return GetPeersResult{}, err
	}

	var result GetPeersResult
	if valuesVal, ok := reply.Response["values"]; ok {
		for _, v := range valuesVal.List {
			addr, err := DecodeCompactPeer(v.Str)
			if err != nil {
				continue
			}
			result.Peers = append(result.Peers, addr)
		}
	}
	if nodesVal, ok := reply.Response["nodes"]; ok {
		contacts, err := DecodeCompactNodes(nodesVal.Str)
		if err == nil {
			result.Nodes = contacts
			for _, c := range contacts {
				n.table.Insert(c)
			}
		}
	}
	if remoteID, ok := extractID(reply.Response); ok {
		n.table.Insert(Contact{ID: remoteID, Addr: addr, LastSeen: time.Now()})
	}
	return result, nil
}

// AnnouncePeer tells the K closest known nodes that we hold data for
// infoHash at the given listening port. Best-effort: announce failures
// to individual nodes are logged, not returned, matching the swarm
// orchestrator's "announce is best-effort" contract.
func (n *Node) AnnouncePeer(ctx context.Context, infoHash NodeID, port int) {
	closest := n.table.Closest(infoHash, K)
	g, _ := errgroup.WithContext(ctx)
	for _, c := range closest {
		c := c
		g.Go(func() error {
			reply, err := n.transport.QueryRaw(c.Addr, Msg{
				Query: QueryGetPeers,
				Args: map[string]bencode.Value{
					"id":        idArg(n.self),
					"info_hash": idArg(infoHash),
				},
			}, queryTimeout)
			if err != nil {
				n.log.Debugf("dht: announce_peer prelude get_peers to %s failed: %v", c.Addr, err)
				return nil
			}
			tokenVal, ok := reply.Response["token"]
			if !ok {
				return nil
			}
			_, err = n.transport.QueryRaw(c.Addr, Msg{
				Query: QueryAnnouncePeer,
				Args: map[string]bencode.Value{
					"id":           idArg(n.self),
					"info_hash":    idArg(infoHash),
					"port":         bencode.Int(int64(port)),
					"token":        bencode.String(tokenVal.Str),
					"implied_port": bencode.Int(0),
				},
			}, queryTimeout)
			if err != nil {
				n.log.Debugf("dht: announce_peer to %s failed: %v", c.Addr, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
