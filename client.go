package zest

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/cas"
	"github.com/praveer13/zest-swarm/internal/dht"
	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/peerconn"
	"github.com/praveer13/zest-swarm/internal/peerpool"
	"github.com/praveer13/zest-swarm/internal/swarm"
	"github.com/praveer13/zest-swarm/internal/tracker"
)

// Client is zest's public entry point: it owns one DHT node, one
// tracker client, and a per-swarm pool/orchestrator pair created lazily
// as fetches touch new xorbs.
type Client struct {
	cfg         Config
	localPeerID [20]byte
	log         logger.Logger

	cas        cas.CAS
	cache      cas.Cache
	xorbReader cas.XorbReader

	// DHT is this node's shared Kademlia participant, reused across every
	// swarm this Client fetches for.
	DHT *dht.Node

	dhtStore *dht.Store

	// Tracker is the shared HTTP tracker client, nil if cfg.TrackerURL is
	// empty.
	Tracker *tracker.Client

	mu     sync.Mutex
	swarms map[cas.InfoHash]*swarmHandle
}

type swarmHandle struct {
	pool     *peerpool.Pool
	orch     *swarm.Orchestrator
	xorbHash cas.XorbHash
}

// New constructs a Client. casClient, cache, and xorbReader are the
// collaborator interfaces the orchestrator needs: casClient talks
// to the upstream reconstruction/CDN service, cache is the local
// xorb/chunk store, and xorbReader extracts chunk ranges from a decoded
// xorb payload. Pass cas.NewHTTPCAS(cfg.CASBaseURL, cfg.CASRequestTimeout)
// for casClient in production.
func New(cfg Config, casClient cas.CAS, cache cas.Cache, xorbReader cas.XorbReader) (*Client, error) {
	log := logger.New("zest")
	if cfg.LogLevel != "" {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			return nil, errors.Wrap(err, "zest: set log level")
		}
	}

	peerID, err := randomPeerID()
	if err != nil {
		return nil, errors.Wrap(err, "zest: generate peer id")
	}

	dhtNode, err := dht.New(cfg.DHTPort, log.With("component", "dht"))
	if err != nil {
		return nil, errors.Wrap(err, "zest: start dht node")
	}

	var dhtStore *dht.Store
	if cfg.DHTStorePath != "" {
		dhtStore, err = dht.OpenStore(cfg.DHTStorePath)
		if err != nil {
			log.Warnf("zest: open dht routing table store %s: %v", cfg.DHTStorePath, err)
			dhtStore = nil
		} else if err := dhtNode.LoadStore(dhtStore, cfg.DHTStoreMaxAge); err != nil {
			log.Warnf("zest: warm-start dht routing table from %s: %v", cfg.DHTStorePath, err)
		}
	}

	if len(cfg.DHTBootstrapNodes) > 0 {
		if err := dhtNode.Bootstrap(context.Background(), cfg.DHTBootstrapNodes); err != nil {
			log.Warnf("zest: dht bootstrap returned an error: %v", err)
		}
	}

	var trackerClient *tracker.Client
	if cfg.TrackerURL != "" {
		trackerClient = tracker.New(cfg.TrackerURL)
	}

	return &Client{
		cfg:         cfg,
		localPeerID: peerID,
		log:         log,
		cas:         casClient,
		cache:       cache,
		xorbReader:  xorbReader,
		DHT:         dhtNode,
		dhtStore:    dhtStore,
		Tracker:     trackerClient,
		swarms:      make(map[cas.InfoHash]*swarmHandle),
	}, nil
}

// zestPeerIDPrefix identifies this implementation in the conventional
// BitTorrent peer_id azureus-style prefix slot.
const zestPeerIDPrefix = "-ZT0001-"

func randomPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], zestPeerIDPrefix)
	if _, err := rand.Read(id[len(zestPeerIDPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}

// Close shuts down the DHT transport and every per-swarm peer pool. If
// DHTStorePath was configured, the routing table is persisted before the
// store is closed so the next process can warm-start.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.swarms {
		h.pool.CloseAll()
	}
	if c.dhtStore != nil {
		if err := c.DHT.SaveStore(c.dhtStore); err != nil {
			c.log.Warnf("zest: save dht routing table: %v", err)
		}
		if err := c.dhtStore.Close(); err != nil {
			c.log.Warnf("zest: close dht routing table store: %v", err)
		}
	}
	return c.DHT.Close()
}

// PoolFor returns (creating if necessary) the peer connection pool
// scoped to the info_hash derived from xorbHash. Each swarm gets its own pool since pooled
// connections are handshaked against a single info_hash.
func (c *Client) PoolFor(xorbHash cas.XorbHash) *peerpool.Pool {
	return c.swarmHandleFor(xorbHash).pool
}

func (c *Client) swarmHandleFor(xorbHash cas.XorbHash) *swarmHandle {
	infoHash := cas.ComputeInfoHash(xorbHash)

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.swarms[infoHash]; ok {
		return h
	}
	pool := peerpool.New(c.cfg.PoolCapacity, [20]byte(infoHash), c.localPeerID, int(c.cfg.Port), c.log.With("info_hash", infoHash.Hex()))
	swarmCfg := swarm.Config{
		DialTimeout:      c.cfg.DialTimeout,
		PeerFetchTimeout: c.cfg.PeerFetchTimeout,
		MaxParallelPeers: c.cfg.MaxParallelPeers,
		ListenPort:       int(c.cfg.Port),
	}
	orch := swarm.New(swarmCfg, c.cas, c.cache, c.xorbReader, pool, c.DHT, c.Tracker, c.localPeerID, [20]byte(infoHash), c.log.With("info_hash", infoHash.Hex()))
	h := &swarmHandle{pool: pool, orch: orch, xorbHash: xorbHash}
	c.swarms[infoHash] = h
	return h
}

// Stats returns the running fetch counters for the swarm scoped to
// xorbHash, creating the swarm if this is the first time it is touched.
func (c *Client) Stats(xorbHash cas.XorbHash) *swarm.Stats {
	return c.swarmHandleFor(xorbHash).orch.Stats()
}

// FetchXorbForTerm resolves the bytes for one reconstruction term,
// trying the local cache, then P2P peers (direct addresses the caller
// supplies, plus DHT- and tracker-discovered ones), then the CDN.
func (c *Client) FetchXorbForTerm(ctx context.Context, term cas.Term, fetchEntries []cas.FetchEntry, directPeers []string) ([]byte, error) {
	h := c.swarmHandleFor(term.XorbHash)
	return h.orch.FetchXorbForTerm(ctx, term, fetchEntries, directPeers)
}

// xorbHashForInfoHash resolves infoHash back to the xorb hash this node
// derived it from, if this process has touched that swarm before (via a
// fetch or a Stats call). info_hash is a one-way SHA-1
// derivation, so a listener can only ever serve swarms it already
// knows about by this reverse lookup, never an arbitrary cached xorb it
// has not yet associated with an info_hash.
func (c *Client) xorbHashForInfoHash(infoHash [20]byte) (cas.XorbHash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.swarms[cas.InfoHash(infoHash)]
	if !ok {
		return cas.XorbHash{}, false
	}
	return h.xorbHash, true
}

// Serve accepts incoming peer connections on ln, handshaking each one
// against whichever swarm its info_hash names and answering chunk
// requests from the local cache — the server side of "seed while
// downloading": a peer this node fetched a xorb from, or
// announced a xorb to, can in turn fetch that xorb back from this node.
// It runs until ln is closed or ctx is done.
func (c *Client) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go c.serveConn(nc)
	}
}

func (c *Client) serveConn(nc net.Conn) {
	remote := nc.RemoteAddr()
	conn, err := peerconn.AcceptMultiplexed(nc, c.localPeerID, int(c.cfg.Port), func(infoHash [20]byte) bool {
		_, ok := c.xorbHashForInfoHash(infoHash)
		return ok
	}, c.log.With("remote", remote))
	if err != nil {
		nc.Close()
		c.log.Debugf("zest: inbound handshake from %s failed: %v", remote, err)
		return
	}
	xorbHash, ok := c.xorbHashForInfoHash(conn.InfoHash())
	if !ok {
		// The swarm was forgotten between AcceptMultiplexed's lookup and
		// here (e.g. concurrent shutdown); nothing sane to serve.
		conn.Close()
		return
	}
	if err := conn.ServeLoop(c.chunkHandler(xorbHash)); err != nil {
		c.log.Debugf("zest: serve loop for %s ended: %v", remote, err)
	}
}

// chunkHandler answers an incoming chunk_request against xorbHash from
// the local cache, probing the same way the orchestrator's own cache
// tier does: look up the requested range's starting chunk, then rebase
// by the returned entry's own chunk offset, so a locally held full xorb
// can answer a request for any sub-range within it. Anything the cache
// cannot satisfy exactly is a chunk_not_found, never a dropped
// connection.
func (c *Client) chunkHandler(xorbHash cas.XorbHash) peerconn.ChunkHandler {
	return func(_ [32]byte, rangeStart, rangeEnd uint32) ([]byte, error) {
		entry, ok := c.cache.Get(xorbHash.Hex(), rangeStart)
		if !ok || entry.ChunkOffset > rangeStart {
			return nil, peerconn.ErrChunkNotLocal
		}
		localStart := rangeStart - entry.ChunkOffset
		data, err := c.xorbReader.ExtractChunkRange(entry.Data, localStart, localStart+(rangeEnd-rangeStart))
		if err != nil {
			return nil, peerconn.ErrChunkNotLocal
		}
		return data, nil
	}
}

// ReconstructToFile fetches a file's full reconstruction plan and
// writes its bytes, term by term and in order, to dst.
func (c *Client) ReconstructToFile(ctx context.Context, fileHashHex string, dst io.Writer) error {
	info, err := c.cas.GetReconstruction(ctx, fileHashHex)
	if err != nil {
		return errors.Wrap(err, "zest: get reconstruction")
	}
	for _, term := range info.Terms {
		entries := info.FetchInfo[term.XorbHash]
		data, err := c.FetchXorbForTerm(ctx, term, entries, nil)
		if err != nil {
			return errors.Wrapf(err, "zest: fetch term for xorb %s", term.XorbHash.Hex())
		}
		if _, err := dst.Write(data); err != nil {
			return errors.Wrap(err, "zest: write reconstructed bytes")
		}
	}
	return nil
}

// ReconstructToPath is a convenience wrapper around ReconstructToFile
// that creates (or truncates) a file at path.
func (c *Client) ReconstructToPath(ctx context.Context, fileHashHex, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "zest: create destination file")
	}
	defer f.Close()
	return c.ReconstructToFile(ctx, fileHashHex, f)
}
