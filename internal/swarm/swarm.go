// Package swarm implements the per-xorb orchestration waterfall: for
// each xorb a file's reconstruction plan names, try the local cache
// first, then peer-to-peer sources (direct peers, DHT-discovered peers,
// tracker-discovered peers, in that order), and fall back to the CDN
// only if every P2P candidate fails. A successful P2P or CDN fetch is
// announced (best-effort) to the DHT and tracker so other nodes can find
// this one as a source.
package swarm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/praveer13/zest-swarm/internal/cas"
	"github.com/praveer13/zest-swarm/internal/dht"
	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/peerconn"
	"github.com/praveer13/zest-swarm/internal/peerpool"
	"github.com/praveer13/zest-swarm/internal/tracker"
)

// Source identifies which tier of the waterfall ultimately served a
// xorb, used for both logging and stats.
type Source int

const (
	SourceCache Source = iota
	SourcePeer
	SourceCDN
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourcePeer:
		return "peer"
	case SourceCDN:
		return "cdn"
	default:
		return "unknown"
	}
}

// Stats track where fetched xorbs came from: a count and byte total per
// source tier, plus an EWMA throughput gauge, all backed by
// rcrowley/go-metrics.
type Stats struct {
	XorbsFromCache metrics.Counter
	BytesFromCache metrics.Counter
	XorbsFromPeer  metrics.Counter
	BytesFromPeer  metrics.Counter
	XorbsFromCDN   metrics.Counter
	BytesFromCDN   metrics.Counter
	Throughput     metrics.EWMA
}

// NewStats returns a Stats with fresh, independent counters.
func NewStats() *Stats {
	return &Stats{
		XorbsFromCache: metrics.NewCounter(),
		BytesFromCache: metrics.NewCounter(),
		XorbsFromPeer:  metrics.NewCounter(),
		BytesFromPeer:  metrics.NewCounter(),
		XorbsFromCDN:   metrics.NewCounter(),
		BytesFromCDN:   metrics.NewCounter(),
		Throughput:     metrics.NewEWMA1(),
	}
}

func (s *Stats) record(source Source, n int) {
	switch source {
	case SourceCache:
		s.XorbsFromCache.Inc(1)
		s.BytesFromCache.Inc(int64(n))
	case SourcePeer:
		s.XorbsFromPeer.Inc(1)
		s.BytesFromPeer.Inc(int64(n))
	case SourceCDN:
		s.XorbsFromCDN.Inc(1)
		s.BytesFromCDN.Inc(int64(n))
	}
	s.Throughput.Update(int64(n))
}

// Config bounds the orchestrator's behavior.
type Config struct {
	// DialTimeout bounds establishing one new peer connection through the
	// pool, handshakes included.
	DialTimeout time.Duration
	// PeerFetchTimeout bounds a single peer's RequestChunk call.
	PeerFetchTimeout time.Duration
	// MaxParallelPeers bounds how many direct/candidate peers are tried
	// concurrently per xorb; 1 disables parallelism entirely.
	MaxParallelPeers int
	// ListenPort is advertised in BEP-10 extended handshakes and to the
	// DHT/tracker on announce.
	ListenPort int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      10 * time.Second,
		PeerFetchTimeout: 10 * time.Second,
		MaxParallelPeers: 4,
		ListenPort:       6881,
	}
}

// Orchestrator drives the per-xorb waterfall for one swarm's worth of
// fetches. It is safe for concurrent use across multiple files/xorbs.
type Orchestrator struct {
	cfg     Config
	cas     cas.CAS
	cache   cas.Cache
	xorb    cas.XorbReader
	pool    *peerpool.Pool
	dht     *dht.Node
	tracker *tracker.Client
	log     logger.Logger
	stats   *Stats

	localPeerID [20]byte
	infoHash    [20]byte
}

// New wires one Orchestrator for a single swarm (a single info_hash and
// therefore a single pool/DHT scope — client.go in the root
// package owns the mapping from xorb hash to per-swarm Orchestrator).
func New(
	cfg Config,
	c cas.CAS,
	cache cas.Cache,
	xorbReader cas.XorbReader,
	pool *peerpool.Pool,
	dhtNode *dht.Node,
	trackerClient *tracker.Client,
	localPeerID, infoHash [20]byte,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		cas:         c,
		cache:       cache,
		xorb:        xorbReader,
		pool:        pool,
		dht:         dhtNode,
		tracker:     trackerClient,
		log:         log,
		stats:       NewStats(),
		localPeerID: localPeerID,
		infoHash:    infoHash,
	}
}

// Stats returns the orchestrator's running counters.
func (o *Orchestrator) Stats() *Stats { return o.stats }

// FetchXorbForTerm resolves the bytes for one reconstruction term,
// trying cache, then P2P candidates, then CDN, in that order, and
// returns the chunk-range-local bytes the term asked for.
func (o *Orchestrator) FetchXorbForTerm(ctx context.Context, term cas.Term, fetchEntries []cas.FetchEntry, directPeers []string) ([]byte, error) {
	fetchID := uuid.New().String()
	log := o.log.With("fetch_id", fetchID).With("xorb", term.XorbHash.Hex())

	if data, ok := o.tryCache(term); ok {
		log.Debugln("served from cache")
		o.stats.record(SourceCache, len(data))
		return data, nil
	}

	candidates := o.collectPeerCandidates(ctx, directPeers)
	if data, peerAddr, err := o.tryPeers(ctx, candidates, term, fetchEntries); err == nil {
		log.With("peer", peerAddr).Debugln("served from peer")
		o.stats.record(SourcePeer, len(data))
		go o.announce()
		return data, nil
	} else if len(candidates) > 0 {
		log.Debugf("all %d peer candidates failed, falling through to cdn: %v", len(candidates), err)
	}

	data, err := o.tryCDN(ctx, term, fetchEntries)
	if err != nil {
		return nil, errors.Wrap(err, "swarm: all tiers exhausted")
	}
	log.Debugln("served from cdn")
	o.stats.record(SourceCDN, len(data))
	go o.announce()
	return data, nil
}

// tryCache probes the local cache at the term's starting chunk index and
// rebases with the returned entry's chunk offset: a hit
// may be a full xorb (offset 0) or a partial entry starting earlier than
// the term does.
func (o *Orchestrator) tryCache(term cas.Term) ([]byte, bool) {
	entry, ok := o.cache.Get(term.XorbHash.Hex(), term.ChunkRange.Start)
	if !ok || entry.ChunkOffset > term.ChunkRange.Start {
		return nil, false
	}
	localStart := term.ChunkRange.Start - entry.ChunkOffset
	data, err := o.xorb.ExtractChunkRange(entry.Data, localStart, localStart+term.ChunkRange.Len())
	if err != nil {
		return nil, false
	}
	return data, true
}

// cacheFetched persists a freshly fetched payload covering chunkStart
// onward. Whole-xorb payloads (the only fetch entry, covering from chunk
// 0) go in under Put; anything narrower is a partial entry keyed by its
// chunk offset. Cache writes are best-effort: a persist failure never
// fails the download that produced the bytes.
func (o *Orchestrator) cacheFetched(xorbHash cas.XorbHash, chunkStart uint32, wholeXorb bool, data []byte) {
	var err error
	if wholeXorb && chunkStart == 0 {
		err = o.cache.Put(xorbHash.Hex(), data)
	} else {
		err = o.cache.PutPartial(xorbHash.Hex(), chunkStart, data)
	}
	if err != nil {
		o.log.Warnf("swarm: cache write failed for %s: %v", xorbHash.Hex(), err)
	}
}

// collectPeerCandidates gathers P2P candidate addresses in priority
// order: direct peers the caller already knows about, then DHT, then
// tracker — duplicates are not removed across tiers since pool.GetOrConnect
// dedupes by address anyway.
func (o *Orchestrator) collectPeerCandidates(ctx context.Context, directPeers []string) []string {
	candidates := append([]string(nil), directPeers...)

	if o.dht != nil {
		var target dht.NodeID
		copy(target[:], o.infoHash[:])
		if result, err := o.dht.GetPeers(ctx, target); err == nil {
			for _, addr := range result.Peers {
				candidates = append(candidates, addr.String())
			}
		} else {
			o.log.Debugf("swarm: dht get_peers failed: %v", err)
		}
	}

	if o.tracker != nil {
		state := trackerState(o.localPeerID, o.infoHash, o.cfg.ListenPort)
		if resp, err := o.tracker.Announce(ctx, state, "", 30); err == nil {
			for _, p := range resp.Peers {
				candidates = append(candidates, p.String())
			}
		} else {
			o.log.Debugf("swarm: tracker announce failed: %v", err)
		}
	}

	return candidates
}

func trackerState(peerID, infoHash [20]byte, port int) tracker.AnnounceState {
	return tracker.AnnounceState{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     port,
	}
}

// tryPeers fans out RequestChunk calls across candidates, bounded by
// MaxParallelPeers, returning the first success. With MaxParallelPeers
// == 1 it falls back to a plain serial loop instead of spinning up an
// errgroup, so parallelism=1 collapses to inline-serial execution.
func (o *Orchestrator) tryPeers(ctx context.Context, candidates []string, term cas.Term, fetchEntries []cas.FetchEntry) ([]byte, string, error) {
	if len(candidates) == 0 {
		return nil, "", errors.New("swarm: no peer candidates")
	}
	if o.cfg.MaxParallelPeers <= 1 {
		var lastErr error
		for _, addr := range candidates {
			data, err := o.fetchFromPeer(addr, term, fetchEntries)
			if err == nil {
				return data, addr, nil
			}
			lastErr = err
		}
		return nil, "", lastErr
	}

	type result struct {
		data []byte
		addr string
	}
	resultC := make(chan result, 1)
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, o.cfg.MaxParallelPeers)

	for _, addr := range candidates {
		addr := addr
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			data, err := o.fetchFromPeer(addr, term, fetchEntries)
			if err != nil {
				return nil // don't abort the group; another candidate may succeed
			}
			select {
			case resultC <- result{data: data, addr: addr}:
			default:
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case r := <-resultC:
		return r.data, r.addr, nil
	case err := <-done:
		select {
		case r := <-resultC:
			return r.data, r.addr, nil
		default:
			if err != nil {
				return nil, "", err
			}
			return nil, "", errors.New("swarm: no peer candidate succeeded")
		}
	}
}

// fetchFromPeer requests a chunk range from addr. The request
// carries the fetch-info entry's (wider) chunk range rather than the
// term's own range when one covers it, so the peer's response can be
// reused to satisfy other terms of the same xorb: the wide payload is
// cached as fetched, then rebased down to the term's local range the
// same way tryCDN rebases a CDN response.
func (o *Orchestrator) fetchFromPeer(addr string, term cas.Term, fetchEntries []cas.FetchEntry) ([]byte, error) {
	conn, err := o.pool.GetOrConnect(addr, o.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	wantRange := term.ChunkRange
	entry, covered := cas.FindFetchEntry(fetchEntries, term.ChunkRange)
	if covered {
		wantRange = entry.ChunkRange
	}

	// The wire chunk_hash field carries the xorb hash: the collaborator
	// interface (internal/cas) never exposes per-chunk hashes to the
	// core (xorb payloads are opaque ranges here), so xorb identity
	// plus chunk-index range is the only addressing the core can form.
	data, err := conn.RequestChunk([32]byte(term.XorbHash), wantRange.Start, wantRange.End, o.cfg.PeerFetchTimeout)
	if err != nil {
		if _, ok := err.(*peerconn.ErrChunkRejected); !ok {
			conn.Evict()
		}
		return nil, err
	}
	o.cacheFetched(term.XorbHash, wantRange.Start, covered && len(fetchEntries) == 1, data)
	if !covered {
		return data, nil
	}
	localStart := term.ChunkRange.Start - entry.ChunkRange.Start
	localEnd := localStart + term.ChunkRange.Len()
	return o.xorb.ExtractChunkRange(data, localStart, localEnd)
}

func (o *Orchestrator) tryCDN(ctx context.Context, term cas.Term, fetchEntries []cas.FetchEntry) ([]byte, error) {
	entry, ok := cas.FindFetchEntry(fetchEntries, term.ChunkRange)
	if !ok {
		return nil, errors.New("swarm: no fetch_info entry covers term's chunk range")
	}
	full, err := o.cas.FetchFromURL(ctx, entry.URL, entry.ByteRange)
	if err != nil {
		return nil, err
	}
	o.cacheFetched(term.XorbHash, entry.ChunkRange.Start, len(fetchEntries) == 1, full)
	localStart := term.ChunkRange.Start - entry.ChunkRange.Start
	localEnd := localStart + term.ChunkRange.Len()
	return o.xorb.ExtractChunkRange(full, localStart, localEnd)
}

// announce tells the DHT and tracker this node now holds data for the
// swarm, best-effort: a failure here never surfaces to FetchXorbForTerm's
// caller since the fetch itself already succeeded.
func (o *Orchestrator) announce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if o.dht != nil {
		var target dht.NodeID
		copy(target[:], o.infoHash[:])
		o.dht.AnnouncePeer(ctx, target, o.cfg.ListenPort)
	}
	if o.tracker != nil {
		state := trackerState(o.localPeerID, o.infoHash, o.cfg.ListenPort)
		if _, err := o.tracker.Announce(ctx, state, tracker.EventCompleted, 0); err != nil {
			o.log.Debugf("swarm: post-fetch tracker announce failed: %v", err)
		}
	}
}
