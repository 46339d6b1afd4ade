package swarm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/praveer13/zest-swarm/internal/cas"
	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/peerconn"
	"github.com/praveer13/zest-swarm/internal/peerpool"
	"github.com/praveer13/zest-swarm/internal/wire"
)

func testLog() logger.Logger { return logger.New("swarm-test") }

var testInfoHash = [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
var testLocalPeerID = [20]byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}

// startScriptedPeer runs a single-connection BitTorrent peer on a fresh
// TCP listener and answers chunk requests with handler. It returns the
// listener's address and a stop function.
func startScriptedPeer(t *testing.T, handler peerconn.ChunkHandler) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var remotePeerID [20]byte
	copy(remotePeerID[:], "scriptedpeeridxxxxxx")

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn, err := peerconn.Accept(nc, testInfoHash, remotePeerID, 6881, testLog())
		if err != nil {
			return
		}
		_ = conn.ServeLoop(handler)
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func newTestOrchestrator(t *testing.T, stubCAS *cas.StubCAS, memCache *cas.MemCache) *Orchestrator {
	cfg := DefaultConfig()
	cfg.PeerFetchTimeout = 2 * time.Second
	cfg.MaxParallelPeers = 1
	pool := peerpool.New(8, testInfoHash, testLocalPeerID, 6881, testLog())
	t.Cleanup(pool.CloseAll)
	return New(cfg, stubCAS, memCache, cas.StubXorbReader{}, pool, nil, nil, testLocalPeerID, testInfoHash, testLog())
}

func TestScenarioCacheHit(t *testing.T) {
	stubCAS := cas.NewStubCAS()
	memCache := cas.NewMemCache()
	o := newTestOrchestrator(t, stubCAS, memCache)

	var xorbHash cas.XorbHash
	xorbHash[0] = 1
	term := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 0, End: 4}}
	require.NoError(t, memCache.Put(xorbHash.Hex(), []byte("data")))

	data, err := o.FetchXorbForTerm(context.Background(), term, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), data)
	require.EqualValues(t, 1, o.Stats().XorbsFromCache.Count())
	require.EqualValues(t, 0, o.Stats().XorbsFromPeer.Count())
	require.EqualValues(t, 0, o.Stats().XorbsFromCDN.Count())
}

func TestScenarioSinglePeerSuccess(t *testing.T) {
	stubCAS := cas.NewStubCAS()
	stubCAS.URLContents["http://dead.invalid/xorb"] = nil // dead endpoint: present but empty/unreachable in spirit
	memCache := cas.NewMemCache()
	o := newTestOrchestrator(t, stubCAS, memCache)

	addr, stop := startScriptedPeer(t, func(_ [32]byte, start, end uint32) ([]byte, error) {
		return []byte("peer-bytes"), nil
	})
	defer stop()

	var xorbHash cas.XorbHash
	xorbHash[0] = 2
	term := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 0, End: 10}}

	data, err := o.FetchXorbForTerm(context.Background(), term, nil, []string{addr})
	require.NoError(t, err)
	require.Equal(t, []byte("peer-bytes"), data)
	require.EqualValues(t, 1, o.Stats().XorbsFromPeer.Count())
}

func TestScenarioPeerNotFoundCDNFills(t *testing.T) {
	stubCAS := cas.NewStubCAS()
	memCache := cas.NewMemCache()
	o := newTestOrchestrator(t, stubCAS, memCache)

	addr, stop := startScriptedPeer(t, func(_ [32]byte, start, end uint32) ([]byte, error) {
		return nil, peerconn.ErrChunkNotLocal
	})
	defer stop()

	var xorbHash cas.XorbHash
	xorbHash[0] = 3
	term := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 0, End: 4}}
	fetchEntries := []cas.FetchEntry{{
		URL:        "http://cdn.example/xorb3",
		ByteRange:  cas.ByteRange{Start: 0, End: 4},
		ChunkRange: cas.ChunkRange{Start: 0, End: 4},
	}}
	stubCAS.URLContents["http://cdn.example/xorb3"] = []byte("cdn!")

	data, err := o.FetchXorbForTerm(context.Background(), term, fetchEntries, []string{addr})
	require.NoError(t, err)
	require.Equal(t, []byte("cdn!"), data)
	require.EqualValues(t, 1, o.Stats().XorbsFromCDN.Count())
	require.EqualValues(t, 0, o.Stats().XorbsFromPeer.Count())

	// The peer must remain in the pool: chunk_not_found is not a
	// transport failure, so fetchFromPeer must not have called Evict.
	require.Equal(t, 1, o.pool.Len())
}

func TestScenarioPeerDropsMidResponseFallsBackToCDN(t *testing.T) {
	stubCAS := cas.NewStubCAS()
	memCache := cas.NewMemCache()
	o := newTestOrchestrator(t, stubCAS, memCache)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var remotePeerID [20]byte
	copy(remotePeerID[:], "scriptedpeeridxxxxxx")
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn, err := peerconn.Accept(nc, testInfoHash, remotePeerID, 6881, testLog())
		if err != nil {
			return
		}
		// Read up to the first chunk_request (past the client's unchoke and
		// interested), start a response frame, and close the socket
		// partway through it, simulating a peer dropping mid-response.
		for {
			msg, err := wire.ReadMessage(nc)
			if err != nil {
				return
			}
			if msg != nil && msg.ID == wire.Extended {
				break
			}
		}
		// Header declares a 64-byte body; only the id and extension bytes follow.
		_, _ = nc.Write([]byte{0x00, 0x00, 0x00, 0x40, byte(wire.Extended), 1})
		nc.Close()
		_ = conn
	}()

	var xorbHash cas.XorbHash
	xorbHash[0] = 4
	term := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 0, End: 4}}
	fetchEntries := []cas.FetchEntry{{
		URL:        "http://cdn.example/xorb4",
		ByteRange:  cas.ByteRange{Start: 0, End: 4},
		ChunkRange: cas.ChunkRange{Start: 0, End: 4},
	}}
	stubCAS.URLContents["http://cdn.example/xorb4"] = []byte("cdn4")

	data, err := o.FetchXorbForTerm(context.Background(), term, fetchEntries, []string{ln.Addr().String()})
	require.NoError(t, err)
	require.Equal(t, []byte("cdn4"), data)
	require.EqualValues(t, 1, o.Stats().XorbsFromCDN.Count())
	require.Equal(t, 0, o.pool.Len(), "dropped peer must be evicted from the pool")
}

// TestScenarioWideFetchReusedByLaterTerm exercises the wide-range
// request policy: the peer is asked for the fetch entry's full chunk
// range rather than the term's narrower one, so the cached payload can
// satisfy a later term of the same xorb without any further traffic.
func TestScenarioWideFetchReusedByLaterTerm(t *testing.T) {
	stubCAS := cas.NewStubCAS()
	memCache := cas.NewMemCache()
	o := newTestOrchestrator(t, stubCAS, memCache)

	var mu sync.Mutex
	var requestedRanges [][2]uint32
	addr, stop := startScriptedPeer(t, func(_ [32]byte, start, end uint32) ([]byte, error) {
		mu.Lock()
		requestedRanges = append(requestedRanges, [2]uint32{start, end})
		mu.Unlock()
		return []byte("0123456789")[start:end], nil
	})
	defer stop()

	var xorbHash cas.XorbHash
	xorbHash[0] = 6
	fetchEntries := []cas.FetchEntry{{
		URL:        "http://cdn.example/xorb6",
		ByteRange:  cas.ByteRange{Start: 0, End: 10},
		ChunkRange: cas.ChunkRange{Start: 0, End: 10},
	}}

	term1 := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 2, End: 5}}
	data, err := o.FetchXorbForTerm(context.Background(), term1, fetchEntries, []string{addr})
	require.NoError(t, err)
	require.Equal(t, []byte("234"), data)
	mu.Lock()
	require.Equal(t, [][2]uint32{{0, 10}}, requestedRanges, "peer must be asked for the fetch entry's full range")
	mu.Unlock()

	term2 := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 6, End: 9}}
	data, err = o.FetchXorbForTerm(context.Background(), term2, fetchEntries, []string{addr})
	require.NoError(t, err)
	require.Equal(t, []byte("678"), data)
	mu.Lock()
	require.Len(t, requestedRanges, 1, "second term must be a cache hit, not a second peer request")
	mu.Unlock()
	require.EqualValues(t, 1, o.Stats().XorbsFromCache.Count())
	require.EqualValues(t, 1, o.Stats().XorbsFromPeer.Count())
}

func TestScenarioAllTiersExhaustedReturnsError(t *testing.T) {
	stubCAS := cas.NewStubCAS()
	memCache := cas.NewMemCache()
	o := newTestOrchestrator(t, stubCAS, memCache)

	var xorbHash cas.XorbHash
	xorbHash[0] = 5
	term := cas.Term{XorbHash: xorbHash, ChunkRange: cas.ChunkRange{Start: 0, End: 4}}

	_, err := o.FetchXorbForTerm(context.Background(), term, nil, nil)
	require.Error(t, err)
}
