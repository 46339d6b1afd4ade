package cas

import (
	"context"
	"sync"
)

// MemCache is an in-memory Cache used by internal/swarm's tests. It
// holds at most one entry per xorb (full or partial) and does not merge
// ranges.
type MemCache struct {
	mu    sync.Mutex
	store map[string]CacheEntry
}

// NewMemCache returns an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{store: make(map[string]CacheEntry)}
}

// Get returns the cached entry for xorbHashHex if it begins at or before
// chunkOffset; the caller rebases with the entry's own ChunkOffset.
func (c *MemCache) Get(xorbHashHex string, chunkOffset uint32) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.store[xorbHashHex]
	if !ok || entry.ChunkOffset > chunkOffset {
		return CacheEntry{}, false
	}
	return entry, true
}

// Put stores data as the full xorb, replacing any prior value.
func (c *MemCache) Put(xorbHashHex string, data []byte) error {
	return c.PutPartial(xorbHashHex, 0, data)
}

// PutPartial stores data as a sub-range beginning at chunkOffset,
// replacing any prior entry.
func (c *MemCache) PutPartial(xorbHashHex string, chunkOffset uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[xorbHashHex] = CacheEntry{Data: append([]byte(nil), data...), ChunkOffset: chunkOffset}
	return nil
}

// Has reports whether xorbHashHex is present, for test assertions.
func (c *MemCache) Has(xorbHashHex string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[xorbHashHex]
	return ok
}

// StubXorbReader is a XorbReader whose ExtractChunkRange simply slices
// the payload assuming 1 chunk == 1 byte, which is all internal/swarm's
// tests need to exercise the waterfall without a real xorb codec.
type StubXorbReader struct{}

// ExtractChunkRange returns xorb[localStart:localEnd].
func (StubXorbReader) ExtractChunkRange(xorb []byte, localStart, localEnd uint32) ([]byte, error) {
	if localEnd > uint32(len(xorb)) || localStart > localEnd {
		return nil, ErrInput("chunk range out of bounds")
	}
	return xorb[localStart:localEnd], nil
}

// StubCAS is a CAS collaborator double for tests: a fixed reconstruction
// answer per file hash, and byte slices per URL.
type StubCAS struct {
	mu          sync.Mutex
	Recon       map[string]*ReconstructionInfo
	URLContents map[string][]byte
}

// NewStubCAS returns an empty StubCAS.
func NewStubCAS() *StubCAS {
	return &StubCAS{
		Recon:       make(map[string]*ReconstructionInfo),
		URLContents: make(map[string][]byte),
	}
}

// GetReconstruction returns the stubbed answer for fileHashHex, or a
// KindNegative error if none was registered.
func (s *StubCAS) GetReconstruction(_ context.Context, fileHashHex string) (*ReconstructionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Recon[fileHashHex]
	if !ok {
		return nil, &Error{Kind: KindNegative, Msg: "no reconstruction for " + fileHashHex}
	}
	return r, nil
}

// FetchFromURL returns the stubbed byte range for url.
func (s *StubCAS) FetchFromURL(_ context.Context, url string, byteRange ByteRange) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.URLContents[url]
	if !ok {
		return nil, &Error{Kind: KindNegative, Msg: "no stub content for " + url}
	}
	if byteRange.End > int64(len(full)) || byteRange.Start > byteRange.End {
		return nil, ErrInput("byte range out of bounds")
	}
	return full[byteRange.Start:byteRange.End], nil
}
