package cas

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func TestComputeInfoHashIsDeterministic(t *testing.T) {
	sum := blake3.Sum256([]byte("some xorb payload"))
	var xh XorbHash
	copy(xh[:], sum[:])

	h1 := ComputeInfoHash(xh)
	h2 := ComputeInfoHash(xh)
	require.Equal(t, h1, h2)
	require.Len(t, h1.Hex(), 40) // 20 bytes, hex-encoded
}

func TestComputeInfoHashMatchesDerivation(t *testing.T) {
	sum := blake3.Sum256([]byte("derivation fixture"))
	var xh XorbHash
	copy(xh[:], sum[:])

	want := sha1.Sum(append([]byte("zest-xet-v1:"), xh[:]...))
	require.Equal(t, InfoHash(want), ComputeInfoHash(xh))
}

func TestComputeInfoHashExtremeInputsDiffer(t *testing.T) {
	var zeros, ones XorbHash
	for i := range ones {
		ones[i] = 0xFF
	}
	require.NotEqual(t, ComputeInfoHash(zeros), ComputeInfoHash(ones))
}

func TestComputeInfoHashDiffersPerXorb(t *testing.T) {
	sum1 := blake3.Sum256([]byte("xorb one"))
	sum2 := blake3.Sum256([]byte("xorb two"))
	var x1, x2 XorbHash
	copy(x1[:], sum1[:])
	copy(x2[:], sum2[:])

	require.NotEqual(t, ComputeInfoHash(x1), ComputeInfoHash(x2))
}

func TestXorbHashFromHexRoundTrip(t *testing.T) {
	sum := blake3.Sum256([]byte("round trip me"))
	var xh XorbHash
	copy(xh[:], sum[:])

	got, err := XorbHashFromHex(xh.Hex())
	require.NoError(t, err)
	require.Equal(t, xh, got)
}

func TestXorbHashFromHexRejectsWrongLength(t *testing.T) {
	_, err := XorbHashFromHex("abcd")
	require.Error(t, err)
}

func TestChunkRangeContains(t *testing.T) {
	outer := ChunkRange{Start: 0, End: 10}
	require.True(t, outer.Contains(ChunkRange{Start: 2, End: 8}))
	require.True(t, outer.Contains(outer))
	require.False(t, outer.Contains(ChunkRange{Start: 2, End: 11}))
}

func TestFindFetchEntryPicksSatisfyingRange(t *testing.T) {
	entries := []FetchEntry{
		{URL: "http://cdn/a", ChunkRange: ChunkRange{Start: 0, End: 4}},
		{URL: "http://cdn/b", ChunkRange: ChunkRange{Start: 0, End: 20}},
	}
	entry, ok := FindFetchEntry(entries, ChunkRange{Start: 5, End: 10})
	require.True(t, ok)
	require.Equal(t, "http://cdn/b", entry.URL)
}

func TestFindFetchEntryNoneSatisfies(t *testing.T) {
	entries := []FetchEntry{{ChunkRange: ChunkRange{Start: 0, End: 4}}}
	_, ok := FindFetchEntry(entries, ChunkRange{Start: 5, End: 10})
	require.False(t, ok)
}

func TestMemCacheGetPut(t *testing.T) {
	c := NewMemCache()
	require.False(t, c.Has("x"))
	require.NoError(t, c.Put("x", []byte("hello")))
	require.True(t, c.Has("x"))
	entry, ok := c.Get("x", 0)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), entry.Data)
}

func TestStubXorbReaderExtractsRange(t *testing.T) {
	r := StubXorbReader{}
	data, err := r.ExtractChunkRange([]byte("0123456789"), 2, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("234"), data)
}

func TestStubXorbReaderRejectsOutOfBounds(t *testing.T) {
	r := StubXorbReader{}
	_, err := r.ExtractChunkRange([]byte("01"), 0, 5)
	require.Error(t, err)
}

func TestErrorWrapPreservesKind(t *testing.T) {
	err := Wrap(KindTransport, "dial failed", errInnerForTest)
	require.True(t, IsKind(err, KindTransport))
	require.False(t, IsKind(err, KindProtocol))
}

var errInnerForTest = &Error{Kind: KindTransport, Msg: "inner"}
