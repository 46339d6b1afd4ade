package tracker

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAnnounceURLEncodesBinaryFields(t *testing.T) {
	var state AnnounceState
	copy(state.InfoHash[:], "\x01\x02\x03\x04\x05\x06\x07\x08\x09\x10\x11\x12\x13\x14\x15\x16\x17\x18\x19\x20")
	copy(state.PeerID[:], "-ZT0001-aaaaaaaaaaaa")
	state.Port = 6881
	state.BytesLeft = 1000

	got, err := buildAnnounceURL("http://tracker.example/announce", state, EventStarted, 50)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, string(state.InfoHash[:]), q.Get("info_hash"))
	require.Equal(t, string(state.PeerID[:]), q.Get("peer_id"))
	require.Equal(t, "6881", q.Get("port"))
	require.Equal(t, "started", q.Get("event"))
	require.Equal(t, "50", q.Get("numwant"))
	require.Equal(t, "1", q.Get("compact"))
}

func TestParseAnnounceResponseFailureReason(t *testing.T) {
	body := []byte("d14:failure reason17:info_hash invalide")
	_, err := parseAnnounceResponse(body)
	require.Error(t, err)
	ferr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, "info_hash invalid", ferr.Reason)
}

func TestParseAnnounceResponseDefaultsInterval(t *testing.T) {
	body := []byte("d5:peers0:e")
	resp, err := parseAnnounceResponse(body)
	require.NoError(t, err)
	require.Equal(t, DefaultInterval, resp.Interval)
	require.Empty(t, resp.Peers)
}

func TestParseAnnounceResponseCompactPeers(t *testing.T) {
	// Two peers: 1.2.3.4:6881 and 5.6.7.8:6882, compact-encoded.
	peers := []byte{1, 2, 3, 4, 0x1A, 0xE1, 5, 6, 7, 8, 0x1A, 0xE2}
	body := append([]byte("d8:intervali900e5:peers12:"), peers...)
	body = append(body, 'e')

	resp, err := parseAnnounceResponse(body)
	require.NoError(t, err)
	require.Equal(t, DefaultInterval/2, resp.Interval)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "1.2.3.4:6881", resp.Peers[0].String())
	require.Equal(t, "5.6.7.8:6882", resp.Peers[1].String())
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}
