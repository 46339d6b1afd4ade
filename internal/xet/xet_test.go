package xet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := NewHandshake(3, 6881, "zest-swarm/0.1")
	b := h.Encode()
	got, err := DecodeHandshake(b)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.M[ExtensionName])
	require.Equal(t, int64(6881), got.P)
	require.Equal(t, "zest-swarm/0.1", got.V)

	id, ok := got.RemoteXetID()
	require.True(t, ok)
	require.Equal(t, int64(3), id)
}

func TestRemoteXetIDAbsent(t *testing.T) {
	h := Handshake{M: map[string]int64{}}
	_, ok := h.RemoteXetID()
	require.False(t, ok)
}

func TestRemoteXetIDZeroNotAccepted(t *testing.T) {
	h := Handshake{M: map[string]int64{ExtensionName: 0}}
	_, ok := h.RemoteXetID()
	require.False(t, ok)
}

func TestChunkRequestRoundTrip(t *testing.T) {
	m := ChunkRequestMsg{RequestID: 7, RangeStart: 0, RangeEnd: 10}
	for i := range m.ChunkHash {
		m.ChunkHash[i] = byte(i)
	}
	decoded, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, ChunkRequest, decoded.Type)
	require.Equal(t, m, *decoded.ChunkRequest)
}

func TestChunkResponseRoundTrip(t *testing.T) {
	m := ChunkResponseMsg{RequestID: 9, ChunkOffset: 4, Data: []byte("hello")}
	decoded, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, ChunkResponse, decoded.Type)
	require.Equal(t, m, *decoded.ChunkResp)
}

func TestChunkNotFoundRoundTrip(t *testing.T) {
	m := ChunkNotFoundMsg{RequestID: 2}
	decoded, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, ChunkNotFound, decoded.Type)
	require.Equal(t, m, *decoded.ChunkNF)
}

func TestChunkErrorRoundTrip(t *testing.T) {
	m := ChunkErrorMsg{RequestID: 5, ErrorCode: 500, Message: "boom"}
	decoded, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, ChunkError, decoded.Type)
	require.Equal(t, m, *decoded.ChunkErr)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0xEE, 1, 2, 3})
	require.Error(t, err)
}

func TestDecodeResponseDataLenMismatch(t *testing.T) {
	m := ChunkResponseMsg{RequestID: 1, Data: []byte("abcd")}
	b := m.Encode()
	b = b[:len(b)-1] // truncate a data byte without fixing data_len
	_, err := Decode(b)
	require.Error(t, err)
}
