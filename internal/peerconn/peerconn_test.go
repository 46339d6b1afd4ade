package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/wire"
	"github.com/praveer13/zest-swarm/internal/xet"
)

func testLog() logger.Logger { return logger.New("peerconn-test") }

// scriptedHandshake performs the remote side of the handshake sequence
// manually over one end of a net.Pipe, letting tests script exact
// response bytes without a real ServeLoop.
func scriptedHandshake(t *testing.T, srv net.Conn, infoHash, remotePeerID [20]byte, remoteXetID int64) {
	t.Helper()
	in, err := wire.ReadHandshake(srv)
	require.NoError(t, err)
	require.Equal(t, infoHash, in.InfoHash)

	out := wire.NewHandshake(infoHash, remotePeerID)
	require.NoError(t, wire.WriteHandshake(srv, out))

	msg, err := wire.ReadMessage(srv)
	require.NoError(t, err)
	require.Equal(t, wire.Extended, msg.ID)
	require.Equal(t, byte(xet.HandshakeID), msg.Payload[0])

	// The client follows its extended handshake with unchoke and
	// interested; net.Pipe is unbuffered, so drain them before replying.
	for _, want := range []wire.MessageID{wire.Unchoke, wire.Interested} {
		msg, err := wire.ReadMessage(srv)
		require.NoError(t, err)
		require.Equal(t, want, msg.ID)
	}

	h := xet.NewHandshake(remoteXetID, 6881, "scripted-peer/1.0")
	framed := append([]byte{byte(xet.HandshakeID)}, h.Encode()...)
	require.NoError(t, wire.WriteMessage(srv, wire.Extended, framed))
}

func TestClientHandshakeSucceeds(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	var infoHash, peerID, remotePeerID [20]byte
	copy(infoHash[:], "infohash0123456789ab")
	copy(peerID[:], "localpeeridxxxxxxxxx")
	copy(remotePeerID[:], "remotepeeridxxxxxxxx")

	done := make(chan error, 1)
	var conn *Conn
	go func() {
		c, err := handshakeAsClient(client, infoHash, peerID, 6881, 2*time.Second, testLog())
		conn = c
		done <- err
	}()

	scriptedHandshake(t, srv, infoHash, remotePeerID, 7)
	require.NoError(t, <-done)
	require.Equal(t, Connected, conn.State())
	require.Equal(t, remotePeerID, conn.PeerID())
	id, ok := conn.remoteExtensionID()
	require.True(t, ok)
	require.EqualValues(t, 7, id)
}

func TestClientHandshakeRejectsInfoHashMismatch(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	var infoHash, otherHash, peerID, remotePeerID [20]byte
	copy(infoHash[:], "infohash0123456789ab")
	copy(otherHash[:], "differenthash0000000")
	copy(peerID[:], "localpeeridxxxxxxxxx")
	copy(remotePeerID[:], "remotepeeridxxxxxxxx")

	done := make(chan error, 1)
	go func() {
		_, err := handshakeAsClient(client, infoHash, peerID, 6881, 2*time.Second, testLog())
		done <- err
	}()

	in, err := wire.ReadHandshake(srv)
	require.NoError(t, err)
	require.Equal(t, infoHash, in.InfoHash)
	out := wire.NewHandshake(otherHash, remotePeerID)
	require.NoError(t, wire.WriteHandshake(srv, out))

	require.Error(t, <-done)
}

func TestRequestChunkMatchesResponseByID(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	var infoHash, peerID, remotePeerID [20]byte
	copy(infoHash[:], "infohash0123456789ab")
	copy(peerID[:], "localpeeridxxxxxxxxx")
	copy(remotePeerID[:], "remotepeeridxxxxxxxx")

	clientDone := make(chan *Conn, 1)
	go func() {
		c, err := handshakeAsClient(client, infoHash, peerID, 6881, 2*time.Second, testLog())
		require.NoError(t, err)
		clientDone <- c
	}()
	scriptedHandshake(t, srv, infoHash, remotePeerID, 7)
	conn := <-clientDone

	var chunkHash [32]byte
	copy(chunkHash[:], "chunkhashxxxxxxxxxxxxxxxxxxxxxxx")

	requestDone := make(chan struct {
		data []byte
		err  error
	}, 1)
	go func() {
		data, err := conn.RequestChunk(chunkHash, 0, 4, time.Second)
		requestDone <- struct {
			data []byte
			err  error
		}{data, err}
	}()

	// Read the chunk_request on the server side, then reply with a
	// mismatched request_id first (must be discarded), then the real one.
	msg, err := wire.ReadMessage(srv)
	require.NoError(t, err)
	require.Equal(t, wire.Extended, msg.ID)
	decoded, err := xet.Decode(msg.Payload[1:])
	require.NoError(t, err)
	require.Equal(t, xet.ChunkRequest, decoded.Type)
	realID := decoded.ChunkRequest.RequestID

	stale := xet.ChunkResponseMsg{RequestID: realID + 100, ChunkOffset: 0, Data: []byte("bad!")}
	require.NoError(t, wire.WriteMessage(srv, wire.Extended, append([]byte{localExtensionID}, stale.Encode()...)))

	real := xet.ChunkResponseMsg{RequestID: realID, ChunkOffset: 0, Data: []byte("good")}
	require.NoError(t, wire.WriteMessage(srv, wire.Extended, append([]byte{localExtensionID}, real.Encode()...)))

	result := <-requestDone
	require.NoError(t, result.err)
	require.Equal(t, []byte("good"), result.data)
}

func TestRequestChunkReturnsRejectedOnChunkError(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	var infoHash, peerID, remotePeerID [20]byte
	copy(infoHash[:], "infohash0123456789ab")
	copy(peerID[:], "localpeeridxxxxxxxxx")
	copy(remotePeerID[:], "remotepeeridxxxxxxxx")

	clientDone := make(chan *Conn, 1)
	go func() {
		c, err := handshakeAsClient(client, infoHash, peerID, 6881, 2*time.Second, testLog())
		require.NoError(t, err)
		clientDone <- c
	}()
	scriptedHandshake(t, srv, infoHash, remotePeerID, 7)
	conn := <-clientDone

	var chunkHash [32]byte
	requestDone := make(chan error, 1)
	go func() {
		_, err := conn.RequestChunk(chunkHash, 0, 4, time.Second)
		requestDone <- err
	}()

	msg, err := wire.ReadMessage(srv)
	require.NoError(t, err)
	decoded, err := xet.Decode(msg.Payload[1:])
	require.NoError(t, err)
	realID := decoded.ChunkRequest.RequestID

	ce := xet.ChunkErrorMsg{RequestID: realID, ErrorCode: 500, Message: "boom"}
	require.NoError(t, wire.WriteMessage(srv, wire.Extended, append([]byte{localExtensionID}, ce.Encode()...)))

	err = <-requestDone
	require.Error(t, err)
	rejected, ok := err.(*ErrChunkRejected)
	require.True(t, ok)
	require.False(t, rejected.NotFound)
	require.Equal(t, uint32(500), rejected.Code)

	// Connection must remain usable after a chunk_error.
	require.Equal(t, Connected, conn.State())
}

func TestPipelinedRequestsReorderByRequestID(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	var infoHash, peerID, remotePeerID [20]byte
	copy(infoHash[:], "infohash0123456789ab")
	copy(peerID[:], "localpeeridxxxxxxxxx")
	copy(remotePeerID[:], "remotepeeridxxxxxxxx")

	clientDone := make(chan *Conn, 1)
	go func() {
		c, err := handshakeAsClient(client, infoHash, peerID, 6881, 2*time.Second, testLog())
		require.NoError(t, err)
		clientDone <- c
	}()
	scriptedHandshake(t, srv, infoHash, remotePeerID, 7)
	conn := <-clientDone

	var chunkHash [32]byte
	var ids [3]uint32
	// net.Pipe is unbuffered: the three sends run on their own goroutine
	// while this goroutine reads them as the scripted server.
	sendDone := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			id, err := conn.SendChunkRequest(chunkHash, uint32(i), uint32(i+1))
			if err != nil {
				sendDone <- err
				return
			}
			ids[i] = id
		}
		sendDone <- nil
	}()

	// Server reads all three requests, then replies out of order: 2, 0, 1.
	var reqIDs [3]uint32
	for i := 0; i < 3; i++ {
		msg, err := wire.ReadMessage(srv)
		require.NoError(t, err)
		decoded, err := xet.Decode(msg.Payload[1:])
		require.NoError(t, err)
		reqIDs[i] = decoded.ChunkRequest.RequestID
	}
	require.NoError(t, <-sendDone)
	order := []int{2, 0, 1}
	replyDone := make(chan error, 1)
	go func() {
		for _, i := range order {
			resp := xet.ChunkResponseMsg{RequestID: reqIDs[i], Data: []byte{byte('A' + i)}}
			if err := wire.WriteMessage(srv, wire.Extended, append([]byte{localExtensionID}, resp.Encode()...)); err != nil {
				replyDone <- err
				return
			}
		}
		replyDone <- nil
	}()

	results := make(map[uint32][]byte)
	for i := 0; i < 3; i++ {
		resp, err := conn.ReceiveChunkResponse(time.Second)
		require.NoError(t, err)
		results[resp.RequestID] = resp.Data
	}
	require.NoError(t, <-replyDone)

	for i := 0; i < 3; i++ {
		require.Equal(t, []byte{byte('A' + i)}, results[ids[i]])
	}
}
