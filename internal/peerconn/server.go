package peerconn

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/wire"
	"github.com/praveer13/zest-swarm/internal/xet"
)

// AcceptTimeout bounds the handshake sequence for a freshly accepted
// connection before the remote side is given up on.
const AcceptTimeout = 10 * time.Second

// Accept performs the server side of the BEP 3 and BEP 10 handshakes on
// an already-accepted net.Conn, verifying the incoming info_hash against
// expectedInfoHash. It returns a Conn in the Connected state.
func Accept(nc net.Conn, expectedInfoHash, localPeerID [20]byte, listenPort int, log logger.Logger) (*Conn, error) {
	_ = nc.SetDeadline(time.Now().Add(AcceptTimeout))
	defer nc.SetDeadline(time.Time{})

	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: read handshake")
	}
	if in.InfoHash != expectedInfoHash {
		return nil, errors.New("peerconn: info_hash mismatch")
	}
	return completeServerHandshake(nc, in, localPeerID, listenPort, log)
}

// AcceptMultiplexed performs the server side of the handshake for a
// listener shared by every swarm a node participates in, where the
// expected info_hash is not known until the incoming handshake names it.
// knownInfoHash is called with the info_hash the remote peer asked for;
// returning false rejects the connection before any bytes are echoed
// back, letting a single listener serve every xorb swarm the process
// participates in.
func AcceptMultiplexed(nc net.Conn, localPeerID [20]byte, listenPort int, knownInfoHash func(infoHash [20]byte) bool, log logger.Logger) (*Conn, error) {
	_ = nc.SetDeadline(time.Now().Add(AcceptTimeout))
	defer nc.SetDeadline(time.Time{})

	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: read handshake")
	}
	if !knownInfoHash(in.InfoHash) {
		return nil, errors.Errorf("peerconn: unknown info_hash %x", in.InfoHash)
	}
	return completeServerHandshake(nc, in, localPeerID, listenPort, log)
}

func completeServerHandshake(nc net.Conn, in wire.Handshake, localPeerID [20]byte, listenPort int, log logger.Logger) (*Conn, error) {
	c := newConn(nc, in.InfoHash, log)
	c.peerID = in.PeerID
	c.setState(TCPReady)

	out := wire.NewHandshake(in.InfoHash, localPeerID)
	if err := wire.WriteHandshake(nc, out); err != nil {
		return nil, errors.Wrap(err, "peerconn: write handshake")
	}
	c.setState(HandshakeSent)

	if !in.SupportsBEP10() {
		return nil, ErrPeerLacksExtension
	}

	if err := c.readRemoteExtHandshake(); err != nil {
		return nil, err
	}

	if err := c.sendExtended(xet.HandshakeID, extHandshakePayload(c.localXetID, listenPort)); err != nil {
		return nil, errors.Wrap(err, "peerconn: write ext handshake")
	}
	c.setState(Connected)
	return c, nil
}

// ChunkHandler answers an incoming chunk_request, returning the bytes
// covering exactly [rangeStart, rangeEnd) or an error to translate into
// chunk_error / chunk_not_found. ErrChunkNotLocal signals
// chunk_not_found specifically. Because the handler rebases any local
// sub-range hit itself before returning, the chunk_response's
// chunk_offset is always 0 relative to the requested range.
type ChunkHandler func(chunkHash [32]byte, rangeStart, rangeEnd uint32) ([]byte, error)

// ErrChunkNotLocal is the sentinel a ChunkHandler returns to request a
// chunk_not_found response instead of chunk_error.
var ErrChunkNotLocal = errors.New("peerconn: chunk not held locally")

// ServeLoop reads chunk_request messages from the peer and answers them
// with handler until the connection closes or a non-recoverable error
// occurs. It runs on the caller's goroutine: the accepting side owns
// per-peer goroutine lifecycle rather than the connection spawning its
// own.
func (c *Conn) ServeLoop(handler ChunkHandler) error {
	for {
		extID, payload, msgID, err := c.readExtended()
		if err != nil {
			return err
		}
		if msgID != wire.Extended {
			// non-extended messages (e.g. keep-alive already filtered,
			// choke/interested) are outside zest's scope; ignore and continue.
			continue
		}
		if int64(extID) != c.localXetID {
			c.log.Debugf("ignoring extended message for unknown local id %d", extID)
			continue
		}
		decoded, err := xet.Decode(payload)
		if err != nil {
			c.log.Warnf("malformed xet payload from %s: %v", c.RemoteAddr(), err)
			continue
		}
		if decoded.Type != xet.ChunkRequest {
			continue
		}
		req := decoded.ChunkRequest
		c.handleChunkRequest(*req, handler)
	}
}

func (c *Conn) handleChunkRequest(req xet.ChunkRequestMsg, handler ChunkHandler) {
	data, err := handler(req.ChunkHash, req.RangeStart, req.RangeEnd)
	remoteID, ok := c.remoteExtensionID()
	if !ok {
		return
	}
	switch {
	case err == nil:
		resp := xet.ChunkResponseMsg{RequestID: req.RequestID, ChunkOffset: 0, Data: data}
		if werr := c.sendExtended(byte(remoteID), resp.Encode()); werr != nil {
			c.log.Warnf("send chunk_response to %s: %v", c.RemoteAddr(), werr)
		}
	case errors.Is(err, ErrChunkNotLocal):
		nf := xet.ChunkNotFoundMsg{RequestID: req.RequestID, ChunkHash: req.ChunkHash}
		if werr := c.sendExtended(byte(remoteID), nf.Encode()); werr != nil {
			c.log.Warnf("send chunk_not_found to %s: %v", c.RemoteAddr(), werr)
		}
	default:
		ce := xet.ChunkErrorMsg{RequestID: req.RequestID, ErrorCode: 500, Message: err.Error()}
		if werr := c.sendExtended(byte(remoteID), ce.Encode()); werr != nil {
			c.log.Warnf("send chunk_error to %s: %v", c.RemoteAddr(), werr)
		}
	}
}
