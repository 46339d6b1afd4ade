package peerconn

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/logger"
	"github.com/praveer13/zest-swarm/internal/wire"
	"github.com/praveer13/zest-swarm/internal/xet"
)

// DefaultDialTimeout bounds the TCP dial plus handshake sequence when the
// caller does not configure one.
const DefaultDialTimeout = 10 * time.Second

// Dial opens a TCP connection to addr, performs the BEP 3 handshake and
// the BEP 10 extended handshake, and returns a Conn in the Connected
// state. It returns ErrPeerLacksExtension if the remote peer never
// advertises ut_xet.
func Dial(addr string, infoHash, localPeerID [20]byte, listenPort int, timeout time.Duration, log logger.Logger) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: dial")
	}
	c, err := handshakeAsClient(nc, infoHash, localPeerID, listenPort, timeout, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func handshakeAsClient(nc net.Conn, infoHash, localPeerID [20]byte, listenPort int, timeout time.Duration, log logger.Logger) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	_ = nc.SetDeadline(time.Now().Add(timeout))
	defer nc.SetDeadline(time.Time{})

	c := newConn(nc, infoHash, log)
	c.setState(TCPReady)

	out := wire.NewHandshake(infoHash, localPeerID)
	if err := wire.WriteHandshake(nc, out); err != nil {
		return nil, errors.Wrap(err, "peerconn: write handshake")
	}
	c.setState(HandshakeSent)

	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: read handshake")
	}
	if in.InfoHash != infoHash {
		return nil, errors.New("peerconn: info_hash mismatch")
	}
	c.peerID = in.PeerID
	if !in.SupportsBEP10() {
		return nil, ErrPeerLacksExtension
	}

	if err := c.sendExtended(xet.HandshakeID, extHandshakePayload(c.localXetID, listenPort)); err != nil {
		return nil, errors.Wrap(err, "peerconn: write ext handshake")
	}
	if err := wire.WriteMessage(nc, wire.Unchoke, nil); err != nil {
		return nil, errors.Wrap(err, "peerconn: write unchoke")
	}
	if err := wire.WriteMessage(nc, wire.Interested, nil); err != nil {
		return nil, errors.Wrap(err, "peerconn: write interested")
	}
	c.setState(ExtHandshakeSent)

	if err := c.readRemoteExtHandshake(); err != nil {
		return nil, err
	}

	c.setState(Connected)
	return c, nil
}

// readRemoteExtHandshake reads messages until the remote peer's extended
// handshake arrives, ignoring keep-alives and standard control messages
// a peer may emit first (bitfield, unchoke, interested).
func (c *Conn) readRemoteExtHandshake() error {
	for {
		extID, payload, msgID, err := c.readExtended()
		if err != nil {
			return errors.Wrap(err, "peerconn: read ext handshake")
		}
		if msgID != wire.Extended {
			continue
		}
		if extID != xet.HandshakeID {
			return errors.New("peerconn: expected extended handshake first")
		}
		h, err := xet.DecodeHandshake(payload)
		if err != nil {
			return errors.Wrap(err, "peerconn: decode ext handshake")
		}
		id, ok := h.RemoteXetID()
		if !ok {
			return ErrPeerLacksExtension
		}
		c.setRemoteExtensionID(id)
		return nil
	}
}
