// Package wire implements the BitTorrent wire protocol framing this
// system rides on: the BEP 3 handshake and the BEP 10 extended-message
// envelope. It has no notion of pieces, chokes, or rarest-first — only
// the byte-level protocol that BEP-XET (internal/xet) and the peer
// connection state machines (internal/peerconn) are built on top of.
package wire

import (
	"fmt"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	// HandshakeLen is the fixed wire size of a handshake message.
	HandshakeLen = 1 + 19 + 8 + 20 + 20

	// extensionByteIndex and extensionBitMask locate the reserved-byte bit
	// (reserved byte index 5, mask 0x10) advertising BEP-10
	// extended-message support.
	extensionByteIndex = 5
	extensionBitMask   = 0x10
)

// Handshake is the 68-byte BEP 3 handshake: pstrlen, pstr, 8 reserved
// bytes, a 20-byte info hash, and a 20-byte peer id.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake advertising BEP-10 support.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[extensionByteIndex] |= extensionBitMask
	return h
}

// SupportsBEP10 reports whether the reserved bytes advertise extended
// message support.
func (h Handshake) SupportsBEP10() bool {
	return h.Reserved[extensionByteIndex]&extensionBitMask != 0
}

// Bytes serializes the handshake to its 68-byte wire form.
func (h Handshake) Bytes() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ErrInvalidProtocolString is returned by ReadHandshake when pstrlen or
// pstr does not match the fixed BitTorrent protocol string.
var ErrInvalidProtocolString = fmt.Errorf("wire: invalid protocol string")

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Bytes())
	return err
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hdr [1 + 19]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Handshake{}, err
	}
	if hdr[0] != byte(len(protocolString)) || string(hdr[1:]) != protocolString {
		return Handshake{}, ErrInvalidProtocolString
	}
	var rest [8 + 20 + 20]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Handshake{}, err
	}
	var h Handshake
	copy(h.Reserved[:], rest[0:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return h, nil
}
