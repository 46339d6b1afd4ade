// Package xet implements the BEP-10 extended-handshake dictionary and the
// four BEP-XET chunk-transfer sub-messages that ride inside it, carrying
// chunk_request/response/not_found/error frames between peers.
package xet

import "github.com/praveer13/zest-swarm/internal/bencode"

// ExtensionName is the BEP-10 extension identifier this system registers.
const ExtensionName = "ut_xet"

// HandshakeID is the BEP-10 reserved extended-message ID (0) for the
// extended handshake dictionary itself.
const HandshakeID = 0

// Handshake is the bencoded `m`/`p`/`v` BEP-10 extended handshake dict.
type Handshake struct {
	M map[string]int64 `bencode:"m"`
	P int64            `bencode:"p,omitempty"`
	V string           `bencode:"v,omitempty"`
}

// NewHandshake builds the handshake this system sends, advertising
// ut_xet at localID and our listen port and client version string.
func NewHandshake(localID int64, listenPort int, version string) Handshake {
	return Handshake{
		M: map[string]int64{ExtensionName: localID},
		P: int64(listenPort),
		V: version,
	}
}

// Encode bencodes the handshake dict via the struct-tag codec driven by
// h's own `bencode:"..."` tags, rather than building the dict by hand.
func (h Handshake) Encode() []byte {
	b, err := bencode.Marshal(h)
	if err != nil {
		// Handshake's fields are all codec-representable kinds (map,
		// int64, string), so Marshal cannot fail here.
		panic(err)
	}
	return b
}

// DecodeHandshake parses a BEP-10 extended handshake payload.
func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if err := bencode.Unmarshal(b, &h); err != nil {
		return Handshake{}, err
	}
	if h.M == nil {
		h.M = make(map[string]int64)
	}
	return h, nil
}

// RemoteXetID returns the extension ID the remote peer assigned to
// ut_xet, and whether it advertised support for it at all.
func (h Handshake) RemoteXetID() (id int64, ok bool) {
	id, ok = h.M[ExtensionName]
	return id, ok && id != 0
}
