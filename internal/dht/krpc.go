package dht

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/bencode"
)

// Query method names, per BEP 5.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

// Msg is a KRPC message: a query, a response, or an error. Y selects
// which fields are populated: Query/Args, Response, or ErrCode/ErrMsg.
type Msg struct {
	T string // transaction ID
	Y string // "q", "r", or "e"

	Query    string
	Args     map[string]bencode.Value
	Response map[string]bencode.Value
	ErrCode  int64
	ErrMsg   string
}

// Encode bencodes a Msg into its wire form.
func (m Msg) Encode() []byte {
	dict := map[string]bencode.Value{
		"t": bencode.String([]byte(m.T)),
		"y": bencode.String([]byte(m.Y)),
	}
	order := []string{"t", "y"}
	switch m.Y {
	case "q":
		dict["q"] = bencode.String([]byte(m.Query))
		order = append(order, "q")
		argKeys := sortedKeys(m.Args)
		dict["a"] = bencode.Dict(m.Args, argKeys)
		order = append(order, "a")
	case "r":
		respKeys := sortedKeys(m.Response)
		dict["r"] = bencode.Dict(m.Response, respKeys)
		order = append(order, "r")
	case "e":
		dict["e"] = bencode.List(bencode.Int(m.ErrCode), bencode.String([]byte(m.ErrMsg)))
		order = append(order, "e")
	}
	return bencode.Encode(bencode.Dict(dict, sortStrings(order)))
}

func sortedKeys(m map[string]bencode.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return sortStrings(keys)
}

func sortStrings(s []string) []string {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
	return s
}

// DecodeMsg parses a raw KRPC packet.
func DecodeMsg(b []byte) (Msg, error) {
	v, _, err := bencode.Decode(b)
	if err != nil {
		return Msg{}, errors.Wrap(err, "dht: decode krpc message")
	}
	var m Msg
	if t, ok := v.Dict["t"]; ok {
		m.T = string(t.Str)
	}
	if y, ok := v.Dict["y"]; ok {
		m.Y = string(y.Str)
	}
	switch m.Y {
	case "q":
		if q, ok := v.Dict["q"]; ok {
			m.Query = string(q.Str)
		}
		if a, ok := v.Dict["a"]; ok {
			m.Args = a.Dict
		}
	case "r":
		if r, ok := v.Dict["r"]; ok {
			m.Response = r.Dict
		}
	case "e":
		if e, ok := v.Dict["e"]; ok && len(e.List) == 2 {
			m.ErrCode = e.List[0].Int
			m.ErrMsg = string(e.List[1].Str)
		}
	default:
		return Msg{}, errors.Errorf("dht: unknown message type %q", m.Y)
	}
	return m, nil
}

// CompactNodeInfoLen is the byte length of one compact node_info entry:
// a 20-byte ID followed by a 6-byte compact IPv4 address.
const CompactNodeInfoLen = IDLen + 6

// EncodeCompactNodes packs contacts into BEP 5's "nodes" compact format.
func EncodeCompactNodes(contacts []Contact) []byte {
	buf := make([]byte, 0, len(contacts)*CompactNodeInfoLen)
	for _, c := range contacts {
		buf = append(buf, c.ID[:]...)
		buf = append(buf, encodeCompactAddr(c.Addr)...)
	}
	return buf
}

// DecodeCompactNodes unpacks BEP 5's "nodes" compact format.
func DecodeCompactNodes(b []byte) ([]Contact, error) {
	if len(b)%CompactNodeInfoLen != 0 {
		return nil, errors.Errorf("dht: compact nodes length %d not a multiple of %d", len(b), CompactNodeInfoLen)
	}
	n := len(b) / CompactNodeInfoLen
	out := make([]Contact, 0, n)
	for i := 0; i < n; i++ {
		off := i * CompactNodeInfoLen
		var id NodeID
		copy(id[:], b[off:off+IDLen])
		addr := decodeCompactAddr(b[off+IDLen : off+CompactNodeInfoLen])
		out = append(out, Contact{ID: id, Addr: addr})
	}
	return out, nil
}

func encodeCompactAddr(addr *net.UDPAddr) []byte {
	buf := make([]byte, 6)
	ip4 := addr.IP.To4()
	copy(buf[0:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], uint16(addr.Port))
	return buf
}

func decodeCompactAddr(b []byte) *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, b[0:4])
	port := binary.BigEndian.Uint16(b[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}
}

// EncodeCompactPeers packs addresses into BEP 3's "values" compact peer
// format: one 6-byte IPv4+port entry per peer.
func EncodeCompactPeers(addrs []*net.UDPAddr) [][]byte {
	out := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, encodeCompactAddr(a))
	}
	return out
}

// DecodeCompactPeer unpacks a single 6-byte compact peer entry.
func DecodeCompactPeer(b []byte) (*net.UDPAddr, error) {
	if len(b) != 6 {
		return nil, errors.Errorf("dht: compact peer length %d != 6", len(b))
	}
	return decodeCompactAddr(b), nil
}
