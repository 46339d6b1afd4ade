package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/bencode"
)

// DefaultInterval is used when a tracker response omits `interval`,
// matching common tracker defaults of 30 minutes between announces.
const DefaultInterval = 1800 * time.Second

// RequestTimeout bounds one HTTP announce round-trip.
const RequestTimeout = 15 * time.Second

// maxResponseSize caps how much of an announce response body is read; a
// well-formed peer list is a few KiB at most.
const maxResponseSize = 1 << 20

// Error wraps a tracker's bencoded `failure reason`.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "tracker: failure reason: " + e.Reason }

// AnnounceResponse is the parsed result of a successful announce.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []PeerAddr
}

// PeerAddr is one compact peer entry: an IPv4 address and port.
type PeerAddr struct {
	IP   [4]byte
	Port uint16
}

func (p PeerAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port)
}

// Client announces to one HTTP tracker URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New returns a tracker Client for the announce endpoint baseURL.
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: RequestTimeout},
		baseURL:    baseURL,
	}
}

// Announce performs one BEP 3 HTTP announce, percent-encoding the
// binary info_hash/peer_id parameters per RFC 3986 the way BitTorrent
// trackers require (raw bytes, not base64 or hex).
func (c *Client) Announce(ctx context.Context, state AnnounceState, event Event, numWant int) (*AnnounceResponse, error) {
	u, err := buildAnnounceURL(c.baseURL, state, event, numWant)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: announce request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "tracker: read announce response")
	}

	return parseAnnounceResponse(body)
}

func buildAnnounceURL(base string, state AnnounceState, event Event, numWant int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "tracker: parse base url")
	}
	q := u.Query()
	q.Set("info_hash", string(state.InfoHash[:]))
	q.Set("peer_id", string(state.PeerID[:]))
	q.Set("port", strconv.Itoa(state.Port))
	q.Set("uploaded", strconv.FormatInt(state.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(state.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(state.BytesLeft, 10))
	q.Set("compact", "1")
	if event != EventNone {
		q.Set("event", string(event))
	}
	if numWant > 0 {
		q.Set("numwant", strconv.Itoa(numWant))
	}
	// url.Values.Encode already percent-encodes per RFC 3986 the way a raw
	// 20-byte info_hash/peer_id requires; Go's net/url handles this
	// correctly without a bespoke encoder.
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	v, _, err := bencode.Decode(body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode response")
	}
	if v.Kind != bencode.KindDict {
		return nil, errors.New("tracker: response is not a dict")
	}
	if fr, ok := v.Dict["failure reason"]; ok {
		return nil, &Error{Reason: string(fr.Str)}
	}

	resp := &AnnounceResponse{Interval: DefaultInterval}
	if iv, ok := v.Dict["interval"]; ok {
		resp.Interval = time.Duration(iv.Int) * time.Second
	}

	peersVal, ok := v.Dict["peers"]
	if !ok {
		return resp, nil
	}
	switch peersVal.Kind {
	case bencode.KindString:
		peers, err := decodeCompactPeers(peersVal.Str)
		if err != nil {
			return nil, err
		}
		resp.Peers = peers
	case bencode.KindList:
		// Non-compact dictionary-model peer list, kept for interop with
		// trackers that ignore compact=1; each entry is {ip, port}.
		for _, pv := range peersVal.List {
			ipStr := string(pv.Dict["ip"].Str)
			port := uint16(pv.Dict["port"].Int)
			ip, err := parseIPv4(ipStr)
			if err != nil {
				continue
			}
			resp.Peers = append(resp.Peers, PeerAddr{IP: ip, Port: port})
		}
	default:
		return nil, errors.New("tracker: unexpected peers value kind")
	}
	return resp, nil
}

func decodeCompactPeers(b []byte) ([]PeerAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.Errorf("tracker: compact peers length %d not a multiple of 6", len(b))
	}
	n := len(b) / 6
	out := make([]PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		off := i * 6
		var addr PeerAddr
		copy(addr.IP[:], b[off:off+4])
		addr.Port = uint16(b[off+4])<<8 | uint16(b[off+5])
		out = append(out, addr)
	}
	return out, nil
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	parts := [4]int{}
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &parts[0], &parts[1], &parts[2], &parts[3])
	if err != nil || n != 4 {
		return out, errors.Errorf("tracker: invalid ipv4 %q", s)
	}
	for i, p := range parts {
		out[i] = byte(p)
	}
	return out, nil
}
