package peerconn

import (
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/wire"
	"github.com/praveer13/zest-swarm/internal/xet"
)

// RequestChunk sends a chunk_request for [rangeStart, rangeEnd) of
// chunkHash and blocks for the matching response, discarding any
// responses whose request_id does not match ours (e.g. a stale response
// for a request this caller abandoned on a prior timeout) until either
// a matching response/not-found/error arrives or timeout elapses.
//
// Only one RequestChunk call executes at a time per Conn: the per-peer
// mutex makes each request/response pair atomic on the shared stream.
// Callers that want several requests in flight use SendChunkRequest and
// ReceiveChunkResponse and demultiplex by request_id themselves.
func (c *Conn) RequestChunk(chunkHash [32]byte, rangeStart, rangeEnd uint32, timeout time.Duration) ([]byte, error) {
	if c.State() != Connected {
		return nil, ErrNotConnected
	}
	remoteID, ok := c.remoteExtensionID()
	if !ok {
		return nil, ErrPeerLacksExtension
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	reqID := c.allocRequestID()
	req := xet.ChunkRequestMsg{
		RequestID:  reqID,
		ChunkHash:  chunkHash,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
	}
	if err := c.sendExtended(byte(remoteID), req.Encode()); err != nil {
		return nil, errors.Wrap(err, "peerconn: send chunk_request")
	}

	deadline := time.Now().Add(timeout)
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		extID, payload, msgID, err := c.readExtended()
		if err != nil {
			return nil, errors.Wrap(err, "peerconn: read chunk response")
		}
		if msgID != wire.Extended || int64(extID) != c.localXetID {
			continue
		}
		decoded, err := xet.Decode(payload)
		if err != nil {
			continue
		}
		switch decoded.Type {
		case xet.ChunkResponse:
			if decoded.ChunkResp.RequestID != reqID {
				continue // stale response for an abandoned request; keep waiting
			}
			return decoded.ChunkResp.Data, nil
		case xet.ChunkNotFound:
			if decoded.ChunkNF.RequestID != reqID {
				continue
			}
			return nil, &ErrChunkRejected{NotFound: true}
		case xet.ChunkError:
			if decoded.ChunkErr.RequestID != reqID {
				continue
			}
			return nil, &ErrChunkRejected{Code: decoded.ChunkErr.ErrorCode, Message: decoded.ChunkErr.Message}
		default:
			continue
		}
	}
}
