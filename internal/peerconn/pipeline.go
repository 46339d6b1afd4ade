package peerconn

import (
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/wire"
	"github.com/praveer13/zest-swarm/internal/xet"
)

// SendChunkRequest writes a chunk_request without waiting for a
// response, returning the allocated request_id so the caller can match
// it against a later ReceiveChunkResponse. Used by callers that want
// several requests in flight at once — BEP-XET's request/response model
// allows pipelining even though each Conn serializes its own writes.
func (c *Conn) SendChunkRequest(chunkHash [32]byte, rangeStart, rangeEnd uint32) (uint32, error) {
	if c.State() != Connected {
		return 0, ErrNotConnected
	}
	remoteID, ok := c.remoteExtensionID()
	if !ok {
		return 0, ErrPeerLacksExtension
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	reqID := c.allocRequestID()
	req := xet.ChunkRequestMsg{RequestID: reqID, ChunkHash: chunkHash, RangeStart: rangeStart, RangeEnd: rangeEnd}
	if err := c.sendExtended(byte(remoteID), req.Encode()); err != nil {
		return 0, errors.Wrap(err, "peerconn: send chunk_request")
	}
	return reqID, nil
}

// PipelineResponse is one reply in a pipelined exchange: exactly one of
// Data/NotFound/Err is populated, keyed by RequestID so the caller can
// match it back to whichever SendChunkRequest produced it regardless of
// reply order.
type PipelineResponse struct {
	RequestID uint32
	Data      []byte
	NotFound  bool
	Err       *ErrChunkRejected
}

// ReceiveChunkResponse blocks for the next chunk_response/not_found/
// error frame on the connection, in whatever order the peer sends them,
// and returns it tagged with its request_id so callers can demultiplex
// pipelined requests themselves.
func (c *Conn) ReceiveChunkResponse(timeout time.Duration) (PipelineResponse, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	deadline := time.Now().Add(timeout)
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		extID, payload, msgID, err := c.readExtended()
		if err != nil {
			return PipelineResponse{}, errors.Wrap(err, "peerconn: read pipelined response")
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
			return PipelineResponse{RequestID: decoded.ChunkResp.RequestID, Data: decoded.ChunkResp.Data}, nil
		case xet.ChunkNotFound:
			return PipelineResponse{RequestID: decoded.ChunkNF.RequestID, NotFound: true}, nil
		case xet.ChunkError:
			return PipelineResponse{
				RequestID: decoded.ChunkErr.RequestID,
				Err:       &ErrChunkRejected{Code: decoded.ChunkErr.ErrorCode, Message: decoded.ChunkErr.Message},
			}, nil
		default:
			continue
		}
	}
}
