package xet

import (
	"encoding/binary"
	"fmt"
)

// Type identifies one of the four BEP-XET sub-messages.
type Type byte

const (
	ChunkRequest  Type = 0x01
	ChunkResponse Type = 0x02
	ChunkNotFound Type = 0x03
	ChunkError    Type = 0x04
)

// ChunkRequestMsg asks a peer for the bytes covering [RangeStart,
// RangeEnd) of the chunk identified by ChunkHash.
type ChunkRequestMsg struct {
	RequestID  uint32
	ChunkHash  [32]byte
	RangeStart uint32
	RangeEnd   uint32
}

// Encode serializes a chunk_request sub-message, including its leading
// XET type byte.
func (m ChunkRequestMsg) Encode() []byte {
	buf := make([]byte, 1+4+32+4+4)
	buf[0] = byte(ChunkRequest)
	binary.BigEndian.PutUint32(buf[1:5], m.RequestID)
	copy(buf[5:37], m.ChunkHash[:])
	binary.BigEndian.PutUint32(buf[37:41], m.RangeStart)
	binary.BigEndian.PutUint32(buf[41:45], m.RangeEnd)
	return buf
}

func decodeChunkRequest(b []byte) (ChunkRequestMsg, error) {
	if len(b) != 4+32+4+4 {
		return ChunkRequestMsg{}, fmt.Errorf("xet: bad chunk_request length %d", len(b))
	}
	var m ChunkRequestMsg
	m.RequestID = binary.BigEndian.Uint32(b[0:4])
	copy(m.ChunkHash[:], b[4:36])
	m.RangeStart = binary.BigEndian.Uint32(b[36:40])
	m.RangeEnd = binary.BigEndian.Uint32(b[40:44])
	return m, nil
}

// ChunkResponseMsg carries the bytes satisfying a chunk_request.
type ChunkResponseMsg struct {
	RequestID   uint32
	ChunkOffset uint32
	Data        []byte
}

// Encode serializes a chunk_response sub-message.
func (m ChunkResponseMsg) Encode() []byte {
	buf := make([]byte, 1+4+4+4+len(m.Data))
	buf[0] = byte(ChunkResponse)
	binary.BigEndian.PutUint32(buf[1:5], m.RequestID)
	binary.BigEndian.PutUint32(buf[5:9], m.ChunkOffset)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(m.Data)))
	copy(buf[13:], m.Data)
	return buf
}

func decodeChunkResponse(b []byte) (ChunkResponseMsg, error) {
	if len(b) < 4+4+4 {
		return ChunkResponseMsg{}, fmt.Errorf("xet: short chunk_response")
	}
	var m ChunkResponseMsg
	m.RequestID = binary.BigEndian.Uint32(b[0:4])
	m.ChunkOffset = binary.BigEndian.Uint32(b[4:8])
	dataLen := binary.BigEndian.Uint32(b[8:12])
	if int(dataLen) != len(b)-12 {
		return ChunkResponseMsg{}, fmt.Errorf("xet: chunk_response data_len mismatch: declared %d, have %d", dataLen, len(b)-12)
	}
	m.Data = append([]byte(nil), b[12:]...)
	return m, nil
}

// ChunkNotFoundMsg tells the requester the chunk is not held locally.
type ChunkNotFoundMsg struct {
	RequestID uint32
	ChunkHash [32]byte
}

// Encode serializes a chunk_not_found sub-message.
func (m ChunkNotFoundMsg) Encode() []byte {
	buf := make([]byte, 1+4+32)
	buf[0] = byte(ChunkNotFound)
	binary.BigEndian.PutUint32(buf[1:5], m.RequestID)
	copy(buf[5:37], m.ChunkHash[:])
	return buf
}

func decodeChunkNotFound(b []byte) (ChunkNotFoundMsg, error) {
	if len(b) != 4+32 {
		return ChunkNotFoundMsg{}, fmt.Errorf("xet: bad chunk_not_found length %d", len(b))
	}
	var m ChunkNotFoundMsg
	m.RequestID = binary.BigEndian.Uint32(b[0:4])
	copy(m.ChunkHash[:], b[4:36])
	return m, nil
}

// ChunkErrorMsg reports a server-side error processing a chunk_request.
type ChunkErrorMsg struct {
	RequestID uint32
	ErrorCode uint32
	Message   string
}

// Encode serializes a chunk_error sub-message.
func (m ChunkErrorMsg) Encode() []byte {
	msg := []byte(m.Message)
	buf := make([]byte, 1+4+4+len(msg))
	buf[0] = byte(ChunkError)
	binary.BigEndian.PutUint32(buf[1:5], m.RequestID)
	binary.BigEndian.PutUint32(buf[5:9], m.ErrorCode)
	copy(buf[9:], msg)
	return buf
}

func decodeChunkError(b []byte) (ChunkErrorMsg, error) {
	if len(b) < 4+4 {
		return ChunkErrorMsg{}, fmt.Errorf("xet: short chunk_error")
	}
	var m ChunkErrorMsg
	m.RequestID = binary.BigEndian.Uint32(b[0:4])
	m.ErrorCode = binary.BigEndian.Uint32(b[4:8])
	m.Message = string(b[8:])
	return m, nil
}

// Decoded is the result of decoding a BEP-XET sub-message: exactly one of
// the typed fields is non-nil, selected by Type.
type Decoded struct {
	Type         Type
	ChunkRequest *ChunkRequestMsg
	ChunkResp    *ChunkResponseMsg
	ChunkNF      *ChunkNotFoundMsg
	ChunkErr     *ChunkErrorMsg
}

// Decode parses the BEP-XET payload that follows the 1-byte BEP-10
// extension ID in an extended message.
func Decode(b []byte) (Decoded, error) {
	if len(b) == 0 {
		return Decoded{}, fmt.Errorf("xet: empty payload")
	}
	typ := Type(b[0])
	body := b[1:]
	switch typ {
	case ChunkRequest:
		m, err := decodeChunkRequest(body)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Type: typ, ChunkRequest: &m}, nil
	case ChunkResponse:
		m, err := decodeChunkResponse(body)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Type: typ, ChunkResp: &m}, nil
	case ChunkNotFound:
		m, err := decodeChunkNotFound(body)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Type: typ, ChunkNF: &m}, nil
	case ChunkError:
		m, err := decodeChunkError(body)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Type: typ, ChunkErr: &m}, nil
	default:
		return Decoded{}, fmt.Errorf("xet: unknown sub-message type %#x", byte(typ))
	}
}
