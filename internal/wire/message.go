package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a standard BT control message or the BEP-10
// extended-message envelope (20).
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20
)

// MaxMessageSize bounds a single message's declared length (the id byte
// plus payload, length prefix excluded) to slightly above the 64 MiB
// maximum xorb container plus a small protocol overhead, rejecting
// anything larger outright.
const MaxMessageSize = 64*1024*1024 + 4096

// ErrInvalidMessageSize is returned when a message's declared length
// exceeds MaxMessageSize.
var ErrInvalidMessageSize = fmt.Errorf("wire: message exceeds maximum size")

// Message is a framed BT message: an id and its payload. A keepalive is
// represented by ReadMessage returning (nil, nil).
type Message struct {
	ID      MessageID
	Payload []byte
}

// WriteMessage frames and writes id+payload as [len][id][payload].
func WriteMessage(w io.Writer, id MessageID, payload []byte) error {
	length := uint32(1 + len(payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], length)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(id)}); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteKeepAlive writes a zero-length keepalive message.
func WriteKeepAlive(w io.Writer) error {
	var lenBuf [4]byte
	_, err := w.Write(lenBuf[:])
	return err
}

// ReadMessage reads one framed message from r. A nil Message with a nil
// error indicates a keepalive.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageSize {
		return nil, ErrInvalidMessageSize
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}
