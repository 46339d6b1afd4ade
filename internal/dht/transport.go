package dht

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/praveer13/zest-swarm/internal/logger"
)

// transactionIDLen is the conventional short 2-byte transaction ID,
// enough for 2^16 outstanding queries per BEP 5.
const transactionIDLen = 2

// Transport owns the UDP socket and correlates outgoing queries with
// their responses by transaction ID.
type Transport struct {
	conn *net.UDPConn
	log  logger.Logger

	mu       sync.Mutex
	nextTxID uint16
	pending  map[string]chan udpReply

	closeOnce sync.Once
	closeC    chan struct{}
}

type udpReply struct {
	msg  Msg
	addr *net.UDPAddr
}

// NewTransport binds a UDP socket on the given port (0 for any free
// port) and starts its receive loop.
func NewTransport(port int, log logger.Logger) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "dht: listen udp")
	}
	t := &Transport{
		conn:    conn,
		log:     log,
		pending: make(map[string]chan udpReply),
		closeC:  make(chan struct{}),
	}
	go t.receiveLoop()
	return t, nil
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

// Close shuts down the socket and receive loop.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeC)
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) receiveLoop() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closeC:
				return
			default:
				t.log.Debugf("dht: udp read error: %v", err)
				continue
			}
		}
		msg, err := DecodeMsg(buf[:n])
		if err != nil {
			t.log.Debugf("dht: malformed packet from %s: %v", addr, err)
			continue
		}
		if msg.Y == "q" {
			// Incoming queries from other DHT nodes are out of scope: this
			// system participates in the DHT only to find peers for its own
			// swarms, never to answer lookups on others' behalf.
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[msg.T]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- udpReply{msg: msg, addr: addr}:
			default:
			}
		}
	}
}

func (t *Transport) allocTxID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextTxID
	t.nextTxID++
	b := make([]byte, transactionIDLen)
	binary.BigEndian.PutUint16(b, id)
	return string(b)
}

// QueryRaw sends msg (already populated with Query/Args, T left blank)
// to addr and waits for the matching reply.
func (t *Transport) QueryRaw(addr *net.UDPAddr, msg Msg, timeout time.Duration) (Msg, error) {
	msg.Y = "q"
	msg.T = t.allocTxID()

	ch := make(chan udpReply, 1)
	t.mu.Lock()
	t.pending[msg.T] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.T)
		t.mu.Unlock()
	}()

	if _, err := t.conn.WriteToUDP(msg.Encode(), addr); err != nil {
		return Msg{}, errors.Wrap(err, "dht: write udp")
	}

	select {
	case reply := <-ch:
		if reply.msg.Y == "e" {
			return Msg{}, errors.Errorf("dht: remote error %d: %s", reply.msg.ErrCode, reply.msg.ErrMsg)
		}
		return reply.msg, nil
	case <-time.After(timeout):
		return Msg{}, errors.Errorf("dht: query %q to %s timed out", msg.Query, addr)
	case <-t.closeC:
		return Msg{}, errors.New("dht: transport closed")
	}
}
