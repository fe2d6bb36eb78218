// Package transport provides the reliable-stream and datagram endpoints
// used by both sides: full-delivery send/recv on a TLS (or plain TCP)
// stream, message framing with a payload cap, and the UDP voice socket.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cm21968/LilyPad/protocol"
)

// Socket buffer size for all long-lived sockets.
const sockBufSize = 1 << 20

// ErrConnectionLost is surfaced when the peer closes or the transport
// fails mid-read/mid-write.
var ErrConnectionLost = errors.New("transport: connection lost")

// Stream is the reliable-stream capability set. Both the TLS stream and a
// plain TCP stream satisfy it, which is sufficient for testing.
type Stream interface {
	// SendAll writes the whole buffer or returns an error.
	SendAll(data []byte) error
	// RecvAll reads exactly len(buf) bytes or returns ErrConnectionLost.
	RecvAll(buf []byte) error
	// SetWriteDeadline bounds subsequent SendAll calls; the zero time
	// clears the bound.
	SetWriteDeadline(t time.Time) error
	Close() error
	PeerAddr() net.Addr
}

// connStream adapts a net.Conn (TCP or TLS) to the Stream capability set.
type connStream struct {
	conn net.Conn
}

// NewStream wraps an established connection.
func NewStream(conn net.Conn) Stream {
	return &connStream{conn: conn}
}

func (s *connStream) SendAll(data []byte) error {
	for len(data) > 0 {
		n, err := s.conn.Write(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		data = data[n:]
	}
	return nil
}

func (s *connStream) RecvAll(buf []byte) error {
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (s *connStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *connStream) Close() error { return s.conn.Close() }

func (s *connStream) PeerAddr() net.Addr { return s.conn.RemoteAddr() }

// ReadMessage reads one framed control message. A header announcing more
// than protocol.MaxPayload is a protocol violation; the caller must
// disconnect the peer.
func ReadMessage(s Stream) (protocol.Header, []byte, error) {
	var hdr [protocol.HeaderSize]byte
	if err := s.RecvAll(hdr[:]); err != nil {
		return protocol.Header{}, nil, err
	}
	h, err := protocol.DeserializeHeader(hdr[:])
	if err != nil {
		return protocol.Header{}, nil, err
	}
	if h.PayloadLen > protocol.MaxPayload {
		return h, nil, fmt.Errorf("%w: %d bytes", protocol.ErrOversizePayload, h.PayloadLen)
	}
	if h.PayloadLen == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLen)
	if err := s.RecvAll(payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// tuneTCP applies the long-lived socket options: NODELAY plus 1 MiB
// kernel buffers on each side.
func tuneTCP(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetReadBuffer(sockBufSize)
	_ = tc.SetWriteBuffer(sockBufSize)
}
