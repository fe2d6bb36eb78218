package transport

import (
	"fmt"
	"net"
	"time"
)

// UDPEndpoint is the connectionless voice socket. The server binds a fixed
// port; clients bind an ephemeral one and learn nothing from the kernel —
// the server learns their address from the first datagram.
type UDPEndpoint struct {
	conn *net.UDPConn
}

// ListenUDP binds the endpoint. Port 0 selects an ephemeral port.
func ListenUDP(port int) (*UDPEndpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	_ = conn.SetReadBuffer(sockBufSize)
	_ = conn.SetWriteBuffer(sockBufSize)
	return &UDPEndpoint{conn: conn}, nil
}

// SendTo transmits one datagram.
func (u *UDPEndpoint) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := u.conn.WriteToUDP(data, addr)
	return err
}

// RecvFrom reads one datagram into buf, waiting at most the given timeout.
// A timeout returns n == 0 with ok == false and a nil error so poll loops
// can check their running flag.
func (u *UDPEndpoint) RecvFrom(buf []byte, timeout time.Duration) (n int, addr *net.UDPAddr, ok bool, err error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, false, err
	}
	n, addr, err = u.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, addr, true, nil
}

// LocalPort returns the bound port.
func (u *UDPEndpoint) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close closes the socket, unblocking any reader.
func (u *UDPEndpoint) Close() error { return u.conn.Close() }
