// =============================================================================
// File: internal/backend/channel.go
// Channel abstraction over "one bidirectional datagram path identified by
// a port/index" (C14). Grounded on the teacher's transport-mode split
// (internal/switcher/types.go's TransportHandler interface): the datagram
// intake and sender data-plane are written against this interface so a
// deployment can swap native UDP sockets for a WebSocket-tunneled channel
// without touching §4.4/§4.10 logic.
// =============================================================================
package backend

import (
	"fmt"
	"net"
	"time"
)

// Channel is one datagram path: send/receive raw packet bytes, addressed
// by port index within the negotiated [channel_base_port, channel_base_port+num_channels)
// range.
type Channel interface {
	// Send writes a datagram to the given remote address.
	Send(pkt []byte, to net.Addr) error
	// Recv blocks up to timeout for one datagram. A timeout is reported
	// via a *net.OpError with Timeout()==true, matching net.PacketConn's
	// contract, so callers can distinguish it from a fatal error.
	Recv(timeout time.Duration) (pkt []byte, from net.Addr, err error)
	// LocalPort returns the bound local port for this channel.
	LocalPort() int
	Close() error
}

// udpChannel implements Channel over a native UDP socket, matching §4.4
// exactly: one net.UDPConn bound to channel_base_port+i.
type udpChannel struct {
	conn *net.UDPConn
	port int
}

// NewUDPChannel binds a UDP socket on the given local port.
func NewUDPChannel(localIP string, port int) (Channel, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(localIP), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("backend: bind udp channel port %d: %w", port, err)
	}
	return &udpChannel{conn: conn, port: port}, nil
}

func (c *udpChannel) Send(pkt []byte, to net.Addr) error {
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("backend: udp channel requires *net.UDPAddr, got %T", to)
	}
	_, err := c.conn.WriteToUDP(pkt, udpAddr)
	return err
}

func (c *udpChannel) Recv(timeout time.Duration) ([]byte, net.Addr, error) {
	buf := make([]byte, 65535)
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}
	n, from, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

func (c *udpChannel) LocalPort() int { return c.port }
func (c *udpChannel) Close() error   { return c.conn.Close() }

// IsTimeout reports whether an error returned by Recv was a read timeout,
// used by the worker loop's cooperative-stop poll (§4.4 step 1, §5).
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
