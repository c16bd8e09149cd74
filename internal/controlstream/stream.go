// =============================================================================
// File: internal/controlstream/stream.go
// Reliable control-plane stream: a plain TCP connection carrying
// wire.ControlMessage records, with an optional uTLS front for deployments
// that need the handshake to look like ordinary browser traffic (§4.2,
// §4.3, §6). Grounded on the teacher's internal/transport/utls.go
// (UTLSClient) and internal/transport/tcp.go (listener/accept-loop shape).
// =============================================================================
package controlstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/relaywire/relaywire/internal/wire"
	utls "github.com/refraction-networking/utls"
)

// Conn is one control-plane connection: a stream of fixed-size
// wire.ControlMessage records, each beginning with wire.ControlMagic, in
// both directions.
type Conn struct {
	nc net.Conn
}

func wrap(nc net.Conn) *Conn { return &Conn{nc: nc} }

// Send writes one control record.
func (c *Conn) Send(m *wire.ControlMessage) error {
	return wire.WriteControl(c.nc, m)
}

// Recv blocks for the next control record.
func (c *Conn) Recv() (*wire.ControlMessage, error) {
	return wire.ReadControl(c.nc)
}

// SetDeadline forwards to the underlying connection, letting callers bound
// a handshake step (§4.2's OFFER/CTS/ACCEPT round trip).
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// RemoteAddr returns the peer address, used to derive udp_server_ip for
// the receiver's session.Params (see session.FromWireParams).
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// CamouflageConfig configures the optional uTLS front on the client side of
// the control stream. A nil *CamouflageConfig means plain TCP.
type CamouflageConfig struct {
	ServerName       string
	Fingerprint      transportFingerprint
	InsecureSkipTLS  bool
	HandshakeTimeout time.Duration
}

// transportFingerprint mirrors the teacher's transport.Fingerprint values
// without importing the whole transport package, keeping the control
// stream's dependency surface limited to uTLS itself.
type transportFingerprint string

const (
	FingerprintChrome  transportFingerprint = "chrome"
	FingerprintFirefox transportFingerprint = "firefox"
	FingerprintSafari  transportFingerprint = "safari"
)

func (f transportFingerprint) helloID() utls.ClientHelloID {
	switch f {
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	default:
		return utls.HelloChrome_Auto
	}
}

// Dial opens the sender-side control connection to addr. When camo is
// non-nil, the TCP handshake is fronted with a uTLS ClientHello matching
// the requested browser fingerprint (§4.2's transport-agnostic control
// channel, generalized from the teacher's UTLSClient.DialWithConn).
func Dial(ctx context.Context, addr string, camo *CamouflageConfig) (*Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controlstream: dial %s: %w", addr, err)
	}

	if camo == nil {
		return wrap(nc), nil
	}

	serverName := camo.ServerName
	if serverName == "" {
		host, _, _ := net.SplitHostPort(addr)
		serverName = host
	}
	timeout := camo.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	tlsConfig := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: camo.InsecureSkipTLS,
		NextProtos:         []string{"h2", "http/1.1"},
	}
	uconn := utls.UClient(nc, tlsConfig, camo.Fingerprint.helloID())

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- uconn.Handshake() }()
	select {
	case err := <-errCh:
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("controlstream: uTLS handshake: %w", err)
		}
	case <-hsCtx.Done():
		nc.Close()
		return nil, fmt.Errorf("controlstream: uTLS handshake: %w", hsCtx.Err())
	}

	return wrap(uconn), nil
}

// Listener accepts sender-initiated control connections over plain TCP.
// It performs no TLS handshake, so it does not complete a connection
// dialed with a non-nil CamouflageConfig.
type Listener struct {
	ln net.Listener
}

// Listen binds a control-plane listener on addr (host:port).
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controlstream: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound control connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return wrap(nc), nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
