// =============================================================================
// File: pkg/xfer/api.go
// Public API surface (C11): ctx_create/ctx_destroy, listen/connect,
// set_params, tying together the handshake, session, backend, dataplane,
// sr, ec, controlstream, config, and metrics packages into one connection
// object. Grounded on the teacher's ARQManager as the top-level object
// that owns a connection's handshake, buffers, and worker lifetime
// (internal/transport/arq_manager.go), generalized from one ARQ session
// per manager to a message table multiplexed over one control stream.
// =============================================================================
package xfer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/relaywire/internal/backend"
	"github.com/relaywire/relaywire/internal/bitmap"
	"github.com/relaywire/relaywire/internal/config"
	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/metrics"
	"github.com/relaywire/relaywire/internal/session"
	"github.com/sirupsen/logrus"
)

// statSyncInterval is how often a connection folds the datagram backend's
// own drop counters into its exported ConnCounters (C13).
const statSyncInterval = time.Second

// Context is the process-wide handle for creating connections (C11's
// ctx_create/ctx_destroy): shared configuration, logger, and the optional
// Prometheus /metrics server every Connection registers its counters
// with.
type Context struct {
	cfg *config.Config
	log *logrus.Entry

	metricsServer *metrics.Server
	nextConnID    uint32
}

// New builds a Context from cfg (C11's ctx_create). A nil log falls back
// to a fresh logrus logger at cfg.LogLevel, matching the teacher's own
// default-logger construction.
func New(cfg *config.Config, log *logrus.Entry) (*Context, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if log == nil {
		base := logrus.New()
		lvl, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		base.SetLevel(lvl)
		log = logrus.NewEntry(base)
	}

	x := &Context{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		x.metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		x.metricsServer.Start()
	}
	return x, nil
}

// Close shuts down the context's metrics server, if any (C11's
// ctx_destroy). It does not close connections created from this context;
// callers close those individually.
func (x *Context) Close() error {
	if x.metricsServer != nil {
		return x.metricsServer.Stop()
	}
	return nil
}

func (x *Context) allocConnectionID() uint32 {
	return atomic.AddUint32(&x.nextConnID, 1)
}

// Listener accepts inbound control-plane connections (C11's listen()).
type Listener struct {
	x  *Context
	ln *controlstream.Listener
}

// Listen binds a control-plane listener on tcpAddr (host:port).
func (x *Context) Listen(tcpAddr string) (*Listener, error) {
	ln, err := controlstream.Listen(tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("xfer: listen: %w", err)
	}
	return &Listener{x: x, ln: ln}, nil
}

// Accept blocks for the next inbound control connection and completes its
// data-plane channel setup before returning (§4.7's receiver bring-up).
// The returned Connection's background workers run until ctx is canceled
// or Close is called.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("xfer: accept: %w", err)
	}
	c, err := l.x.newConnection(ctx, conn, "", true)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Connect dials a control-plane connection to ip:tcpPort (C11's
// connect()), optionally fronted with uTLS camouflage per
// cfg.ControlStream (§4.2, §6).
func (x *Context) Connect(ctx context.Context, ip string, tcpPort int) (*Connection, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", tcpPort))

	var camo *controlstream.CamouflageConfig
	if x.cfg.ControlStream.UTLS {
		camo = &controlstream.CamouflageConfig{
			ServerName:       x.cfg.ControlStream.ServerName,
			InsecureSkipTLS:  x.cfg.ControlStream.InsecureSkipTLS,
			HandshakeTimeout: x.cfg.ControlStream.HandshakeTimeout,
		}
		switch x.cfg.ControlStream.Fingerprint {
		case "firefox":
			camo.Fingerprint = controlstream.FingerprintFirefox
		case "safari":
			camo.Fingerprint = controlstream.FingerprintSafari
		default:
			camo.Fingerprint = controlstream.FingerprintChrome
		}
	}

	conn, err := controlstream.Dial(ctx, addr, camo)
	if err != nil {
		return nil, fmt.Errorf("xfer: connect: %w", err)
	}
	return x.newConnection(ctx, conn, ip, false)
}

// Params lets a caller override this connection's default transfer
// parameters for its next SendPost (C11's set_params). A zero field falls
// back to the Context's configured default.
type Params struct {
	MTUBytes         uint32
	PacketsPerChunk  uint32
	NumChannels      uint32
	RTOMs            uint32
	AlphaMs          uint32
	MaxInflight      uint32
	UseErasureCoding bool
	ECDataChunks     uint32
	ECParityChunks   uint32
}

// chunkNotifiee is the narrow interface a message's active receiver
// (sr.Receiver or ec.Receiver) exposes so a connection can fan
// bitmap-engine callbacks out to the right one by msg_id.
type chunkNotifiee interface {
	OnChunkComplete(msgID uint16, chunkID uint32)
	OnMessageComplete(msgID uint16)
}

// Connection is one negotiated control-plane connection: its message
// table, data-plane channels, and background datagram workers (§3, §4.4,
// §4.6).
type Connection struct {
	x             *Context
	cfg           *config.Config
	log           *logrus.Entry
	connectionID  uint32
	control       *controlstream.Conn
	ctxState      *session.Context
	channels      []backend.Channel
	backendRunner *backend.Backend
	remoteIP      string
	stats         *metrics.ConnCounters
	extraServers  []*http.Server

	mu             sync.Mutex
	overrideParams Params
	notifiees      map[uint16]chunkNotifiee

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newConnection finishes bringing up a control connection into a full
// Connection: binds/dials the data-plane channels, builds the session
// context and bitmap engine, and starts the backend worker pool.
// remoteIPHint is the already-known peer IP for a dialed connection, or
// "" to derive it from ctrl's remote address (the accepted-connection
// case).
func (x *Context) newConnection(ctx context.Context, ctrl *controlstream.Conn, remoteIPHint string, isServer bool) (*Connection, error) {
	connID := x.allocConnectionID()
	log := x.log.WithField("connection_id", connID)

	remoteIP := remoteIPHint
	if remoteIP == "" {
		host, _, err := net.SplitHostPort(ctrl.RemoteAddr().String())
		if err != nil {
			host = ctrl.RemoteAddr().String()
		}
		remoteIP = host
	}

	channels, servers, err := setupChannels(x.cfg, remoteIP, isServer)
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	ctxState := session.NewContext(connID, log)
	stats := metrics.NewConnCounters()
	if x.metricsServer != nil {
		_ = x.metricsServer.Register(metrics.NewCollector(stats))
	}

	c := &Connection{
		x:            x,
		cfg:          x.cfg,
		log:          log,
		connectionID: connID,
		control:      ctrl,
		ctxState:     ctxState,
		channels:     channels,
		remoteIP:     remoteIP,
		stats:        stats,
		extraServers: servers,
		notifiees:    make(map[uint16]chunkNotifiee),
	}

	ctxState.SetCallbacks(bitmap.Callbacks{
		OnChunkComplete:   c.dispatchChunkComplete,
		OnMessageComplete: c.dispatchMessageComplete,
	})
	c.backendRunner = backend.New(channels, ctxState, log)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.backendRunner.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.WithError(err).Warn("xfer: backend worker pool exited")
		}
	}()
	go func() {
		defer c.wg.Done()
		c.syncBackendStats(runCtx)
	}()

	return c, nil
}

// SetParams overrides this connection's default transfer parameters for
// subsequent SendPost calls (C11's set_params).
func (c *Connection) SetParams(p Params) {
	c.mu.Lock()
	c.overrideParams = p
	c.mu.Unlock()
}

// ConnectionID returns the locally assigned identifier stamped on this
// connection's control records. It is not cross-validated against the
// peer; it only needs to be unique within this process.
func (c *Connection) ConnectionID() uint32 { return c.connectionID }

func (c *Connection) registerNotifiee(msgID uint16, n chunkNotifiee) {
	c.mu.Lock()
	c.notifiees[msgID] = n
	c.mu.Unlock()
}

func (c *Connection) unregisterNotifiee(msgID uint16) {
	c.mu.Lock()
	delete(c.notifiees, msgID)
	c.mu.Unlock()
}

func (c *Connection) dispatchChunkComplete(msgID uint16, chunkID uint32) {
	c.mu.Lock()
	n := c.notifiees[msgID]
	c.mu.Unlock()
	if n != nil {
		n.OnChunkComplete(msgID, chunkID)
	}
}

func (c *Connection) dispatchMessageComplete(msgID uint16) {
	c.mu.Lock()
	n := c.notifiees[msgID]
	c.mu.Unlock()
	if n != nil {
		n.OnMessageComplete(msgID)
	}
}

// syncBackendStats periodically folds the datagram backend's own drop
// counters into the connection's exported ConnCounters, since the backend
// worker pool predates the metrics package and keeps its own lightweight
// atomic Stats rather than depending on it directly.
func (c *Connection) syncBackendStats(ctx context.Context) {
	ticker := time.NewTicker(statSyncInterval)
	defer ticker.Stop()

	var lastMalformed, lastStale, lastDup uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.backendRunner.Stats()
			if d := s.PacketsMalformed - lastMalformed; d > 0 {
				c.stats.IncDroppedBy(metrics.DropMalformed, d)
				lastMalformed = s.PacketsMalformed
			}
			if d := s.PacketsStale - lastStale; d > 0 {
				c.stats.IncDroppedBy(metrics.DropStale, d)
				lastStale = s.PacketsStale
			}
			if d := s.PacketsDuplicate - lastDup; d > 0 {
				c.stats.IncDroppedBy(metrics.DropDuplicate, d)
				lastDup = s.PacketsDuplicate
			}
		}
	}
}

// Close tears down a connection's background workers, data-plane
// channels, and control stream.
func (c *Connection) Close() error {
	c.cancel()
	c.wg.Wait()
	closeChannels(c.channels)
	for _, srv := range c.extraServers {
		_ = srv.Close()
	}
	return c.control.Close()
}
