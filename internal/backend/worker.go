// =============================================================================
// File: internal/backend/worker.go
// Multi-channel datagram backend: N independent workers, one per
// negotiated UDP (or WebSocket) channel, feeding the bitmap engine via the
// connection context (§4.4).
// =============================================================================
package backend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/relaywire/relaywire/internal/bitmap"
	"github.com/relaywire/relaywire/internal/session"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// recvTimeout is the bounded receive-call duration each worker uses to
// cooperatively poll for shutdown (§4.4 step 1, §5).
const recvTimeout = 100 * time.Millisecond

// Stats are the counters the backend maintains for observability (C13).
// All fields are updated with atomic ops from worker goroutines.
type Stats struct {
	PacketsOK        uint64
	PacketsMalformed uint64
	PacketsStale     uint64
	PacketsDuplicate uint64
}

// Backend runs the datagram intake workers for one connection.
type Backend struct {
	channels []Channel
	ctxState *session.Context
	log      *logrus.Entry

	stats Stats
}

// New creates a backend over the given channels, feeding packets into
// ctxState's message table and bitmap engine.
func New(channels []Channel, ctxState *session.Context, log *logrus.Entry) *Backend {
	return &Backend{channels: channels, ctxState: ctxState, log: log}
}

// Stats returns a snapshot of the backend's drop/accept counters.
func (b *Backend) Stats() Stats {
	return Stats{
		PacketsOK:        atomic.LoadUint64(&b.stats.PacketsOK),
		PacketsMalformed: atomic.LoadUint64(&b.stats.PacketsMalformed),
		PacketsStale:     atomic.LoadUint64(&b.stats.PacketsStale),
		PacketsDuplicate: atomic.LoadUint64(&b.stats.PacketsDuplicate),
	}
}

// Run spawns one worker goroutine per channel and blocks until ctx is
// canceled or a worker returns a fatal (non-timeout) error, at which
// point every worker is stopped and their channels closed.
func (b *Backend) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range b.channels {
		ch := ch
		idx := i
		g.Go(func() error { return b.workerLoop(gctx, idx, ch) })
	}
	err := g.Wait()
	for _, ch := range b.channels {
		_ = ch.Close()
	}
	return err
}

func (b *Backend) workerLoop(ctx context.Context, idx int, ch Channel) error {
	log := b.log.WithField("channel", idx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, _, err := ch.Recv(recvTimeout)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			log.WithError(err).Warn("channel receive failed")
			return err
		}

		b.handleDatagram(log, data)
	}
}

// handleDatagram implements §4.4 steps 2-6.
func (b *Backend) handleDatagram(log *logrus.Entry, data []byte) {
	if len(data) < wire.HeaderSize {
		atomic.AddUint64(&b.stats.PacketsMalformed, 1)
		return
	}
	pkt, err := wire.Decode(data)
	if err != nil {
		atomic.AddUint64(&b.stats.PacketsMalformed, 1)
		log.WithError(err).Debug("dropping malformed datagram")
		return
	}

	slot, ok := b.ctxState.GetMessage(pkt.Header.MsgID)
	if !ok || !slot.IsAcceptingPackets() {
		atomic.AddUint64(&b.stats.PacketsStale, 1)
		return
	}
	if !slot.GenerationMatches(pkt.Header.TransferID) {
		atomic.AddUint64(&b.stats.PacketsStale, 1)
		return
	}

	result := b.ctxState.Bitmap.SetPacket(pkt.Header.MsgID, pkt.Header.PacketOffset)
	if result == bitmap.Duplicate {
		atomic.AddUint64(&b.stats.PacketsDuplicate, 1)
		return
	}
	slot.WriteAt(pkt.Header.PacketOffset, pkt.Payload)
	atomic.AddUint64(&b.stats.PacketsOK, 1)
}
