// =============================================================================
// File: internal/sr/receiver.go
// Selective Repeat receiver: wires the bitmap engine's completion
// callbacks to rate-limited SR_ACK/SR_NACK/COMPLETE_ACK emission (§4.8
// receiver algorithm). Grounded on the teacher's ARQRecvBuffer SACK
// construction (internal/transport/arq_recv_buffer.go), generalized from
// per-packet SACK ranges to per-chunk gap runs.
// =============================================================================
package sr

import (
	"sync"
	"time"

	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

// maxGapRuns bounds how many (start, len) runs one SR_NACK reports (§4.8
// receiver algorithm point 3).
const maxGapRuns = 4

// minEmitInterval is the floor for control emission cadence regardless of
// the configured nack delay (§4.8).
const minEmitInterval = 100 * time.Millisecond

// ChunkStatus abstracts the piece of the bitmap engine the receiver needs:
// a snapshot of which chunks are done.
type ChunkStatus interface {
	ChunkBitmapWords(msgID uint16) []uint64
	TotalChunks(msgID uint16) uint32
}

// Receiver emits SR_ACK/SR_NACK/COMPLETE_ACK for one inbound message,
// rate-limited to at most one record per emitInterval except for the
// terminal COMPLETE_ACK, which always goes out immediately.
type Receiver struct {
	msgID        uint16
	connectionID uint32
	transferID   uint32
	engine       ChunkStatus
	conn         *controlstream.Conn
	emitInterval time.Duration
	log          *logrus.Entry

	mu       sync.Mutex
	lastEmit time.Time
	done     bool
}

// NewReceiver builds an SR receiver-side emitter. nackDelay is clamped up
// to minEmitInterval.
func NewReceiver(msgID uint16, connectionID, transferID uint32, engine ChunkStatus, conn *controlstream.Conn, nackDelay time.Duration, log *logrus.Entry) *Receiver {
	if nackDelay < minEmitInterval {
		nackDelay = minEmitInterval
	}
	return &Receiver{
		msgID:        msgID,
		connectionID: connectionID,
		transferID:   transferID,
		engine:       engine,
		conn:         conn,
		emitInterval: nackDelay,
		log:          log,
	}
}

// OnChunkComplete is wired into bitmap.Callbacks.OnChunkComplete.
func (r *Receiver) OnChunkComplete(msgID uint16, chunkID uint32) {
	if msgID != r.msgID {
		return
	}
	r.maybeEmit(false)
}

// OnMessageComplete is wired into bitmap.Callbacks.OnMessageComplete; it
// always emits COMPLETE_ACK immediately, bypassing the rate limit.
func (r *Receiver) OnMessageComplete(msgID uint16) {
	if msgID != r.msgID {
		return
	}
	r.maybeEmit(true)
}

func (r *Receiver) maybeEmit(force bool) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	if !force && time.Since(r.lastEmit) < r.emitInterval {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	cumulative, gapStarts, gapLens, allDone, words, totalChunks := r.snapshot()

	r.mu.Lock()
	r.lastEmit = time.Now()
	if allDone {
		r.done = true
	}
	r.mu.Unlock()

	var m *wire.ControlMessage
	switch {
	case allDone:
		m = wire.NewControlMessage(wire.CtrlCompleteAck, r.connectionID)
	case len(gapStarts) > 0:
		m = wire.NewControlMessage(wire.CtrlSRNack, r.connectionID)
		m.SetGaps(gapStarts, gapLens)
	default:
		m = wire.NewControlMessage(wire.CtrlSRAck, r.connectionID)
	}
	m.Params.TransferID = r.transferID
	m.SetTotalChunks(totalChunks)
	m.SetCumulativeChunk(cumulative)
	m.SetChunkBitmap(words)

	if err := r.conn.Send(m); err != nil {
		r.log.WithError(err).Warn("sr: failed to emit control record")
		return err
	}
	return nil
}

// snapshot computes the emission algorithm's derived values from the
// bitmap engine's current chunk-completion words (§4.8 receiver
// algorithm points 1-3).
func (r *Receiver) snapshot() (cumulative uint32, gapStarts, gapLens []uint32, allDone bool, words []uint64, totalChunks uint32) {
	words = r.engine.ChunkBitmapWords(r.msgID)
	totalChunks = r.engine.TotalChunks(r.msgID)

	bitSet := func(c uint32) bool {
		w := c / 64
		if int(w) >= len(words) {
			return false
		}
		return words[w]&(1<<(c%64)) != 0
	}

	cumulative = 0
	for cumulative < totalChunks && bitSet(cumulative) {
		cumulative++
	}

	allDone = cumulative >= totalChunks

	if !allDone {
		c := cumulative
		for c < totalChunks && len(gapStarts) < maxGapRuns {
			if bitSet(c) {
				c++
				continue
			}
			start := c
			for c < totalChunks && !bitSet(c) {
				c++
			}
			gapStarts = append(gapStarts, start)
			gapLens = append(gapLens, c-start)
		}
	}
	return
}
