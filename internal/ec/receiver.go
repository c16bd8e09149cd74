// =============================================================================
// File: internal/ec/receiver.go
// Erasure-coded receiver: periodic try_decode over the bitmap engine's
// chunk-completion state, falling back to a nested Selective Repeat
// session after repeated decode failures (§4.9 receiver algorithm,
// decision table). Grounded on the teacher's polling-frontend shape used
// throughout internal/transport/arq_manager.go, generalized from a
// single-buffer ARQ session to per-stripe erasure decode.
// =============================================================================
package ec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaywire/relaywire/internal/bitmap"
	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/metrics"
	"github.com/relaywire/relaywire/internal/sr"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

// decodeInterval is how often try_decode runs while chunks are still
// missing (§4.9 receiver step 3, "periodically").
const decodeInterval = 200 * time.Millisecond

// maxGapRuns bounds how many (start, len) runs one EC_NACK reports,
// mirroring the SR receiver's cap.
const maxGapRuns = 4

// Receiver reconstructs missing data chunks stripe by stripe as arrivals
// and decode attempts progress.
type Receiver struct {
	codec Codec

	buffer          []byte
	msgID           uint16
	connectionID    uint32
	transferID      uint32
	k, m            int
	chunkBytes      int
	dataChunks      int
	stripes         int
	totalChunks     int
	packetsPerChunk uint32
	maxRetries      int

	engine    *bitmap.Engine
	conn      *controlstream.Conn
	nackDelay time.Duration
	log       *logrus.Entry

	mu                  sync.Mutex
	recovered           []bool
	consecutiveFailures int
	done                bool

	usingSR    bool
	srReceiver *sr.Receiver
	onDataDone func()
	stats      *metrics.ConnCounters
}

// NewReceiver builds an EC receiver over buffer (the same memory the
// backend workers write DATA/PARITY packets into) and the stripe shape
// negotiated during handshake. nackDelay is the connection's negotiated
// nack_delay_ms, used only if the message later falls back to a nested SR
// session.
func NewReceiver(codec Codec, buffer []byte, msgID uint16, connectionID, transferID uint32, k, m int, mtu, packetsPerChunk uint32, dataBytes uint64, maxRetries int, engine *bitmap.Engine, conn *controlstream.Conn, nackDelay time.Duration, log *logrus.Entry) (*Receiver, error) {
	if k <= 0 || m <= 0 {
		return nil, fmt.Errorf("ec: k and m must be positive, got k=%d m=%d", k, m)
	}
	chunkBytes := int(mtu) * int(packetsPerChunk)
	dataChunks := int((dataBytes + uint64(chunkBytes) - 1) / uint64(chunkBytes))
	if dataChunks == 0 {
		dataChunks = 1
	}
	stripes := (dataChunks + k - 1) / k
	totalChunks := dataChunks + stripes*m

	return &Receiver{
		codec:           codec,
		buffer:          buffer,
		msgID:           msgID,
		connectionID:    connectionID,
		transferID:      transferID,
		k:               k,
		m:               m,
		chunkBytes:      chunkBytes,
		dataChunks:      dataChunks,
		stripes:         stripes,
		totalChunks:     totalChunks,
		packetsPerChunk: packetsPerChunk,
		maxRetries:      maxRetries,
		engine:          engine,
		conn:            conn,
		nackDelay:       nackDelay,
		log:             log,
		recovered:       make([]bool, dataChunks),
	}, nil
}

// SetOnComplete registers a callback fired once the message's data is
// fully present (received or reconstructed) and EC_ACK has been sent.
func (r *Receiver) SetOnComplete(fn func()) {
	r.mu.Lock()
	r.onDataDone = fn
	r.mu.Unlock()
}

// SetStats wires a connection's counters so every try_decode outcome is
// reflected in ec_decode_attempts_total (§4.9's decision table doubles as
// the metric's outcome set).
func (r *Receiver) SetStats(stats *metrics.ConnCounters) {
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
}

func (r *Receiver) incDecodeOutcome(outcome metrics.ECOutcome) {
	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()
	if stats != nil {
		stats.IncECDecodeAttempt(outcome)
	}
}

// RequiredLength reports the receive buffer size this layout needs, for
// the post_receive-time capacity check (§4.9 receiver step 1).
func (r *Receiver) RequiredLength() int { return r.totalChunks * r.chunkBytes }

// TotalChunks reports the message's full chunk count (data + parity),
// which is what the bitmap engine tracks as a single message (§4.9
// receiver step 2).
func (r *Receiver) TotalChunks() int { return r.totalChunks }

func (r *Receiver) chunkSlice(chunkID int) []byte {
	start := chunkID * r.chunkBytes
	return r.buffer[start : start+r.chunkBytes]
}

func (r *Receiver) chunkArrived(chunkID int) bool {
	return r.engine.IsChunkComplete(r.msgID, uint32(chunkID))
}

// Run periodically attempts decode until the message completes, the
// caller cancels, or a fatal control-stream error occurs during fallback
// (§4.9 receiver step 3, "periodically").
func (r *Receiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(decodeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.mu.Lock()
			usingSR := r.usingSR
			done := r.done
			r.mu.Unlock()
			if done {
				return nil
			}
			if usingSR {
				continue // sr.Receiver is driven by bitmap callbacks now
			}
			if err := r.tryDecode(); err != nil {
				return err
			}
			r.mu.Lock()
			done = r.done
			r.mu.Unlock()
			if done {
				return nil
			}
		}
	}
}

// tryDecode implements §4.9's receiver decision table.
func (r *Receiver) tryDecode() error {
	missing := r.missingDataChunks()
	if len(missing) == 0 {
		r.incDecodeOutcome(metrics.ECOutcomeComplete)
		return r.emitAckAndFinish()
	}

	r.reconstructRecoverableStripes()

	missing = r.missingDataChunks()
	if len(missing) == 0 {
		r.incDecodeOutcome(metrics.ECOutcomeRecovered)
		return r.emitAckAndFinish()
	}

	r.mu.Lock()
	r.consecutiveFailures++
	fail := r.consecutiveFailures
	r.mu.Unlock()

	if fail >= r.maxRetries {
		r.incDecodeOutcome(metrics.ECOutcomeFellBackSR)
		return r.fallbackToSR()
	}
	r.incDecodeOutcome(metrics.ECOutcomeStillGaps)
	return r.emitNack(missing)
}

func (r *Receiver) missingDataChunks() []int {
	var missing []int
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := 0; c < r.dataChunks; c++ {
		if r.recovered[c] || r.chunkArrived(c) {
			continue
		}
		missing = append(missing, c)
	}
	return missing
}

// reconstructRecoverableStripes attempts decode independently on every
// stripe whose missing-chunk count (data or parity) is within its own m
// budget — a stripe-local refinement of the spec's message-wide
// missing_data/m comparison, since each stripe is an independent (k,m)
// code (§4.9 data model).
func (r *Receiver) reconstructRecoverableStripes() {
	for stripe := 0; stripe < r.stripes; stripe++ {
		r.reconstructStripe(stripe)
	}
}

func (r *Receiver) reconstructStripe(stripe int) {
	shards := make([][]byte, r.k+r.m)
	missingInStripe := 0
	needsData := false

	for i := 0; i < r.k; i++ {
		chunkID := stripe*r.k + i
		if chunkID >= r.dataChunks {
			shards[i] = make([]byte, r.chunkBytes) // logical zero padding, never transmitted
			continue
		}
		r.mu.Lock()
		got := r.recovered[chunkID] || r.chunkArrived(chunkID)
		r.mu.Unlock()
		if got {
			shards[i] = r.chunkSlice(chunkID)
		} else {
			missingInStripe++
			needsData = true
		}
	}
	for p := 0; p < r.m; p++ {
		chunkID := r.dataChunks + stripe*r.m + p
		if chunkID >= r.totalChunks || !r.chunkArrived(chunkID) {
			missingInStripe++
			continue
		}
		shards[r.k+p] = r.chunkSlice(chunkID)
	}

	if !needsData || missingInStripe > r.m {
		return
	}

	if err := r.codec.ReconstructStripe(shards, r.k, r.m, r.chunkBytes); err != nil {
		r.log.WithError(err).WithField("stripe", stripe).Debug("ec: stripe reconstruction failed")
		return
	}

	r.mu.Lock()
	for i := 0; i < r.k; i++ {
		chunkID := stripe*r.k + i
		if chunkID >= r.dataChunks || r.recovered[chunkID] || r.chunkArrived(chunkID) {
			continue
		}
		copy(r.chunkSlice(chunkID), shards[i])
		r.recovered[chunkID] = true
	}
	r.mu.Unlock()
}

func (r *Receiver) emitAckAndFinish() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	onDone := r.onDataDone
	r.mu.Unlock()

	m := wire.NewControlMessage(wire.CtrlECAck, r.connectionID)
	m.Params.TransferID = r.transferID
	if err := r.conn.Send(m); err != nil {
		return fmt.Errorf("ec: emit EC_ACK: %w", err)
	}
	if onDone != nil {
		onDone()
	}
	return nil
}

func (r *Receiver) emitNack(missing []int) error {
	starts, lens := runsOf(missing, maxGapRuns)
	m := wire.NewControlMessage(wire.CtrlECNack, r.connectionID)
	m.Params.TransferID = r.transferID
	m.SetGaps(starts, lens)
	return r.conn.Send(m)
}

func (r *Receiver) fallbackToSR() error {
	m := wire.NewControlMessage(wire.CtrlECFallbackSR, r.connectionID)
	m.Params.TransferID = r.transferID
	if err := r.conn.Send(m); err != nil {
		return fmt.Errorf("ec: emit EC_FALLBACK_SR: %w", err)
	}

	r.mu.Lock()
	r.usingSR = true
	r.srReceiver = sr.NewReceiver(r.msgID, r.connectionID, r.transferID, r.engine, r.conn, r.nackDelay, r.log)
	r.mu.Unlock()

	r.log.Info("ec: falling back to selective repeat for the remainder of this message")
	return nil
}

// OnChunkComplete forwards to the nested SR receiver once fallback has
// engaged; before that, decode is driven by Run's ticker instead (§4.9
// receiver step 3).
func (r *Receiver) OnChunkComplete(msgID uint16, chunkID uint32) {
	r.mu.Lock()
	sub := r.srReceiver
	r.mu.Unlock()
	if sub != nil {
		sub.OnChunkComplete(msgID, chunkID)
	}
}

// OnMessageComplete forwards to the nested SR receiver once fallback has
// engaged.
func (r *Receiver) OnMessageComplete(msgID uint16) {
	r.mu.Lock()
	sub := r.srReceiver
	r.mu.Unlock()
	if sub != nil {
		sub.OnMessageComplete(msgID)
	}
}

// runsOf collapses a sorted slice of missing chunk indices into up to
// maxRuns contiguous (start, len) pairs (§4.8/§4.9 gap reporting).
func runsOf(missing []int, maxRuns int) (starts, lens []uint32) {
	i := 0
	for i < len(missing) && len(starts) < maxRuns {
		start := missing[i]
		j := i
		for j+1 < len(missing) && missing[j+1] == missing[j]+1 {
			j++
		}
		starts = append(starts, uint32(start))
		lens = append(lens, uint32(missing[j]-start+1))
		i = j + 1
	}
	return
}
