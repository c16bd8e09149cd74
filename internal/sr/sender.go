// =============================================================================
// File: internal/sr/sender.go
// Selective Repeat sender: absorbs SR_ACK/SR_NACK, drives guard-interval
// and RTO-driven chunk retransmission (§4.8). Grounded on the teacher's
// ARQSendBuffer (internal/transport/arq_send_buffer.go) — chunk_acked/
// last_tx here play the role of that file's per-sequence Acked/SentTime
// bookkeeping, generalized from per-packet to per-chunk granularity.
// =============================================================================
package sr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/dataplane"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

// guardInterval prevents repeated retransmission of the same chunk within
// roughly one RTT (§4.8).
const guardInterval = 50 * time.Millisecond

// maxAckRetransmitChunks / maxNackRetransmitChunks throttle how much work
// one control record can trigger (§4.8 points 2-3).
const (
	maxAckRetransmitChunks  = 4
	maxNackRetransmitChunks = 8
)

// ErrIncomplete is returned by Sender.Run when the receiver reports
// INCOMPLETE_NACK.
var ErrIncomplete = fmt.Errorf("sr: receiver reported incomplete transfer")

// Sender drives chunk-level retransmission for one outbound message after
// its initial burst has already gone out.
type Sender struct {
	plane           *dataplane.Plane
	burst           dataplane.Burst
	conn            *controlstream.Conn
	totalChunks     uint32
	totalPackets    uint32
	packetsPerChunk uint32
	effectiveRTO    time.Duration
	log             *logrus.Entry

	mu         sync.Mutex
	chunkAcked []bool
	lastTx     []time.Time
}

// EffectiveRTO computes rto_ms if set, else base_rtt_ms + alpha_ms (§4.8).
func EffectiveRTO(rtoMs, baseRTTMs, alphaMs uint32) time.Duration {
	if rtoMs > 0 {
		return time.Duration(rtoMs) * time.Millisecond
	}
	return time.Duration(baseRTTMs+alphaMs) * time.Millisecond
}

// NewSender constructs an SR sender for a message whose initial burst has
// already been transmitted; every chunk starts as sent-but-unacked.
func NewSender(plane *dataplane.Plane, burst dataplane.Burst, conn *controlstream.Conn, totalChunks, totalPackets, packetsPerChunk uint32, effectiveRTO time.Duration, log *logrus.Entry) *Sender {
	now := time.Now()
	lastTx := make([]time.Time, totalChunks)
	for i := range lastTx {
		lastTx[i] = now
	}
	return &Sender{
		plane:           plane,
		burst:           burst,
		conn:            conn,
		totalChunks:     totalChunks,
		totalPackets:    totalPackets,
		packetsPerChunk: packetsPerChunk,
		effectiveRTO:    effectiveRTO,
		log:             log,
		chunkAcked:      make([]bool, totalChunks),
		lastTx:          lastTx,
	}
}

// Run reads control records until COMPLETE_ACK or INCOMPLETE_NACK, driving
// retransmission from SR_ACK/SR_NACK as they arrive and from a periodic
// RTO sweep in between (§4.8, §5).
func (s *Sender) Run(ctx context.Context) error {
	msgCh := make(chan *wire.ControlMessage, 8)
	errCh := make(chan error, 1)
	go func() {
		for {
			m, err := s.conn.Recv()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- m
		}
	}()

	ticker := time.NewTicker(guardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("sr: control stream read: %w", err)
		case now := <-ticker.C:
			if err := s.rtoSweep(now); err != nil {
				return err
			}
		case m := <-msgCh:
			done, err := s.handleControl(m)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (s *Sender) handleControl(m *wire.ControlMessage) (done bool, err error) {
	switch m.Type {
	case wire.CtrlCompleteAck:
		return true, nil
	case wire.CtrlIncompleteNack:
		return true, ErrIncomplete
	case wire.CtrlSRAck:
		return false, s.onAck(m)
	case wire.CtrlSRNack:
		return false, s.onNack(m)
	default:
		s.log.WithField("type", m.Type).Debug("sr: ignoring unrelated control record")
		return false, nil
	}
}

func (s *Sender) onAck(m *wire.ControlMessage) error {
	cumulative := m.CumulativeChunk()
	s.mu.Lock()
	for c := uint32(0); c < cumulative && c < s.totalChunks; c++ {
		s.chunkAcked[c] = true
	}
	for w, word := range m.Bitmap {
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}
			c := uint32(w*64 + bit)
			if c < s.totalChunks {
				s.chunkAcked[c] = true
			}
		}
	}

	now := time.Now()
	var toResend []uint32
	for c := uint32(0); c < s.totalChunks && len(toResend) < maxAckRetransmitChunks; c++ {
		if s.chunkAcked[c] {
			continue
		}
		if now.Sub(s.lastTx[c]) < guardInterval {
			continue
		}
		toResend = append(toResend, c)
		s.lastTx[c] = now
	}
	s.mu.Unlock()

	for _, c := range toResend {
		if err := s.plane.RetransmitChunk(s.burst, c, s.packetsPerChunk, s.totalPackets); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) onNack(m *wire.ControlMessage) error {
	starts, lens := m.Gaps()
	now := time.Now()

	var toResend []uint32
	s.mu.Lock()
	for i := range starts {
		for c := starts[i]; c < starts[i]+lens[i] && len(toResend) < maxNackRetransmitChunks; c++ {
			if c >= s.totalChunks || s.chunkAcked[c] {
				continue
			}
			toResend = append(toResend, c)
			s.lastTx[c] = now
		}
		if len(toResend) >= maxNackRetransmitChunks {
			break
		}
	}
	s.mu.Unlock()

	for _, c := range toResend {
		if err := s.plane.RetransmitChunk(s.burst, c, s.packetsPerChunk, s.totalPackets); err != nil {
			return err
		}
	}
	return nil
}

// rtoSweep retransmits every unacked chunk whose last transmission is
// older than the effective RTO (§4.8 point 3).
func (s *Sender) rtoSweep(now time.Time) error {
	s.mu.Lock()
	var toResend []uint32
	for c := uint32(0); c < s.totalChunks; c++ {
		if s.chunkAcked[c] {
			continue
		}
		if now.Sub(s.lastTx[c]) > s.effectiveRTO {
			toResend = append(toResend, c)
			s.lastTx[c] = now
		}
	}
	s.mu.Unlock()

	for _, c := range toResend {
		if err := s.plane.RetransmitChunk(s.burst, c, s.packetsPerChunk, s.totalPackets); err != nil {
			return err
		}
	}
	return nil
}
