// =============================================================================
// File: internal/ec/sender.go
// Erasure-coded sender: stripes the message into k-chunk groups, computes
// m parity chunks per stripe, and polls the control stream for EC_ACK/
// EC_NACK/EC_FALLBACK_SR (§4.9). Grounded on the teacher's ARQSendBuffer
// send/retransmit split (internal/transport/arq_send_buffer.go); the
// stripe encode step itself has no teacher analogue and is grounded on
// klauspost/reedsolomon's own Encoder contract instead (see DESIGN.md).
// =============================================================================
package ec

import (
	"context"
	"fmt"

	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/dataplane"
	"github.com/relaywire/relaywire/internal/sr"
	"github.com/relaywire/relaywire/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrIncomplete is returned when the receiver reports INCOMPLETE_NACK
// during a nested SR fallback.
var ErrIncomplete = sr.ErrIncomplete

// Sender lays a message out as data_chunks + stripes*m parity chunks and
// transmits all of it as one erasure-coded burst.
type Sender struct {
	codec Codec

	buffer          []byte
	transferID      uint32
	msgID           uint16
	k, m            int
	chunkBytes      int
	dataChunks      int
	stripes         int
	totalChunks     int
	packetsPerChunk uint32
	mtu             uint32

	conn  *controlstream.Conn
	plane *dataplane.Plane
	log   *logrus.Entry

	// rtoMs/baseRTTMs/alphaMs are the negotiated RTO parameters (§4.8,
	// §6), carried here solely so a nested SR fallback (runSRFallback)
	// can compute the same effective RTO the plain SR path would have
	// negotiated instead of a hardcoded default.
	rtoMs     uint32
	baseRTTMs uint32
	alphaMs   uint32
}

// NewSender builds and encodes the erasure-coded layout for data (§4.9
// data model). k and m must both be positive. rtoMs/baseRTTMs/alphaMs are
// the connection's negotiated RTO parameters, used only if the receiver
// later requests an EC_FALLBACK_SR.
func NewSender(codec Codec, data []byte, k, m int, mtu, packetsPerChunk uint32, transferID uint32, msgID uint16, conn *controlstream.Conn, plane *dataplane.Plane, rtoMs, baseRTTMs, alphaMs uint32, log *logrus.Entry) (*Sender, error) {
	if k <= 0 || m <= 0 {
		return nil, fmt.Errorf("ec: k and m must be positive, got k=%d m=%d", k, m)
	}
	chunkBytes := int(mtu) * int(packetsPerChunk)
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("ec: invalid chunk size mtu=%d packets_per_chunk=%d", mtu, packetsPerChunk)
	}

	dataChunks := (len(data) + chunkBytes - 1) / chunkBytes
	if dataChunks == 0 {
		dataChunks = 1
	}
	stripes := (dataChunks + k - 1) / k
	totalChunks := dataChunks + stripes*m

	buffer := make([]byte, totalChunks*chunkBytes)
	copy(buffer, data)

	s := &Sender{
		codec:           codec,
		buffer:          buffer,
		transferID:      transferID,
		msgID:           msgID,
		k:               k,
		m:               m,
		chunkBytes:      chunkBytes,
		dataChunks:      dataChunks,
		stripes:         stripes,
		totalChunks:     totalChunks,
		packetsPerChunk: packetsPerChunk,
		mtu:             mtu,
		conn:            conn,
		plane:           plane,
		log:             log,
		rtoMs:           rtoMs,
		baseRTTMs:       baseRTTMs,
		alphaMs:         alphaMs,
	}

	if err := s.encodeAllStripes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) chunkSlice(chunkID int) []byte {
	start := chunkID * s.chunkBytes
	return s.buffer[start : start+s.chunkBytes]
}

// encodeAllStripes runs the external GF(2^8) encoder once per stripe
// (§4.9 sender step 2). The final stripe's data pointers past dataChunks
// reference the zero-initialized tail of the buffer, satisfying the
// zero-padding rule without a separate padding pass.
func (s *Sender) encodeAllStripes() error {
	for stripe := 0; stripe < s.stripes; stripe++ {
		dataSlices := make([][]byte, s.k)
		for i := 0; i < s.k; i++ {
			chunkID := stripe*s.k + i
			if chunkID < s.dataChunks {
				dataSlices[i] = s.chunkSlice(chunkID)
			} else {
				dataSlices[i] = nil // logically zero, past data_chunks
			}
		}

		parity, err := s.codec.EncodeStripe(dataSlices, s.m, s.chunkBytes)
		if err != nil {
			return fmt.Errorf("ec: encode stripe %d: %w", stripe, err)
		}
		for p := 0; p < s.m; p++ {
			chunkID := s.dataChunks + stripe*s.m + p
			copy(s.chunkSlice(chunkID), parity[p])
		}
	}
	return nil
}

// --- dataplane.Burst -------------------------------------------------------

// PacketCount implements dataplane.Burst.
func (s *Sender) PacketCount() uint32 { return uint32(s.totalChunks) * s.packetsPerChunk }

// BuildPacket implements dataplane.Burst, stamping FEC metadata on every
// packet so the receiver can locate its stripe regardless of packet type.
func (s *Sender) BuildPacket(packetIndex uint32) (*wire.Packet, error) {
	chunkID := int(packetIndex / s.packetsPerChunk)
	offsetInChunk := int(packetIndex % s.packetsPerChunk)
	if chunkID >= s.totalChunks {
		return nil, fmt.Errorf("ec: packet index %d out of range", packetIndex)
	}

	chunk := s.chunkSlice(chunkID)
	start := offsetInChunk * int(s.mtu)
	end := start + int(s.mtu)
	if end > len(chunk) {
		end = len(chunk)
	}
	payload := chunk[start:end]

	typ := wire.PacketData
	parityIdx := uint16(0)
	stripe := chunkID / s.k
	if chunkID >= s.dataChunks {
		typ = wire.PacketParity
		rel := chunkID - s.dataChunks
		stripe = rel / s.m
		parityIdx = uint16(rel % s.m)
	}

	pkt, err := wire.CreateData(typ, s.transferID, s.msgID, packetIndex, uint16(s.packetsPerChunk), payload)
	if err != nil {
		return nil, err
	}
	return pkt.WithFEC(uint16(s.k), uint16(s.m), parityIdx, uint16(stripe)), nil
}

// Run transmits the initial erasure-coded burst, then polls the control
// stream for EC_ACK / EC_NACK / EC_FALLBACK_SR / COMPLETE_ACK (§4.9
// sender steps 3-4).
func (s *Sender) Run(ctx context.Context) error {
	if err := s.plane.SendAll(s); err != nil {
		return fmt.Errorf("ec: initial burst: %w", err)
	}

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

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("ec: control stream read: %w", err)
		case m := <-msgCh:
			switch m.Type {
			case wire.CtrlECAck, wire.CtrlCompleteAck:
				return nil
			case wire.CtrlIncompleteNack:
				return sr.ErrIncomplete
			case wire.CtrlECNack:
				if err := s.retransmitGaps(m); err != nil {
					return err
				}
			case wire.CtrlECFallbackSR:
				return s.runSRFallback(ctx)
			default:
				s.log.WithField("type", m.Type).Debug("ec: ignoring unrelated control record")
			}
		}
	}
}

func (s *Sender) retransmitGaps(m *wire.ControlMessage) error {
	starts, lens := m.Gaps()
	for i := range starts {
		for c := starts[i]; c < starts[i]+lens[i]; c++ {
			if int(c) >= s.totalChunks {
				continue
			}
			if err := s.plane.RetransmitChunk(s, c, s.packetsPerChunk, s.PacketCount()); err != nil {
				return err
			}
		}
	}
	return nil
}

// runSRFallback switches to a nested SR session over the already-encoded
// buffer without re-sending the initial burst (§4.9 sender step 4's
// EC_FALLBACK_SR handling).
func (s *Sender) runSRFallback(ctx context.Context) error {
	effectiveRTO := sr.EffectiveRTO(s.rtoMs, s.baseRTTMs, s.alphaMs)
	srSender := sr.NewSender(s.plane, s, s.conn, uint32(s.totalChunks), s.PacketCount(), s.packetsPerChunk, effectiveRTO, s.log)
	return srSender.Run(ctx)
}
