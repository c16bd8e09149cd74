// =============================================================================
// File: internal/sr/burst.go
// Plain-data dataplane.Burst over a flat in-memory buffer, used by the
// selective-repeat sender when erasure coding is not requested. Grounded
// on the chunk-slicing arithmetic of the teacher's ARQSendBuffer
// (internal/transport/arq_send_buffer.go), generalized from a byte
// sliding window to fixed packet indices.
// =============================================================================
package sr

import (
	"github.com/relaywire/relaywire/internal/wire"
)

// Buffer packages a flat data buffer as a dataplane.Burst, slicing it
// into MTU-sized DATA packets (§4.1).
type Buffer struct {
	data            []byte
	transferID      uint32
	msgID           uint16
	mtu             uint32
	packetsPerChunk uint32
	totalPackets    uint32
}

// NewBuffer computes the packet count for data and wraps it as a Burst.
func NewBuffer(data []byte, transferID uint32, msgID uint16, mtu, packetsPerChunk uint32) *Buffer {
	totalPackets := (uint32(len(data)) + mtu - 1) / mtu
	if len(data) == 0 {
		totalPackets = 0
	}
	return &Buffer{
		data:            data,
		transferID:      transferID,
		msgID:           msgID,
		mtu:             mtu,
		packetsPerChunk: packetsPerChunk,
		totalPackets:    totalPackets,
	}
}

// PacketCount implements dataplane.Burst.
func (b *Buffer) PacketCount() uint32 { return b.totalPackets }

// TotalChunks returns the number of chunks this buffer spans, given its
// packets-per-chunk.
func (b *Buffer) TotalChunks() uint32 {
	if b.packetsPerChunk == 0 {
		return 0
	}
	return (b.totalPackets + b.packetsPerChunk - 1) / b.packetsPerChunk
}

// BuildPacket implements dataplane.Burst.
func (b *Buffer) BuildPacket(packetIndex uint32) (*wire.Packet, error) {
	start := packetIndex * b.mtu
	end := start + b.mtu
	if end > uint32(len(b.data)) {
		end = uint32(len(b.data))
	}
	return wire.CreateData(wire.PacketData, b.transferID, b.msgID, packetIndex, uint16(b.packetsPerChunk), b.data[start:end])
}
