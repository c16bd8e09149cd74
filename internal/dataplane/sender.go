// =============================================================================
// File: internal/dataplane/sender.go
// Sender data-plane: fixed-rate initial burst and chunk-granularity
// retransmission, round-robin across the negotiated UDP channels (§4.10).
// Grounded on the teacher's ARQSendBuffer send/retransmit split
// (internal/transport/arq_send_buffer.go), generalized from a byte
// sliding window to a fixed set of pre-built wire packets addressed by
// packet index.
// =============================================================================
package dataplane

import (
	"fmt"
	"net"

	"github.com/relaywire/relaywire/internal/backend"
	"github.com/relaywire/relaywire/internal/wire"
)

// Plane sends pre-encoded datagrams across a fixed set of channels,
// round-robin by packet index.
type Plane struct {
	channels []backend.Channel
	remoteIP string
	basePort uint32
}

// New builds a data-plane sender for one connection's negotiated channels.
func New(channels []backend.Channel, remoteIP string, basePort uint32) *Plane {
	return &Plane{channels: channels, remoteIP: remoteIP, basePort: basePort}
}

// channelFor returns the channel (and its UDP destination) that owns
// packetIndex, following channel = i mod num_channels (§4.10).
func (p *Plane) channelFor(packetIndex uint32) (backend.Channel, *net.UDPAddr) {
	n := uint32(len(p.channels))
	idx := packetIndex % n
	port := int(p.basePort) + int(idx)
	return p.channels[idx], &net.UDPAddr{IP: net.ParseIP(p.remoteIP), Port: port}
}

// SendPacket transmits one already-built wire.Packet.
func (p *Plane) SendPacket(packetIndex uint32, pkt *wire.Packet) error {
	ch, addr := p.channelFor(packetIndex)
	if err := ch.Send(pkt.Encode(), addr); err != nil {
		return fmt.Errorf("dataplane: send packet %d: %w", packetIndex, err)
	}
	return nil
}

// Burst is anything that can hand back the packet to send for a given
// global packet index, letting SR (plain data packets) and EC (data plus
// parity packets) share the same burst/retransmit driver.
type Burst interface {
	// PacketCount returns the total number of packets (data + parity).
	PacketCount() uint32
	// BuildPacket returns the wire packet for packetIndex.
	BuildPacket(packetIndex uint32) (*wire.Packet, error)
}

// SendAll performs the fixed-rate initial burst over every packet in b,
// in index order (§4.10).
func (p *Plane) SendAll(b Burst) error {
	total := b.PacketCount()
	for i := uint32(0); i < total; i++ {
		pkt, err := b.BuildPacket(i)
		if err != nil {
			return fmt.Errorf("dataplane: build packet %d: %w", i, err)
		}
		if err := p.SendPacket(i, pkt); err != nil {
			return err
		}
	}
	return nil
}

// RetransmitChunk resends every packet belonging to chunkID (chunk
// granularity, §4.8/§4.9), given the chunk's packet range and a burst to
// rebuild packets from.
func (p *Plane) RetransmitChunk(b Burst, chunkID, packetsPerChunk, totalPackets uint32) error {
	start := chunkID * packetsPerChunk
	end := start + packetsPerChunk
	if end > totalPackets {
		end = totalPackets
	}
	for i := start; i < end; i++ {
		pkt, err := b.BuildPacket(i)
		if err != nil {
			return fmt.Errorf("dataplane: rebuild packet %d for retransmit: %w", i, err)
		}
		if err := p.SendPacket(i, pkt); err != nil {
			return err
		}
	}
	return nil
}
