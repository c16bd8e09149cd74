// =============================================================================
// File: internal/wire/packet.go
// Fixed-layout datagram header: bit-packed fields, byte-order conversion,
// payload framing.
// =============================================================================
package wire

import (
	"encoding/binary"
	"fmt"
)

// PacketType identifies the datagram/control record kind carried in the
// header's Type field. Only Data and Parity are ever sent; no caller uses
// the remaining values, and control records carry their own ControlType
// (see control.go).
type PacketType uint8

const (
	PacketData   PacketType = 0
	PacketParity PacketType = 1
	PacketAck    PacketType = 2
	PacketNack   PacketType = 3
	PacketCTS    PacketType = 4
)

const (
	// HeaderMagic identifies the protocol on the datagram path.
	HeaderMagic uint16 = 0x5344

	// HeaderSize is the fixed on-wire header length in bytes.
	//
	// magic(2) type(1) transfer_id(4) msgid_offset(4) submsg_id(2)
	// chunk_seq(4) packets_per_chunk(2) fec_k(2) fec_m(2) parity_idx(2)
	// payload_len(2) flags(1)
	HeaderSize = 2 + 1 + 4 + 4 + 2 + 4 + 2 + 2 + 2 + 2 + 2 + 1

	// udpOverhead accounts for the 8-byte UDP header inside a 1500-byte MTU.
	udpOverhead = 8

	// MaxPayload is the largest payload a single packet may carry.
	MaxPayload = 1500 - udpOverhead - HeaderSize

	// MsgIDBits / OffsetBits describe how msg_id and packet_offset share
	// one 32-bit word on the wire (msg_id:10, packet_offset:18, network
	// order), selected by the masks below.
	MsgIDBits    = 10
	OffsetBits   = 18
	msgIDMask    = (1 << MsgIDBits) - 1
	offsetMask   = (1 << OffsetBits) - 1
	MaxMsgID     = 1 << MsgIDBits // exclusive upper bound: msg_id in [0, MaxMsgID)
	MaxOffset    = 1 << OffsetBits
)

// Header is the host-order representation of the fixed packet header.
type Header struct {
	Magic           uint16
	Type            PacketType
	TransferID      uint32 // generation number for late-packet rejection
	MsgID           uint16 // 10 bits
	PacketOffset    uint32 // 18 bits, global packet index
	SubMsgID        uint16 // reserved for EC stripe identification
	ChunkSeq        uint32 // derived: packet_offset / packets_per_chunk
	PacketsPerChunk uint16
	FECK            uint16
	FECM            uint16
	ParityIdx       uint16
	PayloadLen      uint16
	Flags           uint8
}

// Packet is a decoded datagram: header plus the payload slice it framed.
type Packet struct {
	Header  Header
	Payload []byte
}

// packMsgOffset packs msg_id (10 bits) and packet_offset (18 bits) into a
// single 32-bit word, matching the source's bitfield layout explicitly
// via mask+shift rather than relying on compiler-specific packing.
func packMsgOffset(msgID uint16, packetOffset uint32) uint32 {
	return (uint32(msgID&msgIDMask) << OffsetBits) | (packetOffset & offsetMask)
}

func unpackMsgOffset(word uint32) (msgID uint16, packetOffset uint32) {
	msgID = uint16((word >> OffsetBits) & msgIDMask)
	packetOffset = word & offsetMask
	return
}

// CreateData builds a DATA (or, via typ=PacketParity, PARITY) packet.
// It fails when the payload exceeds MaxPayload. chunk_seq is derived here
// from packetOffset/packetsPerChunk so it is internally consistent on the
// wire, per §4.1.
func CreateData(typ PacketType, transferID uint32, msgID uint16, packetOffset uint32, packetsPerChunk uint16, payload []byte) (*Packet, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload len %d exceeds MaxPayload %d", len(payload), MaxPayload)
	}
	if packetsPerChunk == 0 {
		return nil, fmt.Errorf("wire: packets_per_chunk must be > 0")
	}
	if msgID >= MaxMsgID {
		return nil, fmt.Errorf("wire: msg_id %d out of range [0,%d)", msgID, MaxMsgID)
	}
	if packetOffset >= MaxOffset {
		return nil, fmt.Errorf("wire: packet_offset %d exceeds %d bits", packetOffset, OffsetBits)
	}

	p := &Packet{
		Header: Header{
			Magic:           HeaderMagic,
			Type:            typ,
			TransferID:      transferID,
			MsgID:           msgID,
			PacketOffset:    packetOffset,
			ChunkSeq:        packetOffset / uint32(packetsPerChunk),
			PacketsPerChunk: packetsPerChunk,
			PayloadLen:      uint16(len(payload)),
		},
	}
	if len(payload) > 0 {
		p.Payload = make([]byte, len(payload))
		copy(p.Payload, payload)
	}
	return p, nil
}

// WithFEC stamps EC stripe metadata onto an already-built packet.
func (p *Packet) WithFEC(k, m, parityIdx uint16, submsgID uint16) *Packet {
	p.Header.FECK = k
	p.Header.FECM = m
	p.Header.ParityIdx = parityIdx
	p.Header.SubMsgID = submsgID
	return p
}

// Encode serializes header || payload in network byte order.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	h := &p.Header

	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[3:7], h.TransferID)
	binary.BigEndian.PutUint32(buf[7:11], packMsgOffset(h.MsgID, h.PacketOffset))
	binary.BigEndian.PutUint16(buf[11:13], h.SubMsgID)
	binary.BigEndian.PutUint32(buf[13:17], h.ChunkSeq)
	binary.BigEndian.PutUint16(buf[17:19], h.PacketsPerChunk)
	binary.BigEndian.PutUint16(buf[19:21], h.FECK)
	binary.BigEndian.PutUint16(buf[21:23], h.FECM)
	binary.BigEndian.PutUint16(buf[23:25], h.ParityIdx)
	binary.BigEndian.PutUint16(buf[25:27], h.PayloadLen)
	buf[27] = h.Flags

	if len(p.Payload) > 0 {
		copy(buf[HeaderSize:], p.Payload)
	}
	return buf
}

// Decode parses header || payload from network byte order. The backend
// (C4) rejects a datagram with a bad magic or short length by dropping it
// and incrementing an error counter; Decode itself only reports the error.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("wire: short datagram: %d < %d", len(data), HeaderSize)
	}

	h := Header{
		Magic:      binary.BigEndian.Uint16(data[0:2]),
		Type:       PacketType(data[2]),
		TransferID: binary.BigEndian.Uint32(data[3:7]),
	}
	h.MsgID, h.PacketOffset = unpackMsgOffset(binary.BigEndian.Uint32(data[7:11]))
	h.SubMsgID = binary.BigEndian.Uint16(data[11:13])
	h.ChunkSeq = binary.BigEndian.Uint32(data[13:17])
	h.PacketsPerChunk = binary.BigEndian.Uint16(data[17:19])
	h.FECK = binary.BigEndian.Uint16(data[19:21])
	h.FECM = binary.BigEndian.Uint16(data[21:23])
	h.ParityIdx = binary.BigEndian.Uint16(data[23:25])
	h.PayloadLen = binary.BigEndian.Uint16(data[25:27])
	h.Flags = data[27]

	if h.Magic != HeaderMagic {
		return nil, fmt.Errorf("wire: bad magic 0x%04x", h.Magic)
	}

	end := HeaderSize + int(h.PayloadLen)
	if end > len(data) {
		return nil, fmt.Errorf("wire: truncated payload: have %d want %d", len(data), end)
	}

	p := &Packet{Header: h}
	if h.PayloadLen > 0 {
		p.Payload = make([]byte, h.PayloadLen)
		copy(p.Payload, data[HeaderSize:end])
	}
	return p, nil
}
