// =============================================================================
// File: internal/session/slot.go
// Per-connection message slot: lifecycle state, buffer redirection, and the
// null sink that makes late packets against a dead slot harmless.
// Grounded on the teacher's ARQConn/ARQConnConfig split between connection
// identity and per-transfer buffers (internal/transport/arq_conn.go),
// generalized here to the message-table model of §3/§4.6.
// =============================================================================
package session

import (
	"sync"

	"github.com/relaywire/relaywire/internal/wire"
)

// State is one of {NULL, ACTIVE, COMPLETED, DEAD} for a message slot (§3).
type State int

const (
	StateNull State = iota
	StateActive
	StateCompleted
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateActive:
		return "ACTIVE"
	case StateCompleted:
		return "COMPLETED"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Params mirrors wire.Params in host-friendly form plus the fields that
// never cross the wire (local socket/channel identity).
type Params struct {
	MsgID           uint16
	TransferID      uint32
	TotalBytes      uint64
	MTUBytes        uint32
	PacketsPerChunk uint32
	NumChannels     uint32
	ChannelBasePort uint32
	UDPServerIP     string
	UDPServerPort   uint32
	RTOMs           uint32
	RTTAlphaMs      uint32
	MaxInflight     uint32
	FECK            uint32
	FECM            uint32
}

// ToWire renders the params for the CTS/ACCEPT control records.
func (p Params) ToWire() wire.Params {
	return wire.Params{
		MsgID:           uint32(p.MsgID),
		TransferID:      p.TransferID,
		TotalBytes:      p.TotalBytes,
		MTUBytes:        p.MTUBytes,
		PacketsPerChunk: p.PacketsPerChunk,
		NumChannels:     p.NumChannels,
		ChannelBasePort: p.ChannelBasePort,
		RTOMs:           p.RTOMs,
		RTTAlphaMs:      p.RTTAlphaMs,
		FECK:            p.FECK,
		FECM:            p.FECM,
	}
}

// FromWireParams builds session Params from a decoded wire.Params plus the
// out-of-band remote address the control stream was accepted from.
func FromWireParams(p wire.Params, udpServerIP string) Params {
	return Params{
		MsgID:           uint16(p.MsgID),
		TransferID:      p.TransferID,
		TotalBytes:      p.TotalBytes,
		MTUBytes:        p.MTUBytes,
		PacketsPerChunk: p.PacketsPerChunk,
		NumChannels:     p.NumChannels,
		ChannelBasePort: p.ChannelBasePort,
		UDPServerIP:     udpServerIP,
		RTOMs:           p.RTOMs,
		RTTAlphaMs:      p.RTTAlphaMs,
		MaxInflight:     p.MaxInflight,
		FECK:            p.FECK,
		FECM:            p.FECM,
	}
}

// Slot is one message's lifecycle record within a connection's message
// table.
type Slot struct {
	mu sync.RWMutex

	MsgID      uint16
	Generation uint32
	State      State

	Params       Params
	TotalPackets uint32
	TotalChunks  uint32

	buffer    []byte // points into user memory while ACTIVE
	bufferLen uint32
	nullSink  []byte // shared, 1-byte, used once COMPLETED/DEAD

	// StrategyEC is true when this message uses erasure coding (C9)
	// rather than plain selective repeat (C8).
	StrategyEC bool
}

// newSlot constructs a NULL slot; Activate must be called before use.
func newSlot(nullSink []byte) *Slot {
	return &Slot{State: StateNull, nullSink: nullSink}
}

// Activate transitions a slot to ACTIVE, pointing its buffer at user
// memory. Precondition (enforced by the caller, Context.AllocateMessageSlot): the
// slot must be NULL/COMPLETED/DEAD and the new generation strictly
// greater than the slot's current one.
func (s *Slot) Activate(msgID uint16, generation uint32, params Params, buffer []byte, totalPackets, totalChunks uint32, ec bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.MsgID = msgID
	s.Generation = generation
	s.Params = params
	s.buffer = buffer
	s.bufferLen = uint32(len(buffer))
	s.TotalPackets = totalPackets
	s.TotalChunks = totalChunks
	s.StrategyEC = ec
	s.State = StateActive
}

// MarkCompleted transitions ACTIVE -> COMPLETED without yet redirecting
// the buffer (the receiver may still want to read it after this point;
// redirection happens in MarkDead).
func (s *Slot) MarkCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateActive {
		s.State = StateCompleted
	}
}

// MarkDead transitions to DEAD and redirects buffer writes to the null
// sink, so any late packet's payload write becomes a harmless no-op
// against valid memory (§3).
func (s *Slot) MarkDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDead
	s.buffer = s.nullSink
	s.bufferLen = uint32(len(s.nullSink))
}

// WriteAt clamps and copies payload into the slot's buffer at the given
// packet offset (§4.4 step 5). When the slot is COMPLETED/DEAD this
// writes into the null sink instead of user memory.
func (s *Slot) WriteAt(packetOffset uint32, payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mtu := s.Params.MTUBytes
	if mtu == 0 {
		return
	}
	start := packetOffset * mtu
	if start >= s.bufferLen {
		return
	}
	end := start + uint32(len(payload))
	if end > s.bufferLen {
		end = s.bufferLen
	}
	if end <= start {
		return
	}
	copy(s.buffer[start:end], payload[:end-start])
}

// GenerationMatches reports whether the given transfer_id equals this
// slot's current generation (§4.4 step 3 / invariant 3 of §8).
func (s *Slot) GenerationMatches(transferID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State != StateNull && s.Generation == transferID
}

// IsAcceptingPackets reports whether the slot is in a state that should
// accept and record datagrams (only ACTIVE).
func (s *Slot) IsAcceptingPackets() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State == StateActive
}

// CurrentState is a snapshot read of the slot's lifecycle state.
func (s *Slot) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Buffer returns the slot's current buffer (user memory while ACTIVE/
// COMPLETED, the null sink once DEAD). Callers must not retain it past a
// subsequent MarkDead.
func (s *Slot) Buffer() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer
}
