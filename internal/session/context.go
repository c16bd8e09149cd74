// =============================================================================
// File: internal/session/context.go
// Connection context: per-connection message table, param negotiation
// storage, and the null-sink shared by every dead slot on the connection
// (§4.6).
// =============================================================================
package session

import (
	"fmt"
	"sync"

	"github.com/relaywire/relaywire/internal/alloc"
	"github.com/relaywire/relaywire/internal/bitmap"
	"github.com/sirupsen/logrus"
)

// ErrSlotActive is returned by AllocateMessageSlot when the target slot is
// already ACTIVE.
var ErrSlotActive = fmt.Errorf("session: message slot already active")

// ErrStaleGeneration is returned when the presented generation does not
// exceed the slot's current generation.
var ErrStaleGeneration = fmt.Errorf("session: generation is not newer than current")

// Context holds everything scoped to one control-plane connection: its
// negotiated identity, its 1024-entry message table, and the allocator
// and bitmap engine backing that table.
type Context struct {
	ConnectionID uint32
	Allocator    *alloc.Allocator
	Bitmap       *bitmap.Engine
	Log          *logrus.Entry

	mu       sync.Mutex
	slots    [alloc.MsgIDSpace]*Slot
	nullSink []byte
}

// NewContext creates an empty connection context with every slot NULL.
func NewContext(connectionID uint32, log *logrus.Entry) *Context {
	sink := make([]byte, 1)
	c := &Context{
		ConnectionID: connectionID,
		Allocator:    alloc.New(),
		nullSink:     sink,
		Log:          log,
	}
	c.Bitmap = bitmap.NewEngine(bitmap.Callbacks{})
	for i := range c.slots {
		c.slots[i] = newSlot(sink)
	}
	return c
}

// SetCallbacks wires the bitmap engine's callback set; must be called
// before any traffic flows (the engine caches Callbacks by value at
// construction, so it is rebuilt here with the caller's hooks attached).
func (c *Context) SetCallbacks(cb bitmap.Callbacks) {
	// OnPacket receives a packet offset, not a transfer_id, so it cannot
	// check the generation; backend.handleDatagram checks slot state and
	// generation before a packet reaches the engine.
	c.Bitmap = bitmap.NewEngine(cb)
}

// AllocateMessageSlot activates msgID's slot with the given generation and
// parameters. It fails if the slot is ACTIVE, or if generation is not
// strictly greater than the slot's current generation (§4.6).
func (c *Context) AllocateMessageSlot(msgID uint16, generation uint32, params Params, buffer []byte, totalPackets, totalChunks uint32, ec bool) (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slots[msgID]
	if s.CurrentState() == StateActive {
		return nil, ErrSlotActive
	}
	if generation <= s.Generation && s.CurrentState() != StateNull {
		return nil, ErrStaleGeneration
	}

	s.Activate(msgID, generation, params, buffer, totalPackets, totalChunks, ec)
	c.Bitmap.Register(msgID, totalPackets, params.PacketsPerChunk)
	return s, nil
}

// GetMessage returns a slot reference iff it is not NULL.
func (c *Context) GetMessage(msgID uint16) (*Slot, bool) {
	c.mu.Lock()
	s := c.slots[msgID]
	c.mu.Unlock()
	if s.CurrentState() == StateNull {
		return nil, false
	}
	return s, true
}

// CompleteMessage transitions a slot from ACTIVE/COMPLETED to DEAD,
// redirects its buffer to the null sink, bumps its generation so any
// future reuse of msgID is distinguishable, and frees it in the
// allocator (§4.6, §4.5).
func (c *Context) CompleteMessage(msgID uint16) {
	c.mu.Lock()
	s := c.slots[msgID]
	c.mu.Unlock()

	s.MarkDead()
	c.Bitmap.Unregister(msgID)
	c.Allocator.IncrementGeneration(msgID)
	c.Allocator.Free(msgID)
}

// SlotAcceptsPacket reports whether msgID's slot is ACTIVE and transferID
// matches the slot's current generation (§4.4 steps 3, invariant 3 of §8).
// Its second argument is a transfer_id, so it does not fit
// bitmap.Callbacks.OnPacket, whose second argument is a packet offset.
func (c *Context) SlotAcceptsPacket(msgID uint16, transferID uint32) bool {
	c.mu.Lock()
	s := c.slots[msgID]
	c.mu.Unlock()
	return s.IsAcceptingPackets() && s.GenerationMatches(transferID)
}

// Slot exposes direct slot access for callers (backend workers, data
// plane) that already validated msgID range.
func (c *Context) Slot(msgID uint16) *Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[msgID]
}

// NullSink returns the connection's shared one-byte null sink.
func (c *Context) NullSink() []byte {
	return c.nullSink
}
