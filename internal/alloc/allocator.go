// =============================================================================
// File: internal/alloc/allocator.go
// Message/generation allocator: a 1024-slot pool with rotating generations
// over the 10-bit message ID space (§4.5).
//
// The source this system is modeled on bumps its generation counter only
// when the allocation cursor wraps back to slot 0, which lets two
// concurrently-reused msg_ids collide on the same generation number. This
// implementation resolves that open question (§9) by incrementing each
// slot's own generation independently on every reuse, so any two
// allocations of the same msg_id are always distinguishable regardless of
// cursor position.
// =============================================================================
package alloc

import (
	"errors"
	"sync"
)

// MsgIDSpace is the number of message IDs a connection can have active.
const MsgIDSpace = 1024

// ErrFull is returned by Allocate when every slot is in use.
var ErrFull = errors.New("alloc: message ID space exhausted")

type slot struct {
	inUse      bool
	generation uint32
}

// Allocator hands out msg_id/generation pairs for one connection.
type Allocator struct {
	mu      sync.Mutex
	slots   [MsgIDSpace]slot
	cursor  int
	nextGen uint32 // process-wide monotonic counter, shared across slots
}

// New creates an allocator with every slot free and generation 0.
func New() *Allocator {
	return &Allocator{}
}

// Allocate scans from the cursor for the first free slot, marks it
// in-use, stamps it with a freshly incremented generation, and advances
// the cursor. Returns ErrFull if every slot is in use.
func (a *Allocator) Allocate() (msgID uint16, generation uint32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < MsgIDSpace; i++ {
		idx := (a.cursor + i) % MsgIDSpace
		if !a.slots[idx].inUse {
			a.slots[idx].inUse = true
			a.nextGen++
			a.slots[idx].generation = a.nextGen
			a.cursor = (idx + 1) % MsgIDSpace
			return uint16(idx), a.slots[idx].generation, nil
		}
	}
	return 0, 0, ErrFull
}

// Free clears a slot's in-use flag. Its generation is left untouched so a
// late packet checked against the slot's last-known generation (by the
// caller, before Free is invoked) still resolves correctly; the next
// Allocate of this id bumps the generation again.
func (a *Allocator) Free(msgID uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(msgID) < MsgIDSpace {
		a.slots[msgID].inUse = false
	}
}

// IncrementGeneration monotonically bumps a slot's generation, used when a
// message transitions to DEAD so any subsequent Allocate of the same
// msg_id is guaranteed to exceed every generation ever issued for it,
// even if Allocate itself is never called again before a stray packet
// arrives (§3's "generation strictly increases" invariant).
func (a *Allocator) IncrementGeneration(msgID uint16) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(msgID) >= MsgIDSpace {
		return 0
	}
	a.nextGen++
	a.slots[msgID].generation = a.nextGen
	return a.slots[msgID].generation
}

// GetGeneration is a stable read of a slot's current generation.
func (a *Allocator) GetGeneration(msgID uint16) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(msgID) >= MsgIDSpace {
		return 0
	}
	return a.slots[msgID].generation
}

// InUse reports whether a slot is currently allocated.
func (a *Allocator) InUse(msgID uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(msgID) >= MsgIDSpace {
		return false
	}
	return a.slots[msgID].inUse
}
