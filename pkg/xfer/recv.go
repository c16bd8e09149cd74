// =============================================================================
// File: pkg/xfer/recv.go
// Inbound message lifecycle (C11): recv_post/recv_bitmap_get/
// recv_complete, allocating a message-table slot from the peer's OFFER
// and wiring the bitmap engine's completion callbacks to either the
// selective-repeat or erasure-coding receiver (§4.6, §4.8, §4.9).
// =============================================================================
package xfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaywire/relaywire/internal/alloc"
	"github.com/relaywire/relaywire/internal/ec"
	"github.com/relaywire/relaywire/internal/handshake"
	"github.com/relaywire/relaywire/internal/session"
	"github.com/relaywire/relaywire/internal/sr"
	"github.com/relaywire/relaywire/internal/wire"
)

// RecvHandle tracks one inbound message from OFFER through completion
// (C11's recv_post/recv_bitmap_get/recv_complete).
type RecvHandle struct {
	c     *Connection
	msgID uint16
	done  chan struct{}
	once  sync.Once
	err   error
}

// finish closes done exactly once, recording err as the outcome. Both the
// normal completion path and the progress-timeout watchdog call this, so
// whichever fires first wins.
func (h *RecvHandle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// RecvPost waits for the peer's next OFFER and allocates buffer to
// receive it (C11's recv_post). buffer must be at least as large as the
// negotiated transfer requires, including erasure-coding parity chunks
// when EC is negotiated.
func (c *Connection) RecvPost(ctx context.Context, buffer []byte) (*RecvHandle, error) {
	msgID, generation, negotiated, err := handshake.ReceiverAccept(c.control, c.connectionID, c.ctxState.Allocator, uint32(c.cfg.ChannelBasePort))
	if err != nil {
		if errors.Is(err, alloc.ErrFull) {
			c.stats.IncSlotExhaustion()
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	useEC := negotiated.FECK > 0 && negotiated.FECM > 0
	requiredLen := requiredBufferLength(negotiated, useEC)
	if len(buffer) < requiredLen {
		c.ctxState.CompleteMessage(msgID)
		return nil, fmt.Errorf("%w: buffer too small: have %d bytes, need %d", ErrResourceExhausted, len(buffer), requiredLen)
	}

	params := session.FromWireParams(negotiated, c.remoteIP)
	totalPackets := packetCountFor(negotiated, useEC)
	totalChunks := chunkCountFor(totalPackets, negotiated.PacketsPerChunk)

	slot, err := c.ctxState.AllocateMessageSlot(msgID, generation, params, buffer, totalPackets, totalChunks, useEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	h := &RecvHandle{c: c, msgID: msgID, done: make(chan struct{})}
	c.stats.IncActiveMessages()

	onComplete := func() {
		slot.MarkCompleted()
		h.finish(nil)
	}

	nackDelay := c.nackDelay()
	var notifiee chunkNotifiee

	if useEC {
		recv, err := ec.NewReceiver(ec.New(), buffer, msgID, c.connectionID, generation, int(negotiated.FECK), int(negotiated.FECM), negotiated.MTUBytes, negotiated.PacketsPerChunk, negotiated.TotalBytes, c.cfg.ECMaxRetries, c.ctxState.Bitmap, c.control, nackDelay, c.log)
		if err != nil {
			c.ctxState.CompleteMessage(msgID)
			c.stats.DecActiveMessages()
			return nil, fmt.Errorf("xfer: build erasure-coding receiver: %w", err)
		}
		recv.SetOnComplete(onComplete)
		recv.SetStats(c.stats)
		notifiee = recv
		go func() {
			if err := recv.Run(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).WithField("msg_id", msgID).Warn("xfer: erasure-coding receiver stopped")
			}
		}()
	} else {
		recv := sr.NewReceiver(msgID, c.connectionID, generation, c.ctxState.Bitmap, c.control, nackDelay, c.log)
		notifiee = &srReceiverAdapter{inner: recv, onDone: onComplete}
	}

	watchdog := newProgressWatchdog(notifiee)
	c.registerNotifiee(msgID, watchdog)

	go c.watchProgress(h, generation, watchdog)
	go c.awaitRecvCleanup(msgID, h)
	return h, nil
}

// progressWatchdog forwards chunk-completion callbacks to the real
// notifiee while also signaling watchProgress that the transfer is still
// making progress (§8 scenario 6, "no progress for progress_timeout").
type progressWatchdog struct {
	inner    chunkNotifiee
	progress chan struct{}
}

func newProgressWatchdog(inner chunkNotifiee) *progressWatchdog {
	return &progressWatchdog{inner: inner, progress: make(chan struct{}, 1)}
}

func (w *progressWatchdog) OnChunkComplete(msgID uint16, chunkID uint32) {
	w.inner.OnChunkComplete(msgID, chunkID)
	select {
	case w.progress <- struct{}{}:
	default:
	}
}

func (w *progressWatchdog) OnMessageComplete(msgID uint16) {
	w.inner.OnMessageComplete(msgID)
}

// watchProgress fails the receive with an INCOMPLETE_NACK if no chunk
// completes for cfg.ProgressTimeout (§8 scenario 6). It exits without
// acting once h.done closes through the normal completion path.
func (c *Connection) watchProgress(h *RecvHandle, transferID uint32, w *progressWatchdog) {
	timeout := c.cfg.ProgressTimeout
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-w.progress:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			m := wire.NewControlMessage(wire.CtrlIncompleteNack, c.connectionID)
			m.Params.TransferID = transferID
			if err := c.control.Send(m); err != nil {
				c.log.WithError(err).WithField("msg_id", h.msgID).Warn("xfer: failed to send INCOMPLETE_NACK")
			}
			c.log.WithField("msg_id", h.msgID).Warn("xfer: no chunk progress within progress_timeout, failing receive")
			h.finish(ErrIncompleteTransfer)
			return
		}
	}
}

// srReceiverAdapter forwards bitmap-engine callbacks to an sr.Receiver
// while additionally notifying the owning RecvHandle once the message
// completes; sr.Receiver itself only knows how to emit control records,
// not how to signal the higher-level API surface.
type srReceiverAdapter struct {
	inner  *sr.Receiver
	onDone func()
}

func (a *srReceiverAdapter) OnChunkComplete(msgID uint16, chunkID uint32) {
	a.inner.OnChunkComplete(msgID, chunkID)
}

func (a *srReceiverAdapter) OnMessageComplete(msgID uint16) {
	a.inner.OnMessageComplete(msgID)
	if a.onDone != nil {
		a.onDone()
	}
}

func (c *Connection) nackDelay() time.Duration {
	return time.Duration(c.cfg.NackDelayMs) * time.Millisecond
}

func (c *Connection) awaitRecvCleanup(msgID uint16, h *RecvHandle) {
	<-h.done
	c.unregisterNotifiee(msgID)
	c.ctxState.CompleteMessage(msgID)
	c.stats.DecActiveMessages()
}

// BitmapGet returns a snapshot of the message's chunk-completion bitmap,
// packed as 64-bit words (C11's recv_bitmap_get).
func (h *RecvHandle) BitmapGet() []uint64 {
	return h.c.ctxState.Bitmap.ChunkBitmapWords(h.msgID)
}

// Complete reports OK once every chunk has arrived or been reconstructed,
// and INCOMPLETE otherwise (C11's recv_complete).
func (h *RecvHandle) Complete() CompletionStatus {
	select {
	case <-h.done:
		if h.err != nil {
			return StatusIncomplete
		}
		return StatusOK
	default:
		return StatusIncomplete
	}
}

// Wait blocks until the message completes or ctx is canceled.
func (h *RecvHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ecLayout mirrors ec.Sender/ec.Receiver's own stripe arithmetic so the
// API layer can size a receive buffer before a Codec is constructed.
func ecLayout(p wire.Params) (dataChunks, stripes, totalChunks int) {
	chunkBytes := int(p.MTUBytes) * int(p.PacketsPerChunk)
	if chunkBytes <= 0 {
		return 0, 0, 0
	}
	dataChunks = int((p.TotalBytes + uint64(chunkBytes) - 1) / uint64(chunkBytes))
	if dataChunks == 0 {
		dataChunks = 1
	}
	k, m := int(p.FECK), int(p.FECM)
	if k <= 0 {
		k = 1
	}
	if m <= 0 {
		m = 1
	}
	stripes = (dataChunks + k - 1) / k
	totalChunks = dataChunks + stripes*m
	return
}

func requiredBufferLength(p wire.Params, useEC bool) int {
	if !useEC {
		return int(p.TotalBytes)
	}
	_, _, totalChunks := ecLayout(p)
	chunkBytes := int(p.MTUBytes) * int(p.PacketsPerChunk)
	return totalChunks * chunkBytes
}

func packetCountFor(p wire.Params, useEC bool) uint32 {
	if p.MTUBytes == 0 {
		return 0
	}
	if useEC {
		_, _, totalChunks := ecLayout(p)
		return uint32(totalChunks) * p.PacketsPerChunk
	}
	return (uint32(p.TotalBytes) + p.MTUBytes - 1) / p.MTUBytes
}

func chunkCountFor(totalPackets, packetsPerChunk uint32) uint32 {
	if packetsPerChunk == 0 {
		return 0
	}
	return (totalPackets + packetsPerChunk - 1) / packetsPerChunk
}
