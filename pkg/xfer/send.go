// =============================================================================
// File: pkg/xfer/send.go
// Outbound message lifecycle (C11): send_post/send_poll and the
// send_stream_start/_continue/_end trio, dispatching to either the
// selective-repeat or erasure-coding sender depending on the negotiated
// FEC shape (§4.9's decision table, applied at connection scope).
// =============================================================================
package xfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/relaywire/relaywire/internal/dataplane"
	"github.com/relaywire/relaywire/internal/ec"
	"github.com/relaywire/relaywire/internal/handshake"
	"github.com/relaywire/relaywire/internal/sr"
	"github.com/relaywire/relaywire/internal/wire"
)

// SendHandle tracks one outbound message from OFFER through completion
// (C11's send_post/send_poll).
type SendHandle struct {
	c     *Connection
	msgID uint16
	done  chan struct{}
	err   error
}

// SendPost offers buffer as a new message on the connection and begins
// transmitting it in the background (C11's send_post). buffer must remain
// valid until Poll or Wait reports completion.
func (c *Connection) SendPost(ctx context.Context, buffer []byte) (*SendHandle, error) {
	c.mu.Lock()
	p := c.overrideParams
	c.mu.Unlock()

	desired := c.desiredWireParams(p, uint64(len(buffer)))

	negotiated, err := handshake.SenderOffer(c.control, c.connectionID, desired)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	h := &SendHandle{c: c, msgID: uint16(negotiated.MsgID), done: make(chan struct{})}
	go c.runSend(ctx, h, negotiated, buffer)
	return h, nil
}

// desiredWireParams folds an optional per-call override on top of the
// connection's configured defaults (§6's parameter table).
func (c *Connection) desiredWireParams(p Params, totalBytes uint64) wire.Params {
	mtu := p.MTUBytes
	if mtu == 0 {
		mtu = uint32(c.cfg.MTUBytes)
	}
	ppc := p.PacketsPerChunk
	if ppc == 0 {
		ppc = uint32(c.cfg.PacketsPerChunk)
	}
	numCh := p.NumChannels
	if numCh == 0 {
		numCh = uint32(c.cfg.NumChannels)
	}
	rto := p.RTOMs
	if rto == 0 {
		rto = uint32(c.cfg.RTOMs)
	}
	alpha := p.AlphaMs
	if alpha == 0 {
		alpha = uint32(c.cfg.AlphaMs)
	}
	maxInflight := p.MaxInflight
	if maxInflight == 0 {
		maxInflight = uint32(c.cfg.MaxInflightChunks)
	}

	k, m := p.ECDataChunks, p.ECParityChunks
	useEC := p.UseErasureCoding || (k == 0 && m == 0 && c.cfg.UsesErasureCoding())
	if useEC {
		if k == 0 {
			k = uint32(c.cfg.ECKData)
		}
		if m == 0 {
			m = uint32(c.cfg.ECMParity)
		}
	} else {
		k, m = 0, 0
	}

	return wire.Params{
		TotalBytes:      totalBytes,
		MTUBytes:        mtu,
		PacketsPerChunk: ppc,
		NumChannels:     numCh,
		ChannelBasePort: uint32(c.cfg.ChannelBasePort),
		RTOMs:           rto,
		RTTAlphaMs:      alpha,
		MaxInflight:     maxInflight,
		FECK:            k,
		FECM:            m,
	}
}

// runSend transmits the initial burst and drives retransmission until the
// receiver reports completion, incompleteness, or the control stream is
// lost.
func (c *Connection) runSend(ctx context.Context, h *SendHandle, negotiated wire.Params, buffer []byte) {
	defer close(h.done)

	transferID := negotiated.TransferID
	msgID := h.msgID
	mtu := negotiated.MTUBytes
	ppc := negotiated.PacketsPerChunk

	// The destination port range is the receiver's own configured base
	// port, only known once it comes back in CTS — never the sender's own
	// config — so the plane is built per-message from negotiated, not
	// cached on the connection (§4.7, §4.10).
	plane := dataplane.New(c.channels, c.remoteIP, negotiated.ChannelBasePort)

	var err error
	var totalPackets uint32

	if negotiated.FECK > 0 && negotiated.FECM > 0 {
		var sender *ec.Sender
		sender, err = ec.NewSender(ec.New(), buffer, int(negotiated.FECK), int(negotiated.FECM), mtu, ppc, transferID, msgID, c.control, plane,
			negotiated.RTOMs, uint32(c.cfg.BaseRTTMs), negotiated.RTTAlphaMs, c.log)
		if err == nil {
			totalPackets = sender.PacketCount()
			err = sender.Run(ctx)
		}
	} else {
		buf := sr.NewBuffer(buffer, transferID, msgID, mtu, ppc)
		totalPackets = buf.PacketCount()
		if err = plane.SendAll(buf); err == nil {
			effRTO := sr.EffectiveRTO(negotiated.RTOMs, uint32(c.cfg.BaseRTTMs), negotiated.RTTAlphaMs)
			sender := sr.NewSender(plane, buf, c.control, buf.TotalChunks(), buf.PacketCount(), ppc, effRTO, c.log)
			err = sender.Run(ctx)
		}
	}

	c.stats.IncPacketsSentBy(uint64(totalPackets))

	if err != nil {
		switch {
		case errors.Is(err, sr.ErrIncomplete):
			err = fmt.Errorf("%w: %v", ErrIncompleteTransfer, err)
		case ctx.Err() == nil:
			err = fmt.Errorf("%w: %v", ErrTransportLost, err)
		}
		h.err = err
		c.log.WithError(err).WithField("msg_id", msgID).Warn("xfer: send did not complete cleanly")
	}
}

// Poll reports whether the send has finished and, if so, its outcome
// (C11's send_poll: OK or FAILED).
func (h *SendHandle) Poll() (done bool, err error) {
	select {
	case <-h.done:
		return true, h.err
	default:
		return false, nil
	}
}

// Wait blocks until the send finishes or ctx is canceled.
func (h *SendHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendStream accumulates a message body across multiple writes before
// transmission begins (C11's send_stream_start/_continue/_end). The
// message table needs a transfer's total size up front for the OFFER's
// total_bytes field, so StreamEnd is what actually posts the message.
type SendStream struct {
	c   *Connection
	buf bytes.Buffer
}

// StreamStart begins accumulating a new outbound message body (C11's
// send_stream_start).
func (c *Connection) StreamStart() *SendStream {
	return &SendStream{c: c}
}

// StreamContinue appends more bytes to the pending message body (C11's
// send_stream_continue).
func (s *SendStream) StreamContinue(chunk []byte) error {
	_, err := s.buf.Write(chunk)
	return err
}

// StreamEnd finalizes the accumulated body and posts it as one message
// (C11's send_stream_end).
func (s *SendStream) StreamEnd(ctx context.Context) (*SendHandle, error) {
	return s.c.SendPost(ctx, s.buf.Bytes())
}
