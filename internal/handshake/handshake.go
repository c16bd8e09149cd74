// =============================================================================
// File: internal/handshake/handshake.go
// OFFER/CTS/ACCEPT negotiation for both sides of a transfer (§4.7).
// Grounded on the teacher's ARQManager connection-setup sequence
// (internal/transport/arq_manager.go), generalized from a single ARQ
// session bring-up to the OFFER/CTS/ACCEPT three-way exchange this
// protocol uses instead.
// =============================================================================
package handshake

import (
	"fmt"

	"github.com/relaywire/relaywire/internal/alloc"
	"github.com/relaywire/relaywire/internal/controlstream"
	"github.com/relaywire/relaywire/internal/wire"
)

// defaultPacketsPerChunk / defaultNumChannels are applied by the receiver
// when the sender's OFFER leaves them unset (§4.7 step 2).
const (
	defaultPacketsPerChunk = 64
	defaultNumChannels     = 1
)

// SenderOffer performs the sender side of the handshake: send OFFER with
// the desired parameters, wait for CTS, echo the finalized parameters
// back in ACCEPT (§4.7 sender state machine OFFER_SENT -> CTS_RECEIVED ->
// ACCEPTED).
func SenderOffer(conn *controlstream.Conn, connectionID uint32, desired wire.Params) (negotiated wire.Params, err error) {
	offer := wire.NewControlMessage(wire.CtrlOffer, connectionID)
	offer.Params = desired
	if err := conn.Send(offer); err != nil {
		return wire.Params{}, fmt.Errorf("handshake: send OFFER: %w", err)
	}

	cts, err := conn.Recv()
	if err != nil {
		return wire.Params{}, fmt.Errorf("handshake: waiting for CTS: %w", err)
	}
	if cts.Type == wire.CtrlReject {
		return wire.Params{}, fmt.Errorf("handshake: offer rejected")
	}
	if cts.Type != wire.CtrlCTS {
		return wire.Params{}, fmt.Errorf("handshake: expected CTS, got type %d", cts.Type)
	}
	negotiated = cts.Params

	accept := wire.NewControlMessage(wire.CtrlAccept, connectionID)
	accept.Params = negotiated
	if err := conn.Send(accept); err != nil {
		return wire.Params{}, fmt.Errorf("handshake: send ACCEPT: %w", err)
	}
	return negotiated, nil
}

// ReceiverAccept performs the receiver side: wait for OFFER, allocate a
// message slot, finalize parameters, send CTS, wait for ACCEPT (§4.7
// receiver state machine LISTENING -> ACCEPTED -> OFFER_RECEIVED ->
// CTS_SENT -> AWAITING_ACCEPT).
func ReceiverAccept(conn *controlstream.Conn, connectionID uint32, allocator *alloc.Allocator, channelBasePort uint32) (msgID uint16, generation uint32, negotiated wire.Params, err error) {
	offer, err := conn.Recv()
	if err != nil {
		return 0, 0, wire.Params{}, fmt.Errorf("handshake: waiting for OFFER: %w", err)
	}
	if offer.Type != wire.CtrlOffer {
		return 0, 0, wire.Params{}, fmt.Errorf("handshake: expected OFFER, got type %d", offer.Type)
	}

	msgID, generation, err = allocator.Allocate()
	if err != nil {
		reject := wire.NewControlMessage(wire.CtrlReject, connectionID)
		_ = conn.Send(reject)
		return 0, 0, wire.Params{}, fmt.Errorf("handshake: allocate message slot: %w", err)
	}

	negotiated = negotiateParams(offer.Params, channelBasePort)
	negotiated.MsgID = uint32(msgID)
	negotiated.TransferID = generation

	cts := wire.NewControlMessage(wire.CtrlCTS, connectionID)
	cts.Params = negotiated
	if err := conn.Send(cts); err != nil {
		return 0, 0, wire.Params{}, fmt.Errorf("handshake: send CTS: %w", err)
	}

	acceptMsg, err := conn.Recv()
	if err != nil {
		return 0, 0, wire.Params{}, fmt.Errorf("handshake: waiting for ACCEPT: %w", err)
	}
	if acceptMsg.Type != wire.CtrlAccept {
		return 0, 0, wire.Params{}, fmt.Errorf("handshake: expected ACCEPT, got type %d", acceptMsg.Type)
	}

	return msgID, generation, negotiated, nil
}

// negotiateParams clamps and defaults the sender's desired values (§4.7
// step 2).
func negotiateParams(desired wire.Params, channelBasePort uint32) wire.Params {
	p := desired
	if p.MTUBytes == 0 || p.MTUBytes > wire.MaxPayload {
		p.MTUBytes = wire.MaxPayload
	}
	if p.PacketsPerChunk == 0 {
		p.PacketsPerChunk = defaultPacketsPerChunk
	}
	if p.NumChannels == 0 {
		p.NumChannels = defaultNumChannels
	}
	p.ChannelBasePort = channelBasePort
	return p
}
