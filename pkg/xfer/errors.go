// =============================================================================
// File: pkg/xfer/errors.go
// Sentinel errors returned by the public API surface (C11).
// =============================================================================
package xfer

import "errors"

var (
	// ErrResourceExhausted is returned when a connection's message table
	// is full, or a caller's receive buffer is too small for the
	// negotiated transfer.
	ErrResourceExhausted = errors.New("xfer: resource exhausted")

	// ErrTransportLost is returned when the control-plane connection or a
	// data-plane channel fails irrecoverably mid-transfer.
	ErrTransportLost = errors.New("xfer: transport lost")

	// ErrIncompleteTransfer is returned when the receiver reports
	// INCOMPLETE_NACK and no further recovery is possible.
	ErrIncompleteTransfer = errors.New("xfer: transfer incomplete")

	// ErrHandshakeRejected is returned when the OFFER/CTS/ACCEPT exchange
	// fails, times out, or is explicitly rejected by the peer.
	ErrHandshakeRejected = errors.New("xfer: handshake rejected")

	// ErrInvalidConfig is returned by New when the supplied configuration
	// fails validation.
	ErrInvalidConfig = errors.New("xfer: invalid configuration")
)

// CompletionStatus is the result of RecvHandle.Complete (C11's
// recv_complete OK/INCOMPLETE result).
type CompletionStatus int

const (
	StatusIncomplete CompletionStatus = iota
	StatusOK
)

func (s CompletionStatus) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "INCOMPLETE"
}
