package p2p

import "errors"

var (
	// ErrConnectionStopped is returned when sending on a connection that is shut down.
	ErrConnectionStopped = errors.New("p2p: connection stopped")
	// ErrPeerBanned indicates the destination or origin is on the ban list.
	ErrPeerBanned = errors.New("p2p: peer banned")
	// ErrCapabilityNotSupported is returned when an envelope was dropped
	// because the peer lacks a required capability.
	ErrCapabilityNotSupported = errors.New("p2p: required capability not supported by peer")
	// ErrFrameTooLarge indicates a frame header above the hard read limit.
	ErrFrameTooLarge = errors.New("p2p: frame exceeds hard limit")
	// ErrUnknownKind indicates an envelope kind missing from the registry.
	ErrUnknownKind = errors.New("p2p: unknown envelope kind")
	// ErrCorruptedPayload indicates an envelope whose body failed to decode.
	ErrCorruptedPayload = errors.New("p2p: corrupted payload")
	// ErrCorruptedEnvelope indicates a malformed envelope frame.
	ErrCorruptedEnvelope = errors.New("p2p: corrupted envelope")
	// ErrNodeStopped is returned by a node after ShutDown.
	ErrNodeStopped = errors.New("p2p: node stopped")
	// ErrCreateTimeout is returned when creating an outbound socket took too long.
	ErrCreateTimeout = errors.New("p2p: connection creation timed out")
	// ErrEmptyBundle is returned when capability filtering removed every
	// envelope from a bundle.
	ErrEmptyBundle = errors.New("p2p: bundle empty after capability filtering")
	// ErrNonceMismatch is returned by request handlers receiving a response
	// for another request.
	ErrNonceMismatch = errors.New("p2p: response nonce mismatch")
	// ErrUnexpectedSender is returned when a response arrives on a
	// connection to a different peer than the one asked.
	ErrUnexpectedSender = errors.New("p2p: response from unexpected peer")
)
