package mesh

import "context"

// InboundMessage is one message delivered by the radio with transport-level
// metadata about the immediate sender.
type InboundMessage struct {
	SenderID string
	// Content is the raw broadcast body: either an encrypted wrapper or a
	// plaintext JSON envelope.
	Content string
	// HopCount is the hop count observed by the transport, informational only.
	HopCount int
}

// Transport is the platform radio capability boundary. It is an opaque
// peer-to-peer broadcast primitive; the protocol never assumes routing.
type Transport interface {
	// IsAvailable reports whether the radio hardware is present and usable.
	IsAvailable(ctx context.Context) (bool, error)
	// RequestPermission asks the platform for radio permission.
	RequestPermission(ctx context.Context) (bool, error)
	// Start enables the local broadcast radio.
	Start(ctx context.Context) error
	// Stop disables the radio and releases platform resources.
	Stop(ctx context.Context) error
	// Broadcast sends content to all reachable peers.
	Broadcast(ctx context.Context, content string) error
	// PeerCount returns the number of currently connected peers.
	PeerCount() int
	// SetReceiver installs the inbound message handler. The transport must
	// deliver messages sequentially to the installed handler.
	SetReceiver(fn func(InboundMessage))
}
