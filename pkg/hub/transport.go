package hub

import (
	"github.com/beaconhq/beacon/pkg/types"
)

// Transport abstracts the wire protocol beneath a connection. The hub speaks
// frames; websocket and SSE adapters translate them onto the wire.
type Transport interface {
	// WriteFrame sends one frame. Implementations serialize their own writes.
	WriteFrame(frame *types.Frame) error

	// ReadFrame blocks for the next client frame. Write-only transports
	// block until the connection ends and then return an error.
	ReadFrame() (*types.IncomingFrame, error)

	// Close ends the connection with a close code and reason. Safe to call
	// more than once.
	Close(code int, reason string) error

	// RemoteAddr is the peer address, for logging.
	RemoteAddr() string

	// Name identifies the protocol, "websocket" or "sse".
	Name() string
}
