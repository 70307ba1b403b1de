// Package transport provides the duplex, event-named message channel
// the session protocol runs over.
package transport

import (
	"context"
	"encoding/json"
)

// Packet is one event-named frame received from or sent to the server.
type Packet struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel is an event-named duplex connection. Dial opens the
// connection and returns the inbound packet stream; the stream closes
// when the connection drops, which is the only disconnect signal a
// consumer gets. A Channel may be dialed again after its stream
// closes.
type Channel interface {
	Dial(ctx context.Context) (<-chan Packet, error)
	Emit(ctx context.Context, event string, data any) error
	Close() error
}
