// Package transport delivers raw telemetry payloads from a device.
package transport

import "context"

// Transport delivers one payload at a time, in arrival order. The channel
// returned by Subscribe is closed when the transport detaches for good.
type Transport interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Name() string
	// Close unsubscribes and releases the connection. Safe to call twice.
	Close() error
}
