// Package realtime defines the port for pushing events to connected clients.
package realtime

import "context"

// Notifier delivers typed events to a single connected client.
// Emit reports whether a live connection with the given socket ID existed;
// a false return means the event was dropped (the client is expected to
// fall back to polling its task list).
type Notifier interface {
	Emit(ctx context.Context, socketID, eventType string, payload any) bool
}
