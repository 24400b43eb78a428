// Package messagequeue defines the message bus port (interface).
package messagequeue

import "context"

// Handler processes a message received from the bus.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the bus connection immediately.
	Close() error

	// IsConnected reports whether the bus is currently connected.
	// Task submission is gated on this: while false, submissions are
	// rejected with service-unavailable instead of silently queueing.
	IsConnected() bool
}

// Subjects on the a2a bus shared with the core scheduler.
const (
	// SubjectSchedulerRequest routes user requests to the core scheduler.
	SubjectSchedulerRequest = "agent.core_scheduler"

	// SubjectGatewayResponse carries scheduler results back to the gateway.
	SubjectGatewayResponse = "gateway.response"
)
