package ws

// Event type constants for WebSocket messages.
const (
	// EventSocketID is sent by the server right after accept; its payload is
	// the socket ID the client should echo in the X-Socket-ID header.
	EventSocketID = "socket_id"

	// EventRegisterRequest is sent by a client to (re)bind a request ID to
	// this socket, typically after a page reload.
	EventRegisterRequest = "register_request"

	// EventTaskUpdate carries the full scheduler result envelope to the
	// client that owns the request.
	EventTaskUpdate = "task_update"
)
