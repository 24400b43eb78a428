package service

import "sync"

// correlation maps in-flight request IDs to the WebSocket socket ID that
// should receive the eventual result. It is process-local by design: running
// more than one gateway instance requires sticky sessions, because an entry
// created on one instance is invisible to the others.
type correlation struct {
	mu      sync.Mutex
	sockets map[string]string
}

func newCorrelation() *correlation {
	return &correlation{sockets: make(map[string]string)}
}

// bind associates a request ID with a socket ID, replacing any previous binding.
func (c *correlation) bind(requestID, socketID string) {
	c.mu.Lock()
	c.sockets[requestID] = socketID
	c.mu.Unlock()
}

// take removes and returns the socket ID bound to the request ID.
// Returns false if no binding exists, so redelivered results emit nothing.
func (c *correlation) take(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	socketID, ok := c.sockets[requestID]
	if ok {
		delete(c.sockets, requestID)
	}
	return socketID, ok
}

// drop removes the binding for a request ID, if any.
func (c *correlation) drop(requestID string) {
	c.mu.Lock()
	delete(c.sockets, requestID)
	c.mu.Unlock()
}

// dropSocket removes every binding owned by the given socket ID and returns
// how many were removed. Linear scan; a request ID is 1:1 with a socket at
// any instant but there is no reverse index at this scale.
func (c *correlation) dropSocket(socketID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for requestID, sid := range c.sockets {
		if sid == socketID {
			delete(c.sockets, requestID)
			n++
		}
	}
	return n
}

// has reports whether a binding exists for the request ID.
func (c *correlation) has(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sockets[requestID]
	return ok
}

// len returns the number of live bindings (for metrics and testing).
func (c *correlation) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}
