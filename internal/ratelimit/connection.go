package ratelimit

import "sync"

// ConnectionLimiter limits concurrent WebSocket upgrades per user
type ConnectionLimiter struct {
	connections map[string]int // userID -> in-flight upgrades
	maxPerUser  int
	mu          sync.Mutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow reserves a slot for the user, or reports false when all are taken
func (cl *ConnectionLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		return false
	}
	cl.connections[userID] = count + 1
	return true
}

// Release frees a slot reserved by Allow
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.connections[userID]
	if !ok {
		return
	}
	if count <= 1 {
		delete(cl.connections, userID)
		return
	}
	cl.connections[userID] = count - 1
}

// GetCount returns the reserved slots for a user
func (cl *ConnectionLimiter) GetCount(userID string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[userID]
}
