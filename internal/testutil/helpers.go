// Package testutil provides common test helpers shared by the dealroom
// packages: loggers, signed tokens, a recording transport and goroutine
// leak checks.
package testutil

import (
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSecret is a JWT secret that passes secret validation
const TestSecret = "k9QzV7mWxR2pL4nB8tY6hJ3cF5gD1sKq"

// ErrWriteFailed is returned by a RecordingTransport with FailWrites set
var ErrWriteFailed = errors.New("write failed")

// CreateTestLogger creates a logger for testing that writes to a temporary directory
func CreateTestLogger(t *testing.T) *golog.Logger {
	t.Helper()
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	require.NoError(t, err, "Failed to create test logger")
	t.Cleanup(func() { logger.Close() })
	return logger
}

// TokenClaims are the claims SignToken puts in a test token
type TokenClaims struct {
	UserID         string
	OrganizationID string
	Name           string
	Roles          []string
	ExpiresIn      time.Duration // defaults to one hour; negative yields an expired token
}

// SignToken signs claims with HS256. Empty fields are left out of the token
// so tests can exercise missing-claim paths.
func SignToken(t *testing.T, secret string, c TokenClaims) string {
	t.Helper()
	if c.ExpiresIn == 0 {
		c.ExpiresIn = time.Hour
	}
	mc := jwt.MapClaims{"exp": time.Now().Add(c.ExpiresIn).Unix()}
	if c.UserID != "" {
		mc["user_id"] = c.UserID
	}
	if c.OrganizationID != "" {
		mc["organization_id"] = c.OrganizationID
	}
	if c.Name != "" {
		mc["name"] = c.Name
	}
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	mc["roles"] = roles

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// RecordingTransport captures every frame written to it. It satisfies
// realtime.Transport.
type RecordingTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	closed     bool
	FailWrites bool
}

// WriteMessage records data, or fails when FailWrites is set
func (r *RecordingTransport) WriteMessage(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites {
		return ErrWriteFailed
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

// Close marks the transport closed
func (r *RecordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called
func (r *RecordingTransport) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Envelopes decodes every recorded frame
func (r *RecordingTransport) Envelopes(t *testing.T) []message.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Envelope, 0, len(r.frames))
	for _, data := range r.frames {
		var env message.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, env)
	}
	return out
}

// Types lists the recorded envelope types in write order
func (r *RecordingTransport) Types(t *testing.T) []message.Type {
	t.Helper()
	envs := r.Envelopes(t)
	out := make([]message.Type, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Type)
	}
	return out
}

// WaitForType blocks until at least n envelopes of typ were recorded and returns them
func (r *RecordingTransport) WaitForType(t *testing.T, typ message.Type, n int) []message.Envelope {
	t.Helper()
	var got []message.Envelope
	require.Eventually(t, func() bool {
		got = got[:0]
		for _, env := range r.Envelopes(t) {
			if env.Type == typ {
				got = append(got, env)
			}
		}
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, typ)
	return got
}

// AssertGoroutineCount measures and reports goroutine count changes
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	delta := after - before

	t.Logf("Goroutine count (%s): %d → %d (delta: %d)", description, before, after, delta)

	// small variations come from the test framework and GC
	tolerance := 5
	assert.LessOrEqual(t, delta, tolerance,
		"Goroutine count should not increase significantly")
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines waits for goroutines to stabilize
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}
