package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/testutil"
	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport records frames written by the connection writer
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	failWrite bool
	gate      chan struct{} // when set, writes block until it is closed
	started   int
	onWrite   func(env message.Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	f.started++
	gate := f.gate
	fail := f.failWrite
	onWrite := f.onWrite
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return errBrokenPipe
	}

	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	f.mu.Unlock()

	if onWrite != nil {
		var env message.Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			onWrite(env)
		}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) writesStarted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeTransport) envelopes(t *testing.T) []message.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Envelope, 0, len(f.frames))
	for _, data := range f.frames {
		var env message.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, env)
	}
	return out
}

// ofType filters envelopes by type
func ofType(envs []message.Envelope, t message.Type) []message.Envelope {
	var out []message.Envelope
	for _, e := range envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// waitForType blocks until the transport has written n envelopes of type t
func waitForType(t *testing.T, f *fakeTransport, typ message.Type, n int) []message.Envelope {
	t.Helper()
	var got []message.Envelope
	require.Eventually(t, func() bool {
		got = ofType(f.envelopes(t), typ)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, typ)
	return got
}

// newTestManager builds a manager with slow heartbeats unless opts override them
func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.Logger = testutil.CreateTestLogger(t)
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func connect(t *testing.T, m *Manager, userID, orgID string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	conn, err := m.Connect(context.Background(), tr, Identity{UserID: userID, OrganizationID: orgID, DisplayName: userID})
	require.NoError(t, err)
	return conn, tr
}

func note(n int) message.Envelope {
	return message.New(message.TypeNotification, map[string]interface{}{"n": n})
}

// recordingHook captures lifecycle callbacks
type recordingHook struct {
	mu          sync.Mutex
	connects    []Identity
	disconnects []Report
	presence    []string
}

func (h *recordingHook) OnConnect(_ context.Context, _ string, id Identity, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, id)
}

func (h *recordingHook) OnDisconnect(_ context.Context, r Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, r)
}

func (h *recordingHook) OnPresence(_ context.Context, id Identity, status string, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, id.UserID+":"+status)
}

func (h *recordingHook) snapshot() ([]Identity, []Report, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Identity(nil), h.connects...), append([]Report(nil), h.disconnects...), append([]string(nil), h.presence...)
}
