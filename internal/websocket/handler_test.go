package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/real-rm/dealroom/internal/auth"
	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/realtime"
	"github.com/real-rm/dealroom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "websocket-handler-test-secret-0123456789"

func createToken(t *testing.T, userID, orgID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":         userID,
		"organization_id": orgID,
		"name":            strings.ToUpper(userID),
		"roles":           []string{"user"},
		"exp":             time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// reportHook forwards every retirement report
type reportHook struct {
	reports chan realtime.Report
}

func (h *reportHook) OnConnect(context.Context, string, realtime.Identity, time.Time) {}

func (h *reportHook) OnDisconnect(_ context.Context, r realtime.Report) {
	h.reports <- r
}

type testServer struct {
	handler *Handler
	manager *realtime.Manager
	server  *httptest.Server
	reports chan realtime.Report
}

func setupServer(t *testing.T, maxMessageSize int64) *testServer {
	t.Helper()
	logger := testutil.CreateTestLogger(t)
	manager := realtime.NewManager(realtime.Options{Logger: logger})
	hook := &reportHook{reports: make(chan realtime.Report, 16)}
	manager.AddHook(hook)

	h := NewHandler(auth.NewJWTValidator(testSecret), manager, logger, maxMessageSize, time.Second)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{handler: h, manager: manager, server: srv, reports: hook.reports}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
	ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) message.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env message.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHandleWebSocket_RejectsBeforeUpgrade(t *testing.T) {
	s := setupServer(t, 0)

	tests := []struct {
		name   string
		header http.Header
		url    string
		status int
	}{
		{"no token", http.Header{}, s.wsURL(), http.StatusUnauthorized},
		{"malformed header", http.Header{constants.HeaderAuthorization: {"Token abc"}}, s.wsURL(), http.StatusUnauthorized},
		{"bad signature", http.Header{constants.HeaderAuthorization: {constants.BearerPrefix + "a.b.c"}}, s.wsURL(), http.StatusUnauthorized},
		{"bad query token", http.Header{}, s.wsURL() + "?token=nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestHandleWebSocket_WelcomeCarriesIdentity(t *testing.T) {
	s := setupServer(t, 0)
	ws := s.dial(t, createToken(t, "u1", "org-1"))

	env := readEnvelope(t, ws)
	assert.Equal(t, message.TypeConnectionEstablished, env.Type)
	assert.Equal(t, "u1", env.String("user_id"))
	assert.Equal(t, "org-1", env.String("organization_id"))
	assert.Equal(t, "U1", env.String("display_name"))
	assert.NotEmpty(t, env.String("connection_id"))
	assert.True(t, s.manager.IsConnected("u1"))
}

func TestHandleWebSocket_QueryToken(t *testing.T) {
	s := setupServer(t, 0)

	ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL()+"?token="+createToken(t, "u2", "org-1"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	assert.Equal(t, message.TypeConnectionEstablished, readEnvelope(t, ws).Type)
}

func TestHandleWebSocket_FramesReachManager(t *testing.T) {
	s := setupServer(t, 0)
	ws := s.dial(t, createToken(t, "u1", "org-1"))
	readEnvelope(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_document","document_id":"doc-9"}`)))
	joined := readEnvelope(t, ws)
	assert.Equal(t, message.TypeRoomJoined, joined.Type)
	assert.Equal(t, "doc-9", joined.String("room_id"))

	n := s.manager.BroadcastToDocument(message.New(message.TypeNotification, map[string]interface{}{"title": "hi"}), "doc-9", "")
	assert.Equal(t, 1, n)
	assert.Equal(t, message.TypeNotification, readEnvelope(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, message.TypePong, readEnvelope(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, message.TypeError, readEnvelope(t, ws).Type)
}

func TestHandleWebSocket_ClientCloseRetiresConnection(t *testing.T) {
	s := setupServer(t, 0)
	ws := s.dial(t, createToken(t, "u1", "org-1"))
	readEnvelope(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ws.Close()

	select {
	case r := <-s.reports:
		assert.Equal(t, "u1", r.Identity.UserID)
		assert.Equal(t, constants.ReasonClientClosed, r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no retirement report")
	}
	assert.False(t, s.manager.IsConnected("u1"))
}

func TestHandleWebSocket_SecondConnectionSupersedes(t *testing.T) {
	s := setupServer(t, 0)
	token := createToken(t, "u1", "org-1")

	first := s.dial(t, token)
	readEnvelope(t, first)
	second := s.dial(t, token)
	readEnvelope(t, second)

	select {
	case r := <-s.reports:
		assert.Equal(t, constants.ReasonSuperseded, r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection was not reported")
	}

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// the stale reader must not retire its replacement
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.manager.IsConnected("u1"))
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, message.TypePong, readEnvelope(t, second).Type)
}

func TestHandleWebSocket_OversizedFrame(t *testing.T) {
	s := setupServer(t, 128)
	ws := s.dial(t, createToken(t, "u1", "org-1"))
	readEnvelope(t, ws)

	big := `{"type":"join_document","document_id":"` + strings.Repeat("x", 512) + `"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(big)))

	select {
	case r := <-s.reports:
		assert.Equal(t, constants.ReasonMessageTooLarge, r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame did not retire the connection")
	}
}

func TestHandleWebSocket_OriginCheck(t *testing.T) {
	s := setupServer(t, 0)
	assert.True(t, s.handler.IsOpenOrigin())

	s.handler.SetAllowedOrigins([]string{"https://app.example.com"})
	assert.False(t, s.handler.IsOpenOrigin())

	token := createToken(t, "u1", "org-1")
	header := http.Header{}
	header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header.Set("Origin", "https://app.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.NoError(t, err)
	resp.Body.Close()
	ws.Close()
}

func TestHandleWebSocket_UpgradeLimit(t *testing.T) {
	s := setupServer(t, 0)
	for i := 0; i < constants.MaxUpgradesPerUser; i++ {
		require.True(t, s.handler.connLimiter.Allow("u1"))
	}

	header := http.Header{}
	header.Set(constants.HeaderAuthorization, constants.BearerPrefix+createToken(t, "u1", "org-1"))
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get(constants.HeaderRetryAfter))
	resp.Body.Close()

	s.handler.connLimiter.Release("u1")
	ws := s.dial(t, createToken(t, "u1", "org-1"))
	readEnvelope(t, ws)
	assert.Equal(t, constants.MaxUpgradesPerUser-1, s.handler.connLimiter.GetCount("u1"))
}

func TestHandler_Shutdown(t *testing.T) {
	s := setupServer(t, 0)
	ws := s.dial(t, createToken(t, "u1", "org-1"))
	readEnvelope(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.handler.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	header := http.Header{}
	header.Set(constants.HeaderAuthorization, constants.BearerPrefix+createToken(t, "u2", "org-1"))
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

type fakeDeadliner struct {
	got time.Time
	set bool
	err error
}

func (f *fakeDeadliner) SetReadDeadline(t time.Time) error {
	f.got, f.set = t, true
	return f.err
}

func TestHandler_ClearReadDeadline(t *testing.T) {
	s := setupServer(t, 0)

	ok := &fakeDeadliner{got: time.Now()}
	require.NoError(t, s.handler.clearReadDeadline(ok, "alice"))
	assert.True(t, ok.set)
	assert.True(t, ok.got.IsZero())

	failing := &fakeDeadliner{err: net.ErrClosed}
	assert.ErrorIs(t, s.handler.clearReadDeadline(failing, "alice"), net.ErrClosed)
}
