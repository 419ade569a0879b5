package dealroom

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/real-rm/dealroom/internal/config"
	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/httperrors"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/realtime"
	"github.com/real-rm/dealroom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            constants.DefaultPort,
			PathPrefix:      constants.DefaultPathPrefix,
			JWTSecret:       testutil.TestSecret,
			AdminRateLimit:  100,
			AdminRateWindow: time.Minute,
		},
		Realtime: config.RealtimeConfig{
			QueueSize:         constants.DefaultQueueSize,
			RateLimitMessages: constants.DefaultRateLimitMessages,
			RateLimitWindow:   constants.DefaultRateLimitWindow,
			SendBuffer:        constants.DefaultSendBuffer,
			PingInterval:      constants.DefaultPingInterval,
			PongTimeout:       constants.DefaultPongTimeout,
			MaxMissedPongs:    constants.DefaultMaxMissedPongs,
			WriteTimeout:      constants.DefaultWriteTimeout,
			MaxMessageSize:    constants.DefaultMaxMessageSize,
			ProgressInterval:  constants.DefaultProgressInterval,
			InboundRateLimit:  constants.DefaultRateLimitMessages,
			PresenceUpdates:   constants.DefaultPresenceUpdates,
			QueueTTL:          constants.DefaultQueueTTL,
		},
		NATS: config.NATSConfig{
			Subject: constants.DefaultNATSSubject,
			Queue:   constants.DefaultNATSQueue,
		},
		History: config.HistoryConfig{
			Database:   constants.DefaultHistoryDatabase,
			Collection: constants.DefaultHistoryCollection,
		},
	}
}

// setupService builds a service without MongoDB and mounts it on a fresh router
func setupService(t *testing.T, cfg *config.Config) (*service, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, err := newService(cfg, testutil.CreateTestLogger(t), nil)
	require.NoError(t, err)
	svc.start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.shutdown(ctx)
	})

	r := gin.New()
	svc.routes(r)
	return svc, r
}

func createToken(t *testing.T, userID string, roles ...string) string {
	return testutil.SignToken(t, testutil.TestSecret, testutil.TokenClaims{
		UserID:         userID,
		OrganizationID: "org-1",
		Name:           strings.ToUpper(userID),
		Roles:          roles,
	})
}

func connectUser(t *testing.T, svc *service, userID, orgID string) *testutil.RecordingTransport {
	t.Helper()
	tr := &testutil.RecordingTransport{}
	_, err := svc.manager.Connect(context.Background(), tr, realtime.Identity{
		UserID:         userID,
		OrganizationID: orgID,
		DisplayName:    strings.ToUpper(userID),
	})
	require.NoError(t, err)
	return tr
}

func doRequest(r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	_, r := setupService(t, testConfig())

	w := doRequest(r, http.MethodGet, "/dealroom/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestReadyCheck_BackendsDisabled(t *testing.T) {
	_, r := setupService(t, testConfig())

	w := doRequest(r, http.MethodGet, "/dealroom/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]interface{})
	for _, name := range []string{"mongodb", "redis", "nats"} {
		assert.Equal(t, "disabled", checks[name].(map[string]interface{})["status"], name)
	}
}

func TestReadyCheck_Presence(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	svc, r := setupService(t, cfg)
	require.NotNil(t, svc.presence)

	w := doRequest(r, http.MethodGet, "/dealroom/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	mr.Close()
	w = doRequest(r, http.MethodGet, "/dealroom/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", decode(t, w)["status"])
}

func TestReadyCheck_UnreachableBackendsAreNotReady(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Redis.URL = "redis://" + addr
	cfg.NATS.URL = "nats://127.0.0.1:1"
	svc, r := setupService(t, cfg)
	assert.Nil(t, svc.presence)
	assert.Nil(t, svc.subscriber)

	w := doRequest(r, http.MethodGet, "/dealroom/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.Equal(t, "not ready", checks["redis"].(map[string]interface{})["status"])
	assert.Equal(t, "not ready", checks["nats"].(map[string]interface{})["status"])
}

func TestAdminAuth(t *testing.T) {
	_, r := setupService(t, testConfig())

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing token", "", http.StatusUnauthorized, httperrors.CodeUnauthorized},
		{"bad token", "not-a-jwt", http.StatusUnauthorized, httperrors.CodeInvalidToken},
		{"no admin role", createToken(t, "bob", "member"), http.StatusForbidden, httperrors.CodeForbidden},
		{"admin", createToken(t, "root", constants.RoleAdmin), http.StatusOK, ""},
		{"operator", createToken(t, "ops", constants.RoleOperator), http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, "/dealroom/admin/stats", tt.token, nil)
			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, decode(t, w)["code"])
			}
		})
	}
}

func TestAdminRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminRateLimit = 2
	_, r := setupService(t, cfg)
	token := createToken(t, "root", constants.RoleAdmin)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/dealroom/admin/stats", token, nil).Code)
	}
	w := doRequest(r, http.MethodGet, "/dealroom/admin/stats", token, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))
	assert.Equal(t, httperrors.CodeRateLimited, decode(t, w)["code"])

	// another operator has its own budget
	other := createToken(t, "ops", constants.RoleOperator)
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/dealroom/admin/stats", other, nil).Code)
}

func TestHandleStats(t *testing.T) {
	svc, r := setupService(t, testConfig())
	connectUser(t, svc, "alice", "org-1")
	connectUser(t, svc, "bob", "org-2")

	w := doRequest(r, http.MethodGet, "/dealroom/admin/stats", createToken(t, "root", constants.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats realtime.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.ActiveConnections)
	assert.Equal(t, 1, stats.Organizations["org-1"])
	assert.Equal(t, 1, stats.Organizations["org-2"])
}

func TestHandleUserInfo(t *testing.T) {
	svc, r := setupService(t, testConfig())
	token := createToken(t, "root", constants.RoleAdmin)
	connectUser(t, svc, "alice", "org-1")

	w := doRequest(r, http.MethodGet, "/dealroom/admin/users/alice", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	conn := decode(t, w)["connection"].(map[string]interface{})
	assert.Equal(t, true, conn["connected"])
	assert.Equal(t, "org-1", conn["organization_id"])
	assert.Equal(t, "ALICE", conn["display_name"])

	w = doRequest(r, http.MethodGet, "/dealroom/admin/users/nobody", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, httperrors.MsgUserNotFound, decode(t, w)["error"])
}

func TestHandleUserInfo_WithPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	svc, r := setupService(t, cfg)
	token := createToken(t, "root", constants.RoleAdmin)
	connectUser(t, svc, "alice", "org-1")

	// the presence hook runs asynchronously
	require.Eventually(t, func() bool {
		w := doRequest(r, http.MethodGet, "/dealroom/admin/users/alice", token, nil)
		_, ok := decode(t, w)["presence"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandleUserConnections_HistoryDisabled(t *testing.T) {
	_, r := setupService(t, testConfig())

	w := doRequest(r, http.MethodGet, "/dealroom/admin/users/alice/connections", createToken(t, "root", constants.RoleAdmin), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, httperrors.CodeServiceUnavailable, decode(t, w)["code"])
}

func TestHandleOnlineUsers(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		svc, r := setupService(t, testConfig())
		connectUser(t, svc, "alice", "org-1")
		connectUser(t, svc, "bob", "org-1")
		connectUser(t, svc, "carol", "org-2")

		w := doRequest(r, http.MethodGet, "/dealroom/admin/organizations/org-1/online", createToken(t, "root", constants.RoleAdmin), nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "local", body["source"])
		assert.ElementsMatch(t, []interface{}{"alice", "bob"}, body["users"])
	})

	t.Run("presence", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Redis.URL = "redis://" + mr.Addr()
		svc, r := setupService(t, cfg)
		token := createToken(t, "root", constants.RoleAdmin)
		connectUser(t, svc, "alice", "org-1")

		require.Eventually(t, func() bool {
			w := doRequest(r, http.MethodGet, "/dealroom/admin/organizations/org-1/online", token, nil)
			body := decode(t, w)
			return body["source"] == "presence" && body["count"] == float64(1)
		}, 2*time.Second, 20*time.Millisecond)
	})
}

func TestHandleNotify(t *testing.T) {
	svc, r := setupService(t, testConfig())
	token := createToken(t, "root", constants.RoleAdmin)
	alice := connectUser(t, svc, "alice", "org-1")
	require.True(t, svc.manager.JoinDealRoom("alice", "deal-9"))

	t.Run("user", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/user/alice", token, map[string]interface{}{
			"title": "Heads up",
			"body":  "Closing moved",
			"data":  map[string]interface{}{"deal_id": "deal-9"},
		})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, true, decode(t, w)["delivered"])
		got := alice.WaitForType(t, message.TypeNotification, 1)
		assert.Equal(t, "Heads up", got[0].String("title"))
	})

	t.Run("deal", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/deal/deal-9", token, map[string]interface{}{"title": "Update"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, float64(1), decode(t, w)["recipients"])
	})

	t.Run("organization", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/organization/org-1", token, map[string]interface{}{"title": "Update"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, float64(1), decode(t, w)["recipients"])
	})

	t.Run("document without members", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/document/doc-1", token, map[string]interface{}{"title": "Update"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, float64(0), decode(t, w)["recipients"])
	})

	t.Run("unknown scope", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/galaxy/x", token, map[string]interface{}{"title": "Update"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing title", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/user/alice", token, map[string]interface{}{"body": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, httperrors.MsgInvalidRequest, decode(t, w)["error"])
	})

	t.Run("payload too large", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/dealroom/admin/notify/user/alice", token, map[string]interface{}{
			"title": "Big",
			"data":  map[string]interface{}{"blob": strings.Repeat("x", constants.MaxCustomFieldsSize+1)},
		})
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, httperrors.CodePayloadTooLarge, decode(t, w)["code"])
	})
}

func TestHandleMaintenance(t *testing.T) {
	svc, r := setupService(t, testConfig())
	token := createToken(t, "root", constants.RoleAdmin)
	alice := connectUser(t, svc, "alice", "org-1")
	connectUser(t, svc, "bob", "org-2")

	w := doRequest(r, http.MethodPost, "/dealroom/admin/maintenance", token, map[string]interface{}{
		"organization_id":  "org-1",
		"message":          "Upgrade tonight",
		"starts_at":        "2026-11-01T22:00:00Z",
		"duration_seconds": 1800,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["recipients"])
	got := alice.WaitForType(t, message.TypeSystemMaintenance, 1)
	assert.Equal(t, "Upgrade tonight", got[0].String("message"))

	w = doRequest(r, http.MethodPost, "/dealroom/admin/maintenance", token, map[string]interface{}{
		"organization_id":  "org-1",
		"message":          "Upgrade tonight",
		"starts_at":        "tonight",
		"duration_seconds": 1800,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, httperrors.MsgInvalidTimeFormat, decode(t, w)["error"])

	w = doRequest(r, http.MethodPost, "/dealroom/admin/maintenance", token, map[string]interface{}{"message": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("open when no networks configured", func(t *testing.T) {
		_, r := setupService(t, testConfig())
		w := doRequest(r, http.MethodGet, "/dealroom/metrics/prometheus", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "dealroom_")
	})

	t.Run("restricted to allowed networks", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.MetricsAllowedNetworks = []string{"10.0.0.0/8", "not-a-cidr"}
		_, r := setupService(t, cfg)

		// httptest requests come from 192.0.2.1
		w := doRequest(r, http.MethodGet, "/dealroom/metrics/prometheus", "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestPublicRateLimit(t *testing.T) {
	_, r := setupService(t, testConfig())

	var limited *httptest.ResponseRecorder
	for i := 0; i <= constants.PublicEndpointRate; i++ {
		w := doRequest(r, http.MethodGet, "/dealroom/healthz", "", nil)
		if w.Code == http.StatusTooManyRequests {
			limited = w
			break
		}
	}
	require.NotNil(t, limited, "public endpoints should be rate limited")
	assert.NotEmpty(t, limited.Header().Get(constants.HeaderRetryAfter))
}

func TestWebSocketRoute_RejectsWithoutToken(t *testing.T) {
	_, r := setupService(t, testConfig())

	w := doRequest(r, http.MethodGet, "/dealroom/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := testutil.CreateTestLogger(t)

	t.Run("nil accessor", func(t *testing.T) {
		err := Register(gin.New(), nil, logger, nil)
		assert.Error(t, err)
	})

	t.Run("placeholder secret", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.JWTSecret = "REPLACE_WITH_A_REAL_SECRET_VALUE_OF_LENGTH"
		err := registerWithConfig(gin.New(), cfg, logger, nil)
		assert.ErrorContains(t, err, "placeholder")
	})

	t.Run("placeholder origin", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.CORSAllowedOrigins = []string{"https://your-domain.example.com"}
		err := registerWithConfig(gin.New(), cfg, logger, nil)
		assert.ErrorContains(t, err, "placeholder")
	})

	t.Run("register then shutdown", func(t *testing.T) {
		r := gin.New()
		require.NoError(t, registerWithConfig(r, testConfig(), logger, nil))

		// registering again replaces the earlier service
		require.NoError(t, registerWithConfig(gin.New(), testConfig(), logger, nil))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, Shutdown(ctx))
		assert.NoError(t, Shutdown(ctx), "second shutdown is a no-op")
	})
}

func TestShutdown_RetiresConnections(t *testing.T) {
	svc, _ := setupService(t, testConfig())
	connectUser(t, svc, "alice", "org-1")
	require.True(t, svc.manager.IsConnected("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.shutdown(ctx))
	assert.False(t, svc.manager.IsConnected("alice"))
}

func TestShutdown_NoGoroutineLeak(t *testing.T) {
	testutil.WaitForGoroutines()
	before := testutil.MeasureGoroutines()

	svc, _ := setupService(t, testConfig())
	for _, user := range []string{"alice", "bob", "carol"} {
		connectUser(t, svc, user, "org-1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.shutdown(ctx))

	testutil.WaitForGoroutines()
	testutil.AssertGoroutineCount(t, before, testutil.MeasureGoroutines(), "after service shutdown")
}

func TestContainsPlaceholder(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"REPLACE_WITH_SECRET", true},
		{"my-placeholder-value", true},
		{"change-me", true},
		{"CHANGE_ME_NOW", true},
		{"https://your-app.example.com", true},
		{"https://deals.example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsPlaceholder(tt.value), tt.value)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(1))
	assert.Equal(t, 1, retryAfterSeconds(1000))
	assert.Equal(t, 2, retryAfterSeconds(1001))
	assert.Equal(t, 60, retryAfterSeconds(60000))
}

func TestProperty_RetryAfterNeverUnderstates(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("seconds cover the millisecond hint", prop.ForAll(
		func(ms int) bool {
			s := retryAfterSeconds(ms)
			if s < constants.MinRetryAfterSeconds || s*constants.MillisecondsPerSecond < ms {
				return false
			}
			// never more than one second of slack
			return s == constants.MinRetryAfterSeconds || (s-1)*constants.MillisecondsPerSecond < ms
		},
		gen.IntRange(0, 3_600_000),
	))

	properties.TestingRun(t)
}
