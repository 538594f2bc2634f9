package andrzej

import (
	"context"
	"encoding/json"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	api     *API
	db      *gorm.DB
	secret  string
	gifts   *giftCodeServer
	discord *Discord
}

func newTestAPI(t testing.TB) *testAPI {
	t.Helper()
	cfg := DefaultTestConfig(t)
	store, db := newTestStore(t, 2)
	gifts := &giftCodeServer{status: http.StatusOK, body: `{"codes": ["WOS2024"]}`}
	giftClient := newTestGiftCodeClient(t, db, gifts)
	disc := newDiscord(cfg.Discord, cfg.Chat, NewResponder(store, &mockCompleter{}, cfg.Chat, nil), store)
	disc.session = newMockDiscordSession()

	return &testAPI{
		api:     newAPI(cfg.API, store, giftClient, disc),
		db:      db,
		secret:  cfg.API.Secret,
		gifts:   gifts,
		discord: disc,
	}
}

func (ta *testAPI) do(t testing.TB, method string, path string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set(xAPIKeyHeader, ta.secret)
	}
	w := httptest.NewRecorder()
	ta.api.engine.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	ta := newTestAPI(t)

	w := ta.do(t, http.MethodGet, apiHealthCheck, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(xRequestIDHeader), 32)

	rv := decodeBody[healthCheckResponse](t, w)
	assert.False(t, rv.DiscordGatewayConnected)
	assert.Equal(t, Version, rv.Version)

	ta.discord.connected.Store(true)
	w = ta.do(t, http.MethodGet, apiHealthCheck, false)
	assert.True(t, decodeBody[healthCheckResponse](t, w).DiscordGatewayConnected)
}

func TestAPI_Auth(t *testing.T) {
	ta := newTestAPI(t)
	path := "/api/conversations/42/general"

	w := ta.do(t, http.MethodGet, path, true)
	assert.Equal(t, http.StatusOK, w.Code)

	// the first failure is allowed through the limiter, the next isn't
	w = ta.do(t, http.MethodGet, path, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ta.do(t, http.MethodGet, path, false)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// valid keys aren't limited
	for i := 0; i < 5; i++ {
		w = ta.do(t, http.MethodGet, path, true)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestAPI_AuthWrongKey(t *testing.T) {
	ta := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/giftcodes", nil)
	req.Header.Set(xAPIKeyHeader, "not-the-secret")
	w := httptest.NewRecorder()
	ta.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, ta.gifts.requests.Load())
}

func TestAPI_AuthNoSecret(t *testing.T) {
	ta := newTestAPI(t)
	ta.api.config.Secret = ""
	ta.secret = ""

	w := ta.do(t, http.MethodGet, "/api/conversations/42/general", true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ta.do(t, http.MethodGet, "/api/conversations/42/general", true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Conversation(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()
	key := ConversationKey{UserID: "42", ChannelName: "general"}
	appendAll(t, ta.api.store, key, "u1", "a1", "u2", "a2", "u3", "a3")

	w := ta.do(t, http.MethodGet, "/api/conversations/42/general", true)
	require.Equal(t, http.StatusOK, w.Code)
	rv := decodeBody[conversationResponse](t, w)
	assert.Equal(t, "42", rv.UserID)
	assert.Equal(t, "general", rv.ChannelName)
	assert.Equal(t, []string{"u2", "a2", "u3", "a3"}, turnContents(rv.Turns))

	w = ta.do(t, http.MethodGet, "/api/conversations/42/general?limit=1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a3"}, turnContents(decodeBody[conversationResponse](t, w).Turns))

	w = ta.do(t, http.MethodGet, "/api/conversations/42/general?limit=0", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[conversationResponse](t, w).Turns)

	w = ta.do(t, http.MethodGet, "/api/conversations/43/general", true)
	require.Equal(t, http.StatusOK, w.Code)
	turns := decodeBody[conversationResponse](t, w).Turns
	assert.NotNil(t, turns)
	assert.Empty(t, turns)

	w = ta.do(t, http.MethodDelete, "/api/conversations/42/general", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(4), decodeBody[clearConversationResponse](t, w).Deleted)

	n, err := ta.api.store.Count(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAPI_ConversationInvalidLimit(t *testing.T) {
	ta := newTestAPI(t)
	for _, limit := range []string{"-1", "abc", "1001"} {
		w := ta.do(t, http.MethodGet, "/api/conversations/42/general?limit="+limit, true)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit: %s", limit)
	}
}

func TestAPI_ConversationStorageFault(t *testing.T) {
	ta := newTestAPI(t)
	closeTestDB(t, ta.db)

	w := ta.do(t, http.MethodGet, "/api/conversations/42/general", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeBody[httpError](t, w).Error, ErrStorageUnavailable.Error())

	w = ta.do(t, http.MethodDelete, "/api/conversations/42/general", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_GiftCodes(t *testing.T) {
	ta := newTestAPI(t)
	require.NoError(t, ta.db.Create(&GiftCode{Code: "LOCAL1", Date: "2024-10-01"}).Error)

	w := ta.do(t, http.MethodGet, "/api/giftcodes", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"source": "remote", "codes": [{"code": "WOS2024"}]}`, w.Body.String())

	w = ta.do(t, http.MethodGet, "/api/giftcodes?source=local", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(
		t,
		`{"source": "local", "codes": [{"giftcode": "LOCAL1", "date": "2024-10-01"}]}`,
		w.Body.String(),
	)

	ta.gifts.body = `{"success": "removed"}`
	w = ta.do(t, http.MethodDelete, "/api/giftcodes/LOCAL1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, removeGiftCodeResponse{Code: "LOCAL1", Removed: true}, decodeBody[removeGiftCodeResponse](t, w))
	assert.Equal(t, map[string]string{"code": "LOCAL1"}, ta.gifts.lastBody)

	var count int64
	require.NoError(t, ta.db.Model(&GiftCode{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAPI_GiftCodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected int
	}{
		{name: "remote status", status: http.StatusInternalServerError, body: `oops`, expected: http.StatusBadGateway},
		{name: "remote error key", status: http.StatusOK, body: `{"error": "bad key"}`, expected: http.StatusBadGateway},
		{name: "malformed", status: http.StatusOK, body: `not json`, expected: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				ta := newTestAPI(t)
				ta.gifts.status = tt.status
				ta.gifts.body = tt.body

				w := ta.do(t, http.MethodGet, "/api/giftcodes", true)
				assert.Equal(t, tt.expected, w.Code)
			},
		)
	}
}

func TestAPI_GiftCodesDisabled(t *testing.T) {
	ta := newTestAPI(t)
	ta.api.giftCodes.config.APIURL = ""

	w := ta.do(t, http.MethodGet, "/api/giftcodes", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ta.do(t, http.MethodDelete, "/api/giftcodes/WOS2024", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// the local mirror is still readable
	w = ta.do(t, http.MethodGet, "/api/giftcodes?source=local", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RequestMetrics(t *testing.T) {
	ta := newTestAPI(t)
	ta.do(t, http.MethodGet, apiHealthCheck, false)
	ta.do(t, http.MethodGet, apiHealthCheck, false)
	ta.do(t, http.MethodGet, "/nope", false)

	ta.api.requestMetricsMu.Lock()
	defer ta.api.requestMetricsMu.Unlock()
	assert.Equal(t, 2, ta.api.requestMetrics["GET "+apiHealthCheck])
	assert.Equal(t, 1, ta.api.requestMetrics["GET unmatched"])
}

func TestAPI_HealthCheckMetrics(t *testing.T) {
	ta := newTestAPI(t)
	ta.discord.metricConnects.Add(2)
	ta.discord.metricDisconnects.Add(1)
	ta.discord.metricMessagesSeen.Add(5)
	ta.discord.responder.metricReplies.Add(3)
	ta.discord.responder.metricErrors.Add(1)

	ta.do(t, http.MethodGet, "/nope", false)
	w := ta.do(t, http.MethodGet, apiHealthCheck, false)
	require.Equal(t, http.StatusOK, w.Code)

	metrics := decodeBody[healthCheckResponse](t, w).Metrics
	assert.Equal(t, int64(2), metrics.DiscordConnects)
	assert.Equal(t, int64(1), metrics.DiscordDisconnects)
	assert.Equal(t, int64(5), metrics.MessagesSeen)
	assert.Equal(t, int64(3), metrics.Replies)
	assert.Equal(t, int64(1), metrics.ReplyErrors)
	assert.Equal(t, 1, metrics.Requests["GET unmatched"])
	assert.Equal(t, 1, metrics.Requests["GET "+apiHealthCheck])
}

func TestAPI_CORS(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.CORS.AllowOrigins = []string{"https://admin.example.com"}
	store, db := newTestStore(t, 2)
	api := newAPI(cfg.API, store, newGiftCodeClient(cfg.GiftCodes, NewDatabase(db, nil, false), nil), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/giftcodes", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_ServeShutdown(t *testing.T) {
	ta := newTestAPI(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ta.api.listener = ln

	served := make(chan error, 1)
	go func() {
		served <- ta.api.Serve(context.Background())
	}()

	url := "http://" + ln.Addr().String() + apiHealthCheck
	require.Eventually(
		t, func() bool {
			resp, getErr := http.Get(url) //nolint:noctx
			if getErr != nil {
				return false
			}
			_ = resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ta.api.Shutdown(ctx))
	select {
	case err = <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Serve to return")
	}
}

func TestAPI_Pprof(t *testing.T) {
	ta := newTestAPI(t)
	w := ta.do(t, http.MethodGet, "/api/debug/pprof/cmdline", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := DefaultTestConfig(t)
	cfg.API.Development = true
	store, db := newTestStore(t, 2)
	api := newAPI(cfg.API, store, newGiftCodeClient(cfg.GiftCodes, NewDatabase(db, nil, false), nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/debug/pprof/cmdline", nil)
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/debug/pprof/cmdline", nil)
	req.Header.Set(xAPIKeyHeader, cfg.API.Secret)
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
