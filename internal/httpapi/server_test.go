package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillhour/backend/internal/ratelimit"
	"github.com/stillhour/backend/internal/registry"
	"github.com/stillhour/backend/internal/session"
	"github.com/stillhour/backend/internal/store"
	"github.com/stillhour/backend/internal/token"
)

type apiFixture struct {
	server   *Server
	router   http.Handler
	store    *store.Memory
	registry *registry.Registry
	momentID string
}

func newAPIFixture(t *testing.T, status store.MomentStatus) *apiFixture {
	t.Helper()

	mem := store.NewMemory()
	momentID := "moment-1"
	mem.PutMoment(&store.Moment{
		ID:        momentID,
		Slug:      "evening-sit",
		Title:     "Evening Sit",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	})

	tokens := token.NewService([]byte("httpapi-test-secret-0123456789abc"), time.Hour)
	mgr := session.NewManager(
		mem, tokens,
		ratelimit.NewLimiter("begin", ratelimit.SessionBeginConfig()),
		ratelimit.NewIPHasher([]byte("httpapi-hash-secret-0123456789abc")),
	)
	reg := registry.New(mem, mgr, ratelimit.NewLimiter("heartbeat", ratelimit.HeartbeatConfig()), nil)
	mgr.SetPresenceRemover(reg)

	srv := NewServer(mgr, reg, mem, ratelimit.NewLimiter("api", ratelimit.APIConfig()), nil, "development", nil)
	return &apiFixture{
		server:   srv,
		router:   srv.Router(),
		store:    mem,
		registry: reg,
		momentID: momentID,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, ip string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("X-Forwarded-For", ip)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSessionBeginDefaultsToLiveMoment(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodPost, "/session/begin", "203.0.113.9", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["sessionId"])
	assert.Equal(t, f.momentID, body["momentId"])
	assert.NotEmpty(t, body["expiresAt"])

	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestSessionBeginNoLiveMoment(t *testing.T) {
	f := newAPIFixture(t, store.MomentScheduled)

	w := f.do(t, http.MethodPost, "/session/begin", "203.0.113.9", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_live_moment", decodeBody(t, w)["error"])
}

func TestSessionBeginMomentNotLive(t *testing.T) {
	f := newAPIFixture(t, store.MomentScheduled)

	w := f.do(t, http.MethodPost, "/session/begin", "203.0.113.9",
		[]byte(`{"momentId":"moment-1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "not_live", decodeBody(t, w)["error"])
}

func TestSessionBeginRateLimited(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	for i := 0; i < 5; i++ {
		w := f.do(t, http.MethodPost, "/session/begin", "203.0.113.9", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.do(t, http.MethodPost, "/session/begin", "203.0.113.9", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeBody(t, w)["error"])

	// Other addresses are unaffected.
	w = f.do(t, http.MethodPost, "/session/begin", "203.0.113.10", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionEnd(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	begin := f.do(t, http.MethodPost, "/session/begin", "203.0.113.9", nil, nil)
	require.Equal(t, http.StatusOK, begin.Code)
	tok := decodeBody(t, begin)["token"].(string)

	auth := map[string]string{"Authorization": "Bearer " + tok}
	w := f.do(t, http.MethodPost, "/session/end", "203.0.113.9", nil, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.GreaterOrEqual(t, body["durationSeconds"].(float64), float64(1))

	// Ending again is refused.
	w = f.do(t, http.MethodPost, "/session/end", "203.0.113.9", nil, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "already_ended", decodeBody(t, w)["error"])
}

func TestSessionEndWithoutToken(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodPost, "/session/end", "203.0.113.9", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_token", decodeBody(t, w)["error"])
}

func TestSessionEndBadToken(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodPost, "/session/end", "203.0.113.9", nil,
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", decodeBody(t, w)["error"])
}

func TestMomentCurrent(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodGet, "/moment/current", "203.0.113.9", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, f.momentID, body["id"])
	assert.Equal(t, "live", body["status"])
	assert.Equal(t, float64(0), body["presenceCount"])
	// Session-level fields never appear on the public view.
	assert.NotContains(t, body, "sessionId")
	assert.NotContains(t, body, "ipHash")
}

func TestMomentCurrentNothingLive(t *testing.T) {
	f := newAPIFixture(t, store.MomentEnded)

	w := f.do(t, http.MethodGet, "/moment/current", "203.0.113.9", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPILimiterCapsRequests(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	for i := 0; i < 30; i++ {
		w := f.do(t, http.MethodGet, "/moment/current", "198.51.100.7", nil, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := f.do(t, http.MethodGet, "/moment/current", "198.51.100.7", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodGet, "/health", "203.0.113.9", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
}

func TestHealthIsNeverRateLimited(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	for i := 0; i < 40; i++ {
		w := f.do(t, http.MethodGet, "/health", "203.0.113.9", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORSInDevelopment(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodGet, "/moment/current", "203.0.113.9", nil,
		map[string]string{"Origin": "http://localhost:5173"})
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	f := newAPIFixture(t, store.MomentLive)

	w := f.do(t, http.MethodGet, "/health", "203.0.113.9", nil, nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestClientIPParsing(t *testing.T) {
	cases := []struct {
		xff    string
		remote string
		want   string
	}{
		{"203.0.113.9", "10.0.0.1:1234", "203.0.113.9"},
		{"203.0.113.9, 10.0.0.2", "10.0.0.1:1234", "203.0.113.9"},
		{"", "10.0.0.1:1234", "10.0.0.1"},
	}
	for i, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = tc.remote
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		assert.Equal(t, tc.want, clientIP(r), fmt.Sprintf("case %d", i))
	}
}
