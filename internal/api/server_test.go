package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbu1984/spotd/internal/arbiter"
	"github.com/lvbu1984/spotd/internal/lifecycle"
	"github.com/lvbu1984/spotd/internal/metrics"
	"github.com/lvbu1984/spotd/internal/notify"
	"github.com/lvbu1984/spotd/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	broker *notify.Broker
	clock  *lifecycle.ManualClock
	h      http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	require.NoError(t, store.SeedResources(context.Background(), []lifecycle.Resource{
		{ID: "bay-1", Name: "Bay 1", MaxDuration: 4 * time.Hour},
		{ID: "bay-2", Name: "Bay 2", MaxDuration: 4 * time.Hour},
	}))

	clock := lifecycle.NewManualClock(t0)
	broker := notify.NewBroker(8, nil)
	engine := arbiter.New(store, arbiter.WithClock(clock), arbiter.WithNotifier(broker))

	srv := NewServer(engine, append([]Option{WithBroker(broker)}, opts...)...)
	return &testEnv{server: srv, broker: broker, clock: clock, h: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, client, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if client != "" {
		req.Header.Set("X-Client-Id", client)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
}

func TestWaitlistFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/spots/bay-1/acquire", "A", `{"duration":"2h"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acq := decode[arbiter.AcquireResult](t, rec)
	require.NotNil(t, acq.Lease)
	assert.Equal(t, "A", acq.Lease.Holder)
	assert.Equal(t, t0.Add(2*time.Hour), acq.Lease.EndAt)

	rec = env.do(t, http.MethodPost, "/spots/bay-1/acquire", "B", `{"duration_hours":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESOURCE_OCCUPIED", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/spots/bay-1/enqueue", "B", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, decode[arbiter.EnqueueResult](t, rec).Position)

	rec = env.do(t, http.MethodPost, "/spots/bay-1/enqueue", "C", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, decode[arbiter.EnqueueResult](t, rec).Position)

	rec = env.do(t, http.MethodGet, "/spots/bay-1/promotion", "C", "")
	require.Equal(t, http.StatusOK, rec.Code)
	promo := decode[arbiter.PromotionResult](t, rec)
	assert.False(t, promo.Eligible)
	assert.Equal(t, arbiter.ReasonNotFirstInLine, promo.Reason)

	rec = env.do(t, http.MethodPost, "/spots/bay-1/release", "A", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/spots/bay-1/promotion", "B", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[arbiter.PromotionResult](t, rec).Eligible)

	rec = env.do(t, http.MethodPost, "/spots/bay-1/acquire", "B", `{"duration":"1h"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decode[arbiter.AcquireResult](t, rec).Promoted)

	rec = env.do(t, http.MethodPost, "/spots/bay-1/dequeue", "B", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_WAITING", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/spots/bay-1/dequeue", "C", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/spots/bay-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[arbiter.Snapshot](t, rec)
	assert.False(t, snap.Free)
	assert.Equal(t, "B", snap.Lease.Holder)
	assert.Empty(t, snap.Waitlist)
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/spots/bay-2/acquire", "A", `{"duration":"30m"}`).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/spots/bay-2/enqueue", "B", "").Code)

	rec := env.do(t, http.MethodGet, "/spots", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := decode[[]arbiter.Snapshot](t, rec)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Free)
	assert.False(t, snaps[1].Free)

	rec = env.do(t, http.MethodGet, "/leases", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]lifecycle.Lease](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/waitlist", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]lifecycle.WaitlistEntry](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/spots/bay-2/waitlist", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[[]lifecycle.WaitlistEntry](t, rec)
	require.Len(t, queue, 1)
	assert.Equal(t, "B", queue[0].ClientID)

	rec = env.do(t, http.MethodGet, "/spots/bay-1/waitlist", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/resources", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resources := decode[[]lifecycle.Resource](t, rec)
	require.Len(t, resources, 2)
	assert.Equal(t, "bay-1", resources[0].ID)
	assert.Equal(t, 4*time.Hour, resources[1].MaxDuration)

	rec = env.do(t, http.MethodGet, "/me", "B", "")
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[arbiter.ClientStatus](t, rec)
	assert.Equal(t, arbiter.ClientWaiting, me.State)
	assert.Equal(t, 1, me.Entry.Position)

	rec = env.do(t, http.MethodGet, "/dashboard", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[lifecycle.DashboardStats](t, rec)
	assert.Equal(t, int64(2), stats.TotalResources)
	assert.Equal(t, int64(1), stats.ExpiringSoon)

	env.clock.Advance(time.Hour)
	rec = env.do(t, http.MethodGet, "/leases", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		client string
		body   string
		status int
		code   string
	}{
		{"missing client", http.MethodPost, "/spots/bay-1/acquire", "", `{"duration":"1h"}`, http.StatusUnauthorized, "missing_client"},
		{"missing client on me", http.MethodGet, "/me", "", "", http.StatusUnauthorized, "missing_client"},
		{"unknown spot", http.MethodPost, "/spots/nope/acquire", "A", `{"duration":"1h"}`, http.StatusNotFound, "not_found"},
		{"unknown spot snapshot", http.MethodGet, "/spots/nope", "", "", http.StatusNotFound, "not_found"},
		{"unknown spot waitlist", http.MethodGet, "/spots/nope/waitlist", "", "", http.StatusNotFound, "not_found"},
		{"bad json", http.MethodPost, "/spots/bay-1/acquire", "A", `{`, http.StatusBadRequest, "invalid_body"},
		{"body too large", http.MethodPost, "/spots/bay-1/acquire", "A", `{"duration":"` + strings.Repeat("1", maxBodySize) + `"}`, http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"no duration", http.MethodPost, "/spots/bay-1/acquire", "A", ``, http.StatusBadRequest, "invalid_duration"},
		{"bad duration", http.MethodPost, "/spots/bay-1/acquire", "A", `{"duration":"soon"}`, http.StatusBadRequest, "invalid_duration"},
		{"zero duration", http.MethodPost, "/spots/bay-1/acquire", "A", `{"duration":"0s"}`, http.StatusBadRequest, "invalid_duration"},
		{"too long", http.MethodPost, "/spots/bay-1/acquire", "A", `{"duration_hours":5}`, http.StatusConflict, "DURATION_EXCEEDS_MAXIMUM"},
		{"release free spot", http.MethodPost, "/spots/bay-1/release", "A", "", http.StatusConflict, "NOT_HOLDER"},
		{"enqueue free spot", http.MethodPost, "/spots/bay-1/enqueue", "A", "", http.StatusConflict, "RESOURCE_FREE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.client, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[map[string]string](t, rec)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}

	rec := env.do(t, http.MethodDelete, "/spots/bay-1", "A", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// lockedStore reports every write as contended.
type lockedStore struct {
	storage.Store
}

func (lockedStore) Update(context.Context, func(tx storage.Tx) error) error {
	return storage.Transient("sqlite begin", errors.New("database is locked"))
}

func TestTransientFailureIs503(t *testing.T) {
	mem := storage.NewMemoryStore()
	require.NoError(t, mem.SeedResources(context.Background(), []lifecycle.Resource{
		{ID: "bay-1", Name: "Bay 1", MaxDuration: time.Hour},
	}))
	h := NewServer(arbiter.New(lockedStore{mem})).Handler()

	req := httptest.NewRequest(http.MethodPost, "/spots/bay-1/enqueue", nil)
	req.Header.Set("X-Client-Id", "A")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"unavailable"`)
}

func TestCustomIdentityHeader(t *testing.T) {
	env := newTestEnv(t, WithIdentityHeader("X-User"))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User", "alice")
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[arbiter.ClientStatus](t, rec).ClientID)

	rec = env.do(t, http.MethodGet, "/me", "alice", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(0.001, 1, time.Minute))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/me", "A", "").Code)

	rec := env.do(t, http.MethodGet, "/me", "A", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[map[string]string](t, rec)["error"])

	// separate bucket per client, health is exempt
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/me", "B", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "A", "").Code)
}

func TestLimiterStore_Cleanup(t *testing.T) {
	s := newLimiterStore(1, 1, time.Minute)
	now := t0
	s.now = func() time.Time { return now }

	s.get("a")
	now = now.Add(30 * time.Second)
	s.get("b")
	now = now.Add(45 * time.Second)

	s.cleanup()
	assert.Equal(t, 1, s.size())
}

func TestRateKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "addr:10.0.0.1", rateKey(req, "X-Client-Id"))

	req.Header.Set("X-Client-Id", "bob")
	assert.Equal(t, "client:bob", rateKey(req, "X-Client-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "spotd")

	store := storage.NewMemoryStore()
	require.NoError(t, store.SeedResources(context.Background(), []lifecycle.Resource{
		{ID: "bay-1", Name: "Bay 1", MaxDuration: time.Hour},
	}))
	engine := arbiter.New(store, arbiter.WithMetrics(collector))
	h := NewServer(engine, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))).Handler()

	req := httptest.NewRequest(http.MethodPost, "/spots/bay-1/release", nil)
	req.Header.Set("X-Client-Id", "A")
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `spotd_arbiter_operations_total{op="release",outcome="not_holder"} 1`)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	env.server.heartbeat = 50 * time.Millisecond

	ts := httptest.NewServer(env.h)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?resource=bay-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.broker.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	// filtered out
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/spots/bay-2/acquire", "Z", `{"duration":"1h"}`).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/spots/bay-1/acquire", "A", `{"duration":"1h"}`).Code)

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}

	assert.Equal(t, "acquired", eventLine)
	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, "bay-1", ev.ResourceID)
	assert.Equal(t, "A", ev.ClientID)
}
