package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesync/internal/app"
	"tradesync/internal/ports"
	"tradesync/internal/ratelimit"
	"tradesync/internal/resilience"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fakeSyncer struct {
	got     []app.SyncRequest
	result  *app.SyncResult
	err     error
	batchFn func([]app.SyncRequest) []*app.SyncResult
}

func (f *fakeSyncer) SyncProvider(ctx context.Context, req app.SyncRequest) (*app.SyncResult, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSyncer) SyncAll(ctx context.Context, reqs []app.SyncRequest) ([]*app.SyncResult, error) {
	f.got = append(f.got, reqs...)
	return f.batchFn(reqs), nil
}

type testEnv struct {
	syncer   *fakeSyncer
	breakers *resilience.Registry
	limiter  *ratelimit.Limiter
	router   *gin.Engine
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)
	log := &mockLogger{}
	env := &testEnv{
		syncer:   &fakeSyncer{},
		breakers: resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil, log),
		limiter: ratelimit.New(map[string]ratelimit.ProviderLimits{
			"binance": {Global: ratelimit.Limits{RequestsPerSecond: 10}},
		}, log, ratelimit.WithClock(func() time.Time { return now })),
	}
	env.router = NewRouter(NewHandler(env.syncer, env.breakers, env.limiter, log), log)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSync(t *testing.T) {
	env := newTestEnv()
	env.syncer.result = &app.SyncResult{
		RunID:    "run-1",
		Provider: "binance",
		Accounts: []app.AccountResult{{AccountID: "usdm-futures", Created: 2}},
		Created:  2,
	}

	w := env.do(t, http.MethodPost, "/v1/sync", map[string]string{
		"user_id":  "alice",
		"provider": "binance",
		"since":    "2024-03-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got app.SyncResult
	decode(t, w, &got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Created)

	require.Len(t, env.syncer.got, 1)
	assert.Equal(t, "alice", env.syncer.got[0].UserID)
	assert.Equal(t, 2024, env.syncer.got[0].Since.Year())
}

func TestSync_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		err    error
		result *app.SyncResult
		want   int
	}{
		{name: "missing provider", body: map[string]string{"user_id": "alice"}, want: http.StatusBadRequest},
		{name: "bad json", body: "nope", want: http.StatusBadRequest},
		{
			name: "unknown provider",
			body: map[string]string{"user_id": "alice", "provider": "kraken"},
			err:  fmt.Errorf("provider %q: %w", "kraken", ports.ErrUnknownProvider),
			want: http.StatusNotFound,
		},
		{
			name: "unexpected",
			body: map[string]string{"user_id": "alice", "provider": "binance"},
			err:  errors.New("boom"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nothing synced",
			body: map[string]string{"user_id": "alice", "provider": "binance"},
			result: &app.SyncResult{Errors: []app.SyncError{
				{Stage: app.StageAuthenticate, Message: "invalid key"},
			}},
			want: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.syncer.err = tt.err
			env.syncer.result = tt.result
			w := env.do(t, http.MethodPost, "/v1/sync", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestSyncBatch(t *testing.T) {
	env := newTestEnv()
	env.syncer.batchFn = func(reqs []app.SyncRequest) []*app.SyncResult {
		out := make([]*app.SyncResult, len(reqs))
		for i, r := range reqs {
			out[i] = &app.SyncResult{UserID: r.UserID, Provider: r.Provider}
		}
		return out
	}

	w := env.do(t, http.MethodPost, "/v1/sync/batch", map[string]interface{}{
		"requests": []map[string]string{
			{"user_id": "alice", "provider": "binance"},
			{"user_id": "bob", "provider": "oanda"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Results []app.SyncResult `json:"results"`
	}
	decode(t, w, &got)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "oanda", got.Results[1].Provider)

	w = env.do(t, http.MethodPost, "/v1/sync/batch", map[string]interface{}{
		"requests": []map[string]string{{"user_id": "alice"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCircuits(t *testing.T) {
	env := newTestEnv()
	failing := func(ctx context.Context) error { return &ports.ApiError{Provider: "binance", StatusCode: 503, Retryable: true} }
	b := env.breakers.Breaker("binance")
	for i := 0; i < resilience.DefaultBreakerConfig().FailureThreshold; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	require.Equal(t, resilience.StateOpen, b.State())

	w := env.do(t, http.MethodGet, "/v1/circuits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Circuits []resilience.Stats `json:"circuits"`
	}
	decode(t, w, &list)
	require.Len(t, list.Circuits, 1)
	assert.Equal(t, "OPEN", list.Circuits[0].State)

	w = env.do(t, http.MethodGet, "/v1/circuits/oanda", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/circuits/oanda/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/circuits/binance/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats resilience.Stats
	decode(t, w, &stats)
	assert.Equal(t, "CLOSED", stats.State)
	assert.Equal(t, resilience.StateClosed, b.State())

	for i := 0; i < resilience.DefaultBreakerConfig().FailureThreshold; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	w = env.do(t, http.MethodPost, "/v1/circuits/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, resilience.StateClosed, b.State())
}

func TestRateLimits(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.limiter.Admit(ratelimit.Scope{Provider: "binance"}, 1))

	w := env.do(t, http.MethodGet, "/v1/ratelimits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Usage []ratelimit.Usage `json:"usage"`
	}
	decode(t, w, &usage)
	require.Len(t, usage.Usage, 1)
	assert.Equal(t, "binance/global", usage.Usage[0].Scope)
	assert.Equal(t, 1, usage.Usage[0].Requests)

	w = env.do(t, http.MethodPost, "/v1/ratelimits/reset?provider=binance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.limiter.Usage())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("x: %w", ports.ErrInvalidRequest)))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(&ports.RateLimitError{Provider: "binance"}))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&ports.CircuitOpenError{Provider: "binance"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&ports.ApiError{Provider: "oanda", StatusCode: 503}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&ports.ApiError{Provider: "oanda", StatusCode: 400}))
}
