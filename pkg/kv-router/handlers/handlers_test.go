/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/volcano-sh/kv-router/pkg/kv-router/cache"
	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
	"github.com/volcano-sh/kv-router/pkg/kv-router/config"
	"github.com/volcano-sh/kv-router/pkg/kv-router/datastore"
	"github.com/volcano-sh/kv-router/pkg/kv-router/hashing"
	"github.com/volcano-sh/kv-router/pkg/kv-router/metrics"
	"github.com/volcano-sh/kv-router/pkg/kv-router/router"
	"github.com/volcano-sh/kv-router/pkg/kv-router/scheduler"
)

const testBlockSize = 4

type fakeTokenizer struct{}

// Encode maps every byte to one token.
func (fakeTokenizer) Encode(prompt string) ([]uint32, error) {
	tokens := make([]uint32, len(prompt))
	for i := 0; i < len(prompt); i++ {
		tokens[i] = uint32(prompt[i])
	}
	return tokens, nil
}

type testServer struct {
	engine   *gin.Engine
	router   *router.Router
	registry datastore.Registry
	index    *cache.Index
	blocks   *hashing.BlockProcessor
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := &testServer{
		registry: datastore.NewRegistry(clk, time.Second, 3),
		index:    cache.NewIndex(0),
		blocks:   hashing.NewBlockProcessor(testBlockSize, 0),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}
	s.router = router.New(s.registry, s.index, scheduler.NewScheduler(s.index, config.Default().Scheduler),
		router.WithClock(clk),
		router.WithBlockProcessor(s.blocks),
		router.WithMetrics(s.metrics),
	)

	opts = append([]Option{WithTokenizer(fakeTokenizer{}), WithMetrics(s.metrics)}, opts...)
	s.engine = gin.New()
	s.engine.Use(MetricsMiddleware(s.metrics))
	NewHandler(s.router, opts...).RegisterRoutes(s.engine)
	return s
}

func (s *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) register(t *testing.T, id string, role common.Role) {
	t.Helper()
	w := s.post(t, "/v1/workers", common.WorkerEvent{
		Type:   common.WorkerRegister,
		Worker: &common.WorkerSpec{ID: id, Role: role, Endpoint: "http://" + id + ":8000"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decodeDecision(t *testing.T, w *httptest.ResponseRecorder) common.RoutingDecision {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d common.RoutingDecision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	return d
}

func tokens(blocks int, start uint32) []uint32 {
	out := make([]uint32, blocks*testBlockSize)
	for i := range out {
		out[i] = start + uint32(i)
	}
	return out
}

func TestRoute(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)
	s.register(t, "worker-b", common.RoleUnified)

	toks := tokens(3, 0)
	w := s.post(t, "/v1/cache-events", common.CacheEvent{
		Type: common.CacheBlocksStored, WorkerID: "worker-b", BlockHashes: s.blocks.BlockHashes("", toks), Generation: 1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	d := decodeDecision(t, s.post(t, "/v1/route", RouteRequest{RequestID: "r1", TokenIDs: toks}))
	assert.Equal(t, "r1", d.RequestID)
	assert.Equal(t, "worker-b", d.WorkerID)
	assert.Equal(t, "http://worker-b:8000", d.Endpoint)
	assert.Equal(t, 3, d.MatchedBlocks)
}

func TestRouteGeneratesRequestID(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)

	d := decodeDecision(t, s.post(t, "/v1/route", RouteRequest{TokenIDs: tokens(1, 0)}))
	_, err := uuid.Parse(d.RequestID)
	assert.NoError(t, err)
}

func TestRouteTokenizesPrompt(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)

	d := decodeDecision(t, s.post(t, "/v1/route", RouteRequest{RequestID: "r1", Prompt: "abcdefghij"}))
	assert.Equal(t, "worker-a", d.WorkerID)
	// Ten byte tokens make two full blocks.
	assert.Equal(t, 2, d.TotalBlocks)
}

func TestRouteErrors(t *testing.T) {
	s := newTestServer(t)
	noTokenizer := newTestServer(t, WithTokenizer(nil))
	noTokenizer.register(t, "worker-a", common.RoleUnified)

	tests := []struct {
		name     string
		server   *testServer
		body     any
		wantCode int
	}{
		{name: "malformed json", server: s, body: "{", wantCode: http.StatusBadRequest},
		{name: "no tokens", server: s, body: RouteRequest{RequestID: "r1"}, wantCode: http.StatusBadRequest},
		{name: "unknown role", server: s, body: RouteRequest{RequestID: "r1", TokenIDs: []uint32{1}, Role: "encoder"}, wantCode: http.StatusBadRequest},
		{name: "no workers", server: s, body: RouteRequest{RequestID: "r1", TokenIDs: []uint32{1}}, wantCode: http.StatusServiceUnavailable},
		{name: "prompt without tokenizer", server: noTokenizer, body: RouteRequest{RequestID: "r1", Prompt: "hello"}, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.server.post(t, "/v1/route", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestRouteRateLimit(t *testing.T) {
	s := newTestServer(t, WithRateLimiter(NewRateLimiter(0.001, 1)))
	s.register(t, "worker-a", common.RoleUnified)

	decodeDecision(t, s.post(t, "/v1/route", RouteRequest{RequestID: "r1", TokenIDs: tokens(1, 0)}))
	w := s.post(t, "/v1/route", RouteRequest{RequestID: "r2", TokenIDs: tokens(1, 0)})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.RateLimitExceeded.WithLabelValues("/v1/route")))
	assert.Equal(t, 1, s.router.InFlight())
}

func TestNewRateLimiter(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 10))
	l := NewRateLimiter(0.5, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
	assert.Equal(t, 20, NewRateLimiter(20, 0).Burst())
	assert.Equal(t, 5, NewRateLimiter(20, 5).Burst())
}

func TestCompletion(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)
	decodeDecision(t, s.post(t, "/v1/route", RouteRequest{RequestID: "r1", TokenIDs: tokens(2, 0)}))

	w := s.post(t, "/v1/completions", common.Completion{RequestID: "r1", WorkerID: "worker-b"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "wrong worker")

	w = s.post(t, "/v1/completions", common.Completion{RequestID: "r1", WorkerID: "worker-a", Generation: 1})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, s.router.InFlight())

	w = s.post(t, "/v1/completions", common.Completion{RequestID: "r1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFailure(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)
	decodeDecision(t, s.post(t, "/v1/route", RouteRequest{RequestID: "r1", TokenIDs: tokens(2, 0)}))

	w := s.post(t, "/v1/failures", FailureRequest{RequestID: "r1", Reason: "connection reset"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp FailureResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Reroute)
	assert.Contains(t, resp.Message, "worker-a")

	worker, ok := s.registry.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, int64(0), worker.Load())

	w = s.post(t, "/v1/failures", FailureRequest{RequestID: "r1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerEvents(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleDecode)

	load := int64(3)
	w := s.post(t, "/v1/workers", common.WorkerEvent{Type: common.WorkerHeartbeat, WorkerID: "worker-a", Load: &load})
	assert.Equal(t, http.StatusOK, w.Code)
	worker, ok := s.registry.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, int64(3), worker.ReportedLoad())

	w = s.post(t, "/v1/workers", common.WorkerEvent{Type: common.WorkerDrain, WorkerID: "worker-a"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, common.WorkerDraining, worker.State())

	w = s.post(t, "/v1/workers", common.WorkerEvent{Type: common.WorkerHeartbeat, WorkerID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.post(t, "/v1/workers", common.WorkerEvent{Type: "restart", WorkerID: "worker-a"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.post(t, "/v1/workers", common.WorkerEvent{Type: common.WorkerRegister, Worker: &common.WorkerSpec{ID: "w", Role: "encoder"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.post(t, "/v1/workers", common.WorkerEvent{Type: common.WorkerDeregister, WorkerID: "worker-a"})
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok = s.registry.Get("worker-a")
	assert.False(t, ok)
}

func TestCacheEvents(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)

	w := s.post(t, "/v1/cache-events", []common.CacheEvent{
		{Type: common.CacheBlocksStored, WorkerID: "worker-a", BlockHashes: []uint64{1, 2, 3}, Generation: 1},
		{Type: common.CacheBlocksRemoved, WorkerID: "worker-a", BlockHashes: []uint64{3}, Generation: 2},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"applied": 2}`, w.Body.String())
	assert.Equal(t, []uint64{1, 2}, s.index.Blocks("worker-a"))

	// Stale events are accepted and ignored.
	w = s.post(t, "/v1/cache-events", common.CacheEvent{Type: common.CacheAllCleared, WorkerID: "worker-a", Generation: 2})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uint64{1, 2}, s.index.Blocks("worker-a"))

	w = s.post(t, "/v1/cache-events", common.CacheEvent{Type: common.CacheBlocksStored, WorkerID: "ghost", BlockHashes: []uint64{1}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.post(t, "/v1/cache-events", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheEventBatches(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)

	// A malformed event rejects the whole batch.
	w := s.post(t, "/v1/cache-events", []common.CacheEvent{
		{Type: common.CacheBlocksStored, WorkerID: "worker-a", BlockHashes: []uint64{1}, Generation: 1},
		{Type: "moved", WorkerID: "worker-a"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, s.index.Blocks("worker-a"))

	// A failure while applying reports how many events went through.
	w = s.post(t, "/v1/cache-events", []common.CacheEvent{
		{Type: common.CacheBlocksStored, WorkerID: "worker-a", BlockHashes: []uint64{1}, Generation: 1},
		{Type: common.CacheBlocksStored, WorkerID: "ghost", BlockHashes: []uint64{2}},
		{Type: common.CacheBlocksStored, WorkerID: "worker-a", BlockHashes: []uint64{3}, Generation: 2},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["applied"])
	assert.Contains(t, body["error"], "ghost")
	assert.Equal(t, []uint64{1}, s.index.Blocks("worker-a"))
}

func TestMetricsMiddleware(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "worker-a", common.RoleUnified)
	s.post(t, "/v1/route", RouteRequest{RequestID: "r1", TokenIDs: tokens(1, 0)})
	s.post(t, "/v1/nowhere", "{}")

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequestsTotal.WithLabelValues("/v1/workers", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequestsTotal.WithLabelValues("/v1/route", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.HTTPRequestsTotal.WithLabelValues(unmatchedPath, "404")))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", common.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: x", common.ErrUnknownRequest), http.StatusNotFound},
		{fmt.Errorf("%w: x", common.ErrUnknownWorker), http.StatusNotFound},
		{fmt.Errorf("%w: x", common.ErrNoCapacityAvailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: x", common.ErrWorkerUnreachable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
