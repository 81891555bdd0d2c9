package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/agent"
	"github.com/aristath/cellar/internal/cache"
	"github.com/aristath/cellar/internal/config"
	"github.com/aristath/cellar/internal/events"
	"github.com/aristath/cellar/internal/observability"
)

type replayMemory struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

func (r *replayMemory) StoreIdempotentResult(capability, key, actor string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]json.RawMessage)
	}
	r.m[capability+"|"+key+"|"+actor] = data
	return nil
}

func (r *replayMemory) GetIdempotentResult(capability, key, actor string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[capability+"|"+key+"|"+actor], nil
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func newTestServer(t *testing.T, authDisabled bool) *Server {
	t.Helper()
	cfg := &config.Config{
		DataDir:      t.TempDir(),
		Port:         0,
		AuthDisabled: authDisabled,
	}
	log := zerolog.Nop()
	return New(cfg, Deps{
		Log:        log,
		Dispatcher: agent.NewDispatcher(&replayMemory{}, log),
		Cache:      cache.New(cache.Config{MaxSize: 100}),
		Bus:        events.NewBus(log),
		Metrics:    observability.NewMetrics(),
		RUM:        observability.NewRUMBuffer(log),
		System:     observability.NewSystemMonitor(cfg.DataDir, log),
	})
}

func doRequest(t *testing.T, s *Server, method, path, role string, body interface{}) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var env testEnvelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthReportsOK(t *testing.T) {
	s := newTestServer(t, false)

	rec, env := doRequest(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var data struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.Healthy)
}

func TestAdminRoutesRejectLowerRoles(t *testing.T) {
	s := newTestServer(t, false)

	rec, env := doRequest(t, s, http.MethodGet, "/api/cache/stats", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTHORIZATION_ERROR", env.Error.Code)

	rec, _ = doRequest(t, s, http.MethodGet, "/api/cache/stats", RoleCrew, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = doRequest(t, s, http.MethodGet, "/api/cache/stats", RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestUnknownRoleFallsBackToGuest(t *testing.T) {
	s := newTestServer(t, false)

	rec, _ := doRequest(t, s, http.MethodGet, "/api/cache/stats", "superuser", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthDisabledGrantsAdmin(t *testing.T) {
	s := newTestServer(t, true)

	rec, env := doRequest(t, s, http.MethodGet, "/api/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	s := newTestServer(t, false)

	rec, env := doRequest(t, s, http.MethodGet, "/api/wines/search", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Message, "q")
}

func TestToolListingAndDispatch(t *testing.T) {
	s := newTestServer(t, false)
	require.NoError(t, s.deps.Dispatcher.Register(&agent.Tool{
		Name:         "echo",
		Description:  "returns its params",
		AllowedRoles: []string{RoleGuest, RoleCrew, RoleAdmin},
		Schema: agent.Schema{
			"message": {Type: "string"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, dryRun bool) (interface{}, error) {
			return map[string]interface{}{"message": params["message"], "dry_run": dryRun}, nil
		},
	}))

	rec, env := doRequest(t, s, http.MethodGet, "/api/tools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tools []agent.Tool
	require.NoError(t, json.Unmarshal(env.Data, &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	rec, env = doRequest(t, s, http.MethodPost, "/api/tools/echo", "", map[string]interface{}{
		"params": map[string]interface{}{"message": "hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var call agent.CallResult
	require.NoError(t, json.Unmarshal(env.Data, &call))
	assert.Equal(t, "echo", call.Tool)
	assert.True(t, call.DryRun, "dry run is the default")

	rec, env = doRequest(t, s, http.MethodPost, "/api/tools/missing", "", map[string]interface{}{})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestCacheAdminEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	s.deps.Cache.Set("pairing:beef", "barolo", time.Minute)
	s.deps.Cache.Set("weather:rioja", "sunny", time.Minute)

	rec, env := doRequest(t, s, http.MethodGet, "/api/cache/stats", RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 2, stats.Entries)

	rec, env = doRequest(t, s, http.MethodPost, "/api/cache/invalidate", RoleAdmin, map[string]string{"pattern": "pairing:*"})
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Invalidated int `json:"invalidated"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 1, result.Invalidated)
	assert.Equal(t, 1, s.deps.Cache.Len())

	rec, env = doRequest(t, s, http.MethodPost, "/api/cache/invalidate", RoleAdmin, map[string]string{"pattern": " "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestRUMIngestAndSummary(t *testing.T) {
	s := newTestServer(t, false)

	rec, env := doRequest(t, s, http.MethodPost, "/api/rum", "", []map[string]interface{}{
		{"metric": "lcp", "value": 1200.0},
		{"metric": "lcp", "value": 900.0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.Equal(t, 2, accepted.Accepted)

	rec, env = doRequest(t, s, http.MethodPost, "/api/rum", "", []map[string]interface{}{
		{"value": 1.0},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, env = doRequest(t, s, http.MethodGet, "/api/rum/summary", RoleCrew, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []observability.RUMSummary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "lcp", summaries[0].Metric)
	assert.Equal(t, 2, summaries[0].Count)
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	s := newTestServer(t, false)
	s.deps.Metrics.ObserveCache("pairing", "hit")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cellar_cache_requests_total")
}

func TestEventsStreamDeliversPublishedEvents(t *testing.T) {
	s := newTestServer(t, false)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream?types=inventory.item_added", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	// The subscription exists once the connected comment is flushed.
	s.deps.Bus.Publish(events.InventoryItemAdded, map[string]interface{}{"vintage_id": "v-1"})

	var dataLine string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	var event events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &event))
	assert.Equal(t, events.InventoryItemAdded, event.Type)
	assert.Equal(t, "v-1", event.Data["vintage_id"])
}
