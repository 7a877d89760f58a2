package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovernet/roverbridge/internal/buildinfo"
	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/observability"
	"github.com/rovernet/roverbridge/internal/testutil"
)

const (
	testDevice = "rover-1"
	tokenA     = "owner-42"
	tokenB     = "owner-7"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (int64, error) {
	switch token {
	case tokenA:
		return 42, nil
	case tokenB:
		return 7, nil
	}
	return 0, errors.ErrTokenInvalid
}

type fakeDispatcher struct {
	mu     sync.Mutex
	result bool
	calls  []dispatchCall
}

type dispatchCall struct {
	action string
	params map[string]any
}

func (d *fakeDispatcher) Dispatch(action string, params map[string]any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{action: action, params: params})
	return d.result
}

type fakeTransport struct{ connected bool }

func (t fakeTransport) IsConnected() bool { return t.connected }

type fakeSessions struct{ count int }

func (f fakeSessions) ServeWS(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusTeapot)
	return nil
}

func (f fakeSessions) Count() int { return f.count }

type testEnv struct {
	server     *Server
	store      datastore.Interface
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T, connected bool, cfg Config) *testEnv {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite = conf.SQLiteSettings{Enabled: true, Path: ":memory:"}
	log := testutil.Logger()

	store, err := datastore.New(settings, log, nil)
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	m, err := observability.NewMetrics()
	require.NoError(t, err)

	if cfg.DeviceID == "" {
		cfg.DeviceID = testDevice
	}
	dispatcher := &fakeDispatcher{result: true}
	s, err := New(cfg, fakeVerifier{},
		WithLogger(log),
		WithDataStore(store),
		WithDispatcher(dispatcher, fakeTransport{connected: connected}),
		WithSessions(fakeSessions{count: 3}),
		WithMetrics(m),
		WithBuildInfo(buildinfo.NewContext("1.4.2", "2026-03-01")),
	)
	require.NoError(t, err)

	return &testEnv{server: s, store: store, dispatcher: dispatcher}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewRequiresVerifier(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	rec := env.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.4.2", body["version"])
	assert.Equal(t, true, body["mqtt_connected"])
	assert.InDelta(t, 3, body["sessions"], 0)
}

func TestHealthCheckWithoutBuildInfo(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, fakeVerifier{}, WithLogger(testutil.Logger()))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, buildinfo.UnknownValue, body["version"])
	assert.Equal(t, false, body["mqtt_connected"])
	assert.InDelta(t, 0, body["sessions"], 0)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebSocketRouteDelegates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	rec := env.do(t, http.MethodGet, "/ws", "", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + tokenA, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/device/detections", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestPostCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		connected bool
		action    string
		body      string
		want      int
	}{
		{"move", true, "move", `{"speed":120,"direction":"Forward"}`, http.StatusAccepted},
		{"stop without body", true, "stop", "", http.StatusAccepted},
		{"spanish alias", true, "parar", "", http.StatusAccepted},
		{"unknown action", true, "fly", "", http.StatusNotFound},
		{"invalid params", true, "move", `{"speed":999,"direction":"forward"}`, http.StatusBadRequest},
		{"malformed body", true, "rotate", `{"angle":`, http.StatusBadRequest},
		{"transport down", false, "stop", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, tt.connected, Config{})

			rec := env.do(t, http.MethodPost, "/api/v1/device/commands/"+tt.action, tokenA, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			if tt.want == http.StatusAccepted {
				require.Len(t, env.dispatcher.calls, 1)
				assert.Equal(t, tt.action, env.dispatcher.calls[0].action)
			} else {
				assert.Empty(t, env.dispatcher.calls)
			}
		})
	}
}

func TestPostCommandNormalizesParams(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/device/commands/move", tokenA, `{"speed":80,"direction":"LEFT"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, env.dispatcher.calls, 1)
	assert.Equal(t, map[string]any{"speed": 80, "direction": "left"}, env.dispatcher.calls[0].params)
}

func TestPostCommandDispatchFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})
	env.dispatcher.result = false

	rec := env.do(t, http.MethodPost, "/api/v1/device/commands/calibrate", tokenA, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostCommandRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{CommandRateLimit: 0.001, CommandBurst: 2})

	for range 2 {
		rec := env.do(t, http.MethodPost, "/api/v1/device/commands/stop", tokenA, "")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/device/commands/stop", tokenA, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// limits are tracked per owner
	rec = env.do(t, http.MethodPost, "/api/v1/device/commands/stop", tokenB, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetPosition(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	rec := env.do(t, http.MethodGet, "/api/v1/device/position", tokenA, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.store.InsertPosition(ctx, &datastore.PositionRecord{
		DeviceID: testDevice, OwnerID: 42, X: 1, Y: 2, Battery: 100, Status: "active", Timestamp: now.Add(-time.Minute),
	}))
	require.NoError(t, env.store.InsertPosition(ctx, &datastore.PositionRecord{
		DeviceID: testDevice, OwnerID: 42, X: 3, Y: 4, Battery: 90, Status: "active", Timestamp: now,
	}))

	rec = env.do(t, http.MethodGet, "/api/v1/device/position", tokenA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.InDelta(t, 3, body["x"], 0)
	assert.InDelta(t, 4, body["y"], 0)

	// other owners see nothing
	rec = env.do(t, http.MethodGet, "/api/v1/device/position", tokenB, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDetections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, object := range []string{"cup", "ball", "box"} {
		require.NoError(t, env.store.InsertDetection(ctx, &datastore.DetectionRecord{
			DeviceID: testDevice, OwnerID: 42, Object: object, Confidence: 0.9,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/device/detections?limit=2", tokenA, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count      int                         `json:"count"`
		Detections []datastore.DetectionRecord `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Detections, 2)
	assert.Equal(t, "box", body.Detections[0].Object)
	assert.Equal(t, "ball", body.Detections[1].Object)

	for _, limit := range []string{"0", "501", "x"} {
		rec = env.do(t, http.MethodGet, "/api/v1/device/detections?limit="+limit, tokenA, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit %s", limit)
	}
}

func TestPostSensorAndStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/sensors", tokenA, `{"kind":"temperatura","value":21.5,"unit":"C"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, testDevice, body["device_id"])
	assert.InDelta(t, 42, body["owner_id"], 0)

	rec = env.do(t, http.MethodPost, "/api/v1/sensors", tokenA, `{"kind":"temperatura","value":23.5,"unit":"C"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sensors/temperatura/stats", tokenA, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats datastore.SensorStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Count)
	assert.InDelta(t, 22.5, stats.Avg, 1e-9)
	assert.InDelta(t, 21.5, stats.Min, 1e-9)
	assert.InDelta(t, 23.5, stats.Max, 1e-9)

	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = env.do(t, http.MethodGet, "/api/v1/sensors/temperatura/stats?since="+future, tokenA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/sensors/temperatura/stats?since=yesterday", tokenA, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostSensorValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	tests := []struct {
		name string
		body string
	}{
		{"missing kind", `{"value":1}`},
		{"missing value", `{"kind":"co"}`},
		{"long kind", `{"kind":"` + strings.Repeat("k", 65) + `","value":1}`},
		{"long unit", `{"kind":"co","value":1,"unit":"` + strings.Repeat("u", 17) + `"}`},
		{"malformed", `{"kind":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/sensors", tokenA, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestPostSensorBatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	rec := env.do(t, http.MethodPost, "/api/v1/sensors/batch", tokenA,
		`{"samples":[{"kind":"humedad","value":40},{"kind":"humedad","value":44,"timestamp":"`+ts+`"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.InDelta(t, 2, decode(t, rec)["inserted"], 0)

	latest, err := env.store.LatestSample(context.Background(), 42, "humedad")
	require.NoError(t, err)
	assert.InDelta(t, 40, latest.Value, 1e-9)

	rec = env.do(t, http.MethodPost, "/api/v1/sensors/batch", tokenA, `{"samples":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sensors/batch", tokenA, `{"samples":[{"kind":"co","value":1},{"kind":""}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "sample 1")
}

func TestPostSensorBatchTooLarge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{})

	samples := make([]map[string]any, MaxBatchSamples+1)
	for i := range samples {
		samples[i] = map[string]any{"kind": "co", "value": i}
	}
	payload, err := json.Marshal(map[string]any{"samples": samples})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/sensors/batch", tokenA, string(payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, Config{Listen: "127.0.0.1:0"})

	addr, err := env.server.Listen()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.server.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr.String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
