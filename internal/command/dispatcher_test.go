package command

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

type published struct {
	topic   string
	payload string
}

// fakePublisher records publishes instead of talking to a broker
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []published
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, string(payload)})
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func newTestDispatcher(t *testing.T, pub *fakePublisher) (*Dispatcher, *metrics.CommandMetrics) {
	t.Helper()
	m, err := metrics.NewCommandMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	return NewDispatcher(pub, "device", log, m), m
}

func TestDispatchTopicsAndPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action  string
		params  map[string]any
		topic   string
		payload string
	}{
		{"move", map[string]any{"speed": 120, "direction": "forward"}, "device/cmd/move", `{"direction":"forward","speed":120}`},
		{"rotate", map[string]any{"angle": -90}, "device/cmd/rotate", `{"angle":-90}`},
		{"stop", map[string]any{"ignored": 1}, "device/cmd/stop", `true`},
		{"search", map[string]any{"object": "ball"}, "device/cmd/search-object", `{"object":"ball"}`},
		{"return-home", nil, "device/cmd/return-home", `true`},
		{"calibrate", nil, "device/cmd/calibrate-sensors", `true`},
		{"parar", nil, "device/cmd/stop", `true`},
		{"move", nil, "device/cmd/move", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			t.Parallel()
			pub := &fakePublisher{connected: true}
			d, m := newTestDispatcher(t, pub)

			require.True(t, d.Dispatch(tt.action, tt.params))
			require.Len(t, pub.sent, 1)
			assert.Equal(t, tt.topic, pub.sent[0].topic)
			assert.JSONEq(t, tt.payload, pub.sent[0].payload)

			a, _ := ParseAction(tt.action)
			assert.InDelta(t, 1.0, testutil.ToFloat64(m.DispatchCount(string(a), ResultPublished)), 0)
		})
	}
}

func TestDispatchWhileDisconnected(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: false}
	d, m := newTestDispatcher(t, pub)

	assert.False(t, d.Dispatch("stop", map[string]any{}))
	assert.Empty(t, pub.sent)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.DispatchCount("stop", ResultNotConnected)), 0)
}

func TestDispatchUnknownAction(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: true}
	d, _ := newTestDispatcher(t, pub)

	assert.False(t, d.Dispatch("self-destruct", nil))
	assert.Empty(t, pub.sent)
}

func TestDispatchPublishFailure(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: true, err: errors.ErrNotConnected}
	d, m := newTestDispatcher(t, pub)

	assert.False(t, d.Dispatch("calibrate", nil))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.DispatchCount("calibrate", ResultPublishError)), 0)
}

func TestDispatchUnencodablePayload(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: true}
	d, _ := newTestDispatcher(t, pub)

	assert.False(t, d.Dispatch("move", map[string]any{"speed": make(chan int)}))
	assert.Empty(t, pub.sent)
}

func TestDispatchNilMetricsAndLogger(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: true}
	d := NewDispatcher(pub, "/robot/", logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC), nil)

	require.True(t, d.Dispatch("stop", nil))
	assert.Equal(t, "robot/cmd/stop", pub.sent[0].topic)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	decode := func(s string) map[string]any {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(s), &m))
		return m
	}

	valid := []struct {
		action string
		params string
		want   map[string]any
	}{
		{"move", `{"speed":255,"direction":"Left"}`, map[string]any{"speed": 255, "direction": "left"}},
		{"move", `{"speed":0,"direction":"backward"}`, map[string]any{"speed": 0, "direction": "backward"}},
		{"rotate", `{"angle":-360}`, map[string]any{"angle": -360.0}},
		{"search", `{"object":" cup "}`, map[string]any{"object": "cup", "max_distance": 500.0}},
		{"search", `{"object":"cup","max_distance":120}`, map[string]any{"object": "cup", "max_distance": 120.0}},
		{"stop", `{}`, nil},
	}
	for _, tt := range valid {
		got, err := Validate(tt.action, decode(tt.params))
		require.NoError(t, err, "%s %s", tt.action, tt.params)
		assert.Equal(t, tt.want, got, "%s %s", tt.action, tt.params)
	}

	invalid := []struct {
		action string
		params string
	}{
		{"move", `{"speed":256,"direction":"forward"}`},
		{"move", `{"speed":-1,"direction":"forward"}`},
		{"move", `{"speed":1.5,"direction":"forward"}`},
		{"move", `{"speed":"fast","direction":"forward"}`},
		{"move", `{"direction":"forward"}`},
		{"move", `{"speed":10,"direction":"up"}`},
		{"rotate", `{"angle":361}`},
		{"rotate", `{}`},
		{"search", `{"max_distance":10}`},
		{"search", `{"object":"cup","max_distance":0}`},
	}
	for _, tt := range invalid {
		_, err := Validate(tt.action, decode(tt.params))
		require.Error(t, err, "%s %s", tt.action, tt.params)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "%s %s", tt.action, tt.params)
	}

	_, err := Validate("fly", nil)
	require.ErrorIs(t, err, errors.ErrUnknownAction)
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	for _, a := range Actions() {
		got, ok := ParseAction(" " + string(a) + " ")
		assert.True(t, ok)
		assert.Equal(t, a, got)
	}
	got, ok := ParseAction("INICIO")
	assert.True(t, ok)
	assert.Equal(t, ActionReturnHome, got)
}
