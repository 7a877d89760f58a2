package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovernet/roverbridge/internal/auth"
	"github.com/rovernet/roverbridge/internal/buildinfo"
	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/mqtt"
	"github.com/rovernet/roverbridge/internal/session"
	"github.com/rovernet/roverbridge/internal/testutil"
)

const (
	testSecret = "bridge-test-secret"
	testOwner  = int64(42)
)

// fakeClient stands in for the broker connection
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	filters      []string
	handler      mqtt.MessageHandler
	published    map[string][]byte
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{published: make(map[string][]byte)}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Subscribe(filters []string, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append([]string(nil), filters...)
	f.handler = handler
	return nil
}

func (f *fakeClient) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.ErrNotConnected
	}
	f.published[topic] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeClient) payload(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.published[topic]
	return p, ok
}

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()

	settings, err := conf.Defaults()
	require.NoError(t, err)

	settings.Main.DeviceID = "rover-1"
	settings.Main.OwnerID = testOwner
	settings.Output.SQLite = conf.SQLiteSettings{Enabled: true, Path: ":memory:"}
	settings.Output.MySQL.Enabled = false
	settings.Security.JWTSecret = testSecret
	settings.WebServer.Listen = "127.0.0.1:0"
	settings.Timers.Flush = 50 * time.Millisecond
	settings.Timers.Broadcast = 50 * time.Millisecond
	settings.Timers.Heartbeat = time.Second
	settings.Timers.ShutdownGrace = 5 * time.Second
	return settings
}

type running struct {
	bridge *Bridge
	client *fakeClient
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startBridge(t *testing.T, client *fakeClient, adjust ...func(*conf.Settings)) *running {
	t.Helper()

	settings := testSettings(t)
	for _, fn := range adjust {
		fn(settings)
	}

	b, err := New(settings,
		WithLogger(testutil.Logger()),
		WithMQTTClient(client),
		WithBuildInfo(buildinfo.NewContext("0.9.0", "")))
	require.NoError(t, err)

	addr, err := b.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	t.Cleanup(cancel)
	testutil.WaitForChannel(t, b.Ready(), testutil.DefaultTestTimeout, "bridge did not start")

	r := &running{bridge: b, client: client, addr: addr.String(), cancel: cancel, done: done}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	if err, ok := testutil.ReceiveWithin(t, r.done, 2*testutil.DefaultTestTimeout, "bridge did not stop"); ok {
		assert.NoError(t, err)
	}
}

func (r *running) token(t *testing.T) string {
	t.Helper()
	token, err := auth.NewIssuer(testSecret).Issue(testOwner, time.Hour)
	require.NoError(t, err)
	return token
}

func (r *running) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+r.addr+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"type": session.TypeAuth, "token": r.token(t)}))
	frame := readFrame(t, conn)
	require.Equal(t, session.TypeAuthOK, frame["type"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil reads frames until one has the wanted type
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for range 50 {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return nil
}

func TestNewRejectsMissingSecret(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)
	settings.Security.JWTSecret = ""

	_, err := New(settings, WithLogger(testutil.Logger()), WithMQTTClient(newFakeClient()))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestTelemetryReachesSessions(t *testing.T) {
	t.Parallel()
	r := startBridge(t, newFakeClient())

	assert.Contains(t, r.client.filters, "device/sensors/#")

	conn := r.dial(t)
	r.client.deliver("device/sensors/temperatura", "21.5")

	update := readUntil(t, conn, session.TypeSensorUpdate)
	assert.Equal(t, "device/sensors/temperatura", update["topic"])
	assert.Equal(t, "21.5", update["value"])

	// the batcher persists the sample and a later round pushes it
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readUntil(t, conn, session.TypeSensorData)
		data, _ := frame["data"].(map[string]any)
		if v, ok := data["temperature"].(float64); ok {
			assert.InDelta(t, 21.5, v, 1e-9)
			return
		}
	}
	t.Fatal("snapshot never carried the temperature")
}

func TestCommandsReachTransport(t *testing.T) {
	t.Parallel()
	r := startBridge(t, newFakeClient())

	req, err := http.NewRequest(http.MethodPost, "http://"+r.addr+"/api/v1/device/commands/move",
		strings.NewReader(`{"speed":100,"direction":"forward"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token(t))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	payload, ok := r.client.payload("device/cmd/move")
	require.True(t, ok)
	assert.JSONEq(t, `{"speed":100,"direction":"forward"}`, string(payload))
}

func TestStartsWithBrokerDown(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.connectErr = errors.ErrNotConnected
	r := startBridge(t, client)

	resp, err := http.Get("http://" + r.addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["mqtt_connected"])
}

func TestShutdownClosesSessionsAndFlushes(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r := startBridge(t, client, func(s *conf.Settings) {
		s.Timers.Flush = time.Hour
	})
	conn := r.dial(t)

	// with an hour-long flush period only the final flush can drain the buffer
	r.client.deliver("device/sensors/humedad", "55")

	r.cancel()

	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
		break
	}

	err, ok := testutil.ReceiveWithin(t, r.done, 2*testutil.DefaultTestTimeout, "bridge did not stop")
	require.True(t, ok)
	require.NoError(t, err)
	close(r.done)

	assert.Zero(t, r.bridge.buf.Len())

	client.mu.Lock()
	assert.True(t, client.disconnected)
	client.mu.Unlock()
}

func TestShutdownStopsIntakeBeforeFinalFlush(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r := startBridge(t, client, func(s *conf.Settings) {
		s.Timers.Flush = time.Hour
	})

	stop := make(chan struct{})
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := strconv.Itoa(i%50 + 1)
			client.deliver("device/sensors/humedad", v)
			client.deliver("device/position/x", v)
			client.deliver("device/position/y", v)
			client.deliver("device/detections/object", `{"object":"crate"}`)
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	r.cancel()

	err, ok := testutil.ReceiveWithin(t, r.done, 2*testutil.DefaultTestTimeout, "bridge did not stop")
	require.True(t, ok)
	require.NoError(t, err)
	close(r.done)

	// deliveries racing the shutdown were either flushed or discarded
	assert.Zero(t, r.bridge.buf.Len())

	time.Sleep(20 * time.Millisecond)
	close(stop)
	testutil.WaitForChannel(t, delivered, testutil.DefaultTestTimeout, "delivery loop did not stop")
	assert.Zero(t, r.bridge.buf.Len(), "nothing is buffered after shutdown")

	client.mu.Lock()
	assert.True(t, client.disconnected)
	client.mu.Unlock()
}
