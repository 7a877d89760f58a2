package batcher

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rovernet/roverbridge/internal/buffer"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]datastore.SensorSample
	err     error
}

func (s *fakeStore) InsertSensorSamples(_ context.Context, samples []datastore.SensorSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, samples)
	return s.err
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestBatcher(t *testing.T, interval time.Duration) (*Batcher, *buffer.Buffer, *fakeStore, *metrics.BatcherMetrics) {
	t.Helper()
	m, err := metrics.NewBatcherMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	buf := buffer.New()
	store := &fakeStore{}
	b := New(Config{DeviceID: "1", OwnerID: 42, Interval: interval}, buf, store,
		logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC), m)
	return b, buf, store, m
}

func TestFlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	b, _, store, m := newTestBatcher(t, time.Minute)

	n, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.count())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.FlushCount("empty")), 0)
}

func TestFlushWritesOneBatch(t *testing.T) {
	t.Parallel()
	b, buf, store, m := newTestBatcher(t, time.Minute)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf.Put(buffer.Sample{Topic: "device/sensors/temperatura", Kind: "temperatura", Unit: "°C", Value: 23.5, ObservedAt: at})
	buf.Put(buffer.Sample{Topic: "device/sensors/humedad", Kind: "humedad", Unit: "%", Value: 40, ObservedAt: at})
	buf.Put(buffer.Sample{Topic: "device/navigation/status", Kind: "estado", Text: "idle", ObservedAt: at})

	n, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Equal(t, 1, store.count())

	batch := store.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, datastore.SensorSample{
		OwnerID: 42, DeviceID: "1", Kind: "temperatura", Value: 23.5, Unit: "°C", Timestamp: at,
		Metadata: datastore.Metadata{
			"topic":       "device/sensors/temperatura",
			"observed_at": "2026-03-01T10:00:00Z",
		},
	}, batch[0])
	assert.Equal(t, "idle", batch[2].Metadata["text"])

	assert.Equal(t, 0, buf.Len())
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.SampleCount("persisted")), 0)

	// nothing new since the last flush
	n, err = b.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.count())
}

func TestFailedBatchIsNotRequeued(t *testing.T) {
	t.Parallel()
	b, buf, store, m := newTestBatcher(t, time.Minute)
	store.err = errors.NewStd("connection refused")

	buf.Put(buffer.Sample{Topic: "device/sensors/co", Kind: "co", Value: 1, ObservedAt: time.Now()})
	n, err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, buf.Len())
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.SampleCount("lost")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.FlushCount(metrics.StatusError)), 0)
}

func TestRunFlushesPeriodicallyAndStops(t *testing.T) {
	t.Parallel()
	b, buf, store, _ := newTestBatcher(t, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	buf.Put(buffer.Sample{Topic: "device/sensors/luz", Kind: "luz", Value: 300, ObservedAt: time.Now()})
	require.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
