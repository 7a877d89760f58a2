package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(topic string, v float64) Sample {
	return Sample{Topic: topic, Kind: "k", Unit: "u", Value: v, ObservedAt: time.Unix(int64(v), 0)}
}

func TestPutLastWriteWins(t *testing.T) {
	t.Parallel()

	b := New()
	b.Put(sample("device/sensors/co", 1))
	b.Put(sample("device/sensors/co", 2))

	assert.Equal(t, 1, b.Len())
	got, ok := b.Peek("device/sensors/co")
	require.True(t, ok)
	assert.InDelta(t, 2.0, got.Value, 0)

	drained := b.DrainAll()
	require.Len(t, drained, 1)
	assert.InDelta(t, 2.0, drained[0].Value, 0)
}

func TestDrainAllEmptiesBuffer(t *testing.T) {
	t.Parallel()

	b := New()
	b.Put(sample("a", 1))
	b.Put(sample("b", 2))
	b.Put(sample("a", 3))

	first := b.DrainAll()
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Topic)
	assert.InDelta(t, 3.0, first[0].Value, 0)
	assert.Equal(t, "b", first[1].Topic)

	assert.Empty(t, b.DrainAll())
	assert.Equal(t, 0, b.Len())
	_, ok := b.Peek("a")
	assert.False(t, ok)
}

func TestPeekDoesNotRemove(t *testing.T) {
	t.Parallel()

	b := New()
	_, ok := b.Peek("missing")
	assert.False(t, ok)

	b.Put(sample("x", 5))
	_, ok = b.Peek("x")
	require.True(t, ok)
	assert.Len(t, b.DrainAll(), 1)
}

func TestConcurrentPutAndDrain(t *testing.T) {
	t.Parallel()

	const writers, perWriter = 8, 200
	b := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)

	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				b.Put(sample(fmt.Sprintf("w%d/t%d", w, i%10), float64(i)))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			for _, s := range b.DrainAll() {
				mu.Lock()
				seen[s.Topic] = true
				mu.Unlock()
			}
		}
	}()

	wg.Wait()
	<-done
	for _, s := range b.DrainAll() {
		seen[s.Topic] = true
	}

	assert.Len(t, seen, writers*10)
	assert.Equal(t, 0, b.Len())
}
