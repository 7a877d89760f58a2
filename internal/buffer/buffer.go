// Package buffer holds the latest observed value per telemetry topic
// until the next persistence flush.
package buffer

import (
	"sync"
	"time"
)

// Sample is the latest observation for one topic
type Sample struct {
	Topic      string
	Kind       string
	Unit       string
	Value      float64
	Text       string // raw payload of textual topics
	ObservedAt time.Time
}

// Buffer is a last-write-wins map from topic to Sample. All methods are
// safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	samples map[string]Sample
	order   []string // topics in first-write order since the last drain
}

// New returns an empty buffer
func New() *Buffer {
	return &Buffer{samples: make(map[string]Sample)}
}

// Put stores s, replacing any earlier sample for the same topic
func (b *Buffer) Put(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.samples[s.Topic]; !exists {
		b.order = append(b.order, s.Topic)
	}
	b.samples[s.Topic] = s
}

// Peek returns the buffered sample for topic without removing it
func (b *Buffer) Peek(topic string) (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.samples[topic]
	return s, ok
}

// DrainAll returns every buffered sample in first-write order and empties
// the buffer. A second call without intervening writes returns nil.
func (b *Buffer) DrainAll() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 {
		return nil
	}

	out := make([]Sample, 0, len(b.order))
	for _, topic := range b.order {
		out = append(out, b.samples[topic])
	}
	b.samples = make(map[string]Sample, len(out))
	b.order = nil
	return out
}

// Len returns the number of buffered topics
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
