// Package testutil provides shared test helpers for roverbridge packages.
package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rovernet/roverbridge/internal/logger"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// Logger returns a logger that drops everything below error level
func Logger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// WaitForChannel waits for a signal on the channel or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
		// Success
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// ReceiveWithin returns the next value from ch or fails after timeout.
// A closed channel yields the zero value and false.
func ReceiveWithin[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) (T, bool) {
	t.Helper()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(timeout):
		require.Fail(t, msg)
		var zero T
		return zero, false
	}
}
