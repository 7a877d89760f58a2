package serve

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRotator struct {
	calls atomic.Int32
	err   error
}

func (r *countingRotator) Rotate() error {
	r.calls.Add(1)
	return r.err
}

func runRotation(t *testing.T, r rotator, signals int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rotateOnSignal(ctx, sigs, r, testutil.Logger())
	}()

	for range signals {
		select {
		case sigs <- syscall.SIGHUP:
		case <-time.After(testutil.DefaultTestTimeout):
			t.Fatal("rotation loop not receiving")
		}
	}
	cancel()
	testutil.WaitForChannel(t, done, testutil.DefaultTestTimeout, "rotation loop did not stop")
}

func TestRotateOnSignal(t *testing.T) {
	t.Parallel()

	r := &countingRotator{}
	runRotation(t, r, 3)
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestRotateOnSignalSurvivesFailure(t *testing.T) {
	t.Parallel()

	r := &countingRotator{err: errors.NewStd("permission denied")}
	runRotation(t, r, 2)
	assert.Equal(t, int32(2), r.calls.Load())
}
