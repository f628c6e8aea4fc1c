package mediagraph

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerStartStop(t *testing.T) {
	var w Worker
	assert.Equal(t, WorkerIdle, w.State())
	w.Stop()

	var iterations, exits atomic.Int32
	w.Start(func(ctx context.Context) {
		defer exits.Add(1)
		for ctx.Err() == nil {
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	})
	assert.True(t, w.Running())
	assert.Eventually(t, func() bool { return iterations.Load() > 3 }, time.Second, time.Millisecond)

	w.Stop()
	assert.Equal(t, WorkerStopped, w.State())
	assert.Equal(t, int32(1), exits.Load())

	w.Stop()
	assert.Equal(t, int32(1), exits.Load())
}

func TestWorkerRestartStopsPrevious(t *testing.T) {
	var w Worker
	var running atomic.Int32

	loop := func(ctx context.Context) {
		running.Add(1)
		defer running.Add(-1)
		<-ctx.Done()
	}
	w.Start(loop)
	assert.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, time.Millisecond)
	w.Start(loop)
	assert.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, time.Millisecond)

	w.Stop()
	assert.Equal(t, int32(0), running.Load())
}

func TestWorkerStateString(t *testing.T) {
	assert.Equal(t, "idle", WorkerIdle.String())
	assert.Equal(t, "running", WorkerRunning.String())
	assert.Equal(t, "stopped", WorkerStopped.String())
}
