package mediagraph

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkerState represents the state of a Worker.
type WorkerState int32

const (
	WorkerIdle    WorkerState = iota // Never started
	WorkerRunning                    // Loop executing
	WorkerStopped                    // Stopped and joined
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker is a dedicated goroutine with cooperative stop and join.
type Worker struct {
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start runs fn on a new goroutine. A running worker is stopped and joined
// first. fn must return once ctx is cancelled.
func (w *Worker) Start(fn func(ctx context.Context)) {
	w.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.state.Store(int32(WorkerRunning))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(ctx)
	}()
}

// Stop requests the loop to end and waits for it. Safe to call repeatedly
// and on a worker that never started.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if WorkerState(w.state.Load()) != WorkerRunning {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.cancel = nil
	w.state.Store(int32(WorkerStopped))
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Running reports whether the loop is executing.
func (w *Worker) Running() bool {
	return w.State() == WorkerRunning
}
