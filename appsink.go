package mediagraph

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrNotAppSink is returned for sample operations on a node that does not
	// hand samples to the application.
	ErrNotAppSink = errors.New("node is not an application sink")

	// ErrPullActive is returned when pull mode is already running.
	ErrPullActive = errors.New("pull mode already active")
)

// SampleCallback receives completed samples. In pull mode the final call
// carries a nil sample, signalling shutdown.
type SampleCallback func(s *Sample)

// DeliveryMode selects how an application sink delivers samples.
type DeliveryMode uint8

const (
	DeliveryPush DeliveryMode = iota // Engine signal per sample
	DeliveryPull                     // Dedicated worker blocking on the sink
)

func (m DeliveryMode) String() string {
	if m == DeliveryPull {
		return "pull"
	}
	return "push"
}

// pullTimeout bounds each blocking fetch so a stop request is noticed.
const pullTimeout = 100 * time.Millisecond

// sinkState travels with its node across moves.
type sinkState struct {
	src SampleSource

	mu       sync.RWMutex
	callback SampleCallback
	mode     DeliveryMode
	push     *observer
	worker   *Worker
}

// NewAppSink creates an application sink node in push mode: each sample is
// delivered on the engine's streaming thread.
func NewAppSink(engine Engine, alias string) *Node {
	n := NewNode(engine, "appsink", alias)
	el, ok := n.element()
	if !ok {
		return n
	}
	src, ok := el.(SampleSource)
	if !ok {
		n.logger().Error("engine appsink does not deliver samples")
		return n
	}

	n.mu.Lock()
	n.sink = &sinkState{src: src}
	n.mu.Unlock()

	n.SetProperty("emit-signals", true)
	if err := n.installSampleObserver(); err != nil {
		n.logger().WithError(err).Error("sample observer not installed")
	}
	return n
}

func (n *Node) appSink() (*sinkState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sink == nil {
		return nil, ErrNotAppSink
	}
	return n.sink, nil
}

// SetSampleCallback sets the callback receiving samples.
func (n *Node) SetSampleCallback(cb SampleCallback) error {
	s, err := n.appSink()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
	return nil
}

// DeliveryMode reports how samples are delivered.
func (n *Node) DeliveryMode() DeliveryMode {
	s, err := n.appSink()
	if err != nil {
		return DeliveryPush
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// StartPull switches the sink to pull mode: push delivery stops and a
// worker loops fetching samples and handing them to the callback.
func (n *Node) StartPull() error {
	s, err := n.appSink()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.worker != nil && s.worker.Running() {
		s.mu.Unlock()
		return ErrPullActive
	}
	push := s.push
	s.push = nil
	s.mode = DeliveryPull
	if s.worker == nil {
		s.worker = &Worker{}
	}
	w := s.worker
	s.mu.Unlock()

	if push != nil {
		push.teardown()
	}
	n.SetProperty("emit-signals", false)

	w.Start(s.pullLoop)
	n.logger().Info("sample pull mode started")
	return nil
}

// StopPull stops and joins the pull worker. The callback receives a final
// nil sample. Idempotent.
func (n *Node) StopPull() {
	s, err := n.appSink()
	if err != nil {
		return
	}
	s.stopPull()
}

func (s *sinkState) stopPull() {
	s.mu.RLock()
	w := s.worker
	s.mu.RUnlock()
	if w != nil {
		w.Stop()
	}
}

func (s *sinkState) detachPush() *observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.push
	s.push = nil
	return o
}

func (s *sinkState) deliver(sample *Sample) {
	s.mu.RLock()
	cb := s.callback
	s.mu.RUnlock()
	if cb != nil {
		cb(sample)
	}
}

func (s *sinkState) pullLoop(ctx context.Context) {
	defer s.deliver(nil)

	for ctx.Err() == nil {
		sample, err := s.src.TryPullSample(pullTimeout)
		if err != nil {
			// EOF means nothing more until the pipeline restarts.
			if !errors.Is(err, io.EOF) {
				log().WithError(err).Warn("sample pull failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pullTimeout):
			}
			continue
		}
		if sample == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.deliver(sample)
	}
}

func (n *Node) installSampleObserver() error {
	s, err := n.appSink()
	if err != nil {
		return err
	}

	o := &observer{kind: observeSamples, node: n.Alias(), sink: s, source: s.src}
	id := callbacks.add(o)
	sig, err := s.src.ConnectNewSample(func() {
		callbacks.dispatch(id, func(o *observer) { o.deliverPushed() })
	})
	if err != nil {
		o.teardown()
		return err
	}
	o.mu.Lock()
	o.signal = sig
	o.mu.Unlock()

	s.mu.Lock()
	s.push = o
	s.mode = DeliveryPush
	s.mu.Unlock()
	return nil
}

// deliverPushed fetches the sample announced by the engine and hands it to
// the callback on the delivering thread.
func (o *observer) deliverPushed() {
	sample, err := o.sink.src.TryPullSample(0)
	if err != nil || sample == nil {
		return
	}
	o.sink.deliver(sample)
}
