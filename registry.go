package mediagraph

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type observerKind uint8

const (
	observeCaps observerKind = iota
	observePads
	observeSamples
)

func (k observerKind) String() string {
	switch k {
	case observeCaps:
		return "caps"
	case observePads:
		return "pad-added"
	case observeSamples:
		return "new-sample"
	default:
		return "unknown"
	}
}

// observer is one registered callback, stored as data. Engine-side handlers
// only capture the observer id; the node, callback and link target are
// looked up at dispatch time.
type observer struct {
	id   uint64
	kind observerKind
	node string // alias of the owning node, for logs

	mu     sync.RWMutex // read-held while dispatching
	closed bool

	caps CapsObserver

	consumer      Element
	consumerAlias string
	notify        LinkObserver

	sink *sinkState

	source interface{ Disconnect(SignalID) }
	signal SignalID
	pad    Pad // caps observation holds the pad it watches
}

// callbackRegistry maps observer ids to observers.
type callbackRegistry struct {
	mu      sync.RWMutex
	next    uint64
	entries map[uint64]*observer
}

var callbacks = &callbackRegistry{entries: make(map[uint64]*observer)}

func (r *callbackRegistry) add(o *observer) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	o.id = r.next
	r.entries[o.id] = o
	return o.id
}

func (r *callbackRegistry) lookup(id uint64) *observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *callbackRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *callbackRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// dispatch runs fn for a live observer. It never runs after teardown of
// that observer has returned.
func (r *callbackRegistry) dispatch(id uint64, fn func(o *observer)) {
	o := r.lookup(id)
	if o == nil {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	fn(o)
}

// teardown disconnects the engine-side handler and forgets the observer.
// Waits for an in-flight dispatch to finish, so a callback must not tear
// down its own observer.
func (o *observer) teardown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	if o.source != nil && o.signal != 0 {
		o.source.Disconnect(o.signal)
	}
	if o.pad != nil {
		o.pad.Release()
		o.pad = nil
	}
	if o.consumer != nil {
		o.consumer.Unref()
		o.consumer = nil
	}
	callbacks.remove(o.id)

	log().WithFields(logrus.Fields{
		"alias":    o.node,
		"observer": o.kind.String(),
	}).Debug("observer removed")
}
