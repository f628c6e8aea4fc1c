package mediagraph

import (
	"errors"
	"sync"
)

// ErrAlreadyOwned is returned when a handle already shares its resource
// with a graph.
var ErrAlreadyOwned = errors.New("resource already owned by a graph")

// Ownership is the ownership state of a Handle.
type Ownership uint8

const (
	// OwnershipExclusive means the handle holds the only claim on the
	// resource and releases it.
	OwnershipExclusive Ownership = iota
	// OwnershipShared means a graph's composite resource holds the resource;
	// releasing the handle leaves the resource alone.
	OwnershipShared
)

func (o Ownership) String() string {
	switch o {
	case OwnershipExclusive:
		return "exclusive"
	case OwnershipShared:
		return "shared-with-graph"
	default:
		return "unknown"
	}
}

// Handle owns one externally allocated resource. The release routine runs
// at most once and only while the handle is exclusive. An empty handle
// releases nothing.
type Handle[T any] struct {
	mu      sync.Mutex
	res     T
	valid   bool
	own     Ownership
	release func(T)
}

// NewHandle wraps res. release is the kind-specific release routine.
func NewHandle[T any](res T, release func(T)) *Handle[T] {
	return &Handle[T]{res: res, valid: true, release: release}
}

// emptyHandle returns a handle that owns nothing.
func emptyHandle[T any]() *Handle[T] {
	return &Handle[T]{}
}

// Get returns the resource and whether the handle holds one.
func (h *Handle[T]) Get() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, h.valid
}

// Empty reports whether the handle holds no resource.
func (h *Handle[T]) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.valid
}

// Ownership returns the current ownership state.
func (h *Handle[T]) Ownership() Ownership {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.own
}

// Share transitions the handle from exclusive to shared. It happens exactly
// once; a second call fails with ErrAlreadyOwned.
func (h *Handle[T]) Share() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.valid {
		return ErrUninitialised
	}
	if h.own == OwnershipShared {
		return ErrAlreadyOwned
	}
	h.own = OwnershipShared
	return nil
}

// unshare reverts Share when the graph could not take the resource.
func (h *Handle[T]) unshare() {
	h.mu.Lock()
	if h.valid {
		h.own = OwnershipExclusive
	}
	h.mu.Unlock()
}

// Release drops the handle's claim. Exclusive handles run the release
// routine; shared handles only forget the resource.
func (h *Handle[T]) Release() {
	h.mu.Lock()
	res, valid, own, release := h.res, h.valid, h.own, h.release
	var zero T
	h.res, h.valid = zero, false
	h.mu.Unlock()

	if !valid || own != OwnershipExclusive || release == nil {
		return
	}
	release(res)
}

// Disclaim empties the handle without releasing and returns what it held,
// together with its ownership state. Used to transfer the resource.
func (h *Handle[T]) Disclaim() (T, Ownership, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, valid, own := h.res, h.valid, h.own
	var zero T
	h.res, h.valid, h.own = zero, false, OwnershipExclusive
	return res, own, valid
}

// adopt builds a handle that takes over a disclaimed resource.
func adopt[T any](res T, own Ownership, valid bool, release func(T)) *Handle[T] {
	if !valid {
		return emptyHandle[T]()
	}
	return &Handle[T]{res: res, valid: true, own: own, release: release}
}
