package mediagraph

import (
	"errors"
	"time"
)

var (
	// ErrEngineUnavailable is returned when a native engine cannot be loaded.
	ErrEngineUnavailable = errors.New("media engine not available")

	// ErrUnknownKind is returned by an engine that has no factory for a kind.
	ErrUnknownKind = errors.New("unknown element kind")

	// ErrNoProperty is returned when a property does not exist on an element.
	ErrNoProperty = errors.New("no such property")

	// ErrNoPad is returned when a named pad does not exist.
	ErrNoPad = errors.New("no such pad")

	// ErrLinkRefused is returned when the engine rejects a connection.
	ErrLinkRefused = errors.New("link refused")
)

// State is a pipeline state. Only the two states this layer requests are
// modeled; the engine may pass through others on the way.
type State int32

const (
	StateNull State = iota
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// PadDirection is the data direction of a pad.
type PadDirection uint8

const (
	PadUnknown PadDirection = iota
	PadSrc
	PadSink
)

// PadPresence tells when a pad described by a template exists.
type PadPresence uint8

const (
	PadAlways    PadPresence = iota // Created with the element
	PadSometimes                    // Appears once data has been inspected
	PadRequest                      // Created on request
)

// PadTemplate describes a pad an element declares it may have.
type PadTemplate struct {
	Name      string
	Direction PadDirection
	Presence  PadPresence
	Caps      Caps
}

// SignalID identifies a connected engine-side handler.
type SignalID uint64

// Object is a reference-counted engine resource.
type Object interface {
	Ref()
	Unref()
	RefCount() int
}

// Element is one engine-side processing unit. Implementations must be safe
// for concurrent use: handlers run on engine streaming threads.
type Element interface {
	Object

	// Kind returns the factory name the element was made from.
	Kind() string
	// Name returns the element instance name.
	Name() string
	PadTemplates() []PadTemplate

	SetProperty(name, value string) error
	Property(name string) (string, error)
	// SetChildProperty sets a property on a child object, addressed as
	// "child::property".
	SetChildProperty(path, value string) error

	// Link connects the element's output to dst's input.
	Link(dst Element) error
	// StaticPad returns an always-present pad. The caller must Release it.
	StaticPad(name string) (Pad, error)

	// ConnectPadAdded installs fn for every pad that appears at run time.
	ConnectPadAdded(fn func(Pad)) (SignalID, error)
	Disconnect(id SignalID)
}

// Pad is a connection point on an element.
type Pad interface {
	Name() string
	// Caps returns the currently negotiated format, empty if none.
	Caps() Caps
	IsLinked() bool
	Link(sink Pad) error

	// ConnectCapsChanged installs fn, called whenever the negotiated format
	// of the pad changes.
	ConnectCapsChanged(fn func(Caps)) (SignalID, error)
	Disconnect(id SignalID)

	// Release drops the caller's reference.
	Release()
}

// Pipeline is the engine's composite element.
type Pipeline interface {
	Element

	// Add transfers e into the pipeline. The pipeline takes over the
	// reference handed out by MakeElement.
	Add(e Element) error
	SetState(s State) error
	Bus() Bus
}

// Bus is the pipeline's status-message channel.
type Bus interface {
	// Pop waits up to timeout for the next message.
	Pop(timeout time.Duration) (Message, bool)
}

// SampleSource is implemented by elements that hand completed samples to
// the application (appsink).
type SampleSource interface {
	Element

	// ConnectNewSample installs fn, called on the streaming thread whenever a
	// sample becomes available.
	ConnectNewSample(fn func()) (SignalID, error)

	// TryPullSample waits up to timeout for a sample. It returns (nil, nil)
	// on timeout and (nil, io.EOF) once the stream ended or the sink was
	// shut down.
	TryPullSample(timeout time.Duration) (*Sample, error)
}

// Engine creates engine resources.
type Engine interface {
	Name() string

	// HasKind reports whether kind can be instantiated.
	HasKind(kind string) bool

	// MakeElement instantiates kind under alias.
	MakeElement(kind, alias string) (Element, error)

	NewPipeline(name string) (Pipeline, error)
}

// Sample is one completed unit of work copied out of the engine.
type Sample struct {
	Caps     Caps
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
}
