package mediagraph

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUninitialised is returned for operations on a node whose resource
	// could not be created or has been moved away.
	ErrUninitialised = errors.New("node not initialised")

	// ErrNoInputPad is returned when a node has no "sink" pad.
	ErrNoInputPad = errors.New("node has no input pad")
)

// Topology classifies how a node's output pads come into existence.
type Topology uint8

const (
	TopologyUndefined Topology = iota // No resource
	TopologyFixed                     // Outputs exist from construction
	TopologyDynamic                   // Outputs appear at run time
)

func (t Topology) String() string {
	switch t {
	case TopologyFixed:
		return "fixed"
	case TopologyDynamic:
		return "dynamic"
	default:
		return "undefined"
	}
}

// CapsObserver is called with the newly negotiated format of a node's
// input pad.
type CapsObserver func(caps Caps)

// Node wraps one engine element. Nodes must not be copied; ownership moves
// with Move or MoveFrom, which rebind every registered observer to the
// destination.
type Node struct {
	mu        sync.Mutex
	installMu sync.Mutex // serialises first-time observer installation
	kind     string
	alias    string
	handle   *Handle[Element]
	topology Topology

	capsObs *observer
	linkObs []*observer
	sink    *sinkState
}

func releaseElement(e Element) { e.Unref() }

// NewNode instantiates kind under alias. Creation failure is not an error:
// the returned node reports IsInitialised() == false and every other
// operation on it is a logged no-op.
func NewNode(engine Engine, kind, alias string) *Node {
	n := &Node{kind: kind, alias: alias, handle: emptyHandle[Element]()}
	entry := log().WithFields(logrus.Fields{"kind": kind, "alias": alias})

	if engine == nil {
		entry.Error("element was not created: no engine")
		return n
	}
	el, err := engine.MakeElement(kind, alias)
	if err != nil || el == nil {
		entry.WithError(err).Error("element was not created")
		return n
	}

	n.handle = NewHandle(el, releaseElement)
	n.topology = classifyTopology(el.PadTemplates())
	entry.WithField("topology", n.topology.String()).Info("element created")
	return n
}

// classifyTopology inspects output templates once: any "sometimes" output
// makes the element dynamic.
func classifyTopology(templates []PadTemplate) Topology {
	for _, t := range templates {
		if t.Direction == PadSrc && t.Presence == PadSometimes {
			return TopologyDynamic
		}
	}
	return TopologyFixed
}

// Kind returns the element kind the node was created from.
func (n *Node) Kind() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.kind
}

// Alias returns the caller-chosen label.
func (n *Node) Alias() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alias
}

// Topology returns the classification computed at construction.
func (n *Node) Topology() Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topology
}

// IsInitialised reports whether the node holds a resource.
func (n *Node) IsInitialised() bool {
	_, ok := n.element()
	return ok
}

// Ownership reports whether the node's resource is shared with a graph.
func (n *Node) Ownership() Ownership {
	n.mu.Lock()
	h := n.handle
	n.mu.Unlock()
	if h == nil {
		return OwnershipExclusive
	}
	return h.Ownership()
}

func (n *Node) share() error {
	n.mu.Lock()
	h := n.handle
	n.mu.Unlock()
	if h == nil {
		return ErrUninitialised
	}
	return h.Share()
}

func (n *Node) unshare() {
	n.mu.Lock()
	h := n.handle
	n.mu.Unlock()
	if h != nil {
		h.unshare()
	}
}

// Element exposes the wrapped engine element, nil when uninitialised.
func (n *Node) Element() Element {
	el, _ := n.element()
	return el
}

func (n *Node) element() (Element, bool) {
	n.mu.Lock()
	h := n.handle
	n.mu.Unlock()
	if h == nil {
		return nil, false
	}
	return h.Get()
}

func (n *Node) logger() *logrus.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return log().WithFields(logrus.Fields{"kind": n.kind, "alias": n.alias})
}

// SetProperty configures the wrapped element. Failures are logged.
func (n *Node) SetProperty(name string, value any) {
	el, ok := n.element()
	if !ok {
		n.logger().WithField("property", name).Warn("set property on uninitialised element")
		return
	}
	if err := el.SetProperty(name, formatValue(value)); err != nil {
		n.logger().WithField("property", name).WithError(err).Error("set property failed")
	}
}

// Property reads a property of the wrapped element.
func (n *Node) Property(name string) (string, bool) {
	el, ok := n.element()
	if !ok {
		n.logger().WithField("property", name).Warn("get property on uninitialised element")
		return "", false
	}
	v, err := el.Property(name)
	if err != nil {
		n.logger().WithField("property", name).WithError(err).Error("get property failed")
		return "", false
	}
	return v, true
}

// BoolProperty reads a boolean property.
func (n *Node) BoolProperty(name string) bool {
	v, ok := n.Property(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// SetChildProperty sets a property on a child object, addressed as
// "child::property".
func (n *Node) SetChildProperty(path string, value any) {
	el, ok := n.element()
	if !ok {
		n.logger().WithField("property", path).Warn("set child property on uninitialised element")
		return
	}
	if err := el.SetChildProperty(path, formatValue(value)); err != nil {
		n.logger().WithField("property", path).WithError(err).Error("set child property failed")
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// RegisterCapsObserver installs cb for format changes on the node's input
// pad. Registering again replaces the callback and keeps the single hook.
func (n *Node) RegisterCapsObserver(cb CapsObserver) {
	n.installMu.Lock()
	defer n.installMu.Unlock()

	n.mu.Lock()
	if o := n.capsObs; o != nil {
		n.mu.Unlock()
		o.mu.Lock()
		o.caps = cb
		o.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.installCapsObserver(cb); err != nil {
		n.logger().WithError(err).Warn("caps observer not installed")
	}
}

func (n *Node) installCapsObserver(cb CapsObserver) error {
	el, ok := n.element()
	if !ok {
		return ErrUninitialised
	}
	pad, err := el.StaticPad("sink")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoInputPad, err)
	}

	o := &observer{kind: observeCaps, node: n.Alias(), caps: cb, pad: pad, source: pad}
	id := callbacks.add(o)
	sig, err := pad.ConnectCapsChanged(func(c Caps) {
		callbacks.dispatch(id, func(o *observer) {
			if o.caps != nil {
				o.caps(c)
			}
		})
	})
	if err != nil {
		o.teardown()
		return err
	}
	o.mu.Lock()
	o.signal = sig
	o.mu.Unlock()

	n.mu.Lock()
	n.capsObs = o
	n.mu.Unlock()
	return nil
}

// Move transfers the node into a new value and leaves n uninitialised.
// A node owned by a graph stays where the graph can address it: Move logs
// and returns n itself.
func (n *Node) Move() *Node {
	if n.Ownership() == OwnershipShared {
		n.logger().Warn("graph-owned node cannot be moved")
		return n
	}
	dst := &Node{handle: emptyHandle[Element]()}
	dst.relocate(n)
	return dst
}

// MoveFrom releases what n holds and takes over src. Observers registered
// on src are torn down before they are reinstalled on n with the same
// callbacks and link targets. A graph-owned src is left untouched, and so
// is n.
func (n *Node) MoveFrom(src *Node) {
	if src == nil || src == n {
		return
	}
	if src.Ownership() == OwnershipShared {
		src.logger().Warn("graph-owned node cannot be moved")
		return
	}
	n.relocate(src)
}

func (n *Node) relocate(src *Node) {
	n.Close()

	src.mu.Lock()
	kind, alias, topology := src.kind, src.alias, src.topology
	handle, sink := src.handle, src.sink
	capsObs, linkObs := src.capsObs, src.linkObs
	src.handle = emptyHandle[Element]()
	src.topology = TopologyUndefined
	src.sink = nil
	src.capsObs, src.linkObs = nil, nil
	src.mu.Unlock()

	var capsCB CapsObserver
	if capsObs != nil {
		capsObs.mu.RLock()
		capsCB = capsObs.caps
		capsObs.mu.RUnlock()
	}
	type pending struct {
		consumer Element
		alias    string
		notify   LinkObserver
	}
	var links []pending
	for _, o := range linkObs {
		o.mu.RLock()
		if o.consumer != nil {
			// Keep the target alive across the teardown below.
			o.consumer.Ref()
			links = append(links, pending{o.consumer, o.consumerAlias, o.notify})
		}
		o.mu.RUnlock()
	}

	if capsObs != nil {
		capsObs.teardown()
	}
	for _, o := range linkObs {
		o.teardown()
	}
	var pushObs *observer
	if sink != nil {
		pushObs = sink.detachPush()
	}
	if pushObs != nil {
		pushObs.teardown()
	}

	var res Element
	var own Ownership
	var valid bool
	if handle != nil {
		res, own, valid = handle.Disclaim()
	}

	n.mu.Lock()
	n.kind, n.alias, n.topology = kind, alias, topology
	n.handle = adopt(res, own, valid, releaseElement)
	n.sink = sink
	n.mu.Unlock()

	if capsObs != nil {
		if err := n.installCapsObserver(capsCB); err != nil {
			n.logger().WithError(err).Error("caps observer lost on move")
		}
	}
	for _, l := range links {
		if err := n.installLinkObserver(l.consumer, l.alias, l.notify); err != nil {
			n.logger().WithError(err).Error("dynamic link observer lost on move")
		}
		l.consumer.Unref()
	}
	if pushObs != nil {
		if err := n.installSampleObserver(); err != nil {
			n.logger().WithError(err).Error("sample observer lost on move")
		}
	}
}

// Close stops sample delivery, removes every observer and releases the
// resource unless a graph owns it. Close is idempotent.
func (n *Node) Close() {
	n.mu.Lock()
	capsObs, linkObs, sink, h := n.capsObs, n.linkObs, n.sink, n.handle
	n.capsObs, n.linkObs, n.sink = nil, nil, nil
	n.handle = emptyHandle[Element]()
	n.topology = TopologyUndefined
	n.mu.Unlock()

	if sink != nil {
		sink.stopPull()
		if o := sink.detachPush(); o != nil {
			o.teardown()
		}
	}
	if capsObs != nil {
		capsObs.teardown()
	}
	for _, o := range linkObs {
		o.teardown()
	}
	if h != nil {
		h.Release()
	}
}
