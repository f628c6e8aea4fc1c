package mediagraph

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// LinkResult is the outcome of one dynamic link attempt.
type LinkResult uint8

const (
	LinkLinked        LinkResult = iota // The new pad was connected
	LinkAlreadyLinked                   // The consumer input was taken; ignored
	LinkFailed                          // The engine refused the connection
)

func (r LinkResult) String() string {
	switch r {
	case LinkLinked:
		return "linked"
	case LinkAlreadyLinked:
		return "already-linked"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LinkEvent describes one pad appearance handled by a dynamic link.
type LinkEvent struct {
	Producer string
	Consumer string
	Pad      string
	Caps     Caps
	Result   LinkResult
	Err      error
}

// LinkObserver observes dynamic link attempts. It is called on the
// engine's streaming thread.
type LinkObserver interface {
	OnDynamicLink(ev LinkEvent)
}

// LinkObserverFunc adapts a function to LinkObserver.
type LinkObserverFunc func(ev LinkEvent)

// OnDynamicLink implements LinkObserver.
func (f LinkObserverFunc) OnDynamicLink(ev LinkEvent) { f(ev) }

// Link connects n's output to dst's input. Fixed nodes are connected now;
// dynamic nodes get an observer that connects every pad they later add.
// A refused link is logged and reported as false.
func (n *Node) Link(dst *Node) bool {
	return n.LinkNotify(dst, nil)
}

// LinkNotify is Link with an observer for dynamic link attempts. notify is
// ignored for fixed nodes.
func (n *Node) LinkNotify(dst *Node, notify LinkObserver) bool {
	if dst == nil {
		n.logger().Error("link target is nil")
		return false
	}
	src, ok := n.element()
	if !ok {
		n.logger().WithField("target", dst.Alias()).Error("cannot link uninitialised element")
		return false
	}
	sink, ok := dst.element()
	if !ok {
		n.logger().WithField("target", dst.Alias()).Error("cannot link to uninitialised element")
		return false
	}

	entry := n.logger().WithField("target", dst.Alias())
	if n.Topology() == TopologyDynamic {
		if err := n.installLinkObserver(sink, dst.Alias(), notify); err != nil {
			entry.WithError(err).Error("dynamic linkage not installed")
			return false
		}
		entry.Info("linkage would be dynamically handled")
		return true
	}

	if err := src.Link(sink); err != nil {
		entry.WithError(err).Error("linkage of elements unsuccessful")
		return false
	}
	entry.Debug("elements linked")
	return true
}

// LinkChain links n to chain[0], chain[0] to chain[1] and so on. It stops
// at the first refused link. An empty chain links nothing and succeeds.
func (n *Node) LinkChain(chain ...*Node) bool {
	prev := n
	for _, next := range chain {
		if next == nil {
			prev.logger().Error("failed linkage in chain: nil node")
			return false
		}
		if !prev.Link(next) {
			log().WithFields(logrus.Fields{
				"alias":  prev.Alias(),
				"target": next.Alias(),
			}).Error("failed linkage in chain")
			return false
		}
		prev = next
	}
	return true
}

func (n *Node) installLinkObserver(consumer Element, consumerAlias string, notify LinkObserver) error {
	el, ok := n.element()
	if !ok {
		return ErrUninitialised
	}

	consumer.Ref()
	o := &observer{
		kind:          observePads,
		node:          n.Alias(),
		consumer:      consumer,
		consumerAlias: consumerAlias,
		notify:        notify,
		source:        el,
	}
	id := callbacks.add(o)
	sig, err := el.ConnectPadAdded(func(p Pad) {
		callbacks.dispatch(id, func(o *observer) { o.linkDynamicPad(p) })
	})
	if err != nil {
		o.teardown()
		return err
	}
	o.mu.Lock()
	o.signal = sig
	o.mu.Unlock()

	n.mu.Lock()
	n.linkObs = append(n.linkObs, o)
	n.mu.Unlock()
	return nil
}

// linkDynamicPad connects a newly added producer pad to the consumer's
// input pad unless that input is already connected. Runs under the
// observer's read lock.
func (o *observer) linkDynamicPad(p Pad) {
	ev := LinkEvent{
		Producer: o.node,
		Consumer: o.consumerAlias,
		Pad:      p.Name(),
		Caps:     p.Caps(),
	}
	entry := log().WithFields(logrus.Fields{
		"alias":  o.node,
		"target": o.consumerAlias,
		"pad":    ev.Pad,
	})

	sinkPad, err := o.consumer.StaticPad("sink")
	if err != nil {
		ev.Result, ev.Err = LinkFailed, fmt.Errorf("%w: %v", ErrNoInputPad, err)
		entry.WithError(ev.Err).Error("failed to link dynamic pad")
		o.report(ev)
		return
	}
	defer sinkPad.Release()

	if sinkPad.IsLinked() {
		ev.Result = LinkAlreadyLinked
		entry.Info("sink pad is already linked, ignoring")
		o.report(ev)
		return
	}

	if err := p.Link(sinkPad); err != nil {
		if !errors.Is(err, ErrLinkRefused) {
			err = fmt.Errorf("%w: %v", ErrLinkRefused, err)
		}
		ev.Result, ev.Err = LinkFailed, err
		entry.WithError(err).Error("failed to link dynamic pad")
		o.report(ev)
		return
	}
	ev.Result = LinkLinked
	entry.Info("successfully linked dynamic pad")
	o.report(ev)
}

func (o *observer) report(ev LinkEvent) {
	if o.notify != nil {
		o.notify.OnDynamicLink(ev)
	}
}
