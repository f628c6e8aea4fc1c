package mediagraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNodeNotFound is returned when no node in a graph carries an alias.
	ErrNodeNotFound = errors.New("node not found")

	// ErrAliasInUse is returned when a graph already owns a node with the
	// same alias.
	ErrAliasInUse = errors.New("alias already in use")

	// ErrGraphClosed is returned for operations on a closed graph.
	ErrGraphClosed = errors.New("graph closed")
)

// busPollInterval bounds each bus wait so detaching is noticed.
const busPollInterval = 50 * time.Millisecond

// GraphStats counts status messages seen by a graph.
type GraphStats struct {
	Messages      uint64
	EOS           uint64
	Errors        uint64
	Warnings      uint64
	Infos         uint64
	StateChanges  uint64
	Other         uint64
	LastError     string
	LastErrorFrom string
}

// Graph owns an engine pipeline and the nodes added to it. Status messages
// are dispatched on the event loop the graph was created with.
type Graph struct {
	name     string
	loop     EventLoop
	pipeline *Handle[Pipeline]

	mu      sync.RWMutex
	nodes   []*Node
	byAlias map[string]*Node
	closed  bool
	onMsg   func(Message)

	state atomic.Int32

	stats   GraphStats
	statsMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGraph creates the composite pipeline and subscribes to its bus. An
// empty name gets a generated one.
func NewGraph(engine Engine, loop EventLoop, name string) (*Graph, error) {
	if engine == nil {
		return nil, ErrEngineUnavailable
	}
	if loop == nil {
		return nil, fmt.Errorf("event loop is required")
	}
	if name == "" {
		name = "graph-" + uuid.NewString()
	}

	p, err := engine.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline %q: %w", name, err)
	}

	g := &Graph{
		name:     name,
		loop:     loop,
		pipeline: NewHandle(p, func(p Pipeline) { p.Unref() }),
		byAlias:  make(map[string]*Node),
	}
	g.state.Store(int32(StateNull))

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go g.pump(ctx, p.Bus())

	g.logger().Info("graph created")
	return g, nil
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

func (g *Graph) logger() *logrus.Entry {
	return log().WithField("graph", g.name)
}

// AddNode moves n into the graph. The caller's node is left uninitialised;
// the returned node, also reachable through Node(alias), is the graph's.
func (g *Graph) AddNode(n *Node) (*Node, error) {
	if n == nil || !n.IsInitialised() {
		return nil, ErrUninitialised
	}
	if n.Ownership() == OwnershipShared {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyOwned, n.Alias())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGraphClosed
	}
	alias := n.Alias()
	if _, dup := g.byAlias[alias]; dup {
		return nil, fmt.Errorf("%w: %q", ErrAliasInUse, alias)
	}
	p, ok := g.pipeline.Get()
	if !ok {
		return nil, ErrGraphClosed
	}
	if err := n.share(); err != nil {
		return nil, err
	}
	if err := p.Add(n.Element()); err != nil {
		n.unshare()
		return nil, fmt.Errorf("failed to add %q: %w", alias, err)
	}

	owned := &Node{handle: emptyHandle[Element]()}
	owned.relocate(n)
	g.nodes = append(g.nodes, owned)
	g.byAlias[alias] = owned

	g.logger().WithFields(logrus.Fields{"alias": alias, "kind": owned.Kind()}).Debug("node added")
	return owned, nil
}

// AddNodes adds nodes in order, stopping at the first failure.
func (g *Graph) AddNodes(nodes ...*Node) ([]*Node, error) {
	owned := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		o, err := g.AddNode(n)
		if err != nil {
			return owned, err
		}
		owned = append(owned, o)
	}
	return owned, nil
}

// Node returns the owned node carrying alias.
func (g *Graph) Node(alias string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q in graph %q", ErrNodeNotFound, alias, g.name)
	}
	return n, nil
}

// MustNode is Node for callers that treat a missing alias as a programming
// error. It panics when the alias is unknown.
func (g *Graph) MustNode(alias string) *Node {
	n, err := g.Node(alias)
	if err != nil {
		panic(err)
	}
	return n
}

// Nodes returns the owned nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// LinkAliases links the named nodes in order.
func (g *Graph) LinkAliases(aliases ...string) (bool, error) {
	if len(aliases) == 0 {
		return true, nil
	}
	chain := make([]*Node, 0, len(aliases))
	for _, a := range aliases {
		n, err := g.Node(a)
		if err != nil {
			return false, err
		}
		chain = append(chain, n)
	}
	return chain[0].LinkChain(chain[1:]...), nil
}

// Play requests the playing state. The transition is observed through bus
// messages, not confirmed here.
func (g *Graph) Play() error {
	return g.setState(StatePlaying)
}

// Stop requests the null state.
func (g *Graph) Stop() error {
	return g.setState(StateNull)
}

func (g *Graph) setState(s State) error {
	p, ok := g.pipeline.Get()
	if !ok {
		return ErrGraphClosed
	}
	if err := p.SetState(s); err != nil {
		g.logger().WithField("state", s.String()).WithError(err).Error("state change refused")
		return fmt.Errorf("failed to set %s: %w", s, err)
	}
	g.state.Store(int32(s))
	g.logger().WithField("state", s.String()).Info("state requested")
	return nil
}

// State returns the last requested state. EOS and errors reset it to null.
func (g *Graph) State() State {
	return State(g.state.Load())
}

// OnMessage sets a hook called on the event loop after each dispatched
// message.
func (g *Graph) OnMessage(fn func(Message)) {
	g.mu.Lock()
	g.onMsg = fn
	g.mu.Unlock()
}

// Stats returns message statistics.
func (g *Graph) Stats() GraphStats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.stats
}

func (g *Graph) pump(ctx context.Context, bus Bus) {
	defer g.wg.Done()

	for ctx.Err() == nil {
		msg, ok := bus.Pop(busPollInterval)
		if !ok {
			continue
		}
		if !g.loop.Post(func() { g.dispatch(msg) }) {
			g.logger().WithField("message", msg.Type.String()).Debug("event loop gone, message dropped")
		}
	}
}

// dispatch handles one bus message on the event loop. It only logs,
// updates counters and asks the loop to quit; it never blocks.
func (g *Graph) dispatch(msg Message) {
	g.record(msg)

	entry := g.logger().WithField("source", msg.Source)
	switch msg.Type {
	case MessageEOS:
		entry.Info("end of stream")
		g.state.Store(int32(StateNull))
		g.loop.Quit()
	case MessageError:
		entry.WithField("debug", msg.Debug).Error(msg.Text)
		g.state.Store(int32(StateNull))
		g.loop.Quit()
	case MessageInfo:
		entry.WithField("debug", msg.Debug).Info(msg.Text)
	case MessageWarning:
		entry.WithField("debug", msg.Debug).Warn(msg.Text)
	case MessageStateChanged:
		entry.WithFields(logrus.Fields{"old": msg.OldState, "new": msg.NewState}).Debug("state changed")
	default:
		entry.WithField("message", msg.Type.String()).Debug("message ignored")
	}

	g.mu.RLock()
	hook := g.onMsg
	g.mu.RUnlock()
	if hook != nil {
		hook(msg)
	}
}

func (g *Graph) record(msg Message) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	g.stats.Messages++
	switch msg.Type {
	case MessageEOS:
		g.stats.EOS++
	case MessageError:
		g.stats.Errors++
		g.stats.LastError = msg.Text
		g.stats.LastErrorFrom = msg.Source
	case MessageWarning:
		g.stats.Warnings++
	case MessageInfo:
		g.stats.Infos++
	case MessageStateChanged:
		g.stats.StateChanges++
	default:
		g.stats.Other++
	}
}

// Close forces the pipeline to null, detaches the bus, closes the owned
// nodes in insertion order and releases the pipeline. Idempotent.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	nodes := g.nodes
	g.nodes, g.byAlias = nil, map[string]*Node{}
	g.mu.Unlock()

	var result *multierror.Error
	if p, ok := g.pipeline.Get(); ok {
		if err := p.SetState(StateNull); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop pipeline: %w", err))
		}
	}
	g.state.Store(int32(StateNull))

	g.cancel()
	g.wg.Wait()

	for _, n := range nodes {
		n.Close()
	}
	g.pipeline.Release()

	g.logger().WithField("nodes", len(nodes)).Info("graph closed")
	return result.ErrorOrNil()
}
