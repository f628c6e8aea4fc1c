package mediagraph

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeTopology(t *testing.T) {
	engine := NewSimEngine()
	tests := []struct {
		kind string
		want Topology
	}{
		{"videotestsrc", TopologyFixed},
		{"videoconvert", TopologyFixed},
		{"decodebin", TopologyDynamic},
		{"qtdemux", TopologyDynamic},
		{"fakesink", TopologyFixed},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			n := NewNode(engine, tt.kind, "n")
			defer n.Close()
			require.True(t, n.IsInitialised())
			assert.Equal(t, tt.want, n.Topology())
			assert.Equal(t, tt.kind, n.Kind())
			assert.Equal(t, "n", n.Alias())
			assert.Equal(t, OwnershipExclusive, n.Ownership())
		})
	}
	assert.Equal(t, 0, engine.Live())
}

func TestNewNodeUnknownKind(t *testing.T) {
	logHook.Reset()
	engine := NewSimEngine()
	n := NewNode(engine, "no-such-element", "ghost")

	assert.False(t, n.IsInitialised())
	assert.Equal(t, TopologyUndefined, n.Topology())
	assert.Nil(t, n.Element())
	assert.True(t, loggedAt(logrus.ErrorLevel, "element was not created"))

	// Every operation degrades to a logged no-op.
	n.SetProperty("num-buffers", 1)
	_, ok := n.Property("num-buffers")
	assert.False(t, ok)
	n.RegisterCapsObserver(func(Caps) {})

	other := NewNode(engine, "fakesink", "sink")
	defer other.Close()
	assert.False(t, n.Link(other))
	assert.False(t, other.Link(n))
	n.Close()

	assert.False(t, NewNode(nil, "fakesink", "x").IsInitialised())
}

func TestNodeProperties(t *testing.T) {
	engine := NewSimEngine()
	n := NewNode(engine, "videotestsrc", "src")
	defer n.Close()

	n.SetProperty("num-buffers", 5)
	v, ok := n.Property("num-buffers")
	require.True(t, ok)
	assert.Equal(t, "5", v)

	assert.False(t, n.BoolProperty("is-live"))
	n.SetProperty("is-live", true)
	assert.True(t, n.BoolProperty("is-live"))

	logHook.Reset()
	n.SetProperty("no-such-property", "x")
	assert.True(t, loggedAt(logrus.ErrorLevel, "set property failed"))
	_, ok = n.Property("no-such-property")
	assert.False(t, ok)
}

func TestNodeChildProperty(t *testing.T) {
	engine := NewSimEngine()
	engine.RegisterKind("webrtcsink", SimKind{
		Role:      simSink,
		Templates: []PadTemplate{sinkTemplate(CapsAny)},
		Props:     map[string]string{"congestion-control": "1"},
		Children:  map[string][]string{"signaller": {"uri"}},
	})
	n := NewNode(engine, "webrtcsink", "sink")
	defer n.Close()

	n.SetChildProperty("signaller::uri", "ws://127.0.0.1:8443")
	el := simElementOf(t, n)
	el.mu.Lock()
	assert.Equal(t, "ws://127.0.0.1:8443", el.children["signaller"]["uri"])
	el.mu.Unlock()

	logHook.Reset()
	n.SetChildProperty("signaller::nope", 1)
	assert.True(t, loggedAt(logrus.ErrorLevel, "set child property failed"))
}

func TestNodeMove(t *testing.T) {
	engine := NewSimEngine()
	src := NewNode(engine, "decodebin", "dec")
	el := src.Element()

	dst := src.Move()
	assert.False(t, src.IsInitialised())
	assert.Equal(t, TopologyUndefined, src.Topology())
	assert.Same(t, el, dst.Element())
	assert.Equal(t, "dec", dst.Alias())
	assert.Equal(t, "decodebin", dst.Kind())
	assert.Equal(t, TopologyDynamic, dst.Topology())
	assert.Equal(t, 1, simElementOf(t, dst).RefCount())

	// MoveFrom releases what the destination held.
	other := NewNode(engine, "fakesink", "sink")
	other.MoveFrom(dst)
	assert.False(t, dst.IsInitialised())
	assert.Equal(t, "dec", other.Alias())
	assert.Equal(t, 1, engine.Live())

	other.Close()
	other.Close()
	assert.Equal(t, 0, engine.Live())
}

func TestCapsObserverFollowsMove(t *testing.T) {
	engine := NewSimEngine()
	before := callbacks.len()
	n := NewNode(engine, "videoconvert", "convert")

	var calls atomic.Int32
	var last atomic.Value
	n.RegisterCapsObserver(func(c Caps) {
		calls.Add(1)
		last.Store(c)
	})
	pad := simPadOf(t, n, "sink")
	assert.Equal(t, 1, pad.CapsHandlers())

	moved := n.Move()
	assert.Equal(t, 1, pad.CapsHandlers())
	assert.Equal(t, before+1, callbacks.len())

	require.NoError(t, engine.PushCaps(moved.Element(), "sink", simVideoCaps))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, simVideoCaps, last.Load())

	// Same caps again is not a change.
	require.NoError(t, engine.PushCaps(moved.Element(), "sink", simVideoCaps))
	assert.Equal(t, int32(1), calls.Load())

	moved.Close()
	assert.Equal(t, 0, pad.CapsHandlers())
	assert.Equal(t, before, callbacks.len())
	assert.Equal(t, 0, engine.Live())
}

func TestRegisterCapsObserverReplaces(t *testing.T) {
	engine := NewSimEngine()
	n := NewNode(engine, "fakesink", "sink")
	defer n.Close()

	var first, second atomic.Int32
	n.RegisterCapsObserver(func(Caps) { first.Add(1) })
	n.RegisterCapsObserver(func(Caps) { second.Add(1) })
	assert.Equal(t, 1, simPadOf(t, n, "sink").CapsHandlers())

	require.NoError(t, engine.PushCaps(n.Element(), "sink", simAudioCaps))
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestCapsObserverWithoutInputPad(t *testing.T) {
	logHook.Reset()
	engine := NewSimEngine()
	before := callbacks.len()
	n := NewNode(engine, "videotestsrc", "src")
	defer n.Close()

	n.RegisterCapsObserver(func(Caps) {})
	assert.True(t, loggedAt(logrus.WarnLevel, "caps observer not installed"))
	assert.Equal(t, before, callbacks.len())
}

func TestTopologyString(t *testing.T) {
	assert.Equal(t, "fixed", TopologyFixed.String())
	assert.Equal(t, "dynamic", TopologyDynamic.String())
	assert.Equal(t, "undefined", TopologyUndefined.String())
}

func TestCapsObserverConcurrentRegistration(t *testing.T) {
	engine := NewSimEngine()
	before := callbacks.len()
	n := NewNode(engine, "videoconvert", "convert")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.RegisterCapsObserver(func(Caps) {})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, simPadOf(t, n, "sink").CapsHandlers())
	assert.Equal(t, before+1, callbacks.len())

	n.Close()
	assert.Equal(t, before, callbacks.len())
	assert.Equal(t, 0, engine.Live())
}
