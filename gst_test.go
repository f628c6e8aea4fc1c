package mediagraph

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGstEngine(t *testing.T) *GstEngine {
	t.Helper()
	if !IsGstAvailable() {
		t.Skip("GStreamer not available")
	}
	engine, err := NewGstEngine()
	require.NoError(t, err)
	return engine
}

func TestGstEngineUnavailable(t *testing.T) {
	if IsGstAvailable() {
		t.Skip("GStreamer is available")
	}
	_, err := NewGstEngine()
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestGstNodeTopology(t *testing.T) {
	engine := newGstEngine(t)

	dec := NewNode(engine, "decodebin", "dec")
	defer dec.Close()
	require.True(t, dec.IsInitialised())
	assert.Equal(t, TopologyDynamic, dec.Topology())

	convert := NewNode(engine, "videoconvert", "convert")
	defer convert.Close()
	require.True(t, convert.IsInitialised())
	assert.Equal(t, TopologyFixed, convert.Topology())

	assert.False(t, NewNode(engine, "no-such-element", "x").IsInitialised())
	assert.False(t, engine.HasKind("no-such-element"))
}

func TestGstNodeProperties(t *testing.T) {
	engine := newGstEngine(t)
	src := NewNode(engine, "videotestsrc", "src")
	defer src.Close()

	src.SetProperty("num-buffers", 7)
	v, ok := src.Property("num-buffers")
	require.True(t, ok)
	assert.Equal(t, "7", v)

	src.SetProperty("is-live", true)
	assert.True(t, src.BoolProperty("is-live"))
}

func TestGstGraphPlayToEOS(t *testing.T) {
	engine := newGstEngine(t)
	loop := NewLoop()
	g, err := NewGraph(engine, loop, "gst-test")
	require.NoError(t, err)
	defer g.Close()

	nodes := addNodes(t, engine, g, "videotestsrc", "src", "videoconvert", "convert", "fakesink", "sink")
	nodes[0].SetProperty("num-buffers", 10)

	var negotiated atomic.Bool
	nodes[2].RegisterCapsObserver(func(Caps) { negotiated.Store(true) })

	ok, err := g.LinkAliases("src", "convert", "sink")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Play())
	runLoop(t, loop, 10*time.Second)
	assert.Equal(t, uint64(1), g.Stats().EOS)
	assert.True(t, negotiated.Load())
}

func TestGstAppSinkPull(t *testing.T) {
	engine := newGstEngine(t)
	loop := NewLoop()
	g, err := NewGraph(engine, loop, "gst-appsink")
	require.NoError(t, err)
	defer g.Close()

	src := NewNode(engine, "videotestsrc", "src")
	src.SetProperty("num-buffers", 5)
	owned, err := g.AddNodes(src, NewAppSink(engine, "sink"))
	require.NoError(t, err)
	ok, err := g.LinkAliases("src", "sink")
	require.NoError(t, err)
	require.True(t, ok)

	rec := &sampleRecorder{}
	require.NoError(t, owned[1].SetSampleCallback(rec.callback))
	require.NoError(t, owned[1].StartPull())

	require.NoError(t, g.Play())
	runLoop(t, loop, 10*time.Second)
	assert.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n == 5
	}, 5*time.Second, 10*time.Millisecond)
}
