package mediagraph

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCollector(t *testing.T) {
	engine := NewSimEngine()
	loop := NewLoop()
	g, err := NewGraph(engine, loop, "metrics")
	require.NoError(t, err)
	defer g.Close()

	c := NewStatsCollector(g, nil)
	require.NoError(t, prometheus.NewPedanticRegistry().Register(c))
	assert.Equal(t, 7, testutil.CollectAndCount(c))
	assert.Equal(t, 6, testutil.CollectAndCount(c, "mediagraph_bus_messages_total"))

	nodes := addNodes(t, engine, g, "videotestsrc", "src", "fakesink", "sink")
	nodes[0].SetProperty("num-buffers", 2)
	ok, err := g.LinkAliases("src", "sink")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, g.Play())
	runLoop(t, loop, 5*time.Second)

	expected := `
# HELP mediagraph_playing 1 while the graph is in the playing state.
# TYPE mediagraph_playing gauge
mediagraph_playing{graph="metrics"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "mediagraph_playing"))
	assert.Equal(t, uint64(1), g.Stats().EOS)
}

func TestStatsCollectorWithBroadcaster(t *testing.T) {
	_, _, g := newTestGraph(t)
	defer g.Close()
	b, err := NewBroadcaster("metrics")
	require.NoError(t, err)
	defer b.Close()

	c := NewStatsCollector(g, b)
	assert.Equal(t, 12, testutil.CollectAndCount(c))

	expected := `
# HELP mediagraph_webrtc_peers Connected WebRTC peers.
# TYPE mediagraph_webrtc_peers gauge
mediagraph_webrtc_peers{graph="` + g.Name() + `"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "mediagraph_webrtc_peers"))
}
