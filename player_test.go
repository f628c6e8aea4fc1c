package mediagraph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlayerNoProfile(t *testing.T) {
	_, err := NewPlayer(NewSimEngine(), NewLoop(), Config{Engine: EngineSim})
	assert.ErrorIs(t, err, ErrNoProfile)

	_, err = NewPlayer(NewSimEngine(), NewLoop(), Config{Engine: EngineSim, URL: "https://example.com/a.mp4"})
	assert.Error(t, err)
}

func TestPlayerPlayback(t *testing.T) {
	engine := NewSimEngine()
	loop := NewLoop()
	p, err := NewPlayer(engine, loop, Config{Engine: EngineSim, File: "movie.mp4"})
	require.NoError(t, err)
	assert.Equal(t, ProfilePlayback, p.Profile())

	loc, ok := p.Graph().MustNode("filesrc").Property("location")
	require.True(t, ok)
	assert.Equal(t, "movie.mp4", loc)

	require.NoError(t, p.Play())
	runLoop(t, loop, 10*time.Second)

	stats := p.Graph().Stats()
	assert.Equal(t, uint64(1), stats.EOS)
	assert.Zero(t, stats.Errors)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Close())
	assert.Equal(t, 0, engine.Live())
}

func TestPlayerWebToFile(t *testing.T) {
	engine := NewSimEngine()
	loop := NewLoop()
	p, err := NewPlayer(engine, loop, Config{
		Engine: EngineSim,
		URL:    "https://example.com/movie.mp4",
		Output: "out.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, ProfileWebToFile, p.Profile())

	out, ok := p.Graph().MustNode("file-sink").Property("location")
	require.True(t, ok)
	assert.Equal(t, "out.mp4", out)

	require.NoError(t, p.Play())
	runLoop(t, loop, 10*time.Second)
	assert.Equal(t, uint64(1), p.Graph().Stats().EOS)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, engine.Live())
}

func TestPlayerRTCBroadcast(t *testing.T) {
	engine := NewSimEngine()
	engine.RegisterKind("webrtcsink", SimKind{
		Role:      simSink,
		Templates: []PadTemplate{sinkTemplate(CapsAny)},
		Props:     map[string]string{"congestion-control": "1"},
		Children:  map[string][]string{"signaller": {"uri"}},
	})

	p, err := NewPlayer(engine, NewLoop(), Config{Engine: EngineSim, SignallingURI: "ws://127.0.0.1:8443"})
	require.NoError(t, err)
	assert.Equal(t, ProfileRTC, p.Profile())

	cc, ok := p.Graph().MustNode("sink").Property("congestion-control")
	require.True(t, ok)
	assert.Equal(t, "0", cc)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, engine.Live())
}

func TestPlayerRTCFallsBackToPion(t *testing.T) {
	srv := newSignallingServer(t)
	engine := NewSimEngine()
	loop := NewLoop()

	p, err := NewPlayer(engine, loop, Config{Engine: EngineSim, SignallingURI: srv.uri()})
	require.NoError(t, err)
	require.Equal(t, ProfileRTCPion, p.Profile())
	pion, ok := p.(*pionPlayer)
	require.True(t, ok)

	require.NoError(t, p.Play())
	reg, _ := srv.accept(t)
	assert.Equal(t, SignalRegister, reg.Type)
	assert.Equal(t, DeliveryPull, pion.sink.DeliveryMode())

	assert.Eventually(t, func() bool {
		return pion.Broadcaster().Stats().Packets > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, pion.Broadcaster().Stats().Malformed)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Close())
	assert.Equal(t, 0, engine.Live())
}

func TestPlayerFromManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphs.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))
	engine := NewSimEngine()
	loop := NewLoop()

	p, err := NewPlayer(engine, loop, Config{Engine: EngineSim, Manifest: path, Graph: "tone"})
	require.NoError(t, err)
	assert.Equal(t, Profile("tone"), p.Profile())

	require.NoError(t, p.Play())
	runLoop(t, loop, 5*time.Second)
	assert.Equal(t, uint64(1), p.Graph().Stats().EOS)
	require.NoError(t, p.Close())

	// Without a graph name the first one is used.
	p, err = NewPlayer(engine, NewLoop(), Config{Engine: EngineSim, Manifest: path, File: "a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, Profile("tone"), p.Profile())
	require.NoError(t, p.Close())

	_, err = NewPlayer(engine, NewLoop(), Config{Engine: EngineSim, Manifest: path, Graph: "missing"})
	assert.ErrorIs(t, err, ErrGraphNotDefined)
	assert.Equal(t, 0, engine.Live())
}
