package mediagraph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
graph "tone" {
  node "src" {
    kind = "audiotestsrc"
    properties = {
      "num-buffers" = 4
      freq          = 880
      "is-live"     = false
    }
  }
  node "convert" { kind = "audioconvert" }
  node "sink" { kind = "fakesink" }

  link {
    chain = ["src", "convert", "sink"]
  }
}

graph "file" {
  node "src" {
    kind       = "filesrc"
    properties = { location = var.file }
  }
  node "sink" { kind = "fakesink" }

  link {
    chain = ["src", "sink"]
  }
}
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest("test.hcl", []byte(testManifest), Vars{"file": "movie.mp4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tone", "file"}, m.Names())

	tone, err := m.Graph("tone")
	require.NoError(t, err)
	require.Len(t, tone.Nodes, 3)
	assert.Equal(t, "audiotestsrc", tone.Nodes[0].Kind)
	assert.Equal(t, []PropertySpec{
		{Name: "freq", Value: "880"},
		{Name: "is-live", Value: "false"},
		{Name: "num-buffers", Value: "4"},
	}, tone.Nodes[0].Properties)
	assert.Empty(t, tone.Nodes[1].Properties)
	assert.Equal(t, [][]string{{"src", "convert", "sink"}}, tone.Links)

	file, err := m.Graph("file")
	require.NoError(t, err)
	assert.Equal(t, []PropertySpec{{Name: "location", Value: "movie.mp4"}}, file.Nodes[0].Properties)

	_, err = m.Graph("missing")
	assert.ErrorIs(t, err, ErrGraphNotDefined)
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		vars Vars
	}{
		{"syntax", `graph "x" {`, nil},
		{"undefined variable", testManifest, Vars{}},
		{"properties not an object", `graph "x" {
  node "a" {
    kind       = "fakesink"
    properties = "nope"
  }
}`, nil},
		{"duplicate graph", `
graph "x" {
  node "a" { kind = "fakesink" }
}
graph "x" {
  node "a" { kind = "fakesink" }
}`, nil},
		{"missing kind", `graph "x" {
  node "a" {}
}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest("test.hcl", []byte(tt.src), tt.vars)
			assert.Error(t, err)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphs.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))

	m, err := LoadManifest(path, Vars{"file": "a.mp4"})
	require.NoError(t, err)
	assert.Len(t, m.Names(), 2)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.hcl"), nil)
	assert.Error(t, err)
}

func TestGraphSpecValidate(t *testing.T) {
	valid := &GraphSpec{
		Name:  "ok",
		Nodes: []NodeSpec{{Alias: "a", Kind: "fakesink"}, {Alias: "b", Kind: "fakesink"}},
		Links: [][]string{{"a", "b"}},
	}
	assert.NoError(t, valid.Validate())

	dup := &GraphSpec{Name: "dup", Nodes: []NodeSpec{{Alias: "a", Kind: "x"}, {Alias: "a", Kind: "y"}}}
	assert.ErrorIs(t, dup.Validate(), ErrAliasInUse)

	unknown := &GraphSpec{Name: "unknown", Nodes: []NodeSpec{{Alias: "a", Kind: "x"}}, Links: [][]string{{"a", "b"}}}
	assert.ErrorIs(t, unknown.Validate(), ErrNodeNotFound)

	assert.Error(t, (&GraphSpec{Name: "empty"}).Validate())
	assert.Error(t, (&GraphSpec{Name: "short", Nodes: []NodeSpec{{Alias: "a", Kind: "x"}}, Links: [][]string{{"a"}}}).Validate())
	assert.Error(t, (&GraphSpec{Name: "nokind", Nodes: []NodeSpec{{Alias: "a"}}}).Validate())
}

func TestGraphSpecBuild(t *testing.T) {
	m, err := ParseManifest("test.hcl", []byte(testManifest), Vars{"file": "movie.mp4"})
	require.NoError(t, err)
	spec, err := m.Graph("tone")
	require.NoError(t, err)

	engine := NewSimEngine()
	loop := NewLoop()
	g, err := spec.Build(engine, loop)
	require.NoError(t, err)
	assert.Equal(t, "tone", g.Name())
	assert.Len(t, g.Nodes(), 3)

	v, ok := g.MustNode("src").Property("freq")
	require.True(t, ok)
	assert.Equal(t, "880", v)

	require.NoError(t, g.Play())
	runLoop(t, loop, 5*time.Second)
	assert.Equal(t, uint64(1), g.Stats().EOS)

	require.NoError(t, g.Close())
	assert.Equal(t, 0, engine.Live())
}

func TestGraphSpecBuildUnknownKind(t *testing.T) {
	engine := NewSimEngine()
	spec := &GraphSpec{
		Name:  "broken",
		Nodes: []NodeSpec{{Alias: "src", Kind: "videotestsrc"}, {Alias: "sink", Kind: "no-such-sink"}},
		Links: [][]string{{"src", "sink"}},
	}
	assert.Equal(t, []string{"no-such-sink"}, spec.MissingKinds(engine))

	_, err := spec.Build(engine, NewLoop())
	assert.ErrorIs(t, err, ErrUninitialised)
	assert.Equal(t, 0, engine.Live())
}

func TestGraphSpecBuildRefusedLink(t *testing.T) {
	logHook.Reset()
	engine := NewSimEngine()
	spec := &GraphSpec{
		Name:  "mismatch",
		Nodes: []NodeSpec{{Alias: "src", Kind: "audiotestsrc"}, {Alias: "sink", Kind: "autovideosink"}},
		Links: [][]string{{"src", "sink"}},
	}
	g, err := spec.Build(engine, NewLoop())
	require.NoError(t, err)
	assert.True(t, loggedAt(logrus.ErrorLevel, "linkage failed"))
	require.NoError(t, g.Close())
	assert.Equal(t, 0, engine.Live())
}

func TestBuiltinManifest(t *testing.T) {
	m, err := BuiltinManifest(Vars{
		"file":           "movie.mp4",
		"url":            "https://example.com/movie.mp4",
		"output":         "out.mp4",
		"signalling_uri": "ws://127.0.0.1:8443",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		string(ProfilePlayback), string(ProfileWebToFile), string(ProfileRTC), string(ProfileRTCPion),
	}, m.Names())

	engine := NewSimEngine()
	for _, name := range m.Names() {
		spec, err := m.Graph(name)
		require.NoError(t, err)
		assert.NoError(t, spec.Validate(), name)
	}

	rtc, err := m.Graph(string(ProfileRTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"webrtcsink"}, rtc.MissingKinds(engine))
	assert.Equal(t, []PropertySpec{{Name: "signaller::uri", Value: "ws://127.0.0.1:8443"}}, rtc.Nodes[1].ChildProperties)

	pion, err := m.Graph(string(ProfileRTCPion))
	require.NoError(t, err)
	assert.Empty(t, pion.MissingKinds(engine))
}
