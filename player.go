package mediagraph

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/sirupsen/logrus"
)

//go:embed manifests/*.hcl
var builtinManifests embed.FS

// BuiltinManifest parses the embedded player graphs.
func BuiltinManifest(vars Vars) (*Manifest, error) {
	files, err := fs.Glob(builtinManifests, "manifests/*.hcl")
	if err != nil {
		return nil, err
	}
	m := &Manifest{graphs: make(map[string]*GraphSpec)}
	parser := hclparse.NewParser()
	for _, name := range files {
		src, err := builtinManifests.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := m.parse(parser, name, src, vars); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Player runs one graph on an event loop.
type Player interface {
	Profile() Profile
	Graph() *Graph
	Play() error
	Stop() error
	Close() error
}

// NewPlayer builds the player cfg selects. A manifest in cfg replaces the
// built-in graphs. The rtc-broadcast profile falls back to rtc-pion when
// the engine lacks one of its element kinds.
func NewPlayer(engine Engine, loop EventLoop, cfg Config) (Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		m       *Manifest
		profile Profile
		err     error
	)
	if cfg.Manifest != "" {
		if m, err = LoadManifest(cfg.Manifest, cfg.Vars()); err != nil {
			return nil, err
		}
		profile = Profile(cfg.Graph)
		if profile == "" {
			names := m.Names()
			if len(names) == 0 {
				return nil, fmt.Errorf("%w: manifest %s is empty", ErrGraphNotDefined, cfg.Manifest)
			}
			profile = Profile(names[0])
		}
	} else {
		if profile, err = cfg.Profile(); err != nil {
			return nil, err
		}
		if m, err = BuiltinManifest(cfg.Vars()); err != nil {
			return nil, err
		}
	}

	spec, err := m.Graph(string(profile))
	if err != nil {
		return nil, err
	}
	if profile == ProfileRTC {
		if missing := spec.MissingKinds(engine); len(missing) > 0 {
			log().WithField("missing", missing).Warn("webrtc elements unavailable, using in-process peer")
			profile = ProfileRTCPion
			if spec, err = m.Graph(string(profile)); err != nil {
				return nil, err
			}
		}
	}

	g, err := spec.Build(engine, loop)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", profile, err)
	}
	base := &graphPlayer{profile: profile, graph: g}
	log().WithFields(logrus.Fields{"profile": profile, "engine": engine.Name()}).Info("player created")

	if profile != ProfileRTCPion {
		return base, nil
	}
	p, err := newPionPlayer(base, cfg.SignallingURI)
	if err != nil {
		g.Close()
		return nil, err
	}
	return p, nil
}

// graphPlayer plays a graph built from a manifest.
type graphPlayer struct {
	profile Profile
	graph   *Graph
}

func (p *graphPlayer) Profile() Profile { return p.profile }
func (p *graphPlayer) Graph() *Graph    { return p.graph }
func (p *graphPlayer) Play() error      { return p.graph.Play() }
func (p *graphPlayer) Stop() error      { return p.graph.Stop() }
func (p *graphPlayer) Close() error     { return p.graph.Close() }

const signallingDialTimeout = 10 * time.Second

// pionPlayer pulls RTP packets from the graph's sink and serves them to
// WebRTC viewers negotiated over the signalling server.
type pionPlayer struct {
	*graphPlayer

	sink        *Node
	broadcaster *Broadcaster
	uri         string
	signalling  *SignallingClient
	serve       Worker
}

func newPionPlayer(base *graphPlayer, uri string) (*pionPlayer, error) {
	sink, err := base.graph.Node("rtp-sink")
	if err != nil {
		return nil, err
	}
	b, err := NewBroadcaster(base.graph.Name())
	if err != nil {
		return nil, err
	}
	if err := sink.SetSampleCallback(b.SampleCallback()); err != nil {
		b.Close()
		return nil, err
	}
	return &pionPlayer{graphPlayer: base, sink: sink, broadcaster: b, uri: uri}, nil
}

// Broadcaster returns the peer fan-out.
func (p *pionPlayer) Broadcaster() *Broadcaster { return p.broadcaster }

func (p *pionPlayer) Play() error {
	if p.uri != "" && p.signalling == nil {
		ctx, cancel := context.WithTimeout(context.Background(), signallingDialTimeout)
		c, err := DialSignalling(ctx, p.uri)
		cancel()
		if err != nil {
			return err
		}
		p.signalling = c
		p.serve.Start(func(ctx context.Context) {
			if err := c.Serve(ctx, p.broadcaster); err != nil {
				log().WithError(err).Error("signalling stopped")
			}
		})
	}
	if err := p.sink.StartPull(); err != nil && !errors.Is(err, ErrPullActive) {
		return err
	}
	return p.graph.Play()
}

func (p *pionPlayer) Stop() error {
	err := p.graph.Stop()
	p.sink.StopPull()
	return err
}

func (p *pionPlayer) Close() error {
	var result *multierror.Error
	p.sink.StopPull()
	p.serve.Stop()
	if p.signalling != nil {
		p.signalling.Close()
		p.signalling = nil
	}
	if err := p.broadcaster.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.graph.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
