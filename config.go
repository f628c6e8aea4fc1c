package mediagraph

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ErrNoProfile is returned when a configuration selects no player.
var ErrNoProfile = errors.New("no player profile selected")

// Profile names a prebuilt player graph.
type Profile string

const (
	ProfilePlayback  Profile = "playback"      // Play a local file
	ProfileWebToFile Profile = "web-to-file"   // Transcode a remote MP4 to a file
	ProfileRTC       Profile = "rtc-broadcast" // Test pattern to webrtcsink
	ProfileRTCPion   Profile = "rtc-pion"      // Test pattern to an in-process WebRTC peer
)

// Engine names accepted by Config.Engine.
const (
	EngineAuto = "auto"
	EngineGst  = "gst"
	EngineSim  = "sim"
)

// Config holds the resolved player settings.
type Config struct {
	File          string // Local file to play
	URL           string // Remote media to download
	Output        string // Destination file for URL
	SignallingURI string // WebRTC signalling server, ws:// or wss://

	Engine   string // auto, gst or sim
	Manifest string // Optional HCL manifest replacing the built-in graphs
	Graph    string // Graph to run from Manifest

	LogLevel    string
	LogFormat   string // text or json
	MetricsAddr string // Prometheus listen address, empty to disable
}

// DefaultConfig returns the configuration used when no flags are set.
func DefaultConfig() Config {
	return Config{
		Engine:    EngineAuto,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks field formats. It does not check that files exist.
func (c Config) Validate() error {
	var result *multierror.Error

	switch c.Engine {
	case "", EngineAuto, EngineGst, EngineSim:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown engine %q", c.Engine))
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("invalid url %q", c.URL))
		}
	}
	if c.URL != "" && c.Output == "" {
		result = multierror.Append(result, errors.New("url requires an output file"))
	}
	if c.SignallingURI != "" {
		u, err := url.Parse(c.SignallingURI)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("invalid signalling uri %q", c.SignallingURI))
		}
	}
	if c.Graph != "" && c.Manifest == "" {
		result = multierror.Append(result, errors.New("graph requires a manifest"))
	}
	if _, err := logrus.ParseLevel(c.logLevel()); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return result.ErrorOrNil()
}

// Profile selects the player. A URL with an output file wins over a local
// file, which wins over a signalling server.
func (c Config) Profile() (Profile, error) {
	switch {
	case c.URL != "" && c.Output != "":
		return ProfileWebToFile, nil
	case c.File != "":
		return ProfilePlayback, nil
	case c.SignallingURI != "":
		return ProfileRTC, nil
	default:
		return "", ErrNoProfile
	}
}

// Vars returns the manifest variables, available as var.<name>.
func (c Config) Vars() Vars {
	return Vars{
		"file":           c.File,
		"url":            c.URL,
		"output":         c.Output,
		"signalling_uri": c.SignallingURI,
	}
}

func (c Config) logLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// NewLogger builds a logger from the level and format settings.
func (c Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.logLevel())
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// NewEngine opens the configured engine. Auto prefers GStreamer and falls
// back to the simulated engine.
func (c Config) NewEngine() (Engine, error) {
	switch c.Engine {
	case EngineSim:
		return NewSimEngine(), nil
	case EngineGst:
		e, err := NewGstEngine()
		if err != nil {
			return nil, err
		}
		return e, nil
	case "", EngineAuto:
		e, err := NewGstEngine()
		if err == nil {
			return e, nil
		}
		log().WithError(err).Warn("gstreamer unavailable, using simulated engine")
		return NewSimEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", c.Engine)
	}
}
