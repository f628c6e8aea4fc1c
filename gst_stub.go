//go:build !(darwin || linux) || nogst

package mediagraph

import (
	"errors"
	"fmt"
)

// GstEngine is unavailable on this platform or build.
type GstEngine struct{}

// NewGstEngine always fails with ErrEngineUnavailable.
func NewGstEngine() (*GstEngine, error) {
	return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, errors.New("built without gstreamer support"))
}

// IsGstAvailable reports false.
func IsGstAvailable() bool { return false }

// Name implements Engine.
func (e *GstEngine) Name() string { return "gst" }

// HasKind implements Engine.
func (e *GstEngine) HasKind(string) bool { return false }

// MakeElement implements Engine.
func (e *GstEngine) MakeElement(kind, alias string) (Element, error) {
	return nil, ErrEngineUnavailable
}

// NewPipeline implements Engine.
func (e *GstEngine) NewPipeline(name string) (Pipeline, error) {
	return nil, ErrEngineUnavailable
}
