package mediagraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapsMediaType(t *testing.T) {
	tests := []struct {
		caps Caps
		want string
	}{
		{"video/x-raw, format=(string)I420", "video/x-raw"},
		{"audio/x-raw", "audio/x-raw"},
		{"video/x-h264; video/x-vp8", "video/x-h264"},
		{"ANY", "ANY"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.caps.MediaType(), "caps %q", tt.caps)
	}
	assert.True(t, CapsAny.IsAny())
	assert.True(t, Caps("").IsEmpty())
}

func TestCapsCanIntersect(t *testing.T) {
	tests := []struct {
		a, b Caps
		want bool
	}{
		{"video/x-raw, width=(int)320", "video/x-raw", true},
		{"video/x-raw", "audio/x-raw", false},
		{CapsAny, "audio/x-raw", true},
		{"audio/x-raw", CapsAny, true},
		{"video/x-h264; video/x-raw", "video/x-raw", true},
		{"application/x-rtp", "video/x-vp8", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.CanIntersect(tt.b), "%q with %q", tt.a, tt.b)
	}
}
