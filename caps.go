package mediagraph

import "strings"

// Caps is a serialized media format description, for example
// "video/x-raw, format=(string)I420, width=(int)320".
type Caps string

// CapsAny matches every format.
const CapsAny Caps = "ANY"

// MediaType returns the structure name (the part before the first field).
func (c Caps) MediaType() string {
	s := string(c)
	if i := strings.IndexAny(s, ",;"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// IsAny reports whether c matches every format.
func (c Caps) IsAny() bool { return c.MediaType() == string(CapsAny) }

// IsEmpty reports whether c carries no format.
func (c Caps) IsEmpty() bool { return c.MediaType() == "" }

func (c Caps) String() string { return string(c) }

// structures returns the media types of every structure in c.
func (c Caps) structures() []string {
	parts := strings.Split(string(c), ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if mt := Caps(p).MediaType(); mt != "" {
			out = append(out, mt)
		}
	}
	return out
}

// CanIntersect reports whether a and b share at least one media type.
// Field-level constraints are left to the engine.
func (c Caps) CanIntersect(other Caps) bool {
	if c.IsAny() || other.IsAny() {
		return true
	}
	for _, a := range c.structures() {
		for _, b := range other.structures() {
			if a == b {
				return true
			}
		}
	}
	return false
}
