package mediagraph

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// simRole selects how a simulated element treats buffers.
type simRole uint8

const (
	simSource    simRole = iota // Produces buffers on its own streaming goroutine
	simFilter                   // Forwards buffers, keeping the format
	simTransform                // Forwards buffers in its output format
	simPayloader                // Wraps buffers into RTP packets
	simDemux                    // Adds output pads once data arrives
	simSink                     // Discards buffers
	simAppSink                  // Queues buffers for the application
)

// SimKind describes an element kind known to a SimEngine.
type SimKind struct {
	Role      simRole
	Templates []PadTemplate
	// Props lists accepted properties with their defaults.
	Props map[string]string
	// Children lists child objects and their properties, for
	// SetChildProperty.
	Children map[string][]string
	// Output is the format produced by sources and transforms.
	Output Caps
	// Streams are the pads a demuxer adds, in order.
	Streams []Caps
}

const (
	simVideoCaps Caps = "video/x-raw, format=(string)I420, width=(int)320, height=(int)240, framerate=(fraction)30/1"
	simAudioCaps Caps = "audio/x-raw, format=(string)S16LE, rate=(int)48000, channels=(int)2, layout=(string)interleaved"
	simH264Caps  Caps = "video/x-h264, stream-format=(string)byte-stream, alignment=(string)au"
	simVP8Caps   Caps = "video/x-vp8, width=(int)320, height=(int)240"
	simRTPCaps   Caps = "application/x-rtp, media=(string)video, clock-rate=(int)90000, encoding-name=(string)VP8, payload=(int)96"
	simFileCaps  Caps = "video/quicktime"
)

// simSSRC marks packets payloaded by simulated elements.
const simSSRC = 0x6d677068

func srcTemplate(presence PadPresence, caps Caps) PadTemplate {
	name := "src"
	if presence == PadSometimes {
		name = "src_%u"
	}
	return PadTemplate{Name: name, Direction: PadSrc, Presence: presence, Caps: caps}
}

func sinkTemplate(caps Caps) PadTemplate {
	return PadTemplate{Name: "sink", Direction: PadSink, Presence: PadAlways, Caps: caps}
}

func withProps(base map[string]string, extra ...string) map[string]string {
	out := make(map[string]string, len(base)+len(extra)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(extra); i += 2 {
		out[extra[i]] = extra[i+1]
	}
	return out
}

var (
	simSourceProps = map[string]string{"num-buffers": "-1", "is-live": "false", "do-timestamp": "false"}
	simSinkProps   = map[string]string{"sync": "true", "async": "true", "silent": "true"}
)

func defaultSimKinds() map[string]SimKind {
	filter := func(caps Caps) SimKind {
		return SimKind{Role: simFilter, Templates: []PadTemplate{sinkTemplate(caps), srcTemplate(PadAlways, caps)}, Props: map[string]string{"qos": "false"}}
	}
	transform := func(in, out Caps, props ...string) SimKind {
		return SimKind{Role: simTransform, Output: out, Templates: []PadTemplate{sinkTemplate(in), srcTemplate(PadAlways, out)}, Props: withProps(nil, props...)}
	}
	sink := func(caps Caps, props ...string) SimKind {
		return SimKind{Role: simSink, Templates: []PadTemplate{sinkTemplate(caps)}, Props: withProps(simSinkProps, props...)}
	}

	return map[string]SimKind{
		"videotestsrc": {Role: simSource, Output: simVideoCaps, Templates: []PadTemplate{srcTemplate(PadAlways, "video/x-raw")},
			Props: withProps(simSourceProps, "pattern", "0")},
		"audiotestsrc": {Role: simSource, Output: simAudioCaps, Templates: []PadTemplate{srcTemplate(PadAlways, "audio/x-raw")},
			Props: withProps(simSourceProps, "wave", "0", "freq", "440")},
		"filesrc": {Role: simSource, Output: simFileCaps, Templates: []PadTemplate{srcTemplate(PadAlways, CapsAny)},
			Props: withProps(simSourceProps, "location", "", "num-buffers", "150")},
		"souphttpsrc": {Role: simSource, Output: simFileCaps, Templates: []PadTemplate{srcTemplate(PadAlways, CapsAny)},
			Props: withProps(simSourceProps, "location", "", "num-buffers", "150", "user-agent", "")},

		"decodebin": {Role: simDemux, Templates: []PadTemplate{sinkTemplate(CapsAny), srcTemplate(PadSometimes, CapsAny)},
			Streams: []Caps{simVideoCaps, simAudioCaps}, Props: map[string]string{"caps": ""}},
		"qtdemux": {Role: simDemux, Templates: []PadTemplate{sinkTemplate("video/quicktime"), srcTemplate(PadSometimes, CapsAny)},
			Streams: []Caps{simH264Caps}, Props: map[string]string{}},

		"videoconvert":  filter("video/x-raw"),
		"videoscale":    filter("video/x-raw"),
		"audioconvert":  filter("audio/x-raw"),
		"audioresample": filter("audio/x-raw"),
		"queue":         filter(CapsAny),
		"identity":      filter(CapsAny),
		"h264parse":     filter("video/x-h264"),

		"avdec_h264": transform("video/x-h264", simVideoCaps),
		"x264enc":    transform("video/x-raw", simH264Caps, "bitrate", "2048", "tune", "0"),
		"vp8enc":     transform("video/x-raw", simVP8Caps, "deadline", "1", "target-bitrate", "256000"),
		"mp4mux":     transform("video/x-h264", simFileCaps, "faststart", "false"),

		"rtpvp8pay": {Role: simPayloader, Output: simRTPCaps, Templates: []PadTemplate{sinkTemplate("video/x-vp8"), srcTemplate(PadAlways, "application/x-rtp")},
			Props: map[string]string{"pt": "96", "mtu": "1400"}},

		"fakesink":      sink(CapsAny, "signal-handoffs", "false"),
		"filesink":      sink(CapsAny, "location", ""),
		"autovideosink": sink("video/x-raw"),
		"autoaudiosink": sink("audio/x-raw"),
		"appsink": {Role: simAppSink, Templates: []PadTemplate{sinkTemplate(CapsAny)},
			Props: withProps(simSinkProps, "emit-signals", "false", "max-buffers", "0", "drop", "false", "caps", "")},
	}
}

// SimEngine is an in-process engine. Elements stream synthetic buffers on
// goroutines, negotiate formats by media type, add demuxer pads at run time
// and keep exact reference counts, so graphs can be exercised without a
// native media framework.
type SimEngine struct {
	mu    sync.RWMutex
	kinds map[string]SimKind

	live    atomic.Int64
	signals atomic.Uint64

	// Interval between buffers of non-live sources.
	BufferInterval time.Duration
}

// NewSimEngine creates an engine with the default element kinds.
func NewSimEngine() *SimEngine {
	return &SimEngine{kinds: defaultSimKinds(), BufferInterval: time.Millisecond}
}

// Name implements Engine.
func (e *SimEngine) Name() string { return "sim" }

// RegisterKind adds or replaces an element kind.
func (e *SimEngine) RegisterKind(name string, k SimKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds[name] = k
}

// HasKind implements Engine.
func (e *SimEngine) HasKind(kind string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.kinds[kind]
	return ok
}

// Live returns the number of objects not yet finalized.
func (e *SimEngine) Live() int { return int(e.live.Load()) }

func (e *SimEngine) nextSignal() SignalID { return SignalID(e.signals.Add(1)) }

// MakeElement implements Engine.
func (e *SimEngine) MakeElement(kind, alias string) (Element, error) {
	e.mu.RLock()
	spec, ok := e.kinds[kind]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if alias == "" {
		alias = fmt.Sprintf("%s%d", kind, e.signals.Add(1))
	}
	return newSimElement(e, kind, alias, spec), nil
}

// NewPipeline implements Engine.
func (e *SimEngine) NewPipeline(name string) (Pipeline, error) {
	p := &simPipeline{bus: &simBus{ch: make(chan Message, 256)}}
	p.simElement = newSimElement(e, "pipeline", name, SimKind{Props: map[string]string{}})
	p.final = p.finalize
	return p, nil
}

// AddPad adds a run-time pad to el and announces it to pad-added handlers.
// Announcing an existing name re-announces the existing pad.
func (e *SimEngine) AddPad(el Element, name string, caps Caps) (Pad, error) {
	se, ok := asSimElement(el)
	if !ok {
		return nil, fmt.Errorf("not a sim element: %T", el)
	}
	pad := se.addDynamicPad(name, caps)
	se.announce(pad)
	return pad, nil
}

// PushCaps sets the negotiated format on an input pad of el, as if the
// upstream element had sent a caps event.
func (e *SimEngine) PushCaps(el Element, pad string, caps Caps) error {
	se, ok := asSimElement(el)
	if !ok {
		return fmt.Errorf("not a sim element: %T", el)
	}
	p := se.pad(pad)
	if p == nil {
		return fmt.Errorf("%w: %q", ErrNoPad, pad)
	}
	p.setCaps(caps)
	return nil
}

func asSimElement(el Element) (*simElement, bool) {
	switch v := el.(type) {
	case *simElement:
		return v, true
	case *simPipeline:
		return v.simElement, true
	default:
		return nil, false
	}
}

type simObject struct {
	engine *SimEngine
	refs   atomic.Int32
	final  func()
}

func (o *simObject) initObject(e *SimEngine) {
	o.engine = e
	o.refs.Store(1)
	e.live.Add(1)
}

func (o *simObject) Ref() { o.refs.Add(1) }

func (o *simObject) Unref() {
	n := o.refs.Add(-1)
	switch {
	case n == 0:
		o.engine.live.Add(-1)
		if o.final != nil {
			o.final()
		}
	case n < 0:
		panic("mediagraph: sim object unreferenced too often")
	}
}

func (o *simObject) RefCount() int { return int(o.refs.Load()) }

type simBuffer struct {
	caps Caps
	data []byte
	pts  time.Duration
	dur  time.Duration
}

type simElement struct {
	simObject
	kind string
	name string
	spec SimKind

	mu        sync.Mutex
	props     map[string]string
	children  map[string]map[string]string
	pads      []*simPad
	dynamic   int
	padAdded  map[SignalID]func(Pad)
	newSample map[SignalID]func()
	parent    *simPipeline

	// streaming state, touched by the streaming goroutine
	streamMu   sync.Mutex
	announced  bool
	packetizer *vp8Packetizer
	eos        atomic.Bool
	samples    chan *Sample
}

func newSimElement(e *SimEngine, kind, name string, spec SimKind) *simElement {
	el := &simElement{
		kind:      kind,
		name:      name,
		spec:      spec,
		props:     make(map[string]string, len(spec.Props)),
		children:  make(map[string]map[string]string),
		padAdded:  make(map[SignalID]func(Pad)),
		newSample: make(map[SignalID]func()),
	}
	el.initObject(e)
	for k, v := range spec.Props {
		el.props[k] = v
	}
	for child, props := range spec.Children {
		m := make(map[string]string, len(props))
		for _, p := range props {
			m[p] = ""
		}
		el.children[child] = m
	}
	for _, t := range spec.Templates {
		if t.Presence == PadAlways {
			el.pads = append(el.pads, &simPad{owner: el, name: t.Name, dir: t.Direction, template: t.Caps, handlers: map[SignalID]func(Caps){}})
		}
	}
	if spec.Role == simAppSink {
		el.samples = make(chan *Sample, 256)
	}
	return el
}

func (el *simElement) Kind() string { return el.kind }
func (el *simElement) Name() string { return el.name }

func (el *simElement) PadTemplates() []PadTemplate {
	out := make([]PadTemplate, len(el.spec.Templates))
	copy(out, el.spec.Templates)
	return out
}

func (el *simElement) SetProperty(name, value string) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if _, ok := el.props[name]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoProperty, el.kind, name)
	}
	el.props[name] = value
	return nil
}

func (el *simElement) Property(name string) (string, error) {
	el.mu.Lock()
	defer el.mu.Unlock()
	v, ok := el.props[name]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrNoProperty, el.kind, name)
	}
	return v, nil
}

func (el *simElement) intProperty(name string, def int) int {
	v, err := el.Property(name)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (el *simElement) boolProperty(name string) bool {
	v, err := el.Property(name)
	if err != nil {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func (el *simElement) SetChildProperty(path, value string) error {
	child, prop, ok := strings.Cut(path, "::")
	if !ok {
		return fmt.Errorf("%w: %q is not child::property", ErrNoProperty, path)
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	props, ok := el.children[child]
	if !ok {
		return fmt.Errorf("%w: %s has no child %q", ErrNoProperty, el.kind, child)
	}
	if _, ok := props[prop]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoProperty, child, prop)
	}
	props[prop] = value
	return nil
}

func (el *simElement) pad(name string) *simPad {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, p := range el.pads {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (el *simElement) firstPad(dir PadDirection, unlinked bool) *simPad {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, p := range el.pads {
		if p.dir == dir && (!unlinked || !p.IsLinked()) {
			return p
		}
	}
	return nil
}

func (el *simElement) StaticPad(name string) (Pad, error) {
	p := el.pad(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoPad, el.name, name)
	}
	return p, nil
}

func (el *simElement) Link(dst Element) error {
	d, ok := asSimElement(dst)
	if !ok {
		return fmt.Errorf("%w: foreign element %T", ErrLinkRefused, dst)
	}
	if d == el {
		return fmt.Errorf("%w: cannot link %s to itself", ErrLinkRefused, el.name)
	}
	el.mu.Lock()
	sp, dp := el.parent, d.parentLocked()
	el.mu.Unlock()
	if sp != nil && dp != nil && sp != dp {
		return fmt.Errorf("%w: %s and %s are in different pipelines", ErrLinkRefused, el.name, d.name)
	}

	src := el.firstPad(PadSrc, true)
	sink := d.firstPad(PadSink, true)
	if src == nil || sink == nil {
		return fmt.Errorf("%w: no free pads between %s and %s", ErrLinkRefused, el.name, d.name)
	}
	return src.Link(sink)
}

func (el *simElement) parentLocked() *simPipeline {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.parent
}

func (el *simElement) ConnectPadAdded(fn func(Pad)) (SignalID, error) {
	id := el.engine.nextSignal()
	el.mu.Lock()
	el.padAdded[id] = fn
	el.mu.Unlock()
	return id, nil
}

func (el *simElement) ConnectNewSample(fn func()) (SignalID, error) {
	if el.spec.Role != simAppSink {
		return 0, fmt.Errorf("%s has no new-sample signal", el.kind)
	}
	id := el.engine.nextSignal()
	el.mu.Lock()
	el.newSample[id] = fn
	el.mu.Unlock()
	return id, nil
}

func (el *simElement) Disconnect(id SignalID) {
	el.mu.Lock()
	delete(el.padAdded, id)
	delete(el.newSample, id)
	el.mu.Unlock()
}

// PadAddedHandlers returns the number of connected pad-added handlers.
func (el *simElement) PadAddedHandlers() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.padAdded)
}

func (el *simElement) addDynamicPad(name string, caps Caps) *simPad {
	el.mu.Lock()
	defer el.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("src_%d", el.dynamic)
	}
	for _, p := range el.pads {
		if p.name == name {
			return p
		}
	}
	el.dynamic++
	p := &simPad{owner: el, name: name, dir: PadSrc, template: caps, dynamic: true, handlers: map[SignalID]func(Caps){}}
	p.caps = caps
	el.pads = append(el.pads, p)
	return p
}

func (el *simElement) announce(p *simPad) {
	el.mu.Lock()
	handlers := make([]func(Pad), 0, len(el.padAdded))
	for _, fn := range el.padAdded {
		handlers = append(handlers, fn)
	}
	el.mu.Unlock()
	for _, fn := range handlers {
		fn(p)
	}
}

// reset drops run-time state when the pipeline returns to null.
func (el *simElement) reset() {
	el.streamMu.Lock()
	el.announced = false
	el.packetizer = nil
	el.streamMu.Unlock()
	el.eos.Store(false)

	el.mu.Lock()
	kept := el.pads[:0]
	for _, p := range el.pads {
		if p.dynamic {
			p.unlink()
			continue
		}
		kept = append(kept, p)
	}
	el.pads = kept
	el.dynamic = 0
	pads := append([]*simPad(nil), el.pads...)
	el.mu.Unlock()

	for _, p := range pads {
		p.mu.Lock()
		p.caps = ""
		p.mu.Unlock()
	}
	if el.samples != nil {
	drain:
		for {
			select {
			case <-el.samples:
			default:
				break drain
			}
		}
	}
}

// TryPullSample implements SampleSource.
func (el *simElement) TryPullSample(timeout time.Duration) (*Sample, error) {
	if el.samples == nil {
		return nil, fmt.Errorf("%s does not queue samples", el.kind)
	}
	select {
	case s := <-el.samples:
		return s, nil
	default:
	}
	if el.eos.Load() {
		return nil, io.EOF
	}
	if timeout <= 0 {
		return nil, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s := <-el.samples:
		return s, nil
	case <-t.C:
		if el.eos.Load() {
			return nil, io.EOF
		}
		return nil, nil
	}
}

type flowReturn int

const (
	flowOK flowReturn = iota
	flowNotLinked
	flowFlushing
)

func (el *simElement) chain(ctx context.Context, p *simPipeline, in *simPad, buf simBuffer) flowReturn {
	el.streamMu.Lock()
	defer el.streamMu.Unlock()

	switch el.spec.Role {
	case simFilter:
		return p.push(ctx, el.firstPad(PadSrc, false), buf)
	case simTransform:
		buf.caps = el.spec.Output
		return p.push(ctx, el.firstPad(PadSrc, false), buf)
	case simPayloader:
		if el.packetizer == nil {
			el.packetizer = newVP8Packetizer(simSSRC, uint8(el.intProperty("pt", 96)),
				el.intProperty("mtu", DefaultMTU), rtp.NewFixedSequencer(1))
		}
		packets, err := el.packetizer.packetize(buf.data, uint32(buf.pts*90000/time.Second))
		if err != nil {
			p.postError(el.name, "Failed to payload buffer.", err.Error())
			return flowFlushing
		}
		out := el.firstPad(PadSrc, false)
		for _, raw := range packets {
			b := buf
			b.caps, b.data = el.spec.Output, raw
			if ret := p.push(ctx, out, b); ret != flowOK {
				return ret
			}
		}
		return flowOK
	case simDemux:
		if !el.announced {
			el.announced = true
			for _, caps := range el.spec.Streams {
				el.announce(el.addDynamicPad("", caps))
			}
		}
		linked := false
		for _, out := range el.dynamicPads() {
			if !out.IsLinked() {
				continue
			}
			linked = true
			b := buf
			b.caps = out.template
			if ret := p.push(ctx, out, b); ret == flowFlushing {
				return ret
			}
		}
		if !linked {
			return flowNotLinked
		}
		return flowOK
	case simAppSink:
		s := &Sample{Caps: buf.caps, Data: buf.data, PTS: buf.pts, Duration: buf.dur}
		if limit := el.intProperty("max-buffers", 0); limit > 0 && len(el.samples) >= limit && el.boolProperty("drop") {
			select {
			case <-el.samples:
			default:
			}
		}
		select {
		case el.samples <- s:
		case <-ctx.Done():
			return flowFlushing
		}
		if el.boolProperty("emit-signals") {
			el.mu.Lock()
			handlers := make([]func(), 0, len(el.newSample))
			for _, fn := range el.newSample {
				handlers = append(handlers, fn)
			}
			el.mu.Unlock()
			for _, fn := range handlers {
				fn()
			}
		}
		return flowOK
	default:
		return flowOK
	}
}

func (el *simElement) dynamicPads() []*simPad {
	el.mu.Lock()
	defer el.mu.Unlock()
	var out []*simPad
	for _, p := range el.pads {
		if p.dynamic {
			out = append(out, p)
		}
	}
	return out
}

// handleEOS forwards end-of-stream downstream and reports whether a sink
// was reached.
func (el *simElement) handleEOS(p *simPipeline) {
	switch el.spec.Role {
	case simSink, simAppSink:
		el.eos.Store(true)
		p.checkEOS()
	case simDemux:
		for _, out := range el.dynamicPads() {
			p.pushEOS(out)
		}
	default:
		p.pushEOS(el.firstPad(PadSrc, false))
	}
}

type simPad struct {
	owner    *simElement
	name     string
	dir      PadDirection
	template Caps
	dynamic  bool

	mu       sync.Mutex
	caps     Caps
	peer     *simPad
	handlers map[SignalID]func(Caps)
}

func (p *simPad) Name() string { return p.name }

func (p *simPad) Caps() Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

func (p *simPad) IsLinked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer != nil
}

func (p *simPad) peerPad() *simPad {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *simPad) Link(sink Pad) error {
	s, ok := sink.(*simPad)
	if !ok {
		return fmt.Errorf("%w: foreign pad %T", ErrLinkRefused, sink)
	}
	if p.dir != PadSrc || s.dir != PadSink {
		return fmt.Errorf("%w: wrong direction %s -> %s", ErrLinkRefused, p.name, s.name)
	}
	format := p.template
	if c := p.Caps(); !c.IsEmpty() {
		format = c
	}
	if !format.CanIntersect(s.template) {
		return fmt.Errorf("%w: %s.%s (%s) incompatible with %s.%s (%s)", ErrLinkRefused,
			p.owner.name, p.name, format.MediaType(), s.owner.name, s.name, s.template.MediaType())
	}

	// Lock in a fixed order: source pad, then sink pad.
	p.mu.Lock()
	defer p.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.peer != nil || s.peer != nil {
		return fmt.Errorf("%w: %s.%s or %s.%s already linked", ErrLinkRefused, p.owner.name, p.name, s.owner.name, s.name)
	}
	p.peer, s.peer = s, p
	return nil
}

func (p *simPad) unlink() {
	p.mu.Lock()
	peer := p.peer
	p.peer = nil
	p.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.peer = nil
		peer.mu.Unlock()
	}
}

func (p *simPad) ConnectCapsChanged(fn func(Caps)) (SignalID, error) {
	id := p.owner.engine.nextSignal()
	p.mu.Lock()
	p.handlers[id] = fn
	p.mu.Unlock()
	return id, nil
}

func (p *simPad) Disconnect(id SignalID) {
	p.mu.Lock()
	delete(p.handlers, id)
	p.mu.Unlock()
}

// CapsHandlers returns the number of connected caps handlers.
func (p *simPad) CapsHandlers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

func (p *simPad) Release() {}

func (p *simPad) setCaps(c Caps) {
	p.mu.Lock()
	if p.caps == c {
		p.mu.Unlock()
		return
	}
	p.caps = c
	handlers := make([]func(Caps), 0, len(p.handlers))
	for _, fn := range p.handlers {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(c)
	}
}

type simBus struct {
	ch chan Message
}

func (b *simBus) Pop(timeout time.Duration) (Message, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-b.ch:
		return m, true
	case <-t.C:
		return Message{}, false
	}
}

func (b *simBus) post(m Message) {
	select {
	case b.ch <- m:
	default:
	}
}

type simPipeline struct {
	*simElement

	bus *simBus

	runMu     sync.Mutex
	state     State
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	members   []*simElement
	eosPosted atomic.Bool
	errPosted atomic.Bool
}

func (p *simPipeline) Bus() Bus { return p.bus }

func (p *simPipeline) Add(e Element) error {
	el, ok := asSimElement(e)
	if !ok {
		return fmt.Errorf("not a sim element: %T", e)
	}
	el.mu.Lock()
	if el.parent != nil {
		el.mu.Unlock()
		return fmt.Errorf("%s already has a parent", el.name)
	}
	el.parent = p
	el.mu.Unlock()

	p.runMu.Lock()
	for _, c := range p.members {
		if c.name == el.name {
			p.runMu.Unlock()
			el.mu.Lock()
			el.parent = nil
			el.mu.Unlock()
			return fmt.Errorf("name %q is not unique in pipeline %s", el.name, p.name)
		}
	}
	p.members = append(p.members, el)
	p.runMu.Unlock()
	return nil
}

func (p *simPipeline) SetState(s State) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if s == p.state {
		return nil
	}
	old := p.state
	switch s {
	case StatePlaying:
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.eosPosted.Store(false)
		p.errPosted.Store(false)
		for _, c := range p.members {
			if c.spec.Role == simSource {
				p.wg.Add(1)
				go p.runSource(ctx, c)
			}
		}
	case StateNull:
		if p.cancel != nil {
			p.cancel()
		}
		p.runMu.Unlock()
		p.wg.Wait()
		p.runMu.Lock()
		for _, c := range p.members {
			c.reset()
		}
	default:
		return fmt.Errorf("unsupported state %v", s)
	}
	p.state = s
	p.bus.post(Message{Type: MessageStateChanged, Source: p.name, OldState: old.String(), NewState: s.String()})
	return nil
}

func (p *simPipeline) runSource(ctx context.Context, src *simElement) {
	defer p.wg.Done()

	out := src.firstPad(PadSrc, false)
	if out == nil || !out.IsLinked() {
		p.postError(src.name, "Internal data stream error.", "streaming stopped, reason not-linked (-1)")
		return
	}
	if src.kind == "filesrc" || src.kind == "souphttpsrc" {
		if loc, _ := src.Property("location"); loc == "" {
			p.postError(src.name, "Resource not found.", "No file name specified for reading.")
			return
		}
	}

	frame := 33333333 * time.Nanosecond
	if src.spec.Output.MediaType() == "audio/x-raw" {
		frame = 20 * time.Millisecond
	}
	interval := src.engine.BufferInterval
	if src.boolProperty("is-live") || interval <= 0 {
		interval = frame
	}
	total := src.intProperty("num-buffers", -1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; total < 0 || i < total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		data := make([]byte, 64)
		for j := range data {
			data[j] = byte(i + j)
		}
		buf := simBuffer{caps: src.spec.Output, data: data, pts: time.Duration(i) * frame, dur: frame}
		switch p.push(ctx, out, buf) {
		case flowOK:
		case flowNotLinked:
			p.postError(src.name, "Internal data stream error.", "streaming stopped, reason not-linked (-1)")
			return
		default:
			return
		}
	}
	p.pushEOS(out)
}

func (p *simPipeline) push(ctx context.Context, out *simPad, buf simBuffer) flowReturn {
	if ctx.Err() != nil {
		return flowFlushing
	}
	if out == nil {
		return flowNotLinked
	}
	peer := out.peerPad()
	if peer == nil {
		return flowNotLinked
	}
	out.setCaps(buf.caps)
	peer.setCaps(buf.caps)
	return peer.owner.chain(ctx, p, peer, buf)
}

func (p *simPipeline) pushEOS(out *simPad) {
	if out == nil {
		return
	}
	if peer := out.peerPad(); peer != nil {
		peer.owner.handleEOS(p)
	}
}

func (p *simPipeline) checkEOS() {
	p.runMu.Lock()
	children := append([]*simElement(nil), p.members...)
	p.runMu.Unlock()

	sinks := 0
	for _, c := range children {
		if c.spec.Role != simSink && c.spec.Role != simAppSink {
			continue
		}
		sinks++
		if !c.eos.Load() {
			return
		}
	}
	if sinks > 0 && p.eosPosted.CompareAndSwap(false, true) {
		p.bus.post(Message{Type: MessageEOS, Source: p.name})
	}
}

func (p *simPipeline) postError(source, text, debug string) {
	if p.errPosted.CompareAndSwap(false, true) {
		p.bus.post(Message{Type: MessageError, Source: source, Text: text, Debug: debug})
	}
}

// Post puts a message on the bus, as an element would.
func (p *simPipeline) Post(m Message) { p.bus.post(m) }

func (p *simPipeline) finalize() {
	p.runMu.Lock()
	children := p.members
	p.members = nil
	p.runMu.Unlock()
	for _, c := range children {
		c.mu.Lock()
		c.parent = nil
		c.mu.Unlock()
		c.Unref()
	}
}
