//go:build (darwin || linux) && !nogst

// GStreamer engine loaded at runtime with purego.
//
// Library locations checked (in order):
//   - MEDIAGRAPH_GST_LIB_PATH environment variable (directory)
//   - GStreamer.framework (darwin)
//   - System library paths

package mediagraph

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	gstOnce    sync.Once
	gstHandle  uintptr
	gstInitErr error
	gstLoaded  bool
	gstHasApp  bool
)

// libgstreamer / libgobject / libglib function pointers
var (
	gstInit                  func(argc, argv uintptr)
	gstElementFactoryMake    func(factory, name string) uintptr
	gstElementFactoryFind    func(factory string) uintptr
	gstFactoryPadTemplates   func(factory uintptr) uintptr
	gstObjectRef             func(obj uintptr) uintptr
	gstObjectRefSink         func(obj uintptr) uintptr
	gstObjectUnref           func(obj uintptr)
	gstObjectGetName         func(obj uintptr) uintptr
	gstElementGetStaticPad   func(el uintptr, name string) uintptr
	gstElementLink           func(src, dst uintptr) bool
	gstElementSetState       func(el uintptr, state int32) int32
	gstElementGetBus         func(el uintptr) uintptr
	gstElementStateGetName   func(state int32) uintptr
	gstPipelineNew           func(name string) uintptr
	gstBinAdd                func(bin, el uintptr) bool
	gstPadLink               func(src, sink uintptr) int32
	gstPadIsLinked           func(pad uintptr) bool
	gstPadGetCurrentCaps     func(pad uintptr) uintptr
	gstCapsToString          func(caps uintptr) uintptr
	gstMiniObjectUnref       func(obj uintptr)
	gstBusTimedPopFiltered   func(bus uintptr, timeout uint64, types int32) uintptr
	gstMessageParseError     func(msg, gerr, debug uintptr)
	gstMessageParseWarning   func(msg, gerr, debug uintptr)
	gstMessageParseInfo      func(msg, gerr, debug uintptr)
	gstMessageParseState     func(msg, oldState, newState, pending uintptr)
	gstUtilSetObjectArg      func(obj uintptr, name, value string)
	gstChildProxyLookup      func(obj uintptr, name string, target, pspec uintptr) bool
	gstSampleGetBuffer       func(sample uintptr) uintptr
	gstSampleGetCaps         func(sample uintptr) uintptr
	gstBufferGetSize         func(buf uintptr) uintptr
	gstBufferExtract         func(buf, offset, dest, size uintptr) uintptr
	gObjectClassFindProperty func(class uintptr, name string) uintptr
	gObjectGetProperty       func(obj uintptr, name string, value uintptr)
	gObjectUnref             func(obj uintptr)
	gValueInit               func(value, gtype uintptr) uintptr
	gValueUnset              func(value uintptr)
	gStrdupValueContents     func(value uintptr) uintptr
	gSignalConnectData       func(instance uintptr, signal string, handler, data, destroy uintptr, flags int32) uint64
	gSignalHandlerDisconnect func(instance uintptr, id uint64)
	gFree                    func(ptr uintptr)
	gErrorFree               func(err uintptr)

	gstAppSinkTryPullSample func(sink uintptr, timeout uint64) uintptr
	gstAppSinkIsEOS         func(sink uintptr) bool
)

// Constants from gstreamer headers
const (
	gstStateNull    = 1
	gstStatePlaying = 4

	gstStateChangeFailure = 0

	gstMessageEOS          = 1 << 0
	gstMessageError        = 1 << 1
	gstMessageWarning      = 1 << 2
	gstMessageInfo         = 1 << 3
	gstMessageStateChanged = 1 << 6

	gstPadDirSrc  = 1
	gstPadDirSink = 2

	gstPadAlways    = 0
	gstPadSometimes = 1
	gstPadRequest   = 2

	gstClockTimeNone = ^uint64(0)
)

// Struct offsets (64-bit)
const (
	gObjectRefCountOffset   = 8  // GObject.ref_count
	gErrorMessageOffset     = 8  // GError.message
	gstMessageTypeOffset    = 64 // GstMessage.type
	gstMessageSrcOffset     = 80 // GstMessage.src
	gstBufferPTSOffset      = 72 // GstBuffer.pts
	gstBufferDurationOffset = 88 // GstBuffer.duration
	gParamSpecTypeOffset    = 24 // GParamSpec.value_type
	gValueSize              = 24

	gstStaticTemplateDirOffset      = 8
	gstStaticTemplatePresenceOffset = 12
	gstStaticTemplateCapsOffset     = 24 // GstStaticCaps.string
	gListNextOffset                 = 8
)

const gstBusMessages = gstMessageEOS | gstMessageError | gstMessageWarning | gstMessageInfo | gstMessageStateChanged

// loadGst loads the GStreamer libraries and initializes the framework.
func loadGst() error {
	gstOnce.Do(func() {
		gstInitErr = loadGstLib()
		if gstInitErr == nil {
			gstInit(0, 0)
			gstLoaded = true
		}
	})
	return gstInitErr
}

func loadGstLib() error {
	var lastErr error
	for _, path := range getGstLibPaths("gstreamer-1.0") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := loadGstSymbols(handle); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		gstHandle = handle
		break
	}
	if gstHandle == 0 {
		if lastErr != nil {
			return fmt.Errorf("failed to load libgstreamer-1.0: %w", lastErr)
		}
		return errors.New("libgstreamer-1.0 not found in any standard location")
	}

	for _, path := range getGstLibPaths("gstapp-1.0") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			continue
		}
		if _, err := purego.Dlsym(handle, "gst_app_sink_try_pull_sample"); err != nil {
			purego.Dlclose(handle)
			continue
		}
		purego.RegisterLibFunc(&gstAppSinkTryPullSample, handle, "gst_app_sink_try_pull_sample")
		purego.RegisterLibFunc(&gstAppSinkIsEOS, handle, "gst_app_sink_is_eos")
		gstHasApp = true
		break
	}
	return nil
}

func gstLibName(lib string) string {
	if runtime.GOOS == "darwin" {
		return "lib" + lib + ".0.dylib"
	}
	return "lib" + lib + ".so.0"
}

func getGstLibPaths(lib string) []string {
	var paths []string
	libName := gstLibName(lib)

	// Environment variable override
	if envPath := os.Getenv("MEDIAGRAPH_GST_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			filepath.Join("/Library/Frameworks/GStreamer.framework/Versions/1.0/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
			filepath.Join("/usr/local/lib", libName),
			libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/lib/x86_64-linux-gnu", libName),
			filepath.Join("/usr/lib/aarch64-linux-gnu", libName),
			filepath.Join("/usr/lib64", libName),
			filepath.Join("/usr/lib", libName),
			filepath.Join("/usr/local/lib", libName),
		)
	}
	return paths
}

// loadGstSymbols resolves gst, gobject and glib symbols through the
// gstreamer handle, which pulls in its dependencies.
func loadGstSymbols(h uintptr) error {
	if _, err := purego.Dlsym(h, "gst_element_factory_make"); err != nil {
		return err
	}

	purego.RegisterLibFunc(&gstInit, h, "gst_init")
	purego.RegisterLibFunc(&gstElementFactoryMake, h, "gst_element_factory_make")
	purego.RegisterLibFunc(&gstElementFactoryFind, h, "gst_element_factory_find")
	purego.RegisterLibFunc(&gstFactoryPadTemplates, h, "gst_element_factory_get_static_pad_templates")
	purego.RegisterLibFunc(&gstObjectRef, h, "gst_object_ref")
	purego.RegisterLibFunc(&gstObjectRefSink, h, "gst_object_ref_sink")
	purego.RegisterLibFunc(&gstObjectUnref, h, "gst_object_unref")
	purego.RegisterLibFunc(&gstObjectGetName, h, "gst_object_get_name")
	purego.RegisterLibFunc(&gstElementGetStaticPad, h, "gst_element_get_static_pad")
	purego.RegisterLibFunc(&gstElementLink, h, "gst_element_link")
	purego.RegisterLibFunc(&gstElementSetState, h, "gst_element_set_state")
	purego.RegisterLibFunc(&gstElementGetBus, h, "gst_element_get_bus")
	purego.RegisterLibFunc(&gstElementStateGetName, h, "gst_element_state_get_name")
	purego.RegisterLibFunc(&gstPipelineNew, h, "gst_pipeline_new")
	purego.RegisterLibFunc(&gstBinAdd, h, "gst_bin_add")
	purego.RegisterLibFunc(&gstPadLink, h, "gst_pad_link")
	purego.RegisterLibFunc(&gstPadIsLinked, h, "gst_pad_is_linked")
	purego.RegisterLibFunc(&gstPadGetCurrentCaps, h, "gst_pad_get_current_caps")
	purego.RegisterLibFunc(&gstCapsToString, h, "gst_caps_to_string")
	purego.RegisterLibFunc(&gstMiniObjectUnref, h, "gst_mini_object_unref")
	purego.RegisterLibFunc(&gstBusTimedPopFiltered, h, "gst_bus_timed_pop_filtered")
	purego.RegisterLibFunc(&gstMessageParseError, h, "gst_message_parse_error")
	purego.RegisterLibFunc(&gstMessageParseWarning, h, "gst_message_parse_warning")
	purego.RegisterLibFunc(&gstMessageParseInfo, h, "gst_message_parse_info")
	purego.RegisterLibFunc(&gstMessageParseState, h, "gst_message_parse_state_changed")
	purego.RegisterLibFunc(&gstUtilSetObjectArg, h, "gst_util_set_object_arg")
	purego.RegisterLibFunc(&gstChildProxyLookup, h, "gst_child_proxy_lookup")
	purego.RegisterLibFunc(&gstSampleGetBuffer, h, "gst_sample_get_buffer")
	purego.RegisterLibFunc(&gstSampleGetCaps, h, "gst_sample_get_caps")
	purego.RegisterLibFunc(&gstBufferGetSize, h, "gst_buffer_get_size")
	purego.RegisterLibFunc(&gstBufferExtract, h, "gst_buffer_extract")

	purego.RegisterLibFunc(&gObjectClassFindProperty, h, "g_object_class_find_property")
	purego.RegisterLibFunc(&gObjectGetProperty, h, "g_object_get_property")
	purego.RegisterLibFunc(&gObjectUnref, h, "g_object_unref")
	purego.RegisterLibFunc(&gValueInit, h, "g_value_init")
	purego.RegisterLibFunc(&gValueUnset, h, "g_value_unset")
	purego.RegisterLibFunc(&gStrdupValueContents, h, "g_strdup_value_contents")
	purego.RegisterLibFunc(&gSignalConnectData, h, "g_signal_connect_data")
	purego.RegisterLibFunc(&gSignalHandlerDisconnect, h, "g_signal_handler_disconnect")
	purego.RegisterLibFunc(&gFree, h, "g_free")
	purego.RegisterLibFunc(&gErrorFree, h, "g_error_free")
	return nil
}

// IsGstAvailable checks if the GStreamer libraries can be loaded.
func IsGstAvailable() bool {
	if err := loadGst(); err != nil {
		return false
	}
	return gstLoaded
}

// gstString converts a C string pointer to a Go string.
func gstString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// gstTakeString converts and frees a string owned by the caller.
func gstTakeString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	s := gstString(ptr)
	gFree(ptr)
	return s
}

func gstReadPtr(base uintptr, offset uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(base + offset))
}

// Global callback state for purego. Engine-side handlers carry an integer
// id as user data; the Go handler is looked up at call time.
var (
	gstHandlersMu     sync.RWMutex
	gstHandlers       = make(map[uintptr]any)
	gstHandlerCounter uintptr
	gstCallbackOnce   sync.Once
	gstPadAddedCB     uintptr
	gstNotifyCB       uintptr
	gstNewSampleCB    uintptr
)

func initGstCallbacks() {
	gstCallbackOnce.Do(func() {
		gstPadAddedCB = purego.NewCallback(gstPadAddedHandler)
		gstNotifyCB = purego.NewCallback(gstNotifyHandler)
		gstNewSampleCB = purego.NewCallback(gstNewSampleHandler)
	})
}

func addGstHandler(fn any) uintptr {
	gstHandlersMu.Lock()
	defer gstHandlersMu.Unlock()
	gstHandlerCounter++
	gstHandlers[gstHandlerCounter] = fn
	return gstHandlerCounter
}

func removeGstHandler(id uintptr) {
	gstHandlersMu.Lock()
	delete(gstHandlers, id)
	gstHandlersMu.Unlock()
}

func lookupGstHandler[T any](id uintptr) (T, bool) {
	gstHandlersMu.RLock()
	fn, ok := gstHandlers[id].(T)
	gstHandlersMu.RUnlock()
	return fn, ok
}

// gstPadAddedHandler is called by GStreamer for "pad-added".
func gstPadAddedHandler(element, pad, userData uintptr) {
	fn, ok := lookupGstHandler[func(Pad)](userData)
	if !ok {
		return
	}
	fn(&gstPad{ptr: pad, borrowed: true})
}

// gstNotifyHandler is called by GStreamer for "notify::<property>".
func gstNotifyHandler(object, pspec, userData uintptr) {
	fn, ok := lookupGstHandler[func()](userData)
	if !ok {
		return
	}
	fn()
}

// gstNewSampleHandler is called by appsink for "new-sample".
func gstNewSampleHandler(sink, userData uintptr) uintptr {
	if fn, ok := lookupGstHandler[func()](userData); ok {
		fn()
	}
	return 0 // GST_FLOW_OK
}

// gstSignals tracks handlers connected on one instance.
type gstSignals struct {
	mu  sync.Mutex
	ids map[SignalID]uintptr
}

func (s *gstSignals) connect(instance uintptr, signal string, cb uintptr, fn any) (SignalID, error) {
	initGstCallbacks()
	data := addGstHandler(fn)
	sig := gSignalConnectData(instance, signal, cb, data, 0, 0)
	if sig == 0 {
		removeGstHandler(data)
		return 0, fmt.Errorf("failed to connect %q", signal)
	}
	s.mu.Lock()
	if s.ids == nil {
		s.ids = make(map[SignalID]uintptr)
	}
	s.ids[SignalID(sig)] = data
	s.mu.Unlock()
	return SignalID(sig), nil
}

func (s *gstSignals) disconnect(instance uintptr, id SignalID) {
	s.mu.Lock()
	data, ok := s.ids[id]
	delete(s.ids, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	gSignalHandlerDisconnect(instance, uint64(id))
	removeGstHandler(data)
}

// GstEngine creates GStreamer elements.
type GstEngine struct {
	mu      sync.Mutex
	counter int
}

// NewGstEngine loads GStreamer. It fails with ErrEngineUnavailable when the
// libraries cannot be found.
func NewGstEngine() (*GstEngine, error) {
	if err := loadGst(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return &GstEngine{}, nil
}

// Name implements Engine.
func (e *GstEngine) Name() string { return "gst" }

// HasKind implements Engine.
func (e *GstEngine) HasKind(kind string) bool {
	f := gstElementFactoryFind(kind)
	if f == 0 {
		return false
	}
	gstObjectUnref(f)
	return true
}

func (e *GstEngine) uniqueName(kind string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	return fmt.Sprintf("%s%d", kind, e.counter)
}

// MakeElement implements Engine. The returned element holds one full
// reference.
func (e *GstEngine) MakeElement(kind, alias string) (Element, error) {
	if alias == "" {
		alias = e.uniqueName(kind)
	}
	ptr := gstElementFactoryMake(kind, alias)
	if ptr == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	gstObjectRefSink(ptr)

	el := &gstElement{ptr: ptr, kind: kind, name: alias}
	if kind == "appsink" && gstHasApp {
		return &gstAppSink{gstElement: el}, nil
	}
	return el, nil
}

// NewPipeline implements Engine.
func (e *GstEngine) NewPipeline(name string) (Pipeline, error) {
	ptr := gstPipelineNew(name)
	if ptr == 0 {
		return nil, fmt.Errorf("failed to create pipeline %q", name)
	}
	gstObjectRefSink(ptr)
	return &gstPipeline{gstElement: &gstElement{ptr: ptr, kind: "pipeline", name: name}}, nil
}

type gstElement struct {
	ptr  uintptr
	kind string
	name string

	signals gstSignals
}

func (el *gstElement) Ref()   { gstObjectRef(el.ptr) }
func (el *gstElement) Unref() { gstObjectUnref(el.ptr) }

func (el *gstElement) RefCount() int {
	return int(*(*uint32)(unsafe.Pointer(el.ptr + gObjectRefCountOffset)))
}

func (el *gstElement) Kind() string { return el.kind }
func (el *gstElement) Name() string { return el.name }

// PadTemplates reads the factory's static templates.
func (el *gstElement) PadTemplates() []PadTemplate {
	f := gstElementFactoryFind(el.kind)
	if f == 0 {
		return nil
	}
	defer gstObjectUnref(f)

	var out []PadTemplate
	for l := gstFactoryPadTemplates(f); l != 0; l = gstReadPtr(l, gListNextOffset) {
		t := gstReadPtr(l, 0)
		if t == 0 {
			continue
		}
		dir := *(*int32)(unsafe.Pointer(t + gstStaticTemplateDirOffset))
		presence := *(*int32)(unsafe.Pointer(t + gstStaticTemplatePresenceOffset))

		pt := PadTemplate{
			Name: gstString(gstReadPtr(t, 0)),
			Caps: Caps(gstString(gstReadPtr(t, gstStaticTemplateCapsOffset))),
		}
		switch dir {
		case gstPadDirSrc:
			pt.Direction = PadSrc
		case gstPadDirSink:
			pt.Direction = PadSink
		}
		switch presence {
		case gstPadSometimes:
			pt.Presence = PadSometimes
		case gstPadRequest:
			pt.Presence = PadRequest
		default:
			pt.Presence = PadAlways
		}
		out = append(out, pt)
	}
	return out
}

func (el *gstElement) findProperty(name string) uintptr {
	class := gstReadPtr(el.ptr, 0) // GTypeInstance.g_class
	return gObjectClassFindProperty(class, name)
}

func (el *gstElement) SetProperty(name, value string) error {
	if el.findProperty(name) == 0 {
		return fmt.Errorf("%w: %s.%s", ErrNoProperty, el.kind, name)
	}
	gstUtilSetObjectArg(el.ptr, name, value)
	return nil
}

func (el *gstElement) Property(name string) (string, error) {
	pspec := el.findProperty(name)
	if pspec == 0 {
		return "", fmt.Errorf("%w: %s.%s", ErrNoProperty, el.kind, name)
	}
	value := make([]byte, gValueSize)
	v := uintptr(unsafe.Pointer(&value[0]))
	gValueInit(v, gstReadPtr(pspec, gParamSpecTypeOffset))
	gObjectGetProperty(el.ptr, name, v)
	s := gstTakeString(gStrdupValueContents(v))
	gValueUnset(v)
	runtime.KeepAlive(value)

	s = strings.Trim(s, "\"")
	switch s {
	case "TRUE":
		return "true", nil
	case "FALSE":
		return "false", nil
	case "NULL":
		return "", nil
	}
	return s, nil
}

func (el *gstElement) SetChildProperty(path, value string) error {
	if !strings.Contains(path, "::") {
		return fmt.Errorf("%w: %q is not child::property", ErrNoProperty, path)
	}
	var target, pspec uintptr
	if !gstChildProxyLookup(el.ptr, path, uintptr(unsafe.Pointer(&target)), uintptr(unsafe.Pointer(&pspec))) {
		return fmt.Errorf("%w: %s %s", ErrNoProperty, el.kind, path)
	}
	defer gObjectUnref(target)
	gstUtilSetObjectArg(target, gstString(gstReadPtr(pspec, 8)), value)
	return nil
}

func (el *gstElement) Link(dst Element) error {
	d, ok := gstElementOf(dst)
	if !ok {
		return fmt.Errorf("%w: foreign element %T", ErrLinkRefused, dst)
	}
	if !gstElementLink(el.ptr, d.ptr) {
		return fmt.Errorf("%w: %s -> %s", ErrLinkRefused, el.name, d.name)
	}
	return nil
}

func gstElementOf(e Element) (*gstElement, bool) {
	switch v := e.(type) {
	case *gstElement:
		return v, true
	case *gstAppSink:
		return v.gstElement, true
	case *gstPipeline:
		return v.gstElement, true
	default:
		return nil, false
	}
}

func (el *gstElement) StaticPad(name string) (Pad, error) {
	ptr := gstElementGetStaticPad(el.ptr, name)
	if ptr == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoPad, el.name, name)
	}
	return &gstPad{ptr: ptr}, nil
}

func (el *gstElement) ConnectPadAdded(fn func(Pad)) (SignalID, error) {
	initGstCallbacks()
	return el.signals.connect(el.ptr, "pad-added", gstPadAddedCB, fn)
}

func (el *gstElement) Disconnect(id SignalID) {
	el.signals.disconnect(el.ptr, id)
}

type gstPad struct {
	ptr      uintptr
	borrowed bool

	signals gstSignals
}

func (p *gstPad) Name() string { return gstTakeString(gstObjectGetName(p.ptr)) }

func (p *gstPad) Caps() Caps {
	caps := gstPadGetCurrentCaps(p.ptr)
	if caps == 0 {
		return ""
	}
	defer gstMiniObjectUnref(caps)
	return Caps(gstTakeString(gstCapsToString(caps)))
}

func (p *gstPad) IsLinked() bool { return gstPadIsLinked(p.ptr) }

func (p *gstPad) Link(sink Pad) error {
	s, ok := sink.(*gstPad)
	if !ok {
		return fmt.Errorf("%w: foreign pad %T", ErrLinkRefused, sink)
	}
	switch ret := gstPadLink(p.ptr, s.ptr); ret {
	case 0:
		return nil
	case -1:
		return fmt.Errorf("%w: wrong hierarchy", ErrLinkRefused)
	case -2:
		return fmt.Errorf("%w: pad was already linked", ErrLinkRefused)
	case -3:
		return fmt.Errorf("%w: wrong direction", ErrLinkRefused)
	case -4:
		return fmt.Errorf("%w: no common format", ErrLinkRefused)
	default:
		return fmt.Errorf("%w: code %d", ErrLinkRefused, ret)
	}
}

func (p *gstPad) ConnectCapsChanged(fn func(Caps)) (SignalID, error) {
	initGstCallbacks()
	return p.signals.connect(p.ptr, "notify::caps", gstNotifyCB, func() {
		if c := p.Caps(); !c.IsEmpty() {
			fn(c)
		}
	})
}

func (p *gstPad) Disconnect(id SignalID) {
	p.signals.disconnect(p.ptr, id)
}

func (p *gstPad) Release() {
	if !p.borrowed && p.ptr != 0 {
		gstObjectUnref(p.ptr)
		p.ptr = 0
	}
}

type gstAppSink struct {
	*gstElement
}

func (s *gstAppSink) ConnectNewSample(fn func()) (SignalID, error) {
	initGstCallbacks()
	return s.signals.connect(s.ptr, "new-sample", gstNewSampleCB, fn)
}

// TryPullSample implements SampleSource.
func (s *gstAppSink) TryPullSample(timeout time.Duration) (*Sample, error) {
	if timeout < 0 {
		timeout = 0
	}
	ptr := gstAppSinkTryPullSample(s.ptr, uint64(timeout))
	if ptr == 0 {
		if gstAppSinkIsEOS(s.ptr) {
			return nil, io.EOF
		}
		return nil, nil
	}
	defer gstMiniObjectUnref(ptr)

	out := &Sample{}
	if caps := gstSampleGetCaps(ptr); caps != 0 {
		out.Caps = Caps(gstTakeString(gstCapsToString(caps)))
	}
	buf := gstSampleGetBuffer(ptr)
	if buf == 0 {
		return out, nil
	}
	if size := gstBufferGetSize(buf); size > 0 {
		out.Data = make([]byte, size)
		gstBufferExtract(buf, 0, uintptr(unsafe.Pointer(&out.Data[0])), size)
	}
	if pts := *(*uint64)(unsafe.Pointer(buf + gstBufferPTSOffset)); pts != gstClockTimeNone {
		out.PTS = time.Duration(pts)
	}
	if d := *(*uint64)(unsafe.Pointer(buf + gstBufferDurationOffset)); d != gstClockTimeNone {
		out.Duration = time.Duration(d)
	}
	return out, nil
}

type gstPipeline struct {
	*gstElement

	busOnce sync.Once
	bus     *gstBus
}

// Add puts e in the bin and drops the reference MakeElement handed out.
func (p *gstPipeline) Add(e Element) error {
	el, ok := gstElementOf(e)
	if !ok {
		return fmt.Errorf("not a gst element: %T", e)
	}
	if !gstBinAdd(p.ptr, el.ptr) {
		return fmt.Errorf("failed to add %s to %s", el.name, p.name)
	}
	gstObjectUnref(el.ptr)
	return nil
}

func (p *gstPipeline) SetState(s State) error {
	target := int32(gstStateNull)
	if s == StatePlaying {
		target = gstStatePlaying
	}
	if gstElementSetState(p.ptr, target) == gstStateChangeFailure {
		return fmt.Errorf("state change to %s failed", s)
	}
	return nil
}

func (p *gstPipeline) Bus() Bus {
	p.busOnce.Do(func() {
		p.bus = &gstBus{ptr: gstElementGetBus(p.ptr)}
	})
	return p.bus
}

// Unref drops the bus reference together with the last pipeline reference.
func (p *gstPipeline) Unref() {
	if p.RefCount() == 1 && p.bus != nil && p.bus.ptr != 0 {
		gstObjectUnref(p.bus.ptr)
		p.bus.ptr = 0
	}
	gstObjectUnref(p.ptr)
}

type gstBus struct {
	ptr uintptr
}

func (b *gstBus) Pop(timeout time.Duration) (Message, bool) {
	if b.ptr == 0 {
		time.Sleep(timeout)
		return Message{}, false
	}
	msg := gstBusTimedPopFiltered(b.ptr, uint64(timeout), gstBusMessages)
	if msg == 0 {
		return Message{}, false
	}
	defer gstMiniObjectUnref(msg)
	return parseGstMessage(msg), true
}

func parseGstMessage(msg uintptr) Message {
	var out Message
	if src := gstReadPtr(msg, gstMessageSrcOffset); src != 0 {
		out.Source = gstTakeString(gstObjectGetName(src))
	}

	parse := func(fn func(msg, gerr, debug uintptr)) {
		var gerr, debug uintptr
		fn(msg, uintptr(unsafe.Pointer(&gerr)), uintptr(unsafe.Pointer(&debug)))
		if gerr != 0 {
			out.Text = gstString(gstReadPtr(gerr, gErrorMessageOffset))
			gErrorFree(gerr)
		}
		out.Debug = gstTakeString(debug)
	}

	switch *(*int32)(unsafe.Pointer(msg + gstMessageTypeOffset)) {
	case gstMessageEOS:
		out.Type = MessageEOS
	case gstMessageError:
		out.Type = MessageError
		parse(gstMessageParseError)
	case gstMessageWarning:
		out.Type = MessageWarning
		parse(gstMessageParseWarning)
	case gstMessageInfo:
		out.Type = MessageInfo
		parse(gstMessageParseInfo)
	case gstMessageStateChanged:
		var oldState, newState, pending int32
		gstMessageParseState(msg,
			uintptr(unsafe.Pointer(&oldState)),
			uintptr(unsafe.Pointer(&newState)),
			uintptr(unsafe.Pointer(&pending)))
		out.Type = MessageStateChanged
		out.OldState = strings.ToLower(gstString(gstElementStateGetName(oldState)))
		out.NewState = strings.ToLower(gstString(gstElementStateGetName(newState)))
	default:
		out.Type = MessageOther
	}
	return out
}
