// Package mediagraph builds and runs graphs of media processing elements
// on top of a pluggable engine.
//
// Key pieces include:
//   - Node: one engine element with property access, format observation and
//     fixed or run-time (dynamic) linking
//   - Graph: the composite pipeline owning its nodes, driven from an
//     EventLoop that receives end-of-stream and error messages
//   - AppSink nodes delivering samples by engine signal (push) or through a
//     dedicated Worker (pull)
//   - Manifests: HCL graph descriptions, with built-in player profiles
//   - Broadcaster: fan-out of pulled RTP packets to WebRTC peers
//
// # Ownership
//
// A Node exclusively owns its element until it is added to a Graph. AddNode
// moves the node into the graph: the caller's value is left uninitialised
// and the graph's copy shares the element with the pipeline, which releases
// it. Observers (format callbacks, dynamic links, sample delivery) are
// stored by id in a package registry and follow the node across moves; no
// callback fires after the node that registered it is closed.
//
// # Engines
//
// GstEngine loads GStreamer at runtime through purego (CGO_ENABLED=0).
// Set MEDIAGRAPH_GST_LIB_PATH to the directory containing
// libgstreamer-1.0 when it is not on the system search path. SimEngine is
// an in-process engine with synthetic sources, used by tests and as a
// fallback.
//
// # Build Tags
//
//   - nogst: build without the GStreamer engine
package mediagraph
