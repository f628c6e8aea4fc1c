package mediagraph

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports graph message counters, and broadcaster counters
// when one is attached, as Prometheus metrics.
type StatsCollector struct {
	graph       *Graph
	broadcaster *Broadcaster

	messages *prometheus.Desc
	state    *prometheus.Desc
	peers    *prometheus.Desc
	packets  *prometheus.Desc
	bytes    *prometheus.Desc
	frames   *prometheus.Desc
}

// NewStatsCollector creates a collector for g. b may be nil.
func NewStatsCollector(g *Graph, b *Broadcaster) *StatsCollector {
	labels := prometheus.Labels{"graph": g.Name()}
	return &StatsCollector{
		graph:       g,
		broadcaster: b,
		messages: prometheus.NewDesc("mediagraph_bus_messages_total",
			"Bus messages dispatched, by type.", []string{"type"}, labels),
		state: prometheus.NewDesc("mediagraph_playing",
			"1 while the graph is in the playing state.", nil, labels),
		peers: prometheus.NewDesc("mediagraph_webrtc_peers",
			"Connected WebRTC peers.", nil, labels),
		packets: prometheus.NewDesc("mediagraph_rtp_packets_total",
			"RTP packets sent to peers.", nil, labels),
		bytes: prometheus.NewDesc("mediagraph_rtp_bytes_total",
			"RTP bytes sent to peers.", nil, labels),
		frames: prometheus.NewDesc("mediagraph_video_frames_total",
			"Video frames sent to peers, by frame type.", []string{"frame"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.state
	if c.broadcaster != nil {
		ch <- c.peers
		ch <- c.packets
		ch <- c.bytes
		ch <- c.frames
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.graph.Stats()
	for _, m := range []struct {
		kind  MessageType
		count uint64
	}{
		{MessageEOS, s.EOS},
		{MessageError, s.Errors},
		{MessageWarning, s.Warnings},
		{MessageInfo, s.Infos},
		{MessageStateChanged, s.StateChanges},
		{MessageOther, s.Other},
	} {
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(m.count), m.kind.String())
	}

	playing := 0.0
	if c.graph.State() == StatePlaying {
		playing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, playing)

	if c.broadcaster == nil {
		return
	}
	bs := c.broadcaster.Stats()
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(bs.Peers))
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(bs.Packets))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(bs.Bytes))
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(bs.KeyFrames), "key")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(bs.Frames-bs.KeyFrames), "delta")
}
