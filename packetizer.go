package mediagraph

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const (
	// DefaultMTU is the RTP packet size used when none is configured.
	DefaultMTU    = 1200
	rtpHeaderSize = 12
)

// vp8Packetizer splits encoded VP8 frames into marshaled RTP packets.
type vp8Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	payloader   codecs.VP8Payloader
}

func newVP8Packetizer(ssrc uint32, pt uint8, mtu int, seq rtp.Sequencer) *vp8Packetizer {
	if mtu <= rtpHeaderSize {
		mtu = DefaultMTU
	}
	if seq == nil {
		seq = rtp.NewRandomSequencer()
	}
	return &vp8Packetizer{ssrc: ssrc, payloadType: pt, mtu: mtu, sequencer: seq}
}

// packetize returns the packets carrying frame. The last one has the
// marker bit set.
func (p *vp8Packetizer) packetize(frame []byte, timestamp uint32) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	payloads := p.payloader.Payload(uint16(p.mtu-rtpHeaderSize), frame)
	out := make([][]byte, 0, len(payloads))
	for i, payload := range payloads {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// vp8FrameTracker follows VP8 payload descriptors across packets and
// reports frame boundaries.
type vp8FrameTracker struct {
	mu        sync.Mutex
	desc      codecs.VP8Packet
	timestamp uint32
	key       bool
}

// push inspects one packet. done is set on the packet completing a frame,
// key when that frame is a keyframe.
func (t *vp8FrameTracker) push(pkt *rtp.Packet) (done, key bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.desc.Unmarshal(pkt.Payload); err != nil {
		return false, false, fmt.Errorf("VP8 unmarshal failed: %w", err)
	}
	if t.timestamp != pkt.Timestamp {
		t.timestamp = pkt.Timestamp
		t.key = false
	}
	// The first partition starts with the frame tag; bit 0 clear means key.
	if t.desc.S == 1 && t.desc.PID == 0 && len(t.desc.Payload) > 0 {
		t.key = t.desc.Payload[0]&0x01 == 0
	}
	if !pkt.Marker {
		return false, false, nil
	}
	key = t.key
	t.key = false
	return true, key, nil
}
