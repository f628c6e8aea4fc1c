package mediagraph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPeer is returned for operations on a peer that is not connected.
var ErrUnknownPeer = errors.New("unknown peer")

// BroadcasterStats counts packets fanned out to peers.
type BroadcasterStats struct {
	Packets   uint64
	Bytes     uint64
	Frames    uint64
	KeyFrames uint64
	Malformed uint64
	Peers     int
}

// Broadcaster sends one VP8 RTP stream, pulled from an application sink,
// to every connected WebRTC peer.
type Broadcaster struct {
	track  *webrtc.TrackLocalStaticRTP
	config webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection

	frames    vp8FrameTracker
	packets   atomic.Uint64
	bytes     atomic.Uint64
	completed atomic.Uint64
	keyframes atomic.Uint64
	malformed atomic.Uint64
}

// NewBroadcaster creates the shared track. streamID labels the stream in
// the session description.
func NewBroadcaster(streamID string, iceServers ...webrtc.ICEServer) (*Broadcaster, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("NewTrackLocalStaticRTP: %w", err)
	}
	return &Broadcaster{
		track:  track,
		config: webrtc.Configuration{ICEServers: iceServers},
		peers:  make(map[string]*webrtc.PeerConnection),
	}, nil
}

// Answer accepts a viewer's offer and returns the local answer once ICE
// gathering completes.
func (b *Broadcaster) Answer(peerID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(b.config)
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}

	sender, err := pc.AddTrack(b.track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("AddTrack: %w", err)
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	entry := log().WithField("peer", peerID)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		entry.WithField("state", state.String()).Info("peer connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			b.forget(peerID, pc)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("CreateAnswer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	<-gatherComplete

	b.mu.Lock()
	old := b.peers[peerID]
	b.peers[peerID] = pc
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}

	entry.Info("peer added")
	return pc.LocalDescription(), nil
}

// RemovePeer closes and forgets a peer.
func (b *Broadcaster) RemovePeer(peerID string) error {
	b.mu.Lock()
	pc, ok := b.peers[peerID]
	delete(b.peers, peerID)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	log().WithField("peer", peerID).Info("peer removed")
	return pc.Close()
}

// forget drops peerID if it still maps to pc. A replaced connection closing
// later must not evict its successor.
func (b *Broadcaster) forget(peerID string, pc *webrtc.PeerConnection) {
	b.mu.Lock()
	drop := b.peers[peerID] == pc
	if drop {
		delete(b.peers, peerID)
	}
	b.mu.Unlock()
	if drop {
		log().WithField("peer", peerID).Info("peer gone")
		pc.Close()
	}
}

// Peers returns the number of connected peers.
func (b *Broadcaster) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// WriteSample forwards one VP8 RTP packet pulled from a sink. A nil
// sample, sent when pulling stops, is ignored.
func (b *Broadcaster) WriteSample(s *Sample) error {
	if s == nil {
		return nil
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(s.Data); err != nil {
		b.malformed.Add(1)
		return fmt.Errorf("malformed rtp packet: %w", err)
	}
	done, key, err := b.frames.push(&pkt)
	if err != nil {
		b.malformed.Add(1)
		return err
	}
	if err := b.track.WriteRTP(&pkt); err != nil {
		return err
	}
	b.packets.Add(1)
	b.bytes.Add(uint64(len(s.Data)))
	if done {
		b.completed.Add(1)
		if key {
			b.keyframes.Add(1)
		}
	}
	return nil
}

// SampleCallback adapts the broadcaster to an application sink.
func (b *Broadcaster) SampleCallback() SampleCallback {
	return func(s *Sample) {
		if err := b.WriteSample(s); err != nil {
			log().WithError(err).Debug("rtp packet dropped")
		}
	}
}

// Stats returns packet counters.
func (b *Broadcaster) Stats() BroadcasterStats {
	// Keyframes are counted after frames, so load them first.
	keyframes := b.keyframes.Load()
	return BroadcasterStats{
		Packets:   b.packets.Load(),
		Bytes:     b.bytes.Load(),
		Frames:    b.completed.Load(),
		KeyFrames: keyframes,
		Malformed: b.malformed.Load(),
		Peers:     b.Peers(),
	}
}

// Close closes every peer connection.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*webrtc.PeerConnection)
	b.mu.Unlock()

	var result *multierror.Error
	for id, pc := range peers {
		if err := pc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	log().WithFields(logrus.Fields{"peers": len(peers)}).Info("broadcaster closed")
	return result.ErrorOrNil()
}
