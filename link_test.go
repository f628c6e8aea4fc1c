package mediagraph

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type linkRecorder struct {
	mu     sync.Mutex
	events []LinkEvent
}

func (r *linkRecorder) OnDynamicLink(ev LinkEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *linkRecorder) last() LinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return LinkEvent{}
	}
	return r.events[len(r.events)-1]
}

func (r *linkRecorder) count(res LinkResult) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Result == res {
			n++
		}
	}
	return n
}

func (r *linkRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestLinkFixed(t *testing.T) {
	engine := NewSimEngine()
	src := NewNode(engine, "videotestsrc", "src")
	convert := NewNode(engine, "videoconvert", "convert")
	defer src.Close()
	defer convert.Close()

	require.True(t, src.Link(convert))
	assert.True(t, simPadOf(t, src, "src").IsLinked())
	assert.True(t, simPadOf(t, convert, "sink").IsLinked())

	// The input is taken now.
	other := NewNode(engine, "videotestsrc", "other")
	defer other.Close()
	assert.False(t, other.Link(convert))
}

func TestLinkFixedIncompatible(t *testing.T) {
	logHook.Reset()
	engine := NewSimEngine()
	src := NewNode(engine, "audiotestsrc", "src")
	convert := NewNode(engine, "videoconvert", "convert")
	defer src.Close()
	defer convert.Close()

	assert.False(t, src.Link(convert))
	assert.True(t, loggedAt(logrus.ErrorLevel, "linkage of elements unsuccessful"))
	assert.False(t, simPadOf(t, convert, "sink").IsLinked())
}

func TestLinkChainStopsAtFirstFailure(t *testing.T) {
	engine := NewSimEngine()
	src := NewNode(engine, "videotestsrc", "src")
	convert := NewNode(engine, "videoconvert", "convert")
	audio := NewNode(engine, "audioconvert", "audio")
	sink := NewNode(engine, "fakesink", "sink")
	for _, n := range []*Node{src, convert, audio, sink} {
		defer n.Close()
	}

	assert.False(t, src.LinkChain(convert, audio, sink))
	assert.True(t, simPadOf(t, src, "src").IsLinked())
	assert.False(t, simPadOf(t, convert, "src").IsLinked())
	assert.False(t, simPadOf(t, sink, "sink").IsLinked())

	assert.True(t, sink.LinkChain())
}

func TestLinkChainNilNode(t *testing.T) {
	logHook.Reset()
	engine := NewSimEngine()
	src := NewNode(engine, "videotestsrc", "src")
	convert := NewNode(engine, "videoconvert", "convert")
	defer src.Close()
	defer convert.Close()

	assert.False(t, src.LinkChain(nil))
	assert.False(t, src.LinkChain(convert, nil))
	assert.True(t, simPadOf(t, src, "src").IsLinked())
	assert.True(t, loggedAt(logrus.ErrorLevel, "failed linkage in chain: nil node"))
}

func TestDynamicLinkCompatiblePadOnly(t *testing.T) {
	logHook.Reset()
	engine := NewSimEngine()
	dec := NewNode(engine, "decodebin", "dec")
	convert := NewNode(engine, "videoconvert", "convert")

	rec := &linkRecorder{}
	require.True(t, dec.LinkNotify(convert, rec))
	// The observer keeps the consumer alive.
	assert.Equal(t, 2, simElementOf(t, convert).RefCount())
	assert.Equal(t, 0, rec.len())

	_, err := engine.AddPad(dec.Element(), "src_0", simAudioCaps)
	require.NoError(t, err)
	ev := rec.last()
	assert.Equal(t, LinkFailed, ev.Result)
	assert.ErrorIs(t, ev.Err, ErrLinkRefused)
	assert.Equal(t, "dec", ev.Producer)
	assert.Equal(t, "convert", ev.Consumer)
	assert.Equal(t, "src_0", ev.Pad)

	_, err = engine.AddPad(dec.Element(), "src_1", simVideoCaps)
	require.NoError(t, err)
	assert.Equal(t, LinkLinked, rec.last().Result)
	assert.True(t, simPadOf(t, convert, "sink").IsLinked())

	_, err = engine.AddPad(dec.Element(), "src_2", simVideoCaps)
	require.NoError(t, err)
	assert.Equal(t, LinkAlreadyLinked, rec.last().Result)
	assert.True(t, loggedAt(logrus.InfoLevel, "sink pad is already linked, ignoring"))

	// Re-announcing the linked pad changes nothing.
	_, err = engine.AddPad(dec.Element(), "src_1", simVideoCaps)
	require.NoError(t, err)
	assert.Equal(t, LinkAlreadyLinked, rec.last().Result)

	assert.Equal(t, 1, rec.count(LinkLinked))
	assert.Equal(t, 2, rec.count(LinkAlreadyLinked))
	assert.Equal(t, 1, rec.count(LinkFailed))

	dec.Close()
	assert.Equal(t, 1, simElementOf(t, convert).RefCount())
	convert.Close()
	assert.Equal(t, 0, engine.Live())
}

func TestDynamicLinkFollowsMove(t *testing.T) {
	engine := NewSimEngine()
	before := callbacks.len()
	dec := NewNode(engine, "decodebin", "dec")
	convert := NewNode(engine, "videoconvert", "convert")

	rec := &linkRecorder{}
	require.True(t, dec.LinkNotify(convert, rec))
	el := simElementOf(t, dec)

	moved := dec.Move()
	assert.Equal(t, 1, el.PadAddedHandlers())
	assert.Equal(t, 2, simElementOf(t, convert).RefCount())
	assert.Equal(t, before+1, callbacks.len())

	_, err := engine.AddPad(moved.Element(), "", simVideoCaps)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.len())
	assert.Equal(t, LinkLinked, rec.last().Result)

	moved.Close()
	assert.Equal(t, 0, el.PadAddedHandlers())
	convert.Close()
	assert.Equal(t, 0, engine.Live())
	assert.Equal(t, before, callbacks.len())
}

func TestDynamicLinkWithoutConsumerInput(t *testing.T) {
	engine := NewSimEngine()
	dec := NewNode(engine, "decodebin", "dec")
	src := NewNode(engine, "videotestsrc", "src")
	defer src.Close()
	defer dec.Close()

	rec := &linkRecorder{}
	require.True(t, dec.LinkNotify(src, rec))
	_, err := engine.AddPad(dec.Element(), "", simVideoCaps)
	require.NoError(t, err)
	assert.Equal(t, LinkFailed, rec.last().Result)
	assert.ErrorIs(t, rec.last().Err, ErrNoInputPad)
}

func TestLinkResultString(t *testing.T) {
	assert.Equal(t, "linked", LinkLinked.String())
	assert.Equal(t, "already-linked", LinkAlreadyLinked.String())
	assert.Equal(t, "failed", LinkFailed.String())
}
