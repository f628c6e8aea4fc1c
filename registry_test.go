package mediagraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDispatchAfterTeardown(t *testing.T) {
	before := callbacks.len()
	o := &observer{kind: observeCaps, node: "n"}
	id := callbacks.add(o)
	assert.Equal(t, before+1, callbacks.len())

	calls := 0
	callbacks.dispatch(id, func(*observer) { calls++ })
	assert.Equal(t, 1, calls)

	o.teardown()
	o.teardown()
	callbacks.dispatch(id, func(*observer) { calls++ })
	assert.Equal(t, 1, calls)
	assert.Equal(t, before, callbacks.len())
	assert.Nil(t, callbacks.lookup(id))
}

func TestRegistryTeardownWaitsForDispatch(t *testing.T) {
	o := &observer{kind: observePads, node: "n"}
	id := callbacks.add(o)

	entered := make(chan struct{})
	release := make(chan struct{})
	go callbacks.dispatch(id, func(*observer) {
		close(entered)
		<-release
	})
	<-entered

	done := make(chan struct{})
	go func() {
		o.teardown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("teardown returned while a dispatch was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("teardown did not return")
	}

	called := false
	callbacks.dispatch(id, func(*observer) { called = true })
	require.False(t, called)
}

func TestObserverKindString(t *testing.T) {
	assert.Equal(t, "caps", observeCaps.String())
	assert.Equal(t, "pad-added", observePads.String())
	assert.Equal(t, "new-sample", observeSamples.String())
}
