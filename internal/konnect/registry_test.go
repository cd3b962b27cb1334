package konnect

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(srv *Server, deviceID string) *Session {
	return &Session{
		srv:      srv,
		log:      logrus.WithField("test", deviceID),
		deviceID: deviceID,
		send:     make(chan []byte, 1),
		closeCh:  make(chan struct{}),
	}
}

func newBareServer() *Server {
	return &Server{
		log:      logrus.WithField("component", "test"),
		registry: NewRegistry(),
		subs:     make(map[chan Event]struct{}),
	}
}

// TestRegistryAddRemove tests basic membership bookkeeping.
func TestRegistryAddRemove(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	a := newTestSession(srv, "aaa")
	b := newTestSession(srv, "bbb")

	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())

	assert.Same(t, a, r.ByDevice("aaa"))
	assert.Same(t, b, r.ByDevice("bbb"))
	assert.Nil(t, r.ByDevice("ccc"))
	assert.Nil(t, r.ByDevice(""))

	r.Remove(a)
	assert.Equal(t, 1, r.Len())
	assert.Nil(t, r.ByDevice("aaa"))

	// Removing twice is a no-op.
	r.Remove(a)
	assert.Equal(t, 1, r.Len())
}

// TestRegistrySupersede tests that a newly identified session closes a
// stale session with the same device id.
func TestRegistrySupersede(t *testing.T) {
	srv := newBareServer()
	r := srv.registry

	stale := newTestSession(srv, "same")
	fresh := newTestSession(srv, "same")
	other := newTestSession(srv, "other")

	r.Add(stale)
	r.Add(fresh)
	r.Add(other)

	r.Supersede("same", fresh)

	require.True(t, stale.closed.Load())
	assert.False(t, fresh.closed.Load())
	assert.False(t, other.closed.Load())

	// The stale session removed itself on close.
	assert.Equal(t, 2, r.Len())
	assert.Same(t, fresh, r.ByDevice("same"))
}
