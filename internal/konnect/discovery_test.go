package konnect

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/gokonnect/internal/protocol"
)

type fakeWriter struct {
	mu    sync.Mutex
	dests []string
}

func (w *fakeWriter) WriteTo(b []byte, addr net.Addr) (int, error) {
	w.mu.Lock()
	w.dests = append(w.dests, addr.String())
	w.mu.Unlock()
	return len(b), nil
}

func (w *fakeWriter) sent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.dests...)
}

func newTestDiscovery(window time.Duration) (*Discovery, *fakeWriter) {
	out := &fakeWriter{}
	return &Discovery{
		log:           logrus.WithField("component", "discovery"),
		deviceID:      "selfdevice",
		name:          "self",
		servicePort:   1764,
		discoveryPort: 1716,
		dedup:         expirable.NewLRU[string, time.Time](dedupCacheSize, nil, window),
		clock:         time.Now,
		out:           out,
	}, out
}

func beacon(deviceID string, tcpPort, version int) []byte {
	p := protocol.New(protocol.TypeIdentity)
	p.Set("deviceId", deviceID)
	p.Set("deviceName", deviceID)
	p.Set("deviceType", "phone")
	p.Set("protocolVersion", version)
	p.Set("incomingCapabilities", []string{})
	p.Set("outgoingCapabilities", []string{})
	if tcpPort != 0 {
		p.Set("tcpPort", tcpPort)
	}
	line, _ := p.Encode()
	return line
}

// TestDiscoveryDirectedReply tests that a valid peer beacon triggers a
// directed identity packet back to the sender on the discovery port.
func TestDiscoveryDirectedReply(t *testing.T) {
	d, out := newTestDiscovery(500 * time.Millisecond)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40123}

	d.handleDatagram(beacon("phone1", 1716, 8), src)

	require.Len(t, out.sent(), 1)
	assert.Equal(t, "192.168.1.20:1716", out.sent()[0])
}

// TestDiscoveryIgnoresSelf tests that our own broadcast never provokes a
// reply loop.
func TestDiscoveryIgnoresSelf(t *testing.T) {
	d, out := newTestDiscovery(500 * time.Millisecond)
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1716}

	d.handleDatagram(beacon("selfdevice", 1764, 8), src)

	assert.Empty(t, out.sent())
}

// TestDiscoveryDedupWindow tests that repeated beacons from the same
// device within the window are answered once.
func TestDiscoveryDedupWindow(t *testing.T) {
	d, out := newTestDiscovery(time.Minute)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 5555}

	d.handleDatagram(beacon("phone1", 1716, 8), src)
	d.handleDatagram(beacon("phone1", 1716, 8), src)
	d.handleDatagram(beacon("phone1", 1716, 8), src)

	assert.Len(t, out.sent(), 1)

	// A different device is not affected by the window.
	d.handleDatagram(beacon("phone2", 1716, 8), src)
	assert.Len(t, out.sent(), 2)
}

// TestDiscoveryRejectedBeaconDoesNotArmDedup tests that a discarded beacon
// leaves the dedup window unarmed: a valid beacon from the same device
// arriving right after it must still be answered.
func TestDiscoveryRejectedBeaconDoesNotArmDedup(t *testing.T) {
	d, out := newTestDiscovery(time.Minute)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 8), Port: 1716}

	// Out-of-range service port, discarded without a reply.
	d.handleDatagram(beacon("phone1", 1765, 8), src)
	require.Empty(t, out.sent())

	// Too-old protocol version, also discarded.
	d.handleDatagram(beacon("phone1", 1716, 6), src)
	require.Empty(t, out.sent())

	d.handleDatagram(beacon("phone1", 1716, 8), src)
	assert.Len(t, out.sent(), 1)
}

// TestDiscoveryFilters tests the remaining ingest filters.
func TestDiscoveryFilters(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"malformed json", []byte("{nope")},
		{"wrong type", func() []byte {
			line, _ := protocol.NewPing("").Encode()
			return line
		}()},
		{"missing tcp port", beacon("p1", 0, 8)},
		{"tcp port below range", beacon("p2", 1715, 8)},
		{"tcp port above range", beacon("p3", 1765, 8)},
		{"protocol too old", beacon("p4", 1716, 6)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, out := newTestDiscovery(500 * time.Millisecond)
			src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1716}

			d.handleDatagram(tt.data, src)
			assert.Empty(t, out.sent())
		})
	}
}

// TestDiscoveryAnnounceUnicastsRecent tests that Announce also unicasts to
// cached peer addresses next to the broadcast.
func TestDiscoveryAnnounceUnicastsRecent(t *testing.T) {
	seen, err := OpenSeenCache(t.TempDir())
	require.NoError(t, err)
	defer seen.Close()

	require.NoError(t, seen.Put("phone1", "192.168.1.20:1716"))

	d, out := newTestDiscovery(500 * time.Millisecond)
	d.seen = seen

	require.NoError(t, d.Announce())

	dests := out.sent()
	require.Len(t, dests, 2)
	assert.Equal(t, "255.255.255.255:1716", dests[0])
	assert.Equal(t, "192.168.1.20:1716", dests[1])
}
