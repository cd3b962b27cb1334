package konnect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/LeJamon/gokonnect/internal/protocol"
)

const dedupCacheSize = 1024

// packetWriter is the slice of net.UDPConn the discovery service writes
// through; narrowed for tests.
type packetWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Discovery implements the UDP identity beacon and ingest. On a valid peer
// beacon it replies with a directed identity packet to the sender, which
// then dials our TCP service port ("reverse connect").
type Discovery struct {
	log      *logrus.Entry
	deviceID string
	name     string

	servicePort   int
	discoveryPort int
	receiver      bool

	conn  *net.UDPConn
	out   packetWriter
	dedup *expirable.LRU[string, time.Time]
	seen  *SeenCache
	clock func() time.Time
}

// NewDiscovery creates a discovery service. seen may be nil to disable the
// last-seen cache.
func NewDiscovery(cfg *Config, deviceID string, seen *SeenCache) *Discovery {
	return &Discovery{
		log:           logrus.WithField("component", "discovery"),
		deviceID:      deviceID,
		name:          cfg.Name,
		servicePort:   cfg.ServicePort,
		discoveryPort: cfg.DiscoveryPort,
		receiver:      cfg.Receiver,
		dedup:         expirable.NewLRU[string, time.Time](dedupCacheSize, nil, cfg.DedupWindow),
		seen:          seen,
		clock:         cfg.Clock,
	}
}

// Start binds the UDP socket and sends the initial broadcast.
func (d *Discovery) Start() error {
	port := 0
	if d.receiver {
		port = d.discoveryPort
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}

	d.conn = conn
	d.out = conn

	if err := d.Announce(); err != nil {
		d.log.WithError(err).Warn("Failed to broadcast identity packet")
	}

	return nil
}

// Run reads datagrams until the context is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		d.handleDatagram(buf[:n], src)
	}
}

// Stop closes the discovery socket.
func (d *Discovery) Stop() {
	if d.conn != nil {
		d.conn.Close()
	}
	if d.seen != nil {
		d.seen.Close()
	}
}

// Announce broadcasts our identity, and unicasts it to recently seen peer
// addresses from the cache so sleeping devices behind broadcast-filtering
// networks still find us.
func (d *Discovery) Announce() error {
	d.log.Info("Broadcasting identity packet")

	if err := d.announceTo(&net.UDPAddr{IP: net.IPv4bcast, Port: d.discoveryPort}); err != nil {
		return err
	}

	if d.seen != nil {
		for _, addr := range d.seen.Recent(time.Hour) {
			if udpAddr, err := net.ResolveUDPAddr("udp4", addr); err == nil {
				_ = d.announceTo(udpAddr)
			}
		}
	}

	return nil
}

// announceTo sends a directed identity packet.
func (d *Discovery) announceTo(addr *net.UDPAddr) error {
	packet := protocol.NewIdentity(d.deviceID, d.name, d.servicePort)
	line, err := packet.Encode()
	if err != nil {
		return err
	}

	d.log.WithField("addr", addr.String()).Debug("Sending identity packet")
	if _, err := d.out.WriteTo(line, addr); err != nil {
		return fmt.Errorf("send identity packet: %w", err)
	}
	return nil
}

// handleDatagram runs the ingest filter chain on one received datagram.
func (d *Discovery) handleDatagram(data []byte, src *net.UDPAddr) {
	packet, err := protocol.Parse(data)
	if err != nil {
		d.log.WithError(err).Debug("Discarding malformed datagram")
		return
	}

	if !packet.IsType(protocol.TypeIdentity) {
		d.log.WithField("type", packet.Type).Debug("Received a UDP packet of wrong type")
		return
	}

	deviceID := packet.GetString("deviceId", "")
	if deviceID == d.deviceID {
		return // our own broadcast
	}

	if _, dup := d.dedup.Get(deviceID); dup {
		d.log.WithField("device", deviceID).Debug("Within dedup window, discarding")
		return
	}

	tcpPort := packet.GetInt("tcpPort", 0)
	if tcpPort < protocol.MinServicePort || tcpPort > protocol.MaxServicePort {
		d.log.WithFields(logrus.Fields{"device": deviceID, "tcpPort": tcpPort}).
			Debug("Service port out of range, discarding")
		return
	}

	if packet.GetInt("protocolVersion", 0) < protocol.MinProtocolVersion {
		d.log.WithField("device", deviceID).Info("Peer uses an old protocol version, ignoring")
		return
	}

	// The window arms only on accepted beacons, so a discarded one cannot
	// shadow a valid beacon arriving right after it.
	d.dedup.Add(deviceID, d.clock())

	if d.seen != nil {
		_ = d.seen.Put(deviceID, (&net.UDPAddr{IP: src.IP, Port: d.discoveryPort}).String())
	}

	d.log.WithFields(logrus.Fields{"device": deviceID, "addr": src.IP.String()}).
		Debug("Received UDP identity packet, trying reverse connection")

	reply := &net.UDPAddr{IP: src.IP, Port: d.discoveryPort}
	if err := d.announceTo(reply); err != nil {
		d.log.WithError(err).Warn("Failed to send directed identity packet")
	}
}
