package konnect

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/gokonnect/internal/identity"
	"github.com/LeJamon/gokonnect/internal/storage"
)

// DatabaseFile is the sqlite file name inside the data directory.
const DatabaseFile = "konnect.db"

// Device is the admin-facing view of a peer: the union of what the trust
// store knows and what is currently connected.
type Device struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Reachable  bool   `json:"reachable"`
	Trusted    bool   `json:"trusted"`
}

// Server owns the whole peer-facing side: identity, trust store, UDP
// discovery, the TCP service listener with its sessions, and the payload
// transfer pool. The admin API talks to peers exclusively through it.
type Server struct {
	cfg      *Config
	log      *logrus.Entry
	id       *identity.Identity
	store    *storage.Store
	registry *Registry
	disc     *Discovery
	transfer *Transfer

	listener net.Listener
	running  atomic.Bool

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewServer builds a server from options applied over the defaults. It
// loads or creates the device identity and opens the trust store.
func NewServer(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	seen, err := OpenSeenCache(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{
		cfg:      &cfg,
		log:      logrus.WithField("component", "server"),
		id:       id,
		store:    store,
		registry: NewRegistry(),
		subs:     make(map[chan Event]struct{}),
	}
	s.disc = NewDiscovery(&cfg, id.DeviceID(), seen)
	s.transfer = NewTransfer(id.ServerTLSConfig(), id.ClientTLSConfig(),
		cfg.ServicePort, cfg.TransferPorts, cfg.TransferIdle)

	return s, nil
}

// Identity returns the local device identity.
func (s *Server) Identity() *identity.Identity { return s.id }

// Store returns the trust store.
func (s *Server) Store() *storage.Store { return s.store }

// Transfer returns the payload transfer service.
func (s *Server) Transfer() *Transfer { return s.transfer }

// Config returns the effective configuration.
func (s *Server) Config() *Config { return s.cfg }

// Running reports whether Run is active.
func (s *Server) Running() bool { return s.running.Load() }

// Run serves until ctx is cancelled: TCP accept loop on the service port
// plus the UDP discovery loop.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", s.cfg.ServicePort))
	if err != nil {
		return fmt.Errorf("bind service port: %w", err)
	}
	s.listener = listener

	if err := s.disc.Start(); err != nil {
		listener.Close()
		return err
	}

	s.running.Store(true)
	defer s.running.Store(false)

	s.log.WithFields(logrus.Fields{
		"device": s.id.DeviceID(),
		"name":   s.cfg.Name,
		"port":   s.cfg.ServicePort,
	}).Info("Konnect server started")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.disc.Run(ctx)
	})

	g.Go(func() error {
		return s.acceptLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		listener.Close()
		s.disc.Stop()
		for _, sess := range s.registry.Sessions() {
			sess.Close()
		}
		return nil
	})

	err = g.Wait()
	s.store.Close()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
		}

		session := NewSession(s, conn)
		s.registry.Add(session)
		s.emit(newEvent(EventConnected, "", "", session.Addr()))

		go session.Run(ctx)
	}
}

// Announce re-broadcasts our identity on the discovery port.
func (s *Server) Announce() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	return s.disc.Announce()
}

// Devices returns the union of trusted devices and live identified
// sessions.
func (s *Server) Devices() ([]Device, error) {
	trusted, err := s.store.ListTrusted()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Device, len(trusted))
	order := make([]string, 0, len(trusted))

	for _, d := range trusted {
		byID[d.Identifier] = &Device{
			Identifier: d.Identifier,
			Name:       d.Name,
			Type:       d.Type,
			Trusted:    true,
		}
		order = append(order, d.Identifier)
	}

	for _, sess := range s.registry.Sessions() {
		id := sess.DeviceID()
		if id == "" || !sess.TLSEstablished() {
			continue
		}
		if d, ok := byID[id]; ok {
			d.Reachable = true
			d.Name = sess.Name()
			d.Type = sess.DeviceType()
			continue
		}
		byID[id] = &Device{
			Identifier: id,
			Name:       sess.Name(),
			Type:       sess.DeviceType(),
			Reachable:  true,
		}
		order = append(order, id)
	}

	out := make([]Device, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// FindDevice resolves a device by identifier, or by display name when the
// selector is prefixed with "@". Nil when nothing matches.
func (s *Server) FindDevice(selector string) *Device {
	byName := false
	if len(selector) > 1 && selector[0] == '@' {
		byName = true
		selector = selector[1:]
	}

	devices, err := s.Devices()
	if err != nil {
		s.log.WithError(err).Error("Failed to list devices")
		return nil
	}

	for i := range devices {
		if byName && devices[i].Name == selector {
			return &devices[i]
		}
		if !byName && devices[i].Identifier == selector {
			return &devices[i]
		}
	}
	return nil
}

// SessionFor returns the live session for a device id, or nil.
func (s *Server) SessionFor(deviceID string) *Session {
	sess := s.registry.ByDevice(deviceID)
	if sess == nil || !sess.TLSEstablished() {
		return nil
	}
	return sess
}

// Subscribe registers an event listener. The returned cancel function
// must be called to release it.
func (s *Server) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.cfg.EventBufferSize)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, cancel
}

// emit fans an event out to all subscribers, dropping it for slow ones.
func (s *Server) emit(evt Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
