package konnect

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/gokonnect/internal/identity"
	"github.com/LeJamon/gokonnect/internal/protocol"
	"github.com/LeJamon/gokonnect/internal/storage"
)

const (
	handshakeTimeout = 10 * time.Second
	maxPacketLine    = 1 << 20
)

// PairStatus is the pairing sub-state of a session.
type PairStatus int

const (
	StatusNotPaired PairStatus = iota
	StatusRequested
	StatusPaired
)

// String returns the string representation of PairStatus.
func (s PairStatus) String() string {
	switch s {
	case StatusNotPaired:
		return "not_paired"
	case StatusRequested:
		return "requested"
	case StatusPaired:
		return "paired"
	default:
		return "unknown"
	}
}

// Session is the per-connection state machine for one peer. The first
// cleartext line must be an identity packet, after which the socket is
// upgraded in place to TLS with this side in the client role; everything
// afterwards is trust-gated packet dispatch.
type Session struct {
	srv *Server
	log *logrus.Entry

	mu              sync.Mutex
	conn            net.Conn
	reader          *bufio.Reader
	addr            string
	deviceID        string
	name            string
	deviceType      string
	protocolVersion int
	status          PairStatus
	tlsUp           bool
	peerCert        *x509.Certificate
	pairTimer       *time.Timer
	remoteCommands  map[string]protocol.CommandEntry

	send    chan []byte
	closeCh chan struct{}
	closed  atomic.Bool
}

// NewSession wraps an accepted TCP connection.
func NewSession(srv *Server, conn net.Conn) *Session {
	addr := conn.RemoteAddr().String()
	return &Session{
		srv:        srv,
		log:        srv.log.WithField("addr", addr),
		conn:       conn,
		addr:       addr,
		name:       "unnamed",
		deviceType: "unknown",
		status:     StatusNotPaired,
		send:       make(chan []byte, srv.cfg.SendBufferSize),
		closeCh:    make(chan struct{}),
	}
}

// DeviceID returns the peer-supplied device id, empty before identity.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Name returns the peer-supplied display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// DeviceType returns the peer-supplied device type.
func (s *Session) DeviceType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceType
}

// Addr returns the remote address.
func (s *Session) Addr() string {
	return s.addr
}

// Status returns the pairing sub-state.
func (s *Session) Status() PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status PairStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// TLSEstablished reports whether the in-place upgrade completed.
func (s *Session) TLSEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsUp
}

// RemoteCommands returns a copy of the peer's advertised command catalog.
func (s *Session) RemoteCommands() map[string]protocol.CommandEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]protocol.CommandEntry, len(s.remoteCommands))
	for k, v := range s.remoteCommands {
		out[k] = v
	}
	return out
}

// Run drives the session until the connection drops or a fatal protocol
// error aborts it. Packets from the peer are processed strictly in arrival
// order on this goroutine.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.awaitIdentity(ctx); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, ErrConnectionClosed) {
			s.log.WithError(err).Info("Session aborted before identification")
		}
		return err
	}

	go s.writeLoop(ctx)

	s.srv.registry.Supersede(s.DeviceID(), s)
	s.srv.emit(newEvent(EventIdentified, s.DeviceID(), s.Name(), s.addr))

	err := s.readLoop(ctx)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		s.log.WithError(err).Info("Session ended")
	}
	return err
}

// awaitIdentity reads cleartext lines until a valid identity packet
// arrives, then upgrades the socket to TLS.
func (s *Session) awaitIdentity(ctx context.Context) error {
	for {
		line, err := readCleartextLine(s.conn, protocol.MaxCleartextLine)
		if err != nil {
			return err
		}

		packet, err := protocol.Parse(line)
		if err != nil {
			s.log.WithError(err).Error("Unserialization error")
			return err
		}

		if !packet.IsType(protocol.TypeIdentity) {
			s.log.WithField("type", packet.Type).
				Warn("Peer not identified, ignoring non encrypted packet")
			continue
		}

		return s.handleIdentity(ctx, packet)
	}
}

// readCleartextLine reads a single pre-TLS line byte by byte so no TLS
// handshake bytes end up buffered before the upgrade.
func readCleartextLine(conn net.Conn, limit int) ([]byte, error) {
	line := make([]byte, 0, 256)
	one := make([]byte, 1)

	for {
		if _, err := conn.Read(one); err != nil {
			return nil, err
		}
		if one[0] == '\n' {
			return bytes.TrimRight(line, "\r"), nil
		}
		line = append(line, one[0])
		if len(line) > limit {
			return nil, protocol.ErrLineTooLong
		}
	}
}

// handleIdentity processes the cleartext identity and performs the TLS
// upgrade. The accepted side deliberately takes the TLS client role so
// both peers exchange certificates without chain verification.
func (s *Session) handleIdentity(ctx context.Context, packet *protocol.Packet) error {
	deviceID := packet.GetString("deviceId", "")
	name := packet.GetString("deviceName", "unnamed")
	deviceType := packet.GetString("deviceType", "unknown")
	version := packet.GetInt("protocolVersion", 0)

	s.mu.Lock()
	s.deviceID = deviceID
	s.name = name
	s.deviceType = deviceType
	s.protocolVersion = version
	// Close() on another goroutine reads s.log, so the enriched entry is
	// published under the same lock as the identity fields.
	s.log = s.log.WithField("device", deviceID)
	s.mu.Unlock()

	if version < protocol.MinProtocolVersion {
		s.log.WithField("version", version).
			Info("Peer uses an old protocol version, this won't work")
		return NewSessionError(deviceID, s.addr, "identity", ErrProtocolTooOld)
	}

	s.log.Debug("Starting TLS in the client role on the accepted socket")

	tlsConn := tls.Client(s.conn, s.srv.id.ClientTLSConfig())
	tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return NewSessionError(deviceID, s.addr, "tls upgrade", err)
	}
	tlsConn.SetDeadline(time.Time{})

	var peerCert *x509.Certificate
	if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
		peerCert = certs[0]
	}

	trusted := s.srv.store.IsTrusted(deviceID)
	status := StatusNotPaired
	if trusted {
		status = StatusPaired
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, 64*1024)
	s.tlsUp = true
	s.peerCert = peerCert
	s.status = status
	s.mu.Unlock()

	if trusted {
		s.log.Info("It is a known device")
	} else {
		s.log.Info("It is a new device")
	}

	return nil
}

// readLoop dispatches post-TLS packets. Malformed JSON and certificate
// mismatches are fatal; unknown packet types are logged and dropped.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return ErrConnectionClosed
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if s.closed.Load() {
				return ErrConnectionClosed
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		packet, err := protocol.Parse(line)
		if err != nil {
			s.log.WithError(err).Error("Unserialization error")
			return NewSessionError(s.DeviceID(), s.addr, "parse", err)
		}

		if err := s.checkCertBinding(); err != nil {
			s.log.WithError(err).Error("Certificate binding check failed")
			return err
		}

		s.dispatch(packet)
	}
}

func (s *Session) readLine() ([]byte, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()

	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxPacketLine {
			return nil, protocol.ErrLineTooLong
		}
		if err == nil {
			return bytes.TrimRight(line, "\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
}

// checkCertBinding enforces that the TLS peer certificate's common name
// equals the device id from the identity packet.
func (s *Session) checkCertBinding() error {
	s.mu.Lock()
	cert := s.peerCert
	deviceID := s.deviceID
	s.mu.Unlock()

	if cert == nil {
		return NewSessionError(deviceID, s.addr, "cert check", ErrNoPeerCertificate)
	}
	if cert.Subject.CommonName != deviceID {
		return NewSessionError(deviceID, s.addr, "cert check", ErrCertMismatch)
	}
	return nil
}

func (s *Session) dispatch(packet *protocol.Packet) {
	s.log.WithField("type", packet.Type).Debug("Packet received")

	switch {
	case packet.IsType(protocol.TypeIdentity):
		s.handlePostTLSIdentity(packet)
	case packet.IsType(protocol.TypePair):
		s.handlePairing(packet)
	default:
		if !s.srv.store.IsTrusted(s.DeviceID()) {
			s.log.WithField("type", packet.Type).Warn("Device not paired, ignoring packet")
			s.setStatus(StatusNotPaired)
			s.sendPacket(protocol.NewPair(false))
			return
		}

		switch packet.Type {
		case protocol.TypeNotificationRequest:
			s.handleNotificationRequest(packet)
		case protocol.TypePing:
			s.sendPacket(protocol.NewPing(packet.GetString("message", "")))
		case protocol.TypeRing:
			// Emitted outbound only; a received ring has nothing to do.
		case protocol.TypeRunCommand:
			s.handleRunCommand(packet)
		case protocol.TypeRunCommandRequest:
			s.handleRunCommandRequest(packet)
		case protocol.TypeShareRequest:
			s.handleShareRequest(packet)
		default:
			s.log.WithField("type", packet.Type).Warn("Discarding unsupported packet")
		}
	}
}

// handlePostTLSIdentity answers a re-sent identity with our own, echoing
// the peer's advertised protocol version.
func (s *Session) handlePostTLSIdentity(packet *protocol.Packet) {
	s.mu.Lock()
	s.name = packet.GetString("deviceName", s.name)
	s.deviceType = packet.GetString("deviceType", s.deviceType)
	version := packet.GetInt("protocolVersion", s.protocolVersion)
	s.protocolVersion = version
	s.mu.Unlock()

	reply := protocol.NewIdentity(s.srv.id.DeviceID(), s.srv.cfg.Name, s.srv.cfg.ServicePort)
	reply.Set("protocolVersion", version)
	s.sendPacket(reply)
}

func (s *Session) handlePairing(packet *protocol.Packet) {
	s.cancelPairTimer()

	deviceID := s.DeviceID()
	trusted := s.srv.store.IsTrusted(deviceID)

	if packet.GetBool("pair") {
		if s.Status() == StatusRequested {
			// The peer is answering our request: pin its certificate.
			s.log.Info("Pair answer")

			s.mu.Lock()
			cert := s.peerCert
			name, deviceType := s.name, s.deviceType
			s.mu.Unlock()

			certPEM := string(identity.PEMFromCertificate(cert))
			var err error
			if trusted {
				err = s.srv.store.UpdateDevice(deviceID, name, deviceType)
			} else {
				err = s.srv.store.Pair(deviceID, certPEM, name, deviceType)
			}
			if err != nil {
				s.log.WithError(err).Error("Failed to store pairing")
				return
			}

			s.setStatus(StatusPaired)
			s.srv.emit(newEvent(EventPaired, deviceID, s.Name(), s.addr))
			return
		}

		// The peer initiated pairing.
		s.log.Info("Pair request")

		if s.Status() == StatusPaired || trusted {
			s.log.Info("I'm already paired, but they think I'm not")
			_ = s.srv.store.UpdateDevice(deviceID, s.Name(), s.DeviceType())
			s.setStatus(StatusPaired)
			s.sendPacket(protocol.NewPair(true))
		} else {
			s.log.Info("Pairing started by the other end, rejecting their request")
			s.srv.emit(newEvent(EventPairRequested, deviceID, s.Name(), s.addr))
			s.sendPacket(protocol.NewPair(false))
		}
		return
	}

	// Unpair request.
	s.log.Info("Unpair request")
	if s.Status() == StatusRequested {
		s.log.Info("Canceled by other peer")
	}

	s.setStatus(StatusNotPaired)
	_ = s.srv.store.Unpair(deviceID)
	s.srv.emit(newEvent(EventUnpaired, deviceID, s.Name(), s.addr))
}

// RequestPair sends an outgoing pair request and arms the timeout. A
// request already pending keeps its original timer.
func (s *Session) RequestPair() error {
	s.mu.Lock()
	if s.status == StatusRequested && s.pairTimer != nil {
		s.mu.Unlock()
		return s.sendPacket(protocol.NewPair(true))
	}
	if s.pairTimer != nil {
		s.pairTimer.Stop()
	}
	s.status = StatusRequested
	s.pairTimer = time.AfterFunc(s.srv.cfg.PairTimeout, s.pairTimeoutExpired)
	s.mu.Unlock()

	return s.sendPacket(protocol.NewPair(true))
}

func (s *Session) pairTimeoutExpired() {
	s.log.Info("Pairing request timed out")

	s.mu.Lock()
	s.pairTimer = nil
	s.status = StatusNotPaired
	s.mu.Unlock()

	s.sendPacket(protocol.NewPair(false))
	_ = s.srv.store.Unpair(s.DeviceID())
}

// RequestUnpair cancels any pending request, tells the peer, and clears
// the trust entry.
func (s *Session) RequestUnpair() error {
	s.cancelPairTimer()
	s.setStatus(StatusNotPaired)

	err := s.sendPacket(protocol.NewPair(false))
	_ = s.srv.store.Unpair(s.DeviceID())
	s.srv.emit(newEvent(EventUnpaired, s.DeviceID(), s.Name(), s.addr))
	return err
}

func (s *Session) cancelPairTimer() {
	s.mu.Lock()
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
	s.mu.Unlock()
}

func (s *Session) handleNotificationRequest(packet *protocol.Packet) {
	if packet.Has("cancel") {
		reference := packet.GetString("cancel", "")
		s.log.WithField("reference", reference).Debug("Dismiss notification request")
		_ = s.srv.store.DismissNotification(s.DeviceID(), reference)
		return
	}

	if !packet.GetBool("request") {
		s.log.Debug("Ignoring unknown notification request")
		return
	}

	s.log.Info("Registered notifications listener")
	_ = s.srv.store.UpdateDevice(s.DeviceID(), s.Name(), s.DeviceType())

	pending, err := s.srv.store.ListNotifications(s.DeviceID())
	if err != nil {
		s.log.WithError(err).Error("Failed to list notifications")
		return
	}

	go s.replay(pending)
}

// replay emits persisted notifications in order, one per stagger interval.
// Tombstoned rows emit a cancel exactly once and are dismissed.
func (s *Session) replay(pending []storage.Notification) {
	ticker := time.NewTicker(s.srv.cfg.ReplayStagger)
	defer ticker.Stop()

	for _, n := range pending {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
		}

		if n.Cancel {
			s.sendPacket(protocol.NewCancel(n.Reference))
			_ = s.srv.store.DismissNotification(n.Identifier, n.Reference)
			continue
		}
		s.sendPacket(protocol.NewNotification(n.Text, n.Title, n.Application, n.Reference, nil))
	}
}

func (s *Session) handleRunCommand(packet *protocol.Packet) {
	raw := packet.GetString("commandList", "")
	if raw == "" {
		return
	}

	var catalog map[string]protocol.CommandEntry
	if err := json.Unmarshal([]byte(raw), &catalog); err != nil {
		s.log.WithError(err).Warn("Malformed peer command list")
		return
	}

	s.mu.Lock()
	s.remoteCommands = catalog
	s.mu.Unlock()

	s.log.WithField("commands", len(catalog)).Debug("Cached peer command list")
}

func (s *Session) handleRunCommandRequest(packet *protocol.Packet) {
	if packet.GetBool("requestCommandList") {
		s.sendCommandList()
		return
	}

	key := packet.GetString("key", "")
	if key == "" {
		return
	}

	command, err := s.srv.store.GetCommand(s.DeviceID(), key)
	if err != nil {
		s.log.WithField("key", key).Warn("Unknown command key")
		return
	}

	s.log.WithField("key", key).Info("Running command")
	cmd := exec.Command("sh", "-c", command)
	if err := cmd.Start(); err != nil {
		s.log.WithError(err).Error("Failed to spawn command")
		return
	}
	go cmd.Wait() // fire and forget, no output captured
}

// sendCommandList serialises our catalog for this peer and sends it.
func (s *Session) sendCommandList() {
	commands, err := s.srv.store.ListCommands(s.DeviceID())
	if err != nil {
		s.log.WithError(err).Error("Failed to list commands")
		return
	}

	catalog := make(map[string]protocol.CommandEntry, len(commands))
	for _, c := range commands {
		catalog[c.Key] = protocol.CommandEntry{Name: c.Name, Command: c.Command}
	}

	packet, err := protocol.NewRunCommand(catalog)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode command list")
		return
	}
	s.sendPacket(packet)
}

// PushCommandList re-announces our catalog, called after admin edits.
func (s *Session) PushCommandList() {
	s.sendCommandList()
}

func (s *Session) handleShareRequest(packet *protocol.Packet) {
	filename := packet.GetString("filename", "")
	if filename == "" || packet.PayloadSize <= 0 || packet.PayloadTransferInfo == nil {
		s.log.Warn("Share request without payload details, ignoring")
		return
	}

	destDir, err := s.srv.store.GetPath(s.DeviceID())
	if err != nil || destDir == "" {
		s.log.Warn("No share destination configured, ignoring share request")
		return
	}

	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		host = s.addr
	}

	size := packet.PayloadSize
	port := packet.PayloadTransferInfo.Port

	go func() {
		path, err := s.srv.transfer.Receive(context.Background(), host, port, size, destDir, filename)
		if err != nil {
			s.log.WithError(err).Warn("Share receive failed")
			return
		}
		s.log.WithField("file", path).Info("Share received")
	}()
}

// SendPing sends a ping, propagating the optional message.
func (s *Session) SendPing(message string) error {
	return s.sendPacket(protocol.NewPing(message))
}

// SendRing sends a find-my-phone request.
func (s *Session) SendRing() error {
	return s.sendPacket(protocol.NewRing())
}

// SendNotification sends a notification with an optional payload
// attachment.
func (s *Session) SendNotification(text, title, application, reference string, payload *protocol.NotificationPayload) error {
	err := s.sendPacket(protocol.NewNotification(text, title, application, reference, payload))
	if err == nil {
		evt := newEvent(EventNotificationSent, s.DeviceID(), s.Name(), s.addr)
		evt.Reference = reference
		s.srv.emit(evt)
	}
	return err
}

// SendCancel sends a notification cancel for reference.
func (s *Session) SendCancel(reference string) error {
	return s.sendPacket(protocol.NewCancel(reference))
}

// RunRemoteCommand asks the peer to execute the command it advertised
// under key.
func (s *Session) RunRemoteCommand(key string) error {
	p := protocol.New(protocol.TypeRunCommandRequest)
	p.Set("key", key)
	return s.sendPacket(p)
}

// SendCustom sends an arbitrary packet (debug use only).
func (s *Session) SendCustom(packet *protocol.Packet) error {
	return s.sendPacket(packet)
}

// sendPacket enqueues one packet for the writer goroutine. Enqueue order
// is send order, FIFO with inbound dispatch on this session.
func (s *Session) sendPacket(packet *protocol.Packet) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}

	line, err := packet.Encode()
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.log.WithField("type", packet.Type).Debug("Packet queued")

	select {
	case s.send <- line:
		return nil
	case <-s.closeCh:
		return ErrConnectionClosed
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case line := <-s.send:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if _, err := conn.Write(line); err != nil {
				s.log.WithError(err).Debug("Write failed")
				s.Close()
				return
			}
		}
	}
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.cancelPairTimer()
	close(s.closeCh)

	s.mu.Lock()
	conn := s.conn
	log := s.log
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	s.srv.registry.Remove(s)
	log.Info("Device disconnected")
	s.srv.emit(newEvent(EventDisconnected, s.DeviceID(), s.Name(), s.addr))

	return err
}
