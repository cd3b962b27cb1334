package konnect

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/gokonnect/internal/protocol"
)

const (
	transferChunkSize     = 16 * 1024
	transferAcceptTimeout = 30 * time.Second
	maxCollisionSuffix    = 9999
)

// Transfer owns the payload side-channel: a fixed pool of TLS listener
// ports for outgoing payloads and a TLS dialer for incoming ones. Each
// reserved port serves exactly one file to exactly one connection.
type Transfer struct {
	log       *logrus.Entry
	serverTLS *tls.Config
	clientTLS *tls.Config
	idle      time.Duration

	mu    sync.Mutex
	ports []int
	jobs  map[int]string
}

// NewTransfer creates a transfer service with a pool of total ports
// reserved downward from topPort-1, staying inside the service port range.
func NewTransfer(serverTLS, clientTLS *tls.Config, topPort, total int, idle time.Duration) *Transfer {
	t := &Transfer{
		log:       logrus.WithField("component", "transfer"),
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		idle:      idle,
		jobs:      make(map[int]string),
	}

	for port := topPort - 1; port > protocol.MinServicePort && len(t.ports) < total; port-- {
		t.ports = append(t.ports, port)
		t.jobs[port] = ""
	}

	return t
}

// ReservePort claims a free pool port, starts a single-shot TLS listener
// serving path on it, and returns the port. ErrNoTransferPort when the
// pool is exhausted.
func (t *Transfer) ReservePort(path string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, port := range t.ports {
		if t.jobs[port] != "" {
			continue
		}

		listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
		if err != nil {
			continue // port busy outside our pool bookkeeping
		}

		t.jobs[port] = path
		go t.serve(listener, port, path)
		return port, nil
	}

	return 0, ErrNoTransferPort
}

func (t *Transfer) release(port int) {
	t.mu.Lock()
	t.jobs[port] = ""
	t.mu.Unlock()
}

// serve accepts one connection, streams the file, lingers for the idle
// interval so the peer drains its socket, then tears everything down.
func (t *Transfer) serve(listener net.Listener, port int, path string) {
	defer t.release(port)
	defer listener.Close()

	if tcp, ok := listener.(*net.TCPListener); ok {
		tcp.SetDeadline(time.Now().Add(transferAcceptTimeout))
	}

	rawConn, err := listener.Accept()
	if err != nil {
		t.log.WithError(err).WithField("port", port).Debug("No connection on transfer port")
		return
	}
	defer rawConn.Close()

	conn := tls.Server(rawConn, t.serverTLS)
	defer conn.Close()

	file, err := os.Open(path)
	if err != nil {
		t.log.WithError(err).Warn("Cannot open payload file")
		return
	}
	defer file.Close()

	t.log.WithFields(logrus.Fields{"port": port, "file": filepath.Base(path)}).
		Debug("Serving payload")

	buf := make([]byte, transferChunkSize)
	if _, err := io.CopyBuffer(conn, file, buf); err != nil {
		t.log.WithError(err).Debug("Payload stream interrupted")
		return
	}

	time.Sleep(t.idle)
}

// Receive dials the peer's payload port, writes the stream to a temp file
// and, when exactly size bytes arrived, moves it into destDir under
// filename (collision-suffixed). Short transfers delete the temp file.
func (t *Transfer) Receive(ctx context.Context, host string, port int, size int64, destDir, filename string) (string, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: transferAcceptTimeout},
		Config:    t.clientTLS,
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return "", fmt.Errorf("dial payload port: %w", err)
	}
	defer conn.Close()

	tmp, err := os.CreateTemp("", "konnect-recv-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, copyErr := io.Copy(tmp, conn)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil || written != size {
		os.Remove(tmp.Name())
		if copyErr != nil {
			return "", fmt.Errorf("receive payload: %w", copyErr)
		}
		if closeErr != nil {
			return "", closeErr
		}
		return "", fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, written, size)
	}

	target, err := uniquePath(destDir, filename)
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		// Cross-device temp dirs cannot be renamed; fall back to copy.
		if err := copyFile(tmp.Name(), target); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		os.Remove(tmp.Name())
	}

	t.log.WithField("file", target).Info("Payload received")
	return target, nil
}

// uniquePath returns dir/name, suffixing "name (N).ext" for N=1..9999 when
// the plain name already exists.
func uniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; n <= maxCollisionSuffix; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no free file name for %q in %q", name, dir)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
