package konnect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/gokonnect/internal/identity"
)

func newTestTransfer(t *testing.T, ports int) *Transfer {
	t.Helper()

	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	return NewTransfer(id.ServerTLSConfig(), id.ClientTLSConfig(), 1764, ports, 50*time.Millisecond)
}

// TestTransferPortPool tests that the pool is carved downward from the
// service port and never leaves the service port range.
func TestTransferPortPool(t *testing.T) {
	tr := newTestTransfer(t, 5)
	assert.Equal(t, []int{1763, 1762, 1761, 1760, 1759}, tr.ports)

	// A pool bigger than the range is clamped at the range floor.
	big := newTestTransfer(t, 100)
	for _, port := range big.ports {
		assert.Greater(t, port, 1716)
		assert.Less(t, port, 1764)
	}
}

// TestTransferRoundTrip tests serving a payload on a reserved port and
// receiving it over TLS on the loopback.
func TestTransferRoundTrip(t *testing.T) {
	tr := newTestTransfer(t, 5)

	src := filepath.Join(t.TempDir(), "photo.jpg")
	content := []byte("pretend this is a jpeg")
	require.NoError(t, os.WriteFile(src, content, 0644))

	port, err := tr.ReservePort(src)
	require.NoError(t, err)
	require.Greater(t, port, 1716)

	destDir := t.TempDir()
	path, err := tr.Receive(context.Background(), "127.0.0.1", port,
		int64(len(content)), destDir, "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "photo.jpg"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// The port returns to the pool once the job finishes.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.jobs[port] == ""
	}, 2*time.Second, 20*time.Millisecond)
}

// TestTransferShortPayload tests that a stream shorter than the advertised
// size is discarded instead of materialized.
func TestTransferShortPayload(t *testing.T) {
	tr := newTestTransfer(t, 5)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("short"), 0644))

	port, err := tr.ReservePort(src)
	require.NoError(t, err)

	destDir := t.TempDir()
	_, err = tr.Receive(context.Background(), "127.0.0.1", port, 1000, destDir, "clip.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortTransfer))

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestTransferPoolExhausted tests ErrNoTransferPort when every pool port
// is busy.
func TestTransferPoolExhausted(t *testing.T) {
	tr := newTestTransfer(t, 1)

	src := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	_, err := tr.ReservePort(src)
	require.NoError(t, err)

	_, err = tr.ReservePort(src)
	assert.ErrorIs(t, err, ErrNoTransferPort)
}

// TestUniquePath tests the collision suffix scheme.
func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	path, err := uniquePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.pdf"), path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), nil, 0644))
	path, err = uniquePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report (1).pdf"), nil, 0644))
	path, err = uniquePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report (2).pdf"), path)

	// Extensionless names get the suffix at the end.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0644))
	path, err = uniquePath(dir, "README")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "README (1)"), path)
}
