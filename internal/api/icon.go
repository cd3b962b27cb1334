package api

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"

	"github.com/LeJamon/gokonnect/internal/protocol"
)

// maxIconSize is the longest allowed side of a notification icon.
const maxIconSize = 96

func iconCacheDir(name string) string {
	dir := filepath.Join(os.TempDir(), "konnect_"+name)
	os.MkdirAll(dir, 0700)
	return dir
}

// prepareIcon normalises a local image to a PNG no larger than 96 px on
// its longest side, content-addresses it by MD5 into the icon cache, and
// reserves a transfer port serving it.
func (a *API) prepareIcon(path string) (*protocol.NotificationPayload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read icon: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode icon: %w", err)
	}

	data := raw
	bounds := img.Bounds()
	if format != "png" || bounds.Dx() > maxIconSize || bounds.Dy() > maxIconSize {
		scaled := scaleToFit(img, maxIconSize)

		var buf bytes.Buffer
		if err := png.Encode(&buf, scaled); err != nil {
			return nil, fmt.Errorf("encode icon: %w", err)
		}
		data = buf.Bytes()
	}

	digest := fmt.Sprintf("%x", md5.Sum(data))
	cached := filepath.Join(a.tempDir, digest)
	if err := os.WriteFile(cached, data, 0600); err != nil {
		return nil, fmt.Errorf("cache icon: %w", err)
	}

	port, err := a.srv.Transfer().ReservePort(cached)
	if err != nil {
		return nil, err
	}

	return &protocol.NotificationPayload{
		Digest: digest,
		Size:   int64(len(data)),
		Port:   port,
	}, nil
}

// scaleToFit shrinks img so its longest side is at most limit, keeping the
// aspect ratio. Images already within the limit are re-encoded unscaled.
func scaleToFit(img image.Image, limit int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width <= limit && height <= limit {
		return img
	}

	if width > height {
		height = height * limit / width
		width = limit
	} else {
		width = width * limit / height
		height = limit
	}
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
