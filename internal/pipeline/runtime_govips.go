//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  50,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newAVIFEncoder(quality, speed int) Encoder {
	return govipsAVIFEncoder{quality: quality, speed: speed}
}

// govipsAVIFEncoder hands the thumbnail to libvips/libheif, which is
// considerably faster than the wasm build of libavif.
type govipsAVIFEncoder struct {
	quality int
	speed   int
}

func (govipsAVIFEncoder) Format() string   { return FormatAVIF }
func (govipsAVIFEncoder) MIMEType() string { return "image/avif" }

func (e govipsAVIFEncoder) Encode(img image.Image) ([]byte, error) {
	if err := Startup(); err != nil {
		return nil, err
	}

	var staged bytes.Buffer
	if err := png.Encode(&staged, img); err != nil {
		return nil, fmt.Errorf("stage thumbnail for vips: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load thumbnail into vips: %w", err)
	}
	defer ref.Close()

	params := vips.NewAvifExportParams()
	params.Quality = e.quality
	params.Speed = e.speed
	params.StripMetadata = true

	data, _, err := ref.ExportAvif(params)
	if err != nil {
		return nil, fmt.Errorf("encode avif: %w", err)
	}
	return data, nil
}
