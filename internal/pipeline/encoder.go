package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
)

const (
	FormatAVIF = "avif"
	FormatJPEG = "jpeg"

	DefaultAVIFQuality = 75
	DefaultAVIFSpeed   = 10
	DefaultJPEGQuality = 60
)

type Encoder interface {
	Format() string
	MIMEType() string
	Encode(img image.Image) ([]byte, error)
}

// NewEncoder returns the encoder for codec. Zero quality or speed selects
// the codec default.
func NewEncoder(codec string, quality, speed int) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", FormatAVIF:
		if quality <= 0 || quality > 100 {
			quality = DefaultAVIFQuality
		}
		if speed <= 0 || speed > 10 {
			speed = DefaultAVIFSpeed
		}
		return newAVIFEncoder(quality, speed), nil
	case FormatJPEG, "jpg":
		if quality <= 0 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		return JPEGEncoder{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("unsupported output codec: %s", codec)
	}
}

// AVIFEncoder is the pure-Go AVIF encoder.
type AVIFEncoder struct {
	Quality int
	Speed   int
}

func (AVIFEncoder) Format() string   { return FormatAVIF }
func (AVIFEncoder) MIMEType() string { return "image/avif" }

func (e AVIFEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := avif.Encode(&buf, img, avif.Options{Quality: e.Quality, Speed: e.Speed}); err != nil {
		return nil, fmt.Errorf("encode avif: %w", err)
	}
	return buf.Bytes(), nil
}

type JPEGEncoder struct {
	Quality int
}

func (JPEGEncoder) Format() string   { return FormatJPEG }
func (JPEGEncoder) MIMEType() string { return "image/jpeg" }

func (e JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func encode(enc Encoder, img image.Image) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, panicError(r)
		}
	}()

	data, err = enc.Encode(img)
	if err == nil && len(data) == 0 {
		err = fmt.Errorf("%s encoder produced no output", enc.Format())
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
