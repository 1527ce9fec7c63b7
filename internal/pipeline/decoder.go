package pipeline

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Supported source formats keyed by sniffed MIME type. The value is the name
// the matching decoder registers with the image package.
var sourceFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
	"image/avif": "avif",
}

// Metadata is an opaque handle over the source container, consumed by an
// OrientationExtractor. It borrows the caller's input bytes.
type Metadata struct {
	format string
	raw    []byte
}

func (m Metadata) Format() string { return m.format }

type Decoded struct {
	Image    image.Image
	Format   string
	Metadata Metadata
}

func Decode(input []byte) (Decoded, error) {
	format, ok := sniffFormat(input)
	if !ok {
		return Decoded{}, &DecodeError{Kind: ErrUnsupportedFormat, Format: mimetype.Detect(input).String()}
	}

	img, err := decodeImage(input)
	if err != nil {
		return Decoded{}, &DecodeError{Kind: ErrCorruptData, Format: format, Err: err}
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return Decoded{}, &DecodeError{Kind: ErrCorruptData, Format: format, Err: errors.New("image has no pixels")}
	}

	return Decoded{
		Image:    img,
		Format:   format,
		Metadata: Metadata{format: format, raw: input},
	}, nil
}

func sniffFormat(input []byte) (string, bool) {
	if len(input) == 0 {
		return "", false
	}
	mt := mimetype.Detect(input)
	for ; mt != nil; mt = mt.Parent() {
		if format, ok := sourceFormats[mt.String()]; ok {
			return format, true
		}
	}
	return "", false
}

func decodeImage(input []byte) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, panicError(r)
		}
	}()

	img, _, err = image.Decode(bytes.NewReader(input))
	return img, err
}
