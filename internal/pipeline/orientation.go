package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/bep/imagemeta"
	"github.com/disintegration/imaging"
)

// Orientation is the EXIF orientation tag: the rotation/mirroring a viewer
// must apply to the stored pixels to display them upright.
type Orientation int

const (
	OrientationNormal     Orientation = 1
	OrientationFlipH      Orientation = 2
	OrientationRotate180  Orientation = 3
	OrientationFlipV      Orientation = 4
	OrientationTranspose  Orientation = 5
	OrientationRotate90   Orientation = 6
	OrientationTransverse Orientation = 7
	OrientationRotate270  Orientation = 8
)

func (o Orientation) Valid() bool {
	return o >= OrientationNormal && o <= OrientationRotate270
}

// Normalize maps out-of-range values to OrientationNormal.
func (o Orientation) Normalize() Orientation {
	if !o.Valid() {
		return OrientationNormal
	}
	return o
}

// OrientationExtractor reads the orientation tag from a decoded image's
// container. Any returned error means the tag is absent.
type OrientationExtractor interface {
	Orientation(meta Metadata) (Orientation, error)
}

type OrientationExtractorFunc func(meta Metadata) (Orientation, error)

func (f OrientationExtractorFunc) Orientation(meta Metadata) (Orientation, error) {
	return f(meta)
}

var exifFormats = map[string]imagemeta.ImageFormat{
	"jpeg": imagemeta.JPEG,
	"tiff": imagemeta.TIFF,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
}

// EXIFExtractor reads IFD0 Orientation through imagemeta.
type EXIFExtractor struct{}

func (EXIFExtractor) Orientation(meta Metadata) (o Orientation, err error) {
	format, ok := exifFormats[meta.format]
	if !ok || len(meta.raw) == 0 {
		return 0, ErrNoMetadata
	}

	defer func() {
		if r := recover(); r != nil {
			o, err = 0, panicError(r)
		}
	}()

	var (
		found bool
		value any
	)
	err = imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(meta.raw),
		ImageFormat: format,
		Sources:     imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return ti.Tag == "Orientation"
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			if ti.Tag != "Orientation" {
				return nil
			}
			found, value = true, ti.Value
			return imagemeta.ErrStopWalking
		},
	})
	if found {
		return orientationFromValue(value)
	}
	if err != nil && !errors.Is(err, imagemeta.ErrStopWalking) {
		return 0, fmt.Errorf("read exif: %w", err)
	}
	return 0, ErrNoMetadata
}

func orientationFromValue(v any) (Orientation, error) {
	switch n := v.(type) {
	case uint16:
		return Orientation(n), nil
	case uint32:
		return Orientation(n), nil
	case uint8:
		return Orientation(n), nil
	case int:
		return Orientation(n), nil
	case int64:
		return Orientation(n), nil
	case []uint16:
		if len(n) > 0 {
			return Orientation(n[0]), nil
		}
	}
	return 0, fmt.Errorf("unexpected orientation value %T", v)
}

// Orient applies the transform for o. Unknown values are treated as normal.
func Orient(img image.Image, o Orientation) image.Image {
	switch o.Normalize() {
	case OrientationFlipH:
		return imaging.FlipH(img)
	case OrientationRotate180:
		return imaging.Rotate180(img)
	case OrientationFlipV:
		return imaging.FlipV(img)
	case OrientationTranspose:
		return imaging.Transpose(img)
	case OrientationRotate90:
		// imaging rotates counter-clockwise; the tag means clockwise.
		return imaging.Rotate270(img)
	case OrientationTransverse:
		return imaging.Transverse(img)
	case OrientationRotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
