package pipeline

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageDecode      Stage = "decode"
	StageOrientation Stage = "orientation"
	StageResize      Stage = "resize"
	StageEncode      Stage = "encode"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrCorruptData       = errors.New("corrupt image data")
	ErrEncode            = errors.New("encode failed")
	ErrNoMetadata        = errors.New("no orientation metadata")
)

// DecodeError is returned when the input cannot be turned into a pixel buffer.
// Kind is either ErrUnsupportedFormat or ErrCorruptData.
type DecodeError struct {
	Kind   error
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Format != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Format)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "decode stage: " + msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *DecodeError) Stage() Stage { return StageDecode }

// EncodeError is returned when the final buffer cannot be serialized.
type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode stage (%s): %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncode}
	}
	return []error{ErrEncode, e.Err}
}

func (e *EncodeError) Stage() Stage { return StageEncode }

// StageOf reports the pipeline stage that produced err, if any.
func StageOf(err error) (Stage, bool) {
	var staged interface{ Stage() Stage }
	if errors.As(err, &staged) {
		return staged.Stage(), true
	}
	return "", false
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("codec panic: %w", err)
	}
	return fmt.Errorf("codec panic: %v", v)
}
