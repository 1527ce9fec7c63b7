package pipeline

import (
	"errors"
	"image"
)

// Reporter receives diagnostics from a pipeline run. It never influences the
// result of the run.
type Reporter interface {
	Report(stage Stage, err error)
}

type ReporterFunc func(stage Stage, err error)

func (f ReporterFunc) Report(stage Stage, err error) { f(stage, err) }

type nopReporter struct{}

func (nopReporter) Report(Stage, error) {}

type Result struct {
	Data         []byte
	Format       string
	MIMEType     string
	Width        int
	Height       int
	SourceFormat string
	SourceWidth  int
	SourceHeight int
	Orientation  Orientation
}

// Processor runs decode → orient → fill → encode. It holds no per-call
// state and is safe for concurrent use.
type Processor struct {
	extractor OrientationExtractor
	encoder   Encoder
	reporter  Reporter
}

type Option func(*Processor)

func WithExtractor(extractor OrientationExtractor) Option {
	return func(p *Processor) {
		p.extractor = extractor
	}
}

func WithEncoder(encoder Encoder) Option {
	return func(p *Processor) {
		if encoder != nil {
			p.encoder = encoder
		}
	}
}

func WithReporter(reporter Reporter) Option {
	return func(p *Processor) {
		if reporter != nil {
			p.reporter = reporter
		}
	}
}

func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		extractor: EXIFExtractor{},
		encoder:   newAVIFEncoder(DefaultAVIFQuality, DefaultAVIFSpeed),
		reporter:  nopReporter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultProcessor = NewProcessor()

// Process turns raw image bytes into an encoded Size×Size avatar using the
// default extractor and encoder.
func Process(input []byte) ([]byte, error) {
	res, err := defaultProcessor.Process(input)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (p *Processor) Process(input []byte) (Result, error) {
	thumb, res, err := p.thumbnail(input)
	if err != nil {
		return Result{}, err
	}

	data, err := encode(p.encoder, thumb)
	if err != nil {
		encErr := &EncodeError{Format: p.encoder.Format(), Err: err}
		p.reporter.Report(StageEncode, encErr)
		return Result{}, encErr
	}

	res.Data = data
	res.Format = p.encoder.Format()
	res.MIMEType = p.encoder.MIMEType()
	return res, nil
}

// Thumbnail runs every stage except encoding and returns the square buffer.
func (p *Processor) Thumbnail(input []byte) (*image.NRGBA, error) {
	thumb, _, err := p.thumbnail(input)
	return thumb, err
}

func (p *Processor) thumbnail(input []byte) (*image.NRGBA, Result, error) {
	decoded, err := Decode(input)
	if err != nil {
		p.reporter.Report(StageDecode, err)
		return nil, Result{}, err
	}

	srcBounds := decoded.Image.Bounds()
	orientation := p.orientation(decoded.Metadata)
	oriented := Orient(decoded.Image, orientation)
	thumb := Fill(oriented)

	bounds := thumb.Bounds()
	return thumb, Result{
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		SourceFormat: decoded.Format,
		SourceWidth:  srcBounds.Dx(),
		SourceHeight: srcBounds.Dy(),
		Orientation:  orientation,
	}, nil
}

func (p *Processor) orientation(meta Metadata) Orientation {
	if p.extractor == nil {
		return OrientationNormal
	}

	o, err := p.extractor.Orientation(meta)
	if err != nil {
		if !errors.Is(err, ErrNoMetadata) {
			p.reporter.Report(StageOrientation, err)
		}
		return OrientationNormal
	}
	return o.Normalize()
}
