package pbstream

import (
	"fmt"

	"go.uber.org/zap"
)

// Decoder turns raw archiver responses into Series.
type Decoder struct {
	logger    *zap.Logger
	maxIssues int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger reports skipped and out-of-order samples to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxIssues bounds the number of Issue records kept per decode.
func WithMaxIssues(n int) Option {
	return func(d *Decoder) {
		if n >= 0 {
			d.maxIssues = n
		}
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		logger:    zap.NewNop(),
		maxIssues: DefaultMaxIssues,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var defaultDecoder = NewDecoder()

var (
	errForeignChunk    = fmt.Errorf("%w: sample belongs to a chunk of another shape", ErrCorruptSample)
	errUnreadableChunk = fmt.Errorf("%w: sample belongs to a chunk with an unreadable header", ErrCorruptSample)
)

// Decode decodes raw with a silent default Decoder.
func Decode(raw []byte) (*Series, error) {
	return defaultDecoder.Decode(raw)
}

// Decode parses the header line, decodes every sample line and assembles the
// series. Only ErrEmptyStream and ErrInvalidHeader are returned; sample-level
// problems end up in Series.Diagnostics.
func (d *Decoder) Decode(raw []byte) (*Series, error) {
	lines := SplitLines(raw)
	if len(lines) == 0 {
		return nil, ErrEmptyStream
	}

	hdr, err := ParseHeader(lines[0])
	if err != nil {
		return nil, err
	}

	a := newAssembler(hdr, d.logger, d.maxIssues)
	a.series.Samples = make([]TimestampedSample, 0, len(lines)-1)

	active := hdr
	var (
		skipChunk, afterMarker bool
		skipIssue              IssueKind
		skipReason             error
	)
	for i, line := range lines[1:] {
		lineNo := i + 2

		plain, err := DecodeLine(line)
		if err != nil {
			afterMarker = false
			a.skip(lineNo, err)
			continue
		}
		if len(plain) == 0 {
			a.series.Diagnostics.Markers++
			afterMarker = true
			continue
		}

		if afterMarker && plain[0] == '{' {
			afterMarker = false
			next, err := ParseHeader(plain)
			if err != nil {
				// The chunk's year and type are unknown, so none of its
				// samples can be placed.
				a.skipKind(lineNo, IssueCorruptSample, err)
				skipChunk, skipIssue, skipReason = true, IssueCorruptSample, errUnreadableChunk
				d.logger.Warn("skipping chunk with unreadable header",
					zap.String("pv", hdr.PVName),
					zap.Int("line", lineNo),
					zap.Error(err),
				)
				continue
			}
			a.series.Diagnostics.Chunks++
			if !hdr.sameShape(next) {
				skipChunk, skipIssue, skipReason = true, IssueTypeChange, errForeignChunk
				d.logger.Warn("skipping chunk with different shape",
					zap.String("pv", hdr.PVName),
					zap.Int("line", lineNo),
					zap.String("chunk_pv", next.PVName),
					zap.Stringer("chunk_type", next.Type),
					zap.Int("chunk_element_count", next.ElementCount),
				)
				continue
			}
			skipChunk = false
			active = next
			continue
		}
		afterMarker = false

		if skipChunk {
			a.skipKind(lineNo, skipIssue, skipReason)
			continue
		}

		s, err := DecodeSample(plain, active)
		if err != nil {
			a.skip(lineNo, err)
			continue
		}
		a.add(active, s, lineNo)
	}

	if !a.series.Diagnostics.Clean() {
		d.logger.Info("stream decoded with caveats",
			zap.String("pv", hdr.PVName),
			zap.Int("samples", len(a.series.Samples)),
			zap.Int("skipped", a.series.Diagnostics.Skipped),
			zap.Int("out_of_order", a.series.Diagnostics.OutOfOrder),
		)
	}
	return a.series, nil
}
