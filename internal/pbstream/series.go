package pbstream

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxIssues bounds the per-line issues kept in Diagnostics. Counters
// are always exact.
const DefaultMaxIssues = 32

// TimestampedSample is a sample placed on the absolute timeline.
type TimestampedSample struct {
	Timestamp   time.Time
	Value       Value
	Severity    int32
	Status      int32
	RepeatCount uint32
	FieldValues []FieldValue
}

// Series is the decoded, time-ordered history of one PV. It is not modified
// after Decode or Assemble returns.
type Series struct {
	PVName       string
	Type         ValueType
	ElementCount int
	Headers      map[string]string
	Samples      []TimestampedSample
	Diagnostics  Diagnostics
}

// Len returns the number of samples.
func (s *Series) Len() int { return len(s.Samples) }

// Issue records a problem with a single line of the stream. Line is 1-based
// and counts the header line.
type Issue struct {
	Line    int       `json:"line"`
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
}

// Diagnostics tells "fully decoded" apart from "decoded with caveats".
type Diagnostics struct {
	Skipped    int     `json:"skipped_count"`
	OutOfOrder int     `json:"out_of_order_count"`
	Markers    int     `json:"marker_count"`
	Chunks     int     `json:"chunk_count"`
	Issues     []Issue `json:"issues,omitempty"`
}

// Clean reports whether every sample line decoded and arrived in order.
func (d Diagnostics) Clean() bool {
	return d.Skipped == 0 && d.OutOfOrder == 0
}

// Note renders a one-line human summary, or "" for clean diagnostics.
func (d Diagnostics) Note() string {
	if d.Clean() {
		return ""
	}

	var parts []string
	if d.Skipped > 0 {
		kinds := make(map[IssueKind]int)
		for _, is := range d.Issues {
			if is.Kind != IssueOutOfOrder {
				kinds[is.Kind]++
			}
		}
		part := fmt.Sprintf("%d sample(s) skipped", d.Skipped)
		if len(kinds) > 0 {
			names := make([]string, 0, len(kinds))
			for k, n := range kinds {
				names = append(names, fmt.Sprintf("%s=%d", k, n))
			}
			sort.Strings(names)
			part += " (" + strings.Join(names, ", ") + ")"
		}
		parts = append(parts, part)
	}
	if d.OutOfOrder > 0 {
		parts = append(parts, fmt.Sprintf("%d sample(s) out of time order (kept)", d.OutOfOrder))
	}
	return strings.Join(parts, "; ")
}

// assembler places samples on the timeline and keeps the diagnostics.
type assembler struct {
	series    *Series
	logger    *zap.Logger
	maxIssues int
}

func newAssembler(h Header, logger *zap.Logger, maxIssues int) *assembler {
	return &assembler{
		series: &Series{
			PVName:       h.PVName,
			Type:         h.Type,
			ElementCount: h.ElementCount,
			Headers:      h.Headers,
			Diagnostics:  Diagnostics{Chunks: 1},
		},
		logger:    logger,
		maxIssues: maxIssues,
	}
}

func (a *assembler) issue(line int, kind IssueKind, err error) {
	d := &a.series.Diagnostics
	if len(d.Issues) < a.maxIssues {
		d.Issues = append(d.Issues, Issue{Line: line, Kind: kind, Message: err.Error()})
	}
}

func (a *assembler) skip(line int, err error) {
	kind := issueKindOf(err)
	a.series.Diagnostics.Skipped++
	a.issue(line, kind, err)
	a.logger.Debug("skipping sample line",
		zap.String("pv", a.series.PVName),
		zap.Int("line", line),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
}

func (a *assembler) skipKind(line int, kind IssueKind, err error) {
	a.series.Diagnostics.Skipped++
	a.issue(line, kind, err)
}

// add converts s under h and appends it. Samples earlier than their
// predecessor are kept and flagged.
func (a *assembler) add(h Header, s Sample, line int) {
	ts, err := ToAbsolute(s.SecondsIntoYear, s.Nanos, h.Year)
	if err != nil {
		a.skip(line, err)
		return
	}

	samples := a.series.Samples
	if n := len(samples); n > 0 && ts.Before(samples[n-1].Timestamp) {
		prev := samples[n-1].Timestamp
		a.series.Diagnostics.OutOfOrder++
		a.issue(line, IssueOutOfOrder, fmt.Errorf("%w: %s before %s", ErrOutOfOrderSample,
			ts.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano)))
		a.logger.Warn("out-of-order sample kept",
			zap.String("pv", a.series.PVName),
			zap.Int("line", line),
			zap.Time("timestamp", ts),
			zap.Time("previous", prev),
		)
	}

	a.series.Samples = append(samples, TimestampedSample{
		Timestamp:   ts,
		Value:       s.Value,
		Severity:    s.Severity,
		Status:      s.Status,
		RepeatCount: s.RepeatCount,
		FieldValues: s.FieldValues,
	})
}

// Assemble places already-decoded samples of a single chunk on the timeline.
func Assemble(h Header, samples []Sample) *Series {
	a := newAssembler(h, zap.NewNop(), DefaultMaxIssues)
	a.series.Samples = make([]TimestampedSample, 0, len(samples))
	for i, s := range samples {
		a.add(h, s, i+2)
	}
	return a.series
}
