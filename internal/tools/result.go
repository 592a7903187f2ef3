package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/archiver"
	"github.com/gftdcojp/epics-archiver-mcp/internal/pbstream"
	"github.com/gftdcojp/epics-archiver-mcp/internal/stats"
)

// Response is the outcome of one tool call. Message is set instead of Data
// when the archiver returned nothing.
type Response struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	// Note summarizes non-fatal decode problems.
	Note string `json:"note,omitempty"`
}

// Text renders the response for a text-only surface.
func (r *Response) Text() string {
	if r.Message != "" {
		return r.Message
	}
	b, err := json.MarshalIndent(r.Data, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error rendering result: %v", err)
	}
	if r.Note == "" {
		return string(b)
	}
	return string(b) + "\n\nNote: " + r.Note
}

// SeriesData is the json format of get_pv_data and decode_pv_stream.
type SeriesData struct {
	PVName       string               `json:"pv_name"`
	ValueType    pbstream.ValueType   `json:"value_type"`
	ElementCount int                  `json:"element_count"`
	Headers      map[string]string    `json:"headers,omitempty"`
	Count        int                  `json:"count"`
	TotalCount   int                  `json:"total_count"`
	Timestamps   []time.Time          `json:"timestamps"`
	Values       []any                `json:"values"`
	Severities   []int32              `json:"severities"`
	Statuses     []int32              `json:"statuses"`
	Diagnostics  pbstream.Diagnostics `json:"diagnostics"`
}

// Summary is the summary format of get_pv_data.
type Summary struct {
	PVName      string    `json:"pv_name"`
	TimeRange   TimeRange `json:"time_range"`
	SampleCount int       `json:"sample_count"`
	Mean        *float64  `json:"mean"`
	Std         *float64  `json:"std"`
	Min         *float64  `json:"min"`
	Max         *float64  `json:"max"`
}

// StatisticsReport is the result of get_pv_statistics.
type StatisticsReport struct {
	PVName      string           `json:"pv_name"`
	TimeRange   TimeRange        `json:"time_range"`
	Statistics  stats.Statistics `json:"statistics"`
	DataQuality DataQuality      `json:"data_quality"`
}

// DataQuality reports what the statistics leave out.
type DataQuality struct {
	SeverityDistribution map[int32]int `json:"severity_distribution"`
	SkippedSamples       int           `json:"skipped_samples"`
	OutOfOrderSamples    int           `json:"out_of_order_samples"`
	NonFiniteValues      int           `json:"non_finite_values"`
}

// newSeriesData flattens s into parallel arrays, keeping at most maxSamples
// evenly strided samples when maxSamples > 0.
func newSeriesData(s *pbstream.Series, maxSamples int) SeriesData {
	idx := strided(len(s.Samples), maxSamples)
	d := SeriesData{
		PVName:       s.PVName,
		ValueType:    s.Type,
		ElementCount: s.ElementCount,
		Headers:      s.Headers,
		Count:        len(idx),
		TotalCount:   len(s.Samples),
		Timestamps:   make([]time.Time, 0, len(idx)),
		Values:       make([]any, 0, len(idx)),
		Severities:   make([]int32, 0, len(idx)),
		Statuses:     make([]int32, 0, len(idx)),
		Diagnostics:  s.Diagnostics,
	}
	for _, i := range idx {
		smp := s.Samples[i]
		d.Timestamps = append(d.Timestamps, smp.Timestamp)
		d.Values = append(d.Values, jsonValue(smp.Value))
		d.Severities = append(d.Severities, smp.Severity)
		d.Statuses = append(d.Statuses, smp.Status)
	}
	return d
}

// strided returns the sample indices to keep.
func strided(n, limit int) []int {
	if limit <= 0 || n <= limit {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	step := (n + limit - 1) / limit
	idx := make([]int, 0, limit)
	for i := 0; i < n; i += step {
		idx = append(idx, i)
	}
	return idx
}

// jsonValue converts v for encoding/json. NaN and ±Inf have no JSON form and
// become null.
func jsonValue(v pbstream.Value) any {
	switch x := v.(type) {
	case pbstream.DoubleValue:
		if !finite(float64(x)) {
			return nil
		}
		return float64(x)
	case pbstream.DoubleArrayValue:
		out := make([]*float64, len(x))
		for i, f := range x {
			if finite(f) {
				f := f
				out[i] = &f
			}
		}
		return out
	default:
		return pbstream.Interface(v)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Error is a fatal tool failure. Its message names the PV and the kind of
// failure.
type Error struct {
	Tool string
	PV   string
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.PV == "" {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s for PV '%s': %s: %v", e.Tool, e.PV, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Error kinds.
const (
	KindInvalidArgument   = "invalid_argument"
	KindPVNotFound        = "pv_not_found"
	KindFetchFailed       = "fetch_failed"
	KindDecodeFailed      = "decode_failed"
	KindUnsupportedType   = "unsupported_type"
	KindChannelOutOfRange = "channel_out_of_range"
	KindInternal          = "internal"
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, archiver.ErrPVNotFound):
		return KindPVNotFound
	case errors.Is(err, archiver.ErrFetchFailed):
		return KindFetchFailed
	case errors.Is(err, pbstream.ErrInvalidHeader), errors.Is(err, pbstream.ErrEmptyStream):
		return KindDecodeFailed
	case errors.Is(err, stats.ErrUnsupportedStatisticsType):
		return KindUnsupportedType
	case errors.Is(err, stats.ErrChannelOutOfRange):
		return KindChannelOutOfRange
	default:
		return KindInternal
	}
}

func wrapError(tool, pv string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Tool: tool, PV: pv, Kind: errorKind(err), Err: err}
}
