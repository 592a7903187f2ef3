package tools

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tool names as exposed on every surface.
const (
	ToolGetPVData       = "get_pv_data"
	ToolGetPVStatistics = "get_pv_statistics"
	ToolDecodePVStream  = "decode_pv_stream"
)

// Output formats of get_pv_data.
const (
	FormatJSON    = "json"
	FormatSummary = "summary"
)

var ErrInvalidArgument = errors.New("invalid argument")

// DataArgs are the arguments of get_pv_data.
type DataArgs struct {
	PVName     string `json:"pv_name" jsonschema:"the name of the Process Variable, e.g. MACHINE:SUBSYS:DEVICE:PARAM"`
	StartTime  string `json:"start_time" jsonschema:"start time in ISO 8601 format, e.g. 2024-01-01T00:00:00Z"`
	EndTime    string `json:"end_time" jsonschema:"end time in ISO 8601 format, e.g. 2024-01-02T00:00:00Z"`
	Format     string `json:"format,omitempty" jsonschema:"output format: json for full data (default), summary for statistics"`
	MaxSamples int    `json:"max_samples,omitempty" jsonschema:"decimate the returned samples to at most this many (0 = all)"`
}

// StatsArgs are the arguments of get_pv_statistics.
type StatsArgs struct {
	PVName    string `json:"pv_name" jsonschema:"the name of the Process Variable"`
	StartTime string `json:"start_time" jsonschema:"start time in ISO 8601 format"`
	EndTime   string `json:"end_time" jsonschema:"end time in ISO 8601 format"`
	Channel   int    `json:"channel,omitempty" jsonschema:"waveform element to summarize (default 0)"`
}

// DecodeArgs are the arguments of decode_pv_stream.
type DecodeArgs struct {
	DataBase64 string `json:"data_base64" jsonschema:"a raw archiver PB response, base64 encoded"`
	MaxSamples int    `json:"max_samples,omitempty" jsonschema:"decimate the returned samples to at most this many (0 = all)"`
}

// timeLayouts are tried in order. Layouts without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses an ISO 8601 / RFC 3339 time argument.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse time %q (want ISO 8601, e.g. 2024-01-01T00:00:00Z)", ErrInvalidArgument, s)
}

// TimeRange is a validated [Start, End] window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseRange validates the window of a fetch before anything is sent to the
// archiver.
func ParseRange(start, end string) (TimeRange, error) {
	s, err := ParseTime(start)
	if err != nil {
		return TimeRange{}, err
	}
	e, err := ParseTime(end)
	if err != nil {
		return TimeRange{}, err
	}
	if !e.After(s) {
		return TimeRange{}, fmt.Errorf("%w: end_time %s is not after start_time %s",
			ErrInvalidArgument, e.Format(time.RFC3339), s.Format(time.RFC3339))
	}
	return TimeRange{Start: s, End: e}, nil
}

func checkPV(pv string) error {
	if strings.TrimSpace(pv) == "" {
		return fmt.Errorf("%w: pv_name is required", ErrInvalidArgument)
	}
	return nil
}

func checkMaxSamples(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: max_samples must not be negative", ErrInvalidArgument)
	}
	return nil
}
