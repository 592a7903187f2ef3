// Package stats computes summary statistics over a decoded PV series.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/pbstream"
)

var (
	ErrUnsupportedStatisticsType = errors.New("statistics require a numeric value type")
	ErrChannelOutOfRange         = errors.New("waveform channel out of range")
	ErrOverflow                  = errors.New("statistics overflow float64 range")
)

// Options selects what Compute summarizes.
type Options struct {
	// Channel is the waveform element to summarize. Scalars only accept 0.
	Channel int
}

// Statistics summarizes the numeric values of a series. All value fields are
// nil when Count is 0.
type Statistics struct {
	Count          int        `json:"count"`
	Min            *float64   `json:"min"`
	Max            *float64   `json:"max"`
	Mean           *float64   `json:"mean"`
	StdDev         *float64   `json:"std_dev"`
	Median         *float64   `json:"median"`
	FirstValue     *float64   `json:"first_value"`
	LastValue      *float64   `json:"last_value"`
	FirstTimestamp *time.Time `json:"first_timestamp"`
	LastTimestamp  *time.Time `json:"last_timestamp"`

	// NonFinite counts NaN and ±Inf values left out of every other field.
	NonFinite            int           `json:"non_finite_count"`
	SeverityDistribution map[int32]int `json:"severity_distribution"`
	Channel              int           `json:"channel"`
}

// Empty reports whether no numeric value contributed.
func (s Statistics) Empty() bool { return s.Count == 0 }

// Compute summarizes series.
// StdDev is the population standard deviation.
func Compute(series *pbstream.Series, opts Options) (Statistics, error) {
	if err := checkNumeric(series, opts.Channel); err != nil {
		return Statistics{}, err
	}

	st := Statistics{
		Channel:              opts.Channel,
		SeverityDistribution: make(map[int32]int),
	}

	var (
		lo, hi      float64
		first, last time.Time
		values      = make([]float64, 0, len(series.Samples))
	)
	for _, s := range series.Samples {
		st.SeverityDistribution[s.Severity]++

		x, err := numeric(s.Value, opts.Channel)
		if err != nil {
			return Statistics{}, err
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			st.NonFinite++
			continue
		}

		if len(values) == 0 {
			lo, hi = x, x
			first = s.Timestamp
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
		last = s.Timestamp
		values = append(values, x)
	}

	st.Count = len(values)
	if st.Count == 0 {
		return st, nil
	}

	mean, std := moments(values, math.Max(math.Abs(lo), math.Abs(hi)))
	med := median(append([]float64(nil), values...))
	for _, v := range []float64{mean, std, med} {
		if !finite(v) {
			return Statistics{}, fmt.Errorf("%w: %d values in [%g, %g]", ErrOverflow, st.Count, lo, hi)
		}
	}

	st.Min = ptr(lo)
	st.Max = ptr(hi)
	st.Mean = ptr(mean)
	st.StdDev = ptr(std)
	st.FirstValue = ptr(values[0])
	st.LastValue = ptr(values[len(values)-1])
	st.Median = ptr(med)
	st.FirstTimestamp = &first
	st.LastTimestamp = &last
	return st, nil
}

// moments returns the mean and population standard deviation. When the
// plain Welford update overflows, it is rerun over values divided by scale,
// the largest magnitude, so every intermediate stays within [-2, 2].
func moments(values []float64, scale float64) (mean, std float64) {
	mean, std = welford(values, 1)
	if finite(mean) && finite(std) || scale == 0 {
		return mean, std
	}
	mean, std = welford(values, scale)
	return mean * scale, std * scale
}

func welford(values []float64, scale float64) (mean, std float64) {
	var m2 float64
	for i, x := range values {
		y := x / scale
		delta := y - mean
		mean += delta / float64(i+1)
		m2 += delta * (y - mean)
	}
	variance := m2 / float64(len(values))
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func checkNumeric(series *pbstream.Series, channel int) error {
	switch series.Type.ValueKind() {
	case pbstream.KindDouble, pbstream.KindInt:
		if channel != 0 {
			return fmt.Errorf("%w: channel %d on scalar %s", ErrChannelOutOfRange, channel, series.Type)
		}
		return nil
	case pbstream.KindDoubleArray:
		if channel < 0 || channel >= series.ElementCount {
			return fmt.Errorf("%w: channel %d, element count %d", ErrChannelOutOfRange, channel, series.ElementCount)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedStatisticsType, series.Type)
	}
}

func numeric(v pbstream.Value, channel int) (float64, error) {
	switch x := v.(type) {
	case pbstream.DoubleValue:
		return float64(x), nil
	case pbstream.IntValue:
		return float64(x), nil
	case pbstream.DoubleArrayValue:
		if channel < 0 || channel >= len(x) {
			return 0, fmt.Errorf("%w: channel %d, waveform length %d", ErrChannelOutOfRange, channel, len(x))
		}
		return x[channel], nil
	case pbstream.StringValue, pbstream.EnumValue:
		return 0, fmt.Errorf("%w: %s value", ErrUnsupportedStatisticsType, x.Kind())
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedStatisticsType, v)
	}
}

// median sorts values in place.
func median(values []float64) float64 {
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1]/2 + values[mid]/2
}

func ptr(v float64) *float64 { return &v }
