// Package tools implements the archiver tools shared by the MCP server, the
// HTTP API and the NATS responder.
package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/epics-archiver-mcp/internal/metrics"
	"github.com/gftdcojp/epics-archiver-mcp/internal/pbstream"
	"github.com/gftdcojp/epics-archiver-mcp/internal/stats"
	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
	"go.uber.org/zap"
)

// Fetcher retrieves raw PB responses from the archiver.
type Fetcher interface {
	Fetch(ctx context.Context, pv string, start, end time.Time) ([]byte, error)
}

// Cache holds raw responses for windows that no longer change.
type Cache interface {
	Cacheable(key types.Key) bool
	Lookup(ctx context.Context, key types.Key) ([]byte, bool, error)
	Store(ctx context.Context, key types.Key, data []byte, sampleCount int) error
}

// Service runs tool calls.
type Service struct {
	fetcher Fetcher
	cache   Cache
	decoder *pbstream.Decoder
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache serves cacheable windows from c.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// NewService creates a Service fetching through f.
func NewService(f Fetcher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		fetcher: f,
		decoder: pbstream.NewDecoder(pbstream.WithLogger(logger.Named("decoder"))),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type surfaceKey struct{}

// WithSurface labels tool calls made with ctx by the surface serving them.
func WithSurface(ctx context.Context, surface string) context.Context {
	return context.WithValue(ctx, surfaceKey{}, surface)
}

func surfaceOf(ctx context.Context) string {
	if s, ok := ctx.Value(surfaceKey{}).(string); ok {
		return s
	}
	return "direct"
}

// observe records the outcome of one call.
func observe(ctx context.Context, tool string, began time.Time, resp *Response, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case resp != nil && resp.Message != "":
		outcome = "no_data"
	}
	metrics.ToolCalls.WithLabelValues(tool, surfaceOf(ctx), outcome).Inc()
	metrics.ToolDuration.WithLabelValues(tool).Observe(time.Since(began).Seconds())
}

// GetPVData fetches and decodes a PV over a time range.
func (s *Service) GetPVData(ctx context.Context, args DataArgs) (resp *Response, err error) {
	defer func(began time.Time) { observe(ctx, ToolGetPVData, began, resp, err) }(time.Now())

	format := strings.ToLower(strings.TrimSpace(args.Format))
	if format == "" {
		format = FormatJSON
	}
	if err := checkPV(args.PVName); err != nil {
		return nil, wrapError(ToolGetPVData, args.PVName, err)
	}
	if format != FormatJSON && format != FormatSummary {
		return nil, wrapError(ToolGetPVData, args.PVName,
			fmt.Errorf("%w: unknown format %q (want json or summary)", ErrInvalidArgument, args.Format))
	}
	if err := checkMaxSamples(args.MaxSamples); err != nil {
		return nil, wrapError(ToolGetPVData, args.PVName, err)
	}
	tr, err := ParseRange(args.StartTime, args.EndTime)
	if err != nil {
		return nil, wrapError(ToolGetPVData, args.PVName, err)
	}

	series, empty, err := s.load(ctx, args.PVName, tr)
	if err != nil {
		return nil, wrapError(ToolGetPVData, args.PVName, err)
	}
	if empty {
		return noData(args.PVName, args.StartTime, args.EndTime), nil
	}

	resp = &Response{Note: series.Diagnostics.Note()}
	if format == FormatJSON {
		d := newSeriesData(series, args.MaxSamples)
		d.PVName = args.PVName
		resp.Data = d
		return resp, nil
	}

	sum := Summary{PVName: args.PVName, TimeRange: tr, SampleCount: series.Len()}
	st, err := stats.Compute(series, stats.Options{})
	switch {
	case err == nil:
		sum.Mean, sum.Std, sum.Min, sum.Max = st.Mean, st.StdDev, st.Min, st.Max
	case errors.Is(err, stats.ErrUnsupportedStatisticsType):
		// Non-numeric PVs still report a sample count.
	default:
		return nil, wrapError(ToolGetPVData, args.PVName, err)
	}
	resp.Data = sum
	return resp, nil
}

// GetPVStatistics computes summary statistics for a PV over a time range.
func (s *Service) GetPVStatistics(ctx context.Context, args StatsArgs) (resp *Response, err error) {
	defer func(began time.Time) { observe(ctx, ToolGetPVStatistics, began, resp, err) }(time.Now())

	if err := checkPV(args.PVName); err != nil {
		return nil, wrapError(ToolGetPVStatistics, args.PVName, err)
	}
	if args.Channel < 0 {
		return nil, wrapError(ToolGetPVStatistics, args.PVName,
			fmt.Errorf("%w: channel must not be negative", ErrInvalidArgument))
	}
	tr, err := ParseRange(args.StartTime, args.EndTime)
	if err != nil {
		return nil, wrapError(ToolGetPVStatistics, args.PVName, err)
	}

	series, empty, err := s.load(ctx, args.PVName, tr)
	if err != nil {
		return nil, wrapError(ToolGetPVStatistics, args.PVName, err)
	}
	if empty {
		return noData(args.PVName, args.StartTime, args.EndTime), nil
	}

	st, err := stats.Compute(series, stats.Options{Channel: args.Channel})
	if err != nil {
		return nil, wrapError(ToolGetPVStatistics, args.PVName, err)
	}

	return &Response{
		Data: StatisticsReport{
			PVName:     args.PVName,
			TimeRange:  tr,
			Statistics: st,
			DataQuality: DataQuality{
				SeverityDistribution: st.SeverityDistribution,
				SkippedSamples:       series.Diagnostics.Skipped,
				OutOfOrderSamples:    series.Diagnostics.OutOfOrder,
				NonFiniteValues:      st.NonFinite,
			},
		},
		Note: series.Diagnostics.Note(),
	}, nil
}

// DecodePVStream decodes a raw response supplied by the caller.
func (s *Service) DecodePVStream(ctx context.Context, args DecodeArgs) (resp *Response, err error) {
	defer func(began time.Time) { observe(ctx, ToolDecodePVStream, began, resp, err) }(time.Now())

	if err := checkMaxSamples(args.MaxSamples); err != nil {
		return nil, wrapError(ToolDecodePVStream, "", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(args.DataBase64))
	if err != nil {
		return nil, wrapError(ToolDecodePVStream, "", fmt.Errorf("%w: data_base64: %v", ErrInvalidArgument, err))
	}
	if len(raw) == 0 {
		return &Response{Message: "No data to decode"}, nil
	}

	series, err := s.decode(raw)
	if err != nil {
		return nil, wrapError(ToolDecodePVStream, "", err)
	}
	return &Response{
		Data: newSeriesData(series, args.MaxSamples),
		Note: series.Diagnostics.Note(),
	}, nil
}

// load returns the decoded series for pv over tr, serving cacheable windows
// from the cache. empty is true when the archiver returned no bytes.
func (s *Service) load(ctx context.Context, pv string, tr TimeRange) (series *pbstream.Series, empty bool, err error) {
	key := types.Key{PV: pv, Start: tr.Start, End: tr.End}
	cacheable := s.cache != nil && s.cache.Cacheable(key)

	var raw []byte
	hit := false
	if cacheable {
		data, ok, err := s.cache.Lookup(ctx, key)
		if err != nil {
			s.logger.Warn("cache lookup failed", zap.String("pv", pv), zap.Error(err))
		} else if ok {
			raw, hit = data, true
		}
	}
	if !hit {
		raw, err = s.fetcher.Fetch(ctx, pv, tr.Start, tr.End)
		if err != nil {
			return nil, false, err
		}
	}
	if len(raw) == 0 {
		return nil, true, nil
	}

	series, err = s.decode(raw)
	if err != nil {
		return nil, false, err
	}

	if cacheable && !hit {
		if err := s.cache.Store(ctx, key, raw, series.Len()); err != nil {
			s.logger.Warn("caching response failed", zap.String("pv", pv), zap.Error(err))
		}
	}
	return series, false, nil
}

func (s *Service) decode(raw []byte) (*pbstream.Series, error) {
	began := time.Now()
	series, err := s.decoder.Decode(raw)
	metrics.DecodeDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, err
	}

	d := series.Diagnostics
	metrics.SamplesDecoded.Add(float64(series.Len()))
	metrics.SamplesOutOfOrder.Add(float64(d.OutOfOrder))
	recorded := 0
	for _, is := range d.Issues {
		if is.Kind == pbstream.IssueOutOfOrder {
			continue
		}
		metrics.SamplesSkipped.WithLabelValues(string(is.Kind)).Inc()
		recorded++
	}
	if d.Skipped > recorded {
		metrics.SamplesSkipped.WithLabelValues("unrecorded").Add(float64(d.Skipped - recorded))
	}
	if !d.Clean() {
		s.logger.Debug("decoded with caveats", zap.String("pv", series.PVName), zap.String("note", d.Note()))
	}
	return series, nil
}

func noData(pv, start, end string) *Response {
	return &Response{Message: fmt.Sprintf("No data found for PV '%s' between %s and %s", pv, start, end)}
}
