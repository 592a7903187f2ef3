package pvclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix defaults to "archiver".
	SubjectPrefix string

	// Timeout for a single request. Defaults to 30s, since a request may
	// wait on the archiver.
	Timeout time.Duration
}

// Client calls the responder's tools.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("pvclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "archiver"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

// DataRequest selects a PV and time range. Times are ISO 8601.
type DataRequest struct {
	PVName     string `json:"pv_name"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	MaxSamples int    `json:"max_samples,omitempty"`
}

// StatsRequest selects a PV, time range and waveform channel.
type StatsRequest struct {
	PVName    string `json:"pv_name"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Channel   int    `json:"channel,omitempty"`
}

// Data is a decoded PV time series. Values holds a float64, string or
// []float64 per sample; non-finite numbers arrive as nil.
type Data struct {
	PVName       string            `json:"pv_name"`
	ValueType    string            `json:"value_type"`
	ElementCount int               `json:"element_count"`
	Headers      map[string]string `json:"headers,omitempty"`
	Count        int               `json:"count"`
	TotalCount   int               `json:"total_count"`
	Timestamps   []time.Time       `json:"timestamps"`
	Values       []any             `json:"values"`
	Severities   []int32           `json:"severities"`
	Statuses     []int32           `json:"statuses"`
	// Note describes samples the decoder skipped or flagged.
	Note string `json:"-"`
}

// Floats returns the values of a scalar numeric series, with NaN for
// non-finite samples.
func (d *Data) Floats() ([]float64, error) {
	out := make([]float64, len(d.Values))
	for i, v := range d.Values {
		switch x := v.(type) {
		case float64:
			out[i] = x
		case nil:
			out[i] = math.NaN()
		default:
			return nil, fmt.Errorf("pvclient: value %d of %s is %T, not a number", i, d.PVName, v)
		}
	}
	return out, nil
}

// Statistics summarizes one PV channel. Numeric fields are nil when no
// finite sample exists.
type Statistics struct {
	PVName    string `json:"pv_name"`
	TimeRange struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"time_range"`
	Statistics struct {
		Count      int      `json:"count"`
		Mean       *float64 `json:"mean"`
		StdDev     *float64 `json:"std_dev"`
		Min        *float64 `json:"min"`
		Max        *float64 `json:"max"`
		Median     *float64 `json:"median"`
		FirstValue *float64 `json:"first_value"`
		LastValue  *float64 `json:"last_value"`
		Channel    int      `json:"channel"`
	} `json:"statistics"`
	DataQuality struct {
		SeverityDistribution map[string]int `json:"severity_distribution"`
		SkippedSamples       int            `json:"skipped_samples"`
		OutOfOrderSamples    int            `json:"out_of_order_samples"`
		NonFiniteValues      int            `json:"non_finite_values"`
	} `json:"data_quality"`
	Note string `json:"-"`
}

type reply struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Note    string          `json:"note"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

// GetData fetches a decoded time series. It returns ErrNoData when the
// archiver has no samples in the range.
func (c *Client) GetData(ctx context.Context, req DataRequest) (*Data, error) {
	var d Data
	note, err := c.call(ctx, "data", req, &d)
	if err != nil {
		return nil, err
	}
	d.Note = note
	return &d, nil
}

// GetStatistics fetches a statistical summary.
func (c *Client) GetStatistics(ctx context.Context, req StatsRequest) (*Statistics, error) {
	var s Statistics
	note, err := c.call(ctx, "stats", req, &s)
	if err != nil {
		return nil, err
	}
	s.Note = note
	return &s, nil
}

func (c *Client) call(ctx context.Context, op string, req, out any) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("pvclient: encoding request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	subject := c.prefix + "." + op
	msg, err := c.nc.RequestWithContext(ctx, subject, body)
	if err != nil {
		return "", fmt.Errorf("pvclient: request %s: %w", subject, err)
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return "", fmt.Errorf("pvclient: decoding reply: %w", err)
	}
	switch {
	case r.Error != "":
		return "", &RemoteError{Kind: r.Kind, Message: r.Error}
	case len(r.Data) == 0 || string(r.Data) == "null":
		if r.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrNoData, r.Message)
		}
		return "", ErrNoData
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return "", fmt.Errorf("pvclient: decoding %s reply: %w", op, err)
	}
	return r.Note, nil
}
