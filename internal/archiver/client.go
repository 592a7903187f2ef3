// Package archiver fetches raw PV history from an EPICS Archiver Appliance.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/metrics"
)

const (
	retrievalPath = "/retrieval/data/getData.raw"
	versionsPath  = "/mgmt/bpl/getVersions"

	// TimeLayout is the timestamp format the retrieval endpoint expects.
	TimeLayout = "2006-01-02T15:04:05.000Z"

	maxErrorBody = 512
)

var (
	ErrFetchFailed = errors.New("archiver fetch failed")
	ErrPVNotFound  = errors.New("pv not found in archiver")
)

// FetchError is a non-2xx response from the archiver.
type FetchError struct {
	PV         string
	StatusCode int
	Body       string // first 512 bytes
	retryAfter string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("archiver returned HTTP %d for %s", e.StatusCode, e.PV)
	}
	return fmt.Sprintf("archiver returned HTTP %d for %s: %s", e.StatusCode, e.PV, e.Body)
}

func (e *FetchError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrPVNotFound
	}
	return ErrFetchFailed
}

// Client talks to the archiver retrieval and management endpoints.
type Client struct {
	baseURL     string
	userAgent   string
	maxRetries  int
	backoffBase time.Duration
	httpClient  *http.Client
	logger      *zap.Logger
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBackoff sets the first retry delay. Later retries double it.
func WithBackoff(base time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
	}
}

// NewClient creates a client for the archiver at cfg.URL.
func NewClient(cfg config.ArchiverConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		userAgent:   cfg.UserAgent,
		maxRetries:  cfg.MaxRetries,
		backoffBase: time.Second,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		logger: logger.Named("archiver"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the archiver URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Fetch retrieves the raw protobuf stream for pv over [start, end]. A PV with
// no samples in the window yields an empty, non-nil slice. 429 and 5xx
// responses are retried with exponential backoff.
func (c *Client) Fetch(ctx context.Context, pv string, start, end time.Time) ([]byte, error) {
	query := url.Values{
		"pv":   {pv},
		"from": {start.UTC().Format(TimeLayout)},
		"to":   {end.UTC().Format(TimeLayout)},
	}
	fullURL := c.baseURL + retrievalPath + "?" + query.Encode()

	began := time.Now()
	body, err := c.get(ctx, pv, fullURL)
	metrics.ArchiverFetchDuration.Observe(time.Since(began).Seconds())

	switch {
	case errors.Is(err, ErrPVNotFound):
		metrics.ArchiverFetches.WithLabelValues("not_found").Inc()
		return nil, err
	case err != nil:
		metrics.ArchiverFetches.WithLabelValues("error").Inc()
		return nil, err
	case len(body) == 0:
		metrics.ArchiverFetches.WithLabelValues("empty").Inc()
	default:
		metrics.ArchiverFetches.WithLabelValues("ok").Inc()
	}
	metrics.ArchiverFetchBytes.Add(float64(len(body)))

	c.logger.Debug("fetched pv data",
		zap.String("pv", pv),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("bytes", len(body)),
		zap.Duration("took", time.Since(began)),
	)
	return body, nil
}

func (c *Client) get(ctx context.Context, pv, fullURL string) ([]byte, error) {
	var lastErr *FetchError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoffDelay(attempt, lastErr)
			metrics.ArchiverRetries.Inc()
			c.logger.Debug("retrying archiver request",
				zap.String("pv", pv),
				zap.Int("attempt", attempt),
				zap.Int("status", lastErr.StatusCode),
				zap.Duration("wait", wait),
			)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: building request for %s: %v", ErrFetchFailed, pv, err)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: requesting %s: %w", ErrFetchFailed, pv, err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading response for %s: %w", ErrFetchFailed, pv, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if body == nil {
				body = []byte{}
			}
			return body, nil
		}

		bodyStr := strings.TrimSpace(string(body))
		if len(bodyStr) > maxErrorBody {
			bodyStr = bodyStr[:maxErrorBody]
		}
		fetchErr := &FetchError{PV: pv, StatusCode: resp.StatusCode, Body: bodyStr}

		if resp.StatusCode == http.StatusTooManyRequests {
			fetchErr.retryAfter = resp.Header.Get("Retry-After")
			lastErr = fetchErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fetchErr
			continue
		}
		return nil, fetchErr
	}
	return nil, lastErr
}

// backoffDelay returns the wait before a retry attempt, honoring Retry-After
// on 429 responses.
func (c *Client) backoffDelay(attempt int, lastErr *FetchError) time.Duration {
	if lastErr != nil && lastErr.StatusCode == http.StatusTooManyRequests && lastErr.retryAfter != "" {
		if secs, err := strconv.Atoi(lastErr.retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return c.backoffBase << (attempt - 1)
}

// Ping checks that the archiver management endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+versionsPath, nil)
	if err != nil {
		return err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("archiver unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("archiver management returned HTTP %d", resp.StatusCode)
	}
	return nil
}
