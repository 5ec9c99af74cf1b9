// Package fetch provides the HTTP capability the engine downloads manifests
// and segments through.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/pkg/version"
)

// Result is the outcome of one HTTP exchange.
type Result struct {
	Status  int
	Bytes   []byte
	Elapsed time.Duration
}

// Fetcher downloads a URL. Non-200 responses are returned as results, not
// errors; errors are reserved for transport failures.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, url string) (*Result, error)

// Fetch implements Fetcher.
func (f Func) Fetch(ctx context.Context, url string) (*Result, error) { return f(ctx, url) }

// StatusError is returned by Check for non-200 responses.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Status, e.URL)
}

// Check validates a result: status 200 with a non-empty body.
func Check(url string, res *Result) error {
	if res == nil {
		return fmt.Errorf("no response for %s", url)
	}
	if res.Status != http.StatusOK {
		return &StatusError{Status: res.Status, URL: url}
	}
	if len(res.Bytes) == 0 {
		return fmt.Errorf("empty payload for %s", url)
	}
	return nil
}

// Get fetches and checks in one step.
func Get(ctx context.Context, f Fetcher, url string) (*Result, error) {
	res, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := Check(url, res); err != nil {
		return res, err
	}
	return res, nil
}

// HTTPFetcher is the default Fetcher over net/http.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   logger.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithMaxBytes limits response bodies.
func WithMaxBytes(n int64) Option {
	return func(f *HTTPFetcher) { f.maxBytes = n }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = l.WithField("component", "fetch") }
}

// NewHTTPFetcher creates a fetcher. Timeouts come from the request context.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBytes: 64 << 20,
		logger:   logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", url, f.maxBytes)
	}

	res := &Result{Status: resp.StatusCode, Bytes: body, Elapsed: time.Since(start)}
	f.logger.WithFields(map[string]interface{}{
		"url":        url,
		"status":     res.Status,
		"bytes":      len(body),
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}).Debug("Fetched")
	return res, nil
}
