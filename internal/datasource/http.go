package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries = 3
	defaultRetryWait  = 500 * time.Millisecond
)

// HTTPClient is a rate-limited JSON client shared by the market-data
// sources and the swap adapter.
type HTTPClient struct {
	name      string
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	retries   int
	retryWait time.Duration
	headers   map[string]string

	requests atomic.Int64
	failures atomic.Int64
	limited  atomic.Int64
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL      string
	RateLimitRPS float64
	Burst        int
	Timeout      time.Duration
	MaxRetries   int
	RetryWait    time.Duration
}

// NewHTTPClient creates a client for one upstream API.
func NewHTTPClient(name string, cfg HTTPConfig) *HTTPClient {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	return &HTTPClient{
		name:      name,
		baseURL:   cfg.BaseURL,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.Burst),
		retries:   cfg.MaxRetries,
		retryWait: cfg.RetryWait,
		headers:   make(map[string]string),
	}
}

// SetHeader adds a header to every request (API keys).
func (c *HTTPClient) SetHeader(key, value string) { c.headers[key] = value }

// BaseURL returns the configured base URL.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// GetJSON fetches baseURL+path and decodes the body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// PostJSON posts body as JSON and decodes the response into out.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", c.name, err)
	}
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

func (c *HTTPClient) url(path string) string {
	if len(path) >= 4 && path[:4] == "http" {
		return path
	}
	return c.baseURL + path
}

// doWithRetry retries transport errors, 429 and 5xx with exponential
// backoff. Other 4xx responses fail immediately.
func (c *HTTPClient) doWithRetry(ctx context.Context, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", c.name, err)
		}

		req, err := build()
		if err != nil {
			return fmt.Errorf("%s: build request: %w", c.name, err)
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		c.requests.Add(1)
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: http: %w", c.name, err)
			c.failures.Add(1)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.limited.Add(1)
			lastErr = fmt.Errorf("%s: rate limited (429)", c.name)
			log.Warn().Str("source", c.name).Int("attempt", attempt+1).Msg("datasource: rate limited by API")
			continue
		case resp.StatusCode >= 500:
			c.failures.Add(1)
			lastErr = fmt.Errorf("%s: server error %d", c.name, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			c.failures.Add(1)
			return fmt.Errorf("%s: client error %d: %s", c.name, resp.StatusCode, truncate(body, 200))
		}

		if readErr != nil {
			lastErr = fmt.Errorf("%s: read body: %w", c.name, readErr)
			c.failures.Add(1)
			continue
		}
		if out == nil {
			return nil
		}
		if err := sonic.Unmarshal(body, out); err != nil {
			c.failures.Add(1)
			return fmt.Errorf("%s: decode response: %w", c.name, err)
		}
		return nil
	}
	return fmt.Errorf("%s: exhausted %d retries: %w", c.name, c.retries, lastErr)
}

func (c *HTTPClient) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", c.name, ctx.Err())
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// HTTPStats reports request counters for one upstream.
type HTTPStats struct {
	Name        string `json:"name"`
	Requests    int64  `json:"requests"`
	Failures    int64  `json:"failures"`
	RateLimited int64  `json:"rate_limited"`
}

func (c *HTTPClient) Stats() HTTPStats {
	return HTTPStats{
		Name:        c.name,
		Requests:    c.requests.Load(),
		Failures:    c.failures.Load(),
		RateLimited: c.limited.Load(),
	}
}

// ---------------------------------------------------------------------------
// Lenient numbers
// ---------------------------------------------------------------------------

// FlexFloat decodes a JSON number, a numeric string, or null. Market-data
// APIs are inconsistent about which they send.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flex float %q: %w", string(b), err)
	}
	*f = FlexFloat(v)
	return nil
}

func (f FlexFloat) Float() float64 { return float64(f) }
