// Package client provides the client of the paged vulnerability list API
// served by the mirror server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/vulnview/pkg/compress"
	"github.com/exploopio/vulnview/pkg/errors"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/retry"
	"github.com/exploopio/vulnview/pkg/vuln"
)

// DefaultBasePath is the API prefix of the mirror server.
const DefaultBasePath = "/api/v1"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

var acceptEncoding = compress.AlgorithmZSTD.ContentEncoding() + ", " + compress.AlgorithmGzip.ContentEncoding()

// Client is the list API client. It is safe for concurrent use.
type Client struct {
	base       string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	backoff    *retry.Backoff
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    metrics.Collector
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the API base including its path prefix,
	// e.g. http://localhost:8787/api/v1.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is sent as a bearer token when set.
	APIKey    string        `yaml:"api_key" json:"api_key"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries is the number of retries after the first attempt.
	// Negative disables retries.
	MaxRetries int            `yaml:"max_retries" json:"max_retries"`
	Backoff    *retry.Backoff `yaml:"backoff" json:"-"`

	// RateLimit is the sustained requests per second; 0 is unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`

	HTTPClient *http.Client      `yaml:"-" json:"-"`
	Logger     *slog.Logger      `yaml:"-" json:"-"`
	Metrics    metrics.Collector `yaml:"-" json:"-"`
}

// DefaultConfig returns default client config.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:8787" + DefaultBasePath,
		UserAgent:  "vulnview/1.0",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		Backoff:    retry.DefaultBackoff(),
		Burst:      10,
	}
}

// New creates a client. Zero fields of cfg take their defaults.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()

	c := &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		userAgent:  cfg.UserAgent,
		httpClient: cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger,
		metrics:    metrics.OrNop(cfg.Metrics),
	}
	if c.base == "" {
		c.base = strings.TrimRight(def.BaseURL, "/")
	}
	if c.userAgent == "" {
		c.userAgent = def.UserAgent
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = def.Timeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = def.MaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	if c.backoff == nil {
		c.backoff = def.Backoff
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = def.Burst
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	c.logger.Debug("api client configured", "base_url", c.base, "max_retries", c.maxRetries,
		"strategy", c.backoff.Strategy.String(), "max_backoff", c.backoff.Total(c.maxRetries))
	return c
}

// BaseURL returns the API base the client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

// List fetches one page of filtered, sorted records and the filtered total.
func (c *Client) List(ctx context.Context, p ListParams) (*ListResponse, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var resp ListResponse
	if err := c.getJSON(ctx, "/vulns", p.Values(), &resp); err != nil {
		return nil, fmt.Errorf("list vulnerabilities: %w", err)
	}
	if resp.Results == nil {
		resp.Results = []vuln.Record{}
	}
	return &resp, nil
}

// Count returns the filtered total without fetching records.
func (c *Client) Count(ctx context.Context, filters vuln.Filters) (int, error) {
	resp, err := c.List(ctx, ListParams{Filters: filters, Limit: 0})
	if err != nil {
		return 0, err
	}
	return resp.Total, nil
}

// Get fetches one record by id. A missing id is a KindNotFound error.
func (c *Client) Get(ctx context.Context, id string) (*vuln.Record, error) {
	var r vuln.Record
	if err := c.getJSON(ctx, "/vulns/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, fmt.Errorf("get vulnerability %q: %w", id, err)
	}
	return &r, nil
}

// Summary fetches the aggregate metrics over the whole dataset.
func (c *Client) Summary(ctx context.Context) (*vuln.Summary, error) {
	s := vuln.NewSummary()
	if err := c.getJSON(ctx, "/summary", nil, s); err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return s, nil
}

// TestConnection checks that the API answers.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.Count(ctx, vuln.Filters{})
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	data, err := c.doRequest(ctx, http.MethodGet, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapKind(err, errors.KindServer, "client.decode")
	}
	return nil
}

// doRequest performs an HTTP request with retry logic. 4xx responses other
// than 429 are returned immediately.
func (c *Client) doRequest(ctx context.Context, method, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.CounterInc(metrics.ClientRetriesTotal.Name)
			c.logger.Debug("retrying request", "attempt", attempt, "max", c.maxRetries, "url", url, "error", lastErr)
			if err := c.backoff.Wait(ctx, attempt); err != nil {
				return nil, errors.Wrap(err, "client.doRequest")
			}
		}

		data, err := c.doRequestOnce(ctx, method, url)
		c.metrics.CounterInc(metrics.ClientRequestsTotal.Name, "status", metrics.Status(err))
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "client.doRequest")
		}
		if !errors.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

// doRequestOnce performs a single HTTP request.
func (c *Client) doRequestOnce(ctx context.Context, method, url string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "client.ratelimit")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindInvalidInput, "client.request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "client.http")
		}
		return nil, errors.WrapKind(err, errors.KindNetwork, "client.http")
	}
	defer resp.Body.Close()

	// Setting Accept-Encoding turns off the transport's transparent gzip,
	// so every body is sniffed and decoded here.
	body, _, err := compress.NewReader(resp.Body)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindNetwork, "client.read")
	}
	defer body.Close()
	resp.Body = body

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindNetwork, "client.read")
	}
	return data, nil
}

// decodeError reads an {"error": "..."} body into an APIError. Bodies that
// are not JSON keep the status text as message.
func decodeError(resp *http.Response) error {
	apiErr := &errors.APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}
