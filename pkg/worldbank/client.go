package worldbank

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
)

// DefaultMaxBodyBytes caps a single response body.
const DefaultMaxBodyBytes = 64 << 20

// Fetcher retrieves one page of the dataset.
type Fetcher interface {
	Fetch(ctx context.Context, page int) (*DatasetPage, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	// PerPage sets per_page when positive
	PerPage int
	// RequestTimeout bounds one Fetch including its retries
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	// RateLimitPerSec throttles requests; zero disables throttling
	RateLimitPerSec float64
	UserAgent       string
	// MaxBodyBytes caps a response body; zero means DefaultMaxBodyBytes
	MaxBodyBytes int64
	// HTTPClient replaces the pooled transport, mainly for tests
	HTTPClient *http.Client
}

// Client fetches pages over HTTP with retries for transient failures.
type Client struct {
	base      *url.URL
	perPage   int
	timeout   time.Duration
	userAgent string
	maxBody   int64
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient builds a Client. The base URL may already carry query
// parameters; format=json is always enforced.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindConfig, "invalid base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, ingesterrors.Newf(ingesterrors.KindConfig, "base url scheme must be http or https, got %q", base.Scheme)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryAttempts
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	// hand the final response back so the status reaches the error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger.Sugar()}
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	} else {
		rc.HTTPClient = &http.Client{Transport: newTransport()}
	}

	c := &Client{
		base:      base,
		perPage:   cfg.PerPage,
		timeout:   cfg.RequestTimeout,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		http:      rc,
		logger:    logger.With(zap.String("component", "worldbank_client")),
	}
	if c.maxBody <= 0 {
		c.maxBody = DefaultMaxBodyBytes
	}
	if cfg.RateLimitPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}
	return c, nil
}

func newTransport() *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// HTTP/1.1 remains available if h2 cannot be configured
	_ = http2.ConfigureTransport(t)
	return t
}

// PageURL returns the request URL of page. Page values below 1 leave the
// page parameter off so the server default applies.
func (c *Client) PageURL(page int) string {
	u := *c.base
	q := u.Query()
	q.Set("format", "json")
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if c.perPage > 0 {
		q.Set("per_page", strconv.Itoa(c.perPage))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch retrieves and parses one page.
func (c *Client) Fetch(ctx context.Context, page int) (*DatasetPage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.PageURL(page)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ingesterrors.Wrap(err, ingesterrors.KindFetchFailed, "rate limiter wait aborted").
				WithDetail("url", target)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindFetchFailed, "failed to build request").
			WithDetail("url", target)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindFetchFailed, "request failed").
			WithDetail("url", target).
			WithDetail("page", page)
	}
	defer resp.Body.Close()

	// one byte past the cap tells a full body from a cut one
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindFetchFailed, "failed to read response body").
			WithDetail("url", target).
			WithDetail("page", page)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ingesterrors.Newf(ingesterrors.KindFetchFailed, "unexpected status %d", resp.StatusCode).
			WithDetail("url", target).
			WithDetail("page", page).
			WithDetail("status", resp.StatusCode).
			WithDetail("body_prefix", prefix(body, 200))
	}

	if int64(len(body)) > c.maxBody {
		return nil, ingesterrors.Newf(ingesterrors.KindMalformedResponse, "response body exceeds %d bytes", c.maxBody).
			WithDetail("url", target).
			WithDetail("page", page)
	}

	result, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("page fetched",
		zap.String("url", target),
		zap.Int("page", result.PageNumber),
		zap.Int("pages", result.TotalPages),
		zap.Int("records", len(result.Records)),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}

// FetchPage is a one-shot fetch with default client settings.
func FetchPage(ctx context.Context, baseURL string, page int) (*DatasetPage, error) {
	c, err := NewClient(ClientConfig{
		BaseURL:        baseURL,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
	}, nil)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, page)
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}

var _ Fetcher = (*Client)(nil)
