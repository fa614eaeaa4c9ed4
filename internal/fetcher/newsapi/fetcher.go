// Package newsapi fetches article metadata from a NewsAPI-compatible search
// endpoint using a Colly collector.
package newsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/article"
	"github.com/JakeFAU/news-feature-pipeline/internal/fetcher"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "newspipe/1.0"
)

var (
	// ErrMissingAPIKey is returned before any network call when no key is configured.
	ErrMissingAPIKey = errors.New("news api key is not configured")
	// ErrRetriesExhausted is returned once every attempt has failed.
	ErrRetriesExhausted = errors.New("news api retries exhausted")
)

// StatusError reports a non-2xx response from the search endpoint.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("news api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("news api returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Request describes one search run, including its retry budget.
type Request struct {
	Query      string
	Language   string
	MaxResults int
	APIKey     string
	BaseURL    string
	// Retries is the total number of attempts, including the first.
	Retries int
	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
}

// Sleeper waits between attempts; system.Clock satisfies it.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds each attempt. Zero means 10s.
	Timeout time.Duration
}

// Fetcher runs article searches with a constant-backoff retry loop.
type Fetcher struct {
	cfg           Config
	sleeper       Sleeper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type searchResponse struct {
	Status   string           `json:"status"`
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Articles []article.Record `json:"articles"`
}

// New builds a Fetcher.
func New(cfg Config, sleeper Sleeper, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.UserAgent = cfg.UserAgent
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		sleeper:       sleeper,
		baseCollector: c,
		logger:        logging.OrNop(logger).Named("fetcher"),
	}
}

// Fetch returns the articles array of the first successful attempt. When
// every attempt fails the error wraps ErrRetriesExhausted and the last cause.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]article.Record, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint, err := buildEndpoint(req)
	if err != nil {
		return nil, err
	}

	policy := fetcher.NewConstantRetryPolicy(req.Retries, req.Backoff)
	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		records, outcome, err := f.attempt(ctx, endpoint)
		metrics.ObserveFetchAttempt(outcome)
		if err == nil {
			metrics.ObserveRecordsFetched(len(records))
			f.logger.Info("news api search succeeded",
				zap.Int("attempt", attempt),
				zap.Int("records", len(records)),
				zap.String("query", req.Query),
			)
			return records, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("news api fetch canceled: %w", ctxErr)
		}
		if !policy.ShouldRetry(err, attempt) {
			break
		}
		wait := policy.Backoff(attempt)
		f.logger.Warn("news api attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts()),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("news api backoff: %w", err)
		}
	}

	f.logger.Error("news api retries exhausted", zap.Int("attempts", attempt), zap.Error(lastErr))
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, lastErr)
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if f.sleeper == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	return f.sleeper.Sleep(ctx, d)
}

func (f *Fetcher) attempt(ctx context.Context, endpoint string) ([]article.Record, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	collector := f.baseCollector.Clone()
	collector.Context = attemptCtx
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := runCollector(attemptCtx, collector, endpoint, &fetchErr); err != nil {
		return nil, "transport_error", err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: status}
		var payload searchResponse
		if json.Unmarshal(body, &payload) == nil {
			statusErr.Code = payload.Code
			statusErr.Message = payload.Message
		}
		return nil, "http_error", statusErr
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "decode_error", fmt.Errorf("decode news api response: %w", err)
	}
	if payload.Status == "error" {
		return nil, "http_error", &StatusError{StatusCode: status, Code: payload.Code, Message: payload.Message}
	}
	if payload.Articles == nil {
		payload.Articles = []article.Record{}
	}
	return payload.Articles, "success", nil
}

func runCollector(ctx context.Context, collector *colly.Collector, endpoint string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(endpoint)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("news api request canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && attemptExpired(ctx) {
			return fmt.Errorf("news api request canceled: %w", context.DeadlineExceeded)
		}
		if err != nil {
			return fmt.Errorf("news api request failed: %w", redact(err))
		}
		if *fetchErr != nil {
			return fmt.Errorf("news api response failed: %w", redact(*fetchErr))
		}
		return nil
	}
}

// attemptExpired reports whether the attempt deadline has passed, so a client
// timeout that raced the context still surfaces as context.DeadlineExceeded.
func attemptExpired(ctx context.Context) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

// redact strips the query string (which carries the API key) from url errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			u.RawQuery = ""
			return &url.Error{Op: urlErr.Op, URL: u.String(), Err: urlErr.Err}
		}
	}
	return err
}

func buildEndpoint(req Request) (string, error) {
	u, err := url.Parse(req.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid news api base url %q", req.BaseURL)
	}
	q := u.Query()
	q.Set("q", req.Query)
	if req.MaxResults > 0 {
		q.Set("pageSize", strconv.Itoa(req.MaxResults))
	}
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	q.Set("apiKey", req.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
