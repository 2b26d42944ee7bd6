package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/utils"
)

const maxBodyBytes = 16 << 20

// PageFetcher retrieves one page. Implemented by Fetcher; tests substitute fakes.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Page, error)
}

// FetchOptions are the per-call settings of a fetch
type FetchOptions struct {
	Headers   map[string]string
	Timeout   time.Duration // 0 = only the client timeout applies
	UserAgent string
	SkipParse bool // JSON/text endpoints; Doc stays nil
}

// Page is a fetched document. StatusCode is 2xx or 404.
type Page struct {
	URL        *url.URL // Final URL after redirects
	StatusCode int
	Body       []byte
	Doc        *goquery.Document
	Duration   time.Duration // Wall-clock time of the request, excluding the politeness delay
}

// NotFound reports whether the source answered 404
func (p *Page) NotFound() bool {
	return p.StatusCode == http.StatusNotFound
}

// Fetcher handles making HTTP requests with configured retry logic, using an underlying http.Client
type Fetcher struct {
	client     *http.Client
	cfg        *config.AppConfig // retry settings
	politeness *Politeness
	robots     *RobotsHandler // nil = robots.txt not consulted
	log        *logrus.Entry
}

// NewFetcher creates a new Fetcher instance. politeness and robots may be nil.
func NewFetcher(client *http.Client, cfg *config.AppConfig, politeness *Politeness, log *logrus.Entry) *Fetcher {
	if politeness == nil {
		politeness = NewPoliteness(0, 0, log)
	}
	return &Fetcher{
		client:     client,
		cfg:        cfg,
		politeness: politeness,
		log:        log,
	}
}

// WithRobots enables robots.txt checks for every fetch
func (f *Fetcher) WithRobots(robots *RobotsHandler) *Fetcher {
	f.robots = robots
	return f
}

// Fetch retrieves rawURL and parses it as HTML (unless SkipParse).
// A 404 is returned as a page, not an error. Transport failures and timeouts wrap utils.ErrNetwork.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL %q", utils.ErrParsing, rawURL)
	}

	if err := f.politeness.Wait(ctx); err != nil {
		return nil, err
	}
	defer f.politeness.Done()

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = f.cfg.DefaultUserAgent
	}

	if f.robots != nil && !f.robots.TestAgent(ctx, u, userAgent) {
		return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, rawURL)
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	setBrowserHeaders(req, userAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.fetchWithRetry(reqCtx, req)
	if err != nil {
		if resp != nil {
			status := resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if status == http.StatusNotFound {
				return &Page{URL: u, StatusCode: status, Duration: time.Since(start)}, nil
			}
			return nil, err
		}
		if ctx.Err() != nil {
			// Caller cancelled; not a source failure
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrNetwork, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w: %s: %v", utils.ErrNetwork, utils.ErrResponseBodyRead, rawURL, err)
	}

	page := &Page{
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}
	if !opts.SkipParse {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: HTML of %s: %v", utils.ErrParsing, rawURL, err)
		}
		page.Doc = doc
	}

	f.log.WithFields(logrus.Fields{"url": rawURL, "status": page.StatusCode, "duration": page.Duration}).Debug("Fetched page")
	return page, nil
}

// fetchWithRetry performs an HTTP request associated with the provided context.
// It retries with exponential backoff and jitter for transient network errors and 5xx/429 statuses.
func (f *Fetcher) fetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var currentResp *http.Response

	reqLog := f.log.WithField("url", req.URL.String())

	maxRetries := f.cfg.MaxRetries
	initialRetryDelay := f.cfg.InitialRetryDelay
	maxRetryDelay := f.cfg.MaxRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry backoff after error: %w", ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			backoff := float64(initialRetryDelay) * math.Pow(2, float64(attempt-1))
			delay := time.Duration(backoff)
			if delay <= 0 || delay > maxRetryDelay {
				delay = maxRetryDelay
			}

			// +/- 10% jitter
			var jitter time.Duration
			if delay >= 5 {
				jitter = time.Duration(rand.Int63n(int64(delay)/5)) - (delay / 10)
			}
			finalDelay := delay + jitter
			if finalDelay < 0 {
				finalDelay = 0
			}

			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": finalDelay}).Warn("Retrying request...")

			if err := sleepContext(ctx, finalDelay); err != nil {
				if lastErr != nil {
					return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", err, lastErr)
				}
				return nil, fmt.Errorf("context cancelled during retry delay: %w", err)
			}
		}

		currentResp, lastErr = f.client.Do(req.WithContext(ctx))

		if lastErr != nil {
			if currentResp != nil {
				io.Copy(io.Discard, currentResp.Body)
				currentResp.Body.Close()
				currentResp = nil
			}
			if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
				reqLog.Warnf("Context cancelled/timed out during HTTP request execution: %v", lastErr)
				return nil, lastErr
			}
			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", lastErr)
			continue
		}

		statusCode := currentResp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": statusCode, "attempt": attempt})

		switch {
		case statusCode >= 200 && statusCode < 300:
			return currentResp, nil

		case statusCode >= 500:
			resLog.Warn("Server error, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, currentResp.Status)
			io.Copy(io.Discard, currentResp.Body)
			currentResp.Body.Close()
			currentResp = nil
			continue

		case statusCode == http.StatusTooManyRequests:
			resLog.Warn("Received 429 Too Many Requests, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, currentResp.Status)
			io.Copy(io.Discard, currentResp.Body)
			currentResp.Body.Close()
			currentResp = nil
			continue

		case statusCode >= 400 && statusCode < 500:
			// Caller must close the body; 404 is consumed by Fetch
			if statusCode != http.StatusNotFound {
				resLog.Warn("Client error (4xx), not retrying")
			}
			return currentResp, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, currentResp.Status)

		default:
			resLog.Warnf("Non-retryable/unexpected status: %d", statusCode)
			return currentResp, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, currentResp.Status)
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", maxRetries+1, lastErr)
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
	}
	return nil, utils.ErrRetryFailed
}

// setBrowserHeaders sets the headers a desktop browser sends on navigation
func setBrowserHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}
