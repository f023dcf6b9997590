package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/ratelimit"
)

// ErrFetchExhausted matches any *FetchExhaustedError via errors.Is.
var ErrFetchExhausted = errors.New("all proxies exhausted")

// FetchExhaustedError reports that every relay in the chain failed for URL.
type FetchExhaustedError struct {
	URL      string
	Attempts []error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("failed to fetch the feed for %s after trying %d proxies", e.URL, len(e.Attempts))
}

func (e *FetchExhaustedError) Is(target error) bool {
	return target == ErrFetchExhausted
}

func (e *FetchExhaustedError) Unwrap() []error {
	return e.Attempts
}

// StatusError is a relay that answered with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proxy returned status %d", e.Code)
}

// Proxy is a relay URL template. Templates ending in '=' or '?' take the
// target as an encoded query value; all others have it appended verbatim.
type Proxy string

func (p Proxy) RelayURL(target string) string {
	s := string(p)
	if strings.HasSuffix(s, "=") || strings.HasSuffix(s, "?") {
		return s + url.QueryEscape(target)
	}
	return s + target
}

// ProxyFetcher retrieves a URL through an ordered relay chain, returning the
// first successful body.
type ProxyFetcher struct {
	proxies []Proxy
	client  *http.Client
	limiter *ratelimit.Limiter
	config  FetcherConfig
	logger  *logging.Logger
}

// NewProxyFetcher copies proxies so the chain cannot change under a running
// aggregation. limiter may be nil.
func NewProxyFetcher(proxies []Proxy, limiter *ratelimit.Limiter, config FetcherConfig, logger *logging.Logger) *ProxyFetcher {
	chain := make([]Proxy, len(proxies))
	copy(chain, proxies)

	return &ProxyFetcher{
		proxies: chain,
		client:  &http.Client{},
		limiter: limiter,
		config:  config,
		logger:  logger,
	}
}

func (f *ProxyFetcher) Proxies() []Proxy {
	out := make([]Proxy, len(f.proxies))
	copy(out, f.proxies)
	return out
}

// FetchWithFallbacks tries each proxy strictly in order and stops at the first
// 2xx response. It fails with *FetchExhaustedError once the chain is spent.
func (f *ProxyFetcher) FetchWithFallbacks(ctx context.Context, target string) ([]byte, error) {
	attempts := make([]error, 0, len(f.proxies))

	for _, proxy := range f.proxies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", target, err)
		}

		body, err := f.attempt(ctx, proxy, target)
		if err == nil {
			return body, nil
		}

		fields := map[string]interface{}{
			"proxy": string(proxy),
			"url":   target,
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			fields["status"] = statusErr.Code
		} else {
			fields["error"] = err.Error()
		}
		f.logger.Warn("Proxy attempt failed", logging.WithFields(fields))

		attempts = append(attempts, fmt.Errorf("%s: %w", proxy, err))
	}

	return nil, &FetchExhaustedError{URL: target, Attempts: attempts}
}

// politenessKey spaces repeat fetches of one feed through one relay. It is
// scoped to the feed so that no feed ever waits on another feed's slot.
func politenessKey(relay, target string) string {
	host := relay
	if u, err := url.Parse(relay); err == nil && u.Host != "" {
		host = u.Host
	}
	return host + " " + target
}

func (f *ProxyFetcher) attempt(ctx context.Context, proxy Proxy, target string) ([]byte, error) {
	relay := proxy.RelayURL(target)

	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, politenessKey(relay, target)); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relay, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}
	if f.config.Origin != "" {
		req.Header.Set("Origin", f.config.Origin)
	}
	if f.config.APIKey != "" {
		req.Header.Set("x-cors-api-key", f.config.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	reader := io.Reader(resp.Body)
	if f.config.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.config.MaxBodyBytes+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if f.config.MaxBodyBytes > 0 && int64(len(body)) > f.config.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", f.config.MaxBodyBytes)
	}

	return body, nil
}
