package driven

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/ratelimit"

	"github.com/alorle/m3u8-proxy/circuitbreaker"
	port "github.com/alorle/m3u8-proxy/internal/port/driven"
	"github.com/alorle/m3u8-proxy/metrics"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxBytes     = 10 * 1024 * 1024
	playlistAccept      = "application/vnd.apple.mpegurl, application/x-mpegurl, */*"
)

// Fetch outcomes reported to metrics.
const (
	fetchOutcomeOK           = "ok"
	fetchOutcomeHTTPError    = "http_error"
	fetchOutcomeNetworkError = "network_error"
	fetchOutcomeTooLarge     = "too_large"
	fetchOutcomeCircuitOpen  = "circuit_open"
)

// PlaylistHTTPFetcherConfig tunes the upstream HTTP client.
type PlaylistHTTPFetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int
	RateLimit int // requests per second across all hosts, 0 = unlimited
}

// PlaylistHTTPFetcher retrieves playlists over HTTP.
// It implements the driven.PlaylistFetcher port.
type PlaylistHTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	limiter   ratelimit.Limiter
	breakers  *circuitbreaker.Registry
	logger    *slog.Logger
}

// NewPlaylistHTTPFetcher creates a fetcher. If client is nil, one is built with
// cfg.Timeout. breakers may be nil to disable circuit breaking.
func NewPlaylistHTTPFetcher(cfg PlaylistHTTPFetcherConfig, client *http.Client, breakers *circuitbreaker.Registry, logger *slog.Logger) *PlaylistHTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}

	return &PlaylistHTTPFetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		maxBytes:  int64(cfg.MaxBytes),
		limiter:   limiter,
		breakers:  breakers,
		logger:    logger,
	}
}

// FetchPlaylist performs one GET of rawURL. There are no retries.
func (f *PlaylistHTTPFetcher) FetchPlaylist(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		return "", &port.FetchError{URL: rawURL, Err: err}
	}
	host := u.Host

	f.limiter.Take()
	if err := ctx.Err(); err != nil {
		return "", &port.FetchError{URL: rawURL, Err: err}
	}

	start := time.Now()
	var (
		body string
		// failures that say nothing about upstream health
		benign *port.FetchError
	)

	call := func() error {
		text, err := f.get(ctx, rawURL)
		if err == nil {
			body = text
			return nil
		}
		var fe *port.FetchError
		if errors.As(err, &fe) && !countsAgainstUpstream(ctx, fe) {
			benign = fe
			return nil
		}
		return err
	}

	if f.breakers != nil {
		err = f.breakers.Get(host).Execute(call)
	} else {
		err = call()
	}
	took := time.Since(start)

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrHalfOpenLimitReached):
		metrics.RecordUpstreamFetch(fetchOutcomeCircuitOpen, took)
		f.logger.Warn("upstream circuit open, failing fast", "host", host, "url", rawURL)
		return "", &port.FetchError{URL: rawURL, Err: err}
	case err != nil:
		metrics.RecordUpstreamFetch(outcomeOf(err), took)
		f.logger.Warn("upstream fetch failed", "url", rawURL, "error", err, "duration", took.String())
		return "", err
	case benign != nil:
		metrics.RecordUpstreamFetch(outcomeOf(benign), took)
		f.logger.Warn("upstream fetch failed", "url", rawURL, "error", benign, "duration", took.String())
		return "", benign
	}

	metrics.RecordUpstreamFetch(fetchOutcomeOK, took)
	f.logger.Debug("upstream fetch succeeded", "url", rawURL, "bytes", len(body), "duration", took.String())
	return body, nil
}

func (f *PlaylistHTTPFetcher) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &port.FetchError{URL: rawURL, Err: fmt.Errorf("creating HTTP request: %w", err)}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", playlistAccept)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &port.FetchError{URL: rawURL, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Debug("failed to close upstream body", "url", rawURL, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &port.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", &port.FetchError{URL: rawURL, Err: fmt.Errorf("reading response body: %w", err)}
	}
	if int64(len(data)) > f.maxBytes {
		return "", &port.FetchError{URL: rawURL, Err: port.ErrManifestTooLarge}
	}

	return string(data), nil
}

// countsAgainstUpstream reports whether a failure should feed the circuit breaker:
// transport errors and 5xx do, client errors, oversize bodies and our own
// cancellations do not.
func countsAgainstUpstream(ctx context.Context, fe *port.FetchError) bool {
	if ctx.Err() != nil {
		return false
	}
	if fe.StatusCode != 0 {
		return fe.StatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(fe.Err, port.ErrManifestTooLarge)
}

func outcomeOf(err error) string {
	var fe *port.FetchError
	if !errors.As(err, &fe) {
		return fetchOutcomeNetworkError
	}
	switch {
	case fe.StatusCode != 0:
		return fetchOutcomeHTTPError
	case errors.Is(fe.Err, port.ErrManifestTooLarge):
		return fetchOutcomeTooLarge
	default:
		return fetchOutcomeNetworkError
	}
}
