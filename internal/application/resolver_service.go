package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/alorle/m3u8-proxy/internal/manifest"
	"github.com/alorle/m3u8-proxy/internal/port/driven"
	"github.com/alorle/m3u8-proxy/internal/resolution"
	"github.com/alorle/m3u8-proxy/logging"
	"github.com/alorle/m3u8-proxy/metrics"
)

// DefaultMaxHops bounds the number of master -> variant hops per request.
const DefaultMaxHops = 5

// Resolution is the result of resolving a requested playlist URL.
type Resolution struct {
	Manifest     manifest.Manifest
	Outcome      resolution.Outcome
	RequestedURL string
	FinalURL     string // URL the returned manifest was fetched from
	Hops         int    // variant hops followed
	Fallback     error  // sub-playlist failure absorbed by a partial outcome
	Report       manifest.Report
}

// ResolverService turns a playlist URL into a sanitized media playlist,
// following master playlists to their first variant.
type ResolverService struct {
	fetcher   driven.PlaylistFetcher
	sanitizer *manifest.Sanitizer
	history   driven.ResolutionRepository
	maxHops   int
	logger    *slog.Logger
	now       func() time.Time
}

// NewResolverService creates a resolver. history may be nil to disable
// recording; sanitizer nil uses the default rules.
func NewResolverService(
	fetcher driven.PlaylistFetcher,
	sanitizer *manifest.Sanitizer,
	history driven.ResolutionRepository,
	maxHops int,
	logger *slog.Logger,
) *ResolverService {
	if sanitizer == nil {
		sanitizer = manifest.NewSanitizer(manifest.DefaultRules())
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResolverService{
		fetcher:   fetcher,
		sanitizer: sanitizer,
		history:   history,
		maxHops:   maxHops,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve fetches rawURL and follows variant references until it reaches a
// media playlist, which is returned sanitized.
// Returns resolution.ErrInvalidURL, resolution.ErrInitialFetch,
// resolution.ErrCycleDetected or resolution.ErrDepthExceeded on failure.
// A failed sub-playlist fetch is not an error: the previous master playlist
// is returned with OutcomePartial and the failure in Fallback.
func (s *ResolverService) Resolve(ctx context.Context, rawURL string) (Resolution, error) {
	started := s.now()
	res, err := s.resolve(ctx, strings.TrimSpace(rawURL))
	s.record(ctx, rawURL, res, err, started)
	return res, err
}

func (s *ResolverService) resolve(ctx context.Context, rawURL string) (Resolution, error) {
	res := Resolution{RequestedURL: rawURL}

	base, err := parsePlaylistURL(rawURL)
	if err != nil {
		return res, err
	}

	current := base.String()
	text, err := s.fetcher.FetchPlaylist(ctx, current)
	if err != nil {
		return res, fmt.Errorf("%w: %w", resolution.ErrInitialFetch, err)
	}

	visited := map[string]bool{current: true}
	m := manifest.Parse(text).Absolutize(base)

	for m.IsMaster() {
		next, ok := m.FirstVariantURI()
		if !ok {
			// master without a usable variant line is served as is
			break
		}
		s.logVariants(m, current, next)

		if visited[next] {
			return res, fmt.Errorf("%w: %s", resolution.ErrCycleDetected, next)
		}
		if res.Hops >= s.maxHops {
			return res, fmt.Errorf("%w: stopped after %d hops at %s", resolution.ErrDepthExceeded, res.Hops, current)
		}

		nextBase, text, err := s.fetchVariant(ctx, next)
		if err != nil {
			s.logger.Warn("variant fetch failed, serving master playlist",
				"request_id", logging.RequestIDFromContext(ctx),
				"master_url", current,
				"variant_url", next,
				"error", err,
			)
			res.Fallback = err
			return s.finish(res, m, current, resolution.OutcomePartial), nil
		}

		res.Hops++
		visited[next] = true
		current = next
		m = manifest.Parse(text).Absolutize(nextBase)
	}

	return s.finish(res, m, current, resolution.OutcomeComplete), nil
}

func (s *ResolverService) fetchVariant(ctx context.Context, rawURL string) (*url.URL, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", &driven.FetchError{URL: rawURL, Err: err}
	}
	text, err := s.fetcher.FetchPlaylist(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	return u, text, nil
}

func (s *ResolverService) finish(res Resolution, m manifest.Manifest, finalURL string, outcome resolution.Outcome) Resolution {
	res.Manifest, res.Report = s.sanitizer.Sanitize(m)
	res.FinalURL = finalURL
	res.Outcome = outcome
	return res
}

func (s *ResolverService) logVariants(m manifest.Manifest, masterURL, chosen string) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	variants, err := m.Variants()
	if err != nil {
		s.logger.Debug("could not decode master playlist variants", "url", masterURL, "error", err)
		return
	}
	attrs := []any{"url", masterURL, "variant_count", len(variants), "chosen", chosen}
	for _, v := range variants {
		if v.URI == chosen {
			attrs = append(attrs, "bandwidth", v.Bandwidth, "resolution", v.Resolution)
			break
		}
	}
	s.logger.Debug("following first variant", attrs...)
}

// record publishes metrics and history for one Resolve call. Failures here
// never reach the caller.
func (s *ResolverService) record(ctx context.Context, rawURL string, res Resolution, err error, started time.Time) {
	outcome := res.Outcome
	errMsg := ""
	switch {
	case err != nil:
		outcome = resolution.OutcomeFailed
		errMsg = err.Error()
	case res.Fallback != nil:
		errMsg = res.Fallback.Error()
	}

	metrics.RecordResolution(string(outcome), res.Hops)
	metrics.RecordSanitizerRemovals("no_key_block", res.Report.NoKeyBlocks)
	metrics.RecordSanitizerRemovals("ad_pod", res.Report.AdPods)
	metrics.RecordSanitizerRemovals("discontinuity", res.Report.Discontinuities)
	metrics.RecordSanitizerRemovals("vendor_path", res.Report.VendorPaths)
	metrics.RecordSanitizerRemovals("blank_line", res.Report.BlankLines)

	took := s.now().Sub(started)
	s.logger.Info("playlist resolved",
		"request_id", logging.RequestIDFromContext(ctx),
		"url", rawURL,
		"final_url", res.FinalURL,
		"outcome", string(outcome),
		"hops", res.Hops,
		"removed", res.Report.Removed(),
		"duration", took.String(),
	)

	if s.history == nil {
		return
	}
	rec, recErr := resolution.NewRecord(rawURL, res.FinalURL, outcome, res.Hops, errMsg, started, took)
	if recErr != nil {
		s.logger.Debug("resolution not recorded", "url", rawURL, "error", recErr)
		return
	}
	// keep the record even if the client has gone away
	if saveErr := s.history.Save(context.WithoutCancel(ctx), rec); saveErr != nil {
		s.logger.Warn("failed to save resolution history",
			"request_id", logging.RequestIDFromContext(ctx),
			"url", rawURL,
			"error", saveErr,
		)
	}
}

// parsePlaylistURL accepts only absolute http(s) URLs.
func parsePlaylistURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty url", resolution.ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", resolution.ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", resolution.ErrInvalidURL, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", resolution.ErrInvalidURL, u.Scheme)
	}
	return u, nil
}

