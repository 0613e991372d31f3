package application

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/alorle/m3u8-proxy/internal/manifest"
	"github.com/alorle/m3u8-proxy/internal/port/driven"
	"github.com/alorle/m3u8-proxy/internal/resolution"
	"github.com/alorle/m3u8-proxy/logging"
)

// mockPlaylistFetcher implements driven.PlaylistFetcher for testing.
type mockPlaylistFetcher struct {
	fetchPlaylistFunc func(ctx context.Context, url string) (string, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockPlaylistFetcher) FetchPlaylist(ctx context.Context, url string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, url)
	m.mu.Unlock()
	if m.fetchPlaylistFunc != nil {
		return m.fetchPlaylistFunc(ctx, url)
	}
	return "", errors.New("not implemented")
}

// playlists serves a fixed set of bodies; unknown URLs get a 404 FetchError.
func playlists(bodies map[string]string) *mockPlaylistFetcher {
	return &mockPlaylistFetcher{
		fetchPlaylistFunc: func(ctx context.Context, url string) (string, error) {
			if body, ok := bodies[url]; ok {
				return body, nil
			}
			return "", &driven.FetchError{URL: url, StatusCode: 404, Status: "404 Not Found"}
		},
	}
}

// mockResolutionRepository implements driven.ResolutionRepository for testing.
type mockResolutionRepository struct {
	saveFunc       func(ctx context.Context, r resolution.Record) error
	findRecentFunc func(ctx context.Context, limit int) ([]resolution.Record, error)
	pingFunc       func(ctx context.Context) error

	mu    sync.Mutex
	saved []resolution.Record
}

func (m *mockResolutionRepository) Save(ctx context.Context, r resolution.Record) error {
	m.mu.Lock()
	m.saved = append(m.saved, r)
	m.mu.Unlock()
	if m.saveFunc != nil {
		return m.saveFunc(ctx, r)
	}
	return nil
}

func (m *mockResolutionRepository) FindRecent(ctx context.Context, limit int) ([]resolution.Record, error) {
	if m.findRecentFunc != nil {
		return m.findRecentFunc(ctx, limit)
	}
	return []resolution.Record{}, nil
}

func (m *mockResolutionRepository) Ping(ctx context.Context) error {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const (
	masterURL = "https://cdn.example/live/master.m3u8"
	masterTxt = "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2400000\nhigh/index.m3u8\n"
	lowURL    = "https://cdn.example/live/low/index.m3u8"
	lowTxt    = "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n"
)

func TestResolverService_Resolve(t *testing.T) {
	t.Run("media playlist is absolutized and returned complete", func(t *testing.T) {
		fetcher := playlists(map[string]string{lowURL: lowTxt})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), lowURL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nhttps://cdn.example/live/low/seg0.ts\n#EXTINF:6.0,\nhttps://cdn.example/live/low/seg1.ts\n#EXT-X-ENDLIST"
		if res.Manifest.String() != want {
			t.Errorf("unexpected manifest:\n%s\nwant:\n%s", res.Manifest.String(), want)
		}
		if res.Outcome != resolution.OutcomeComplete {
			t.Errorf("expected complete outcome, got %s", res.Outcome)
		}
		if res.Hops != 0 || res.FinalURL != lowURL {
			t.Errorf("expected no hops and final url %s, got %d hops, %s", lowURL, res.Hops, res.FinalURL)
		}
	})

	t.Run("master playlist resolves to its first variant", func(t *testing.T) {
		fetcher := playlists(map[string]string{masterURL: masterTxt, lowURL: lowTxt})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), masterURL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if res.Outcome != resolution.OutcomeComplete || res.Hops != 1 || res.FinalURL != lowURL {
			t.Errorf("unexpected resolution: %+v", res)
		}
		if strings.Contains(res.Manifest.String(), "STREAM-INF") {
			t.Error("expected the variant media playlist, got the master")
		}
		if len(fetcher.calls) != 2 || fetcher.calls[1] != lowURL {
			t.Errorf("expected fetches [master, low], got %v", fetcher.calls)
		}
	})

	t.Run("relative variant resolves against the master url", func(t *testing.T) {
		body := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n../other/v.m3u8\n"
		fetcher := playlists(map[string]string{
			masterURL:                           body,
			"https://cdn.example/other/v.m3u8": "#EXTM3U\n#EXTINF:4,\nx.ts\n",
		})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), masterURL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(res.Manifest.String(), "https://cdn.example/other/x.ts") {
			t.Errorf("expected segments resolved against the variant url, got %q", res.Manifest.String())
		}
	})

	t.Run("nested masters are followed", func(t *testing.T) {
		fetcher := playlists(map[string]string{
			"https://a.example/top.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nhttps://b.example/mid.m3u8\n",
			"https://b.example/mid.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nleaf.m3u8\n",
			"https://b.example/leaf.m3u8": "#EXTM3U\n#EXTINF:4,\nseg.ts\n",
		})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), "https://a.example/top.m3u8")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Hops != 2 || res.FinalURL != "https://b.example/leaf.m3u8" {
			t.Errorf("expected 2 hops to leaf, got %d hops to %s", res.Hops, res.FinalURL)
		}
	})

	t.Run("sub-playlist failure falls back to the sanitized master", func(t *testing.T) {
		fetcher := playlists(map[string]string{masterURL: masterTxt + "\n\n#EXT-X-DISCONTINUITY\n"})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), masterURL)
		if err != nil {
			t.Fatalf("sub-playlist failure must not be an error, got %v", err)
		}

		if res.Outcome != resolution.OutcomePartial {
			t.Errorf("expected partial outcome, got %s", res.Outcome)
		}
		var fe *driven.FetchError
		if !errors.As(res.Fallback, &fe) || fe.URL != lowURL {
			t.Errorf("expected fallback error for %s, got %v", lowURL, res.Fallback)
		}
		want := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nhttps://cdn.example/live/low/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2400000\nhttps://cdn.example/live/high/index.m3u8"
		if res.Manifest.String() != want {
			t.Errorf("unexpected manifest:\n%s\nwant:\n%s", res.Manifest.String(), want)
		}
		if res.FinalURL != masterURL {
			t.Errorf("expected final url to be the master, got %s", res.FinalURL)
		}
	})

	t.Run("initial fetch failure is a hard error", func(t *testing.T) {
		upstream := errors.New("connection refused")
		fetcher := &mockPlaylistFetcher{
			fetchPlaylistFunc: func(ctx context.Context, url string) (string, error) {
				return "", &driven.FetchError{URL: url, Err: upstream}
			},
		}
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		_, err := svc.Resolve(context.Background(), masterURL)
		if !errors.Is(err, resolution.ErrInitialFetch) {
			t.Fatalf("expected ErrInitialFetch, got %v", err)
		}
		if !errors.Is(err, upstream) {
			t.Errorf("expected the upstream cause to be wrapped, got %v", err)
		}
	})

	t.Run("variant cycle is detected", func(t *testing.T) {
		fetcher := playlists(map[string]string{
			"https://a.example/1.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n2.m3u8\n",
			"https://a.example/2.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n1.m3u8\n",
		})
		svc := NewResolverService(fetcher, nil, nil, 10, newTestLogger())

		_, err := svc.Resolve(context.Background(), "https://a.example/1.m3u8")
		if !errors.Is(err, resolution.ErrCycleDetected) {
			t.Fatalf("expected ErrCycleDetected, got %v", err)
		}
		if len(fetcher.calls) != 2 {
			t.Errorf("expected 2 fetches before detecting the cycle, got %d", len(fetcher.calls))
		}
	})

	t.Run("self referencing master is a cycle", func(t *testing.T) {
		fetcher := playlists(map[string]string{
			"https://a.example/self.m3u8": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nself.m3u8\n",
		})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		if _, err := svc.Resolve(context.Background(), "https://a.example/self.m3u8"); !errors.Is(err, resolution.ErrCycleDetected) {
			t.Fatalf("expected ErrCycleDetected, got %v", err)
		}
	})

	t.Run("chain longer than max hops is rejected", func(t *testing.T) {
		fetcher := &mockPlaylistFetcher{
			fetchPlaylistFunc: func(ctx context.Context, url string) (string, error) {
				// every playlist points one level deeper
				return "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nd/next.m3u8\n", nil
			},
		}
		svc := NewResolverService(fetcher, nil, nil, 3, newTestLogger())

		_, err := svc.Resolve(context.Background(), "https://deep.example/start.m3u8")
		if !errors.Is(err, resolution.ErrDepthExceeded) {
			t.Fatalf("expected ErrDepthExceeded, got %v", err)
		}
		if len(fetcher.calls) != 4 {
			t.Errorf("expected initial fetch plus 3 hops, got %d fetches", len(fetcher.calls))
		}
	})

	t.Run("chain of exactly max hops resolves complete", func(t *testing.T) {
		fetcher := &mockPlaylistFetcher{
			fetchPlaylistFunc: func(ctx context.Context, url string) (string, error) {
				if url == "https://deep.example/d/d/d/next.m3u8" {
					return lowTxt, nil
				}
				return "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nd/next.m3u8\n", nil
			},
		}
		svc := NewResolverService(fetcher, nil, nil, 3, newTestLogger())

		res, err := svc.Resolve(context.Background(), "https://deep.example/start.m3u8")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != resolution.OutcomeComplete {
			t.Errorf("expected complete outcome, got %s", res.Outcome)
		}
		if res.Hops != 3 {
			t.Errorf("expected 3 hops, got %d", res.Hops)
		}
		if res.FinalURL != "https://deep.example/d/d/d/next.m3u8" {
			t.Errorf("unexpected final url %s", res.FinalURL)
		}
		if len(fetcher.calls) != 4 {
			t.Errorf("expected 4 fetches, got %d", len(fetcher.calls))
		}
	})

	t.Run("master without a variant line is served as is", func(t *testing.T) {
		body := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n#EXT-X-ENDLIST\n"
		fetcher := playlists(map[string]string{masterURL: body})
		svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), masterURL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != resolution.OutcomeComplete || res.Hops != 0 {
			t.Errorf("unexpected resolution: %+v", res)
		}
		if len(fetcher.calls) != 1 {
			t.Errorf("expected a single fetch, got %v", fetcher.calls)
		}
	})

	t.Run("invalid urls are rejected without fetching", func(t *testing.T) {
		for _, raw := range []string{"", "   ", "not a url", "/relative.m3u8", "ftp://cdn.example/a.m3u8", "http://%zz"} {
			fetcher := &mockPlaylistFetcher{}
			svc := NewResolverService(fetcher, nil, nil, 0, newTestLogger())

			if _, err := svc.Resolve(context.Background(), raw); !errors.Is(err, resolution.ErrInvalidURL) {
				t.Errorf("%q: expected ErrInvalidURL, got %v", raw, err)
			}
			if len(fetcher.calls) != 0 {
				t.Errorf("%q: expected no fetch, got %v", raw, fetcher.calls)
			}
		}
	})

	t.Run("ads are stripped from the final playlist", func(t *testing.T) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXTINF:6.0,\nmain0.ts\n#EXT-X-DISCONTINUITY\n")
		for i := 0; i < 12; i++ {
			b.WriteString("#EXTINF:2.0,\n/convertv7/ad.ts\n")
		}
		b.WriteString("#EXT-X-DISCONTINUITY\n#EXTINF:6.0,\nmain1.ts\n")

		fetcher := playlists(map[string]string{lowURL: b.String()})
		svc := NewResolverService(fetcher, manifest.NewSanitizer(manifest.DefaultRules()), nil, 0, newTestLogger())

		res, err := svc.Resolve(context.Background(), lowURL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(res.Manifest.String(), "ad.ts") {
			t.Errorf("expected ad pod to be removed, got %q", res.Manifest.String())
		}
		if res.Report.AdPods != 1 {
			t.Errorf("expected 1 ad pod in report, got %d", res.Report.AdPods)
		}
	})
}

func TestResolverService_LogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewResolverService(playlists(map[string]string{lowURL: lowTxt}), nil, nil, 0, logger)

	ctx := logging.WithRequestID(context.Background(), "0192f0a4-1111-7000-8000-000000000001")
	if _, err := svc.Resolve(ctx, lowURL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), `"request_id":"0192f0a4-1111-7000-8000-000000000001"`) {
		t.Errorf("expected request id in log output, got %s", buf.String())
	}
}

func TestResolverService_RecordsHistory(t *testing.T) {
	t.Run("complete resolution is saved", func(t *testing.T) {
		repo := &mockResolutionRepository{}
		fetcher := playlists(map[string]string{masterURL: masterTxt, lowURL: lowTxt})
		svc := NewResolverService(fetcher, nil, repo, 0, newTestLogger())

		if _, err := svc.Resolve(context.Background(), masterURL); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(repo.saved) != 1 {
			t.Fatalf("expected 1 saved record, got %d", len(repo.saved))
		}
		rec := repo.saved[0]
		if rec.Outcome() != resolution.OutcomeComplete || rec.Hops() != 1 {
			t.Errorf("unexpected record: outcome=%s hops=%d", rec.Outcome(), rec.Hops())
		}
		if rec.RequestedURL() != masterURL || rec.FinalURL() != lowURL {
			t.Errorf("unexpected urls: %s -> %s", rec.RequestedURL(), rec.FinalURL())
		}
	})

	t.Run("partial resolution keeps the absorbed error", func(t *testing.T) {
		repo := &mockResolutionRepository{}
		svc := NewResolverService(playlists(map[string]string{masterURL: masterTxt}), nil, repo, 0, newTestLogger())

		if _, err := svc.Resolve(context.Background(), masterURL); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(repo.saved) != 1 || repo.saved[0].Outcome() != resolution.OutcomePartial {
			t.Fatalf("expected one partial record, got %v", repo.saved)
		}
		if !strings.Contains(repo.saved[0].ErrorMessage(), "404") {
			t.Errorf("expected absorbed error in record, got %q", repo.saved[0].ErrorMessage())
		}
	})

	t.Run("failed resolution is saved as failed", func(t *testing.T) {
		repo := &mockResolutionRepository{}
		svc := NewResolverService(playlists(nil), nil, repo, 0, newTestLogger())

		if _, err := svc.Resolve(context.Background(), masterURL); err == nil {
			t.Fatal("expected error")
		}
		if len(repo.saved) != 1 || repo.saved[0].Outcome() != resolution.OutcomeFailed {
			t.Fatalf("expected one failed record, got %v", repo.saved)
		}
	})

	t.Run("history errors do not fail the request", func(t *testing.T) {
		repo := &mockResolutionRepository{
			saveFunc: func(ctx context.Context, r resolution.Record) error {
				return errors.New("disk full")
			},
		}
		svc := NewResolverService(playlists(map[string]string{lowURL: lowTxt}), nil, repo, 0, newTestLogger())

		if _, err := svc.Resolve(context.Background(), lowURL); err != nil {
			t.Fatalf("expected history failure to be ignored, got %v", err)
		}
	})

	t.Run("history is saved after the client cancels", func(t *testing.T) {
		var saveCtxErr error
		repo := &mockResolutionRepository{
			saveFunc: func(ctx context.Context, r resolution.Record) error {
				saveCtxErr = ctx.Err()
				return nil
			},
		}
		ctx, cancel := context.WithCancel(context.Background())
		fetcher := &mockPlaylistFetcher{
			fetchPlaylistFunc: func(ctx context.Context, url string) (string, error) {
				cancel()
				return "", &driven.FetchError{URL: url, Err: context.Canceled}
			},
		}
		svc := NewResolverService(fetcher, nil, repo, 0, newTestLogger())

		_, _ = svc.Resolve(ctx, lowURL)
		if len(repo.saved) != 1 {
			t.Fatalf("expected record to be saved, got %d", len(repo.saved))
		}
		if saveCtxErr != nil {
			t.Errorf("expected save context to outlive the request, got %v", saveCtxErr)
		}
	})
}

func TestParsePlaylistURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"https://cdn.example/a.m3u8", false},
		{"http://cdn.example:8080/a.m3u8?token=1", false},
		{"HTTPS://CDN.EXAMPLE/A.M3U8", false},
		{"cdn.example/a.m3u8", true},
		{"//cdn.example/a.m3u8", true},
		{"file:///etc/passwd", true},
		{"https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := parsePlaylistURL(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("parsePlaylistURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}
