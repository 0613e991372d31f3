package driver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alorle/m3u8-proxy/internal/application"
	"github.com/alorle/m3u8-proxy/internal/resolution"
	"github.com/alorle/m3u8-proxy/logging"
)

const (
	// ProxyPath is the route served by ProxyHTTPHandler.
	ProxyPath = "/m3u8-proxy"
	// OutcomeHeader tells clients whether the manifest is the variant or a master fallback.
	OutcomeHeader = "X-Resolution-Outcome"

	mpegURLContentType = "application/vnd.apple.mpegurl"
	missingURLMessage  = "Missing 'url' query parameter."
	allowedMethods     = "GET, HEAD, OPTIONS"
)

// ProxyHTTPHandler serves sanitized playlists for GET /m3u8-proxy?url=...
type ProxyHTTPHandler struct {
	service *application.ResolverService
	logger  *slog.Logger
}

// NewProxyHTTPHandler creates a new HTTP handler for the playlist proxy.
func NewProxyHTTPHandler(service *application.ResolverService, logger *slog.Logger) *ProxyHTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHTTPHandler{service: service, logger: logger}
}

// Register mounts the handler on ProxyPath and every path below it, so players
// that expect a .m3u8 suffix can request ProxyPath + "/index.m3u8?url=...".
func (h *ProxyHTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle(ProxyPath, h)
	mux.Handle(ProxyPath+"/", h)
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// ServeHTTP handles GET, HEAD and OPTIONS /m3u8-proxy
func (h *ProxyHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", allowedMethods)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target := r.URL.Query().Get("url")
	if strings.TrimSpace(target) == "" {
		writeError(w, http.StatusBadRequest, missingURLMessage)
		return
	}

	res, err := h.service.Resolve(r.Context(), target)
	if err != nil {
		h.logFailure(r, target, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := res.Manifest.String()
	w.Header().Set("Content-Type", mpegURLContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(OutcomeHeader, string(res.Outcome))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, body); err != nil {
		h.logger.Debug("failed to write playlist", "url", target, "error", err)
	}
}

func (h *ProxyHTTPHandler) logFailure(r *http.Request, target string, err error) {
	switch {
	case errors.Is(err, resolution.ErrInvalidURL),
		errors.Is(err, resolution.ErrInitialFetch),
		errors.Is(err, resolution.ErrCycleDetected),
		errors.Is(err, resolution.ErrDepthExceeded):
		h.logger.Warn("playlist resolution failed",
			"request_id", logging.RequestIDFromContext(r.Context()),
			"url", target,
			"error", err,
		)
	default:
		h.logger.Error("unexpected error resolving playlist",
			"request_id", logging.RequestIDFromContext(r.Context()),
			"url", target,
			"error", err,
		)
	}
}
