package driver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alorle/m3u8-proxy/internal/application"
	"github.com/alorle/m3u8-proxy/internal/resolution"
)

// ResolutionHTTPHandler exposes the resolution history.
type ResolutionHTTPHandler struct {
	service *application.HistoryService
}

// NewResolutionHTTPHandler creates a new HTTP handler for resolution history.
func NewResolutionHTTPHandler(service *application.HistoryService) *ResolutionHTTPHandler {
	return &ResolutionHTTPHandler{service: service}
}

// resolutionResponse represents a resolution record in JSON format.
type resolutionResponse struct {
	ID           string  `json:"id"`
	RequestedURL string  `json:"requested_url"`
	FinalURL     string  `json:"final_url,omitempty"`
	Outcome      string  `json:"outcome"`
	Hops         int     `json:"hops"`
	Error        string  `json:"error,omitempty"`
	StartedAt    string  `json:"started_at"`
	DurationMS   float64 `json:"duration_ms"`
}

// ServeHTTP handles GET /api/resolutions?limit=N
func (h *ResolutionHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.service.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]resolutionResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toResolutionResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toResolutionResponse(rec resolution.Record) resolutionResponse {
	return resolutionResponse{
		ID:           rec.ID().String(),
		RequestedURL: rec.RequestedURL(),
		FinalURL:     rec.FinalURL(),
		Outcome:      string(rec.Outcome()),
		Hops:         rec.Hops(),
		Error:        rec.ErrorMessage(),
		StartedAt:    rec.StartedAt().UTC().Format(time.RFC3339Nano),
		DurationMS:   float64(rec.Duration()) / float64(time.Millisecond),
	}
}
