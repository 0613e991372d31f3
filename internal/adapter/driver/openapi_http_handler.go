package driver

import (
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/alorle/m3u8-proxy/internal/application"
)

// NewOpenAPIDocument describes the public HTTP API.
func NewOpenAPIDocument(version string) *openapi3.T {
	errorSchema := openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema())
	jsonError := func(description string) *openapi3.Response {
		return openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithSchema(errorSchema, []string{"application/json"}))
	}

	proxy := openapi3.NewOperation()
	proxy.OperationID = "proxyPlaylist"
	proxy.Summary = "Resolve and sanitize an HLS playlist"
	proxy.Tags = []string{"proxy"}
	proxy.AddParameter(openapi3.NewQueryParameter("url").
		WithDescription("Absolute URL of a master or media playlist").
		WithRequired(true).
		WithSchema(openapi3.NewStringSchema()))
	proxy.AddResponse(http.StatusOK, openapi3.NewResponse().
		WithDescription("Sanitized media playlist with absolute URIs. "+OutcomeHeader+" is complete or partial.").
		WithContent(openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{mpegURLContentType})))
	proxy.AddResponse(http.StatusBadRequest, jsonError("Missing url query parameter"))
	proxy.AddResponse(http.StatusInternalServerError, jsonError("Playlist could not be resolved"))

	resolutionSchema := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("requested_url", openapi3.NewStringSchema()).
		WithProperty("final_url", openapi3.NewStringSchema()).
		WithProperty("outcome", openapi3.NewStringSchema().WithEnum("complete", "partial", "failed")).
		WithProperty("hops", openapi3.NewIntegerSchema()).
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("started_at", openapi3.NewDateTimeSchema()).
		WithProperty("duration_ms", openapi3.NewFloat64Schema())

	history := openapi3.NewOperation()
	history.OperationID = "listResolutions"
	history.Summary = "List recent playlist resolutions, newest first"
	history.Tags = []string{"history"}
	history.AddParameter(openapi3.NewQueryParameter("limit").
		WithDescription("Maximum number of records").
		WithSchema(openapi3.NewIntegerSchema().
			WithMin(1).
			WithMax(application.MaxHistoryLimit).
			WithDefault(application.DefaultHistoryLimit)))
	history.AddResponse(http.StatusOK, openapi3.NewResponse().
		WithDescription("Resolution records").
		WithJSONSchema(openapi3.NewArraySchema().WithItems(resolutionSchema)))
	history.AddResponse(http.StatusBadRequest, jsonError("Invalid limit"))

	health := openapi3.NewOperation()
	health.OperationID = "health"
	health.Summary = "Service health"
	health.Tags = []string{"health"}
	healthSchema := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema().WithEnum("ok", "degraded")).
		WithProperty("db", openapi3.NewStringSchema().WithEnum("ok", "error"))
	health.AddResponse(http.StatusOK, openapi3.NewResponse().
		WithDescription("All dependencies healthy").
		WithJSONSchema(healthSchema))
	health.AddResponse(http.StatusServiceUnavailable, openapi3.NewResponse().
		WithDescription("A dependency is failing").
		WithJSONSchema(healthSchema))

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "m3u8-proxy",
			Description: "Resolves HLS master playlists to a media playlist and strips injected ads.",
			Version:     version,
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath(ProxyPath, &openapi3.PathItem{Get: proxy, Head: proxy}),
			openapi3.WithPath("/api/resolutions", &openapi3.PathItem{Get: history}),
			openapi3.WithPath("/api/health", &openapi3.PathItem{Get: health}),
		),
	}
}

// NewOpenAPIHandler serves doc as JSON on GET.
func NewOpenAPIHandler(doc *openapi3.T) http.Handler {
	body, err := json.Marshal(doc)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode api document")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}
