package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/domain"
	"github.com/charsearch/charsearch/pkg/logger"
	"github.com/charsearch/charsearch/pkg/metrics"
	"github.com/charsearch/charsearch/pkg/mid"
)

// querier is the part of core.Core the API serves.
type querier interface {
	SearchText(ctx context.Context, text string, topK int, threshold float64) ([]domain.SearchHit, error)
	SearchByImage(ctx context.Context, data []byte, topK int, threshold float64) ([]domain.SearchHit, error)
	Enrich(ctx context.Context, hits []domain.SearchHit) ([]domain.EnrichedHit, error)
	Count(ctx context.Context) (int, error)
	Defaults() (int, float64)
	ModelName() string
}

// api serves the JSON query surface.
type api struct {
	q         querier
	log       *zap.Logger
	maxUpload int64
}

// TextRequest is the body of POST /v1/search/text.
type TextRequest struct {
	Text      string   `json:"text"`
	TopK      *int     `json:"top_k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Enrich    bool     `json:"enrich,omitempty"`
}

// EnrichRequest is the body of POST /v1/enrich.
type EnrichRequest struct {
	Hits []domain.SearchHit `json:"hits"`
}

// HitsResponse wraps search results. Hits holds SearchHit or EnrichedHit
// values depending on the request.
type HitsResponse struct {
	Hits any `json:"hits"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// errorStatus maps a sentinel to an HTTP status.
var errorStatus = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidQuery, http.StatusBadRequest},
	{domain.ErrDecode, http.StatusBadRequest},
	{domain.ErrCancelled, http.StatusGatewayTimeout},
	{domain.ErrModelUnavailable, http.StatusServiceUnavailable},
	{domain.ErrIndexUnavailable, http.StatusServiceUnavailable},
	{domain.ErrExternalService, http.StatusBadGateway},
	{domain.ErrDimensionMismatch, http.StatusInternalServerError},
}

func statusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// newRouter builds the chi router. The caller wraps it with mid.OTel.
func newRouter(a *api, m *metrics.Metrics, corsOrigin string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(mid.Recover(a.log))
	r.Use(mid.Logger(a.log))
	r.Use(mid.CORS(corsOrigin))
	r.Use(m.Middleware())

	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/search/text", a.searchText)
		r.Post("/search/image", a.searchImage)
		r.Post("/enrich", a.enrich)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	n, err := a.q.Count(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Warn("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"model":   a.q.ModelName(),
		"entries": n,
	})
}

func (a *api) searchText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	topK, threshold := a.q.Defaults()
	if req.TopK != nil {
		topK = *req.TopK
	}
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	hits, err := a.q.SearchText(r.Context(), req.Text, topK, threshold)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respondHits(w, r, hits, req.Enrich)
}

// searchImage accepts the image as a multipart "image" field or as the raw
// request body. top_k, threshold and enrich come from the query string.
func (a *api) searchImage(w http.ResponseWriter, r *http.Request) {
	topK, threshold := a.q.Defaults()
	q := r.URL.Query()
	if v := q.Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "top_k must be an integer")
			return
		}
		topK = n
	}
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "threshold must be a number")
			return
		}
		threshold = f
	}
	enrich, _ := strconv.ParseBool(q.Get("enrich"))

	data, err := a.readImage(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", a.maxUpload))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hits, err := a.q.SearchByImage(r.Context(), data, topK, threshold)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respondHits(w, r, hits, enrich)
}

func (a *api) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errors.New("empty image")
		}
		return data, nil
	}

	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		return nil, err
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("multipart field \"image\": %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (a *api) enrich(w http.ResponseWriter, r *http.Request) {
	var req EnrichRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	enriched, err := a.q.Enrich(r.Context(), req.Hits)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, HitsResponse{Hits: enriched})
}

func (a *api) respondHits(w http.ResponseWriter, r *http.Request, hits []domain.SearchHit, enrich bool) {
	if !enrich {
		respondJSON(w, http.StatusOK, HitsResponse{Hits: hits})
		return
	}
	enriched, err := a.q.Enrich(r.Context(), hits)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, HitsResponse{Hits: enriched})
}

// fail logs err and answers with its mapped status. 5xx bodies carry the
// sentinel text only.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logger.FromContext(r.Context())
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = http.StatusText(status)
		for _, e := range errorStatus {
			if errors.Is(err, e.err) {
				msg = e.err.Error()
				break
			}
		}
	} else {
		log.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, msg)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
