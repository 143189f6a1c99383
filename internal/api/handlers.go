package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ymgw/kessan/internal/analyzer"
	"github.com/ymgw/kessan/internal/pdftext"
	"github.com/ymgw/kessan/internal/storage"
	"github.com/ymgw/kessan/internal/tdnet"
)

const maxRequestBodySize = 1 << 20 // 1MB

// DisclosureLister abstracts the TDnet index client for the API layer.
type DisclosureLister interface {
	FetchItems(ctx context.Context, code string, limit int) []tdnet.DisclosureRecord
}

// Analyzer abstracts the analysis service for the API layer.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (storage.Analysis, bool, error)
}

type AppDeps struct {
	Store  *storage.Store
	Lister DisclosureLister
	Svc    Analyzer // optional; nil when no Gemini API key is configured
	Token  string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/disclosures", handleListDisclosures(deps))
		r.Get("/analyses", handleGetAnalysis(deps))
		r.Post("/analyses", handleAnalyze(deps))
		r.Get("/analyses/recent", handleRecentAnalyses(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type disclosureItem struct {
	Title       string `json:"title"`
	Code        string `json:"code"`
	DocumentURL string `json:"document_url"`
	PublishedAt string `json:"published_at,omitempty"`
	Earnings    bool   `json:"earnings"`
}

func handleListDisclosures(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		limit := parseIntParam(r, "limit", 30, 500)
		days := parseIntParam(r, "days", 0, 0)
		kessanOnly := r.URL.Query().Get("kessan") == "true"

		records := deps.Lister.FetchItems(r.Context(), code, limit)

		opts := tdnet.FilterOptions{
			EarningsOnly: kessanOnly,
			RequireURL:   true,
		}
		if days > 0 {
			opts.Cutoff = time.Now().AddDate(0, 0, -days)
		}
		filtered, widened := tdnet.Screen(records, opts)

		items := make([]disclosureItem, 0, len(filtered))
		for _, rec := range filtered {
			item := disclosureItem{
				Title:       rec.Title,
				Code:        rec.Code,
				DocumentURL: rec.DocumentURL,
				Earnings:    tdnet.IsEarningsReport(rec.Title),
			}
			if rec.HasPublishedAt() {
				item.PublishedAt = rec.PublishedAt.Format(time.RFC3339)
			}
			items = append(items, item)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items":   items,
			"widened": widened,
		})
	}
}

type analysisResponse struct {
	DocURL           string          `json:"doc_url"`
	Code             string          `json:"code"`
	Code4            string          `json:"code4,omitempty"`
	Title            string          `json:"title"`
	PublishedAt      string          `json:"published_at,omitempty"`
	PublishedDateJST string          `json:"published_date_jst,omitempty"`
	DocType          string          `json:"doc_type,omitempty"`
	Model            string          `json:"model,omitempty"`
	Tokens           *int64          `json:"tokens,omitempty"`
	CreatedAt        string          `json:"created_at"`
	Payload          json.RawMessage `json:"payload"`
	Cached           bool            `json:"cached"`
}

func toAnalysisResponse(a storage.Analysis, cached bool) analysisResponse {
	resp := analysisResponse{
		DocURL:           a.DocURL,
		Code:             a.Code,
		Code4:            a.Code4,
		Title:            a.Title,
		PublishedDateJST: a.PublishedDateJST,
		DocType:          a.DocType,
		Model:            a.Model,
		Tokens:           a.Tokens,
		Payload:          json.RawMessage(a.PayloadJSON),
		Cached:           cached,
	}
	if !a.PublishedAt.IsZero() {
		resp.PublishedAt = a.PublishedAt.Format(time.RFC3339)
	}
	if !a.CreatedAt.IsZero() {
		resp.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return resp
}

func handleGetAnalysis(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}

		a, err := deps.Store.GetAnalysis(url)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no cached analysis for this url")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read analysis: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toAnalysisResponse(a, true))
	}
}

type analyzeRequest struct {
	URL         string `json:"url"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	PublishedAt string `json:"published_at"`
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Svc == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "analysis is disabled: no Gemini API key configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}

		areq := analyzer.Request{
			URL:   req.URL,
			Code:  req.Code,
			Title: req.Title,
		}
		if req.PublishedAt != "" {
			areq.PublishedAt = tdnet.ParseTime(req.PublishedAt)
		}

		a, cached, err := deps.Svc.Analyze(r.Context(), areq)
		switch {
		case errors.Is(err, analyzer.ErrNotAllowed):
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "url not eligible for analysis: %v", err)
			return
		case errors.Is(err, pdftext.ErrSizeExceeded):
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "document too large: %v", err)
			return
		case errors.Is(err, pdftext.ErrNoText):
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "document has no extractable text: %v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadGateway, "api_error", "analysis failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toAnalysisResponse(a, cached))
	}
}

func handleRecentAnalyses(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("code")
		if raw == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "code query parameter is required")
			return
		}
		// Cached rows are keyed by the 4-digit code; accept 5-digit input.
		code := tdnet.CanonicalCode(raw)
		if code == "" {
			code = raw
		}
		limit := parseIntParam(r, "limit", 20, 100)

		analyses, err := deps.Store.ListAnalysesByCode(code, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list analyses: %v", err)
			return
		}

		items := make([]analysisResponse, 0, len(analyses))
		for _, a := range analyses {
			items = append(items, toAnalysisResponse(a, true))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
