package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ymgw/kessan/internal/analyzer"
	"github.com/ymgw/kessan/internal/pdftext"
	"github.com/ymgw/kessan/internal/storage"
	"github.com/ymgw/kessan/internal/tdnet"
)

const testToken = "test-token"

// --- mocks ---

type mockLister struct {
	records  []tdnet.DisclosureRecord
	lastCode string
	lastN    int
}

func (m *mockLister) FetchItems(_ context.Context, code string, limit int) []tdnet.DisclosureRecord {
	m.lastCode = code
	m.lastN = limit
	return m.records
}

type mockAnalyzer struct {
	analysis storage.Analysis
	cached   bool
	err      error
	lastReq  analyzer.Request
}

func (m *mockAnalyzer) Analyze(_ context.Context, req analyzer.Request) (storage.Analysis, bool, error) {
	m.lastReq = req
	if m.err != nil {
		return storage.Analysis{}, false, m.err
	}
	return m.analysis, m.cached, nil
}

// --- helpers ---

func newTestDeps(t *testing.T) (AppDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return AppDeps{
		Store:  store,
		Lister: &mockLister{},
		Svc:    &mockAnalyzer{},
		Token:  testToken,
	}, store
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- tests ---

func TestHealth_NoAuthRequired(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewAppHandler(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewAppHandler(deps)

	for _, header := range []string{"", "Bearer wrong", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/disclosures", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, w.Code)
		}
	}
}

func TestListDisclosures(t *testing.T) {
	now := time.Now()
	deps, _ := newTestDeps(t)
	lister := &mockLister{records: []tdnet.DisclosureRecord{
		{Title: "2026年3月期 第1四半期決算短信", Code: "7203", DocumentURL: "https://release.tdnet.info/a.pdf", PublishedAt: now},
		{Title: "人事異動のお知らせ", Code: "7203", DocumentURL: "https://release.tdnet.info/b.pdf", PublishedAt: now},
	}}
	deps.Lister = lister
	h := NewAppHandler(deps)

	w := doRequest(h, http.MethodGet, "/disclosures?code=7203&limit=50&kessan=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if lister.lastCode != "7203" || lister.lastN != 50 {
		t.Errorf("lister called with code=%q limit=%d", lister.lastCode, lister.lastN)
	}

	var resp struct {
		Items   []disclosureItem `json:"items"`
		Widened bool             `json:"widened"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("items = %d, want 1 (earnings only)", len(resp.Items))
	}
	if !resp.Items[0].Earnings {
		t.Error("earnings flag not set on kessan item")
	}
	if resp.Widened {
		t.Error("widened = true, want false")
	}
}

func TestListDisclosures_WidensWhenNoEarnings(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Lister = &mockLister{records: []tdnet.DisclosureRecord{
		{Title: "人事異動のお知らせ", Code: "7203", DocumentURL: "https://release.tdnet.info/b.pdf"},
	}}
	h := NewAppHandler(deps)

	w := doRequest(h, http.MethodGet, "/disclosures?code=7203&kessan=true", "")
	var resp struct {
		Items   []disclosureItem `json:"items"`
		Widened bool             `json:"widened"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Items) != 1 || !resp.Widened {
		t.Errorf("items = %d widened = %v, want 1 item with widened = true", len(resp.Items), resp.Widened)
	}
}

func TestGetAnalysis(t *testing.T) {
	deps, store := newTestDeps(t)
	h := NewAppHandler(deps)

	const url = "https://release.tdnet.info/inbs/x.pdf"

	w := doRequest(h, http.MethodGet, "/analyses?url="+url, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before caching", w.Code)
	}

	err := store.PutAnalysis(storage.Analysis{
		DocURL:      url,
		Code:        "7203",
		Title:       "決算短信",
		PayloadJSON: `{"ok":true,"result":{"summary":"s"}}`,
	})
	if err != nil {
		t.Fatalf("PutAnalysis: %v", err)
	}

	w = doRequest(h, http.MethodGet, "/analyses?url="+url, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp analysisResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.DocURL != url || !resp.Cached {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Code4 != "7203" {
		t.Errorf("Code4 = %q", resp.Code4)
	}
}

func TestGetAnalysis_RequiresURL(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewAppHandler(deps)

	if w := doRequest(h, http.MethodGet, "/analyses", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAnalyze(t *testing.T) {
	deps, _ := newTestDeps(t)
	svc := &mockAnalyzer{
		analysis: storage.Analysis{
			DocURL:      "https://release.tdnet.info/inbs/x.pdf",
			Code:        "7203",
			PayloadJSON: `{"ok":true}`,
		},
	}
	deps.Svc = svc
	h := NewAppHandler(deps)

	body := `{"url":"https://release.tdnet.info/inbs/x.pdf","code":"7203","title":"決算短信","published_at":"2026-02-06T15:00:00Z"}`
	w := doRequest(h, http.MethodPost, "/analyses", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.lastReq.URL != "https://release.tdnet.info/inbs/x.pdf" || svc.lastReq.Code != "7203" {
		t.Errorf("analyzer request = %+v", svc.lastReq)
	}
	if svc.lastReq.PublishedAt.IsZero() {
		t.Error("published_at not parsed")
	}
}

func TestAnalyze_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not allowed", analyzer.ErrNotAllowed, http.StatusUnprocessableEntity},
		{"too large", pdftext.ErrSizeExceeded, http.StatusRequestEntityTooLarge},
		{"no text", pdftext.ErrNoText, http.StatusUnprocessableEntity},
		{"upstream", context.DeadlineExceeded, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _ := newTestDeps(t)
			deps.Svc = &mockAnalyzer{err: tt.err}
			h := NewAppHandler(deps)

			w := doRequest(h, http.MethodPost, "/analyses", `{"url":"https://release.tdnet.info/x.pdf"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAnalyze_DisabledWithoutService(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Svc = nil
	h := NewAppHandler(deps)

	w := doRequest(h, http.MethodPost, "/analyses", `{"url":"https://release.tdnet.info/x.pdf"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRecentAnalyses(t *testing.T) {
	deps, store := newTestDeps(t)
	h := NewAppHandler(deps)

	for i, url := range []string{
		"https://release.tdnet.info/inbs/a.pdf",
		"https://release.tdnet.info/inbs/b.pdf",
	} {
		err := store.PutAnalysis(storage.Analysis{
			DocURL:      url,
			Code:        "7203",
			PublishedAt: time.Date(2026, 2, 1+i, 15, 0, 0, 0, time.UTC),
			PayloadJSON: `{"ok":true}`,
		})
		if err != nil {
			t.Fatalf("PutAnalysis: %v", err)
		}
	}

	w := doRequest(h, http.MethodGet, "/analyses/recent?code=7203", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var items []analysisResponse
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].PublishedDateJST < items[1].PublishedDateJST {
		t.Error("analyses not ordered newest first")
	}

	if w := doRequest(h, http.MethodGet, "/analyses/recent", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing code: status = %d, want 400", w.Code)
	}
}

func TestRecentAnalyses_CanonicalizesCode(t *testing.T) {
	deps, store := newTestDeps(t)
	h := NewAppHandler(deps)

	err := store.PutAnalysis(storage.Analysis{
		DocURL:      "https://release.tdnet.info/inbs/a.pdf",
		Code:        "7203",
		PayloadJSON: `{"ok":true}`,
	})
	if err != nil {
		t.Fatalf("PutAnalysis: %v", err)
	}

	// A 5-digit code must find rows cached under the 4-digit form.
	w := doRequest(h, http.MethodGet, "/analyses/recent?code=72030", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var items []analysisResponse
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Code4 != "7203" {
		t.Errorf("Code4 = %q, want %q", items[0].Code4, "7203")
	}
}
