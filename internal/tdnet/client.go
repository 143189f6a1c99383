package tdnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the yanoshin TDnet WEB-API index (structured JSON,
// no scraping involved).
const DefaultBaseURL = "https://webapi.yanoshin.jp/webapi/tdnet/list"

const (
	fetchTimeout  = 20 * time.Second
	fetchRetries  = 2 // additional attempts after the first
	retryBackoff  = 800 * time.Millisecond
	userAgent     = "Mozilla/5.0"
	maxFetchLimit = 500
)

// Client fetches disclosure records from the TDnet JSON index.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for the given index base URL. An empty baseURL
// selects DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     slog.Default(),
	}
}

// FetchItems retrieves up to limit recent disclosure records, normalized.
// A 4-digit numeric code selects the per-security endpoint; anything else
// falls back to the global recent feed. The index is a best-effort external
// dependency: on persistent failure FetchItems returns an empty slice
// rather than an error.
func (c *Client) FetchItems(ctx context.Context, code string, limit int) []DisclosureRecord {
	if limit <= 0 || limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	var url string
	if len(code) == 4 && isDigits(code) {
		url = fmt.Sprintf("%s/%s.json?limit=%d", c.baseURL, code, limit)
	} else {
		url = fmt.Sprintf("%s/recent.json?limit=%d", c.baseURL, limit)
	}

	var lastErr error
	for attempt := 1; attempt <= fetchRetries+1; attempt++ {
		items, err := c.fetchOnce(ctx, url)
		if err == nil {
			return items
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt <= fetchRetries {
			select {
			case <-ctx.Done():
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
	}

	c.logger.Warn("tdnet index fetch failed, returning no items", "url", url, "error", lastErr)
	return nil
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]DisclosureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating index request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("index returned status %d", resp.StatusCode)
	}

	var body struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding index response: %w", err)
	}

	// Anything other than a list under "items" yields no records.
	var rawItems []json.RawMessage
	if err := json.Unmarshal(body.Items, &rawItems); err != nil {
		return []DisclosureRecord{}, nil
	}

	records := make([]DisclosureRecord, 0, len(rawItems))
	for _, raw := range rawItems {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue // non-mapping items are skipped silently
		}
		records = append(records, Normalize(m))
	}
	return records, nil
}
