package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

const (
	summarizeRetries = 3
	summarizeBackoff = 1200 * time.Millisecond
	summarizeTimeout = 60 * time.Second
)

// SummarizeResult carries a successful summarization and its metadata.
type SummarizeResult struct {
	Result json.RawMessage
	Model  string
	Tokens *int64
}

// Summarizer turns extracted filing text into a structured summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (SummarizeResult, error)
}

// GeminiSummarizer asks the Gemini API for a strictly-JSON summary of an
// earnings filing.
type GeminiSummarizer struct {
	client  *genai.Client
	model   string
	backoff time.Duration
}

// NewGeminiSummarizer builds a summarizer for the given API key and
// model name. An empty model selects DefaultModel.
func NewGeminiSummarizer(ctx context.Context, apiKey, model string) (*GeminiSummarizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini API key is not set")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing genai client: %w", err)
	}
	return &GeminiSummarizer{client: client, model: model, backoff: summarizeBackoff}, nil
}

// Model returns the configured model identifier.
func (g *GeminiSummarizer) Model() string {
	return g.model
}

// Summarize sends the extracted text and returns the parsed JSON result.
// Transient API failures and malformed responses are retried with a
// linear backoff before the last error is surfaced.
func (g *GeminiSummarizer) Summarize(ctx context.Context, text string) (SummarizeResult, error) {
	prompt := buildPrompt(text)
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.2)),
		ResponseMIMEType: "application/json",
	}
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromText(prompt)},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= summarizeRetries; attempt++ {
		result, err := g.summarizeOnce(ctx, contents, config)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < summarizeRetries {
			select {
			case <-ctx.Done():
			case <-time.After(g.backoff * time.Duration(attempt)):
			}
		}
	}
	return SummarizeResult{}, fmt.Errorf("summarization failed: %w", lastErr)
}

func (g *GeminiSummarizer) summarizeOnce(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (SummarizeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return SummarizeResult{}, fmt.Errorf("generate content: %w", err)
	}

	raw := strings.TrimSpace(resp.Text())
	if raw == "" {
		return SummarizeResult{}, fmt.Errorf("empty model response")
	}

	cleaned := stripCodeFence(raw)
	if !json.Valid([]byte(cleaned)) {
		return SummarizeResult{}, fmt.Errorf("model response is not valid JSON (starts %q)", snippet(raw, 80))
	}

	result := SummarizeResult{
		Result: json.RawMessage(cleaned),
		Model:  g.model,
	}
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		tokens := int64(resp.UsageMetadata.TotalTokenCount)
		result.Tokens = &tokens
	}
	return result, nil
}

// stripCodeFence removes a ```json ... ``` (or bare ```) wrapper some
// models emit despite being asked for plain JSON.
func stripCodeFence(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if i := strings.Index(out, "\n"); i >= 0 && strings.EqualFold(strings.TrimSpace(out[:i]), "json") {
		out = out[i+1:]
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// buildPrompt wraps the extracted filing text with the summarization
// instructions. The output language follows the filings themselves.
func buildPrompt(text string) string {
	return `あなたは日本株の決算短信を読むプロのアナリストです。
以下はTDnetの決算短信PDFから抽出したテキストです。
投資判断に使えるように「必ずJSONのみ」で整理してください。

【出力ルール】
- 出力は JSON オブジェクトのみ（説明文やMarkdown禁止）
- 文字列は日本語
- 数値は可能なら number（不明なら null）
- YOY/進捗/修正など、見つかったものだけ埋める（不明は null）
- 文章は短く、箇条書きは配列にする

【JSONスキーマ（厳守）】
{
  "ok": true,
  "summary": "3行以内",
  "performance": {
    "sales": null,
    "op_profit": null,
    "ordinary_profit": null,
    "net_profit": null,
    "yoy": {"sales": null, "op_profit": null, "ordinary_profit": null, "net_profit": null},
    "progress_full_year": {"sales": null, "op_profit": null, "ordinary_profit": null, "net_profit": null},
    "revision": {"exists": null, "direction": null, "reason": null}
  },
  "guidance": {
    "full_year_forecast": {"sales": null, "op_profit": null, "ordinary_profit": null, "net_profit": null},
    "assumptions": ["..."],
    "notes": "..."
  },
  "highlights": ["..."],
  "risks": ["..."],
  "next_to_check": ["..."]
}

【テキスト】
` + text
}
