package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ymgw/kessan/internal/analyzer"
	"github.com/ymgw/kessan/internal/storage"
	"github.com/ymgw/kessan/internal/tdnet"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Lister DisclosureLister
	Svc    Analyzer // optional; if nil, analyze_document reports analysis as disabled
}

// NewMCPServer creates an MCP server exposing TDnet listing and the
// earnings analysis cache as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"kessan",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("kessan: TDnet earnings disclosure listing and Gemini-backed summary cache."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_disclosures",
			mcp.WithDescription("List recent TDnet disclosures, optionally for one securities code and limited to earnings reports."),
			mcp.WithString("code", mcp.Description("4-digit securities code; omit for the market-wide recent feed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of disclosures to fetch (default 30)")),
			mcp.WithNumber("days", mcp.Description("Only include disclosures from the last N days")),
			mcp.WithBoolean("kessan_only", mcp.Description("Only include earnings reports (falls back to all when none match)")),
		),
		mcpListDisclosures(deps),
	)

	s.AddTool(
		mcp.NewTool("get_cached_analysis",
			mcp.WithDescription("Return the cached analysis for a disclosure PDF URL, if one exists."),
			mcp.WithString("url", mcp.Description("Document URL the analysis is keyed by"), mcp.Required()),
		),
		mcpGetCachedAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_document",
			mcp.WithDescription("Analyze a TDnet disclosure PDF with Gemini, caching the result. Returns the cached analysis when one already exists."),
			mcp.WithString("url", mcp.Description("PDF URL on release.tdnet.info (or its yanoshin redirect wrapper)"), mcp.Required()),
			mcp.WithString("code", mcp.Description("Securities code of the issuer")),
			mcp.WithString("title", mcp.Description("Disclosure title")),
			mcp.WithString("published_at", mcp.Description("Publication timestamp (RFC3339 or TDnet formats)")),
		),
		mcpAnalyzeDocument(deps),
	)

	return s
}

func mcpListDisclosures(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code := req.GetString("code", "")
		limit := req.GetInt("limit", 30)
		if limit <= 0 {
			limit = 30
		}
		if limit > 500 {
			limit = 500
		}
		days := req.GetInt("days", 0)
		kessanOnly := req.GetBool("kessan_only", false)

		records := deps.Lister.FetchItems(ctx, code, limit)

		opts := tdnet.FilterOptions{EarningsOnly: kessanOnly, RequireURL: true}
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

		b, err := json.Marshal(map[string]any{"items": items, "widened": widened})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal disclosures: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetCachedAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		a, err := deps.Store.GetAnalysis(url)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("no cached analysis for this url"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read analysis: %v", err)), nil
		}

		b, err := json.Marshal(toAnalysisResponse(a, true))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analysis: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalyzeDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Svc == nil {
			return mcpError("analysis is disabled: no Gemini API key configured"), nil
		}

		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		areq := analyzer.Request{
			URL:   url,
			Code:  req.GetString("code", ""),
			Title: req.GetString("title", ""),
		}
		if published := req.GetString("published_at", ""); published != "" {
			areq.PublishedAt = tdnet.ParseTime(published)
		}

		a, cached, err := deps.Svc.Analyze(ctx, areq)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}

		b, err := json.Marshal(toAnalysisResponse(a, cached))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analysis: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
