package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ymgw/kessan/internal/analyzer"
	"github.com/ymgw/kessan/internal/config"
	"github.com/ymgw/kessan/internal/storage"
	"github.com/ymgw/kessan/internal/tdnet"
)

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func buildService(ctx context.Context, cfg config.Config, store *storage.Store) (*analyzer.Service, error) {
	if !cfg.AnalysisEnabled() {
		return nil, nil
	}
	summarizer, err := analyzer.NewGeminiSummarizer(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	httpClient := &http.Client{Timeout: 60 * time.Second}
	fetcher := analyzer.NewPDFFetcher(httpClient, cfg.Limits.MaxPDFBytes, cfg.Limits.MaxPages, cfg.Limits.MaxChars)
	return analyzer.NewService(store, fetcher, summarizer, httpClient, cfg.Limits.MaxPDFBytes), nil
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list [code]",
	Short: "List recent TDnet disclosures",
	Long: `List recent TDnet disclosures, newest first.

With a 4-digit securities code, lists disclosures for that issuer;
without one, lists the market-wide recent feed.

Examples:
  kessan list 7203 --kessan
  kessan list --limit 50 --days 7`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		code := ""
		if len(args) == 1 {
			code = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		days, _ := cmd.Flags().GetInt("days")
		kessanOnly, _ := cmd.Flags().GetBool("kessan")

		client := tdnet.New(cfg.TDnet.BaseURL)
		records := client.FetchItems(cmd.Context(), code, limit)

		opts := tdnet.FilterOptions{EarningsOnly: kessanOnly, RequireURL: true}
		if days > 0 {
			opts.Cutoff = time.Now().AddDate(0, 0, -days)
		}
		filtered, widened := tdnet.Screen(records, opts)

		if len(filtered) == 0 {
			fmt.Println("No disclosures found.")
			return nil
		}
		if widened {
			printWarning("No earnings reports matched; showing all disclosures.")
		}

		for _, rec := range filtered {
			published := "----/--/-- --:--"
			if rec.HasPublishedAt() {
				published = rec.PublishedAt.Format("2006/01/02 15:04")
			}
			marker := " "
			if tdnet.IsEarningsReport(rec.Title) {
				marker = colorize(colorGreen, "●")
			}
			fmt.Printf("%s %s  %s  %s\n", marker, colorize(colorCyan, rec.Code), published, rec.Title)
			if rec.DocumentURL != "" {
				fmt.Printf("    %s\n", rec.DocumentURL)
			}
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 30, "maximum number of disclosures to fetch")
	listCmd.Flags().Int("days", 0, "only show disclosures from the last N days")
	listCmd.Flags().Bool("kessan", false, "only show earnings reports (falls back to all when none match)")
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url>",
	Short: "Analyze a disclosure PDF with Gemini",
	Long: `Analyze a disclosure PDF with Gemini, caching the result.

The URL must point at release.tdnet.info (directly or through the
yanoshin redirect wrapper). A document already in the cache is returned
without re-downloading or re-summarizing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		if !cfg.AnalysisEnabled() {
			return fmt.Errorf("analysis is disabled: set KESSAN_GEMINI_API_KEY")
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		svc, err := buildService(cmd.Context(), cfg, store)
		if err != nil {
			return err
		}

		code, _ := cmd.Flags().GetString("code")
		title, _ := cmd.Flags().GetString("title")
		if title == "" {
			title = "manual"
		}

		a, cached, err := svc.Analyze(cmd.Context(), analyzer.Request{
			URL:   args[0],
			Code:  code,
			Title: title,
		})
		if err != nil {
			return err
		}

		if cached {
			printSuccess("Served from cache (analyzed %s)", a.CreatedAt.Format("2006-01-02 15:04"))
		} else {
			printSuccess("Analysis complete")
		}
		return printAnalysis(a)
	},
}

func init() {
	analyzeCmd.Flags().String("code", "", "securities code of the issuer")
	analyzeCmd.Flags().String("title", "", "disclosure title to store alongside the analysis")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <code>",
	Short: "Show cached analyses for a securities code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		full, _ := cmd.Flags().GetBool("full")

		code := tdnet.CanonicalCode(args[0])
		if code == "" {
			code = args[0]
		}
		analyses, err := store.ListAnalysesByCode(code, limit)
		if err != nil {
			return fmt.Errorf("listing analyses: %w", err)
		}
		if len(analyses) == 0 {
			fmt.Println("No cached analyses found.")
			return nil
		}

		for _, a := range analyses {
			date := a.PublishedDateJST
			if date == "" {
				date = "----------"
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, a.Code4), date, a.Title)
			if full {
				if err := printAnalysis(a); err != nil {
					return err
				}
				fmt.Println()
			} else {
				fmt.Printf("    %s\n", a.DocURL)
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of analyses to show")
	historyCmd.Flags().Bool("full", false, "print the full analysis payload for each entry")
}

// printAnalysis renders the structured summary when the payload matches
// the known schema and falls back to raw JSON otherwise.
func printAnalysis(a storage.Analysis) error {
	p, err := analyzer.DecodePayload(a.PayloadJSON)
	if err != nil {
		fmt.Println(a.PayloadJSON)
		return nil
	}

	s, err := analyzer.DecodeSummary(p.Result)
	if errors.Is(err, analyzer.ErrSchemaMismatch) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(json.RawMessage(a.PayloadJSON))
	}
	if err != nil {
		return err
	}

	fmt.Printf("\n%s\n  %s\n", colorize(colorBold, "Summary"), s.Summary)
	if len(s.Highlights) > 0 {
		fmt.Printf("%s\n", colorize(colorBold, "Highlights"))
		for _, h := range s.Highlights {
			fmt.Printf("  + %s\n", h)
		}
	}
	if len(s.Risks) > 0 {
		fmt.Printf("%s\n", colorize(colorBold, "Risks"))
		for _, r := range s.Risks {
			fmt.Printf("  - %s\n", r)
		}
	}
	if len(s.NextToCheck) > 0 {
		fmt.Printf("%s\n", colorize(colorBold, "Next to check"))
		for _, n := range s.NextToCheck {
			fmt.Printf("  * %s\n", n)
		}
	}
	if p.Model != "" {
		meta := p.Model
		if p.Tokens != nil {
			meta = fmt.Sprintf("%s, %d tokens", meta, *p.Tokens)
		}
		fmt.Printf("  (%s)\n", meta)
	}
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kessan system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(serverURL + "/health")
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		if cfg.AnalysisEnabled() {
			printStatus("Analysis", "enabled (%s)", cfg.Gemini.Model)
		} else {
			printStatus("Analysis", "disabled (no Gemini API key)")
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			printStatus("Cache", "unavailable: %v", err)
		} else {
			defer store.Close()
			if n, err := store.CountAnalyses(); err == nil {
				printStatus("Cache", "%d analyses", n)
			}
		}

		printStatus("TDnet", "%s", cfg.TDnet.BaseURL)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
