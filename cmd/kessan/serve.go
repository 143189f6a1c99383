package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ymgw/kessan/internal/api"
	"github.com/ymgw/kessan/internal/config"
	"github.com/ymgw/kessan/internal/storage"
	"github.com/ymgw/kessan/internal/tdnet"
	"github.com/ymgw/kessan/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kessan HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		watchCodes, _ := cmd.Flags().GetString("watch")
		watchInterval, _ := cmd.Flags().GetDuration("watch-interval")
		return runServer(watchCodes, watchInterval)
	},
}

func init() {
	serveCmd.Flags().String("watch", "", "comma-separated securities codes to auto-analyze (\"recent\" for the market-wide feed)")
	serveCmd.Flags().Duration("watch-interval", 10*time.Minute, "poll interval for --watch")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kessan.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// apiToken returns the configured bearer token, generating and logging a
// fresh one when none is set. A generated token lives only for this
// process; set KESSAN_SERVER_TOKEN to keep it stable across restarts.
func apiToken(cfg config.Config) string {
	if cfg.Server.Token != "" {
		return cfg.Server.Token
	}
	token := uuid.New().String()
	slog.Info("generated API bearer token; set KESSAN_SERVER_TOKEN to pin it", "token", token)
	return token
}

func runServer(watchCodes string, watchInterval time.Duration) error {
	fmt.Fprintf(os.Stderr, "kessan version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Refuse to double-start. Health probe first, PID file second.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc, err := buildService(ctx, cfg, store)
	if err != nil {
		return err
	}
	if svc == nil {
		slog.Warn("no Gemini API key configured; analysis endpoints are disabled")
	}

	lister := tdnet.New(cfg.TDnet.BaseURL)

	deps := api.AppDeps{
		Store:  store,
		Lister: lister,
		Token:  apiToken(cfg),
	}
	if svc != nil {
		deps.Svc = svc
	}
	handler := api.NewAppHandler(deps)

	// Optional background watcher: auto-analyze new earnings reports.
	if watchCodes != "" {
		if svc == nil {
			return fmt.Errorf("--watch requires a Gemini API key")
		}
		var codes []string
		if watchCodes != "recent" {
			for _, c := range strings.Split(watchCodes, ",") {
				if c = strings.TrimSpace(c); c != "" {
					codes = append(codes, c)
				}
			}
		}
		worker := watch.NewWorker(lister, svc, codes, watchInterval)
		go worker.Run(ctx)
		slog.Info("watch worker started", "codes", watchCodes, "interval", watchInterval)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "kessan listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	svc, err := buildService(ctx, cfg, store)
	if err != nil {
		return err
	}

	deps := api.MCPDeps{
		Store:  store,
		Lister: tdnet.New(cfg.TDnet.BaseURL),
	}
	if svc != nil {
		deps.Svc = svc
	}
	mcpSrv := api.NewMCPServer(deps)

	stdioSrv := server.NewStdioServer(mcpSrv)
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
