package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/driftguard/internal/api"
	"github.com/kalambet/driftguard/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the driftguard HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve driftguard tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driftguard server and capture status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("driftguard is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if cfg.Server.Token == "" {
		slog.Warn("server.token is not set; the API accepts unauthenticated requests")
	}
	handler := api.NewAppHandler(api.AppDeps{
		Store:        a.store,
		Orchestrator: a.orch,
		Linker:       a.linker,
		Refresh:      a.refreshAttribution,
		Token:        cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("driftguard listening", "addr", addr, "root", cfg.Workspace.Root, "storage", cfg.Storage.Backend, "engine", cfg.Engine.Backend)
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
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        a.store,
		Orchestrator: a.orch,
		Linker:       a.linker,
	})
	slog.Info("MCP server started (stdio transport)", "root", cfg.Workspace.Root)
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Workspace", "%s", cfg.Workspace.Root)
	printStatus("Storage", "%s (%s)", cfg.Storage.Backend, cfg.Storage.DataDir)
	printStatus("Engine", "%s, model %s", cfg.Engine.Backend, cfg.Model())

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	resp, err = client.get(ctx, "/capture/status")
	if err != nil {
		return err
	}
	var st struct {
		CanCapture bool `json:"canCapture"`
		OpenDrifts int  `json:"openDrifts"`
	}
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printStatus("Open drifts", "%d", st.OpenDrifts)
	if st.CanCapture {
		printStatus("Capture", "%s", colorize(colorGreen, "allowed"))
	} else {
		printStatus("Capture", "%s", colorize(colorYellow, "blocked until open drifts are resolved"))
	}

	resp, err = client.get(ctx, "/intents?status=active")
	if err == nil {
		var intents []struct{}
		if decodeJSON(resp, &intents) == nil {
			printStatus("Active intents", "%d", len(intents))
		}
	}
	return nil
}
