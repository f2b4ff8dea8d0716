package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindred/internal/api"
	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/composer"
	"github.com/kindling-ai/kindred/internal/config"
	"github.com/kindling-ai/kindred/internal/importer"
	"github.com/kindling-ai/kindred/internal/llm"
	"github.com/kindling-ai/kindred/internal/matching"
	"github.com/kindling-ai/kindred/internal/outreach"
	"github.com/kindling-ai/kindred/internal/prefs"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kindred server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kindred server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kindred system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kindred.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "kindred version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("kindred is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("kindred is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Core components: directory, preferences, matching, drafting.
	directory := profile.NewDirectory(store)
	prefsMgr := prefs.NewManager(store)
	engine := matching.NewEngine(nil)

	chatter := llm.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	drafter := composer.New(chatter, 0)

	// Outreach channels. The bridges are local daemons; a missing one
	// surfaces as a connect error at dispatch time, not at startup.
	messenger := channel.NewIMessageClient(cfg.Channels.IMessageURL)
	gmail := channel.NewGmailClient(cfg.Channels.GmailURL)

	orchestrator := outreach.New(outreach.Config{
		Profiles:           directory,
		Prefs:              prefsMgr,
		Matcher:            engine,
		Drafter:            drafter,
		Messenger:          messenger,
		Mailer:             gmail,
		Calendar:           gmail,
		Interactions:       store,
		Conversations:      store,
		Approvals:          store,
		RequireApprovalLog: cfg.Outreach.RequireApprovalLog,
		ApprovalTTL:        time.Duration(cfg.Outreach.ApprovalTTLHours) * time.Hour,
	})

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Directory: directory,
		Prefs:     prefsMgr,
		Outreach:  orchestrator,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Start import worker (also sweeps expired approvals).
	imp := importer.New(chatter, directory)
	worker := importer.NewWorker(store, imp, 500*time.Millisecond)
	go worker.Run(ctx)

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Directory: directory,
		Prefs:     prefsMgr,
		Engine:    engine,
		Outreach:  orchestrator,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "kindred listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("kindred is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop kindred (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to kindred (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
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

	// Check channel bridges.
	for _, bridge := range []struct {
		name string
		url  string
	}{
		{"iMessage bridge", cfg.Channels.IMessageURL},
		{"Gmail bridge", cfg.Channels.GmailURL},
	} {
		bridgeResp, err := client.Get(bridge.url + "/health")
		if err != nil {
			printStatus(bridge.name, "not running")
			continue
		}
		bridgeResp.Body.Close()
		printStatus(bridge.name, "running at %s", bridge.url)
	}

	printStatus("LLM model", "%s", cfg.LLM.Model)

	// Show contact/approval counts if server is running.
	apiToken, tokenErr := config.GetAPIToken(cfg)
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		profilesResp, err := apiGet(client, serverURL+"/profiles?limit=100", apiToken)
		if err == nil {
			var profiles []json.RawMessage
			if json.NewDecoder(profilesResp.Body).Decode(&profiles) == nil {
				printStatus("Contacts", "%s", countLabel(len(profiles), 100))
			}
			profilesResp.Body.Close()
		}
		approvalsResp, err2 := apiGet(client, serverURL+"/approvals?limit=100", apiToken)
		if err2 == nil {
			var approvals []json.RawMessage
			if json.NewDecoder(approvalsResp.Body).Decode(&approvals) == nil {
				printStatus("Pending approvals", "%s", countLabel(len(approvals), 100))
			}
			approvalsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
