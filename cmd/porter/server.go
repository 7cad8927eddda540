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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/malloy/porter/internal/answer"
	"github.com/malloy/porter/internal/api"
	"github.com/malloy/porter/internal/config"
	"github.com/malloy/porter/internal/dispatch"
	"github.com/malloy/porter/internal/llm"
	"github.com/malloy/porter/internal/memstore"
	"github.com/malloy/porter/internal/notify"
	"github.com/malloy/porter/internal/plugin"
	"github.com/malloy/porter/internal/retrieval"
	"github.com/malloy/porter/internal/storage"
	"github.com/malloy/porter/internal/task"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the porter server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running porter server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show porter system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "porter.pid")
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
	fmt.Fprintf(os.Stderr, "porter version %s\n", version)

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

	// Ensure API token exists.
	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken, err = config.EnsureAPIToken()
		if err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("porter is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("porter is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Select storage and retrieval engines.
	var (
		data   plugin.Data
		engine plugin.Retrieval
	)
	switch cfg.Storage.Engine {
	case "sqlite":
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Warn("closing storage", "error", err)
			}
		}()
		data = store
		engine = retrieval.NewSQLiteEngine(store.DB())
	case "memory":
		data = memstore.New()
		engine = retrieval.NewMemoryEngine()
	default:
		return fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
	slog.Info("storage ready", "engine", cfg.Storage.Engine, "data_dir", cfg.Storage.DataDir)

	// Build the answer pipeline.
	chat := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	var notifier notify.Notifier
	if wh := notify.NewWebhook(cfg.Server.WebhookURL); wh != nil {
		notifier = wh
	}
	pipe := answer.New(engine, chat, data, notifier, answer.Options{
		TopN:       cfg.Answer.TopK,
		Budget:     time.Duration(cfg.Answer.BudgetSeconds) * time.Second,
		DedupeWait: time.Duration(cfg.Answer.DedupeWaitSecs) * time.Second,
	})

	// Build the dispatch registry with the built-in backends.
	reg := dispatch.NewRegistry()
	if err := registerBuiltins(reg, engine, data, pipe); err != nil {
		return err
	}

	opts := dispatch.Options{
		CallTimeout: time.Duration(cfg.Dispatch.CallTimeoutSecs) * time.Second,
	}
	if cfg.Dispatch.DockerEnabled {
		runner, err := dispatch.NewDockerRunner()
		if err != nil {
			return fmt.Errorf("initializing docker runner: %w", err)
		}
		opts.Containers = runner
		slog.Info("container runtime enabled")
	}
	dispatcher := dispatch.New(reg, opts)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Dispatcher: dispatcher,
		Registry:   reg,
		Pipeline:   pipe,
		Retrieval:  engine,
		Data:       data,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Asker:     pipe,
		Retrieval: engine,
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
		fmt.Fprintf(os.Stderr, "porter listening on %s\n", addr)
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

// registerBuiltins wires the in-process reference backends: retrieval,
// session persistence, and the answer pipeline itself.
func registerBuiltins(reg *dispatch.Registry, engine plugin.Retrieval, data plugin.Data, pipe *answer.Pipeline) error {
	defs := []dispatch.Definition{
		{
			ID:           "retrieval",
			Type:         "retrieval",
			Version:      version,
			Runtime:      dispatch.RuntimeInProcess,
			Capabilities: []string{task.TypeSearch, task.TypeIndex, task.TypeStatus},
			Handler:      retrievalHandler(engine),
		},
		{
			ID:      "data",
			Type:    "data",
			Version: version,
			Runtime: dispatch.RuntimeInProcess,
			Capabilities: []string{
				task.TypeSessionCreate, task.TypeSessionEnd, task.TypeSessionList,
				task.TypeMessageAppend, task.TypeMessageList,
				task.TypeActionLog, task.TypeActionList,
				task.TypeEscalationUpsert,
			},
			Handler: dataHandler(data),
		},
		{
			ID:           "answer",
			Type:         "answer",
			Version:      version,
			Runtime:      dispatch.RuntimeInProcess,
			Capabilities: []string{task.TypeAsk},
			Handler:      answerHandler(pipe),
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("registering backend %s: %w", def.ID, err)
		}
	}
	return nil
}

func retrievalHandler(engine plugin.Retrieval) dispatch.Handler {
	return func(ctx context.Context, tk task.Task) task.Result {
		payload, err := task.DecodePayload(tk)
		if err != nil {
			return task.Fail(err)
		}
		switch p := payload.(type) {
		case *task.SearchPayload:
			return resultOf(engine.Search(ctx, p.Query, p.MaxResults))
		case *task.IndexPayload:
			docs := make([]plugin.Document, len(p.Documents))
			for i, d := range p.Documents {
				docs[i] = plugin.Document{ID: d.ID, Text: d.Text, Source: d.Source, Meta: d.Meta}
			}
			return resultOf(engine.Index(ctx, docs, p.Replace))
		default:
			return resultOf(engine.Status(ctx))
		}
	}
}

func dataHandler(data plugin.Data) dispatch.Handler {
	return func(ctx context.Context, tk task.Task) task.Result {
		payload, err := task.DecodePayload(tk)
		if err != nil {
			return task.Fail(err)
		}
		switch tk.Type {
		case task.TypeSessionCreate:
			return resultOf(data.CreateSession(ctx))
		case task.TypeSessionEnd:
			p := payload.(*task.SessionScopedPayload)
			return resultOf(data.EndSession(ctx, p.SessionID))
		case task.TypeSessionList:
			return resultOf(data.ListSessions(ctx))
		case task.TypeMessageAppend:
			p := payload.(*task.MessageAppendPayload)
			return resultOf(data.AppendMessage(ctx, p.SessionID, p.Role, p.Text))
		case task.TypeMessageList:
			p := payload.(*task.SessionScopedPayload)
			return resultOf(data.MessagesBySession(ctx, p.SessionID))
		case task.TypeActionLog:
			p := payload.(*task.ActionLogPayload)
			return resultOf(data.LogAction(ctx, p.SessionID, p.Action, p.Detail))
		case task.TypeActionList:
			p := payload.(*task.SessionScopedPayload)
			return resultOf(data.ActionsBySession(ctx, p.SessionID))
		case task.TypeEscalationUpsert:
			p := payload.(*task.EscalationUpsertPayload)
			return resultOf(data.UpsertEscalation(ctx, p.SessionID, p.Severity, p.Reason, p.ThreadID))
		default:
			return task.Failf("unsupported task type %q", tk.Type)
		}
	}
}

func answerHandler(pipe *answer.Pipeline) dispatch.Handler {
	return func(ctx context.Context, tk task.Task) task.Result {
		payload, err := task.DecodePayload(tk)
		if err != nil {
			return task.Fail(err)
		}
		p := payload.(*task.AskPayload)
		sessionID := ""
		if tk.Context != nil {
			sessionID = tk.Context.SessionID
		}
		ans, err := pipe.Ask(ctx, sessionID, p.Question, p.Persona)
		if err != nil {
			return task.Fail(err)
		}
		return task.OK(ans)
	}
}

// resultOf converts a plugin result to a task result.
func resultOf[T any](r plugin.Result[T]) task.Result {
	if !r.OK {
		return task.Failf("%s", r.Err)
	}
	return task.OK(r.Data)
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
		printError("porter is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop porter (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to porter (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Engine)
	printStatus("Model", "%s", cfg.LLM.Model)

	// Show index state and backends if server is running.
	if running {
		if api, err := newAPIClient(); err == nil {
			if resp, err := api.get("/v1/status"); err == nil {
				var st plugin.EngineStatus
				if decodeJSON(resp, &st) == nil {
					printStatus("Documents", "%d (%s)", st.DocCount, st.Engine)
				}
			}
			if resp, err := api.get("/v1/backends"); err == nil {
				var defs []dispatch.Definition
				if decodeJSON(resp, &defs) == nil {
					printStatus("Backends", "%d registered", len(defs))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
