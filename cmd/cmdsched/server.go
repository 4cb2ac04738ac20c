package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cmdsched/internal/api"
	"github.com/kalambet/cmdsched/internal/config"
	"github.com/kalambet/cmdsched/internal/engine"
	"github.com/kalambet/cmdsched/internal/executor"
	"github.com/kalambet/cmdsched/internal/ingest"
	"github.com/kalambet/cmdsched/internal/notify"
	"github.com/kalambet/cmdsched/internal/pipeline"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/scheduler"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/summarize"
	"github.com/kalambet/cmdsched/internal/task"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the cmdsched server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		skipCheck, _ := cmd.Flags().GetBool("skip-engine-check")
		return runServer(withMCP, skipCheck)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cmdsched server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cmdsched system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
	serveCmd.Flags().Bool("skip-engine-check", false, "start even if the inference engine is unreachable")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cmdsched.pid")
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

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// services is everything runServer starts, built from one config.
type services struct {
	store       *storage.Store
	pipeline    *pipeline.Pipeline
	orch        *retrieval.Orchestrator
	scheduler   *scheduler.Scheduler
	pool        *executor.Pool
	maintenance *executor.Maintenance
	closers     []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("closing service", "error", err)
		}
	}
}

// engineModels picks the model names of the configured backend.
func visionModel(cfg config.Config) string {
	if cfg.Engine.Backend == "gemini" {
		return cfg.Gemini.VisionModel
	}
	return cfg.Ollama.VisionModel
}

func engineModels(cfg config.Config) engine.Models {
	if cfg.Engine.Backend == "gemini" {
		return engine.Models{Chat: cfg.Gemini.Model, Embed: cfg.Gemini.EmbedModel}
	}
	return engine.Models{Chat: cfg.Ollama.Model, Embed: cfg.Ollama.EmbedModel}
}

func buildServices(ctx context.Context, cfg config.Config, eng engine.Engine, logger *slog.Logger) (*services, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	svc := &services{store: store, closers: []func() error{store.Close}}

	models := engineModels(cfg)
	embedder := retrieval.NewEmbedder(eng, models.Embed).WithParallelism(cfg.Retrieval.EmbedParallelism)
	logger.Info("engine models", "backend", cfg.Engine.Backend, "chat", models.Chat, "embed", embedder.Model(), "vision", visionModel(cfg))
	vectors := retrieval.NewSQLiteStore(store.DB())
	svc.orch = retrieval.NewOrchestrator(retrieval.NewVectorSearcher(embedder, vectors), retrieval.OrchestratorConfig{
		DefaultTopK: cfg.Retrieval.TopK,
		MaxTopK:     cfg.Retrieval.MaxTopK,
		Timeout:     config.Duration("retrieval.timeout", cfg.Retrieval.Timeout, 10*time.Second),
		MaxAttempts: cfg.Retrieval.MaxAttempts,
		CacheTTL:    config.Duration("retrieval.cache_ttl", cfg.Retrieval.CacheTTL, time.Hour),
	}).WithLogger(logger)
	svc.orch.WithCache(newCache(ctx, cfg.Redis, logger, svc))

	summarizer := summarize.NewInvoker(summarize.NewEngineGenerator(eng, models.Chat), summarize.Config{
		DefaultMaxLength: cfg.Summarize.MaxLength,
		Timeout:          config.Duration("summarize.timeout", cfg.Summarize.Timeout, 30*time.Second),
		ContextBudget:    cfg.Summarize.ContextBudget,
	}).WithLogger(logger)

	svc.scheduler = scheduler.New(store, scheduler.Config{
		MaxRetries:    cfg.Scheduler.MaxRetries,
		PastTolerance: config.Duration("scheduler.past_tolerance", cfg.Scheduler.PastTolerance, 5*time.Minute),
		MaxHorizon:    config.Duration("scheduler.max_horizon", cfg.Scheduler.MaxHorizon, 30*24*time.Hour),
	}).WithLogger(logger)

	var mailer notify.Mailer = notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	if cfg.SMTP.RatePerMinute > 0 {
		mailer = notify.NewRateLimitedMailer(mailer, cfg.SMTP.RatePerMinute)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, int64(cfg.Telegram.ChatID))
		if err != nil {
			logger.Warn("telegram unavailable, notifications will be logged", "error", err)
		} else {
			notifier = tg
		}
	}

	indexer := ingest.NewIndexer(store, embedder, vectors).
		WithDescriber(ingest.NewEngineDescriber(eng, visionModel(cfg))).
		WithLogger(logger)
	handlers := executor.Handlers{
		Mailer:     mailer,
		Summarizer: summarizer,
		Notifier:   notifier,
		Indexer:    indexer,
	}
	svc.pool = executor.NewPool(store, handlers, executor.Config{
		Workers:      cfg.Executor.Workers,
		PollInterval: config.Duration("executor.poll_interval", cfg.Executor.PollInterval, 500*time.Millisecond),
		TaskTimeout:  config.Duration("executor.task_timeout", cfg.Executor.TaskTimeout, 60*time.Second),
		BackoffBase:  config.Duration("executor.backoff_base", cfg.Executor.BackoffBase, time.Second),
		BackoffMax:   config.Duration("executor.backoff_max", cfg.Executor.BackoffMax, 5*time.Minute),
	}).WithLogger(logger)
	svc.maintenance = executor.NewMaintenance(store, executor.MaintenanceConfig{
		Lease:             config.Duration("executor.lease_timeout", cfg.Executor.LeaseTimeout, 5*time.Minute),
		Retention:         config.Duration("executor.retention", cfg.Executor.Retention, 0),
		LivenessSchedule:  cfg.Executor.LivenessSchedule,
		RetentionSchedule: cfg.Executor.RetentionSchedule,
		Location:          cfg.Location(),
	}).WithLogger(logger)

	svc.pipeline = pipeline.New(svc.orch, summarizer, svc.scheduler, pipeline.Config{
		TopK:      cfg.Retrieval.TopK,
		MaxLength: cfg.Summarize.MaxLength,
		Location:  cfg.Location(),
	}).WithLogger(logger)

	return svc, nil
}

// newCache returns a Redis cache when one is configured and reachable, and
// an in-process cache otherwise.
func newCache(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger, svc *services) retrieval.Cache {
	if cfg.Addr == "" {
		return retrieval.NewMemoryCache()
	}
	rc := retrieval.NewRedisCache(cfg.Addr, cfg.Password, cfg.DB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, using in-memory retrieval cache", "addr", cfg.Addr, "error", err)
		rc.Close()
		return retrieval.NewMemoryCache()
	}
	svc.closers = append(svc.closers, rc.Close)
	logger.Info("retrieval cache", "backend", "redis", "addr", cfg.Addr)
	return rc
}

func runServer(withMCP, skipEngineCheck bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cmdsched is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	token, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(ctx, engine.DetectConfig{
		Backend:         cfg.Engine.Backend,
		OllamaEndpoints: cfg.Ollama.Endpoints,
		GeminiAPIKey:    cfg.Gemini.APIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, engineModels(cfg), logger); err != nil {
		if !skipEngineCheck {
			return err
		}
		logger.Warn("inference engine not ready, search and summaries will degrade", "error", err)
	}

	svc, err := buildServices(ctx, cfg, eng, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	deps := api.Deps{
		Pipeline:   svc.pipeline,
		Search:     svc.orch,
		Scheduler:  svc.scheduler,
		Documents:  svc.store,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.pool.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("cmdsched listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withMCP {
		stdio := server.NewStdioServer(api.NewMCPServer(deps, version))
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	if err := svc.maintenance.Start(gctx); err != nil {
		stop()
		g.Wait()
		return fmt.Errorf("starting maintenance jobs: %w", err)
	}
	defer svc.maintenance.Stop()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	} else if ok {
		logger.Debug("notified systemd of readiness")
	}

	return g.Wait()
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
		printError("cmdsched is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cmdsched (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cmdsched (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	short := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := short.Get(client.baseURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s:%d", cfg.Server.Host, cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	engCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	eng, err := engine.Detect(engCtx, engine.DetectConfig{
		Backend:         cfg.Engine.Backend,
		OllamaEndpoints: cfg.Ollama.Endpoints,
		GeminiAPIKey:    cfg.Gemini.APIKey,
	})
	switch {
	case err != nil:
		printStatus("Engine", "%s (%v)", cfg.Engine.Backend, err)
	case eng.IsRunning(engCtx):
		printStatus("Engine", "%s reachable", cfg.Engine.Backend)
	default:
		printStatus("Engine", "%s not reachable", cfg.Engine.Backend)
	}

	if running {
		counts, err := fetchTaskCounts(ctx, client)
		if err != nil {
			printStatus("Tasks", "unavailable (%v)", err)
		}
		for _, st := range task.Statuses {
			if n, ok := counts[st]; ok {
				printStatus("Tasks "+string(st), "%d", n)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchTaskCounts(ctx context.Context, client *apiClient) (map[task.Status]int, error) {
	resp, err := client.get(ctx, "/v1/actions/counts")
	if err != nil {
		return nil, err
	}
	var counts map[task.Status]int
	if err := decodeJSON(resp, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
