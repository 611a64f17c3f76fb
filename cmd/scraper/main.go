package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-market-watch/ai"
	"github.com/aluiziolira/go-market-watch/browser"
	"github.com/aluiziolira/go-market-watch/config"
	"github.com/aluiziolira/go-market-watch/images"
	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/notify"
	"github.com/aluiziolira/go-market-watch/retry"
	"github.com/aluiziolira/go-market-watch/scraper"
	"github.com/aluiziolira/go-market-watch/stealth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.TasksFile, "tasks", cfg.TasksFile, "Task file (YAML or JSON with a tasks list)")
	flag.StringVar(&cfg.OnlyTask, "task", cfg.OnlyTask, "Run only the task with this name")
	flag.IntVar(&cfg.DebugLimit, "debug-limit", cfg.DebugLimit, "Stop each task after N processed items (0 = no limit)")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flag.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run the browser without a window")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for per-keyword record logs")
	flag.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: jsonl or dual")
	flag.BoolVar(&cfg.SkipAI, "skip-ai", cfg.SkipAI, "Persist records without AI analysis")
	flag.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Saved login state (cookies) to load")

	flag.Parse()
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := os.Stat(cfg.StateFile); err != nil {
		slog.Error("login state file not found", slog.String("path", cfg.StateFile), slog.Any("error", err))
		os.Exit(1)
	}

	tasks, err := config.LoadTasks(cfg.TasksFile)
	if err != nil {
		slog.Error("loading tasks", slog.Any("error", err))
		os.Exit(1)
	}
	tasks = config.SelectTasks(tasks, cfg.OnlyTask)
	if len(tasks) == 0 {
		slog.Warn("no enabled tasks to run", slog.String("tasks_file", cfg.TasksFile), slog.String("task", cfg.OnlyTask))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping after the current step")
	}()

	s, err := buildScraper(ctx, cfg, logger)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting monitor",
		slog.Int("tasks", len(tasks)),
		slog.Bool("headless", cfg.Headless),
		slog.Bool("ai", !cfg.SkipAI),
		slog.Bool("notifications", cfg.Notify.Enabled()),
	)

	aborted := 0
	var results []*models.RunResult
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		result, err := s.Run(ctx, task)
		if err != nil {
			aborted++
			slog.Error("task aborted", slog.String("task", task.TaskName), slog.Any("error", err))
		}
		if result != nil {
			results = append(results, result)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	for _, result := range results {
		printSummary(result, cfg.OutputDir)
	}
	if blocks := s.Detector().History(); len(blocks) > 0 {
		last := blocks[len(blocks)-1]
		slog.Warn("blocks encountered during this session",
			slog.Int("total", s.Detector().Total()),
			slog.String("last_kind", string(last.Kind)),
			slog.Time("last_at", last.At),
		)
	}
	if aborted == len(tasks) {
		os.Exit(1)
	}
}

func buildScraper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*scraper.Scraper, error) {
	opts := scraper.Options{
		Browser: browser.NewRodBrowser(browser.RodOptions{
			Headless:       cfg.Headless,
			BinPath:        cfg.BrowserBin,
			ProxyURL:       cfg.ProxyURL,
			AcceptLanguage: cfg.AcceptLanguage,
			Logger:         logger,
		}),
		Rotator: stealth.NewRotator(nil, nil),
		Logger:  logger,
	}

	if !cfg.SkipAI {
		completer := ai.NewOpenAICompleter(ai.OpenAIConfig{
			BaseURL:        cfg.AI.BaseURL,
			APIKey:         cfg.AI.APIKey,
			Model:          cfg.AI.Model,
			ResponseFormat: cfg.AI.ResponseFormat,
			EnableThinking: cfg.AI.EnableThinking,
			Timeout:        cfg.AI.Timeout,
		})
		aiOpts := ai.DefaultOptions()
		aiOpts.MaxAttempts = cfg.AI.MaxAttempts
		aiOpts.MaxTokens = cfg.AI.MaxTokens
		aiOpts.Debug = cfg.AI.Debug
		aiOpts.Logger = logger
		analyzer, err := ai.NewAnalyzer(completer, aiOpts)
		if err != nil {
			return nil, fmt.Errorf("build analyzer: %w", err)
		}
		opts.Analyzer = analyzer
		opts.Images = images.NewFetcher(images.Options{
			Dir:     cfg.ImageDir,
			Retries: cfg.ImageRetries,
			Rotator: opts.Rotator,
			Logger:  logger,
		})
	}

	if cfg.Notify.Enabled() {
		channels, err := buildNotifiers(ctx, cfg.Notify)
		if err != nil {
			return nil, err
		}
		policy := retry.Policy{
			MaxAttempts: cfg.Notify.MaxAttempts,
			Backoff:     retry.Constant(cfg.Notify.RetryDelay),
		}
		opts.Notifier = notify.NewMulti(policy, logger, channels...)
	}

	return scraper.New(cfg, opts)
}

func buildNotifiers(ctx context.Context, n config.NotifyConfig) ([]notify.Notifier, error) {
	var channels []notify.Notifier
	if n.NtfyTopicURL != "" {
		channels = append(channels, &notify.Ntfy{TopicURL: n.NtfyTopicURL})
	}
	if n.WebhookURL != "" {
		channels = append(channels, &notify.Webhook{
			URL:     n.WebhookURL,
			Method:  n.WebhookMethod,
			Headers: n.WebhookHeaders,
		})
	}
	if n.SNSTopicARN != "" {
		ch, err := notify.NewSNS(ctx, n.AWSRegion, n.SNSTopicARN)
		if err != nil {
			return nil, fmt.Errorf("sns notifier: %w", err)
		}
		channels = append(channels, ch)
	}
	if n.SESFrom != "" && len(n.SESTo) > 0 {
		ch, err := notify.NewSES(ctx, n.AWSRegion, n.SESFrom, n.SESTo)
		if err != nil {
			return nil, fmt.Errorf("ses notifier: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func printSummary(result *models.RunResult, outputDir string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Task %q (%s)\n", result.TaskName, result.Keyword)
	fmt.Printf("  Final state:   %s\n", result.FinalState)
	if result.AbortReason != "" {
		fmt.Printf("  Abort reason:  %s\n", result.AbortReason)
	}
	fmt.Printf("  Pages:         %d\n", result.Pages)
	fmt.Printf("  Processed:     %d\n", result.Processed)
	fmt.Printf("  Skipped:       %d\n", result.Skipped)
	fmt.Printf("  Failed:        %d\n", result.Failed)
	fmt.Printf("  Notified:      %d\n", result.Notified)
	fmt.Printf("  Stored:        %d (%d known)\n", result.Stored, result.Known)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if len(result.BlocksByKind) > 0 {
		fmt.Printf("  Blocks:        %v\n", result.BlocksByKind)
	}
	fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Second))
	fmt.Printf("  Output dir:    %s\n", outputDir)
	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
