// Package main is the entry point for the execution tactic learner.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/tathienbao/execrl/internal/alerting"
	"github.com/tathienbao/execrl/internal/backtest"
	"github.com/tathienbao/execrl/internal/config"
	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/scheduler"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/trainer"
	"github.com/tathienbao/execrl/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		cmdServe(os.Args[2:])
	case "train":
		cmdTrain(os.Args[2:])
	case "record":
		cmdRecord(os.Args[2:])
	case "recommend":
		cmdRecommend(os.Args[2:])
	case "stats":
		cmdStats(os.Args[2:])
	case "policies":
		cmdPolicies(os.Args[2:])
	case "backtest":
		cmdBacktest(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`execrl - Execution tactic learner

Usage:
  execrl <command> [options]

Commands:
  serve      Run scheduled training with metrics and health endpoints
  train      Train and activate a new policy now
  record     Record experiences from a file of completed fills
  recommend  Recommend an execution tactic for a feature bag
  stats      Show statistics of the active policy
  policies   List stored policy versions
  backtest   Train on older experiences and score the newer ones
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  execrl serve --config config.yaml
  execrl record --config config.yaml --fills fills.jsonl
  execrl train --config config.yaml --min 200
  execrl recommend --config config.yaml --symbol AAPL --features '{"spread_bps": 3.2}'

Use "execrl <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("execrl version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  State schema: v%d\n", state.SchemaVersion)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Market timezone: %s\n", cfg.Market.Timezone)
	fmt.Printf("  Database: %s\n", cfg.Persistence.Path)
	fmt.Printf("  Min experiences: %d\n", cfg.Trainer.MinExperiences)
	fmt.Printf("  Learning rate: %.3f\n", cfg.Trainer.LearningRate)
	fmt.Printf("  Training schedule: %s\n", orNone(cfg.Trainer.Schedule))
	fmt.Printf("  Reward clamp: [%.1f, %.1f] bps\n", cfg.Reward.MinReward, cfg.Reward.MaxReward)
}

// setup loads config, configures logging and wires the app. Exits on error.
func setup(configPath string, verbose, jsonLogs bool) *app {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var logger *slog.Logger
	if jsonLogs {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		os.Exit(1)
	}
	return a
}

func cmdTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	minExperiences := fs.Int("min", 0, "Minimum experiences (default from config)")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	a := setup(*configPath, *verbose, false)
	defer a.Close()

	res, err := a.trainer.Train(context.Background(), *minExperiences)
	if err != nil {
		slog.Error("training failed", "err", err)
		a.Close()
		os.Exit(1)
	}

	printJSON(res)
	if res.Error != "" {
		a.Close()
		os.Exit(2)
	}
}

func cmdRecord(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fillsPath := fs.String("fills", "-", "JSON lines file of completed fills (- for stdin)")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	a := setup(*configPath, *verbose, false)
	defer a.Close()

	in := io.Reader(os.Stdin)
	if *fillsPath != "-" {
		f, err := os.Open(*fillsPath)
		if err != nil {
			slog.Error("failed to open fills", "err", err)
			a.Close()
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	var read, recorded int
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		read++

		var fill types.Fill
		if err := json.Unmarshal([]byte(line), &fill); err != nil {
			slog.Warn("skipping malformed fill", "line", read, "err", err)
			continue
		}
		if rec := a.recorder.Record(ctx, fill); rec != nil {
			recorded++
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("failed to read fills", "err", err)
	}

	fmt.Printf("Recorded %d of %d fills\n", recorded, read)
}

func cmdRecommend(args []string) {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	symbol := fs.String("symbol", "", "Symbol for the execution profile lookup")
	features := fs.String("features", "{}", "Signal feature bag as JSON")
	raw := fs.Bool("raw", false, "Treat --features as a complete state record")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	a := setup(*configPath, *verbose, false)
	defer a.Close()

	ctx := context.Background()
	var st types.StateFeatures
	if *raw {
		if err := json.Unmarshal([]byte(*features), &st); err != nil {
			slog.Error("invalid state", "err", err)
			a.Close()
			os.Exit(1)
		}
	} else {
		var bag map[string]any
		if err := json.Unmarshal([]byte(*features), &bag); err != nil {
			slog.Error("invalid feature bag", "err", err)
			a.Close()
			os.Exit(1)
		}
		st = a.builder.Build(ctx, bag, *symbol)
	}

	printJSON(a.service.Recommend(ctx, st))
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	a := setup(*configPath, false, false)
	defer a.Close()

	printJSON(a.service.Stats(context.Background()))
}

func cmdPolicies(args []string) {
	fs := flag.NewFlagSet("policies", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	limit := fs.Int("limit", 20, "Number of versions to show")
	fs.Parse(args)

	a := setup(*configPath, false, false)
	defer a.Close()

	history, err := a.policies.History(context.Background(), *limit)
	if err != nil {
		slog.Error("failed to list policies", "err", err)
		a.Close()
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tACTIVE\tSCHEMA\tEPISODES\tAVG REWARD\tCREATED\tRUN ID")
	for _, p := range history {
		active := ""
		if p.IsActive {
			active = "*"
		}
		fmt.Fprintf(w, "%d\t%s\tv%d\t%d\t%.4f\t%s\t%s\n",
			p.Version, active, p.SchemaVersion, p.TrainEpisodes, p.AvgReward,
			p.CreatedAt.Format(time.RFC3339), p.RunID)
	}
	w.Flush()
}

func cmdBacktest(args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	trainFraction := fs.Float64("train-fraction", 0.8, "Oldest share of history used for training")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	a := setup(*configPath, *verbose, false)
	defer a.Close()

	runner := backtest.NewRunner(backtest.Config{
		TrainFraction: *trainFraction,
		LearningRate:  a.cfg.Trainer.LearningRate,
	}, a.repo, a.logger)

	result, err := runner.Run(context.Background())
	if err != nil {
		slog.Error("backtest failed", "err", err)
		a.Close()
		os.Exit(1)
	}

	printJSON(result)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	a := setup(*configPath, *verbose, true)
	cfg := a.cfg

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("execrl starting",
		"version", Version,
		"schema_version", state.SchemaVersion,
		"timezone", cfg.Market.Timezone,
		"database", cfg.Persistence.Path,
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srvCfg := metrics.DefaultServerConfig()
		srvCfg.Port = cfg.Metrics.Port
		if cfg.Metrics.Path != "" {
			srvCfg.MetricsPath = cfg.Metrics.Path
		}
		srv = metrics.NewServer(srvCfg, a.logger)
		a.healthChecks(srv)
		if err := srv.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			a.Close()
			os.Exit(1)
		}
	}

	sched := scheduler.New(cfg.Location(), a.logger)
	job := trainer.NewJob(a.trainer, cfg.TrainTimeout())
	if cfg.Trainer.Schedule != "" {
		if err := sched.AddJob(cfg.Trainer.Schedule, job); err != nil {
			slog.Error("failed to schedule training", "err", err)
			a.Close()
			os.Exit(1)
		}
	}
	sched.Start()

	if cfg.Trainer.RunOnStart {
		sched.Go(job)
	}

	// Warm the policy cache.
	if p := a.cache.Get(ctx); p != nil {
		slog.Info("active policy loaded", "version", p.Version, "states", len(p.Table))
	} else {
		slog.Warn("no active policy, recommendations will use defaults")
	}

	notify(ctx, a.alerter, alerting.EventServiceStarted, "execrl started", "version", Version)

	go heartbeat(ctx, cfg.HeartbeatInterval())

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout(),
	)
	defer cancel()

	if err := shutdown(shutdownCtx, a, sched, srv); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("execrl shutdown complete")
}

func heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	rec := metrics.NewRecorder()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rec.RecordHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec.RecordHeartbeat()
		}
	}
}

func shutdown(ctx context.Context, a *app, sched *scheduler.Scheduler, srv *metrics.Server) error {
	slog.Info("starting graceful shutdown",
		"timeout", a.cfg.ShutdownTimeout(),
	)

	// Shutdown steps with timeout check
	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop scheduler", func() error {
			sched.Stop(ctx)
			return nil
		}},
		{"stop metrics server", func() error {
			if srv == nil {
				return nil
			}
			return srv.Shutdown(ctx)
		}},
		{"notify", func() error {
			return a.alerter.AlertEvent(ctx, alerting.EventServiceStopped, "execrl stopped")
		}},
		{"close database", a.Close},
	}

	var errs []error
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			}
		}
	}

	return errors.Join(errs...)
}

func notify(ctx context.Context, alerter alerting.EventAlerter, event alerting.AlertEvent, msg string, fields ...any) {
	if err := alerter.AlertEvent(ctx, event, msg, fields...); err != nil {
		slog.Warn("failed to send alert", "event", event, "err", err)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to encode output", "err", err)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
