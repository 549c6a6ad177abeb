package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/piworks/agentsched/internal/checkpoint"
	"github.com/piworks/agentsched/internal/config"
	"github.com/piworks/agentsched/internal/estimator"
	"github.com/piworks/agentsched/internal/events"
	"github.com/piworks/agentsched/internal/logx"
	"github.com/piworks/agentsched/internal/metrics"
	"github.com/piworks/agentsched/internal/model"
	"github.com/piworks/agentsched/internal/scheduler"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "checkpoints":
		runCheckpoints(os.Args[2:])
	case "metrics":
		runMetrics(os.Args[2:])
	case "simulate":
		runSimulate(os.Args[2:])
	case "version":
		fmt.Printf("agentsched %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentsched - agent task scheduling core

Usage:
  agentsched checkpoints <list|stats|cleanup> [--dir <path>]
  agentsched metrics summary [--dir <path>] [--period <duration>]
  agentsched simulate [--config <path>] [--tasks <n>] [--duration <seconds>]
  agentsched version
  agentsched help`)
}

func runCheckpoints(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: agentsched checkpoints <list|stats|cleanup> [--dir <path>]")
		os.Exit(1)
	}
	sub := args[0]
	dir := ""
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--dir":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			i++
			dir = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	cfg := model.DefaultConfig().Checkpoint
	if dir != "" {
		cfg.Dir = dir
	} else if v := os.Getenv(config.EnvCheckpointDir); v != "" {
		cfg.Dir = v
	}

	mgr, err := checkpoint.NewManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open checkpoint dir: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	switch sub {
	case "list":
		all := mgr.List()
		if len(all) == 0 {
			fmt.Println("no checkpoints")
			return
		}
		now := time.Now()
		for _, cp := range all {
			status := "valid"
			if cp.Expired(now) {
				status = "expired"
			}
			fmt.Printf("%s  task=%s  %s/%s  %s  %.0f%%  %s  %s\n",
				cp.ID, cp.TaskID, cp.Provider, cp.Model, cp.Priority,
				cp.Progress*100, cp.CreatedAt.Format(time.RFC3339), status)
		}
	case "stats":
		stats := mgr.GetStats()
		fmt.Printf("directory:   %s\n", mgr.Dir())
		fmt.Printf("checkpoints: %d (%d expired)\n", stats.Total, stats.Expired)
		fmt.Printf("total size:  %d bytes\n", stats.TotalBytes)
		if !stats.Oldest.IsZero() {
			fmt.Printf("oldest:      %s\n", stats.Oldest.Format(time.RFC3339))
			fmt.Printf("newest:      %s\n", stats.Newest.Format(time.RFC3339))
		}
		for src, n := range stats.BySource {
			fmt.Printf("  source %-22s %d\n", src, n)
		}
		for prio, n := range stats.ByPriority {
			fmt.Printf("  priority %-20s %d\n", prio, n)
		}
	case "cleanup":
		removed := mgr.Cleanup()
		fmt.Printf("removed %d expired checkpoint(s)\n", removed)
	default:
		fmt.Fprintf(os.Stderr, "unknown checkpoints subcommand: %s\n", sub)
		fmt.Fprintln(os.Stderr, "usage: agentsched checkpoints <list|stats|cleanup> [--dir <path>]")
		os.Exit(1)
	}
}

func runMetrics(args []string) {
	if len(args) < 1 || args[0] != "summary" {
		fmt.Fprintln(os.Stderr, "usage: agentsched metrics summary [--dir <path>] [--period <duration>]")
		os.Exit(1)
	}
	dir := ""
	var period time.Duration
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--dir":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			i++
			dir = rest[i]
		case "--period":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--period requires a value")
				os.Exit(1)
			}
			i++
			d, err := time.ParseDuration(rest[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --period: %v\n", err)
				os.Exit(1)
			}
			period = d
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}
	if dir == "" {
		dir = os.Getenv(config.EnvMetricsDir)
	}
	if dir == "" {
		dir = model.DefaultConfig().Metrics.Dir
	}

	sum, err := metrics.SummarizeDir(dir, period)
	if err != nil {
		fmt.Fprintf(os.Stderr, "summarize metrics: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("directory:       %s (%d files, %d records)\n", dir, sum.Files, sum.Records)
	if sum.Records == 0 {
		return
	}
	fmt.Printf("period:          %s .. %s\n", sum.First.Format(time.RFC3339), sum.Last.Format(time.RFC3339))
	fmt.Printf("completed:       %d (success rate %.1f%%)\n", sum.TotalTasksCompleted, sum.SuccessRate*100)
	fmt.Printf("wait:            avg=%s p50=%s p99=%s\n", sum.AvgWait, sum.P50Wait, sum.P99Wait)
	fmt.Printf("execution:       avg=%s p50=%s p99=%s\n", sum.AvgExec, sum.P50Exec, sum.P99Exec)
	fmt.Printf("preemptions:     %d\n", sum.Preemptions)
	fmt.Printf("rate limit hits: %d\n", sum.RateLimitHits)
	for prov, gs := range sum.ByProvider {
		fmt.Printf("  provider %-14s count=%d success=%.1f%% avg_exec=%s\n",
			prov, gs.Count, gs.SuccessRate*100, gs.AvgExec)
	}
	for prio, gs := range sum.ByPriority {
		fmt.Printf("  priority %-14s count=%d success=%.1f%% avg_exec=%s\n",
			prio, gs.Count, gs.SuccessRate*100, gs.AvgExec)
	}
}

// runSimulate pushes a synthetic workload through a fully wired scheduler
// so the whole stack can be observed end to end.
func runSimulate(args []string) {
	configPath := ""
	taskCount := 50
	durationSec := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		case "--tasks":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--tasks requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --tasks value: %s\n", args[i])
				os.Exit(1)
			}
			taskCount = n
		case "--duration":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--duration requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --duration value: %s\n", args[i])
				os.Exit(1)
			}
			durationSec = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logx.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	bus := events.NewBus(64)
	defer bus.Close()

	mgr, err := checkpoint.NewManager(cfg.Checkpoint,
		checkpoint.WithLogger(logx.Component(logger, "checkpoint")),
		checkpoint.WithBus(bus))
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint manager: %v\n", err)
		os.Exit(1)
	}
	mgr.StartJanitor(time.Duration(cfg.Checkpoint.CleanupIntervalSec) * time.Second)
	defer mgr.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		writer, err := metrics.NewWriter(cfg.Metrics.Dir, cfg.Metrics.MaxFileSizeBytes, cfg.Metrics.RetentionFiles)
		if err != nil {
			fmt.Fprintf(os.Stderr, "metrics writer: %v\n", err)
			os.Exit(1)
		}
		collector = metrics.New(cfg.Metrics, writer, logx.Component(logger, "metrics"))
		collector.StartFlusher(time.Duration(cfg.Metrics.CollectionIntervalSec) * time.Second)
		defer collector.Close()
	}

	est := estimator.New(cfg.Estimator)

	opts := []scheduler.Option{
		scheduler.WithLogger(logx.Component(logger, "scheduler")),
		scheduler.WithEstimator(est),
		scheduler.WithCheckpoints(mgr),
		scheduler.WithBus(bus),
		scheduler.WithHybridDebug(cfg.Logging.HybridDebug),
	}
	if collector != nil {
		opts = append(opts, scheduler.WithMetrics(collector))
	}
	sched := scheduler.New(cfg.Scheduler, opts...)

	providers := []struct {
		provider, model string
	}{
		{"anthropic", "claude-sonnet"},
		{"anthropic", "claude-haiku"},
		{"openai", "gpt-4o"},
	}
	priorities := []model.Priority{
		model.PriorityBackground,
		model.PriorityLow,
		model.PriorityNormal,
		model.PriorityNormal,
		model.PriorityHigh,
		model.PriorityCritical,
	}
	sources := []model.Source{
		model.SourceSingleAgentRun,
		model.SourceParallelAgentRun,
		model.SourceSingleTeamRun,
		model.SourceParallelTeamRun,
	}

	ctx := context.Background()
	if durationSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(durationSec)*time.Second)
		defer cancel()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, failed := 0, 0

	for i := 0; i < taskCount; i++ {
		pm := providers[rng.Intn(len(providers))]
		prio := priorities[rng.Intn(len(priorities))]
		src := sources[rng.Intn(len(sources))]
		sleep := time.Duration(10+rng.Intn(200)) * time.Millisecond

		task := model.Task{
			Source:   src,
			Provider: pm.provider,
			Model:    pm.model,
			Priority: prio,
			Execute: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(sleep):
					return "ok", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
			Snapshot: func() (any, float64) {
				return map[string]any{"step": "simulated"}, rng.Float64()
			},
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sched.Submit(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.Success {
				succeeded++
			} else {
				failed++
			}
		}()

		// Stagger arrivals so the queues actually contend.
		time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("simulated %d tasks in %s: %d succeeded, %d failed/aborted\n",
		taskCount, elapsed.Round(time.Millisecond), succeeded, failed)

	if collector != nil {
		collector.PersistSnapshot()
		sum := collector.GetSummary(elapsed + time.Second)
		fmt.Printf("wait: avg=%s p50=%s p99=%s\n", sum.AvgWait, sum.P50Wait, sum.P99Wait)
		fmt.Printf("exec: avg=%s p50=%s p99=%s\n", sum.AvgExec, sum.P50Exec, sum.P99Exec)
		fmt.Printf("throughput: %.1f/min\n", sum.ThroughputPerMinute)
	}

	stats := sched.Stats()
	fmt.Printf("queued=%d active=%d\n", stats.TotalQueued, stats.TotalActive)
}
