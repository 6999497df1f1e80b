package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalnine/moahdl/internal/cache"
	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/dataset"
	"github.com/signalnine/moahdl/internal/generate"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/pipeline"
	"github.com/signalnine/moahdl/internal/report"
	"github.com/signalnine/moahdl/internal/result"
	"github.com/signalnine/moahdl/internal/runner"
	"github.com/signalnine/moahdl/internal/tracing"
	"github.com/signalnine/moahdl/internal/verify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagTask        []string
	flagLayers      int
	flagNSelect     int
	flagNoCache     bool
	flagEarlyStop   bool
	flagSelfRefine  bool
	flagMaxRefine   int
	flagPrescreen   bool
	flagCPPRepair   int
	flagTemperature string
	flagParallel    int
	flagTrials      int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the layered pipeline over the dataset",
		RunE:  runPipeline,
	}
	cmd.Flags().StringSliceVar(&flagTask, "task", nil, "limit to these task IDs")
	cmd.Flags().IntVar(&flagLayers, "layers", 0, "override number of layers (0 = single direct generation)")
	cmd.Flags().IntVar(&flagNSelect, "n-select", 0, "override candidates forwarded per layer")
	cmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "forward every candidate unranked")
	cmd.Flags().BoolVar(&flagEarlyStop, "early-stop", false, "stop a task once a layer passes")
	cmd.Flags().BoolVar(&flagSelfRefine, "self-refine", false, "repair failing candidates with verifier feedback")
	cmd.Flags().IntVar(&flagMaxRefine, "max-refine", 0, "override refinement attempts per candidate")
	cmd.Flags().BoolVar(&flagPrescreen, "prescreen", false, "try one direct generation before the layers")
	cmd.Flags().IntVar(&flagCPPRepair, "cpp-repair", 0, "repair rounds for C++ models with synthesis issues (0 = off)")
	cmd.Flags().StringVar(&flagTemperature, "temperature", "", "override temperature mode (low_T, high_T)")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "override tasks run concurrently")
	cmd.Flags().IntVar(&flagTrials, "trials", 0, "override trial count")
	return cmd
}

// applyOverrides copies explicitly set flags onto the pipeline config. Out
// of range values are rejected here, before defaulting could mask them.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	for _, c := range []struct {
		flag  string
		value int
		min   int
	}{
		{"layers", flagLayers, 0},
		{"n-select", flagNSelect, 1},
		{"max-refine", flagMaxRefine, 0},
		{"cpp-repair", flagCPPRepair, 0},
		{"parallel", flagParallel, 1},
		{"trials", flagTrials, 1},
	} {
		if f.Changed(c.flag) && c.value < c.min {
			return &config.ConfigurationError{Field: "--" + c.flag, Reason: fmt.Sprintf("must be at least %d, got %d", c.min, c.value)}
		}
	}
	if f.Changed("task") {
		cfg.Dataset.Tasks = flagTask
	}
	if f.Changed("layers") {
		cfg.Pipeline.Layers = config.IntPtr(flagLayers)
	}
	if f.Changed("n-select") {
		cfg.Pipeline.NSelect = config.IntPtr(flagNSelect)
	}
	if f.Changed("no-cache") {
		cfg.Pipeline.NoCache = flagNoCache
	}
	if f.Changed("early-stop") {
		cfg.Pipeline.EarlyStop = flagEarlyStop
	}
	if f.Changed("self-refine") {
		cfg.Pipeline.SelfRefine = flagSelfRefine
	}
	if f.Changed("max-refine") {
		cfg.Pipeline.MaxRefine = flagMaxRefine
	}
	if f.Changed("prescreen") {
		cfg.Pipeline.Prescreen = flagPrescreen
	}
	if f.Changed("cpp-repair") {
		cfg.Pipeline.CPPRepair = flagCPPRepair
	}
	if f.Changed("temperature") {
		cfg.Pipeline.Temperature = flagTemperature
	}
	if f.Changed("parallel") {
		cfg.Pipeline.TaskParallel = flagParallel
	}
	if f.Changed("trials") {
		cfg.Pipeline.Trials = flagTrials
	}
	return nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	if err := applyOverrides(cmd, cfg); err != nil {
		return err
	}
	plan, err := cfg.Plan()
	if err != nil {
		return err
	}
	tasks, err := dataset.Load(plan.Dialect, cfg.Dataset.Dir, cfg.Dataset.Tasks)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks found in %s", cfg.Dataset.Dir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		metrics.Serve(ctx, cfg.Metrics.Addr, reg, log)
	}
	tracer, shutdown, err := tracing.Setup(cfg.Tracing.File)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("flushing traces", zap.Error(err))
		}
	}()

	limiter := runner.NewLimiter(plan.Concurrency * plan.TaskParallel)
	backends, err := newBackends(ctx, cfg, plan, limiter, m, log)
	if err != nil {
		return err
	}
	gen := generate.NewPathGenerator(backends, plan.Temperature, log, m).WithCPPRepair(plan.CPPRepair)
	icarus, closeVerifier, err := newVerifier(cfg, limiter, m, log)
	if err != nil {
		return err
	}
	defer closeVerifier()
	ver := verify.NewMemo(icarus)

	name := result.OutputName(plan)
	runDir, err := result.CreateRunDir(cfg.Results.Dir, name)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = result.CacheDir(runDir)
	}
	store, err := cache.OpenStore(cfg.Cache.Store, cacheDir, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	meta := runMeta(cfg, plan, name, len(tasks))
	meta.ID = uuid.NewString()
	meta.Started = time.Now()
	if err := result.WriteRunMeta(runDir, meta); err != nil {
		return err
	}

	driver, err := pipeline.NewFromPlan(plan, gen, ver, pipeline.Options{
		Logger:  log,
		Metrics: m,
		Tracer:  tracer,
		Store:   store,
		RunDir:  runDir,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Running %d tasks × %d trials (%s)...\n", len(tasks), plan.Trials, name)
	for _, s := range driver.Run(ctx, tasks) {
		switch {
		case s.Failed():
			fmt.Printf("  %s t%d: ERROR: %s\n", s.Task, s.Trial, s.Error)
		case s.Pass:
			fmt.Printf("  %s t%d: pass (layers: %d, prescreened: %t)\n", s.Task, s.Trial, s.LayersConsumed, s.Prescreened)
		default:
			fmt.Printf("  %s t%d: %s score %.3f (layers: %d)\n", s.Task, s.Trial, s.Classification, s.Score, s.LayersConsumed)
		}
	}

	meta.Finished = time.Now()
	if err := result.WriteRunMeta(runDir, meta); err != nil {
		return err
	}
	fmt.Println("\n--- Results ---")
	return report.Generate(runDir, "table", os.Stdout, cfg.Pricing)
}

func runMeta(cfg *config.Config, plan *config.Plan, name string, tasks int) *result.RunMeta {
	meta := &result.RunMeta{
		Name:        name,
		Dialect:     plan.Dialect,
		Mode:        cfg.Pipeline.Mode,
		Layers:      plan.Layers,
		NoCache:     cfg.Pipeline.NoCache,
		EarlyStop:   plan.EarlyStop,
		Prescreen:   plan.Prescreen,
		CPPRepair:   plan.CPPRepair,
		Temperature: plan.Temperature,
		Trials:      plan.Trials,
		Tasks:       tasks,
		Backends:    map[string]result.BackendInfo{},
	}
	if r, ok := plan.Selection.(config.Ranked); ok {
		meta.NSelect = r.NSelect
	}
	if r, ok := plan.Refinement.(config.RefineOn); ok {
		meta.SelfRefine = true
		meta.MaxRefine = r.MaxAttempts
	}
	for _, b := range cfg.Backends {
		meta.Backends[b.Name] = result.BackendInfo{Provider: b.Provider, Model: b.Model}
	}
	return meta
}
