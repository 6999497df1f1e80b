package cmd

import (
	"context"
	"fmt"

	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/generate"
	"github.com/signalnine/moahdl/internal/logging"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/runner"
	"github.com/signalnine/moahdl/internal/verify"
	"go.uber.org/zap"
)

// loadConfig reads the config file, builds the logger it asks for and
// exports secrets from its env file.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Secrets.EnvFile != "" {
		set, err := config.LoadEnvFile(cfg.Secrets.EnvFile)
		if err != nil {
			log.Warn("could not load secrets", zap.String("file", cfg.Secrets.EnvFile), zap.Error(err))
		} else {
			log.Debug("secrets loaded", zap.Strings("vars", set))
		}
	}
	return cfg, log, nil
}

// defaultLogger is used by commands that run without a config file.
func defaultLogger() *zap.Logger {
	log, err := logging.New("info", "console", verbose)
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// newVerifier builds the Icarus verifier on the configured runner. The
// returned close releases the docker connection, if any.
func newVerifier(cfg *config.Config, limiter *runner.Limiter, m *metrics.Metrics, log *zap.Logger) (*verify.Icarus, func() error, error) {
	var r verify.Runner = verify.LocalRunner{}
	closeFn := func() error { return nil }
	if cfg.Verifier.Backend == "docker" {
		d, err := verify.NewDockerRunner(cfg.Verifier.Image)
		if err != nil {
			return nil, nil, err
		}
		r, closeFn = d, d.Close
	}
	return verify.NewIcarus(r, verify.Options{
		Iverilog:          cfg.Verifier.Iverilog,
		Vvp:               cfg.Verifier.Vvp,
		CompileTimeout:    cfg.Verifier.CompileTimeout,
		SimulationTimeout: cfg.Verifier.SimulationTimeout,
		Limiter:           limiter,
		Metrics:           m,
		Logger:            log,
	}), closeFn, nil
}

// newBackends builds every backend the plan refers to, each behind its rate
// limit and the shared limiter.
func newBackends(ctx context.Context, cfg *config.Config, plan *config.Plan, limiter *runner.Limiter, m *metrics.Metrics, log *zap.Logger) (map[string]generate.Backend, error) {
	backends := map[string]generate.Backend{}
	for _, name := range planBackends(plan) {
		b, ok := cfg.Backend(name)
		if !ok {
			return nil, fmt.Errorf("no backend named %q", name)
		}
		be, err := generate.NewBackend(ctx, b)
		if err != nil {
			return nil, err
		}
		backends[name] = generate.Limit(be, generate.LimitOptions{
			RequestsPerMinute: b.RequestsPerMinute,
			Timeout:           b.Timeout,
			Limiter:           limiter,
			Metrics:           m,
			Logger:            log,
		})
	}
	return backends, nil
}

func planBackends(plan *config.Plan) []string {
	var names []string
	seen := map[string]bool{}
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	switch a := plan.Assignment.(type) {
	case config.MoA:
		for _, m := range a.Models {
			add(m)
		}
		add(a.Aggregator)
	case config.MultiPath:
		add(a.Model)
	}
	return names
}
