package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/hdl"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dataset.Dialect != "rtllm" {
		t.Errorf("expected default dialect rtllm, got %q", cfg.Dataset.Dialect)
	}
	if cfg.Pipeline.Mode != "multipath" {
		t.Errorf("expected default mode multipath, got %q", cfg.Pipeline.Mode)
	}
	if cfg.Pipeline.Model != "qwen" {
		t.Errorf("expected multipath model to default to first backend, got %q", cfg.Pipeline.Model)
	}
	if *cfg.Pipeline.NSelect != 3 {
		t.Errorf("expected n_select 3, got %d", *cfg.Pipeline.NSelect)
	}
	if cfg.Backends[0].BaseURL != "http://localhost:11434/v1" {
		t.Errorf("expected ollama base_url default, got %q", cfg.Backends[0].BaseURL)
	}
	if cfg.Verifier.CompileTimeout != 30*time.Second {
		t.Errorf("expected compile timeout 30s, got %s", cfg.Verifier.CompileTimeout)
	}

	plan, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	slots := plan.Assignment.Slots(0)
	if len(slots) != 3 || slots[1].Path != hdl.PathCPP || slots[2].Model != "qwen" {
		t.Errorf("unexpected slots: %+v", slots)
	}
	if _, ok := plan.Selection.(config.Ranked); !ok {
		t.Errorf("expected ranked selection, got %T", plan.Selection)
	}
	if _, ok := plan.Refinement.(config.RefineOff); !ok {
		t.Errorf("expected refinement off, got %T", plan.Refinement)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Backends) != 3 {
		t.Errorf("expected 3 backends, got %d", len(cfg.Backends))
	}
	if b, ok := cfg.Backend("gpt"); !ok || b.Timeout != 90*time.Second {
		t.Errorf("expected gpt backend with 90s timeout, got %+v", b)
	}
	if cfg.Verifier.Backend != "docker" || cfg.Cache.Store != "badger" {
		t.Errorf("unexpected verifier/cache: %+v %+v", cfg.Verifier, cfg.Cache)
	}
	if cfg.Secrets.EnvFile != "./.env" || cfg.Pricing != "./pricing.yaml" {
		t.Errorf("unexpected secrets/pricing: %+v %q", cfg.Secrets, cfg.Pricing)
	}

	plan, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Dialect != hdl.DialectVerilogEval {
		t.Errorf("dialect: got %q", plan.Dialect)
	}
	moa, ok := plan.Assignment.(config.MoA)
	if !ok {
		t.Fatalf("expected MoA assignment, got %T", plan.Assignment)
	}
	if moa.Direct().Model != "gpt" {
		t.Errorf("aggregator: got %q", moa.Direct().Model)
	}
	if got := len(moa.Slots(2)); got != 3 {
		t.Errorf("expected 3 slots, got %d", got)
	}
	ranked, ok := plan.Selection.(config.Ranked)
	if !ok || ranked.NSelect != 2 || !ranked.Cumulative {
		t.Errorf("unexpected selection: %+v", plan.Selection)
	}
	if r, ok := plan.Refinement.(config.RefineOn); !ok || r.MaxAttempts != 4 {
		t.Errorf("unexpected refinement: %+v", plan.Refinement)
	}
}

func writeConfig(t *testing.T, pipeline string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moahdl.yaml")
	data := "dataset:\n  dir: ./RTLLM\nbackends:\n  - name: qwen\n    provider: ollama\n    model: qwen2.5-coder:7b\n" + pipeline
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLayersDefault(t *testing.T) {
	tests := []struct {
		name     string
		pipeline string
		want     int
	}{
		{"omitted", "", 3},
		{"explicit zero", "pipeline:\n  layers: 0\n", 0},
		{"explicit", "pipeline:\n  layers: 5\n", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, tt.pipeline))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			plan, err := cfg.Plan()
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if plan.Layers != tt.want {
				t.Errorf("layers: got %d, want %d", plan.Layers, tt.want)
			}
		})
	}
}

func TestExplicitZeroNSelectRejected(t *testing.T) {
	_, err := config.Load(writeConfig(t, "pipeline:\n  n_select: 0\n"))
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "pipeline.n_select" {
		t.Fatalf("expected n_select ConfigurationError, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("../../testdata/invalid.yaml")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestRefineWithoutCache(t *testing.T) {
	_, err := config.Load("../../testdata/refine-nocache.yaml")
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cerr.Field != "pipeline.self_refine" {
		t.Errorf("field: got %q", cerr.Field)
	}
}

func validConfig() *config.Config {
	return &config.Config{
		Dataset:  config.Dataset{Dir: "ds"},
		Backends: []config.Backend{{Name: "m", Provider: "openai", Model: "gpt-4o"}},
	}
}

func TestPlanErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"negative layers", func(c *config.Config) { c.Pipeline.Layers = config.IntPtr(-1) }, "pipeline.layers"},
		{"unknown path", func(c *config.Config) { c.Pipeline.Paths = []string{"direct", "rust"} }, "pipeline.paths"},
		{"unknown model", func(c *config.Config) { c.Pipeline.Model = "nope" }, "pipeline.model"},
		{"moa without models", func(c *config.Config) { c.Pipeline.Mode = "moa" }, "pipeline.models"},
		{"n_select", func(c *config.Config) { c.Pipeline.NSelect = config.IntPtr(-2) }, "pipeline.n_select"},
		{"explicit zero n_select", func(c *config.Config) { c.Pipeline.NSelect = config.IntPtr(0) }, "pipeline.n_select"},
		{"duplicate backend", func(c *config.Config) { c.Backends = append(c.Backends, c.Backends[0]) }, "backends"},
		{"refine without cache", func(c *config.Config) {
			c.Pipeline.NoCache = true
			c.Pipeline.SelfRefine = true
		}, "pipeline.self_refine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			_, err := cfg.Plan()
			var cerr *config.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("field: got %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestStructValidation(t *testing.T) {
	cfg := validConfig()
	cfg.Backends[0].Provider = "anthropic"
	var cerr *config.ConfigurationError
	if err := cfg.Validate(); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNoCacheIsUnranked(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.NoCache = true
	plan, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, ok := plan.Selection.(config.Unranked); !ok {
		t.Errorf("expected unranked selection, got %T", plan.Selection)
	}
}

func TestLayerPathsModulo(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.LayerPaths = [][]string{{"direct", "cpp"}, {"python"}}
	plan, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := plan.Assignment.Slots(2); len(got) != 2 || got[1].Path != hdl.PathCPP {
		t.Errorf("layer 2 slots: %+v", got)
	}
	if got := plan.Assignment.Slots(3); len(got) != 1 || got[0].Path != hdl.PathPython {
		t.Errorf("layer 3 slots: %+v", got)
	}
}

func TestPrescreenNeedsLayers(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.Prescreen = true
	cfg.Pipeline.CPPRepair = 2
	plan, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Prescreen || plan.CPPRepair != 2 {
		t.Errorf("expected prescreen and 2 C++ repair rounds, got %+v", plan)
	}

	cfg.Pipeline.Layers = config.IntPtr(0)
	plan, err = cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Prescreen {
		t.Error("prescreen is meaningless without layers")
	}
}

func TestSampling(t *testing.T) {
	if temp, topP := config.Sampling("low_T"); temp != 0 || topP != 0.01 {
		t.Errorf("low_T: got %v %v", temp, topP)
	}
	if temp, topP := config.Sampling("high_T"); temp != 0.8 || topP != 0.95 {
		t.Errorf("high_T: got %v %v", temp, topP)
	}
}
