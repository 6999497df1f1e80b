package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Dataset  Dataset   `yaml:"dataset"`
	Pipeline Pipeline  `yaml:"pipeline"`
	Backends []Backend `yaml:"backends" validate:"required,min=1,dive"`
	Verifier Verifier  `yaml:"verifier"`
	Cache    Cache     `yaml:"cache"`
	Results  Results   `yaml:"results"`
	Metrics  Metrics   `yaml:"metrics"`
	Tracing  Tracing   `yaml:"tracing"`
	Logging  Logging   `yaml:"logging"`
	Secrets  Secrets   `yaml:"secrets"`
	Pricing  string    `yaml:"pricing"`
}

type Dataset struct {
	Dialect string   `yaml:"dialect" validate:"oneof=rtllm verilogeval"`
	Dir     string   `yaml:"dir" validate:"required"`
	Tasks   []string `yaml:"tasks"`
}

type Pipeline struct {
	Layers         *int       `yaml:"layers"`
	Mode           string     `yaml:"mode" validate:"oneof=moa multipath"`
	Models         []string   `yaml:"models"`
	Aggregator     string     `yaml:"aggregator"`
	Model          string     `yaml:"model"`
	Paths          []string   `yaml:"paths"`
	LayerPaths     [][]string `yaml:"layer_paths"`
	NoCache        bool       `yaml:"no_cache"`
	NSelect        *int       `yaml:"n_select"`
	SelectionScope string     `yaml:"selection_scope" validate:"oneof=layer cumulative"`
	EarlyStop      bool       `yaml:"early_stop"`
	SelfRefine     bool       `yaml:"self_refine"`
	MaxRefine      int        `yaml:"max_refine" validate:"gte=0"`
	Prescreen      bool       `yaml:"prescreen"`
	CPPRepair      int        `yaml:"cpp_repair" validate:"gte=0"`
	Temperature    string     `yaml:"temperature" validate:"oneof=low_T high_T"`
	Concurrency    int        `yaml:"concurrency" validate:"gte=1"`
	TaskParallel   int        `yaml:"task_parallel" validate:"gte=1"`
	Trials         int        `yaml:"trials" validate:"gte=1"`
}

// Backend is one LLM endpoint. Pipeline model names refer to Backend.Name.
type Backend struct {
	Name              string        `yaml:"name" validate:"required"`
	Provider          string        `yaml:"provider" validate:"required,oneof=openai ollama gemini"`
	Model             string        `yaml:"model" validate:"required"`
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	MaxTokens         int           `yaml:"max_tokens" validate:"gte=0"`
}

type Verifier struct {
	Backend           string        `yaml:"backend" validate:"oneof=local docker"`
	Image             string        `yaml:"image"`
	Iverilog          string        `yaml:"iverilog"`
	Vvp               string        `yaml:"vvp"`
	CompileTimeout    time.Duration `yaml:"compile_timeout"`
	SimulationTimeout time.Duration `yaml:"simulation_timeout"`
}

type Cache struct {
	Store string `yaml:"store" validate:"oneof=json badger none"`
	Dir   string `yaml:"dir"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Tracing struct {
	File string `yaml:"file"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// ConfigurationError reports an invalid or contradictory setting. It is
// raised before any generation starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Backend returns the backend with the given name.
func (c *Config) Backend(name string) (Backend, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}

// Validate applies defaults and checks the configuration. Any failure is a
// *ConfigurationError. It is safe to call again after flag overrides.
func (c *Config) Validate() error {
	applyDefaults(c)
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{Field: fe.Namespace(), Reason: fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value())}
		}
		return &ConfigurationError{Field: "config", Reason: err.Error()}
	}
	_, err := c.buildPlan()
	return err
}

var structValidator = validator.New()

// IntPtr returns a pointer to v, for optional settings where an explicit
// zero differs from unset.
func IntPtr(v int) *int { return &v }

func applyDefaults(c *Config) {
	if c.Dataset.Dialect == "" {
		c.Dataset.Dialect = "rtllm"
	}
	p := &c.Pipeline
	if p.Mode == "" {
		p.Mode = "multipath"
	}
	if p.Mode == "multipath" && len(p.Paths) == 0 && len(p.LayerPaths) == 0 {
		p.Paths = []string{"direct", "cpp", "python"}
	}
	if p.Mode == "multipath" && p.Model == "" && len(c.Backends) > 0 {
		p.Model = c.Backends[0].Name
	}
	if p.Layers == nil {
		p.Layers = IntPtr(3)
	}
	if p.NSelect == nil {
		p.NSelect = IntPtr(3)
	}
	if p.SelectionScope == "" {
		p.SelectionScope = "layer"
	}
	if p.SelfRefine && p.MaxRefine == 0 {
		p.MaxRefine = 3
	}
	if p.Temperature == "" {
		p.Temperature = "low_T"
	}
	if p.Concurrency == 0 {
		p.Concurrency = 4
	}
	if p.TaskParallel == 0 {
		p.TaskParallel = 1
	}
	if p.Trials == 0 {
		p.Trials = 1
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Timeout == 0 {
			b.Timeout = 2 * time.Minute
		}
		if b.Provider == "ollama" && b.BaseURL == "" {
			b.BaseURL = "http://localhost:11434/v1"
		}
	}
	v := &c.Verifier
	if v.Backend == "" {
		v.Backend = "local"
	}
	if v.Image == "" {
		v.Image = "hdlc/iverilog:latest"
	}
	if v.Iverilog == "" {
		v.Iverilog = "iverilog"
	}
	if v.Vvp == "" {
		v.Vvp = "vvp"
	}
	if v.CompileTimeout == 0 {
		v.CompileTimeout = 30 * time.Second
	}
	if v.SimulationTimeout == 0 {
		v.SimulationTimeout = 30 * time.Second
	}
	if c.Cache.Store == "" {
		c.Cache.Store = "json"
	}
	if c.Results.Dir == "" {
		c.Results.Dir = "results"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}
