package pricing

import (
	"fmt"
	"os"

	"github.com/signalnine/moahdl/internal/hdl"
	"gopkg.in/yaml.v3"
)

// ModelPricing is USD per 1K tokens.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Table maps provider -> model -> price. Local providers such as ollama
// may be listed with no models and cost nothing.
type Table struct {
	Providers map[string]map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

func (t *Table) lookup(provider, model string) (ModelPricing, bool) {
	if t == nil || t.Providers == nil {
		return ModelPricing{}, false
	}
	p, ok := t.Providers[provider][model]
	return p, ok
}

// Known reports whether the table prices a provider/model pair. A provider
// listed with no models prices all of its models at zero.
func (t *Table) Known(provider, model string) bool {
	if t == nil {
		return false
	}
	if models, ok := t.Providers[provider]; ok && len(models) == 0 {
		return true
	}
	_, ok := t.lookup(provider, model)
	return ok
}

// Cost prices one backend's token usage. Unknown models cost 0.
func (t *Table) Cost(provider, model string, u hdl.Usage) float64 {
	p, ok := t.lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)/1000.0)*p.Input + (float64(u.OutputTokens)/1000.0)*p.Output
}
