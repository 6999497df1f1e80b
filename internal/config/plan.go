package config

import (
	"fmt"

	"github.com/signalnine/moahdl/internal/hdl"
)

// Plan is the validated, immutable view of the pipeline configuration that
// the driver runs from. With Prescreen set, one direct generation runs
// before the layers and a passing result skips them. CPPRepair bounds the
// repair rounds for C++ models with blocking structural issues; zero
// disables the check.
type Plan struct {
	Dialect      hdl.Dialect
	Layers       int
	Assignment   Assignment
	Selection    Selection
	Refinement   Refinement
	EarlyStop    bool
	Prescreen    bool
	CPPRepair    int
	Temperature  string
	Concurrency  int
	TaskParallel int
	Trials       int
}

// Assignment decides which slots run in a layer.
type Assignment interface {
	Slots(layer int) []hdl.Slot
	// Direct is the single slot used when the pipeline has zero layers.
	Direct() hdl.Slot
}

// MoA runs one direct-path slot per model.
type MoA struct {
	Models     []string
	Aggregator string
}

func (m MoA) Slots(int) []hdl.Slot {
	slots := make([]hdl.Slot, len(m.Models))
	for i, model := range m.Models {
		slots[i] = hdl.Slot{Index: i, Path: hdl.PathDirect, Model: model}
	}
	return slots
}

func (m MoA) Direct() hdl.Slot {
	return hdl.Slot{Path: hdl.PathDirect, Model: m.Aggregator}
}

// MultiPath runs one slot per path entry of the layer's path list. Per-layer
// lists are indexed modulo their count.
type MultiPath struct {
	Model string
	Paths [][]hdl.Path
}

func (m MultiPath) Slots(layer int) []hdl.Slot {
	if len(m.Paths) == 0 {
		return nil
	}
	paths := m.Paths[layer%len(m.Paths)]
	slots := make([]hdl.Slot, len(paths))
	for i, p := range paths {
		slots[i] = hdl.Slot{Index: i, Path: p, Model: m.Model}
	}
	return slots
}

func (m MultiPath) Direct() hdl.Slot {
	return hdl.Slot{Path: hdl.PathDirect, Model: m.Model}
}

// Selection decides what a layer forwards to the next one.
type Selection interface{ isSelection() }

// Ranked forwards the top NSelect entries in cache order.
type Ranked struct {
	NSelect    int
	Cumulative bool
}

// Unranked forwards every entry in slot order.
type Unranked struct{}

func (Ranked) isSelection()   {}
func (Unranked) isSelection() {}

// Refinement decides whether imperfect candidates enter the repair loop.
type Refinement interface{ isRefinement() }

type RefineOff struct{}

type RefineOn struct {
	MaxAttempts int
}

func (RefineOff) isRefinement() {}
func (RefineOn) isRefinement()  {}

// Plan validates the configuration and returns the pipeline plan.
func (c *Config) Plan() (*Plan, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.buildPlan()
}

func (c *Config) buildPlan() (*Plan, error) {
	p := c.Pipeline
	layers, nSelect := deref(p.Layers), deref(p.NSelect)
	if layers < 0 {
		return nil, &ConfigurationError{Field: "pipeline.layers", Reason: "must not be negative"}
	}
	dialect, err := hdl.ParseDialect(c.Dataset.Dialect)
	if err != nil {
		return nil, &ConfigurationError{Field: "dataset.dialect", Reason: err.Error()}
	}
	seen := map[string]bool{}
	for _, b := range c.Backends {
		if seen[b.Name] {
			return nil, &ConfigurationError{Field: "backends", Reason: fmt.Sprintf("duplicate backend %q", b.Name)}
		}
		seen[b.Name] = true
	}

	plan := &Plan{
		Dialect:      dialect,
		Layers:       layers,
		EarlyStop:    p.EarlyStop,
		Prescreen:    p.Prescreen && layers > 0,
		CPPRepair:    p.CPPRepair,
		Temperature:  p.Temperature,
		Concurrency:  p.Concurrency,
		TaskParallel: p.TaskParallel,
		Trials:       p.Trials,
	}

	switch p.Mode {
	case "moa":
		if len(p.Models) == 0 {
			return nil, &ConfigurationError{Field: "pipeline.models", Reason: "moa mode needs at least one model"}
		}
		for _, m := range p.Models {
			if !seen[m] {
				return nil, &ConfigurationError{Field: "pipeline.models", Reason: fmt.Sprintf("no backend named %q", m)}
			}
		}
		agg := p.Aggregator
		if agg == "" {
			agg = p.Models[0]
		}
		if !seen[agg] {
			return nil, &ConfigurationError{Field: "pipeline.aggregator", Reason: fmt.Sprintf("no backend named %q", agg)}
		}
		plan.Assignment = MoA{Models: append([]string(nil), p.Models...), Aggregator: agg}
	default:
		if !seen[p.Model] {
			return nil, &ConfigurationError{Field: "pipeline.model", Reason: fmt.Sprintf("no backend named %q", p.Model)}
		}
		lists := p.LayerPaths
		if len(lists) == 0 {
			lists = [][]string{p.Paths}
		}
		paths := make([][]hdl.Path, len(lists))
		for i, list := range lists {
			if len(list) == 0 {
				return nil, &ConfigurationError{Field: "pipeline.paths", Reason: fmt.Sprintf("path list %d is empty", i)}
			}
			for _, s := range list {
				path, err := hdl.ParsePath(s)
				if err != nil {
					return nil, &ConfigurationError{Field: "pipeline.paths", Reason: err.Error()}
				}
				paths[i] = append(paths[i], path)
			}
		}
		plan.Assignment = MultiPath{Model: p.Model, Paths: paths}
	}

	if p.NoCache {
		if p.SelfRefine {
			return nil, &ConfigurationError{Field: "pipeline.self_refine", Reason: "self-refinement requires quality caching"}
		}
		plan.Selection = Unranked{}
	} else {
		if nSelect < 1 {
			return nil, &ConfigurationError{Field: "pipeline.n_select", Reason: "must be at least 1"}
		}
		plan.Selection = Ranked{NSelect: nSelect, Cumulative: p.SelectionScope == "cumulative"}
	}

	if p.SelfRefine && p.MaxRefine > 0 {
		plan.Refinement = RefineOn{MaxAttempts: p.MaxRefine}
	} else {
		plan.Refinement = RefineOff{}
	}
	return plan, nil
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// Sampling maps a temperature mode to (temperature, top_p).
func Sampling(mode string) (float32, float32) {
	if mode == "high_T" {
		return 0.8, 0.95
	}
	return 0.0, 0.01
}
