package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/metrics"
	"go.uber.org/zap"
)

// Seed is one selected entry of the previous layer, read-only context for
// the next layer's generations.
type Seed struct {
	Source           string
	Score            float64
	Path             hdl.Path
	Intermediate     string
	IntermediateLang hdl.Path
}

// Feedback is the refinement context: the latest attempt and its verdict.
type Feedback struct {
	Prior       hdl.Candidate
	Verdict     hdl.Verdict
	Attempt     int
	MaxAttempts int
}

// Context is what a generation call may draw on besides the task itself.
type Context struct {
	Layer    int
	Seeds    []Seed
	Feedback *Feedback
}

// Generator produces one candidate for a slot. Implementations must be safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, task hdl.Task, slot hdl.Slot, gctx Context) (hdl.Candidate, error)
}

// GenerationError reports a generation that produced no usable candidate.
// It is never retried by the generator.
type GenerationError struct {
	Task   string
	Slot   int
	Path   hdl.Path
	Model  string
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("generation failed for %s slot %d (%s/%s): %s", e.Task, e.Slot, e.Path, e.Model, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PathGenerator generates through one of the configured paths: HDL directly,
// or a C++/Python model first and a translation to HDL second.
type PathGenerator struct {
	backends    map[string]Backend
	temperature float32
	topP        float32
	cppRepair   int
	log         *zap.Logger
	metrics     *metrics.Metrics
}

func NewPathGenerator(backends map[string]Backend, temperatureMode string, logger *zap.Logger, m *metrics.Metrics) *PathGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	t, p := config.Sampling(temperatureMode)
	return &PathGenerator{backends: backends, temperature: t, topP: p, log: logger, metrics: m}
}

// WithCPPRepair enables structural checking of freshly generated C++ models.
// A model with blocking issues is sent back for up to rounds repairs before
// translation.
func (g *PathGenerator) WithCPPRepair(rounds int) *PathGenerator {
	g.cppRepair = rounds
	return g
}

func (g *PathGenerator) Generate(ctx context.Context, task hdl.Task, slot hdl.Slot, gctx Context) (hdl.Candidate, error) {
	fail := func(reason string, err error) (hdl.Candidate, error) {
		if g.metrics != nil {
			g.metrics.Generations.WithLabelValues(slot.Model, string(slot.Path), "error").Inc()
		}
		return hdl.Candidate{}, &GenerationError{Task: task.ID, Slot: slot.Index, Path: slot.Path, Model: slot.Model, Reason: reason, Err: err}
	}
	backend, ok := g.backends[slot.Model]
	if !ok {
		return fail("no backend named "+slot.Model, nil)
	}

	cand := hdl.Candidate{TaskID: task.ID, Layer: gctx.Layer, Slot: slot.Index, Path: slot.Path, Model: slot.Model}
	var raw string
	var err error
	switch {
	case gctx.Feedback != nil:
		fb := gctx.Feedback
		cand.Intermediate = fb.Prior.Intermediate
		cand.IntermediateLang = fb.Prior.IntermediateLang
		cand.Attempt = fb.Attempt
		raw, err = g.complete(ctx, backend, &cand, systemRefine(task), RefinementPrompt(task, *fb))
	case slot.Path.Intermediate():
		if seed, ok := bestIntermediate(gctx.Seeds, slot.Path); ok {
			cand.Intermediate = seed.Intermediate
		} else {
			var resp string
			resp, err = g.complete(ctx, backend, &cand, systemIntermediate, IntermediatePrompt(task, slot.Path, gctx.Seeds))
			if err != nil {
				return fail("intermediate request", err)
			}
			cand.Intermediate = ExtractIntermediate(resp, slot.Path)
			if cand.Intermediate == "" {
				return fail("empty intermediate output", nil)
			}
			if slot.Path == hdl.PathCPP && g.cppRepair > 0 {
				cand.Intermediate = g.repairCPP(ctx, backend, &cand, task)
			}
		}
		cand.IntermediateLang = slot.Path
		raw, err = g.complete(ctx, backend, &cand, systemTranslate(task), TranslatePrompt(task, slot.Path, cand.Intermediate))
	case len(gctx.Seeds) > 0:
		raw, err = g.complete(ctx, backend, &cand, systemDirect(task), AggregationPrompt(task, gctx.Seeds))
	default:
		raw, err = g.complete(ctx, backend, &cand, systemDirect(task), InitialPrompt(task))
	}
	if err != nil {
		return fail("backend request", err)
	}
	if strings.TrimSpace(raw) == "" {
		return fail("empty output", nil)
	}
	cand.Source = ExtractHDL(raw)
	if err := ValidateHDL(cand.Source, task.Dialect); err != nil {
		return fail("unusable output", err)
	}
	if g.metrics != nil {
		g.metrics.Generations.WithLabelValues(slot.Model, string(slot.Path), "ok").Inc()
	}
	g.log.Debug("generated candidate",
		zap.String("task", task.ID),
		zap.Int("layer", gctx.Layer),
		zap.Int("slot", slot.Index),
		zap.String("path", string(slot.Path)),
		zap.Int("attempt", cand.Attempt),
		zap.Int("bytes", len(cand.Source)))
	return cand, nil
}

func (g *PathGenerator) complete(ctx context.Context, b Backend, cand *hdl.Candidate, system, prompt string) (string, error) {
	resp, err := b.Complete(ctx, Request{System: system, Prompt: prompt, Temperature: g.temperature, TopP: g.topP})
	if err != nil {
		return "", err
	}
	cand.Usage = cand.Usage.Add(resp.Usage)
	return resp.Text, nil
}

// repairCPP runs CheckCPP on the candidate's C++ model and asks for fixes
// while blocking issues remain. A failed repair request keeps the last model.
func (g *PathGenerator) repairCPP(ctx context.Context, b Backend, cand *hdl.Candidate, task hdl.Task) string {
	src := cand.Intermediate
	for round := 1; ; round++ {
		issues := CheckCPP(src)
		if !blocking(issues) {
			return src
		}
		if round > g.cppRepair {
			g.log.Debug("C++ model still has blocking issues",
				zap.String("task", task.ID), zap.Int("slot", cand.Slot), zap.Int("issues", len(issues)))
			return src
		}
		resp, err := g.complete(ctx, b, cand, systemIntermediate, CPPFixPrompt(task, src, issues))
		if err != nil {
			g.log.Warn("C++ repair request failed", zap.String("task", task.ID), zap.Int("slot", cand.Slot), zap.Error(err))
			return src
		}
		fixed := ExtractIntermediate(resp, hdl.PathCPP)
		if fixed == "" {
			return src
		}
		src = fixed
	}
}

// bestIntermediate returns the first seed carrying intermediate source in
// lang, or in any language when lang is empty. Seeds arrive best first.
func bestIntermediate(seeds []Seed, lang hdl.Path) (Seed, bool) {
	for _, s := range seeds {
		if s.Intermediate == "" {
			continue
		}
		if lang == "" || s.IntermediateLang == lang {
			return s, true
		}
	}
	return Seed{}, false
}
