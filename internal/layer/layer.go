package layer

import (
	"context"
	"fmt"

	"github.com/signalnine/moahdl/internal/cache"
	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/generate"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/refine"
	"github.com/signalnine/moahdl/internal/runner"
	"github.com/signalnine/moahdl/internal/verify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Result is the snapshot one layer leaves behind. Entries are in slot order;
// Selected is what seeds the next layer.
type Result struct {
	Layer     int
	Entries   []cache.Entry
	Selected  []cache.Entry
	Perfect   bool
	Satisfied bool
}

// Orchestrator runs single layers for one plan.
type Orchestrator struct {
	plan    *config.Plan
	gen     generate.Generator
	ver     verify.Verifier
	refiner *refine.Loop
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

func New(plan *config.Plan, gen generate.Generator, ver verify.Verifier, opts Options) *Orchestrator {
	o := &Orchestrator{plan: plan, gen: gen, ver: ver, log: opts.Logger, metrics: opts.Metrics, tracer: opts.Tracer}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("layer")
	}
	if r, ok := plan.Refinement.(config.RefineOn); ok {
		o.refiner = refine.New(gen, ver, r.MaxAttempts, o.log, o.metrics)
	}
	return o
}

type slotResult struct {
	cand    hdl.Candidate
	verdict hdl.Verdict
	outcome *refine.Outcome
}

// Run executes one layer: generate every slot in parallel, verify and
// optionally refine each result, record into c in slot order, then select
// the next layer's seeds.
func (o *Orchestrator) Run(ctx context.Context, task hdl.Task, c *cache.Cache, layer int, seeds []generate.Seed) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "layer", trace.WithAttributes(
		attribute.String("task", task.ID), attribute.Int("layer", layer)))
	defer span.End()

	slots := o.plan.Assignment.Slots(layer)
	if len(slots) == 0 {
		return Result{}, fmt.Errorf("layer %d of %s has no slots", layer, task.ID)
	}
	results := runner.RunOrdered(ctx, o.plan.Concurrency, len(slots), func(ctx context.Context, i int) slotResult {
		return o.runSlot(ctx, task, slots[i], layer, seeds)
	})

	res := Result{Layer: layer}
	for _, r := range results {
		e, err := c.Record(layer, r.cand, r.verdict, r.outcome)
		if err != nil {
			return Result{}, fmt.Errorf("recording layer %d: %w", layer, err)
		}
		res.Entries = append(res.Entries, e)
		if e.Verdict.Perfect() {
			res.Perfect = true
		}
	}
	res.Satisfied = res.Perfect && o.plan.EarlyStop

	switch s := o.plan.Selection.(type) {
	case config.Ranked:
		if s.Cumulative {
			res.Selected = c.SelectTopKUpTo(layer, s.NSelect)
		} else {
			res.Selected = c.SelectTopK(layer, s.NSelect)
		}
	default:
		res.Selected = append([]cache.Entry(nil), res.Entries...)
	}

	if o.metrics != nil {
		o.metrics.Layers.Inc()
	}
	best := 0.0
	if len(res.Selected) > 0 {
		best = res.Selected[0].BestScore()
	}
	span.SetAttributes(attribute.Float64("best_score", best), attribute.Bool("satisfied", res.Satisfied))
	o.log.Info("layer done",
		zap.String("task", task.ID),
		zap.Int("layer", layer),
		zap.Int("candidates", len(res.Entries)),
		zap.Float64("best", best),
		zap.Bool("perfect", res.Perfect))
	return res, nil
}

func (o *Orchestrator) runSlot(ctx context.Context, task hdl.Task, slot hdl.Slot, layer int, seeds []generate.Seed) slotResult {
	ctx, span := o.tracer.Start(ctx, "slot", trace.WithAttributes(
		attribute.Int("slot", slot.Index), attribute.String("path", string(slot.Path)), attribute.String("model", slot.Model)))
	defer span.End()

	cand, err := o.gen.Generate(ctx, task, slot, generate.Context{Layer: layer, Seeds: seeds})
	if err != nil {
		o.log.Warn("slot generation failed",
			zap.String("task", task.ID), zap.Int("layer", layer), zap.Int("slot", slot.Index), zap.Error(err))
		span.RecordError(err)
		return slotResult{
			cand:    hdl.Candidate{TaskID: task.ID, Layer: layer, Slot: slot.Index, Path: slot.Path, Model: slot.Model},
			verdict: FailedGeneration(err),
		}
	}
	cand.Layer, cand.Slot = layer, slot.Index
	verdict := o.ver.Verify(ctx, task, cand.Source)
	span.SetAttributes(attribute.Float64("score", verdict.Score), attribute.String("classification", string(verdict.Class)))
	r := slotResult{cand: cand, verdict: verdict}
	if o.refiner != nil && verdict.Score < 1.0 {
		out := o.refiner.Run(ctx, task, slot, cand, verdict)
		r.outcome = &out
	}
	return r
}

// FailedGeneration is the verdict recorded for a slot whose generation failed.
func FailedGeneration(err error) hdl.Verdict {
	return hdl.Verdict{Score: 0, Class: hdl.ClassSyntax, Detail: "generation failed: " + err.Error()}
}

// Seeds turns selected entries into read-only context for the next layer.
func Seeds(entries []cache.Entry) []generate.Seed {
	seeds := make([]generate.Seed, 0, len(entries))
	for _, e := range entries {
		if e.Candidate.Source == "" {
			continue
		}
		seeds = append(seeds, generate.Seed{
			Source:           e.Candidate.Source,
			Score:            e.BestScore(),
			Path:             e.Candidate.Path,
			Intermediate:     e.Candidate.Intermediate,
			IntermediateLang: e.Candidate.IntermediateLang,
		})
	}
	return seeds
}
