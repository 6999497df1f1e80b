package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalnine/moahdl/internal/cache"
	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/generate"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/layer"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/result"
	"github.com/signalnine/moahdl/internal/runner"
	"github.com/signalnine/moahdl/internal/verify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Options carries the driver's collaborators. Everything is optional: a nil
// Store keeps caches in memory only and an empty RunDir writes no files.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Store   cache.Store
	RunDir  string
}

// Driver runs the layered pipeline over tasks.
type Driver struct {
	plan    *config.Plan
	gen     generate.Generator
	ver     verify.Verifier
	layers  *layer.Orchestrator
	store   cache.Store
	runDir  string
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New validates cfg and builds a driver. An invalid configuration returns a
// *config.ConfigurationError before anything is generated.
func New(cfg *config.Config, gen generate.Generator, ver verify.Verifier, opts Options) (*Driver, error) {
	plan, err := cfg.Plan()
	if err != nil {
		return nil, err
	}
	return NewFromPlan(plan, gen, ver, opts)
}

// NewFromPlan builds a driver from an already validated plan.
func NewFromPlan(plan *config.Plan, gen generate.Generator, ver verify.Verifier, opts Options) (*Driver, error) {
	if gen == nil || ver == nil {
		return nil, errors.New("pipeline needs a generator and a verifier")
	}
	if _, off := plan.Refinement.(config.RefineOff); !off {
		if _, ranked := plan.Selection.(config.Ranked); !ranked {
			return nil, &config.ConfigurationError{Field: "pipeline.self_refine", Reason: "self-refinement requires quality caching"}
		}
	}
	d := &Driver{
		plan:    plan,
		gen:     gen,
		ver:     ver,
		store:   opts.Store,
		runDir:  opts.RunDir,
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	d.layers = layer.New(plan, gen, ver, layer.Options{Logger: d.log, Metrics: d.metrics, Tracer: d.tracer})
	return d, nil
}

func (d *Driver) Plan() *config.Plan { return d.plan }

// Run executes every task for every trial, at most TaskParallel at a time.
// Summaries come back trial-major in task order. A task that fails does not
// stop the others; its summary carries the error.
func (d *Driver) Run(ctx context.Context, tasks []hdl.Task) []*result.Summary {
	trials := max(d.plan.Trials, 1)
	n := trials * len(tasks)
	return runner.RunOrdered(ctx, d.plan.TaskParallel, n, func(ctx context.Context, i int) *result.Summary {
		return d.RunTask(ctx, tasks[i%len(tasks)], i/len(tasks)+1)
	})
}

// RunTask runs one trial of one task and writes its final HDL and summary
// when the driver has a run directory.
func (d *Driver) RunTask(ctx context.Context, task hdl.Task, trial int) *result.Summary {
	ctx, span := d.tracer.Start(ctx, "task", trace.WithAttributes(
		attribute.String("task", task.ID), attribute.Int("trial", trial)))
	defer span.End()

	start := time.Now()
	s := &result.Summary{Task: task.ID, Trial: trial, Dialect: task.Dialect, Usage: map[string]hdl.Usage{}}
	var (
		final hdl.Candidate
		err   error
	)
	if d.plan.Layers == 0 {
		final, err = d.runDirect(ctx, task, s)
	} else {
		final, err = d.runLayers(ctx, task, trial, s)
	}
	if err == nil && d.runDir != "" && final.Source != "" {
		_, err = result.WriteFinalHDL(d.runDir, trial, task, final.Source)
	}
	if err != nil {
		s.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.DurationMS = time.Since(start).Milliseconds()

	if d.runDir != "" {
		if werr := result.WriteSummary(d.runDir, s); werr != nil {
			d.log.Warn("writing summary", zap.String("task", task.ID), zap.Int("trial", trial), zap.Error(werr))
		}
	}
	outcome := "fail"
	switch {
	case s.Failed():
		outcome = "error"
	case s.Pass:
		outcome = "pass"
	}
	if d.metrics != nil {
		d.metrics.Tasks.WithLabelValues(outcome).Inc()
	}
	span.SetAttributes(attribute.Float64("score", s.Score), attribute.String("outcome", outcome))
	d.log.Info("task done",
		zap.String("task", task.ID),
		zap.Int("trial", trial),
		zap.String("outcome", outcome),
		zap.Float64("score", s.Score),
		zap.Int("layers", s.LayersConsumed),
		zap.Int("refine_attempts", s.RefineAttempts),
		zap.String("error", s.Error))
	return s
}

// runDirect is the zero-layer pipeline: one generation, one verification,
// no cache and no refinement.
func (d *Driver) runDirect(ctx context.Context, task hdl.Task, s *result.Summary) (hdl.Candidate, error) {
	cand, verdict, err := d.direct(ctx, task)
	if err != nil {
		return hdl.Candidate{}, err
	}
	s.Candidates = 1
	addUsage(s.Usage, cand)
	finish(s, cand, verdict)
	return cand, nil
}

// direct generates and verifies the plan's direct slot. A GenerationError
// becomes a zero-score verdict rather than an error.
func (d *Driver) direct(ctx context.Context, task hdl.Task) (hdl.Candidate, hdl.Verdict, error) {
	slot := d.plan.Assignment.Direct()
	cand, err := d.gen.Generate(ctx, task, slot, generate.Context{})
	if err != nil {
		var genErr *generate.GenerationError
		if !errors.As(err, &genErr) {
			return hdl.Candidate{}, hdl.Verdict{}, fmt.Errorf("generating %s: %w", task.ID, err)
		}
		d.log.Warn("direct generation failed", zap.String("task", task.ID), zap.Error(err))
		return hdl.Candidate{TaskID: task.ID, Path: slot.Path, Model: slot.Model}, layer.FailedGeneration(err), nil
	}
	return cand, d.ver.Verify(ctx, task, cand.Source), nil
}

// prescreen tries the direct slot once. It reports whether the result
// passed, in which case it is the task's final design.
func (d *Driver) prescreen(ctx context.Context, task hdl.Task, s *result.Summary) (hdl.Candidate, bool, error) {
	cand, verdict, err := d.direct(ctx, task)
	if err != nil {
		return hdl.Candidate{}, false, err
	}
	s.Candidates++
	addUsage(s.Usage, cand)
	outcome := "fail"
	if verdict.Perfect() {
		outcome = "pass"
		s.Prescreened = true
		finish(s, cand, verdict)
	}
	if d.metrics != nil {
		d.metrics.Prescreens.WithLabelValues(outcome).Inc()
	}
	d.log.Debug("prescreen", zap.String("task", task.ID), zap.String("outcome", outcome), zap.Float64("score", verdict.Score))
	return cand, verdict.Perfect(), nil
}

func (d *Driver) runLayers(ctx context.Context, task hdl.Task, trial int, s *result.Summary) (hdl.Candidate, error) {
	if d.plan.Prescreen {
		cand, passed, err := d.prescreen(ctx, task, s)
		if err != nil {
			return hdl.Candidate{}, err
		}
		if passed {
			return cand, nil
		}
	}
	c := cache.New(task.ID, trial)
	var (
		seeds []generate.Seed
		last  = -1
	)
	for l := 0; l < d.plan.Layers; l++ {
		if err := ctx.Err(); err != nil {
			if last < 0 {
				return hdl.Candidate{}, err
			}
			d.log.Warn("task cancelled", zap.String("task", task.ID), zap.Int("layer", l), zap.Error(err))
			break
		}
		res, err := d.layers.Run(ctx, task, c, l, seeds)
		if err != nil {
			return hdl.Candidate{}, err
		}
		last = l
		s.LayersConsumed = l + 1
		if err := c.Flush(ctx, d.store); err != nil {
			d.log.Warn("persisting cache", zap.String("task", task.ID), zap.Int("layer", l), zap.Error(err))
		}
		if res.Satisfied {
			if l < d.plan.Layers-1 {
				s.EarlyStopped = true
				if d.metrics != nil {
					d.metrics.EarlyStops.Inc()
				}
				d.log.Info("early stop", zap.String("task", task.ID), zap.Int("layer", l))
			}
			break
		}
		seeds = layer.Seeds(res.Selected)
	}

	top := c.SelectTopK(last, 1)
	if len(top) == 0 {
		return hdl.Candidate{}, fmt.Errorf("layer %d of %s recorded no candidates", last, task.ID)
	}
	entries := c.Entries()
	s.Candidates += len(entries)
	for _, e := range entries {
		s.RefineAttempts += e.RefineCalls
		if e.Refinement == nil {
			addUsage(s.Usage, e.Candidate)
			continue
		}
		addUsage(s.Usage, e.Refinement.Original)
		for _, a := range e.Refinement.Attempts {
			addUsage(s.Usage, a.Candidate)
		}
	}
	best := top[0]
	finish(s, best.Candidate, best.Verdict)
	s.FinalLayer = best.Layer
	return best.Candidate, nil
}

func finish(s *result.Summary, cand hdl.Candidate, v hdl.Verdict) {
	s.Score = v.Score
	s.Classification = v.Class
	s.Detail = v.Detail
	s.Pass = v.Perfect()
	s.FinalPath = cand.Path
	s.FinalModel = cand.Model
}

func addUsage(usage map[string]hdl.Usage, cand hdl.Candidate) {
	if cand.Model == "" || cand.Usage == (hdl.Usage{}) {
		return
	}
	usage[cand.Model] = usage[cand.Model].Add(cand.Usage)
}
