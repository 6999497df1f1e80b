package refine

import (
	"context"

	"github.com/signalnine/moahdl/internal/generate"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/verify"
	"go.uber.org/zap"
)

// Reason is why a refinement loop reached done.
type Reason string

const (
	ReasonPerfect         Reason = "perfect"
	ReasonBudget          Reason = "budget"
	ReasonStagnation      Reason = "stagnation"
	ReasonGenerationError Reason = "generation-error"
)

// Attempt is one verified refinement of a candidate. Index starts at 1.
type Attempt struct {
	Index     int           `json:"index"`
	Candidate hdl.Candidate `json:"candidate"`
	Verdict   hdl.Verdict   `json:"verdict"`
}

// Record is the lineage of one refined candidate. Attempts holds only
// verified attempts; Calls counts every generator invocation, including a
// failed or stagnant final one.
type Record struct {
	Original        hdl.Candidate `json:"original"`
	OriginalVerdict hdl.Verdict   `json:"original_verdict"`
	Attempts        []Attempt     `json:"attempts"`
	Reason          Reason        `json:"reason"`
	Calls           int           `json:"calls"`
	Error           string        `json:"error,omitempty"`
}

// Outcome is the result of running a candidate through the loop. Record is
// nil when the loop never left its initial state.
type Outcome struct {
	Record      *Record
	Best        hdl.Candidate
	BestVerdict hdl.Verdict
}

// Loop repairs imperfect candidates by feeding verifier diagnostics back to
// the generator.
type Loop struct {
	gen     generate.Generator
	ver     verify.Verifier
	max     int
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(gen generate.Generator, ver verify.Verifier, maxAttempts int, logger *zap.Logger, m *metrics.Metrics) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{gen: gen, ver: ver, max: maxAttempts, log: logger, metrics: m}
}

// Run refines cand until it passes, the attempt budget is spent, the
// generator repeats itself, or the generator fails. Feedback always comes
// from the latest attempt; the best result only changes on a strictly
// higher score.
func (l *Loop) Run(ctx context.Context, task hdl.Task, slot hdl.Slot, cand hdl.Candidate, verdict hdl.Verdict) Outcome {
	out := Outcome{Best: cand, BestVerdict: verdict}
	if verdict.Score >= 1.0 || l.max <= 0 {
		return out
	}

	rec := &Record{Original: cand, OriginalVerdict: verdict}
	latest, latestVerdict := cand, verdict
	for i := 1; i <= l.max; i++ {
		fb := &generate.Feedback{Prior: latest, Verdict: latestVerdict, Attempt: i, MaxAttempts: l.max}
		next, err := l.gen.Generate(ctx, task, slot, generate.Context{Layer: cand.Layer, Feedback: fb})
		rec.Calls++
		if l.metrics != nil {
			l.metrics.RefineAttempts.Inc()
		}
		if err != nil {
			rec.Reason = ReasonGenerationError
			rec.Error = err.Error()
			l.log.Warn("refinement generation failed",
				zap.String("task", task.ID), zap.Int("slot", slot.Index), zap.Int("attempt", i), zap.Error(err))
			break
		}
		if next.Source == latest.Source {
			rec.Reason = ReasonStagnation
			break
		}
		v := l.ver.Verify(ctx, task, next.Source)
		rec.Attempts = append(rec.Attempts, Attempt{Index: i, Candidate: next, Verdict: v})
		l.log.Debug("refinement attempt",
			zap.String("task", task.ID),
			zap.Int("slot", slot.Index),
			zap.Int("attempt", i),
			zap.Float64("score", v.Score),
			zap.String("classification", string(v.Class)))
		if v.Score > out.BestVerdict.Score {
			out.Best, out.BestVerdict = next, v
		}
		latest, latestVerdict = next, v
		if v.Score >= 1.0 {
			rec.Reason = ReasonPerfect
			break
		}
	}
	if rec.Reason == "" {
		rec.Reason = ReasonBudget
	}
	if l.metrics != nil {
		l.metrics.Refinements.WithLabelValues(string(rec.Reason)).Inc()
	}
	out.Record = rec
	return out
}
