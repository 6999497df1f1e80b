package verify

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/runner"
	"go.uber.org/zap"
)

const (
	DetailTimeout     = "timeout"
	DetailUnavailable = "verifier unavailable"

	maxReportedErrors = 10
)

// Verifier scores HDL source against a task's testbench. Verify never fails:
// every outcome, including infrastructure trouble, is a Verdict.
type Verifier interface {
	Verify(ctx context.Context, task hdl.Task, source string) hdl.Verdict
}

// VerificationError means the verifier itself could not run.
type VerificationError struct {
	Step string
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verifier %s: %v", e.Step, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

type Options struct {
	Iverilog          string
	Vvp               string
	CompileTimeout    time.Duration
	SimulationTimeout time.Duration
	Limiter           *runner.Limiter
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

// Icarus verifies with iverilog and vvp in three steps: a standalone syntax
// check, elaboration with the testbench, and simulation.
type Icarus struct {
	runner Runner
	opts   Options
	log    *zap.Logger
}

func NewIcarus(r Runner, opts Options) *Icarus {
	if opts.Iverilog == "" {
		opts.Iverilog = "iverilog"
	}
	if opts.Vvp == "" {
		opts.Vvp = "vvp"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Icarus{runner: r, opts: opts, log: log}
}

func (v *Icarus) Verify(ctx context.Context, task hdl.Task, source string) hdl.Verdict {
	start := time.Now()
	verdict, err := v.Check(ctx, task, source)
	if err != nil {
		v.log.Warn("verification unavailable", zap.String("task", task.ID), zap.Error(err))
		verdict = hdl.Verdict{Score: 0, Class: hdl.ClassSimulation, Detail: DetailUnavailable}
	}
	if v.opts.Metrics != nil {
		v.opts.Metrics.ObserveVerify(string(verdict.Class), time.Since(start))
	}
	return verdict
}

// Check is Verify with infrastructure failures surfaced as *VerificationError.
func (v *Icarus) Check(ctx context.Context, task hdl.Task, source string) (hdl.Verdict, error) {
	if task.Testbench == "" {
		return hdl.Verdict{}, &VerificationError{Step: "setup", Err: fmt.Errorf("task %s has no testbench", task.ID)}
	}
	dir, err := os.MkdirTemp("", "moahdl-verify-*")
	if err != nil {
		return hdl.Verdict{}, &VerificationError{Step: "setup", Err: err}
	}
	defer os.RemoveAll(dir)

	design := "design" + task.Dialect.Ext()
	if err := os.WriteFile(filepath.Join(dir, design), []byte(source), 0o644); err != nil {
		return hdl.Verdict{}, &VerificationError{Step: "setup", Err: err}
	}
	tb, ref, err := stageTestbench(dir, task)
	if err != nil {
		return hdl.Verdict{}, &VerificationError{Step: "setup", Err: err}
	}

	res, err := v.exec(ctx, Command{
		Argv:    []string{v.opts.Iverilog, "-g2012", "-o", "syntax.out", design},
		Dir:     dir,
		Timeout: v.opts.CompileTimeout,
	})
	if err != nil {
		return hdl.Verdict{}, &VerificationError{Step: "syntax", Err: err}
	}
	if res.TimedOut {
		return timeoutVerdict(), nil
	}
	if res.ExitCode != 0 {
		return hdl.Verdict{Score: 0, Class: hdl.ClassSyntax, Detail: compileDetail(res)}, nil
	}

	argv := []string{v.opts.Iverilog, "-g2012", "-o", "sim.out", tb, design}
	if ref != "" {
		argv = append(argv, ref)
	}
	res, err = v.exec(ctx, Command{Argv: argv, Dir: dir, Timeout: v.opts.CompileTimeout})
	if err != nil {
		return hdl.Verdict{}, &VerificationError{Step: "compile", Err: err}
	}
	if res.TimedOut {
		return timeoutVerdict(), nil
	}
	if res.ExitCode != 0 {
		return hdl.Verdict{Score: 0, Class: hdl.ClassCompilation, Detail: compileDetail(res)}, nil
	}

	res, err = v.exec(ctx, Command{Argv: []string{v.opts.Vvp, "sim.out"}, Dir: dir, Timeout: v.opts.SimulationTimeout})
	if err != nil {
		return hdl.Verdict{}, &VerificationError{Step: "simulate", Err: err}
	}
	if res.TimedOut {
		return timeoutVerdict(), nil
	}
	if res.ExitCode == 0 && SimulationPassed(task.Dialect, res.Stdout, res.Stderr) {
		return hdl.Verdict{Score: 1.0, Class: hdl.ClassNone}, nil
	}
	return hdl.Verdict{
		Score:  SeverityScore(source),
		Class:  hdl.ClassSimulation,
		Detail: SimulationErrors(res.Stdout, res.Stderr, maxReportedErrors),
	}, nil
}

func (v *Icarus) exec(ctx context.Context, cmd Command) (*ExecResult, error) {
	var res *ExecResult
	err := v.opts.Limiter.Do(ctx, func() error {
		var err error
		res, err = v.runner.Run(ctx, cmd)
		return err
	})
	if err == nil {
		v.log.Debug("verifier step",
			zap.String("tool", filepath.Base(cmd.Argv[0])),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("duration", res.Duration))
	}
	return res, err
}

func timeoutVerdict() hdl.Verdict {
	return hdl.Verdict{Score: 0, Class: hdl.ClassSimulation, Detail: DetailTimeout}
}

func compileDetail(res *ExecResult) string {
	return FormatErrors(ParseCompileErrors(res.Stderr+res.Stdout), maxReportedErrors)
}

// stageTestbench copies the testbench, the optional reference model and, for
// RTLLM tasks, the testbench's sibling data files into dir. It returns the
// staged file names.
func stageTestbench(dir string, task hdl.Task) (string, string, error) {
	tb := "tb_" + filepath.Base(task.Testbench)
	if err := copyFile(task.Testbench, filepath.Join(dir, tb)); err != nil {
		return "", "", fmt.Errorf("staging testbench: %w", err)
	}
	var ref string
	if task.Reference != "" {
		ref = "ref_" + filepath.Base(task.Reference)
		if err := copyFile(task.Reference, filepath.Join(dir, ref)); err != nil {
			return "", "", fmt.Errorf("staging reference: %w", err)
		}
	}
	if task.Dialect == hdl.DialectRTLLM {
		entries, err := os.ReadDir(filepath.Dir(task.Testbench))
		if err != nil {
			return "", "", fmt.Errorf("reading testbench dir: %w", err)
		}
		for _, e := range entries {
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".dat", ".txt", ".hex", ".mem":
			default:
				continue
			}
			if e.Type().IsRegular() {
				if err := copyFile(filepath.Join(filepath.Dir(task.Testbench), e.Name()), filepath.Join(dir, e.Name())); err != nil {
					return "", "", err
				}
			}
		}
	}
	return tb, ref, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
