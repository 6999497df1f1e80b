package verify_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/runner"
	"github.com/signalnine/moahdl/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedRunner answers each verifier step from a fixed script.
type scriptedRunner struct {
	mu      sync.Mutex
	syntax  *verify.ExecResult
	compile *verify.ExecResult
	sim     *verify.ExecResult
	err     error
	calls   []verify.Command
}

func (r *scriptedRunner) Run(_ context.Context, cmd verify.Command) (*verify.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if r.err != nil {
		return nil, r.err
	}
	switch {
	case cmd.Argv[0] == "vvp":
		return r.sim, nil
	case cmd.Argv[3] == "syntax.out":
		return r.syntax, nil
	default:
		return r.compile, nil
	}
}

var ok = &verify.ExecResult{}

func rtllmTask(t *testing.T) hdl.Task {
	t.Helper()
	dir := t.TempDir()
	tb := filepath.Join(dir, "testbench.v")
	require.NoError(t, os.WriteFile(tb, []byte("module tb; endmodule\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reference.dat"), []byte("01\n"), 0o644))
	return hdl.Task{ID: "adder_8bit", Testbench: tb, Dialect: hdl.DialectRTLLM}
}

func TestIcarusVerdicts(t *testing.T) {
	src := cleanCounter
	tests := []struct {
		name   string
		runner *scriptedRunner
		want   hdl.Verdict
	}{
		{
			name:   "pass",
			runner: &scriptedRunner{syntax: ok, compile: ok, sim: &verify.ExecResult{Stdout: "Your Design Passed\n"}},
			want:   hdl.Verdict{Score: 1.0, Class: hdl.ClassNone},
		},
		{
			name:   "syntax",
			runner: &scriptedRunner{syntax: &verify.ExecResult{ExitCode: 1, Stderr: "design.v:4: syntax error\n"}},
			want:   hdl.Verdict{Score: 0, Class: hdl.ClassSyntax, Detail: "- Line 4: syntax error"},
		},
		{
			name: "compilation",
			runner: &scriptedRunner{syntax: ok, compile: &verify.ExecResult{
				ExitCode: 2, Stderr: "tb_testbench.v:12: error: Unknown module type: adder_8bit\n",
			}},
			want: hdl.Verdict{Score: 0, Class: hdl.ClassCompilation, Detail: "- Line 12: Unknown module type: adder_8bit"},
		},
		{
			name:   "simulation failure",
			runner: &scriptedRunner{syntax: ok, compile: ok, sim: &verify.ExecResult{Stdout: "Error: expected 3 got 4\n"}},
			want:   hdl.Verdict{Score: 0.85, Class: hdl.ClassSimulation, Detail: "Error: expected 3 got 4"},
		},
		{
			name:   "simulation timeout",
			runner: &scriptedRunner{syntax: ok, compile: ok, sim: &verify.ExecResult{TimedOut: true, ExitCode: 124}},
			want:   hdl.Verdict{Score: 0, Class: hdl.ClassSimulation, Detail: verify.DetailTimeout},
		},
		{
			name:   "compile timeout",
			runner: &scriptedRunner{syntax: &verify.ExecResult{TimedOut: true}},
			want:   hdl.Verdict{Score: 0, Class: hdl.ClassSimulation, Detail: verify.DetailTimeout},
		},
		{
			name:   "launch failure",
			runner: &scriptedRunner{err: exec.ErrNotFound},
			want:   hdl.Verdict{Score: 0, Class: hdl.ClassSimulation, Detail: verify.DetailUnavailable},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := verify.NewIcarus(tt.runner, verify.Options{Logger: zaptest.NewLogger(t)})
			got := v.Verify(context.Background(), rtllmTask(t), src)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIcarusCheckSurfacesVerificationError(t *testing.T) {
	v := verify.NewIcarus(&scriptedRunner{err: exec.ErrNotFound}, verify.Options{})
	_, err := v.Check(context.Background(), rtllmTask(t), cleanCounter)
	var verr *verify.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "syntax", verr.Step)
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestIcarusNoTestbench(t *testing.T) {
	r := &scriptedRunner{syntax: ok}
	v := verify.NewIcarus(r, verify.Options{})
	got := v.Verify(context.Background(), hdl.Task{ID: "x", Dialect: hdl.DialectRTLLM}, cleanCounter)
	assert.Equal(t, verify.DetailUnavailable, got.Detail)
	assert.Empty(t, r.calls)
}

func TestIcarusCommandLines(t *testing.T) {
	dir := t.TempDir()
	tb := filepath.Join(dir, "Prob001_zero_test.sv")
	ref := filepath.Join(dir, "Prob001_zero_ref.sv")
	require.NoError(t, os.WriteFile(tb, []byte("module tb; endmodule\n"), 0o644))
	require.NoError(t, os.WriteFile(ref, []byte("module RefModule; endmodule\n"), 0o644))
	task := hdl.Task{ID: "Prob001_zero", Testbench: tb, Reference: ref, Dialect: hdl.DialectVerilogEval}

	r := &scriptedRunner{syntax: ok, compile: ok, sim: &verify.ExecResult{Stdout: "Mismatches: 0 in 20 samples\n"}}
	v := verify.NewIcarus(r, verify.Options{
		Iverilog:          "/opt/iverilog/bin/iverilog",
		CompileTimeout:    3 * time.Second,
		SimulationTimeout: 7 * time.Second,
		Limiter:           runner.NewLimiter(1),
	})
	got := v.Verify(context.Background(), task, "module TopModule(output zero); assign zero = 0; endmodule")
	assert.True(t, got.Perfect())

	require.Len(t, r.calls, 3)
	assert.Equal(t, []string{"/opt/iverilog/bin/iverilog", "-g2012", "-o", "syntax.out", "design.sv"}, r.calls[0].Argv)
	assert.Equal(t, []string{"/opt/iverilog/bin/iverilog", "-g2012", "-o", "sim.out", "tb_Prob001_zero_test.sv", "design.sv", "ref_Prob001_zero_ref.sv"}, r.calls[1].Argv)
	assert.Equal(t, []string{"vvp", "sim.out"}, r.calls[2].Argv)
	assert.Equal(t, 3*time.Second, r.calls[1].Timeout)
	assert.Equal(t, 7*time.Second, r.calls[2].Timeout)
	assert.Equal(t, r.calls[0].Dir, r.calls[2].Dir)
	_, err := os.Stat(r.calls[0].Dir)
	assert.True(t, os.IsNotExist(err), "scratch dir should be removed")
}

func TestIcarusMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &scriptedRunner{syntax: &verify.ExecResult{ExitCode: 1, Stderr: "x.v:1: syntax error"}}
	v := verify.NewIcarus(r, verify.Options{Metrics: m})
	v.Verify(context.Background(), rtllmTask(t), "module")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("syntax")))
}

// countingVerifier returns a fixed verdict and counts calls.
type countingVerifier struct {
	calls   atomic.Int32
	verdict hdl.Verdict
	delay   time.Duration
}

func (c *countingVerifier) Verify(context.Context, hdl.Task, string) hdl.Verdict {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.verdict
}

func TestMemoIdempotent(t *testing.T) {
	inner := &countingVerifier{verdict: hdl.Verdict{Score: 0.6, Class: hdl.ClassSimulation, Detail: "FAIL"}, delay: 10 * time.Millisecond}
	memo := verify.NewMemo(inner)
	task := hdl.Task{ID: "t"}

	var wg sync.WaitGroup
	verdicts := make([]hdl.Verdict, 8)
	for i := range verdicts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i] = memo.Verify(context.Background(), task, "module a; endmodule")
		}()
	}
	wg.Wait()
	for _, v := range verdicts {
		assert.Equal(t, inner.verdict, v)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	memo.Verify(context.Background(), task, "module b; endmodule")
	memo.Verify(context.Background(), hdl.Task{ID: "other"}, "module a; endmodule")
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, 3, memo.Len())
}

func TestMemoSkipsUnavailable(t *testing.T) {
	inner := &countingVerifier{verdict: hdl.Verdict{Class: hdl.ClassSimulation, Detail: verify.DetailUnavailable}}
	memo := verify.NewMemo(inner)
	memo.Verify(context.Background(), hdl.Task{ID: "t"}, "x")
	memo.Verify(context.Background(), hdl.Task{ID: "t"}, "x")
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Zero(t, memo.Len())
}

func TestKey(t *testing.T) {
	a := verify.Key(hdl.Task{ID: "t"}, "src")
	assert.Len(t, a, 64)
	assert.Equal(t, a, verify.Key(hdl.Task{ID: "t"}, "src"))
	assert.NotEqual(t, a, verify.Key(hdl.Task{ID: "t2"}, "src"))
}

func TestLocalRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	res, err := verify.LocalRunner{}.Run(context.Background(), verify.Command{
		Argv: []string{"sh", "-c", "pwd; echo oops >&2; exit 3"},
		Dir:  dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "oops", strings.TrimSpace(res.Stderr))
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	assert.Equal(t, want, got)
}

func TestLocalRunnerTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	res, err := verify.LocalRunner{}.Run(context.Background(), verify.Command{
		Argv:    []string{"sleep", "5"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
}

func TestLocalRunnerMissingBinary(t *testing.T) {
	_, err := verify.LocalRunner{}.Run(context.Background(), verify.Command{Argv: []string{"definitely-not-iverilog-xyz"}})
	assert.Error(t, err)
}

func TestIcarusIntegration(t *testing.T) {
	if _, err := exec.LookPath("iverilog"); err != nil {
		t.Skip("iverilog not installed")
	}
	dir := t.TempDir()
	tb := filepath.Join(dir, "testbench.v")
	require.NoError(t, os.WriteFile(tb, []byte(`module tb;
  reg a, b; wire y;
  and_gate dut(.a(a), .b(b), .y(y));
  initial begin
    a = 1; b = 1; #1;
    if (y !== 1) $display("FAIL"); else $display("Your Design Passed");
    $finish;
  end
endmodule
`), 0o644))
	task := hdl.Task{ID: "and_gate", Testbench: tb, Dialect: hdl.DialectRTLLM}
	v := verify.NewIcarus(verify.LocalRunner{}, verify.Options{CompileTimeout: 10 * time.Second, SimulationTimeout: 10 * time.Second})

	good := v.Verify(context.Background(), task, "module and_gate(input a, input b, output y);\n  assign y = a & b;\nendmodule\n")
	assert.True(t, good.Perfect(), "%+v", good)

	bad := v.Verify(context.Background(), task, "module and_gate(input a, input b, output y);\n  assign y = a | ;\nendmodule\n")
	assert.Equal(t, hdl.ClassSyntax, bad.Class)

	wrong := v.Verify(context.Background(), task, "module and_gate(input a, input b, output y);\n  assign y = 0;\nendmodule\n")
	assert.Equal(t, hdl.ClassSimulation, wrong.Class)
	assert.GreaterOrEqual(t, wrong.Score, 0.45)
	assert.LessOrEqual(t, wrong.Score, 0.85)
}
