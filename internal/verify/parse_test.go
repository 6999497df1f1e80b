package verify_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/verify"
	"github.com/stretchr/testify/assert"
)

func TestParseCompileErrors(t *testing.T) {
	out := "design.v:3: syntax error\n" +
		"design.v:7: error: Unknown module type: adder\n" +
		"2 error(s) during elaboration.\n"
	got := verify.ParseCompileErrors(out)
	want := []verify.CompileError{
		{Line: 3, Message: "syntax error"},
		{Line: 7, Message: "Unknown module type: adder"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseCompileErrors mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCompileErrorsFallback(t *testing.T) {
	got := verify.ParseCompileErrors("  I give up.  \n")
	assert.Equal(t, []verify.CompileError{{Message: "I give up."}}, got)
	assert.Empty(t, verify.ParseCompileErrors(""))
}

func TestFormatErrors(t *testing.T) {
	errs := []verify.CompileError{{Line: 3, Message: "a"}, {Message: "b"}, {Line: 9, Message: "c"}}
	assert.Equal(t, "- Line 3: a\n- b\n- Line 9: c", verify.FormatErrors(errs, 10))
	assert.Equal(t, "- Line 3: a\n- b\n... and 1 more", verify.FormatErrors(errs, 2))
}

func TestSimulationPassed(t *testing.T) {
	tests := []struct {
		name           string
		dialect        hdl.Dialect
		stdout, stderr string
		want           bool
	}{
		{"verilogeval clean", hdl.DialectVerilogEval, "Hint: Total mismatched samples is 0 out of 200 samples\nMismatches: 0 in 200 samples\n", "", true},
		{"verilogeval mismatches", hdl.DialectVerilogEval, "Mismatches: 12 in 200 samples\n", "", false},
		{"verilogeval lowercase", hdl.DialectVerilogEval, "mismatches: 3\n", "", false},
		{"rtllm passed", hdl.DialectRTLLM, "===========Your Design Passed===========\n", "", true},
		{"rtllm failed", hdl.DialectRTLLM, "===========Test completed with 2 /100 failures===========\n", "", false},
		{"rtllm error", hdl.DialectRTLLM, "Error at time 40\n", "", false},
		{"stderr assertion", hdl.DialectRTLLM, "", "Assertion violated", false},
		{"silent clean", hdl.DialectRTLLM, "", "", true},
		{"silent stderr", hdl.DialectRTLLM, "", "VCD warning", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verify.SimulationPassed(tt.dialect, tt.stdout, tt.stderr))
		})
	}
}

func TestSimulationErrors(t *testing.T) {
	out := "tick 1\nMismatch at 20: expected 1 got 0\ntick 2\nFAIL\n"
	assert.Equal(t, "Mismatch at 20: expected 1 got 0\nFAIL", verify.SimulationErrors(out, "", 10))
	assert.Equal(t, "simulation failed without specific error", verify.SimulationErrors("ok", "", 10))

	many := strings.Repeat("error\n", 5)
	assert.Equal(t, "error\nerror\n... and 3 more", verify.SimulationErrors(many, "", 2))
}
