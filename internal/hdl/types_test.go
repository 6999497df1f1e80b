package hdl_test

import (
	"testing"

	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect(t *testing.T) {
	assert.Equal(t, ".v", hdl.DialectRTLLM.Ext())
	assert.Equal(t, ".sv", hdl.DialectVerilogEval.Ext())
	assert.Equal(t, "SystemVerilog", hdl.DialectVerilogEval.Language())

	d, err := hdl.ParseDialect("verilogeval")
	require.NoError(t, err)
	assert.Equal(t, hdl.DialectVerilogEval, d)

	_, err = hdl.ParseDialect("vhdl")
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	for _, s := range []string{"direct", "cpp", "python"} {
		p, err := hdl.ParsePath(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(p))
	}
	_, err := hdl.ParsePath("rust")
	assert.Error(t, err)
	assert.False(t, hdl.PathDirect.Intermediate())
	assert.True(t, hdl.PathCPP.Intermediate())
}

func TestCandidateOrigin(t *testing.T) {
	assert.Equal(t, "cpp", hdl.Candidate{Path: hdl.PathCPP, Model: "m"}.Origin())
	assert.Equal(t, "qwen", hdl.Candidate{Path: hdl.PathDirect, Model: "qwen"}.Origin())
	assert.Equal(t, "direct", hdl.Candidate{}.Origin())
}

func TestVerdictPerfect(t *testing.T) {
	assert.True(t, hdl.Verdict{Score: 1, Class: hdl.ClassNone}.Perfect())
	assert.False(t, hdl.Verdict{Score: 1, Class: hdl.ClassSimulation}.Perfect())
	assert.False(t, hdl.Verdict{Score: 0.85, Class: hdl.ClassNone}.Perfect())
}

func TestTaskTopModule(t *testing.T) {
	assert.Equal(t, "TopModule", hdl.Task{Dialect: hdl.DialectVerilogEval}.TopModule())
	assert.Empty(t, hdl.Task{Dialect: hdl.DialectRTLLM}.TopModule())
}
