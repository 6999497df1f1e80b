package pricing_test

import (
	"path/filepath"
	"testing"

	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPricing(t *testing.T) {
	table, err := pricing.Load(filepath.Join("..", "..", "testdata", "pricing.yaml"))
	require.NoError(t, err)

	cost := table.Cost("gemini", "gemini-2.5-flash", hdl.Usage{InputTokens: 2000, OutputTokens: 1000})
	assert.InDelta(t, 0.0031, cost, 1e-9)
	assert.True(t, table.Known("openai", "gpt-4o-mini"))
	assert.True(t, table.Known("ollama", "qwen2.5-coder"))
	assert.False(t, table.Known("openai", "gpt-4o"))
	assert.False(t, table.Known("anthropic", "claude"))
	assert.Zero(t, table.Cost("ollama", "qwen2.5-coder", hdl.Usage{InputTokens: 5000}))
}

func TestCostUnknownModel(t *testing.T) {
	var table *pricing.Table
	assert.False(t, table.Known("openai", "gpt-4o-mini"))
	assert.Zero(t, table.Cost("unknown", "unknown", hdl.Usage{InputTokens: 1000, OutputTokens: 500}))
	assert.Zero(t, (&pricing.Table{}).Cost("openai", "gpt-4o", hdl.Usage{InputTokens: 1000}))
}

func TestLoadMissing(t *testing.T) {
	_, err := pricing.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading pricing file")
}
