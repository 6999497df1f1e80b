package cache_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalnine/moahdl/internal/cache"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/refine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func cand(slot int, src string) hdl.Candidate {
	return hdl.Candidate{TaskID: "t1", Slot: slot, Path: hdl.PathDirect, Model: "gpt", Source: src}
}

func verdict(score float64) hdl.Verdict {
	if score >= 1.0 {
		return hdl.Verdict{Score: 1.0, Class: hdl.ClassNone}
	}
	return hdl.Verdict{Score: score, Class: hdl.ClassSimulation}
}

func sources(entries []cache.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Candidate.Source
	}
	return out
}

func TestSelectTopKOrdersByScore(t *testing.T) {
	c := cache.New("t1", 0)
	for i, s := range []float64{0.6, 1.0, 0.5} {
		_, err := c.Record(0, cand(i, string(rune('a'+i))), verdict(s), nil)
		require.NoError(t, err)
	}

	top := c.SelectTopK(0, 3)
	assert.Empty(t, cmp.Diff([]string{"b", "a", "c"}, sources(top)))
	assert.Equal(t, 1.0, top[0].BestScore())
	assert.Empty(t, cmp.Diff(top, c.SelectTopK(0, 3)), "selection is repeatable")
	assert.Equal(t, []string{"a", "b", "c"}, sources(c.Layer(0)), "selection does not reorder the cache")
	assert.Len(t, c.SelectTopK(0, 1), 1)
}

func TestSelectTopKTieBreaks(t *testing.T) {
	c := cache.New("t1", 0)
	// a: 0.7 from 0.7; b: 0.7 refined up from 0.45; d: 0.7 from 0.7 recorded after a.
	_, err := c.Record(0, cand(0, "a"), verdict(0.7), nil)
	require.NoError(t, err)
	_, err = c.Record(0, cand(1, "b0"), verdict(0.45), &refine.Outcome{
		Record:      &refine.Record{Reason: refine.ReasonBudget, Calls: 3},
		Best:        cand(1, "b"),
		BestVerdict: verdict(0.7),
	})
	require.NoError(t, err)
	_, err = c.Record(0, cand(2, "c"), verdict(0.9), nil)
	require.NoError(t, err)
	_, err = c.Record(0, cand(3, "d"), verdict(0.7), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "d", "b"}, sources(c.SelectTopK(0, 10)))
}

func TestRecordNeverRegresses(t *testing.T) {
	c := cache.New("t1", 0)
	e, err := c.Record(0, cand(0, "orig"), verdict(0.8), &refine.Outcome{
		Record:      &refine.Record{Reason: refine.ReasonGenerationError, Calls: 1},
		Best:        cand(0, "worse"),
		BestVerdict: verdict(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "orig", e.Candidate.Source)
	assert.Equal(t, 0.8, e.BestScore())
	assert.Equal(t, 1, e.RefineCalls)

	e, err = c.Record(0, cand(1, "v0"), verdict(0.6), &refine.Outcome{
		Record:      &refine.Record{Reason: refine.ReasonStagnation, Calls: 3},
		Best:        cand(1, "v2"),
		BestVerdict: verdict(0.85),
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Candidate.Source)
	assert.Equal(t, 0.6, e.OriginalScore())
	assert.Equal(t, 0.85, e.BestScore())
	assert.Equal(t, 1, e.Seq)

	for _, e := range c.Entries() {
		assert.GreaterOrEqual(t, e.BestScore(), e.OriginalScore())
	}
}

func TestRecordTaskMismatch(t *testing.T) {
	c := cache.New("t1", 0)
	other := cand(0, "x")
	other.TaskID = "t2"
	_, err := c.Record(0, other, verdict(1), nil)
	assert.ErrorIs(t, err, cache.ErrTaskMismatch)
	assert.Empty(t, c.Entries())
}

func TestCumulativeSelection(t *testing.T) {
	c := cache.New("t1", 0)
	_, _ = c.Record(0, cand(0, "old-best"), verdict(0.9), nil)
	_, _ = c.Record(0, cand(1, "old"), verdict(0.2), nil)
	_, _ = c.Record(1, cand(0, "new"), verdict(0.6), nil)

	assert.Equal(t, []string{"new"}, sources(c.SelectTopK(1, 2)))
	assert.Equal(t, []string{"old-best", "new"}, sources(c.SelectTopKUpTo(1, 2)))
}

func TestStats(t *testing.T) {
	c := cache.New("t1", 0)
	_, _ = c.Record(0, hdl.Candidate{TaskID: "t1", Path: hdl.PathCPP, Source: "a"}, verdict(0.5), nil)
	_, _ = c.Record(0, hdl.Candidate{TaskID: "t1", Path: hdl.PathDirect, Model: "gpt", Source: "b"}, verdict(1.0), nil)
	_, _ = c.Record(1, hdl.Candidate{TaskID: "t1", Path: hdl.PathPython, Source: "c"}, verdict(0.45), nil)

	stats := c.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, cache.LayerStats{Layer: 0, Count: 2, Avg: 0.75, Max: 1.0, Min: 0.5, Sources: []string{"cpp", "gpt"}}, stats[0])
	assert.Equal(t, 1, stats[1].Count)
	assert.Equal(t, []string{"python"}, stats[1].Sources)
}

func fill(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New("t1", 2)
	_, err := c.Record(0, cand(0, "a"), verdict(0.6), nil)
	require.NoError(t, err)
	_, err = c.Record(0, cand(1, "b"), verdict(1.0), nil)
	require.NoError(t, err)
	_, err = c.Record(0, cand(2, "c0"), verdict(0.45), &refine.Outcome{
		Record:      &refine.Record{Reason: refine.ReasonBudget, Calls: 2},
		Best:        hdl.Candidate{TaskID: "t1", Slot: 2, Path: hdl.PathDirect, Model: "gpt", Source: "c", Attempt: 2},
		BestVerdict: verdict(0.6),
	})
	require.NoError(t, err)
	return c
}

func assertReplayMatches(t *testing.T, store cache.Store, c *cache.Cache) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Flush(ctx, store))
	require.NoError(t, c.Flush(ctx, store), "second flush writes nothing new")

	recs, err := store.Load(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 2, recs[2].RefineAttempts)
	assert.Equal(t, "budget", recs[2].RefineReason)

	replayed, err := cache.Replay("t1", 2, recs)
	require.NoError(t, err)
	want := c.SelectTopK(0, 3)
	got := replayed.SelectTopK(0, 3)
	assert.Equal(t, sources(want), sources(got))
	for i := range want {
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.Equal(t, want[i].BestScore(), got[i].BestScore())
		assert.Equal(t, want[i].OriginalScore(), got[i].OriginalScore())
	}

	empty, err := store.Load(ctx, "t1", 9)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestJSONStoreReplay(t *testing.T) {
	store, err := cache.OpenStore("json", t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	assertReplayMatches(t, store, fill(t))
}

func TestBadgerStoreReplay(t *testing.T) {
	store, err := cache.OpenBadger("", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()
	assertReplayMatches(t, store, fill(t))
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.OpenStore("badger", dir, nil)
	require.NoError(t, err)
	require.NoError(t, fill(t).Flush(context.Background(), store))
	require.NoError(t, store.Close())

	store, err = cache.OpenStore("badger", dir, nil)
	require.NoError(t, err)
	defer store.Close()
	recs, err := store.Load(context.Background(), "t1", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func assertRerunReplaces(t *testing.T, store cache.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fill(t).Flush(ctx, store))

	rerun := cache.New("t1", 2)
	_, err := rerun.Record(0, cand(0, "rerun"), verdict(0.4), nil)
	require.NoError(t, err)
	require.NoError(t, rerun.Flush(ctx, store))

	recs, err := store.Load(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	replayed, err := cache.Replay("t1", 2, recs)
	require.NoError(t, err)
	assert.Equal(t, []string{"rerun"}, sources(replayed.SelectTopK(0, 3)))
}

func TestJSONStoreRerun(t *testing.T) {
	store, err := cache.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	assertRerunReplaces(t, store)
}

func TestBadgerStoreRerun(t *testing.T) {
	store, err := cache.OpenBadger("", nil)
	require.NoError(t, err)
	defer store.Close()
	assertRerunReplaces(t, store)
}

func TestReplayRejectsGaps(t *testing.T) {
	_, err := cache.Replay("t1", 0, []cache.Persisted{{Task: "t1", Seq: 0}, {Task: "t1", Seq: 2}})
	assert.ErrorContains(t, err, "missing record before seq 2")

	_, err = cache.Replay("t1", 0, []cache.Persisted{{Task: "t2", Seq: 0}})
	assert.ErrorIs(t, err, cache.ErrTaskMismatch)
}

func TestPersistedKey(t *testing.T) {
	p := cache.Persisted{Task: "adder", Trial: 1, Layer: 2, Seq: 7, Origin: "cpp", Attempt: 3}
	assert.Equal(t, "task/adder/t1/l002/s000007/cpp/a3", p.Key())
}

func TestOpenStoreNone(t *testing.T) {
	store, err := cache.OpenStore("none", "", nil)
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.NoError(t, fill(t).Flush(context.Background(), store))

	_, err = cache.OpenStore("redis", "", nil)
	assert.Error(t, err)
}
