package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/refine"
)

// ErrTaskMismatch is returned when a candidate is recorded into another
// task's cache.
var ErrTaskMismatch = errors.New("candidate belongs to a different task")

// Entry is one recorded candidate. Candidate and Verdict are the best known
// after refinement; the original verdict is kept for lineage and ranking.
type Entry struct {
	Seq             int            `json:"seq"`
	Layer           int            `json:"layer"`
	Candidate       hdl.Candidate  `json:"candidate"`
	Verdict         hdl.Verdict    `json:"verdict"`
	OriginalVerdict hdl.Verdict    `json:"original_verdict"`
	Refinement      *refine.Record `json:"refinement,omitempty"`
	RefineCalls     int            `json:"refine_calls"`
}

func (e Entry) BestScore() float64     { return e.Verdict.Score }
func (e Entry) OriginalScore() float64 { return e.OriginalVerdict.Score }

// Cache is the per-task, per-trial quality cache. Entries are appended in
// record order and never modified.
type Cache struct {
	taskID string
	trial  int

	mu      sync.RWMutex
	entries []Entry
	flushed int
	// claimed is set once the store holds only this cache's records.
	claimed bool
}

func New(taskID string, trial int) *Cache {
	return &Cache{taskID: taskID, trial: trial}
}

func (c *Cache) TaskID() string { return c.taskID }
func (c *Cache) Trial() int     { return c.trial }

// Record stores a candidate with its original verdict and, if it went
// through refinement, the loop outcome. A refined result that scores below
// the original is ignored, so best is never below original.
func (c *Cache) Record(layer int, cand hdl.Candidate, verdict hdl.Verdict, outcome *refine.Outcome) (Entry, error) {
	if cand.TaskID != c.taskID {
		return Entry{}, fmt.Errorf("recording %s into cache of %s: %w", cand.TaskID, c.taskID, ErrTaskMismatch)
	}
	e := Entry{Layer: layer, Candidate: cand, Verdict: verdict, OriginalVerdict: verdict}
	if outcome != nil {
		if outcome.BestVerdict.Score > verdict.Score {
			e.Candidate, e.Verdict = outcome.Best, outcome.BestVerdict
		}
		if outcome.Record != nil {
			e.Refinement = outcome.Record
			e.RefineCalls = outcome.Record.Calls
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Seq = len(c.entries)
	c.entries = append(c.entries, e)
	return e, nil
}

// Layer returns a layer's entries in record order.
func (c *Cache) Layer(layer int) []Entry {
	return c.filter(func(e Entry) bool { return e.Layer == layer })
}

// Entries returns every entry in record order.
func (c *Cache) Entries() []Entry {
	return c.filter(func(Entry) bool { return true })
}

// SelectTopK returns up to k entries of a layer ordered by best score, then
// original score, then record order. It does not modify the cache.
func (c *Cache) SelectTopK(layer, k int) []Entry {
	return topK(c.Layer(layer), k)
}

// SelectTopKUpTo ranks every entry of layers 0..layer together.
func (c *Cache) SelectTopKUpTo(layer, k int) []Entry {
	return topK(c.filter(func(e Entry) bool { return e.Layer <= layer }), k)
}

func (c *Cache) filter(keep func(Entry) bool) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, e := range c.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func topK(entries []Entry, k int) []Entry {
	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
	if k >= 0 && len(entries) > k {
		entries = entries[:k]
	}
	return entries
}

// Less is the cache ranking: higher best score first, then higher original
// score, then earlier record.
func Less(a, b Entry) bool {
	if a.BestScore() != b.BestScore() {
		return a.BestScore() > b.BestScore()
	}
	if a.OriginalScore() != b.OriginalScore() {
		return a.OriginalScore() > b.OriginalScore()
	}
	return a.Seq < b.Seq
}

// LayerStats summarizes one layer.
type LayerStats struct {
	Layer   int      `json:"layer"`
	Count   int      `json:"count"`
	Avg     float64  `json:"avg"`
	Max     float64  `json:"max"`
	Min     float64  `json:"min"`
	Sources []string `json:"sources"`
}

// Stats summarizes best scores per layer in layer order.
func (c *Cache) Stats() []LayerStats {
	byLayer := map[int]*LayerStats{}
	var layers []int
	for _, e := range c.Entries() {
		s, ok := byLayer[e.Layer]
		if !ok {
			s = &LayerStats{Layer: e.Layer, Max: e.BestScore(), Min: e.BestScore()}
			byLayer[e.Layer] = s
			layers = append(layers, e.Layer)
		}
		s.Count++
		s.Avg += e.BestScore()
		s.Max = max(s.Max, e.BestScore())
		s.Min = min(s.Min, e.BestScore())
		s.Sources = append(s.Sources, e.Candidate.Origin())
	}
	sort.Ints(layers)
	out := make([]LayerStats, 0, len(layers))
	for _, l := range layers {
		s := byLayer[l]
		s.Avg /= float64(s.Count)
		out = append(out, *s)
	}
	return out
}

// Flush writes entries recorded since the last flush to the store. The
// first flush of a fresh cache resets the task and trial in the store.
func (c *Cache) Flush(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	c.mu.Lock()
	pending := c.entries[c.flushed:]
	claimed := c.claimed
	c.mu.Unlock()
	if !claimed {
		if err := store.Reset(ctx, c.taskID, c.trial); err != nil {
			return fmt.Errorf("flushing cache of %s: %w", c.taskID, err)
		}
		c.mu.Lock()
		c.claimed = true
		c.mu.Unlock()
	}
	if len(pending) == 0 {
		return nil
	}
	recs := make([]Persisted, len(pending))
	for i, e := range pending {
		recs[i] = persist(c.taskID, c.trial, e)
	}
	if err := store.Put(ctx, recs); err != nil {
		return fmt.Errorf("flushing cache of %s: %w", c.taskID, err)
	}
	c.mu.Lock()
	c.flushed += len(pending)
	c.mu.Unlock()
	return nil
}
