package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/signalnine/moahdl/internal/hdl"
	"golang.org/x/sync/singleflight"
)

// Memo makes verification content-addressed: identical (task, source) pairs
// get the same Verdict without re-running the tools, and concurrent duplicate
// requests share one run. "verifier unavailable" verdicts are not kept, so a
// transient infrastructure failure is retried on the next call.
type Memo struct {
	next  Verifier
	group singleflight.Group

	mu   sync.RWMutex
	seen map[string]hdl.Verdict
}

func NewMemo(next Verifier) *Memo {
	return &Memo{next: next, seen: map[string]hdl.Verdict{}}
}

// Key is the memo key of a source under a task.
func Key(task hdl.Task, source string) string {
	h := sha256.New()
	h.Write([]byte(task.ID))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Memo) Verify(ctx context.Context, task hdl.Task, source string) hdl.Verdict {
	key := Key(task, source)
	m.mu.RLock()
	v, ok := m.seen[key]
	m.mu.RUnlock()
	if ok {
		return v
	}
	res, _, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		v, ok := m.seen[key]
		m.mu.RUnlock()
		if ok {
			return v, nil
		}
		v = m.next.Verify(ctx, task, source)
		if v.Detail != DetailUnavailable {
			m.mu.Lock()
			m.seen[key] = v
			m.mu.Unlock()
		}
		return v, nil
	})
	return res.(hdl.Verdict)
}

// Len reports how many verdicts are memoized.
func (m *Memo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}
