package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/signalnine/moahdl/internal/hdl"
	"go.uber.org/zap"
)

// Persisted is the on-disk form of one cache entry. It carries enough to
// rebuild the entry's ranking without re-running anything.
type Persisted struct {
	Task             string             `json:"task"`
	Trial            int                `json:"trial"`
	Layer            int                `json:"layer"`
	Seq              int                `json:"seq"`
	Slot             int                `json:"slot"`
	Origin           string             `json:"origin"`
	Path             hdl.Path           `json:"path"`
	Model            string             `json:"model"`
	Attempt          int                `json:"attempt"`
	Code             string             `json:"code"`
	Intermediate     string             `json:"intermediate,omitempty"`
	IntermediateLang hdl.Path           `json:"intermediate_lang,omitempty"`
	OriginalScore    float64            `json:"original_score"`
	OriginalClass    hdl.Classification `json:"original_classification"`
	BestScore        float64            `json:"best_score"`
	Classification   hdl.Classification `json:"classification"`
	Detail           string             `json:"detail,omitempty"`
	RefineAttempts   int                `json:"refine_attempts"`
	RefineReason     string             `json:"refine_reason,omitempty"`
	Usage            hdl.Usage          `json:"usage"`
}

// Key is the record's store key: task, trial, layer, insertion sequence,
// slot source and refinement attempt.
func (p Persisted) Key() string {
	return fmt.Sprintf("%s%06d/%s/a%d", layerPrefix(p.Task, p.Trial, p.Layer), p.Seq, p.Origin, p.Attempt)
}

func taskPrefix(task string, trial int) string {
	return fmt.Sprintf("task/%s/t%d/", task, trial)
}

func layerPrefix(task string, trial, layer int) string {
	return fmt.Sprintf("%sl%03d/s", taskPrefix(task, trial), layer)
}

func persist(task string, trial int, e Entry) Persisted {
	p := Persisted{
		Task:             task,
		Trial:            trial,
		Layer:            e.Layer,
		Seq:              e.Seq,
		Slot:             e.Candidate.Slot,
		Origin:           e.Candidate.Origin(),
		Path:             e.Candidate.Path,
		Model:            e.Candidate.Model,
		Attempt:          e.Candidate.Attempt,
		Code:             e.Candidate.Source,
		Intermediate:     e.Candidate.Intermediate,
		IntermediateLang: e.Candidate.IntermediateLang,
		OriginalScore:    e.OriginalVerdict.Score,
		OriginalClass:    e.OriginalVerdict.Class,
		BestScore:        e.Verdict.Score,
		Classification:   e.Verdict.Class,
		Detail:           e.Verdict.Detail,
		RefineAttempts:   e.RefineCalls,
		Usage:            e.Candidate.Usage,
	}
	if e.Refinement != nil {
		p.RefineReason = string(e.Refinement.Reason)
	}
	return p
}

// Replay rebuilds a cache from persisted records of one task and trial.
// Records are re-inserted in sequence order, so SelectTopK on the result
// matches the cache that wrote them.
func Replay(task string, trial int, recs []Persisted) (*Cache, error) {
	sorted := append([]Persisted(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	c := New(task, trial)
	for i, p := range sorted {
		if p.Task != task || p.Trial != trial {
			return nil, fmt.Errorf("replaying record %s: %w", p.Key(), ErrTaskMismatch)
		}
		if p.Seq != i {
			return nil, fmt.Errorf("replaying %s trial %d: missing record before seq %d", task, trial, p.Seq)
		}
		c.entries = append(c.entries, Entry{
			Seq:   p.Seq,
			Layer: p.Layer,
			Candidate: hdl.Candidate{
				TaskID:           p.Task,
				Layer:            p.Layer,
				Slot:             p.Slot,
				Path:             p.Path,
				Model:            p.Model,
				Source:           p.Code,
				Intermediate:     p.Intermediate,
				IntermediateLang: p.IntermediateLang,
				Attempt:          p.Attempt,
				Usage:            p.Usage,
			},
			Verdict:         hdl.Verdict{Score: p.BestScore, Class: p.Classification, Detail: p.Detail},
			OriginalVerdict: hdl.Verdict{Score: p.OriginalScore, Class: p.OriginalClass},
			RefineCalls:     p.RefineAttempts,
		})
	}
	c.flushed = len(c.entries)
	c.claimed = true
	return c, nil
}

// Store persists cache records. Reset drops every record of a task and
// trial, so a rerun into the same store replaces the earlier run.
type Store interface {
	Put(ctx context.Context, recs []Persisted) error
	Load(ctx context.Context, task string, trial int) ([]Persisted, error)
	Reset(ctx context.Context, task string, trial int) error
	Close() error
}

// JSONStore keeps one JSONL file per task and trial.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) file(task string, trial int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-t%d.jsonl", task, trial))
}

func (s *JSONStore) Put(_ context.Context, recs []Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := map[string]*os.File{}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, r := range recs {
		path := s.file(r.Task, r.Trial)
		f, ok := files[path]
		if !ok {
			var err error
			f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			files[path] = f
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling record %s: %w", r.Key(), err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

func (s *JSONStore) Reset(_ context.Context, task string, trial int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.file(task, trial)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (s *JSONStore) Load(_ context.Context, task string, trial int) ([]Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.file(task, trial)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var recs []Persisted
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Persisted
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", path, line, err)
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return recs, nil
}

func (s *JSONStore) Close() error { return nil }

// BadgerStore keeps records in a Badger database, one key per record.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a store under dir; an empty dir opens an
// in-memory database.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger cache: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(_ context.Context, recs []Persisted) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling record %s: %w", r.Key(), err)
		}
		if err := wb.Set([]byte(r.Key()), data); err != nil {
			return fmt.Errorf("writing record %s: %w", r.Key(), err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing badger batch: %w", err)
	}
	return nil
}

func (s *BadgerStore) Load(ctx context.Context, task string, trial int) ([]Persisted, error) {
	var recs []Persisted
	prefix := []byte(taskPrefix(task, trial))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Persisted
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s trial %d: %w", task, trial, err)
	}
	return recs, nil
}

func (s *BadgerStore) Reset(_ context.Context, task string, trial int) error {
	if err := s.db.DropPrefix([]byte(taskPrefix(task, trial))); err != nil {
		return fmt.Errorf("dropping %s trial %d: %w", task, trial, err)
	}
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, a ...any)   { l.s.Errorf(f, a...) }
func (l badgerLogger) Warningf(f string, a ...any) { l.s.Warnf(f, a...) }
func (l badgerLogger) Infof(f string, a ...any)    { l.s.Debugf(f, a...) }
func (l badgerLogger) Debugf(f string, a ...any)   { l.s.Debugf(f, a...) }

// OpenStore opens the configured store kind under dir. Kind "none" returns
// a nil Store, which Flush accepts.
func OpenStore(kind, dir string, logger *zap.Logger) (Store, error) {
	switch kind {
	case "json":
		s, err := NewJSONStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := OpenBadger(dir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache store %q", kind)
}
