package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/signalnine/moahdl/internal/hdl"
)

const (
	rtllmDescription = "design_description.txt"
	rtllmTestbench   = "testbench.v"

	promptSuffix    = "_prompt.txt"
	testSuffix      = "_test.sv"
	referenceSuffix = "_ref.sv"
)

// Load reads every task of a dialect under dir, sorted by ID. When ids is
// non-empty only those tasks are returned, in the given order.
func Load(dialect hdl.Dialect, dir string, ids []string) ([]hdl.Task, error) {
	var tasks []hdl.Task
	var err error
	switch dialect {
	case hdl.DialectRTLLM:
		tasks, err = LoadRTLLM(dir)
	case hdl.DialectVerilogEval:
		tasks, err = LoadVerilogEval(dir)
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return tasks, nil
	}
	return Filter(tasks, ids)
}

// LoadRTLLM finds design directories holding a design description, at any
// depth. The directory name is the task ID.
func LoadRTLLM(dir string) ([]hdl.Task, error) {
	var tasks []hdl.Task
	seen := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != rtllmDescription {
			return nil
		}
		designDir := filepath.Dir(path)
		id := filepath.Base(designDir)
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("duplicate design %s in %s and %s", id, prev, designDir)
		}
		seen[id] = designDir
		desc, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading description: %w", err)
		}
		tasks = append(tasks, hdl.Task{
			ID:          id,
			Description: strings.TrimSpace(string(desc)),
			Testbench:   existing(filepath.Join(designDir, rtllmTestbench)),
			Dialect:     hdl.DialectRTLLM,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading rtllm dataset %s: %w", dir, err)
	}
	sortTasks(tasks)
	return tasks, nil
}

// LoadVerilogEval reads the flat <id>_prompt.txt / <id>_test.sv / <id>_ref.sv
// layout.
func LoadVerilogEval(dir string) ([]hdl.Task, error) {
	prompts, err := filepath.Glob(filepath.Join(dir, "*"+promptSuffix))
	if err != nil {
		return nil, fmt.Errorf("loading verilogeval dataset %s: %w", dir, err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("loading verilogeval dataset: %w", err)
	}
	tasks := make([]hdl.Task, 0, len(prompts))
	for _, p := range prompts {
		id := strings.TrimSuffix(filepath.Base(p), promptSuffix)
		desc, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading prompt: %w", err)
		}
		tasks = append(tasks, hdl.Task{
			ID:          id,
			Description: strings.TrimSpace(string(desc)),
			Testbench:   existing(filepath.Join(dir, id+testSuffix)),
			Reference:   existing(filepath.Join(dir, id+referenceSuffix)),
			Dialect:     hdl.DialectVerilogEval,
		})
	}
	sortTasks(tasks)
	return tasks, nil
}

// Filter picks tasks by ID in the order given.
func Filter(tasks []hdl.Task, ids []string) ([]hdl.Task, error) {
	byID := make(map[string]hdl.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make([]hdl.Task, 0, len(ids))
	var missing []string
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, t)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown tasks: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func existing(path string) string {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return path
}

func sortTasks(tasks []hdl.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}
