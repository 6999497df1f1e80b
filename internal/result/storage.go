package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/hdl"
)

const (
	summariesDir = "summaries"
	runMetaFile  = "run.json"
)

// CreateRunDir makes <base>/runs/<name>/<timestamp> and points <base>/latest
// at it.
func CreateRunDir(baseDir, name string) (string, error) {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir, err := filepath.Abs(filepath.Join(baseDir, "runs", name, stamp))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// CacheDir is where a run's persisted cache records live.
func CacheDir(runDir string) string {
	return filepath.Join(runDir, "cache")
}

// OutputName derives a descriptive run name from the plan. It only
// describes the plan; nothing reads behavior back from it.
func OutputName(plan *config.Plan) string {
	if plan.Layers == 0 {
		return fmt.Sprintf("Direct_%s_%s", plan.Temperature, sanitize(plan.Assignment.Direct().Model))
	}
	var parts []string
	switch a := plan.Assignment.(type) {
	case config.MoA:
		models := make([]string, len(a.Models))
		for i, m := range a.Models {
			models[i] = sanitize(m)
		}
		parts = append(parts, "MoA", plan.Temperature, fmt.Sprintf("L%d", plan.Layers),
			strings.Join(models, "_"), "AGG", sanitize(a.Aggregator))
	case config.MultiPath:
		lists := make([]string, len(a.Paths))
		for i, list := range a.Paths {
			names := make([]string, len(list))
			for j, p := range list {
				names[j] = string(p)
			}
			lists[i] = strings.Join(names, "_")
		}
		parts = append(parts, "MoA_HLS", plan.Temperature, fmt.Sprintf("L%d", plan.Layers),
			sanitize(a.Model), "paths_"+strings.Join(lists, "-"))
		if plan.CPPRepair > 0 && strings.Contains(strings.Join(lists, "_"), string(hdl.PathCPP)) {
			parts = append(parts, fmt.Sprintf("CppVal%d", plan.CPPRepair))
		}
	}
	if r, ok := plan.Selection.(config.Ranked); ok {
		parts = append(parts, fmt.Sprintf("QCache_N%d", r.NSelect))
	}
	if plan.EarlyStop {
		parts = append(parts, "EarlyStop")
	}
	if r, ok := plan.Refinement.(config.RefineOn); ok {
		parts = append(parts, fmt.Sprintf("SelfRef%d", r.MaxAttempts))
	}
	if plan.Prescreen {
		parts = append(parts, "Prescreen")
	}
	return strings.Join(parts, "_")
}

func sanitize(s string) string {
	return strings.NewReplacer(":", "-", ".", "_", "/", "-").Replace(s)
}

// WriteFinalHDL stores a task's final design as <run>/t<trial>/<task><ext>.
func WriteFinalHDL(runDir string, trial int, task hdl.Task, source string) (string, error) {
	dir := filepath.Join(runDir, fmt.Sprintf("t%d", trial))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating trial dir: %w", err)
	}
	path := filepath.Join(dir, task.ID+task.Dialect.Ext())
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("writing final design: %w", err)
	}
	return path, nil
}

func WriteSummary(runDir string, s *Summary) error {
	dir := filepath.Join(runDir, summariesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating summaries dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, fmt.Sprintf("%s-t%d.json", s.Task, s.Trial)), s)
}

func ReadSummary(path string) (*Summary, error) {
	var s Summary
	if err := readJSON(path, &s); err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}
	return &s, nil
}

// ReadSummaries loads every summary of a run, ordered by task then trial.
// Unreadable files are skipped.
func ReadSummaries(runDir string) ([]*Summary, error) {
	paths, err := filepath.Glob(filepath.Join(runDir, summariesDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	var out []*Summary
	for _, p := range paths {
		s, err := ReadSummary(p)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].Trial < out[j].Trial
	})
	return out, nil
}

func WriteRunMeta(runDir string, m *RunMeta) error {
	return writeJSON(filepath.Join(runDir, runMetaFile), m)
}

func ReadRunMeta(runDir string) (*RunMeta, error) {
	var m RunMeta
	if err := readJSON(filepath.Join(runDir, runMetaFile), &m); err != nil {
		return nil, fmt.Errorf("reading run meta: %w", err)
	}
	return &m, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
