package hdl

import "fmt"

// Dialect selects the HDL language and testbench layout of a dataset.
type Dialect string

const (
	DialectRTLLM       Dialect = "rtllm"
	DialectVerilogEval Dialect = "verilogeval"
)

// Language is the human-readable HDL name used in prompts.
func (d Dialect) Language() string {
	if d == DialectVerilogEval {
		return "SystemVerilog"
	}
	return "Verilog"
}

// Ext is the source file extension for generated designs.
func (d Dialect) Ext() string {
	if d == DialectVerilogEval {
		return ".sv"
	}
	return ".v"
}

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case DialectRTLLM, DialectVerilogEval:
		return Dialect(s), nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// Path is the generation strategy tag of a slot.
type Path string

const (
	PathDirect Path = "direct"
	PathCPP    Path = "cpp"
	PathPython Path = "python"
)

// Intermediate reports whether the path goes through an intermediate language.
func (p Path) Intermediate() bool {
	return p == PathCPP || p == PathPython
}

func ParsePath(s string) (Path, error) {
	switch Path(s) {
	case PathDirect, PathCPP, PathPython:
		return Path(s), nil
	}
	return "", fmt.Errorf("unknown path %q", s)
}

// Task is one design problem. Immutable once loaded.
type Task struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Testbench   string  `json:"testbench"`
	Reference   string  `json:"reference,omitempty"`
	Dialect     Dialect `json:"dialect"`
}

// TopModule is the module name the testbench instantiates, if the dialect fixes one.
func (t Task) TopModule() string {
	if t.Dialect == DialectVerilogEval {
		return "TopModule"
	}
	return ""
}

// Usage is backend token accounting for one candidate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Candidate is one generated HDL source. Refinement produces a new Candidate
// rather than mutating an existing one.
type Candidate struct {
	TaskID           string `json:"task_id"`
	Layer            int    `json:"layer"`
	Slot             int    `json:"slot"`
	Path             Path   `json:"path"`
	Model            string `json:"model"`
	Source           string `json:"source"`
	Intermediate     string `json:"intermediate,omitempty"`
	IntermediateLang Path   `json:"intermediate_lang,omitempty"`
	Attempt          int    `json:"attempt"`
	Usage            Usage  `json:"usage"`
}

// Origin names the slot source used in persisted keys: the path in
// multi-path mode, the model otherwise.
func (c Candidate) Origin() string {
	if c.Path != "" && c.Path != PathDirect {
		return string(c.Path)
	}
	if c.Model != "" {
		return c.Model
	}
	return string(PathDirect)
}

// Classification is the failure class of a verification.
type Classification string

const (
	ClassNone        Classification = "none"
	ClassSyntax      Classification = "syntax"
	ClassCompilation Classification = "compilation"
	ClassSimulation  Classification = "simulation-failure"
)

// Verdict is the outcome of verifying one candidate.
type Verdict struct {
	Score  float64        `json:"score"`
	Class  Classification `json:"classification"`
	Detail string         `json:"detail,omitempty"`
}

// Perfect reports a full functional pass.
func (v Verdict) Perfect() bool {
	return v.Score >= 1.0 && v.Class == ClassNone
}

// Slot is one generation position within a layer.
type Slot struct {
	Index int    `json:"index"`
	Path  Path   `json:"path"`
	Model string `json:"model"`
}
