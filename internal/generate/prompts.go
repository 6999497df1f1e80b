package generate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/signalnine/moahdl/internal/hdl"
)

const (
	seedLimit         = 3
	seedTruncate      = 1500
	referenceTruncate = 1000
	exampleTruncate   = 800
)

var moduleNameRe = regexp.MustCompile(`Module name:\s*(\w+)`)

// moduleName is the module name the testbench expects.
func moduleName(task hdl.Task) string {
	if top := task.TopModule(); top != "" {
		return top
	}
	if m := moduleNameRe.FindStringSubmatch(task.Description); m != nil {
		return m[1]
	}
	return "module_name"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... [truncated for length]"
}

func langName(p hdl.Path) string {
	if p == hdl.PathPython {
		return "Python"
	}
	return "C++"
}

func systemDirect(task hdl.Task) string {
	lang := task.Dialect.Language()
	s := fmt.Sprintf("You are a professional %s RTL designer. Generate syntactically correct, synthesizable %s code. ", lang, lang)
	if top := task.TopModule(); top != "" {
		s += fmt.Sprintf("The module MUST be named '%s' exactly. ", top)
	}
	return s + fmt.Sprintf("Output ONLY the %s code starting with 'module' and ending with 'endmodule'. Do NOT include markdown formatting or explanations.", lang)
}

const systemIntermediate = "You are an expert programmer. Write clear, concise code demonstrating the algorithm. Focus on showing the logical flow and operations."

func systemTranslate(task hdl.Task) string {
	lang := task.Dialect.Language()
	s := fmt.Sprintf("You are an expert %s RTL designer. Translate the reference implementation to synthesizable %s. ", lang, lang)
	if top := task.TopModule(); top != "" {
		s += fmt.Sprintf("The module MUST be named '%s' exactly. ", top)
	}
	return s + fmt.Sprintf("Output ONLY the %s code. No markdown or explanations.", lang)
}

func systemRefine(task hdl.Task) string {
	return fmt.Sprintf("You are an expert %s debugger. Your task is to analyze compilation/simulation errors and fix them precisely. "+
		"Focus on the specific error messages and fix ONLY what's broken. Output clean, corrected code without explanations.", task.Dialect.Language())
}

func outputFormat(task hdl.Task) string {
	name := moduleName(task)
	verb := "should be"
	if task.TopModule() != "" {
		verb = "MUST be exactly"
	}
	return fmt.Sprintf(`CRITICAL OUTPUT FORMAT:
1. Module name %s '%s'
2. Output ONLY the module code
3. Start with: module %s
4. End with: endmodule
5. NO markdown formatting (no `+"```"+`)
6. NO explanations or text outside the module
7. Include ALL necessary submodules in the SAME file if needed`, verb, name, name)
}

// InitialPrompt asks for a design from the description alone.
func InitialPrompt(task hdl.Task) string {
	lang := task.Dialect.Language()
	return fmt.Sprintf(`Generate %s code for this specification.

%s

Specification:
%s

Output the %s module:`, lang, outputFormat(task), task.Description, lang)
}

// AggregationPrompt asks the model to synthesize the previous layer's best
// designs into one.
func AggregationPrompt(task hdl.Task, seeds []Seed) string {
	lang := task.Dialect.Language()
	var b strings.Builder
	for i, s := range seeds {
		if i == seedLimit {
			break
		}
		fmt.Fprintf(&b, "\n[Implementation %d] (quality: %.2f, path: %s)\n%s\n", i+1, s.Score, s.Path, truncate(s.Source, seedTruncate))
	}
	reference := ""
	if ref, ok := bestIntermediate(seeds, ""); ok {
		reference = fmt.Sprintf("\nAdditional reference - %s implementation (HDL quality: %.2f):\n%s\n",
			langName(ref.IntermediateLang), ref.Score, truncate(ref.Intermediate, referenceTruncate))
	}
	return fmt.Sprintf(`Synthesize multiple %s implementations into one superior solution.

Original specification:
%s

Previous implementations to synthesize:
%s%s
Requirements:
- Combine the best practices from all implementations
- Fix any errors or suboptimal designs found
- Ensure syntactically correct and synthesizable %s
- Implement complete functionality as specified

%s

Output the synthesized %s module:`, lang, task.Description, b.String(), reference, lang, outputFormat(task), lang)
}

// IntermediatePrompt asks for a software model of the design.
func IntermediatePrompt(task hdl.Task, lang hdl.Path, seeds []Seed) string {
	name := langName(lang)
	examples := ""
	if len(seeds) > 0 {
		var parts []string
		for i, s := range seeds {
			if i == 2 {
				break
			}
			parts = append(parts, fmt.Sprintf("Previous implementation %d:\n%s", i+1, truncate(s.Source, exampleTruncate)))
		}
		examples = "\nPrevious HDL implementations:\n" + strings.Join(parts, "\n\n") + "\n"
	}
	return fmt.Sprintf(`Write %s code demonstrating the functional logic.

Specification:
%s
%s
Write simple %s code showing the algorithm:`, name, task.Description, examples, name)
}

// TranslatePrompt asks for HDL implementing a software reference.
func TranslatePrompt(task hdl.Task, lang hdl.Path, intermediate string) string {
	hdlLang := task.Dialect.Language()
	return fmt.Sprintf(`Translate this %s reference to %s.

Original specification:
%s

%s reference code:
%s

%s

Generate the %s module implementing this logic:`, langName(lang), hdlLang, task.Description, langName(lang), intermediate, outputFormat(task), hdlLang)
}

// RefinementPrompt asks for a fix of the latest attempt given its verdict.
func RefinementPrompt(task hdl.Task, fb Feedback) string {
	lang := task.Dialect.Language()
	prior := fb.Prior
	var b strings.Builder
	if prior.Intermediate != "" {
		ref := langName(prior.IntermediateLang)
		fmt.Fprintf(&b, `You are fixing %s code that was translated from %s.

Original specification:
%s

%s reference implementation:
%s

Current %s code (Refinement attempt %d/%d):
%s

Error encountered:
%s

The %s reference is correct - focus on fixing the %s translation.
`, lang, ref, task.Description, ref, prior.Intermediate, lang, fb.Attempt, fb.MaxAttempts, prior.Source, errorText(fb.Verdict), ref, lang)
	} else {
		fmt.Fprintf(&b, `You are debugging %s code that failed testing.

Original specification:
%s

Current code (Refinement attempt %d/%d):
%s

Error encountered:
%s
`, lang, task.Description, fb.Attempt, fb.MaxAttempts, prior.Source, errorText(fb.Verdict))
	}

	b.WriteString("\n")
	b.WriteString(guidance(fb.Verdict))
	if prior.Intermediate != "" {
		fmt.Fprintf(&b, `
Common issues when translating from %s:
1. Loop constructs (for/while) -> always blocks with proper sensitivity
2. Arrays/pointers -> wire/reg arrays with correct indexing
3. Functions -> modules or combinational logic
4. Sequential operations -> state machines or pipelined logic
`, langName(prior.IntermediateLang))
	}

	b.WriteString("\n")
	switch {
	case fb.Attempt <= 1:
		b.WriteString("This is your first attempt to fix the error. Focus on the specific error message.")
	case fb.Attempt == 2:
		b.WriteString("Previous fix attempt failed. Try a different approach - the issue might be more fundamental.")
	default:
		b.WriteString("Multiple fix attempts have failed. Consider simplifying the design or using a completely different implementation approach.")
	}
	fmt.Fprintf(&b, "\n\n%s\n\nOutput the corrected %s code now:", outputFormat(task), lang)
	return b.String()
}

func errorText(v hdl.Verdict) string {
	detail := v.Detail
	if detail == "" {
		detail = "no diagnostic available"
	}
	return fmt.Sprintf("[%s, score %.2f]\n%s", v.Class, v.Score, detail)
}

func guidance(v hdl.Verdict) string {
	switch {
	case v.Class == hdl.ClassSyntax:
		return `SYNTAX ERROR DETECTED. Common issues:
1. Variable/genvar redeclaration - check all loop variables and ensure unique naming
2. Part select with non-constant expressions - use parameters or constants
3. Missing/mismatched module declarations
4. Incorrect port declarations or signal types

Fix the syntax errors while preserving the original logic.
`
	case v.Class == hdl.ClassCompilation && strings.Contains(v.Detail, "Unknown module type"):
		return `MISSING/UNKNOWN MODULE ERROR. Possible causes:
1. Module name mismatch with testbench expectations
2. Missing submodule definitions - you must implement ALL modules in a single file
3. Hierarchical design split incorrectly

Implement all required submodules in the SAME file and make the top-level module name match the testbench.
`
	case v.Class == hdl.ClassCompilation:
		return `COMPILATION ERROR. Check:
1. Module name matches testbench expectations
2. Port declarations are correct
3. All referenced signals are declared
4. No circular dependencies
`
	case v.Detail == "timeout":
		return `SIMULATION TIMEOUT. The simulation never finished - likely an infinite loop, a combinational loop, or a missing clock or signal change.
Remove unbounded loops and make sure every always block has a proper sensitivity list.
`
	case v.Class == hdl.ClassSimulation:
		return `SIMULATION FAILURE. The code compiles but produces incorrect results.
Possible issues:
1. Logic errors in state machines or combinational logic
2. Incorrect edge sensitivity (posedge/negedge)
3. Race conditions or initialization issues
4. Incorrect bit widths or signal ranges

Review and fix the functional logic while maintaining correct syntax.
`
	}
	return "TESTING FAILED. Review the error message carefully and fix the issue.\n"
}
