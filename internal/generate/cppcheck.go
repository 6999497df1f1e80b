package generate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/signalnine/moahdl/internal/hdl"
)

// CPPIssue is one structural problem found in a C++ intermediate model.
// Blocking issues keep the model from translating to synthesizable HDL.
type CPPIssue struct {
	Kind     string
	Blocking bool
	Message  string
}

var (
	cppCommentRe   = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/`)
	cppDynamicRe   = regexp.MustCompile(`\bnew\s+\w|\bdelete(?:\s*\[\s*\])?\s+\w|\bmalloc\s*\(|\bfree\s*\(|\b(?:std::)?(?:vector|list|map)\s*<`)
	cppFunctionRe  = regexp.MustCompile(`(?s)\b(\w+)\s*\([^()]*\)\s*\{([^{}]*)\}`)
	cppWhileTrueRe = regexp.MustCompile(`\bwhile\s*\(\s*(?:true|1)\s*\)`)
	cppWidthRe     = regexp.MustCompile(`\b(?:u?int(?:8|16|32|64)_t|bool|ap_u?int\s*<)`)
)

var cppControl = map[string]bool{"if": true, "for": true, "while": true, "switch": true, "catch": true, "return": true}

// CheckCPP reports constructs a high-level synthesis flow cannot map to
// hardware: heap allocation, recursion and unbounded loops. Code without
// fixed-width types gets a non-blocking warning.
func CheckCPP(src string) []CPPIssue {
	code := cppCommentRe.ReplaceAllString(src, "")
	var issues []CPPIssue
	if cppDynamicRe.MatchString(code) {
		issues = append(issues, CPPIssue{Kind: "dynamic_memory", Blocking: true,
			Message: "dynamic memory allocation is not synthesizable; use fixed-size arrays"})
	}
	for _, m := range cppFunctionRe.FindAllStringSubmatch(code, -1) {
		name, body := m[1], m[2]
		if cppControl[name] {
			continue
		}
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`).MatchString(body) {
			issues = append(issues, CPPIssue{Kind: "recursion", Blocking: true,
				Message: fmt.Sprintf("function %s is recursive; rewrite it as a bounded loop", name)})
		}
	}
	if cppWhileTrueRe.MatchString(code) {
		issues = append(issues, CPPIssue{Kind: "unbounded_loop", Blocking: true,
			Message: "unbounded while loop; every loop needs a fixed trip count"})
	}
	if !cppWidthRe.MatchString(code) {
		issues = append(issues, CPPIssue{Kind: "bit_width",
			Message: "no fixed-width types; use uint8_t, uint16_t, uint32_t or bool"})
	}
	return issues
}

func blocking(issues []CPPIssue) bool {
	for _, i := range issues {
		if i.Blocking {
			return true
		}
	}
	return false
}

// CPPFixPrompt asks the model to repair a C++ model that failed CheckCPP.
func CPPFixPrompt(task hdl.Task, src string, issues []CPPIssue) string {
	var b strings.Builder
	for i, issue := range issues {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", issue.Kind, issue.Message)
	}
	return fmt.Sprintf(`Fix this C++ model so it can be translated to synthesizable hardware.

Issues to fix:
%s
Current C++ code:
%s

Original specification:
%s

Requirements:
- No dynamic memory and no recursion
- Fixed-size arrays only
- Explicit bit-width types (uint8_t, uint16_t, ...)
- Every loop bounded
- Keep the functionality unchanged

Output the complete corrected C++ code:`, b.String(), src, task.Description)
}
