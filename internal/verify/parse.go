package verify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/signalnine/moahdl/internal/hdl"
)

type CompileError struct {
	Line    int
	Message string
}

var (
	lineNumRe     = regexp.MustCompile(`:(\d+):`)
	errorPrefixRe = regexp.MustCompile(`(?i)^.*?error:\s*`)
	locationRe    = regexp.MustCompile(`^.*?:\d+:\s*`)
	mismatchRe    = regexp.MustCompile(`Mismatches: (\d+) in (\d+)`)
)

// ParseCompileErrors extracts error lines from iverilog output. When no line
// looks like an error, the whole output is returned as one entry.
func ParseCompileErrors(output string) []CompileError {
	var errs []CompileError
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "error:") && !strings.Contains(lower, "syntax error") {
			continue
		}
		ce := CompileError{}
		if m := lineNumRe.FindStringSubmatch(line); m != nil {
			ce.Line, _ = strconv.Atoi(m[1])
		}
		if strings.Contains(lower, "error:") {
			ce.Message = errorPrefixRe.ReplaceAllString(line, "")
		} else {
			ce.Message = locationRe.ReplaceAllString(line, "")
		}
		ce.Message = strings.TrimSpace(ce.Message)
		errs = append(errs, ce)
	}
	if len(errs) == 0 {
		if msg := strings.TrimSpace(output); msg != "" {
			errs = append(errs, CompileError{Message: msg})
		}
	}
	return errs
}

// FormatErrors renders at most limit errors, one per line.
func FormatErrors(errs []CompileError, limit int) string {
	var b strings.Builder
	for i, e := range errs {
		if i == limit {
			fmt.Fprintf(&b, "... and %d more\n", len(errs)-limit)
			break
		}
		if e.Line > 0 {
			fmt.Fprintf(&b, "- Line %d: %s\n", e.Line, e.Message)
		} else {
			fmt.Fprintf(&b, "- %s\n", e.Message)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SimulationPassed interprets simulator output. VerilogEval testbenches
// print "Mismatches: N in M"; other testbenches are judged by failure and
// success keywords.
func SimulationPassed(dialect hdl.Dialect, stdout, stderr string) bool {
	outLower := strings.ToLower(stdout)
	if dialect == hdl.DialectVerilogEval {
		if m := mismatchRe.FindStringSubmatch(stdout); m != nil {
			return m[1] == "0"
		}
		if strings.Contains(outLower, "mismatches: 0") {
			return true
		}
		if strings.Contains(outLower, "mismatches:") {
			return false
		}
	}
	errLower := strings.ToLower(stderr)
	for _, ind := range []string{"fail", "error", "mismatch", "assertion", "timeout"} {
		if strings.Contains(outLower, ind) || strings.Contains(errLower, ind) {
			return false
		}
	}
	for _, ind := range []string{"pass", "success", "test completed", "simulation finished"} {
		if strings.Contains(outLower, ind) {
			return true
		}
	}
	return stderr == ""
}

// SimulationErrors collects failing lines from simulator output.
func SimulationErrors(stdout, stderr string, limit int) string {
	var lines []string
	for _, line := range strings.Split(stdout+"\n"+stderr, "\n") {
		lower := strings.ToLower(line)
		for _, w := range []string{"fail", "error", "mismatch", "assert"} {
			if strings.Contains(lower, w) {
				lines = append(lines, strings.TrimSpace(line))
				break
			}
		}
	}
	if len(lines) == 0 {
		return "simulation failed without specific error"
	}
	if len(lines) > limit {
		lines = append(lines[:limit], fmt.Sprintf("... and %d more", len(lines)-limit))
	}
	return strings.Join(lines, "\n")
}
