package generate

import (
	"errors"
	"regexp"
	"strings"

	"github.com/signalnine/moahdl/internal/hdl"
)

var (
	fenceRe       = regexp.MustCompile("(?s)```[a-zA-Z+]*[ \t]*\n(.*?)```")
	moduleDeclRe  = regexp.MustCompile(`(?i)\bmodule\s+\w+`)
	endmoduleRe   = regexp.MustCompile(`(?i)\bendmodule\b`)
	topModuleRe   = regexp.MustCompile(`\bmodule\s+TopModule\b`)
	commentRe     = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/`)
	cppStartRe    = regexp.MustCompile(`^(#include|void |int |bool |class |struct |using |namespace |template|uint)`)
	pythonStartRe = regexp.MustCompile(`^(def |class |import |from )`)
)

// ExtractHDL pulls HDL source out of a model response: the first fenced
// block that declares a module, else the text from the first module line to
// the last endmodule. A missing trailing endmodule is appended.
func ExtractHDL(response string) string {
	code := ""
	for _, m := range fenceRe.FindAllStringSubmatch(response, -1) {
		if moduleDeclRe.MatchString(m[1]) {
			code = m[1]
			break
		}
	}
	if code == "" {
		lines := strings.Split(response, "\n")
		start, end := -1, -1
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if start < 0 && strings.HasPrefix(trimmed, "module ") {
				start = i
			}
			if start >= 0 && strings.HasPrefix(trimmed, "endmodule") {
				end = i
			}
		}
		if start < 0 {
			return ""
		}
		if end < 0 {
			end = len(lines) - 1
		}
		code = strings.Join(lines[start:end+1], "\n")
	}
	code = strings.TrimSpace(strings.ReplaceAll(code, "```", ""))
	if code == "" {
		return ""
	}
	if !endmoduleRe.MatchString(code) {
		code += "\nendmodule"
	}
	return code + "\n"
}

// ValidateHDL rejects output that cannot be a usable design.
func ValidateHDL(code string, dialect hdl.Dialect) error {
	if strings.TrimSpace(code) == "" {
		return errors.New("empty output")
	}
	if strings.Contains(code, "```") {
		return errors.New("markdown fence in output")
	}
	bare := commentRe.ReplaceAllString(code, "")
	modules := len(moduleDeclRe.FindAllString(bare, -1))
	ends := len(endmoduleRe.FindAllString(bare, -1))
	if modules == 0 {
		return errors.New("no module declaration")
	}
	if modules != ends {
		return errors.New("unbalanced module/endmodule")
	}
	if dialect == hdl.DialectVerilogEval && !topModuleRe.MatchString(bare) {
		return errors.New("module must be named TopModule")
	}
	return nil
}

// ExtractIntermediate pulls C++ or Python source out of a model response.
func ExtractIntermediate(response string, lang hdl.Path) string {
	if m := fenceRe.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := cppStartRe
	if lang == hdl.PathPython {
		start = pythonStartRe
	}
	lines := strings.Split(response, "\n")
	for i, line := range lines {
		if start.MatchString(strings.TrimSpace(line)) {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return strings.TrimSpace(response)
}
