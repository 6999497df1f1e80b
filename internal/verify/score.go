package verify

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Partial credit for designs that compile and simulate but fail the
// testbench. Starts at 0.85 and subtracts capped penalties for suspicious
// logic, synthesis and style patterns; never drops below 0.45.
const (
	partialCeiling = 0.85
	partialFloor   = 0.45
)

var (
	alwaysBlockRe = regexp.MustCompile(`(?is)always\s*@[^}]*?end`)
	sensListRe    = regexp.MustCompile(`(?i)always\s*@\s*\([^)]+\)`)
	nonblockingRe = regexp.MustCompile(`(\w+)\s*<=`)
	resetIfRe     = regexp.MustCompile(`if\s*\(\s*(!?\w*[Rr][Ss][Tt]\w*)\s*\)`)
	holdRe        = regexp.MustCompile(`(\w+)\s*<=\s*(\w+)\s*;`)
	edgeSignalRe  = regexp.MustCompile(`or\s+(\w+)`)
	assignRe      = regexp.MustCompile(`assign\s+(\w+)\s*=`)
	widthDeclRe   = regexp.MustCompile(`\[(\d+):(\d+)\]\s*(\w+)`)
	literalRe     = regexp.MustCompile(`(\d+)'[bd]`)
	regDeclRe     = regexp.MustCompile(`reg\s+(?:\[[\d:]+\]\s+)?(\w+)`)
	regWidthRe    = regexp.MustCompile(`reg\s+\[[\d:]+\]`)
)

// SeverityScore grades a functionally failing design in [0.45, 0.85]. It is a
// pure function of the source text.
func SeverityScore(source string) float64 {
	score := partialCeiling - logicPenalty(source) - synthesisPenalty(source) - stylePenalty(source)
	score = math.Round(score*1000) / 1000
	return math.Max(score, partialFloor)
}

func submatches(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

func unique(ss []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func logicPenalty(src string) float64 {
	blocks := alwaysBlockRe.FindAllString(src, -1)
	p := 0.0

	// one block updating many registers
	for _, b := range blocks {
		switch n := len(unique(submatches(nonblockingRe, b))); {
		case n > 3:
			p += 0.2
		case n > 2:
			p += 0.1
		}
	}

	// same register driven from several blocks
	for _, sig := range unique(submatches(nonblockingRe, src)) {
		re := regexp.MustCompile(regexp.QuoteMeta(sig) + `\s*<=`)
		drivers := 0
		for _, b := range blocks {
			if re.MatchString(b) {
				drivers++
			}
		}
		if drivers > 1 {
			p += 0.15
		}
	}

	for _, b := range blocks {
		if !strings.Contains(strings.ToLower(b), "posedge") {
			continue
		}
		if !resetIfRe.MatchString(b) {
			p += 0.1
		}
		holds := 0
		for _, line := range strings.Split(b, "\n") {
			if m := holdRe.FindStringSubmatch(line); m != nil && m[1] == m[2] {
				holds++
			}
		}
		if holds > 2 {
			p += 0.1
		}
	}
	return math.Min(p, 0.4)
}

func synthesisPenalty(src string) float64 {
	p := 0.0
	for _, sens := range sensListRe.FindAllString(src, -1) {
		lower := strings.ToLower(sens)
		if !(strings.Contains(lower, "posedge") || strings.Contains(lower, "negedge")) || !strings.Contains(lower, "or") {
			continue
		}
		plain := 0
		for _, sig := range submatches(edgeSignalRe, lower) {
			if sig != "posedge" && sig != "negedge" {
				plain++
			}
		}
		if plain > 1 {
			p += 0.05
		}
	}

	driven := map[string]bool{}
	for _, sig := range submatches(nonblockingRe, src) {
		driven[sig] = true
	}
	for _, sig := range submatches(assignRe, src) {
		if driven[sig] {
			p += 0.1
		}
	}

	for _, m := range widthDeclRe.FindAllStringSubmatch(src, -1) {
		high, _ := strconv.Atoi(m[1])
		low, _ := strconv.Atoi(m[2])
		want := high - low + 1
		rhsRe := regexp.MustCompile(regexp.QuoteMeta(m[3]) + `\s*<=\s*([^;]+)`)
		for _, rhs := range submatches(rhsRe, src) {
			lit := literalRe.FindStringSubmatch(rhs)
			if lit == nil {
				continue
			}
			if w, _ := strconv.Atoi(lit[1]); w != want {
				p += 0.05
			}
		}
	}
	return math.Min(p, 0.2)
}

func stylePenalty(src string) float64 {
	p := 0.0
	var lines, indented int
	for _, line := range strings.Split(src, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			indented++
		}
	}
	if lines > 0 && float64(indented) < float64(lines)*0.3 {
		p += 0.02
	}

	regs := len(regDeclRe.FindAllString(src, -1))
	if regs > len(regWidthRe.FindAllString(src, -1)) && regs > 2 {
		p += 0.01
	}
	if len(unique(submatches(resetIfRe, src))) > 1 {
		p += 0.01
	}
	if strings.Contains(src, "input wire") && strings.Count(src, "input wire") < strings.Count(src, "input") {
		p += 0.01
	}
	if strings.Contains(src, "(") && float64(strings.Count(src, " (")) < float64(strings.Count(src, "("))*0.5 {
		p += 0.01
	}
	return math.Min(p, 0.06)
}
