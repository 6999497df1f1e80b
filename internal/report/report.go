package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/moahdl/internal/pricing"
	"github.com/signalnine/moahdl/internal/result"
)

// KValues are the pass@k cut-offs reported when enough trials exist.
var KValues = []int{1, 5, 10}

type TaskSummary struct {
	Task           string  `json:"task"`
	Trials         int     `json:"trials"`
	Passed         int     `json:"passed"`
	Errors         int     `json:"errors"`
	BestScore      float64 `json:"best_score"`
	MeanScore      float64 `json:"mean_score"`
	MeanLayers     float64 `json:"mean_layers"`
	RefineAttempts int     `json:"refine_attempts"`
	EarlyStops     int     `json:"early_stops"`
	Tokens         int     `json:"tokens"`
	CostUSD        float64 `json:"cost_usd"`
}

type Report struct {
	Run       string             `json:"run,omitempty"`
	Tasks     []TaskSummary      `json:"tasks"`
	Trials    int                `json:"trials"`
	PassRate  float64            `json:"pass_rate"`
	MeanScore float64            `json:"mean_score"`
	PassAtK   map[string]float64 `json:"pass_at_k"`
	CostUSD   float64            `json:"cost_usd"`
	// Unpriced lists backends that used tokens the pricing table has no
	// price for; their cost is counted as zero.
	Unpriced  []string           `json:"unpriced,omitempty"`
}

// Generate reads a run's summaries and writes a report in format (table,
// markdown or json). With a pricing file, token usage is priced through the
// run's backend list.
func Generate(runDir, format string, w io.Writer, pricingPath ...string) error {
	summaries, err := result.ReadSummaries(runDir)
	if err != nil {
		return err
	}
	meta, _ := result.ReadRunMeta(runDir)
	var table *pricing.Table
	if len(pricingPath) > 0 && pricingPath[0] != "" {
		table, err = pricing.Load(pricingPath[0])
		if err != nil {
			return err
		}
	}
	rep := Build(summaries, meta, table)
	if meta != nil {
		rep.Run = meta.Name
	}

	switch format {
	case "markdown":
		return writeMarkdown(rep, w)
	case "json":
		return writeJSON(rep, w)
	default:
		return writeTable(rep, w)
	}
}

// Build aggregates summaries per task. meta and table may be nil.
func Build(summaries []*result.Summary, meta *result.RunMeta, table *pricing.Table) *Report {
	byTask := map[string]*TaskSummary{}
	rep := &Report{PassAtK: map[string]float64{}}
	passed := 0
	layers := map[string]int{}
	unpriced := map[string]bool{}
	for _, s := range summaries {
		ts, ok := byTask[s.Task]
		if !ok {
			ts = &TaskSummary{Task: s.Task}
			byTask[s.Task] = ts
		}
		ts.Trials++
		ts.MeanScore += s.Score
		ts.BestScore = max(ts.BestScore, s.Score)
		ts.RefineAttempts += s.RefineAttempts
		layers[s.Task] += s.LayersConsumed
		if s.Pass {
			ts.Passed++
			passed++
		}
		if s.Failed() {
			ts.Errors++
		}
		if s.EarlyStopped {
			ts.EarlyStops++
		}
		for backend, u := range s.Usage {
			ts.Tokens += u.InputTokens + u.OutputTokens
			if meta != nil && table != nil {
				info, ok := meta.Backends[backend]
				switch {
				case !ok || !table.Known(info.Provider, info.Model):
					unpriced[backend] = true
				default:
					ts.CostUSD += table.Cost(info.Provider, info.Model, u)
				}
			}
		}
		rep.Trials++
		rep.MeanScore += s.Score
	}

	maxTrials := 0
	for _, ts := range byTask {
		ts.MeanLayers = float64(layers[ts.Task]) / float64(ts.Trials)
		ts.MeanScore /= float64(ts.Trials)
		rep.CostUSD += ts.CostUSD
		maxTrials = max(maxTrials, ts.Trials)
		rep.Tasks = append(rep.Tasks, *ts)
	}
	sort.Slice(rep.Tasks, func(i, j int) bool { return rep.Tasks[i].Task < rep.Tasks[j].Task })
	for b := range unpriced {
		rep.Unpriced = append(rep.Unpriced, b)
	}
	sort.Strings(rep.Unpriced)
	if rep.Trials > 0 {
		rep.PassRate = float64(passed) / float64(rep.Trials)
		rep.MeanScore /= float64(rep.Trials)
	}
	for _, k := range KValues {
		if k > maxTrials {
			continue
		}
		total := 0.0
		for _, ts := range rep.Tasks {
			total += PassAtK(ts.Trials, ts.Passed, k)
		}
		rep.PassAtK[fmt.Sprintf("pass@%d", k)] = total / float64(len(rep.Tasks))
	}
	return rep
}

// PassAtK is the unbiased estimator 1 - C(n-c, k) / C(n, k) for n samples
// of which c pass.
func PassAtK(n, c, k int) float64 {
	if n <= 0 || c <= 0 || k <= 0 {
		return 0
	}
	if k > n {
		k = n
	}
	if n-c < k {
		return 1
	}
	allWrong := 1.0
	for i := n - c + 1; i <= n; i++ {
		allWrong *= 1 - float64(k)/float64(i)
	}
	return 1 - allWrong
}

func passAtKKeys(rep *Report) []string {
	var keys []string
	for _, k := range KValues {
		key := fmt.Sprintf("pass@%d", k)
		if _, ok := rep.PassAtK[key]; ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func writeTable(rep *Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTRIALS\tPASSED\tBEST\tMEAN SCORE\tMEAN LAYERS\tREFINES\tTOKENS\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, s := range rep.Tasks {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.3f\t%.3f\t%.1f\t%d\t%d\t$%.2f\n",
			s.Task, s.Trials, s.Passed, s.BestScore, s.MeanScore, s.MeanLayers, s.RefineAttempts, s.Tokens, s.CostUSD)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d trials, pass rate %.0f%%, mean score %.3f, cost $%.2f\n",
		rep.Trials, rep.PassRate*100, rep.MeanScore, rep.CostUSD)
	for _, key := range passAtKKeys(rep) {
		fmt.Fprintf(w, "%s: %.2f%%\n", key, rep.PassAtK[key]*100)
	}
	if len(rep.Unpriced) > 0 {
		fmt.Fprintf(w, "no pricing for: %s\n", strings.Join(rep.Unpriced, ", "))
	}
	return nil
}

func writeMarkdown(rep *Report, w io.Writer) error {
	fmt.Fprintln(w, "| Task | Trials | Passed | Best | Mean Score | Mean Layers | Refines | Tokens | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|")
	for _, s := range rep.Tasks {
		fmt.Fprintf(w, "| %s | %d | %d | %.3f | %.3f | %.1f | %d | %d | $%.2f |\n",
			s.Task, s.Trials, s.Passed, s.BestScore, s.MeanScore, s.MeanLayers, s.RefineAttempts, s.Tokens, s.CostUSD)
	}
	fmt.Fprintf(w, "\n**%d trials**, pass rate %.0f%%, mean score %.3f\n", rep.Trials, rep.PassRate*100, rep.MeanScore)
	for _, key := range passAtKKeys(rep) {
		fmt.Fprintf(w, "- %s: %.2f%%\n", key, rep.PassAtK[key]*100)
	}
	if len(rep.Unpriced) > 0 {
		fmt.Fprintf(w, "\nNo pricing for: %s\n", strings.Join(rep.Unpriced, ", "))
	}
	return nil
}

func writeJSON(rep *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
