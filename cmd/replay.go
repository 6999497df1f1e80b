package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/signalnine/moahdl/internal/cache"
	"github.com/spf13/cobra"
)

var (
	flagReplayTask  string
	flagReplayTrial int
	flagReplayLayer int
	flagReplayK     int
	flagReplayStore string
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <cache-dir>",
		Short: "Rebuild a task's quality cache from persisted records and print its top candidates",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	cmd.Flags().StringVar(&flagReplayTask, "task", "", "task ID")
	cmd.Flags().IntVar(&flagReplayTrial, "trial", 1, "trial number")
	cmd.Flags().IntVar(&flagReplayLayer, "layer", -1, "layer to rank (-1 = last recorded)")
	cmd.Flags().IntVar(&flagReplayK, "k", 3, "number of candidates")
	cmd.Flags().StringVar(&flagReplayStore, "store", "json", "store kind (json, badger)")
	cmd.MarkFlagRequired("task")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	log := defaultLogger()
	defer log.Sync()
	if flagReplayStore == "none" {
		return fmt.Errorf("store kind none has nothing to replay")
	}
	store, err := cache.OpenStore(flagReplayStore, args[0], log)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Load(cmd.Context(), flagReplayTask, flagReplayTrial)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no records for %s trial %d in %s", flagReplayTask, flagReplayTrial, args[0])
	}
	c, err := cache.Replay(flagReplayTask, flagReplayTrial, recs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	stats := c.Stats()
	layer := flagReplayLayer
	if layer < 0 {
		layer = stats[len(stats)-1].Layer
	}
	for _, s := range stats {
		fmt.Fprintf(out, "layer %d: %d candidates, avg %.3f, max %.3f, min %.3f\n", s.Layer, s.Count, s.Avg, s.Max, s.Min)
	}
	fmt.Fprintf(out, "\ntop %d of layer %d:\n", flagReplayK, layer)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSEQ\tSOURCE\tBEST\tORIGINAL\tCLASS\tREFINES")
	for i, e := range c.SelectTopK(layer, flagReplayK) {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%.3f\t%.3f\t%s\t%d\n",
			i+1, e.Seq, e.Candidate.Origin(), e.BestScore(), e.OriginalScore(), e.Verdict.Class, e.RefineCalls)
	}
	return tw.Flush()
}
