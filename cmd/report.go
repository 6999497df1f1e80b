package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/report"
	"github.com/spf13/cobra"
)

var (
	flagFormat  string
	flagPricing string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize a run's stored results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := ""
			pricing := flagPricing
			if len(args) > 0 {
				runDir = args[0]
			}
			if runDir == "" || pricing == "" {
				cfg, err := config.Load(cfgFile)
				switch {
				case err == nil:
					if runDir == "" {
						runDir = filepath.Join(cfg.Results.Dir, "latest")
					}
					if pricing == "" {
						pricing = cfg.Pricing
					}
				case runDir == "":
					return err
				}
			}
			resolved, err := filepath.EvalSymlinks(runDir)
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			return report.Generate(resolved, flagFormat, os.Stdout, pricing)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().StringVar(&flagPricing, "pricing", "", "pricing table for cost estimates (defaults to the config's)")
	return cmd
}
