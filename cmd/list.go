package cmd

import (
	"fmt"

	"github.com/signalnine/moahdl/internal/dataset"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dataset tasks and configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			fmt.Println("Backends:")
			for _, b := range cfg.Backends {
				fmt.Printf("  - %s (%s/%s)\n", b.Name, b.Provider, b.Model)
			}
			dialect, err := hdl.ParseDialect(cfg.Dataset.Dialect)
			if err != nil {
				return err
			}
			tasks, err := dataset.Load(dialect, cfg.Dataset.Dir, cfg.Dataset.Tasks)
			if err != nil {
				return err
			}
			fmt.Printf("\nTasks (%s, %s):\n", dialect, cfg.Dataset.Dir)
			for _, t := range tasks {
				note := ""
				if t.Testbench == "" {
					note = " [no testbench]"
				}
				fmt.Printf("  - %s%s\n", t.ID, note)
			}
			return nil
		},
	}
}
