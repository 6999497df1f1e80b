package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/signalnine/moahdl/internal/dataset"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/spf13/cobra"
)

var flagVerifyTask string

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify one HDL file against a task's testbench",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			dialect, err := hdl.ParseDialect(cfg.Dataset.Dialect)
			if err != nil {
				return err
			}
			tasks, err := dataset.Load(dialect, cfg.Dataset.Dir, []string{flagVerifyTask})
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading design: %w", err)
			}
			ver, closeVerifier, err := newVerifier(cfg, nil, nil, log)
			if err != nil {
				return err
			}
			defer closeVerifier()
			verdict, err := ver.Check(cmd.Context(), tasks[0], string(source))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(verdict)
		},
	}
	cmd.Flags().StringVar(&flagVerifyTask, "task", "", "task ID whose testbench to use")
	cmd.MarkFlagRequired("task")
	return cmd
}
