package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "moahdl",
		Short:        "Layered LLM generation of verified hardware designs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "moahdl.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newVerifyCmd())
	return root
}
