// Command intake serves and runs intake workflows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "intake",
		Short:         "Run execution engine for multi-section intake workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newValidateCmd(),
		newRunCmd(),
		newSchemaCmd(),
		newConfigCmd(),
		newSecretCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the intake version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}
