package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Master data consolidation and SCD2 warehouse load for retail orders",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newMigrateCommand(),
		newRunCommand(),
		newDimDateCommand(),
		newServeCommand(),
		newIngestCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
