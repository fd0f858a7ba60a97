package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

func newRunCommand() *cobra.Command {
	var (
		batchID     string
		entityTypes []string
		skipFacts   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consolidate staged records into the dimensions and load the batch's facts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := pipeline.Options{SkipFacts: skipFacts}
			for _, et := range entityTypes {
				entityType := models.EntityType(et)
				if !entityType.IsValid() {
					return fmt.Errorf("unknown entity type %q", et)
				}
				opts.EntityTypes = append(opts.EntityTypes, entityType)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, needs{rules: true, postgres: true, extras: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			runner, err := a.newRunner(opts)
			if err != nil {
				return err
			}

			summary, runErr := runner.Run(ctx, batchID)
			if summary != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch identifier; generated when empty")
	cmd.Flags().StringSliceVar(&entityTypes, "entity-type", nil, "limit the run to these entity types")
	cmd.Flags().BoolVar(&skipFacts, "skip-facts", false, "consolidate dimensions only")
	return cmd
}
