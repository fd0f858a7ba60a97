package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/datedim"
	"github.com/Ramsey-B/fern/pkg/dimdate"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

func newDimDateCommand() *cobra.Command {
	var start, end, batchID string

	cmd := &cobra.Command{
		Use:   "dimdate",
		Short: "Generate the date dimension for an inclusive date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, ok := normalizers.ParseDate(start)
			if !ok {
				return fmt.Errorf("invalid --start date %q", start)
			}
			to, ok := normalizers.ParseDate(end)
			if !ok {
				return fmt.Errorf("invalid --end date %q", end)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, needs{postgres: true, extras: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			holidays, err := dimdate.ParseHolidays(a.cfg.Holidays)
			if err != nil {
				return err
			}

			written, err := pipeline.LoadDateDimension(ctx, datedim.NewRepository(a.db, a.logger), pipeline.DateRange{
				Start:            from,
				End:              to,
				FiscalStartMonth: a.cfg.FiscalYearStartMonth,
				Holidays:         holidays,
				BatchID:          batchID,
			}, a.auditSinks(), a.logger)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d date rows\n", written)
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch identifier for the audit trail")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}
