package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/staging"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/processor"
)

func newIngestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Stage clean records from the ingest topic until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, needs{postgres: true})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			proc := processor.NewProcessor(a.logger, staging.NewRepository(a.db, a.logger))
			consumer := kafka.NewConsumer(a.cfg, a.logger, proc.ProcessMessage)
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			a.logger.WithFields(map[string]any{
				"topic": a.cfg.KafkaIngestTopic,
				"group": a.cfg.KafkaConsumerGroup,
			}).Info("Ingest consumer started")

			<-ctx.Done()
			return consumer.Stop()
		},
	}
}
