package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/orchestrator"
)

var batchID string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process a batch of quote requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		b := orchestrator.NewBatchRunner(env.Store, env.Runner, cfg.Batch.Workers)
		if err := b.Run(ctx, batchID); err != nil {
			return eris.Wrap(err, "run batch")
		}

		batch, err := env.Store.GetBatch(ctx, batchID)
		if err != nil {
			return eris.Wrap(err, "load batch")
		}
		zap.L().Info("batch done",
			zap.String("batch_id", batch.ID),
			zap.String("status", string(batch.Status)),
			zap.Int("completed", batch.CompletedItems),
			zap.Int("failed", batch.FailedItems),
		)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchID, "id", "", "batch id (required)")
	_ = batchCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(batchCmd)
}
