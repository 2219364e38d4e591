package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recoverRun bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover stuck requests and expire overdue ones",
	Long:  "Resets requests whose worker heartbeat lapsed so they can be re-processed, and fails requests that exceeded the processing ceiling.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		expired, err := env.Checkpoints.ExpireOverdue(ctx)
		if err != nil {
			return err
		}

		recovered, err := env.Checkpoints.RecoverStuck(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("recovery sweep done",
			zap.Int("expired", expired),
			zap.Int("recovered", len(recovered)),
		)

		if !recoverRun {
			return nil
		}
		for _, req := range recovered {
			if err := env.Runner.Run(ctx, req.ID); err != nil {
				zap.L().Warn("recovered request failed",
					zap.String("request_id", req.ID),
					zap.Error(err),
				)
			}
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverRun, "run", false, "re-process recovered requests immediately")
	rootCmd.AddCommand(recoverCmd)
}
