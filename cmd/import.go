package main

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/inventory"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/orchestrator"
)

var (
	importPath    string
	importSheet   string
	importProject string
	importRun     bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an XLSX asset inventory as a batch of quote requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts := inventory.DefaultOptions()
		opts.SheetName = importSheet
		items, err := inventory.ReadXLSX(importPath, opts)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return eris.Errorf("no quotable rows in %s", importPath)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		batch := &model.BatchJob{
			ID:                 uuid.NewString(),
			ProjectID:          importProject,
			Status:             model.BatchPending,
			TotalItems:         len(items),
			LastProcessedIndex: -1,
		}
		if err := env.Store.CreateBatch(ctx, batch); err != nil {
			return eris.Wrap(err, "create batch")
		}

		for i, item := range items {
			req := newRequest(item.Description, item.Code, importProject)
			req.BatchID = batch.ID
			req.BatchIndex = i
			if err := env.Store.CreateRequest(ctx, req); err != nil {
				return eris.Wrapf(err, "create request for row %d", i)
			}
		}

		zap.L().Info("inventory imported",
			zap.String("batch_id", batch.ID),
			zap.Int("items", len(items)),
			zap.String("file", importPath),
		)

		if !importRun {
			return nil
		}
		b := orchestrator.NewBatchRunner(env.Store, env.Runner, cfg.Batch.Workers)
		return b.Run(ctx, batch.ID)
	},
}

func init() {
	importCmd.Flags().StringVar(&importPath, "xlsx", "", "path to inventory spreadsheet (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "sheet name (defaults to the first sheet)")
	importCmd.Flags().StringVar(&importProject, "project", "", "project id for the batch")
	importCmd.Flags().BoolVar(&importRun, "run", false, "process the batch immediately after import")
	_ = importCmd.MarkFlagRequired("xlsx")
	rootCmd.AddCommand(importCmd)
}
