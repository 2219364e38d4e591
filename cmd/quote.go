package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	quoteText string
	quoteCode string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Quote a single asset description",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := newRequest(quoteText, quoteCode, "")
		if err := env.Store.CreateRequest(ctx, req); err != nil {
			return eris.Wrap(err, "create request")
		}
		zap.L().Info("request enqueued", zap.String("request_id", req.ID))

		if err := env.Runner.Run(ctx, req.ID); err != nil {
			return eris.Wrap(err, "run request")
		}

		result, err := env.Store.GetRequest(ctx, req.ID)
		if err != nil {
			return eris.Wrap(err, "load result")
		}
		sources, err := env.Store.ListQuoteSources(ctx, req.ID)
		if err != nil {
			return eris.Wrap(err, "load sources")
		}
		result.Sources = sources

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteText, "text", "", "asset description (required)")
	quoteCmd.Flags().StringVar(&quoteCode, "code", "", "asset inventory code")
	_ = quoteCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(quoteCmd)
}
