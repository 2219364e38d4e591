package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cotador",
	Short: "Automated market-price discovery for asset revaluation",
	Long:  "Analyzes asset descriptions, searches shopping listings, renders store pages headlessly and extracts validated BRL price observations with screenshot evidence.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
