package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clickstream-etl/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "clickstream-etl",
	Short: "Batch analytics pipeline for e-commerce clickstream data",
	Long:  "Cleans raw clickstream/transaction events, segments users via RFM clustering, derives funnel and cohort marts, and persists them with atomic table swaps.",
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
