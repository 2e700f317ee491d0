package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-ledger/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "entity-ledger",
	Short: "Observation ledger and entity resolution engine",
	Long:  "Appends source-derived observations to an immutable ledger, reduces them into deterministic entity snapshots with field-level provenance, and manages corrections, entity merges, and typed relationships.",
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
