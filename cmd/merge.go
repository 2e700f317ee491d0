package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-ledger/internal/engine"
)

var (
	mergeRequestID string
	mergeReason    string
)

var mergeCmd = &cobra.Command{
	Use:   "merge <from-entity-id> <to-entity-id>",
	Short: "Merge one entity into another",
	Long: `Atomically re-points every observation of the source entity to the
target and marks the source merged. Replaying the same --request-id
returns the original receipt instead of re-moving observations.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		receipt, err := env.Engine.Merge(ctx, engine.MergeRequest{
			FromID:    args[0],
			ToID:      args[1],
			RequestID: mergeRequestID,
			Reason:    mergeReason,
		})
		if err != nil {
			return err
		}
		return printJSON(receipt)
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeRequestID, "request-id", "", "idempotency key for retries")
	mergeCmd.Flags().StringVar(&mergeReason, "reason", "", "why the entities are being merged")
	rootCmd.AddCommand(mergeCmd)
}
