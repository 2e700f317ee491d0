package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var snapshotAt string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <entity-id>",
	Short: "Compute the current or as-of snapshot of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if snapshotAt == "" {
			snap, err := env.Engine.CurrentSnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		}

		at, err := time.Parse(time.RFC3339, snapshotAt)
		if err != nil {
			return eris.Wrap(err, "parse --at")
		}
		snap, err := env.Engine.SnapshotAt(ctx, args[0], at)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotAt, "at", "", "historical cutoff (RFC 3339)")
	rootCmd.AddCommand(snapshotCmd)
}
