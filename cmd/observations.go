package main

import (
	"github.com/spf13/cobra"
)

var (
	observationsLimit  int
	observationsOffset int
)

var observationsCmd = &cobra.Command{
	Use:   "observations <entity-id>",
	Short: "List an entity's observations in ledger order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		obs, err := env.Engine.ListObservations(ctx, args[0], observationsLimit, observationsOffset)
		if err != nil {
			return err
		}
		return printJSON(obs)
	},
}

var provenanceCmd = &cobra.Command{
	Use:   "provenance <entity-id> <field>",
	Short: "Show the observation that supplied a field's current value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		obs, err := env.Engine.FieldProvenance(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(obs)
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <entity-id>",
	Short: "List derived timeline events for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		events, err := env.Engine.Timeline(ctx, args[0], limit, offset)
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

func init() {
	observationsCmd.Flags().IntVar(&observationsLimit, "limit", 50, "maximum observations to return")
	observationsCmd.Flags().IntVar(&observationsOffset, "offset", 0, "pagination offset")
	timelineCmd.Flags().Int("limit", 50, "maximum events to return")
	timelineCmd.Flags().Int("offset", 0, "pagination offset")
	rootCmd.AddCommand(observationsCmd, provenanceCmd, timelineCmd)
}
