package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/entity-ledger/internal/model"
	"github.com/sells-group/entity-ledger/internal/store"
)

var relateMetadata []string

var relateCmd = &cobra.Command{
	Use:   "relate <type> <source-entity-id> <target-entity-id>",
	Short: "Create a typed relationship between two entities",
	Long: `Creates a directed edge. Ordered types (supersedes, depends_on) are
checked for cycles before insert; a rejected edge leaves the graph
unchanged.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		relType, err := model.ParseRelationType(args[0])
		if err != nil {
			return err
		}

		metadata := make(map[string]string, len(relateMetadata))
		for _, kv := range relateMetadata {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return &model.ValidationError{Msg: "metadata must be key=value: " + kv}
			}
			metadata[k] = v
		}

		id, err := env.Graph.Create(ctx, relType, args[1], args[2], metadata)
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, id)
		return nil
	},
}

var relationsCmd = &cobra.Command{
	Use:   "relations <entity-id>",
	Short: "List relationships touching an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		dirFlag, _ := cmd.Flags().GetString("direction")
		typeFlag, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		direction, err := model.ParseDirection(dirFlag)
		if err != nil {
			return err
		}
		q := store.RelationshipQuery{Direction: direction, Limit: limit, Offset: offset}
		if typeFlag != "" {
			relType, err := model.ParseRelationType(typeFlag)
			if err != nil {
				return err
			}
			q.Type = relType
		}

		rels, err := env.Graph.List(ctx, args[0], q)
		if err != nil {
			return err
		}
		return printJSON(rels)
	},
}

func init() {
	relateCmd.Flags().StringArrayVar(&relateMetadata, "meta", nil, "edge metadata key=value (repeatable)")
	relationsCmd.Flags().String("direction", "both", "out, in, or both")
	relationsCmd.Flags().String("type", "", "filter by relationship type")
	relationsCmd.Flags().Int("limit", 50, "maximum relationships to return")
	relationsCmd.Flags().Int("offset", 0, "pagination offset")
	rootCmd.AddCommand(relateCmd, relationsCmd)
}
