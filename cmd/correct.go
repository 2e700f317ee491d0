package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/entity-ledger/internal/model"
)

var correctCmd = &cobra.Command{
	Use:   "correct <entity-id> field=value",
	Short: "Apply a manual correction to one field",
	Long: `Appends a priority-1000 observation that deterministically overrides
every ordinary extraction of the field. The ledger keeps all prior
observations; only the reduction outcome changes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		fields, err := parseFieldArgs(args[1:])
		if err != nil {
			return err
		}
		if len(fields) != 1 {
			return &model.ValidationError{Msg: "correct takes exactly one field=value"}
		}

		for field, value := range fields {
			id, err := env.Engine.Correct(ctx, args[0], "", field, value)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(correctCmd)
}
