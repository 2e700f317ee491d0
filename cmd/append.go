package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-ledger/internal/engine"
	"github.com/sells-group/entity-ledger/internal/model"
)

var (
	appendEntityID    string
	appendEntityType  string
	appendName        string
	appendSourceID    string
	appendRunID       string
	appendObservedAt  string
	appendSpecificity float64
	appendPriority    int
)

var appendCmd = &cobra.Command{
	Use:   "append field=value [field:kind=value ...]",
	Short: "Append an observation to the ledger",
	Long: `Appends one immutable observation. The target entity is either an
explicit --entity-id or an identity hint (--type plus --name), which is
resolved deterministically and follows merge redirects.

Field values default to string; a kind suffix selects another type:
  revenue:number=12500000  active:bool=true  founded:timestamp=2001-06-01T00:00:00Z`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		fields, err := parseFieldArgs(args)
		if err != nil {
			return err
		}

		observedAt := time.Now().UTC()
		if appendObservedAt != "" {
			observedAt, err = time.Parse(time.RFC3339, appendObservedAt)
			if err != nil {
				return eris.Wrap(err, "parse --observed-at")
			}
		}

		id, err := env.Engine.Append(ctx, engine.AppendRequest{
			EntityID:   appendEntityID,
			EntityType: appendEntityType,
			Name:       appendName,
			Source: model.SourceRef{
				SourceID:            appendSourceID,
				InterpretationRunID: appendRunID,
			},
			ObservedAt:  observedAt,
			Specificity: appendSpecificity,
			Priority:    appendPriority,
			Fields:      fields,
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, id)
		return nil
	},
}

// parseFieldArgs converts field=value arguments into a tagged field map.
func parseFieldArgs(args []string) (map[string]model.Value, error) {
	fields := make(map[string]model.Value, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, &model.ValidationError{Msg: "field argument must be key=value: " + arg}
		}
		name, kind := key, "string"
		if n, k, ok := strings.Cut(key, ":"); ok {
			name, kind = n, k
		}

		var v model.Value
		switch kind {
		case "string":
			v = model.String(raw)
		case "number":
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &model.ValidationError{Msg: "invalid number for field " + name}
			}
			v = model.Number(f)
		case "bool":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, &model.ValidationError{Msg: "invalid bool for field " + name}
			}
			v = model.Boolean(b)
		case "timestamp":
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, &model.ValidationError{Msg: "invalid timestamp for field " + name}
			}
			v = model.Timestamp(t)
		case "null":
			v = model.Null()
		default:
			return nil, &model.ValidationError{Msg: "unknown value kind: " + kind}
		}
		fields[name] = v
	}
	return fields, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	appendCmd.Flags().StringVar(&appendEntityID, "entity-id", "", "resolved entity id")
	appendCmd.Flags().StringVar(&appendEntityType, "type", "", "entity type (identity hint)")
	appendCmd.Flags().StringVar(&appendName, "name", "", "entity name (identity hint)")
	appendCmd.Flags().StringVar(&appendSourceID, "source", "", "source material id")
	appendCmd.Flags().StringVar(&appendRunID, "run", "", "interpretation run id")
	appendCmd.Flags().StringVar(&appendObservedAt, "observed-at", "", "observation time (RFC 3339, default now)")
	appendCmd.Flags().Float64Var(&appendSpecificity, "specificity", 0.5, "extraction specificity score")
	appendCmd.Flags().IntVar(&appendPriority, "priority", model.PriorityExtraction, "source priority")
	rootCmd.AddCommand(appendCmd)
}
