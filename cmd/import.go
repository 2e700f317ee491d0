package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-ledger/internal/model"
)

var importBatchSize int

var importCmd = &cobra.Command{
	Use:   "import <observations.jsonl>",
	Short: "Bulk-load observations from a JSONL file",
	Long: `Reads one observation per line and appends them in batches. Entity
rows are ensured before each batch so ledger foreign keys hold. Intended
for backfills; per-observation timeline derivation is skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close() //nolint:errcheck

		var batch []model.Observation
		var total int
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			for _, o := range batch {
				if _, err := env.Store.EnsureEntity(ctx, model.Entity{
					ID:            o.EntityID,
					Type:          o.EntityType,
					CanonicalName: o.EntityID,
				}); err != nil {
					return err
				}
			}
			if _, err := env.Store.AppendObservations(ctx, batch); err != nil {
				return err
			}
			total += len(batch)
			batch = batch[:0]
			return nil
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var obs model.Observation
			if err := json.Unmarshal(scanner.Bytes(), &obs); err != nil {
				return eris.Wrapf(err, "parse line %d", line)
			}
			if err := obs.Validate(); err != nil {
				return eris.Wrapf(err, "line %d", line)
			}
			batch = append(batch, obs)
			if len(batch) >= importBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "read import file")
		}
		if err := flush(); err != nil {
			return err
		}

		zap.L().Info("import complete", zap.Int("observations", total))
		fmt.Fprintf(os.Stdout, "imported %d observations\n", total)
		return nil
	},
}

func init() {
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 500, "observations per batch")
	rootCmd.AddCommand(importCmd)
}
