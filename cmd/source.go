package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-ledger/internal/model"
)

var (
	sourceOwner string
	sourceMime  string
	sourceHash  string
	sourceFile  string
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage source material records",
}

var sourceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register source material, deduplicating identical content",
	Long: `Registers a source material record keyed by (owner, content hash).
Pass --file to hash local content, or --hash for content hashed
upstream. Re-registering identical content returns the existing record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		hash := sourceHash
		if sourceFile != "" {
			data, err := os.ReadFile(sourceFile)
			if err != nil {
				return eris.Wrap(err, "read source file")
			}
			sum := sha256.Sum256(data)
			hash = hex.EncodeToString(sum[:])
		}

		sm, deduped, err := env.Engine.RegisterSource(ctx, model.SourceMaterial{
			OwnerID:     sourceOwner,
			ContentHash: hash,
			MimeType:    sourceMime,
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"source":  sm,
			"deduped": deduped,
		})
	},
}

func init() {
	sourceRegisterCmd.Flags().StringVar(&sourceOwner, "owner", "", "owner id")
	sourceRegisterCmd.Flags().StringVar(&sourceMime, "mime", "", "mime type")
	sourceRegisterCmd.Flags().StringVar(&sourceHash, "hash", "", "content hash (hex)")
	sourceRegisterCmd.Flags().StringVar(&sourceFile, "file", "", "file to hash")
	sourceCmd.AddCommand(sourceRegisterCmd)
	rootCmd.AddCommand(sourceCmd)
}
