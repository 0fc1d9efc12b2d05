package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/db"
)

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("perspective", "", "limit checkpoint output to one perspective")
	statsCmd.Flags().Bool("checkpoints", false, "list perspective checkpoints instead of queue statistics")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "inspect the coordination store",
	Long: `Reads queue depths, the active instance set and perspective checkpoints
straight from the coordination tables and prints them as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		database, err := db.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer database.Close()

		store := coordinator.NewStore(database, db.Schema{
			Prefix:            cfg.Database.Prefix,
			PerspectivePrefix: cfg.Database.PerspectivePrefix,
			SchemaName:        cfg.Database.Schema,
		})

		var out any
		if listCheckpoints, _ := cmd.Flags().GetBool("checkpoints"); listCheckpoints {
			name, _ := cmd.Flags().GetString("perspective")
			out, err = store.Checkpoints(ctx, name)
		} else {
			out, err = store.CollectStats(ctx)
		}
		if err != nil {
			return err
		}

		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	},
}
