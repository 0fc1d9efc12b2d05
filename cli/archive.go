package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/workhubhq/workhub/archive"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/db"
)

func init() {
	RootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().String("bucket", "", "archive bucket name (required)")
	archiveCmd.Flags().String("endpoint", "", "S3-compatible endpoint URL, empty for AWS")
	archiveCmd.Flags().String("region", "", "bucket region")
	archiveCmd.Flags().String("access-key", "", "static access key, empty for the ambient credential chain")
	archiveCmd.Flags().String("secret-key", "", "static secret key")
	archiveCmd.Flags().String("prefix", "workhub", "object key prefix inside the bucket")
	archiveCmd.Flags().Duration("retention", 30*24*time.Hour, "only archive rows first seen longer ago than this")
	archiveCmd.Flags().Int("limit", 10000, "maximum rows per run")
	archiveCmd.MarkFlagRequired("bucket")
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "move aged deduplication rows to object storage",
	Long: `Uploads deduplication rows older than the retention window to an
S3-compatible bucket as JSON lines and deletes them from PostgreSQL.

Run this only with a retention longer than the broker's redelivery
horizon, otherwise an archived message id could be accepted twice.`,
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

		endpoint, _ := cmd.Flags().GetString("endpoint")
		region, _ := cmd.Flags().GetString("region")
		accessKey, _ := cmd.Flags().GetString("access-key")
		secretKey, _ := cmd.Flags().GetString("secret-key")
		client, err := archive.NewS3Client(ctx, archive.ClientConfig{
			Endpoint:  endpoint,
			Region:    region,
			AccessKey: accessKey,
			SecretKey: secretKey,
		})
		if err != nil {
			return err
		}

		bucket, _ := cmd.Flags().GetString("bucket")
		prefix, _ := cmd.Flags().GetString("prefix")
		limit, _ := cmd.Flags().GetInt("limit")
		archiver := archive.NewArchiver(store, client, archive.Options{
			Bucket:     bucket,
			Prefix:     prefix,
			BatchLimit: limit,
		})
		if err := archiver.EnsureBucket(ctx); err != nil {
			return err
		}

		retention, _ := cmd.Flags().GetDuration("retention")
		result, err := archiver.ArchiveDedup(ctx, retention)
		if err != nil {
			return err
		}

		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	},
}
