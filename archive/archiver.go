// Package archive moves aged coordination rows to object storage. The
// deduplication set grows forever because the engine never prunes it;
// operators run the archiver once broker retention guarantees that the
// archived message ids can no longer be redelivered.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
)

// DedupSource reads and removes deduplication rows. Satisfied by
// *coordinator.Store.
type DedupSource interface {
	DedupBefore(ctx context.Context, cutoff time.Time, limit int) ([]coordinator.DedupRecord, error)
	DeleteDedup(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Options configure an archiver run.
type Options struct {
	// Bucket receives the archive objects.
	Bucket string

	// Prefix namespaces the object keys inside the bucket (default
	// "workhub").
	Prefix string

	// BatchLimit bounds the rows moved per call (default 10000).
	BatchLimit int
}

// Result describes one completed archive pass.
type Result struct {
	Archived  int    `json:"archived"`
	Deleted   int64  `json:"deleted"`
	ObjectKey string `json:"object_key,omitempty"`
	Bytes     int    `json:"bytes"`
}

// Archiver writes aged deduplication rows to S3 and deletes them from
// PostgreSQL afterwards. A crash between upload and delete leaves rows to
// be re-archived; duplicate archive objects are harmless.
type Archiver struct {
	source DedupSource
	client S3Client
	opts   Options
	logger *logrus.Entry
}

func NewArchiver(source DedupSource, client S3Client, opts Options) *Archiver {
	if opts.Prefix == "" {
		opts.Prefix = "workhub"
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 10000
	}
	return &Archiver{
		source: source,
		client: client,
		opts:   opts,
		logger: common.Logger.WithField("component", "archiver"),
	}
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.opts.Bucket),
	})
	if err == nil {
		return nil
	}

	if _, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.opts.Bucket),
	}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.opts.Bucket, err)
	}
	return nil
}

// ArchiveDedup moves deduplication rows first seen before now-retention to
// one JSON-lines object, then deletes them. Rows are deleted only after
// the upload succeeded.
func (a *Archiver) ArchiveDedup(ctx context.Context, retention time.Duration) (*Result, error) {
	cutoff := time.Now().Add(-retention)

	records, err := a.source.DedupBefore(ctx, cutoff, a.opts.BatchLimit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &Result{}, nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", r.MessageID, err)
		}
		ids = append(ids, r.MessageID)
	}

	key := path.Join(a.opts.Prefix, "dedup",
		time.Now().UTC().Format("2006/01/02"),
		message.NewID().String()+".jsonl")

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.opts.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body.Bytes()),
		Metadata: map[string]string{
			"record-count": strconv.Itoa(len(records)),
			"cutoff":       cutoff.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload archive object %s: %w", key, err)
	}

	deleted, err := a.source.DeleteDedup(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("archived %d rows to %s but failed to delete them: %w",
			len(records), key, err)
	}

	a.logger.WithFields(logrus.Fields{
		"records": humanize.Comma(int64(len(records))),
		"size":    humanize.Bytes(uint64(body.Len())),
		"key":     key,
	}).Info("archived deduplication rows")

	return &Result{
		Archived:  len(records),
		Deleted:   deleted,
		ObjectKey: key,
		Bytes:     body.Len(),
	}, nil
}
