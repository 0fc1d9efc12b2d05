package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
)

type fakeDedupSource struct {
	records []coordinator.DedupRecord
	readErr error

	gotCutoff time.Time
	gotLimit  int
	deleted   []uuid.UUID
	deleteErr error
}

func (f *fakeDedupSource) DedupBefore(ctx context.Context, cutoff time.Time, limit int) ([]coordinator.DedupRecord, error) {
	f.gotCutoff = cutoff
	f.gotLimit = limit
	return f.records, f.readErr
}

func (f *fakeDedupSource) DeleteDedup(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}

func dedupRecords(n int) []coordinator.DedupRecord {
	records := make([]coordinator.DedupRecord, n)
	for i := range records {
		records[i] = coordinator.DedupRecord{
			MessageID:   message.NewID(),
			FirstSeenAt: time.Now().Add(-time.Duration(n-i) * time.Hour),
		}
	}
	return records
}

func TestArchiveDedup_UploadsThenDeletes(t *testing.T) {
	source := &fakeDedupSource{records: dedupRecords(3)}
	client := NewMockS3Client()
	a := NewArchiver(source, client, Options{Bucket: "wh-archive"})

	result, err := a.ArchiveDedup(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Archived)
	assert.EqualValues(t, 3, result.Deleted)
	assert.True(t, client.PutObjectCalled)
	assert.Equal(t, "wh-archive", client.LastBucket)
	assert.Contains(t, result.ObjectKey, "workhub/dedup/")
	assert.Equal(t, "3", client.LastMetadata["record-count"])

	// The object holds one JSON document per row, in read order.
	obj := client.Objects[result.ObjectKey]
	require.NotNil(t, obj)
	scanner := bufio.NewScanner(strings.NewReader(obj.Content))
	var lines []coordinator.DedupRecord
	for scanner.Scan() {
		var r coordinator.DedupRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 3)
	for i, r := range lines {
		assert.Equal(t, source.records[i].MessageID, r.MessageID)
	}

	require.Len(t, source.deleted, 3)
	assert.Equal(t, source.records[0].MessageID, source.deleted[0])
}

func TestArchiveDedup_NothingToArchive(t *testing.T) {
	source := &fakeDedupSource{}
	client := NewMockS3Client()
	a := NewArchiver(source, client, Options{Bucket: "wh-archive"})

	result, err := a.ArchiveDedup(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Zero(t, result.Archived)
	assert.False(t, client.PutObjectCalled)
	assert.Empty(t, source.deleted)
}

func TestArchiveDedup_CutoffAndLimit(t *testing.T) {
	source := &fakeDedupSource{}
	a := NewArchiver(source, NewMockS3Client(), Options{Bucket: "wh-archive", BatchLimit: 7})

	_, err := a.ArchiveDedup(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 7, source.gotLimit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), source.gotCutoff, time.Minute)
}

func TestArchiveDedup_UploadFailureKeepsRows(t *testing.T) {
	source := &fakeDedupSource{records: dedupRecords(2)}
	client := NewMockS3Client()
	client.Err = errors.New("connection refused")
	a := NewArchiver(source, client, Options{Bucket: "wh-archive"})

	_, err := a.ArchiveDedup(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Empty(t, source.deleted)
}

func TestArchiveDedup_DeleteFailureReportsKey(t *testing.T) {
	source := &fakeDedupSource{
		records:   dedupRecords(2),
		deleteErr: errors.New("deadlock detected"),
	}
	client := NewMockS3Client()
	a := NewArchiver(source, client, Options{Bucket: "wh-archive"})

	_, err := a.ArchiveDedup(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), client.LastObjectKey)
}

func TestEnsureBucket(t *testing.T) {
	client := NewMockS3Client()
	a := NewArchiver(&fakeDedupSource{}, client, Options{Bucket: "wh-archive"})

	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.True(t, client.CreateBucketCalled)
	assert.True(t, client.Buckets["wh-archive"])

	// Second call finds the bucket and does not recreate it.
	client.CreateBucketCalled = false
	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.False(t, client.CreateBucketCalled)
}
