package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/valandreev/mediasync/pkg/cache/index"
	"github.com/valandreev/mediasync/pkg/cache/index/indextest"
	"github.com/valandreev/mediasync/pkg/media"
)

func openTemp(tb testing.TB) (*Journal, string) {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "journal.db")
	j, err := Open(path, Options{NoSync: true})
	require.NoError(tb, err)
	return j, path
}

func TestJournalContractWithBbolt(t *testing.T) {
	indextest.RunJournalContract(t, func(tb testing.TB) index.Journal {
		j, _ := openTemp(tb)
		tb.Cleanup(func() { _ = j.Close() })
		return j
	})
}

func TestOpenWritesCurrentSchema(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Close())

	assert.Equal(t, schemaVersion, inspect(t, path).version)
}

func TestOpenIndexesVersionOneRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	// A v1 file has records but no creation index. Key order differs from
	// creation order on purpose.
	older := index.UploadRecord{ID: "b-older", SourcePath: "/voice/1.m4a", Kind: media.KindVoiceNote,
		Status: index.UploadStatusFailed, CreatedAt: time.Unix(100, 0).UTC(), UpdatedAt: time.Unix(100, 0).UTC()}
	newer := index.UploadRecord{ID: "a-newer", SourcePath: "/dcim/2.jpg", Kind: media.KindPhoto,
		Status: index.UploadStatusComplete, CreatedAt: time.Unix(200, 0).UTC(), UpdatedAt: time.Unix(200, 0).UTC()}
	seedV1(t, path, older, newer)

	j, err := Open(path, Options{})
	require.NoError(t, err)
	uploads, err := j.ListUploads(context.Background())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	require.Len(t, uploads, 2)
	assert.Equal(t, "b-older", uploads[0].ID)
	assert.Equal(t, "a-newer", uploads[1].ID)

	state := inspect(t, path)
	assert.Equal(t, schemaVersion, state.version)
	assert.Equal(t, 2, state.indexed)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	writeMeta(t, path, schemaVersion+1)

	_, err := Open(path, Options{})
	assert.True(t, errors.Is(err, errUnknownSchema), "got %v", err)
}

func TestUploadsPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	j, path := openTemp(t)

	created, err := j.AddUpload(ctx, index.UploadRecord{
		SourcePath: "/dcim/clip.mp4",
		Kind:       media.KindVideo,
		Status:     index.UploadStatusQueued,
	})
	require.NoError(t, err)
	assert.Equal(t, "upl-00000000000000000001", created.ID)

	failed, err := j.UpdateUpload(ctx, created.ID, func(rec index.UploadRecord) index.UploadRecord {
		rec.Status = index.UploadStatusFailed
		rec.Attempts = 3
		rec.LastError = "media: transfer timed out"
		rec.CreatedAt = time.Time{}
		return rec
	})
	require.NoError(t, err)
	assert.True(t, failed.CreatedAt.Equal(created.CreatedAt))
	require.NoError(t, j.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	uploads, err := j.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	got := uploads[0]
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, index.UploadStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, media.KindVideo, got.Kind)

	next, err := j.AddUpload(ctx, index.UploadRecord{SourcePath: "/dcim/b.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "upl-00000000000000000002", next.ID)
}

func TestReplacingRecordMovesCreationKey(t *testing.T) {
	ctx := context.Background()
	j, path := openTemp(t)

	_, err := j.AddUpload(ctx, index.UploadRecord{ID: "same", CreatedAt: time.Unix(300, 0).UTC()})
	require.NoError(t, err)
	_, err = j.AddUpload(ctx, index.UploadRecord{ID: "other", CreatedAt: time.Unix(200, 0).UTC()})
	require.NoError(t, err)
	_, err = j.AddUpload(ctx, index.UploadRecord{ID: "same", CreatedAt: time.Unix(100, 0).UTC()})
	require.NoError(t, err)

	uploads, err := j.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, "same", uploads[0].ID)
	assert.Equal(t, "other", uploads[1].ID)

	require.NoError(t, j.Close())
	assert.Equal(t, 2, inspect(t, path).indexed)
}

func TestPruneUploads(t *testing.T) {
	ctx := context.Background()
	j, path := openTemp(t)

	add := func(src string, status index.UploadStatus) string {
		rec, err := j.AddUpload(ctx, index.UploadRecord{SourcePath: src})
		require.NoError(t, err)
		_, err = j.UpdateUpload(ctx, rec.ID, func(r index.UploadRecord) index.UploadRecord {
			r.Status = status
			return r
		})
		require.NoError(t, err)
		return rec.ID
	}
	add("/a.jpg", index.UploadStatusComplete)
	failed := add("/b.m4a", index.UploadStatusFailed)
	add("/c.mp4", index.UploadStatusComplete)

	n, err := j.PruneUploads(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is older than an hour")

	n, err = j.PruneUploads(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	uploads, err := j.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, failed, uploads[0].ID)

	n, err = j.PruneUploads(ctx, time.Now().Add(time.Minute), index.UploadStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, j.Close())
	state := inspect(t, path)
	assert.Zero(t, state.records)
	assert.Zero(t, state.indexed)
}

func TestCancelledContext(t *testing.T) {
	j, _ := openTemp(t)
	defer func() { _ = j.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := j.AddUpload(ctx, index.UploadRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = j.PruneUploads(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, j.DeleteUpload(context.Background(), ""), errEmptyID)
}

type journalState struct {
	version int
	records int
	indexed int
}

func inspect(t *testing.T, path string) journalState {
	t.Helper()

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 50 * time.Millisecond, ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var st journalState
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket([]byte(bucketMeta)); meta != nil {
			if raw := meta.Get([]byte(keySchema)); raw != nil {
				v, err := strconv.Atoi(string(raw))
				if err != nil {
					return err
				}
				st.version = v
			}
		}
		if b := tx.Bucket([]byte(bucketRecords)); b != nil {
			st.records = b.Stats().KeyN
		}
		if b := tx.Bucket([]byte(bucketCreated)); b != nil {
			st.indexed = b.Stats().KeyN
		}
		return nil
	}))
	return st
}

func writeMeta(t *testing.T, path string, version int) {
	t.Helper()
	update(t, path, func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		return meta.Put([]byte(keySchema), []byte(strconv.Itoa(version)))
	})
}

func seedV1(t *testing.T, path string, recs ...index.UploadRecord) {
	t.Helper()
	writeMeta(t, path, 1)
	update(t, path, func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketRecords))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func update(t *testing.T, path string, fn func(*bolt.Tx) error) {
	t.Helper()
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.Update(fn))
}
