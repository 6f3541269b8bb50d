// Package bbolt stores the upload journal in a single bbolt file.
//
// Layout (schema v2):
//
//	meta                 schema_version
//	uploads              id -> JSON record
//	uploads_by_created   created-at nanos (big endian) + id -> id
//
// The secondary bucket lets ListUploads walk records oldest first without
// sorting in memory.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/valandreev/mediasync/pkg/cache/index"
)

const (
	schemaVersion = 2

	bucketMeta    = "meta"
	bucketRecords = "uploads"
	bucketCreated = "uploads_by_created"

	keySchema = "schema_version"

	defaultOpenTimeout = 100 * time.Millisecond
)

var (
	errUnknownSchema = errors.New("upload journal: unknown schema version")
	errEmptyID       = errors.New("upload journal: upload id must not be empty")
	errNoSchema      = errors.New("upload journal: schema not initialised")
)

// upgrades[v] moves a journal from schema v to v+1. A brand new file starts
// at v0 and runs every step.
var upgrades = []func(tx *bolt.Tx) error{
	createRecords,
	indexByCreated,
}

// Options configures Open.
type Options struct {
	// Timeout bounds how long Open waits for the file lock. Zero means 100ms.
	Timeout time.Duration
	// NoSync skips fsync after commits.
	NoSync bool
}

// Journal implements index.Journal and index.Pruner.
type Journal struct {
	db *bolt.DB
}

var (
	_ index.Journal = (*Journal)(nil)
	_ index.Pruner  = (*Journal)(nil)
)

// Open creates or reopens the journal at path, upgrading older layouts.
func Open(path string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open upload journal %s: %w", path, err)
	}
	db.NoSync = opts.NoSync

	if err := db.Update(upgrade); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the database file.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// AddUpload stores entry, assigning an id from the bucket sequence when the
// caller left it empty. An existing record with the same id is replaced.
func (j *Journal) AddUpload(ctx context.Context, entry index.UploadRecord) (index.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return index.UploadRecord{}, err
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := open(tx)
		if err != nil {
			return err
		}
		if entry.ID == "" {
			seq, err := b.records.NextSequence()
			if err != nil {
				return fmt.Errorf("next upload id: %w", err)
			}
			entry.ID = fmt.Sprintf("upl-%020d", seq)
		}
		now := time.Now().UTC()
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		return b.put(entry)
	})
	if err != nil {
		return index.UploadRecord{}, err
	}
	return entry, nil
}

// ListUploads returns every record ordered by creation time.
func (j *Journal) ListUploads(ctx context.Context) ([]index.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []index.UploadRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		b, err := open(tx)
		if err != nil {
			return err
		}
		out = make([]index.UploadRecord, 0)
		return b.ascend(ctx, func(rec index.UploadRecord) error {
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateUpload applies fn inside one write transaction. The id and creation
// time survive whatever fn returns, and UpdatedAt always moves forward.
func (j *Journal) UpdateUpload(ctx context.Context, id string, fn func(index.UploadRecord) index.UploadRecord) (index.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return index.UploadRecord{}, err
	}
	if id == "" {
		return index.UploadRecord{}, errEmptyID
	}
	var result index.UploadRecord
	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := open(tx)
		if err != nil {
			return err
		}
		current, ok, err := b.get(id)
		if err != nil {
			return err
		}
		if !ok {
			return index.ErrNotFound
		}
		next := fn(current)
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = time.Now().UTC()
		for _, floor := range []time.Time{current.CreatedAt, current.UpdatedAt} {
			if !next.UpdatedAt.After(floor) {
				next.UpdatedAt = floor.Add(time.Nanosecond)
			}
		}
		if err := b.put(next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// DeleteUpload removes id. Unknown ids are not an error.
func (j *Journal) DeleteUpload(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return errEmptyID
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b, err := open(tx)
		if err != nil {
			return err
		}
		return b.remove(id)
	})
}

// PruneUploads deletes records whose last update is older than cutoff and
// whose status is listed. With no statuses only completed records go.
func (j *Journal) PruneUploads(ctx context.Context, cutoff time.Time, statuses ...index.UploadStatus) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		statuses = []index.UploadStatus{index.UploadStatusComplete}
	}
	wanted := make(map[index.UploadStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var pruned int
	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := open(tx)
		if err != nil {
			return err
		}
		// bbolt cursors do not tolerate deletes mid-walk, so collect first.
		var doomed []string
		err = b.ascend(ctx, func(rec index.UploadRecord) error {
			if wanted[rec.Status] && rec.UpdatedAt.Before(cutoff) {
				doomed = append(doomed, rec.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range doomed {
			if err := b.remove(id); err != nil {
				return err
			}
		}
		pruned = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// buckets groups the handles a transaction works with.
type buckets struct {
	records *bolt.Bucket
	created *bolt.Bucket
}

func open(tx *bolt.Tx) (buckets, error) {
	b := buckets{
		records: tx.Bucket([]byte(bucketRecords)),
		created: tx.Bucket([]byte(bucketCreated)),
	}
	if b.records == nil || b.created == nil {
		return buckets{}, errNoSchema
	}
	return b, nil
}

func (b buckets) get(id string) (index.UploadRecord, bool, error) {
	raw := b.records.Get([]byte(id))
	if raw == nil {
		return index.UploadRecord{}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return index.UploadRecord{}, false, fmt.Errorf("decode upload %s: %w", id, err)
	}
	return rec, true, nil
}

// put writes rec and keeps the creation index pointing at it exactly once.
func (b buckets) put(rec index.UploadRecord) error {
	prev, ok, err := b.get(rec.ID)
	if err != nil {
		return err
	}
	if ok && !prev.CreatedAt.Equal(rec.CreatedAt) {
		if err := b.created.Delete(createdKey(prev.CreatedAt, prev.ID)); err != nil {
			return err
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode upload %s: %w", rec.ID, err)
	}
	if err := b.records.Put([]byte(rec.ID), data); err != nil {
		return err
	}
	return b.created.Put(createdKey(rec.CreatedAt, rec.ID), []byte(rec.ID))
}

func (b buckets) remove(id string) error {
	prev, ok, err := b.get(id)
	if err != nil || !ok {
		return err
	}
	if err := b.created.Delete(createdKey(prev.CreatedAt, prev.ID)); err != nil {
		return err
	}
	return b.records.Delete([]byte(id))
}

// ascend walks the creation index oldest first.
func (b buckets) ascend(ctx context.Context, fn func(index.UploadRecord) error) error {
	c := b.created.Cursor()
	for k, id := c.First(); k != nil; k, id = c.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok, err := b.get(string(id))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// createdKey sorts by creation time, then id for records created in the same
// nanosecond.
func createdKey(created time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(created.UnixNano()))
	copy(key[8:], id)
	return key
}

func decodeRecord(data []byte) (index.UploadRecord, error) {
	var rec index.UploadRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}

func upgrade(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
	if err != nil {
		return fmt.Errorf("create meta bucket: %w", err)
	}
	version := 0
	if raw := meta.Get([]byte(keySchema)); len(raw) > 0 {
		if version, err = strconv.Atoi(string(raw)); err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: %d", errUnknownSchema, version)
	}
	if version == schemaVersion {
		return nil
	}
	for v := version; v < schemaVersion; v++ {
		if err := upgrades[v](tx); err != nil {
			return fmt.Errorf("upgrade upload journal to v%d: %w", v+1, err)
		}
	}
	return meta.Put([]byte(keySchema), []byte(strconv.Itoa(schemaVersion)))
}

func createRecords(tx *bolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists([]byte(bucketRecords))
	return err
}

// indexByCreated builds the creation index for records written by v1.
func indexByCreated(tx *bolt.Tx) error {
	created, err := tx.CreateBucketIfNotExists([]byte(bucketCreated))
	if err != nil {
		return err
	}
	records := tx.Bucket([]byte(bucketRecords))
	return records.ForEach(func(k, v []byte) error {
		rec, err := decodeRecord(v)
		if err != nil {
			return fmt.Errorf("decode upload %s: %w", k, err)
		}
		return created.Put(createdKey(rec.CreatedAt, string(k)), append([]byte(nil), k...))
	})
}
