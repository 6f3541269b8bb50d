package index

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/btree"

	"github.com/valandreev/mediasync/pkg/media"
)

// ErrNotFound is returned when a requested record is not present.
var ErrNotFound = errors.New("cache index: entry not found")

// Entry describes one durable copy held by the content cache.
type Entry struct {
	Key       string
	LocalPath string
	// WriteTime is the creation or last refresh time. It drives both TTL
	// expiry and eviction order; reads never touch it.
	WriteTime time.Time
	Size      int64
	// Source is the identifier the entry was cached from. Empty for entries
	// rebuilt from a directory scan.
	Source string
}

// Age returns how long ago the entry was written, relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WriteTime)
}

// Index maps cache keys to entries and keeps them ordered by write time.
// It is not safe for concurrent use; the owning cache serialises access.
type Index struct {
	byKey   map[string]*Entry
	byWrite *btree.BTreeG[*Entry]
	total   int64
}

// New returns an empty index.
func New() *Index {
	return &Index{
		byKey:   make(map[string]*Entry),
		byWrite: newWriteTree(),
	}
}

func newWriteTree() *btree.BTreeG[*Entry] {
	return btree.NewBTreeGOptions(lessByWrite, btree.Options{NoLocks: true})
}

func lessByWrite(a, b *Entry) bool {
	if !a.WriteTime.Equal(b.WriteTime) {
		return a.WriteTime.Before(b.WriteTime)
	}
	return a.Key < b.Key
}

// Put inserts or wholesale replaces the entry for e.Key.
func (i *Index) Put(e Entry) (Entry, bool) {
	prev, replaced := i.Delete(e.Key)
	stored := e
	i.byKey[e.Key] = &stored
	i.byWrite.Set(&stored)
	i.total += stored.Size
	return prev, replaced
}

// Get returns the entry stored under key.
func (i *Index) Get(key string) (Entry, bool) {
	e, ok := i.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Delete removes the entry stored under key.
func (i *Index) Delete(key string) (Entry, bool) {
	e, ok := i.byKey[key]
	if !ok {
		return Entry{}, false
	}
	delete(i.byKey, key)
	i.byWrite.Delete(e)
	i.total -= e.Size
	return *e, true
}

// Oldest returns the entry with the earliest write time.
func (i *Index) Oldest() (Entry, bool) {
	e, ok := i.byWrite.Min()
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Ascend visits entries oldest first until fn returns false.
func (i *Index) Ascend(fn func(Entry) bool) {
	i.byWrite.Scan(func(e *Entry) bool {
		return fn(*e)
	})
}

// Snapshot returns a copy of all entries, oldest first.
func (i *Index) Snapshot() []Entry {
	out := make([]Entry, 0, len(i.byKey))
	i.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Len returns the number of entries.
func (i *Index) Len() int {
	return len(i.byKey)
}

// TotalSize returns the sum of entry sizes.
func (i *Index) TotalSize() int64 {
	return i.total
}

// Reset drops every entry.
func (i *Index) Reset() {
	i.byKey = make(map[string]*Entry)
	i.byWrite = newWriteTree()
	i.total = 0
}

// UploadStatus represents the lifecycle state of one upload call.
type UploadStatus string

const (
	// UploadStatusQueued indicates the call was accepted but no attempt has started.
	UploadStatusQueued UploadStatus = "queued"
	// UploadStatusInProgress indicates an attempt is running or backing off.
	UploadStatusInProgress UploadStatus = "in_progress"
	// UploadStatusComplete marks a confirmed remote copy.
	UploadStatusComplete UploadStatus = "complete"
	// UploadStatusFailed marks a call whose final failure was surfaced to the caller.
	UploadStatusFailed UploadStatus = "failed"
)

// UploadRecord is the journal entry for one upload call. It records outcomes
// only; partial progress is never persisted.
type UploadRecord struct {
	ID         string
	SourcePath string
	Kind       media.Kind
	Status     UploadStatus
	Attempts   int
	LastError  string
	RemoteURI  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Journal persists upload outcomes so the host can list failed uploads and
// re-invoke them manually.
type Journal interface {
	// AddUpload records a new upload entry. If entry.ID is empty, an ID must be assigned.
	AddUpload(ctx context.Context, entry UploadRecord) (UploadRecord, error)
	// ListUploads returns all upload entries oldest first.
	ListUploads(ctx context.Context) ([]UploadRecord, error)
	// UpdateUpload applies fn to the stored record and persists the result.
	UpdateUpload(ctx context.Context, id string, fn func(UploadRecord) UploadRecord) (UploadRecord, error)
	// DeleteUpload removes an entry. Missing entries are ignored.
	DeleteUpload(ctx context.Context, id string) error
}

// Pruner is implemented by journals that can drop settled records in bulk.
type Pruner interface {
	// PruneUploads deletes records last updated before cutoff whose status is
	// one of statuses, returning how many were removed.
	PruneUploads(ctx context.Context, cutoff time.Time, statuses ...UploadStatus) (int, error)
}
