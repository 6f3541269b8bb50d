package indextest

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/valandreev/mediasync/pkg/cache/index"
	"github.com/valandreev/mediasync/pkg/media"
)

type JournalFactory func(tb testing.TB) index.Journal

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, j index.Journal)
}

// RunJournalContract exercises the Journal interface against a supplied factory.
func RunJournalContract(t *testing.T, factory JournalFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "add assigns id and timestamps",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				ctx := context.Background()
				created, err := j.AddUpload(ctx, sampleRecord("/dcim/IMG_0001.jpg", media.KindPhoto))
				if err != nil {
					t.Fatalf("AddUpload failed: %v", err)
				}
				if created.ID == "" {
					t.Fatalf("expected AddUpload to assign ID")
				}
				if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
					t.Fatalf("expected timestamps set on AddUpload")
				}
			},
		},
		{
			name: "add keeps caller supplied id",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				ctx := context.Background()
				rec := sampleRecord("/voice/memo.m4a", media.KindVoiceNote)
				rec.ID = "c0ffee"
				created, err := j.AddUpload(ctx, rec)
				if err != nil {
					t.Fatalf("AddUpload failed: %v", err)
				}
				if created.ID != "c0ffee" {
					t.Fatalf("expected id c0ffee, got %s", created.ID)
				}
			},
		},
		{
			name: "list returns oldest first",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				ctx := context.Background()
				var ids []string
				for i := 0; i < 3; i++ {
					rec := sampleRecord("/clips/"+strconv.Itoa(i)+".mp4", media.KindVideo)
					rec.CreatedAt = time.Unix(int64(100+i), 0).UTC()
					created, err := j.AddUpload(ctx, rec)
					if err != nil {
						t.Fatalf("AddUpload failed: %v", err)
					}
					ids = append(ids, created.ID)
				}

				records, err := j.ListUploads(ctx)
				if err != nil {
					t.Fatalf("ListUploads failed: %v", err)
				}
				if len(records) != 3 {
					t.Fatalf("expected 3 records, got %d", len(records))
				}
				for i, rec := range records {
					if rec.ID != ids[i] {
						t.Fatalf("record %d: expected %s, got %s", i, ids[i], rec.ID)
					}
				}
			},
		},
		{
			name: "update lifecycle",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				ctx := context.Background()
				created, err := j.AddUpload(ctx, sampleRecord("/dcim/IMG_0002.jpg", media.KindPhoto))
				if err != nil {
					t.Fatalf("AddUpload failed: %v", err)
				}

				progressed, err := j.UpdateUpload(ctx, created.ID, func(rec index.UploadRecord) index.UploadRecord {
					rec.Status = index.UploadStatusInProgress
					rec.Attempts++
					return rec
				})
				if err != nil {
					t.Fatalf("UpdateUpload failed: %v", err)
				}
				if progressed.Status != index.UploadStatusInProgress || progressed.Attempts != 1 {
					t.Fatalf("unexpected record after first update: %+v", progressed)
				}

				failed, err := j.UpdateUpload(ctx, created.ID, func(rec index.UploadRecord) index.UploadRecord {
					rec.Status = index.UploadStatusFailed
					rec.LastError = "network err"
					rec.ID = "tampered"
					return rec
				})
				if err != nil {
					t.Fatalf("UpdateUpload failed: %v", err)
				}
				if failed.ID != created.ID {
					t.Fatalf("update must not change the id, got %s", failed.ID)
				}
				if failed.LastError != "network err" || failed.Status != index.UploadStatusFailed {
					t.Fatalf("unexpected record after failure: %+v", failed)
				}
				if !failed.UpdatedAt.After(failed.CreatedAt) {
					t.Fatalf("expected updated timestamp to be newer than created")
				}

				records, err := j.ListUploads(ctx)
				if err != nil {
					t.Fatalf("ListUploads failed: %v", err)
				}
				if len(records) != 1 || records[0].Status != index.UploadStatusFailed {
					t.Fatalf("expected persisted failed record, got %+v", records)
				}
			},
		},
		{
			name: "update missing returns ErrNotFound",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				ctx := context.Background()
				_, err := j.UpdateUpload(ctx, "missing", func(rec index.UploadRecord) index.UploadRecord { return rec })
				if !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "delete is idempotent",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				ctx := context.Background()
				created, err := j.AddUpload(ctx, sampleRecord("/x.jpg", media.KindPhoto))
				if err != nil {
					t.Fatalf("AddUpload failed: %v", err)
				}
				if err := j.DeleteUpload(ctx, created.ID); err != nil {
					t.Fatalf("DeleteUpload failed: %v", err)
				}
				if err := j.DeleteUpload(ctx, created.ID); err != nil {
					t.Fatalf("DeleteUpload should be idempotent, got %v", err)
				}
				records, err := j.ListUploads(ctx)
				if err != nil {
					t.Fatalf("ListUploads failed: %v", err)
				}
				if len(records) != 0 {
					t.Fatalf("expected no records, got %d", len(records))
				}
			},
		},
		{
			name: "prune drops settled records",
			testFn: func(t *testing.T, j index.Journal) {
				t.Helper()

				pruner, ok := j.(index.Pruner)
				if !ok {
					t.Skip("journal does not support pruning")
				}
				ctx := context.Background()
				done, err := j.AddUpload(ctx, sampleRecord("/dcim/done.jpg", media.KindPhoto))
				if err != nil {
					t.Fatalf("AddUpload failed: %v", err)
				}
				if _, err := j.UpdateUpload(ctx, done.ID, func(rec index.UploadRecord) index.UploadRecord {
					rec.Status = index.UploadStatusComplete
					return rec
				}); err != nil {
					t.Fatalf("UpdateUpload failed: %v", err)
				}
				pending, err := j.AddUpload(ctx, sampleRecord("/voice/pending.m4a", media.KindVoiceNote))
				if err != nil {
					t.Fatalf("AddUpload failed: %v", err)
				}

				n, err := pruner.PruneUploads(ctx, time.Now().Add(time.Minute))
				if err != nil {
					t.Fatalf("PruneUploads failed: %v", err)
				}
				if n != 1 {
					t.Fatalf("expected 1 pruned record, got %d", n)
				}
				records, err := j.ListUploads(ctx)
				if err != nil {
					t.Fatalf("ListUploads failed: %v", err)
				}
				if len(records) != 1 || records[0].ID != pending.ID {
					t.Fatalf("expected only %s to remain, got %+v", pending.ID, records)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			j := factory(t)
			defer func() {
				if closer, ok := j.(interface{ Close() error }); ok {
					_ = closer.Close()
				}
			}()
			tc.testFn(t, j)
		})
	}
}

// MemoryJournalFactory returns a factory producing the in-memory reference implementation.
func MemoryJournalFactory() JournalFactory {
	return func(tb testing.TB) index.Journal {
		tb.Helper()
		return NewMemoryJournal()
	}
}

func sampleRecord(path string, kind media.Kind) index.UploadRecord {
	return index.UploadRecord{
		SourcePath: path,
		Kind:       kind,
		Status:     index.UploadStatusQueued,
	}
}

// MemoryJournal is an in-memory Journal for tests.
type MemoryJournal struct {
	mu      sync.Mutex
	next    int
	uploads map[string]index.UploadRecord
	order   []string
}

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{uploads: make(map[string]index.UploadRecord)}
}

func (m *MemoryJournal) AddUpload(ctx context.Context, entry index.UploadRecord) (index.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return index.UploadRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		m.next++
		entry.ID = "mem-" + strconv.Itoa(m.next)
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if _, exists := m.uploads[entry.ID]; !exists {
		m.order = append(m.order, entry.ID)
	}
	m.uploads[entry.ID] = entry
	return entry, nil
}

func (m *MemoryJournal) ListUploads(ctx context.Context) ([]index.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]index.UploadRecord, 0, len(m.uploads))
	for _, id := range m.order {
		if entry, ok := m.uploads[id]; ok {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (m *MemoryJournal) UpdateUpload(ctx context.Context, id string, fn func(index.UploadRecord) index.UploadRecord) (index.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return index.UploadRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.uploads[id]
	if !ok {
		return index.UploadRecord{}, index.ErrNotFound
	}
	updated := fn(entry)
	updated.ID = id
	updated.CreatedAt = entry.CreatedAt
	now := time.Now().UTC()
	if !now.After(updated.CreatedAt) {
		now = updated.CreatedAt.Add(time.Nanosecond)
	}
	updated.UpdatedAt = now
	m.uploads[id] = updated
	return updated, nil
}

func (m *MemoryJournal) DeleteUpload(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uploads, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// PruneUploads drops settled records last updated before cutoff.
func (m *MemoryJournal) PruneUploads(ctx context.Context, cutoff time.Time, statuses ...index.UploadStatus) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		statuses = []index.UploadStatus{index.UploadStatusComplete}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	pruned := 0
	for _, id := range m.order {
		rec := m.uploads[id]
		if rec.UpdatedAt.Before(cutoff) && slices.Contains(statuses, rec.Status) {
			delete(m.uploads, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return pruned, nil
}
