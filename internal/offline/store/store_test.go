package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return s
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "offline.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	if err := s.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
}

func TestOpenSetsPragmas(t *testing.T) {
	s := openTestStore(t)

	var mode string
	if err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL journal mode, got %q", mode)
	}

	var fk int
	if err := s.conn.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("Failed to read foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("Expected foreign keys enabled, got %d", fk)
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.InitSchema(); err != nil {
		t.Fatalf("Second InitSchema failed: %v", err)
	}
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)

	doc := &Document{
		ID:           "doc1",
		CollectionID: "col1",
		Name:         "report.pdf",
		Type:         "pdf",
		Size:         5,
		Content:      "hello",
		Metadata:     map[string]any{"author": "amy"},
	}
	if err := s.Put(doc); err != nil {
		t.Fatalf("Failed to put document: %v", err)
	}

	got, err := s.Get("doc1")
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if got.Name != "report.pdf" || got.Content != "hello" {
		t.Errorf("Unexpected document: %+v", got)
	}
	if got.Metadata["author"] != "amy" {
		t.Errorf("Expected metadata to round-trip, got %v", got.Metadata)
	}
	if got.CachedAt.IsZero() {
		t.Error("Expected CachedAt to be stamped on put")
	}
}

func TestPutUpsertsAndRestamps(t *testing.T) {
	s := openTestStore(t)

	doc := &Document{ID: "doc1", Name: "a.txt", Content: "v1"}
	if err := s.Put(doc); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	first, _ := s.Get("doc1")

	doc.Content = "v2"
	if err := s.Put(doc); err != nil {
		t.Fatalf("Failed to re-put: %v", err)
	}

	got, err := s.Get("doc1")
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if got.Content != "v2" {
		t.Errorf("Expected updated content v2, got %q", got.Content)
	}
	if got.CachedAt.Before(first.CachedAt) {
		t.Error("Expected CachedAt to move forward on upsert")
	}

	docs, err := s.ListAll()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("Expected 1 document after upsert, got %d", len(docs))
	}
}

func TestPutValidates(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(&Document{Name: "no-id.txt"}); err == nil {
		t.Error("Expected error for document without ID")
	}
	if err := s.Put(&Document{ID: "no-name"}); err == nil {
		t.Error("Expected error for document without name")
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListByCollection(t *testing.T) {
	s := openTestStore(t)

	for _, d := range []*Document{
		{ID: "a", CollectionID: "c1", Name: "zebra.txt"},
		{ID: "b", CollectionID: "c1", Name: "apple.txt"},
		{ID: "c", CollectionID: "c2", Name: "other.txt"},
	} {
		if err := s.Put(d); err != nil {
			t.Fatalf("Failed to put %s: %v", d.ID, err)
		}
	}

	docs, err := s.ListByCollection("c1")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(docs))
	}
	if docs[0].Name != "apple.txt" || docs[1].Name != "zebra.txt" {
		t.Errorf("Expected name order, got %s then %s", docs[0].Name, docs[1].Name)
	}
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(&Document{ID: "doc1", Name: "a.txt"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := s.Remove("doc1"); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if _, err := s.Get("doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
	if err := s.Remove("doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound removing twice, got %v", err)
	}
}

func TestClearKeepsPendingChanges(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(&Document{ID: "doc1", Name: "a.txt"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if _, err := s.EnqueueChange(ChangeUpdate, "doc1", json.RawMessage(`{"name":"b"}`)); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}

	docs, _ := s.ListAll()
	if len(docs) != 0 {
		t.Errorf("Expected no documents after clear, got %d", len(docs))
	}

	count, err := s.PendingChangeCount()
	if err != nil {
		t.Fatalf("Failed to count changes: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected pending change to survive clear, got count %d", count)
	}
}

func TestEnqueueOrder(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.EnqueueChange(ChangeCreate, "doc1", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	changes, err := s.ListPendingChanges()
	if err != nil {
		t.Fatalf("Failed to list changes: %v", err)
	}
	if len(changes) != 5 {
		t.Fatalf("Expected 5 changes, got %d", len(changes))
	}
	for i, ch := range changes {
		if ch.ID != ids[i] {
			t.Errorf("Position %d: expected %s, got %s", i, ids[i], ch.ID)
		}
		if ch.RetryCount != 0 {
			t.Errorf("New change %s has retry count %d", ch.ID, ch.RetryCount)
		}
	}
}

func TestEnqueueValidates(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueChange(ChangeKind("rename"), "doc1", nil); err == nil {
		t.Error("Expected error for unknown change kind")
	}
	if _, err := s.EnqueueChange(ChangeCreate, "", nil); err == nil {
		t.Error("Expected error for empty document ID")
	}
}

func TestDequeueIdempotent(t *testing.T) {
	s := openTestStore(t)

	id, err := s.EnqueueChange(ChangeDelete, "doc1", nil)
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if err := s.DequeueChange(id); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := s.DequeueChange(id); err != nil {
		t.Errorf("Second dequeue should be a no-op, got %v", err)
	}

	count, _ := s.PendingChangeCount()
	if count != 0 {
		t.Errorf("Expected empty queue, got %d", count)
	}
}

func TestBumpRetry(t *testing.T) {
	s := openTestStore(t)

	id, err := s.EnqueueChange(ChangeUpdate, "doc1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := s.BumpRetry(id); err != nil {
			t.Fatalf("Bump %d failed: %v", i, err)
		}
	}

	changes, _ := s.ListPendingChanges()
	if len(changes) != 1 || changes[0].RetryCount != 3 {
		t.Errorf("Expected retry count 3, got %+v", changes)
	}

	if err := s.BumpRetry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound bumping a missing change, got %v", err)
	}
}

func TestUsage(t *testing.T) {
	s := openTestStore(t)

	usage, err := s.Usage()
	if err != nil {
		t.Fatalf("Failed to read usage: %v", err)
	}
	if usage.DocumentCount != 0 || usage.TotalBytes != 0 {
		t.Errorf("Expected empty usage, got %+v", usage)
	}

	if err := s.Put(&Document{ID: "a", Name: "a.txt", Content: "hello"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := s.Put(&Document{ID: "b", Name: "b.txt", Content: "hi"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	usage, err = s.Usage()
	if err != nil {
		t.Fatalf("Failed to read usage: %v", err)
	}
	if usage.DocumentCount != 2 {
		t.Errorf("Expected 2 documents, got %d", usage.DocumentCount)
	}
	if usage.TotalBytes != 7 {
		t.Errorf("Expected 7 content bytes, got %d", usage.TotalBytes)
	}
}

func BenchmarkPut(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "offline.db"))
	if err != nil {
		b.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		b.Fatalf("Failed to init schema: %v", err)
	}

	doc := &Document{ID: "bench", Name: "bench.txt", Content: "benchmark content payload"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Put(doc); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkEnqueueDequeue(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "offline.db"))
	if err != nil {
		b.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		b.Fatalf("Failed to init schema: %v", err)
	}

	payload := json.RawMessage(`{"name":"bench.txt"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := s.EnqueueChange(ChangeUpdate, "bench", payload)
		if err != nil {
			b.Fatalf("Enqueue failed: %v", err)
		}
		if err := s.DequeueChange(id); err != nil {
			b.Fatalf("Dequeue failed: %v", err)
		}
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	if err := s.Put(&Document{ID: "doc1", Name: "a.txt", Content: "survives"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if _, err := s.EnqueueChange(ChangeCreate, "doc1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer s2.Close()

	doc, err := s2.Get("doc1")
	if err != nil {
		t.Fatalf("Failed to get after reopen: %v", err)
	}
	if doc.Content != "survives" {
		t.Errorf("Unexpected content after reopen: %q", doc.Content)
	}

	count, err := s2.PendingChangeCount()
	if err != nil {
		t.Fatalf("Failed to count after reopen: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 pending change after reopen, got %d", count)
	}
}
