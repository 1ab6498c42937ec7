package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openarchive/docsync/internal/offline/cache"
	"github.com/openarchive/docsync/internal/offline/engine"
	"github.com/openarchive/docsync/internal/offline/events"
	"github.com/openarchive/docsync/internal/offline/store"
)

// recordingMessenger captures cache control messages.
type recordingMessenger struct {
	mu   sync.Mutex
	msgs []cache.Message
}

func (r *recordingMessenger) Send(msg cache.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingMessenger) kinds() []cache.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]cache.MessageKind, len(r.msgs))
	for i, m := range r.msgs {
		kinds[i] = m.Kind
	}
	return kinds
}

// staticReporter reports a fixed connectivity state.
type staticReporter struct{ online bool }

func (s staticReporter) Online() bool { return s.online }

// okApplier applies every change successfully.
type okApplier struct{}

func (okApplier) ApplyChange(ctx context.Context, change *store.PendingChange) error { return nil }

func newTestFacade(t *testing.T, online bool) (*Facade, *store.Store, *recordingMessenger) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	bus := events.NewBroadcaster()
	eng, err := engine.New(st, okApplier{}, bus, &engine.Config{
		RetryCeiling: 5,
		BackoffBase:  time.Millisecond,
		BackoffMax:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	messenger := &recordingMessenger{}
	f, err := New(st, eng, messenger, staticReporter{online: online}, bus, nil)
	if err != nil {
		t.Fatalf("Failed to create facade: %v", err)
	}
	return f, st, messenger
}

func TestCacheDocumentAvailableOffline(t *testing.T) {
	f, st, messenger := newTestFacade(t, false)
	ctx := context.Background()

	doc := &store.Document{ID: "doc1", Name: "report.txt", Content: "hello"}
	if err := f.CacheDocument(ctx, doc); err != nil {
		t.Fatalf("CacheDocument failed: %v", err)
	}

	cached, err := f.IsDocumentCached(ctx, "doc1")
	if err != nil {
		t.Fatalf("IsDocumentCached failed: %v", err)
	}
	if !cached {
		t.Error("Expected doc1 to be cached")
	}

	// While offline the content is still readable from the store.
	if f.IsOnline() {
		t.Error("Expected offline")
	}
	got, err := st.Get("doc1")
	if err != nil {
		t.Fatalf("Failed to read cached document: %v", err)
	}
	if got.Content != "hello" {
		t.Errorf("Expected content available offline, got %q", got.Content)
	}

	docs := f.CachedDocuments()
	if len(docs) != 1 || docs[0].ID != "doc1" {
		t.Errorf("Unexpected cached set: %+v", docs)
	}

	kinds := messenger.kinds()
	if len(kinds) != 1 || kinds[0] != cache.MsgCacheDocument {
		t.Errorf("Expected one CACHE_DOCUMENT message, got %v", kinds)
	}
}

func TestUncacheDocument(t *testing.T) {
	f, _, messenger := newTestFacade(t, true)
	ctx := context.Background()

	if err := f.CacheDocument(ctx, &store.Document{ID: "doc1", Name: "a.txt"}); err != nil {
		t.Fatalf("CacheDocument failed: %v", err)
	}
	if err := f.UncacheDocument(ctx, "doc1"); err != nil {
		t.Fatalf("UncacheDocument failed: %v", err)
	}

	cached, err := f.IsDocumentCached(ctx, "doc1")
	if err != nil {
		t.Fatalf("IsDocumentCached failed: %v", err)
	}
	if cached {
		t.Error("Expected doc1 gone")
	}

	kinds := messenger.kinds()
	if len(kinds) != 2 || kinds[1] != cache.MsgUncacheDocument {
		t.Errorf("Expected UNCACHE_DOCUMENT message, got %v", kinds)
	}
}

func TestQueueChangeAndSync(t *testing.T) {
	f, _, _ := newTestFacade(t, true)
	ctx := context.Background()

	id, err := f.QueueChange(ctx, store.ChangeUpdate, "doc1", json.RawMessage(`{"name":"b.txt"}`))
	if err != nil {
		t.Fatalf("QueueChange failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a change ID")
	}
	if f.PendingChangeCount() != 1 {
		t.Errorf("Expected 1 pending change, got %d", f.PendingChangeCount())
	}

	result, err := f.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Expected 1 applied, got %+v", result)
	}
	if f.PendingChangeCount() != 0 {
		t.Errorf("Expected empty queue, got %d", f.PendingChangeCount())
	}
	if f.SyncStatus() != engine.StatusIdle {
		t.Errorf("Expected idle, got %s", f.SyncStatus())
	}
}

func TestClearOfflineDataKeepsQueue(t *testing.T) {
	f, _, messenger := newTestFacade(t, true)
	ctx := context.Background()

	if err := f.CacheDocument(ctx, &store.Document{ID: "doc1", Name: "a.txt"}); err != nil {
		t.Fatalf("CacheDocument failed: %v", err)
	}
	if _, err := f.QueueChange(ctx, store.ChangeDelete, "doc2", nil); err != nil {
		t.Fatalf("QueueChange failed: %v", err)
	}

	if err := f.ClearOfflineData(ctx); err != nil {
		t.Fatalf("ClearOfflineData failed: %v", err)
	}

	if len(f.CachedDocuments()) != 0 {
		t.Error("Expected no cached documents after clear")
	}
	if f.PendingChangeCount() != 1 {
		t.Errorf("Unsynced edits must survive a clear, got %d", f.PendingChangeCount())
	}

	kinds := messenger.kinds()
	if kinds[len(kinds)-1] != cache.MsgClearCache {
		t.Errorf("Expected CLEAR_CACHE message, got %v", kinds)
	}
}

func TestEventLoopRefreshesViews(t *testing.T) {
	f, st, _ := newTestFacade(t, true)

	f.Start()
	defer f.Stop()

	// A write that bypasses the facade becomes visible after any event.
	if err := st.Put(&store.Document{ID: "ext", Name: "external.txt"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	f.bus.Publish(events.Event{Type: events.TypeSyncComplete})

	deadline := time.Now().Add(2 * time.Second)
	for len(f.CachedDocuments()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Event never refreshed the cached-document view")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUsage(t *testing.T) {
	f, _, _ := newTestFacade(t, true)
	ctx := context.Background()

	if err := f.CacheDocument(ctx, &store.Document{ID: "doc1", Name: "a.txt", Content: "12345"}); err != nil {
		t.Fatalf("CacheDocument failed: %v", err)
	}

	usage, err := f.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.DocumentCount != 1 || usage.TotalBytes != 5 {
		t.Errorf("Unexpected usage: %+v", usage)
	}
}
