// Package client provides the integration facade the UI depends on.
//
// The facade owns no durable state of its own: it holds in-memory views
// derived from the offline store, the sync engine, and the connectivity
// watcher, and re-derives them on every event. Everything the UI reads
// comes from the lower layers; nothing is invented here.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/openarchive/docsync/internal/offline/cache"
	"github.com/openarchive/docsync/internal/offline/engine"
	"github.com/openarchive/docsync/internal/offline/events"
	"github.com/openarchive/docsync/internal/offline/store"
)

// CacheMessenger delivers fire-and-forget control messages to the cache
// manager. *cache.Manager is the production implementation.
type CacheMessenger interface {
	Send(msg cache.Message) error
}

// OnlineReporter reports the last observed connectivity state.
// *probe.Watcher is the production implementation.
type OnlineReporter interface {
	Online() bool
}

// Facade is the single entry point for the UI layer. All methods are safe
// to call repeatedly and from multiple goroutines.
type Facade struct {
	store    *store.Store
	engine   *engine.Engine
	cacheMgr CacheMessenger
	net      OnlineReporter
	bus      *events.Broadcaster
	logger   *log.Logger

	// Derived views, refreshed on every event.
	mu           sync.RWMutex
	pendingCount int
	cachedDocs   []*store.Document

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a facade over the given components.
func New(st *store.Store, eng *engine.Engine, cacheMgr CacheMessenger, net OnlineReporter, bus *events.Broadcaster, logger *log.Logger) (*Facade, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if bus == nil {
		bus = events.NewBroadcaster()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Facade{
		store:    st,
		engine:   eng,
		cacheMgr: cacheMgr,
		net:      net,
		bus:      bus,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	f.Refresh(ctx)
	return f, nil
}

// Start subscribes to the event bus and re-derives the views on each event.
// The subscription is taken before the loop goroutine starts so no event
// published after Start is missed.
func (f *Facade) Start() {
	sub := f.bus.Subscribe()
	f.wg.Add(1)
	go f.eventLoop(sub)
}

// Stop ends the event subscription.
func (f *Facade) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *Facade) eventLoop(sub chan events.Event) {
	defer f.wg.Done()
	defer f.bus.Unsubscribe(sub)

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-sub:
			f.Refresh(f.ctx)
		}
	}
}

// Refresh re-derives the in-memory views from the store.
func (f *Facade) Refresh(ctx context.Context) {
	count, err := f.store.PendingChangeCountContext(ctx)
	if err != nil {
		f.logger.Printf("Failed to refresh pending count: %v", err)
		return
	}
	docs, err := f.store.ListAllContext(ctx)
	if err != nil {
		f.logger.Printf("Failed to refresh cached documents: %v", err)
		return
	}

	f.mu.Lock()
	f.pendingCount = count
	f.cachedDocs = docs
	f.mu.Unlock()
}

// IsOnline reports the last observed connectivity state.
func (f *Facade) IsOnline() bool {
	if f.net == nil {
		return false
	}
	return f.net.Online()
}

// SyncStatus returns the engine's current state.
func (f *Facade) SyncStatus() engine.Status {
	return f.engine.Status()
}

// PendingChangeCount returns the queued-change count from the last refresh.
func (f *Facade) PendingChangeCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pendingCount
}

// CachedDocuments returns the cached-document set from the last refresh.
func (f *Facade) CachedDocuments() []*store.Document {
	f.mu.RLock()
	defer f.mu.RUnlock()
	docs := make([]*store.Document, len(f.cachedDocs))
	copy(docs, f.cachedDocs)
	return docs
}

// IsDocumentCached reports whether the document is in the offline store.
func (f *Facade) IsDocumentCached(ctx context.Context, id string) (bool, error) {
	_, err := f.store.GetContext(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CacheDocument stores a document for offline use and warms the cache
// manager's document-content namespace.
func (f *Facade) CacheDocument(ctx context.Context, doc *store.Document) error {
	if err := f.store.PutContext(ctx, doc); err != nil {
		return fmt.Errorf("failed to cache document: %w", err)
	}

	if f.cacheMgr != nil {
		if err := f.cacheMgr.Send(cache.Message{Kind: cache.MsgCacheDocument, Payload: doc}); err != nil {
			// The durable copy is written; a lost warm-up message only
			// costs a network round-trip later.
			f.logger.Printf("Failed to notify cache manager: %v", err)
		}
	}

	f.bus.PublishData(events.TypeDocumentCached, events.DocumentData{DocumentID: doc.ID})
	f.Refresh(ctx)
	return nil
}

// UncacheDocument removes a document from the offline store and the cache
// manager's document-content namespace.
func (f *Facade) UncacheDocument(ctx context.Context, id string) error {
	if err := f.store.RemoveContext(ctx, id); err != nil {
		return fmt.Errorf("failed to uncache document: %w", err)
	}

	if f.cacheMgr != nil {
		if err := f.cacheMgr.Send(cache.Message{Kind: cache.MsgUncacheDocument, DocumentID: id}); err != nil {
			f.logger.Printf("Failed to notify cache manager: %v", err)
		}
	}

	f.bus.PublishData(events.TypeDocumentUncached, events.DocumentData{DocumentID: id})
	f.Refresh(ctx)
	return nil
}

// QueueChange records a mutation that could not be confirmed as delivered
// to the server. The sync engine replays it later.
func (f *Facade) QueueChange(ctx context.Context, kind store.ChangeKind, documentID string, payload json.RawMessage) (string, error) {
	id, err := f.store.EnqueueChangeContext(ctx, kind, documentID, payload)
	if err != nil {
		return "", fmt.Errorf("failed to queue change: %w", err)
	}
	f.Refresh(ctx)
	return id, nil
}

// SyncNow triggers a sync pass. Overlapping calls coalesce into one pass.
func (f *Facade) SyncNow(ctx context.Context) (*engine.Result, error) {
	result, err := f.engine.SyncNow(ctx)
	f.Refresh(ctx)
	return result, err
}

// ClearOfflineData deletes every cached document and purges the cache
// manager's document and API namespaces. Pending changes are kept: unsynced
// edits are never dropped by a cache clear.
func (f *Facade) ClearOfflineData(ctx context.Context) error {
	if err := f.store.ClearContext(ctx); err != nil {
		return fmt.Errorf("failed to clear offline data: %w", err)
	}

	if f.cacheMgr != nil {
		if err := f.cacheMgr.Send(cache.Message{Kind: cache.MsgClearCache}); err != nil {
			f.logger.Printf("Failed to notify cache manager: %v", err)
		}
	}

	f.Refresh(ctx)
	return nil
}

// Usage reports the offline store's footprint.
func (f *Facade) Usage(ctx context.Context) (*store.UsageSummary, error) {
	return f.store.UsageContext(ctx)
}
