// Package engine provides the background sync engine that drains the
// pending-change queue against the upstream API.
//
// The engine runs one sync pass at a time. A pass walks the queue oldest
// first, applies each change, dequeues on success and bumps the retry count
// on failure. Failures are isolated per change: one failing change never
// aborts the rest of the pass, but later changes to the same document are
// skipped so edits to a document are never reordered.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/openarchive/docsync/internal/offline/api"
	"github.com/openarchive/docsync/internal/offline/events"
	"github.com/openarchive/docsync/internal/offline/store"
)

// Status is the engine's externally visible state.
type Status string

const (
	// StatusIdle means no pass is running and the last one succeeded.
	StatusIdle Status = "idle"

	// StatusSyncing means a pass is currently running.
	StatusSyncing Status = "syncing"

	// StatusError means the last pass had a hard failure. Not sticky:
	// the next trigger re-attempts.
	StatusError Status = "error"
)

// Applier replays one queued change against the server.
// *api.Client is the production implementation.
type Applier interface {
	ApplyChange(ctx context.Context, change *store.PendingChange) error
}

// Config holds configuration for the engine.
type Config struct {
	// RetryCeiling is the maximum failed attempts before a change is left
	// queued but excluded from further automatic retries.
	RetryCeiling int

	// BackoffBase is the wait after the first failure; it doubles per
	// failed attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// SyncInterval is the recurring-timer trigger period. Zero disables
	// the timer (reconnect and explicit triggers still work).
	SyncInterval time.Duration

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryCeiling: 5,
		BackoffBase:  time.Second,
		BackoffMax:   5 * time.Minute,
		SyncInterval: time.Minute,
		Logger:       log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Result summarizes one sync pass.
type Result struct {
	Applied   int
	Failed    int
	Skipped   int
	Remaining int
}

// Engine drives the pending-change queue to completion.
type Engine struct {
	store   *store.Store
	applier Applier
	bus     *events.Broadcaster
	config  *Config
	logger  *log.Logger

	// running coalesces triggers: while a pass is in flight, further
	// triggers are absorbed instead of starting concurrent passes.
	runningMu sync.Mutex
	running   bool

	statusMu sync.RWMutex
	status   Status

	// lastAttempt tracks when each change last failed, for the backoff
	// window between passes. In-memory only: after a restart every
	// queued change is immediately eligible again.
	attemptMu   sync.Mutex
	lastAttempt map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. The store and applier must not be nil.
func New(st *store.Store, applier Applier, bus *events.Broadcaster, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if bus == nil {
		bus = events.NewBroadcaster()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:       st,
		applier:     applier,
		bus:         bus,
		config:      config,
		logger:      config.Logger,
		status:      StatusIdle,
		lastAttempt: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
}

// Start launches the background triggers: the recurring timer and the
// reconnect listener. SyncNow works without Start.
//
// The bus subscription happens here, not in the goroutine, so an event
// published right after Start is never lost.
func (e *Engine) Start() {
	sub := e.bus.Subscribe()
	e.wg.Add(1)
	go e.triggerLoop(sub)
}

// Stop asks the engine to wind down. A pass in flight stops before starting
// its next item; the in-flight network call is allowed to finish.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// triggerLoop fires sync passes on the timer and on offline-to-online
// transitions.
func (e *Engine) triggerLoop(sub chan events.Event) {
	defer e.wg.Done()
	defer e.bus.Unsubscribe(sub)

	var tick <-chan time.Time
	if e.config.SyncInterval > 0 {
		ticker := time.NewTicker(e.config.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-tick:
			if _, err := e.SyncNow(e.ctx); err != nil {
				e.logger.Printf("Timer sync failed: %v", err)
			}

		case ev := <-sub:
			if ev.Type != events.TypeOnline {
				continue
			}
			e.logger.Println("Connectivity restored, starting sync")
			if _, err := e.SyncNow(e.ctx); err != nil {
				e.logger.Printf("Reconnect sync failed: %v", err)
			}
		}
	}
}

// SyncNow runs one sync pass. If a pass is already in progress the trigger
// is coalesced: SyncNow returns immediately with a nil Result and no error.
func (e *Engine) SyncNow(ctx context.Context) (*Result, error) {
	e.runningMu.Lock()
	if e.running {
		e.runningMu.Unlock()
		return nil, nil
	}
	e.running = true
	e.runningMu.Unlock()

	defer func() {
		e.runningMu.Lock()
		e.running = false
		e.runningMu.Unlock()
	}()

	return e.runPass(ctx)
}

// runPass drains the queue once.
func (e *Engine) runPass(ctx context.Context) (*Result, error) {
	start := time.Now()
	e.setStatus(StatusSyncing)
	e.bus.Publish(events.Event{Type: events.TypeSyncStart})

	changes, err := e.store.ListPendingChangesContext(ctx)
	if err != nil {
		e.setStatus(StatusError)
		e.bus.PublishData(events.TypeSyncError, events.SyncResultData{Error: err.Error()})
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}

	var result Result
	var hardFailure bool

	// Changes are in creation order. Once a change for a document fails,
	// every later change for that document is skipped this pass so edits
	// to the same document are never applied out of order.
	failedDocs := make(map[string]bool)
	now := time.Now()

	for _, change := range changes {
		select {
		case <-e.ctx.Done():
			e.logger.Println("Stop requested, ending pass early")
			result.Remaining = remainingAfter(&result, len(changes))
			e.finishPass(&result, hardFailure, start)
			return &result, nil
		case <-ctx.Done():
			result.Remaining = remainingAfter(&result, len(changes))
			e.finishPass(&result, hardFailure, start)
			return &result, ctx.Err()
		default:
		}

		if failedDocs[change.DocumentID] {
			result.Skipped++
			continue
		}

		if change.RetryCount >= e.config.RetryCeiling {
			// Left in the queue, never silently dropped: the user can
			// still see and resolve it. Excluded from this pass.
			result.Skipped++
			failedDocs[change.DocumentID] = true
			continue
		}

		if e.inBackoff(change, now) {
			result.Skipped++
			failedDocs[change.DocumentID] = true
			continue
		}

		if err := e.applier.ApplyChange(ctx, change); err != nil {
			result.Failed++
			failedDocs[change.DocumentID] = true
			e.recordAttempt(change.ID, now)

			if bumpErr := e.store.BumpRetryContext(ctx, change.ID); bumpErr != nil {
				e.logger.Printf("Failed to bump retry for change %s: %v", change.ID, bumpErr)
			}

			if errors.Is(err, api.ErrUnreachable) {
				e.logger.Printf("Change %s deferred, still offline", change.ID)
			} else {
				hardFailure = true
				e.logger.Printf("Change %s failed (attempt %d/%d): %v",
					change.ID, change.RetryCount+1, e.config.RetryCeiling, err)
			}
			continue
		}

		if err := e.store.DequeueChangeContext(ctx, change.ID); err != nil {
			// The change was applied but not dequeued; it will be replayed
			// next pass. The upstream treats replays as upserts, so this
			// errs on the side of never losing an edit.
			e.logger.Printf("Failed to dequeue change %s: %v", change.ID, err)
			result.Failed++
			hardFailure = true
			continue
		}

		e.forgetAttempt(change.ID)
		result.Applied++
		e.logger.Printf("Applied change %s (%s %s)", change.ID, change.Kind, change.DocumentID)
	}

	result.Remaining = result.Failed + result.Skipped
	e.finishPass(&result, hardFailure, start)
	return &result, nil
}

// finishPass publishes the terminal event and settles the status.
func (e *Engine) finishPass(result *Result, hardFailure bool, start time.Time) {
	data := events.SyncResultData{
		Applied:   result.Applied,
		Failed:    result.Failed,
		Remaining: result.Remaining,
		Duration:  time.Since(start),
	}

	if hardFailure {
		e.setStatus(StatusError)
		e.bus.PublishData(events.TypeSyncError, data)
		e.logger.Printf("Sync pass finished with errors: applied=%d failed=%d skipped=%d",
			result.Applied, result.Failed, result.Skipped)
		return
	}

	e.setStatus(StatusIdle)
	e.bus.PublishData(events.TypeSyncComplete, data)
	e.logger.Printf("Sync pass complete: applied=%d failed=%d skipped=%d",
		result.Applied, result.Failed, result.Skipped)
}

// remainingAfter counts changes not applied when a pass ends early.
func remainingAfter(result *Result, total int) int {
	return total - result.Applied
}

// inBackoff reports whether the change is still inside its backoff window.
func (e *Engine) inBackoff(change *store.PendingChange, now time.Time) bool {
	if change.RetryCount == 0 {
		return false
	}

	e.attemptMu.Lock()
	last, ok := e.lastAttempt[change.ID]
	e.attemptMu.Unlock()
	if !ok {
		return false
	}

	return now.Sub(last) < e.backoffFor(change.RetryCount)
}

// backoffFor computes the exponential wait for a retry count.
func (e *Engine) backoffFor(retries int) time.Duration {
	wait := e.config.BackoffBase
	for i := 1; i < retries; i++ {
		wait *= 2
		if wait >= e.config.BackoffMax {
			return e.config.BackoffMax
		}
	}
	if wait > e.config.BackoffMax {
		wait = e.config.BackoffMax
	}
	return wait
}

func (e *Engine) recordAttempt(id string, at time.Time) {
	e.attemptMu.Lock()
	e.lastAttempt[id] = at
	e.attemptMu.Unlock()
}

func (e *Engine) forgetAttempt(id string) {
	e.attemptMu.Lock()
	delete(e.lastAttempt, id)
	e.attemptMu.Unlock()
}
