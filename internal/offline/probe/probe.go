// Package probe watches upstream connectivity.
//
// The watcher polls the upstream health endpoint and publishes online/offline
// transition events, standing in for the browser's online/offline events in
// the agent's world. Only transitions are published, not every poll.
package probe

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/openarchive/docsync/internal/offline/events"
)

// Pinger checks upstream reachability. *api.Client is the production
// implementation.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the watcher.
type Config struct {
	// Interval is how often to probe (default 10s)
	Interval time.Duration

	// Timeout bounds a single probe (default 5s)
	Timeout time.Duration

	// Logger for probe activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[probe] ", log.LstdFlags),
	}
}

// Watcher polls the upstream and tracks online state.
type Watcher struct {
	pinger Pinger
	bus    *events.Broadcaster
	config *Config
	logger *log.Logger

	mu     sync.RWMutex
	online bool
	known  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher. The initial state is unknown until the first probe.
func New(pinger Pinger, bus *events.Broadcaster, config *Config) *Watcher {
	if bus == nil {
		bus = events.NewBroadcaster()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		pinger: pinger,
		bus:    bus,
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Online reports the last observed connectivity state.
// Before the first probe completes this returns false.
func (w *Watcher) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// Start probes immediately, then on the configured interval.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// CheckNow runs a single probe and publishes a transition if the state
// changed. Returns the observed state.
func (w *Watcher) CheckNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	online := w.pinger.Ping(probeCtx) == nil
	w.observe(online)
	return online
}

// observe records a poll result and publishes on transition.
func (w *Watcher) observe(online bool) {
	w.mu.Lock()
	changed := !w.known || w.online != online
	w.online = online
	w.known = true
	w.mu.Unlock()

	if !changed {
		return
	}

	if online {
		w.logger.Println("Upstream reachable")
		w.bus.Publish(events.Event{Type: events.TypeOnline})
	} else {
		w.logger.Println("Upstream unreachable")
		w.bus.Publish(events.Event{Type: events.TypeOffline})
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	w.CheckNow(w.ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.CheckNow(w.ctx)
		}
	}
}
