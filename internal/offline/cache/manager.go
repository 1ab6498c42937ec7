package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config holds configuration for the cache manager.
type Config struct {
	// UpstreamURL is the base URL of the document API, e.g. "http://localhost:5000"
	UpstreamURL string

	// CacheRoot is the directory holding the versioned namespaces
	CacheRoot string

	// Prefix names this application's namespaces; directories are
	// "<prefix>-<name>-v<version>"
	Prefix string

	// Version is the current cache schema version. Bumping it and
	// activating purges every older same-prefix namespace.
	Version int

	// APIPrefix marks requests that get network-first treatment
	APIPrefix string

	// CacheableRoutes is the allow-list of API path prefixes whose
	// successful responses are stored in the API namespace
	CacheableRoutes []string

	// StaticDir holds the SPA shell assets to precache. Empty disables
	// precaching and the asset watcher.
	StaticDir string

	// ShellAssets is the fixed precache manifest, relative to StaticDir
	ShellAssets []string

	// Client performs upstream fetches. Its timeout bounds every request.
	Client *http.Client

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:    "docsync",
		Version:   1,
		APIPrefix: "/api/",
		CacheableRoutes: []string{
			"/api/documents",
			"/api/folders",
			"/api/tags",
		},
		ShellAssets: []string{"index.html"},
		Client:      &http.Client{Timeout: 15 * time.Second},
		Logger:      log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Manager applies per-route caching policy to outgoing requests and keeps
// the cache namespaces warm. It is the single intercepting proxy between
// the UI and the upstream API.
type Manager struct {
	cfg      *Config
	upstream *url.URL
	client   *http.Client
	logger   *log.Logger

	ns *namespaceSet

	msgs    chan Message
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache manager. Start must be called before the message
// channel or the asset watcher do anything.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("upstream URL cannot be empty")
	}
	if cfg.CacheRoot == "" {
		return nil, fmt.Errorf("cache root cannot be empty")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "docsync"
	}
	if cfg.Version <= 0 {
		cfg.Version = 1
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.CacheableRoutes == nil {
		cfg.CacheableRoutes = DefaultConfig().CacheableRoutes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	ns, err := openNamespaces(cfg.CacheRoot, cfg.Prefix, cfg.Version)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:      cfg,
		upstream: upstream,
		client:   cfg.Client,
		logger:   cfg.Logger,
		ns:       ns,
		msgs:     make(chan Message, 100),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Install pre-populates the static namespace from the shell-asset manifest,
// then activates immediately (no waiting for old clients to close).
func (m *Manager) Install() error {
	if m.cfg.StaticDir != "" {
		for _, asset := range m.cfg.ShellAssets {
			if err := m.precacheAsset(asset); err != nil {
				m.logger.Printf("Warning: failed to precache %s: %v", asset, err)
			}
		}
	}
	return m.Activate()
}

// Activate deletes every namespace directory carrying this application's
// prefix that does not match the current version.
func (m *Manager) Activate() error {
	deleted, err := m.ns.activate()
	for _, name := range deleted {
		m.logger.Printf("Deleted stale cache namespace: %s", name)
	}
	if err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}
	return nil
}

// precacheAsset stores one shell asset from disk into the static namespace.
// index.html is additionally stored under "/" so navigation fallback works.
func (m *Manager) precacheAsset(asset string) error {
	data, err := os.ReadFile(filepath.Join(m.cfg.StaticDir, asset))
	if err != nil {
		return fmt.Errorf("failed to read asset: %w", err)
	}

	resp := &CachedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{contentTypeFor(asset)}},
		Body:   data,
	}

	if err := m.ns.static.Put("/"+asset, resp); err != nil {
		return err
	}
	if asset == "index.html" {
		if err := m.ns.static.Put("/", resp); err != nil {
			return err
		}
	}
	return nil
}

// contentTypeFor guesses a content type from the asset extension.
func contentTypeFor(asset string) string {
	switch filepath.Ext(asset) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".css":
		return "text/css"
	case ".json":
		return "application/json"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	default:
		return "application/octet-stream"
	}
}

// Start launches the message loop and, when a static dir is configured,
// the shell-asset watcher.
func (m *Manager) Start() error {
	m.wg.Add(1)
	go m.messageLoop()

	if m.cfg.StaticDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create asset watcher: %w", err)
		}
		if err := watcher.Add(m.cfg.StaticDir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch static dir: %w", err)
		}
		m.watcher = watcher

		m.wg.Add(1)
		go m.watchAssets()
	}

	return nil
}

// Stop shuts the manager down. Queued messages may be dropped.
func (m *Manager) Stop() {
	m.cancel()
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()
}

// Send delivers a control message, fire-and-forget. A full queue drops the
// message rather than blocking the caller.
func (m *Manager) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case m.msgs <- msg:
	default:
		m.logger.Printf("Warning: message queue full, dropping %s", msg.Kind)
	}
	return nil
}

// messageLoop processes control messages until Stop.
func (m *Manager) messageLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.msgs:
			m.handleMessage(msg)
		}
	}
}

// handleMessage applies one control message. Failures are logged, never
// propagated: a broken cache must not break anything upstream of it.
func (m *Manager) handleMessage(msg Message) {
	switch msg.Kind {
	case MsgCacheDocument:
		doc := msg.Payload
		resp := &CachedResponse{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/octet-stream"}},
			Body:   []byte(doc.Content),
		}
		if err := m.ns.documents.Put(doc.ID, resp); err != nil {
			m.logger.Printf("Warning: failed to cache document %s: %v", doc.ID, err)
			return
		}
		m.logger.Printf("Cached document content: %s (%s)", doc.ID, doc.Name)

	case MsgUncacheDocument:
		if err := m.ns.documents.Delete(msg.DocumentID); err != nil {
			m.logger.Printf("Warning: failed to uncache document %s: %v", msg.DocumentID, err)
			return
		}
		m.logger.Printf("Uncached document content: %s", msg.DocumentID)

	case MsgClearCache:
		if err := m.ns.documents.Purge(); err != nil {
			m.logger.Printf("Warning: failed to purge document namespace: %v", err)
		}
		if err := m.ns.api.Purge(); err != nil {
			m.logger.Printf("Warning: failed to purge API namespace: %v", err)
		}
		m.logger.Println("Cleared document and API caches")

	case MsgSkipWaiting:
		if err := m.Activate(); err != nil {
			m.logger.Printf("Warning: forced activation failed: %v", err)
		}
	}
}

// ServeHTTP intercepts a request from the UI and applies caching policy.
//
// GET under the API prefix: network-first. Other GETs: cache-first with
// background revalidation. Everything else bypasses caching entirely.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.passthrough(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, m.cfg.APIPrefix) {
		m.networkFirst(w, r)
		return
	}

	m.cacheFirst(w, r)
}

// networkFirst tries the upstream and falls back to the API namespace.
func (m *Manager) networkFirst(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()

	resp, body, err := m.forward(r)
	if err != nil {
		if cached := m.matchAPI(key, r.URL.Path); cached != nil {
			m.serveCached(w, cached)
			return
		}
		m.serveOfflineJSON(w)
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && m.isCacheableRoute(r.URL.Path) {
		// Cache writes are a side channel: a failure must never fail the
		// request the user is waiting on.
		entry := &CachedResponse{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: body}
		if err := m.ns.api.Put(key, entry); err != nil {
			m.logger.Printf("Warning: failed to cache %s: %v", key, err)
		}
	}

	relay(w, resp.StatusCode, resp.Header, body)
}

// matchAPI looks up an offline fallback for an API request: first the API
// namespace, then the document-content namespace for content routes.
func (m *Manager) matchAPI(key, path string) *CachedResponse {
	cached, err := m.ns.api.Match(key)
	if err != nil {
		m.logger.Printf("Warning: cache lookup failed for %s: %v", key, err)
	}
	if cached != nil {
		return cached
	}

	if id, ok := documentContentID(path, m.cfg.APIPrefix); ok {
		cached, err := m.ns.documents.Match(id)
		if err != nil {
			m.logger.Printf("Warning: document cache lookup failed for %s: %v", id, err)
		}
		return cached
	}
	return nil
}

// documentContentID extracts the document ID from a content route,
// e.g. "/api/documents/<id>/content".
func documentContentID(path, apiPrefix string) (string, bool) {
	rest, ok := strings.CutPrefix(path, apiPrefix+"documents/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/content")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// cacheFirst serves static and navigation requests from cache, refreshing
// in the background (stale-while-revalidate).
func (m *Manager) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()

	cached, err := m.ns.static.Match(key)
	if err != nil {
		m.logger.Printf("Warning: cache lookup failed for %s: %v", key, err)
	}
	if cached != nil {
		m.serveCached(w, cached)
		// Requests can land during shutdown; once Stop has cancelled the
		// context no new revalidation may touch the WaitGroup.
		select {
		case <-m.ctx.Done():
		default:
			m.wg.Add(1)
			go m.revalidate(key, r.URL)
		}
		return
	}

	resp, body, err := m.forward(r)
	if err != nil {
		if isNavigation(r) {
			if shell := m.shellFallback(); shell != nil {
				m.serveCached(w, shell)
				return
			}
		}
		m.serveOfflineText(w)
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		entry := &CachedResponse{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: body}
		if err := m.ns.static.Put(key, entry); err != nil {
			m.logger.Printf("Warning: failed to cache %s: %v", key, err)
		}
	}

	relay(w, resp.StatusCode, resp.Header, body)
}

// revalidate refetches a cached static entry in the background.
func (m *Manager) revalidate(key string, u *url.URL) {
	defer m.wg.Done()

	select {
	case <-m.ctx.Done():
		return
	default:
	}

	target := *m.upstream
	target.Path = u.Path
	target.RawQuery = u.RawQuery

	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		// Expected while offline; the stale entry stays.
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	entry := &CachedResponse{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: body}
	if err := m.ns.static.Put(key, entry); err != nil {
		m.logger.Printf("Warning: revalidation store failed for %s: %v", key, err)
	}
}

// shellFallback returns the cached SPA shell, if present.
func (m *Manager) shellFallback() *CachedResponse {
	shell, err := m.ns.static.Match("/")
	if err != nil || shell == nil {
		shell, _ = m.ns.static.Match("/index.html")
	}
	return shell
}

// passthrough forwards a non-GET request verbatim. Nothing here is cached.
func (m *Manager) passthrough(w http.ResponseWriter, r *http.Request) {
	resp, body, err := m.forward(r)
	if err != nil {
		m.serveOfflineJSON(w)
		return
	}
	relay(w, resp.StatusCode, resp.Header, body)
}

// forward sends the request upstream and reads the full body.
// The response body is already closed when forward returns.
func (m *Manager) forward(r *http.Request) (*http.Response, []byte, error) {
	target := *m.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = cloneHeader(r.Header)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upstream body: %w", err)
	}

	return resp, body, nil
}

// isCacheableRoute reports whether an API path is in the allow-list.
func (m *Manager) isCacheableRoute(path string) bool {
	for _, route := range m.cfg.CacheableRoutes {
		if path == route || strings.HasPrefix(path, route+"/") {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a page navigation.
func isNavigation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// serveCached writes a stored response verbatim.
func (m *Manager) serveCached(w http.ResponseWriter, cached *CachedResponse) {
	relay(w, cached.Status, cached.Header, cached.Body)
}

// serveOfflineJSON writes the structured offline indicator for API callers.
func (m *Manager) serveOfflineJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "Offline",
		"message": "This request is not available offline",
	})
}

// serveOfflineText writes the generic offline response for static assets.
func (m *Manager) serveOfflineText(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Offline"))
}

// relay writes status, headers, and body to the client.
func relay(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for k, vv := range header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// cloneHeader deep-copies an http.Header.
func cloneHeader(h http.Header) http.Header {
	clone := make(http.Header, len(h))
	for k, vv := range h {
		clone[k] = append([]string(nil), vv...)
	}
	return clone
}

// watchAssets re-precaches shell assets that change on disk.
func (m *Manager) watchAssets() {
	defer m.wg.Done()

	manifest := make(map[string]bool, len(m.cfg.ShellAssets))
	for _, asset := range m.cfg.ShellAssets {
		manifest[asset] = true
	}

	for {
		select {
		case <-m.ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			asset := filepath.Base(event.Name)
			if !manifest[asset] {
				continue
			}
			m.logger.Printf("Shell asset changed: %s", asset)
			if err := m.precacheAsset(asset); err != nil {
				m.logger.Printf("Warning: failed to re-cache %s: %v", asset, err)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("Watcher error: %v", err)
		}
	}
}

// Usage reports entry counts for the three namespaces.
func (m *Manager) Usage() (static, documents, api int) {
	static, _ = m.ns.static.Len()
	documents, _ = m.ns.documents.Len()
	api, _ = m.ns.api.Len()
	return static, documents, api
}
