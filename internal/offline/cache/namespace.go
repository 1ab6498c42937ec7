// Package cache implements the intercepting cache layer of the docsync agent.
//
// The package owns three disjoint, versioned cache namespaces (static shell
// assets, document content, API responses) stored on disk, and an HTTP proxy
// that applies per-route caching policy to traffic between the UI and the
// upstream API. Bumping the configured version creates fresh namespaces and
// marks all older same-prefix namespaces for deletion on activation; that is
// the whole cache-schema migration mechanism.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Namespace names. Each maps to one versioned directory.
const (
	NamespaceStatic    = "static"
	NamespaceDocuments = "documents"
	NamespaceAPI       = "api"
)

// CachedResponse is a stored network response. Responses are kept
// byte-for-byte so a cached reply is served verbatim while offline.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Namespace is one named, versioned bucket of stored responses.
type Namespace struct {
	dir string
}

// namespaceDirName builds the on-disk directory name for a namespace.
func namespaceDirName(prefix, name string, version int) string {
	return fmt.Sprintf("%s-%s-v%d", prefix, name, version)
}

// openNamespace creates the namespace directory if needed.
func openNamespace(root, prefix, name string, version int) (*Namespace, error) {
	dir := filepath.Join(root, namespaceDirName(prefix, name, version))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create namespace %s: %w", name, err)
	}
	return &Namespace{dir: dir}, nil
}

// entryPath maps a cache key (request URI) to a file path.
// Keys are hashed so arbitrary paths and query strings stay filesystem-safe.
func (n *Namespace) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(n.dir, hex.EncodeToString(sum[:]))
}

// Put stores a response under key.
//
// Body and metadata are written to temp files and renamed into place, so a
// partial entry is never observable. The metadata file is written last: an
// entry without metadata is treated as absent.
func (n *Namespace) Put(key string, resp *CachedResponse) error {
	path := n.entryPath(key)

	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}

	tmpBody := path + ".tmp"
	if err := os.WriteFile(tmpBody, resp.Body, 0644); err != nil {
		return fmt.Errorf("failed to write cache body: %w", err)
	}
	if err := os.Rename(tmpBody, path); err != nil {
		os.Remove(tmpBody)
		return fmt.Errorf("failed to rename cache body: %w", err)
	}

	meta, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	tmpMeta := path + ".meta.tmp"
	if err := os.WriteFile(tmpMeta, meta, 0644); err != nil {
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	if err := os.Rename(tmpMeta, path+".meta"); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("failed to rename cache metadata: %w", err)
	}

	return nil
}

// Match looks up a cached response by key.
// A miss returns (nil, nil); errors are reserved for unreadable entries.
func (n *Namespace) Match(key string) (*CachedResponse, error) {
	path := n.entryPath(key)

	meta, err := os.ReadFile(path + ".meta")
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache metadata: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(meta, &resp); err != nil {
		return nil, fmt.Errorf("corrupt cache metadata for %s: %w", key, err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache body: %w", err)
	}
	resp.Body = body

	return &resp, nil
}

// Delete removes a cached entry. Missing entries are not an error.
func (n *Namespace) Delete(key string) error {
	path := n.entryPath(key)
	if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache metadata: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache body: %w", err)
	}
	return nil
}

// Purge removes every entry in the namespace but keeps the namespace itself.
func (n *Namespace) Purge() error {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return fmt.Errorf("failed to read namespace directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(n.dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to purge entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (n *Namespace) Len() (int, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read namespace directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".meta") {
			count++
		}
	}
	return count, nil
}

// namespaceSet manages the three namespaces for one cache version.
type namespaceSet struct {
	root    string
	prefix  string
	version int

	static    *Namespace
	documents *Namespace
	api       *Namespace
}

// openNamespaces creates (if needed) the three namespaces for the version.
func openNamespaces(root, prefix string, version int) (*namespaceSet, error) {
	set := &namespaceSet{root: root, prefix: prefix, version: version}

	var err error
	if set.static, err = openNamespace(root, prefix, NamespaceStatic, version); err != nil {
		return nil, err
	}
	if set.documents, err = openNamespace(root, prefix, NamespaceDocuments, version); err != nil {
		return nil, err
	}
	if set.api, err = openNamespace(root, prefix, NamespaceAPI, version); err != nil {
		return nil, err
	}
	return set, nil
}

// currentDirs returns the directory names belonging to the current version.
func (s *namespaceSet) currentDirs() map[string]bool {
	return map[string]bool{
		namespaceDirName(s.prefix, NamespaceStatic, s.version):    true,
		namespaceDirName(s.prefix, NamespaceDocuments, s.version): true,
		namespaceDirName(s.prefix, NamespaceAPI, s.version):       true,
	}
}

// activate enumerates all namespace directories under the cache root and
// deletes every directory carrying this prefix that does not belong to the
// current version. This guarantees old cache schemas are purged exactly once
// per version bump. Returns the names of the deleted directories.
func (s *namespaceSet) activate() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate cache root: %w", err)
	}

	current := s.currentDirs()
	var deleted []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, s.prefix+"-") || current[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			return deleted, fmt.Errorf("failed to delete stale namespace %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
