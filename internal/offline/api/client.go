// Package api provides the HTTP client for the upstream document API.
//
// The upstream is the only network dependency of the offline subsystem.
// Response bodies are opaque JSON here: the client replays queued payloads
// and reports success or failure, it never interprets document content.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openarchive/docsync/internal/offline/store"
)

// ErrUnreachable indicates the upstream could not be reached at all
// (connection refused, DNS failure, timeout). It is the "still offline"
// signal: callers treat it as expected and fall back to cache/queue.
var ErrUnreachable = errors.New("upstream unreachable")

// StatusError is returned when the upstream answered with a non-2xx status.
// Unlike ErrUnreachable this means the network is fine and the server
// rejected the request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the upstream document API.
type Client struct {
	baseURL string
	http    *http.Client
}

// DefaultTimeout bounds every upstream request so a single stuck call
// cannot stall a whole sync pass.
const DefaultTimeout = 15 * time.Second

// New creates a client for the given base URL, e.g. "http://localhost:5000".
// If timeout is zero, DefaultTimeout is used.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks upstream reachability via the health endpoint.
// Returns ErrUnreachable when the upstream cannot be reached.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// ApplyChange replays a queued mutation against the upstream API.
//
// The mapping from change kind to route mirrors the upstream's documents API:
//
//	create -> POST   /api/documents
//	update -> PUT    /api/documents/{id}
//	delete -> DELETE /api/documents/{id}
//
// The payload is sent verbatim as the JSON body for create/update.
func (c *Client) ApplyChange(ctx context.Context, change *store.PendingChange) error {
	var method, path string
	var body io.Reader

	switch change.Kind {
	case store.ChangeCreate:
		method = http.MethodPost
		path = "/api/documents"
		body = bytes.NewReader(change.Payload)
	case store.ChangeUpdate:
		method = http.MethodPut
		path = "/api/documents/" + url.PathEscape(change.DocumentID)
		body = bytes.NewReader(change.Payload)
	case store.ChangeDelete:
		method = http.MethodDelete
		path = "/api/documents/" + url.PathEscape(change.DocumentID)
	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request for change %s: %w", change.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Deleting a document the server never saw is success from the
		// queue's point of view: the end state matches.
		if change.Kind == store.ChangeDelete && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchDocument downloads a document's metadata and content from the
// upstream so it can be pinned into the offline store.
func (c *Client) FetchDocument(ctx context.Context, id string) (*store.Document, error) {
	doc := &store.Document{}
	if err := c.getJSON(ctx, "/api/documents/"+url.PathEscape(id), doc); err != nil {
		return nil, err
	}

	content, err := c.getRaw(ctx, "/api/documents/"+url.PathEscape(id)+"/content")
	if err != nil {
		return nil, err
	}
	doc.Content = string(content)
	doc.Size = int64(len(content))

	return doc, nil
}

// ListDocuments fetches the upstream document listing.
func (c *Client) ListDocuments(ctx context.Context) ([]*store.Document, error) {
	var docs []*store.Document
	if err := c.getJSON(ctx, "/api/documents", &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	return io.ReadAll(resp.Body)
}
