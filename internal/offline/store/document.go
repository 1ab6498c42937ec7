package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Document is a document cached for offline reading.
//
// There is at most one record per document ID (upsert semantics); every
// cache write restamps CachedAt.
type Document struct {
	// ID is the document identifier assigned by the upstream API
	ID string `json:"id"`

	// CollectionID is the owning collection (folder) identifier
	CollectionID string `json:"collection_id,omitempty"`

	// Name is the display name, e.g. "report.pdf"
	Name string `json:"name"`

	// Type is the document type, e.g. "pdf", "txt"
	Type string `json:"type,omitempty"`

	// Size is the document size in bytes as reported by the upstream API
	Size int64 `json:"size,omitempty"`

	// Content is the full textual content available offline
	Content string `json:"content,omitempty"`

	// Metadata is an opaque map carried alongside the document
	Metadata map[string]any `json:"metadata,omitempty"`

	// CachedAt is when this record was last written
	CachedAt time.Time `json:"cached_at"`
}

// Validate checks that the document can be stored.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	if d.Name == "" {
		return fmt.Errorf("document name cannot be empty")
	}
	return nil
}

// Put inserts or updates a document by ID.
//
// CachedAt is always restamped to the current time, regardless of any
// value the caller set.
func (s *Store) Put(doc *Document) error {
	return s.PutContext(context.Background(), doc)
}

// PutContext inserts or updates a document with context support.
func (s *Store) PutContext(ctx context.Context, doc *Document) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	doc.CachedAt = time.Now().UTC()

	query := `
	INSERT INTO documents (
		id, collection_id, name, type, size, content, metadata, cached_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		collection_id = excluded.collection_id,
		name = excluded.name,
		type = excluded.type,
		size = excluded.size,
		content = excluded.content,
		metadata = excluded.metadata,
		cached_at = excluded.cached_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		doc.ID,
		doc.CollectionID,
		doc.Name,
		doc.Type,
		doc.Size,
		doc.Content,
		string(metadataJSON),
		doc.CachedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}

	return nil
}

// Get retrieves a single document by ID.
// Returns ErrNotFound if the document is not cached.
func (s *Store) Get(id string) (*Document, error) {
	return s.GetContext(context.Background(), id)
}

// GetContext retrieves a single document with context support.
func (s *Store) GetContext(ctx context.Context, id string) (*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
	SELECT id, collection_id, name, type, size, content, metadata, cached_at
	FROM documents
	WHERE id = ?
	`

	doc, err := scanDocument(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

// ListByCollection returns all cached documents in a collection,
// ordered by name.
func (s *Store) ListByCollection(collectionID string) ([]*Document, error) {
	return s.ListByCollectionContext(context.Background(), collectionID)
}

// ListByCollectionContext lists documents in a collection with context support.
func (s *Store) ListByCollectionContext(ctx context.Context, collectionID string) ([]*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
	SELECT id, collection_id, name, type, size, content, metadata, cached_at
	FROM documents
	WHERE collection_id = ?
	ORDER BY name ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents for collection %s: %w", collectionID, err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// ListAll returns every cached document, ordered by name.
func (s *Store) ListAll() ([]*Document, error) {
	return s.ListAllContext(context.Background())
}

// ListAllContext returns every cached document with context support.
func (s *Store) ListAllContext(ctx context.Context) ([]*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
	SELECT id, collection_id, name, type, size, content, metadata, cached_at
	FROM documents
	ORDER BY name ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// Remove deletes a cached document by ID.
// Returns ErrNotFound if the document is not cached.
func (s *Store) Remove(id string) error {
	return s.RemoveContext(context.Background(), id)
}

// RemoveContext deletes a cached document with context support.
func (s *Store) RemoveContext(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	query := `DELETE FROM documents WHERE id = ?`
	res, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to remove document %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check remove result for document %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("remove document %s: %w", id, ErrNotFound)
	}
	return nil
}

// Clear deletes every cached document. Pending changes are not touched.
func (s *Store) Clear() error {
	return s.ClearContext(context.Background())
}

// ClearContext deletes every cached document with context support.
func (s *Store) ClearContext(ctx context.Context) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("failed to clear documents: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDocument scans a single document row.
func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var metadataJSON sql.NullString
	var cachedAt string

	err := row.Scan(
		&doc.ID,
		&doc.CollectionID,
		&doc.Name,
		&doc.Type,
		&doc.Size,
		&doc.Content,
		&metadataJSON,
		&cachedAt,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, cachedAt); err == nil {
		doc.CachedAt = t
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &doc, nil
}

// scanDocuments scans multiple documents from query results.
func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}
