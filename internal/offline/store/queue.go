package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ChangeKind classifies a pending change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether the kind is one of the known values.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// PendingChange is a locally recorded mutation not yet confirmed applied
// on the server.
//
// Changes are append-only until successfully applied or permanently
// abandoned; the only field that ever mutates is RetryCount.
type PendingChange struct {
	// ID is generated at enqueue time: nanosecond timestamp plus a random
	// suffix, so lexical order tracks creation order without a central
	// sequence.
	ID string `json:"id"`

	// DocumentID is the target document
	DocumentID string `json:"document_id"`

	// Kind is the change kind: create, update, or delete
	Kind ChangeKind `json:"kind"`

	// Payload is the opaque JSON body to replay against the API
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the change was enqueued
	CreatedAt time.Time `json:"created_at"`

	// RetryCount is how many sync attempts have failed so far
	RetryCount int `json:"retry_count"`
}

// newChangeID generates a change ID ordered by creation time.
func newChangeID(now time.Time) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%020d-%s", now.UnixNano(), hex.EncodeToString(suffix))
}

// EnqueueChange appends a mutation to the pending-change queue and returns
// its generated ID. The retry count starts at zero.
func (s *Store) EnqueueChange(kind ChangeKind, documentID string, payload json.RawMessage) (string, error) {
	return s.EnqueueChangeContext(context.Background(), kind, documentID, payload)
}

// EnqueueChangeContext appends a mutation with context support.
func (s *Store) EnqueueChangeContext(ctx context.Context, kind ChangeKind, documentID string, payload json.RawMessage) (string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", fmt.Errorf("invalid change kind %q", kind)
	}
	if documentID == "" {
		return "", fmt.Errorf("document id cannot be empty")
	}

	now := time.Now().UTC()
	id := newChangeID(now)

	query := `
	INSERT INTO pending_changes (id, document_id, kind, payload, created_at, retry_count)
	VALUES (?, ?, ?, ?, ?, 0)
	`

	_, err := s.conn.ExecContext(ctx, query,
		id,
		documentID,
		string(kind),
		string(payload),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue change for document %s: %w", documentID, err)
	}

	return id, nil
}

// ListPendingChanges returns all queued changes in creation order
// (oldest first).
func (s *Store) ListPendingChanges() ([]*PendingChange, error) {
	return s.ListPendingChangesContext(context.Background())
}

// ListPendingChangesContext lists queued changes with context support.
func (s *Store) ListPendingChangesContext(ctx context.Context) ([]*PendingChange, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
	SELECT id, document_id, kind, payload, created_at, retry_count
	FROM pending_changes
	ORDER BY created_at ASC, id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []*PendingChange
	for rows.Next() {
		var change PendingChange
		var kind string
		var payload sql.NullString
		var createdAt string

		err := rows.Scan(&change.ID, &change.DocumentID, &kind, &payload, &createdAt, &change.RetryCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}

		change.Kind = ChangeKind(kind)
		if payload.Valid && payload.String != "" {
			change.Payload = json.RawMessage(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			change.CreatedAt = t
		}

		changes = append(changes, &change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}

	return changes, nil
}

// PendingChangeCount returns the number of queued changes.
func (s *Store) PendingChangeCount() (int, error) {
	return s.PendingChangeCountContext(context.Background())
}

// PendingChangeCountContext returns the queue length with context support.
func (s *Store) PendingChangeCountContext(ctx context.Context) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// DequeueChange removes a change after its application was confirmed.
// Returns nil if the change doesn't exist (idempotent).
func (s *Store) DequeueChange(id string) error {
	return s.DequeueChangeContext(context.Background(), id)
}

// DequeueChangeContext removes a change with context support.
func (s *Store) DequeueChangeContext(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	query := `DELETE FROM pending_changes WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to dequeue change %s: %w", id, err)
	}
	return nil
}

// BumpRetry increments a change's retry count in place.
//
// The increment happens inside the UPDATE itself, so concurrent callers
// cannot lose updates. Returns ErrNotFound if the change doesn't exist:
// a bump never silently no-ops.
func (s *Store) BumpRetry(id string) error {
	return s.BumpRetryContext(context.Background(), id)
}

// BumpRetryContext increments a change's retry count with context support.
func (s *Store) BumpRetryContext(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	query := `UPDATE pending_changes SET retry_count = retry_count + 1 WHERE id = ?`
	res, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to bump retry for change %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check bump result for change %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("bump retry for change %s: %w", id, ErrNotFound)
	}
	return nil
}

// UsageSummary describes the offline store's footprint.
type UsageSummary struct {
	DocumentCount int   `json:"document_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Usage computes the store footprint on demand by summing cached content
// length. It is derived, never separately persisted, to avoid a second
// source of truth.
func (s *Store) Usage() (*UsageSummary, error) {
	return s.UsageContext(context.Background())
}

// UsageContext computes the store footprint with context support.
func (s *Store) UsageContext(ctx context.Context) (*UsageSummary, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var summary UsageSummary
	query := `SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM documents`
	err := s.conn.QueryRowContext(ctx, query).Scan(&summary.DocumentCount, &summary.TotalBytes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to compute usage summary: %w", err)
	}
	return &summary, nil
}
