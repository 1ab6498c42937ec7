package cache

import (
	"encoding/json"
	"fmt"

	"github.com/openarchive/docsync/internal/offline/store"
)

// MessageKind identifies a control message sent to the cache manager.
//
// The set of kinds is closed: the integration layer and the cache manager
// share this exhaustively-checked contract instead of passing untyped
// message objects around.
type MessageKind string

const (
	// MsgCacheDocument asks the manager to warm the document-content
	// namespace with the attached document.
	MsgCacheDocument MessageKind = "CACHE_DOCUMENT"

	// MsgUncacheDocument asks the manager to drop a document from the
	// document-content namespace.
	MsgUncacheDocument MessageKind = "UNCACHE_DOCUMENT"

	// MsgClearCache asks the manager to purge the document and API
	// namespaces. The static shell stays so navigation keeps working.
	MsgClearCache MessageKind = "CLEAR_CACHE"

	// MsgSkipWaiting force-activates the current cache version, deleting
	// every stale same-prefix namespace immediately.
	MsgSkipWaiting MessageKind = "SKIP_WAITING"
)

// Message is one fire-and-forget control message. The manager never replies
// synchronously; effects are observed by re-reading the offline store or the
// cache namespaces.
type Message struct {
	Kind MessageKind `json:"kind"`

	// Payload carries the document for MsgCacheDocument.
	Payload *store.Document `json:"payload,omitempty"`

	// DocumentID identifies the target for MsgUncacheDocument.
	DocumentID string `json:"document_id,omitempty"`
}

// Validate checks the message against the closed contract.
func (m Message) Validate() error {
	switch m.Kind {
	case MsgCacheDocument:
		if m.Payload == nil {
			return fmt.Errorf("%s message requires a payload", m.Kind)
		}
		return m.Payload.Validate()
	case MsgUncacheDocument:
		if m.DocumentID == "" {
			return fmt.Errorf("%s message requires a document id", m.Kind)
		}
		return nil
	case MsgClearCache, MsgSkipWaiting:
		return nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
}

// ParseMessage decodes and validates a wire-format message.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
