package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation carried by an outbox event or changelog row
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// OutboxEvent is a local mutation waiting to be confirmed by the server.
// Payload holds the full record for create/update and the primary key object for delete.
type OutboxEvent struct {
	ID              string          `json:"id"`
	EntityType      string          `json:"entityType"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"createdAt"`
	Tries           int             `json:"tries"`
	LastError       *PushError      `json:"lastError,omitempty"`
	Synced          bool            `json:"synced"`
	SyncedAt        *time.Time      `json:"syncedAt,omitempty"`
	LastAttemptedAt *time.Time      `json:"lastAttemptedAt,omitempty"`
	Retryable       bool            `json:"retryable"`

	// EntityKey is the canonical primary key of the mutated entity. Local only.
	EntityKey string `json:"-"`
}

// EstimateBytes gives a rough wire size, used to warn about heavy push batches
func (e *OutboxEvent) EstimateBytes() int {
	return len(e.Payload) + len(e.ID) + len(e.EntityType) + 128
}

// PushResult is the server answer for one submitted event
type PushResult struct {
	ID                 string     `json:"id"`
	AppliedChangelogID int64      `json:"appliedChangelogId,omitempty"`
	Error              *PushError `json:"error"`
}

// PushError is the wire form of a classified failure
type PushError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}
