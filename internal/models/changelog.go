package models

import "time"

// ChangeLog is one immutable row of the server ledger. ID is the logical clock.
type ChangeLog struct {
	ID            int64     `json:"id"`
	Model         string    `json:"model"`
	KeyPath       []any     `json:"keyPath"`
	Operation     Operation `json:"operation"`
	ScopeKey      string    `json:"scopeKey"`
	OutboxEventID string    `json:"outboxEventId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LogWithRecord pairs a changelog row with the record as it looked when the page was built.
// Record is nil when the row is gone or no longer visible to the caller's scope.
type LogWithRecord struct {
	ChangeLog
	ChangelogID int64          `json:"changelogId"`
	Record      map[string]any `json:"record"`
}

// PullPage is one page of the pull protocol. Cursor is the id of the last row in the page,
// or the requested cursor when the page is empty.
type PullPage struct {
	Cursor          int64           `json:"cursor"`
	LogsWithRecords []LogWithRecord `json:"logsWithRecords"`
}

// ChangeNotice tells subscribers of a scope that new changelog rows exist
type ChangeNotice struct {
	ScopeKey string    `json:"scopeKey"`
	ChangeID int64     `json:"changeId"`
	SentAt   time.Time `json:"sentAt"`
}
