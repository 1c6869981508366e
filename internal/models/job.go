package models

import (
	"encoding/json"
	"time"
)

// Job statuses persisted in Postgres. Transitions are one-directional:
// pending -> in_progress -> {completed, failed, cancelled}.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job types recognized by the dispatcher.
const (
	TypeSyncPosts    = "sync_posts"
	TypeSyncComments = "sync_comments"
	TypeSyncAll      = "sync_all"
)

// ValidJobType reports whether t is a dispatchable job type.
func ValidJobType(t string) bool {
	switch t {
	case TypeSyncPosts, TypeSyncComments, TypeSyncAll:
		return true
	}
	return false
}

// TerminalStatus reports whether s is a terminal job status.
func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a tracked unit of asynchronous sync work.
type Job struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	Type           string          `json:"job_type"`
	Status         string          `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	SuccessCount   int             `json:"success_count"`
	ErrorCount     int             `json:"error_count"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ErrorDetails   json.RawMessage `json:"error_details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastUpdatedAt  time.Time       `json:"last_updated_at"`
}

// ProgressPercent returns completion as an integer in [0, 100].
// With no known total, a completed job reads 100 and anything else 0.
func (j Job) ProgressPercent() int {
	if j.TotalItems > 0 {
		pct := j.ProcessedItems * 100 / j.TotalItems
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		return pct
	}
	if j.Status == StatusCompleted {
		return 100
	}
	return 0
}

// Duration returns elapsed execution time. For a running job it measures
// against the current clock; before the job starts it reports false.
func (j Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil {
		return 0, false
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt), true
	}
	return time.Since(*j.StartedAt), true
}

// ProgressUpdate carries a partial counter update. Nil fields are left
// untouched on the job row.
type ProgressUpdate struct {
	Processed *int
	Success   *int
	Errors    *int
	Total     *int
}

// ItemError records one failed unit inside a per-item sync run.
type ItemError struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}
