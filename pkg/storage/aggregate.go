package storage

import (
	"encoding/json"
	"time"
)

// Session status constants.
const (
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
	SessionStatusCancelled = "cancelled"
)

// Record status constants.
const (
	RecordStatusPending   = "pending"
	RecordStatusRunning   = "running"
	RecordStatusCompleted = "completed"
	RecordStatusFailed    = "failed"
	RecordStatusCancelled = "cancelled"
)

// Session is one user-submitted benchmark request evaluated across the
// configured model set.
type Session struct {
	ID               int64      `json:"-"`
	ExternalID       string     `json:"external_id"`
	OwnerID          string     `json:"owner_id"`
	WebsiteURL       string     `json:"website_url"`
	TaskDescription  string     `json:"task_description"`
	Status           string     `json:"status"`
	TotalModels      int        `json:"total_models"`
	CompletedModels  int        `json:"completed_models"`
	SuccessfulModels int        `json:"successful_models"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Record is one model's outcome within a session.
type Record struct {
	ID                int64           `json:"id"`
	SessionID         int64           `json:"-"`
	ExternalSessionID string          `json:"external_session_id"`
	ModelID           string          `json:"model_id"`
	ModelName         string          `json:"model_name"`
	Provider          string          `json:"provider"`
	Status            string          `json:"status"`
	Success           bool            `json:"success"`
	ExecutionTimeMS   int64           `json:"execution_time_ms"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Logs              json.RawMessage `json:"logs,omitempty"`
	FinalResult       string          `json:"final_result,omitempty"`
	ScreenshotURL     string          `json:"screenshot_url,omitempty"`
	StartTime         *time.Time      `json:"start_time,omitempty"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Resolved reports whether a record has reached a terminal outcome that
// counts toward the session's completed_models. Cancelled records do not
// count: a cancelled session is an externally driven terminal state, not a
// resolved benchmark outcome.
func (r Record) Resolved() bool {
	return r.Status == RecordStatusCompleted || r.Status == RecordStatusFailed
}

// Recompute derives the session-level aggregate from the full record set.
// It is a pure function: callers apply the result inside the same
// transaction that mutated a record, so two models completing concurrently
// can never both observe a stale count.
//
// Rules:
//   - completed_models counts records in {completed, failed}
//   - successful_models counts completed records with success = true
//   - status flips running -> completed exactly when every model resolved,
//     and never regresses; failed/cancelled sessions stay terminal
//   - end_time is set the first time the completed condition holds
//   - updated_at is bumped on every recompute
func Recompute(session Session, records []Record, now time.Time) Session {
	completed := 0
	successful := 0
	for _, r := range records {
		if !r.Resolved() {
			continue
		}
		completed++
		if r.Status == RecordStatusCompleted && r.Success {
			successful++
		}
	}

	session.CompletedModels = completed
	session.SuccessfulModels = successful

	if session.Status == SessionStatusRunning &&
		session.TotalModels > 0 &&
		completed == session.TotalModels {
		session.Status = SessionStatusCompleted
		if session.EndTime == nil {
			end := now
			session.EndTime = &end
		}
	}

	session.UpdatedAt = now
	return session
}
