package benchmark

import (
	"encoding/json"
	"time"

	"github.com/sitebench/sitebench/pkg/storage"
)

// RecordSummary is the public view of one model's outcome.
type RecordSummary struct {
	ID              int64           `json:"id"`
	ModelID         string          `json:"model_id"`
	ModelName       string          `json:"model_name"`
	Provider        string          `json:"provider"`
	Status          string          `json:"status"`
	Success         bool            `json:"success"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Logs            json.RawMessage `json:"logs,omitempty"`
	FinalResult     string          `json:"final_result,omitempty"`
	ScreenshotURL   string          `json:"screenshot_url,omitempty"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
}

// SessionSummary is the public view of a session plus its ordered
// records. ExecutionTimeMS is the sum of record durations, not wall
// clock: models may run in parallel on the backend, so this reads as
// total model time spent, which is what the comparison view wants.
type SessionSummary struct {
	ExternalID       string          `json:"external_session_id"`
	OwnerID          string          `json:"owner_id"`
	WebsiteURL       string          `json:"website_url"`
	TaskDescription  string          `json:"task_description"`
	Status           string          `json:"status"`
	TotalModels      int             `json:"total_models"`
	CompletedModels  int             `json:"completed_models"`
	SuccessfulModels int             `json:"successful_models"`
	ExecutionTimeMS  int64           `json:"execution_time_ms"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Records          []RecordSummary `json:"records"`
}

func (o *Orchestrator) summarize(session *storage.Session, records []*storage.Record) *SessionSummary {
	summary := &SessionSummary{
		ExternalID:       session.ExternalID,
		OwnerID:          session.OwnerID,
		WebsiteURL:       session.WebsiteURL,
		TaskDescription:  session.TaskDescription,
		Status:           session.Status,
		TotalModels:      session.TotalModels,
		CompletedModels:  session.CompletedModels,
		SuccessfulModels: session.SuccessfulModels,
		ErrorMessage:     session.ErrorMessage,
		StartTime:        session.StartTime,
		EndTime:          session.EndTime,
		CreatedAt:        session.CreatedAt,
		UpdatedAt:        session.UpdatedAt,
		Records:          make([]RecordSummary, 0, len(records)),
	}
	for _, r := range records {
		summary.ExecutionTimeMS += r.ExecutionTimeMS
		summary.Records = append(summary.Records, RecordSummary{
			ID:              r.ID,
			ModelID:         r.ModelID,
			ModelName:       r.ModelName,
			Provider:        r.Provider,
			Status:          r.Status,
			Success:         r.Success,
			ExecutionTimeMS: r.ExecutionTimeMS,
			ErrorMessage:    r.ErrorMessage,
			Logs:            r.Logs,
			FinalResult:     r.FinalResult,
			ScreenshotURL:   r.ScreenshotURL,
			StartTime:       r.StartTime,
			EndTime:         r.EndTime,
		})
	}
	return summary
}
