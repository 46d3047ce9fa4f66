// Package benchmark implements the session lifecycle: a user submits a
// website URL and a task, one benchmark record is created per configured
// model, the execution backend is asked to start, and per-model results
// arriving later roll up into the session's aggregate counters.
package benchmark

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sitebench/sitebench/pkg/catalog"
	"github.com/sitebench/sitebench/pkg/config"
	sberrors "github.com/sitebench/sitebench/pkg/errors"
	"github.com/sitebench/sitebench/pkg/logging"
	"github.com/sitebench/sitebench/pkg/runner"
	"github.com/sitebench/sitebench/pkg/storage"
)

// Backend starts benchmark execution for a session. Satisfied by
// *runner.Client; tests substitute stubs.
type Backend interface {
	Start(ctx context.Context, req runner.StartRequest) error
}

// CreateRequest is a user's benchmark submission.
type CreateRequest struct {
	WebsiteURL      string `json:"website_url"`
	TaskDescription string `json:"task_description"`
	OwnerID         string `json:"owner_id"`
}

// RecordResultRequest is the execution backend's per-model completion
// callback payload.
type RecordResultRequest struct {
	Status          string          `json:"status"`
	Success         bool            `json:"success"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	ErrorMessage    string          `json:"error,omitempty"`
	Logs            json.RawMessage `json:"logs,omitempty"`
	FinalResult     string          `json:"final_result,omitempty"`
	ScreenshotURL   string          `json:"screenshot_url,omitempty"`
}

// Orchestrator coordinates the store, the model catalog and the
// execution backend.
type Orchestrator struct {
	store   *storage.Store
	backend Backend
	catalog *catalog.Catalog
	logger  *logging.Logger
}

// NewOrchestrator wires the session lifecycle together. The catalog is
// loaded once at startup and treated as immutable; changing the model
// set affects future sessions only.
func NewOrchestrator(store *storage.Store, backend Backend, cat *catalog.Catalog, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		store:   store,
		backend: backend,
		catalog: cat,
		logger:  logger,
	}
}

// NormalizeURL prepends https:// when the input carries no scheme and
// verifies the result is a syntactically valid http(s) URL.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", sberrors.New(sberrors.ErrCodeValidation, "website URL is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if len(trimmed) < config.MinWebsiteURLLength {
		return "", sberrors.New(sberrors.ErrCodeValidation,
			fmt.Sprintf("website URL must be at least %d characters", config.MinWebsiteURLLength))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", sberrors.Wrap(err, sberrors.ErrCodeValidation, "website URL is not valid")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", sberrors.New(sberrors.ErrCodeValidation, "website URL must use http or https")
	}
	if parsed.Host == "" {
		return "", sberrors.New(sberrors.ErrCodeValidation, "website URL must include a host")
	}
	return trimmed, nil
}

// newExternalID generates a collision-resistant session handle. A
// collision, should one ever happen, surfaces from the store as a
// CONFLICT rather than silently overwriting.
func newExternalID() string {
	return "bench-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// CreateSession validates the request, persists the session with one
// pending record per configured model, and asks the execution backend to
// start. On backend failure the session is marked failed and the error
// is returned; the pending records are intentionally left in place.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*SessionSummary, error) {
	normalizedURL, err := NormalizeURL(req.WebsiteURL)
	if err != nil {
		return nil, err
	}
	task := strings.TrimSpace(req.TaskDescription)
	if len(task) < config.MinTaskDescriptionLen {
		return nil, sberrors.New(sberrors.ErrCodeValidation,
			fmt.Sprintf("task description must be at least %d characters", config.MinTaskDescriptionLen))
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, sberrors.New(sberrors.ErrCodeValidation, "owner id is required")
	}

	session := &storage.Session{
		ExternalID:      newExternalID(),
		OwnerID:         req.OwnerID,
		WebsiteURL:      normalizedURL,
		TaskDescription: task,
	}
	models := o.catalog.Models()
	records := make([]*storage.Record, len(models))
	for i, m := range models {
		records[i] = &storage.Record{
			ModelID:   m.ID,
			ModelName: m.DisplayName,
			Provider:  m.Provider,
		}
	}

	if err := o.store.CreateSessionWithRecords(session, records); err != nil {
		return nil, err
	}

	o.logger.Info(logging.CategorySession, "session_created", "benchmark session created", map[string]any{
		"session_id":  session.ExternalID,
		"owner_id":    session.OwnerID,
		"website_url": session.WebsiteURL,
		"models":      len(records),
	})

	if err := o.backend.Start(ctx, runner.StartRequest{
		ExternalSessionID: session.ExternalID,
		OwnerID:           session.OwnerID,
		WebsiteURL:        session.WebsiteURL,
		TaskDescription:   session.TaskDescription,
	}); err != nil {
		// The pending records stay as they are. Failing loudly with a
		// failed session beats silently deleting half-created state.
		if markErr := o.store.MarkSessionFailed(session.ExternalID, "execution backend unavailable: "+err.Error()); markErr != nil {
			o.logger.Error(logging.CategorySession, "mark_failed_error", "could not mark session failed", map[string]any{
				"session_id": session.ExternalID,
				"error":      markErr.Error(),
			})
		}
		o.logger.Error(logging.CategoryRunner, "backend_start_failed", "execution backend rejected session start", map[string]any{
			"session_id": session.ExternalID,
			"error":      err.Error(),
		})
		return nil, err
	}

	return o.summarize(session, records), nil
}

// CompleteRecord applies one model's result and returns the updated
// record together with the recomputed session.
func (o *Orchestrator) CompleteRecord(recordID int64, req RecordResultRequest) (*storage.Record, *storage.Session, error) {
	result := storage.RecordResult{
		Status:          req.Status,
		Success:         req.Success,
		ExecutionTimeMS: req.ExecutionTimeMS,
		ErrorMessage:    req.ErrorMessage,
		Logs:            req.Logs,
		FinalResult:     req.FinalResult,
		ScreenshotURL:   req.ScreenshotURL,
	}
	record, session, err := o.store.UpdateRecordResult(recordID, result)
	if err != nil {
		return nil, nil, err
	}

	o.logger.Info(logging.CategoryRecord, "record_result", "model result recorded", map[string]any{
		"session_id": session.ExternalID,
		"record_id":  record.ID,
		"model_id":   record.ModelID,
		"status":     record.Status,
		"success":    record.Success,
	})
	if session.Status == storage.SessionStatusCompleted {
		o.logger.Info(logging.CategorySession, "session_completed", "all models resolved", map[string]any{
			"session_id": session.ExternalID,
			"successful": session.SuccessfulModels,
			"total":      session.TotalModels,
		})
	}
	return record, session, nil
}

// GetSession returns the full summary for one session owned by ownerID,
// or NOT_FOUND when the handle does not resolve for that owner.
func (o *Orchestrator) GetSession(externalID, ownerID string) (*SessionSummary, error) {
	session, err := o.store.GetSessionByExternalID(externalID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.OwnerID != ownerID {
		return nil, sberrors.New(sberrors.ErrCodeNotFound, "benchmark session not found").
			WithContext("session", externalID)
	}
	records, err := o.store.ListRecords(session.ID)
	if err != nil {
		return nil, err
	}
	recordPtrs := make([]*storage.Record, len(records))
	for i := range records {
		recordPtrs[i] = &records[i]
	}
	return o.summarize(session, recordPtrs), nil
}

// ListSessions returns an owner's sessions, most recent first. The limit
// is clamped to the configured maximum; zero or negative means default.
func (o *Orchestrator) ListSessions(ownerID string, limit int) ([]SessionSummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, sberrors.New(sberrors.ErrCodeValidation, "owner id is required")
	}
	if limit <= 0 {
		limit = config.DefaultListLimit
	}
	if limit > config.MaxListLimit {
		limit = config.MaxListLimit
	}
	sessions, err := o.store.ListSessionsByOwner(ownerID, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for i := range sessions {
		records, err := o.store.ListRecords(sessions[i].ID)
		if err != nil {
			return nil, err
		}
		recordPtrs := make([]*storage.Record, len(records))
		for j := range records {
			recordPtrs[j] = &records[j]
		}
		summaries = append(summaries, *o.summarize(&sessions[i], recordPtrs))
	}
	return summaries, nil
}

// DeleteSession removes a session and its records after an ownership
// check.
func (o *Orchestrator) DeleteSession(externalID, ownerID string) error {
	session, err := o.store.GetSessionByExternalID(externalID)
	if err != nil {
		return err
	}
	if session == nil || session.OwnerID != ownerID {
		return sberrors.New(sberrors.ErrCodeNotFound, "benchmark session not found").
			WithContext("session", externalID)
	}
	return o.store.DeleteSession(externalID)
}

// Models exposes the configured catalog for the supported-models API.
func (o *Orchestrator) Models() []catalog.Model {
	return o.catalog.Models()
}
