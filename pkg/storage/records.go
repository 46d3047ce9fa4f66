package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sberrors "github.com/sitebench/sitebench/pkg/errors"
)

const recordColumns = `id, session_id, external_session_id, model_id, model_name, provider,
       status, success, execution_time_ms, error_message, logs_json, final_result,
       screenshot_url, start_time, end_time, created_at, updated_at`

// RecordResult carries a completion callback from the execution backend.
// Zero-valued optional fields leave the stored column untouched where noted.
type RecordResult struct {
	Status          string
	Success         bool
	ExecutionTimeMS int64
	ErrorMessage    string
	Logs            json.RawMessage
	FinalResult     string
	ScreenshotURL   string
	StartTime       *time.Time
	EndTime         *time.Time
}

// GetRecord retrieves a single record by id. Returns (nil, nil) when no
// record matches.
func (s *Store) GetRecord(recordID int64) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE id = ?`, recordID)
	return scanRecord(row)
}

// ListRecords returns a session's records in their configured model order
// (insertion order).
func (s *Store) ListRecords(sessionID int64) ([]Record, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM records WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// UpdateRecordResult applies a completion callback to a record and
// recomputes the owning session's aggregate inside the same transaction.
// The UPDATE takes SQLite's write lock before the aggregate SELECT runs, so
// concurrent completions for one session serialize and neither observes a
// stale count. Returns the updated record and the recomputed session.
func (s *Store) UpdateRecordResult(recordID int64, result RecordResult) (*Record, *Session, error) {
	status := strings.TrimSpace(strings.ToLower(result.Status))
	valid := map[string]struct{}{
		RecordStatusPending:   {},
		RecordStatusRunning:   {},
		RecordStatusCompleted: {},
		RecordStatusFailed:    {},
		RecordStatusCancelled: {},
	}
	if _, ok := valid[status]; !ok {
		return nil, nil, sberrors.New(sberrors.ErrCodeValidation, fmt.Sprintf("invalid record status: %s", result.Status))
	}
	if result.ExecutionTimeMS < 0 {
		return nil, nil, sberrors.New(sberrors.ErrCodeValidation, fmt.Sprintf("execution time must be non-negative, got %d", result.ExecutionTimeMS))
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var (
		record  *Record
		session *Session
		err     error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		record, session, err = s.updateRecordTx(recordID, status, result)
		if err == nil {
			break
		}
		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, err
	}

	s.notify(newEvent(EventRecordUpdated, record.ExternalSessionID, record.ID, *record))
	if session.Status == SessionStatusCompleted && session.CompletedModels == session.TotalModels {
		s.notify(newEvent(EventSessionCompleted, session.ExternalID, session.ExternalID, *session))
	} else {
		s.notify(newEvent(EventSessionUpdated, session.ExternalID, session.ExternalID, *session))
	}

	return record, session, nil
}

func (s *Store) updateRecordTx(recordID int64, status string, result RecordResult) (*Record, *Session, error) {
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin record update tx: %w", err)
	}
	defer tx.Rollback()

	var logsArg any
	if len(result.Logs) > 0 {
		logsArg = string(result.Logs)
	}
	var errArg, finalArg, screenshotArg any
	if result.ErrorMessage != "" {
		errArg = result.ErrorMessage
	}
	if result.FinalResult != "" {
		finalArg = result.FinalResult
	}
	if result.ScreenshotURL != "" {
		screenshotArg = result.ScreenshotURL
	}
	var startArg, endArg any
	if result.StartTime != nil {
		startArg = *result.StartTime
	}
	if result.EndTime != nil {
		endArg = *result.EndTime
	}

	res, err := tx.Exec(`
		UPDATE records
		SET status = ?, success = ?, execution_time_ms = ?,
		    error_message = COALESCE(?, error_message),
		    logs_json = COALESCE(?, logs_json),
		    final_result = COALESCE(?, final_result),
		    screenshot_url = COALESCE(?, screenshot_url),
		    start_time = COALESCE(?, start_time),
		    end_time = COALESCE(?, end_time),
		    updated_at = ?
		WHERE id = ?
	`, status, result.Success, result.ExecutionTimeMS, errArg, logsArg, finalArg, screenshotArg, startArg, endArg, now, recordID)
	if err != nil {
		return nil, nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if affected == 0 {
		return nil, nil, sberrors.New(sberrors.ErrCodeNotFound, fmt.Sprintf("record %d not found", recordID))
	}

	record, err := scanRecord(tx.QueryRow(`SELECT `+recordColumns+` FROM records WHERE id = ?`, recordID))
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, sberrors.New(sberrors.ErrCodeNotFound, fmt.Sprintf("record %d not found", recordID))
	}

	session, err := scanSession(tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, record.SessionID))
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, fmt.Errorf("session %d not found for record %d", record.SessionID, recordID)
	}

	// Full aggregate recompute per trigger, never incremental counters.
	records := []Record{}
	rows, err := tx.Query(`SELECT `+recordColumns+` FROM records WHERE session_id = ? ORDER BY id`, record.SessionID)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	updated := Recompute(*session, records, now)

	var endArg2 any
	if updated.EndTime != nil {
		endArg2 = *updated.EndTime
	}
	if _, err := tx.Exec(`
		UPDATE sessions
		SET status = ?, completed_models = ?, successful_models = ?, end_time = ?, updated_at = ?
		WHERE id = ?
	`, updated.Status, updated.CompletedModels, updated.SuccessfulModels, endArg2, updated.UpdatedAt, updated.ID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return record, &updated, nil
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var errorMessage, logs, finalResult, screenshotURL sql.NullString
	var startTime, endTime sql.NullTime
	err := row.Scan(
		&record.ID,
		&record.SessionID,
		&record.ExternalSessionID,
		&record.ModelID,
		&record.ModelName,
		&record.Provider,
		&record.Status,
		&record.Success,
		&record.ExecutionTimeMS,
		&errorMessage,
		&logs,
		&finalResult,
		&screenshotURL,
		&startTime,
		&endTime,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Record not found
	}
	if err != nil {
		return nil, err
	}
	if errorMessage.Valid {
		record.ErrorMessage = errorMessage.String
	}
	if logs.Valid {
		record.Logs = json.RawMessage(logs.String)
	}
	if finalResult.Valid {
		record.FinalResult = finalResult.String
	}
	if screenshotURL.Valid {
		record.ScreenshotURL = screenshotURL.String
	}
	if startTime.Valid {
		record.StartTime = &startTime.Time
	}
	if endTime.Valid {
		record.EndTime = &endTime.Time
	}
	return &record, nil
}
