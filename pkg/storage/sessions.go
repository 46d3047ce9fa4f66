package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	sberrors "github.com/sitebench/sitebench/pkg/errors"
)

const sessionColumns = `id, external_id, owner_id, website_url, task_description, status,
       total_models, completed_models, successful_models, error_message,
       start_time, end_time, created_at, updated_at`

// CreateSessionWithRecords inserts a session and its per-model records in a
// single transaction. All records start pending; the session starts running
// with zeroed counters. An external id collision surfaces as a CONFLICT
// error (not expected in normal operation).
func (s *Store) CreateSessionWithRecords(session *Session, records []*Record) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if len(records) == 0 {
		return fmt.Errorf("at least one record is required")
	}

	now := time.Now()
	if session.StartTime.IsZero() {
		session.StartTime = now
	}
	if session.Status == "" {
		session.Status = SessionStatusRunning
	}
	session.TotalModels = len(records)
	session.CompletedModels = 0
	session.SuccessfulModels = 0
	session.CreatedAt = now
	session.UpdatedAt = now

	// Retry on transient SQLITE_BUSY during concurrent writes.
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = s.createSessionTx(session, records, now)
		if err == nil {
			clone := *session
			s.notify(newEvent(EventSessionCreated, session.ExternalID, session.ExternalID, clone))
			return nil
		}
		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}

	if isUniqueConstraintError(err) {
		return sberrors.Wrap(err, sberrors.ErrCodeConflict, "session external id or (session, model) pair already exists").
			WithContext("external_id", session.ExternalID)
	}
	return err
}

func (s *Store) createSessionTx(session *Session, records []*Record, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create session tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO sessions (external_id, owner_id, website_url, task_description, status,
		                      total_models, completed_models, successful_models,
		                      start_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
	`,
		session.ExternalID,
		session.OwnerID,
		session.WebsiteURL,
		session.TaskDescription,
		session.Status,
		session.TotalModels,
		session.StartTime,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return err
	}

	sessionID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("session insert id: %w", err)
	}
	session.ID = sessionID

	for _, r := range records {
		r.SessionID = sessionID
		r.ExternalSessionID = session.ExternalID
		if r.Status == "" {
			r.Status = RecordStatusPending
		}
		r.CreatedAt = now
		r.UpdatedAt = now

		recRes, err := tx.Exec(`
			INSERT INTO records (session_id, external_session_id, model_id, model_name, provider,
			                     status, success, execution_time_ms, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, FALSE, 0, ?, ?)
		`,
			r.SessionID,
			r.ExternalSessionID,
			r.ModelID,
			r.ModelName,
			r.Provider,
			r.Status,
			r.CreatedAt,
			r.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if r.ID, err = recRes.LastInsertId(); err != nil {
			return fmt.Errorf("record insert id: %w", err)
		}
	}

	return tx.Commit()
}

// GetSessionByExternalID retrieves a session by its external identifier.
// Returns (nil, nil) when no session matches.
func (s *Store) GetSessionByExternalID(externalID string) (*Session, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("external id required")
	}

	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID)
	return scanSession(row)
}

// ListSessionsByOwner returns the owner's sessions, most recent first.
func (s *Store) ListSessionsByOwner(ownerID string, limit int) ([]Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// MarkSessionFailed transitions a session to failed with an explanatory
// message. Used when the execution backend cannot be started; the session's
// pending records are left untouched (known limitation of the creation
// path, surfaced rather than silently cleaned up).
func (s *Store) MarkSessionFailed(externalID, errorMessage string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("external id required")
	}

	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, error_message = ?, end_time = ?, updated_at = ?
		WHERE external_id = ?
	`, SessionStatusFailed, errorMessage, now, now, externalID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sberrors.New(sberrors.ErrCodeNotFound, fmt.Sprintf("session %s not found", externalID))
	}

	s.notify(newEvent(EventSessionUpdated, externalID, externalID, map[string]any{
		"status":        SessionStatusFailed,
		"error_message": errorMessage,
	}))
	return nil
}

// DeleteSession deletes a session and all of its records (cascade).
func (s *Store) DeleteSession(externalID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE external_id = ?`, externalID)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventSessionDeleted, externalID, externalID, nil))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var errorMessage sql.NullString
	var endTime sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.ExternalID,
		&session.OwnerID,
		&session.WebsiteURL,
		&session.TaskDescription,
		&session.Status,
		&session.TotalModels,
		&session.CompletedModels,
		&session.SuccessfulModels,
		&errorMessage,
		&session.StartTime,
		&endTime,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Session not found
	}
	if err != nil {
		return nil, err
	}
	if errorMessage.Valid {
		session.ErrorMessage = errorMessage.String
	}
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	return &session, nil
}
