package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sitebench/sitebench/pkg/benchmark"
	"github.com/sitebench/sitebench/pkg/logging"
	"github.com/sitebench/sitebench/pkg/storage"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "orchestrator not initialized"})
		return
	}
	if s.streams != nil && !s.streams.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "execution backend unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateBenchmark(w http.ResponseWriter, r *http.Request) {
	var req benchmark.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = ownerID(r)
	}

	summary, err := s.orchestrator.CreateSession(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleListBenchmarks(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	summaries, err := s.orchestrator.ListSessions(owner, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleGetBenchmark(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	summary, err := s.orchestrator.GetSession(externalID, ownerID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteBenchmark(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	if err := s.orchestrator.DeleteSession(externalID, ownerID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRecordResult is the execution backend's completion callback for
// one model's run.
func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(chi.URLParam(r, "recordID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "record id must be an integer")
		return
	}

	var req benchmark.RecordResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	record, session, err := s.orchestrator.CompleteRecord(recordID, req)
	if err != nil {
		s.logger.Warn(logging.CategoryRecord, "record_result_rejected", "completion callback failed", map[string]any{
			"record_id": recordID,
			"error":     err.Error(),
		})
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResultAck(record, session))
}

func recordResultAck(record *storage.Record, session *storage.Session) map[string]any {
	return map[string]any{
		"record_id":         record.ID,
		"record_status":     record.Status,
		"session_id":        session.ExternalID,
		"session_status":    session.Status,
		"completed_models":  session.CompletedModels,
		"successful_models": session.SuccessfulModels,
		"total_models":      session.TotalModels,
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.orchestrator.Models()})
}
