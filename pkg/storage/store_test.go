package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sberrors "github.com/sitebench/sitebench/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "sitebench.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSession(t *testing.T, store *Store, externalID string, modelIDs ...string) (*Session, []*Record) {
	t.Helper()
	session := &Session{
		ExternalID:      externalID,
		OwnerID:         "user-1",
		WebsiteURL:      "https://example.com",
		TaskDescription: "Find contact page",
	}
	records := make([]*Record, len(modelIDs))
	for i, id := range modelIDs {
		records[i] = &Record{ModelID: id, ModelName: id, Provider: "openai"}
	}
	if err := store.CreateSessionWithRecords(session, records); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session, records
}

func TestCreateSessionWithRecords(t *testing.T) {
	store := newTestStore(t)
	session, records := seedSession(t, store, "bench-1", "gpt-4o", "claude-3-5-sonnet-20241022")

	if session.ID == 0 {
		t.Fatal("session id should be assigned")
	}
	if session.TotalModels != 2 || session.CompletedModels != 0 || session.SuccessfulModels != 0 {
		t.Fatalf("unexpected counters: %+v", session)
	}

	fetched, err := store.GetSessionByExternalID("bench-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if fetched == nil || fetched.Status != SessionStatusRunning {
		t.Fatalf("expected running session, got %+v", fetched)
	}

	stored, err := store.ListRecords(session.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 records, got %d", len(stored))
	}
	for i, r := range stored {
		if r.Status != RecordStatusPending {
			t.Errorf("record %d status = %q, want pending", i, r.Status)
		}
		if r.ExternalSessionID != "bench-1" {
			t.Errorf("record %d external session id = %q", i, r.ExternalSessionID)
		}
	}
	if records[0].ID == records[1].ID {
		t.Error("records must have distinct ids")
	}
}

func TestCreateSessionConflictOnExternalID(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "bench-dup", "gpt-4o")

	session := &Session{
		ExternalID:      "bench-dup",
		OwnerID:         "user-2",
		WebsiteURL:      "https://example.org",
		TaskDescription: "Another task",
	}
	err := store.CreateSessionWithRecords(session, []*Record{{ModelID: "gpt-4o", ModelName: "GPT-4o", Provider: "openai"}})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !sberrors.IsCode(err, sberrors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetSessionByExternalID("bench-none")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestBenchmarkLifecycleScenario(t *testing.T) {
	store := newTestStore(t)
	session, records := seedSession(t, store, "bench-2", "model-a", "model-b")

	// Model A completes successfully in 1200ms.
	rec, sess, err := store.UpdateRecordResult(records[0].ID, RecordResult{
		Status:          RecordStatusCompleted,
		Success:         true,
		ExecutionTimeMS: 1200,
		Logs:            json.RawMessage(`[{"step":1,"action":"navigate"}]`),
		FinalResult:     "Found contact page",
		ScreenshotURL:   "https://screenshots.example/bench-2/model-a.png",
	})
	if err != nil {
		t.Fatalf("update record a: %v", err)
	}
	if rec.Status != RecordStatusCompleted || !rec.Success || rec.ExecutionTimeMS != 1200 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ScreenshotURL != "https://screenshots.example/bench-2/model-a.png" {
		t.Errorf("screenshot url = %q", rec.ScreenshotURL)
	}
	if sess.CompletedModels != 1 || sess.SuccessfulModels != 1 {
		t.Fatalf("counts after A = %d/%d, want 1/1", sess.CompletedModels, sess.SuccessfulModels)
	}
	if sess.Status != SessionStatusRunning {
		t.Fatalf("status after A = %q, want running", sess.Status)
	}
	if sess.EndTime != nil {
		t.Fatal("end time must be unset while running")
	}

	// Model B fails.
	_, sess, err = store.UpdateRecordResult(records[1].ID, RecordResult{
		Status:       RecordStatusFailed,
		ErrorMessage: "navigation timeout",
	})
	if err != nil {
		t.Fatalf("update record b: %v", err)
	}
	if sess.CompletedModels != 2 || sess.SuccessfulModels != 1 {
		t.Fatalf("counts after B = %d/%d, want 2/1", sess.CompletedModels, sess.SuccessfulModels)
	}
	if sess.Status != SessionStatusCompleted {
		t.Fatalf("status after B = %q, want completed", sess.Status)
	}
	if sess.EndTime == nil {
		t.Fatal("end time must be set once completed")
	}

	// Record-level failure is data, not an error: the stored error text
	// survives on the record.
	stored, err := store.GetRecord(records[1].ID)
	if err != nil {
		t.Fatalf("get record b: %v", err)
	}
	if stored.ErrorMessage != "navigation timeout" {
		t.Errorf("error message = %q", stored.ErrorMessage)
	}
	_ = session
}

func TestConcurrentCompletionsDoNotLoseUpdates(t *testing.T) {
	store := newTestStore(t)
	modelIDs := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	_, records := seedSession(t, store, "bench-conc", modelIDs...)

	var wg sync.WaitGroup
	for i, r := range records {
		wg.Add(1)
		go func(id int64, success bool) {
			defer wg.Done()
			status := RecordStatusCompleted
			if !success {
				status = RecordStatusFailed
			}
			if _, _, err := store.UpdateRecordResult(id, RecordResult{
				Status:          status,
				Success:         success,
				ExecutionTimeMS: 100,
			}); err != nil {
				t.Errorf("concurrent update %d: %v", id, err)
			}
		}(r.ID, i%2 == 0)
	}
	wg.Wait()

	sess, err := store.GetSessionByExternalID("bench-conc")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.CompletedModels != len(modelIDs) {
		t.Fatalf("completed = %d, want %d (lost update)", sess.CompletedModels, len(modelIDs))
	}
	if sess.SuccessfulModels != 3 {
		t.Fatalf("successful = %d, want 3", sess.SuccessfulModels)
	}
	if sess.Status != SessionStatusCompleted {
		t.Fatalf("status = %q, want completed", sess.Status)
	}
}

func TestMarkSessionFailedLeavesRecordsPending(t *testing.T) {
	store := newTestStore(t)
	session, _ := seedSession(t, store, "bench-fail", "m1", "m2")

	if err := store.MarkSessionFailed("bench-fail", "execution backend unreachable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	sess, err := store.GetSessionByExternalID("bench-fail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != SessionStatusFailed {
		t.Fatalf("status = %q, want failed", sess.Status)
	}
	if sess.ErrorMessage != "execution backend unreachable" {
		t.Errorf("error message = %q", sess.ErrorMessage)
	}

	records, err := store.ListRecords(session.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	for _, r := range records {
		if r.Status != RecordStatusPending {
			t.Errorf("record %s = %q, want pending (orphaned by design)", r.ModelID, r.Status)
		}
	}
}

func TestListSessionsByOwnerMostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	seedSession(t, store, "bench-old", "m1")
	time.Sleep(5 * time.Millisecond)
	seedSession(t, store, "bench-new", "m1")

	sessions, err := store.ListSessionsByOwner("user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ExternalID != "bench-new" {
		t.Errorf("order wrong: %q first", sessions[0].ExternalID)
	}

	// Limit applies.
	limited, err := store.ListSessionsByOwner("user-1", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 session, got %d", len(limited))
	}

	// Other owners see nothing.
	other, err := store.ListSessionsByOwner("user-2", 10)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected 0 sessions for other owner, got %d", len(other))
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	store := newTestStore(t)
	session, records := seedSession(t, store, "bench-del", "m1", "m2")

	if err := store.DeleteSession("bench-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := store.GetSessionByExternalID("bench-del")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatal("session should be gone")
	}

	left, err := store.ListRecords(session.ID)
	if err != nil {
		t.Fatalf("list records after delete: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected cascade delete, %d records remain", len(left))
	}
	_ = records
}

func TestDeleteSessionCascadesAcrossPooledConnections(t *testing.T) {
	store := newTestStore(t)
	session, _ := seedSession(t, store, "bench-del-pool", "m1", "m2")

	// Pin a few pooled connections so the delete runs on a connection
	// opened after startup; the cascade must hold there too.
	ctx := context.Background()
	var pinned []*sql.Conn
	for i := 0; i < 3; i++ {
		conn, err := store.DB().Conn(ctx)
		if err != nil {
			t.Fatalf("pin conn %d: %v", i, err)
		}
		pinned = append(pinned, conn)
	}
	defer func() {
		for _, conn := range pinned {
			_ = conn.Close()
		}
	}()

	if err := store.DeleteSession("bench-del-pool"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var orphans int
	if err := store.DB().QueryRow(
		`SELECT COUNT(*) FROM records WHERE session_id = ?`, session.ID,
	).Scan(&orphans); err != nil {
		t.Fatalf("count records: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("cascade did not fire, %d orphaned records remain", orphans)
	}
}

func TestObserversReceiveEvents(t *testing.T) {
	store := newTestStore(t)

	events := make(chan Event, 16)
	store.AddObserver(ObserverFunc(func(e Event) { events <- e }))

	_, records := seedSession(t, store, "bench-evt", "m1")

	waitFor := func(want EventType) Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case e := <-events:
				if e.Type == want {
					return e
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	}

	e := waitFor(EventSessionCreated)
	if e.ExternalID != "bench-evt" {
		t.Errorf("created event external id = %q", e.ExternalID)
	}

	if _, _, err := store.UpdateRecordResult(records[0].ID, RecordResult{
		Status:  RecordStatusCompleted,
		Success: true,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	waitFor(EventRecordUpdated)
	e = waitFor(EventSessionCompleted)
	if e.ExternalID != "bench-evt" {
		t.Errorf("completed event external id = %q", e.ExternalID)
	}
}

func TestObserverDeliveryPreservesOrder(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{})
	store.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	}))

	_, records := seedSession(t, store, "bench-order", "m1")
	if _, _, err := store.UpdateRecordResult(records[0].ID, RecordResult{
		Status:  RecordStatusCompleted,
		Success: true,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventSessionCreated, EventRecordUpdated, EventSessionCompleted}
	for i, typ := range want {
		if seen[i] != typ {
			t.Fatalf("event %d = %s, want %s (full order %v)", i, seen[i], typ, seen)
		}
	}
}
