package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sitebench/sitebench/pkg/benchmark"
	"github.com/sitebench/sitebench/pkg/bus"
	"github.com/sitebench/sitebench/pkg/catalog"
	"github.com/sitebench/sitebench/pkg/config"
	sberrors "github.com/sitebench/sitebench/pkg/errors"
	"github.com/sitebench/sitebench/pkg/relay"
	"github.com/sitebench/sitebench/pkg/runner"
	"github.com/sitebench/sitebench/pkg/storage"
)

type stubBackend struct {
	mu  sync.Mutex
	err error
}

func (s *stubBackend) Start(context.Context, runner.StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type stubStreams struct {
	payload string
	err     error
	healthy bool
}

func (s *stubStreams) OpenStream(context.Context, string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.payload)), nil
}

func (s *stubStreams) Healthy(context.Context) bool { return s.healthy }

type testEnv struct {
	server  *httptest.Server
	store   *storage.Store
	backend *stubBackend
	streams *stubStreams
	bus     *bus.MemoryBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "sitebench.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cat, err := catalog.New([]config.ModelConfig{
		{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai"},
		{ID: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", Provider: "anthropic"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	backend := &stubBackend{}
	streams := &stubStreams{payload: "data: {\"type\":\"status\",\"status\":\"running\"}\n\n", healthy: true}
	memBus := bus.NewMemoryBus()
	t.Cleanup(func() { _ = memBus.Close() })
	store.AddObserver(benchmark.NewPublisher(memBus, nil))

	orch := benchmark.NewOrchestrator(store, backend, cat, nil)
	srv := NewServer(ServerConfig{
		Orchestrator: orch,
		Streams:      streams,
		Relay:        relay.New(time.Minute, nil),
		EventBus:     memBus,
		Store:        store,
		Logger:       nil,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: store, backend: backend, streams: streams, bus: memBus}
}

func (env *testEnv) createSession(t *testing.T, owner string) benchmark.SessionSummary {
	t.Helper()
	body := fmt.Sprintf(`{"website_url":"example.com","task_description":"Find contact page","owner_id":%q}`, owner)
	resp, err := http.Post(env.server.URL+"/api/v1/benchmarks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create status = %d: %s", resp.StatusCode, raw)
	}
	var summary benchmark.SessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	return summary
}

func TestCreateBenchmark(t *testing.T) {
	env := newTestEnv(t)

	summary := env.createSession(t, "user-1")
	if !strings.HasPrefix(summary.ExternalID, "bench-") {
		t.Errorf("external id = %q", summary.ExternalID)
	}
	if summary.WebsiteURL != "https://example.com" {
		t.Errorf("url not normalized: %q", summary.WebsiteURL)
	}
	if summary.TotalModels != 2 || len(summary.Records) != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestCreateBenchmarkValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"bad url", `{"website_url":"not a url","task_description":"Find contact page","owner_id":"u"}`},
		{"short task", `{"website_url":"example.com","task_description":"1234","owner_id":"u"}`},
		{"missing owner", `{"website_url":"example.com","task_description":"Find contact page"}`},
		{"malformed json", `{"website_url":`},
	}
	for _, tc := range cases {
		resp, err := http.Post(env.server.URL+"/api/v1/benchmarks", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestCreateBenchmarkBackendDown(t *testing.T) {
	env := newTestEnv(t)
	env.backend.err = sberrors.New(sberrors.ErrCodeBackendUnavailable, "execution backend returned status 503").
		WithUserMessage("The benchmark service is temporarily unavailable. Please try again.")

	body := `{"website_url":"example.com","task_description":"Find contact page","owner_id":"user-1"}`
	resp, err := http.Post(env.server.URL+"/api/v1/benchmarks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(payload["error"], "unavailable") {
		t.Errorf("error message = %q", payload["error"])
	}

	// The session exists, failed, with its records still pending.
	sessions, err := env.store.ListSessionsByOwner("user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != storage.SessionStatusFailed {
		t.Fatalf("sessions = %+v", sessions)
	}
	records, err := env.store.ListRecords(sessions[0].ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	for _, r := range records {
		if r.Status != storage.RecordStatusPending {
			t.Errorf("record %s = %q, want pending", r.ModelID, r.Status)
		}
	}
}

func TestGetBenchmarkOwnership(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createSession(t, "user-1")

	get := func(owner string) int {
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/benchmarks/"+summary.ExternalID, nil)
		if owner != "" {
			req.Header.Set("X-Owner-ID", owner)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("user-1"); got != http.StatusOK {
		t.Errorf("owner: status = %d", got)
	}
	if got := get("user-2"); got != http.StatusNotFound {
		t.Errorf("foreign owner: status = %d, want 404", got)
	}
	if got := get(""); got != http.StatusNotFound {
		t.Errorf("anonymous: status = %d, want 404", got)
	}
}

func TestListBenchmarks(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "user-1")
	env.createSession(t, "user-1")
	env.createSession(t, "user-2")

	resp, err := http.Get(env.server.URL + "/api/v1/benchmarks?owner_id=user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Sessions []benchmark.SessionSummary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(payload.Sessions))
	}
}

func TestRecordResultCallback(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createSession(t, "user-1")

	post := func(recordID int64, body string) (*http.Response, map[string]any) {
		t.Helper()
		url := fmt.Sprintf("%s/internal/v1/records/%d/result", env.server.URL, recordID)
		resp, err := http.Post(url, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post result: %v", err)
		}
		defer resp.Body.Close()
		var ack map[string]any
		json.NewDecoder(resp.Body).Decode(&ack)
		return resp, ack
	}

	resp, ack := post(summary.Records[0].ID, `{"status":"completed","success":true,"execution_time_ms":1200,"screenshot_url":"https://screenshots.example/final.png"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, ack)
	}
	if ack["session_status"] != "running" || ack["completed_models"].(float64) != 1 {
		t.Fatalf("ack = %v", ack)
	}

	// The screenshot reference survives to the summary view.
	stored, err := env.store.GetRecord(summary.Records[0].ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.ScreenshotURL != "https://screenshots.example/final.png" {
		t.Errorf("screenshot url = %q", stored.ScreenshotURL)
	}

	resp, ack = post(summary.Records[1].ID, `{"status":"failed","error":"agent crashed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, ack)
	}
	if ack["session_status"] != "completed" || ack["successful_models"].(float64) != 1 {
		t.Fatalf("final ack = %v", ack)
	}

	// Bad payloads map to client errors, not 500s.
	resp, _ = post(summary.Records[0].ID, `{"status":"bogus"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status: %d, want 400", resp.StatusCode)
	}
	resp, _ = post(999999, `{"status":"completed"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown record: %d, want 404", resp.StatusCode)
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/models")
	if err != nil {
		t.Fatalf("get models: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Models []catalog.Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Models) != 2 || payload.Models[0].ID != "gpt-4o" {
		t.Fatalf("models = %+v", payload.Models)
	}
}

func TestBenchmarkStreamRelays(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createSession(t, "user-1")

	resp, err := http.Get(env.server.URL + "/api/v1/benchmarks/" + summary.ExternalID + "/stream?owner_id=user-1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != env.streams.payload {
		t.Fatalf("relayed = %q, want %q", data, env.streams.payload)
	}
}

func TestBenchmarkStreamErrors(t *testing.T) {
	env := newTestEnv(t)
	summary := env.createSession(t, "user-1")

	// Foreign owner cannot even probe the stream.
	resp, err := http.Get(env.server.URL + "/api/v1/benchmarks/" + summary.ExternalID + "/stream?owner_id=user-2")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign owner: %d, want 404", resp.StatusCode)
	}

	// Upstream connect failure returns an error status, not an empty stream.
	env.streams.err = sberrors.New(sberrors.ErrCodeStream, "backend event stream returned status 500")
	resp, err = http.Get(env.server.URL + "/api/v1/benchmarks/" + summary.ExternalID + "/stream?owner_id=user-1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("upstream failure: %d, want 502", resp.StatusCode)
	}
}

func TestUnifiedEventStream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/v1/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEvent := func() StreamEvent {
		t.Helper()
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			var event StreamEvent
			if err := json.Unmarshal(bytes.TrimPrefix(bytes.TrimSpace(line), []byte("data: ")), &event); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return event
		}
	}

	if event := readEvent(); event.Type != "connected" {
		t.Fatalf("first event = %q, want connected", event.Type)
	}

	summary := env.createSession(t, "user-1")
	event := readEvent()
	if event.Type != bus.SubjectSessionCreated {
		t.Fatalf("event type = %q, want %q", event.Type, bus.SubjectSessionCreated)
	}
	if event.ID != summary.ExternalID {
		t.Errorf("event id = %q, want %q", event.ID, summary.ExternalID)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d", resp.StatusCode)
	}

	env.streams.healthy = false
	resp, err = http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz with dead backend = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "user-1")

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "sitebench_sessions_created_total") {
		t.Error("metrics output missing session counter")
	}
}
