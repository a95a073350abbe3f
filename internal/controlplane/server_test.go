package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/reconpi/internal/audit"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/stages"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/fentz26/reconpi/internal/worker"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK || health.DB != "ok" {
		t.Errorf("Expected healthy db, got %+v", health)
	}
	if health.Version == "" || health.Time == "" {
		t.Error("Expected version and time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodPost, "/health", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st := newTestServer(t)
	st.Close()

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Errorf("Expected unhealthy db, got %+v", health)
	}
}

func TestJobLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/jobs", `{"kind":"lan.net.port_scan","scope":"10.0.10.5"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var job models.Job
	decode(t, w, &job)
	if job.Status != models.JobStatusQueued {
		t.Errorf("Expected queued, got %s", job.Status)
	}

	w = do(t, h, http.MethodGet, "/jobs/"+job.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// reset only applies to running jobs
	w = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/reset", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 resetting a queued job, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	decode(t, w, &job)
	if job.Status != models.JobStatusCancelled {
		t.Errorf("Expected cancelled, got %s", job.Status)
	}

	w = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/fail", `{"note":"operator gave up"}`)
	decode(t, w, &job)
	if job.Status != models.JobStatusFailed || !strings.Contains(job.Note, "operator gave up") {
		t.Errorf("Expected failed job with note, got %+v", job)
	}

	w = do(t, h, http.MethodGet, "/jobs?status=failed", "")
	var jobs []models.Job
	decode(t, w, &jobs)
	if len(jobs) != 1 {
		t.Errorf("Expected 1 failed job, got %d", len(jobs))
	}

	w = do(t, h, http.MethodDelete, "/jobs/"+job.ID, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/jobs/"+job.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestJobs_BadInput(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/jobs", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid json, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/jobs", `{"kind":"wifi.scan"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-lan kind, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/jobs?status=bogus", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for unknown status, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRunsEndpoint(t *testing.T) {
	s, st := newTestServer(t)

	w := do(t, s.Handler(), http.MethodPost, "/runs", `{"scope":"10.0.10.0/24","note":"nightly"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var job models.Job
	decode(t, w, &job)
	if job.Kind != worker.JobKind {
		t.Errorf("Expected kind %s, got %s", worker.JobKind, job.Kind)
	}

	reqID := stages.Marker(job.Note, "req")
	var rr worker.RunRequest
	found, err := st.GetJSON(reqID, &rr)
	if err != nil || !found {
		t.Fatalf("Expected stored run request %q: %v", reqID, err)
	}
	if rr.Scope != "10.0.10.0/24" {
		t.Errorf("Unexpected run request %+v", rr)
	}
}

func TestApproveStage_RequeuesBlockedJob(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	job, err := st.Enqueue(models.Job{ID: "job-1", Kind: worker.JobKind})
	if err != nil {
		t.Fatal(err)
	}
	req, err := stages.NewBook(st).Request(models.StageRequest{JobID: job.ID, StepIndex: 2, ActionID: "vuln.assess_basic", Risk: "caution"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.MarkBlocked(job.ID, stages.BlockedNote(2, req.ID, "")); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodGet, "/stages", "")
	var entries []stages.Entry
	decode(t, w, &entries)
	if len(entries) != 1 || entries[0].Approved() {
		t.Fatalf("Expected one pending stage, got %+v", entries)
	}

	w = do(t, h, http.MethodPost, "/stages/"+req.ID+"/approve", `{"approved_by":"alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var approval models.StageApproval
	decode(t, w, &approval)
	if approval.ApprovedBy != "alice" || approval.RequestID != req.ID {
		t.Errorf("Unexpected approval %+v", approval)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != models.JobStatusQueued {
		t.Errorf("Expected job requeued, got %s", got.Status)
	}
	if stages.ResumeFrom(got.Note) != 2 || stages.StageRequestID(got.Note) != req.ID {
		t.Errorf("Expected resume markers in note, got %q", got.Note)
	}

	w = do(t, h, http.MethodPost, "/stages/"+req.ID+"/approve", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second approval, got %d", w.Code)
	}
	w = do(t, h, http.MethodPost, "/stages/nope/approve", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown stage, got %d", w.Code)
	}

	events, _ := st.Tail(10, "ai.stage.approved")
	if len(events) != 1 {
		t.Errorf("Expected one ai.stage.approved event, got %d", len(events))
	}
}

func TestEvents_OnlyUITopics(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/events", `{"topic":"ui.handoff.request","payload":{"tag":"lab-approved"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	w = do(t, h, http.MethodPost, "/events", `{"topic":"lan.done"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-ui topic, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/events?prefix=ui.&limit=5", "")
	var events []models.Event
	decode(t, w, &events)
	if len(events) != 1 || events[0].Topic != "ui.handoff.request" {
		t.Errorf("Unexpected events %+v", events)
	}
}

func TestArtifacts(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	id, err := st.PutJSON("ai_plan", "plan", map[string]string{"mode": "plan_only"})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodGet, "/artifacts?kind=ai_plan", "")
	var metas []models.ArtifactMeta
	decode(t, w, &metas)
	if len(metas) != 1 || metas[0].ID != id {
		t.Fatalf("Unexpected artifacts %+v", metas)
	}

	w = do(t, h, http.MethodGet, "/artifacts/"+id, "")
	var a Artifact
	decode(t, w, &a)
	if !strings.Contains(string(a.Payload), "plan_only") {
		t.Errorf("Unexpected payload %s", a.Payload)
	}

	if w := do(t, h, http.MethodGet, "/artifacts/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	s, st := newTestServer(t)
	s.SetMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("reconpi_up 1\n"))
	}))
	h := s.Handler()

	if _, err := st.Enqueue(models.Job{ID: "a", Kind: "lan.x"}); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodGet, "/status", "")
	var status Status
	decode(t, w, &status)
	if status.Jobs[models.JobStatusQueued] != 1 {
		t.Errorf("Expected 1 queued job, got %+v", status.Jobs)
	}
	if status.SchemaVersion != store.LatestSchemaVersion() {
		t.Errorf("Expected schema version %d, got %d", store.LatestSchemaVersion(), status.SchemaVersion)
	}

	w = do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "reconpi_up") {
		t.Errorf("Expected metrics body, got %q", w.Body.String())
	}
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	service := NewService(st, audit.NewPDRWriter(st))
	return NewServer(service, st, "127.0.0.1:0"), st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
}
