package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	mu    sync.Mutex
	calls []string
	srv   *httptest.Server
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"core":   map[string]string{"state": "WIFI_OBSERVE", "note": "boot"},
			"jobs":   map[string]int{"queued": 1, "blocked": 1},
			"leases": []interface{}{},
		})
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"id": "job-aaaaaaaaaa", "kind": "ai_plan", "status": "blocked", "note": "req:x\nawaiting approval"},
			{"id": "job-bbbbbbbbbb", "kind": "lan.net.port_scan", "status": "queued"},
		})
	})
	mux.HandleFunc("/stages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"request": map[string]interface{}{"id": "stage-1", "job_id": "job-aaaaaaaaaa", "step_index": 3, "action_id": "vuln.assess_basic"}},
		})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			d.record(r.Method + " " + r.URL.Path)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": 7, "topic": "core.health", "payload": map[string]string{"state": "WIFI_OBSERVE"}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		d.record(r.Method + " " + r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/reset") {
			http.Error(w, "invalid job status for this operation", http.StatusConflict)
			return
		}
		w.Write([]byte(`{"id":"job-new"}`))
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDaemon) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDaemon) called() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func loaded(t *testing.T, d *fakeDaemon) *App {
	t.Helper()
	a := New(d.srv.URL)
	msg := a.refresh()()
	require.IsType(t, refreshedMsg{}, msg)
	a.Update(msg)
	return a
}

func TestRefreshPopulatesViews(t *testing.T) {
	d := newFakeDaemon(t)
	a := loaded(t, d)

	assert.True(t, a.online)
	assert.Equal(t, "WIFI_OBSERVE", a.status.State)
	assert.Len(t, a.jobs, 2)
	require.Len(t, a.stages, 1)
	assert.False(t, a.stages[0].Approved)
	assert.Len(t, a.events, 1)

	out := a.View()
	assert.Contains(t, out, "WIFI_OBSERVE")
	assert.Contains(t, out, "awaiting approval")
}

func TestOfflineDaemon(t *testing.T) {
	a := New("http://127.0.0.1:1")
	msg := a.refresh()()
	require.IsType(t, offlineMsg{}, msg)
	a.Update(msg)
	assert.False(t, a.online)
	assert.True(t, strings.HasPrefix(a.message, "Error"))
}

func TestTabCyclesViews(t *testing.T) {
	a := loaded(t, newFakeDaemon(t))
	a.selectedIdx = 1

	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "stages", a.view)
	assert.Equal(t, 0, a.selectedIdx)
	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "events", a.view)
	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "jobs", a.view)
}

func TestApproveSelectedStage(t *testing.T) {
	d := newFakeDaemon(t)
	a := loaded(t, d)
	a.view = "stages"

	msg := a.executeCommand("approve")()
	assert.Equal(t, commandResultMsg{"Approved stage stage-1"}, msg)
	assert.Contains(t, d.called(), "POST /stages/stage-1/approve")
}

func TestJobCommands(t *testing.T) {
	d := newFakeDaemon(t)
	a := loaded(t, d)
	a.selectedIdx = 1

	msg := a.executeCommand("cancel")()
	assert.Equal(t, commandResultMsg{"cancel job-bbbb: ok"}, msg)

	msg = a.executeCommand("reset @job-aaaaaaaaaa")()
	res, ok := msg.(commandResultMsg)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(res.message, "Error"))

	assert.Equal(t, []string{"POST /jobs/job-bbbbbbbbbb/cancel", "POST /jobs/job-aaaaaaaaaa/reset"}, d.called())
}

func TestRunAndHandoff(t *testing.T) {
	d := newFakeDaemon(t)
	a := loaded(t, d)

	assert.Equal(t, commandResultMsg{"Queued run job-new"}, a.executeCommand("run 10.0.10.0/24")())
	assert.Equal(t, commandResultMsg{"Usage: handoff <tag>"}, a.executeCommand("handoff")())
	assert.Equal(t, commandResultMsg{"Handoff requested with tag lab-approved"}, a.executeCommand("/handoff lab-approved")())
	assert.Equal(t, []string{"POST /runs", "POST /events"}, d.called())
}

func TestFilterCommand(t *testing.T) {
	a := loaded(t, newFakeDaemon(t))

	require.NotNil(t, a.executeCommand("filter blocked"))
	assert.Equal(t, "blocked", a.filter)

	msg := a.executeCommand("filter nonsense")()
	assert.Equal(t, "", a.filter)
	assert.Equal(t, commandResultMsg{"Error: unknown status nonsense"}, msg)
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()
	s.Update("/ap")
	require.True(t, s.IsVisible())
	assert.Equal(t, "approve", s.Selected().Text)

	s.Update("@")
	s.SetRefs([]JobItem{{ID: "job-1", Kind: "ai_plan"}}, []StageItem{{ID: "st-1"}, {ID: "st-2", Approved: true}})
	assert.Len(t, s.filtered, 2)

	s.Update("@st")
	s.SetRefs(nil, []StageItem{{ID: "st-1"}})
	require.True(t, s.IsVisible())
	assert.Equal(t, "st-1", s.Selected().Text)

	s.Update("plain")
	assert.False(t, s.IsVisible())
}
