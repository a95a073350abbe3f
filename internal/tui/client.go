package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the reconpi control plane
type Client struct {
	baseURL    string
	operator   string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		baseURL:  baseURL,
		operator: fmt.Sprintf("tui@%s", hostname),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Health reports whether the daemon answers /health
func (c *Client) Health() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the appliance overview
func (c *Client) Status() (*StatusInfo, error) {
	var st struct {
		Core *struct {
			State string `json:"state"`
			Note  string `json:"note"`
		} `json:"core"`
		Jobs   map[string]int `json:"jobs"`
		Leases []LeaseInfo    `json:"leases"`
	}
	if err := c.get("/status", &st); err != nil {
		return nil, err
	}
	info := &StatusInfo{Jobs: st.Jobs, Leases: st.Leases}
	if st.Core != nil {
		info.State = st.Core.State
		info.StateNote = st.Core.Note
	}
	return info, nil
}

// ListJobs fetches jobs, optionally filtered by status
func (c *Client) ListJobs(status string) ([]JobItem, error) {
	path := "/jobs?limit=100"
	if status != "" {
		path += "&status=" + url.QueryEscape(status)
	}
	var jobs []JobItem
	err := c.get(path, &jobs)
	return jobs, err
}

// ListStages fetches recent stage requests
func (c *Client) ListStages() ([]StageItem, error) {
	var entries []struct {
		Request struct {
			ID        string `json:"id"`
			JobID     string `json:"job_id"`
			StepIndex int    `json:"step_index"`
			ActionID  string `json:"action_id"`
			Risk      string `json:"risk"`
			Scope     string `json:"scope"`
		} `json:"request"`
		Approval *struct {
			ApprovedBy string `json:"approved_by"`
		} `json:"approval"`
	}
	if err := c.get("/stages", &entries); err != nil {
		return nil, err
	}
	items := make([]StageItem, len(entries))
	for i, e := range entries {
		items[i] = StageItem{
			ID:        e.Request.ID,
			JobID:     e.Request.JobID,
			StepIndex: e.Request.StepIndex,
			ActionID:  e.Request.ActionID,
			Risk:      e.Request.Risk,
			Scope:     e.Request.Scope,
		}
		if e.Approval != nil {
			items[i].Approved = true
			items[i].ApprovedBy = e.Approval.ApprovedBy
		}
	}
	return items, nil
}

// TailEvents fetches the newest events
func (c *Client) TailEvents(prefix string, limit int) ([]EventItem, error) {
	path := fmt.Sprintf("/events?limit=%d", limit)
	if prefix != "" {
		path += "&prefix=" + url.QueryEscape(prefix)
	}
	var events []EventItem
	err := c.get(path, &events)
	return events, err
}

// ApproveStage approves a stage request as this operator
func (c *Client) ApproveStage(id string) error {
	return c.post("/stages/"+id+"/approve", map[string]string{"approved_by": c.operator}, nil)
}

// CancelJob cancels a queued or blocked job
func (c *Client) CancelJob(id string) error {
	return c.post("/jobs/"+id+"/cancel", nil, nil)
}

// ResetJob requeues a running job
func (c *Client) ResetJob(id string) error {
	return c.post("/jobs/"+id+"/reset", nil, nil)
}

// FailJob marks a job failed
func (c *Client) FailJob(id, note string) error {
	return c.post("/jobs/"+id+"/fail", map[string]string{"note": note}, nil)
}

// Handoff asks the core to move to LAN operations
func (c *Client) Handoff(tag string) error {
	body := map[string]interface{}{
		"topic":   "ui.handoff.request",
		"payload": map[string]interface{}{"tag": tag, "by": c.operator},
	}
	return c.post("/events", body, nil)
}

// Run submits a planned run for scope and returns the job id
func (c *Client) Run(scope string) (string, error) {
	var job JobItem
	if err := c.post("/runs", map[string]string{"scope": scope}, &job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
