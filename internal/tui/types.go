package tui

import "time"

// JobItem is a job row in the jobs view
type JobItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Scope     string    `json:"scope"`
	Note      string    `json:"note"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_ts"`
	UpdatedAt time.Time `json:"updated_ts"`
}

// StageItem is a stage request with its approval state
type StageItem struct {
	ID         string
	JobID      string
	StepIndex  int
	ActionID   string
	Risk       string
	Scope      string
	Approved   bool
	ApprovedBy string
}

// EventItem is one event log entry
type EventItem struct {
	ID      int64                  `json:"id"`
	TS      time.Time              `json:"ts"`
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
}

// StatusInfo summarizes the appliance
type StatusInfo struct {
	State     string
	StateNote string
	Jobs      map[string]int
	Leases    []LeaseInfo
}

// LeaseInfo is a live lease
type LeaseInfo struct {
	Resource string  `json:"resource"`
	Owner    string  `json:"owner"`
	TS       float64 `json:"ts"`
	TTL      float64 `json:"ttl"`
}
