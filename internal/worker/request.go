package worker

import (
	"fmt"
	"strings"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/google/uuid"
)

// JobKind is the kind of job the worker claims.
const JobKind = "ai_plan"

// KindRunRequest is the artifact kind of a stored run request.
const KindRunRequest = "ai_run_request"

// RunRequest names what a queued ai_plan job should run: a stored plan, or
// a scope to plan for.
type RunRequest struct {
	PlanArtifactID    string `json:"plan_artifact_id,omitempty"`
	Scope             string `json:"scope,omitempty"`
	Note              string `json:"note,omitempty"`
	Seed              int64  `json:"seed,omitempty"`
	IncludeVulnAssess bool   `json:"include_vuln_assess,omitempty"`
}

// Submitter is the store subset Submit needs.
type Submitter interface {
	PutJSON(kind, title string, payload interface{}) (string, error)
	Enqueue(job models.Job) (*models.Job, error)
}

// Submit stores rr and enqueues an ai_plan job pointing at it.
func Submit(s Submitter, rr RunRequest) (*models.Job, error) {
	reqID, err := s.PutJSON(KindRunRequest, "run request", rr)
	if err != nil {
		return nil, fmt.Errorf("store run request: %w", err)
	}
	note := strings.TrimSpace("req:" + reqID + " " + rr.Note)
	job, err := s.Enqueue(models.Job{
		ID:    uuid.New().String(),
		Kind:  JobKind,
		Scope: rr.Scope,
		Note:  note,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	return job, nil
}
