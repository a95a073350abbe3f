// Package controlplane provides the local HTTP API and service layer.
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/audit"
	"github.com/fentz26/reconpi/internal/engines"
	"github.com/fentz26/reconpi/internal/lease"
	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/stages"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/fentz26/reconpi/internal/worker"
	"github.com/google/uuid"
)

// StatusSource reports the core state.
type StatusSource interface {
	Status() models.CoreStatus
}

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	pdr      *audit.PDRWriter
	book     *stages.Book
	core     StatusSource
	leases   *lease.Manager
	registry *actions.Registry
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter) *Service {
	return &Service{store: s, pdr: pdr, book: stages.NewBook(s)}
}

// SetCore wires the core state source used by Status.
func (s *Service) SetCore(c StatusSource) { s.core = c }

// SetLeases wires the lease manager used by Status.
func (s *Service) SetLeases(m *lease.Manager) { s.leases = m }

// SetRegistry wires the action catalog used by ListActions.
func (s *Service) SetRegistry(r *actions.Registry) { s.registry = r }

func (s *Service) record(action string, inputs interface{}, outcome, jobID string) {
	if s.pdr != nil {
		s.pdr.Record(action, inputs, outcome, jobID, "")
	}
}

// --- Event Operations ---

// ListEvents returns recent events newest first.
func (s *Service) ListEvents(prefix string, limit int) ([]models.Event, error) {
	return s.store.Tail(limit, prefix)
}

// PublishIntent publishes an operator intent. Only ui.* topics are accepted.
func (s *Service) PublishIntent(topic string, payload map[string]interface{}) (*models.Event, error) {
	if !strings.HasPrefix(topic, "ui.") {
		return nil, ErrTopicNotAllowed
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	ev, err := s.store.Publish(topic, payload)
	if err != nil {
		return nil, err
	}
	s.record("event.publish", map[string]interface{}{"topic": topic}, "success", "")
	return ev, nil
}

// --- Job Operations ---

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Service) ListJobs(status string, limit int) ([]models.Job, error) {
	st := models.JobStatus(status)
	if status != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.ListJobs(st, limit)
}

// GetJob retrieves a job by id.
func (s *Service) GetJob(id string) (*models.Job, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// EnqueueJob queues a lan.* job that runs one action against scope.
func (s *Service) EnqueueJob(kind, scope, note string) (*models.Job, error) {
	if !strings.HasPrefix(kind, engines.LanJobPrefix) || len(kind) == len(engines.LanJobPrefix) {
		return nil, fmt.Errorf("%w: kind must be lan.<action>", ErrInvalidRequest)
	}
	job, err := s.store.Enqueue(models.Job{ID: uuid.New().String(), Kind: kind, Scope: scope, Note: note})
	if err != nil {
		return nil, err
	}
	s.record("job.enqueue", map[string]string{"kind": kind, "scope": scope}, "success", job.ID)
	return job, nil
}

// EnqueueRun stores a run request and queues an ai_plan job for it.
func (s *Service) EnqueueRun(rr worker.RunRequest) (*models.Job, error) {
	job, err := worker.Submit(s.store, rr)
	if err != nil {
		return nil, err
	}
	s.record("job.run", rr, "success", job.ID)
	return job, nil
}

// CancelJob cancels a queued or blocked job.
func (s *Service) CancelJob(id string) (*models.Job, error) {
	return s.transition(id, "job.cancel", s.store.Cancel)
}

// ResetJob moves a running job back to queued.
func (s *Service) ResetJob(id string) (*models.Job, error) {
	return s.transition(id, "job.reset", s.store.ResetRunning)
}

// FailJob marks a job failed from any status.
func (s *Service) FailJob(id, note string) (*models.Job, error) {
	if note == "" {
		note = "failed by operator"
	}
	return s.transition(id, "job.fail", func(id string) (bool, error) {
		return true, s.store.MarkFailed(id, note)
	})
}

// DeleteJob removes a job.
func (s *Service) DeleteJob(id string) error {
	if _, err := s.GetJob(id); err != nil {
		return err
	}
	if err := s.store.DeleteJob(id); err != nil {
		return err
	}
	s.record("job.delete", map[string]string{"id": id}, "success", id)
	return nil
}

func (s *Service) transition(id, action string, fn func(string) (bool, error)) (*models.Job, error) {
	if _, err := s.GetJob(id); err != nil {
		return nil, err
	}
	ok, err := fn(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.record(action, map[string]string{"id": id}, "rejected", id)
		return nil, ErrInvalidStatus
	}
	s.record(action, map[string]string{"id": id}, "success", id)
	return s.GetJob(id)
}

// --- Stage Operations ---

// ListStages returns recent stage requests with their approvals.
func (s *Service) ListStages(limit int) ([]stages.Entry, error) {
	return s.book.List(limit)
}

// ApproveStage records the approval for requestID and requeues its job at
// the staged step if the job is blocked.
func (s *Service) ApproveStage(requestID, approvedBy string) (*models.StageApproval, error) {
	req, approval, err := s.book.Approve(requestID, approvedBy)
	switch {
	case errors.Is(err, stages.ErrNotFound):
		return nil, ErrStageNotFound
	case errors.Is(err, stages.ErrAlreadyApproved):
		return approval, ErrAlreadyApproved
	case err != nil:
		return nil, err
	}

	if req.JobID != "" {
		job, err := s.store.GetJob(req.JobID)
		if err != nil {
			return nil, err
		}
		if job != nil && job.Status == models.JobStatusBlocked {
			if err := s.store.MarkQueued(job.ID, stages.ResumeNote(req.StepIndex, requestID)); err != nil {
				return nil, err
			}
		}
	}
	if _, err := s.store.Publish("ai.stage.approved", map[string]interface{}{
		"request_id": requestID, "job_id": req.JobID, "approved_by": approval.ApprovedBy, "step_index": req.StepIndex,
	}); err != nil {
		return nil, err
	}
	s.record("stage.approve", map[string]string{"request_id": requestID, "by": approval.ApprovedBy}, "success", req.JobID)
	return approval, nil
}

// --- Artifact Operations ---

// ListArtifacts returns artifact metadata newest first.
func (s *Service) ListArtifacts(kind string, limit int) ([]models.ArtifactMeta, error) {
	return s.store.ListArtifacts(kind, limit)
}

// Artifact is one stored artifact with its payload.
type Artifact struct {
	models.ArtifactMeta
	Payload json.RawMessage `json:"payload"`
}

// GetArtifact returns the artifact with id.
func (s *Service) GetArtifact(id string) (*Artifact, error) {
	meta, payload, err := s.store.GetArtifact(id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrArtifactNotFound
	}
	return &Artifact{ArtifactMeta: *meta, Payload: payload}, nil
}

// ListActions returns the registered action specs.
func (s *Service) ListActions() []models.ActionSpec {
	if s.registry == nil {
		return nil
	}
	return s.registry.All()
}

// --- Status ---

// Status is the appliance overview.
type Status struct {
	Core          *models.CoreStatus       `json:"core,omitempty"`
	Jobs          map[models.JobStatus]int `json:"jobs"`
	Leases        []models.Lease           `json:"leases"`
	SchemaVersion int                      `json:"schema_version"`
}

// Status reports core state, job counts and live leases.
func (s *Service) Status() (*Status, error) {
	counts, err := s.store.CountJobs()
	if err != nil {
		return nil, err
	}
	version, err := s.store.SchemaVersion()
	if err != nil {
		return nil, err
	}
	out := &Status{Jobs: counts, Leases: []models.Lease{}, SchemaVersion: version}
	if s.core != nil {
		st := s.core.Status()
		out.Core = &st
	}
	if s.leases != nil {
		live, err := s.leases.Snapshot()
		if err != nil {
			return nil, err
		}
		if live != nil {
			out.Leases = live
		}
	}
	return out, nil
}
