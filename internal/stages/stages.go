// Package stages keeps stage requests and their approvals in the artifact
// store and parses the job-note markers used to resume a staged plan.
package stages

import (
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/reconpi/internal/models"
)

// Artifact kinds.
const (
	KindRequest  = "ai_stage_request"
	KindApproval = "ai_stage_approval"
)

var (
	// ErrNotFound is returned when no stage request has the given id.
	ErrNotFound = errors.New("stage request not found")
	// ErrAlreadyApproved is returned by Approve for a request that already
	// carries an approval record.
	ErrAlreadyApproved = errors.New("stage request already approved")
)

// Store is the artifact subset stages need.
type Store interface {
	PutJSON(kind, title string, payload interface{}) (string, error)
	GetJSON(id string, v interface{}) (bool, error)
	ListArtifacts(kind string, limit int) ([]models.ArtifactMeta, error)
	FindArtifact(kind, field, value string) (*models.ArtifactMeta, error)
}

// Entry pairs a request with its approval, if one exists.
type Entry struct {
	Request  models.StageRequest   `json:"request"`
	Approval *models.StageApproval `json:"approval,omitempty"`
}

// Approved reports whether the entry has an approval record.
func (e Entry) Approved() bool { return e.Approval != nil }

// Book records and resolves stage requests.
type Book struct {
	store Store
	now   func() time.Time
}

// NewBook creates a Book over s.
func NewBook(s Store) *Book {
	return &Book{store: s, now: time.Now}
}

// SetClock overrides the time source.
func (b *Book) SetClock(now func() time.Time) {
	b.now = now
}

// Request persists req and returns it with ID and CreatedAt set. The
// request id is the artifact id.
func (b *Book) Request(req models.StageRequest) (models.StageRequest, error) {
	req.ID = ""
	req.CreatedAt = b.now().UTC()
	title := fmt.Sprintf("stage %s step %d", req.ActionID, req.StepIndex)
	id, err := b.store.PutJSON(KindRequest, title, req)
	if err != nil {
		return req, fmt.Errorf("store stage request: %w", err)
	}
	req.ID = id
	return req, nil
}

// Get returns the request with id, or nil if it does not exist.
func (b *Book) Get(id string) (*models.StageRequest, error) {
	var req models.StageRequest
	ok, err := b.store.GetJSON(id, &req)
	if err != nil {
		return nil, fmt.Errorf("get stage request: %w", err)
	}
	if !ok || req.ActionID == "" {
		return nil, nil
	}
	req.ID = id
	return &req, nil
}

// Approval returns the approval for requestID, or nil. The oldest record is
// the terminal one.
func (b *Book) Approval(requestID string) (*models.StageApproval, error) {
	meta, err := b.store.FindArtifact(KindApproval, "request_id", requestID)
	if err != nil {
		return nil, fmt.Errorf("find stage approval: %w", err)
	}
	if meta == nil {
		return nil, nil
	}
	var a models.StageApproval
	ok, err := b.store.GetJSON(meta.ID, &a)
	if err != nil {
		return nil, fmt.Errorf("get stage approval: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// Approve writes the single approval record for requestID. A second call
// returns the existing approval with ErrAlreadyApproved.
func (b *Book) Approve(requestID, approvedBy string) (*models.StageRequest, *models.StageApproval, error) {
	req, err := b.Get(requestID)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return nil, nil, ErrNotFound
	}
	existing, err := b.Approval(requestID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return req, existing, ErrAlreadyApproved
	}

	if approvedBy == "" {
		approvedBy = "operator"
	}
	a := models.StageApproval{RequestID: requestID, ApprovedBy: approvedBy, TS: b.now().UTC()}
	if _, err := b.store.PutJSON(KindApproval, "approval "+requestID, a); err != nil {
		return nil, nil, fmt.Errorf("store stage approval: %w", err)
	}
	return req, &a, nil
}

// List returns recent requests newest first, each with its approval.
func (b *Book) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	metas, err := b.store.ListArtifacts(KindRequest, limit)
	if err != nil {
		return nil, fmt.Errorf("list stage requests: %w", err)
	}

	out := make([]Entry, 0, len(metas))
	for _, m := range metas {
		var req models.StageRequest
		ok, err := b.store.GetJSON(m.ID, &req)
		if err != nil {
			return nil, fmt.Errorf("get stage request: %w", err)
		}
		if !ok {
			continue
		}
		req.ID = m.ID
		a, err := b.Approval(m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Request: req, Approval: a})
	}
	return out, nil
}
