package stages

import (
	"path/filepath"
	"testing"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/fentz26/reconpi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "stages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewBook(s)
}

func TestRequestAndApprove(t *testing.T) {
	b := newTestBook(t)

	req, err := b.Request(models.StageRequest{JobID: "job-1", PlanID: "plan-1", StepIndex: 2, ActionID: "net.port_scan", Risk: "caution"})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)

	got, err := b.Get(req.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.StepIndex)
	assert.Equal(t, req.ID, got.ID)

	pending, err := b.Approval(req.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, a, err := b.Approve(req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.ApprovedBy)

	_, again, err := b.Approve(req.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	assert.Equal(t, "alice", again.ApprovedBy)

	stored, err := b.Approval(req.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alice", stored.ApprovedBy)

	entries, err := b.List(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Approved())
}

func TestApproveMissing(t *testing.T) {
	b := newTestBook(t)
	_, _, err := b.Approve("nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := b.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkers(t *testing.T) {
	note := "req:abc\nawaiting approval stage_req:s1 step:2\napproval granted resume_from:2 stage_req:s1"
	assert.Equal(t, "abc", RequestID(note))
	assert.Equal(t, 2, ResumeFrom(note))
	assert.Equal(t, "s1", StageRequestID(note))

	assert.Equal(t, 0, ResumeFrom("req:abc"))
	assert.Equal(t, 0, ResumeFrom("resume_from:zero"))
	assert.Equal(t, 3, ResumeFrom(ResumeNote(3, "x")))
	assert.Equal(t, "x", StageRequestID(BlockedNote(3, "x", "p1")))
	assert.Equal(t, "p1", PlanID(BlockedNote(3, "x", "p1")))
	assert.Empty(t, PlanID(BlockedNote(3, "x", "")))
}

func TestApproveOnceAfterManyApprovals(t *testing.T) {
	b := newTestBook(t)

	old, err := b.Request(models.StageRequest{JobID: "job-old", StepIndex: 1, ActionID: "vuln.assess_basic", Risk: "caution"})
	require.NoError(t, err)
	_, _, err = b.Approve(old.ID, "alice")
	require.NoError(t, err)

	for i := 0; i < 520; i++ {
		req, err := b.Request(models.StageRequest{JobID: "job-new", StepIndex: 1, ActionID: "net.port_scan", Risk: "caution"})
		require.NoError(t, err)
		_, _, err = b.Approve(req.ID, "bob")
		require.NoError(t, err)
	}

	_, again, err := b.Approve(old.ID, "carol")
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	require.NotNil(t, again)
	assert.Equal(t, "alice", again.ApprovedBy)
}
