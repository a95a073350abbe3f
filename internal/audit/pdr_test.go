package audit

import (
	"testing"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct{ entries []models.PDREntry }

func (m *memSink) WritePDR(action, inputsHash, outcome, jobID, details string) (*models.PDREntry, error) {
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, JobID: jobID, Details: details}
	m.entries = append(m.entries, e)
	return &e, nil
}

func TestRecordHashesInputs(t *testing.T) {
	sink := &memSink{}
	w := NewPDRWriter(sink)

	_, err := w.Record("action.gate", map[string]interface{}{"b": 2, "a": 1}, "blocked", "job-1", "scope_not_allowed")
	require.NoError(t, err)
	_, err = w.Record("action.gate", map[string]interface{}{"a": 1, "b": 2}, "blocked", "job-1", "scope_not_allowed")
	require.NoError(t, err)

	require.Len(t, sink.entries, 2)
	assert.Equal(t, sink.entries[0].InputsHash, sink.entries[1].InputsHash)
	assert.Len(t, sink.entries[0].InputsHash, 64)
	assert.Equal(t, "job-1", sink.entries[0].JobID)
}

func TestHashInputsUnmarshalable(t *testing.T) {
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}
