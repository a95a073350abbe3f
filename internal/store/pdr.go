package store

import (
	"fmt"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/google/uuid"
)

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, jobID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		JobID:      jobID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, job_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.JobID, pdr.Details, unixSeconds(pdr.Timestamp),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the newest decision records, optionally for one job.
func (s *Store) ListPDR(jobID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, action, inputs_hash, outcome, COALESCE(job_id, ''), COALESCE(details, ''), timestamp FROM pdr`
	var args []interface{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var ts float64
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &e.JobID, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Timestamp = fromUnix(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
