package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/google/uuid"
)

// PutJSON stores payload as a new artifact and returns its id.
func (s *Store) PutJSON(kind, title string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	id := uuid.New().String()
	_, err = s.db.Exec(
		`INSERT INTO artifacts (id, kind, title, payload, created_ts) VALUES (?, ?, ?, ?, ?)`,
		id, kind, title, string(data), unixSeconds(s.now()),
	)
	if err != nil {
		return "", fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

// GetJSON decodes the artifact payload into v. It reports false when the
// artifact does not exist.
func (s *Store) GetJSON(id string, v interface{}) (bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM artifacts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return true, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	return true, nil
}

// GetArtifact returns metadata and the raw payload. It returns nil, nil, nil when absent.
func (s *Store) GetArtifact(id string) (*models.ArtifactMeta, json.RawMessage, error) {
	var meta models.ArtifactMeta
	var created float64
	var payload string
	err := s.db.QueryRow(
		`SELECT id, kind, title, created_ts, payload FROM artifacts WHERE id = ?`, id,
	).Scan(&meta.ID, &meta.Kind, &meta.Title, &created, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query artifact: %w", err)
	}
	meta.CreatedAt = fromUnix(created)
	return &meta, json.RawMessage(payload), nil
}

// ListArtifacts returns artifact metadata newest first, optionally by kind.
func (s *Store) ListArtifacts(kind string, limit int) ([]models.ArtifactMeta, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, title, created_ts FROM artifacts`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var metas []models.ArtifactMeta
	for rows.Next() {
		var m models.ArtifactMeta
		var created float64
		if err := rows.Scan(&m.ID, &m.Kind, &m.Title, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		m.CreatedAt = fromUnix(created)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// FindArtifact returns the oldest artifact of kind whose JSON payload has
// field equal to value. It returns nil, nil when none matches.
func (s *Store) FindArtifact(kind, field, value string) (*models.ArtifactMeta, error) {
	var m models.ArtifactMeta
	var created float64
	err := s.db.QueryRow(
		`SELECT id, kind, title, created_ts FROM artifacts
		WHERE kind = ? AND json_extract(payload, '$.' || ?) = ?
		ORDER BY created_ts ASC, rowid ASC LIMIT 1`,
		kind, field, value,
	).Scan(&m.ID, &m.Kind, &m.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find artifact: %w", err)
	}
	m.CreatedAt = fromUnix(created)
	return &m, nil
}
